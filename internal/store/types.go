package store

// Contact statuses.
const (
	ContactActive       = "active"
	ContactUnsubscribed = "unsubscribed"
	ContactBounced      = "bounced"
)

// Campaign statuses.
const (
	CampaignDraft     = "draft"
	CampaignSent      = "sent"
	CampaignScheduled = "scheduled"
	CampaignPaused    = "paused"
)

// Contact is an email recipient owned by one operator.
type Contact struct {
	ID        string  `json:"id"`
	UserID    string  `json:"user_id"`
	Email     string  `json:"email"`
	FirstName string  `json:"first_name"`
	LastName  string  `json:"last_name"`
	Phone     string  `json:"phone,omitempty"`
	Status    string  `json:"status"`
	CreatedAt int64   `json:"created_at"`
	UpdatedAt int64   `json:"updated_at"`
	Groups    []Group `json:"groups,omitempty"`
}

// Group is a named list of contacts.
type Group struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	ContactCount int    `json:"contact_count"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// Campaign is an email campaign targeting one or more groups.
type Campaign struct {
	ID          string  `json:"id"`
	UserID      string  `json:"user_id"`
	Name        string  `json:"name"`
	Subject     string  `json:"subject"`
	Content     string  `json:"content"`
	Status      string  `json:"status"`
	ScheduledAt int64   `json:"scheduled_at,omitempty"`
	SentAt      int64   `json:"sent_at,omitempty"`
	CreatedAt   int64   `json:"created_at"`
	UpdatedAt   int64   `json:"updated_at"`
	Groups      []Group `json:"groups,omitempty"`
}

// EmailMetric tracks delivery and engagement of one campaign email.
// Zero timestamps mean the event has not happened.
type EmailMetric struct {
	ID             string `json:"id"`
	CampaignID     string `json:"campaign_id"`
	ContactID      string `json:"contact_id"`
	UserID         string `json:"user_id"`
	SentAt         int64  `json:"sent_at"`
	OpenedAt       int64  `json:"opened_at,omitempty"`
	ClickedAt      int64  `json:"clicked_at,omitempty"`
	BouncedAt      int64  `json:"bounced_at,omitempty"`
	UnsubscribedAt int64  `json:"unsubscribed_at,omitempty"`
}

// ConfigEntry is an operator-owned key/value setting.
type ConfigEntry struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	Key         string `json:"key"`
	Value       string `json:"value"`
	Description string `json:"description"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

// UnsubscribeLog is an audit record of an unsubscribe request.
type UnsubscribeLog struct {
	ID             int64  `json:"id"`
	ContactID      string `json:"contact_id"`
	CampaignID     string `json:"campaign_id"`
	Email          string `json:"email"`
	Reason         string `json:"reason"`
	UserID         string `json:"user_id"`
	UnsubscribedAt int64  `json:"unsubscribed_at"`
}

// WAContact is a WhatsApp end user seen by the webhook.
type WAContact struct {
	WaID      string `json:"wa_id"`
	Name      string `json:"name"`
	UpdatedAt int64  `json:"updated_at"`
}

// WAMessage is one stored WhatsApp message row. Content holds the raw JSON
// message object; it is decoded at the inbox boundary.
type WAMessage struct {
	ID         int64  `json:"id"`
	MessageID  string `json:"message_id"`
	ProviderID string `json:"provider_id,omitempty"`
	FromNumber string `json:"from_number"`
	ToNumber   string `json:"to_number"`
	Type       string `json:"type"`
	Content    string `json:"content"`
	Status     string `json:"status"`
	CreatedAt  int64  `json:"created_at"`
}

// WAMessageRef identifies a stored message without its payload.
type WAMessageRef struct {
	MessageID  string
	FromNumber string
	CreatedAt  int64
}

// OutboxEntry represents a pending outgoing WhatsApp message.
type OutboxEntry struct {
	ID           int64
	ClientMsgID  string
	FromNumber   string
	ToNumber     string
	Type         string
	Payload      string
	Status       string // queued, sending, sent, failed
	ErrorMessage string
	ProviderID   string
}

// DashboardTotals aggregates an operator's counts for the dashboard.
type DashboardTotals struct {
	Contacts     int `json:"contacts"`
	Groups       int `json:"groups"`
	Campaigns    int `json:"campaigns"`
	EmailsSent   int `json:"emails_sent"`
	Opened       int `json:"opened"`
	Clicked      int `json:"clicked"`
	Bounced      int `json:"bounced"`
	Unsubscribed int `json:"unsubscribed"`
}
