// Package campaign turns a stored campaign into emails: recipient
// resolution, per-recipient rendering, bulk delivery and metric rows.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/TDXCORE/EmailApp/internal/bus"
	"github.com/TDXCORE/EmailApp/internal/mailer"
	"github.com/TDXCORE/EmailApp/internal/store"
	"go.uber.org/zap"
)

// KindSent is published after a campaign send completes.
const KindSent = "campaign.sent"

// Config keys that override the sender identity per operator.
const (
	KeyFromEmail = "FROM_EMAIL"
	KeyFromName  = "FROM_NAME"
)

var (
	ErrNotFound       = errors.New("campaign: not found")
	ErrNoRecipients   = errors.New("campaign: no active contacts in campaign groups")
	ErrSendInProgress = errors.New("campaign: send already in progress")
	ErrNothingSent    = errors.New("campaign: every email failed")
)

// Result reports the outcome of a send.
type Result struct {
	CampaignID  string   `json:"campaign_id"`
	TotalSent   int      `json:"total_sent"`
	TotalFailed int      `json:"total_failed"`
	Errors      []string `json:"errors"`
}

// Dispatcher sends campaigns.
type Dispatcher struct {
	db        *store.DB
	transport mailer.Transport
	bus       *bus.Bus
	from      mailer.Sender
	publicURL string
	logger    *zap.Logger

	mu       sync.Mutex
	inflight map[string]bool
}

// NewDispatcher creates a dispatcher. from is the default sender identity and
// publicURL the base of unsubscribe links.
func NewDispatcher(db *store.DB, t mailer.Transport, b *bus.Bus, from mailer.Sender, publicURL string, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		db:        db,
		transport: t,
		bus:       b,
		from:      from,
		publicURL: publicURL,
		logger:    logger,
		inflight:  make(map[string]bool),
	}
}

func (d *Dispatcher) acquire(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inflight[id] {
		return false
	}
	d.inflight[id] = true
	return true
}

func (d *Dispatcher) release(id string) {
	d.mu.Lock()
	delete(d.inflight, id)
	d.mu.Unlock()
}

// sender returns the operator's identity, preferring config-table entries.
func (d *Dispatcher) sender(userID string) mailer.Sender {
	s := d.from
	values, err := d.db.ConfigValues(userID)
	if err != nil {
		d.logger.Warn("failed to read sender config", zap.String("user_id", userID), zap.Error(err))
		return s
	}
	if v := values[KeyFromEmail]; v != "" {
		s.Email = v
	}
	if v := values[KeyFromName]; v != "" {
		s.Name = v
	}
	return s
}

// Send delivers a campaign to every active contact of its groups. One
// metrics row is written per delivered email and the campaign is marked
// sent when at least one email went out.
func (d *Dispatcher) Send(ctx context.Context, userID, campaignID string) (*Result, error) {
	c, err := d.db.GetCampaign(campaignID)
	if err != nil {
		return nil, fmt.Errorf("load campaign: %w", err)
	}
	if c == nil || c.UserID != userID {
		return nil, ErrNotFound
	}
	if err := ValidateContent(c.Content); err != nil {
		return nil, err
	}
	if !d.acquire(c.ID) {
		return nil, ErrSendInProgress
	}
	defer d.release(c.ID)

	recipients, err := d.db.CampaignRecipients(c.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve recipients: %w", err)
	}
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	from := d.sender(userID)
	senderName := from.Name
	if senderName == "" {
		senderName = from.Email
	}
	emails := make([]mailer.Email, 0, len(recipients))
	for _, r := range recipients {
		emails = append(emails, mailer.Email{
			Ref:     r.ID,
			To:      r.Email,
			Subject: c.Subject,
			HTML:    Render(c.Content, UnsubscribeLink(d.publicURL, r.ID, c.ID), senderName),
		})
	}

	log := d.logger.With(zap.String("campaign_id", c.ID), zap.String("user_id", userID))
	log.Info("sending campaign", zap.Int("recipients", len(emails)))
	br := d.transport.SendBulk(ctx, from, emails)

	res := &Result{CampaignID: c.ID, TotalSent: br.Success, TotalFailed: br.Failed, Errors: []string{}}
	for _, f := range br.Errors {
		res.Errors = append(res.Errors, f.String())
	}
	if br.Success == 0 {
		log.Warn("campaign send failed", zap.Int("failed", br.Failed))
		return res, ErrNothingSent
	}

	now := time.Now().UnixMilli()
	metrics := make([]store.EmailMetric, 0, len(br.Sent))
	for _, contactID := range br.Sent {
		metrics = append(metrics, store.EmailMetric{
			CampaignID: c.ID,
			ContactID:  contactID,
			UserID:     userID,
			SentAt:     now,
		})
	}
	if err := d.db.InsertMetrics(metrics); err != nil {
		log.Error("failed to record metrics", zap.Error(err))
	}
	if err := d.db.MarkCampaignSent(c.ID, now); err != nil {
		return res, fmt.Errorf("mark campaign sent: %w", err)
	}

	log.Info("campaign sent", zap.Int("sent", br.Success), zap.Int("failed", br.Failed))
	if d.bus != nil {
		d.bus.Publish(bus.Event{Kind: KindSent, Timestamp: time.Now(), Payload: *res})
	}
	return res, nil
}

// Metrics returns the engagement of an operator's campaign.
func (d *Dispatcher) Metrics(userID, campaignID string) (*Metrics, error) {
	c, err := d.db.GetCampaign(campaignID)
	if err != nil {
		return nil, fmt.Errorf("load campaign: %w", err)
	}
	if c == nil || c.UserID != userID {
		return nil, ErrNotFound
	}
	rows, err := d.db.ListMetrics(c.ID)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	m := Aggregate(rows)
	return &m, nil
}

// RecordEvent stamps an engagement event (opened, clicked, bounced) on the
// metrics row of a recipient. A bounce also flags the contact.
func (d *Dispatcher) RecordEvent(userID, campaignID, contactID, event string) error {
	c, err := d.db.GetCampaign(campaignID)
	if err != nil {
		return fmt.Errorf("load campaign: %w", err)
	}
	if c == nil || c.UserID != userID {
		return ErrNotFound
	}
	if err := d.db.MarkMetricEvent(contactID, c.ID, event, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("record %s: %w", event, err)
	}
	if event == "bounced" {
		if err := d.db.SetContactStatus(contactID, store.ContactBounced); err != nil {
			d.logger.Warn("failed to flag bounced contact", zap.String("contact_id", contactID), zap.Error(err))
		}
	}
	return nil
}

// Dashboard returns the operator-wide summary.
func (d *Dispatcher) Dashboard(userID string) (*Dashboard, error) {
	t, err := d.db.Dashboard(userID)
	if err != nil {
		return nil, fmt.Errorf("dashboard: %w", err)
	}
	s := Summarize(*t)
	return &s, nil
}
