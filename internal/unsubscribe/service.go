// Package unsubscribe processes recipient opt-outs from campaign emails.
package unsubscribe

import (
	"errors"
	"fmt"
	"time"

	"github.com/TDXCORE/EmailApp/internal/bus"
	"github.com/TDXCORE/EmailApp/internal/store"
	"go.uber.org/zap"
)

// KindUnsubscribed is published after a contact opts out.
const KindUnsubscribed = "contact.unsubscribed"

// Reason recorded for link-initiated opt-outs.
const ReasonUserRequest = "user_request"

// Outcome statuses.
const (
	StatusUnsubscribed        = "unsubscribed"
	StatusAlreadyUnsubscribed = "already-unsubscribed"
)

var (
	ErrMissingParams    = errors.New("unsubscribe: missing contact or campaign")
	ErrContactNotFound  = errors.New("unsubscribe: contact not found")
	ErrCampaignNotFound = errors.New("unsubscribe: campaign not found")
)

// Outcome is the result of a processed request.
type Outcome struct {
	Status       string `json:"status"`
	Email        string `json:"email"`
	CampaignName string `json:"campaignName,omitempty"`
}

// Service applies unsubscribe requests.
type Service struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
}

// NewService creates an unsubscribe service.
func NewService(db *store.DB, b *bus.Bus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: db, bus: b, logger: logger}
}

// Process unsubscribes a contact on behalf of a campaign email.
//
// The status change is the only write that must succeed. Group removal,
// the metrics stamp and the audit log follow it and are best effort. A
// contact that is already unsubscribed is reported as such with no writes.
func (s *Service) Process(contactID, campaignID string) (*Outcome, error) {
	if contactID == "" || campaignID == "" {
		return nil, ErrMissingParams
	}

	contact, err := s.db.GetContact(contactID)
	if err != nil {
		return nil, fmt.Errorf("load contact: %w", err)
	}
	if contact == nil {
		return nil, ErrContactNotFound
	}
	camp, err := s.db.GetCampaign(campaignID)
	if err != nil {
		return nil, fmt.Errorf("load campaign: %w", err)
	}
	if camp == nil || camp.UserID != contact.UserID {
		return nil, ErrCampaignNotFound
	}

	already := &Outcome{Status: StatusAlreadyUnsubscribed, Email: contact.Email}
	if contact.Status == store.ContactUnsubscribed {
		return already, nil
	}

	log := s.logger.With(zap.String("contact_id", contactID), zap.String("campaign_id", campaignID))

	changed, err := s.db.MarkUnsubscribed(contactID)
	if err != nil {
		return nil, fmt.Errorf("update contact status: %w", err)
	}
	if !changed {
		// A concurrent request won.
		return already, nil
	}

	now := time.Now().UnixMilli()
	if n, err := s.db.RemoveContactFromAllGroups(contactID); err != nil {
		log.Warn("failed to remove contact from groups", zap.Error(err))
	} else {
		log.Debug("removed contact from groups", zap.Int64("groups", n))
	}
	if _, err := s.db.StampUnsubscribed(contactID, campaignID, now); err != nil {
		log.Warn("failed to stamp email metrics", zap.Error(err))
	}
	if err := s.db.InsertUnsubscribeLog(&store.UnsubscribeLog{
		ContactID:      contactID,
		CampaignID:     campaignID,
		Email:          contact.Email,
		Reason:         ReasonUserRequest,
		UserID:         contact.UserID,
		UnsubscribedAt: now,
	}); err != nil {
		log.Warn("failed to write unsubscribe log", zap.Error(err))
	}

	log.Info("contact unsubscribed", zap.String("email", contact.Email))
	out := &Outcome{Status: StatusUnsubscribed, Email: contact.Email, CampaignName: camp.Name}
	if s.bus != nil {
		s.bus.Publish(bus.Event{Kind: KindUnsubscribed, Timestamp: time.Now(), Payload: *out})
	}
	return out, nil
}
