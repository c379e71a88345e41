// Package outbox delivers operator replies from the inbox to the WhatsApp
// Cloud API. Replies are queued in SQLite and drained by a background loop so
// an API request never blocks on the provider.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/TDXCORE/EmailApp/internal/bus"
	"github.com/TDXCORE/EmailApp/internal/store"
	"github.com/TDXCORE/EmailApp/internal/whatsapp"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event kinds published by the sender.
const (
	KindSendAck    = "message.send_ack"
	KindSendFailed = "message.send_failed"
)

const pollInterval = 500 * time.Millisecond

// ErrEmptyRecipient is returned by Queue when no recipient is given.
var ErrEmptyRecipient = errors.New("outbox: empty recipient")

// MessageSender is the part of the Cloud API client the sender needs.
type MessageSender interface {
	SendMessage(ctx context.Context, msg whatsapp.OutgoingMessage) (*whatsapp.SendResponse, error)
}

// Sender drains the outbox and sends messages through the Cloud API.
type Sender struct {
	db       *store.DB
	sender   MessageSender
	bus      *bus.Bus
	business string
	logger   *zap.Logger
	wake     chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSender creates a new outbox sender. business is the phone number id
// recorded as the sender of every outbound row.
func NewSender(db *store.DB, sender MessageSender, b *bus.Bus, business string, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		db:       db,
		sender:   sender,
		bus:      b,
		business: business,
		logger:   logger,
		wake:     make(chan struct{}, 1),
	}
}

// Queue stores msg for delivery and returns its client message id. The id
// becomes the message_id of the conversation row.
func (s *Sender) Queue(msg whatsapp.OutgoingMessage) (string, error) {
	if msg.To == "" {
		return "", ErrEmptyRecipient
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode outgoing message: %w", err)
	}
	e := &store.OutboxEntry{
		ClientMsgID: uuid.NewString(),
		FromNumber:  s.business,
		ToNumber:    msg.To,
		Type:        msg.Type,
		Payload:     string(payload),
	}
	if err := s.db.QueueOutbox(e); err != nil {
		return "", fmt.Errorf("queue outbox: %w", err)
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return e.ClientMsgID, nil
}

// Start begins polling the outbox for pending messages. Entries left in
// 'sending' by a previous run are queued again first.
func (s *Sender) Start(ctx context.Context) {
	if n, err := s.db.ResetStaleOutbox(); err != nil {
		s.logger.Error("failed to reset stale outbox", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("requeued stale outbox entries", zap.Int64("count", n))
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop stops the sender loop and waits for the current batch to finish.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-s.wake:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		s.process(ctx, entry)
	}
}

func (s *Sender) process(ctx context.Context, entry store.OutboxEntry) {
	log := s.logger.With(zap.String("client_msg_id", entry.ClientMsgID), zap.String("to", entry.ToNumber))

	if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
		log.Error("failed to mark sending", zap.Error(err))
		return
	}

	var msg whatsapp.OutgoingMessage
	if err := json.Unmarshal([]byte(entry.Payload), &msg); err != nil {
		log.Error("dropping undecodable outbox entry", zap.Error(err))
		_ = s.db.MarkOutboxFailed(entry.ClientMsgID, err.Error())
		return
	}

	// Optimistic insert: the conversation shows the reply before the provider answers.
	row := &store.WAMessage{
		MessageID:  entry.ClientMsgID,
		FromNumber: entry.FromNumber,
		ToNumber:   entry.ToNumber,
		Type:       entry.Type,
		Content:    entry.Payload,
		Status:     store.WAStatusPending,
		CreatedAt:  time.Now().UnixMilli(),
	}
	if _, err := s.db.InsertWAMessage(row); err != nil {
		log.Error("failed to insert pending message", zap.Error(err))
	}
	if err := s.db.UpsertWAContact(&store.WAContact{WaID: entry.ToNumber}); err != nil {
		log.Warn("failed to touch contact", zap.Error(err))
	}

	resp, err := s.sender.SendMessage(ctx, msg)
	if err == nil && resp.MessageID() == "" {
		err = errors.New("provider accepted the message without an id")
	}
	if err != nil {
		log.Error("failed to send message", zap.Error(err))
		_ = s.db.MarkOutboxFailed(entry.ClientMsgID, err.Error())
		s.setStatus(entry.ClientMsgID, "", store.WAStatusFailed, log)
		s.bus.Publish(bus.Event{
			Kind:      KindSendFailed,
			Timestamp: time.Now(),
			Payload: map[string]string{
				"client_msg_id": entry.ClientMsgID,
				"error":         err.Error(),
			},
		})
		return
	}

	providerID := resp.MessageID()
	if err := s.db.MarkOutboxSent(entry.ClientMsgID, providerID); err != nil {
		log.Error("failed to mark sent", zap.Error(err))
	}
	s.setStatus(entry.ClientMsgID, providerID, store.WAStatusSent, log)

	log.Info("message sent", zap.String("provider_id", providerID))
	s.bus.Publish(bus.Event{
		Kind:      KindSendAck,
		Timestamp: time.Now(),
		Payload: map[string]string{
			"client_msg_id": entry.ClientMsgID,
			"provider_id":   providerID,
		},
	})
}

// setStatus moves the optimistic row out of pending. A row a status webhook
// already advanced is left alone apart from recording the provider id.
func (s *Sender) setStatus(messageID, providerID, status string, log *zap.Logger) {
	row, err := s.db.GetWAMessage(messageID)
	if err != nil || row == nil {
		log.Error("failed to load pending message", zap.Error(err))
		return
	}
	if row.Status == store.WAStatusPending {
		row.Status = status
	}
	if providerID != "" {
		row.ProviderID = providerID
	}
	if err := s.db.UpdateWAMessage(row); err != nil {
		log.Error("failed to update message status", zap.Error(err))
	}
}
