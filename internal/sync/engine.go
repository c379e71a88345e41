package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/TDXCORE/EmailApp/internal/bus"
	"github.com/TDXCORE/EmailApp/internal/media"
	"github.com/TDXCORE/EmailApp/internal/store"
	"github.com/TDXCORE/EmailApp/internal/whatsapp"
	"go.uber.org/zap"
)

// MediaFetcher downloads inbound media from the Cloud API.
type MediaFetcher interface {
	MediaInfo(ctx context.Context, mediaID string) (*whatsapp.MediaInfo, error)
	DownloadMedia(ctx context.Context, url string) ([]byte, string, error)
}

// Engine handles idempotent ingestion of webhook deliveries into the store.
// It subscribes to "wa.*" events on the bus and processes them.
type Engine struct {
	db      *store.DB
	bus     *bus.Bus
	fetcher MediaFetcher
	media   media.Storage
	logger  *zap.Logger
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewEngine creates a new sync engine. fetcher and storage may be nil, in
// which case media messages are stored without a link.
func NewEngine(db *store.DB, b *bus.Bus, fetcher MediaFetcher, storage media.Storage, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:      db,
		bus:     b,
		fetcher: fetcher,
		media:   storage,
		logger:  logger,
	}
}

// Start subscribes to webhook events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	ch, unsub := e.bus.Subscribe("wa.", 256)

	go func() {
		defer close(e.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for the current event to finish.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

func (e *Engine) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case whatsapp.KindWebhook:
		p, ok := evt.Payload.(*whatsapp.WebhookPayload)
		if !ok {
			return
		}
		if err := e.IngestWebhook(ctx, p); err != nil {
			e.logger.Error("failed to ingest webhook", zap.Error(err))
		}
	}
}

// IngestWebhook stores contacts, messages and status updates of one delivery.
// Every item is attempted; the returned error joins the individual failures.
func (e *Engine) IngestWebhook(ctx context.Context, p *whatsapp.WebhookPayload) error {
	var errs []error
	var msgs, statuses int
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			v := change.Value
			business := v.Metadata.PhoneNumberID

			for _, c := range v.Contacts {
				if err := e.db.UpsertWAContact(&store.WAContact{WaID: c.WaID, Name: c.Profile.Name}); err != nil {
					errs = append(errs, fmt.Errorf("upsert contact %s: %w", c.WaID, err))
				}
			}
			for i := range v.Messages {
				inserted, err := e.IngestMessage(ctx, business, &v.Messages[i])
				if err != nil {
					errs = append(errs, err)
					continue
				}
				if inserted {
					msgs++
				}
			}
			for _, st := range v.Statuses {
				applied, err := e.ApplyStatus(st)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				if applied {
					statuses++
				}
			}
		}
	}

	e.bus.Publish(bus.Event{
		Kind:      "sync.webhook",
		Timestamp: time.Now(),
		Payload: map[string]int{
			"messages_count": msgs,
			"statuses_count": statuses,
		},
	})
	return errors.Join(errs...)
}

// IngestMessage stores one inbound message (idempotent on its id). Media is
// copied to object storage first; a failed copy keeps the message without a link.
func (e *Engine) IngestMessage(ctx context.Context, business string, msg *whatsapp.Message) (bool, error) {
	if msg.ID == "" || msg.From == "" {
		return false, fmt.Errorf("message without id or sender")
	}

	existing, err := e.db.GetWAMessage(msg.ID)
	if err != nil {
		return false, fmt.Errorf("lookup message %s: %w", msg.ID, err)
	}
	if existing != nil {
		return false, nil
	}

	created := time.Now()
	if ts, ok := msg.Time(); ok {
		created = ts
	}

	if m := msg.Media(); m != nil && m.ID != "" && m.Link == "" {
		link, err := e.storeMedia(ctx, m, created)
		if err != nil {
			e.logger.Warn("failed to store media", zap.String("msg_id", msg.ID), zap.String("media_id", m.ID), zap.Error(err))
		} else {
			m.Link = link
		}
	}

	content, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("marshal message %s: %w", msg.ID, err)
	}

	// Keep the sender first in the conversation list.
	if err := e.db.UpsertWAContact(&store.WAContact{WaID: msg.From, UpdatedAt: created.UnixMilli()}); err != nil {
		return false, fmt.Errorf("touch contact %s: %w", msg.From, err)
	}

	inserted, err := e.db.InsertWAMessage(&store.WAMessage{
		MessageID:  msg.ID,
		FromNumber: msg.From,
		ToNumber:   business,
		Type:       msg.Type,
		Content:    string(content),
		Status:     store.WAStatusReceived,
		CreatedAt:  created.UnixMilli(),
	})
	if err != nil {
		return false, fmt.Errorf("insert message %s: %w", msg.ID, err)
	}
	return inserted, nil
}

func (e *Engine) storeMedia(ctx context.Context, m *whatsapp.Media, at time.Time) (string, error) {
	if e.fetcher == nil || e.media == nil {
		return "", errors.New("media storage not configured")
	}
	info, err := e.fetcher.MediaInfo(ctx, m.ID)
	if err != nil {
		return "", fmt.Errorf("media info: %w", err)
	}
	data, ct, err := e.fetcher.DownloadMedia(ctx, info.URL)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	if info.MimeType != "" {
		ct = info.MimeType
	} else if ct == "" {
		ct = m.MimeType
	}
	p := fmt.Sprintf("whatsapp/%s/%s%s", at.UTC().Format("2006/01"), m.ID, media.Extension(ct))
	return e.media.Upload(ctx, p, bytes.NewReader(data), ct)
}

var statusRank = map[string]int{
	store.WAStatusPending:   0,
	store.WAStatusSent:      1,
	store.WAStatusDelivered: 2,
	store.WAStatusRead:      3,
}

// advances reports whether next may replace cur. Statuses can arrive out of
// order; a message never moves back, and failed only applies before delivery.
func advances(cur, next string) bool {
	if next == store.WAStatusFailed {
		return cur == store.WAStatusPending || cur == store.WAStatusSent
	}
	n, ok := statusRank[next]
	if !ok {
		return false
	}
	c, ok := statusRank[cur]
	return ok && n > c
}

// ApplyStatus records a delivery status for an outbound message, matched by
// provider id. Unknown messages and regressions are ignored.
func (e *Engine) ApplyStatus(st whatsapp.StatusUpdate) (bool, error) {
	row, err := e.db.FindWAMessage(st.ID)
	if err != nil {
		return false, fmt.Errorf("lookup status target %s: %w", st.ID, err)
	}
	if row == nil {
		e.logger.Debug("status for unknown message", zap.String("msg_id", st.ID), zap.String("status", st.Status))
		return false, nil
	}
	if !advances(row.Status, st.Status) {
		return false, nil
	}
	row.Status = st.Status
	if row.ProviderID == "" && row.MessageID != st.ID {
		row.ProviderID = st.ID
	}
	if err := e.db.UpdateWAMessage(row); err != nil {
		return false, fmt.Errorf("update status %s: %w", st.ID, err)
	}
	return true, nil
}
