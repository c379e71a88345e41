package inbox

import (
	"context"
	"time"

	"github.com/TDXCORE/EmailApp/internal/store"
	"go.uber.org/zap"
)

// StoreSource reads conversations from the sqlite message store.
type StoreSource struct {
	db     *store.DB
	own    Addresses
	logger *zap.Logger
}

// NewStoreSource creates a Source over db. own lists the business addresses.
func NewStoreSource(db *store.DB, own Addresses, logger *zap.Logger) *StoreSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSource{db: db, own: own, logger: logger}
}

// ContactIDs returns every known WhatsApp contact, most recently active first.
func (s *StoreSource) ContactIDs(ctx context.Context) ([]string, error) {
	contacts, err := s.db.ListWAContacts()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(contacts))
	for _, c := range contacts {
		ids = append(ids, c.WaID)
	}
	return ids, nil
}

// Conversations returns one seed per contact ID, in the given order.
func (s *StoreSource) Conversations(ctx context.Context, contactIDs []string) ([]Seed, error) {
	seeds := make([]Seed, 0, len(contactIDs))
	for _, id := range contactIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		seed := Seed{ContactID: id}
		c, err := s.db.GetWAContact(id)
		if err != nil {
			return nil, err
		}
		if c != nil {
			seed.DisplayName = c.Name
		}
		refs, err := s.db.ConversationMessageRefs(id)
		if err != nil {
			return nil, err
		}
		for _, ref := range refs {
			dir := Inbound
			if s.own.Own(ref.FromNumber) {
				dir = Outbound
			}
			seed.Messages = append(seed.Messages, Ref{ID: ref.MessageID, Direction: dir, CreatedAt: time.UnixMilli(ref.CreatedAt)})
		}
		if len(refs) > 0 {
			// Last is read by id so it matches the refs.
			row, err := s.db.GetWAMessage(refs[len(refs)-1].MessageID)
			if err != nil {
				return nil, err
			}
			if row != nil {
				m, err := ParseRow(*row, s.own)
				if err != nil {
					return nil, err
				}
				seed.Last = &m
			}
		}
		seeds = append(seeds, seed)
	}
	return seeds, nil
}

// History returns the latest limit messages with contactID, oldest first.
// Rows that fail to parse are logged and skipped.
func (s *StoreSource) History(ctx context.Context, contactID string, limit int) ([]Message, error) {
	rows, err := s.db.ListConversationMessages(contactID, 0, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(rows))
	for _, row := range rows {
		m, err := ParseRow(row, s.own)
		if err != nil {
			s.logger.Warn("skip unparseable message", zap.String("message_id", row.MessageID), zap.Error(err))
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
