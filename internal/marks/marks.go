// Package marks persists inbox last-seen marks.
package marks

import (
	"context"
	"time"

	"github.com/TDXCORE/EmailApp/internal/store"
)

// SQLite stores marks in the instance database.
type SQLite struct {
	db *store.DB
}

// NewSQLite creates a mark store over db.
func NewSQLite(db *store.DB) *SQLite {
	return &SQLite{db: db}
}

func (s *SQLite) GetMark(ctx context.Context, scope, contactID string) (time.Time, bool, error) {
	ms, ok, err := s.db.GetMark(scope, contactID)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *SQLite) SetMark(ctx context.Context, scope, contactID string, at time.Time) error {
	return s.db.SetMark(scope, contactID, at.UnixMilli())
}

func (s *SQLite) ClearMark(ctx context.Context, scope, contactID string) error {
	return s.db.ClearMark(scope, contactID)
}
