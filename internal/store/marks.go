package store

import (
	"database/sql"
	"errors"
)

// GetMark returns the last-seen instant (unix ms) for a scope/contact pair.
func (db *DB) GetMark(scope, contactID string) (int64, bool, error) {
	var at int64
	err := db.QueryRow(`SELECT seen_at FROM last_seen_marks WHERE scope = ? AND contact_id = ?`, scope, contactID).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return at, true, nil
}

// SetMark stores a last-seen instant. A stored mark is never moved backwards.
func (db *DB) SetMark(scope, contactID string, at int64) error {
	_, err := db.Exec(`
		INSERT INTO last_seen_marks (scope, contact_id, seen_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(scope, contact_id) DO UPDATE SET
			seen_at = MAX(last_seen_marks.seen_at, excluded.seen_at),
			updated_at = excluded.updated_at`,
		scope, contactID, at, nowMillis())
	return err
}

// ClearMark removes a mark.
func (db *DB) ClearMark(scope, contactID string) error {
	_, err := db.Exec(`DELETE FROM last_seen_marks WHERE scope = ? AND contact_id = ?`, scope, contactID)
	return err
}
