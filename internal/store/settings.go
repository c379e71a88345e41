package store

import (
	"database/sql"
	"errors"

	"github.com/google/uuid"
)

const configColumns = `id, user_id, key, value, description, created_at, updated_at`

// CreateConfig inserts an operator setting.
func (db *DB) CreateConfig(e *ConfigEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := nowMillis()
	e.CreatedAt, e.UpdatedAt = now, now
	_, err := db.Exec(`
		INSERT INTO config (`+configColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.Key, e.Value, e.Description, e.CreatedAt, e.UpdatedAt)
	return conflict(err)
}

// UpsertConfig sets a key for a user, creating it if missing.
func (db *DB) UpsertConfig(userID, key, value, description string) error {
	now := nowMillis()
	_, err := db.Exec(`
		INSERT INTO config (`+configColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET
			value = excluded.value,
			description = CASE WHEN excluded.description != '' THEN excluded.description ELSE config.description END,
			updated_at = excluded.updated_at`,
		uuid.NewString(), userID, key, value, description, now, now)
	return err
}

// UpdateConfig overwrites key, value and description.
func (db *DB) UpdateConfig(e *ConfigEntry) error {
	e.UpdatedAt = nowMillis()
	return affected(db.Exec(`
		UPDATE config SET key = ?, value = ?, description = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		e.Key, e.Value, e.Description, e.UpdatedAt, e.ID, e.UserID))
}

// DeleteConfig removes a setting.
func (db *DB) DeleteConfig(userID, id string) error {
	return affected(db.Exec(`DELETE FROM config WHERE id = ? AND user_id = ?`, id, userID))
}

// GetConfig returns a setting by ID, or nil if not found.
func (db *DB) GetConfig(id string) (*ConfigEntry, error) {
	var e ConfigEntry
	err := db.QueryRow(`SELECT `+configColumns+` FROM config WHERE id = ?`, id).
		Scan(&e.ID, &e.UserID, &e.Key, &e.Value, &e.Description, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListConfig returns a user's settings ordered by key.
func (db *DB) ListConfig(userID string) ([]ConfigEntry, error) {
	rows, err := db.Query(`SELECT `+configColumns+` FROM config WHERE user_id = ? ORDER BY key`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ConfigEntry
	for rows.Next() {
		var e ConfigEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Key, &e.Value, &e.Description, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ConfigValues returns a user's settings as a key/value map.
func (db *DB) ConfigValues(userID string) (map[string]string, error) {
	entries, err := db.ListConfig(userID)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string, len(entries))
	for _, e := range entries {
		m[e.Key] = e.Value
	}
	return m, nil
}
