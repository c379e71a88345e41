package store

import (
	"database/sql"
	"errors"

	"github.com/TDXCORE/EmailApp/internal/bus"
)

// Realtime tables published on the change feed.
const (
	TableWAMessages = "whatsapp_messages"
)

// WhatsApp message statuses.
const (
	WAStatusReceived  = "received"
	WAStatusPending   = "pending"
	WAStatusSent      = "sent"
	WAStatusDelivered = "delivered"
	WAStatusRead      = "read"
	WAStatusFailed    = "failed"
)

// UpsertWAContact inserts or updates a WhatsApp contact. An empty name
// never overwrites a known one.
func (db *DB) UpsertWAContact(c *WAContact) error {
	if c.UpdatedAt == 0 {
		c.UpdatedAt = nowMillis()
	}
	_, err := db.Exec(`
		INSERT INTO whatsapp_contacts (wa_id, name, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(wa_id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE whatsapp_contacts.name END,
			updated_at = excluded.updated_at`,
		c.WaID, c.Name, c.UpdatedAt)
	return err
}

// GetWAContact returns a contact by wa_id, or nil if not found.
func (db *DB) GetWAContact(waID string) (*WAContact, error) {
	var c WAContact
	err := db.QueryRow(`SELECT wa_id, name, updated_at FROM whatsapp_contacts WHERE wa_id = ?`, waID).
		Scan(&c.WaID, &c.Name, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListWAContacts returns all WhatsApp contacts, most recently active first.
func (db *DB) ListWAContacts() ([]WAContact, error) {
	rows, err := db.Query(`SELECT wa_id, name, updated_at FROM whatsapp_contacts ORDER BY updated_at DESC, wa_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []WAContact
	for rows.Next() {
		var c WAContact
		if err := rows.Scan(&c.WaID, &c.Name, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const waMessageColumns = `id, message_id, provider_id, from_number, to_number, type, content, status, created_at`

func scanWAMessage(row interface{ Scan(...any) error }) (*WAMessage, error) {
	var m WAMessage
	err := row.Scan(&m.ID, &m.MessageID, &m.ProviderID, &m.FromNumber, &m.ToNumber, &m.Type, &m.Content, &m.Status, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// InsertWAMessage stores a message keyed by message_id. A row that already
// exists is left untouched and inserted is false. New rows are published on
// the change feed.
func (db *DB) InsertWAMessage(m *WAMessage) (inserted bool, err error) {
	if m.Content == "" {
		m.Content = "{}"
	}
	res, err := db.Exec(`
		INSERT INTO whatsapp_messages (message_id, provider_id, from_number, to_number, type, content, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING`,
		m.MessageID, m.ProviderID, m.FromNumber, m.ToNumber, m.Type, m.Content, m.Status, m.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return false, err
	}
	if m.ID, err = res.LastInsertId(); err != nil {
		return true, err
	}
	db.publish(TableWAMessages, bus.OpInsert, *m)
	return true, nil
}

// UpdateWAMessage overwrites provider_id, content and status of a stored
// message and publishes the updated row.
func (db *DB) UpdateWAMessage(m *WAMessage) error {
	if err := affected(db.Exec(`
		UPDATE whatsapp_messages SET provider_id = ?, content = ?, status = ? WHERE message_id = ?`,
		m.ProviderID, m.Content, m.Status, m.MessageID)); err != nil {
		return err
	}
	row, err := db.GetWAMessage(m.MessageID)
	if err != nil {
		return err
	}
	if row != nil {
		*m = *row
		db.publish(TableWAMessages, bus.OpUpdate, *row)
	}
	return nil
}

// GetWAMessage returns a message by message_id, or nil if not found.
func (db *DB) GetWAMessage(messageID string) (*WAMessage, error) {
	m, err := scanWAMessage(db.QueryRow(`SELECT `+waMessageColumns+` FROM whatsapp_messages WHERE message_id = ?`, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// FindWAMessage resolves a message by either its stable id or the provider
// id assigned to an outbound send.
func (db *DB) FindWAMessage(id string) (*WAMessage, error) {
	m, err := scanWAMessage(db.QueryRow(`
		SELECT `+waMessageColumns+` FROM whatsapp_messages
		WHERE message_id = ?1 OR (provider_id != '' AND provider_id = ?1)
		ORDER BY id LIMIT 1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// ListConversationMessages returns up to limit messages exchanged with
// contactID, oldest first. A positive before restricts to messages created
// strictly earlier.
func (db *DB) ListConversationMessages(contactID string, before int64, limit int) ([]WAMessage, error) {
	query := `
		SELECT ` + waMessageColumns + ` FROM (
			SELECT ` + waMessageColumns + ` FROM whatsapp_messages
			WHERE (from_number = ?1 OR to_number = ?1) AND (?2 <= 0 OR created_at < ?2)
			ORDER BY created_at DESC, id DESC LIMIT ?3
		) ORDER BY created_at ASC, id ASC`
	rows, err := db.Query(query, contactID, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []WAMessage
	for rows.Next() {
		m, err := scanWAMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// ConversationMessageRefs returns the identity of every message exchanged
// with contactID, oldest first.
func (db *DB) ConversationMessageRefs(contactID string) ([]WAMessageRef, error) {
	rows, err := db.Query(`
		SELECT message_id, from_number, created_at FROM whatsapp_messages
		WHERE from_number = ?1 OR to_number = ?1
		ORDER BY created_at ASC, id ASC`, contactID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []WAMessageRef
	for rows.Next() {
		var r WAMessageRef
		if err := rows.Scan(&r.MessageID, &r.FromNumber, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
