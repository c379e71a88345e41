package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const contactColumns = `id, user_id, email, first_name, last_name, phone, status, created_at, updated_at`

func scanContact(row interface{ Scan(...any) error }) (*Contact, error) {
	var c Contact
	err := row.Scan(&c.ID, &c.UserID, &c.Email, &c.FirstName, &c.LastName, &c.Phone, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateContact inserts a contact and its group memberships, assigning its
// ID and timestamps.
func (db *DB) CreateContact(c *Contact, groupIDs []string) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = ContactActive
	}
	now := nowMillis()
	c.CreatedAt, c.UpdatedAt = now, now
	return db.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO contacts (`+contactColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.UserID, c.Email, c.FirstName, c.LastName, c.Phone, c.Status, c.CreatedAt, c.UpdatedAt); err != nil {
			return conflict(err)
		}
		return setContactGroups(tx, c.ID, groupIDs)
	})
}

// UpdateContact overwrites the editable fields of a contact. A nil groupIDs
// keeps the current memberships, otherwise they are replaced.
func (db *DB) UpdateContact(c *Contact, groupIDs []string) error {
	c.UpdatedAt = nowMillis()
	return db.withTx(func(tx *sql.Tx) error {
		if err := affected(tx.Exec(`
			UPDATE contacts SET email = ?, first_name = ?, last_name = ?, phone = ?, status = ?, updated_at = ?
			WHERE id = ? AND user_id = ?`,
			c.Email, c.FirstName, c.LastName, c.Phone, c.Status, c.UpdatedAt, c.ID, c.UserID)); err != nil {
			return err
		}
		if groupIDs == nil {
			return nil
		}
		return setContactGroups(tx, c.ID, groupIDs)
	})
}

func setContactGroups(tx *sql.Tx, contactID string, groupIDs []string) error {
	if _, err := tx.Exec(`DELETE FROM contact_groups WHERE contact_id = ?`, contactID); err != nil {
		return err
	}
	now := nowMillis()
	for _, gid := range groupIDs {
		if _, err := tx.Exec(`
			INSERT INTO contact_groups (contact_id, group_id, created_at) VALUES (?, ?, ?)
			ON CONFLICT(contact_id, group_id) DO NOTHING`, contactID, gid, now); err != nil {
			return fmt.Errorf("link group %s: %w", gid, err)
		}
	}
	return nil
}

// SetContactStatus changes only the status of a contact.
func (db *DB) SetContactStatus(id, status string) error {
	return affected(db.Exec(`UPDATE contacts SET status = ?, updated_at = ? WHERE id = ?`, status, nowMillis(), id))
}

// MarkUnsubscribed sets status=unsubscribed unless the contact already has it.
// changed is false when the contact was already unsubscribed.
func (db *DB) MarkUnsubscribed(id string) (changed bool, err error) {
	res, err := db.Exec(`
		UPDATE contacts SET status = 'unsubscribed', updated_at = ?
		WHERE id = ? AND status != 'unsubscribed'`, nowMillis(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteContact removes a contact owned by userID.
func (db *DB) DeleteContact(userID, id string) error {
	return affected(db.Exec(`DELETE FROM contacts WHERE id = ? AND user_id = ?`, id, userID))
}

// GetContact returns a contact by ID with its groups, or nil if not found.
func (db *DB) GetContact(id string) (*Contact, error) {
	c, err := scanContact(db.QueryRow(`SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	groups, err := db.contactGroups([]string{c.ID})
	if err != nil {
		return nil, err
	}
	c.Groups = groups[c.ID]
	return c, nil
}

// ListContacts returns all contacts of a user, newest first, with their groups.
func (db *DB) ListContacts(userID string) ([]Contact, error) {
	rows, err := db.Query(`SELECT `+contactColumns+` FROM contacts WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var contacts []Contact
	var ids []string
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, *c)
		ids = append(ids, c.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	groups, err := db.contactGroups(ids)
	if err != nil {
		return nil, err
	}
	for i := range contacts {
		contacts[i].Groups = groups[contacts[i].ID]
	}
	return contacts, nil
}

// contactGroups loads group memberships keyed by contact ID.
func (db *DB) contactGroups(contactIDs []string) (map[string][]Group, error) {
	out := make(map[string][]Group, len(contactIDs))
	if len(contactIDs) == 0 {
		return out, nil
	}
	query := `
		SELECT cg.contact_id, g.id, g.user_id, g.name, g.description, g.created_at, g.updated_at
		FROM contact_groups cg JOIN groups g ON g.id = cg.group_id
		WHERE cg.contact_id IN (` + placeholders(len(contactIDs)) + `)
		ORDER BY g.name`
	rows, err := db.Query(query, stringArgs(contactIDs)...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var contactID string
		var g Group
		if err := rows.Scan(&contactID, &g.ID, &g.UserID, &g.Name, &g.Description, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, err
		}
		out[contactID] = append(out[contactID], g)
	}
	return out, rows.Err()
}

// AddContactToGroup adds a membership. Adding an existing membership is a no-op.
func (db *DB) AddContactToGroup(contactID, groupID string) error {
	_, err := db.Exec(`
		INSERT INTO contact_groups (contact_id, group_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT(contact_id, group_id) DO NOTHING`,
		contactID, groupID, nowMillis())
	return err
}

// RemoveContactFromGroup removes a single membership.
func (db *DB) RemoveContactFromGroup(contactID, groupID string) error {
	return affected(db.Exec(`DELETE FROM contact_groups WHERE contact_id = ? AND group_id = ?`, contactID, groupID))
}

// RemoveContactFromAllGroups drops every membership of a contact and reports how many were removed.
func (db *DB) RemoveContactFromAllGroups(contactID string) (int64, error) {
	res, err := db.Exec(`DELETE FROM contact_groups WHERE contact_id = ?`, contactID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}

func stringArgs(ss []string) []any {
	args := make([]any, len(ss))
	for i, s := range ss {
		args[i] = s
	}
	return args
}
