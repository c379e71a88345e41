package store

import (
	"database/sql"
	"errors"

	"github.com/google/uuid"
)

const groupSelect = `
	SELECT g.id, g.user_id, g.name, g.description, g.created_at, g.updated_at,
		(SELECT COUNT(*) FROM contact_groups cg WHERE cg.group_id = g.id)
	FROM groups g`

func scanGroup(row interface{ Scan(...any) error }) (*Group, error) {
	var g Group
	if err := row.Scan(&g.ID, &g.UserID, &g.Name, &g.Description, &g.CreatedAt, &g.UpdatedAt, &g.ContactCount); err != nil {
		return nil, err
	}
	return &g, nil
}

// CreateGroup inserts a group, assigning its ID and timestamps.
func (db *DB) CreateGroup(g *Group) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	now := nowMillis()
	g.CreatedAt, g.UpdatedAt = now, now
	_, err := db.Exec(`
		INSERT INTO groups (id, user_id, name, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		g.ID, g.UserID, g.Name, g.Description, g.CreatedAt, g.UpdatedAt)
	return err
}

// UpdateGroup overwrites name and description.
func (db *DB) UpdateGroup(g *Group) error {
	g.UpdatedAt = nowMillis()
	return affected(db.Exec(`
		UPDATE groups SET name = ?, description = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		g.Name, g.Description, g.UpdatedAt, g.ID, g.UserID))
}

// DeleteGroup removes a group; memberships cascade.
func (db *DB) DeleteGroup(userID, id string) error {
	return affected(db.Exec(`DELETE FROM groups WHERE id = ? AND user_id = ?`, id, userID))
}

// GetGroup returns a group by ID, or nil if not found.
func (db *DB) GetGroup(id string) (*Group, error) {
	g, err := scanGroup(db.QueryRow(groupSelect+` WHERE g.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return g, err
}

// ListGroups returns the groups of a user with member counts, newest first.
func (db *DB) ListGroups(userID string) ([]Group, error) {
	rows, err := db.Query(groupSelect+` WHERE g.user_id = ? ORDER BY g.created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var groups []Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, *g)
	}
	return groups, rows.Err()
}

// GroupMembers returns the contacts in a group.
func (db *DB) GroupMembers(groupID string) ([]Contact, error) {
	rows, err := db.Query(`
		SELECT c.id, c.user_id, c.email, c.first_name, c.last_name, c.phone, c.status, c.created_at, c.updated_at
		FROM contacts c JOIN contact_groups cg ON cg.contact_id = c.id
		WHERE cg.group_id = ? ORDER BY c.email`, groupID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var contacts []Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, *c)
	}
	return contacts, rows.Err()
}
