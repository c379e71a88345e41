package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const campaignColumns = `id, user_id, name, subject, content, status, scheduled_at, sent_at, created_at, updated_at`

func scanCampaign(row interface{ Scan(...any) error }) (*Campaign, error) {
	var c Campaign
	err := row.Scan(&c.ID, &c.UserID, &c.Name, &c.Subject, &c.Content, &c.Status, &c.ScheduledAt, &c.SentAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (db *DB) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func setCampaignGroups(tx *sql.Tx, campaignID string, groupIDs []string) error {
	if _, err := tx.Exec(`DELETE FROM campaign_groups WHERE campaign_id = ?`, campaignID); err != nil {
		return err
	}
	for _, gid := range groupIDs {
		if _, err := tx.Exec(`
			INSERT INTO campaign_groups (campaign_id, group_id) VALUES (?, ?)
			ON CONFLICT(campaign_id, group_id) DO NOTHING`, campaignID, gid); err != nil {
			return fmt.Errorf("link group %s: %w", gid, err)
		}
	}
	return nil
}

// CreateCampaign inserts a campaign and links it to the given groups.
func (db *DB) CreateCampaign(c *Campaign, groupIDs []string) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = CampaignDraft
	}
	now := nowMillis()
	c.CreatedAt, c.UpdatedAt = now, now
	return db.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO campaigns (`+campaignColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.UserID, c.Name, c.Subject, c.Content, c.Status, c.ScheduledAt, c.SentAt, c.CreatedAt, c.UpdatedAt); err != nil {
			return err
		}
		return setCampaignGroups(tx, c.ID, groupIDs)
	})
}

// UpdateCampaign overwrites the editable fields. A nil groupIDs keeps the current targets.
func (db *DB) UpdateCampaign(c *Campaign, groupIDs []string) error {
	c.UpdatedAt = nowMillis()
	return db.withTx(func(tx *sql.Tx) error {
		if err := affected(tx.Exec(`
			UPDATE campaigns SET name = ?, subject = ?, content = ?, status = ?, scheduled_at = ?, updated_at = ?
			WHERE id = ? AND user_id = ?`,
			c.Name, c.Subject, c.Content, c.Status, c.ScheduledAt, c.UpdatedAt, c.ID, c.UserID)); err != nil {
			return err
		}
		if groupIDs == nil {
			return nil
		}
		return setCampaignGroups(tx, c.ID, groupIDs)
	})
}

// MarkCampaignSent sets status=sent and stamps sent_at.
func (db *DB) MarkCampaignSent(id string, at int64) error {
	return affected(db.Exec(`
		UPDATE campaigns SET status = 'sent', sent_at = ?, updated_at = ? WHERE id = ?`, at, at, id))
}

// DeleteCampaign removes a campaign with its group links and metrics.
func (db *DB) DeleteCampaign(userID, id string) error {
	return affected(db.Exec(`DELETE FROM campaigns WHERE id = ? AND user_id = ?`, id, userID))
}

// GetCampaign returns a campaign with its target groups, or nil if not found.
func (db *DB) GetCampaign(id string) (*Campaign, error) {
	c, err := scanCampaign(db.QueryRow(`SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Groups, err = db.campaignGroups(c.ID)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListCampaigns returns the campaigns of a user, newest first, with their groups.
func (db *DB) ListCampaigns(userID string) ([]Campaign, error) {
	rows, err := db.Query(`SELECT `+campaignColumns+` FROM campaigns WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	var campaigns []Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		campaigns = append(campaigns, *c)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range campaigns {
		groups, err := db.campaignGroups(campaigns[i].ID)
		if err != nil {
			return nil, err
		}
		campaigns[i].Groups = groups
	}
	return campaigns, nil
}

func (db *DB) campaignGroups(campaignID string) ([]Group, error) {
	rows, err := db.Query(groupSelect+`
		JOIN campaign_groups cg ON cg.group_id = g.id
		WHERE cg.campaign_id = ? ORDER BY g.name`, campaignID)
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

// CampaignRecipients returns the distinct active contacts belonging to any
// group targeted by the campaign.
func (db *DB) CampaignRecipients(campaignID string) ([]Contact, error) {
	rows, err := db.Query(`
		SELECT DISTINCT c.id, c.user_id, c.email, c.first_name, c.last_name, c.phone, c.status, c.created_at, c.updated_at
		FROM contacts c
		JOIN contact_groups cg ON cg.contact_id = c.id
		JOIN campaign_groups camp ON camp.group_id = cg.group_id
		WHERE camp.campaign_id = ? AND c.status = 'active'
		ORDER BY c.email`, campaignID)
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
