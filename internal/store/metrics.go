package store

import (
	"database/sql"

	"github.com/google/uuid"
)

// InsertMetrics writes one metrics row per delivered campaign email.
func (db *DB) InsertMetrics(metrics []EmailMetric) error {
	if len(metrics) == 0 {
		return nil
	}
	return db.withTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO email_metrics (id, campaign_id, contact_id, user_id, sent_at)
			VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()
		for i := range metrics {
			m := &metrics[i]
			if m.ID == "" {
				m.ID = uuid.NewString()
			}
			if _, err := stmt.Exec(m.ID, m.CampaignID, m.ContactID, m.UserID, m.SentAt); err != nil {
				return err
			}
		}
		return nil
	})
}

// StampUnsubscribed sets unsubscribed_at on the metrics rows for the pair.
// Returns the number of rows touched.
func (db *DB) StampUnsubscribed(contactID, campaignID string, at int64) (int64, error) {
	res, err := db.Exec(`
		UPDATE email_metrics SET unsubscribed_at = ?
		WHERE contact_id = ? AND campaign_id = ? AND unsubscribed_at = 0`, at, contactID, campaignID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkMetricEvent stamps an engagement column (opened, clicked, bounced) once.
func (db *DB) MarkMetricEvent(contactID, campaignID, event string, at int64) error {
	var column string
	switch event {
	case "opened":
		column = "opened_at"
	case "clicked":
		column = "clicked_at"
	case "bounced":
		column = "bounced_at"
	default:
		return ErrNotFound
	}
	return affected(db.Exec(`
		UPDATE email_metrics SET `+column+` = CASE WHEN `+column+` = 0 THEN ? ELSE `+column+` END
		WHERE contact_id = ? AND campaign_id = ?`, at, contactID, campaignID))
}

// ListMetrics returns the metrics rows of a campaign.
func (db *DB) ListMetrics(campaignID string) ([]EmailMetric, error) {
	rows, err := db.Query(`
		SELECT id, campaign_id, contact_id, user_id, sent_at, opened_at, clicked_at, bounced_at, unsubscribed_at
		FROM email_metrics WHERE campaign_id = ? ORDER BY sent_at`, campaignID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []EmailMetric
	for rows.Next() {
		var m EmailMetric
		if err := rows.Scan(&m.ID, &m.CampaignID, &m.ContactID, &m.UserID, &m.SentAt, &m.OpenedAt, &m.ClickedAt, &m.BouncedAt, &m.UnsubscribedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Dashboard returns aggregate counts for a user.
func (db *DB) Dashboard(userID string) (*DashboardTotals, error) {
	var t DashboardTotals
	err := db.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM contacts WHERE user_id = ?1),
			(SELECT COUNT(*) FROM groups WHERE user_id = ?1),
			(SELECT COUNT(*) FROM campaigns WHERE user_id = ?1),
			(SELECT COUNT(*) FROM email_metrics WHERE user_id = ?1),
			(SELECT COUNT(*) FROM email_metrics WHERE user_id = ?1 AND opened_at > 0),
			(SELECT COUNT(*) FROM email_metrics WHERE user_id = ?1 AND clicked_at > 0),
			(SELECT COUNT(*) FROM email_metrics WHERE user_id = ?1 AND bounced_at > 0),
			(SELECT COUNT(*) FROM email_metrics WHERE user_id = ?1 AND unsubscribed_at > 0)`,
		userID).Scan(&t.Contacts, &t.Groups, &t.Campaigns, &t.EmailsSent, &t.Opened, &t.Clicked, &t.Bounced, &t.Unsubscribed)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
