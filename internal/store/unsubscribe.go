package store

// InsertUnsubscribeLog appends an audit record.
func (db *DB) InsertUnsubscribeLog(l *UnsubscribeLog) error {
	if l.UnsubscribedAt == 0 {
		l.UnsubscribedAt = nowMillis()
	}
	res, err := db.Exec(`
		INSERT INTO unsubscribe_logs (contact_id, campaign_id, email, reason, user_id, unsubscribed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		l.ContactID, l.CampaignID, l.Email, l.Reason, l.UserID, l.UnsubscribedAt)
	if err != nil {
		return err
	}
	l.ID, err = res.LastInsertId()
	return err
}

// ListUnsubscribeLogs returns the most recent unsubscribe records of a user.
func (db *DB) ListUnsubscribeLogs(userID string, limit int) ([]UnsubscribeLog, error) {
	rows, err := db.Query(`
		SELECT id, contact_id, campaign_id, email, reason, user_id, unsubscribed_at
		FROM unsubscribe_logs WHERE user_id = ? ORDER BY unsubscribed_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []UnsubscribeLog
	for rows.Next() {
		var l UnsubscribeLog
		if err := rows.Scan(&l.ID, &l.ContactID, &l.CampaignID, &l.Email, &l.Reason, &l.UserID, &l.UnsubscribedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
