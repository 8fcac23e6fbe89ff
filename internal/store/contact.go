package store

import (
	"database/sql"
	"time"
)

// SaveContact inserts or updates a contact record. Empty incoming fields do
// not clobber existing values; the blocked flag always follows the update.
func (db *DB) SaveContact(c *Contact) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO contacts (record_id, current_uid, user_id, username, status, profile_image, public_key, is_blocked, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(record_id) DO UPDATE SET
			username = CASE WHEN excluded.username != '' THEN excluded.username ELSE contacts.username END,
			status = CASE WHEN excluded.status != '' THEN excluded.status ELSE contacts.status END,
			profile_image = CASE WHEN excluded.profile_image != '' THEN excluded.profile_image ELSE contacts.profile_image END,
			public_key = CASE WHEN excluded.public_key != '' THEN excluded.public_key ELSE contacts.public_key END,
			is_blocked = excluded.is_blocked,
			updated_at = excluded.updated_at`,
		ContactRecordID(c.CurrentUID, c.UserID), c.CurrentUID, c.UserID,
		c.Username, c.Status, c.ProfileImage, c.PublicKey, c.IsBlocked, now)
	return err
}

// GetContact returns the contact record for (currentUID, userID), or nil.
func (db *DB) GetContact(currentUID, userID string) (*Contact, error) {
	var c Contact
	err := db.QueryRow(`
		SELECT record_id, current_uid, user_id, username, status, profile_image, public_key, is_blocked
		FROM contacts WHERE record_id = ?`, ContactRecordID(currentUID, userID)).
		Scan(&c.RecordID, &c.CurrentUID, &c.UserID, &c.Username, &c.Status, &c.ProfileImage, &c.PublicKey, &c.IsBlocked)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListContacts returns every contact owned by currentUID, by username.
func (db *DB) ListContacts(currentUID string) ([]Contact, error) {
	return db.queryContacts(`
		SELECT record_id, current_uid, user_id, username, status, profile_image, public_key, is_blocked
		FROM contacts WHERE current_uid = ? ORDER BY username`, currentUID)
}

// SearchContacts returns currentUID's contacts whose username contains
// query, case-insensitively.
func (db *DB) SearchContacts(currentUID, query string) ([]Contact, error) {
	return db.queryContacts(`
		SELECT record_id, current_uid, user_id, username, status, profile_image, public_key, is_blocked
		FROM contacts
		WHERE current_uid = ? AND username LIKE '%' || ? || '%' COLLATE NOCASE
		ORDER BY username`, currentUID, query)
}

func (db *DB) queryContacts(q string, args ...any) ([]Contact, error) {
	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var contacts []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.RecordID, &c.CurrentUID, &c.UserID, &c.Username, &c.Status, &c.ProfileImage, &c.PublicKey, &c.IsBlocked); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// DeleteContact removes the local contact record. Idempotent.
func (db *DB) DeleteContact(currentUID, userID string) error {
	_, err := db.Exec(`DELETE FROM contacts WHERE record_id = ?`, ContactRecordID(currentUID, userID))
	return err
}
