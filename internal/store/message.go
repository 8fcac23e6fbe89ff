package store

import (
	"database/sql"
	"fmt"
	"time"
)

// AppendIncomingMessage appends a received message to its chat in one
// transaction: the row insert, the summary/timestamp update, the unread
// flag, and (when the message carries one) the chat's auto-delete timer.
func (db *DB) AppendIncomingMessage(msg *Message) error {
	return db.appendMessage(msg, true)
}

// AppendOutgoingMessage appends a sent message. Never sets the unread flag
// and never changes the chat's timer.
func (db *DB) AppendOutgoingMessage(msg *Message) error {
	return db.appendMessage(msg, false)
}

func (db *DB) appendMessage(msg *Message, incoming bool) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var timer sql.NullInt64
	if msg.TimerCode != nil {
		timer = sql.NullInt64{Int64: int64(*msg.TimerCode), Valid: true}
	}
	if _, err := tx.Exec(`
		INSERT INTO messages (id, chat_id, sender_id, recipient_id, body, image, timestamp, timer_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ChatID, msg.SenderID, msg.RecipientID, msg.Body, msg.Image, msg.Timestamp, timer, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.Exec(`
		UPDATE chats SET last_message_text = ?, last_message_at = ? WHERE chat_id = ?`,
		summaryText(msg.Body, msg.Image), msg.Timestamp, msg.ChatID); err != nil {
		return fmt.Errorf("update summary: %w", err)
	}

	if incoming {
		if _, err := tx.Exec(`UPDATE chats SET has_unread = 1 WHERE chat_id = ?`, msg.ChatID); err != nil {
			return err
		}
		if msg.TimerCode != nil && msg.TimerCode.Valid() {
			if _, err := tx.Exec(`UPDATE chats SET delete_timer = ? WHERE chat_id = ?`, *msg.TimerCode, msg.ChatID); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

// ListMessages returns a chat's messages newest first.
func (db *DB) ListMessages(chatID string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT id, chat_id, sender_id, recipient_id, body, image, timestamp, timer_code
		FROM messages
		WHERE chat_id = ?
		ORDER BY timestamp DESC`, chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		var timer sql.NullInt64
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.RecipientID, &m.Body, &m.Image, &m.Timestamp, &timer); err != nil {
			return nil, err
		}
		if timer.Valid {
			code := TimerCode(timer.Int64)
			m.TimerCode = &code
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// DeleteMessage removes the chat's message matching the timestamp exactly.
// When the chat's collection becomes empty the summary text is cleared.
// A missing message is a benign no-op (delete signals may be duplicated).
func (db *DB) DeleteMessage(chatID string, timestamp int64) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE chat_id = ? AND timestamp = ?`, chatID, timestamp); err != nil {
		return err
	}

	var remaining int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM messages WHERE chat_id = ?`, chatID).Scan(&remaining); err != nil {
		return err
	}
	if remaining == 0 {
		if _, err := tx.Exec(`UPDATE chats SET last_message_text = '' WHERE chat_id = ?`, chatID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ChatImages returns the image payloads exchanged with a contact, newest
// first. Backs the chat media gallery.
func (db *DB) ChatImages(currentUID, contactID string) ([][]byte, error) {
	rows, err := db.Query(`
		SELECT image FROM messages
		WHERE chat_id = ? AND image IS NOT NULL
		ORDER BY timestamp DESC`, ChatID(currentUID, contactID))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var images [][]byte
	for rows.Next() {
		var img []byte
		if err := rows.Scan(&img); err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, rows.Err()
}
