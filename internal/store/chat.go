package store

import (
	"database/sql"
	"fmt"
	"time"
)

// LoadChats returns every chat owned by currentUID, most recent first.
func (db *DB) LoadChats(currentUID string) ([]Chat, error) {
	rows, err := db.Query(`
		SELECT chat_id, current_uid, contact_id, last_message_text, last_message_at, has_unread, delete_timer
		FROM chats
		WHERE current_uid = ?
		ORDER BY last_message_at DESC`, currentUID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ChatID, &c.CurrentUID, &c.ContactID, &c.LastMessageText, &c.LastMessageAt, &c.HasUnread, &c.DeleteTimer); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetChat returns a single chat by its composite key, or nil if absent.
func (db *DB) GetChat(chatID string) (*Chat, error) {
	var c Chat
	err := db.QueryRow(`
		SELECT chat_id, current_uid, contact_id, last_message_text, last_message_at, has_unread, delete_timer
		FROM chats WHERE chat_id = ?`, chatID).
		Scan(&c.ChatID, &c.CurrentUID, &c.ContactID, &c.LastMessageText, &c.LastMessageAt, &c.HasUnread, &c.DeleteTimer)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetOrCreateChat looks up the chat for (currentUID, contactID), inserting
// it if absent. The insert-if-absent is a single statement, so concurrent
// calls from the send path and receive path never produce two rows.
func (db *DB) GetOrCreateChat(contactID, currentUID string) (*Chat, error) {
	id := ChatID(currentUID, contactID)
	_, err := db.Exec(`
		INSERT INTO chats (chat_id, current_uid, contact_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id) DO NOTHING`,
		id, currentUID, contactID, time.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	c, err := db.GetChat(id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("chat %s vanished after create", id)
	}
	return c, nil
}

// MarkChatRead clears the unread flag. No-op for a missing chat.
func (db *DB) MarkChatRead(chatID string) error {
	_, err := db.Exec(`UPDATE chats SET has_unread = 0 WHERE chat_id = ?`, chatID)
	return err
}

// UpdateDeleteTimer sets the chat's auto-delete timer code.
// Returns ErrNotFound if the chat does not exist.
func (db *DB) UpdateDeleteTimer(chatID string, code TimerCode) error {
	if !code.Valid() {
		return fmt.Errorf("invalid timer code %d", code)
	}
	res, err := db.Exec(`UPDATE chats SET delete_timer = ? WHERE chat_id = ?`, code, chatID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteChatMessages removes every message in the chat with the given peer
// and clears the summary. Idempotent: a missing or already-empty chat is a
// no-op, since delete signals may be retried or duplicated.
func (db *DB) DeleteChatMessages(contactID, currentUID string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id := ChatID(currentUID, contactID)
	if _, err := tx.Exec(`DELETE FROM messages WHERE chat_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE chats SET last_message_text = '' WHERE chat_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteChat removes the chat row and, via cascade, its messages.
// Idempotent on a missing chat.
func (db *DB) DeleteChat(contactID, currentUID string) error {
	_, err := db.Exec(`DELETE FROM chats WHERE chat_id = ?`, ChatID(currentUID, contactID))
	return err
}

// DeleteAll wipes every chat, message and contact. Used by account deletion.
func (db *DB) DeleteAll() error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM messages`,
		`DELETE FROM chats`,
		`DELETE FROM contacts`,
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SweepExpired removes every message older than its chat's auto-delete
// threshold and refreshes the chat summaries it touched. A message
// timestamped exactly at now-threshold is expired. Returns the number of
// removed messages.
func (db *DB) SweepExpired(now time.Time) (int, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	nowMs := now.UnixMilli()
	total := 0
	touched := make([]string, 0, 4)

	for _, code := range []TimerCode{TimerHour, TimerDay, TimerWeek} {
		cutoff := nowMs - code.Duration().Milliseconds()

		rows, err := tx.Query(`
			SELECT DISTINCT m.chat_id
			FROM messages m JOIN chats c ON m.chat_id = c.chat_id
			WHERE c.delete_timer = ? AND m.timestamp <= ?`, code, cutoff)
		if err != nil {
			return 0, err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return 0, err
			}
			touched = append(touched, id)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return 0, err
		}
		_ = rows.Close()

		res, err := tx.Exec(`
			DELETE FROM messages
			WHERE timestamp <= ?
			  AND chat_id IN (SELECT chat_id FROM chats WHERE delete_timer = ?)`,
			cutoff, code)
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}

	for _, chatID := range touched {
		if err := refreshSummary(tx, chatID); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit sweep: %w", err)
	}
	return total, nil
}

// refreshSummary resets a chat's summary to its newest surviving message,
// or clears it when none remain.
func refreshSummary(tx *sql.Tx, chatID string) error {
	var body string
	var image []byte
	var ts int64
	err := tx.QueryRow(`
		SELECT body, image, timestamp FROM messages
		WHERE chat_id = ? ORDER BY timestamp DESC LIMIT 1`, chatID).
		Scan(&body, &image, &ts)
	if err == sql.ErrNoRows {
		_, err = tx.Exec(`UPDATE chats SET last_message_text = '' WHERE chat_id = ?`, chatID)
		return err
	}
	if err != nil {
		return err
	}
	_, err = tx.Exec(`UPDATE chats SET last_message_text = ?, last_message_at = ? WHERE chat_id = ?`,
		summaryText(body, image), ts, chatID)
	return err
}

func summaryText(body string, image []byte) string {
	if body != "" {
		return body
	}
	if len(image) > 0 {
		return "Image"
	}
	return ""
}
