package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds used across the daemon:
//
//	message.received   payload *store.Message (decrypted, already persisted)
//	message.sent       payload *store.Message (relay-accepted, persisted)
//	message.deleted    payload map[string]any {chat_id, timestamp}
//	chat.deleted       payload string (contact ID)
//	timer.changed      payload map[string]any {contact_id, code}
//	engine.status_changed payload status.StatusChange
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
