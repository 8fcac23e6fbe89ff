package store

import (
	"errors"
	"time"
)

// ErrNotFound reports a missing chat, contact or message. Deletes treat it
// as a benign no-op; reads that require existence surface it.
var ErrNotFound = errors.New("store: not found")

// TimerCode is a chat's auto-delete timer setting.
type TimerCode int

const (
	TimerOff TimerCode = iota
	TimerHour
	TimerDay
	TimerWeek
)

// Duration returns the message lifetime for the code; zero for TimerOff.
func (c TimerCode) Duration() time.Duration {
	switch c {
	case TimerHour:
		return time.Hour
	case TimerDay:
		return 24 * time.Hour
	case TimerWeek:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// Valid reports whether c is one of the four defined codes.
func (c TimerCode) Valid() bool {
	return c >= TimerOff && c <= TimerWeek
}

// ChatID builds the composite primary key for a (current user, peer) pair.
func ChatID(currentUID, contactID string) string {
	return currentUID + "_" + contactID
}

// Chat is one conversation owned by the local device. Exactly one row per
// (current user, peer) pair, enforced by the composite primary key.
type Chat struct {
	ChatID          string
	CurrentUID      string
	ContactID       string
	LastMessageText string
	LastMessageAt   int64 // unix millis
	HasUnread       bool
	DeleteTimer     TimerCode
}

// Message is one plaintext message row. Immutable once created, except for
// deletion. TimerCode is non-nil when the sender attached the chat's
// auto-delete code to the message.
type Message struct {
	ID          string
	ChatID      string
	SenderID    string
	RecipientID string
	Body        string
	Image       []byte
	Timestamp   int64 // unix millis
	TimerCode   *TimerCode
}

// Contact is the local record of a peer, one row per (current user, peer).
type Contact struct {
	RecordID     string
	CurrentUID   string
	UserID       string
	Username     string
	Status       string
	ProfileImage string
	PublicKey    string
	IsBlocked    bool
}

// ContactRecordID builds the contact row primary key.
func ContactRecordID(currentUID, userID string) string {
	return currentUID + "_" + userID
}
