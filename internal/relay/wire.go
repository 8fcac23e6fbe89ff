// Package relay implements the store-and-forward mailbox the two devices
// exchange ciphertext through: append/observe/remove primitives keyed by
// recipient ID, plus the low-volume signal channels, the public key
// directory, the block list, and encrypted blob storage.
//
// The relay is not a store of record. Every entry is deleted by its consumer
// after processing; the local store is the single source of truth.
package relay

import "time"

// Signal channel names. All three share the mailbox append/observe/delete
// shape and carry one-shot coordination values, never message content.
const (
	ChannelDeleteRequests = "delete_requests"
	ChannelDeleteChats    = "delete_chat_signals"
	ChannelDeleteTimers   = "delete_time_signals"
)

// Envelope is the wire-format record for one pending message. Text is the
// base64 AEAD ciphertext; ImageURL points at an encrypted blob on the relay.
// Consumed once, then deleted server-side.
type Envelope struct {
	ID          string  `json:"id"`
	SenderID    string  `json:"senderID"`
	RecipientID string  `json:"recipientID"`
	Date        float64 `json:"date"`
	Text        string  `json:"text,omitempty"`
	ImageURL    string  `json:"imageUrl,omitempty"`
	DeleteData  string  `json:"deleteData,omitempty"`
}

// Time converts the unix-epoch-seconds wire date to a time.Time.
func (e *Envelope) Time() time.Time {
	sec := int64(e.Date)
	nsec := int64((e.Date - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// WireDate converts a time.Time to the unix-epoch-seconds wire form.
func WireDate(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// DeleteMessageSignal asks the peer to remove one message, matched by chat
// and timestamp.
type DeleteMessageSignal struct {
	ChatID      string  `json:"chatID"`
	SenderID    string  `json:"senderID"`
	MessageDate float64 `json:"messageDate"`
}

// DeleteTimerSignal propagates a chat's auto-delete timer code to the peer.
// DeleteTime is one of the four timer codes (0=off, 1=1h, 2=1d, 3=1w).
type DeleteTimerSignal struct {
	UserID     string `json:"userID"`
	DeleteTime int    `json:"deleteTime"`
}

// Profile is a user's directory entry. PublicKey is the base64 X25519
// public key peers derive shared secrets from.
type Profile struct {
	Username     string `json:"username"`
	Status       string `json:"status"`
	ProfileImage string `json:"profileImage"`
	PublicKey    string `json:"publicKey"`
}
