package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/anonchat/anonchat/internal/bus"
	"github.com/anonchat/anonchat/internal/codec"
	"github.com/anonchat/anonchat/internal/keyring"
	"github.com/anonchat/anonchat/internal/relay"
	"github.com/anonchat/anonchat/internal/store"
	"go.uber.org/zap"
)

// Outgoing describes one message to send: text, image bytes, or both.
type Outgoing struct {
	ContactID string
	Text      string
	Image     []byte
}

// SendMessage encrypts and transmits a message to a peer.
//
// The recipient's public key and the pairwise blocked status are both
// fetched fresh so a block applied after contact-save still takes effect.
// The message is appended locally only after the relay accepted it: a
// network failure never leaves a ghost "sent" row behind.
func (e *Engine) SendMessage(ctx context.Context, out Outgoing) (*store.Message, error) {
	if out.Text == "" && len(out.Image) == 0 {
		return nil, fmt.Errorf("empty message")
	}

	profile, err := e.relay.FetchProfile(ctx, out.ContactID)
	if err != nil {
		return nil, err
	}

	blocked, err := e.relay.PairBlocked(ctx, e.currentUID, out.ContactID)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, &BlockedError{Username: profile.Username}
	}

	key, ok := keyring.DeriveSharedKey(e.kp.Private, profile.PublicKey)
	if !ok {
		return nil, fmt.Errorf("malformed public key for %s", out.ContactID)
	}

	chat, err := e.db.GetOrCreateChat(out.ContactID, e.currentUID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	env := &relay.Envelope{
		ID:          NewMessageID(),
		SenderID:    e.currentUID,
		RecipientID: out.ContactID,
		Date:        relay.WireDate(now),
	}
	if chat.DeleteTimer != store.TimerOff {
		env.DeleteData = fmt.Sprintf("%d", chat.DeleteTimer)
	}

	if out.Text != "" {
		env.Text, err = codec.Encrypt([]byte(out.Text), key)
		if err != nil {
			return nil, fmt.Errorf("encrypt text: %w", err)
		}
	}

	if len(out.Image) > 0 {
		sealed, err := codec.EncryptBytes(out.Image, key)
		if err != nil {
			return nil, fmt.Errorf("encrypt image: %w", err)
		}
		env.ImageURL, err = e.relay.UploadBlob(ctx, sealed)
		if err != nil {
			return nil, err
		}
	}

	if err := e.relay.SendEnvelope(ctx, env); err != nil {
		return nil, err
	}

	msg := &store.Message{
		ID:          env.ID,
		ChatID:      chat.ChatID,
		SenderID:    e.currentUID,
		RecipientID: out.ContactID,
		Body:        out.Text,
		Image:       out.Image,
		Timestamp:   wireMillis(env.Date),
	}
	if chat.DeleteTimer != store.TimerOff {
		code := chat.DeleteTimer
		msg.TimerCode = &code
	}
	if err := e.db.AppendOutgoingMessage(msg); err != nil {
		return nil, fmt.Errorf("append outgoing: %w", err)
	}

	e.bus.Publish(bus.Event{
		Kind:      "message.sent",
		Timestamp: now,
		Payload:   msg,
	})
	e.logger.Info("message sent",
		zap.String("msg_id", msg.ID),
		zap.String("recipient", out.ContactID))
	return msg, nil
}
