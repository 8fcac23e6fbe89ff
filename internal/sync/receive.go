package sync

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/anonchat/anonchat/internal/bus"
	"github.com/anonchat/anonchat/internal/codec"
	"github.com/anonchat/anonchat/internal/keyring"
	"github.com/anonchat/anonchat/internal/relay"
	"github.com/anonchat/anonchat/internal/store"
	"go.uber.org/zap"
)

// handleEnvelope processes one mailbox entry: resolve the sender's current
// public key, decrypt the payload (and any attached blob), persist the
// plaintext message, notify observers, then acknowledge by deletion so each
// envelope is delivered at most once.
//
// An undecryptable envelope is logged and still acknowledged: without the
// right key it cannot be retried meaningfully. A transport failure while
// resolving the sender leaves the entry in place for the next session.
func (e *Engine) handleEnvelope(ctx context.Context, it relay.Item) {
	var env relay.Envelope
	if err := json.Unmarshal(it.Value, &env); err != nil || env.ID == "" || env.SenderID == "" {
		e.logger.Warn("malformed envelope", zap.String("entry", it.ID), zap.Error(err))
		e.ack(ctx, it.ID)
		return
	}

	profile, err := e.relay.FetchProfile(ctx, env.SenderID)
	if err != nil {
		// Sender unknown or relay unreachable; keep the entry for retry.
		e.logger.Warn("sender lookup failed", zap.String("sender", env.SenderID), zap.Error(err))
		return
	}

	key, ok := keyring.DeriveSharedKey(e.kp.Private, profile.PublicKey)
	if !ok {
		e.logger.Warn("malformed sender key, dropping envelope", zap.String("sender", env.SenderID))
		e.ack(ctx, it.ID)
		return
	}

	var body string
	if env.Text != "" {
		plain, ok := codec.Decrypt(env.Text, key)
		if !ok {
			e.logger.Warn("undecryptable envelope dropped",
				zap.String("msg_id", env.ID),
				zap.String("sender", env.SenderID))
			e.ack(ctx, it.ID)
			return
		}
		body = string(plain)
	}

	var image []byte
	if env.ImageURL != "" {
		sealed, err := e.relay.DownloadBlob(ctx, env.ImageURL)
		if err != nil {
			e.logger.Warn("blob download failed", zap.String("msg_id", env.ID), zap.Error(err))
			return
		}
		plain, ok := codec.DecryptBytes(sealed, key)
		if !ok {
			e.logger.Warn("undecryptable blob dropped", zap.String("msg_id", env.ID))
			e.deleteBlob(ctx, env.ImageURL)
			e.ack(ctx, it.ID)
			return
		}
		image = plain
	}

	// Keep the local contact record current with the freshly fetched
	// profile so the UI shows up-to-date names without another fetch.
	_ = e.db.SaveContact(&store.Contact{
		CurrentUID:   e.currentUID,
		UserID:       env.SenderID,
		Username:     profile.Username,
		Status:       profile.Status,
		ProfileImage: profile.ProfileImage,
		PublicKey:    profile.PublicKey,
	})

	chat, err := e.db.GetOrCreateChat(env.SenderID, e.currentUID)
	if err != nil {
		e.logger.Error("get-or-create chat failed", zap.String("sender", env.SenderID), zap.Error(err))
		return
	}

	msg := &store.Message{
		ID:          NewMessageID(),
		ChatID:      chat.ChatID,
		SenderID:    env.SenderID,
		RecipientID: env.RecipientID,
		Body:        body,
		Image:       image,
		Timestamp:   wireMillis(env.Date),
	}
	if env.DeleteData != "" {
		if n, err := strconv.Atoi(env.DeleteData); err == nil && store.TimerCode(n).Valid() {
			code := store.TimerCode(n)
			msg.TimerCode = &code
		}
	}

	if err := e.db.AppendIncomingMessage(msg); err != nil {
		e.logger.Error("append incoming failed", zap.String("msg_id", msg.ID), zap.Error(err))
		return
	}

	e.bus.Publish(bus.Event{
		Kind:      "message.received",
		Timestamp: time.Now(),
		Payload:   msg,
	})

	if env.ImageURL != "" {
		e.deleteBlob(ctx, env.ImageURL)
	}
	e.ack(ctx, it.ID)
}

func (e *Engine) ack(ctx context.Context, entryID string) {
	if err := e.relay.DeleteEnvelope(ctx, e.currentUID, entryID); err != nil {
		e.logger.Warn("envelope ack failed", zap.String("entry", entryID), zap.Error(err))
	}
}

func (e *Engine) deleteBlob(ctx context.Context, blobPath string) {
	if err := e.relay.DeleteBlob(ctx, blobPath); err != nil {
		e.logger.Warn("blob delete failed", zap.String("blob", blobPath), zap.Error(err))
	}
}
