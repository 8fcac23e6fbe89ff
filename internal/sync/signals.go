package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anonchat/anonchat/internal/bus"
	"github.com/anonchat/anonchat/internal/relay"
	"github.com/anonchat/anonchat/internal/store"
	"go.uber.org/zap"
)

// handleDeleteRequest applies a peer's delete-message signal. The signal's
// chatID field carries the requesting user's ID; the local chat key is
// derived from it on this side.
func (e *Engine) handleDeleteRequest(ctx context.Context, it relay.Item) {
	var sig relay.DeleteMessageSignal
	if err := json.Unmarshal(it.Value, &sig); err != nil || sig.ChatID == "" {
		e.logger.Warn("malformed delete-message signal", zap.String("entry", it.ID), zap.Error(err))
		e.ackSignal(ctx, relay.ChannelDeleteRequests, it.ID)
		return
	}

	chatID := store.ChatID(e.currentUID, sig.ChatID)
	if err := e.db.DeleteMessage(chatID, wireMillis(sig.MessageDate)); err != nil {
		e.logger.Error("delete message failed", zap.String("chat", chatID), zap.Error(err))
		return
	}

	e.bus.Publish(bus.Event{
		Kind:      "message.deleted",
		Timestamp: time.Now(),
		Payload: map[string]any{
			"chat_id":   chatID,
			"timestamp": wireMillis(sig.MessageDate),
		},
	})
	e.ackSignal(ctx, relay.ChannelDeleteRequests, it.ID)
}

// handleDeleteChat applies a peer's delete-chat signal: the value is the
// requesting user's ID as a plain string. Messages go; the chat row stays.
func (e *Engine) handleDeleteChat(ctx context.Context, it relay.Item) {
	var contactID string
	if err := json.Unmarshal(it.Value, &contactID); err != nil || contactID == "" {
		e.logger.Warn("malformed delete-chat signal", zap.String("entry", it.ID), zap.Error(err))
		e.ackSignal(ctx, relay.ChannelDeleteChats, it.ID)
		return
	}

	if err := e.db.DeleteChatMessages(contactID, e.currentUID); err != nil {
		e.logger.Error("delete chat messages failed", zap.String("contact", contactID), zap.Error(err))
		return
	}

	e.bus.Publish(bus.Event{
		Kind:      "chat.deleted",
		Timestamp: time.Now(),
		Payload:   contactID,
	})
	e.ackSignal(ctx, relay.ChannelDeleteChats, it.ID)
}

// handleTimerSignal applies a peer's auto-delete timer change. Signals
// carrying the local user's own ID are echoes and are dropped unapplied.
func (e *Engine) handleTimerSignal(ctx context.Context, it relay.Item) {
	var sig relay.DeleteTimerSignal
	if err := json.Unmarshal(it.Value, &sig); err != nil || sig.UserID == "" {
		e.logger.Warn("malformed timer signal", zap.String("entry", it.ID), zap.Error(err))
		e.ackSignal(ctx, relay.ChannelDeleteTimers, it.ID)
		return
	}
	if sig.UserID == e.currentUID {
		e.ackSignal(ctx, relay.ChannelDeleteTimers, it.ID)
		return
	}

	code := store.TimerCode(sig.DeleteTime)
	if !code.Valid() {
		e.logger.Warn("timer signal with unknown code", zap.Int("code", sig.DeleteTime))
		e.ackSignal(ctx, relay.ChannelDeleteTimers, it.ID)
		return
	}

	chat, err := e.db.GetOrCreateChat(sig.UserID, e.currentUID)
	if err != nil {
		e.logger.Error("get-or-create chat failed", zap.String("contact", sig.UserID), zap.Error(err))
		return
	}
	if err := e.db.UpdateDeleteTimer(chat.ChatID, code); err != nil {
		e.logger.Error("timer update failed", zap.String("chat", chat.ChatID), zap.Error(err))
		return
	}

	e.bus.Publish(bus.Event{
		Kind:      "timer.changed",
		Timestamp: time.Now(),
		Payload: map[string]any{
			"contact_id": sig.UserID,
			"code":       code,
		},
	})
	e.ackSignal(ctx, relay.ChannelDeleteTimers, it.ID)
}

func (e *Engine) ackSignal(ctx context.Context, channel, entryID string) {
	if err := e.relay.DeleteSignal(ctx, channel, e.currentUID, entryID); err != nil {
		e.logger.Warn("signal ack failed", zap.String("channel", channel), zap.Error(err))
	}
}

// SetTimer updates the chat's auto-delete timer locally and propagates the
// change to the peer. Either participant may set it; both sides sweep
// independently.
func (e *Engine) SetTimer(ctx context.Context, contactID string, code store.TimerCode) error {
	if !code.Valid() {
		return fmt.Errorf("invalid timer code %d", code)
	}
	chat, err := e.db.GetOrCreateChat(contactID, e.currentUID)
	if err != nil {
		return err
	}
	if err := e.db.UpdateDeleteTimer(chat.ChatID, code); err != nil {
		return err
	}

	sig := relay.DeleteTimerSignal{UserID: e.currentUID, DeleteTime: int(code)}
	if _, err := e.relay.SendSignal(ctx, relay.ChannelDeleteTimers, contactID, sig); err != nil {
		return err
	}

	e.bus.Publish(bus.Event{
		Kind:      "timer.changed",
		Timestamp: time.Now(),
		Payload: map[string]any{
			"contact_id": contactID,
			"code":       code,
		},
	})
	return nil
}

// DeleteMessageForEveryone removes the message locally and asks the peer to
// do the same, matched by timestamp.
func (e *Engine) DeleteMessageForEveryone(ctx context.Context, contactID string, msg *store.Message) error {
	if err := e.db.DeleteMessage(store.ChatID(e.currentUID, contactID), msg.Timestamp); err != nil {
		return err
	}
	sig := relay.DeleteMessageSignal{
		ChatID:      e.currentUID,
		SenderID:    msg.SenderID,
		MessageDate: millisWire(msg.Timestamp),
	}
	_, err := e.relay.SendSignal(ctx, relay.ChannelDeleteRequests, contactID, sig)
	return err
}

// DeleteChat removes the chat locally; with forEveryone it also signals the
// peer to clear their side.
func (e *Engine) DeleteChat(ctx context.Context, contactID string, forEveryone bool) error {
	if err := e.db.DeleteChat(contactID, e.currentUID); err != nil {
		return err
	}
	if forEveryone {
		if _, err := e.relay.SendSignal(ctx, relay.ChannelDeleteChats, contactID, e.currentUID); err != nil {
			return err
		}
	}
	return nil
}
