package sync

import (
	"context"
	"slices"

	"github.com/anonchat/anonchat/internal/store"
)

// FetchContact resolves a peer from the directory, refreshes the local
// contact record (including the blocked flag), and returns it.
func (e *Engine) FetchContact(ctx context.Context, userID string) (*store.Contact, error) {
	profile, err := e.relay.FetchProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	blockedIDs, err := e.relay.BlockedIDs(ctx, e.currentUID)
	if err != nil {
		return nil, err
	}

	c := &store.Contact{
		RecordID:     store.ContactRecordID(e.currentUID, userID),
		CurrentUID:   e.currentUID,
		UserID:       userID,
		Username:     profile.Username,
		Status:       profile.Status,
		ProfileImage: profile.ProfileImage,
		PublicKey:    profile.PublicKey,
		IsBlocked:    slices.Contains(blockedIDs, userID),
	}
	if err := e.db.SaveContact(c); err != nil {
		return nil, err
	}
	return c, nil
}

// BlockContact records a block on the relay and flips the local flag.
func (e *Engine) BlockContact(ctx context.Context, userID string) error {
	if err := e.relay.Block(ctx, e.currentUID, userID); err != nil {
		return err
	}
	return e.setLocalBlocked(userID, true)
}

// UnblockContact removes the relay block and flips the local flag.
func (e *Engine) UnblockContact(ctx context.Context, userID string) error {
	if err := e.relay.Unblock(ctx, e.currentUID, userID); err != nil {
		return err
	}
	return e.setLocalBlocked(userID, false)
}

func (e *Engine) setLocalBlocked(userID string, blocked bool) error {
	c, err := e.db.GetContact(e.currentUID, userID)
	if err != nil {
		return err
	}
	if c == nil {
		return nil
	}
	c.IsBlocked = blocked
	return e.db.SaveContact(c)
}

// BlockedContacts returns the local records of every peer this user has
// blocked, fetching missing ones from the directory.
func (e *Engine) BlockedContacts(ctx context.Context) ([]store.Contact, error) {
	ids, err := e.relay.BlockedIDs(ctx, e.currentUID)
	if err != nil {
		return nil, err
	}
	var contacts []store.Contact
	for _, id := range ids {
		c, err := e.db.GetContact(e.currentUID, id)
		if err != nil {
			return nil, err
		}
		if c == nil {
			if c, err = e.FetchContact(ctx, id); err != nil {
				continue
			}
		}
		contacts = append(contacts, *c)
	}
	return contacts, nil
}

// Unfriend removes the local contact record and the chat with that peer.
func (e *Engine) Unfriend(contactID string) error {
	if err := e.db.DeleteContact(e.currentUID, contactID); err != nil {
		return err
	}
	return e.db.DeleteChat(contactID, e.currentUID)
}
