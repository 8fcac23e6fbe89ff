package account

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/anonchat/anonchat/internal/config"
	"github.com/anonchat/anonchat/internal/keyring"
	"github.com/anonchat/anonchat/internal/relay"
	"github.com/anonchat/anonchat/internal/store"
	"go.uber.org/zap"
)

func TestDeleteAccount(t *testing.T) {
	srv := httptest.NewServer(relay.NewServer(zap.NewNop()).Handler())
	t.Cleanup(srv.Close)
	rc, err := relay.NewClient(srv.URL, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	// Populate every surface the fan-out must clear.
	db, err := store.Open(filepath.Join(t.TempDir(), "anonchat.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	chat, err := db.GetOrCreateChat("bob", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AppendIncomingMessage(&store.Message{ID: "m1", ChatID: chat.ChatID, SenderID: "bob", RecipientID: "alice", Body: "hi", Timestamp: 1}); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveContact(&store.Contact{CurrentUID: "alice", UserID: "bob", Username: "Bob"}); err != nil {
		t.Fatal(err)
	}

	keys := keyring.New(t.TempDir())
	original, err := keys.GetOrCreateKeyPair("alice")
	if err != nil {
		t.Fatal(err)
	}

	if err := rc.PublishProfile(ctx, "alice", &relay.Profile{Username: "Alice", PublicKey: original.PublicKeyString()}); err != nil {
		t.Fatal(err)
	}

	configPath := filepath.Join(t.TempDir(), "config.toml")
	if err := config.Save(configPath, &config.Config{UserID: "alice", RelayURL: srv.URL}); err != nil {
		t.Fatal(err)
	}

	d := NewDeleter("alice", db, rc, keys, configPath, zap.NewNop())
	if err := d.DeleteAccount(ctx); err != nil {
		t.Fatal(err)
	}

	// Remote profile is gone.
	if _, err := rc.FetchProfile(ctx, "alice"); !errors.Is(err, relay.ErrNotFound) {
		t.Errorf("fetch profile: err = %v, want ErrNotFound", err)
	}

	// Local store is empty.
	chats, err := db.LoadChats("alice")
	if err != nil {
		t.Fatal(err)
	}
	contacts, err := db.ListContacts("alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 0 || len(contacts) != 0 {
		t.Errorf("store left %d chats, %d contacts", len(chats), len(contacts))
	}

	// The private key was destroyed: a new request generates fresh material.
	regenerated, err := keys.GetOrCreateKeyPair("alice")
	if err != nil {
		t.Fatal(err)
	}
	if regenerated.Private == original.Private {
		t.Error("private key survived account deletion")
	}

	// Config was reset to its zero state.
	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if *cfg != (config.Config{}) {
		t.Errorf("config after reset = %+v", cfg)
	}
}

func TestDeleteAccountReportsStepFailure(t *testing.T) {
	// No relay listening: the remote step must fail and be reported while
	// the local steps still run.
	srv := httptest.NewServer(relay.NewServer(zap.NewNop()).Handler())
	rc, err := relay.NewClient(srv.URL, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	srv.Close()

	db, err := store.Open(filepath.Join(t.TempDir(), "anonchat.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveContact(&store.Contact{CurrentUID: "alice", UserID: "bob", Username: "Bob"}); err != nil {
		t.Fatal(err)
	}

	keys := keyring.New(t.TempDir())
	configPath := filepath.Join(t.TempDir(), "config.toml")
	if err := config.Save(configPath, &config.Config{UserID: "alice"}); err != nil {
		t.Fatal(err)
	}

	d := NewDeleter("alice", db, rc, keys, configPath, zap.NewNop())
	if err := d.DeleteAccount(context.Background()); err == nil {
		t.Fatal("unreachable relay not reported")
	}

	// Local wipe still happened.
	contacts, err := db.ListContacts("alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(contacts) != 0 {
		t.Error("local store not wiped despite remote failure")
	}
}
