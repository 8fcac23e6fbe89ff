package store

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "anonchat.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	return db
}

func timerPtr(c TimerCode) *TimerCode { return &c }

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)
	res, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if res.Changed {
		t.Error("second migrate reported changes")
	}
	if res.Dirty {
		t.Error("migration left the schema dirty")
	}
}

func TestGetOrCreateChat(t *testing.T) {
	db := testDB(t)

	c, err := db.GetOrCreateChat("bob", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if c.ChatID != "alice_bob" {
		t.Errorf("chat id = %q, want alice_bob", c.ChatID)
	}
	if c.CurrentUID != "alice" || c.ContactID != "bob" {
		t.Errorf("chat = %+v", c)
	}
	if c.DeleteTimer != TimerOff {
		t.Errorf("new chat timer = %d, want off", c.DeleteTimer)
	}

	again, err := db.GetOrCreateChat("bob", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if again.ChatID != c.ChatID {
		t.Error("second call created a different chat")
	}

	chats, err := db.LoadChats("alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 1 {
		t.Fatalf("got %d chats, want 1", len(chats))
	}
}

func TestGetOrCreateChatConcurrent(t *testing.T) {
	db := testDB(t)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := db.GetOrCreateChat("bob", "alice"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	chats, err := db.LoadChats("alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 1 {
		t.Fatalf("concurrent create produced %d chats, want 1", len(chats))
	}
}

func TestAppendIncomingUpdatesChat(t *testing.T) {
	db := testDB(t)
	c, err := db.GetOrCreateChat("bob", "alice")
	if err != nil {
		t.Fatal(err)
	}

	msg := &Message{
		ID:          "m1",
		ChatID:      c.ChatID,
		SenderID:    "bob",
		RecipientID: "alice",
		Body:        "hello",
		Timestamp:   time.Now().UnixMilli(),
		TimerCode:   timerPtr(TimerDay),
	}
	if err := db.AppendIncomingMessage(msg); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetChat(c.ChatID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastMessageText != "hello" {
		t.Errorf("summary = %q, want hello", got.LastMessageText)
	}
	if got.LastMessageAt != msg.Timestamp {
		t.Errorf("last_message_at = %d, want %d", got.LastMessageAt, msg.Timestamp)
	}
	if !got.HasUnread {
		t.Error("incoming message did not set unread")
	}
	if got.DeleteTimer != TimerDay {
		t.Errorf("timer = %d, want %d (carried by message)", got.DeleteTimer, TimerDay)
	}

	msgs, err := db.ListMessages(c.ChatID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].TimerCode == nil || *msgs[0].TimerCode != TimerDay {
		t.Errorf("message timer = %v, want %d", msgs[0].TimerCode, TimerDay)
	}
}

func TestAppendOutgoingLeavesUnreadAndTimer(t *testing.T) {
	db := testDB(t)
	c, err := db.GetOrCreateChat("bob", "alice")
	if err != nil {
		t.Fatal(err)
	}

	msg := &Message{
		ID:          "m1",
		ChatID:      c.ChatID,
		SenderID:    "alice",
		RecipientID: "bob",
		Body:        "hi bob",
		Timestamp:   time.Now().UnixMilli(),
		TimerCode:   timerPtr(TimerWeek),
	}
	if err := db.AppendOutgoingMessage(msg); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetChat(c.ChatID)
	if err != nil {
		t.Fatal(err)
	}
	if got.HasUnread {
		t.Error("outgoing message set unread")
	}
	if got.DeleteTimer != TimerOff {
		t.Error("outgoing message changed the chat timer")
	}
	if got.LastMessageText != "hi bob" {
		t.Errorf("summary = %q", got.LastMessageText)
	}
}

func TestImageMessageSummary(t *testing.T) {
	db := testDB(t)
	c, err := db.GetOrCreateChat("bob", "alice")
	if err != nil {
		t.Fatal(err)
	}

	msg := &Message{
		ID:          "m1",
		ChatID:      c.ChatID,
		SenderID:    "bob",
		RecipientID: "alice",
		Image:       []byte{0xff, 0xd8, 0xff},
		Timestamp:   time.Now().UnixMilli(),
	}
	if err := db.AppendIncomingMessage(msg); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetChat(c.ChatID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastMessageText != "Image" {
		t.Errorf("summary = %q, want Image", got.LastMessageText)
	}

	images, err := db.ChatImages("alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(images) != 1 || len(images[0]) != 3 {
		t.Errorf("images = %v", images)
	}
}

func TestMarkChatRead(t *testing.T) {
	db := testDB(t)
	c, err := db.GetOrCreateChat("bob", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AppendIncomingMessage(&Message{ID: "m1", ChatID: c.ChatID, SenderID: "bob", RecipientID: "alice", Body: "x", Timestamp: 1}); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkChatRead(c.ChatID); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetChat(c.ChatID)
	if err != nil {
		t.Fatal(err)
	}
	if got.HasUnread {
		t.Error("chat still unread after MarkChatRead")
	}
}

func TestUpdateDeleteTimer(t *testing.T) {
	db := testDB(t)
	c, err := db.GetOrCreateChat("bob", "alice")
	if err != nil {
		t.Fatal(err)
	}

	if err := db.UpdateDeleteTimer(c.ChatID, TimerHour); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetChat(c.ChatID)
	if err != nil {
		t.Fatal(err)
	}
	if got.DeleteTimer != TimerHour {
		t.Errorf("timer = %d, want %d", got.DeleteTimer, TimerHour)
	}

	if err := db.UpdateDeleteTimer("nope", TimerHour); err != ErrNotFound {
		t.Errorf("missing chat: err = %v, want ErrNotFound", err)
	}
	if err := db.UpdateDeleteTimer(c.ChatID, TimerCode(9)); err == nil {
		t.Error("invalid code accepted")
	}
}

func TestDeleteMessage(t *testing.T) {
	db := testDB(t)
	c, err := db.GetOrCreateChat("bob", "alice")
	if err != nil {
		t.Fatal(err)
	}
	for i, body := range []string{"first", "second"} {
		msg := &Message{ID: fmt.Sprintf("m%d", i), ChatID: c.ChatID, SenderID: "bob", RecipientID: "alice", Body: body, Timestamp: int64(1000 + i)}
		if err := db.AppendIncomingMessage(msg); err != nil {
			t.Fatal(err)
		}
	}

	if err := db.DeleteMessage(c.ChatID, 1001); err != nil {
		t.Fatal(err)
	}
	msgs, err := db.ListMessages(c.ChatID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Body != "first" {
		t.Fatalf("messages after delete = %+v", msgs)
	}

	// Deleting the last message clears the summary.
	if err := db.DeleteMessage(c.ChatID, 1000); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetChat(c.ChatID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastMessageText != "" {
		t.Errorf("summary = %q after emptying chat", got.LastMessageText)
	}

	// Duplicated signal: no-op.
	if err := db.DeleteMessage(c.ChatID, 1000); err != nil {
		t.Fatal(err)
	}
}

func TestDeleteChatMessagesKeepsChatRow(t *testing.T) {
	db := testDB(t)
	c, err := db.GetOrCreateChat("bob", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateDeleteTimer(c.ChatID, TimerWeek); err != nil {
		t.Fatal(err)
	}
	if err := db.AppendIncomingMessage(&Message{ID: "m1", ChatID: c.ChatID, SenderID: "bob", RecipientID: "alice", Body: "x", Timestamp: 1}); err != nil {
		t.Fatal(err)
	}

	if err := db.DeleteChatMessages("bob", "alice"); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetChat(c.ChatID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("chat row removed")
	}
	if got.LastMessageText != "" {
		t.Errorf("summary = %q, want empty", got.LastMessageText)
	}
	if got.DeleteTimer != TimerWeek {
		t.Error("clearing messages reset the timer")
	}
	msgs, err := db.ListMessages(c.ChatID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("%d messages survive", len(msgs))
	}

	// Idempotent on a missing chat.
	if err := db.DeleteChatMessages("nobody", "alice"); err != nil {
		t.Fatal(err)
	}
}

func TestDeleteChatCascades(t *testing.T) {
	db := testDB(t)
	c, err := db.GetOrCreateChat("bob", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AppendIncomingMessage(&Message{ID: "m1", ChatID: c.ChatID, SenderID: "bob", RecipientID: "alice", Body: "x", Timestamp: 1}); err != nil {
		t.Fatal(err)
	}

	if err := db.DeleteChat("bob", "alice"); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetChat(c.ChatID)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("chat row survives")
	}
	msgs, err := db.ListMessages(c.ChatID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Error("messages survive chat deletion")
	}

	if err := db.DeleteChat("bob", "alice"); err != nil {
		t.Fatal(err)
	}
}

func TestSweepExpired(t *testing.T) {
	db := testDB(t)
	now := time.Now()

	// One chat per timer code, each holding a message exactly at the
	// threshold (expired) and one a second younger (kept).
	type chatCase struct {
		contact string
		code    TimerCode
	}
	cases := []chatCase{
		{"hourly", TimerHour},
		{"daily", TimerDay},
		{"weekly", TimerWeek},
	}
	for i, cc := range cases {
		c, err := db.GetOrCreateChat(cc.contact, "alice")
		if err != nil {
			t.Fatal(err)
		}
		if err := db.UpdateDeleteTimer(c.ChatID, cc.code); err != nil {
			t.Fatal(err)
		}
		boundary := now.UnixMilli() - cc.code.Duration().Milliseconds()
		expired := &Message{ID: fmt.Sprintf("old%d", i), ChatID: c.ChatID, SenderID: cc.contact, RecipientID: "alice", Body: "old", Timestamp: boundary}
		fresh := &Message{ID: fmt.Sprintf("new%d", i), ChatID: c.ChatID, SenderID: cc.contact, RecipientID: "alice", Body: "fresh", Timestamp: boundary + 1000}
		if err := db.AppendIncomingMessage(expired); err != nil {
			t.Fatal(err)
		}
		if err := db.AppendIncomingMessage(fresh); err != nil {
			t.Fatal(err)
		}
	}

	// A timer-off chat with an ancient message must be untouched.
	off, err := db.GetOrCreateChat("keeper", "alice")
	if err != nil {
		t.Fatal(err)
	}
	ancient := &Message{ID: "ancient", ChatID: off.ChatID, SenderID: "keeper", RecipientID: "alice", Body: "forever", Timestamp: now.AddDate(-1, 0, 0).UnixMilli()}
	if err := db.AppendIncomingMessage(ancient); err != nil {
		t.Fatal(err)
	}

	n, err := db.SweepExpired(now)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(cases) {
		t.Errorf("swept %d messages, want %d", n, len(cases))
	}

	for _, cc := range cases {
		id := ChatID("alice", cc.contact)
		msgs, err := db.ListMessages(id)
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) != 1 || msgs[0].Body != "fresh" {
			t.Errorf("chat %s after sweep: %+v", id, msgs)
		}
		c, err := db.GetChat(id)
		if err != nil {
			t.Fatal(err)
		}
		if c.LastMessageText != "fresh" {
			t.Errorf("chat %s summary = %q, want fresh", id, c.LastMessageText)
		}
	}

	msgs, err := db.ListMessages(off.ChatID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Error("sweep touched a timer-off chat")
	}
}

func TestSweepClearsSummaryWhenChatEmpties(t *testing.T) {
	db := testDB(t)
	now := time.Now()

	c, err := db.GetOrCreateChat("bob", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateDeleteTimer(c.ChatID, TimerHour); err != nil {
		t.Fatal(err)
	}
	old := &Message{ID: "m1", ChatID: c.ChatID, SenderID: "bob", RecipientID: "alice", Body: "gone soon", Timestamp: now.Add(-2 * time.Hour).UnixMilli()}
	if err := db.AppendIncomingMessage(old); err != nil {
		t.Fatal(err)
	}

	n, err := db.SweepExpired(now)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	got, err := db.GetChat(c.ChatID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastMessageText != "" {
		t.Errorf("summary = %q after sweep emptied chat", got.LastMessageText)
	}
}

func TestSweepBoundaryIsInclusive(t *testing.T) {
	db := testDB(t)
	now := time.Now()

	c, err := db.GetOrCreateChat("bob", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateDeleteTimer(c.ChatID, TimerHour); err != nil {
		t.Fatal(err)
	}
	cutoff := now.UnixMilli() - time.Hour.Milliseconds()
	atBoundary := &Message{ID: "m1", ChatID: c.ChatID, SenderID: "bob", RecipientID: "alice", Body: "x", Timestamp: cutoff}
	justInside := &Message{ID: "m2", ChatID: c.ChatID, SenderID: "bob", RecipientID: "alice", Body: "y", Timestamp: cutoff + 1}
	if err := db.AppendIncomingMessage(atBoundary); err != nil {
		t.Fatal(err)
	}
	if err := db.AppendIncomingMessage(justInside); err != nil {
		t.Fatal(err)
	}

	n, err := db.SweepExpired(now)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("swept %d, want exactly the boundary message", n)
	}
	msgs, err := db.ListMessages(c.ChatID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m2" {
		t.Errorf("survivors = %+v", msgs)
	}
}

func TestContactLifecycle(t *testing.T) {
	db := testDB(t)

	c := &Contact{
		CurrentUID: "alice",
		UserID:     "bob",
		Username:   "Bob",
		Status:     "around",
		PublicKey:  "cHVibGljLWtleQ==",
	}
	if err := db.SaveContact(c); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetContact("alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Username != "Bob" || got.PublicKey != c.PublicKey {
		t.Fatalf("contact = %+v", got)
	}

	// Empty incoming fields do not clobber; blocked flag always follows.
	if err := db.SaveContact(&Contact{CurrentUID: "alice", UserID: "bob", IsBlocked: true}); err != nil {
		t.Fatal(err)
	}
	got, err = db.GetContact("alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if got.Username != "Bob" || got.Status != "around" {
		t.Errorf("empty update clobbered fields: %+v", got)
	}
	if !got.IsBlocked {
		t.Error("blocked flag not applied")
	}

	if err := db.DeleteContact("alice", "bob"); err != nil {
		t.Fatal(err)
	}
	got, err = db.GetContact("alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("contact survives deletion")
	}
	if err := db.DeleteContact("alice", "bob"); err != nil {
		t.Fatal(err)
	}
}

func TestSearchContacts(t *testing.T) {
	db := testDB(t)
	for _, name := range []string{"Alice Anderson", "bob builder", "Carol"} {
		c := &Contact{CurrentUID: "me", UserID: name, Username: name}
		if err := db.SaveContact(c); err != nil {
			t.Fatal(err)
		}
	}

	got, err := db.SearchContacts("me", "BOB")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Username != "bob builder" {
		t.Errorf("search BOB = %+v", got)
	}

	all, err := db.ListContacts("me")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("list = %d contacts, want 3", len(all))
	}
}

func TestDeleteAll(t *testing.T) {
	db := testDB(t)
	c, err := db.GetOrCreateChat("bob", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AppendIncomingMessage(&Message{ID: "m1", ChatID: c.ChatID, SenderID: "bob", RecipientID: "alice", Body: "x", Timestamp: 1}); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveContact(&Contact{CurrentUID: "alice", UserID: "bob", Username: "Bob"}); err != nil {
		t.Fatal(err)
	}

	if err := db.DeleteAll(); err != nil {
		t.Fatal(err)
	}

	chats, err := db.LoadChats("alice")
	if err != nil {
		t.Fatal(err)
	}
	contacts, err := db.ListContacts("alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 0 || len(contacts) != 0 {
		t.Errorf("wipe left %d chats, %d contacts", len(chats), len(contacts))
	}
}
