package store

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/matheus3301/dmsync/internal/chat"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, res, err := OpenMigrated(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Changed || res.From != 0 {
		t.Fatalf("fresh Migrate() = %+v", res)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func msg(id, conv string, createdAt int64) *chat.Message {
	return &chat.Message{
		ID: id, ConversationID: conv, SenderID: "u1", RecipientID: "u2",
		Body: "body " + id, Status: chat.StatusSending, CreatedAt: createdAt,
	}
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 || result.From != 2 {
		t.Errorf("result = %+v, want version 2 (init + peers)", result)
	}
}

func TestAppendMessageIdempotent(t *testing.T) {
	db := testDB(t)
	conv := chat.ConversationID("u1", "u2")

	for i := 0; i < 2; i++ {
		added, err := db.AppendMessage(conv, msg("m1", conv, 1))
		if err != nil {
			t.Fatal(err)
		}
		if added != (i == 0) {
			t.Errorf("append #%d added = %v", i, added)
		}
	}
	if _, err := db.AppendMessage(conv, msg("m2", conv, 2)); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.LoadMessages(conv)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Errorf("got %+v, want [m1 m2]", msgs)
	}
}

func TestLoadMessagesCorruptIsEmpty(t *testing.T) {
	db := testDB(t)
	if _, err := db.Exec(`INSERT INTO records (key, value) VALUES (?, ?)`, "conv:bad", []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	msgs, err := db.LoadMessages("bad")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("got %d messages from corrupt record, want 0", len(msgs))
	}

	// Writing over a corrupt record recovers it.
	if _, err := db.AppendMessage("bad", msg("m1", "bad", 1)); err != nil {
		t.Fatal(err)
	}
	msgs, _ = db.LoadMessages("bad")
	if len(msgs) != 1 {
		t.Errorf("got %d messages after recovery, want 1", len(msgs))
	}
}

func TestUpdateAndDeleteMessage(t *testing.T) {
	db := testDB(t)
	conv := "u1_u2"
	_, _ = db.AppendMessage(conv, msg("m1", conv, 1))
	_, _ = db.AppendMessage(conv, msg("m2", conv, 2))

	changed, err := db.UpdateMessageStatus(conv, "m1", chat.StatusSent)
	if err != nil || !changed {
		t.Fatalf("UpdateMessageStatus() = %v, %v", changed, err)
	}
	changed, _ = db.UpdateMessageStatus(conv, "m1", chat.StatusSent)
	if changed {
		t.Error("same status should not write")
	}
	changed, _ = db.UpdateMessageStatus(conv, "missing", chat.StatusSent)
	if changed {
		t.Error("missing message should be a no-op")
	}

	m, err := db.GetMessage(conv, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || m.Status != chat.StatusSent || m.Body != "body m1" {
		t.Errorf("GetMessage() = %+v", m)
	}

	deleted, err := db.DeleteMessage(conv, "m1")
	if err != nil || !deleted {
		t.Fatalf("DeleteMessage() = %v, %v", deleted, err)
	}
	msgs, _ := db.LoadMessages(conv)
	if len(msgs) != 1 || msgs[0].ID != "m2" {
		t.Errorf("after delete got %+v", msgs)
	}

	if err := db.DeleteConversation(conv); err != nil {
		t.Fatal(err)
	}
	msgs, _ = db.LoadMessages(conv)
	if len(msgs) != 0 {
		t.Errorf("after DeleteConversation got %d messages", len(msgs))
	}
}

func TestConcurrentAppendsKeepEveryMessage(t *testing.T) {
	db := testDB(t)
	conv := "u1_u2"

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := db.AppendMessage(conv, msg(fmt.Sprintf("m%d", i), conv, int64(i))); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	msgs, _ := db.LoadMessages(conv)
	if len(msgs) != 20 {
		t.Errorf("got %d messages, want 20", len(msgs))
	}
}

func TestConversationIDs(t *testing.T) {
	db := testDB(t)
	_, _ = db.AppendMessage("a_b", msg("m1", "a_b", 1))
	_, _ = db.AppendMessage("a_c", msg("m2", "a_c", 1))
	_ = db.UpsertChatSummary("a", chat.Summary{ConversationID: "a_b"})

	ids, err := db.ConversationIDs()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "a_b" || ids[1] != "a_c" {
		t.Errorf("ConversationIDs() = %v", ids)
	}
}

func TestChatSummaryUpsertAndList(t *testing.T) {
	db := testDB(t)

	for _, s := range []chat.Summary{
		{ConversationID: "u1_u2", LastMessagePreview: "old", UpdatedAt: 1000},
		{ConversationID: "u1_u3", LastMessagePreview: "newer", UpdatedAt: 2000},
	} {
		if err := db.UpsertChatSummary("u1", s); err != nil {
			t.Fatal(err)
		}
	}
	// Replacing moves the entry to the front.
	if err := db.UpsertChatSummary("u1", chat.Summary{ConversationID: "u1_u2", LastMessagePreview: "latest", UpdatedAt: 3000}); err != nil {
		t.Fatal(err)
	}

	list, err := db.ListChatSummaries("u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d summaries, want 2", len(list))
	}
	if list[0].ConversationID != "u1_u2" || list[0].LastMessagePreview != "latest" {
		t.Errorf("first = %+v, want u1_u2/latest", list[0])
	}

	other, _ := db.ListChatSummaries("u9")
	if len(other) != 0 {
		t.Errorf("other account sees %d summaries", len(other))
	}
	if n, _ := db.ChatCount("u1"); n != 2 {
		t.Errorf("ChatCount() = %d, want 2", n)
	}
}

func TestMutateChatSummary(t *testing.T) {
	db := testDB(t)

	err := db.MutateChatSummary("u1", "u1_u2", func(s *chat.Summary, found bool) bool {
		if found {
			t.Error("found = true for a new summary")
		}
		s.UnreadCount++
		s.UpdatedAt = 10
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	_ = db.MutateChatSummary("u1", "u1_u2", func(s *chat.Summary, found bool) bool {
		s.UnreadCount++
		return found
	})
	_ = db.MutateChatSummary("u1", "u1_u2", func(s *chat.Summary, _ bool) bool {
		s.UnreadCount = 99
		return false
	})

	s, err := db.GetChatSummary("u1", "u1_u2")
	if err != nil {
		t.Fatal(err)
	}
	if s == nil || s.UnreadCount != 2 {
		t.Errorf("summary = %+v, want unread 2", s)
	}

	missing, err := db.GetChatSummary("u1", "nope")
	if err != nil || missing != nil {
		t.Errorf("GetChatSummary(missing) = %+v, %v", missing, err)
	}
}

func TestDeleteChatSummaryRemovesOnlyOne(t *testing.T) {
	db := testDB(t)
	_ = db.UpsertChatSummary("u1", chat.Summary{ConversationID: "u1_u2", UpdatedAt: 1})
	_ = db.UpsertChatSummary("u1", chat.Summary{ConversationID: "u1_u3", UpdatedAt: 2})

	deleted, err := db.DeleteChatSummary("u1", "u1_u2")
	if err != nil || !deleted {
		t.Fatalf("DeleteChatSummary() = %v, %v", deleted, err)
	}
	deleted, _ = db.DeleteChatSummary("u1", "u1_u2")
	if deleted {
		t.Error("second delete should report false")
	}
	list, _ := db.ListChatSummaries("u1")
	if len(list) != 1 || list[0].ConversationID != "u1_u3" {
		t.Errorf("got %+v, want only u1_u3", list)
	}
}

func TestOutboxOrdersByCreation(t *testing.T) {
	db := testDB(t)
	_, _ = db.EnqueueOutbox("late", "u1_u2", []byte(`{}`), 200)
	_, _ = db.EnqueueOutbox("tie", "u1_u2", []byte(`{}`), 100)
	_, _ = db.EnqueueOutbox("early", "u1_u2", []byte(`{}`), 100)

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, e := range pending {
		ids = append(ids, e.MessageID)
	}
	if len(ids) != 3 || ids[0] != "tie" || ids[1] != "early" || ids[2] != "late" {
		t.Errorf("order = %v, want [tie early late]", ids)
	}
	if pending[0].CreatedAt != 100 {
		t.Errorf("created_at = %d, want 100", pending[0].CreatedAt)
	}
}

func TestOutbox(t *testing.T) {
	db := testDB(t)

	added, err := db.EnqueueOutbox("m1", "u1_u2", []byte(`{"a":1}`), 0)
	if err != nil || !added {
		t.Fatalf("EnqueueOutbox() = %v, %v", added, err)
	}
	added, _ = db.EnqueueOutbox("m1", "u1_u2", []byte(`{"a":2}`), 0)
	if added {
		t.Error("duplicate enqueue should be a no-op")
	}
	_, _ = db.EnqueueOutbox("m2", "u1_u3", []byte(`{}`), 0)

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 || pending[0].MessageID != "m1" || pending[1].MessageID != "m2" {
		t.Fatalf("pending = %+v, want FIFO m1, m2", pending)
	}
	if string(pending[0].Payload) != `{"a":1}` {
		t.Errorf("payload = %s, want the first enqueue", pending[0].Payload)
	}

	if err := db.MarkOutboxAttempt("m1", "boom"); err != nil {
		t.Fatal(err)
	}
	pending, _ = db.PendingOutbox()
	if pending[0].Attempts != 1 || pending[0].LastError != "boom" {
		t.Errorf("after attempt: %+v", pending[0])
	}

	if ok, _ := db.OutboxPendingFor("u1_u2"); !ok {
		t.Error("OutboxPendingFor(u1_u2) = false")
	}
	if ok, _ := db.OutboxHas("m2"); !ok {
		t.Error("OutboxHas(m2) = false")
	}
	if removed, _ := db.RemoveOutbox("m1"); !removed {
		t.Error("RemoveOutbox(m1) = false")
	}
	if ok, _ := db.OutboxPendingFor("u1_u2"); ok {
		t.Error("OutboxPendingFor(u1_u2) = true after remove")
	}
	if n, _ := db.RemoveOutboxFor("u1_u3"); n != 1 {
		t.Errorf("RemoveOutboxFor() = %d, want 1", n)
	}
	if n, _ := db.OutboxLen(); n != 0 {
		t.Errorf("OutboxLen() = %d, want 0", n)
	}
}

func TestPeer(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertPeer(chat.UserSnapshot{ID: "u2", Name: "Bob", Avatar: "a.png"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertPeer(chat.UserSnapshot{ID: "u2", Name: "Robert"}); err != nil {
		t.Fatal(err)
	}
	p, err := db.GetPeer("u2")
	if err != nil {
		t.Fatal(err)
	}
	if p == nil || p.Name != "Robert" || p.Avatar != "a.png" {
		t.Errorf("got %+v, want Robert with kept avatar", p)
	}
	if p, _ := db.GetPeer("nobody"); p != nil {
		t.Errorf("GetPeer(nobody) = %+v, want nil", p)
	}
}

func TestCheckpoint(t *testing.T) {
	db := testDB(t)
	if v, _ := db.GetCheckpoint("k"); v != "" {
		t.Errorf("unset state = %q", v)
	}
	_ = db.SetCheckpoint("k", "1")
	_ = db.SetCheckpoint("k", "2")
	if v, _ := db.GetCheckpoint("k"); v != "2" {
		t.Errorf("state = %q, want 2", v)
	}
}
