package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/dmsync/internal/bus"
	"github.com/matheus3301/dmsync/internal/channel"
	"github.com/matheus3301/dmsync/internal/chat"
	"github.com/matheus3301/dmsync/internal/outbox"
	"github.com/matheus3301/dmsync/internal/status"
	intsync "github.com/matheus3301/dmsync/internal/sync"
	"github.com/matheus3301/dmsync/internal/upload"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// fakeSync is a scripted Synchronizer.
type fakeSync struct {
	chats    []intsync.ChatView
	messages []intsync.MessageView
	err      error
	sent     []intsync.SendRequest
	typing   []string
	drained  outbox.DrainResult
}

func (f *fakeSync) UserID() string                   { return "u1" }
func (f *fakeSync) ConversationWith(p string) string { return chat.ConversationID("u1", p) }
func (f *fakeSync) Chats() ([]intsync.ChatView, error) {
	return f.chats, f.err
}
func (f *fakeSync) OpenConversation(context.Context, string) ([]intsync.MessageView, error) {
	return f.messages, f.err
}
func (f *fakeSync) CloseConversation(context.Context, string) error { return f.err }
func (f *fakeSync) DeleteChat(context.Context, string) error        { return f.err }
func (f *fakeSync) Conversation(string) ([]intsync.MessageView, error) {
	return f.messages, f.err
}
func (f *fakeSync) Send(_ context.Context, req intsync.SendRequest) (chat.Message, error) {
	if f.err != nil {
		return chat.Message{}, f.err
	}
	f.sent = append(f.sent, req)
	return chat.Message{ID: "m1", ConversationID: f.ConversationWith(req.RecipientID), Body: req.Body, Status: chat.StatusSending}, nil
}
func (f *fakeSync) Retry(context.Context, string, string) error         { return f.err }
func (f *fakeSync) DeleteMessage(context.Context, string, string) error { return f.err }
func (f *fakeSync) Typing(_ context.Context, conv string) error {
	f.typing = append(f.typing, "start:"+conv)
	return f.err
}
func (f *fakeSync) StopTyping(_ context.Context, conv string) error {
	f.typing = append(f.typing, "stop:"+conv)
	return f.err
}
func (f *fakeSync) DrainOutbox(context.Context) (outbox.DrainResult, error) {
	return f.drained, f.err
}
func (f *fakeSync) OutboxLen() int { return 2 }
func (f *fakeSync) Checkpoint(key string) time.Time {
	if key == intsync.CheckpointLastConnected {
		return time.UnixMilli(1234)
	}
	return time.Time{}
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{chat.ErrEmptyMessage, codes.InvalidArgument},
		{fmt.Errorf("x: %w", intsync.ErrNotParticipant), codes.InvalidArgument},
		{intsync.ErrMessageNotFound, codes.NotFound},
		{intsync.ErrNotRetriable, codes.FailedPrecondition},
		{channel.ErrNotConnected, codes.Unavailable},
		{fmt.Errorf("%w: 503", upload.ErrUpload), codes.Unavailable},
		{errors.New("disk full"), codes.Internal},
	}
	for _, tt := range tests {
		if got := grpcstatus.Code(toStatus("op", tt.err)); got != tt.want {
			t.Errorf("toStatus(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
	if toStatus("op", nil) != nil {
		t.Error("toStatus(nil) != nil")
	}
}

func TestEventToStruct(t *testing.T) {
	evt := bus.Event{
		Kind:      bus.KindMessageStatus,
		Timestamp: time.UnixMilli(5000),
		Payload:   bus.StatusEvent{ConversationID: "u1_u2", MessageID: "m1", Status: chat.StatusRead},
	}
	st, err := eventToStruct("main", evt)
	if err != nil {
		t.Fatal(err)
	}
	m := st.AsMap()
	if m["kind"] != bus.KindMessageStatus || m["session"] != "main" || m["occurredAtMs"] != float64(5000) {
		t.Errorf("envelope = %v", m)
	}
	payload := m["payload"].(map[string]any)
	if payload["messageId"] != "m1" || payload["status"] != "read" {
		t.Errorf("payload = %v", payload)
	}
	if id, _ := m["eventId"].(string); id == "" {
		t.Error("missing eventId")
	}
}

func TestMatchesAny(t *testing.T) {
	if !matchesAny("message.status", nil) {
		t.Error("empty filter must match")
	}
	if !matchesAny("typing.changed", []string{"message.", "typing."}) {
		t.Error("typing. prefix not matched")
	}
	if matchesAny("chat.updated", []string{"message."}) {
		t.Error("chat.updated matched message.")
	}
}

func TestListChatsTruncatesPreview(t *testing.T) {
	long := strings.Repeat("a", 200)
	fs := &fakeSync{chats: []intsync.ChatView{
		{Summary: chat.Summary{ConversationID: "u1_u2", UpdatedAt: 9, UnreadCount: 3}, Peer: chat.UserSnapshot{ID: "u2", Name: "Bob"}, Preview: long},
		{Summary: chat.Summary{ConversationID: "u1_u3"}, Peer: chat.UserSnapshot{ID: "u3"}, Preview: "short"},
	}}
	svc := NewChatService(fs, bus.New(), "main")

	resp, err := svc.ListChats(context.Background(), &ListChatsRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Chats) != 2 {
		t.Fatalf("got %d chats", len(resp.Chats))
	}
	c := resp.Chats[0]
	if len([]rune(c.Preview)) != previewLength || !strings.HasSuffix(c.Preview, "...") {
		t.Errorf("preview = %q (%d runes)", c.Preview, len([]rune(c.Preview)))
	}
	if c.PeerName != "Bob" || c.UnreadCount != 3 || resp.Chats[1].Preview != "short" {
		t.Errorf("chats = %+v", resp.Chats)
	}

	resp, _ = svc.ListChats(context.Background(), &ListChatsRequest{Limit: 1})
	if len(resp.Chats) != 1 {
		t.Errorf("limit ignored: %d chats", len(resp.Chats))
	}
}

func TestOpenChatResolvesPeer(t *testing.T) {
	fs := &fakeSync{}
	svc := NewChatService(fs, bus.New(), "main")
	resp, err := svc.OpenChat(context.Background(), &ChatRequest{PeerID: "u2"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.ConversationID != "u1_u2" {
		t.Errorf("conversation = %q", resp.ConversationID)
	}
	if _, err := svc.OpenChat(context.Background(), &ChatRequest{}); grpcstatus.Code(err) != codes.InvalidArgument {
		t.Errorf("OpenChat(empty) = %v", err)
	}
}

func TestListMessagesKeepsNewest(t *testing.T) {
	fs := &fakeSync{}
	for i := 0; i < 5; i++ {
		fs.messages = append(fs.messages, intsync.MessageView{Message: chat.Message{ID: fmt.Sprintf("m%d", i)}})
	}
	svc := NewMessageService(fs)
	resp, err := svc.ListMessages(context.Background(), &ListMessagesRequest{ConversationID: "u1_u2", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Messages) != 2 || resp.Messages[0].ID != "m3" || resp.Messages[1].ID != "m4" {
		t.Errorf("messages = %+v", resp.Messages)
	}
}

func TestSendBuildsRequest(t *testing.T) {
	fs := &fakeSync{}
	svc := NewMessageService(fs)
	_, err := svc.Send(context.Background(), &SendRequest{
		RecipientID: "u2", Body: "look", MediaPaths: []string{"/tmp/cat.png"}, LinkURL: "https://example.com",
	})
	if err != nil {
		t.Fatal(err)
	}
	req := fs.sent[0]
	if len(req.Media) != 1 || req.Media[0].Kind != chat.KindImage {
		t.Errorf("media = %+v", req.Media)
	}
	if req.LinkPreview == nil || req.LinkPreview.URL != "https://example.com" {
		t.Errorf("link preview = %+v", req.LinkPreview)
	}

	fs.err = chat.ErrEmptyMessage
	if _, err := svc.Send(context.Background(), &SendRequest{RecipientID: "u2"}); grpcstatus.Code(err) != codes.InvalidArgument {
		t.Errorf("Send(empty) = %v", err)
	}
}

func TestTypingStartStop(t *testing.T) {
	fs := &fakeSync{}
	svc := NewMessageService(fs)
	_, _ = svc.Typing(context.Background(), &TypingRequest{ConversationID: "u1_u2"})
	_, _ = svc.Typing(context.Background(), &TypingRequest{ConversationID: "u1_u2", Stopped: true})
	if len(fs.typing) != 2 || fs.typing[0] != "start:u1_u2" || fs.typing[1] != "stop:u1_u2" {
		t.Errorf("typing calls = %v", fs.typing)
	}
}

func TestSyncStatus(t *testing.T) {
	b := bus.New()
	m := status.NewMachine(b)
	_ = m.Transition(status.Connecting)
	_ = m.Transition(status.Connected)
	svc := NewSyncService(&fakeSync{}, b, m, "main")

	resp, err := svc.GetSyncStatus(context.Background(), &Empty{})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Connected || resp.OutboxLen != 2 || resp.LastConnectedAtMs != 1234 || resp.LastDrainAtMs != 0 {
		t.Errorf("status = %+v", resp)
	}

	svc = NewSyncService(&fakeSync{err: channel.ErrNotConnected}, b, m, "main")
	if _, err := svc.DrainOutbox(context.Background(), &Empty{}); grpcstatus.Code(err) != codes.Unavailable {
		t.Errorf("DrainOutbox() = %v, want Unavailable", err)
	}
}
