package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/matheus3301/dmsync/internal/bus"
	"github.com/matheus3301/dmsync/internal/chat"
	"github.com/matheus3301/dmsync/internal/status"
	"go.uber.org/zap"
)

// fakeServer accepts websocket connections, records frames and answers
// send-message frames with the configured ack.
type fakeServer struct {
	t      *testing.T
	srv    *httptest.Server
	frames chan Frame

	mu    sync.Mutex
	conns []*websocket.Conn
	auth  []string
	reply func(Frame) *AckResult
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{t: t, frames: make(chan Frame, 64)}
	fs.reply = func(Frame) *AckResult { return &AckResult{OK: true} }
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	fs.mu.Lock()
	fs.conns = append(fs.conns, conn)
	fs.auth = append(fs.auth, r.Header.Get("Authorization"))
	fs.mu.Unlock()

	ctx := context.Background()
	for {
		var f Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return
		}
		fs.frames <- f
		if f.Event == EventSendMessage {
			fs.mu.Lock()
			reply := fs.reply
			fs.mu.Unlock()
			if res := reply(f); res != nil {
				ack, _ := NewFrame(EventAck, res)
				ack.Ack = f.Ack
				_ = wsjson.Write(ctx, conn, ack)
			}
		}
	}
}

func (fs *fakeServer) setReply(fn func(Frame) *AckResult) {
	fs.mu.Lock()
	fs.reply = fn
	fs.mu.Unlock()
}

func (fs *fakeServer) push(event string, data any) {
	fs.t.Helper()
	f, err := NewFrame(event, data)
	if err != nil {
		fs.t.Fatal(err)
	}
	fs.mu.Lock()
	conn := fs.conns[len(fs.conns)-1]
	fs.mu.Unlock()
	if err := wsjson.Write(context.Background(), conn, f); err != nil {
		fs.t.Fatal(err)
	}
}

func (fs *fakeServer) dropAll() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, c := range fs.conns {
		_ = c.CloseNow()
	}
}

func (fs *fakeServer) next(t *testing.T, event string) Frame {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case f := <-fs.frames:
			if f.Event == event {
				return f
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s frame", event)
		}
	}
}

func newTestClient(t *testing.T, url string, b *bus.Bus) (*Client, chan Event) {
	t.Helper()
	c := New(Config{
		URL: url, Token: "tok", UserID: "u1",
		AckTimeout: 300 * time.Millisecond, PingInterval: time.Second,
		InitialBackoff: 20 * time.Millisecond, MaxBackoff: 50 * time.Millisecond,
	}, status.NewMachine(b), zap.NewNop())
	events := make(chan Event, 64)
	c.RegisterHandler(func(e Event) { events <- e })
	t.Cleanup(c.Stop)
	return c, events
}

func waitFor[T Event](t *testing.T, events <-chan Event, match func(T) bool) T {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-events:
			if v, ok := e.(T); ok && match(v) {
				return v
			}
		case <-deadline:
			var zero T
			t.Fatalf("timeout waiting for %T", zero)
			return zero
		}
	}
}

func connected(c ConnectivityChanged) bool    { return c.Connected }
func disconnected(c ConnectivityChanged) bool { return !c.Connected }

func TestConnectAnnouncesJoinsThenPresence(t *testing.T) {
	fs := newFakeServer(t)
	c, events := newTestClient(t, fs.url(), nil)

	if err := c.Join(context.Background(), "u1_u2"); err != nil {
		t.Fatalf("Join() while disconnected = %v, want nil", err)
	}
	c.Start(context.Background())
	waitFor(t, events, connected)

	join := fs.next(t, EventJoinChat)
	var p ConversationPayload
	_ = json.Unmarshal(join.Data, &p)
	if p.ConversationID != "u1_u2" {
		t.Errorf("join-chat conversation = %q", p.ConversationID)
	}
	fs.next(t, EventPresence)

	fs.mu.Lock()
	auth := fs.auth[0]
	fs.mu.Unlock()
	if auth != "Bearer tok" {
		t.Errorf("Authorization = %q", auth)
	}
	if !c.Connected() {
		t.Error("Connected() = false")
	}
}

func TestSendAcknowledged(t *testing.T) {
	fs := newFakeServer(t)
	c, events := newTestClient(t, fs.url(), nil)
	c.Start(context.Background())
	waitFor(t, events, connected)

	err := c.Send(context.Background(), SendPayload{
		ConversationID: "u1_u2", RecipientID: "u2",
		Envelope: chat.Envelope{ID: "m1", Sender: "u1", Recipient: "u2", Body: "x1:abc", Encrypted: true},
	})
	if err != nil {
		t.Fatalf("Send() = %v", err)
	}
	f := fs.next(t, EventSendMessage)
	var p SendPayload
	_ = json.Unmarshal(f.Data, &p)
	if p.Envelope.ID != "m1" || f.Ack == 0 {
		t.Errorf("send frame = %+v", p)
	}
}

func TestSendErrors(t *testing.T) {
	tests := []struct {
		name     string
		reply    *AckResult
		check    func(error) bool
		terminal bool
	}{
		{"terminal rejection", &AckResult{Error: "bad", Terminal: true}, func(err error) bool {
			var re *RejectedError
			return errors.As(err, &re) && re.Reason == "bad"
		}, true},
		{"deferred", &AckResult{Error: "slow down"}, func(err error) bool {
			var re *RejectedError
			return errors.As(err, &re)
		}, false},
		{"ack timeout", nil, func(err error) bool { return errors.Is(err, ErrAckTimeout) }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFakeServer(t)
			fs.setReply(func(Frame) *AckResult { return tt.reply })
			c, events := newTestClient(t, fs.url(), nil)
			c.Start(context.Background())
			waitFor(t, events, connected)

			err := c.Send(context.Background(), SendPayload{ConversationID: "u1_u2"})
			if err == nil || !tt.check(err) {
				t.Fatalf("Send() = %v", err)
			}
			if IsTerminal(err) != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", IsTerminal(err), tt.terminal)
			}
		})
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	c, _ := newTestClient(t, "ws://127.0.0.1:1/none", nil)
	err := c.Send(context.Background(), SendPayload{ConversationID: "u1_u2"})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() = %v, want ErrNotConnected", err)
	}
	if IsTerminal(err) {
		t.Error("not-connected must be transient")
	}
	if err := c.NotifyTyping(context.Background(), "u1_u2"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("NotifyTyping() = %v, want ErrNotConnected", err)
	}
}

func TestInboundEventsDispatched(t *testing.T) {
	fs := newFakeServer(t)
	c, events := newTestClient(t, fs.url(), nil)
	c.Start(context.Background())
	waitFor(t, events, connected)
	fs.next(t, EventPresence)

	fs.push(EventNewMessage, SendPayload{ConversationID: "u1_u2", Envelope: chat.Envelope{ID: "m9", Sender: "u2"}})
	got := waitFor(t, events, func(MessageReceived) bool { return true })
	if got.Envelope.ID != "m9" || got.ConversationID != "u1_u2" {
		t.Errorf("MessageReceived = %+v", got)
	}

	fs.push(EventMessageDelivered, DeliveredPayload{ConversationID: "u1_u2", MessageID: "m1"})
	if d := waitFor(t, events, func(DeliveryAck) bool { return true }); d.MessageID != "m1" {
		t.Errorf("DeliveryAck = %+v", d)
	}

	fs.push(EventMessagesRead, ReadPayload{ConversationID: "u1_u2", UserID: "u2"})
	if r := waitFor(t, events, func(ReadAck) bool { return true }); r.ReaderID != "u2" || len(r.MessageIDs) != 0 {
		t.Errorf("ReadAck = %+v", r)
	}

	fs.push(EventTyping, TypingPayload{ConversationID: "u1_u2", SenderID: "u2"})
	if ty := waitFor(t, events, func(TypingChanged) bool { return true }); !ty.Typing || ty.PeerID != "u2" {
		t.Errorf("TypingChanged = %+v", ty)
	}
	fs.push(EventStopTyping, TypingPayload{ConversationID: "u1_u2", SenderID: "u2"})
	if ty := waitFor(t, events, func(TypingChanged) bool { return true }); ty.Typing {
		t.Errorf("TypingChanged = %+v, want stopped", ty)
	}

	fs.push(EventMessageError, ErrorPayload{ConversationID: "u1_u2", MessageID: "m1", Error: "blocked", Terminal: true})
	if sf := waitFor(t, events, func(SendFailed) bool { return true }); !sf.Terminal || sf.Reason != "blocked" {
		t.Errorf("SendFailed = %+v", sf)
	}
}

func TestReconnectRejoinsOpenConversations(t *testing.T) {
	fs := newFakeServer(t)
	b := bus.New()
	states, unsub := b.Subscribe("channel.", 64)
	defer unsub()

	c, events := newTestClient(t, fs.url(), b)
	c.Start(context.Background())
	waitFor(t, events, connected)
	if err := c.Join(context.Background(), "u1_u3"); err != nil {
		t.Fatal(err)
	}
	fs.next(t, EventJoinChat)

	fs.dropAll()
	waitFor(t, events, disconnected)
	waitFor(t, events, connected)

	join := fs.next(t, EventJoinChat)
	var p ConversationPayload
	_ = json.Unmarshal(join.Data, &p)
	if p.ConversationID != "u1_u3" {
		t.Errorf("rejoined %q, want u1_u3", p.ConversationID)
	}

	var sawDisconnect bool
	for len(states) > 0 {
		evt := <-states
		if evt.Payload.(bus.StateEvent).To == string(status.Disconnected) {
			sawDisconnect = true
		}
	}
	if !sawDisconnect {
		t.Error("no DISCONNECTED state published")
	}
}

func TestLeaveStopsRejoin(t *testing.T) {
	fs := newFakeServer(t)
	c, events := newTestClient(t, fs.url(), nil)
	_ = c.Join(context.Background(), "u1_u2")
	_ = c.Leave(context.Background(), "u1_u2")
	c.Start(context.Background())
	waitFor(t, events, connected)

	select {
	case f := <-fs.frames:
		if f.Event != EventPresence {
			t.Errorf("first frame = %s, want presence only", f.Event)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for presence")
	}
}

func TestStopDisconnects(t *testing.T) {
	fs := newFakeServer(t)
	c, events := newTestClient(t, fs.url(), nil)
	c.Start(context.Background())
	waitFor(t, events, connected)

	c.Stop()
	if c.Connected() {
		t.Error("Connected() = true after Stop")
	}
}
