// Package channel maintains the long-lived websocket event connection to the
// messaging server.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/matheus3301/dmsync/internal/status"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const readLimit = 1 << 20

// Config configures a Client. Zero durations take defaults.
type Config struct {
	URL               string
	Token             string
	UserID            string
	AckTimeout        time.Duration
	PingInterval      time.Duration
	DialTimeout       time.Duration
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

func (c Config) withDefaults() Config {
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2
	}
	return c
}

// Client is the delivery channel. It reconnects forever while started.
type Client struct {
	cfg     Config
	machine *status.Machine
	logger  *zap.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers []Handler
	joined   map[string]struct{}
	pending  map[uint64]chan AckResult
	nextAck  uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a delivery channel client. It does not connect until Start.
func New(cfg Config, machine *status.Machine, logger *zap.Logger) *Client {
	return &Client{
		cfg:     cfg.withDefaults(),
		machine: machine,
		logger:  logger,
		joined:  make(map[string]struct{}),
		pending: make(map[uint64]chan AckResult),
	}
}

// RegisterHandler adds a handler for channel events.
func (c *Client) RegisterHandler(h Handler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
}

// Start launches the connect loop.
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run(ctx)
}

// Stop closes the connection and waits for the loop to exit.
func (c *Client) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

// Connected reports whether the channel is in the connected state.
func (c *Client) Connected() bool {
	return c.machine.Current() == status.Connected
}

func (c *Client) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.Multiplier = c.cfg.BackoffMultiplier
	b.RandomizationFactor = 0.1
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	b := c.newBackoff()

	for ctx.Err() == nil {
		_ = c.machine.Transition(status.Connecting)
		conn, err := c.dial(ctx)
		if err != nil {
			_ = c.machine.Fail(err)
			c.logger.Warn("channel connect failed", zap.Int("attempt", c.machine.Snapshot().Attempts), zap.Error(err))
		} else {
			b.Reset()
			err = c.serve(ctx, conn)
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("channel connection lost", zap.Error(err))
		}

		wait := b.NextBackOff()
		c.logger.Debug("channel reconnect scheduled", zap.Duration("in", wait))
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, _, err := websocket.Dial(dctx, c.cfg.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// serve runs one connection until it drops or ctx is canceled.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	c.mu.Lock()
	c.conn = conn
	joined := c.openConversationsLocked()
	c.mu.Unlock()

	_ = c.machine.Transition(status.Connected)
	c.logger.Info("channel connected", zap.String("url", c.cfg.URL), zap.Int("open_conversations", len(joined)))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx, conn) })
	g.Go(func() error { return c.pingLoop(gctx, conn) })

	for _, id := range joined {
		if err := c.emit(gctx, conn, EventJoinChat, ConversationPayload{ConversationID: id}); err != nil {
			c.logger.Warn("join-chat failed", zap.String("conversation_id", id), zap.Error(err))
		}
	}
	if err := c.emit(gctx, conn, EventPresence, PresencePayload{Status: "online"}); err != nil {
		c.logger.Warn("presence failed", zap.Error(err))
	}
	c.dispatch(ConnectivityChanged{Connected: true})

	err := g.Wait()

	if ctx.Err() != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	} else {
		_ = conn.CloseNow()
	}

	c.mu.Lock()
	c.conn = nil
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		_ = c.machine.Fail(err)
	} else {
		_ = c.machine.Transition(status.Disconnected)
	}
	c.dispatch(ConnectivityChanged{Connected: false})
	return err
}

func (c *Client) openConversationsLocked() []string {
	ids := make([]string, 0, len(c.joined))
	for id := range c.joined {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, c.cfg.AckTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var f Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.handleFrame(f)
	}
}

func (c *Client) handleFrame(f Frame) {
	switch f.Event {
	case EventAck:
		var res AckResult
		if err := json.Unmarshal(f.Data, &res); err != nil {
			c.logger.Warn("malformed ack", zap.Uint64("ack", f.Ack), zap.Error(err))
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[f.Ack]
		delete(c.pending, f.Ack)
		c.mu.Unlock()
		if ok {
			ch <- res
		}
	case EventNewMessage:
		var p SendPayload
		if c.decode(f, &p) {
			c.dispatch(MessageReceived{ConversationID: p.ConversationID, Envelope: p.Envelope})
		}
	case EventMessageDelivered:
		var p DeliveredPayload
		if c.decode(f, &p) {
			c.dispatch(DeliveryAck{ConversationID: p.ConversationID, MessageID: p.MessageID})
		}
	case EventMessageRead, EventMessagesRead:
		var p ReadPayload
		if c.decode(f, &p) {
			c.dispatch(ReadAck{ConversationID: p.ConversationID, ReaderID: p.UserID, MessageIDs: p.MessageIDs})
		}
	case EventMessageError:
		var p ErrorPayload
		if c.decode(f, &p) {
			c.dispatch(SendFailed{ConversationID: p.ConversationID, MessageID: p.MessageID, Reason: p.Error, Terminal: p.Terminal})
		}
	case EventTyping, EventStopTyping:
		var p TypingPayload
		if c.decode(f, &p) {
			c.dispatch(TypingChanged{ConversationID: p.ConversationID, PeerID: p.SenderID, Typing: f.Event == EventTyping})
		}
	default:
		c.logger.Debug("ignoring channel event", zap.String("event", f.Event))
	}
}

func (c *Client) decode(f Frame, v any) bool {
	if err := json.Unmarshal(f.Data, v); err != nil {
		c.logger.Warn("malformed channel event", zap.String("event", f.Event), zap.Error(err))
		return false
	}
	return true
}

func (c *Client) dispatch(evt Event) {
	c.mu.Lock()
	handlers := append([]Handler(nil), c.handlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(evt)
	}
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, f Frame) error {
	wctx, cancel := context.WithTimeout(ctx, c.cfg.AckTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, f)
}

func (c *Client) emit(ctx context.Context, conn *websocket.Conn, event string, data any) error {
	f, err := NewFrame(event, data)
	if err != nil {
		return err
	}
	return c.write(ctx, conn, f)
}

// emitLive sends a fire-and-forget event on the current connection.
func (c *Client) emitLive(ctx context.Context, event string, data any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.emit(ctx, conn, event, data)
}

// Send dispatches a message and waits for the server's acknowledgment.
// Transport failures and ack timeouts are transient; a *RejectedError with
// Terminal set means the server refused the message for good.
func (c *Client) Send(ctx context.Context, p SendPayload) error {
	f, err := NewFrame(EventSendMessage, p)
	if err != nil {
		return fmt.Errorf("encode send: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.nextAck++
	f.Ack = c.nextAck
	ch := make(chan AckResult, 1)
	c.pending[f.Ack] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, f.Ack)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, conn, f); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case res, ok := <-ch:
		if !ok {
			return ErrDisconnected
		}
		if !res.OK {
			return &RejectedError{Reason: res.Error, Terminal: res.Terminal}
		}
		return nil
	case <-timer.C:
		return ErrAckTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join marks a conversation as open and announces it when connected. Open
// conversations are re-announced after every reconnect.
func (c *Client) Join(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	c.joined[conversationID] = struct{}{}
	c.mu.Unlock()
	return c.ignoreOffline(c.emitLive(ctx, EventJoinChat, ConversationPayload{ConversationID: conversationID}))
}

// Leave forgets an open conversation.
func (c *Client) Leave(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	delete(c.joined, conversationID)
	c.mu.Unlock()
	return c.ignoreOffline(c.emitLive(ctx, EventLeaveChat, ConversationPayload{ConversationID: conversationID}))
}

// NotifyTyping tells the peer the local user is typing.
func (c *Client) NotifyTyping(ctx context.Context, conversationID string) error {
	return c.emitLive(ctx, EventTyping, TypingPayload{ConversationID: conversationID, SenderID: c.cfg.UserID})
}

// NotifyStoppedTyping tells the peer the local user stopped typing.
func (c *Client) NotifyStoppedTyping(ctx context.Context, conversationID string) error {
	return c.emitLive(ctx, EventStopTyping, TypingPayload{ConversationID: conversationID, SenderID: c.cfg.UserID})
}

// MarkRead reports that the local user read the conversation.
func (c *Client) MarkRead(ctx context.Context, conversationID string, messageIDs []string) error {
	return c.emitLive(ctx, EventMarkRead, ReadPayload{ConversationID: conversationID, UserID: c.cfg.UserID, MessageIDs: messageIDs})
}

// AckDelivered reports that an inbound message reached this device.
func (c *Client) AckDelivered(ctx context.Context, conversationID, messageID string) error {
	return c.emitLive(ctx, EventMessageDelivered, DeliveredPayload{ConversationID: conversationID, MessageID: messageID})
}

func (c *Client) ignoreOffline(err error) error {
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}
