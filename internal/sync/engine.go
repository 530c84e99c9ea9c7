// Package sync is the message synchronizer: it turns send intents and
// channel events into persisted, deduplicated, status-tracked messages.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/matheus3301/dmsync/internal/bus"
	"github.com/matheus3301/dmsync/internal/channel"
	"github.com/matheus3301/dmsync/internal/chat"
	"github.com/matheus3301/dmsync/internal/cipher"
	"github.com/matheus3301/dmsync/internal/outbox"
	"github.com/matheus3301/dmsync/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrStopped is returned once the engine has been stopped.
	ErrStopped = errors.New("synchronizer stopped")
	// ErrNotRetriable is returned when retrying a message that is not failed.
	ErrNotRetriable = errors.New("message is not in failed state")
	// ErrMessageNotFound is returned for unknown message ids.
	ErrMessageNotFound = errors.New("message not found")
	// ErrInvalidRecipient is returned for a malformed recipient id or the local user.
	ErrInvalidRecipient = errors.New("invalid recipient")
	// ErrNotParticipant is returned for conversations the local user is not in.
	ErrNotParticipant = errors.New("not a participant of the conversation")

	// errLaneBusy pauses the drain while a direct send of the same
	// conversation is unresolved.
	errLaneBusy = errors.New("direct send in flight")
)

// Channel is the delivery channel as seen by the synchronizer.
type Channel interface {
	Connected() bool
	RegisterHandler(h channel.Handler)
	Send(ctx context.Context, p channel.SendPayload) error
	Join(ctx context.Context, conversationID string) error
	Leave(ctx context.Context, conversationID string) error
	NotifyTyping(ctx context.Context, conversationID string) error
	NotifyStoppedTyping(ctx context.Context, conversationID string) error
	MarkRead(ctx context.Context, conversationID string, messageIDs []string) error
	AckDelivered(ctx context.Context, conversationID, messageID string) error
}

// Uploader turns local media into durable attachments.
type Uploader interface {
	Upload(ctx context.Context, media []chat.LocalMedia) ([]chat.Attachment, error)
}

// Config configures the engine. Zero values take defaults.
type Config struct {
	UserID        string
	DisplayName   string
	SeenIDs       int
	TypingIdle    time.Duration
	TypingTTL     time.Duration
	DrainInterval time.Duration
	// ActorIdle is how long a background conversation keeps its actor
	// without activity.
	ActorIdle time.Duration
}

func (c Config) withDefaults() Config {
	if c.SeenIDs <= 0 {
		c.SeenIDs = 4096
	}
	if c.TypingIdle <= 0 {
		c.TypingIdle = 2 * time.Second
	}
	if c.TypingTTL <= 0 {
		c.TypingTTL = 6 * time.Second
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = 30 * time.Second
	}
	if c.ActorIdle <= 0 {
		c.ActorIdle = 2 * time.Minute
	}
	return c
}

// SendRequest is a user's intent to send a message.
type SendRequest struct {
	RecipientID string
	Body        string
	// Media is uploaded before the message is created.
	Media []chat.LocalMedia
	// Attachments that already have durable URLs.
	Attachments []chat.Attachment
	LinkPreview *chat.LinkPreview
	ReplyToID   string
}

// MessageView is a decrypted message with its reply target resolved.
type MessageView struct {
	chat.Message
	// ReplyTo is nil when there is no reply or the target no longer exists.
	ReplyTo *chat.Message
	// Undecryptable is set when Body is shown as received.
	Undecryptable bool
}

// ChatView is a chat index entry with its preview decrypted.
type ChatView struct {
	chat.Summary
	Peer       chat.UserSnapshot
	Preview    string
	PeerTyping bool
}

// Engine is the message synchronizer.
type Engine struct {
	cfg        Config
	db         *store.DB
	bus        *bus.Bus
	cipher     *cipher.Cipher
	ch         Channel
	uploader   Uploader
	outbox     *outbox.Queue
	reconciler *Reconciler
	logger     *zap.Logger
	now        func() time.Time

	seen   *lru.Cache
	owners *lru.Cache
	typing *typingTracker

	mu         sync.Mutex
	actors     map[string]*actor
	foreground map[string]bool
	lastStamp  int64

	ctx     context.Context
	cancel  context.CancelFunc
	workers workers
}

// NewEngine creates a new synchronizer.
func NewEngine(cfg Config, db *store.DB, b *bus.Bus, c *cipher.Cipher, ch Channel, up Uploader, q *outbox.Queue, logger *zap.Logger) *Engine {
	cfg = cfg.withDefaults()
	seen, _ := lru.New(cfg.SeenIDs)
	owners, _ := lru.New(cfg.SeenIDs)
	e := &Engine{
		cfg:        cfg,
		db:         db,
		bus:        b,
		cipher:     c,
		ch:         ch,
		uploader:   up,
		outbox:     q,
		reconciler: NewReconciler(db, q, cfg.UserID, logger),
		logger:     logger,
		now:        time.Now,
		seen:       seen,
		owners:     owners,
		typing:     newTypingTracker(cfg.TypingIdle, cfg.TypingTTL),
		actors:     make(map[string]*actor),
		foreground: make(map[string]bool),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.typing.onLocalIdle = func(conv string) {
		if err := e.ch.NotifyStoppedTyping(e.ctx, conv); err != nil {
			e.logger.Debug("stop-typing not sent", zap.String("conversation_id", conv), zap.Error(err))
		}
	}
	e.typing.onRemote = func(conv, peer string, typing bool) {
		e.bus.Emit(bus.KindTypingChanged, bus.TypingEvent{ConversationID: conv, PeerID: peer, Typing: typing})
	}
	return e
}

// Reconciler exposes sync checkpoints.
func (e *Engine) Reconciler() *Reconciler {
	return e.reconciler
}

// Start recovers interrupted sends, subscribes to the channel and starts the
// outbox worker.
func (e *Engine) Start(ctx context.Context) error {
	if _, err := e.reconciler.Recover(); err != nil {
		e.logger.Error("send recovery failed", zap.Error(err))
	}
	e.ch.RegisterHandler(e.handleChannelEvent)
	e.outbox.Start(e.ctx, e.cfg.DrainInterval, e.ch.Connected, e.dispatchQueued)
	e.workers.spawn(e.reapLoop)
	if e.ch.Connected() {
		e.outbox.Kick()
	}
	e.logger.Info("synchronizer started", zap.String("user_id", e.cfg.UserID), zap.Int("outbox", e.outbox.Len()))
	return nil
}

// Stop stops every conversation actor and the outbox worker.
func (e *Engine) Stop() {
	e.cancel()
	e.outbox.Stop()
	e.typing.stopAll()
	e.workers.stop()
}

// stamp returns a creation time in Unix milliseconds that is strictly greater
// than every earlier stamp, so local send order survives equal clock reads.
func (e *Engine) stamp() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.now().UnixMilli()
	if t <= e.lastStamp {
		t = e.lastStamp + 1
	}
	e.lastStamp = t
	return t
}

// ConversationWith returns the conversation id shared with peerID.
func (e *Engine) ConversationWith(peerID string) string {
	return chat.ConversationID(e.cfg.UserID, peerID)
}

// peerOf returns the other participant of a conversation the local user is in.
func (e *Engine) peerOf(conversationID string) (string, error) {
	self := e.cfg.UserID
	if rest, ok := strings.CutPrefix(conversationID, self+chat.Separator); ok && chat.ConversationID(self, rest) == conversationID {
		return rest, nil
	}
	if rest, ok := strings.CutSuffix(conversationID, chat.Separator+self); ok && chat.ConversationID(self, rest) == conversationID {
		return rest, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotParticipant, conversationID)
}

func sendPayload(m *chat.Message) channel.SendPayload {
	env := chat.EnvelopeFrom(m)
	p := channel.SendPayload{
		ConversationID: m.ConversationID,
		Envelope:       env,
		RecipientID:    m.RecipientID,
		Attachments:    env.Attachments,
		ReplyToID:      m.ReplyToID,
	}
	if m.LinkPreview != nil {
		p.LinkURL = m.LinkPreview.URL
	}
	return p
}

// Send validates, uploads, persists and dispatches a new message. The
// returned message is the plaintext view, normally still sending: the
// channel outcome arrives later as status events.
func (e *Engine) Send(ctx context.Context, req SendRequest) (chat.Message, error) {
	if !chat.ValidUserID(req.RecipientID) || req.RecipientID == e.cfg.UserID {
		return chat.Message{}, ErrInvalidRecipient
	}
	if strings.TrimSpace(req.Body) == "" && len(req.Media) == 0 && len(req.Attachments) == 0 {
		return chat.Message{}, chat.ErrEmptyMessage
	}

	atts := append([]chat.Attachment(nil), req.Attachments...)
	if len(req.Media) > 0 {
		uploaded, err := e.uploader.Upload(ctx, req.Media)
		if err != nil {
			e.logger.Warn("send aborted by upload failure", zap.String("recipient_id", req.RecipientID), zap.Error(err))
			return chat.Message{}, err
		}
		atts = append(atts, uploaded...)
	}

	m := chat.Message{
		ID:             uuid.NewString(),
		ConversationID: e.ConversationWith(req.RecipientID),
		SenderID:       e.cfg.UserID,
		RecipientID:    req.RecipientID,
		Body:           req.Body,
		Attachments:    atts,
		LinkPreview:    req.LinkPreview,
		ReplyToID:      req.ReplyToID,
		Status:         chat.StatusSending,
		CreatedAt:      e.stamp(),
	}

	err := e.do(ctx, m.ConversationID, func(a *actor) error {
		n, err := e.normalize(Source{Kind: SourceLocal, Message: m})
		if err != nil {
			return err
		}
		e.seen.Add(m.ID, struct{}{})
		e.owners.Add(m.ID, m.ConversationID)
		if _, err := e.db.AppendMessage(m.ConversationID, &n.Stored); err != nil {
			e.logger.Error("failed to persist outgoing message", zap.String("msg_id", m.ID), zap.Error(err))
		}
		e.touchSummary(n.Stored, false)
		e.bus.Emit(bus.KindMessageUpserted, bus.MessageEvent{Message: n.View})
		e.dispatch(a, &n.Stored)
		return nil
	})
	if err != nil {
		return chat.Message{}, err
	}
	if e.typing.stopLocal(m.ConversationID) {
		_ = e.ch.NotifyStoppedTyping(ctx, m.ConversationID)
	}
	return m, nil
}

// dispatch sends a stored message directly when the channel is up and the
// conversation has neither a direct send unresolved nor anything queued,
// else appends it to the outbox. Runs on the conversation's actor.
func (e *Engine) dispatch(a *actor, stored *chat.Message) {
	p := sendPayload(stored)
	busy := a.inflight.Load() > 0
	if busy || !e.ch.Connected() || e.outbox.HasPending(stored.ConversationID) {
		e.enqueue(p)
		if !busy && e.ch.Connected() {
			e.outbox.Kick()
		}
		return
	}
	// An actor with a send in flight is never retired, so the result lands
	// on this same actor.
	a.inflight.Add(1)
	a.lane.push(func() {
		err := e.ch.Send(e.ctx, p)
		if errors.Is(err, context.Canceled) && e.ctx.Err() != nil {
			return
		}
		e.post(a.conversationID, func(*actor) { e.onSendResult(a, p, err) })
	})
}

// enqueue queues p ordered by the message's creation time, so a direct send
// that fails after later messages were queued is replayed ahead of them.
func (e *Engine) enqueue(p channel.SendPayload) {
	raw, err := json.Marshal(p)
	if err != nil {
		e.logger.Error("failed to encode outbox payload", zap.String("msg_id", p.Envelope.ID), zap.Error(err))
		return
	}
	if err := e.outbox.EnqueueAt(p.Envelope.ID, p.ConversationID, raw, p.Envelope.CreatedAt); err != nil {
		e.logger.Error("failed to enqueue send", zap.String("msg_id", p.Envelope.ID), zap.Error(err))
	}
}

// onSendResult applies a direct send's outcome and releases the lane. Runs
// on the actor.
func (e *Engine) onSendResult(a *actor, p channel.SendPayload, err error) {
	id := p.Envelope.ID
	switch {
	case err == nil:
		e.advance(p.ConversationID, id, chat.StatusSent, false)
	case channel.IsTerminal(err):
		e.fail(p.ConversationID, id, err.Error())
	default:
		e.logger.Info("send deferred to outbox", zap.String("msg_id", id), zap.Error(err))
		e.enqueue(p)
	}
	// Queued before release, so the drain never overtakes this message.
	released := a.inflight.Add(-1) == 0
	resolved := err == nil || channel.IsTerminal(err)
	if released && resolved && e.ch.Connected() && e.outbox.HasPending(p.ConversationID) {
		e.outbox.Kick()
	}
}

// dispatchQueued is the outbox drain's dispatcher.
func (e *Engine) dispatchQueued(ctx context.Context, entry store.OutboxEntry) error {
	var p channel.SendPayload
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		e.logger.Error("dropping undecodable outbox entry", zap.String("msg_id", entry.MessageID), zap.Error(err))
		return nil
	}
	m, err := e.db.GetMessage(entry.ConversationID, entry.MessageID)
	if err == nil && (m == nil || m.Status != chat.StatusSending) {
		// Deleted, failed or already acknowledged.
		return nil
	}
	if e.laneBusy(entry.ConversationID) {
		return errLaneBusy
	}
	if head := e.outbox.Head(entry.ConversationID); head != "" && head != entry.MessageID {
		return outbox.ErrReorder
	}

	err = e.ch.Send(ctx, p)
	switch {
	case err == nil:
		e.post(entry.ConversationID, func(*actor) { e.advance(entry.ConversationID, entry.MessageID, chat.StatusSent, false) })
		e.reconciler.UpdateCheckpoint(CheckpointLastDrain, e.now())
	case channel.IsTerminal(err):
		e.post(entry.ConversationID, func(*actor) { e.fail(entry.ConversationID, entry.MessageID, err.Error()) })
	}
	return err
}

// advance moves a message forward. Runs on the actor. It reports whether the
// status changed.
func (e *Engine) advance(conversationID, messageID string, to chat.Status, retry bool) bool {
	changed, err := e.db.UpdateMessage(conversationID, messageID, func(m *chat.Message) bool {
		if !chat.CanAdvance(m.Status, to, retry) {
			return false
		}
		m.Status = to
		return true
	})
	if err != nil {
		e.logger.Error("failed to update status", zap.String("msg_id", messageID), zap.String("status", string(to)), zap.Error(err))
		return false
	}
	if changed {
		e.bus.Emit(bus.KindMessageStatus, bus.StatusEvent{ConversationID: conversationID, MessageID: messageID, Status: to})
	}
	return changed
}

// fail marks a message failed after a terminal rejection. Runs on the actor.
func (e *Engine) fail(conversationID, messageID, reason string) {
	if err := e.outbox.Remove(messageID); err != nil {
		e.logger.Warn("failed to drop outbox entry", zap.String("msg_id", messageID), zap.Error(err))
	}
	if e.advance(conversationID, messageID, chat.StatusFailed, false) {
		e.logger.Warn("message rejected", zap.String("msg_id", messageID), zap.String("reason", reason))
		e.bus.Emit(bus.KindSendFailed, bus.SendFailedEvent{ConversationID: conversationID, MessageID: messageID, Reason: reason})
	}
}

// touchSummary recomputes the chat index entry from a message write.
func (e *Engine) touchSummary(stored chat.Message, unread bool) {
	peer := stored.Peer(e.cfg.UserID)
	participants := []chat.UserSnapshot{{ID: e.cfg.UserID, Name: e.cfg.DisplayName}, e.peerSnapshot(peer)}
	var out chat.Summary
	err := e.db.MutateChatSummary(e.cfg.UserID, stored.ConversationID, func(s *chat.Summary, _ bool) bool {
		s.Participants = participants
		s.LastMessagePreview = stored.Body
		s.UpdatedAt = stored.CreatedAt
		if unread {
			s.UnreadCount++
		}
		out = *s
		return true
	})
	if err != nil {
		e.logger.Error("failed to update chat index", zap.String("conversation_id", stored.ConversationID), zap.Error(err))
		return
	}
	out.ConversationID = stored.ConversationID
	e.bus.Emit(bus.KindChatUpdated, bus.ChatEvent{Summary: out})
}

func (e *Engine) peerSnapshot(id string) chat.UserSnapshot {
	p, err := e.db.GetPeer(id)
	if err != nil || p == nil {
		return chat.UserSnapshot{ID: id}
	}
	return *p
}

// RememberPeer caches a peer's display data for chat index entries.
func (e *Engine) RememberPeer(u chat.UserSnapshot) error {
	if u.ID == "" {
		return ErrInvalidRecipient
	}
	return e.db.UpsertPeer(u)
}

func (e *Engine) isForeground(conversationID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.foreground[conversationID]
}

// handleChannelEvent runs on the channel's read goroutine and only hands
// work to actors.
func (e *Engine) handleChannelEvent(evt channel.Event) {
	switch ev := evt.(type) {
	case channel.MessageReceived:
		conv, ok := e.envelopeConversation(ev.Envelope)
		if !ok {
			e.logger.Warn("dropping envelope", zap.String("msg_id", ev.Envelope.ID),
				zap.String("sender", ev.Envelope.Sender), zap.String("recipient", ev.Envelope.Recipient))
			return
		}
		e.post(conv, func(*actor) { e.receive(ev.Envelope) })
	case channel.DeliveryAck:
		if conv, ok := e.conversationOf(ev.ConversationID, ev.MessageID); ok {
			e.post(conv, func(*actor) { e.advance(conv, ev.MessageID, chat.StatusDelivered, false) })
		}
	case channel.ReadAck:
		if !e.participates(ev.ConversationID) {
			return
		}
		e.post(ev.ConversationID, func(*actor) { e.applyRead(ev) })
	case channel.SendFailed:
		conv, ok := e.conversationOf(ev.ConversationID, ev.MessageID)
		if !ok {
			return
		}
		e.post(conv, func(*actor) { e.onAsyncFailure(conv, ev) })
	case channel.TypingChanged:
		if ev.PeerID != e.cfg.UserID && e.participates(ev.ConversationID) {
			e.typing.setRemote(ev.ConversationID, ev.PeerID, ev.Typing)
		}
	case channel.ConnectivityChanged:
		if ev.Connected {
			e.reconciler.UpdateCheckpoint(CheckpointLastConnected, e.now())
			e.outbox.Kick()
		} else {
			e.typing.clearRemote()
		}
	}
}

// participates reports whether conversationID is one the local user is in.
func (e *Engine) participates(conversationID string) bool {
	peer, err := e.peerOf(conversationID)
	return err == nil && chat.ValidUserID(peer)
}

// envelopeConversation returns the conversation of an inbound envelope, or
// false when it is malformed or does not involve the local user.
func (e *Engine) envelopeConversation(env chat.Envelope) (string, bool) {
	if env.ID == "" || !chat.ValidUserID(env.Sender) || !chat.ValidUserID(env.Recipient) || env.Sender == env.Recipient {
		return "", false
	}
	if env.Sender != e.cfg.UserID && env.Recipient != e.cfg.UserID {
		return "", false
	}
	return chat.ConversationID(env.Sender, env.Recipient), true
}

// conversationOf resolves the conversation of an ack that may omit it.
func (e *Engine) conversationOf(conversationID, messageID string) (string, bool) {
	if conversationID != "" {
		return conversationID, e.participates(conversationID)
	}
	if v, ok := e.owners.Get(messageID); ok {
		return v.(string), true
	}
	e.logger.Debug("ack for unknown message", zap.String("msg_id", messageID))
	return "", false
}

// receive handles an inbound envelope. Runs on the actor.
func (e *Engine) receive(env chat.Envelope) {
	if seen, _ := e.seen.ContainsOrAdd(env.ID, struct{}{}); seen {
		e.logger.Debug("duplicate envelope dropped", zap.String("msg_id", env.ID))
		return
	}
	n, err := e.normalize(Source{Kind: SourceRemote, Envelope: env})
	if err != nil {
		e.seen.Remove(env.ID)
		e.logger.Warn("dropping inbound envelope", zap.String("msg_id", env.ID), zap.Error(err))
		return
	}
	conv := n.Stored.ConversationID
	e.owners.Add(env.ID, conv)
	if !n.Plausible {
		e.logger.Warn("inbound body could not be decrypted", zap.String("msg_id", env.ID))
	}

	inbound := n.Stored.SenderID != e.cfg.UserID
	added, err := e.db.AppendMessage(conv, &n.Stored)
	if err != nil {
		e.logger.Error("failed to persist inbound message", zap.String("msg_id", env.ID), zap.Error(err))
		added = true
	}
	if !added {
		// Already stored: an echo of our own send confirms it was accepted.
		if !inbound {
			e.advance(conv, env.ID, chat.StatusSent, false)
		}
		return
	}

	foreground := e.isForeground(conv)
	e.touchSummary(n.Stored, inbound && !foreground)
	e.bus.Emit(bus.KindMessageUpserted, bus.MessageEvent{Message: n.View})
	if !inbound {
		return
	}

	e.typing.setRemote(conv, n.Stored.SenderID, false)
	if err := e.ch.AckDelivered(e.ctx, conv, env.ID); err != nil {
		e.logger.Debug("delivery ack not sent", zap.String("msg_id", env.ID), zap.Error(err))
	}
	if foreground {
		e.markRead(conv, []string{env.ID})
	}
}

// markRead marks inbound messages read locally and tells the peer. Runs on
// the actor.
func (e *Engine) markRead(conversationID string, ids []string) {
	var changed []string
	for _, id := range ids {
		if e.advance(conversationID, id, chat.StatusRead, false) {
			changed = append(changed, id)
		}
	}
	if len(changed) == 0 {
		return
	}
	if err := e.ch.MarkRead(e.ctx, conversationID, changed); err != nil {
		e.logger.Debug("read receipt not sent", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

// applyRead handles a read receipt. Runs on the actor.
func (e *Engine) applyRead(ev channel.ReadAck) {
	msgs, err := e.db.LoadMessages(ev.ConversationID)
	if err != nil {
		e.logger.Error("failed to load conversation", zap.String("conversation_id", ev.ConversationID), zap.Error(err))
		return
	}
	wanted := make(map[string]bool, len(ev.MessageIDs))
	for _, id := range ev.MessageIDs {
		wanted[id] = true
	}
	// Our own device read the peer's messages; otherwise the peer read ours.
	ownDevice := ev.ReaderID == e.cfg.UserID
	for _, m := range msgs {
		if (m.SenderID == e.cfg.UserID) == ownDevice {
			continue
		}
		if len(wanted) > 0 && !wanted[m.ID] {
			continue
		}
		e.advance(ev.ConversationID, m.ID, chat.StatusRead, false)
	}
	if ownDevice {
		e.resetUnread(ev.ConversationID)
	}
}

func (e *Engine) resetUnread(conversationID string) {
	var out chat.Summary
	err := e.db.MutateChatSummary(e.cfg.UserID, conversationID, func(s *chat.Summary, found bool) bool {
		if !found || s.UnreadCount == 0 {
			return false
		}
		s.UnreadCount = 0
		out = *s
		return true
	})
	if err != nil {
		e.logger.Warn("failed to reset unread count", zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	if out.ConversationID != "" {
		e.bus.Emit(bus.KindChatUpdated, bus.ChatEvent{Summary: out})
	}
}

// onAsyncFailure handles a "message-error" event. Runs on the actor.
func (e *Engine) onAsyncFailure(conversationID string, ev channel.SendFailed) {
	if ev.Terminal {
		e.fail(conversationID, ev.MessageID, ev.Reason)
		return
	}
	m, err := e.db.GetMessage(conversationID, ev.MessageID)
	if err != nil || m == nil || m.Status != chat.StatusSending {
		return
	}
	e.logger.Info("server deferred message, requeueing", zap.String("msg_id", ev.MessageID), zap.String("reason", ev.Reason))
	e.enqueue(sendPayload(m))
}

// Retry re-sends a failed message under the same id.
func (e *Engine) Retry(ctx context.Context, conversationID, messageID string) error {
	if _, err := e.peerOf(conversationID); err != nil {
		return err
	}
	return e.do(ctx, conversationID, func(a *actor) error {
		m, err := e.db.GetMessage(conversationID, messageID)
		if err != nil {
			return fmt.Errorf("load message: %w", err)
		}
		if m == nil {
			return ErrMessageNotFound
		}
		if m.SenderID != e.cfg.UserID || !e.advance(conversationID, messageID, chat.StatusSending, true) {
			return ErrNotRetriable
		}
		m.Status = chat.StatusSending
		e.dispatch(a, m)
		return nil
	})
}

// DeleteMessage removes a message from the local store only.
func (e *Engine) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	if _, err := e.peerOf(conversationID); err != nil {
		return err
	}
	return e.do(ctx, conversationID, func(*actor) error {
		deleted, err := e.db.DeleteMessage(conversationID, messageID)
		if err != nil {
			return err
		}
		if !deleted {
			return ErrMessageNotFound
		}
		if err := e.outbox.Remove(messageID); err != nil {
			e.logger.Warn("failed to drop outbox entry", zap.String("msg_id", messageID), zap.Error(err))
		}
		e.bus.Emit(bus.KindMessageDeleted, bus.DeletedEvent{ConversationID: conversationID, MessageID: messageID})
		e.refreshPreview(conversationID)
		return nil
	})
}

// refreshPreview points the summary at the latest remaining message.
func (e *Engine) refreshPreview(conversationID string) {
	msgs, err := e.db.LoadMessages(conversationID)
	if err != nil {
		return
	}
	var out chat.Summary
	err = e.db.MutateChatSummary(e.cfg.UserID, conversationID, func(s *chat.Summary, found bool) bool {
		if !found {
			return false
		}
		s.LastMessagePreview = ""
		if len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			s.LastMessagePreview = last.Body
			s.UpdatedAt = last.CreatedAt
		}
		out = *s
		return true
	})
	if err == nil && out.ConversationID != "" {
		e.bus.Emit(bus.KindChatUpdated, bus.ChatEvent{Summary: out})
	}
}

// DeleteChat removes a conversation, its chat index entry and its queued
// sends from this device.
func (e *Engine) DeleteChat(ctx context.Context, conversationID string) error {
	if _, err := e.peerOf(conversationID); err != nil {
		return err
	}
	err := e.do(ctx, conversationID, func(*actor) error {
		if err := e.outbox.RemoveConversation(conversationID); err != nil {
			return err
		}
		if err := e.db.DeleteConversation(conversationID); err != nil {
			return err
		}
		if _, err := e.db.DeleteChatSummary(e.cfg.UserID, conversationID); err != nil {
			return err
		}
		e.bus.Emit(bus.KindChatDeleted, bus.DeletedEvent{ConversationID: conversationID})
		return nil
	})
	if err != nil {
		return err
	}
	return e.CloseConversation(ctx, conversationID)
}

// OpenConversation brings a conversation to the foreground: it joins the
// channel room, marks inbound messages read and returns the message views.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) ([]MessageView, error) {
	if _, err := e.peerOf(conversationID); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.foreground[conversationID] = true
	e.mu.Unlock()

	if err := e.ch.Join(ctx, conversationID); err != nil {
		e.logger.Debug("join-chat not sent", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	err := e.do(ctx, conversationID, func(*actor) error {
		msgs, err := e.db.LoadMessages(conversationID)
		if err != nil {
			return err
		}
		var unread []string
		for _, m := range msgs {
			if m.SenderID != e.cfg.UserID && chat.CanAdvance(m.Status, chat.StatusRead, false) {
				unread = append(unread, m.ID)
			}
		}
		e.markRead(conversationID, unread)
		e.resetUnread(conversationID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e.Conversation(conversationID)
}

// CloseConversation sends a conversation to the background.
func (e *Engine) CloseConversation(ctx context.Context, conversationID string) error {
	e.mu.Lock()
	delete(e.foreground, conversationID)
	e.mu.Unlock()
	if e.typing.stopLocal(conversationID) {
		_ = e.ch.NotifyStoppedTyping(ctx, conversationID)
	}
	return e.ch.Leave(ctx, conversationID)
}

// Conversation returns decrypted message views in insertion order.
func (e *Engine) Conversation(conversationID string) ([]MessageView, error) {
	msgs, err := e.db.LoadMessages(conversationID)
	if err != nil {
		return nil, err
	}
	views := make([]MessageView, 0, len(msgs))
	byID := make(map[string]int, len(msgs))
	for _, m := range msgs {
		n, _ := e.normalize(Source{Kind: SourceCache, Message: m})
		byID[m.ID] = len(views)
		views = append(views, MessageView{Message: n.View, Undecryptable: !n.Plausible})
	}
	for i := range views {
		if j, ok := byID[views[i].ReplyToID]; ok && views[i].ReplyToID != "" {
			target := views[j].Message
			views[i].ReplyTo = &target
		}
	}
	return views, nil
}

// ReplyTarget looks up the message a reply points at. A miss is normal.
func (e *Engine) ReplyTarget(conversationID, messageID string) (*chat.Message, bool) {
	if messageID == "" {
		return nil, false
	}
	m, err := e.db.GetMessage(conversationID, messageID)
	if err != nil || m == nil {
		return nil, false
	}
	n, _ := e.normalize(Source{Kind: SourceCache, Message: *m})
	return &n.View, true
}

// Chats returns the chat index, most recent first, with previews decrypted.
func (e *Engine) Chats() ([]ChatView, error) {
	list, err := e.db.ListChatSummaries(e.cfg.UserID)
	if err != nil {
		return nil, err
	}
	views := make([]ChatView, 0, len(list))
	for _, s := range list {
		v := ChatView{Summary: s, Preview: s.LastMessagePreview}
		for _, p := range s.Participants {
			if p.ID != e.cfg.UserID {
				v.Peer = p
			}
		}
		if v.Peer.ID == "" {
			if peer, err := e.peerOf(s.ConversationID); err == nil {
				v.Peer = chat.UserSnapshot{ID: peer}
			}
		}
		if cached := e.peerSnapshot(v.Peer.ID); cached.Name != "" {
			v.Peer = cached
		}
		if s.LastMessagePreview != "" {
			v.Preview = e.cipher.Decrypt(s.LastMessagePreview, e.cfg.UserID, v.Peer.ID)
		}
		v.PeerTyping = e.typing.remoteTyping(s.ConversationID)
		views = append(views, v)
	}
	return views, nil
}

// Typing records local input; the first keystroke of a burst emits
// "typing" and inactivity emits "stop-typing".
func (e *Engine) Typing(ctx context.Context, conversationID string) error {
	if _, err := e.peerOf(conversationID); err != nil {
		return err
	}
	if e.typing.extendLocal(conversationID) {
		return nil
	}
	// The burst starts only once the peer has been told.
	if err := e.ch.NotifyTyping(ctx, conversationID); err != nil {
		if errors.Is(err, channel.ErrNotConnected) {
			return nil
		}
		return err
	}
	e.typing.touchLocal(conversationID)
	return nil
}

// StopTyping ends local typing immediately.
func (e *Engine) StopTyping(ctx context.Context, conversationID string) error {
	if !e.typing.stopLocal(conversationID) {
		return nil
	}
	if err := e.ch.NotifyStoppedTyping(ctx, conversationID); err != nil && !errors.Is(err, channel.ErrNotConnected) {
		return err
	}
	return nil
}

// IsPeerTyping reports whether the peer is currently typing.
func (e *Engine) IsPeerTyping(conversationID string) bool {
	return e.typing.remoteTyping(conversationID)
}

// DrainOutbox replays queued sends now.
func (e *Engine) DrainOutbox(ctx context.Context) (outbox.DrainResult, error) {
	if !e.ch.Connected() {
		return outbox.DrainResult{Remaining: e.outbox.Len()}, channel.ErrNotConnected
	}
	return e.outbox.Drain(ctx, e.dispatchQueued)
}

// OutboxLen returns the number of queued sends.
func (e *Engine) OutboxLen() int {
	return e.outbox.Len()
}

// Checkpoint returns a sync checkpoint, zero when unset.
func (e *Engine) Checkpoint(key string) time.Time {
	return e.reconciler.Checkpoint(key)
}

// UserID returns the local account id.
func (e *Engine) UserID() string {
	return e.cfg.UserID
}
