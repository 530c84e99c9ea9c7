package relay

import (
	"strings"
	"sync"

	"github.com/matheus3301/dmsync/internal/channel"
	"github.com/matheus3301/dmsync/internal/chat"
	"golang.org/x/time/rate"
)

// peer is one authenticated socket. Frames are written by a single
// goroutine draining out.
type peer struct {
	userID  string
	out     chan channel.Frame
	done    chan struct{}
	limiter *rate.Limiter
	once    sync.Once
}

func newPeer(userID string, buffer int, limiter *rate.Limiter) *peer {
	return &peer{
		userID:  userID,
		out:     make(chan channel.Frame, buffer),
		done:    make(chan struct{}),
		limiter: limiter,
	}
}

// push queues f for writing. It reports false when the peer is gone or its
// buffer is full.
func (p *peer) push(f channel.Frame) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.out <- f:
		return true
	case <-p.done:
		return false
	default:
		return false
	}
}

func (p *peer) close() {
	p.once.Do(func() { close(p.done) })
}

// Hub tracks the sockets of every connected user and holds frames for users
// with none.
type Hub struct {
	mu         sync.Mutex
	sockets    map[string]map[*peer]struct{}
	pending    map[string][]channel.Frame
	maxPending int
}

// NewHub creates a hub keeping at most maxPending frames per offline user.
func NewHub(maxPending int) *Hub {
	return &Hub{
		sockets:    make(map[string]map[*peer]struct{}),
		pending:    make(map[string][]channel.Frame),
		maxPending: maxPending,
	}
}

// attach registers p and returns the frames queued for its user.
func (h *Hub) attach(p *peer) []channel.Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.sockets[p.userID]
	if !ok {
		set = make(map[*peer]struct{})
		h.sockets[p.userID] = set
	}
	set[p] = struct{}{}
	queued := h.pending[p.userID]
	delete(h.pending, p.userID)
	return queued
}

// detach unregisters p. Durable frames it never wrote (unsent first, then
// whatever is left in its buffer) are held for replay when the user has no
// other socket.
func (h *Hub) detach(p *peer, unsent []channel.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p.close()
	if set, ok := h.sockets[p.userID]; ok {
		delete(set, p)
		if len(set) == 0 {
			delete(h.sockets, p.userID)
		}
	}
	left := append([]channel.Frame(nil), unsent...)
buffered:
	for {
		select {
		case f := <-p.out:
			left = append(left, f)
		default:
			break buffered
		}
	}
	if len(h.sockets[p.userID]) > 0 {
		return
	}
	var keep []channel.Frame
	for _, f := range left {
		if durable(f) {
			keep = append(keep, f)
		}
	}
	if len(keep) > 0 {
		h.queueLocked(p.userID, append(keep, h.pending[p.userID]...))
	}
}

// durable reports whether f must survive the recipient being offline.
func durable(f channel.Frame) bool {
	switch f.Event {
	case channel.EventNewMessage, channel.EventMessageDelivered, channel.EventMessagesRead:
		return true
	}
	return false
}

func (h *Hub) queueLocked(userID string, q []channel.Frame) {
	if h.maxPending > 0 && len(q) > h.maxPending {
		q = q[len(q)-h.maxPending:]
	}
	h.pending[userID] = q
}

// deliver pushes f to every socket of userID except skip and reports how
// many accepted it.
func (h *Hub) deliver(userID string, f channel.Frame, skip *peer) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for p := range h.sockets[userID] {
		if p != skip && p.push(f) {
			n++
		}
	}
	return n
}

// deliverOrQueue delivers f to userID, holding it for replay when no socket
// accepts it. It reports whether the frame went out live.
func (h *Hub) deliverOrQueue(userID string, f channel.Frame) bool {
	if h.deliver(userID, f, nil) > 0 {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queueLocked(userID, append(h.pending[userID], f))
	return false
}

// Online reports whether userID has at least one socket.
func (h *Hub) Online(userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sockets[userID]) > 0
}

// Sockets returns the number of sockets userID has open.
func (h *Hub) Sockets(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sockets[userID])
}

// Pending returns the number of frames held for userID.
func (h *Hub) Pending(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending[userID])
}

// counterpart returns the other participant of conversationID, or false when
// self is not one of its participants.
func counterpart(conversationID, self string) (string, bool) {
	var other string
	switch {
	case strings.HasPrefix(conversationID, self+chat.Separator):
		other = strings.TrimPrefix(conversationID, self+chat.Separator)
	case strings.HasSuffix(conversationID, chat.Separator+self):
		other = strings.TrimSuffix(conversationID, chat.Separator+self)
	default:
		return "", false
	}
	if other == "" || chat.ConversationID(self, other) != conversationID {
		return "", false
	}
	return other, true
}
