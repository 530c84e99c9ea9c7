package sync

import (
	"sync"
	"time"
)

type typingKey struct {
	conversationID string
	peerID         string
}

type typingTimer struct {
	timer *time.Timer
	gen   uint64
}

// typingTracker holds the ephemeral typing state: a debounce per locally
// typed conversation and a bounded-lifetime flag per typing peer.
type typingTracker struct {
	idle time.Duration
	ttl  time.Duration

	// onLocalIdle fires when local input went quiet for idle.
	onLocalIdle func(conversationID string)
	// onRemote fires on every change of a peer's flag.
	onRemote func(conversationID, peerID string, typing bool)

	mu     sync.Mutex
	gen    uint64
	local  map[string]typingTimer
	remote map[typingKey]typingTimer
}

func newTypingTracker(idle, ttl time.Duration) *typingTracker {
	return &typingTracker{
		idle:        idle,
		ttl:         ttl,
		onLocalIdle: func(string) {},
		onRemote:    func(string, string, bool) {},
		local:       make(map[string]typingTimer),
		remote:      make(map[typingKey]typingTimer),
	}
}

// touchLocal records a keystroke. It reports whether this started a typing
// burst (the caller then emits "typing").
func (t *typingTracker) touchLocal(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, active := t.local[conversationID]
	t.armLocalLocked(conversationID)
	return !active
}

// extendLocal restarts the idle timer of an active burst. It reports false
// when no burst is active.
func (t *typingTracker) extendLocal(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, active := t.local[conversationID]; !active {
		return false
	}
	t.armLocalLocked(conversationID)
	return true
}

func (t *typingTracker) armLocalLocked(conversationID string) {
	if prev, ok := t.local[conversationID]; ok {
		prev.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.local[conversationID] = typingTimer{gen: gen, timer: time.AfterFunc(t.idle, func() {
		if t.expireLocal(conversationID, gen) {
			t.onLocalIdle(conversationID)
		}
	})}
}

func (t *typingTracker) expireLocal(conversationID string, gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.local[conversationID]
	if !ok || cur.gen != gen {
		return false
	}
	delete(t.local, conversationID)
	return true
}

// stopLocal ends a typing burst early. It reports whether one was active.
func (t *typingTracker) stopLocal(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.local[conversationID]
	if !ok {
		return false
	}
	cur.timer.Stop()
	delete(t.local, conversationID)
	return true
}

// setRemote applies a peer typing event. A true flag clears itself after ttl
// even if the stop event is lost.
func (t *typingTracker) setRemote(conversationID, peerID string, typing bool) {
	key := typingKey{conversationID, peerID}
	t.mu.Lock()
	cur, active := t.remote[key]
	if active {
		cur.timer.Stop()
		delete(t.remote, key)
	}
	if typing {
		t.gen++
		gen := t.gen
		t.remote[key] = typingTimer{gen: gen, timer: time.AfterFunc(t.ttl, func() {
			if t.expireRemote(key, gen) {
				t.onRemote(key.conversationID, key.peerID, false)
			}
		})}
	}
	t.mu.Unlock()

	if typing != active {
		t.onRemote(conversationID, peerID, typing)
	}
}

func (t *typingTracker) expireRemote(key typingKey, gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.remote[key]
	if !ok || cur.gen != gen {
		return false
	}
	delete(t.remote, key)
	return true
}

// remoteTyping reports whether any peer is typing in the conversation.
func (t *typingTracker) remoteTyping(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.remote {
		if key.conversationID == conversationID {
			return true
		}
	}
	return false
}

// clearRemote drops every peer flag, e.g. when the channel goes down.
func (t *typingTracker) clearRemote() {
	t.mu.Lock()
	cleared := make([]typingKey, 0, len(t.remote))
	for key, cur := range t.remote {
		cur.timer.Stop()
		cleared = append(cleared, key)
	}
	t.remote = make(map[typingKey]typingTimer)
	t.mu.Unlock()

	for _, key := range cleared {
		t.onRemote(key.conversationID, key.peerID, false)
	}
}

func (t *typingTracker) stopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, cur := range t.local {
		cur.timer.Stop()
	}
	for _, cur := range t.remote {
		cur.timer.Stop()
	}
	t.local = make(map[string]typingTimer)
	t.remote = make(map[typingKey]typingTimer)
}
