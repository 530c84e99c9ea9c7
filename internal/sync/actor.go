package sync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// workers starts goroutines until it is stopped, then waits for them.
type workers struct {
	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// spawn runs fn on a new goroutine. It reports false after stop.
func (w *workers) spawn(fn func()) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return false
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
	return true
}

func (w *workers) stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	w.wg.Wait()
}

// fifo is an unbounded job queue. A goroutine runs only while jobs are
// queued, so an idle queue costs nothing. Posting never blocks, so a channel
// read goroutine can hand work to an actor that is itself waiting on the
// channel.
type fifo struct {
	ctx     context.Context
	workers *workers

	mu      sync.Mutex
	jobs    []func()
	running bool
	retired bool
}

func newFIFO(ctx context.Context, w *workers) *fifo {
	return &fifo{ctx: ctx, workers: w}
}

// push queues job. It reports false once the queue is retired; jobs pushed
// after the engine stopped are dropped.
func (q *fifo) push(job func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.retired {
		return false
	}
	if q.ctx.Err() != nil {
		return true
	}
	q.jobs = append(q.jobs, job)
	if !q.running {
		q.running = q.workers.spawn(q.drain)
	}
	return true
}

func (q *fifo) next() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 || q.ctx.Err() != nil {
		q.jobs = nil
		q.running = false
		return nil, false
	}
	job := q.jobs[0]
	q.jobs[0] = nil
	q.jobs = q.jobs[1:]
	return job, true
}

func (q *fifo) drain() {
	for {
		job, ok := q.next()
		if !ok {
			return
		}
		job()
	}
}

// idleLocked reports whether nothing is queued or running. q.mu must be held.
func (q *fifo) idleLocked() bool {
	return !q.running && len(q.jobs) == 0
}

// actor serializes everything that touches one conversation. The inbox owns
// store mutations; the lane performs direct channel sends in send order so
// waiting for an ack never stalls inbound processing.
type actor struct {
	conversationID string
	inbox          *fifo
	lane           *fifo

	// inflight counts direct sends pushed to the lane and not yet resolved.
	inflight atomic.Int32
	lastUsed atomic.Int64
}

func newActor(ctx context.Context, w *workers, conversationID string) *actor {
	return &actor{conversationID: conversationID, inbox: newFIFO(ctx, w), lane: newFIFO(ctx, w)}
}

// retire makes the actor refuse further work when it has been idle since
// before cutoff (Unix nanoseconds).
func (a *actor) retire(cutoff int64) bool {
	if a.inflight.Load() > 0 || a.lastUsed.Load() > cutoff {
		return false
	}
	a.inbox.mu.Lock()
	defer a.inbox.mu.Unlock()
	a.lane.mu.Lock()
	defer a.lane.mu.Unlock()
	if !a.inbox.idleLocked() || !a.lane.idleLocked() {
		return false
	}
	a.inbox.retired = true
	a.lane.retired = true
	return true
}

func (e *Engine) actorFor(conversationID string) *actor {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.actors[conversationID]
	if !ok {
		a = newActor(e.ctx, &e.workers, conversationID)
		e.actors[conversationID] = a
	}
	return a
}

// post schedules fn on the conversation's actor without waiting.
func (e *Engine) post(conversationID string, fn func(a *actor)) {
	for {
		a := e.actorFor(conversationID)
		a.lastUsed.Store(e.now().UnixNano())
		if a.inbox.push(func() { fn(a) }) {
			return
		}
		// Retired between lookup and push; the next lookup creates a fresh actor.
	}
}

// do runs fn on the conversation's actor and waits for it.
func (e *Engine) do(ctx context.Context, conversationID string, fn func(a *actor) error) error {
	done := make(chan error, 1)
	e.post(conversationID, func(a *actor) { done <- fn(a) })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return ErrStopped
	}
}

// laneBusy reports whether a direct send is unresolved in the conversation.
func (e *Engine) laneBusy(conversationID string) bool {
	e.mu.Lock()
	a := e.actors[conversationID]
	e.mu.Unlock()
	return a != nil && a.inflight.Load() > 0
}

// reapIdle drops the actors of background conversations idle since before
// cutoff and reports how many it dropped.
func (e *Engine) reapIdle(cutoff time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for conv, a := range e.actors {
		if e.foreground[conv] {
			continue
		}
		if a.retire(cutoff.UnixNano()) {
			delete(e.actors, conv)
			n++
		}
	}
	return n
}

func (e *Engine) reapLoop() {
	t := time.NewTicker(e.cfg.ActorIdle)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if n := e.reapIdle(e.now().Add(-e.cfg.ActorIdle)); n > 0 {
				e.logger.Debug("reaped idle conversation actors", zap.Int("count", n))
			}
		case <-e.ctx.Done():
			return
		}
	}
}
