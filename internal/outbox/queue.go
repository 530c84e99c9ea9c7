// Package outbox is the durable queue of sends that could not be dispatched
// when they were made.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/dmsync/internal/bus"
	"github.com/matheus3301/dmsync/internal/channel"
	"github.com/matheus3301/dmsync/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrReorder is returned by a DispatchFunc when an earlier entry of the same
// conversation was queued after the drain read the queue. The drain re-reads
// the queue without recording an attempt.
var ErrReorder = errors.New("outbox reordered")

// DispatchFunc attempts one queued send. A nil error means the server
// acknowledged it; a terminal channel rejection drops the entry; any other
// error keeps it queued.
type DispatchFunc func(ctx context.Context, entry store.OutboxEntry) error

// DrainResult summarizes one drain.
type DrainResult struct {
	Sent      int
	Rejected  int
	Remaining int
}

// Queue persists pending sends in the store's outbox table and replays them
// in creation order.
type Queue struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	group  singleflight.Group

	kick   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an outbox queue.
func New(db *store.DB, b *bus.Bus, logger *zap.Logger) *Queue {
	return &Queue{
		db:     db,
		bus:    b,
		logger: logger,
		kick:   make(chan struct{}, 1),
	}
}

// Enqueue stores a pending send behind everything already queued. Enqueueing
// an id twice keeps the first entry.
func (q *Queue) Enqueue(messageID, conversationID string, payload []byte) error {
	return q.EnqueueAt(messageID, conversationID, payload, 0)
}

// EnqueueAt stores a pending send replayed in createdAt (Unix ms) order.
func (q *Queue) EnqueueAt(messageID, conversationID string, payload []byte, createdAt int64) error {
	added, err := q.db.EnqueueOutbox(messageID, conversationID, payload, createdAt)
	if err != nil {
		return err
	}
	if added {
		q.logger.Debug("outbox enqueued", zap.String("msg_id", messageID), zap.String("conversation_id", conversationID))
	}
	return nil
}

// Remove abandons a pending send.
func (q *Queue) Remove(messageID string) error {
	_, err := q.db.RemoveOutbox(messageID)
	return err
}

// RemoveConversation abandons every pending send of a conversation.
func (q *Queue) RemoveConversation(conversationID string) error {
	_, err := q.db.RemoveOutboxFor(conversationID)
	return err
}

// Pending returns queued sends in replay order.
func (q *Queue) Pending() ([]store.OutboxEntry, error) {
	return q.db.PendingOutbox()
}

// Len returns the number of queued sends (0 on read errors).
func (q *Queue) Len() int {
	n, err := q.db.OutboxLen()
	if err != nil {
		q.logger.Warn("outbox length", zap.Error(err))
		return 0
	}
	return n
}

// HasPending reports whether a conversation has queued sends.
func (q *Queue) HasPending(conversationID string) bool {
	ok, err := q.db.OutboxPendingFor(conversationID)
	if err != nil {
		q.logger.Warn("outbox lookup", zap.String("conversation_id", conversationID), zap.Error(err))
		return false
	}
	return ok
}

// Head returns the id replayed first for a conversation, "" when none.
func (q *Queue) Head(conversationID string) string {
	id, err := q.db.OutboxHead(conversationID)
	if err != nil {
		q.logger.Warn("outbox head", zap.String("conversation_id", conversationID), zap.Error(err))
		return ""
	}
	return id
}

// Contains reports whether messageID is queued.
func (q *Queue) Contains(messageID string) bool {
	ok, err := q.db.OutboxHas(messageID)
	return err == nil && ok
}

// Drain replays queued sends in order until the queue is empty or a send
// fails transiently. Concurrent calls share one run.
func (q *Queue) Drain(ctx context.Context, dispatch DispatchFunc) (DrainResult, error) {
	v, err, _ := q.group.Do("drain", func() (any, error) {
		return q.drain(ctx, dispatch)
	})
	res, _ := v.(DrainResult)
	return res, err
}

func (q *Queue) drain(ctx context.Context, dispatch DispatchFunc) (DrainResult, error) {
	var res DrainResult
	defer func() {
		res.Remaining = q.Len()
		if res.Sent+res.Rejected > 0 {
			q.bus.Emit(bus.KindOutboxDrained, bus.DrainEvent{Sent: res.Sent, Rejected: res.Rejected, Remaining: res.Remaining})
		}
	}()

	// Entries enqueued while a batch is in flight are picked up by the next pass.
pass:
	for {
		pending, err := q.db.PendingOutbox()
		if err != nil {
			return res, fmt.Errorf("read outbox: %w", err)
		}
		if len(pending) == 0 {
			return res, nil
		}
		for _, entry := range pending {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			err := dispatch(ctx, entry)
			switch {
			case err == nil:
				res.Sent++
			case errors.Is(err, ErrReorder):
				q.logger.Debug("outbox reordered, rereading", zap.String("msg_id", entry.MessageID))
				continue pass
			case channel.IsTerminal(err):
				res.Rejected++
				q.logger.Warn("outbox entry rejected", zap.String("msg_id", entry.MessageID), zap.Error(err))
			default:
				if merr := q.db.MarkOutboxAttempt(entry.MessageID, err.Error()); merr != nil {
					q.logger.Error("failed to record outbox attempt", zap.String("msg_id", entry.MessageID), zap.Error(merr))
				}
				q.logger.Info("outbox drain paused", zap.String("msg_id", entry.MessageID), zap.Int("attempts", entry.Attempts+1), zap.Error(err))
				return res, nil
			}
			if _, err := q.db.RemoveOutbox(entry.MessageID); err != nil {
				return res, fmt.Errorf("remove outbox entry: %w", err)
			}
		}
	}
}

// Kick requests a drain from the background worker.
func (q *Queue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Start runs a worker that drains on Kick and, while ready reports true, on
// every interval tick so entries paused by a transient failure get retried.
func (q *Queue) Start(ctx context.Context, interval time.Duration, ready func() bool, dispatch DispatchFunc) {
	ctx, q.cancel = context.WithCancel(ctx)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-q.kick:
			case <-ticker.C:
				if !ready() || q.Len() == 0 {
					continue
				}
			case <-ctx.Done():
				return
			}
			if _, err := q.Drain(ctx, dispatch); err != nil && ctx.Err() == nil {
				q.logger.Error("outbox drain failed", zap.Error(err))
			}
		}
	}()
}

// Stop stops the worker.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}
