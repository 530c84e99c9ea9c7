package sync

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/matheus3301/dmsync/internal/chat"
	"github.com/matheus3301/dmsync/internal/outbox"
	"github.com/matheus3301/dmsync/internal/store"
	"go.uber.org/zap"
)

// Checkpoint keys kept in the store's sync_state table.
const (
	CheckpointLastConnected = "last_connected_at"
	CheckpointLastDrain     = "last_drain_at"
	CheckpointLastRecovery  = "last_recovery_at"
)

// Reconciler keeps sync checkpoints and repairs state left behind by an
// unclean shutdown.
type Reconciler struct {
	db     *store.DB
	queue  *outbox.Queue
	userID string
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *store.DB, queue *outbox.Queue, userID string, logger *zap.Logger) *Reconciler {
	return &Reconciler{db: db, queue: queue, userID: userID, logger: logger}
}

// UpdateCheckpoint stores a checkpoint as a Unix millisecond timestamp.
func (r *Reconciler) UpdateCheckpoint(key string, at time.Time) {
	if err := r.db.SetCheckpoint(key, strconv.FormatInt(at.UnixMilli(), 10)); err != nil {
		r.logger.Warn("failed to update checkpoint", zap.String("key", key), zap.Error(err))
	}
}

// Checkpoint returns a checkpoint timestamp, zero when unset or unreadable.
func (r *Reconciler) Checkpoint(key string) time.Time {
	v, err := r.db.GetCheckpoint(key)
	if err != nil || v == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Recover re-enqueues own messages still marked sending that have no
// outbox entry: they were waiting for an ack when the process stopped.
// It returns how many were re-enqueued.
func (r *Reconciler) Recover() (int, error) {
	ids, err := r.db.ConversationIDs()
	if err != nil {
		return 0, fmt.Errorf("list conversations: %w", err)
	}
	recovered := 0
	for _, conv := range ids {
		msgs, err := r.db.LoadMessages(conv)
		if err != nil {
			r.logger.Warn("recovery skipped conversation", zap.String("conversation_id", conv), zap.Error(err))
			continue
		}
		for i := range msgs {
			m := &msgs[i]
			if m.SenderID != r.userID || m.Status != chat.StatusSending || r.queue.Contains(m.ID) {
				continue
			}
			payload, err := json.Marshal(sendPayload(m))
			if err != nil {
				continue
			}
			if err := r.queue.EnqueueAt(m.ID, conv, payload, m.CreatedAt); err != nil {
				r.logger.Warn("recovery enqueue failed", zap.String("msg_id", m.ID), zap.Error(err))
				continue
			}
			recovered++
		}
	}
	r.UpdateCheckpoint(CheckpointLastRecovery, time.Now())
	if recovered > 0 {
		r.logger.Info("recovered in-flight sends", zap.Int("count", recovered))
	}
	return recovered, nil
}
