// Package queue implements the durable offline action queue: mutations that
// could not reach the network are persisted here and replayed in FIFO order
// when connectivity returns.
package queue

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/guardtrail/sentinel/internal/storage"
)

// storageKey is the single KV key under which the pending action list is
// persisted. Every structural change writes through to it.
const storageKey = "queue:offline_actions"

// DefaultMaxRetries bounds replay attempts per action: one initial execution
// plus this many retries.
const DefaultMaxRetries = 3

// Action is a deferred, retryable mutation. Payload is opaque to the queue
// and interpreted by the handler registered for Type.
type Action struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
}

// HandlerFunc executes one action's payload. A nil return removes the action
// from the queue; an error leaves it for the next drain (until retries are
// exhausted).
type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Executed int // actions that ran successfully and were removed
	Requeued int // actions that failed and remain for the next drain
	Dropped  int // actions removed after exhausting retries
}

// Queue is a persisted FIFO of offline actions. The in-memory list and the
// KV copy are kept consistent on every mutation, and a restart reloads the
// persisted list before any new action is accepted.
type Queue struct {
	kv     storage.KV
	online func() bool

	draining atomic.Bool

	mu       sync.Mutex
	actions  []Action
	handlers map[string]HandlerFunc
}

// New loads any persisted actions from kv and returns a ready queue. online
// reports current connectivity; Drain is a no-op while it returns false.
func New(ctx context.Context, kv storage.KV, online func() bool) (*Queue, error) {
	if online == nil {
		online = func() bool { return true }
	}
	q := &Queue{
		kv:       kv,
		online:   online,
		handlers: make(map[string]HandlerFunc),
	}
	if err := q.load(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// Register installs the handler for an action type. Enqueueing a type with
// no handler is rejected as a programming error.
func (q *Queue) Register(actionType string, h HandlerFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[actionType] = h
}

// Enqueue appends an action and writes the queue through to storage.
// maxRetries <= 0 selects DefaultMaxRetries.
func (q *Queue) Enqueue(ctx context.Context, actionType string, payload any, maxRetries int) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return eris.Wrapf(err, "queue: marshal %s payload", actionType)
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.handlers[actionType]; !ok {
		return eris.Errorf("queue: no handler registered for action type %q", actionType)
	}

	q.actions = append(q.actions, Action{
		ID:         uuid.New().String(),
		Type:       actionType,
		Payload:    raw,
		MaxRetries: maxRetries,
	})
	if err := q.save(ctx); err != nil {
		// Roll back the append so memory and storage stay consistent.
		q.actions = q.actions[:len(q.actions)-1]
		return err
	}

	zap.L().Info("queue: action enqueued",
		zap.String("type", actionType),
		zap.Int("pending", len(q.actions)),
	)
	return nil
}

// Len returns the number of pending actions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}

// Pending returns a copy of the pending actions in FIFO order.
func (q *Queue) Pending() []Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Action, len(q.actions))
	copy(out, q.actions)
	return out
}

// Drain replays pending actions in enqueue order. It is a no-op unless the
// connection is online and no other drain is in progress: the single-flight
// guard is an atomic check-and-set, so overlapping callers return immediately
// instead of double-executing actions.
//
// Each action runs through its registered handler. Success removes it and
// persists; failure increments its retry count (persisted); an action whose
// retry count exceeds its budget is dropped, persisted, and reported. An
// unknown action type in the persisted list aborts the drain loudly — that is
// a programming error, not a runtime condition to retry through.
func (q *Queue) Drain(ctx context.Context) (DrainResult, error) {
	var res DrainResult

	if !q.online() {
		return res, nil
	}
	if !q.draining.CompareAndSwap(false, true) {
		return res, nil
	}
	defer q.draining.Store(false)

	// Snapshot so actions enqueued mid-drain wait for the next pass.
	snapshot := q.Pending()

	for _, act := range snapshot {
		q.mu.Lock()
		handler, ok := q.handlers[act.Type]
		q.mu.Unlock()
		if !ok {
			return res, eris.Errorf("queue: no handler registered for persisted action type %q", act.Type)
		}

		if err := handler(ctx, act.Payload); err != nil {
			dropped, rerr := q.recordFailure(ctx, act.ID)
			if rerr != nil {
				return res, rerr
			}
			if dropped {
				res.Dropped++
				zap.L().Error("queue: action dropped after exhausting retries",
					zap.String("type", act.Type),
					zap.String("action_id", act.ID),
					zap.Int("max_retries", act.MaxRetries),
					zap.Error(err),
				)
			} else {
				res.Requeued++
				zap.L().Warn("queue: action failed, will retry on next drain",
					zap.String("type", act.Type),
					zap.String("action_id", act.ID),
					zap.Error(err),
				)
			}
			continue
		}

		if err := q.remove(ctx, act.ID); err != nil {
			return res, err
		}
		res.Executed++
	}

	if res.Executed > 0 || res.Dropped > 0 {
		zap.L().Info("queue: drain complete",
			zap.Int("executed", res.Executed),
			zap.Int("requeued", res.Requeued),
			zap.Int("dropped", res.Dropped),
		)
	}
	return res, nil
}

// remove deletes the action with the given ID and writes through.
func (q *Queue) remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.actions {
		if q.actions[i].ID == id {
			q.actions = append(q.actions[:i], q.actions[i+1:]...)
			break
		}
	}
	return q.save(ctx)
}

// recordFailure increments the action's retry count, dropping it when the
// budget is exhausted. Reports whether the action was dropped.
func (q *Queue) recordFailure(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.actions {
		if q.actions[i].ID != id {
			continue
		}
		q.actions[i].RetryCount++
		if q.actions[i].RetryCount > q.actions[i].MaxRetries {
			q.actions = append(q.actions[:i], q.actions[i+1:]...)
			return true, q.save(ctx)
		}
		return false, q.save(ctx)
	}
	return false, q.save(ctx)
}

// save persists the live list. Callers hold q.mu.
func (q *Queue) save(ctx context.Context) error {
	data, err := json.Marshal(q.actions)
	if err != nil {
		return eris.Wrap(err, "queue: marshal actions")
	}
	return eris.Wrap(q.kv.Set(ctx, storageKey, string(data)), "queue: persist")
}

func (q *Queue) load(ctx context.Context) error {
	data, ok, err := q.kv.Get(ctx, storageKey)
	if err != nil {
		return eris.Wrap(err, "queue: load")
	}
	if !ok || data == "" {
		return nil
	}
	var actions []Action
	if err := json.Unmarshal([]byte(data), &actions); err != nil {
		return eris.Wrap(err, "queue: decode persisted actions")
	}
	q.actions = actions
	return nil
}
