// Package engine implements the reconciliation state machine that converges
// the local store with the remote habit service.
//
// One sync cycle runs three phases in order: push (send unsynced local
// edits), outbox replay (retry mutations queued while offline), and pull &
// reconcile (apply the server's snapshot, adopting orphans and deleting
// rows the server no longer lists). A cycle is single-flight: a second
// SyncAll while one is running is rejected with ErrSyncInProgress rather
// than queued.
//
// There is no cross-phase atomicity. A pull failure aborts the rest of the
// pull and reports an error, but push and replay effects already applied
// stay durable.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"

	"github.com/habitkit/habitsync/internal/habit"
	"github.com/habitkit/habitsync/internal/remote"
	"github.com/habitkit/habitsync/internal/session"
	"github.com/habitkit/habitsync/internal/store"
)

// ErrSyncInProgress is returned when SyncAll is called while a cycle is
// already running.
var ErrSyncInProgress = errors.New("sync already in progress")

// Listener observes sync cycle lifecycle events.
type Listener interface {
	OnSyncStarted()
	OnSyncCompleted(synced int)
	OnSyncError(reason string)
}

// HabitListener receives per-habit change events from the pull phase. A
// Listener that also implements it is notified as rows materialize, change,
// or disappear during reconciliation; the dashboard handler uses this to
// broadcast live habit updates.
type HabitListener interface {
	OnHabitCreated(h *habit.Habit)
	OnHabitUpdated(h *habit.Habit)
	OnHabitDeleted(localID int64)
}

// StatsListener receives a store summary after each successful cycle.
type StatsListener interface {
	UpdateStats(habits []habit.Habit, outboxDepth int)
}

// NopListener is a Listener that ignores every event.
type NopListener struct{}

func (NopListener) OnSyncStarted()      {}
func (NopListener) OnSyncCompleted(int) {}
func (NopListener) OnSyncError(string)  {}

// Engine orchestrates push, outbox replay, and pull/reconcile.
type Engine struct {
	store    *store.Store
	client   remote.Client
	session  session.Provider
	listener Listener
	logger   *log.Logger

	syncing atomic.Bool
}

// New creates an Engine. If listener is nil no events are delivered; if
// logger is nil a default logger writing to stderr is used.
func New(st *store.Store, client remote.Client, sess session.Provider, listener Listener, logger *log.Logger) *Engine {
	if listener == nil {
		listener = NopListener{}
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Engine{
		store:    st,
		client:   client,
		session:  sess,
		listener: listener,
		logger:   logger,
	}
}

// Syncing reports whether a cycle is currently running.
func (e *Engine) Syncing() bool {
	return e.syncing.Load()
}

// SyncAll runs one full sync cycle and returns the number of records it
// settled (pushed, replayed, or reconciled from the pull).
//
// The cycle is entered through a non-blocking try-lock: a concurrent call
// gets ErrSyncInProgress immediately. The lock is released on every path.
// Pushes issued by this cycle are awaited before completion is reported,
// so the returned count reflects everything the cycle actually did.
func (e *Engine) SyncAll(ctx context.Context) (int, error) {
	if !e.syncing.CompareAndSwap(false, true) {
		return 0, ErrSyncInProgress
	}
	defer e.syncing.Store(false)

	e.listener.OnSyncStarted()
	e.logger.Printf("Starting sync cycle")

	synced := 0

	pushed := e.pushUnsynced(ctx)
	synced += pushed

	replayed := e.replayOutbox(ctx)
	synced += replayed

	pulled, err := e.pullReconcile(ctx)
	synced += pulled
	if err != nil {
		e.logger.Printf("Sync cycle failed during pull: %v", err)
		e.listener.OnSyncError(err.Error())
		return synced, err
	}

	e.logger.Printf("Sync cycle complete: pushed=%d replayed=%d pulled=%d",
		pushed, replayed, pulled)
	e.listener.OnSyncCompleted(synced)
	e.publishStats(ctx)
	return synced, nil
}

// publishStats delivers a post-cycle store summary to listeners that want
// one.
func (e *Engine) publishStats(ctx context.Context) {
	sink, ok := e.listener.(StatsListener)
	if !ok {
		return
	}

	userID := e.session.CurrentUserID()
	habits, err := e.store.GetAllHabits(ctx, userID)
	if err != nil {
		e.logger.Printf("Warning: failed to load habits for stats: %v", err)
		return
	}
	depth, err := e.store.OutboxDepth(ctx, userID)
	if err != nil {
		e.logger.Printf("Warning: failed to read outbox depth for stats: %v", err)
		return
	}
	sink.UpdateStats(habits, depth)
}

// pushUnsynced sends every unsynced habit to the remote service. Failures
// leave the habit unsynced and queue (or refresh) a pending operation for
// replay in a later cycle. Returns the number of successful pushes.
func (e *Engine) pushUnsynced(ctx context.Context) int {
	userID := e.session.CurrentUserID()

	habits, err := e.store.GetUnsynced(ctx, userID)
	if err != nil {
		e.logger.Printf("Warning: failed to load unsynced habits: %v", err)
		return 0
	}

	pushed := 0
	for i := range habits {
		h := &habits[i]
		if err := e.PushOne(ctx, h); err != nil {
			e.logger.Printf("Warning: push failed for habit %d: %v", h.LocalID, err)
			e.queueForReplay(ctx, h, err)
			continue
		}
		pushed++
	}

	return pushed
}

// PushOne sends a single habit to the remote service and marks it synced on
// success. A habit without a remote id becomes a create; one with a remote
// id becomes an update. Safe to call outside a cycle (the repository facade
// uses it for inline pushes); MarkSynced is idempotent, so a late push from
// a previous cycle racing a new cycle is harmless.
func (e *Engine) PushOne(ctx context.Context, h *habit.Habit) error {
	entity := remote.FromHabit(h)

	if h.RemoteID == nil {
		created, err := e.client.Create(ctx, entity)
		if err != nil {
			return err
		}
		if created.ID == 0 {
			return fmt.Errorf("remote create returned no id")
		}
		return e.store.MarkSynced(ctx, h.LocalID, created.ID)
	}

	if _, err := e.client.Update(ctx, *h.RemoteID, entity); err != nil {
		return err
	}
	return e.store.MarkSynced(ctx, h.LocalID, *h.RemoteID)
}

// queueForReplay records a failed push in the outbox so a later cycle can
// retry it.
func (e *Engine) queueForReplay(ctx context.Context, h *habit.Habit, cause error) {
	kind := habit.OpCreate
	if h.RemoteID != nil {
		kind = habit.OpUpdate
	}

	payload, err := json.Marshal(h)
	if err != nil {
		e.logger.Printf("Warning: failed to snapshot habit %d: %v", h.LocalID, err)
		return
	}

	op := habit.PendingOp{
		Kind:          kind,
		OwnerUserID:   h.OwnerUserID,
		EntityType:    habit.EntityHabit,
		EntityLocalID: h.LocalID,
		Payload:       payload,
		LastError:     cause.Error(),
	}
	if _, err := e.store.EnqueueOrRefresh(ctx, op); err != nil {
		e.logger.Printf("Warning: failed to enqueue replay for habit %d: %v", h.LocalID, err)
	}
}

// replayOutbox drains the session's slice of the outbox and attempts each
// pending operation against the remote service. Operations whose required
// remote id is still unknown are left queued for a later cycle instead of
// being treated as hard errors; another account's operations are never
// drained, so a login switch cannot settle or drop them. Returns the
// number of operations completed.
func (e *Engine) replayOutbox(ctx context.Context) int {
	userID := e.session.CurrentUserID()

	ops, err := e.store.Drain(ctx, userID)
	if err != nil {
		e.logger.Printf("Warning: failed to drain outbox: %v", err)
		return 0
	}

	completed := 0
	for _, op := range ops {
		done, err := e.replayOne(ctx, userID, op)
		if err != nil {
			dropped, failErr := e.store.Fail(ctx, op.ID, err)
			if failErr != nil {
				e.logger.Printf("Warning: failed to record outbox failure: %v", failErr)
			} else if !dropped {
				e.logger.Printf("Replay failed for operation %d (%s habit %d), will retry: %v",
					op.ID, op.Kind, op.EntityLocalID, err)
			}
			continue
		}
		if !done {
			// Remote id still unknown; leave it for the next cycle.
			continue
		}
		if err := e.store.Complete(ctx, op.ID); err != nil {
			e.logger.Printf("Warning: failed to complete operation %d: %v", op.ID, err)
			continue
		}
		completed++
	}

	return completed
}

// replayOne attempts a single pending operation. The bool result is false
// when the operation must stay queued (its remote id is not yet known).
func (e *Engine) replayOne(ctx context.Context, userID int64, op habit.PendingOp) (bool, error) {
	switch op.Kind {
	case habit.OpCreate:
		current, err := e.store.GetHabit(ctx, userID, op.EntityLocalID)
		if errors.Is(err, store.ErrNotFound) {
			// Deleted locally before it ever reached the server; the queued
			// delete (if any) is equally moot.
			e.logger.Printf("Skipping create for habit %d: row gone locally", op.EntityLocalID)
			return true, nil
		}
		if err != nil {
			return false, err
		}
		if current.RemoteID != nil {
			// A previous push already established the identity.
			return true, nil
		}
		return true, e.PushOne(ctx, current)

	case habit.OpUpdate:
		current, err := e.store.GetHabit(ctx, userID, op.EntityLocalID)
		if errors.Is(err, store.ErrNotFound) {
			e.logger.Printf("Skipping update for habit %d: row gone locally", op.EntityLocalID)
			return true, nil
		}
		if err != nil {
			return false, err
		}
		if current.RemoteID == nil {
			// Update queued before the matching create ever succeeded.
			return false, nil
		}
		return true, e.PushOne(ctx, current)

	case habit.OpDelete:
		var snapshot habit.Habit
		if len(op.Payload) > 0 {
			if err := json.Unmarshal(op.Payload, &snapshot); err != nil {
				return false, fmt.Errorf("corrupt delete payload: %w", err)
			}
		}
		if snapshot.RemoteID == nil {
			// Never reached the server; nothing remote to delete.
			return true, nil
		}
		err := e.client.Delete(ctx, *snapshot.RemoteID)
		if err != nil && remote.IsNotFound(err) {
			return true, nil
		}
		return err == nil, err

	default:
		return false, fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

// pullReconcile fetches the remote snapshot and reconciles it into the
// local store: remote-id matches update in place (remote wins), orphans
// adopt the incoming id, the rest insert new rows. Local rows with a
// remote id missing from the snapshot are deleted. Returns the number of
// entities reconciled plus rows tombstoned.
func (e *Engine) pullReconcile(ctx context.Context) (int, error) {
	userID := e.session.CurrentUserID()

	entities, err := e.client.ListAll(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch remote snapshot: %w", err)
	}

	habitSink, _ := e.listener.(HabitListener)

	reconciled := 0
	present := make([]int64, 0, len(entities))
	for _, entity := range entities {
		if entity.ID == 0 {
			e.logger.Printf("Warning: skipping remote entity with no id (%q)", entity.Title)
			continue
		}

		// Older service versions serialize the owner as zero.
		entity.UserID = session.Heal(e.session, entity.UserID)
		if entity.UserID != userID {
			continue
		}

		h := entity.ToHabit()
		localID, created, err := e.store.UpsertFromServer(ctx, h, entity.ID)
		if err != nil {
			return reconciled, fmt.Errorf("failed to reconcile remote habit %d: %w", entity.ID, err)
		}
		present = append(present, entity.ID)
		reconciled++

		if habitSink != nil {
			h.LocalID = localID
			remoteID := entity.ID
			h.RemoteID = &remoteID
			h.Synced = true
			if created {
				habitSink.OnHabitCreated(&h)
			} else {
				habitSink.OnHabitUpdated(&h)
			}
		}
	}

	deleted, err := e.store.DeleteMissingRemotes(ctx, userID, present)
	if err != nil {
		return reconciled, fmt.Errorf("failed to apply remote tombstones: %w", err)
	}
	if len(deleted) > 0 {
		e.logger.Printf("Deleted %d habits absent from remote snapshot", len(deleted))
		if habitSink != nil {
			for _, localID := range deleted {
				habitSink.OnHabitDeleted(localID)
			}
		}
	}

	return reconciled + len(deleted), nil
}
