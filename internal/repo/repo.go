// Package repo is the single entry point application code uses for habit
// data. Reads and writes always hit the local store first so the app works
// identically offline; synchronization with the remote service happens
// behind the facade.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"sync"

	"github.com/habitkit/habitsync/internal/engine"
	"github.com/habitkit/habitsync/internal/habit"
	"github.com/habitkit/habitsync/internal/probe"
	"github.com/habitkit/habitsync/internal/session"
	"github.com/habitkit/habitsync/internal/store"
)

// RefreshFunc is invoked after a background sync triggered by a read has
// changed the local store. The argument is the fresh local snapshot.
type RefreshFunc func(habits []habit.Habit)

// Repository mediates between callers, the local store, and the sync engine.
//
// Every mutation commits locally first and then attempts an inline push when
// the service is reachable; unreachable or failed pushes fall back to the
// outbox so the mutation replays on a later cycle. Restored connectivity
// triggers a full sync automatically.
type Repository struct {
	store   *store.Store
	engine  *engine.Engine
	probe   *probe.Probe
	session session.Provider
	logger  *log.Logger

	listenerID int

	// wg tracks background pushes and syncs so tests and shutdown can
	// wait for them to settle.
	wg sync.WaitGroup
}

// New creates a Repository and subscribes it to connectivity transitions.
// When the probe reports the service reachable again, a background sync
// cycle starts so queued work drains without user action.
func New(st *store.Store, eng *engine.Engine, pr *probe.Probe, sess session.Provider, logger *log.Logger) *Repository {
	if logger == nil {
		logger = log.New(os.Stderr, "[repo] ", log.LstdFlags)
	}

	r := &Repository{
		store:   st,
		engine:  eng,
		probe:   pr,
		session: sess,
		logger:  logger,
	}

	if pr != nil {
		// The probe serializes callbacks and always delivers the
		// registration replay first, so a plain flag is safe here.
		baseline := true
		r.listenerID = pr.AddListener(func(connected bool) {
			// The registration replay only tells us where we already are.
			if baseline {
				baseline = false
				return
			}
			if connected {
				r.logger.Printf("Connectivity restored, starting sync")
				r.syncInBackground()
			}
		})
	}

	return r
}

// Close detaches the repository from the probe and waits for in-flight
// background work.
func (r *Repository) Close() {
	if r.probe != nil {
		r.probe.RemoveListener(r.listenerID)
	}
	r.wg.Wait()
}

// Wait blocks until all background pushes and syncs started so far have
// finished.
func (r *Repository) Wait() {
	r.wg.Wait()
}

// Create stores a new habit locally and returns it with its local id
// assigned. The habit starts unsynced; if the service is reachable an
// inline push follows in the background, otherwise a create operation is
// queued for replay.
func (r *Repository) Create(ctx context.Context, h habit.Habit) (*habit.Habit, error) {
	h.OwnerUserID = session.Heal(r.session, h.OwnerUserID)
	h.SetDefaults()
	h.Synced = false
	h.RemoteID = nil

	if _, err := r.store.InsertHabit(ctx, &h); err != nil {
		return nil, err
	}

	r.pushOrEnqueue(&h, habit.OpCreate)
	return &h, nil
}

// Update applies a local edit. The edit marks the row unsynced and then
// pushes or enqueues exactly like Create. Returns store.ErrNotFound when
// the habit doesn't exist for this user.
func (r *Repository) Update(ctx context.Context, h habit.Habit) (*habit.Habit, error) {
	h.OwnerUserID = session.Heal(r.session, h.OwnerUserID)

	matched, err := r.store.UpdateHabit(ctx, &h)
	if err != nil {
		return nil, err
	}
	if !matched {
		return nil, store.ErrNotFound
	}

	// The push needs the row's remote id, which the caller's copy may lack.
	current, err := r.store.GetHabit(ctx, h.OwnerUserID, h.LocalID)
	if err != nil {
		return nil, err
	}

	kind := habit.OpCreate
	if current.RemoteID != nil {
		kind = habit.OpUpdate
	}
	r.pushOrEnqueue(current, kind)
	return current, nil
}

// SetCompleted toggles a habit's completion for today and syncs the change.
func (r *Repository) SetCompleted(ctx context.Context, localID int64, completed bool) (*habit.Habit, error) {
	userID := r.session.CurrentUserID()

	current, err := r.store.GetHabit(ctx, userID, localID)
	if err != nil {
		return nil, err
	}
	current.Completed = completed
	return r.Update(ctx, *current)
}

// Delete removes a habit locally and propagates the deletion. A habit the
// server already knows gets an inline remote delete or a queued delete
// operation carrying the remote id; one that never reached the server just
// disappears, and any queued create for it becomes moot.
func (r *Repository) Delete(ctx context.Context, localID int64) error {
	userID := r.session.CurrentUserID()

	current, err := r.store.GetHabit(ctx, userID, localID)
	if err != nil {
		return err
	}

	matched, err := r.store.DeleteHabit(ctx, userID, localID)
	if err != nil {
		return err
	}
	if !matched {
		return store.ErrNotFound
	}

	if current.RemoteID == nil {
		return nil
	}

	snapshot, err := json.Marshal(current)
	if err != nil {
		return err
	}
	op := habit.PendingOp{
		Kind:          habit.OpDelete,
		OwnerUserID:   userID,
		EntityType:    habit.EntityHabit,
		EntityLocalID: localID,
		Payload:       snapshot,
	}
	if _, err := r.store.EnqueueOrRefresh(context.WithoutCancel(ctx), op); err != nil {
		return err
	}

	if r.connected() {
		r.syncInBackground()
	}
	return nil
}

// Get returns a single habit from the local store.
func (r *Repository) Get(ctx context.Context, localID int64) (*habit.Habit, error) {
	return r.store.GetHabit(ctx, r.session.CurrentUserID(), localID)
}

// GetAll returns the local snapshot immediately. When the service is
// reachable a background sync follows; if it changes anything and onRefresh
// is non-nil, onRefresh receives the updated snapshot. The caller never
// waits on the network.
func (r *Repository) GetAll(ctx context.Context, onRefresh RefreshFunc) ([]habit.Habit, error) {
	userID := r.session.CurrentUserID()

	habits, err := r.store.GetAllHabits(ctx, userID)
	if err != nil {
		return nil, err
	}

	if r.connected() {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			bg := context.WithoutCancel(ctx)
			n, err := r.engine.SyncAll(bg)
			if err != nil {
				if !errors.Is(err, engine.ErrSyncInProgress) {
					r.logger.Printf("Warning: background refresh failed: %v", err)
				}
				return
			}
			if n == 0 || onRefresh == nil {
				return
			}
			fresh, err := r.store.GetAllHabits(bg, userID)
			if err != nil {
				r.logger.Printf("Warning: failed to reload after refresh: %v", err)
				return
			}
			onRefresh(fresh)
		}()
	}

	return habits, nil
}

// Sync runs a full sync cycle synchronously and returns the number of
// records settled. Returns engine.ErrSyncInProgress when a cycle is
// already running.
func (r *Repository) Sync(ctx context.Context) (int, error) {
	return r.engine.SyncAll(ctx)
}

// PendingCount returns the outbox depth plus the number of unsynced habits,
// the figure surfaced as "N changes waiting to sync".
func (r *Repository) PendingCount(ctx context.Context) (int, error) {
	userID := r.session.CurrentUserID()
	depth, err := r.store.OutboxDepth(ctx, userID)
	if err != nil {
		return 0, err
	}
	unsynced, err := r.store.GetUnsynced(ctx, userID)
	if err != nil {
		return 0, err
	}
	return depth + len(unsynced), nil
}

// Connected reports the probe's last known reachability.
func (r *Repository) Connected() bool {
	return r.connected()
}

func (r *Repository) connected() bool {
	return r.probe != nil && r.probe.IsConnected()
}

// pushOrEnqueue sends the habit inline when the service looks reachable and
// queues a replay operation otherwise. The inline push runs in the
// background so local writes never block on the network; a failed inline
// push downgrades to the same queued operation.
func (r *Repository) pushOrEnqueue(h *habit.Habit, kind habit.OpKind) {
	if !r.connected() {
		r.enqueue(h, kind, nil)
		return
	}

	snapshot := *h
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.engine.PushOne(context.Background(), &snapshot); err != nil {
			r.logger.Printf("Warning: inline push failed for habit %d: %v", snapshot.LocalID, err)
			r.enqueue(&snapshot, kind, err)
		}
	}()
}

func (r *Repository) enqueue(h *habit.Habit, kind habit.OpKind, cause error) {
	payload, err := json.Marshal(h)
	if err != nil {
		r.logger.Printf("Warning: failed to snapshot habit %d: %v", h.LocalID, err)
		return
	}

	op := habit.PendingOp{
		Kind:          kind,
		OwnerUserID:   h.OwnerUserID,
		EntityType:    habit.EntityHabit,
		EntityLocalID: h.LocalID,
		Payload:       payload,
	}
	if cause != nil {
		op.LastError = cause.Error()
	}
	if _, err := r.store.EnqueueOrRefresh(context.Background(), op); err != nil {
		r.logger.Printf("Warning: failed to enqueue %s for habit %d: %v", kind, h.LocalID, err)
	}
}

// syncInBackground starts a sync cycle without blocking the caller. An
// already-running cycle is left alone.
func (r *Repository) syncInBackground() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, err := r.engine.SyncAll(context.Background()); err != nil &&
			!errors.Is(err, engine.ErrSyncInProgress) {
			r.logger.Printf("Warning: background sync failed: %v", err)
		}
	}()
}
