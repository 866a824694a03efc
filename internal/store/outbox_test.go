package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/habitkit/habitsync/internal/habit"
)

// TestEnqueue_And_Drain round-trips an operation through the outbox
func TestEnqueue_And_Drain(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	op := habit.PendingOp{
		Kind:          habit.OpCreate,
		OwnerUserID:   1,
		EntityLocalID: 1,
		Payload:       []byte(`{"title":"Drink water"}`),
	}
	id, err := s.Enqueue(ctx, op)
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if id == 0 {
		t.Fatal("Enqueue() returned zero id")
	}

	ops, err := s.Drain(ctx, 1)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("Drain() returned %d ops, want 1", len(ops))
	}
	if ops[0].Kind != habit.OpCreate {
		t.Errorf("Kind = %q, want create", ops[0].Kind)
	}
	if ops[0].OwnerUserID != 1 {
		t.Errorf("OwnerUserID = %d, want 1", ops[0].OwnerUserID)
	}
	if string(ops[0].Payload) != `{"title":"Drink water"}` {
		t.Errorf("Payload = %q", ops[0].Payload)
	}
	if ops[0].EntityType != habit.EntityHabit {
		t.Errorf("EntityType = %q, want %q", ops[0].EntityType, habit.EntityHabit)
	}
}

// TestDrain_Ordering verifies FIFO within priority, priority first
func TestDrain_Ordering(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()

	// Later timestamp but higher priority (lower number) drains first.
	s.Enqueue(ctx, habit.PendingOp{
		Kind: habit.OpUpdate, OwnerUserID: 1, EntityLocalID: 2,
		CreatedAt: base.Add(2 * time.Second), Priority: 0,
	})
	s.Enqueue(ctx, habit.PendingOp{
		Kind: habit.OpCreate, OwnerUserID: 1, EntityLocalID: 1,
		CreatedAt: base, Priority: 1,
	})
	s.Enqueue(ctx, habit.PendingOp{
		Kind: habit.OpDelete, OwnerUserID: 1, EntityLocalID: 3,
		CreatedAt: base.Add(time.Second), Priority: 1,
	})

	ops, err := s.Drain(ctx, 1)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if len(ops) != 3 {
		t.Fatalf("Drain() returned %d ops, want 3", len(ops))
	}

	wantOrder := []habit.OpKind{habit.OpUpdate, habit.OpCreate, habit.OpDelete}
	for i, want := range wantOrder {
		if ops[i].Kind != want {
			t.Errorf("ops[%d].Kind = %q, want %q", i, ops[i].Kind, want)
		}
	}
}

// TestEnqueueOrRefresh_SingleLiveOp keeps one op per entity and kind
func TestEnqueueOrRefresh_SingleLiveOp(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	first, err := s.EnqueueOrRefresh(ctx, habit.PendingOp{
		Kind: habit.OpCreate, OwnerUserID: 1, EntityLocalID: 5, Payload: []byte(`{"v":1}`),
	})
	if err != nil {
		t.Fatalf("EnqueueOrRefresh() failed: %v", err)
	}

	second, err := s.EnqueueOrRefresh(ctx, habit.PendingOp{
		Kind: habit.OpCreate, OwnerUserID: 1, EntityLocalID: 5, Payload: []byte(`{"v":2}`),
	})
	if err != nil {
		t.Fatalf("Second EnqueueOrRefresh() failed: %v", err)
	}
	if first != second {
		t.Errorf("Second enqueue created a new op %d, want refresh of %d", second, first)
	}

	ops, _ := s.Drain(ctx, 1)
	if len(ops) != 1 {
		t.Fatalf("Drain() returned %d ops, want 1", len(ops))
	}
	if string(ops[0].Payload) != `{"v":2}` {
		t.Errorf("Payload = %q, want refreshed snapshot", ops[0].Payload)
	}
}

// TestComplete_Idempotent verifies completing twice is safe
func TestComplete_Idempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	id, _ := s.Enqueue(ctx, habit.PendingOp{Kind: habit.OpCreate, OwnerUserID: 1, EntityLocalID: 1})

	if err := s.Complete(ctx, id); err != nil {
		t.Fatalf("Complete() failed: %v", err)
	}
	if err := s.Complete(ctx, id); err != nil {
		t.Fatalf("Second Complete() failed: %v", err)
	}

	depth, _ := s.OutboxDepth(ctx, 1)
	if depth != 0 {
		t.Errorf("OutboxDepth() = %d, want 0", depth)
	}
}

// TestFail_BoundedRetry verifies the retry ceiling drops the operation
func TestFail_BoundedRetry(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	id, _ := s.Enqueue(ctx, habit.PendingOp{Kind: habit.OpUpdate, OwnerUserID: 1, EntityLocalID: 1})
	cause := errors.New("connection refused")

	for i := 1; i < habit.MaxRetries; i++ {
		dropped, err := s.Fail(ctx, id, cause)
		if err != nil {
			t.Fatalf("Fail() #%d failed: %v", i, err)
		}
		if dropped {
			t.Fatalf("Fail() #%d dropped the op before the ceiling", i)
		}
	}

	ops, _ := s.Drain(ctx, 1)
	if len(ops) != 1 {
		t.Fatalf("Op vanished before the ceiling")
	}
	if ops[0].RetryCount != habit.MaxRetries-1 {
		t.Errorf("RetryCount = %d, want %d", ops[0].RetryCount, habit.MaxRetries-1)
	}
	if ops[0].LastError != "connection refused" {
		t.Errorf("LastError = %q", ops[0].LastError)
	}

	dropped, err := s.Fail(ctx, id, cause)
	if err != nil {
		t.Fatalf("Final Fail() failed: %v", err)
	}
	if !dropped {
		t.Error("Final Fail() did not drop the op")
	}

	depth, _ := s.OutboxDepth(ctx, 1)
	if depth != 0 {
		t.Errorf("OutboxDepth() = %d after drop, want 0", depth)
	}
}

// TestDrain_ScopedToOwner keeps one account's operations invisible to another
func TestDrain_ScopedToOwner(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	s.Enqueue(ctx, habit.PendingOp{Kind: habit.OpCreate, OwnerUserID: 1, EntityLocalID: 1})
	s.Enqueue(ctx, habit.PendingOp{Kind: habit.OpCreate, OwnerUserID: 2, EntityLocalID: 2})
	// Queued before the owner column existed; adopted by whoever drains.
	s.Enqueue(ctx, habit.PendingOp{Kind: habit.OpUpdate, EntityLocalID: 3})

	ops, err := s.Drain(ctx, 1)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("Drain(1) returned %d ops, want own + sentinel = 2", len(ops))
	}
	for _, op := range ops {
		if op.OwnerUserID == 2 {
			t.Errorf("Drain(1) surfaced user 2's operation %d", op.ID)
		}
	}

	depth, _ := s.OutboxDepth(ctx, 2)
	if depth != 2 {
		t.Errorf("OutboxDepth(2) = %d, want own + sentinel = 2", depth)
	}
}

// TestFail_UnknownOp is a no-op
func TestFail_UnknownOp(t *testing.T) {
	s := setupTestStore(t)

	dropped, err := s.Fail(context.Background(), 999, errors.New("x"))
	if err != nil {
		t.Fatalf("Fail() on unknown op failed: %v", err)
	}
	if dropped {
		t.Error("Fail() on unknown op reported a drop")
	}
}
