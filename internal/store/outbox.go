package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/habitkit/habitsync/internal/habit"
)

// Enqueue appends a pending operation to the outbox and returns its id.
func (s *Store) Enqueue(ctx context.Context, op habit.PendingOp) (int64, error) {
	if !op.Kind.Valid() {
		return 0, fmt.Errorf("invalid operation kind %q", op.Kind)
	}
	if op.EntityType == "" {
		op.EntityType = habit.EntityHabit
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}

	res, err := s.conn.ExecContext(ctx, `
	INSERT INTO outbox (kind, owner_user_id, entity_type, entity_id, payload, created_at, retry_count, last_error, priority)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(op.Kind),
		op.OwnerUserID,
		op.EntityType,
		op.EntityLocalID,
		string(op.Payload),
		op.CreatedAt.Format(time.RFC3339Nano),
		op.RetryCount,
		op.LastError,
		op.Priority,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue operation: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read enqueued operation id: %w", err)
	}
	return id, nil
}

// EnqueueOrRefresh enqueues an operation unless one with the same kind and
// entity is already queued, in which case its payload is refreshed to the
// newest snapshot. This keeps the outbox at one live operation per
// (entity, kind) while a habit keeps failing to push.
func (s *Store) EnqueueOrRefresh(ctx context.Context, op habit.PendingOp) (int64, error) {
	if op.EntityType == "" {
		op.EntityType = habit.EntityHabit
	}

	var id int64
	err := s.conn.QueryRowContext(ctx, `
	SELECT id FROM outbox
	WHERE kind = ? AND entity_type = ? AND entity_id = ?`,
		string(op.Kind), op.EntityType, op.EntityLocalID).Scan(&id)

	switch {
	case err == nil:
		// Refreshing also stamps the owner on rows queued before the
		// owner column existed.
		_, err = s.conn.ExecContext(ctx,
			`UPDATE outbox SET payload = ?, owner_user_id = ? WHERE id = ?`,
			string(op.Payload), op.OwnerUserID, id)
		if err != nil {
			return 0, fmt.Errorf("failed to refresh operation %d: %w", id, err)
		}
		return id, nil

	case errors.Is(err, sql.ErrNoRows):
		return s.Enqueue(ctx, op)

	default:
		return 0, fmt.Errorf("failed to look up pending operation: %w", err)
	}
}

// Drain returns the owner's pending operations ordered oldest and
// highest-priority first: priority ascending, then created_at, then id.
// Rows carrying the sentinel owner (queued before the owner column existed)
// are included, mirroring pull-side owner healing. Another account's
// operations never surface here. The rows stay in the outbox until
// Complete or Fail settles them.
func (s *Store) Drain(ctx context.Context, ownerID int64) ([]habit.PendingOp, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT id, kind, owner_user_id, entity_type, entity_id, payload, created_at, retry_count, last_error, priority
	FROM outbox
	WHERE owner_user_id IN (?, 0)
	ORDER BY priority ASC, created_at ASC, id ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to drain outbox: %w", err)
	}
	defer rows.Close()

	var ops []habit.PendingOp
	for rows.Next() {
		var (
			op        habit.PendingOp
			kind      string
			payload   string
			createdAt string
		)
		if err := rows.Scan(&op.ID, &kind, &op.OwnerUserID, &op.EntityType, &op.EntityLocalID,
			&payload, &createdAt, &op.RetryCount, &op.LastError, &op.Priority); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		op.Kind = habit.OpKind(kind)
		if payload != "" {
			op.Payload = []byte(payload)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			op.CreatedAt = t
		}
		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox: %w", err)
	}

	return ops, nil
}

// Complete deletes a delivered operation. Idempotent.
func (s *Store) Complete(ctx context.Context, id int64) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to complete operation %d: %w", id, err)
	}
	return nil
}

// Fail records a delivery failure. The retry count is incremented and the
// error stored; once the count reaches habit.MaxRetries the operation is
// dropped instead of retried forever, and the drop is logged as a terminal
// failure. Returns true when the operation was dropped.
func (s *Store) Fail(ctx context.Context, id int64, cause error) (bool, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	var (
		retryCount int
		kind       string
		entityID   int64
	)
	err := s.conn.QueryRowContext(ctx,
		`SELECT retry_count, kind, entity_id FROM outbox WHERE id = ?`, id).
		Scan(&retryCount, &kind, &entityID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up operation %d: %w", id, err)
	}

	retryCount++
	if retryCount >= habit.MaxRetries {
		if _, err := s.conn.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id); err != nil {
			return false, fmt.Errorf("failed to drop operation %d: %w", id, err)
		}
		s.logger.Printf("Dropping %s operation for habit %d after %d failures: %s",
			kind, entityID, retryCount, msg)
		return true, nil
	}

	if _, err := s.conn.ExecContext(ctx,
		`UPDATE outbox SET retry_count = ?, last_error = ? WHERE id = ?`,
		retryCount, msg, id); err != nil {
		return false, fmt.Errorf("failed to record failure for operation %d: %w", id, err)
	}
	return false, nil
}

// OutboxDepth returns the number of operations queued for the owner,
// sentinel-owned rows included.
func (s *Store) OutboxDepth(ctx context.Context, ownerID int64) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox WHERE owner_user_id IN (?, 0)`, ownerID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count outbox: %w", err)
	}
	return count, nil
}
