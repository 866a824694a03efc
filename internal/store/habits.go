package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/habitkit/habitsync/internal/habit"
)

// ErrNotFound is returned when a habit lookup matches no row.
var ErrNotFound = errors.New("habit not found")

const habitColumns = `local_id, owner_user_id, title, kind, goal, unit,
       reminder_at, notes, completed, synced, remote_id, updated_at`

// InsertHabit inserts a new habit and returns its local id.
//
// The row starts with whatever sync state the habit carries; a freshly
// created habit has no remote id and synced=false. Synced=true without a
// remote id is rejected before any write happens.
func (s *Store) InsertHabit(ctx context.Context, h *habit.Habit) (int64, error) {
	if err := h.Validate(); err != nil {
		return 0, fmt.Errorf("invalid habit: %w", err)
	}
	if h.Synced && h.RemoteID == nil {
		return 0, fmt.Errorf("invalid habit: synced without remote id")
	}
	if h.UpdatedAt.IsZero() {
		h.UpdatedAt = time.Now().UTC()
	}

	res, err := s.conn.ExecContext(ctx, `
	INSERT INTO habits (
		owner_user_id, title, kind, goal, unit, reminder_at, notes,
		completed, synced, remote_id, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.OwnerUserID,
		h.Title,
		string(h.Kind),
		h.Goal,
		h.Unit,
		timeToNullString(h.ReminderAt),
		h.Notes,
		boolToInt(h.Completed),
		boolToInt(h.Synced),
		int64ToNullInt(h.RemoteID),
		h.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert habit: %w", err)
	}

	localID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted habit id: %w", err)
	}

	h.LocalID = localID
	return localID, nil
}

// UpdateHabit updates the editable fields of a habit and marks it unsynced,
// since a local edit invalidates the previously pushed copy. The remote id
// is preserved. Returns false if no row matched.
func (s *Store) UpdateHabit(ctx context.Context, h *habit.Habit) (bool, error) {
	if err := h.Validate(); err != nil {
		return false, fmt.Errorf("invalid habit: %w", err)
	}

	h.UpdatedAt = time.Now().UTC()
	h.Synced = false

	res, err := s.conn.ExecContext(ctx, `
	UPDATE habits SET
		title = ?, kind = ?, goal = ?, unit = ?, reminder_at = ?,
		notes = ?, completed = ?, synced = 0, updated_at = ?
	WHERE local_id = ? AND owner_user_id = ?`,
		h.Title,
		string(h.Kind),
		h.Goal,
		h.Unit,
		timeToNullString(h.ReminderAt),
		h.Notes,
		boolToInt(h.Completed),
		h.UpdatedAt.Format(time.RFC3339),
		h.LocalID,
		h.OwnerUserID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update habit %d: %w", h.LocalID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read update result: %w", err)
	}
	return n > 0, nil
}

// DeleteHabit removes a habit row. Returns false if no row matched.
func (s *Store) DeleteHabit(ctx context.Context, ownerID, localID int64) (bool, error) {
	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM habits WHERE local_id = ? AND owner_user_id = ?`, localID, ownerID)
	if err != nil {
		return false, fmt.Errorf("failed to delete habit %d: %w", localID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read delete result: %w", err)
	}
	return n > 0, nil
}

// GetHabit retrieves a single habit by local id. Returns ErrNotFound if the
// row doesn't exist for this owner.
func (s *Store) GetHabit(ctx context.Context, ownerID, localID int64) (*habit.Habit, error) {
	row := s.conn.QueryRowContext(ctx, `
	SELECT `+habitColumns+`
	FROM habits
	WHERE local_id = ? AND owner_user_id = ?`, localID, ownerID)

	h, err := scanHabit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return h, err
}

// GetAllHabits returns every habit owned by the user, newest edits first.
func (s *Store) GetAllHabits(ctx context.Context, ownerID int64) ([]habit.Habit, error) {
	return s.queryHabits(ctx,
		`WHERE owner_user_id = ? ORDER BY updated_at DESC, local_id ASC`, ownerID)
}

// GetUnsynced returns habits whose latest local edit has not reached the
// remote service.
func (s *Store) GetUnsynced(ctx context.Context, ownerID int64) ([]habit.Habit, error) {
	return s.queryHabits(ctx,
		`WHERE owner_user_id = ? AND synced = 0 ORDER BY local_id ASC`, ownerID)
}

// GetSynced returns habits with a known remote id.
func (s *Store) GetSynced(ctx context.Context, ownerID int64) ([]habit.Habit, error) {
	return s.queryHabits(ctx,
		`WHERE owner_user_id = ? AND remote_id IS NOT NULL ORDER BY local_id ASC`, ownerID)
}

// FindByRemoteID returns the habit with the given remote id, or ErrNotFound.
func (s *Store) FindByRemoteID(ctx context.Context, ownerID, remoteID int64) (*habit.Habit, error) {
	row := s.conn.QueryRowContext(ctx, `
	SELECT `+habitColumns+`
	FROM habits
	WHERE owner_user_id = ? AND remote_id = ?`, ownerID, remoteID)

	h, err := scanHabit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return h, err
}

// FindOrphan looks for a habit that has never been matched to a remote row:
// same title and kind for the owner, remote id still null. Used by pull
// reconciliation to stop a locally-created record from being duplicated by
// its own server echo. Returns ErrNotFound when no candidate exists.
//
// Two genuinely distinct habits sharing title and kind would be merged by
// this heuristic; that ambiguity is accepted rather than guessed at.
func (s *Store) FindOrphan(ctx context.Context, ownerID int64, title string, kind habit.Kind) (*habit.Habit, error) {
	row := s.conn.QueryRowContext(ctx, `
	SELECT `+habitColumns+`
	FROM habits
	WHERE owner_user_id = ? AND title = ? AND kind = ? AND remote_id IS NULL
	ORDER BY local_id ASC
	LIMIT 1`, ownerID, title, string(kind))

	h, err := scanHabit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return h, err
}

// MarkSynced records that the habit's current state reached the remote
// service under the given remote id. Idempotent: a late duplicate callback
// rewrites the same values.
func (s *Store) MarkSynced(ctx context.Context, localID, remoteID int64) error {
	_, err := s.conn.ExecContext(ctx, `
	UPDATE habits SET synced = 1, remote_id = ?, updated_at = ?
	WHERE local_id = ?`,
		remoteID, time.Now().UTC().Format(time.RFC3339), localID)
	if err != nil {
		return fmt.Errorf("failed to mark habit %d synced: %w", localID, err)
	}
	return nil
}

// MarkUnsynced flags a habit as needing a push. The remote id is kept so a
// later push goes out as an update, not a duplicate create.
func (s *Store) MarkUnsynced(ctx context.Context, localID int64) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE habits SET synced = 0 WHERE local_id = ?`, localID)
	if err != nil {
		return fmt.Errorf("failed to mark habit %d unsynced: %w", localID, err)
	}
	return nil
}

// UpsertFromServer reconciles one remote entity into the local store and
// returns the local id it landed on. Precedence:
//
//  1. A row already carrying the remote id is updated in place
//     (last-writer-wins: the remote copy overwrites local fields).
//  2. Otherwise an orphan row (same title+kind, no remote id) adopts the
//     incoming remote id.
//  3. Otherwise a new row is inserted.
//
// The resulting row is always synced with the given remote id. The bool
// result is true when a new row was inserted rather than an existing one
// updated or adopted.
func (s *Store) UpsertFromServer(ctx context.Context, h habit.Habit, remoteID int64) (int64, bool, error) {
	if err := h.Validate(); err != nil {
		return 0, false, fmt.Errorf("invalid remote habit: %w", err)
	}
	if h.UpdatedAt.IsZero() {
		h.UpdatedAt = time.Now().UTC()
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var localID int64
	created := false
	err = tx.QueryRowContext(ctx, `
	SELECT local_id FROM habits
	WHERE owner_user_id = ? AND remote_id = ?`, h.OwnerUserID, remoteID).Scan(&localID)

	switch {
	case err == nil:
		// Remote id already known: remote wins.
		_, err = tx.ExecContext(ctx, `
		UPDATE habits SET
			title = ?, kind = ?, goal = ?, unit = ?, reminder_at = ?,
			notes = ?, completed = ?, synced = 1, updated_at = ?
		WHERE local_id = ?`,
			h.Title, string(h.Kind), h.Goal, h.Unit, timeToNullString(h.ReminderAt),
			h.Notes, boolToInt(h.Completed), h.UpdatedAt.Format(time.RFC3339), localID)
		if err != nil {
			return 0, false, fmt.Errorf("failed to apply remote update: %w", err)
		}

	case errors.Is(err, sql.ErrNoRows):
		// Orphan match: adopt the remote id instead of inserting a twin.
		err = tx.QueryRowContext(ctx, `
		SELECT local_id FROM habits
		WHERE owner_user_id = ? AND title = ? AND kind = ? AND remote_id IS NULL
		ORDER BY local_id ASC
		LIMIT 1`, h.OwnerUserID, h.Title, string(h.Kind)).Scan(&localID)

		switch {
		case err == nil:
			_, err = tx.ExecContext(ctx, `
			UPDATE habits SET
				goal = ?, unit = ?, reminder_at = ?, notes = ?, completed = ?,
				synced = 1, remote_id = ?, updated_at = ?
			WHERE local_id = ?`,
				h.Goal, h.Unit, timeToNullString(h.ReminderAt), h.Notes,
				boolToInt(h.Completed), remoteID, h.UpdatedAt.Format(time.RFC3339), localID)
			if err != nil {
				return 0, false, fmt.Errorf("failed to adopt remote id: %w", err)
			}

		case errors.Is(err, sql.ErrNoRows):
			res, insErr := tx.ExecContext(ctx, `
			INSERT INTO habits (
				owner_user_id, title, kind, goal, unit, reminder_at, notes,
				completed, synced, remote_id, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
				h.OwnerUserID, h.Title, string(h.Kind), h.Goal, h.Unit,
				timeToNullString(h.ReminderAt), h.Notes, boolToInt(h.Completed),
				remoteID, h.UpdatedAt.Format(time.RFC3339))
			if insErr != nil {
				return 0, false, fmt.Errorf("failed to insert remote habit: %w", insErr)
			}
			localID, err = res.LastInsertId()
			if err != nil {
				return 0, false, fmt.Errorf("failed to read inserted habit id: %w", err)
			}
			created = true

		default:
			return 0, false, fmt.Errorf("failed to look up orphan candidate: %w", err)
		}

	default:
		return 0, false, fmt.Errorf("failed to look up remote id %d: %w", remoteID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("failed to commit upsert: %w", err)
	}

	return localID, created, nil
}

// DeleteMissingRemotes deletes habits whose remote id is no longer present
// in the remote snapshot (absence from the listing is an authoritative
// tombstone). Rows without a remote id are never touched. Returns the
// local ids of the rows deleted.
func (s *Store) DeleteMissingRemotes(ctx context.Context, ownerID int64, present []int64) ([]int64, error) {
	where := `owner_user_id = ? AND remote_id IS NOT NULL`
	args := []any{ownerID}

	if len(present) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(present)), ",")
		where += ` AND remote_id NOT IN (` + placeholders + `)`
		for _, id := range present {
			args = append(args, id)
		}
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT local_id FROM habits WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find tombstoned habits: %w", err)
	}
	var deleted []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan tombstoned habit: %w", err)
		}
		deleted = append(deleted, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating tombstoned habits: %w", err)
	}
	rows.Close()

	if len(deleted) > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM habits WHERE `+where, args...); err != nil {
			return nil, fmt.Errorf("failed to delete tombstoned habits: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit tombstones: %w", err)
	}
	return deleted, nil
}

// PurgeUser removes every habit and pending operation belonging to the
// user. Used when switching accounts on the same device.
func (s *Store) PurgeUser(ctx context.Context, ownerID int64) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// The entity join catches operations whose rows predate the outbox
	// owner column.
	if _, err := tx.ExecContext(ctx, `
	DELETE FROM outbox WHERE owner_user_id = ? OR entity_id IN (
		SELECT local_id FROM habits WHERE owner_user_id = ?
	)`, ownerID, ownerID); err != nil {
		return fmt.Errorf("failed to purge outbox: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM habits WHERE owner_user_id = ?`, ownerID); err != nil {
		return fmt.Errorf("failed to purge habits: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit purge: %w", err)
	}
	return nil
}

// CountHabits returns the number of habits owned by the user.
func (s *Store) CountHabits(ctx context.Context, ownerID int64) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM habits WHERE owner_user_id = ?`, ownerID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count habits: %w", err)
	}
	return count, nil
}

func (s *Store) queryHabits(ctx context.Context, where string, args ...any) ([]habit.Habit, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+habitColumns+` FROM habits `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query habits: %w", err)
	}
	defer rows.Close()

	var habits []habit.Habit
	for rows.Next() {
		h, err := scanHabit(rows)
		if err != nil {
			return nil, err
		}
		habits = append(habits, *h)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating habits: %w", err)
	}

	return habits, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanHabit(row rowScanner) (*habit.Habit, error) {
	var (
		h          habit.Habit
		kind       string
		reminderAt sql.NullString
		completed  int
		synced     int
		remoteID   sql.NullInt64
		updatedAt  string
	)

	err := row.Scan(
		&h.LocalID,
		&h.OwnerUserID,
		&h.Title,
		&kind,
		&h.Goal,
		&h.Unit,
		&reminderAt,
		&h.Notes,
		&completed,
		&synced,
		&remoteID,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan habit: %w", err)
	}

	h.Kind = habit.Kind(kind)
	h.ReminderAt = nullStringToTime(reminderAt)
	h.Completed = completed != 0
	h.Synced = synced != 0
	h.RemoteID = nullIntToInt64(remoteID)
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		h.UpdatedAt = t
	}

	return &h, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
