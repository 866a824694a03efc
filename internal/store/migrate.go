package store

import (
	"context"
	"fmt"
)

// Migrate brings the schema up to date.
//
// Migration steps are additive and idempotent: each step probes
// sqlite_master or the table's column list before creating or altering
// anything, so an interrupted or partially-applied history from an older
// build is always safe to run again. No step destroys existing data.
func (s *Store) Migrate() error {
	return s.MigrateContext(context.Background())
}

// MigrateContext brings the schema up to date with context support.
func (s *Store) MigrateContext(ctx context.Context) error {
	steps := []struct {
		name  string
		apply func(context.Context) error
	}{
		{"create habits table", s.migrateCreateHabits},
		{"add sync metadata columns", s.migrateSyncColumns},
		{"create outbox table", s.migrateCreateOutbox},
		{"add outbox retry columns", s.migrateOutboxRetryColumns},
		{"add outbox owner column", s.migrateOutboxOwnerColumn},
		{"create indexes", s.migrateIndexes},
	}

	for _, step := range steps {
		if err := step.apply(ctx); err != nil {
			return fmt.Errorf("migration %q failed: %w", step.name, err)
		}
	}

	return nil
}

// migrateCreateHabits creates the base habits table. Sync metadata columns
// are added by a later step so databases created by the earliest builds
// migrate through the same path as fresh ones.
func (s *Store) migrateCreateHabits(ctx context.Context) error {
	_, err := s.conn.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS habits (
		local_id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_user_id INTEGER NOT NULL,
		title TEXT NOT NULL,
		kind TEXT NOT NULL,
		goal INTEGER NOT NULL DEFAULT 0,
		unit TEXT NOT NULL DEFAULT '',
		reminder_at TEXT,
		notes TEXT NOT NULL DEFAULT '',
		completed INTEGER NOT NULL DEFAULT 0
	)`)
	return err
}

// migrateSyncColumns adds the sync bookkeeping triplet to habits.
func (s *Store) migrateSyncColumns(ctx context.Context) error {
	columns := []struct {
		name string
		ddl  string
	}{
		{"synced", "ALTER TABLE habits ADD COLUMN synced INTEGER NOT NULL DEFAULT 0"},
		{"remote_id", "ALTER TABLE habits ADD COLUMN remote_id INTEGER"},
		{"updated_at", "ALTER TABLE habits ADD COLUMN updated_at TEXT NOT NULL DEFAULT ''"},
	}

	for _, col := range columns {
		exists, err := s.hasColumn(ctx, "habits", col.name)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := s.conn.ExecContext(ctx, col.ddl); err != nil {
			return fmt.Errorf("failed to add column %s: %w", col.name, err)
		}
	}

	return nil
}

func (s *Store) migrateCreateOutbox(ctx context.Context) error {
	_, err := s.conn.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id INTEGER NOT NULL,
		payload TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`)
	return err
}

// migrateOutboxRetryColumns adds retry accounting and ordering columns to
// the outbox.
func (s *Store) migrateOutboxRetryColumns(ctx context.Context) error {
	columns := []struct {
		name string
		ddl  string
	}{
		{"retry_count", "ALTER TABLE outbox ADD COLUMN retry_count INTEGER NOT NULL DEFAULT 0"},
		{"last_error", "ALTER TABLE outbox ADD COLUMN last_error TEXT NOT NULL DEFAULT ''"},
		{"priority", "ALTER TABLE outbox ADD COLUMN priority INTEGER NOT NULL DEFAULT 0"},
	}

	for _, col := range columns {
		exists, err := s.hasColumn(ctx, "outbox", col.name)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := s.conn.ExecContext(ctx, col.ddl); err != nil {
			return fmt.Errorf("failed to add column %s: %w", col.name, err)
		}
	}

	return nil
}

// migrateOutboxOwnerColumn scopes queued operations to the account that
// queued them. Rows from before the column default to the sentinel owner
// and are adopted by the next session that drains them.
func (s *Store) migrateOutboxOwnerColumn(ctx context.Context) error {
	exists, err := s.hasColumn(ctx, "outbox", "owner_user_id")
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if _, err := s.conn.ExecContext(ctx,
		"ALTER TABLE outbox ADD COLUMN owner_user_id INTEGER NOT NULL DEFAULT 0"); err != nil {
		return fmt.Errorf("failed to add column owner_user_id: %w", err)
	}
	return nil
}

func (s *Store) migrateIndexes(ctx context.Context) error {
	indexes := `
	CREATE INDEX IF NOT EXISTS idx_habits_owner ON habits(owner_user_id);
	CREATE INDEX IF NOT EXISTS idx_habits_synced ON habits(owner_user_id, synced);

	-- At most one habit per (owner, remote id) once the remote id is known.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_habits_owner_remote
	    ON habits(owner_user_id, remote_id) WHERE remote_id IS NOT NULL;

	CREATE INDEX IF NOT EXISTS idx_outbox_order ON outbox(priority, created_at, id);
	CREATE INDEX IF NOT EXISTS idx_outbox_owner ON outbox(owner_user_id);
	`
	if _, err := s.conn.ExecContext(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

// hasTable reports whether a table exists in the schema.
func (s *Store) hasTable(ctx context.Context, name string) (bool, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", name, err)
	}
	return count > 0, nil
}

// hasColumn reports whether a column exists on a table.
func (s *Store) hasColumn(ctx context.Context, table, column string) (bool, error) {
	exists, err := s.hasTable(ctx, table)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}

	rows, err := s.conn.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			typ       string
			notNull   int
			dfltValue any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dfltValue, &pk); err != nil {
			return false, fmt.Errorf("failed to scan column info: %w", err)
		}
		if name == column {
			return true, nil
		}
	}

	return false, rows.Err()
}
