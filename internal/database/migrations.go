package database

import (
	"context"
	"fmt"
	"strings"
)

// migration defines a single idempotent schema migration.
type migration struct {
	name  string
	sql   string
	check string // query that returns true if the migration is already applied
}

// migrations is the ordered list of schema migrations applied on top of
// schema.sql. Each must be idempotent.
var migrations = []migration{
	{
		name:  "add transcriptions.words",
		sql:   `ALTER TABLE transcriptions ADD COLUMN IF NOT EXISTS words jsonb`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'transcriptions' AND column_name = 'words')`,
	},
	{
		name:  "add transcriptions.claimed_at",
		sql:   `ALTER TABLE transcriptions ADD COLUMN IF NOT EXISTS claimed_at timestamptz`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'transcriptions' AND column_name = 'claimed_at')`,
	},
	{
		name: "replace unique recording_id with partial unique index",
		sql: `ALTER TABLE transcriptions DROP CONSTRAINT IF EXISTS transcriptions_recording_id_key;
CREATE UNIQUE INDEX IF NOT EXISTS uq_transcriptions_active_recording ON transcriptions (recording_id) WHERE NOT is_deleted`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'uq_transcriptions_active_recording')`,
	},
	{
		name:  "add transcriptions status index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_transcriptions_status ON transcriptions (status) WHERE NOT is_deleted`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_transcriptions_status')`,
	},
}

// Migrate runs all pending schema migrations.
// For each migration, it first checks whether the change is already present.
// If not, it attempts to apply it. A failed apply is fatal for startup since
// the worker's queries depend on these columns existing.
func (db *DB) Migrate(ctx context.Context) error {
	var pending []migration
	for _, m := range migrations {
		if m.check != "" {
			var exists bool
			if err := db.Pool.QueryRow(ctx, m.check).Scan(&exists); err == nil && exists {
				continue
			}
		}
		pending = append(pending, m)
	}

	if len(pending) == 0 {
		return nil
	}

	applied := 0
	for _, m := range pending {
		if _, err := db.Pool.Exec(ctx, m.sql); err != nil {
			return &MigrationError{
				failed:  m,
				pending: pending[applied:],
				err:     err,
			}
		}
		db.log.Info().Str("migration", m.name).Msg("schema migration applied")
		applied++
	}
	db.log.Info().Int("applied", applied).Msg("schema migrations complete")
	return nil
}

// MigrationError is returned when a migration fails.
// It includes the SQL needed to apply all remaining migrations manually.
type MigrationError struct {
	failed  migration
	pending []migration
	err     error
}

func (e *MigrationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "migration %q failed: %v\n\n", e.failed.name, e.err)
	b.WriteString("Run the following SQL as a database superuser to fix this:\n\n")
	for _, m := range e.pending {
		fmt.Fprintf(&b, "  %s;\n", m.sql)
	}
	b.WriteString("\nThen restart pana-engine.")
	return b.String()
}

func (e *MigrationError) Unwrap() error {
	return e.err
}
