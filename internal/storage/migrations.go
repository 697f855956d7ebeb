package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// ExpectedSchemaVersion is the latest schema version that the application expects.
// If the database cannot be migrated to this version, it's a fatal error.
const ExpectedSchemaVersion = 3

// Migration represents a database schema migration.
type Migration struct {
	Up          func(ctx context.Context, tx *sql.Tx, d dialect) error
	Description string
	Version     int
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema",
		Up: func(ctx context.Context, tx *sql.Tx, d dialect) error {
			queries := []string{
				`CREATE TABLE IF NOT EXISTS pools (
					id TEXT PRIMARY KEY,
					funder_id TEXT NOT NULL,
					token_id TEXT NOT NULL,
					total TEXT NOT NULL,
					fee TEXT NOT NULL,
					expires_at {{TIMESTAMP}} NOT NULL,
					status TEXT NOT NULL CHECK (status IN
						('ACTIVE', 'FINALIZING', 'FINALIZED', 'REFUNDED', 'FAILED', 'CANCELLED')),
					external_ref TEXT NOT NULL DEFAULT '',
					claim_count INTEGER NOT NULL DEFAULT 0,
					created_at {{TIMESTAMP}} NOT NULL,
					finalizing_at {{TIMESTAMP}},
					settled_at {{TIMESTAMP}},
					target_status TEXT NOT NULL DEFAULT '',
					failure_reason TEXT NOT NULL DEFAULT '',
					settle_attempts INTEGER NOT NULL DEFAULT 0
				)`,
				`CREATE INDEX IF NOT EXISTS idx_pools_status_expires ON pools(status, expires_at)`,
				`CREATE INDEX IF NOT EXISTS idx_pools_funder ON pools(funder_id)`,

				`CREATE TABLE IF NOT EXISTS claims (
					id TEXT PRIMARY KEY,
					pool_id TEXT NOT NULL REFERENCES pools(id),
					claimant_id TEXT NOT NULL,
					status TEXT NOT NULL CHECK (status IN ('PENDING', 'CLAIMED', 'REFUNDED')),
					created_at {{TIMESTAMP}} NOT NULL,
					claimed_at {{TIMESTAMP}},
					refunded_at {{TIMESTAMP}}
				)`,
				// One claim per claimant per pool, enforced by the database.
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_claims_pool_claimant ON claims(pool_id, claimant_id)`,

				`CREATE TABLE IF NOT EXISTS balances (
					user_id TEXT NOT NULL,
					token_id TEXT NOT NULL,
					amount TEXT NOT NULL,
					updated_at {{TIMESTAMP}} NOT NULL,
					PRIMARY KEY (user_id, token_id)
				)`,

				`CREATE TABLE IF NOT EXISTS ledger_entries (
					id TEXT PRIMARY KEY,
					entry_type TEXT NOT NULL,
					user_id TEXT NOT NULL,
					token_id TEXT NOT NULL,
					signed_amount TEXT NOT NULL,
					fee TEXT NOT NULL DEFAULT '0',
					counterparty_id TEXT NOT NULL DEFAULT '',
					correlation_ref TEXT NOT NULL DEFAULT '',
					created_at {{TIMESTAMP}} NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_ledger_entries_correlation ON ledger_entries(correlation_ref)`,
				`CREATE INDEX IF NOT EXISTS idx_ledger_entries_user_token ON ledger_entries(user_id, token_id)`,
				`CREATE INDEX IF NOT EXISTS idx_ledger_entries_created_at ON ledger_entries(created_at)`,
			}

			for _, query := range queries {
				if _, err := tx.ExecContext(ctx, d.DDL(query)); err != nil {
					return fmt.Errorf("failed to execute query '%s': %w", query, err)
				}
			}
			return nil
		},
	},
	{
		Version:     2,
		Description: "Track settlement notification delivery",
		Up: func(ctx context.Context, tx *sql.Tx, d dialect) error {
			queries := []string{
				`ALTER TABLE pools ADD COLUMN notified_at {{TIMESTAMP}}`,
				`CREATE INDEX IF NOT EXISTS idx_pools_notified ON pools(status, notified_at)`,
			}

			for _, query := range queries {
				if _, err := tx.ExecContext(ctx, d.DDL(query)); err != nil {
					return fmt.Errorf("failed to execute query '%s': %w", query, err)
				}
			}
			return nil
		},
	},
	{
		Version:     3,
		Description: "Make ledger entries append-only",
		Up: func(ctx context.Context, tx *sql.Tx, d dialect) error {
			var queries []string
			switch d.Name() {
			case "postgres":
				queries = []string{
					`CREATE OR REPLACE FUNCTION ledger_entries_append_only() RETURNS trigger AS $$
					BEGIN
						RAISE EXCEPTION 'ledger entries are append-only';
					END;
					$$ LANGUAGE plpgsql`,
					`CREATE TRIGGER ledger_entries_append_only
					BEFORE UPDATE OR DELETE ON ledger_entries
					FOR EACH ROW EXECUTE FUNCTION ledger_entries_append_only()`,
				}
			default:
				queries = []string{
					`CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update
					BEFORE UPDATE ON ledger_entries
					BEGIN
						SELECT RAISE(ABORT, 'ledger entries are append-only');
					END`,
					`CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete
					BEFORE DELETE ON ledger_entries
					BEGIN
						SELECT RAISE(ABORT, 'ledger entries are append-only');
					END`,
				}
			}

			for _, query := range queries {
				if _, err := tx.ExecContext(ctx, query); err != nil {
					return fmt.Errorf("failed to execute query '%s': %w", query, err)
				}
			}

			slog.Info("Ledger entries are now append-only", "driver", d.Name())
			return nil
		},
	},
}

// SchemaVersion reports the schema version currently applied.
func (s *SQLStorage) SchemaVersion(ctx context.Context) (int, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}
	return s.dialect.SchemaVersion(ctx, s.db)
}

// Migrate applies all pending database migrations.
func (s *SQLStorage) Migrate(ctx context.Context) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	currentVersion, err := s.dialect.SchemaVersion(ctx, s.db)
	if err != nil {
		return err
	}

	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("failed to begin transaction: %w", txErr)
		}

		if upErr := migration.Up(ctx, tx, s.dialect); upErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", migration.Version, upErr)
		}

		if execErr := s.dialect.SetSchemaVersion(ctx, tx, migration.Version); execErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to update schema version: %w", execErr)
		}

		if commitErr := tx.Commit(); commitErr != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, commitErr)
		}

		slog.Info("Applied migration",
			"version", migration.Version,
			"description", migration.Description,
			"driver", s.dialect.Name())
	}

	finalVersion, err := s.dialect.SchemaVersion(ctx, s.db)
	if err != nil {
		return fmt.Errorf("failed to verify final schema version: %w", err)
	}

	if finalVersion != ExpectedSchemaVersion {
		return fmt.Errorf("database schema version mismatch: expected %d, got %d", ExpectedSchemaVersion, finalVersion)
	}

	return nil
}
