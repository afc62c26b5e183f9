// Package store owns the durable local database: opening, structural
// validation, schema migration, transactions, quota tracking, and retention
// maintenance. All persisted state of the engine lives here; no component
// keeps a private shadow of it.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/pdcretail/possync/internal/common"
	"github.com/pdcretail/possync/internal/dbx"
	"github.com/pdcretail/possync/internal/logging"
	"github.com/pdcretail/possync/internal/store/migrations"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database used as the single source of truth.
type Store struct {
	db         *sql.DB
	quotaBytes int64
	log        logging.Logger
}

// Options configure Open.
type Options struct {
	// QuotaBytes bounds the on-disk size of the database; 0 disables checks.
	QuotaBytes int64
	Logger     logging.Logger
}

// Open opens (or creates) the database at dsn, validates its structure, and
// applies pending migrations. A failed integrity check is fatal: the store
// refuses to serve and the caller must recover or rebuild.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The client is a single logical actor; one connection also keeps
	// SQLite's locking out of the picture.
	db.SetMaxOpenConns(1)

	if err := validate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db, quotaBytes: opts.QuotaBytes, log: opts.Logger}, nil
}

// validate runs a structural integrity check before the store is handed to
// callers. Detected corruption maps to common.ErrStoreCorrupted.
func validate(ctx context.Context, db *sql.DB) error {
	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check(1)").Scan(&result); err != nil {
		return fmt.Errorf("%w: integrity check failed to run: %v", common.ErrStoreCorrupted, err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: %s", common.ErrStoreCorrupted, result)
	}
	return nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	return goose.UpContext(ctx, db, ".")
}

// DB exposes the underlying handle for repositories bound outside a
// transaction.
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithTx runs fn inside a single transaction. A write is reported successful
// to the caller only after the transaction has fully committed.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx dbx.DBTX) error) error {
	return dbx.WithTx(ctx, s.db, nil, fn)
}

// SizeBytes reports the current on-disk size of the database.
func (s *Store) SizeBytes(ctx context.Context) (int64, error) {
	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("failed to read page_count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("failed to read page_size: %w", err)
	}
	return pageCount * pageSize, nil
}

// CheckQuota returns common.ErrQuotaExceeded when the database has grown past
// the configured quota. Callers must evict reclaimable data (Reclaim) before
// retrying the write that tripped it; silent data loss is never an option.
func (s *Store) CheckQuota(ctx context.Context) error {
	if s.quotaBytes <= 0 {
		return nil
	}
	size, err := s.SizeBytes(ctx)
	if err != nil {
		return err
	}
	if size >= s.quotaBytes {
		return fmt.Errorf("%w: %d bytes used, quota %d", common.ErrQuotaExceeded, size, s.quotaBytes)
	}
	return nil
}

// RetentionPolicy bounds how long completed work and error records are kept.
type RetentionPolicy struct {
	RetainSynced time.Duration
	RetainErrors time.Duration
	CacheTTL     time.Duration
}

// Maintain prunes data past its retention window: synced queue items, old
// error-log entries, and expired sessions. Pending work is never touched.
func (s *Store) Maintain(ctx context.Context, now time.Time, policy RetentionPolicy) error {
	return s.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		syncedCutoff := now.Add(-policy.RetainSynced).UnixMilli()
		res, err := tx.ExecContext(ctx,
			`DELETE FROM queue_items WHERE status IN ('synced', 'archived') AND created_at < ?`, syncedCutoff)
		if err != nil {
			return fmt.Errorf("failed to prune queue items: %w", err)
		}
		pruned, _ := res.RowsAffected()

		errCutoff := now.Add(-policy.RetainErrors).UnixMilli()
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM sync_errors WHERE created_at < ?`, errCutoff); err != nil {
			return fmt.Errorf("failed to prune sync errors: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM sessions WHERE active = 0 AND expires_at < ?`, now.UnixMilli()); err != nil {
			return fmt.Errorf("failed to prune sessions: %w", err)
		}

		if s.log != nil && pruned > 0 {
			s.log.Info(ctx, "maintenance pruned completed queue items", "count", pruned)
		}
		return nil
	})
}

// Reclaim frees space under quota pressure: expired cache entries first, then
// every completed (synced or archived) queue item regardless of its retention
// window; completed work is the only queue data safe to give up early. It
// reports the number of rows removed so callers can tell whether a retry is
// worthwhile. Pending queue work is never reclaimed.
func (s *Store) Reclaim(ctx context.Context, now time.Time, policy RetentionPolicy) (int64, error) {
	var freed int64
	err := s.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		cacheCutoff := now.Add(-policy.CacheTTL).UnixMilli()
		res, err := tx.ExecContext(ctx,
			`DELETE FROM cache_entries WHERE fetched_at < ?`, cacheCutoff)
		if err != nil {
			return fmt.Errorf("failed to evict cache entries: %w", err)
		}
		n, _ := res.RowsAffected()
		freed += n

		res, err = tx.ExecContext(ctx,
			`DELETE FROM queue_items WHERE status IN ('synced', 'archived')`)
		if err != nil {
			return fmt.Errorf("failed to evict completed queue items: %w", err)
		}
		n, _ = res.RowsAffected()
		freed += n
		return nil
	})
	if err != nil {
		return 0, err
	}

	if freed > 0 {
		// Return pages to the filesystem so the quota check sees the effect.
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			return freed, fmt.Errorf("failed to vacuum: %w", err)
		}
	}
	return freed, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
