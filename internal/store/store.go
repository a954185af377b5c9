package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/tidewater-ai/bastion/internal/metrics"
)

// ErrStoreBusy is returned when lock contention persists past the retry budget.
var ErrStoreBusy = errors.New("store busy: retries exhausted")

const (
	defaultMaxRetries = 5
	retryBaseDelay    = 100 * time.Millisecond
	retryMaxDelay     = 2 * time.Second
	busyTimeoutMS     = 5000
	// Negative cache_size is KiB; 8 MiB page cache keeps memory bounded.
	cacheSizeKiB = 8192
)

// Store owns the single physical SQLite database. All components read and
// write through it; it is the only source of mutual exclusion between the
// supervisor's background loops and the watchdog process.
type Store struct {
	db   *sql.DB
	path string
	log  *logrus.Entry

	// writeGate serializes heavyweight writers (checkpoint, backup,
	// VACUUM/ANALYZE maintenance) so they never overlap on the store file.
	writeGate sync.Mutex

	maxRetries int
}

// Open opens (creating if necessary) the database at path, applies the
// durability pragmas, and runs migrations.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_busy_timeout=%d&_foreign_keys=on", path, busyTimeoutMS)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode supports concurrent readers with a single writer; the
	// watchdog process shares this file and relies on it.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:         db,
		path:       path,
		log:        logrus.WithField("component", "store"),
		maxRetries: defaultMaxRetries,
	}

	if err := s.configurePragmas(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		fmt.Sprintf("PRAGMA cache_size=-%d;", cacheSizeKiB),
	}
	for _, q := range pragmas {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("failed to set pragma %q: %w", q, err)
		}
	}

	// Connection-string pragmas do not always stick; verify WAL is live,
	// since crash recovery depends on it. In-memory databases report
	// "memory" and are only used by tests.
	var mode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode;").Scan(&mode); err != nil {
		return fmt.Errorf("failed to read journal_mode: %w", err)
	}
	if s.path != ":memory:" && mode != "wal" {
		return fmt.Errorf("journal_mode is %q, expected wal", mode)
	}
	return nil
}

// DB exposes the underlying handle for read-only queries. Writers must go
// through Execute or Transaction to get busy-retry behavior.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the location of the database file.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Execute runs a single statement, retrying on lock contention.
func (s *Store) Execute(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := s.retryOnBusy(ctx, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

// Transaction runs fn inside a transaction. On any error from fn the
// transaction is rolled back and no partial writes are observable. The whole
// transaction is retried on lock contention.
func (s *Store) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.log.WithError(rbErr).Warn("rollback failed")
			}
			return err
		}
		return tx.Commit()
	})
}

// Serialized runs fn while holding the write gate. Checkpoint writes, backup
// copies, and store maintenance all pass through here so they never overlap.
func (s *Store) Serialized(fn func() error) error {
	s.writeGate.Lock()
	defer s.writeGate.Unlock()
	return fn()
}

// Maintenance reclaims space and refreshes planner statistics. Callers
// schedule it during low-activity windows; the write gate keeps it away
// from in-flight checkpoint writes regardless.
func (s *Store) Maintenance(ctx context.Context) error {
	return s.Serialized(func() error {
		if _, err := s.db.ExecContext(ctx, "VACUUM;"); err != nil {
			return fmt.Errorf("vacuum failed: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, "ANALYZE;"); err != nil {
			return fmt.Errorf("analyze failed: %w", err)
		}
		s.log.Debug("maintenance pass completed")
		return nil
	})
}

// Ping verifies the store answers a trivial query within ctx's deadline.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

// retryOnBusy retries fn on SQLITE_BUSY/LOCKED with exponential backoff and
// jitter: 100ms, 200ms, 400ms, ... capped at 2s, on top of the driver's own
// busy_timeout. Anything else surfaces immediately.
func (s *Store) retryOnBusy(ctx context.Context, fn func() error) error {
	delay := retryBaseDelay
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		if attempt >= s.maxRetries {
			s.log.WithError(err).Warn("lock contention persisted past retry budget")
			return fmt.Errorf("%w: %v", ErrStoreBusy, err)
		}
		metrics.RecordStoreBusyRetry()

		jitter := time.Duration(rand.Int64N(int64(delay) / 2))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}
