package restart

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tidewater-ai/bastion/internal/metrics"
	"github.com/tidewater-ai/bastion/internal/store"
)

// Restart reasons shared between the supervisor and the watchdog process.
const (
	ReasonCrash        = "crash"
	ReasonHangDetected = "hang_detected"
	ReasonOperator     = "operator_requested"
)

// Record is one append-only restart_records row.
type Record struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
	ExitCode  int       `json:"exit_code"`
}

// Status is the side-effect-free view of the governor exposed to front ends.
type Status struct {
	RecentCount int       `json:"recent_count"`
	Ceiling     int       `json:"ceiling"`
	Window      string    `json:"window"`
	Allowed     bool      `json:"allowed"`
	LastRestart *Record   `json:"last_restart,omitempty"`
	AsOf        time.Time `json:"as_of"`
}

// Governor decides, under a rate limit, whether a process restart is
// allowed. It performs no process control itself; it only counts and gates.
// Both the supervisor and the watchdog process write through it, so every
// write tolerates store lock contention.
type Governor struct {
	store   *store.Store
	log     *logrus.Entry
	window  time.Duration
	ceiling int
	now     func() time.Time
}

// New creates a governor. A restart is denied once ceiling records exist in
// the trailing window.
func New(st *store.Store, window time.Duration, ceiling int) *Governor {
	return &Governor{
		store:   st,
		log:     logrus.WithField("component", "restart"),
		window:  window,
		ceiling: ceiling,
		now:     time.Now,
	}
}

// AllowRestart reports whether a restart is currently permitted. It is a
// pure decision over history: with the default ceiling of 3, exactly 3
// records inside the trailing window means deny.
func (g *Governor) AllowRestart(ctx context.Context) (bool, error) {
	count, err := g.recentCount(ctx)
	if err != nil {
		return false, err
	}
	allowed := count < g.ceiling
	if !allowed {
		metrics.RecordRestartDenied()
		g.log.WithFields(logrus.Fields{
			"recent":  count,
			"ceiling": g.ceiling,
		}).Warn("restart denied: rate limit reached")
	}
	return allowed, nil
}

// RecordRestart appends a restart record unconditionally, so the trail is
// complete even when the restart itself is denied.
func (g *Governor) RecordRestart(ctx context.Context, reason string, exitCode int) error {
	_, err := g.store.Execute(ctx,
		"INSERT INTO restart_records (timestamp, reason, exit_code) VALUES (?, ?, ?)",
		g.now().UTC(), reason, exitCode)
	if err != nil {
		return fmt.Errorf("failed to record restart: %w", err)
	}
	metrics.RecordRestart(reason)
	g.log.WithFields(logrus.Fields{
		"reason":    reason,
		"exit_code": exitCode,
	}).Info("recorded restart")
	return nil
}

// Status returns the current window count, the gate decision it implies,
// and the most recent record.
func (g *Governor) Status(ctx context.Context) (Status, error) {
	count, err := g.recentCount(ctx)
	if err != nil {
		return Status{}, err
	}

	st := Status{
		RecentCount: count,
		Ceiling:     g.ceiling,
		Window:      g.window.String(),
		Allowed:     count < g.ceiling,
		AsOf:        g.now().UTC(),
	}

	var rec Record
	err = g.store.DB().QueryRowContext(ctx,
		"SELECT id, timestamp, reason, exit_code FROM restart_records ORDER BY timestamp DESC, id DESC LIMIT 1").
		Scan(&rec.ID, &rec.Timestamp, &rec.Reason, &rec.ExitCode)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return Status{}, fmt.Errorf("failed to read last restart: %w", err)
	default:
		st.LastRestart = &rec
	}
	return st, nil
}

// History returns the most recent restart records, newest first.
func (g *Governor) History(ctx context.Context, limit int) ([]Record, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := g.store.DB().QueryContext(ctx,
		"SELECT id, timestamp, reason, exit_code FROM restart_records ORDER BY timestamp DESC, id DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query restart records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.Reason, &rec.ExitCode); err != nil {
			return nil, fmt.Errorf("failed to scan restart record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (g *Governor) recentCount(ctx context.Context) (int, error) {
	cutoff := g.now().Add(-g.window).UTC()
	var count int
	err := g.store.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM restart_records WHERE timestamp > ?", cutoff).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count restart records: %w", err)
	}
	return count, nil
}
