package checkpoint

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tidewater-ai/bastion/internal/audit"
	"github.com/tidewater-ai/bastion/internal/metrics"
	"github.com/tidewater-ai/bastion/internal/store"
)

// ErrNoRecoverableState is returned by Recover when checkpoints exist but
// none passes hash verification. Callers decide whether to cold-start.
var ErrNoRecoverableState = errors.New("no recoverable checkpoint state")

// Snapshotter serializes and restores the supervised application state.
// The blob is opaque to the engine; the workflow engine's checkpoint hooks
// plug in here.
type Snapshotter interface {
	Snapshot(ctx context.Context) ([]byte, error)
	Restore(ctx context.Context, blob []byte) error
}

// Checkpoint is one immutable row of the checkpoints table.
type Checkpoint struct {
	ID         int64     `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	StateHash  string    `json:"state_hash"`
	SequenceNo int64     `json:"sequence_no"`
	Size       int       `json:"size"`
}

// RecoveryResult reports what Recover restored.
type RecoveryResult struct {
	// Checkpoint is nil on a cold start.
	Checkpoint *Checkpoint
	// CleanShutdown is true when the previous process wrote the graceful
	// shutdown marker.
	CleanShutdown bool
	// Skipped counts corrupt checkpoints passed over during selection.
	Skipped int
	// ColdStart is true when no checkpoint rows existed at all.
	ColdStart bool
}

// Manager writes periodic state snapshots and restores the newest verified
// one after an unclean shutdown. It owns the checkpoints table exclusively.
type Manager struct {
	store        *store.Store
	audit        *audit.Log
	log          *logrus.Entry
	snap         Snapshotter
	historyLimit int
	now          func() time.Time

	mu  sync.Mutex
	seq int64
}

// NewManager creates a checkpoint manager keeping at most historyLimit
// checkpoints.
func NewManager(st *store.Store, auditLog *audit.Log, snap Snapshotter, historyLimit int) (*Manager, error) {
	m := &Manager{
		store:        st,
		audit:        auditLog,
		log:          logrus.WithField("component", "checkpoint"),
		snap:         snap,
		historyLimit: historyLimit,
		now:          time.Now,
	}

	// Resume the monotonic sequence from the table; sequence numbers must
	// keep increasing across process restarts.
	var maxSeq sql.NullInt64
	if err := st.DB().QueryRow("SELECT MAX(sequence_no) FROM checkpoints").Scan(&maxSeq); err != nil {
		return nil, fmt.Errorf("failed to read checkpoint sequence: %w", err)
	}
	if maxSeq.Valid {
		m.seq = maxSeq.Int64
	}
	return m, nil
}

// WriteCheckpoint serializes current state and commits one checkpoint row,
// pruning history beyond the limit in the same transaction. The row, its
// hash, and the prune are atomic: a reader never sees a checkpoint whose
// hash does not match its blob.
func (m *Manager) WriteCheckpoint(ctx context.Context) (err error) {
	start := m.now()
	defer func() { metrics.ObserveCheckpoint(m.now().Sub(start), err) }()

	blob, err := m.snap.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to snapshot state: %w", err)
	}
	hash := hashBlob(blob)

	m.mu.Lock()
	defer m.mu.Unlock()
	seq := m.seq + 1

	err = m.store.Serialized(func() error {
		return m.store.Transaction(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO checkpoints (created_at, state_blob, state_hash, sequence_no) VALUES (?, ?, ?, ?)",
				m.now().UTC(), blob, hash, seq); err != nil {
				return err
			}
			// Prune oldest-first beyond the bounded history count.
			_, err := tx.ExecContext(ctx,
				`DELETE FROM checkpoints WHERE sequence_no <= (
					SELECT sequence_no FROM checkpoints ORDER BY sequence_no DESC LIMIT 1 OFFSET ?
				)`, m.historyLimit)
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}

	m.seq = seq
	m.log.WithFields(logrus.Fields{
		"sequence_no": seq,
		"size":        len(blob),
	}).Debug("checkpoint written")
	return nil
}

// Recover restores state after startup. It selects the checkpoint with the
// highest sequence number whose recomputed hash matches, skipping corrupt
// rows. Anything the application did after the restored checkpoint is
// treated as rolled back, never replayed.
func (m *Manager) Recover(ctx context.Context) (*RecoveryResult, error) {
	clean, err := m.consumeShutdownMarker(ctx)
	if err != nil {
		return nil, err
	}
	result := &RecoveryResult{CleanShutdown: clean}

	if !clean {
		m.recordAudit(ctx, audit.LevelWarn, "unclean_shutdown",
			"no graceful shutdown marker found; recovering from last verified checkpoint", nil)
	}

	rows, err := m.store.DB().QueryContext(ctx,
		"SELECT id, created_at, state_blob, state_hash, sequence_no FROM checkpoints ORDER BY sequence_no DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	found := false
	for rows.Next() {
		var (
			cp   Checkpoint
			blob []byte
		)
		if err := rows.Scan(&cp.ID, &cp.CreatedAt, &blob, &cp.StateHash, &cp.SequenceNo); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		found = true

		if hashBlob(blob) != cp.StateHash {
			result.Skipped++
			m.recordAudit(ctx, audit.LevelWarn, "corrupt_checkpoint",
				"checkpoint failed hash verification, trying older one",
				map[string]any{"sequence_no": cp.SequenceNo})
			continue
		}

		if err := m.snap.Restore(ctx, blob); err != nil {
			return nil, fmt.Errorf("failed to restore checkpoint %d: %w", cp.SequenceNo, err)
		}
		cp.Size = len(blob)
		result.Checkpoint = &cp
		metrics.RecordRecovery("restored")
		m.recordAudit(ctx, audit.LevelInfo, "state_recovered",
			"restored state from checkpoint",
			map[string]any{"sequence_no": cp.SequenceNo, "skipped": result.Skipped})
		return result, rows.Err()
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if !found {
		result.ColdStart = true
		metrics.RecordRecovery("cold_start")
		m.recordAudit(ctx, audit.LevelWarn, "cold_start",
			"no checkpoints found, starting from empty state", nil)
		return result, nil
	}

	// Rows existed but every one failed verification.
	metrics.RecordRecovery("failed")
	m.recordAudit(ctx, audit.LevelError, "recovery_failed",
		"all checkpoints failed hash verification",
		map[string]any{"skipped": result.Skipped})
	return result, ErrNoRecoverableState
}

// MarkGracefulShutdown records the marker consumed by the next startup's
// Recover. Called after in-flight transactions have drained.
func (m *Manager) MarkGracefulShutdown(ctx context.Context) error {
	_, err := m.store.Execute(ctx,
		`INSERT INTO shutdown_marker (id, clean, recorded_at) VALUES (1, 1, ?)
		 ON CONFLICT(id) DO UPDATE SET clean = 1, recorded_at = excluded.recorded_at`,
		m.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to write shutdown marker: %w", err)
	}
	return nil
}

// consumeShutdownMarker reads and clears the marker so a later crash is not
// mistaken for a clean shutdown.
func (m *Manager) consumeShutdownMarker(ctx context.Context) (bool, error) {
	var clean bool
	err := m.store.DB().QueryRowContext(ctx,
		"SELECT clean FROM shutdown_marker WHERE id = 1").Scan(&clean)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, fmt.Errorf("failed to read shutdown marker: %w", err)
	}

	if _, err := m.store.Execute(ctx,
		"UPDATE shutdown_marker SET clean = 0, recorded_at = ? WHERE id = 1", m.now().UTC()); err != nil {
		return false, fmt.Errorf("failed to clear shutdown marker: %w", err)
	}
	return clean, nil
}

// List returns checkpoint metadata (no blobs), newest first.
func (m *Manager) List(ctx context.Context, limit int) ([]Checkpoint, error) {
	if limit < 1 {
		limit = 20
	}
	rows, err := m.store.DB().QueryContext(ctx,
		`SELECT id, created_at, state_hash, sequence_no, LENGTH(state_blob)
		 FROM checkpoints ORDER BY sequence_no DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		if err := rows.Scan(&cp.ID, &cp.CreatedAt, &cp.StateHash, &cp.SequenceNo, &cp.Size); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

func (m *Manager) recordAudit(ctx context.Context, level, eventType, message string, details map[string]any) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Record(ctx, level, "checkpoint", eventType, message, details); err != nil {
		m.log.WithError(err).Warn("failed to record audit event")
	}
}

func hashBlob(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}
