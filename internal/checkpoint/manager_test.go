package checkpoint

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/tidewater-ai/bastion/internal/audit"
	"github.com/tidewater-ai/bastion/internal/store"
)

func setupTestManager(t *testing.T, historyLimit int) (*Manager, *MemoryState, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "bastion.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	state := NewMemoryState()
	m, err := NewManager(st, audit.New(st, 90, 1000), state, historyLimit)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	return m, state, st
}

func TestManager_WriteAndRecover(t *testing.T) {
	m, state, _ := setupTestManager(t, 10)
	ctx := context.Background()

	if err := state.Set("session", map[string]string{"data": "v1"}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := m.WriteCheckpoint(ctx); err != nil {
		t.Fatalf("WriteCheckpoint() error = %v", err)
	}

	// Clobber in-memory state, then recover: the checkpointed value wins.
	if err := state.Set("session", map[string]string{"data": "clobbered"}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	result, err := m.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if result.Checkpoint == nil || result.Checkpoint.SequenceNo != 1 {
		t.Fatalf("Recover() checkpoint = %+v, want sequence 1", result.Checkpoint)
	}
	if result.CleanShutdown {
		t.Error("CleanShutdown = true without marker")
	}

	var session map[string]string
	if _, err := state.Get("session", &session); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if session["data"] != "v1" {
		t.Errorf("recovered data = %q, want v1", session["data"])
	}
}

func TestManager_RecoverySelectsHighestValidSequence(t *testing.T) {
	m, state, st := setupTestManager(t, 10)
	ctx := context.Background()

	for _, v := range []string{"v1", "v2", "v3"} {
		if err := state.Set("session", map[string]string{"data": v}); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		if err := m.WriteCheckpoint(ctx); err != nil {
			t.Fatalf("WriteCheckpoint() error = %v", err)
		}
	}

	// Corrupt the newest checkpoint's blob; its stored hash no longer
	// matches, simulating a partial write.
	if _, err := st.Execute(ctx,
		"UPDATE checkpoints SET state_blob = X'DEADBEEF' WHERE sequence_no = 3"); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	result, err := m.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if result.Checkpoint.SequenceNo != 2 {
		t.Errorf("recovered sequence = %d, want 2", result.Checkpoint.SequenceNo)
	}
	if result.Skipped != 1 {
		t.Errorf("skipped = %d, want 1", result.Skipped)
	}

	var session map[string]string
	if _, err := state.Get("session", &session); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if session["data"] != "v2" {
		t.Errorf("recovered data = %q, want v2", session["data"])
	}
}

func TestManager_AllCorruptReturnsNoRecoverableState(t *testing.T) {
	m, state, st := setupTestManager(t, 10)
	ctx := context.Background()

	if err := state.Set("session", map[string]string{"data": "v1"}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := m.WriteCheckpoint(ctx); err != nil {
		t.Fatalf("WriteCheckpoint() error = %v", err)
	}

	if _, err := st.Execute(ctx, "UPDATE checkpoints SET state_blob = X'00'"); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	_, err := m.Recover(ctx)
	if !errors.Is(err, ErrNoRecoverableState) {
		t.Fatalf("Recover() error = %v, want ErrNoRecoverableState", err)
	}
}

func TestManager_ColdStartWhenNoCheckpoints(t *testing.T) {
	m, _, _ := setupTestManager(t, 10)

	result, err := m.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if !result.ColdStart {
		t.Error("ColdStart = false with empty table")
	}
	if result.Checkpoint != nil {
		t.Errorf("Checkpoint = %+v, want nil", result.Checkpoint)
	}
}

func TestManager_GracefulShutdownMarkerConsumedOnce(t *testing.T) {
	m, _, _ := setupTestManager(t, 10)
	ctx := context.Background()

	if err := m.MarkGracefulShutdown(ctx); err != nil {
		t.Fatalf("MarkGracefulShutdown() error = %v", err)
	}

	result, err := m.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if !result.CleanShutdown {
		t.Error("CleanShutdown = false right after marker written")
	}

	// The marker must not survive into the next startup.
	result, err = m.Recover(ctx)
	if err != nil {
		t.Fatalf("second Recover() error = %v", err)
	}
	if result.CleanShutdown {
		t.Error("CleanShutdown = true on second recovery; marker not consumed")
	}
}

func TestManager_PrunesHistoryOldestFirst(t *testing.T) {
	m, state, st := setupTestManager(t, 3)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		if err := state.Set("session", map[string]int{"n": i}); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		if err := m.WriteCheckpoint(ctx); err != nil {
			t.Fatalf("WriteCheckpoint() error = %v", err)
		}
	}

	cps, err := m.List(ctx, 100)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(cps) != 3 {
		t.Fatalf("got %d checkpoints, want 3", len(cps))
	}
	// Newest first; the oldest surviving sequence is 4.
	if cps[0].SequenceNo != 6 || cps[2].SequenceNo != 4 {
		t.Errorf("sequences = [%d..%d], want [6..4]", cps[0].SequenceNo, cps[2].SequenceNo)
	}

	var count int
	if err := st.DB().QueryRow("SELECT COUNT(*) FROM checkpoints").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Errorf("table rows = %d, want 3", count)
	}
}

func TestManager_SequenceResumesAcrossRestart(t *testing.T) {
	m, state, st := setupTestManager(t, 10)
	ctx := context.Background()

	if err := state.Set("session", "a"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := m.WriteCheckpoint(ctx); err != nil {
		t.Fatalf("WriteCheckpoint() error = %v", err)
	}
	if err := m.WriteCheckpoint(ctx); err != nil {
		t.Fatalf("WriteCheckpoint() error = %v", err)
	}

	// A new manager over the same store continues the sequence.
	m2, err := NewManager(st, nil, state, 10)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if err := m2.WriteCheckpoint(ctx); err != nil {
		t.Fatalf("WriteCheckpoint() error = %v", err)
	}

	cps, err := m2.List(ctx, 1)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if cps[0].SequenceNo != 3 {
		t.Errorf("sequence after restart = %d, want 3", cps[0].SequenceNo)
	}
}
