package watchdog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tidewater-ai/bastion/internal/restart"
	"github.com/tidewater-ai/bastion/internal/store"
)

func setupTestMonitor(t *testing.T) (*Monitor, *store.Store, string) {
	t.Helper()

	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "bastion.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	gov := restart.New(st, time.Hour, 3)
	hbPath := filepath.Join(dir, "heartbeat")
	m := NewMonitor(gov, hbPath, 30*time.Second, 5*time.Second, nil)
	return m, st, hbPath
}

func writeHeartbeat(t *testing.T, path string, pid int, at time.Time) {
	t.Helper()
	hb := &Heartbeat{Path: path, pid: pid, now: func() time.Time { return at }}
	if err := hb.Beat(); err != nil {
		t.Fatalf("failed to write heartbeat: %v", err)
	}
}

func TestHeartbeat_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heartbeat")
	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	writeHeartbeat(t, path, 4242, at)

	pid, got, err := ReadHeartbeat(path)
	if err != nil {
		t.Fatalf("ReadHeartbeat() error = %v", err)
	}
	if pid != 4242 {
		t.Errorf("pid = %d, want 4242", pid)
	}
	if !got.Equal(at) {
		t.Errorf("timestamp = %v, want %v", got, at)
	}
}

func TestCheckOnce_HealthyWithinThreshold(t *testing.T) {
	m, _, hbPath := setupTestMonitor(t)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	writeHeartbeat(t, hbPath, 4242, base.Add(-10*time.Second))
	m.now = func() time.Time { return base }
	m.alive = func(int) bool { return true }

	v, err := m.CheckOnce(context.Background())
	if err != nil {
		t.Fatalf("CheckOnce() error = %v", err)
	}
	if v != VerdictHealthy {
		t.Errorf("verdict = %s, want healthy", v)
	}
}

func TestCheckOnce_HangDetectedKillsAndRecordsOnce(t *testing.T) {
	m, st, hbPath := setupTestMonitor(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	// Heartbeat silent for 31s with the hang threshold at 30s.
	writeHeartbeat(t, hbPath, 4242, base.Add(-31*time.Second))
	m.now = func() time.Time { return base }
	m.alive = func(int) bool { return true }

	killed := 0
	m.kill = func(pid int) error {
		if pid != 4242 {
			t.Errorf("killed pid %d, want 4242", pid)
		}
		killed++
		return nil
	}

	v, err := m.CheckOnce(ctx)
	if err != nil {
		t.Fatalf("CheckOnce() error = %v", err)
	}
	if v != VerdictHung {
		t.Fatalf("verdict = %s, want hung", v)
	}
	if killed != 1 {
		t.Errorf("kill called %d times, want 1", killed)
	}

	// A second poll over the same stale heartbeat must not kill or record
	// again.
	if _, err := m.CheckOnce(ctx); err != nil {
		t.Fatalf("second CheckOnce() error = %v", err)
	}
	if killed != 1 {
		t.Errorf("kill called %d times after second poll, want 1", killed)
	}

	var count int
	err = st.DB().QueryRow(
		"SELECT COUNT(*) FROM restart_records WHERE reason = ?", restart.ReasonHangDetected).Scan(&count)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("hang_detected records = %d, want exactly 1", count)
	}
}

func TestCheckOnce_FreshHeartbeatJustUnderThreshold(t *testing.T) {
	m, st, hbPath := setupTestMonitor(t)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	writeHeartbeat(t, hbPath, 4242, base.Add(-30*time.Second)) // exactly at threshold
	m.now = func() time.Time { return base }
	m.alive = func(int) bool { return true }

	v, err := m.CheckOnce(context.Background())
	if err != nil {
		t.Fatalf("CheckOnce() error = %v", err)
	}
	if v != VerdictHealthy {
		t.Errorf("verdict = %s, want healthy at exactly the threshold", v)
	}

	var count int
	if err := st.DB().QueryRow("SELECT COUNT(*) FROM restart_records").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("restart records = %d, want 0", count)
	}
}

func TestCheckOnce_RespawnDeniedByGovernor(t *testing.T) {
	m, st, hbPath := setupTestMonitor(t)
	ctx := context.Background()

	// Exhaust the window before the hang.
	gov := restart.New(st, time.Hour, 3)
	for i := 0; i < 3; i++ {
		if err := gov.RecordRestart(ctx, restart.ReasonCrash, 1); err != nil {
			t.Fatalf("RecordRestart() error = %v", err)
		}
	}

	base := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	writeHeartbeat(t, hbPath, 4242, base.Add(-time.Minute))
	m.now = func() time.Time { return base }
	m.alive = func(int) bool { return true }
	m.kill = func(int) error { return nil }

	respawned := false
	m.respawn = func(ctx context.Context) (int, error) {
		respawned = true
		return 4243, nil
	}

	if _, err := m.CheckOnce(ctx); err != nil {
		t.Fatalf("CheckOnce() error = %v", err)
	}
	if respawned {
		t.Error("respawned despite governor denial")
	}
	// The hang itself is still recorded (audit trail is unconditional).
	var count int
	err := st.DB().QueryRow(
		"SELECT COUNT(*) FROM restart_records WHERE reason = ?", restart.ReasonHangDetected).Scan(&count)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("hang_detected records = %d, want 1", count)
	}
}

func TestCheckOnce_ExitedProcessRespawned(t *testing.T) {
	m, _, hbPath := setupTestMonitor(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	writeHeartbeat(t, hbPath, 4242, base.Add(-time.Second))
	m.now = func() time.Time { return base }
	m.alive = func(int) bool { return false }

	respawned := false
	m.respawn = func(ctx context.Context) (int, error) {
		respawned = true
		return 4243, nil
	}

	v, err := m.CheckOnce(ctx)
	if err != nil {
		t.Fatalf("CheckOnce() error = %v", err)
	}
	if v != VerdictExited {
		t.Errorf("verdict = %s, want exited", v)
	}
	if !respawned {
		t.Error("exited process not respawned")
	}
}

func TestCheckOnce_NoHeartbeatFile(t *testing.T) {
	m, _, _ := setupTestMonitor(t)

	v, err := m.CheckOnce(context.Background())
	if err != nil {
		t.Fatalf("CheckOnce() error = %v", err)
	}
	if v != VerdictNoHeartbeat {
		t.Errorf("verdict = %s, want no_heartbeat", v)
	}
}

func TestReadStatus(t *testing.T) {
	m, st, hbPath := setupTestMonitor(t)
	ctx := context.Background()

	writeHeartbeat(t, hbPath, os.Getpid(), time.Now())
	if err := m.governor.RecordRestart(ctx, restart.ReasonHangDetected, -1); err != nil {
		t.Fatalf("RecordRestart() error = %v", err)
	}
	if err := m.governor.RecordRestart(ctx, restart.ReasonCrash, 1); err != nil {
		t.Fatalf("RecordRestart() error = %v", err)
	}

	status, err := ReadStatus(ctx, st, hbPath)
	if err != nil {
		t.Fatalf("ReadStatus() error = %v", err)
	}
	if status.HeartbeatPID != os.Getpid() {
		t.Errorf("pid = %d, want %d", status.HeartbeatPID, os.Getpid())
	}
	if !status.ProcessAlive {
		t.Error("ProcessAlive = false for current process")
	}
	if status.HangCount != 1 {
		t.Errorf("HangCount = %d, want 1", status.HangCount)
	}
	if status.RestartCount != 2 {
		t.Errorf("RestartCount = %d, want 2", status.RestartCount)
	}
}
