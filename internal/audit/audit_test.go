package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tidewater-ai/bastion/internal/store"
)

func setupTestLog(t *testing.T) (*Log, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "bastion.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	return New(st, 90, 1000), st
}

func TestLog_RecordAndRecent(t *testing.T) {
	l, _ := setupTestLog(t)
	ctx := context.Background()

	err := l.Record(ctx, LevelWarn, "checkpoint", "corrupt_checkpoint", "hash mismatch, skipping",
		map[string]any{"sequence_no": 12})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := l.Record(ctx, LevelInfo, "health", "poll_complete", "all probes OK", nil); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	events, err := l.Recent(ctx, time.Now().Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}

	// Newest first.
	if events[0].EventType != "poll_complete" {
		t.Errorf("events[0].EventType = %q, want poll_complete", events[0].EventType)
	}
	if events[1].Details["sequence_no"] != float64(12) {
		t.Errorf("details not round-tripped: %v", events[1].Details)
	}
}

func TestLog_PurgeDeletesOnlyExpired(t *testing.T) {
	l, st := setupTestLog(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	insert := func(ts time.Time) {
		t.Helper()
		_, err := st.Execute(ctx,
			`INSERT INTO audit_events (timestamp, level, component, event_type, message, details_json)
			 VALUES (?, 'INFO', 'test', 'tick', 'm', '{}')`, ts)
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	insert(base.Add(-91 * 24 * time.Hour)) // expired
	insert(base.Add(-100 * 24 * time.Hour)) // expired
	insert(base.Add(-89 * 24 * time.Hour)) // kept
	insert(base.Add(-time.Hour))           // kept

	purged, err := l.Purge(ctx)
	if err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if purged != 2 {
		t.Errorf("purged = %d, want 2", purged)
	}

	var remaining int
	if err := st.DB().QueryRow("SELECT COUNT(*) FROM audit_events").Scan(&remaining); err != nil {
		t.Fatalf("count: %v", err)
	}
	if remaining != 2 {
		t.Errorf("remaining = %d, want 2", remaining)
	}
}

func TestLog_PurgeBatches(t *testing.T) {
	l, st := setupTestLog(t)
	l.batch = 3
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	for i := 0; i < 10; i++ {
		_, err := st.Execute(ctx,
			`INSERT INTO audit_events (timestamp, level, component, event_type, message, details_json)
			 VALUES (?, 'INFO', 'test', 'tick', 'm', '{}')`, base.Add(-200*24*time.Hour))
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	purged, err := l.Purge(ctx)
	if err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if purged != 10 {
		t.Errorf("purged = %d, want 10", purged)
	}
}

func TestLog_WriteBundle(t *testing.T) {
	l, _ := setupTestLog(t)
	ctx := context.Background()

	if err := l.Record(ctx, LevelInfo, "health", "poll_complete", "ok", nil); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	var buf bytes.Buffer
	sections := map[string]any{
		"health_snapshot":   map[string]any{"status": "OK"},
		"degradation_state": map[string]any{"mode": "NORMAL"},
	}
	if err := l.WriteBundle(ctx, &buf, time.Hour, sections); err != nil {
		t.Fatalf("WriteBundle() error = %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("bundle is not a valid zip: %v", err)
	}

	want := map[string]bool{
		"manifest.json":          false,
		"audit_events.json":      false,
		"health_snapshot.json":   false,
		"degradation_state.json": false,
	}
	for _, f := range zr.File {
		if _, ok := want[f.Name]; ok {
			want[f.Name] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("bundle missing entry %s", name)
		}
	}
}
