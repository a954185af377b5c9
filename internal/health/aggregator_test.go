package health

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tidewater-ai/bastion/internal/store"
)

func setupTestAggregator(t *testing.T, timeout time.Duration) (*Aggregator, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "bastion.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	return NewAggregator(st, timeout), st
}

func staticProbe(name string, status Status, detail string) Probe {
	return ProbeFunc{Component: name, Fn: func(ctx context.Context) (Status, string) {
		return status, detail
	}}
}

func TestPoll_CompositeIsWorstStatus(t *testing.T) {
	a, st := setupTestAggregator(t, time.Second)

	a.Register(staticProbe("llm", StatusOK, "responsive"))
	a.Register(staticProbe("disk", StatusWarn, "low space"))
	a.Register(staticProbe("sandbox", StatusOK, "3 active, 0 failed workers"))

	s := a.Poll(context.Background())
	if s.Status != StatusWarn {
		t.Errorf("composite = %s, want WARN", s.Status)
	}
	if len(s.Components) != 3 {
		t.Errorf("components = %d, want 3", len(s.Components))
	}

	// One persisted row per component per cycle.
	var count int
	if err := st.DB().QueryRow("SELECT COUNT(*) FROM health_check_results").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Errorf("persisted rows = %d, want 3", count)
	}
}

func TestPoll_TimeoutBecomesCritical(t *testing.T) {
	a, _ := setupTestAggregator(t, 50*time.Millisecond)

	a.Register(ProbeFunc{Component: "llm", Fn: func(ctx context.Context) (Status, string) {
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
		}
		return StatusOK, "too late"
	}})

	s := a.Poll(context.Background())
	if s.Status != StatusCritical {
		t.Fatalf("composite = %s, want CRITICAL", s.Status)
	}
	if s.Components[0].Detail == "too late" {
		t.Error("timed-out probe result used instead of timeout marker")
	}
}

func TestPoll_PanicBecomesCritical(t *testing.T) {
	a, _ := setupTestAggregator(t, time.Second)

	a.Register(ProbeFunc{Component: "sandbox", Fn: func(ctx context.Context) (Status, string) {
		panic("probe exploded")
	}})
	a.Register(staticProbe("llm", StatusOK, "responsive"))

	// Must not panic the caller.
	s := a.Poll(context.Background())
	if s.Status != StatusCritical {
		t.Errorf("composite = %s, want CRITICAL", s.Status)
	}
	for _, r := range s.Components {
		if r.Component == "sandbox" && r.Status != StatusCritical {
			t.Errorf("panicking probe status = %s, want CRITICAL", r.Status)
		}
	}
}

func TestSummary_UnknownBeforeFirstPoll(t *testing.T) {
	a, _ := setupTestAggregator(t, time.Second)

	if s := a.Summary(); s.Status != StatusUnknown {
		t.Errorf("status = %s, want UNKNOWN before any poll", s.Status)
	}
}

func TestHistory_ReturnsTrendData(t *testing.T) {
	a, _ := setupTestAggregator(t, time.Second)
	ctx := context.Background()

	a.Register(staticProbe("llm", StatusOK, "responsive"))
	a.Poll(ctx)
	a.Poll(ctx)

	history, err := a.History(ctx, "llm", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Errorf("history rows = %d, want 2", len(history))
	}
}

func TestClassifyHeadroom(t *testing.T) {
	const warn, crit = 1024 * mib, 512 * mib

	tests := []struct {
		name string
		free uint64
		want Status
	}{
		{"plenty", 10 * 1024 * mib, StatusOK},
		{"exactly warn threshold", warn, StatusOK},
		{"below warn", warn - 1, StatusWarn},
		{"exactly crit threshold", crit, StatusWarn},
		{"below crit", crit - 1, StatusCritical},
		{"empty", 0, StatusCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyHeadroom(tt.free, warn, crit); got != tt.want {
				t.Errorf("ClassifyHeadroom(%d) = %s, want %s", tt.free, got, tt.want)
			}
		})
	}
}

func TestDiskProbe_UsesThresholds(t *testing.T) {
	p := NewDiskProbe("/data", 1024, 512)
	p.statfs = func(string) (uint64, error) { return 600 * mib, nil }

	status, detail := p.Check(context.Background())
	if status != StatusWarn {
		t.Errorf("status = %s, want WARN at 600 MiB free", status)
	}
	if detail == "" {
		t.Error("detail empty")
	}

	p.statfs = func(string) (uint64, error) { return 100 * mib, nil }
	if status, _ := p.Check(context.Background()); status != StatusCritical {
		t.Errorf("status = %s, want CRITICAL at 100 MiB free", status)
	}

	p.statfs = func(string) (uint64, error) { return 0, errors.New("no such volume") }
	if status, _ := p.Check(context.Background()); status != StatusUnknown {
		t.Errorf("status = %s, want UNKNOWN on statfs error", status)
	}
}

type fakePool struct{ active, failed int }

func (f fakePool) ActiveWorkers() int { return f.active }
func (f fakePool) FailedWorkers() int { return f.failed }

func TestPoolProbe(t *testing.T) {
	tests := []struct {
		name string
		pool fakePool
		want Status
	}{
		{"healthy", fakePool{active: 4}, StatusOK},
		{"some failed", fakePool{active: 2, failed: 2}, StatusWarn},
		{"all failed", fakePool{active: 0, failed: 4}, StatusCritical},
		{"idle", fakePool{}, StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &PoolProbe{Component: "sandbox", Pool: tt.pool}
			if got, _ := p.Check(context.Background()); got != tt.want {
				t.Errorf("status = %s, want %s", got, tt.want)
			}
		})
	}
}
