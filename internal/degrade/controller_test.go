package degrade

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/tidewater-ai/bastion/internal/health"
)

func testController() *Controller {
	return NewController(nil, Options{
		CapabilityTable: map[string][]string{
			"llm":   {"interactive_answer", "workflow_execution"},
			"store": {"persistence", "checkpointing", "backups"},
		},
		EssentialComponents: []string{"llm", "store"},
		RecoverySuccesses:   2,
		StoreAttemptCeiling: 3,
	})
}

func criticalSummary(component string) health.Summary {
	return health.Summary{
		Status: health.StatusCritical,
		Components: []health.Result{
			{Component: component, Status: health.StatusCritical, Detail: "probe timed out", Timestamp: time.Now()},
		},
	}
}

func TestController_CriticalLLMDisablesInteractiveAnswer(t *testing.T) {
	c := testController()
	ctx := context.Background()

	// Three consecutive CRITICAL results for llm.
	for i := 0; i < 3; i++ {
		c.ObserveHealth(ctx, criticalSummary("llm"))
	}

	if c.Mode() != ModeDegraded {
		t.Fatalf("mode = %s, want DEGRADED", c.Mode())
	}

	disabled := c.DisabledCapabilities()
	if !slices.Contains(disabled, "interactive_answer") {
		t.Errorf("disabled = %v, want interactive_answer excluded from service", disabled)
	}
	if c.CapabilityAvailable("interactive_answer") {
		t.Error("interactive_answer still available while llm failed")
	}
	// Capabilities not depending on llm stay up.
	if !c.CapabilityAvailable("persistence") {
		t.Error("persistence disabled though store is healthy")
	}
}

func TestController_TwoConsecutiveOKProbesRestoreNormal(t *testing.T) {
	c := testController()
	ctx := context.Background()

	c.ObserveHealth(ctx, criticalSummary("llm"))

	probeErr := errors.New("still down")
	c.RegisterRecoveryProbe("llm", func(ctx context.Context) error { return probeErr })

	// First success does not recover (debounce).
	probeErr = nil
	c.RunRecoveryProbes(ctx)
	if c.Mode() != ModeDegraded {
		t.Fatalf("mode = %s after one OK probe, want DEGRADED", c.Mode())
	}

	c.RunRecoveryProbes(ctx)
	if c.Mode() != ModeNormal {
		t.Fatalf("mode = %s after two OK probes, want NORMAL", c.Mode())
	}
	if len(c.DisabledCapabilities()) != 0 {
		t.Errorf("disabled = %v, want none", c.DisabledCapabilities())
	}
}

func TestController_FailedProbeResetsStreak(t *testing.T) {
	c := testController()
	ctx := context.Background()

	c.ObserveHealth(ctx, criticalSummary("llm"))

	var probeErr error
	c.RegisterRecoveryProbe("llm", func(ctx context.Context) error { return probeErr })

	probeErr = nil
	c.RunRecoveryProbes(ctx) // streak 1
	probeErr = errors.New("flapped")
	c.RunRecoveryProbes(ctx) // streak reset
	probeErr = nil
	c.RunRecoveryProbes(ctx) // streak 1 again

	if c.Mode() != ModeDegraded {
		t.Fatalf("mode = %s, want DEGRADED (flap must reset the streak)", c.Mode())
	}

	c.RunRecoveryProbes(ctx) // streak 2
	if c.Mode() != ModeNormal {
		t.Fatalf("mode = %s, want NORMAL", c.Mode())
	}
}

func TestController_StoreCeilingForcesOffline(t *testing.T) {
	c := testController()
	ctx := context.Background()

	c.ObserveHealth(ctx, criticalSummary("store"))
	c.RegisterRecoveryProbe("store", func(ctx context.Context) error {
		return errors.New("database locked")
	})

	// Ceiling is 3; the initial failure counts as one attempt.
	c.RunRecoveryProbes(ctx)
	c.RunRecoveryProbes(ctx)

	if c.Mode() != ModeOffline {
		t.Fatalf("mode = %s, want OFFLINE after attempts exhausted", c.Mode())
	}
}

func TestController_OfflineIsTerminal(t *testing.T) {
	c := testController()
	ctx := context.Background()

	c.EnterOffline(ctx, "restart denied after crash loop")
	if c.Mode() != ModeOffline {
		t.Fatalf("mode = %s, want OFFLINE", c.Mode())
	}

	// No automatic way out: recovery probes and fresh health data change nothing.
	c.RegisterRecoveryProbe("llm", func(ctx context.Context) error { return nil })
	c.RunRecoveryProbes(ctx)
	c.ObserveHealth(ctx, health.Summary{
		Status: health.StatusOK,
		Components: []health.Result{
			{Component: "llm", Status: health.StatusOK},
		},
	})

	if c.Mode() != ModeOffline {
		t.Errorf("mode = %s, want OFFLINE to be terminal", c.Mode())
	}
	if c.CapabilityAvailable("interactive_answer") {
		t.Error("capabilities available while OFFLINE")
	}

	snap := c.Snapshot()
	if snap.OfflineReason == "" {
		t.Error("offline reason not recorded")
	}
}

func TestController_NonEssentialCriticalDoesNotDegrade(t *testing.T) {
	c := testController()

	c.ObserveHealth(context.Background(), criticalSummary("telemetry"))
	if c.Mode() != ModeNormal {
		t.Errorf("mode = %s, want NORMAL for non-essential component", c.Mode())
	}
}

func TestController_SnapshotCopiesState(t *testing.T) {
	c := testController()
	ctx := context.Background()

	c.HandleComponentFailure(ctx, "llm", "connection refused")
	snap := c.Snapshot()

	if snap.Mode != ModeDegraded {
		t.Errorf("snapshot mode = %s, want DEGRADED", snap.Mode)
	}
	info, ok := snap.FailedComponents["llm"]
	if !ok {
		t.Fatal("snapshot missing failed component llm")
	}
	if info.Count != 1 || info.LastError != "connection refused" {
		t.Errorf("failure info = %+v", info)
	}

	// Mutating the snapshot must not touch controller state.
	snap.FailedComponents["store"] = FailureInfo{Count: 99}
	if _, ok := c.Snapshot().FailedComponents["store"]; ok {
		t.Error("snapshot mutation leaked into controller")
	}
}
