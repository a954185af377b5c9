package degrade

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tidewater-ai/bastion/internal/audit"
	"github.com/tidewater-ai/bastion/internal/health"
	"github.com/tidewater-ai/bastion/internal/metrics"
)

// Mode is the coarse system-wide capability-availability level.
type Mode string

const (
	ModeNormal   Mode = "NORMAL"
	ModeDegraded Mode = "DEGRADED"
	// ModeOffline is terminal until operator intervention.
	ModeOffline Mode = "OFFLINE"
)

// FailureInfo tracks one failed component.
type FailureInfo struct {
	Count       int       `json:"count"`
	LastAttempt time.Time `json:"last_attempt"`
	LastError   string    `json:"last_error,omitempty"`
	OKStreak    int       `json:"ok_streak"`
}

// State is a point-in-time snapshot of the controller, used by the
// diagnostics bundle and the accessor API.
type State struct {
	Mode                 Mode                   `json:"mode"`
	DisabledCapabilities []string               `json:"disabled_capabilities"`
	FailedComponents     map[string]FailureInfo `json:"failed_components"`
	OfflineReason        string                 `json:"offline_reason,omitempty"`
}

// RecoveryProbe reports whether a previously failed component is healthy
// again. It must be bounded by ctx.
type RecoveryProbe func(ctx context.Context) error

// Controller is the degradation state machine. All mutation goes through
// its transition methods; readers use Mode, CapabilityAvailable, and
// Snapshot. It is the sole owner of the in-memory degradation state.
type Controller struct {
	log   *logrus.Entry
	audit *audit.Log
	now   func() time.Time

	// Static capability-dependency table: component → capabilities that
	// become unavailable when it fails.
	capTable  map[string][]string
	essential map[string]bool

	// Consecutive successful recovery probes required before a component
	// counts as recovered (debounce against flapping).
	recoverySuccesses int
	// Recovery-attempt ceiling for the store before going OFFLINE.
	storeAttemptCeiling int

	mu            sync.Mutex
	mode          Mode
	failed        map[string]*FailureInfo
	probes        map[string]RecoveryProbe
	offlineReason string
}

// Options configures a Controller.
type Options struct {
	CapabilityTable     map[string][]string
	EssentialComponents []string
	RecoverySuccesses   int
	StoreAttemptCeiling int
}

// NewController creates a controller in NORMAL mode.
func NewController(auditLog *audit.Log, opts Options) *Controller {
	if opts.RecoverySuccesses < 1 {
		opts.RecoverySuccesses = 2
	}
	if opts.StoreAttemptCeiling < 1 {
		opts.StoreAttemptCeiling = 5
	}
	essential := make(map[string]bool, len(opts.EssentialComponents))
	for _, c := range opts.EssentialComponents {
		essential[c] = true
	}
	return &Controller{
		log:                 logrus.WithField("component", "degrade"),
		audit:               auditLog,
		now:                 time.Now,
		capTable:            opts.CapabilityTable,
		essential:           essential,
		recoverySuccesses:   opts.RecoverySuccesses,
		storeAttemptCeiling: opts.StoreAttemptCeiling,
		mode:                ModeNormal,
		failed:              make(map[string]*FailureInfo),
		probes:              make(map[string]RecoveryProbe),
	}
}

// RegisterRecoveryProbe installs the probe used to decide when component
// has recovered.
func (c *Controller) RegisterRecoveryProbe(component string, probe RecoveryProbe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[component] = probe
}

// ObserveHealth applies one health summary: any essential component whose
// latest result is CRITICAL is marked failed.
func (c *Controller) ObserveHealth(ctx context.Context, summary health.Summary) {
	for _, r := range summary.Components {
		if r.Status == health.StatusCritical && c.essential[r.Component] {
			c.HandleComponentFailure(ctx, r.Component, r.Detail)
		}
	}
}

// HandleComponentFailure records an inline-caught component failure and
// transitions NORMAL → DEGRADED.
func (c *Controller) HandleComponentFailure(ctx context.Context, component, detail string) {
	c.mu.Lock()
	if c.mode == ModeOffline {
		c.mu.Unlock()
		return
	}

	info, known := c.failed[component]
	if !known {
		info = &FailureInfo{}
		c.failed[component] = info
	}
	info.Count++
	info.OKStreak = 0
	info.LastAttempt = c.now()
	info.LastError = detail

	entered := c.mode == ModeNormal
	c.mode = ModeDegraded
	disabled := c.disabledLocked()
	c.publishLocked()
	c.mu.Unlock()

	if entered {
		c.log.WithFields(logrus.Fields{
			"failed_component": component,
			"disabled":         disabled,
		}).Warn("entering DEGRADED mode")
		c.recordAudit(ctx, audit.LevelWarn, "mode_degraded",
			"entering DEGRADED mode", map[string]any{
				"component": component,
				"detail":    detail,
				"disabled":  disabled,
			})
	}
}

// RunRecoveryProbes probes every failed component once. A component is
// recovered after the configured number of consecutive successes; when the
// last one recovers, DEGRADED → NORMAL. Exhausting the store's attempt
// ceiling forces OFFLINE.
func (c *Controller) RunRecoveryProbes(ctx context.Context) {
	c.mu.Lock()
	if c.mode != ModeDegraded {
		c.mu.Unlock()
		return
	}
	pending := make(map[string]RecoveryProbe, len(c.failed))
	for component := range c.failed {
		if probe, ok := c.probes[component]; ok {
			pending[component] = probe
		}
	}
	c.mu.Unlock()

	for component, probe := range pending {
		err := probe(ctx)
		c.applyProbeResult(ctx, component, err)
	}
}

func (c *Controller) applyProbeResult(ctx context.Context, component string, probeErr error) {
	c.mu.Lock()
	if c.mode != ModeDegraded {
		c.mu.Unlock()
		return
	}
	info, ok := c.failed[component]
	if !ok {
		c.mu.Unlock()
		return
	}
	info.LastAttempt = c.now()

	if probeErr != nil {
		info.OKStreak = 0
		info.Count++
		info.LastError = probeErr.Error()
		if component == "store" && info.Count >= c.storeAttemptCeiling {
			c.enterOfflineLocked("store recovery attempts exhausted")
			c.mu.Unlock()
			c.recordAudit(ctx, audit.LevelCritical, "mode_offline",
				"store recovery attempts exhausted, going OFFLINE", nil)
			return
		}
		c.mu.Unlock()
		return
	}

	info.OKStreak++
	if info.OKStreak < c.recoverySuccesses {
		c.mu.Unlock()
		return
	}

	delete(c.failed, component)
	recoveredAll := len(c.failed) == 0
	if recoveredAll {
		c.mode = ModeNormal
	}
	c.publishLocked()
	c.mu.Unlock()

	c.log.WithField("recovered_component", component).Info("component recovered")
	c.recordAudit(ctx, audit.LevelInfo, "component_recovered",
		"component recovered after consecutive successful probes",
		map[string]any{"component": component})
	if recoveredAll {
		c.recordAudit(ctx, audit.LevelInfo, "mode_normal", "all components recovered, back to NORMAL", nil)
	}
}

// EnterOffline forces the terminal OFFLINE mode. Used when the restart
// governor denies a restart after a crash loop, or on fatal store errors.
func (c *Controller) EnterOffline(ctx context.Context, reason string) {
	c.mu.Lock()
	if c.mode == ModeOffline {
		c.mu.Unlock()
		return
	}
	c.enterOfflineLocked(reason)
	c.mu.Unlock()

	c.log.WithField("reason", reason).Error("entering OFFLINE mode; operator intervention required")
	c.recordAudit(ctx, audit.LevelCritical, "mode_offline", reason, nil)
}

func (c *Controller) enterOfflineLocked(reason string) {
	c.mode = ModeOffline
	c.offlineReason = reason
	c.publishLocked()
}

// publishLocked exports the mode gauges. Caller holds c.mu.
func (c *Controller) publishLocked() {
	idx := 0
	switch c.mode {
	case ModeDegraded:
		idx = 1
	case ModeOffline:
		idx = 2
	}
	metrics.SetMode(idx, len(c.disabledLocked()))
}

// Mode returns the current mode.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// DisabledCapabilities returns the capabilities currently unavailable,
// sorted. Callers use it to pick a fallback path rather than failing.
func (c *Controller) DisabledCapabilities() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disabledLocked()
}

// CapabilityAvailable reports whether a capability is currently usable.
func (c *Controller) CapabilityAvailable(capability string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == ModeOffline {
		return false
	}
	for _, cap := range c.disabledLocked() {
		if cap == capability {
			return false
		}
	}
	return true
}

// Snapshot returns a copy of the full degradation state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	failed := make(map[string]FailureInfo, len(c.failed))
	for component, info := range c.failed {
		failed[component] = *info
	}
	return State{
		Mode:                 c.mode,
		DisabledCapabilities: c.disabledLocked(),
		FailedComponents:     failed,
		OfflineReason:        c.offlineReason,
	}
}

// disabledLocked computes disabled capabilities from the capability table
// and the current failed set. Caller holds c.mu.
func (c *Controller) disabledLocked() []string {
	seen := make(map[string]bool)
	for component := range c.failed {
		for _, cap := range c.capTable[component] {
			seen[cap] = true
		}
	}
	disabled := make([]string, 0, len(seen))
	for cap := range seen {
		disabled = append(disabled, cap)
	}
	sort.Strings(disabled)
	return disabled
}

func (c *Controller) recordAudit(ctx context.Context, level, eventType, message string, details map[string]any) {
	if c.audit == nil {
		return
	}
	if err := c.audit.Record(ctx, level, "degrade", eventType, message, details); err != nil {
		c.log.WithError(err).Warn("failed to record audit event")
	}
}
