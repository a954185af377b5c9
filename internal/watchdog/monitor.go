package watchdog

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/tidewater-ai/bastion/internal/restart"
	"github.com/tidewater-ai/bastion/internal/store"
)

// Verdict is the outcome of one watchdog inspection.
type Verdict string

const (
	VerdictHealthy     Verdict = "healthy"
	VerdictNoHeartbeat Verdict = "no_heartbeat"
	VerdictHung        Verdict = "hung"
	VerdictExited      Verdict = "exited"
)

// Monitor runs in the watchdog process. It watches the main process's
// heartbeat and forces termination and restart when the process hangs.
// Restart records go through the shared governor table, so every write
// tolerates the same lock contention as any other store writer.
type Monitor struct {
	log           *logrus.Entry
	governor      *restart.Governor
	heartbeatPath string
	hangThreshold time.Duration
	pollInterval  time.Duration
	now           func() time.Time

	// kill, alive, and respawn are swapped in tests. respawn returns the
	// new pid.
	kill    func(pid int) error
	alive   func(pid int) bool
	respawn func(ctx context.Context) (int, error)

	// handledBeat remembers the heartbeat timestamp already acted on, so a
	// stale file never triggers a second kill.
	handledBeat time.Time

	hangCount    int
	restartCount int
}

// NewMonitor creates a monitor. respawn starts a fresh main process and
// returns its pid; it may be nil when restart is managed externally.
func NewMonitor(gov *restart.Governor, heartbeatPath string, hangThreshold, pollInterval time.Duration,
	respawn func(ctx context.Context) (int, error)) *Monitor {
	return &Monitor{
		log:           logrus.WithField("component", "watchdog"),
		governor:      gov,
		heartbeatPath: heartbeatPath,
		hangThreshold: hangThreshold,
		pollInterval:  pollInterval,
		now:           time.Now,
		kill:          killProcess,
		alive:         processAlive,
		respawn:       respawn,
	}
}

// CheckOnce inspects the heartbeat and remediates if needed. A hang is
// declared when the heartbeat is older than the hang threshold while the
// process still exists; the process is then force-terminated, the event is
// recorded as a hang_detected restart, and a new instance is started if
// the governor allows it.
func (m *Monitor) CheckOnce(ctx context.Context) (Verdict, error) {
	pid, at, err := ReadHeartbeat(m.heartbeatPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return VerdictNoHeartbeat, nil
		}
		return VerdictNoHeartbeat, fmt.Errorf("failed to read heartbeat: %w", err)
	}

	alive := m.alive(pid)
	stale := m.now().Sub(at) > m.hangThreshold

	switch {
	case alive && !stale:
		return VerdictHealthy, nil

	case alive && stale:
		if !at.After(m.handledBeat) {
			// Already killed for this heartbeat; waiting for a fresh one.
			return VerdictHung, nil
		}
		m.handledBeat = at
		m.hangCount++
		m.log.WithFields(logrus.Fields{
			"pid":            pid,
			"last_heartbeat": at,
		}).Error("main process hung, force-terminating")

		if err := m.kill(pid); err != nil {
			return VerdictHung, fmt.Errorf("failed to kill hung process %d: %w", pid, err)
		}
		if err := m.governor.RecordRestart(ctx, restart.ReasonHangDetected, -1); err != nil {
			m.log.WithError(err).Warn("failed to record hang restart")
		}
		return VerdictHung, m.maybeRespawn(ctx)

	default: // process gone
		if !at.After(m.handledBeat) {
			return VerdictExited, nil
		}
		m.handledBeat = at
		m.log.WithField("pid", pid).Warn("main process exited unexpectedly")
		if err := m.governor.RecordRestart(ctx, restart.ReasonCrash, -1); err != nil {
			m.log.WithError(err).Warn("failed to record crash restart")
		}
		return VerdictExited, m.maybeRespawn(ctx)
	}
}

func (m *Monitor) maybeRespawn(ctx context.Context) error {
	allowed, err := m.governor.AllowRestart(ctx)
	if err != nil {
		return fmt.Errorf("failed to consult restart governor: %w", err)
	}
	if !allowed {
		// Restart storm: leave the process down. The next supervisor start
		// (operator-initiated) finds the denial and goes OFFLINE.
		m.log.Error("restart denied by governor; not respawning")
		return nil
	}
	if m.respawn == nil {
		return nil
	}
	pid, err := m.respawn(ctx)
	if err != nil {
		return fmt.Errorf("failed to respawn main process: %w", err)
	}
	m.restartCount++
	m.log.WithField("pid", pid).Info("respawned main process")
	return nil
}

// Run polls until ctx is canceled. Errors from a single check are logged,
// never fatal to the loop.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.CheckOnce(ctx); err != nil {
				m.log.WithError(err).Warn("watchdog check failed")
			}
		}
	}
}

// Status is the exported watchdog view for health reporting.
type Status struct {
	LastHeartbeat time.Time `json:"last_heartbeat"`
	HeartbeatPID  int       `json:"heartbeat_pid"`
	ProcessAlive  bool      `json:"process_alive"`
	HangCount     int       `json:"hang_count"`
	RestartCount  int       `json:"restart_count"`
}

// ReadStatus builds the watchdog status from the heartbeat file and the
// shared restart table. It works from either process.
func ReadStatus(ctx context.Context, st *store.Store, heartbeatPath string) (Status, error) {
	var status Status

	pid, at, err := ReadHeartbeat(heartbeatPath)
	if err == nil {
		status.LastHeartbeat = at
		status.HeartbeatPID = pid
		status.ProcessAlive = processAlive(pid)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return status, err
	}

	err = st.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM restart_records WHERE reason = ?", restart.ReasonHangDetected).
		Scan(&status.HangCount)
	if err != nil {
		return status, fmt.Errorf("failed to count hangs: %w", err)
	}
	err = st.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM restart_records").Scan(&status.RestartCount)
	if err != nil {
		return status, fmt.Errorf("failed to count restarts: %w", err)
	}
	return status, nil
}

func killProcess(pid int) error {
	return unix.Kill(pid, unix.SIGKILL)
}

func processAlive(pid int) bool {
	// Signal 0 probes existence without sending anything.
	return unix.Kill(pid, 0) == nil
}
