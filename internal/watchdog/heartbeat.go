package watchdog

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Heartbeat periodically writes the main process's liveness marker: a file
// holding the pid and the time of the last beat. This file plus the OS
// process table is the entire channel between the supervisor and the
// watchdog process.
type Heartbeat struct {
	Path     string
	Interval time.Duration

	pid int
	now func() time.Time
}

// NewHeartbeat creates a heartbeat writer for the current process.
func NewHeartbeat(path string, interval time.Duration) *Heartbeat {
	return &Heartbeat{
		Path:     path,
		Interval: interval,
		pid:      os.Getpid(),
		now:      time.Now,
	}
}

// Beat writes one heartbeat. The write is atomic (temp file + rename) so
// the watchdog never reads a torn heartbeat.
func (h *Heartbeat) Beat() error {
	content := fmt.Sprintf("%d\n%s\n", h.pid, h.now().UTC().Format(time.RFC3339Nano))
	tmp := h.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write heartbeat: %w", err)
	}
	if err := os.Rename(tmp, h.Path); err != nil {
		return fmt.Errorf("failed to publish heartbeat: %w", err)
	}
	return nil
}

// Run beats until ctx is canceled. The first beat happens immediately so
// the watchdog sees the process as soon as it is up.
func (h *Heartbeat) Run(ctx context.Context) error {
	if err := h.Beat(); err != nil {
		return err
	}
	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := h.Beat(); err != nil {
				return err
			}
		}
	}
}

// ReadHeartbeat parses a heartbeat file.
func ReadHeartbeat(path string) (pid int, at time.Time, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, time.Time{}, err
	}
	lines := strings.SplitN(strings.TrimSpace(string(data)), "\n", 2)
	if len(lines) != 2 {
		return 0, time.Time{}, fmt.Errorf("malformed heartbeat file %s", path)
	}
	pid, err = strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("malformed heartbeat pid: %w", err)
	}
	at, err = time.Parse(time.RFC3339Nano, strings.TrimSpace(lines[1]))
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("malformed heartbeat timestamp: %w", err)
	}
	return pid, at, nil
}
