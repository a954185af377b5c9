// bastion-watchdog is the external watchdog process. It shares nothing
// with the supervisor but the heartbeat file and the SQLite store, so a
// hung or dead supervisor cannot take the watchdog down with it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/tidewater-ai/bastion/internal/config"
	"github.com/tidewater-ai/bastion/internal/restart"
	"github.com/tidewater-ai/bastion/internal/store"
	"github.com/tidewater-ai/bastion/internal/watchdog"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config file (optional)")
		startCmd   = flag.String("start-cmd", "", "Command to respawn the supervisor (empty: restart managed externally)")
		logLevel   = flag.String("log-level", "info", "Log level (debug|info|warn|error)")
	)
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg := config.DefaultConfig()
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			logrus.Fatalf("Failed to load config: %v", err)
		}
	}

	log := logrus.WithField("component", "watchdog-main")
	log.WithFields(logrus.Fields{
		"heartbeat":      cfg.Watchdog.HeartbeatPath,
		"hang_threshold": cfg.Watchdog.HangThreshold.Std().String(),
	}).Info("starting bastion watchdog")

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		logrus.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	gov := restart.New(st, cfg.Restart.Window.Std(), cfg.Restart.Ceiling)

	var respawn func(ctx context.Context) (int, error)
	if *startCmd != "" {
		respawn = spawner(*startCmd)
	}

	monitor := watchdog.NewMonitor(gov, cfg.Watchdog.HeartbeatPath,
		cfg.Watchdog.HangThreshold.Std(), cfg.Watchdog.PollInterval.Std(), respawn)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
		sig := <-shutdown
		log.WithField("signal", sig.String()).Info("shutting down")
		cancel()
	}()

	monitor.Run(ctx)
	log.Info("watchdog stopped")
}

// spawner builds a respawn function from a shell-free command line. The
// child is fully detached, so it outlives the watchdog.
func spawner(cmdline string) func(ctx context.Context) (int, error) {
	parts := strings.Fields(cmdline)
	return func(ctx context.Context) (int, error) {
		if len(parts) == 0 {
			return 0, fmt.Errorf("empty start command")
		}
		cmd := exec.Command(parts[0], parts[1:]...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
		if err := cmd.Start(); err != nil {
			return 0, fmt.Errorf("failed to start %q: %w", parts[0], err)
		}
		pid := cmd.Process.Pid
		// Reap the child when it exits so it never zombies.
		go func() { _ = cmd.Wait() }()
		return pid, nil
	}
}
