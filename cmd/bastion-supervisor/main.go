package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tidewater-ai/bastion/internal/api"
	"github.com/tidewater-ai/bastion/internal/audit"
	"github.com/tidewater-ai/bastion/internal/checkpoint"
	"github.com/tidewater-ai/bastion/internal/config"
	"github.com/tidewater-ai/bastion/internal/degrade"
	"github.com/tidewater-ai/bastion/internal/health"
	"github.com/tidewater-ai/bastion/internal/integrity"
	"github.com/tidewater-ai/bastion/internal/restart"
	"github.com/tidewater-ai/bastion/internal/sched"
	"github.com/tidewater-ai/bastion/internal/store"
	"github.com/tidewater-ai/bastion/internal/watchdog"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config file (optional)")
		schemaPath = flag.String("schema", "schemas/supervisor_v1.json", "Path to config JSON schema")
		dataDir    = flag.String("data-dir", "", "Override data directory")
		logLevel   = flag.String("log-level", "", "Override log level (debug|info|warn|error)")
	)
	flag.Parse()

	cfg := loadConfig(*configPath, *schemaPath)
	if *dataDir != "" {
		cfg.DataDir = *dataDir
		cfg.Store.Path = filepath.Join(*dataDir, "bastion.db")
		cfg.Backup.Dir = filepath.Join(*dataDir, "backups")
		cfg.Watchdog.HeartbeatPath = filepath.Join(*dataDir, "heartbeat")
		cfg.Health.DiskPath = *dataDir
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	setupLogging(cfg.Logging)

	log := logrus.WithField("component", "supervisor")
	log.WithFields(logrus.Fields{
		"data_dir": cfg.DataDir,
		"store":    cfg.Store.Path,
	}).Info("starting bastion supervisor")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logrus.Fatalf("Failed to create data dir: %v", err)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		logrus.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	auditLog := audit.New(st, cfg.Audit.RetentionDays, cfg.Audit.PurgeBatch)

	state := checkpoint.NewMemoryState()
	cpMgr, err := checkpoint.NewManager(st, auditLog, state, cfg.Checkpoint.HistoryLimit)
	if err != nil {
		logrus.Fatalf("Failed to create checkpoint manager: %v", err)
	}

	controller := degrade.NewController(auditLog, degrade.Options{
		CapabilityTable:     cfg.CapabilityTable(),
		EssentialComponents: cfg.Degradation.EssentialComponents,
		RecoverySuccesses:   cfg.Degradation.RecoverySuccesses,
		StoreAttemptCeiling: cfg.Degradation.StoreAttemptCeiling,
	})

	gov := restart.New(st, cfg.Restart.Window.Std(), cfg.Restart.Ceiling)

	// Recover state before anything else runs: every later subsystem sees
	// either the restored checkpoint or a declared cold start.
	ctx := context.Background()
	unclean := false
	result, err := cpMgr.Recover(ctx)
	switch {
	case errors.Is(err, checkpoint.ErrNoRecoverableState):
		log.Error("all checkpoints failed verification; continuing from empty state in DEGRADED mode")
		controller.HandleComponentFailure(ctx, "store", "no recoverable checkpoint state")
		unclean = true
	case err != nil:
		logrus.Fatalf("Recovery failed: %v", err)
	case result.ColdStart:
		log.Info("cold start, no previous state")
	default:
		log.WithFields(logrus.Fields{
			"sequence_no":    result.Checkpoint.SequenceNo,
			"clean_shutdown": result.CleanShutdown,
			"skipped":        result.Skipped,
		}).Info("state recovered")
		unclean = !result.CleanShutdown
	}
	if unclean {
		if err := enforceRestartCeiling(ctx, gov, controller); err != nil {
			log.WithError(err).Error("failed to consult restart governor")
		}
	}

	agg := health.NewAggregator(st, cfg.Health.ProbeTimeout.Std())
	agg.Register(&health.StoreProbe{Store: st})
	agg.Register(health.NewDiskProbe(cfg.Health.DiskPath, cfg.Health.DiskWarnMiB, cfg.Health.DiskCritMiB))
	agg.Register(health.NewMemoryProbe(cfg.Health.MemWarnMiB, cfg.Health.MemCritMiB))

	registerRecoveryProbes(controller, st, cfg)

	eng := integrity.NewEngine(st, auditLog, cfg.Backup.Dir, integrity.Retention{
		KeepFull:          cfg.Backup.KeepFull,
		IncrementalWindow: cfg.Backup.IncrementalWindow.Std(),
		ArchiveWindow:     cfg.Backup.ArchiveWindow.Std(),
	})

	scheduler := sched.New()
	registerJobs(scheduler, cfg, st, auditLog, cpMgr, agg, controller, eng)
	if err := scheduler.Start(); err != nil {
		logrus.Fatalf("Failed to start scheduler: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	heartbeat := watchdog.NewHeartbeat(cfg.Watchdog.HeartbeatPath, cfg.Watchdog.HeartbeatInterval.Std())
	go func() {
		if err := heartbeat.Run(runCtx); err != nil && runCtx.Err() == nil {
			log.WithError(err).Error("heartbeat writer stopped")
		}
	}()

	apiServer := api.NewServer(api.Deps{
		Store:         st,
		Audit:         auditLog,
		Checkpoints:   cpMgr,
		Health:        agg,
		Degrade:       controller,
		Governor:      gov,
		Integrity:     eng,
		Scheduler:     scheduler,
		HeartbeatPath: cfg.Watchdog.HeartbeatPath,
		Capabilities:  capabilityUniverse(cfg),
	}, fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port))

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- apiServer.Start()
	}()

	auditLog.Record(ctx, audit.LevelInfo, "supervisor", "startup_complete", "supervisor started",
		map[string]any{"cold_start": result != nil && result.ColdStart})

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logrus.Fatalf("API server error: %v", err)

	case sig := <-shutdown:
		log.WithField("signal", sig.String()).Info("shutting down")

		cancel()
		scheduler.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("API server shutdown failed")
		}

		// Final checkpoint, then the marker: the marker must never claim a
		// clean shutdown the checkpoint does not back.
		if err := cpMgr.WriteCheckpoint(shutdownCtx); err != nil {
			log.WithError(err).Error("final checkpoint failed")
		} else if err := cpMgr.MarkGracefulShutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("failed to record graceful shutdown")
		}
		auditLog.Record(shutdownCtx, audit.LevelInfo, "supervisor", "shutdown_complete", "supervisor stopped", nil)

		log.Info("shutdown complete")
	}
}

// enforceRestartCeiling consults the governor after an unclean shutdown.
// A boot that follows a crash is a restart for windowing purposes; when
// the watchdog has already been denied, the host is crash-looping and
// must land in the terminal OFFLINE mode instead of running as healthy.
func enforceRestartCeiling(ctx context.Context, gov *restart.Governor, controller *degrade.Controller) error {
	allowed, err := gov.AllowRestart(ctx)
	if err != nil {
		return err
	}
	if !allowed {
		controller.EnterOffline(ctx, "restart ceiling exceeded after unclean shutdown")
	}
	return nil
}

// registerRecoveryProbes installs a recovery probe for every essential
// component the supervisor observes locally, so a DEGRADED entry can
// always clear. Components backed by an external collaborator (the LLM
// subsystem) register their probe where the collaborator is wired.
func registerRecoveryProbes(controller *degrade.Controller, st *store.Store, cfg config.Config) {
	controller.RegisterRecoveryProbe("store", func(ctx context.Context) error {
		return st.Ping(ctx)
	})
	probes := []health.Probe{
		health.NewDiskProbe(cfg.Health.DiskPath, cfg.Health.DiskWarnMiB, cfg.Health.DiskCritMiB),
		health.NewMemoryProbe(cfg.Health.MemWarnMiB, cfg.Health.MemCritMiB),
	}
	for _, p := range probes {
		controller.RegisterRecoveryProbe(p.Name(), recoveryProbe(p))
	}
}

// recoveryProbe adapts a health probe: anything short of CRITICAL counts
// as a successful recovery attempt.
func recoveryProbe(p health.Probe) degrade.RecoveryProbe {
	return func(ctx context.Context) error {
		if status, detail := p.Check(ctx); status == health.StatusCritical {
			return errors.New(detail)
		}
		return nil
	}
}

// registerJobs wires every periodic task. Serialized store work (backups,
// maintenance) goes through the store's write gate inside the component
// itself; the scheduler only sequences the calls.
func registerJobs(
	scheduler *sched.Scheduler,
	cfg config.Config,
	st *store.Store,
	auditLog *audit.Log,
	cpMgr *checkpoint.Manager,
	agg *health.Aggregator,
	controller *degrade.Controller,
	eng *integrity.Engine,
) {
	must := func(err error) {
		if err != nil {
			logrus.Fatalf("Failed to register job: %v", err)
		}
	}

	must(scheduler.Register(&sched.Job{
		Name:     "checkpoint",
		Interval: cfg.Checkpoint.Interval.Std(),
		Run:      cpMgr.WriteCheckpoint,
	}))

	must(scheduler.Register(&sched.Job{
		Name:      "health-poll",
		Interval:  cfg.Health.PollInterval.Std(),
		Immediate: true,
		Run: func(ctx context.Context) error {
			summary := agg.Poll(ctx)
			controller.ObserveHealth(ctx, summary)
			return nil
		},
	}))

	must(scheduler.Register(&sched.Job{
		Name:     "recovery-probes",
		Interval: cfg.Degradation.RecoveryProbeInterval.Std(),
		Run: func(ctx context.Context) error {
			controller.RunRecoveryProbes(ctx)
			return nil
		},
	}))

	must(scheduler.Register(&sched.Job{
		Name:     "backup-full",
		Interval: cfg.Backup.FullInterval.Std(),
		Run: func(ctx context.Context) error {
			var err error
			serErr := st.Serialized(func() error {
				_, err = eng.CreateBackup(ctx, cfg.Store.Path, integrity.BackupFull)
				return err
			})
			if serErr != nil {
				return serErr
			}
			_, cleanupErr := eng.CleanupOldBackups(ctx, integrity.BackupFull)
			return cleanupErr
		},
	}))

	must(scheduler.Register(&sched.Job{
		Name:     "backup-incremental",
		Interval: cfg.Backup.IncrementalInterval.Std(),
		Run: func(ctx context.Context) error {
			var err error
			serErr := st.Serialized(func() error {
				_, err = eng.CreateBackup(ctx, cfg.Store.Path, integrity.BackupIncremental)
				return err
			})
			if serErr != nil {
				return serErr
			}
			_, cleanupErr := eng.CleanupOldBackups(ctx, integrity.BackupIncremental)
			return cleanupErr
		},
	}))

	must(scheduler.Register(&sched.Job{
		Name:     "integrity-check",
		Interval: cfg.Backup.IntegrityInterval.Std(),
		Run: func(ctx context.Context) error {
			backups, err := eng.ListBackups(ctx, "", 10)
			if err != nil {
				return err
			}
			for _, b := range backups {
				if _, _, err := eng.CheckIntegrity(ctx, b.FilePath); err != nil {
					return err
				}
			}
			return nil
		},
	}))

	must(scheduler.Register(&sched.Job{
		Name:     "audit-purge",
		Interval: cfg.Audit.PurgeInterval.Std(),
		Run: func(ctx context.Context) error {
			_, err := auditLog.Purge(ctx)
			return err
		},
	}))

	must(scheduler.Register(&sched.Job{
		Name:     "store-maintenance",
		Interval: cfg.Store.MaintenanceInterval.Std(),
		Gate: func(now time.Time) bool {
			return inLowActivityWindow(now, cfg.Store.LowActivityStartHour, cfg.Store.LowActivityEndHour)
		},
		Run: st.Maintenance,
	}))
}

// inLowActivityWindow reports whether the local hour falls inside the
// [start, end) maintenance window. A window may wrap past midnight.
func inLowActivityWindow(now time.Time, start, end int) bool {
	h := now.Hour()
	if start <= end {
		return h >= start && h < end
	}
	return h >= start || h < end
}

func capabilityUniverse(cfg config.Config) []string {
	seen := map[string]bool{}
	var caps []string
	for _, rule := range cfg.Capabilities {
		for _, c := range rule.Capabilities {
			if !seen[c] {
				seen[c] = true
				caps = append(caps, c)
			}
		}
	}
	return caps
}

func loadConfig(path, schemaPath string) config.Config {
	if path == "" {
		return config.DefaultConfig()
	}

	if _, err := os.Stat(schemaPath); err == nil {
		validator, err := config.NewValidator(schemaPath)
		if err != nil {
			logrus.Fatalf("Failed to load config schema: %v", err)
		}
		if errs := validator.ValidateFile(path); len(errs) > 0 {
			for _, e := range errs {
				logrus.Error(e.Error())
			}
			logrus.Fatalf("Config validation failed: %d errors", len(errs))
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}
