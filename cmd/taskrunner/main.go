// Command taskrunner is the long-running daemon hosting the Task DAG
// Engine (spec component C8): it registers every taskengine.Class
// plugin, schedules their recurring fires via internal/scheduler, and
// resumes any job left running across a restart.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/pts/internal/bounce"
	"github.com/nugget/pts/internal/config"
	"github.com/nugget/pts/internal/defaults"
	"github.com/nugget/pts/internal/dispatch"
	"github.com/nugget/pts/internal/forge"
	"github.com/nugget/pts/internal/metrics"
	"github.com/nugget/pts/internal/opstate"
	"github.com/nugget/pts/internal/pkgtasks"
	"github.com/nugget/pts/internal/scheduler"
	"github.com/nugget/pts/internal/storage"
	"github.com/nugget/pts/internal/taskengine"
	"github.com/nugget/pts/internal/transport"
	"github.com/nugget/pts/internal/vendorhooks"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if flag.Arg(0) == "init" {
		runInit(*configPath)
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfgPath, err := config.FindConfig(*configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	if cfg.LogLevel != "" {
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	if err := os.MkdirAll(cfg.StorageDir, 0755); err != nil {
		logger.Error("failed to create storage directory", "dir", cfg.StorageDir, "error", err)
		os.Exit(1)
	}

	store, err := storage.Open(cfg.StorageDir + "/pts.db")
	if err != nil {
		logger.Error("failed to open storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	state, err := opstate.NewStore(cfg.StorageDir + "/opstate.db")
	if err != nil {
		logger.Error("failed to open operational state store", "error", err)
		os.Exit(1)
	}
	defer state.Close()

	vendor, err := vendorhooks.ByName(cfg.Vendor.Name)
	if err != nil {
		logger.Error("vendor", "error", err)
		os.Exit(1)
	}

	smtpCfg := transport.Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		StartTLS: cfg.SMTP.StartTLS,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
	}
	bounceEngine := bounce.NewEngine(store, cfg.FQDN, cfg.Bounce.Policy(), smtpCfg, "owner@"+cfg.FQDN)
	dispatchEngine := &dispatch.Engine{
		Store:  store,
		Vendor: vendor,
		Bounce: bounceEngine,
		FQDN:   cfg.FQDN,
		SMTP:   smtpCfg,
	}

	forgeRegistry, err := forge.NewRegistry(cfg.Forge, logger)
	if err != nil {
		logger.Error("failed to build forge registry", "error", err)
		os.Exit(1)
	}

	registry := taskengine.NewRegistry()
	registry.Register(pkgtasks.NewGHReleasesClass(forgeRegistry, state, dispatchEngine, cfg.FQDN, cfg.Releases.Watches, logger))
	registry.Register(pkgtasks.NewFeedWatchClass(state, dispatchEngine, cfg.FQDN, cfg.Feeds.Watches, logger))

	schedStore, err := scheduler.NewStore(cfg.StorageDir + "/scheduler.db")
	if err != nil {
		logger.Error("failed to open scheduler store", "error", err)
		os.Exit(1)
	}
	defer schedStore.Close()

	executeTask := func(ctx context.Context, task *scheduler.Task, exec *scheduler.Execution) error {
		if task.Payload.Kind != scheduler.PayloadTaskRun {
			return nil
		}

		job, err := taskengine.NewJob(ctx, store, registry, scheduler.NewID(), task.Payload.Target)
		if err != nil {
			metrics.TaskRunsTotal.WithLabelValues(task.Payload.Target, "error").Inc()
			return err
		}
		if err := job.Run(ctx, task.Payload.Data); err != nil {
			metrics.TaskRunsTotal.WithLabelValues(task.Payload.Target, "error").Inc()
			return err
		}
		metrics.TaskRunsTotal.WithLabelValues(task.Payload.Target, "ok").Inc()
		return nil
	}

	sched := scheduler.New(logger, schedStore, executeTask)

	ensureScheduledTask(sched, "ghreleases", cfg.Releases.PollInterval, logger)
	ensureScheduledTask(sched, "feedwatch", cfg.Feeds.PollInterval, logger)

	resumeUnfinishedJobs(context.Background(), store, registry, logger)

	if err := sched.Start(context.Background()); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	defer sched.Stop()

	logger.Info("taskrunner started")

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	<-ctx.Done()
	logger.Info("taskrunner stopped")
}

// ensureScheduledTask registers a recurring PayloadTaskRun scheduler
// entry for a taskengine initial task if one doesn't already exist,
// so restarts never duplicate the schedule.
func ensureScheduledTask(sched *scheduler.Scheduler, name string, every time.Duration, logger *slog.Logger) {
	if every <= 0 {
		return
	}
	existing, err := sched.GetTask(name)
	if err == nil && existing != nil {
		return
	}

	task := &scheduler.Task{
		ID:   name,
		Name: name,
		Schedule: scheduler.Schedule{
			Kind:  scheduler.ScheduleEvery,
			Every: &scheduler.Duration{Duration: every},
		},
		Payload: scheduler.Payload{
			Kind:   scheduler.PayloadTaskRun,
			Target: name,
		},
		Enabled:   true,
		CreatedAt: time.Now(),
		CreatedBy: "config",
		UpdatedAt: time.Now(),
	}
	if err := sched.CreateTask(task); err != nil {
		logger.Error("failed to schedule task", "name", name, "error", err)
	}
}

// resumeUnfinishedJobs restores every job left running at the last
// checkpoint before an unclean shutdown, so a crash mid-DAG does not
// silently drop the remaining tasks.
func resumeUnfinishedJobs(ctx context.Context, store storage.Store, registry *taskengine.Registry, logger *slog.Logger) {
	saved, err := store.ListUnfinishedJobs(ctx)
	if err != nil {
		logger.Error("failed to list unfinished jobs", "error", err)
		return
	}
	for _, rj := range saved {
		job, err := taskengine.ResumeJob(ctx, store, registry, rj)
		if err != nil {
			logger.Error("failed to resume job", "id", rj.ID, "error", err)
			continue
		}
		if err := job.Run(ctx, nil); err != nil {
			logger.Error("resumed job failed", "id", rj.ID, "error", err)
			metrics.TaskRunsTotal.WithLabelValues(rj.InitialTaskName, "error").Inc()
			continue
		}
		metrics.TaskRunsTotal.WithLabelValues(rj.InitialTaskName, "ok").Inc()
	}
}

// runInit writes the embedded example configuration out to disk so a
// fresh deployment has something to edit, rather than starting from an
// empty file. It refuses to overwrite an existing file.
func runInit(configPath string) {
	path := configPath
	if path == "" {
		path = "config.yaml"
	}
	if _, err := os.Stat(path); err == nil {
		slog.Error("init: refusing to overwrite existing config", "path", path)
		os.Exit(1)
	}
	if err := os.WriteFile(path, defaults.ConfigYAML, 0644); err != nil {
		slog.Error("init: failed to write config", "path", path, "error", err)
		os.Exit(1)
	}
	slog.Info("wrote example configuration", "path", path)
}
