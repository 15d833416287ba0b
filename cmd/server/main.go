package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/floworc/floworc/internal/api"
	"github.com/floworc/floworc/internal/breaker"
	"github.com/floworc/floworc/internal/db"
	"github.com/floworc/floworc/internal/monitor"
	"github.com/floworc/floworc/internal/notification"
	"github.com/floworc/floworc/internal/recovery"
	"github.com/floworc/floworc/internal/repositories"
	"github.com/floworc/floworc/internal/retry"
	"github.com/floworc/floworc/internal/scheduler"
	"github.com/floworc/floworc/internal/websocket"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr string
	dbDriver string
	dbDSN    string
	logLevel string

	workers       int
	shutdownGrace time.Duration

	progressThreshold  float64
	maxRecentLogs      int
	completedRetention time.Duration
	metricsHistorySize int
	metricsRetention   time.Duration
	jobTimeout         time.Duration

	wsQueueCapacity    int
	wsEvictAfter       int
	wsInactivityWindow time.Duration

	notifyMaxAttempts   int
	notifyBaseDelay     time.Duration
	notifyMaxDelay      time.Duration
	notifyMultiplier    float64
	notifyQueueCapacity int
	resourceCooldown    time.Duration

	memThreshold  float64
	cpuThreshold  float64
	diskThreshold float64
	connThreshold float64

	recoveryInterval   time.Duration
	recoveryMaxChecks  int
	recoveryNoAutoheal bool

	breakerFailures  uint32
	breakerTimeout   time.Duration
	breakerSuccesses uint32

	smtpHost     string
	smtpPort     int
	smtpFrom     string
	smtpTo       []string
	smtpUsername string
	smtpPassword string
	smtpTLS      bool

	webhookURL    string
	webhookSecret string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "floworc-server",
		Short: "Floworc server — ETL job orchestration service",
		Long: `Floworc server schedules and executes ETL jobs, tracks their state and
metrics, streams live updates to WebSocket subscribers, and delivers alerts
through webhook, email, and log channels.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	f := root.PersistentFlags()
	f.StringVar(&cfg.httpAddr, "http-addr", envOrDefault("FLOWORC_HTTP_ADDR", ":8080"), "HTTP API listen address")
	f.StringVar(&cfg.dbDriver, "db-driver", envOrDefault("FLOWORC_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	f.StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("FLOWORC_DB_DSN", "./floworc.db"), "Database DSN or file path for SQLite")
	f.StringVar(&cfg.logLevel, "log-level", envOrDefault("FLOWORC_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	f.IntVar(&cfg.workers, "workers", envOrInt("FLOWORC_WORKERS", runtime.NumCPU()), "Scheduler worker pool size")
	f.DurationVar(&cfg.shutdownGrace, "shutdown-grace", envOrDuration("FLOWORC_SHUTDOWN_GRACE", scheduler.DefaultShutdownGrace), "Shutdown drain window for in-flight jobs")

	f.Float64Var(&cfg.progressThreshold, "progress-threshold", envOrFloat("FLOWORC_PROGRESS_THRESHOLD", monitor.DefaultProgressThreshold), "Minimum percent change to broadcast progress")
	f.IntVar(&cfg.maxRecentLogs, "max-recent-logs", envOrInt("FLOWORC_MAX_RECENT_LOGS", monitor.DefaultMaxRecentLogs), "Per-job retained log lines")
	f.DurationVar(&cfg.completedRetention, "completed-retention", envOrDuration("FLOWORC_COMPLETED_RETENTION", monitor.DefaultCompletedRetention), "In-memory retention of terminal jobs")
	f.IntVar(&cfg.metricsHistorySize, "metrics-history-size", envOrInt("FLOWORC_METRICS_HISTORY_SIZE", monitor.DefaultMetricsHistorySize), "Per-job metrics history cap")
	f.DurationVar(&cfg.metricsRetention, "metrics-retention", envOrDuration("FLOWORC_METRICS_RETENTION", monitor.DefaultMetricsRetention), "Age cap of metrics history samples")
	f.DurationVar(&cfg.jobTimeout, "job-timeout", envOrDuration("FLOWORC_JOB_TIMEOUT", monitor.DefaultJobTimeoutThreshold), "Running duration after which a JobTimeout alert is raised")

	f.IntVar(&cfg.wsQueueCapacity, "ws-queue-capacity", envOrInt("FLOWORC_WS_QUEUE_CAPACITY", websocket.DefaultQueueCapacity), "Per-subscriber broadcast queue size")
	f.IntVar(&cfg.wsEvictAfter, "ws-evict-after", envOrInt("FLOWORC_WS_EVICT_AFTER", websocket.DefaultEvictAfterFailures), "Consecutive full-queue episodes before a subscriber is evicted")
	f.DurationVar(&cfg.wsInactivityWindow, "ws-inactivity-window", envOrDuration("FLOWORC_WS_INACTIVITY_WINDOW", 0), "Evict subscribers idle for this long (0 disables)")

	f.IntVar(&cfg.notifyMaxAttempts, "notify-max-attempts", envOrInt("FLOWORC_NOTIFY_MAX_ATTEMPTS", notification.DefaultMaxAttempts), "Delivery rounds before a notification is dropped")
	f.DurationVar(&cfg.notifyBaseDelay, "notify-base-delay", envOrDuration("FLOWORC_NOTIFY_BASE_DELAY", retry.DefaultBase), "Base notification retry delay")
	f.DurationVar(&cfg.notifyMaxDelay, "notify-max-delay", envOrDuration("FLOWORC_NOTIFY_MAX_DELAY", retry.DefaultMax), "Max notification retry delay")
	f.Float64Var(&cfg.notifyMultiplier, "notify-multiplier", envOrFloat("FLOWORC_NOTIFY_MULTIPLIER", retry.DefaultMultiplier), "Notification retry backoff multiplier")
	f.IntVar(&cfg.notifyQueueCapacity, "notify-queue-capacity", envOrInt("FLOWORC_NOTIFY_QUEUE_CAPACITY", notification.DefaultQueueCapacity), "Pending notification queue size")
	f.DurationVar(&cfg.resourceCooldown, "resource-cooldown", envOrDuration("FLOWORC_RESOURCE_COOLDOWN", notification.DefaultResourceAlertCooldown), "Dedup window for resource pressure alerts")

	f.Float64Var(&cfg.memThreshold, "mem-threshold", envOrFloat("FLOWORC_MEM_THRESHOLD", notification.DefaultMemoryPercent), "Memory pressure threshold (percent)")
	f.Float64Var(&cfg.cpuThreshold, "cpu-threshold", envOrFloat("FLOWORC_CPU_THRESHOLD", notification.DefaultCPUPercent), "CPU pressure threshold (percent)")
	f.Float64Var(&cfg.diskThreshold, "disk-threshold", envOrFloat("FLOWORC_DISK_THRESHOLD", notification.DefaultDiskPercent), "Disk pressure threshold (percent)")
	f.Float64Var(&cfg.connThreshold, "conn-threshold", envOrFloat("FLOWORC_CONN_THRESHOLD", notification.DefaultConnectionsRatio), "Connection pool utilisation threshold (ratio)")

	f.DurationVar(&cfg.recoveryInterval, "recovery-interval", envOrDuration("FLOWORC_RECOVERY_INTERVAL", recovery.DefaultInterval), "Component health probe period")
	f.IntVar(&cfg.recoveryMaxChecks, "recovery-max-failed-checks", envOrInt("FLOWORC_RECOVERY_MAX_FAILED_CHECKS", recovery.DefaultMaxFailedChecks), "Consecutive failed probes before a component is degraded")
	f.BoolVar(&cfg.recoveryNoAutoheal, "recovery-disable-autoheal", envOrBool("FLOWORC_RECOVERY_DISABLE_AUTOHEAL", false), "Leave degraded components to manual recovery only")

	f.Uint32Var(&cfg.breakerFailures, "breaker-failure-threshold", uint32(envOrInt("FLOWORC_BREAKER_FAILURE_THRESHOLD", int(breaker.DefaultFailureThreshold))), "Consecutive failures that trip a circuit breaker")
	f.DurationVar(&cfg.breakerTimeout, "breaker-timeout", envOrDuration("FLOWORC_BREAKER_TIMEOUT", breaker.DefaultTimeout), "Open duration before a breaker half-opens")
	f.Uint32Var(&cfg.breakerSuccesses, "breaker-success-threshold", uint32(envOrInt("FLOWORC_BREAKER_SUCCESS_THRESHOLD", int(breaker.DefaultSuccessThreshold))), "Half-open successes required to close a breaker")

	f.StringVar(&cfg.smtpHost, "smtp-host", envOrDefault("FLOWORC_SMTP_HOST", ""), "SMTP host for email alerts (empty disables email)")
	f.IntVar(&cfg.smtpPort, "smtp-port", envOrInt("FLOWORC_SMTP_PORT", 587), "SMTP port")
	f.StringVar(&cfg.smtpFrom, "smtp-from", envOrDefault("FLOWORC_SMTP_FROM", ""), "Email alert sender address")
	f.StringSliceVar(&cfg.smtpTo, "smtp-to", nil, "Email alert recipients")
	f.StringVar(&cfg.smtpUsername, "smtp-username", envOrDefault("FLOWORC_SMTP_USERNAME", ""), "SMTP username")
	f.StringVar(&cfg.smtpPassword, "smtp-password", envOrDefault("FLOWORC_SMTP_PASSWORD", ""), "SMTP password")
	f.BoolVar(&cfg.smtpTLS, "smtp-tls", envOrBool("FLOWORC_SMTP_TLS", false), "Use implicit TLS for SMTP")

	f.StringVar(&cfg.webhookURL, "webhook-url", envOrDefault("FLOWORC_WEBHOOK_URL", ""), "Webhook URL for alerts (empty disables webhook)")
	f.StringVar(&cfg.webhookSecret, "webhook-secret", envOrDefault("FLOWORC_WEBHOOK_SECRET", ""), "HMAC secret for webhook signatures")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("floworc-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting floworc server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
		zap.Int("workers", cfg.workers),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	database, err := db.New(db.Config{
		Driver: cfg.dbDriver,
		DSN:    cfg.dbDSN,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	clock := clockwork.NewRealClock()
	jobRepo := repositories.NewJobRepository(database)
	sessionRepo := repositories.NewSessionRepository(database)

	hub := websocket.NewHub(websocket.Config{
		QueueCapacity:      cfg.wsQueueCapacity,
		EvictAfterFailures: cfg.wsEvictAfter,
		InactivityTimeout:  cfg.wsInactivityWindow,
	}, clock, sessionRepo, logger)

	mon := monitor.New(monitor.Config{
		ProgressThreshold:   cfg.progressThreshold,
		MaxRecentLogs:       cfg.maxRecentLogs,
		CompletedRetention:  cfg.completedRetention,
		MetricsHistorySize:  cfg.metricsHistorySize,
		MetricsRetention:    cfg.metricsRetention,
		JobTimeoutThreshold: cfg.jobTimeout,
	}, clock, jobRepo, db.Pinger{DB: database}, hub, logger)
	hub.SetSnapshotProvider(mon.Snapshot)

	notifier := notification.New(notification.Config{
		MaxAttempts: cfg.notifyMaxAttempts,
		Backoff: retry.Backoff{
			Base:       cfg.notifyBaseDelay,
			Max:        cfg.notifyMaxDelay,
			Multiplier: cfg.notifyMultiplier,
		},
		QueueCapacity:         cfg.notifyQueueCapacity,
		ResourceAlertCooldown: cfg.resourceCooldown,
		Breaker: breaker.Config{
			FailureThreshold: cfg.breakerFailures,
			Timeout:          cfg.breakerTimeout,
			SuccessThreshold: cfg.breakerSuccesses,
		},
		Thresholds: notification.Thresholds{
			MemoryPercent:    cfg.memThreshold,
			CPUPercent:       cfg.cpuThreshold,
			DiskPercent:      cfg.diskThreshold,
			ConnectionsRatio: cfg.connThreshold,
		},
	}, clock, logger, notification.DefaultChannels(logger,
		notification.SMTPConfig{
			Host:     cfg.smtpHost,
			Port:     cfg.smtpPort,
			From:     cfg.smtpFrom,
			To:       cfg.smtpTo,
			Username: cfg.smtpUsername,
			Password: cfg.smtpPassword,
			TLS:      cfg.smtpTLS,
		},
		notification.WebhookConfig{
			URL:    cfg.webhookURL,
			Secret: cfg.webhookSecret,
		})...)
	mon.SetAlertSink(notifier)

	supervisor := recovery.New(recovery.Config{
		Interval:           cfg.recoveryInterval,
		MaxFailedChecks:    cfg.recoveryMaxChecks,
		DisableAutoRecover: cfg.recoveryNoAutoheal,
	}, clock, notifier, logger, mon, notifier)

	runner := scheduler.NewETLRunner(database, clock)
	sched := scheduler.New(scheduler.Config{
		Workers:       cfg.workers,
		ShutdownGrace: cfg.shutdownGrace,
	}, clock, mon, jobRepo, runner, logger)

	runCtx, stopComponents := context.WithCancel(context.Background())
	defer stopComponents()
	go hub.Run(runCtx)
	go mon.Run(runCtx)
	go notifier.Run(runCtx)
	go supervisor.Run(runCtx)
	sched.Start()

	maintenance, err := startMaintenance(runCtx, clock, mon, notifier, sessionRepo, database, logger)
	if err != nil {
		return fmt.Errorf("failed to start maintenance scheduler: %w", err)
	}

	router := api.NewRouter(api.RouterConfig{
		Scheduler:  sched,
		Monitor:    mon,
		Notifier:   notifier,
		Supervisor: supervisor,
		Hub:        hub,
		Logger:     logger,
	})

	server := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down floworc server")

	// Teardown in reverse construction order: stop intake first, drain
	// in-flight jobs, then bring the pipeline down behind them.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.shutdownGrace+10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown did not complete cleanly", zap.Error(err))
	}

	sched.Stop()
	if err := maintenance.Shutdown(); err != nil {
		logger.Warn("maintenance scheduler shutdown failed", zap.Error(err))
	}
	stopComponents()

	logger.Info("floworc server stopped")
	return nil
}

// startMaintenance registers the periodic housekeeping work on one gocron
// scheduler: monitor sweeps, metrics trimming, session cleanup, and resource
// pressure sampling.
func startMaintenance(
	ctx context.Context,
	clock clockwork.Clock,
	mon *monitor.Service,
	notifier *notification.Service,
	sessions repositories.SessionRepository,
	database *gorm.DB,
	logger *zap.Logger,
) (gocron.Scheduler, error) {
	s, err := gocron.NewScheduler(gocron.WithClock(clock))
	if err != nil {
		return nil, err
	}

	log := logger.Named("maintenance")

	jobs := []struct {
		name     string
		interval time.Duration
		task     func()
	}{
		{"timeout-scan", time.Minute, mon.ScanTimeouts},
		{"completed-sweep", 10 * time.Minute, func() {
			if n := mon.SweepCompleted(); n > 0 {
				log.Info("purged completed jobs", zap.Int("count", n))
			}
		}},
		{"metrics-trim", time.Hour, mon.TrimMetrics},
		{"session-cleanup", time.Hour, func() {
			cutoff := clock.Now().Add(-24 * time.Hour)
			cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if n, err := sessions.DeleteClosedBefore(cctx, cutoff); err != nil {
				log.Warn("session cleanup failed", zap.Error(err))
			} else if n > 0 {
				log.Info("purged closed sessions", zap.Int64("count", n))
			}
		}},
		{"resource-sample", 30 * time.Second, func() {
			sampleResources(notifier, database)
		}},
	}

	for _, j := range jobs {
		if _, err := s.NewJob(
			gocron.DurationJob(j.interval),
			gocron.NewTask(j.task),
			gocron.WithName(j.name),
		); err != nil {
			return nil, fmt.Errorf("register %s: %w", j.name, err)
		}
	}

	s.Start()
	return s, nil
}

// sampleResources feeds current process and connection pool usage into the
// notifier's pressure monitors.
func sampleResources(notifier *notification.Service, database *gorm.DB) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.Sys > 0 {
		notifier.CheckMemory(float64(ms.HeapAlloc) / float64(ms.Sys) * 100)
	}

	if sqlDB, err := database.DB(); err == nil {
		stats := sqlDB.Stats()
		notifier.CheckConnections(stats.InUse, stats.MaxOpenConnections)
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envOrFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envOrDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envOrBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
