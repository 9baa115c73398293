package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bepresent/presentd/internal/clock"
	"github.com/bepresent/presentd/internal/config"
	"github.com/bepresent/presentd/internal/control"
	"github.com/bepresent/presentd/internal/intention"
	"github.com/bepresent/presentd/internal/metrics"
	"github.com/bepresent/presentd/internal/monitor"
	"github.com/bepresent/presentd/internal/session"
	"github.com/bepresent/presentd/internal/storage"
	"github.com/bepresent/presentd/internal/storage/bolt"
	"github.com/bepresent/presentd/internal/storage/redis"
	"github.com/bepresent/presentd/internal/systemd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the presentd daemon",
	Long:  `Start the presentd daemon with the control API, daily reset scheduler, foreground monitor, and metrics endpoint.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting presentd")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("path", cfg.Storage.Path).
		Msg("Storage initialized")

	clk := clock.RealClock{}

	// Initialize Session Engine
	engine := session.NewEngine(store, clk, session.RewardTableFromConfig(cfg.Rewards), logger)
	logger.Info().Msg("Session Engine initialized")

	// Initialize Intention Tracker
	tracker := intention.NewTracker(store, clk, logger)

	if intentions, err := tracker.List(context.Background()); err == nil {
		metrics.TrackedIntentions.Set(float64(len(intentions)))
	}

	logger.Info().Msg("Intention Tracker initialized")

	// Initialize Reset Scheduler
	freezeGrantDay, err := config.ParseWeekday(cfg.Reset.FreezeGrantDay)
	if err != nil {
		return err
	}
	resetScheduler, err := intention.NewResetScheduler(store, clk, cfg.Reset.Time, freezeGrantDay, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Reset Scheduler: %w", err)
	}

	resetScheduler.Start()
	logger.Info().Msg("Reset Scheduler initialized")

	// Initialize Arbiter and Monitor
	arbiter, err := monitor.NewArbiter(engine, tracker, clk, cfg.Reset.Time, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Arbiter: %w", err)
	}

	mon, err := monitor.New(arbiter, engine, tracker, store, monitor.NewLogPresenter(logger), clk, monitor.Options{
		Debounce:    parseDuration(cfg.Monitor.Debounce, 2*time.Second),
		CacheSize:   cfg.Monitor.CacheSize,
		WarningLead: parseDuration(cfg.Monitor.WarningLead, 30*time.Second),
		FaultRetry:  parseDuration(cfg.Monitor.FaultRetry, 30*time.Second),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Monitor: %w", err)
	}

	mon.Start()
	logger.Info().Msg("Foreground Monitor initialized")

	// Initialize Control Server
	controlAddr := fmt.Sprintf("%s:%d", cfg.Control.BindAddress, cfg.Control.Port)
	controlServer := control.NewServer(controlAddr, engine, tracker, mon, arbiter, store.State(), logger)

	// Use systemd socket-activated listener if available
	if sdListeners.Activated && sdListeners.Control != nil {
		controlServer.SetListener(sdListeners.Control)
	}

	if err := controlServer.Start(); err != nil {
		return fmt.Errorf("failed to start Control Server: %w", err)
	}

	logger.Info().
		Str("addr", controlAddr).
		Msg("Control Server started")

	// Initialize Metrics Server
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Metrics.BindAddress, cfg.Metrics.Port)
		metricsServer = metrics.NewServer(metricsAddr, logger)

		// Use systemd socket-activated listener if available
		if sdListeners.Activated && sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}

		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start Metrics Server: %w", err)
		}

		logger.Info().
			Str("addr", metricsAddr).
			Msg("Metrics Server started")
	}

	// Log startup complete
	logger.Info().Msg("presentd startup complete")
	logger.Info().Msgf("Control API: http://%s:%d/api", cfg.Control.BindAddress, cfg.Control.Port)
	if cfg.Metrics.Enabled {
		logger.Info().Msgf("Metrics: http://%s:%d/metrics", cfg.Metrics.BindAddress, cfg.Metrics.Port)
	}

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}

	// Wait for signals (shutdown or immediate reset)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan

		if sig == syscall.SIGHUP {
			logger.Info().Msg("SIGHUP received, running daily reset now")
			resetScheduler.PerformReset(context.Background())
			continue
		}

		logger.Info().Msg("Shutdown signal received, gracefully stopping...")
		break
	}

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	// Stop components
	resetScheduler.Stop()
	mon.Stop()

	if err := controlServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping Control Server")
	}

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Metrics Server")
		}
	}

	logger.Info().Msg("presentd stopped")

	return nil
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "bolt":
		return bolt.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (expected bolt or redis)", cfg.Type)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
