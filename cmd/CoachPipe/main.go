package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/api"
	"github.com/BTreeMap/CoachPipe/internal/clock"
	"github.com/BTreeMap/CoachPipe/internal/dialog"
	"github.com/BTreeMap/CoachPipe/internal/messaging"
	"github.com/BTreeMap/CoachPipe/internal/monitoring"
	"github.com/BTreeMap/CoachPipe/internal/scheduler"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/BTreeMap/CoachPipe/internal/survey"
	"github.com/BTreeMap/CoachPipe/internal/twiliosms"
	"github.com/BTreeMap/CoachPipe/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CoachPipe state data
	DefaultStateDir = "/var/lib/coachpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "coachpipe.db"
	// DefaultDailyCycleCron runs the monitoring cycle every hour so each
	// participant is picked up shortly after midnight in their own timezone.
	DefaultDailyCycleCron = "0 * * * *"
	// DefaultDispatchCron drives the outbound dispatch pass.
	DefaultDispatchCron = "*/5 * * * *"
	// DefaultTimeoutSweepCron drives the unanswered-message sweep.
	DefaultTimeoutSweepCron = "*/15 * * * *"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	slog.Info("Bootstrapping CoachPipe with configured modules")
	slog.Debug("Final configuration", "db_driver", *flags.dbDriver, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr, "mock_messaging", *flags.mockMessaging)

	if err := run(flags); err != nil {
		slog.Error("CoachPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("CoachPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	DbDriver         string
	DatabaseURL      string
	StateDir         string
	APIAddr          string
	LinkBase         string
	DailyCycleCron   string
	DispatchCron     string
	TimeoutSweepCron string
	SimulatedStart   string
	MockMessaging    bool
	Workers          int
}

// Flags holds command line flag values
type Flags struct {
	stateDir         *string
	dbDriver         *string
	dbDSN            *string
	apiAddr          *string
	linkBase         *string
	dailyCycleCron   *string
	dispatchCron     *string
	timeoutSweepCron *string
	simulatedStart   *string
	mockMessaging    *bool
	workers          *int
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DbDriver:         os.Getenv("COACHPIPE_DB_DRIVER"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		StateDir:         os.Getenv("COACHPIPE_STATE_DIR"),
		APIAddr:          os.Getenv("API_ADDR"),
		LinkBase:         os.Getenv("LINK_BASE_URL"),
		DailyCycleCron:   os.Getenv("DAILY_CYCLE_SCHEDULE"),
		DispatchCron:     os.Getenv("DISPATCH_SCHEDULE"),
		TimeoutSweepCron: os.Getenv("TIMEOUT_SWEEP_SCHEDULE"),
		SimulatedStart:   os.Getenv("SIMULATED_CLOCK_START"),
		MockMessaging:    util.ParseBoolEnv("MOCK_MESSAGING", false),
		Workers:          util.ParseIntEnv("DAILY_CYCLE_WORKERS", monitoring.DefaultWorkers),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No COACHPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}
	if config.DailyCycleCron == "" {
		config.DailyCycleCron = DefaultDailyCycleCron
	}
	if config.DispatchCron == "" {
		config.DispatchCron = DefaultDispatchCron
	}
	if config.TimeoutSweepCron == "" {
		config.TimeoutSweepCron = DefaultTimeoutSweepCron
	}

	return config
}

// parseCommandLineFlags parses command line flags with environment config as defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:         flag.String("state-dir", config.StateDir, "Directory for state data (SQLite database)"),
		dbDriver:         flag.String("db-driver", config.DbDriver, "Database driver: memory, sqlite3 or postgres"),
		dbDSN:            flag.String("db-dsn", config.DatabaseURL, "Database connection string"),
		apiAddr:          flag.String("api-addr", config.APIAddr, "API server listen address"),
		linkBase:         flag.String("link-base", config.LinkBase, "Base URL prepended to media short links"),
		dailyCycleCron:   flag.String("daily-cycle-cron", config.DailyCycleCron, "Cron expression for the monitoring rule cycle"),
		dispatchCron:     flag.String("dispatch-cron", config.DispatchCron, "Cron expression for the outbound dispatch pass"),
		timeoutSweepCron: flag.String("timeout-sweep-cron", config.TimeoutSweepCron, "Cron expression for the unanswered-message sweep"),
		simulatedStart:   flag.String("simulated-clock", config.SimulatedStart, "RFC3339 start time for the simulated clock (study dry runs)"),
		mockMessaging:    flag.Bool("mock-messaging", config.MockMessaging, "Log outbound messages instead of sending via Twilio"),
		workers:          flag.Int("workers", config.Workers, "Concurrent participants in the daily cycle"),
	}
	flag.Parse()
	return flags
}

// buildStore selects the persistence backend from the configured driver.
func buildStore(flags Flags) (store.Store, error) {
	switch *flags.dbDriver {
	case "postgres":
		return store.NewPostgresStore(store.WithDSN(*flags.dbDSN))
	case "", "memory":
		slog.Info("Store using in-memory backend, state is not persisted")
		return store.NewInMemoryStore(), nil
	default:
		dsn := *flags.dbDSN
		if dsn == "" {
			if err := os.MkdirAll(*flags.stateDir, 0o755); err != nil {
				return nil, err
			}
			dsn = *flags.stateDir + "/" + DefaultDBFileName
		}
		return store.NewSQLiteStore(store.WithDSN(dsn))
	}
}

// buildClock returns the simulated clock when a start time is configured,
// the system clock otherwise.
func buildClock(flags Flags) (clock.Clock, error) {
	if *flags.simulatedStart == "" {
		return clock.NewSystemClock(), nil
	}
	start, err := time.Parse(time.RFC3339, *flags.simulatedStart)
	if err != nil {
		return nil, err
	}
	slog.Warn("Clock running in simulated mode", "start", start)
	return clock.NewSimulatedClock(start), nil
}

// buildMessaging wires the outbound channel: Twilio SMS in production, the
// mock service for local runs and dry studies.
func buildMessaging(flags Flags) (messaging.Service, error) {
	if *flags.mockMessaging {
		return messaging.NewMockService(), nil
	}
	client, err := twiliosms.NewClient()
	if err != nil {
		return nil, err
	}
	return messaging.NewTwilioService(client), nil
}

func run(flags Flags) error {
	st, err := buildStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	clk, err := buildClock(flags)
	if err != nil {
		return err
	}

	svc, err := buildMessaging(flags)
	if err != nil {
		return err
	}
	defer svc.Stop()

	stateMachine := dialog.NewStateMachine(st, clk)
	dispatcher := dialog.NewDispatcher(st, clk, svc, stateMachine)
	navigator := survey.NewNavigator()

	monitoringOpts := []monitoring.Option{monitoring.WithWorkers(*flags.workers)}
	if *flags.linkBase != "" {
		monitoringOpts = append(monitoringOpts, monitoring.WithLinkBase(*flags.linkBase))
	}
	monitor := monitoring.NewScheduler(st, clk, monitoringOpts...)

	// Reply and timeout outcomes feed back into the reply-rule trees.
	stateMachine.SetOutcomeHandler(monitor.RunReplyRules)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	jobs := scheduler.NewScheduler()
	defer jobs.Stop()

	if err := jobs.AddJob(*flags.dailyCycleCron, func() {
		if err := monitor.RunDailyCycle(ctx); err != nil {
			slog.Error("Daily cycle run failed", "error", err)
		}
	}); err != nil {
		return err
	}
	if err := jobs.AddJob(*flags.dispatchCron, func() {
		if _, err := dispatcher.DispatchDue(ctx); err != nil {
			slog.Error("Dispatch pass failed", "error", err)
		}
	}); err != nil {
		return err
	}
	if err := jobs.AddJob(*flags.timeoutSweepCron, func() {
		if err := stateMachine.SweepTimeouts(ctx); err != nil {
			slog.Error("Timeout sweep failed", "error", err)
		}
	}); err != nil {
		return err
	}

	server := api.NewServer(st, stateMachine, navigator, api.WithAddr(*flags.apiAddr))
	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting", "addr", *flags.apiAddr)
		serverErr <- server.Run()
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
