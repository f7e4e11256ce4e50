package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/BTreeMap/SearchIngest/internal/api"
	"github.com/BTreeMap/SearchIngest/internal/ingest"
	"github.com/BTreeMap/SearchIngest/internal/jobs"
	"github.com/BTreeMap/SearchIngest/internal/lockfile"
	"github.com/BTreeMap/SearchIngest/internal/remote"
	"github.com/BTreeMap/SearchIngest/internal/scheduler"
	"github.com/BTreeMap/SearchIngest/internal/store"
	"github.com/BTreeMap/SearchIngest/internal/updates"
	"github.com/BTreeMap/SearchIngest/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for SearchIngest state data
	DefaultStateDir = "/var/lib/searchingest"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "searchingest.db"
	// DefaultRescanCron is how often unscanned postings are offered for a comments scan
	DefaultRescanCron = "@every 10m"
	// shutdownTimeout bounds the graceful HTTP shutdown
	shutdownTimeout = 10 * time.Second
)

func main() {
	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	config, err := parseCommandLineFlags(config, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	initializeLogger(config.Debug)
	slog.Debug("Final configuration", "state_dir", config.StateDir, "dsn_type", store.DetectDSNType(config.DatabaseDSN),
		"api_addr", config.APIAddr, "workers", config.Workers, "rescan_cron", config.RescanCron)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config); err != nil {
		var lockErr *lockfile.LockError
		if errors.As(err, &lockErr) {
			fmt.Fprintln(os.Stderr, lockErr.Error())
		}
		slog.Error("SearchIngest failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("SearchIngest exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir    string
	DatabaseDSN string
	APIAddr     string

	Workers          int
	QueueSize        int
	PromoteInterval  time.Duration
	ReloadInterval   time.Duration
	DispatchInterval time.Duration
	PageSize         int

	RescanCron  string
	RescanLimit int

	RemoteURLTemplate string
	RemoteTimeout     time.Duration
	RemoteToken       string

	Debug bool
}

// initializeLogger sets up structured logging
func initializeLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
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
		StateDir:          os.Getenv("SEARCHINGEST_STATE_DIR"),
		DatabaseDSN:       os.Getenv("DATABASE_DSN"),
		APIAddr:           os.Getenv("API_ADDR"),
		Workers:           util.ParseIntEnv("INGEST_WORKERS", jobs.DefaultWorkers),
		QueueSize:         util.ParseIntEnv("INGEST_QUEUE_SIZE", jobs.DefaultQueueSize),
		PromoteInterval:   util.ParseDurationEnv("INGEST_PROMOTE_INTERVAL", jobs.DefaultPromoteInterval),
		ReloadInterval:    util.ParseDurationEnv("INGEST_RELOAD_INTERVAL", jobs.DefaultReloadInterval),
		DispatchInterval:  util.ParseDurationEnv("INGEST_DISPATCH_INTERVAL", updates.DefaultDispatchInterval),
		PageSize:          util.ParseIntEnv("INGEST_PAGE_SIZE", ingest.DefaultPageSize),
		RescanCron:        os.Getenv("INGEST_RESCAN_CRON"),
		RescanLimit:       util.ParseIntEnv("INGEST_RESCAN_LIMIT", ingest.DefaultRescanLimit),
		RemoteURLTemplate: os.Getenv("REMOTE_NODE_URL_TEMPLATE"),
		RemoteTimeout:     util.ParseDurationEnv("REMOTE_TIMEOUT", remote.DefaultTimeout),
		RemoteToken:       os.Getenv("REMOTE_TOKEN"),
		Debug:             util.ParseBoolEnv("INGEST_DEBUG", false),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No SEARCHINGEST_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// DATABASE_URL is the legacy name of DATABASE_DSN
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = os.Getenv("DATABASE_URL")
	}
	// If no database DSN is provided, default to SQLite in the state directory
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseDSN)
	}

	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}
	if config.RescanCron == "" {
		config.RescanCron = DefaultRescanCron
	}
	if config.RemoteURLTemplate == "" {
		config.RemoteURLTemplate = remote.DefaultNodeURLTemplate
	}

	slog.Debug("environment variables loaded",
		"SEARCHINGEST_STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.DatabaseDSN != "",
		"API_ADDR", config.APIAddr,
		"INGEST_WORKERS", config.Workers,
		"INGEST_RESCAN_CRON", config.RescanCron,
		"REMOTE_NODE_URL_TEMPLATE", config.RemoteURLTemplate,
		"REMOTE_TOKEN_SET", config.RemoteToken != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config, args []string) (Config, error) {
	fs := flag.NewFlagSet("SearchIngest", flag.ContinueOnError)
	stateDir := fs.String("state-dir", config.StateDir, "state directory for SearchIngest data (overrides $SEARCHINGEST_STATE_DIR)")
	dbDSN := fs.String("db-dsn", config.DatabaseDSN, "database DSN, a SQLite path or a PostgreSQL connection string (overrides $DATABASE_DSN)")
	apiAddr := fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	workers := fs.Int("workers", config.Workers, "number of job workers (overrides $INGEST_WORKERS)")
	rescanCron := fs.String("rescan-cron", config.RescanCron, "cron schedule of the comments rescan (overrides $INGEST_RESCAN_CRON)")
	nodeURL := fs.String("node-url-template", config.RemoteURLTemplate, "remote node API URL, {node} is replaced by the node name (overrides $REMOTE_NODE_URL_TEMPLATE)")
	debug := fs.Bool("debug", config.Debug, "enable debug logging (overrides $INGEST_DEBUG)")

	if err := fs.Parse(args); err != nil {
		return config, err
	}

	// Update database DSN if not explicitly set but state directory is provided
	if *dbDSN == config.DatabaseDSN && config.DatabaseDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *stateDir != config.StateDir {
		*dbDSN = filepath.Join(*stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *stateDir)
	}

	config.StateDir = *stateDir
	config.DatabaseDSN = *dbDSN
	config.APIAddr = *apiAddr
	if *workers > 0 {
		config.Workers = *workers
	}
	config.RescanCron = *rescanCron
	config.RemoteURLTemplate = *nodeURL
	config.Debug = *debug
	return config, nil
}

// ensureDirectoriesExist creates the directory of a file-based database
func ensureDirectoriesExist(config Config) error {
	if store.DetectDSNType(config.DatabaseDSN) == "postgres" {
		return nil
	}
	dir := filepath.Dir(config.DatabaseDSN)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create database directory %s: %w", dir, err)
	}
	return nil
}

// buildRemoteOptions constructs remote client options
func buildRemoteOptions(config Config) []remote.HTTPOption {
	opts := []remote.HTTPOption{remote.WithTimeout(config.RemoteTimeout)}
	if config.RemoteToken != "" {
		opts = append(opts, remote.WithToken(config.RemoteToken))
	}
	return opts
}

// run wires the components and blocks until ctx is cancelled.
func run(ctx context.Context, config Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lock, err := lockfile.AcquireLock(config.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	if err := ensureDirectoriesExist(config); err != nil {
		return err
	}
	st, err := store.Open(config.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	deps := &ingest.Deps{
		Store:    st,
		Client:   remote.NewHTTPClient(config.RemoteURLTemplate, buildRemoteOptions(config)...),
		PageSize: config.PageSize,
	}
	jobReg := jobs.NewRegistry()
	updateReg := updates.NewRegistry()
	ingest.Register(jobReg, updateReg, deps)

	sched := jobs.New(st, jobReg, jobs.Config{
		Workers:         config.Workers,
		QueueSize:       config.QueueSize,
		PromoteInterval: config.PromoteInterval,
		ReloadInterval:  config.ReloadInterval,
	})
	queue := updates.NewQueue(st, updateReg, sched, config.DispatchInterval)
	if err := queue.Load(ctx); err != nil {
		return err
	}

	sched.Start(ctx)
	defer sched.Wait()

	queueDone := make(chan struct{})
	go func() {
		defer close(queueDone)
		queue.Run(ctx)
	}()
	defer func() {
		cancel()
		<-queueDone
	}()

	cron := scheduler.NewScheduler(ctx)
	defer cron.Stop()
	rescanner := &ingest.Rescanner{Store: st, Jobs: sched, Queue: queue, Limit: config.RescanLimit}
	err = cron.AddTask("comments-rescan", config.RescanCron, func(ctx context.Context) error {
		_, err := rescanner.Scan(ctx)
		return err
	})
	if err != nil {
		return err
	}

	server := api.NewServer(config.APIAddr, updateReg, queue, sched)
	if err := server.Start(); err != nil {
		return err
	}

	slog.Info("SearchIngest running", "api_addr", server.Addr(), "job_kinds", jobReg.Kinds(), "update_kinds", updateReg.Kinds())
	<-ctx.Done()
	slog.Info("SearchIngest shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("SearchIngest: API shutdown incomplete", "error", err)
	}
	return nil
}
