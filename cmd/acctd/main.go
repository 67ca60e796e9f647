package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/acctd/pkg/radius"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "acctd",
	Short: "RADIUS accounting and session reconciliation engine",
	Long: `acctd - RADIUS accounting collector

Ingests Accounting-Request datagrams and mirrored Access-Accept/Reject
decisions, keeps the authoritative set of live sessions, rolls traffic
into daily per-user summaries and serves them to report dashboards.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the accounting server",
	RunE:  runAcctd,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the PostgreSQL history schema",
	RunE:  runMigrate,
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Send an RFC 5997 Status-Server request to an accounting server",
	RunE:  runProbe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("acctd %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
	},
}

var (
	configFile string
	logLevel   string

	// RADIUS listener
	listenAddr     string
	workers        int
	queueSize      int
	guardThreshold int
	guardWindow    time.Duration

	// Ledger and engine
	partitions     int
	idleTimeout    time.Duration
	sweepInterval  time.Duration
	tombstoneTTL   time.Duration
	checkpointLive bool
	archiveSize    int
	authWindow     int
	timezone       string

	// HTTP API
	apiAddr         string
	metricsInterval time.Duration
	historySource   string

	// Redis
	redisAddr         string
	redisPassword     string
	redisPasswordFile string
	redisDB           int
	redisPrefix       string

	// PostgreSQL
	postgresDSN     string
	postgresDSNFile string
	trafficDays     int

	// Persistence queues
	persistCapacity int
	persistBatch    int

	// migrate
	migrateDSN     string
	migrateDSNFile string
	migrateDown    bool

	// probe
	probeServer     string
	probeSecret     string
	probeSecretFile string
	probeNASID      string
	probeTimeout    time.Duration
)

func init() {
	runCmd.Flags().StringVarP(&configFile, "config", "c", "/etc/acctd/config.yaml",
		"Configuration file path")
	runCmd.Flags().StringVarP(&logLevel, "log-level", "l", "info",
		"Log level (debug, info, warn, error)")

	// RADIUS flags
	runCmd.Flags().StringVar(&listenAddr, "listen", ":1813",
		"RADIUS accounting listen address")
	runCmd.Flags().IntVar(&workers, "workers", 16,
		"Datagram worker goroutines")
	runCmd.Flags().IntVar(&queueSize, "queue-size", 1024,
		"Datagrams waiting for a worker before new ones are dropped")
	runCmd.Flags().IntVar(&guardThreshold, "spoof-threshold", 20,
		"Unauthorized datagrams per source and window before a spoofing alert")
	runCmd.Flags().DurationVar(&guardWindow, "spoof-window", time.Minute,
		"Window for the spoofing alert threshold")

	// Ledger flags
	runCmd.Flags().IntVar(&partitions, "partitions", 64,
		"Independently locked session partitions")
	runCmd.Flags().DurationVar(&idleTimeout, "idle-timeout", 15*time.Minute,
		"Close sessions with no update for this long as Lost-Carrier")
	runCmd.Flags().DurationVar(&sweepInterval, "sweep-interval", time.Minute,
		"Idle session sweep interval")
	runCmd.Flags().DurationVar(&tombstoneTTL, "tombstone-ttl", time.Hour,
		"How long a closed session id rejects late updates")
	runCmd.Flags().BoolVar(&checkpointLive, "checkpoint-live", true,
		"Checkpoint live sessions to Redis on every update")
	runCmd.Flags().IntVar(&archiveSize, "archive-size", 100000,
		"Closed sessions kept in memory for connection reports")
	runCmd.Flags().IntVar(&authWindow, "auth-window", 100000,
		"Auth records kept in memory")
	runCmd.Flags().StringVar(&timezone, "timezone", "UTC",
		"Time zone that decides the day a session counts on")

	// HTTP flags
	runCmd.Flags().StringVar(&apiAddr, "api-addr", ":8080",
		"HTTP API, health and metrics listen address")
	runCmd.Flags().DurationVar(&metricsInterval, "metrics-interval", 5*time.Second,
		"Gauge collection interval")
	runCmd.Flags().StringVar(&historySource, "history-source", "memory",
		"Source of closed sessions and auth records for reports (memory, postgres)")

	// Redis flags
	runCmd.Flags().StringVar(&redisAddr, "redis-addr", "",
		"Redis address for live checkpoints and recovery (disabled when empty)")
	runCmd.Flags().StringVar(&redisPassword, "redis-password", "",
		"Redis password (DEPRECATED: visible in ps output, use --redis-password-file instead)")
	runCmd.Flags().StringVar(&redisPasswordFile, "redis-password-file", "",
		"Path to file containing the Redis password")
	runCmd.Flags().IntVar(&redisDB, "redis-db", 0,
		"Redis database number")
	runCmd.Flags().StringVar(&redisPrefix, "redis-prefix", "acctd",
		"Redis key prefix")

	// PostgreSQL flags
	runCmd.Flags().StringVar(&postgresDSN, "postgres-dsn", "",
		"PostgreSQL DSN for durable history (disabled when empty)")
	runCmd.Flags().StringVar(&postgresDSNFile, "postgres-dsn-file", "",
		"Path to file containing the PostgreSQL DSN")
	runCmd.Flags().IntVar(&trafficDays, "traffic-days", 31,
		"Days of daily traffic restored from PostgreSQL when Redis is disabled")

	// Persistence flags
	runCmd.Flags().IntVar(&persistCapacity, "persist-capacity", 10000,
		"Records queued per sink before the oldest are dropped")
	runCmd.Flags().IntVar(&persistBatch, "persist-batch", 100,
		"Records per sink write")

	migrateCmd.Flags().StringVar(&migrateDSN, "postgres-dsn", "",
		"PostgreSQL DSN")
	migrateCmd.Flags().StringVar(&migrateDSNFile, "postgres-dsn-file", "",
		"Path to file containing the PostgreSQL DSN")
	migrateCmd.Flags().BoolVar(&migrateDown, "down", false,
		"Roll the schema back instead of applying it")

	probeCmd.Flags().StringVar(&probeServer, "server", "127.0.0.1:1813",
		"Accounting server host:port")
	probeCmd.Flags().StringVar(&probeSecret, "secret", "",
		"Shared secret (DEPRECATED: visible in ps output, use --secret-file instead)")
	probeCmd.Flags().StringVar(&probeSecretFile, "secret-file", "",
		"Path to file containing the shared secret")
	probeCmd.Flags().StringVar(&probeNASID, "nas-id", "acctd-probe",
		"NAS-Identifier sent in the probe")
	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", 3*time.Second,
		"Probe timeout")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(versionCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	logger, err := initLogger("warn")
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	secret := resolveSecret(probeSecret, probeSecretFile, "secret", "secret-file", logger)
	if secret == "" {
		return fmt.Errorf("a shared secret is required (--secret-file)")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
	defer cancel()

	res, err := radius.Probe(ctx, probeServer, secret, probeNASID)
	if err != nil {
		return err
	}
	fmt.Printf("%s answered %s in %s\n", res.Server, res.Code, res.RTT.Round(time.Microsecond))
	return nil
}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	config := zap.NewProductionConfig()
	config.Level = zapLevel
	config.Encoding = "json"

	return config.Build()
}

// resolveSecret reads a secret from a file if the file flag is set,
// falling back to the direct string flag. When the direct flag is used,
// a deprecation warning is logged because CLI arguments are visible in
// process listings (ps output).
func resolveSecret(direct, filePath, directFlag, fileFlag string, logger *zap.Logger) string {
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			logger.Error("Failed to read secret file",
				zap.String("flag", fileFlag),
				zap.String("path", filePath),
				zap.Error(err),
			)
			return ""
		}
		secret := strings.TrimSpace(string(data))
		if direct != "" {
			logger.Warn("Both --"+directFlag+" and --"+fileFlag+" set; using file",
				zap.String("file", filePath),
			)
		}
		return secret
	}
	if direct != "" {
		logger.Warn("--"+directFlag+" is deprecated: secret is visible in process listings. Use --"+fileFlag+" instead.",
			zap.String("flag", directFlag),
		)
	}
	return direct
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context, logger *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
