package main

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/elemta-relay/relaycore/internal/attachcache"
	"github.com/elemta-relay/relaycore/internal/attachment"
	"github.com/elemta-relay/relaycore/internal/cleanup"
	"github.com/elemta-relay/relaycore/internal/config"
	"github.com/elemta-relay/relaycore/internal/coordinator"
	"github.com/elemta-relay/relaycore/internal/dispatch"
	"github.com/elemta-relay/relaycore/internal/limiter"
	"github.com/elemta-relay/relaycore/internal/metrics"
	"github.com/elemta-relay/relaycore/internal/report"
	"github.com/elemta-relay/relaycore/internal/retry"
	"github.com/elemta-relay/relaycore/internal/secret"
	"github.com/elemta-relay/relaycore/internal/smtppool"
	"github.com/elemta-relay/relaycore/internal/store"
	"github.com/elemta-relay/relaycore/internal/store/sqlite"
	"github.com/elemta-relay/relaycore/internal/store/sqlrelational"
)

var (
	configPath string
	version    = "dev"
	commit     = "unknown"
	date       = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relayd",
		Short: "relayd - asynchronous SMTP relay engine",
		Long: `relayd runs the relay core: the persistent delivery queue, the
priority scheduler, per-account rate limiting, pooled SMTP submission,
and push-based delivery reporting.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.FindConfigFile(configPath)
		if err != nil {
			return err
		}
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}

		setupLogging(cfg)
		logger := slog.Default().With("component", "relayd")

		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		co, err := buildCoordinator(cfg, st)
		if err != nil {
			return err
		}

		if err := co.Start(); err != nil {
			return err
		}
		logger.Info("relayd started", "config", path, "backend", cfg.Engine.Backend)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		logger.Info("shutting down")
		co.Stop()
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

func init() {
	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.FindConfigFile(configPath)
			if err != nil {
				return err
			}
			if _, err := config.Load(path); err != nil {
				return err
			}
			fmt.Printf("Configuration OK: %s\n", path)
			return nil
		},
	})
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func openStore(cfg *config.Config) (store.StorageAdapter, error) {
	switch cfg.Engine.Backend {
	case "sqlite":
		return sqlite.Open(cfg.Engine.DSN)
	case "mysql":
		return sqlrelational.OpenMySQL(cfg.Engine.DSN)
	case "postgres":
		return sqlrelational.OpenPostgres(cfg.Engine.DSN)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Engine.Backend)
	}
}

func buildCache(cfg *config.Config) (*attachcache.Cache, error) {
	cacheCfg := cfg.Attachments.Cache

	memory := attachcache.NewMemoryTier(cacheCfg.MemoryMaxItems, cacheCfg.MemoryMaxBytes, time.Duration(cacheCfg.MemoryTTLSec)*time.Second)
	disk, err := attachcache.NewDiskTier(cacheCfg.DiskDir, cacheCfg.DiskMaxItems, cacheCfg.DiskMaxBytes, time.Duration(cacheCfg.DiskTTLSec)*time.Second)
	if err != nil {
		return nil, err
	}

	var remote attachcache.Tier
	remoteTTL := time.Duration(cacheCfg.RemoteTTLSec) * time.Second
	switch cacheCfg.Remote {
	case "redis":
		remote = attachcache.NewRedisTier(cacheCfg.RedisAddr, cacheCfg.RedisPassword, cacheCfg.RedisDB, remoteTTL)
	case "memcache":
		remote = attachcache.NewMemcacheTier(remoteTTL, cacheCfg.MemcacheAddrs...)
	}

	return attachcache.New(attachcache.Config{MemoryThresholdBytes: cacheCfg.MemoryThresholdBytes}, memory, disk, remote), nil
}

func buildCoordinator(cfg *config.Config, st store.StorageAdapter) (*coordinator.Coordinator, error) {
	reg := metrics.New()

	cache, err := buildCache(cfg)
	if err != nil {
		return nil, err
	}

	fetchTimeout := time.Duration(cfg.Attachments.FetchTimeoutSec) * time.Second
	resolver := attachment.New(
		attachment.Config{MaxConcurrentFetches: int64(cfg.Attachments.MaxConcurrentFetches)},
		attachment.Base64Fetcher{},
		attachment.FilesystemFetcher{BaseDir: cfg.Attachments.BaseDir},
		attachment.NewHTTPURLFetcher(fetchTimeout),
		attachment.NewEndpointFetcher(fetchTimeout),
	)

	var secretKey *[secret.KeySize]byte
	if cfg.Engine.SecretKey != "" {
		raw, err := hex.DecodeString(cfg.Engine.SecretKey)
		if err != nil || len(raw) != secret.KeySize {
			return nil, fmt.Errorf("engine.secret_key is not a %d-byte hex key", secret.KeySize)
		}
		secretKey = new([secret.KeySize]byte)
		copy(secretKey[:], raw)
	}

	pool := smtppool.New(smtppool.Config{
		MaxPerAccount:  cfg.Pool.MaxPerAccount,
		IdleTTL:        time.Duration(cfg.Pool.IdleTTLSec) * time.Second,
		DialTimeout:    time.Duration(cfg.Pool.DialTimeoutSec) * time.Second,
		CommandTimeout: time.Duration(cfg.Pool.CmdTimeoutSec) * time.Second,
		Hostname:       cfg.Engine.Hostname,
		SecretKey:      secretKey,
	}, nil)

	sched := retry.NewSchedule(nil)
	if len(cfg.Dispatch.RetrySchedule) > 0 {
		steps := make([]time.Duration, len(cfg.Dispatch.RetrySchedule))
		for i, s := range cfg.Dispatch.RetrySchedule {
			steps[i] = time.Duration(s) * time.Second
		}
		sched.Steps = steps
	}
	if cfg.Dispatch.MaxRetries > 0 {
		sched.MaxRetries = cfg.Dispatch.MaxRetries
	}

	deliverer := dispatch.NewPoolDeliverer(pool, time.Duration(cfg.Pool.CmdTimeoutSec)*time.Second)
	lim := limiter.New(st)

	d := dispatch.New(dispatch.Config{
		Interval:                time.Duration(cfg.Dispatch.IntervalSec) * time.Second,
		BatchSize:               cfg.Dispatch.BatchSize,
		MaxConcurrentSends:      cfg.Dispatch.MaxConcurrentSends,
		MaxConcurrentPerAccount: cfg.Dispatch.MaxConcurrentPerAccount,
		SendTimeout:             time.Duration(cfg.Dispatch.SendTimeoutSec) * time.Second,
	}, st, lim, resolver, cache, deliverer, sched, reg, nil)

	r := report.New(report.Config{
		Interval:       time.Duration(cfg.Report.IntervalSec) * time.Second,
		BatchPerTenant: cfg.Report.BatchPerTenant,
		PostTimeout:    time.Duration(cfg.Report.PostTimeoutSec) * time.Second,
		GlobalSinkURL:  cfg.Report.GlobalSinkURL,
		GlobalAuth:     globalAuth(cfg),
	}, st, &http.Client{}, reg, nil)

	if cfg.Metrics.ValkeyAddr != "" {
		vs, err := metrics.NewValkeyStore(cfg.Metrics.ValkeyAddr)
		if err != nil {
			slog.Warn("valkey metrics mirror unavailable", "addr", cfg.Metrics.ValkeyAddr, "error", err)
		} else {
			d.SetRecorder(vs)
			r.SetRecorder(vs)
		}
	}

	cl := cleanup.New(cleanup.Config{
		Interval:         time.Duration(cfg.Cleanup.IntervalSec) * time.Second,
		DefaultRetention: time.Duration(cfg.Cleanup.RetentionHours) * time.Hour,
		SendLogRetention: time.Duration(cfg.Cleanup.SendLogHours) * time.Hour,
	}, st, cache, reg, nil)

	return coordinator.New(coordinator.Config{
		DefaultAccountID: cfg.Engine.DefaultAccount,
	}, st, d, r, cl, pool, reg, nil), nil
}

func globalAuth(cfg *config.Config) store.Auth {
	switch cfg.Report.GlobalAuthKind {
	case "bearer":
		return store.Auth{Kind: store.AuthBearer, Token: cfg.Report.GlobalAuthToken}
	case "basic":
		return store.Auth{Kind: store.AuthBasic, Username: cfg.Report.GlobalAuthUsername, Password: cfg.Report.GlobalAuthPassword}
	default:
		return store.Auth{Kind: store.AuthNone}
	}
}
