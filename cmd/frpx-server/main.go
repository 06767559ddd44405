// Package main is the entry point for the frpx-server binary.
// It wires all internal packages together and starts the listeners.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Build the token validator chain (postgres -> redis cache -> static key)
//  4. Build the agent registry and rendezvous server
//  5. Start the three TCP listeners and the observability HTTP API
//  6. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sxhxliang/frpx/internal/api"
	"github.com/sxhxliang/frpx/internal/auth"
	"github.com/sxhxliang/frpx/internal/registry"
	"github.com/sxhxliang/frpx/internal/server"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	bindAddr    string
	controlPort int
	proxyPort   int
	publicPort  int
	apiPort     int

	databaseURL string
	cacheURL    string
	apiKey      string
	secretKey   string
	users       []string

	logLevel string
	monitor  bool
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
		Use:   "frpx-server",
		Short: "frpx server: rendezvous server for dial-out proxy agents",
		Long: `frpx server accepts persistent control connections from agents behind
NAT, validates public TCP connections by API key, and splices each public
connection onto a proxy connection the chosen agent dials back.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.monitor {
				return runMonitor(cfg)
			}
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.bindAddr, "bind-addr", envOrDefault("FRPX_BIND_ADDR", "0.0.0.0"), "Address all listeners bind to")
	root.PersistentFlags().IntVar(&cfg.controlPort, "control-port", envOrDefaultInt("FRPX_CONTROL_PORT", 17000), "Agent control listener port")
	root.PersistentFlags().IntVar(&cfg.proxyPort, "proxy-port", envOrDefaultInt("FRPX_PROXY_PORT", 17001), "Agent proxy listener port")
	root.PersistentFlags().IntVar(&cfg.publicPort, "public-port", envOrDefaultInt("FRPX_PUBLIC_PORT", 18080), "Public traffic listener port")
	root.PersistentFlags().IntVar(&cfg.apiPort, "api-port", envOrDefaultInt("FRPX_API_PORT", 18081), "Observability HTTP API port")
	root.PersistentFlags().StringVar(&cfg.databaseURL, "database-url", envOrDefault("FRPX_DATABASE_URL", ""), "Postgres URL for API key validation (empty = static key only)")
	root.PersistentFlags().StringVar(&cfg.cacheURL, "cache-url", envOrDefault("FRPX_CACHE_URL", ""), "Redis URL for caching API key lookups (requires --database-url)")
	root.PersistentFlags().StringVar(&cfg.apiKey, "api-key", envOrDefault("FRPX_API_KEY", ""), "Static bootstrap API key accepted alongside database keys")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("FRPX_SECRET_KEY", ""), "HMAC secret for agent login tokens (empty = random per start)")
	root.PersistentFlags().StringArrayVar(&cfg.users, "user", []string{envOrDefault("FRPX_USER", "test@example.com:123456")}, "Agent login user as email:password (repeatable)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("FRPX_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&cfg.monitor, "monitor", false, "Print a one-shot fleet monitoring table from a running server and exit")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("frpx-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting frpx server",
		zap.String("version", version),
		zap.Int("control_port", cfg.controlPort),
		zap.Int("proxy_port", cfg.proxyPort),
		zap.Int("public_port", cfg.publicPort),
		zap.Int("api_port", cfg.apiPort),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	users, err := auth.NewUsers(cfg.users)
	if err != nil {
		return fmt.Errorf("invalid --user: %w", err)
	}

	secret := cfg.secretKey
	if secret == "" {
		secret = uuid.NewString()
		logger.Warn("secret-key not configured, agent tokens will not survive a restart (set FRPX_SECRET_KEY in production)")
	}
	issuer := auth.NewIssuer(secret, auth.DefaultTokenTTL)

	validator, err := buildValidator(ctx, cfg, logger)
	if err != nil {
		return err
	}

	reg := registry.New(logger)
	srv := server.New(
		server.Config{
			ControlAddr: listenAddr(cfg.bindAddr, cfg.controlPort),
			ProxyAddr:   listenAddr(cfg.bindAddr, cfg.proxyPort),
			PublicAddr:  listenAddr(cfg.bindAddr, cfg.publicPort),
		},
		reg, users, issuer, validator, logger,
	)
	if err := srv.Listen(); err != nil {
		return err
	}

	router := api.NewRouter(api.RouterConfig{
		Registry: reg,
		Core:     srv,
		Ports: api.Ports{
			Control: cfg.controlPort,
			Proxy:   cfg.proxyPort,
			Public:  cfg.publicPort,
			API:     cfg.apiPort,
		},
		Logger:  logger.Named("api"),
		Metrics: srv.Metrics().Handler(),
	})
	httpSrv := &http.Server{
		Addr:              listenAddr(cfg.bindAddr, cfg.apiPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error {
		logger.Info("api listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("frpx server stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildValidator assembles the API key validation chain. The static
// bootstrap key always works; when a database is configured it becomes the
// primary source, optionally fronted by a Redis cache, with the static key
// as the fallback for transient store failures.
func buildValidator(ctx context.Context, cfg *config, logger *zap.Logger) (auth.Validator, error) {
	static := auth.NewStatic(cfg.apiKey)

	if cfg.databaseURL == "" {
		if cfg.apiKey == "" {
			logger.Warn("no database-url and no api-key configured, all public connections will be rejected")
		}
		if cfg.cacheURL != "" {
			logger.Warn("cache-url set without database-url, ignoring cache")
		}
		return static, nil
	}

	var primary auth.Validator
	pg, err := auth.NewPostgresValidator(ctx, cfg.databaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	primary = pg

	if cfg.cacheURL != "" {
		cached, err := auth.NewCachedValidator(ctx, cfg.cacheURL, primary, logger)
		if err != nil {
			return nil, fmt.Errorf("connect to cache: %w", err)
		}
		primary = cached
	}

	return auth.NewFallback(primary, static), nil
}

func listenAddr(bind string, port int) string {
	return bind + ":" + strconv.Itoa(port)
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
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
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

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}
