// Package main is the entry point for the frpx-agent binary.
// It connects out to the frpx server and serves public traffic into a
// local service (an OpenAI-compatible inference server by default).
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Resolve the client id (flag, else stable machine id)
//  4. Build the credential source (flags, else interactive prompt)
//  5. Run the connection loop until SIGINT/SIGTERM
package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sxhxliang/frpx/internal/agent"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	serverHost  string
	controlPort int
	proxyPort   int
	localAddr   string
	localPort   int
	clientID    string
	stateDir    string
	email       string
	password    string
	logLevel    string
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
		Use:   "frpx-agent",
		Short: "frpx agent: exposes a local service through the frpx server",
		Long: `frpx agent dials out to an frpx server, registers itself, and serves
public traffic: for every request the server assigns, it opens a proxy
connection back to the server and splices it onto the local service.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.serverHost, "server-host", envOrDefault("FRPX_SERVER_HOST", "127.0.0.1"), "frpx server hostname or IP")
	root.PersistentFlags().IntVar(&cfg.controlPort, "control-port", envOrDefaultInt("FRPX_CONTROL_PORT", 17000), "Server control port")
	root.PersistentFlags().IntVar(&cfg.proxyPort, "proxy-port", envOrDefaultInt("FRPX_PROXY_PORT", 17001), "Server proxy port")
	root.PersistentFlags().StringVar(&cfg.localAddr, "local-addr", envOrDefault("FRPX_LOCAL_ADDR", "127.0.0.1"), "Local service hostname or IP")
	root.PersistentFlags().IntVar(&cfg.localPort, "local-port", envOrDefaultInt("FRPX_LOCAL_PORT", 11434), "Local service port")
	root.PersistentFlags().StringVar(&cfg.clientID, "client-id", envOrDefault("FRPX_CLIENT_ID", ""), "Stable client id (empty = machine id)")
	root.PersistentFlags().StringVar(&cfg.stateDir, "state-dir", envOrDefault("FRPX_STATE_DIR", defaultStateDir()), "Directory for agent state (token.json)")
	root.PersistentFlags().StringVar(&cfg.email, "email", envOrDefault("FRPX_EMAIL", ""), "Login email (empty = prompt when needed)")
	root.PersistentFlags().StringVar(&cfg.password, "password", envOrDefault("FRPX_PASSWORD", ""), "Login password (empty = prompt when needed)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("FRPX_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("frpx-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	clientID := cfg.clientID
	if clientID == "" {
		clientID = agent.MachineID(ctx)
	}

	localAddr := net.JoinHostPort(cfg.localAddr, strconv.Itoa(cfg.localPort))

	logger.Info("starting frpx agent",
		zap.String("version", version),
		zap.String("server", cfg.serverHost),
		zap.String("client_id", clientID),
		zap.String("local_addr", localAddr),
	)

	mgr := agent.New(agent.Config{
		ServerHost:  cfg.serverHost,
		ControlPort: cfg.controlPort,
		ProxyPort:   cfg.proxyPort,
		LocalAddr:   localAddr,
		ClientID:    clientID,
		StateDir:    cfg.stateDir,
		Credentials: credentialSource(cfg),
	}, logger)

	mgr.Run(ctx)

	logger.Info("frpx agent stopped")
	return nil
}

// credentialSource returns flag-provided credentials when both are set and
// an interactive stdin prompt otherwise. The prompt runs at most once per
// session attempt, only when the stored token is missing or rejected.
func credentialSource(cfg *config) agent.CredentialSource {
	if cfg.email != "" && cfg.password != "" {
		return func(context.Context) (string, string, error) {
			return cfg.email, cfg.password, nil
		}
	}

	return func(ctx context.Context) (string, string, error) {
		reader := bufio.NewReader(os.Stdin)

		email := cfg.email
		if email == "" {
			fmt.Print("Email: ")
			line, err := reader.ReadString('\n')
			if err != nil {
				return "", "", fmt.Errorf("read email: %w", err)
			}
			email = strings.TrimSpace(line)
		}

		password := cfg.password
		if password == "" {
			fmt.Print("Password: ")
			line, err := reader.ReadString('\n')
			if err != nil {
				return "", "", fmt.Errorf("read password: %w", err)
			}
			password = strings.TrimSpace(line)
		}

		return email, password, nil
	}
}

// defaultStateDir returns the platform-appropriate default state directory.
func defaultStateDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.frpx"
	}
	return ".frpx"
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
