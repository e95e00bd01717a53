// Consult - command line client for the formula consultation service
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/formula-consult/internal/backend"
	"github.com/ashureev/formula-consult/internal/config"
	"github.com/ashureev/formula-consult/internal/consult"
	"github.com/ashureev/formula-consult/internal/transport"
)

// app holds the dependencies shared by every command.
type app struct {
	cfg    *config.Config
	client *backend.Client
	ctrl   *consult.Controller
	logger *slog.Logger
}

// The terminal is for the transcript, so the CLI only logs problems by default.
const defaultLogLevel = "warn"

type rootFlags struct {
	configPath string
	baseURL    string
	logLevel   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	a := &app{}

	root := &cobra.Command{
		Use:          "consult",
		Short:        "Talk to the formula consultation service",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd, flags)
		},
	}
	flags.register(root)

	root.AddCommand(
		newChatCmd(a),
		newAskCmd(a),
		newSessionsCmd(a),
		newDeleteCmd(a),
		newBridgeCmd(a),
	)
	return root
}

func (f *rootFlags) register(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&f.configPath, "config", "consult.toml", "path to an optional TOML config file")
	cmd.PersistentFlags().StringVar(&f.baseURL, "base-url", "", "consultation service URL (overrides config)")
	cmd.PersistentFlags().StringVar(&f.logLevel, "log-level", defaultLogLevel,
		"log level: debug, info, warn, error (overrides config)")
}

// loadConfig layers explicitly set flags over the file and environment.
func loadConfig(cmd *cobra.Command, flags *rootFlags) (*config.Config, error) {
	defaults := config.Default()
	defaults.LogLevel = defaultLogLevel

	cfg, err := config.LoadWithDefaults(flags.configPath, defaults)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("base-url") {
		cfg.Client.BaseURL = flags.baseURL
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = flags.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (a *app) init(cmd *cobra.Command, flags *rootFlags) error {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	cfg, err := loadConfig(cmd, flags)
	if err != nil {
		return err
	}

	// Logs go to stderr so they never interleave with the transcript on stdout.
	a.logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(a.logger)

	client, err := backend.New(backend.Options{
		BaseURL: cfg.Client.BaseURL,
		Token:   cfg.Client.APIToken,
		Retries: cfg.Client.HTTPRetries,
		Logger:  a.logger,
	})
	if err != nil {
		return err
	}

	tr := transport.New(client,
		transport.WithTimeout(cfg.Client.StreamTimeout),
		transport.WithLogger(a.logger),
	)

	a.cfg = cfg
	a.client = client
	a.ctrl = consult.New(client, tr, consult.WithLogger(a.logger))
	return nil
}
