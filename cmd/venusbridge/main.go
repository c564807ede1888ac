// Venus Bridge connects Marstek Venus E home batteries to MQTT and a local
// HTTP API.
//
// It polls every configured battery over the vendor's UDP JSON-RPC
// protocol, publishes snapshots, and accepts mode and schedule commands.
//
//	venusbridge serve --config configs/config.yaml
//	venusbridge discover --window 10s
//	venusbridge call venus-1 battery
//	venusbridge clear-schedules venus-1
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nerrad567/venus-bridge/internal/infrastructure/config"
	"github.com/nerrad567/venus-bridge/internal/infrastructure/logging"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// configEnv names the environment variable that overrides defaultConfigPath.
const configEnv = "VENUS_CONFIG"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// options holds flags shared by every subcommand.
type options struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "venusbridge",
		Short:         "Bridge Marstek Venus E batteries to MQTT and HTTP",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"config file (default $"+configEnv+" or "+defaultConfigPath+")")

	root.AddCommand(
		newServeCmd(opts),
		newDiscoverCmd(opts),
		newCallCmd(opts),
		newClearSchedulesCmd(opts),
		newTokenCmd(opts),
		newVersionCmd(),
	)
	return root
}

// resolveConfigPath returns the flag value, then $VENUS_CONFIG, then the
// default path.
func (o *options) resolveConfigPath() string {
	if o.configPath != "" {
		return o.configPath
	}
	if path := os.Getenv(configEnv); path != "" {
		return path
	}
	return defaultConfigPath
}

// loadConfig reads the config file. A missing file at the default path
// falls back to built-in defaults; a missing file that was named
// explicitly is an error.
func (o *options) loadConfig() (*config.Config, string, error) {
	path := o.resolveConfigPath()
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, path, nil
	}

	explicit := o.configPath != "" || os.Getenv(configEnv) != ""
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		cfg, err = config.Default()
		if err != nil {
			return nil, "", err
		}
		return cfg, "(defaults)", nil
	}
	return nil, "", fmt.Errorf("loading config: %w", err)
}

// cliLogger is the logger for one-shot commands. It writes to stderr so
// stdout stays clean JSON.
func cliLogger(cfg *config.Config) *logging.Logger {
	lc := cfg.Logging
	lc.Output = "stderr"
	if lc.Level == "" || lc.Level == "info" {
		lc.Level = "warn"
	}
	return logging.New(lc, version)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "venusbridge %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
