// ABOUTME: Root command for hikmaai-tif CLI
// ABOUTME: Sets up global flags, configuration loading, logging, and subcommands

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hikmaai-io/hikmaai-tif/internal/config"
	"github.com/hikmaai-io/hikmaai-tif/internal/observability"
)

// Global flags.
var (
	cfgFile   string
	logLevel  string
	logFormat string
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hikmaai-tif",
		Short: "HikmaAI TIF - Threat intelligence feed ingestion service",
		Long: `HikmaAI TIF retrieves indicator-of-compromise feeds from object stores,
URLs, and inline uploads on per-feed schedules, decodes them, and stores
them in a rolling index with replace or delta semantics.

Runs as a daemon with a NATS control plane, Redis status publishing,
and an HTTP status API, or one feed at a time from the command line.`,
		SilenceUsage: true,
	}

	// Global flags.
	cmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: "+config.DefaultConfigPath()+")")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (json, text, console)")

	// Add subcommands.
	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newDaemonCmd())
	cmd.AddCommand(newFeedsCmd())
	cmd.AddCommand(newIndexCmd())

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hikmaai-tif version %s\n", version)
			fmt.Printf("  Git SHA:    %s\n", gitSHA)
			fmt.Printf("  Build Time: %s\n", buildTime)
		},
	}
}

// loadConfig reads the config file and applies the global flag overrides.
// A missing default config file yields the defaults; a missing explicit
// one is an error.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	explicit := path != ""
	if !explicit {
		path = config.DefaultConfigPath()
	}

	cfg, err := config.Load(path)
	switch {
	case err == nil:
	case !explicit && errors.Is(err, fs.ErrNotExist):
		cfg = config.DefaultConfig()
	default:
		return nil, err
	}

	applyLogOverrides(cfg, logLevel, logFormat)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func applyLogOverrides(cfg *config.Config, level, format string) {
	if level != "" {
		cfg.Log.Level = level
	}
	if format != "" {
		cfg.Log.Format = format
	}
}

// newLogger builds the process logger from cfg.
func newLogger(cfg *config.Config) *slog.Logger {
	return observability.NewLogger(observability.LoggingConfig{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: "hikmaai-tif",
		Version:     version,
	}, os.Stderr)
}
