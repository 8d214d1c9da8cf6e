// ABOUTME: Feeds command for listing, validating, running, and importing feeds
// ABOUTME: Runs a single retrieval in-process against the configured index

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hikmaai-io/hikmaai-tif/internal/config"
	"github.com/hikmaai-io/hikmaai-tif/internal/connector"
	"github.com/hikmaai-io/hikmaai-tif/internal/feedsync"
	"github.com/hikmaai-io/hikmaai-tif/internal/observability"
	"github.com/hikmaai-io/hikmaai-tif/internal/store"
	"github.com/hikmaai-io/hikmaai-tif/internal/types"
)

func newFeedsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feeds",
		Short: "Manage threat intelligence feeds",
		Long:  `Commands for inspecting configured feeds and running retrievals by hand.`,
	}

	cmd.AddCommand(newFeedsListCmd())
	cmd.AddCommand(newFeedsValidateCmd())
	cmd.AddCommand(newFeedsRunCmd())
	cmd.AddCommand(newFeedsImportCmd())
	cmd.AddCommand(newFeedsLookupCmd())

	return cmd
}

func newFeedsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured feeds",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printFeeds(cmd.OutOrStdout(), cfg.Feeds)
		},
	}
}

func printFeeds(w io.Writer, feeds []config.FeedConfig) error {
	if len(feeds) == 0 {
		_, err := fmt.Fprintln(w, "No feeds configured.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSOURCE\tFORMAT\tUPDATE\tINTERVAL\tENABLED")
	for _, f := range feeds {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%v\n",
			f.ID, f.Source.Kind, f.WireFormat(), f.UpdateType, f.Interval, f.IsEnabled())
	}
	return tw.Flush()
}

func newFeedsValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file and build every feed's connector",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return validateFeeds(cmd.OutOrStdout(), connector.NewRegistry(connector.DepsFromConfig(cfg)), cfg.Feeds)
		},
	}
}

// validateFeeds builds a connector for each feed and reports every
// failure, not just the first.
func validateFeeds(w io.Writer, registry *connector.Registry, feeds []config.FeedConfig) error {
	var errs []error
	for _, f := range feeds {
		if _, err := registry.Build(f); err != nil {
			fmt.Fprintf(w, "  %-24s FAIL  %v\n", f.ID, err)
			errs = append(errs, fmt.Errorf("feed %s: %w", f.ID, err))
			continue
		}
		fmt.Fprintf(w, "  %-24s OK\n", f.ID)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	fmt.Fprintf(w, "\n%d feeds valid\n", len(feeds))
	return nil
}

func newFeedsRunCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "run <feed-id>",
		Short: "Retrieve one configured feed now",
		Long: `Run a single retrieval of a configured feed and store the result in
the index. The daemon does not need to be running, but it must not hold
the Badger index open at the same time.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			feed, ok := cfg.Feed(args[0])
			if !ok {
				return fmt.Errorf("feed %q is not configured", args[0])
			}
			if timeout > 0 {
				cfg.Scheduler.RunTimeout = config.Duration(timeout)
			}
			return runFeedOnce(cmd.Context(), cmd.OutOrStdout(), cfg, feed)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "bound the run (default: scheduler.run_timeout)")

	return cmd
}

func newFeedsImportCmd() *cobra.Command {
	var (
		filePath   string
		format     string
		updateType string
	)

	cmd := &cobra.Command{
		Use:   "import <feed-id>",
		Short: "Import a feed payload from a local file",
		Long: `Import IOC records from a local file as an inline upload.

If the feed is configured, its format, schema, and update type are used
unless overridden by flags. Otherwise the file is stored as a new feed.

Examples:
  hikmaai-tif feeds import acme --file iocs.ndjson
  hikmaai-tif feeds import acme --file iocs.csv --format csv --update-type delta`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			payload, err := os.ReadFile(filePath)
			if err != nil {
				return fmt.Errorf("reading %s: %w", filePath, err)
			}

			feed, err := importFeedConfig(cfg, args[0], string(payload), format, updateType)
			if err != nil {
				return err
			}

			logger := newLogger(cfg)
			observability.NewAuditLogger(logger).LogFeedImport(cmd.Context(), feed.ID, filepath.Base(filePath), int64(len(payload)))

			return runFeedOnce(cmd.Context(), cmd.OutOrStdout(), cfg, feed)
		},
	}

	cmd.Flags().StringVarP(&filePath, "file", "f", "", "payload file to import")
	cmd.Flags().StringVar(&format, "format", "", "wire format (ndjson, csv)")
	cmd.Flags().StringVar(&updateType, "update-type", "", "replace or delta")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// importFeedConfig derives an inline-upload feed for payload, starting
// from the configured feed of the same id when there is one.
func importFeedConfig(cfg *config.Config, feedID, payload, format, updateType string) (config.FeedConfig, error) {
	feed, ok := cfg.Feed(feedID)
	if !ok {
		feed = config.FeedConfig{
			ID:         feedID,
			UpdateType: types.UpdateTypeReplace,
		}
	}

	// The interval only matters to the scheduler.
	if feed.Interval <= 0 {
		feed.Interval = config.Duration(time.Hour)
	}
	feed.Source = config.SourceConfig{
		Kind:    config.SourceInlineUpload,
		Payload: payload,
	}

	if format != "" {
		feed.Format = strings.ToLower(format)
	}
	if updateType != "" {
		ut, err := types.ParseUpdateType(updateType)
		if err != nil {
			return config.FeedConfig{}, err
		}
		feed.UpdateType = ut
	}

	if err := feed.Validate(); err != nil {
		return config.FeedConfig{}, err
	}
	return feed, nil
}

// runFeedOnce opens the index, runs one retrieval of feed, and prints
// the outcome. A failed run is returned as an error.
func runFeedOnce(ctx context.Context, w io.Writer, cfg *config.Config, feed config.FeedConfig) error {
	logger := newLogger(cfg)

	feedStore, err := openFeedStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer feedStore.Close()

	builder := &feedsync.Builder{
		Connectors: connector.NewRegistry(connector.DepsFromConfig(cfg)),
		Store:      feedStore,
		Timeout:    cfg.Scheduler.RunTimeout.Std(),
		Logger:     logger,
	}

	task, err := builder.Build(feed)
	if err != nil {
		return fmt.Errorf("building feed %s: %w", feed.ID, err)
	}

	fmt.Fprintf(w, "Retrieving feed '%s' (%s, %s)...\n", feed.ID, feed.Source.Kind, feed.UpdateType)
	result := task.Run(feedsync.WithTrigger(ctx, feedsync.TriggerManual))
	printRunResult(w, result)

	if !result.Succeeded() {
		return fmt.Errorf("feed %s failed: %s", feed.ID, result.Code)
	}
	return nil
}

func printRunResult(w io.Writer, result feedsync.RunResult) {
	fmt.Fprintf(w, "Run:      %s\n", result.RunID)
	fmt.Fprintf(w, "Duration: %s\n", result.Duration().Round(time.Millisecond))
	if !result.Succeeded() {
		fmt.Fprintf(w, "Status:   failed (%s)\n", result.Code)
		fmt.Fprintf(w, "Error:    %s\n", observability.RedactSensitive(result.Err.Error()))
		return
	}
	fmt.Fprintln(w, "Status:   succeeded")
	fmt.Fprintf(w, "Loaded:   %d\n", result.Loaded)
	fmt.Fprintf(w, "Stored:   %d\n", result.Stored)
	if result.Deleted > 0 {
		fmt.Fprintf(w, "Deleted:  %d\n", result.Deleted)
	}
}

func newFeedsLookupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <feed-id> <ioc-id>",
		Short: "Print a stored IOC as JSON",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			feedStore, err := openFeedStore(cmd.Context(), cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			defer feedStore.Close()

			return lookupIOC(cmd.Context(), cmd.OutOrStdout(), feedStore, args[0], args[1])
		},
	}
}

type iocGetter interface {
	Get(ctx context.Context, feedID, iocID string) (types.IOC, error)
}

func lookupIOC(ctx context.Context, w io.Writer, s iocGetter, feedID, iocID string) error {
	ioc, err := s.Get(ctx, feedID, iocID)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(ioc)
}

// openFeedStore opens the configured index without a document filter;
// one-shot commands do not benefit from warming it.
func openFeedStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store.FeedStore, error) {
	index, err := store.OpenIndex(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening feed index: %w", err)
	}
	return store.NewFeedStore(index,
		store.WithLogger(logger),
		store.WithAuditLogger(observability.NewAuditLogger(logger)),
	), nil
}
