// ABOUTME: Index command for inspecting and maintaining the rolling IOC index
// ABOUTME: Reports segments and per-feed counts; compacts the Badger value log

package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hikmaai-io/hikmaai-tif/internal/store"
)

func newIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Inspect and maintain the IOC index",
	}

	cmd.AddCommand(newIndexStatsCmd())
	cmd.AddCommand(newIndexCompactCmd())

	return cmd
}

func newIndexStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show index segments and per-feed record counts",
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

			fmt.Fprintf(cmd.OutOrStdout(), "Backend: %s\nAlias:   %s\n\n", cfg.Store.Backend, cfg.Store.Alias)
			return printIndexStats(cmd.Context(), cmd.OutOrStdout(), feedStore)
		},
	}
}

// indexReader is the read side of the feed store used by stats.
type indexReader interface {
	Segments(ctx context.Context) ([]store.SegmentInfo, error)
	Feeds(ctx context.Context) ([]string, error)
	Count(ctx context.Context, feedID string) (int, error)
}

func printIndexStats(ctx context.Context, w io.Writer, r indexReader) error {
	segments, err := r.Segments(ctx)
	if err != nil {
		return fmt.Errorf("listing segments: %w", err)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEGMENT\tDOCS")
	var total int64
	for _, seg := range segments {
		fmt.Fprintf(tw, "%s\t%d\n", seg.Name, seg.Docs)
		total += seg.Docs
	}
	fmt.Fprintf(tw, "total\t%d\n", total)
	if err := tw.Flush(); err != nil {
		return err
	}

	feeds, err := r.Feeds(ctx)
	if err != nil {
		return fmt.Errorf("listing feeds: %w", err)
	}

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FEED\tIOCS")
	for _, id := range feeds {
		n, err := r.Count(ctx, id)
		if err != nil {
			return fmt.Errorf("counting feed %s: %w", id, err)
		}
		fmt.Fprintf(tw, "%s\t%d\n", id, n)
	}
	return tw.Flush()
}

// compacter is implemented by index backends that can reclaim space.
type compacter interface {
	Compact() error
}

func newIndexCompactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Reclaim space in the Badger value log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			index, err := store.OpenIndex(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("opening feed index: %w", err)
			}
			defer index.Close()

			return compactIndex(cmd.OutOrStdout(), index)
		},
	}
}

func compactIndex(w io.Writer, index store.IndexProvider) error {
	c, ok := index.(compacter)
	if !ok {
		return fmt.Errorf("index backend for alias %s does not support compaction", index.Alias())
	}
	if err := c.Compact(); err != nil {
		return fmt.Errorf("compacting index: %w", err)
	}
	fmt.Fprintln(w, "Index compacted.")
	return nil
}
