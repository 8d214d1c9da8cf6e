// ABOUTME: Opens the configured index backend and wraps it in a FeedStore
// ABOUTME: Badger lives under the data directory; postgres connects via DSN

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hikmaai-io/hikmaai-tif/internal/config"
)

// OpenIndex opens the index backend named by cfg.Store.Backend.
func OpenIndex(ctx context.Context, cfg *config.Config) (IndexProvider, error) {
	switch cfg.Store.Backend {
	case "", "badger":
		path := filepath.Join(cfg.DataDir, "index")
		if err := os.MkdirAll(path, 0o750); err != nil {
			return nil, fmt.Errorf("creating index directory: %w", err)
		}
		return NewBadgerIndex(StoreConfig{
			Path:         path,
			Alias:        cfg.Store.Alias,
			RolloverDocs: int64(cfg.Store.RolloverDocs),
		})
	case "postgres":
		return NewPostgresIndex(ctx, PostgresConfig{
			DSN:          cfg.Store.PostgresDSN,
			Alias:        cfg.Store.Alias,
			RolloverDocs: int64(cfg.Store.RolloverDocs),
		})
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// NewFilterFromConfig sizes a document filter from the store settings.
func NewFilterFromConfig(cfg config.StoreConfig) *DocFilter {
	return NewDocFilter(FilterConfig{
		ExpectedItems:     cfg.BloomExpectedItems,
		FalsePositiveRate: cfg.BloomFalsePositiveRate,
	})
}
