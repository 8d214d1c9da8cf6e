// ABOUTME: Publishes per-feed run status to Redis hashes for external dashboards
// ABOUTME: Implements the feed manager Observer; entries expire after a configurable TTL

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hikmaai-io/hikmaai-tif/internal/feedsync"
)

// jsonField holds the full status document inside each feed hash.
const jsonField = "json"

// StatusPublisherConfig holds configuration for the status publisher.
type StatusPublisherConfig struct {
	// TTL is how long a feed's status survives without a new run.
	// Zero keeps entries forever.
	TTL time.Duration

	// Logger for publish failures.
	Logger *slog.Logger
}

// StatusPublisher mirrors feed status into Redis.
//
// Each feed is a hash at <prefix>feed:<id> with flat fields for simple
// consumers plus the full JSON document. <prefix>feeds is a set of the
// feed ids that have been published.
type StatusPublisher struct {
	client *Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewStatusPublisher creates a new status publisher.
func NewStatusPublisher(client *Client, cfg StatusPublisherConfig) *StatusPublisher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &StatusPublisher{
		client: client,
		ttl:    cfg.TTL,
		logger: cfg.Logger,
	}
}

// FeedKey returns the full Redis key for a feed id.
func (p *StatusPublisher) FeedKey(feedID string) string {
	return p.client.PrefixedKey("feed:" + feedID)
}

func (p *StatusPublisher) indexKey() string {
	return p.client.PrefixedKey("feeds")
}

// Publish writes status atomically and refreshes its TTL.
func (p *StatusPublisher) Publish(ctx context.Context, status feedsync.FeedStatus) error {
	doc, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshaling status for %s: %w", status.FeedID, err)
	}

	key := p.FeedKey(status.FeedID)
	fields := map[string]any{
		"status":          string(status.Status),
		"interval":        status.Interval,
		"last_run":        formatTime(status.LastRun),
		"last_success":    formatTime(status.LastSuccess),
		"next_scheduled":  formatTime(status.NextScheduled),
		"last_error":      status.LastError,
		"last_error_code": status.LastErrorCode,
		"last_count":      strconv.Itoa(status.LastCount),
		"runs":            strconv.FormatInt(status.Runs, 10),
		"failures":        strconv.FormatInt(status.Failures, 10),
		jsonField:         string(doc),
	}

	_, err = p.client.Redis().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		if p.ttl > 0 {
			pipe.Expire(ctx, key, p.ttl)
		}
		pipe.SAdd(ctx, p.indexKey(), status.FeedID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("publishing status to %s: %w", key, err)
	}
	return nil
}

// ObserveRun publishes the status after each run. Failures are logged.
func (p *StatusPublisher) ObserveRun(ctx context.Context, status feedsync.FeedStatus, _ feedsync.RunResult) {
	if err := p.Publish(ctx, status); err != nil {
		p.logger.Warn("failed to publish feed status",
			slog.String("feed_id", status.FeedID),
			slog.Any("error", err),
		)
	}
}

// Get returns the published status of feedID, or nil if none exists.
func (p *StatusPublisher) Get(ctx context.Context, feedID string) (*feedsync.FeedStatus, error) {
	key := p.FeedKey(feedID)
	val, err := p.client.Redis().HGet(ctx, key, jsonField).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting status from %s: %w", key, err)
	}

	var status feedsync.FeedStatus
	if err := json.Unmarshal([]byte(val), &status); err != nil {
		return nil, fmt.Errorf("unmarshaling status from %s: %w", key, err)
	}
	return &status, nil
}

// List returns every published status, sorted by feed id. Index entries
// whose hash has expired are pruned.
func (p *StatusPublisher) List(ctx context.Context) ([]feedsync.FeedStatus, error) {
	ids, err := p.client.Redis().SMembers(ctx, p.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing published feeds: %w", err)
	}
	slices.Sort(ids)

	out := make([]feedsync.FeedStatus, 0, len(ids))
	var stale []any
	for _, id := range ids {
		status, err := p.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if status == nil {
			stale = append(stale, id)
			continue
		}
		out = append(out, *status)
	}

	if len(stale) > 0 {
		if err := p.client.Redis().SRem(ctx, p.indexKey(), stale...).Err(); err != nil {
			p.logger.Warn("failed to prune expired feed statuses", slog.Any("error", err))
		}
	}
	return out, nil
}

// Remove deletes the published status of feedID.
func (p *StatusPublisher) Remove(ctx context.Context, feedID string) error {
	_, err := p.client.Redis().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, p.FeedKey(feedID))
		pipe.SRem(ctx, p.indexKey(), feedID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("removing status of %s: %w", feedID, err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
