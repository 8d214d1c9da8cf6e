// ABOUTME: Redis Streams log of feed run events, capped to a maximum length
// ABOUTME: Implements the feed manager Observer and reads back recent runs for the API

package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hikmaai-io/hikmaai-tif/internal/feedsync"
	"github.com/hikmaai-io/hikmaai-tif/internal/observability"
)

// RunEventStreamConfig holds configuration for the run event stream.
type RunEventStreamConfig struct {
	// Stream is the stream name (without prefix). Defaults to "runs".
	Stream string

	// MaxLen caps the stream length approximately. Defaults to 10000.
	MaxLen int64

	// Logger for publish failures.
	Logger *slog.Logger
}

// RunEvent is one completed feed run.
type RunEvent struct {
	ID         string    `json:"id"`
	FeedID     string    `json:"feed_id"`
	RunID      string    `json:"run_id"`
	Trigger    string    `json:"trigger"`
	Status     string    `json:"status"`
	Code       string    `json:"code,omitempty"`
	Error      string    `json:"error,omitempty"`
	Stored     int       `json:"stored"`
	Deleted    int       `json:"deleted"`
	DurationMs float64   `json:"duration_ms"`
	FinishedAt time.Time `json:"finished_at"`
}

// RunEventStream appends run events to a Redis Stream.
type RunEventStream struct {
	client    *Client
	streamKey string
	maxLen    int64
	logger    *slog.Logger
}

// NewRunEventStream creates a new run event stream.
func NewRunEventStream(client *Client, cfg RunEventStreamConfig) (*RunEventStream, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	if cfg.Stream == "" {
		cfg.Stream = "runs"
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 10_000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &RunEventStream{
		client:    client,
		streamKey: client.PrefixedKey(cfg.Stream),
		maxLen:    cfg.MaxLen,
		logger:    cfg.Logger,
	}, nil
}

// StreamKey returns the full prefixed stream key.
func (s *RunEventStream) StreamKey() string {
	return s.streamKey
}

// EventFromResult converts a run result to an event.
func EventFromResult(result feedsync.RunResult) RunEvent {
	ev := RunEvent{
		FeedID:     result.FeedID,
		RunID:      result.RunID,
		Trigger:    result.Trigger,
		Status:     string(feedsync.StatusSucceeded),
		Stored:     result.Stored,
		Deleted:    result.Deleted,
		DurationMs: float64(result.Duration().Microseconds()) / 1000,
		FinishedAt: result.FinishedAt.UTC(),
	}
	if result.Err != nil {
		ev.Status = string(feedsync.StatusFailed)
		ev.Code = result.Code
		ev.Error = observability.RedactSensitive(result.Err.Error())
	}
	return ev
}

// Publish adds ev to the stream and returns the id Redis assigned.
func (s *RunEventStream) Publish(ctx context.Context, ev RunEvent) (string, error) {
	id, err := s.client.Redis().XAdd(ctx, &redis.XAddArgs{
		Stream: s.streamKey,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"feed_id":     ev.FeedID,
			"run_id":      ev.RunID,
			"trigger":     ev.Trigger,
			"status":      ev.Status,
			"code":        ev.Code,
			"error":       ev.Error,
			"stored":      strconv.Itoa(ev.Stored),
			"deleted":     strconv.Itoa(ev.Deleted),
			"duration_ms": strconv.FormatFloat(ev.DurationMs, 'f', 3, 64),
			"finished_at": ev.FinishedAt.Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publishing to stream %s: %w", s.streamKey, err)
	}
	return id, nil
}

// ObserveRun publishes an event for every run. Failures are logged.
func (s *RunEventStream) ObserveRun(ctx context.Context, _ feedsync.FeedStatus, result feedsync.RunResult) {
	if _, err := s.Publish(ctx, EventFromResult(result)); err != nil {
		s.logger.Warn("failed to publish run event",
			slog.String("feed_id", result.FeedID),
			slog.Any("error", err),
		)
	}
}

// Recent returns up to count events, newest first.
func (s *RunEventStream) Recent(ctx context.Context, count int64) ([]RunEvent, error) {
	msgs, err := s.client.Redis().XRevRangeN(ctx, s.streamKey, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("reading stream %s: %w", s.streamKey, err)
	}

	events := make([]RunEvent, 0, len(msgs))
	for _, msg := range msgs {
		events = append(events, parseEvent(msg))
	}
	return events, nil
}

func parseEvent(msg redis.XMessage) RunEvent {
	str := func(k string) string {
		if v, ok := msg.Values[k].(string); ok {
			return v
		}
		return ""
	}

	ev := RunEvent{
		ID:      msg.ID,
		FeedID:  str("feed_id"),
		RunID:   str("run_id"),
		Trigger: str("trigger"),
		Status:  str("status"),
		Code:    str("code"),
		Error:   str("error"),
	}
	ev.Stored, _ = strconv.Atoi(str("stored"))
	ev.Deleted, _ = strconv.Atoi(str("deleted"))
	ev.DurationMs, _ = strconv.ParseFloat(str("duration_ms"), 64)
	ev.FinishedAt, _ = time.Parse(time.RFC3339Nano, str("finished_at"))
	return ev
}
