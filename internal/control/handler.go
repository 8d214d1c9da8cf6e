// ABOUTME: Handler applying feed control commands to the feed manager
// ABOUTME: Builds retrievers for register commands and reports outcomes as replies

package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hikmaai-io/hikmaai-tif/internal/config"
	"github.com/hikmaai-io/hikmaai-tif/internal/feedsync"
)

// Actor is recorded in audit logs for changes made over the control plane.
const Actor = "nats"

// Scheduler is the subset of the feed manager the handler drives.
type Scheduler interface {
	Register(ctx context.Context, feedID string, task feedsync.Task, interval time.Duration) error
	Deregister(ctx context.Context, feedID string) bool
	TriggerNow(ctx context.Context, feedID string) error
}

// TaskBuilder turns a feed definition into a runnable task.
type TaskBuilder interface {
	Build(feed config.FeedConfig) (*feedsync.Retriever, error)
}

// Handler processes feed commands.
type Handler struct {
	scheduler Scheduler
	builder   TaskBuilder
	clock     clockwork.Clock
	logger    *slog.Logger
}

// NewHandler creates a new command handler.
func NewHandler(scheduler Scheduler, builder TaskBuilder, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		scheduler: scheduler,
		builder:   builder,
		clock:     clockwork.NewRealClock(),
		logger:    logger,
	}
}

// ProcessCommand applies a single command and returns the reply.
func (h *Handler) ProcessCommand(ctx context.Context, cmd FeedCommand) FeedReply {
	ctx = feedsync.WithActor(ctx, Actor)

	reply := FeedReply{
		RequestID: cmd.RequestID,
		Action:    cmd.Action,
		FeedID:    cmd.TargetFeedID(),
	}

	var err error
	switch cmd.Action {
	case ActionRegister:
		err = h.register(ctx, cmd)
	case ActionDeregister:
		if reply.FeedID == "" {
			err = errors.New("feed_id is required")
			break
		}
		reply.Existed = h.scheduler.Deregister(ctx, reply.FeedID)
	case ActionRefresh:
		if reply.FeedID == "" {
			err = errors.New("feed_id is required")
			break
		}
		err = h.scheduler.TriggerNow(ctx, reply.FeedID)
	default:
		err = fmt.Errorf("unknown action %q", cmd.Action)
	}

	reply.HandledAt = h.clock.Now().UTC()
	if err != nil {
		reply.Status = StatusError
		reply.Error = err.Error()
		return reply
	}
	reply.Status = StatusOK
	return reply
}

// register validates the feed, builds its retriever, and schedules it.
// A disabled feed is deregistered instead.
func (h *Handler) register(ctx context.Context, cmd FeedCommand) error {
	if cmd.Feed == nil {
		return errors.New("feed is required")
	}
	feed := *cmd.Feed

	if !feed.IsEnabled() {
		h.scheduler.Deregister(ctx, feed.ID)
		return nil
	}

	task, err := h.builder.Build(feed)
	if err != nil {
		return fmt.Errorf("invalid feed %q: %w", feed.ID, err)
	}
	return h.scheduler.Register(ctx, feed.ID, task, feed.Interval.Std())
}
