// ABOUTME: Retriever runs one load-then-store cycle for a feed and never propagates failures
// ABOUTME: Classifies, logs, and returns the outcome; panics in connectors or codecs are recovered

package feedsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/hikmaai-io/hikmaai-tif/internal/config"
	"github.com/hikmaai-io/hikmaai-tif/internal/connector"
	"github.com/hikmaai-io/hikmaai-tif/internal/observability"
	"github.com/hikmaai-io/hikmaai-tif/internal/store"
	"github.com/hikmaai-io/hikmaai-tif/internal/types"
)

// IOCStore is the sink a Retriever writes decoded batches to.
type IOCStore interface {
	StoreIOCs(ctx context.Context, iocs []types.IOC, updateType types.UpdateType) (*store.StoreResult, error)
}

// Task is a unit of scheduled work for one feed.
type Task interface {
	// FeedID returns the feed the task retrieves.
	FeedID() string

	// Run executes one cycle. It must not panic or block past ctx.
	Run(ctx context.Context) RunResult
}

// RunResult is the outcome of one retrieval cycle.
type RunResult struct {
	FeedID     string
	RunID      string
	Trigger    string
	StartedAt  time.Time
	FinishedAt time.Time
	Loaded     int
	Stored     int
	Deleted    int

	// Err is nil on success. Code classifies it.
	Err  error
	Code string
}

// Duration returns how long the run took.
func (r RunResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Succeeded reports whether the run stored its batch.
func (r RunResult) Succeeded() bool {
	return r.Err == nil
}

// RetrieverConfig configures a Retriever.
type RetrieverConfig struct {
	// Connector loads the feed's records.
	Connector connector.IOCConnector

	// Store persists loaded records.
	Store IOCStore

	// UpdateType is passed to the store on every run.
	UpdateType types.UpdateType

	// Timeout bounds one run. Zero means no bound beyond the caller's ctx.
	Timeout time.Duration

	// Logger for structured logging.
	Logger *slog.Logger

	// Clock stamps run start and finish times.
	Clock clockwork.Clock
}

// Retriever performs connector.LoadIOCs followed by store.StoreIOCs.
type Retriever struct {
	cfg RetrieverConfig
}

// NewRetriever creates a Retriever.
func NewRetriever(cfg RetrieverConfig) (*Retriever, error) {
	if cfg.Connector == nil {
		return nil, errors.New("connector is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Retriever{cfg: cfg}, nil
}

// FeedID returns the feed the retriever loads.
func (r *Retriever) FeedID() string {
	return r.cfg.Connector.FeedID()
}

// UpdateType returns the update policy applied on store.
func (r *Retriever) UpdateType() types.UpdateType {
	return r.cfg.UpdateType
}

// Run executes one cycle. Every failure, including a panic, is caught,
// logged with the feed id, and reported in the result.
func (r *Retriever) Run(ctx context.Context) (result RunResult) {
	feedID := r.FeedID()

	ctx, runID := observability.StartRun(ctx)
	ctx, span := observability.StartSpan(ctx, "Retriever.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("feed.id", feedID),
		attribute.String("feed.source", string(r.cfg.Connector.Kind())),
		attribute.String("feed.update_type", r.cfg.UpdateType.String()),
	)

	logger := observability.FeedLogger(r.cfg.Logger, feedID)

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	result = RunResult{
		FeedID:    feedID,
		RunID:     runID.String(),
		Trigger:   TriggerFromContext(ctx),
		StartedAt: r.cfg.Clock.Now(),
	}

	defer func() {
		if p := recover(); p != nil {
			result.Err = fmt.Errorf("retrieval panicked: %v", p)
			result.Code = observability.CodeRunPanic
			observability.LogWithContext(ctx, logger, slog.LevelError, "feed retrieval panicked",
				slog.Any("panic", p),
				slog.String("stack", string(debug.Stack())),
			)
		}
		result.FinishedAt = r.cfg.Clock.Now()

		if result.Err != nil {
			span.RecordError(result.Err)
			span.SetStatus(codes.Error, result.Code)
			return
		}
		span.SetAttributes(attribute.Int("feed.stored", result.Stored))
		observability.LogWithContext(ctx, logger, slog.LevelInfo, "feed retrieval completed",
			slog.Int("loaded", result.Loaded),
			slog.Int("stored", result.Stored),
			slog.Int("deleted", result.Deleted),
			slog.Duration("duration", result.Duration()),
		)
	}()

	observability.LogWithContext(ctx, logger, slog.LevelDebug, "feed retrieval started",
		slog.String("trigger", result.Trigger),
	)

	iocs, err := r.load(ctx)
	if err != nil {
		r.fail(ctx, logger, &result, "load_iocs", err)
		return result
	}
	result.Loaded = len(iocs)

	stored, err := r.cfg.Store.StoreIOCs(ctx, iocs, r.cfg.UpdateType)
	if err != nil {
		r.fail(ctx, logger, &result, "store_iocs", err)
		return result
	}
	result.Stored = stored.Stored
	result.Deleted = stored.Deleted

	return result
}

func (r *Retriever) load(ctx context.Context) ([]types.IOC, error) {
	ctx, span := observability.StartSpan(ctx, "IOCConnector.LoadIOCs")
	defer span.End()

	iocs, err := r.cfg.Connector.LoadIOCs(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("feed.loaded", len(iocs)))
	return iocs, nil
}

func (r *Retriever) fail(ctx context.Context, logger *slog.Logger, result *RunResult, operation string, err error) {
	ec := observability.ClassifyError(operation, err)
	result.Err = err
	result.Code = ec.Code

	observability.LogWithContext(ctx, logger, slog.LevelError, "feed retrieval failed",
		slog.Any("error_context", ec),
		slog.String("error", observability.RedactSensitive(err.Error())),
	)
}

type triggerKey struct{}

// Trigger values recorded on runs.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// WithTrigger records why a run was started.
func WithTrigger(ctx context.Context, trigger string) context.Context {
	return context.WithValue(ctx, triggerKey{}, trigger)
}

// TriggerFromContext returns the trigger recorded by WithTrigger, or
// TriggerManual when none was set.
func TriggerFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(triggerKey{}).(string); ok {
		return v
	}
	return TriggerManual
}

// Builder turns feed configuration into Retrievers.
type Builder struct {
	// Connectors builds the connector for each feed.
	Connectors *connector.Registry

	// Store persists every feed's records.
	Store IOCStore

	// Timeout bounds each run.
	Timeout time.Duration

	// Logger for structured logging.
	Logger *slog.Logger

	// Clock for run timestamps.
	Clock clockwork.Clock
}

// Build validates feed and returns its Retriever.
func (b *Builder) Build(feed config.FeedConfig) (*Retriever, error) {
	conn, err := b.Connectors.Build(feed)
	if err != nil {
		return nil, err
	}
	return NewRetriever(RetrieverConfig{
		Connector:  conn,
		Store:      b.Store,
		UpdateType: feed.UpdateType,
		Timeout:    b.Timeout,
		Logger:     b.Logger,
		Clock:      b.Clock,
	})
}
