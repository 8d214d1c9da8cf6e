// ABOUTME: FeedStore applies REPLACE and DELTA semantics for one feed over a rolling index
// ABOUTME: Validates batches before touching storage and reports partial bulk failures

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/hikmaai-io/hikmaai-tif/internal/observability"
	"github.com/hikmaai-io/hikmaai-tif/internal/types"
)

// ErrNotFound is returned by lookups for IOCs that are not stored.
var ErrNotFound = errors.New("ioc not found")

// StoreResult summarizes one StoreIOCs call.
type StoreResult struct {
	FeedID     string           `json:"feed_id"`
	UpdateType types.UpdateType `json:"update_type"`
	Stored     int              `json:"stored"`
	Deleted    int              `json:"deleted"`
}

// Option configures a FeedStore.
type Option func(*FeedStore)

// WithFilter enables the document id prefilter for lookups.
func WithFilter(f *DocFilter) Option {
	return func(s *FeedStore) { s.filter = f }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *FeedStore) { s.logger = l }
}

// WithAuditLogger records REPLACE deletions.
func WithAuditLogger(a *observability.AuditLogger) Option {
	return func(s *FeedStore) { s.audit = a }
}

// WithMetrics records stored and deleted counts.
func WithMetrics(m *observability.FeedMetrics) Option {
	return func(s *FeedStore) { s.metrics = m }
}

// WithClock sets the clock used to stamp documents.
func WithClock(c clockwork.Clock) Option {
	return func(s *FeedStore) { s.clock = c }
}

// FeedStore persists IOC batches for one feed per call.
//
// Concurrent calls for the same feed are not serialized. Upserts are
// idempotent, but two concurrent REPLACE calls can interleave their
// delete and insert steps; the next REPLACE run converges the feed.
type FeedStore struct {
	index   IndexProvider
	filter  *DocFilter
	logger  *slog.Logger
	audit   *observability.AuditLogger
	metrics *observability.FeedMetrics
	clock   clockwork.Clock

	// warmMu keeps writes out while the filter is rebuilt.
	warmMu sync.RWMutex
	warm   atomic.Bool
}

// NewFeedStore creates a FeedStore over index.
func NewFeedStore(index IndexProvider, opts ...Option) *FeedStore {
	s := &FeedStore{
		index:  index,
		logger: slog.Default(),
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StoreIOCs persists iocs, all of which must belong to one feed.
//
// An empty batch is a no-op. REPLACE removes every stored record of the
// feed before writing the batch; DELTA only upserts. Document ids derive
// from (feed id, ioc id), so writing the same batch twice is idempotent.
func (s *FeedStore) StoreIOCs(ctx context.Context, iocs []types.IOC, updateType types.UpdateType) (*StoreResult, error) {
	if len(iocs) == 0 {
		s.logger.InfoContext(ctx, "empty ioc batch, nothing to store",
			slog.String("update_type", updateType.String()),
		)
		return &StoreResult{UpdateType: updateType}, nil
	}

	feedID, err := singleFeed(iocs)
	if err != nil {
		return nil, err
	}
	if updateType != types.UpdateTypeReplace && updateType != types.UpdateTypeDelta {
		return nil, fmt.Errorf("%w: %s", types.ErrIllegalArgument, updateType)
	}

	ctx, span := observability.StartSpan(ctx, "FeedStore.StoreIOCs")
	defer span.End()
	span.SetAttributes(
		attribute.String("feed.id", feedID),
		attribute.String("feed.update_type", updateType.String()),
		attribute.Int("feed.batch_size", len(iocs)),
	)

	result, err := s.store(ctx, feedID, iocs, updateType)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return result, nil
}

func (s *FeedStore) store(ctx context.Context, feedID string, iocs []types.IOC, updateType types.UpdateType) (*StoreResult, error) {
	logger := observability.FeedLogger(s.logger, feedID)
	now := s.clock.Now()

	docs := make([]*Document, 0, len(iocs))
	for _, ioc := range iocs {
		doc, err := NewDocument(ioc, now)
		if err != nil {
			return nil, &types.FeedStoreError{FeedID: feedID, Op: "encode", Attempted: len(iocs), Err: err}
		}
		docs = append(docs, doc)
	}

	s.warmMu.RLock()
	defer s.warmMu.RUnlock()

	if err := s.index.EnsureIndex(ctx); err != nil {
		return nil, &types.FeedStoreError{FeedID: feedID, Op: "ensure_index", Attempted: len(docs), Err: err}
	}

	result := &StoreResult{FeedID: feedID, UpdateType: updateType}

	if updateType == types.UpdateTypeReplace {
		deleted, err := s.index.DeleteByFeed(ctx, feedID)
		if s.audit != nil {
			s.audit.LogReplaceDeletion(ctx, feedID, deleted, len(docs), err == nil)
		}
		if err != nil {
			return nil, &types.FeedStoreError{FeedID: feedID, Op: "delete", Attempted: len(docs), Err: err}
		}
		result.Deleted = deleted
	}

	failures, err := s.index.BulkUpsert(ctx, docs)
	if s.filter != nil {
		for _, doc := range docs {
			s.filter.Add(doc.DocID)
		}
	}
	if err != nil {
		return nil, &types.FeedStoreError{FeedID: feedID, Op: "upsert", Attempted: len(docs), Failures: failures, Err: err}
	}
	if len(failures) > 0 {
		return nil, &types.FeedStoreError{FeedID: feedID, Op: "upsert", Attempted: len(docs), Failures: failures}
	}

	result.Stored = len(docs)
	s.metrics.RecordStored(feedID, updateType.String(), result.Stored, result.Deleted)

	observability.LogWithContext(ctx, logger, slog.LevelInfo, "stored ioc batch",
		slog.String("update_type", updateType.String()),
		slog.Int("stored", result.Stored),
		slog.Int("deleted", result.Deleted),
	)
	return result, nil
}

// singleFeed returns the one feed id shared by iocs.
func singleFeed(iocs []types.IOC) (string, error) {
	feeds := types.FeedIDs(iocs)
	if len(feeds) != 1 {
		return "", fmt.Errorf("%w: batch spans %d feeds (%s)",
			types.ErrIllegalArgument, len(feeds), strings.Join(feeds, ", "))
	}
	if feeds[0] == "" {
		return "", fmt.Errorf("%w: batch has no feed id", types.ErrIllegalArgument)
	}
	return feeds[0], nil
}

// Get returns the stored IOC iocID of feedID, or ErrNotFound.
func (s *FeedStore) Get(ctx context.Context, feedID, iocID string) (types.IOC, error) {
	docID := types.IOCKey{FeedID: feedID, ID: iocID}.DocID()

	if s.filter != nil && s.warm.Load() && !s.filter.Test(docID) {
		return nil, ErrNotFound
	}

	doc, err := s.index.Get(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("looking up %s/%s: %w", feedID, iocID, err)
	}
	if doc == nil {
		return nil, ErrNotFound
	}
	return doc.Decode()
}

// List returns every stored IOC of feedID.
func (s *FeedStore) List(ctx context.Context, feedID string) ([]types.IOC, error) {
	var iocs []types.IOC
	err := s.index.ListByFeed(ctx, feedID, func(doc *Document) error {
		ioc, err := doc.Decode()
		if err != nil {
			return err
		}
		iocs = append(iocs, ioc)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing feed %s: %w", feedID, err)
	}
	return iocs, nil
}

// Count returns the number of stored IOCs of feedID.
func (s *FeedStore) Count(ctx context.Context, feedID string) (int, error) {
	return s.index.CountByFeed(ctx, feedID)
}

// Feeds returns the ids of feeds with stored IOCs.
func (s *FeedStore) Feeds(ctx context.Context) ([]string, error) {
	return s.index.Feeds(ctx)
}

// Segments returns the rolling index segments.
func (s *FeedStore) Segments(ctx context.Context) ([]SegmentInfo, error) {
	return s.index.Segments(ctx)
}

// WarmFilter rebuilds the document filter from the index. Lookups only
// consult the filter once it has been warmed.
func (s *FeedStore) WarmFilter(ctx context.Context) error {
	if s.filter == nil {
		return nil
	}

	s.warmMu.Lock()
	defer s.warmMu.Unlock()

	err := s.filter.Rebuild(func(add func(string)) error {
		err := s.index.ForEachDocID(ctx, func(docID string) error {
			add(docID)
			return nil
		})
		if errors.Is(err, ErrIndexNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("warming document filter: %w", err)
	}

	s.warm.Store(true)
	s.logger.Info("document filter warmed",
		slog.Any("stats", s.filter.Stats()),
	)
	return nil
}

// FilterStats returns the document filter statistics, if a filter is set.
func (s *FeedStore) FilterStats() (FilterStats, bool) {
	if s.filter == nil {
		return FilterStats{}, false
	}
	return s.filter.Stats(), true
}

// Close closes the underlying index.
func (s *FeedStore) Close() error {
	return s.index.Close()
}
