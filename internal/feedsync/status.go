// ABOUTME: Per-feed run status for scheduled feed retrieval
// ABOUTME: Thread-safe tracker of last run, last success, errors, and next scheduled time

package feedsync

import (
	"cmp"
	"slices"
	"sync"
	"time"
)

// Status represents the current status of a feed.
type Status string

// Status constants for feed states.
const (
	// StatusPending indicates the feed has not run yet.
	StatusPending Status = "pending"

	// StatusRunning indicates a retrieval is in progress.
	StatusRunning Status = "running"

	// StatusSucceeded indicates the last retrieval succeeded.
	StatusSucceeded Status = "succeeded"

	// StatusFailed indicates the last retrieval failed.
	StatusFailed Status = "failed"
)

// FeedStatus is a snapshot of one feed's schedule and last outcome.
type FeedStatus struct {
	FeedID        string    `json:"feed_id"`
	Status        Status    `json:"status"`
	Interval      string    `json:"interval"`
	LastRun       time.Time `json:"last_run,omitzero"`
	LastSuccess   time.Time `json:"last_success,omitzero"`
	NextScheduled time.Time `json:"next_scheduled,omitzero"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorCode string    `json:"last_error_code,omitempty"`
	LastRunID     string    `json:"last_run_id,omitempty"`
	LastCount     int       `json:"last_count"`
	LastDeleted   int       `json:"last_deleted"`
	LastDuration  float64   `json:"last_duration_seconds"`
	Runs          int64     `json:"runs"`
	Failures      int64     `json:"failures"`
}

// StatusTracker manages status for multiple feeds.
type StatusTracker struct {
	mu       sync.RWMutex
	statuses map[string]*FeedStatus
}

// NewStatusTracker creates a new status tracker.
func NewStatusTracker() *StatusTracker {
	return &StatusTracker{
		statuses: make(map[string]*FeedStatus),
	}
}

// Register starts tracking feedID, discarding any previous status.
func (t *StatusTracker) Register(feedID string, interval time.Duration, next time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.statuses[feedID] = &FeedStatus{
		FeedID:        feedID,
		Status:        StatusPending,
		Interval:      interval.String(),
		NextScheduled: next,
	}
}

// Remove stops tracking feedID.
func (t *StatusTracker) Remove(feedID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.statuses, feedID)
}

// Get returns a copy of the status for feedID, or nil if not tracked.
func (t *StatusTracker) Get(feedID string) *FeedStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	status, ok := t.statuses[feedID]
	if !ok {
		return nil
	}
	cp := *status
	return &cp
}

// GetAll returns copies of all statuses, sorted by feed id.
func (t *StatusTracker) GetAll() []FeedStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]FeedStatus, 0, len(t.statuses))
	for _, status := range t.statuses {
		out = append(out, *status)
	}
	slices.SortFunc(out, func(a, b FeedStatus) int {
		return cmp.Compare(a.FeedID, b.FeedID)
	})
	return out
}

// SetNextScheduled updates the next scheduled time for feedID.
func (t *StatusTracker) SetNextScheduled(feedID string, next time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.statuses[feedID]; ok {
		s.NextScheduled = next
	}
}

// Started marks feedID as running.
func (t *StatusTracker) Started(feedID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.statuses[feedID]; ok {
		s.Status = StatusRunning
		s.LastRun = at
	}
}

// Finished records the outcome of a run and returns the updated status.
// It returns nil if feedID is no longer tracked.
func (t *StatusTracker) Finished(result RunResult) *FeedStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.statuses[result.FeedID]
	if !ok {
		return nil
	}

	s.Runs++
	s.LastRun = result.StartedAt
	s.LastRunID = result.RunID
	s.LastDuration = result.Duration().Seconds()

	if result.Err != nil {
		s.Status = StatusFailed
		s.Failures++
		s.LastError = result.Err.Error()
		s.LastErrorCode = result.Code
	} else {
		s.Status = StatusSucceeded
		s.LastSuccess = result.FinishedAt
		s.LastError = ""
		s.LastErrorCode = ""
		s.LastCount = result.Stored
		s.LastDeleted = result.Deleted
	}

	cp := *s
	return &cp
}
