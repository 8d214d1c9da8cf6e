// ABOUTME: Unit tests for the Redis run event stream
// ABOUTME: Tests event conversion, publishing, capped length, and newest-first reads

package redis

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hikmaai-io/hikmaai-tif/internal/feedsync"
)

func TestNewRunEventStream(t *testing.T) {
	t.Parallel()

	if _, err := NewRunEventStream(nil, RunEventStreamConfig{}); err == nil {
		t.Error("NewRunEventStream(nil) expected error")
	}

	client, _ := newTestClient(t, "tif:")
	s, err := NewRunEventStream(client, RunEventStreamConfig{})
	if err != nil {
		t.Fatalf("NewRunEventStream() error = %v", err)
	}
	if got := s.StreamKey(); got != "tif:runs" {
		t.Errorf("StreamKey() = %q, want tif:runs", got)
	}
}

func TestEventFromResult(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		result     feedsync.RunResult
		wantStatus string
		wantError  string
	}{
		{
			name:       "success",
			result:     feedsync.RunResult{FeedID: "f1", StartedAt: start, FinishedAt: start.Add(1500 * time.Millisecond), Stored: 10},
			wantStatus: "succeeded",
		},
		{
			name: "failure is redacted",
			result: feedsync.RunResult{
				FeedID: "f1", StartedAt: start, FinishedAt: start,
				Err:  errors.New("GET https://feeds.example/x?token=s3cr3t failed"),
				Code: "FEED_FETCH_FAILED",
			},
			wantStatus: "failed",
			wantError:  "GET https://feeds.example/x?token=[REDACTED] failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ev := EventFromResult(tt.result)
			if ev.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", ev.Status, tt.wantStatus)
			}
			if ev.Error != tt.wantError {
				t.Errorf("Error = %q, want %q", ev.Error, tt.wantError)
			}
		})
	}

	if got := EventFromResult(tests[0].result).DurationMs; got != 1500 {
		t.Errorf("DurationMs = %v, want 1500", got)
	}
}

func TestRunEventStream_PublishAndRecent(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, "tif:")
	s, err := NewRunEventStream(client, RunEventStreamConfig{})
	if err != nil {
		t.Fatalf("NewRunEventStream() error = %v", err)
	}
	ctx := context.Background()

	for i := range 3 {
		ev := RunEvent{
			FeedID:     fmt.Sprintf("f%d", i),
			Status:     "succeeded",
			Stored:     i * 10,
			DurationMs: 12.5,
			FinishedAt: time.Date(2026, 5, 1, 10, i, 0, 0, time.UTC),
		}
		if _, err := s.Publish(ctx, ev); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	events, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Recent() returned %d events, want 2", len(events))
	}
	if events[0].FeedID != "f2" || events[1].FeedID != "f1" {
		t.Errorf("Recent() order = %s, %s, want f2, f1", events[0].FeedID, events[1].FeedID)
	}
	if events[0].Stored != 20 || events[0].DurationMs != 12.5 {
		t.Errorf("event = %+v, want stored 20 and 12.5ms", events[0])
	}
	if events[0].ID == "" {
		t.Error("event ID should be set")
	}
	if !events[0].FinishedAt.Equal(time.Date(2026, 5, 1, 10, 2, 0, 0, time.UTC)) {
		t.Errorf("FinishedAt = %v", events[0].FinishedAt)
	}
}

func TestRunEventStream_ObserveRun(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, "tif:")
	s, err := NewRunEventStream(client, RunEventStreamConfig{Stream: "events"})
	if err != nil {
		t.Fatalf("NewRunEventStream() error = %v", err)
	}

	now := time.Now()
	s.ObserveRun(context.Background(), feedsync.FeedStatus{}, feedsync.RunResult{
		FeedID: "f1", RunID: "r1", Trigger: feedsync.TriggerManual, StartedAt: now, FinishedAt: now,
	})

	events, err := s.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(events) != 1 || events[0].RunID != "r1" || events[0].Trigger != "manual" {
		t.Errorf("Recent() = %+v, want one manual run r1", events)
	}
}
