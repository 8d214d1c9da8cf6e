// ABOUTME: Tests for the feed control command handler and message decoding
// ABOUTME: Covers register, replace, deregister, refresh, and malformed commands

package control_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hikmaai-io/hikmaai-tif/internal/config"
	"github.com/hikmaai-io/hikmaai-tif/internal/connector"
	"github.com/hikmaai-io/hikmaai-tif/internal/control"
	"github.com/hikmaai-io/hikmaai-tif/internal/feedsync"
	"github.com/hikmaai-io/hikmaai-tif/internal/store"
	"github.com/hikmaai-io/hikmaai-tif/internal/types"
)

type registration struct {
	task     feedsync.Task
	interval time.Duration
	actor    string
}

type fakeScheduler struct {
	mu        sync.Mutex
	feeds     map[string]registration
	triggered []string
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{feeds: make(map[string]registration)}
}

func (s *fakeScheduler) Register(ctx context.Context, feedID string, task feedsync.Task, interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feeds[feedID] = registration{task: task, interval: interval, actor: feedsync.ActorFromContext(ctx)}
	return nil
}

func (s *fakeScheduler) Deregister(_ context.Context, feedID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.feeds[feedID]
	delete(s.feeds, feedID)
	return ok
}

func (s *fakeScheduler) TriggerNow(_ context.Context, feedID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.feeds[feedID]; !ok {
		return fmt.Errorf("%w: %s", feedsync.ErrFeedNotRegistered, feedID)
	}
	s.triggered = append(s.triggered, feedID)
	return nil
}

type nopStore struct{}

func (nopStore) StoreIOCs(_ context.Context, iocs []types.IOC, u types.UpdateType) (*store.StoreResult, error) {
	return &store.StoreResult{Stored: len(iocs), UpdateType: u}, nil
}

func newTestHandler(t *testing.T) (*control.Handler, *fakeScheduler) {
	t.Helper()

	sched := newFakeScheduler()
	builder := &feedsync.Builder{
		Connectors: connector.NewRegistry(connector.Deps{}),
		Store:      nopStore{},
	}
	return control.NewHandler(sched, builder, nil), sched
}

func inlineFeed(id string, interval time.Duration) *config.FeedConfig {
	return &config.FeedConfig{
		ID:       id,
		Interval: config.Duration(interval),
		Source:   config.SourceConfig{Kind: config.SourceInlineUpload},
	}
}

func TestHandler_Register(t *testing.T) {
	t.Parallel()

	h, sched := newTestHandler(t)
	ctx := context.Background()

	reply := h.ProcessCommand(ctx, control.FeedCommand{
		Action:    control.ActionRegister,
		RequestID: "req-1",
		Feed:      inlineFeed("f1", time.Hour),
	})

	if reply.Status != control.StatusOK {
		t.Fatalf("Status = %q, error = %q", reply.Status, reply.Error)
	}
	if reply.RequestID != "req-1" || reply.FeedID != "f1" {
		t.Errorf("reply = %+v, want request req-1 for f1", reply)
	}
	if reply.HandledAt.IsZero() {
		t.Error("HandledAt should be set")
	}

	reg, ok := sched.feeds["f1"]
	if !ok {
		t.Fatal("feed not registered")
	}
	if reg.interval != time.Hour {
		t.Errorf("interval = %v, want 1h", reg.interval)
	}
	if reg.actor != control.Actor {
		t.Errorf("actor = %q, want %q", reg.actor, control.Actor)
	}
	if reg.task.FeedID() != "f1" {
		t.Errorf("task feed = %q, want f1", reg.task.FeedID())
	}
}

func TestHandler_RegisterReplaces(t *testing.T) {
	t.Parallel()

	h, sched := newTestHandler(t)
	ctx := context.Background()

	for _, interval := range []time.Duration{time.Hour, 2 * time.Hour} {
		reply := h.ProcessCommand(ctx, control.FeedCommand{Action: control.ActionRegister, Feed: inlineFeed("f1", interval)})
		if reply.Status != control.StatusOK {
			t.Fatalf("Status = %q, error = %q", reply.Status, reply.Error)
		}
	}

	if got := sched.feeds["f1"].interval; got != 2*time.Hour {
		t.Errorf("interval = %v, want 2h", got)
	}
}

func TestHandler_RegisterDisabledDeregisters(t *testing.T) {
	t.Parallel()

	h, sched := newTestHandler(t)
	ctx := context.Background()
	h.ProcessCommand(ctx, control.FeedCommand{Action: control.ActionRegister, Feed: inlineFeed("f1", time.Hour)})

	disabled := inlineFeed("f1", time.Hour)
	off := false
	disabled.Enabled = &off

	reply := h.ProcessCommand(ctx, control.FeedCommand{Action: control.ActionRegister, Feed: disabled})
	if reply.Status != control.StatusOK {
		t.Fatalf("Status = %q, error = %q", reply.Status, reply.Error)
	}
	if _, ok := sched.feeds["f1"]; ok {
		t.Error("disabled feed should not stay registered")
	}
}

func TestHandler_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cmd  control.FeedCommand
	}{
		{name: "register without feed", cmd: control.FeedCommand{Action: control.ActionRegister}},
		{name: "register invalid interval", cmd: control.FeedCommand{Action: control.ActionRegister, Feed: inlineFeed("f1", 0)}},
		{name: "register unknown source", cmd: control.FeedCommand{Action: control.ActionRegister, Feed: &config.FeedConfig{
			ID: "f1", Interval: config.Duration(time.Minute), Source: config.SourceConfig{Kind: "ftp"},
		}}},
		{name: "deregister without id", cmd: control.FeedCommand{Action: control.ActionDeregister}},
		{name: "refresh without id", cmd: control.FeedCommand{Action: control.ActionRefresh}},
		{name: "refresh unknown feed", cmd: control.FeedCommand{Action: control.ActionRefresh, FeedID: "nope"}},
		{name: "unknown action", cmd: control.FeedCommand{Action: "explode", FeedID: "f1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h, sched := newTestHandler(t)
			reply := h.ProcessCommand(context.Background(), tt.cmd)

			if reply.Status != control.StatusError {
				t.Errorf("Status = %q, want %q", reply.Status, control.StatusError)
			}
			if reply.Error == "" {
				t.Error("Error should be set")
			}
			if len(sched.feeds) != 0 {
				t.Errorf("feeds = %v, want none", sched.feeds)
			}
		})
	}
}

func TestHandler_DeregisterAndRefresh(t *testing.T) {
	t.Parallel()

	h, sched := newTestHandler(t)
	ctx := context.Background()
	h.ProcessCommand(ctx, control.FeedCommand{Action: control.ActionRegister, Feed: inlineFeed("f1", time.Hour)})

	reply := h.ProcessCommand(ctx, control.FeedCommand{Action: control.ActionRefresh, FeedID: "f1"})
	if reply.Status != control.StatusOK {
		t.Fatalf("refresh Status = %q, error = %q", reply.Status, reply.Error)
	}
	if len(sched.triggered) != 1 || sched.triggered[0] != "f1" {
		t.Errorf("triggered = %v, want [f1]", sched.triggered)
	}

	reply = h.ProcessCommand(ctx, control.FeedCommand{Action: control.ActionDeregister, FeedID: "f1"})
	if reply.Status != control.StatusOK || !reply.Existed {
		t.Errorf("deregister reply = %+v, want ok and existed", reply)
	}

	// Deregistering again is a no-op, not an error.
	reply = h.ProcessCommand(ctx, control.FeedCommand{Action: control.ActionDeregister, FeedID: "f1"})
	if reply.Status != control.StatusOK || reply.Existed {
		t.Errorf("second deregister reply = %+v, want ok and not existed", reply)
	}
}

func TestHandler_RefreshUsesFeedIDFromFeed(t *testing.T) {
	t.Parallel()

	h, sched := newTestHandler(t)
	ctx := context.Background()
	h.ProcessCommand(ctx, control.FeedCommand{Action: control.ActionRegister, Feed: inlineFeed("f1", time.Hour)})

	reply := h.ProcessCommand(ctx, control.FeedCommand{Action: control.ActionRefresh, Feed: inlineFeed("f1", time.Hour)})
	if reply.Status != control.StatusOK {
		t.Fatalf("Status = %q, error = %q", reply.Status, reply.Error)
	}
	if len(sched.triggered) != 1 {
		t.Errorf("triggered = %v, want one run", sched.triggered)
	}
}

func TestDecodeCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		data       string
		wantErr    bool
		wantAction control.Action
		wantFeed   string
	}{
		{
			name:       "register",
			data:       `{"action":"register","feed":{"id":"f1","interval":"1h","update_type":"delta","source":{"kind":"url-download","url":"https://feeds.example/iocs.ndjson"}}}`,
			wantAction: control.ActionRegister,
			wantFeed:   "f1",
		},
		{
			name:       "deregister",
			data:       `{"action":"deregister","feed_id":"f2"}`,
			wantAction: control.ActionDeregister,
			wantFeed:   "f2",
		},
		{name: "missing action", data: `{"feed_id":"f2"}`, wantErr: true},
		{name: "not json", data: `register f1`, wantErr: true},
		{name: "bad interval", data: `{"action":"register","feed":{"id":"f1","interval":"soon"}}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cmd, err := control.DecodeCommand([]byte(tt.data))
			if tt.wantErr {
				if err == nil {
					t.Error("DecodeCommand() should fail")
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeCommand() error = %v", err)
			}
			if cmd.Action != tt.wantAction {
				t.Errorf("Action = %q, want %q", cmd.Action, tt.wantAction)
			}
			if cmd.TargetFeedID() != tt.wantFeed {
				t.Errorf("TargetFeedID() = %q, want %q", cmd.TargetFeedID(), tt.wantFeed)
			}
		})
	}
}

func TestDecodeCommand_FeedFields(t *testing.T) {
	t.Parallel()

	cmd, err := control.DecodeCommand([]byte(`{"action":"register","feed":{"id":"f1","interval":"30m","update_type":"delta","source":{"kind":"inline-upload"}}}`))
	if err != nil {
		t.Fatalf("DecodeCommand() error = %v", err)
	}
	if got := cmd.Feed.Interval.Std(); got != 30*time.Minute {
		t.Errorf("Interval = %v, want 30m", got)
	}
	if cmd.Feed.UpdateType != types.UpdateTypeDelta {
		t.Errorf("UpdateType = %v, want delta", cmd.Feed.UpdateType)
	}
	if err := cmd.Feed.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}
