// ABOUTME: Tests for API handlers covering feed status, refresh, IOC lookup, and run history
// ABOUTME: Uses a real feed manager and an in-memory BadgerDB-backed feed store

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hikmaai-io/hikmaai-tif/internal/feedsync"
	"github.com/hikmaai-io/hikmaai-tif/internal/redis"
	"github.com/hikmaai-io/hikmaai-tif/internal/store"
	"github.com/hikmaai-io/hikmaai-tif/internal/types"
)

type stubTask struct {
	feedID string
	ran    chan struct{}
}

func (s *stubTask) FeedID() string { return s.feedID }

func (s *stubTask) Run(context.Context) feedsync.RunResult {
	select {
	case s.ran <- struct{}{}:
	default:
	}
	return feedsync.RunResult{FeedID: s.feedID}
}

type stubHistory struct {
	events []redis.RunEvent
	limit  int64
	err    error
}

func (s *stubHistory) Recent(_ context.Context, count int64) ([]redis.RunEvent, error) {
	s.limit = count
	return s.events, s.err
}

type testEnv struct {
	mux     *http.ServeMux
	manager *feedsync.Manager
	store   *store.FeedStore
	task    *stubTask
}

func setupTestEnv(t *testing.T, history RunHistory) *testEnv {
	t.Helper()

	idx, err := store.NewBadgerIndex(store.StoreConfig{InMemory: true, Alias: "tif-api"})
	if err != nil {
		t.Fatalf("NewBadgerIndex() error = %v", err)
	}
	fs := store.NewFeedStore(idx, store.WithFilter(store.NewDocFilter(store.FilterConfig{ExpectedItems: 1000})))
	t.Cleanup(func() { _ = fs.Close() })

	m := feedsync.NewManager(feedsync.ManagerConfig{Clock: clockwork.NewFakeClock()})
	t.Cleanup(m.Stop)

	task := &stubTask{feedID: "abuse-ch", ran: make(chan struct{}, 1)}
	if err := m.Register(context.Background(), "abuse-ch", task, time.Hour); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	h := NewHandler(HandlerConfig{Scheduler: m, Store: fs, History: history})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	return &testEnv{mux: mux, manager: m, store: fs, task: task}
}

func (e *testEnv) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("Decoding response: %v", err)
	}
	return v
}

func TestHandler_HandleHealth(t *testing.T) {
	t.Parallel()

	env := setupTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/api/v1/health")

	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", rec.Code, http.StatusOK)
	}
	resp := decode[HealthResponse](t, rec)
	if resp.Status != "ok" || resp.Feeds != 1 {
		t.Errorf("health = %+v, want ok with one feed", resp)
	}
	if resp.Filter == nil || resp.Filter.Capacity != 1000 {
		t.Errorf("Filter = %+v, want capacity 1000", resp.Filter)
	}
}

func TestHandler_HandleListAndGetFeed(t *testing.T) {
	t.Parallel()

	env := setupTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.store.StoreIOCs(ctx, []types.IOC{
		&types.STIX2IOC{ID: "i1", FeedID: "abuse-ch", Type: types.IOCTypeURL, Value: "http://bad.example/"},
	}, types.UpdateTypeReplace)
	if err != nil {
		t.Fatalf("StoreIOCs() error = %v", err)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/feeds")
	if rec.Code != http.StatusOK {
		t.Fatalf("list Status = %d", rec.Code)
	}
	list := decode[map[string][]feedsync.FeedStatus](t, rec)
	if len(list["feeds"]) != 1 || list["feeds"][0].FeedID != "abuse-ch" {
		t.Errorf("feeds = %+v", list["feeds"])
	}

	rec = env.do(t, http.MethodGet, "/api/v1/feeds/abuse-ch")
	if rec.Code != http.StatusOK {
		t.Fatalf("get Status = %d", rec.Code)
	}
	feed := decode[FeedResponse](t, rec)
	if feed.Stored != 1 || feed.Status != feedsync.StatusPending {
		t.Errorf("feed = %+v, want pending with one stored record", feed)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/feeds/unknown")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown feed Status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandler_HandleRefreshFeed(t *testing.T) {
	t.Parallel()

	env := setupTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/feeds/abuse-ch/refresh")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Status = %d, want %d", rec.Code, http.StatusAccepted)
	}

	select {
	case <-env.task.ran:
	case <-time.After(5 * time.Second):
		t.Fatal("refresh did not run the feed")
	}

	rec = env.do(t, http.MethodPost, "/api/v1/feeds/unknown/refresh")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown feed Status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/feeds/abuse-ch/refresh")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET refresh Status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandler_HandleRefreshFeed_Stopped(t *testing.T) {
	t.Parallel()

	env := setupTestEnv(t, nil)
	env.manager.Stop()

	rec := env.do(t, http.MethodPost, "/api/v1/feeds/abuse-ch/refresh")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestHandler_HandleGetIOC(t *testing.T) {
	t.Parallel()

	env := setupTestEnv(t, nil)
	ctx := context.Background()

	if rec := env.do(t, http.MethodGet, "/api/v1/feeds/abuse-ch/iocs/i1"); rec.Code != http.StatusNotFound {
		t.Errorf("before any store Status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	_, err := env.store.StoreIOCs(ctx, []types.IOC{
		&types.STIX2IOC{ID: "i1", FeedID: "abuse-ch", Type: types.IOCTypeDomain, Value: "bad.example", Severity: "high"},
	}, types.UpdateTypeDelta)
	if err != nil {
		t.Fatalf("StoreIOCs() error = %v", err)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/feeds/abuse-ch/iocs/i1")
	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp struct {
		FeedID string         `json:"feed_id"`
		Schema string         `json:"schema"`
		IOC    types.STIX2IOC `json:"ioc"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Decoding response: %v", err)
	}
	if resp.Schema != "stix2" || resp.IOC.Value != "bad.example" || resp.IOC.Severity != "high" {
		t.Errorf("response = %+v", resp)
	}

	if rec := env.do(t, http.MethodGet, "/api/v1/feeds/abuse-ch/iocs/missing"); rec.Code != http.StatusNotFound {
		t.Errorf("missing ioc Status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandler_HandleIndex(t *testing.T) {
	t.Parallel()

	env := setupTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/v1/index")
	if rec.Code != http.StatusOK {
		t.Fatalf("empty index Status = %d", rec.Code)
	}

	_, err := env.store.StoreIOCs(context.Background(), []types.IOC{
		&types.STIX2IOC{ID: "i1", FeedID: "abuse-ch", Type: types.IOCTypeDomain, Value: "bad.example"},
	}, types.UpdateTypeDelta)
	if err != nil {
		t.Fatalf("StoreIOCs() error = %v", err)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/index")
	var resp struct {
		Segments []store.SegmentInfo `json:"segments"`
		Feeds    []string            `json:"feeds"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Decoding response: %v", err)
	}
	if len(resp.Segments) != 1 || resp.Segments[0].Docs != 1 {
		t.Errorf("segments = %+v, want one segment with one doc", resp.Segments)
	}
	if len(resp.Feeds) != 1 || resp.Feeds[0] != "abuse-ch" {
		t.Errorf("feeds = %v, want [abuse-ch]", resp.Feeds)
	}
}

func TestHandler_HandleRuns(t *testing.T) {
	t.Parallel()

	t.Run("without history", func(t *testing.T) {
		t.Parallel()

		env := setupTestEnv(t, nil)
		if rec := env.do(t, http.MethodGet, "/api/v1/runs"); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("Status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
		}
	})

	t.Run("with history", func(t *testing.T) {
		t.Parallel()

		history := &stubHistory{events: []redis.RunEvent{{FeedID: "abuse-ch", Status: "succeeded"}}}
		env := setupTestEnv(t, history)

		rec := env.do(t, http.MethodGet, "/api/v1/runs?limit=5")
		if rec.Code != http.StatusOK {
			t.Fatalf("Status = %d, want %d", rec.Code, http.StatusOK)
		}
		if history.limit != 5 {
			t.Errorf("limit = %d, want 5", history.limit)
		}
		resp := decode[map[string][]redis.RunEvent](t, rec)
		if len(resp["runs"]) != 1 {
			t.Errorf("runs = %+v, want one", resp["runs"])
		}
	})

	t.Run("invalid limit", func(t *testing.T) {
		t.Parallel()

		env := setupTestEnv(t, &stubHistory{})
		if rec := env.do(t, http.MethodGet, "/api/v1/runs?limit=0"); rec.Code != http.StatusBadRequest {
			t.Errorf("Status = %d, want %d", rec.Code, http.StatusBadRequest)
		}
	})

	t.Run("history error", func(t *testing.T) {
		t.Parallel()

		env := setupTestEnv(t, &stubHistory{err: errors.New("redis down")})
		if rec := env.do(t, http.MethodGet, "/api/v1/runs"); rec.Code != http.StatusInternalServerError {
			t.Errorf("Status = %d, want %d", rec.Code, http.StatusInternalServerError)
		}
	})
}
