// ABOUTME: Tests for the feed Manager scheduling loop driven by a fake clock
// ABOUTME: Covers first-tick runs, replacement, deregistration, manual triggers, and panics

package feedsync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hikmaai-io/hikmaai-tif/internal/observability"
)

const testResolution = time.Second

// countingTask records its runs and reports them on a channel.
type countingTask struct {
	feedID  string
	runs    atomic.Int32
	started chan string
	release chan struct{}
	panics  bool
}

func newCountingTask(feedID string) *countingTask {
	return &countingTask{feedID: feedID, started: make(chan string, 16)}
}

func (c *countingTask) FeedID() string { return c.feedID }

func (c *countingTask) Run(ctx context.Context) RunResult {
	c.runs.Add(1)
	select {
	case c.started <- c.feedID:
	default:
	}
	if c.release != nil {
		select {
		case <-c.release:
		case <-ctx.Done():
		}
	}
	if c.panics {
		panic("task exploded")
	}
	now := time.Now()
	return RunResult{FeedID: c.feedID, Trigger: TriggerFromContext(ctx), StartedAt: now, FinishedAt: now, Stored: 1}
}

type observed struct {
	status FeedStatus
	result RunResult
}

func startTestManager(t *testing.T, maxRuns int) (*Manager, *clockwork.FakeClock, chan observed) {
	t.Helper()

	clock := clockwork.NewFakeClock()
	results := make(chan observed, 64)
	m := NewManager(ManagerConfig{
		Clock:             clock,
		Resolution:        testResolution,
		MaxConcurrentRuns: maxRuns,
		Observers: []Observer{ObserverFunc(func(_ context.Context, status FeedStatus, result RunResult) {
			results <- observed{status: status, result: result}
		})},
	})

	ctx := t.Context()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(m.Stop)

	// The loop's ticker is the clock's only waiter.
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("BlockUntilContext() error = %v", err)
	}
	return m, clock, results
}

func waitObserved(t *testing.T, results <-chan observed) observed {
	t.Helper()

	select {
	case o := <-results:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a feed run")
		return observed{}
	}
}

func TestManager_RegisterRunsOnNextTick(t *testing.T) {
	t.Parallel()

	m, clock, results := startTestManager(t, 0)
	task := newCountingTask("f1")

	if err := m.Register(context.Background(), "f1", task, time.Hour); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if got := m.Status("f1").Status; got != StatusPending {
		t.Errorf("Status before tick = %q, want %q", got, StatusPending)
	}

	clock.Advance(testResolution)
	o := waitObserved(t, results)

	if o.result.FeedID != "f1" {
		t.Errorf("FeedID = %q, want f1", o.result.FeedID)
	}
	if o.result.Trigger != TriggerSchedule {
		t.Errorf("Trigger = %q, want %q", o.result.Trigger, TriggerSchedule)
	}
	if o.status.Status != StatusSucceeded {
		t.Errorf("Status = %q, want %q", o.status.Status, StatusSucceeded)
	}
	if o.status.Runs != 1 {
		t.Errorf("Runs = %d, want 1", o.status.Runs)
	}
	if got := m.Status("f1").NextScheduled; got.Before(clock.Now().Add(time.Hour - testResolution)) {
		t.Errorf("NextScheduled = %v, want about an hour out", got)
	}
}

func TestManager_DeregisterBeforeTickNeverRuns(t *testing.T) {
	t.Parallel()

	m, clock, results := startTestManager(t, 0)
	ctx := context.Background()
	task := newCountingTask("f1")
	probe := newCountingTask("probe")

	if err := m.Register(ctx, "f1", task, time.Hour); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if !m.Deregister(ctx, "f1") {
		t.Fatal("Deregister() = false, want true")
	}
	if err := m.Register(ctx, "probe", probe, time.Hour); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	clock.Advance(testResolution)
	o := waitObserved(t, results)

	if o.result.FeedID != "probe" {
		t.Errorf("first run = %q, want probe", o.result.FeedID)
	}
	if got := task.runs.Load(); got != 0 {
		t.Errorf("deregistered task ran %d times, want 0", got)
	}
	if m.Status("f1") != nil {
		t.Error("Status() of deregistered feed should be nil")
	}
}

func TestManager_DeregisterUnknownFeed(t *testing.T) {
	t.Parallel()

	m := NewManager(ManagerConfig{Clock: clockwork.NewFakeClock()})
	if m.Deregister(context.Background(), "nope") {
		t.Error("Deregister(unknown) = true, want false")
	}
}

func TestManager_ReRegisterReplacesSchedule(t *testing.T) {
	t.Parallel()

	m, clock, results := startTestManager(t, 0)
	ctx := context.Background()
	first := newCountingTask("f1")
	second := newCountingTask("f1")

	if err := m.Register(ctx, "f1", first, time.Minute); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := m.Register(ctx, "f1", second, 2*time.Minute); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if got := m.Registered(); len(got) != 1 {
		t.Fatalf("Registered() = %v, want one feed", got)
	}

	clock.Advance(testResolution)
	waitObserved(t, results)

	if got := first.runs.Load(); got != 0 {
		t.Errorf("replaced task ran %d times, want 0", got)
	}
	if got := second.runs.Load(); got != 1 {
		t.Errorf("replacement ran %d times, want 1", got)
	}

	// After one minute only the probe is due; the replacement waits for two.
	probe := newCountingTask("probe")
	if err := m.Register(ctx, "probe", probe, time.Hour); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	clock.Advance(time.Minute)
	if o := waitObserved(t, results); o.result.FeedID != "probe" {
		t.Fatalf("run after one minute = %q, want probe", o.result.FeedID)
	}
	if got := second.runs.Load(); got != 1 {
		t.Errorf("replacement ran %d times after one minute, want 1", got)
	}

	clock.Advance(time.Minute)
	if o := waitObserved(t, results); o.result.FeedID != "f1" {
		t.Fatalf("run after two minutes = %q, want f1", o.result.FeedID)
	}
	if got := first.runs.Load(); got != 0 {
		t.Errorf("replaced task ran %d times, want 0", got)
	}
}

func TestManager_TriggerNow(t *testing.T) {
	t.Parallel()

	m, _, results := startTestManager(t, 0)
	ctx := WithActor(context.Background(), "operator")
	task := newCountingTask("f1")

	if err := m.Register(ctx, "f1", task, time.Hour); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := m.TriggerNow(ctx, "f1"); err != nil {
		t.Fatalf("TriggerNow() error = %v", err)
	}

	o := waitObserved(t, results)
	if o.result.Trigger != TriggerManual {
		t.Errorf("Trigger = %q, want %q", o.result.Trigger, TriggerManual)
	}

	err := m.TriggerNow(ctx, "unknown")
	if !errors.Is(err, ErrFeedNotRegistered) {
		t.Errorf("TriggerNow(unknown) error = %v, want ErrFeedNotRegistered", err)
	}
}

func TestManager_PanickingTaskIsRecovered(t *testing.T) {
	t.Parallel()

	m, clock, results := startTestManager(t, 0)
	ctx := context.Background()
	bad := newCountingTask("bad")
	bad.panics = true

	if err := m.Register(ctx, "bad", bad, time.Minute); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	clock.Advance(testResolution)
	o := waitObserved(t, results)

	if o.result.Code != observability.CodeRunPanic {
		t.Errorf("Code = %q, want %q", o.result.Code, observability.CodeRunPanic)
	}
	if o.status.Status != StatusFailed || o.status.Failures != 1 {
		t.Errorf("status = %+v, want one failure", o.status)
	}

	// The loop keeps scheduling after a panic.
	clock.Advance(time.Minute)
	if o := waitObserved(t, results); o.result.FeedID != "bad" {
		t.Errorf("second run = %q, want bad", o.result.FeedID)
	}
}

func TestManager_BoundsConcurrentRuns(t *testing.T) {
	t.Parallel()

	m, clock, results := startTestManager(t, 1)
	ctx := context.Background()
	release := make(chan struct{})
	started := make(chan string, 4)

	for _, id := range []string{"a", "b"} {
		task := newCountingTask(id)
		task.release = release
		task.started = started
		if err := m.Register(ctx, id, task, time.Hour); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}

	clock.Advance(testResolution)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("no run started")
	}
	select {
	case id := <-started:
		t.Fatalf("run %q started while another held the only slot", id)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	waitObserved(t, results)
	waitObserved(t, results)
}

func TestManager_RegisterValidation(t *testing.T) {
	t.Parallel()

	m := NewManager(ManagerConfig{Clock: clockwork.NewFakeClock()})
	ctx := context.Background()
	task := newCountingTask("f1")

	tests := []struct {
		name     string
		feedID   string
		task     Task
		interval time.Duration
	}{
		{name: "empty feed id", feedID: "", task: task, interval: time.Minute},
		{name: "nil task", feedID: "f1", task: nil, interval: time.Minute},
		{name: "zero interval", feedID: "f1", task: task, interval: 0},
		{name: "negative interval", feedID: "f1", task: task, interval: -time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if err := m.Register(ctx, tt.feedID, tt.task, tt.interval); err == nil {
				t.Error("Register() should fail")
			}
		})
	}
}

func TestManager_StopIsFinal(t *testing.T) {
	t.Parallel()

	m := NewManager(ManagerConfig{Clock: clockwork.NewFakeClock()})
	ctx := context.Background()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := m.Start(ctx); err == nil {
		t.Error("second Start() should fail")
	}

	m.Stop()
	m.Stop()

	if err := m.Register(ctx, "f1", newCountingTask("f1"), time.Minute); !errors.Is(err, ErrManagerStopped) {
		t.Errorf("Register() after Stop error = %v, want ErrManagerStopped", err)
	}
	if err := m.Start(ctx); !errors.Is(err, ErrManagerStopped) {
		t.Errorf("Start() after Stop error = %v, want ErrManagerStopped", err)
	}
}

func TestManager_StopCancelsInFlightRuns(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	m := NewManager(ManagerConfig{Clock: clock, Resolution: testResolution})
	ctx := context.Background()

	task := newCountingTask("f1")
	task.release = make(chan struct{})
	if err := m.Register(ctx, "f1", task, time.Hour); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := m.TriggerNow(ctx, "f1"); err != nil {
		t.Fatalf("TriggerNow() error = %v", err)
	}

	select {
	case <-task.started:
	case <-time.After(5 * time.Second):
		t.Fatal("run never started")
	}

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not return while a run was blocked on its context")
	}
}

// blockingTask runs until released and reports its context error.
type blockingTask struct {
	feedID  string
	started chan context.Context
	release chan struct{}
	done    chan error
}

func newBlockingTask(feedID string) *blockingTask {
	return &blockingTask{
		feedID:  feedID,
		started: make(chan context.Context, 1),
		release: make(chan struct{}),
		done:    make(chan error, 1),
	}
}

func (b *blockingTask) FeedID() string { return b.feedID }

func (b *blockingTask) Run(ctx context.Context) RunResult {
	b.started <- ctx
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	b.done <- ctx.Err()
	now := time.Now()
	return RunResult{FeedID: b.feedID, StartedAt: now, FinishedAt: now}
}

func waitStarted(t *testing.T, b *blockingTask) context.Context {
	t.Helper()

	select {
	case ctx := <-b.started:
		return ctx
	case <-time.After(5 * time.Second):
		t.Fatal("run never started")
		return nil
	}
}

func TestManager_ReRegisterLetsInFlightRunFinish(t *testing.T) {
	t.Parallel()

	m := NewManager(ManagerConfig{Clock: clockwork.NewFakeClock(), Resolution: testResolution})
	t.Cleanup(m.Stop)
	ctx := context.Background()

	old := newBlockingTask("f1")
	if err := m.Register(ctx, "f1", old, time.Hour); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := m.TriggerNow(ctx, "f1"); err != nil {
		t.Fatalf("TriggerNow() error = %v", err)
	}
	runCtx := waitStarted(t, old)

	if err := m.Register(ctx, "f1", newCountingTask("f1"), time.Hour); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	select {
	case err := <-old.done:
		t.Fatalf("old run ended on re-registration with ctx err = %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(old.release)
	select {
	case err := <-old.done:
		if err != nil {
			t.Errorf("old run ctx err = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("old run did not finish after release")
	}

	// The retired schedule's context is released once its run returns.
	select {
	case <-runCtx.Done():
	case <-time.After(5 * time.Second):
		t.Error("retired run context never cancelled")
	}
}

func TestManager_DeregisterCancelsInFlightRun(t *testing.T) {
	t.Parallel()

	m := NewManager(ManagerConfig{Clock: clockwork.NewFakeClock(), Resolution: testResolution})
	t.Cleanup(m.Stop)
	ctx := context.Background()

	task := newBlockingTask("f1")
	if err := m.Register(ctx, "f1", task, time.Hour); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := m.TriggerNow(ctx, "f1"); err != nil {
		t.Fatalf("TriggerNow() error = %v", err)
	}
	waitStarted(t, task)

	m.Deregister(ctx, "f1")

	select {
	case err := <-task.done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("run ctx err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("deregistered run was not cancelled")
	}
}

func TestManager_DeregisteredRunLeavesNoSeries(t *testing.T) {
	t.Parallel()

	metrics := observability.NewFeedMetrics(prometheus.NewRegistry(), "tif_test")
	m := NewManager(ManagerConfig{Clock: clockwork.NewFakeClock(), Resolution: testResolution, Metrics: metrics})
	ctx := context.Background()

	task := newBlockingTask("f1")
	if err := m.Register(ctx, "f1", task, time.Hour); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := m.TriggerNow(ctx, "f1"); err != nil {
		t.Fatalf("TriggerNow() error = %v", err)
	}
	waitStarted(t, task)

	m.Deregister(ctx, "f1")
	// Stop waits for the cancelled run to return.
	m.Stop()

	if n := testutil.CollectAndCount(metrics.RunsTotal); n != 0 {
		t.Errorf("runs_total series = %d after deregistration, want 0", n)
	}
	if n := testutil.CollectAndCount(metrics.RunDuration); n != 0 {
		t.Errorf("run_duration series = %d after deregistration, want 0", n)
	}
}

func TestNextFiring(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	interval := 10 * time.Second

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{name: "on time", now: base, want: base.Add(10 * time.Second)},
		{name: "slightly late", now: base.Add(3 * time.Second), want: base.Add(10 * time.Second)},
		{name: "exactly one missed", now: base.Add(10 * time.Second), want: base.Add(20 * time.Second)},
		{name: "several missed coalesce", now: base.Add(35 * time.Second), want: base.Add(40 * time.Second)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := nextFiring(base, interval, tt.now); !got.Equal(tt.want) {
				t.Errorf("nextFiring() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestActorFromContext(t *testing.T) {
	t.Parallel()

	if got := ActorFromContext(context.Background()); got != "system" {
		t.Errorf("ActorFromContext() = %q, want system", got)
	}
	if got := ActorFromContext(WithActor(context.Background(), "nats")); got != "nats" {
		t.Errorf("ActorFromContext() = %q, want nats", got)
	}
}
