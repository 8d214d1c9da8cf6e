// ABOUTME: Manager schedules recurring feed tasks on one shared clock-driven loop
// ABOUTME: Registration replaces and cancels old schedules; runs are bounded by a semaphore

package feedsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"

	"github.com/hikmaai-io/hikmaai-tif/internal/observability"
)

var (
	// ErrFeedNotRegistered is returned for operations on unknown feeds.
	ErrFeedNotRegistered = errors.New("feed not registered")

	// ErrManagerStopped is returned once Stop has been called.
	ErrManagerStopped = errors.New("feed manager stopped")
)

// Observer is notified after every run of a registered feed.
type Observer interface {
	ObserveRun(ctx context.Context, status FeedStatus, result RunResult)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, status FeedStatus, result RunResult)

// ObserveRun calls f.
func (f ObserverFunc) ObserveRun(ctx context.Context, status FeedStatus, result RunResult) {
	f(ctx, status, result)
}

// ManagerConfig configures the feed manager.
type ManagerConfig struct {
	// Clock drives the scheduling loop.
	Clock clockwork.Clock

	// Resolution is how often the loop checks for due feeds. A newly
	// registered feed first runs on the next check.
	Resolution time.Duration

	// MaxConcurrentRuns bounds runs in flight across all feeds.
	MaxConcurrentRuns int

	// Logger for structured logging.
	Logger *slog.Logger

	// Audit records registrations and manual refreshes.
	Audit *observability.AuditLogger

	// Metrics records run outcomes.
	Metrics *observability.FeedMetrics

	// Observers are notified after each run.
	Observers []Observer
}

// schedule is the registration of one feed.
type schedule struct {
	task     Task
	interval time.Duration
	next     time.Time

	// ctx is cancelled when the feed is deregistered, or once a replaced
	// schedule has no runs left.
	ctx    context.Context
	cancel context.CancelFunc

	// retired is set when a newer registration replaces this one. active
	// counts dispatched runs that have not returned. Both are guarded by
	// Manager.mu.
	retired bool
	active  int
}

// Manager owns the recurring execution of every registered feed.
//
// At most one schedule exists per feed id. Runs of different feeds, and
// an overrunning run of the same feed, may execute concurrently.
type Manager struct {
	cfg    ManagerConfig
	status *StatusTracker
	sem    *semaphore.Weighted

	mu       sync.Mutex
	feeds    map[string]*schedule
	running  bool
	stopped  bool
	stopLoop context.CancelFunc

	// base parents every schedule context; cancelled by Stop.
	base       context.Context
	cancelBase context.CancelFunc

	wg sync.WaitGroup
}

// NewManager creates a feed manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Resolution <= 0 {
		cfg.Resolution = time.Second
	}
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		status:     NewStatusTracker(),
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrentRuns)),
		feeds:      make(map[string]*schedule),
		base:       base,
		cancelBase: cancel,
	}
}

// Register schedules task to run at the next tick and every interval
// thereafter. An existing schedule for feedID stops firing; an in-flight
// run of the old task is allowed to finish.
func (m *Manager) Register(ctx context.Context, feedID string, task Task, interval time.Duration) error {
	if feedID == "" {
		return errors.New("feed id is required")
	}
	if task == nil {
		return errors.New("task is required")
	}
	if interval <= 0 {
		return fmt.Errorf("invalid interval %s for feed %s", interval, feedID)
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrManagerStopped
	}

	old, replaced := m.feeds[feedID]
	if replaced {
		old.retired = true
		if old.active == 0 {
			old.cancel()
		}
	}

	runCtx, cancel := context.WithCancel(m.base)
	sch := &schedule{
		task:     task,
		interval: interval,
		next:     m.cfg.Clock.Now(),
		ctx:      runCtx,
		cancel:   cancel,
	}
	m.feeds[feedID] = sch
	m.status.Register(feedID, interval, sch.next)
	n := len(m.feeds)
	m.mu.Unlock()

	if replaced {
		m.cfg.Logger.Warn("replaced existing feed schedule",
			slog.String("feed_id", feedID),
			slog.Duration("interval", interval),
		)
	} else {
		m.cfg.Logger.Info("feed registered",
			slog.String("feed_id", feedID),
			slog.Duration("interval", interval),
		)
	}

	m.cfg.Metrics.SetRegistered(n)
	if m.cfg.Audit != nil {
		m.cfg.Audit.LogFeedRegistered(ctx, feedID, ActorFromContext(ctx), interval, replaced)
	}
	return nil
}

// Deregister cancels and removes the schedule for feedID. It reports
// whether a schedule existed; unknown feeds are a no-op.
func (m *Manager) Deregister(ctx context.Context, feedID string) bool {
	m.mu.Lock()
	sch, ok := m.feeds[feedID]
	if ok {
		delete(m.feeds, feedID)
		sch.cancel()
		m.status.Remove(feedID)
		m.cfg.Metrics.ForgetFeed(feedID)
	}
	n := len(m.feeds)
	m.mu.Unlock()

	if ok {
		m.cfg.Logger.Info("feed deregistered", slog.String("feed_id", feedID))
		m.cfg.Metrics.SetRegistered(n)
	}
	if m.cfg.Audit != nil {
		m.cfg.Audit.LogFeedDeregistered(ctx, feedID, ActorFromContext(ctx), ok)
	}
	return ok
}

// TriggerNow starts a run of feedID outside its schedule. The schedule
// itself is unchanged.
func (m *Manager) TriggerNow(ctx context.Context, feedID string) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrManagerStopped
	}
	sch, ok := m.feeds[feedID]
	if ok {
		m.dispatch(feedID, sch, TriggerManual)
	}
	m.mu.Unlock()

	if m.cfg.Audit != nil {
		m.cfg.Audit.LogManualRefresh(ctx, feedID, ActorFromContext(ctx), ok)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrFeedNotRegistered, feedID)
	}
	return nil
}

// Registered returns the registered feed ids, sorted.
func (m *Manager) Registered() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.feeds))
	for id := range m.feeds {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Status returns the status of feedID, or nil if it is not registered.
func (m *Manager) Status(feedID string) *FeedStatus {
	return m.status.Get(feedID)
}

// Statuses returns the status of every registered feed, sorted by id.
func (m *Manager) Statuses() []FeedStatus {
	return m.status.GetAll()
}

// Start starts the scheduling loop. The loop also stops when ctx ends.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrManagerStopped
	}
	if m.running {
		return fmt.Errorf("manager already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.stopLoop = cancel
	m.running = true

	m.wg.Add(1)
	go m.loop(loopCtx)

	m.cfg.Logger.Info("feed manager started",
		slog.Int("feeds", len(m.feeds)),
		slog.Duration("resolution", m.cfg.Resolution),
		slog.Int("max_concurrent_runs", m.cfg.MaxConcurrentRuns),
	)
	return nil
}

// Stop stops the loop, cancels in-flight runs, and waits for them to
// return. A stopped manager cannot be restarted.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.running = false
	if m.stopLoop != nil {
		m.stopLoop()
	}
	m.cancelBase()
	m.mu.Unlock()

	m.wg.Wait()

	m.cfg.Logger.Info("feed manager stopped")
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := m.cfg.Clock.NewTicker(m.cfg.Resolution)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.cfg.Logger.Debug("feed manager loop stopped")
			return
		case <-ticker.Chan():
			m.tick()
		}
	}
}

// tick dispatches every feed whose next firing is due. Firings missed
// while the loop was busy are coalesced into one run.
func (m *Manager) tick() {
	now := m.cfg.Clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for feedID, sch := range m.feeds {
		if now.Before(sch.next) {
			continue
		}
		sch.next = nextFiring(sch.next, sch.interval, now)
		m.status.SetNextScheduled(feedID, sch.next)
		m.dispatch(feedID, sch, TriggerSchedule)
	}
}

// nextFiring returns the first time after now on the fixed-rate grid
// anchored at prev.
func nextFiring(prev time.Time, interval time.Duration, now time.Time) time.Time {
	missed := now.Sub(prev) / interval
	return prev.Add((missed + 1) * interval)
}

// dispatch starts a run of sch on its own goroutine. Callers hold m.mu.
// A run still waiting for a slot when sch is replaced is dropped; one
// already executing finishes with its context intact.
func (m *Manager) dispatch(feedID string, sch *schedule, trigger string) {
	sch.active++
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.release(sch)

		if err := m.sem.Acquire(sch.ctx, 1); err != nil {
			return
		}
		defer m.sem.Release(1)

		m.mu.Lock()
		skip := sch.retired || sch.ctx.Err() != nil
		m.mu.Unlock()
		if skip {
			return
		}
		m.execute(feedID, sch, trigger)
	}()
}

// release retires a run of sch, cancelling a replaced schedule once its
// last run has returned.
func (m *Manager) release(sch *schedule) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sch.active--
	if sch.retired && sch.active == 0 {
		sch.cancel()
	}
}

func (m *Manager) execute(feedID string, sch *schedule, trigger string) {
	ctx := WithTrigger(sch.ctx, trigger)
	started := m.cfg.Clock.Now()

	m.mu.Lock()
	current := m.feeds[feedID] == sch
	if current {
		m.status.Started(feedID, started)
	}
	m.mu.Unlock()

	m.cfg.Metrics.RunStarted()
	result := m.runTask(ctx, feedID, sch.task, started)
	result.FeedID = feedID
	m.cfg.Metrics.RunFinished()

	// Series of a deregistered feed are gone and stay gone.
	m.mu.Lock()
	var status *FeedStatus
	if _, registered := m.feeds[feedID]; registered {
		m.cfg.Metrics.RecordRun(feedID, result.Duration(), result.Code, result.FinishedAt)
	}
	if m.feeds[feedID] == sch {
		status = m.status.Finished(result)
	}
	m.mu.Unlock()

	if status == nil {
		return
	}
	notifyCtx := context.WithoutCancel(ctx)
	for _, obs := range m.cfg.Observers {
		obs.ObserveRun(notifyCtx, *status, result)
	}
}

// runTask runs task, converting a panic into a failed result.
func (m *Manager) runTask(ctx context.Context, feedID string, task Task, started time.Time) (result RunResult) {
	defer func() {
		if p := recover(); p != nil {
			m.cfg.Logger.Error("feed task panicked",
				slog.String("feed_id", feedID),
				slog.Any("panic", p),
			)
			result = RunResult{
				FeedID:     feedID,
				Trigger:    TriggerFromContext(ctx),
				StartedAt:  started,
				FinishedAt: m.cfg.Clock.Now(),
				Err:        fmt.Errorf("task panicked: %v", p),
				Code:       observability.CodeRunPanic,
			}
		}
	}()
	return task.Run(ctx)
}

type actorKey struct{}

// WithActor records who requested a registration change.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the actor recorded by WithActor, or "system".
func ActorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return "system"
}
