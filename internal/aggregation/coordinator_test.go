// Agora Analytics - Community Voting Analytics Pipeline
// Copyright 2026 Agora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/agorahq/agora-analytics

package aggregation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agorahq/agora-analytics/internal/batch"
	"github.com/agorahq/agora-analytics/internal/bus"
	"github.com/agorahq/agora-analytics/internal/cache"
	"github.com/agorahq/agora-analytics/internal/event"
	"github.com/agorahq/agora-analytics/internal/store"
	"github.com/agorahq/agora-analytics/internal/streaming"
	"github.com/agorahq/agora-analytics/internal/warehouse"
	"github.com/agorahq/agora-analytics/internal/worker"
)

type fakeStreaming struct {
	mu        sync.Mutex
	events    []*event.Event
	immediate []*event.Event
	err       error
}

func (f *fakeStreaming) ProcessEvent(_ context.Context, e *event.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, e)
	return nil
}

func (f *fakeStreaming) ProcessImmediate(_ context.Context, e *event.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.immediate = append(f.immediate, e)
	return nil
}

func (f *fakeStreaming) GetRealTimeMetrics(context.Context) (streaming.RealTimeMetrics, error) {
	return streaming.RealTimeMetrics{UsersJoinedToday: 3}, nil
}

func (f *fakeStreaming) Stats() streaming.Stats { return streaming.Stats{} }

func (f *fakeStreaming) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *fakeStreaming) immediateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.immediate)
}

type fakeBatch struct {
	mu   sync.Mutex
	runs []string
	err  error
}

func (f *fakeBatch) RunJobManually(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.runs = append(f.runs, name)
	return nil
}

func (f *fakeBatch) Stats() batch.Stats { return batch.Stats{JobsCompleted: 7} }

type fakeWarehouse struct {
	mu      sync.Mutex
	dates   []time.Time
	queries []string
	rows    []map[string]any
}

func (f *fakeWarehouse) RunETL(_ context.Context, date time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dates = append(f.dates, date)
	return nil
}

func (f *fakeWarehouse) QueryWarehouse(_ context.Context, query string, _ ...any) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	return f.rows, nil
}

func (f *fakeWarehouse) Stats() warehouse.Stats { return warehouse.Stats{RunsCompleted: 2} }

type fakeCache struct {
	mu        sync.Mutex
	connected bool
	counters  map[string]int64
	ttls      map[string]time.Duration
	values    map[string]string
	zsets     map[string]map[string]float64
	lists     map[string][]string
}

func newFakeCache(connected bool) *fakeCache {
	return &fakeCache{
		connected: connected,
		counters:  make(map[string]int64),
		ttls:      make(map[string]time.Duration),
		values:    make(map[string]string),
		zsets:     make(map[string]map[string]float64),
		lists:     make(map[string][]string),
	}
}

func (f *fakeCache) IsConnected() bool { return f.connected }

func (f *fakeCache) Incr(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[key]++
	return f.counters[key], nil
}

func (f *fakeCache) Expire(_ context.Context, key string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ttls[key] = ttl
	return nil
}

func (f *fakeCache) SetEx(_ context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	f.ttls[key] = ttl
	return nil
}

func (f *fakeCache) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.values[key]; ok {
		return v, true, nil
	}
	return "", false, nil
}

func (f *fakeCache) ZAdd(_ context.Context, key string, score float64, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.zsets[key] == nil {
		f.zsets[key] = make(map[string]float64)
	}
	f.zsets[key][member] = score
	return nil
}

func (f *fakeCache) LPush(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[key] = append([]string{value}, f.lists[key]...)
	return nil
}

func (f *fakeCache) LTrim(_ context.Context, key string, start, stop int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.lists[key]
	if int64(len(list)) > stop+1 {
		f.lists[key] = list[start : stop+1]
	}
	return nil
}

func (f *fakeCache) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.lists[key]
	if start >= int64(len(list)) {
		return nil, nil
	}
	if stop >= int64(len(list)) {
		stop = int64(len(list)) - 1
	}
	return append([]string(nil), list[start:stop+1]...), nil
}

func (f *fakeCache) Keys(_ context.Context, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var keys []string
	for k := range f.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	for k := range f.counters {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (f *fakeCache) counter(key string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counters[key]
}

func (f *fakeCache) ttl(key string) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ttls[key]
}

func (f *fakeCache) zsetLen(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.zsets[key])
}

func (f *fakeCache) listLen(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.lists[key])
}

type fakeErrStore struct {
	mu      sync.Mutex
	records []store.ErrorRecord
}

func (f *fakeErrStore) InsertErrorRecord(_ context.Context, rec store.ErrorRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeErrStore) RecentErrors(_ context.Context, limit int) ([]store.ErrorRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.records) > limit {
		return f.records[:limit], nil
	}
	return f.records, nil
}

func (f *fakeErrStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type sentTask struct {
	subsystem string
	task      worker.Task
}

type fakeDispatcher struct {
	mu          sync.Mutex
	registered  map[string]worker.Runner
	initialized bool
	stopped     bool
	tasks       []sentTask
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{registered: make(map[string]worker.Runner)}
}

func (f *fakeDispatcher) Register(subsystem string, runner worker.Runner) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered[subsystem] = runner
	return nil
}

func (f *fakeDispatcher) Initialize(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initialized = true
	return nil
}

func (f *fakeDispatcher) SendTask(subsystem string, task worker.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.registered[subsystem]; !ok {
		return worker.ErrWorkerNotFound
	}
	f.tasks = append(f.tasks, sentTask{subsystem: subsystem, task: task})
	return nil
}

func (f *fakeDispatcher) WorkerStats() worker.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return worker.Stats{IsRunning: f.initialized && !f.stopped, ActiveWorkers: len(f.registered)}
}

func (f *fakeDispatcher) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeDispatcher) sentTasks() []sentTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentTask(nil), f.tasks...)
}

type fixture struct {
	coord     *Coordinator
	streaming *fakeStreaming
	batch     *fakeBatch
	warehouse *fakeWarehouse
	cache     *fakeCache
	errStore  *fakeErrStore
	dispatch  *fakeDispatcher
	bus       *bus.Bus
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		streaming: &fakeStreaming{},
		batch:     &fakeBatch{},
		warehouse: &fakeWarehouse{},
		cache:     newFakeCache(true),
		errStore:  &fakeErrStore{},
		dispatch:  newFakeDispatcher(),
		bus:       bus.New(),
		now:       time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC),
	}
	t.Cleanup(func() { _ = f.bus.Close() })
	f.coord = New(f.streaming, f.batch, f.warehouse, f.cache, f.errStore, f.bus, f.dispatch)
	f.coord.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) initialize(t *testing.T) {
	t.Helper()
	if err := f.coord.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(func() { _ = f.coord.Shutdown() })
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestProcessEventRequiresInitialize(t *testing.T) {
	f := newFixture(t)
	e := &event.Event{Type: event.TypeVoteCast, Data: map[string]any{}, Timestamp: f.now}
	if err := f.coord.ProcessEvent(context.Background(), e); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestProcessEventForwardsToStreaming(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)

	e := &event.Event{
		Type:      event.TypeUserJoined,
		Data:      map[string]any{"user_id": "u1"},
		Timestamp: f.now,
	}
	if err := f.coord.ProcessEvent(context.Background(), e); err != nil {
		t.Fatalf("process event: %v", err)
	}

	if got := f.streaming.eventCount(); got != 1 {
		t.Errorf("forwarded events = %d, want 1", got)
	}
	stats := f.coord.Stats()
	if stats.TotalAggregations != 1 {
		t.Errorf("TotalAggregations = %d, want 1", stats.TotalAggregations)
	}
	if !stats.LastAggregation.Equal(f.now) {
		t.Errorf("LastAggregation = %v, want %v", stats.LastAggregation, f.now)
	}
	if !stats.IsInitialized {
		t.Error("expected IsInitialized")
	}
}

func TestProcessEventFailureIsCountedAndLogged(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)
	f.streaming.err = errors.New("store unavailable")

	e := &event.Event{Type: event.TypeVoteCast, Data: map[string]any{}, Timestamp: f.now}
	if err := f.coord.ProcessEvent(context.Background(), e); err == nil {
		t.Fatal("expected error from streaming")
	}

	if f.coord.Stats().FailedAggregations != 1 {
		t.Errorf("FailedAggregations = %d, want 1", f.coord.Stats().FailedAggregations)
	}
	if f.errStore.count() != 1 {
		t.Errorf("durable error records = %d, want 1", f.errStore.count())
	}
	if f.cache.listLen(cache.ErrorsKey()) != 1 {
		t.Errorf("cached error entries = %d, want 1", f.cache.listLen(cache.ErrorsKey()))
	}
}

func TestEventProcessedUpdatesRealTimeCounters(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)

	err := f.bus.PublishEventProcessed(bus.EventProcessed{
		Event: event.Event{
			Type:      event.TypeVoteCast,
			Data:      map[string]any{"user_id": "u1", "question_id": "q1"},
			Timestamp: f.now,
		},
		Elapsed:   5 * time.Millisecond,
		Timestamp: f.now,
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	eventsKey := cache.EventsKey(event.TypeVoteCast, "2026-08-31")
	waitFor(t, "event counter", func() bool { return f.cache.counter(eventsKey) == 1 })

	t.Run("ttls", func(t *testing.T) {
		if ttl := f.cache.ttl(eventsKey); ttl != cache.TTLDay {
			t.Errorf("events TTL = %v, want %v", ttl, cache.TTLDay)
		}
		if ttl := f.cache.ttl(cache.ProcessingTimesKey()); ttl != cache.TTLHour {
			t.Errorf("processing times TTL = %v, want %v", ttl, cache.TTLHour)
		}
		if ttl := f.cache.ttl(cache.UserActivityKey()); ttl != cache.TTLDay {
			t.Errorf("user activity TTL = %v, want %v", ttl, cache.TTLDay)
		}
	})

	t.Run("sorted sets", func(t *testing.T) {
		if n := f.cache.zsetLen(cache.ProcessingTimesKey()); n != 1 {
			t.Errorf("processing times entries = %d, want 1", n)
		}
		if n := f.cache.zsetLen(cache.UserActivityKey()); n != 1 {
			t.Errorf("user activity entries = %d, want 1", n)
		}
	})

	t.Run("priority dispatch", func(t *testing.T) {
		waitFor(t, "streaming dispatch", func() bool { return len(f.dispatch.sentTasks()) == 1 })
		sent := f.dispatch.sentTasks()[0]
		if sent.subsystem != worker.SubsystemStreaming {
			t.Errorf("subsystem = %s, want streaming", sent.subsystem)
		}
		if sent.task.Action != worker.ActionProcessEvent {
			t.Errorf("action = %s, want %s", sent.task.Action, worker.ActionProcessEvent)
		}
	})
}

func TestLowPriorityEventIsNotDispatched(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)

	err := f.bus.PublishEventProcessed(bus.EventProcessed{
		Event: event.Event{
			Type:      event.TypeUserJoined,
			Data:      map[string]any{"user_id": "u2"},
			Timestamp: f.now,
		},
		Elapsed:   time.Millisecond,
		Timestamp: f.now,
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	eventsKey := cache.EventsKey(event.TypeUserJoined, "2026-08-31")
	waitFor(t, "event counter", func() bool { return f.cache.counter(eventsKey) == 1 })

	if tasks := f.dispatch.sentTasks(); len(tasks) != 0 {
		t.Errorf("dispatched tasks = %d, want 0", len(tasks))
	}
}

func TestJobCompletedCachesResultAndTriggersETL(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)

	err := f.bus.PublishJobCompleted(bus.JobCompleted{
		Job:       "daily-analytics",
		Period:    "daily",
		PeriodKey: "2026-08-30",
		Elapsed:   2 * time.Second,
		Timestamp: f.now,
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, "warehouse dispatch", func() bool { return len(f.dispatch.sentTasks()) == 1 })
	sent := f.dispatch.sentTasks()[0]
	if sent.subsystem != worker.SubsystemWarehouse || sent.task.Action != worker.ActionRunETL {
		t.Errorf("dispatched %s/%s, want warehouse/runETL", sent.subsystem, sent.task.Action)
	}

	countKey := cache.BatchCountKey("daily")
	if f.cache.counter(countKey) != 1 {
		t.Errorf("batch count = %d, want 1", f.cache.counter(countKey))
	}
	if ttl := f.cache.ttl(countKey); ttl != cache.TTLMonth {
		t.Errorf("count TTL = %v, want %v", ttl, cache.TTLMonth)
	}

	t.Run("cleanup period skips ETL", func(t *testing.T) {
		err := f.bus.PublishJobCompleted(bus.JobCompleted{
			Job:       "data-cleanup",
			Period:    "cleanup",
			Timestamp: f.now,
		})
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		waitFor(t, "cleanup count", func() bool {
			return f.cache.counter(cache.BatchCountKey("cleanup")) == 1
		})
		if len(f.dispatch.sentTasks()) != 1 {
			t.Errorf("dispatched tasks = %d, want still 1", len(f.dispatch.sentTasks()))
		}
	})
}

func TestErrorNotificationsAreLogged(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)

	err := f.bus.PublishProcessingError(bus.ProcessingError{
		Source: "streaming",
		Error:  "handler failed",
		Event: &event.Event{
			Type:      event.TypeVoteCast,
			Data:      map[string]any{"question_id": "q9"},
			Timestamp: f.now,
		},
		Timestamp: f.now,
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, "durable error record", func() bool { return f.errStore.count() == 1 })

	if err := f.bus.PublishJobError(bus.JobError{Job: "daily-analytics", Error: "window write failed", Timestamp: f.now}); err != nil {
		t.Fatalf("publish job error: %v", err)
	}
	waitFor(t, "second error record", func() bool { return f.errStore.count() == 2 })

	if got := f.coord.Stats().FailedAggregations; got != 2 {
		t.Errorf("FailedAggregations = %d, want 2", got)
	}
	if n := f.cache.listLen(cache.ErrorsKey()); n != 2 {
		t.Errorf("cached error entries = %d, want 2", n)
	}
}

func TestRunManualAggregation(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		aggType string
		wantJob string
	}{
		{"daily", "daily-analytics"},
		{"weekly", "weekly-analytics"},
		{"monthly", "monthly-analytics"},
	}
	for _, tc := range cases {
		t.Run(tc.aggType, func(t *testing.T) {
			if err := f.coord.RunManualAggregation(context.Background(), tc.aggType, ManualOptions{}); err != nil {
				t.Fatalf("manual %s: %v", tc.aggType, err)
			}
			f.batch.mu.Lock()
			last := f.batch.runs[len(f.batch.runs)-1]
			f.batch.mu.Unlock()
			if last != tc.wantJob {
				t.Errorf("ran job %s, want %s", last, tc.wantJob)
			}
		})
	}

	t.Run("etl defaults to today", func(t *testing.T) {
		if err := f.coord.RunManualAggregation(context.Background(), "etl", ManualOptions{}); err != nil {
			t.Fatalf("manual etl: %v", err)
		}
		f.warehouse.mu.Lock()
		date := f.warehouse.dates[len(f.warehouse.dates)-1]
		f.warehouse.mu.Unlock()
		if !date.Equal(f.now) {
			t.Errorf("ETL date = %v, want %v", date, f.now)
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		err := f.coord.RunManualAggregation(context.Background(), "hourly", ManualOptions{})
		if !errors.Is(err, ErrUnknownAggregationType) {
			t.Fatalf("expected ErrUnknownAggregationType, got %v", err)
		}
	})
}

func TestRunnersRouteActions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("streaming processEvent", func(t *testing.T) {
		task := worker.NewTask(worker.ActionProcessEvent, map[string]any{
			"event": map[string]any{
				"type":      event.TypeVoteCast,
				"data":      map[string]any{"question_id": "q1"},
				"timestamp": f.now.Format(time.RFC3339),
			},
		})
		if err := f.coord.streamingRunner(ctx, task); err != nil {
			t.Fatalf("streaming runner: %v", err)
		}
		if f.streaming.immediateCount() != 1 {
			t.Errorf("immediate events = %d, want 1", f.streaming.immediateCount())
		}
		if f.streaming.eventCount() != 0 {
			t.Errorf("queued events = %d, want 0; worker path must not republish", f.streaming.eventCount())
		}
	})

	t.Run("streaming missing event", func(t *testing.T) {
		if err := f.coord.streamingRunner(ctx, worker.NewTask(worker.ActionProcessEvent, nil)); err == nil {
			t.Fatal("expected error for missing event payload")
		}
	})

	t.Run("batch actions", func(t *testing.T) {
		if err := f.coord.batchRunner(ctx, worker.NewTask(worker.ActionRunMonthlyAnalytics, nil)); err != nil {
			t.Fatalf("batch runner: %v", err)
		}
		f.batch.mu.Lock()
		last := f.batch.runs[len(f.batch.runs)-1]
		f.batch.mu.Unlock()
		if last != "monthly-analytics" {
			t.Errorf("ran %s, want monthly-analytics", last)
		}
		if err := f.coord.batchRunner(ctx, worker.NewTask("compact", nil)); err == nil {
			t.Fatal("expected error for unknown batch action")
		}
	})

	t.Run("warehouse runETL with date", func(t *testing.T) {
		task := worker.NewTask(worker.ActionRunETL, map[string]any{"date": "2026-08-15T00:00:00Z"})
		if err := f.coord.warehouseRunner(ctx, task); err != nil {
			t.Fatalf("warehouse runner: %v", err)
		}
		f.warehouse.mu.Lock()
		date := f.warehouse.dates[len(f.warehouse.dates)-1]
		f.warehouse.mu.Unlock()
		if date.Format("2006-01-02") != "2026-08-15" {
			t.Errorf("ETL date = %v, want 2026-08-15", date)
		}
	})

	t.Run("warehouse query", func(t *testing.T) {
		task := worker.NewTask(worker.ActionQuery, map[string]any{"query": "SELECT 1"})
		if err := f.coord.warehouseRunner(ctx, task); err != nil {
			t.Fatalf("warehouse query: %v", err)
		}
		if err := f.coord.warehouseRunner(ctx, worker.NewTask(worker.ActionQuery, nil)); err == nil {
			t.Fatal("expected error for empty query")
		}
	})
}

func TestGetComprehensiveAnalytics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.cache.values[cache.EventsKey(event.TypeVoteCast, "2026-08-31")] = "12"
	for i, ts := range []string{"T08", "T09", "T10"} {
		key := cache.BatchResultKey("daily", "2026-08-31"+ts+":00:00Z")
		blob := `{"job":"daily-analytics","period":"daily","period_key":"2026-08-3` + string(rune('0'+i)) + `"}`
		f.cache.values[key] = blob
	}
	f.cache.counters[cache.BatchCountKey("daily")] = 3
	f.cache.lists[cache.ErrorsKey()] = []string{
		`{"source":"streaming","error":"boom","timestamp":"2026-08-31T11:00:00Z"}`,
	}
	f.warehouse.rows = []map[string]any{{"user_id": "u1", "activity_score": 80.0}}

	got, err := f.coord.GetComprehensiveAnalytics(ctx, DefaultViewOptions())
	if err != nil {
		t.Fatalf("comprehensive analytics: %v", err)
	}

	t.Run("real-time", func(t *testing.T) {
		if got.RealTime == nil {
			t.Fatal("missing real-time view")
		}
		if got.RealTime.EventsToday[event.TypeVoteCast] != 12 {
			t.Errorf("vote_cast today = %d, want 12", got.RealTime.EventsToday[event.TypeVoteCast])
		}
		if got.RealTime.EventsToday[event.TypeUserJoined] != 0 {
			t.Errorf("user_joined today = %d, want 0", got.RealTime.EventsToday[event.TypeUserJoined])
		}
		if len(got.RealTime.RecentErrors) != 1 || got.RealTime.RecentErrors[0].Source != "streaming" {
			t.Errorf("recent errors = %+v", got.RealTime.RecentErrors)
		}
		if got.RealTime.Streaming.UsersJoinedToday != 3 {
			t.Errorf("users joined today = %d, want 3", got.RealTime.Streaming.UsersJoinedToday)
		}
	})

	t.Run("batch", func(t *testing.T) {
		if got.Batch == nil {
			t.Fatal("missing batch view")
		}
		if got.Batch.Stats.JobsCompleted != 7 {
			t.Errorf("jobs completed = %d, want 7", got.Batch.Stats.JobsCompleted)
		}
		// The count key shares the prefix but is not a result.
		if len(got.Batch.Results["daily"]) != 3 {
			t.Errorf("daily results = %d, want 3", len(got.Batch.Results["daily"]))
		}
	})

	t.Run("warehouse", func(t *testing.T) {
		if got.Warehouse == nil {
			t.Fatal("missing warehouse view")
		}
		if len(got.Warehouse.UserAnalytics) != 1 {
			t.Errorf("user analytics rows = %d, want 1", len(got.Warehouse.UserAnalytics))
		}
		if got.Warehouse.Stats.RunsCompleted != 2 {
			t.Errorf("warehouse runs = %d, want 2", got.Warehouse.Stats.RunsCompleted)
		}
	})

	t.Run("selective views", func(t *testing.T) {
		slim, err := f.coord.GetComprehensiveAnalytics(ctx, ViewOptions{IncludeBatch: true})
		if err != nil {
			t.Fatalf("selective view: %v", err)
		}
		if slim.RealTime != nil || slim.Warehouse != nil || slim.Batch == nil {
			t.Errorf("selective view composed wrong sections: %+v", slim)
		}
	})
}

func TestRecentErrorsFallBackToStore(t *testing.T) {
	f := newFixture(t)
	f.cache.connected = false
	f.errStore.records = []store.ErrorRecord{
		{Source: "batch", Message: "job failed", CreatedAt: f.now},
	}

	got, err := f.coord.GetComprehensiveAnalytics(context.Background(), ViewOptions{IncludeRealTime: true})
	if err != nil {
		t.Fatalf("comprehensive analytics: %v", err)
	}
	if len(got.RealTime.RecentErrors) != 1 || got.RealTime.RecentErrors[0].Source != "batch" {
		t.Errorf("recent errors = %+v, want durable fallback", got.RealTime.RecentErrors)
	}
}

func TestShutdown(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)

	if err := f.coord.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	f.dispatch.mu.Lock()
	stopped := f.dispatch.stopped
	f.dispatch.mu.Unlock()
	if !stopped {
		t.Error("expected worker supervisor stopped")
	}

	e := &event.Event{Type: event.TypeVoteCast, Data: map[string]any{}, Timestamp: f.now}
	if err := f.coord.ProcessEvent(context.Background(), e); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized after shutdown, got %v", err)
	}

	t.Run("idempotent", func(t *testing.T) {
		if err := f.coord.Shutdown(); err != nil {
			t.Fatalf("second shutdown: %v", err)
		}
	})
}
