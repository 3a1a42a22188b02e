package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"uptime/internal/models"
	"uptime/internal/repository"
)

type memStore struct {
	mu       sync.Mutex
	monitors map[uint]*models.Monitor
	results  []models.CheckResult
	failFor  map[uint]bool
}

func newMemStore(monitors ...models.Monitor) *memStore {
	s := &memStore{monitors: make(map[uint]*models.Monitor), failFor: make(map[uint]bool)}
	for i := range monitors {
		m := monitors[i]
		s.monitors[m.ID] = &m
	}
	return s
}

func (s *memStore) ListEnabled(context.Context) ([]models.Monitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Monitor
	for _, m := range s.monitors {
		if m.Enabled {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (s *memStore) Get(_ context.Context, id uint) (*models.Monitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.monitors[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *memStore) RecordCheck(_ context.Context, r *models.CheckResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFor[r.MonitorID] {
		return errors.New("disk full")
	}
	m, ok := s.monitors[r.MonitorID]
	if !ok {
		return repository.ErrNotFound
	}
	r.ID = uint(len(s.results) + 1)
	s.results = append(s.results, *r)
	m.CurrentStatus = r.Status
	at := r.CheckedAt
	m.LastCheckedAt = &at
	return nil
}

func (s *memStore) resultsFor(id uint) []models.CheckResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CheckResult
	for _, r := range s.results {
		if r.MonitorID == id {
			out = append(out, r)
		}
	}
	return out
}

type proberFunc func(ctx context.Context, m *models.Monitor) (*Outcome, error)

func (f proberFunc) Probe(ctx context.Context, m *models.Monitor) (*Outcome, error) {
	return f(ctx, m)
}

func okProber(context.Context, *models.Monitor) (*Outcome, error) {
	code := 200
	return &Outcome{Success: true, StatusCode: &code, ElapsedMs: 12}, nil
}

type settled struct {
	id                uint
	previous, current models.Status
}

type recordingListener struct {
	mu    sync.Mutex
	calls []settled
}

func (l *recordingListener) OnStatusSettled(_ context.Context, m *models.Monitor, previous, current models.Status, _ string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, settled{m.ID, previous, current})
}

func monitorAt(id uint, last *time.Time) models.Monitor {
	return models.Monitor{
		ID: id, Name: "m", Target: "example.com", Type: models.ProtocolHTTP,
		CheckInterval: 5, Timeout: 10, Enabled: true, NotifyThreshold: 1,
		CurrentStatus: models.StatusUnknown, LastCheckedAt: last,
	}
}

func TestRunDueChecksOnlyChecksDueMonitors(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-2 * time.Minute)
	stale := now.Add(-5 * time.Minute)

	disabled := monitorAt(4, nil)
	disabled.Enabled = false
	store := newMemStore(
		monitorAt(1, nil),     // never checked
		monitorAt(2, &recent), // not due
		monitorAt(3, &stale),  // exactly due
		disabled,
	)
	listener := &recordingListener{}
	s := NewScheduler(store, proberFunc(okProber), WithListener(listener), WithClock(func() time.Time { return now }))

	summary, err := s.RunDueChecks(context.Background(), now)
	if err != nil {
		t.Fatalf("RunDueChecks: %v", err)
	}
	want := Summary{Enabled: 3, Due: 2, Checked: 2}
	if summary != want {
		t.Fatalf("summary = %+v, want %+v", summary, want)
	}
	if len(store.resultsFor(2)) != 0 {
		t.Fatal("not-due monitor was checked")
	}
	m2, _ := store.Get(context.Background(), 2)
	if !m2.LastCheckedAt.Equal(recent) {
		t.Fatal("not-due monitor was modified")
	}

	for _, id := range []uint{1, 3} {
		results := store.resultsFor(id)
		if len(results) != 1 {
			t.Fatalf("monitor %d: %d results, want 1", id, len(results))
		}
		r := results[0]
		if r.Status != models.StatusUp || !r.CheckedAt.Equal(now) || r.ErrorMessage != nil {
			t.Fatalf("monitor %d: unexpected result %+v", id, r)
		}
		if r.ResponseTime == nil || *r.ResponseTime != 12 {
			t.Fatalf("monitor %d: response time not recorded", id)
		}
	}

	if len(listener.calls) != 2 {
		t.Fatalf("listener calls = %d, want 2", len(listener.calls))
	}
	for _, c := range listener.calls {
		if c.previous != models.StatusUnknown || c.current != models.StatusUp {
			t.Fatalf("unexpected transition %+v", c)
		}
	}
}

func TestRunDueChecksIsolatesPanics(t *testing.T) {
	now := time.Now()
	store := newMemStore(monitorAt(1, nil), monitorAt(2, nil), monitorAt(3, nil))
	prober := proberFunc(func(ctx context.Context, m *models.Monitor) (*Outcome, error) {
		if m.ID == 2 {
			panic("nil map write")
		}
		return okProber(ctx, m)
	})

	s := NewScheduler(store, prober, WithWorkers(1))
	summary, err := s.RunDueChecks(context.Background(), now)
	if err != nil {
		t.Fatalf("RunDueChecks: %v", err)
	}
	if summary.Checked != 3 {
		t.Fatalf("summary = %+v, want all 3 checked", summary)
	}

	r := store.resultsFor(2)
	if len(r) != 1 || r[0].Status != models.StatusDown {
		t.Fatalf("panicking monitor: %+v", r)
	}
	if r[0].ErrorMessage == nil || *r[0].ErrorMessage == "" {
		t.Fatal("panic message not recorded")
	}
	if r[0].ResponseTime != nil {
		t.Fatal("no response time expected without an outcome")
	}
}

func TestRunDueChecksEvaluatorPanicMapsToDown(t *testing.T) {
	store := newMemStore(monitorAt(1, nil))
	s := NewScheduler(store, proberFunc(okProber))
	s.evaluate = func(*Outcome, *models.Monitor) Evaluation { panic("boom") }

	if _, err := s.RunDueChecks(context.Background(), time.Now()); err != nil {
		t.Fatalf("RunDueChecks: %v", err)
	}
	r := store.resultsFor(1)
	if len(r) != 1 || r[0].Status != models.StatusDown || *r[0].ErrorMessage != "evaluation error: boom" {
		t.Fatalf("unexpected result %+v", r)
	}
}

func TestRunDueChecksPersistFailureCounted(t *testing.T) {
	store := newMemStore(monitorAt(1, nil), monitorAt(2, nil))
	store.failFor[1] = true
	listener := &recordingListener{}
	s := NewScheduler(store, proberFunc(okProber), WithListener(listener))

	summary, _ := s.RunDueChecks(context.Background(), time.Now())
	if summary.Checked != 1 || summary.Failed != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if len(listener.calls) != 1 || listener.calls[0].id != 2 {
		t.Fatalf("listener must only see persisted results: %+v", listener.calls)
	}
}

func TestRunDueChecksCancelledProbeIsDiscarded(t *testing.T) {
	store := newMemStore(monitorAt(1, nil))
	started := make(chan struct{})
	prober := proberFunc(func(ctx context.Context, m *models.Monitor) (*Outcome, error) {
		close(started)
		<-ctx.Done()
		return &Outcome{Success: false, Detail: "probe cancelled"}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	s := NewScheduler(store, prober)

	done := make(chan Summary)
	go func() {
		summary, _ := s.RunDueChecks(ctx, time.Now())
		done <- summary
	}()
	<-started
	cancel()

	summary := <-done
	if summary.Checked != 0 || summary.Skipped != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if len(store.resultsFor(1)) != 0 {
		t.Fatal("cancelled probe was persisted")
	}
	m, _ := store.Get(context.Background(), 1)
	if m.LastCheckedAt != nil || m.CurrentStatus != models.StatusUnknown {
		t.Fatal("monitor status changed by a cancelled probe")
	}
}

func TestRunDueChecksBoundedConcurrency(t *testing.T) {
	var monitors []models.Monitor
	for i := uint(1); i <= 12; i++ {
		monitors = append(monitors, monitorAt(i, nil))
	}
	store := newMemStore(monitors...)

	var inFlight, peak atomic.Int32
	prober := proberFunc(func(ctx context.Context, m *models.Monitor) (*Outcome, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return okProber(ctx, m)
	})

	s := NewScheduler(store, prober, WithWorkers(3))
	summary, err := s.RunDueChecks(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("RunDueChecks: %v", err)
	}
	if summary.Checked != 12 {
		t.Fatalf("summary = %+v", summary)
	}
	if peak.Load() > 3 {
		t.Fatalf("peak concurrency %d exceeds 3 workers", peak.Load())
	}
}

type busyLocker struct{}

func (busyLocker) TryLock(context.Context, string) (func(), bool, error) {
	return nil, false, nil
}

func TestInFlightGuard(t *testing.T) {
	store := newMemStore(monitorAt(1, nil))
	s := NewScheduler(store, proberFunc(okProber), WithLocker(busyLocker{}))

	if _, err := s.TriggerCheck(context.Background(), 1); !errors.Is(err, ErrCheckInFlight) {
		t.Fatalf("TriggerCheck err = %v, want ErrCheckInFlight", err)
	}
	summary, _ := s.RunDueChecks(context.Background(), time.Now())
	if summary.Skipped != 1 || summary.Checked != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	if len(store.resultsFor(1)) != 0 {
		t.Fatal("guarded monitor was checked")
	}
}

func TestOverlappingSweepsNeverDoubleCheck(t *testing.T) {
	store := newMemStore(monitorAt(1, nil))
	gate := make(chan struct{})
	var calls atomic.Int32
	prober := proberFunc(func(ctx context.Context, m *models.Monitor) (*Outcome, error) {
		calls.Add(1)
		<-gate
		return okProber(ctx, m)
	})
	s := NewScheduler(store, prober)

	now := time.Now()
	var wg sync.WaitGroup
	summaries := make([]Summary, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		summaries[0], _ = s.RunDueChecks(context.Background(), now)
	}()
	for calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	summaries[1], _ = s.RunDueChecks(context.Background(), now)
	close(gate)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("probe ran %d times, want 1", calls.Load())
	}
	if summaries[1].Skipped != 1 {
		t.Fatalf("second sweep summary = %+v", summaries[1])
	}
	if len(store.resultsFor(1)) != 1 {
		t.Fatal("expected exactly one result")
	}
}

// staleListStore serves a monitor list taken before another sweep committed.
type staleListStore struct {
	*memStore
	snapshot []models.Monitor
}

func (s *staleListStore) ListEnabled(context.Context) ([]models.Monitor, error) {
	return s.snapshot, nil
}

func TestSweepWithStaleListSkipsCheckedMonitor(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(monitorAt(1, nil))
	snapshot, _ := store.ListEnabled(ctx)

	var calls atomic.Int32
	prober := proberFunc(func(ctx context.Context, m *models.Monitor) (*Outcome, error) {
		calls.Add(1)
		return okProber(ctx, m)
	})
	listener := &recordingListener{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := NewScheduler(store, prober, WithListener(listener))
	if summary, _ := first.RunDueChecks(ctx, now); summary.Checked != 1 {
		t.Fatalf("first sweep summary = %+v", summary)
	}

	second := NewScheduler(&staleListStore{memStore: store, snapshot: snapshot}, prober, WithListener(listener))
	summary, err := second.RunDueChecks(ctx, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("RunDueChecks: %v", err)
	}
	want := Summary{Enabled: 1, Due: 1, Skipped: 1}
	if summary != want {
		t.Fatalf("second sweep summary = %+v, want %+v", summary, want)
	}
	if calls.Load() != 1 {
		t.Fatalf("probe ran %d times within one interval, want 1", calls.Load())
	}
	if n := len(store.resultsFor(1)); n != 1 {
		t.Fatalf("results = %d, want 1", n)
	}
	if len(listener.calls) != 1 {
		t.Fatalf("listener calls = %d, want 1", len(listener.calls))
	}

	// 间隔过后再次到期
	if summary, _ := second.RunDueChecks(ctx, now.Add(5*time.Minute)); summary.Checked != 1 {
		t.Fatalf("sweep after interval summary = %+v", summary)
	}
}

func TestSweepSkipsMonitorDisabledAfterListing(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(monitorAt(1, nil))
	snapshot, _ := store.ListEnabled(ctx)
	store.monitors[1].Enabled = false

	s := NewScheduler(&staleListStore{memStore: store, snapshot: snapshot}, proberFunc(okProber))
	summary, _ := s.RunDueChecks(ctx, time.Now())
	if summary.Skipped != 1 || summary.Checked != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	if len(store.resultsFor(1)) != 0 {
		t.Fatal("disabled monitor was checked")
	}
}

func TestCheckedAtUsesSweepTime(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(monitorAt(1, nil), monitorAt(2, nil))
	sweepAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := sweepAt.Add(time.Hour)
	s := NewScheduler(store, proberFunc(okProber), WithClock(func() time.Time { return clock }))

	if _, err := s.RunDueChecks(ctx, sweepAt); err != nil {
		t.Fatalf("RunDueChecks: %v", err)
	}
	for _, id := range []uint{1, 2} {
		r := store.resultsFor(id)
		if len(r) != 1 || !r[0].CheckedAt.Equal(sweepAt) {
			t.Fatalf("monitor %d: results %+v, want checked_at %v", id, r, sweepAt)
		}
		m, _ := store.Get(ctx, id)
		if m.LastCheckedAt == nil || !m.LastCheckedAt.Equal(sweepAt) {
			t.Fatalf("monitor %d: last_checked_at = %v", id, m.LastCheckedAt)
		}
	}

	// 手动触发使用调度器时钟
	r, err := s.TriggerCheck(ctx, 1)
	if err != nil {
		t.Fatalf("TriggerCheck: %v", err)
	}
	if !r.CheckedAt.Equal(clock) {
		t.Fatalf("manual check at %v, want %v", r.CheckedAt, clock)
	}
}

func TestTriggerCheck(t *testing.T) {
	recent := time.Now()
	store := newMemStore(monitorAt(1, &recent))
	s := NewScheduler(store, proberFunc(func(context.Context, *models.Monitor) (*Outcome, error) {
		return &Outcome{Success: false, Detail: "connection refused"}, nil
	}))

	r, err := s.TriggerCheck(context.Background(), 1)
	if err != nil {
		t.Fatalf("TriggerCheck: %v", err)
	}
	if r.Status != models.StatusDown || r.ErrorMessage == nil || *r.ErrorMessage != "connection refused" {
		t.Fatalf("unexpected result %+v", r)
	}

	if _, err := s.TriggerCheck(context.Background(), 99); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("missing monitor err = %v", err)
	}
}

type recordingSink struct {
	mu      sync.Mutex
	results []*models.CheckResult
}

func (r *recordingSink) WriteResult(_ context.Context, _ *models.Monitor, res *models.CheckResult, _ *Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func TestSinksReceivePersistedResults(t *testing.T) {
	store := newMemStore(monitorAt(1, nil), monitorAt(2, nil))
	store.failFor[2] = true
	sink := &recordingSink{}
	s := NewScheduler(store, proberFunc(okProber), WithSinks(sink))

	s.RunDueChecks(context.Background(), time.Now())
	if len(sink.results) != 1 || sink.results[0].MonitorID != 1 {
		t.Fatalf("sink results = %+v", sink.results)
	}
}
