package monitor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"uptime/internal/logger"
	"uptime/internal/models"
	"uptime/pkg/distributed"
	"uptime/pkg/metrics"

	"go.uber.org/zap"
)

var (
	// ErrCheckInFlight is returned by TriggerCheck when the monitor is
	// already being checked.
	ErrCheckInFlight = errors.New("check already in flight")
	ErrCheckCanceled = errors.New("check canceled before completion")
	// ErrNotDue is returned when another sweep checked the monitor after
	// this sweep listed it.
	ErrNotDue = errors.New("monitor no longer due")
)

// Store is the persistence the scheduler needs.
type Store interface {
	ListEnabled(ctx context.Context) ([]models.Monitor, error)
	Get(ctx context.Context, id uint) (*models.Monitor, error)
	// RecordCheck appends the result and updates current_status and
	// last_checked_at in one transaction.
	RecordCheck(ctx context.Context, result *models.CheckResult) error
}

type Prober interface {
	Probe(ctx context.Context, m *models.Monitor) (*Outcome, error)
}

// StatusListener is told about every persisted status.
type StatusListener interface {
	OnStatusSettled(ctx context.Context, m *models.Monitor, previous, current models.Status, detail string)
}

type Locker interface {
	TryLock(ctx context.Context, key string) (release func(), ok bool, err error)
}

// ResultSink receives persisted results; failures stay inside the sink.
type ResultSink interface {
	WriteResult(ctx context.Context, m *models.Monitor, r *models.CheckResult, out *Outcome)
}

// Summary 一次巡检的统计
type Summary struct {
	Enabled int `json:"enabled"`
	Due     int `json:"due"`
	Checked int `json:"checked"`
	// Skipped counts due monitors that were in flight elsewhere, already
	// checked by a concurrent sweep, or cut short by cancellation.
	Skipped int `json:"skipped"`
	// Failed counts due monitors whose result could not be persisted.
	Failed int `json:"failed"`
}

type Scheduler struct {
	store    Store
	prober   Prober
	listener StatusListener
	locker   Locker
	sinks    []ResultSink

	workers  int
	tick     time.Duration
	now      func() time.Time
	evaluate func(*Outcome, *models.Monitor) Evaluation
}

type SchedulerOption func(*Scheduler)

// WithWorkers bounds concurrent checks per sweep; 1 runs them sequentially.
func WithWorkers(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

func WithTick(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

func WithListener(l StatusListener) SchedulerOption {
	return func(s *Scheduler) { s.listener = l }
}

func WithLocker(l Locker) SchedulerOption {
	return func(s *Scheduler) { s.locker = l }
}

func WithSinks(sinks ...ResultSink) SchedulerOption {
	return func(s *Scheduler) { s.sinks = append(s.sinks, sinks...) }
}

func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

func NewScheduler(store Store, prober Prober, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:    store,
		prober:   prober,
		workers:  4,
		tick:     time.Minute,
		now:      time.Now,
		evaluate: Evaluate,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.locker == nil {
		s.locker = distributed.NewLocker(nil, 0)
	}
	return s
}

// Run sweeps immediately and then on every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	logger.Info("Scheduler started",
		zap.Duration("tick", s.tick),
		zap.Int("workers", s.workers),
	)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		if _, err := s.RunDueChecks(ctx, s.now()); err != nil {
			logger.Error("Sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			logger.Info("Scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunDueChecks checks every enabled monitor that is due at now.
func (s *Scheduler) RunDueChecks(ctx context.Context, now time.Time) (Summary, error) {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	monitors, err := s.store.ListEnabled(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to list enabled monitors: %w", err)
	}

	summary := Summary{Enabled: len(monitors)}
	var due []*models.Monitor
	for i := range monitors {
		if monitors[i].IsDue(now) {
			due = append(due, &monitors[i])
		}
	}
	summary.Due = len(due)

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, s.workers)
	)
	record := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err == nil:
			summary.Checked++
		case errors.Is(err, ErrCheckInFlight), errors.Is(err, ErrCheckCanceled), errors.Is(err, ErrNotDue):
			summary.Skipped++
		default:
			summary.Failed++
		}
	}

	for _, m := range due {
		if ctx.Err() != nil {
			record(ErrCheckCanceled)
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			record(ErrCheckCanceled)
			continue
		}

		wg.Add(1)
		go func(m *models.Monitor) {
			defer wg.Done()
			defer func() { <-sem }()
			_, err := s.checkMonitor(ctx, m, now, false)
			record(err)
		}(m)
	}
	wg.Wait()

	logger.Info("Sweep finished",
		zap.Int("enabled", summary.Enabled),
		zap.Int("due", summary.Due),
		zap.Int("checked", summary.Checked),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
		zap.Duration("elapsed", time.Since(start)),
	)
	return summary, nil
}

// TriggerCheck checks one monitor now, regardless of whether it is due.
func (s *Scheduler) TriggerCheck(ctx context.Context, id uint) (*models.CheckResult, error) {
	m, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	return s.checkMonitor(ctx, m, s.now(), true)
}

func lockKey(id uint) string {
	return "monitor:" + strconv.FormatUint(uint64(id), 10)
}

// checkMonitor runs probe, evaluate, persist and notify for one monitor.
// checkedAt is the time written to the result and last_checked_at. Unless
// force is set, the monitor is reloaded under the lock and skipped when it
// is no longer due at checkedAt.
func (s *Scheduler) checkMonitor(ctx context.Context, m *models.Monitor, checkedAt time.Time, force bool) (*models.CheckResult, error) {
	release, ok, err := s.locker.TryLock(ctx, lockKey(m.ID))
	if err != nil {
		logger.Warn("Failed to acquire monitor lock", zap.Uint("monitor_id", m.ID), zap.Error(err))
		return nil, ErrCheckInFlight
	}
	if !ok {
		logger.Debug("Monitor check already in flight", zap.Uint("monitor_id", m.ID))
		return nil, ErrCheckInFlight
	}
	defer release()

	if !force {
		fresh, err := s.store.Get(ctx, m.ID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ErrCheckCanceled
			}
			return nil, fmt.Errorf("failed to reload monitor %d: %w", m.ID, err)
		}
		if !fresh.Enabled || !fresh.IsDue(checkedAt) {
			logger.Debug("Monitor no longer due", zap.Uint("monitor_id", m.ID))
			return nil, ErrNotDue
		}
		m = fresh
	}

	metrics.ChecksInFlight.Inc()
	defer metrics.ChecksInFlight.Dec()

	out, probeErr := s.safeProbe(ctx, m)
	if ctx.Err() != nil {
		// 巡检被取消，丢弃未完成的探测结果
		logger.Info("Check discarded after cancellation", zap.Uint("monitor_id", m.ID))
		return nil, ErrCheckCanceled
	}

	var eval Evaluation
	if probeErr != nil {
		eval = Evaluation{Status: models.StatusDown, Detail: probeErr.Error()}
	} else {
		if out.CheckedAt.IsZero() {
			out.CheckedAt = checkedAt
		}
		eval = s.safeEvaluate(out, m)
	}

	result := &models.CheckResult{
		MonitorID: m.ID,
		Status:    eval.Status,
		CheckedAt: checkedAt,
	}
	if out != nil {
		elapsed := out.ElapsedMs
		result.ResponseTime = &elapsed
		result.StatusCode = out.StatusCode
		metrics.CheckDuration.WithLabelValues(string(m.Type)).Observe(float64(out.ElapsedMs) / 1000)
	}
	if eval.Status != models.StatusUp {
		detail := eval.Detail
		result.ErrorMessage = &detail
	}

	// 探测已完成，持久化与通知不受取消影响
	persistCtx := context.WithoutCancel(ctx)
	if err := s.store.RecordCheck(persistCtx, result); err != nil {
		logger.Error("Failed to record check result",
			zap.Uint("monitor_id", m.ID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to record check for monitor %d: %w", m.ID, err)
	}
	metrics.ChecksTotal.WithLabelValues(string(m.Type), string(eval.Status)).Inc()

	previous := m.CurrentStatus
	m.CurrentStatus = eval.Status
	m.LastCheckedAt = &checkedAt

	logger.Debug("Monitor checked",
		zap.Uint("monitor_id", m.ID),
		zap.String("name", m.Name),
		zap.String("previous", string(previous)),
		zap.String("status", string(eval.Status)),
		zap.String("detail", eval.Detail),
	)

	if s.listener != nil {
		s.listener.OnStatusSettled(persistCtx, m, previous, eval.Status, eval.Detail)
	}
	for _, sink := range s.sinks {
		sink.WriteResult(persistCtx, m, result, out)
	}

	return result, nil
}

func (s *Scheduler) safeProbe(ctx context.Context, m *models.Monitor) (out *Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Probe panicked", zap.Uint("monitor_id", m.ID), zap.Any("panic", r))
			out, err = nil, fmt.Errorf("internal error: %v", r)
		}
	}()
	return s.prober.Probe(ctx, m)
}

func (s *Scheduler) safeEvaluate(out *Outcome, m *models.Monitor) (eval Evaluation) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Evaluation panicked", zap.Uint("monitor_id", m.ID), zap.Any("panic", r))
			eval = Evaluation{Status: models.StatusDown, Detail: fmt.Sprintf("evaluation error: %v", r)}
		}
	}()
	return s.evaluate(out, m)
}
