package alert

import (
	"context"
	"errors"
	"sync"
	"time"

	"uptime/internal/logger"
	"uptime/internal/models"
	"uptime/pkg/metrics"

	"go.uber.org/zap"
)

const (
	KindProblem  = "problem"
	KindRecovery = "recovery"

	SourceMonitor    = "monitor"
	SourceAlertEvent = "alert_event"
)

// MonitorStore holds the per-streak notification bookkeeping of monitors.
type MonitorStore interface {
	CountConsecutiveFailures(ctx context.Context, monitorID uint) (int, error)
	// ClaimProblemNotification flips problem_notified false->true.
	ClaimProblemNotification(ctx context.Context, monitorID uint, at time.Time) (bool, error)
	// ClaimRecoveryNotification flips problem_notified true->false.
	ClaimRecoveryNotification(ctx context.Context, monitorID uint, at time.Time) (bool, error)
}

type EventStore interface {
	// ClaimNotification flips notification_sent false->true.
	ClaimNotification(ctx context.Context, eventID uint) (bool, error)
}

type NotificationRecorder interface {
	RecordNotification(ctx context.Context, entry *models.NotificationLog) error
}

// Gate decides when a status change becomes a notification. Every send is
// claimed with a compare-and-set first, so repeated or concurrent calls for
// the same transition notify at most once.
type Gate struct {
	monitors MonitorStore
	events   EventStore
	notifier Notifier
	recorder NotificationRecorder

	enabled     bool
	sendTimeout time.Duration
	now         func() time.Time
}

type GateOption func(*Gate)

func WithRecorder(r NotificationRecorder) GateOption {
	return func(g *Gate) { g.recorder = r }
}

func WithSendTimeout(d time.Duration) GateOption {
	return func(g *Gate) {
		if d > 0 {
			g.sendTimeout = d
		}
	}
}

// WithEnabled turns all notifications on or off.
func WithEnabled(enabled bool) GateOption {
	return func(g *Gate) { g.enabled = enabled }
}

func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

func NewGate(monitors MonitorStore, events EventStore, notifier Notifier, opts ...GateOption) *Gate {
	g := &Gate{
		monitors:    monitors,
		events:      events,
		notifier:    notifier,
		enabled:     true,
		sendTimeout: 15 * time.Second,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// OnStatusSettled is called after every persisted check.
func (g *Gate) OnStatusSettled(ctx context.Context, m *models.Monitor, previous, current models.Status, detail string) {
	if !g.enabled {
		return
	}

	switch {
	case current.Failing():
		g.monitorProblem(ctx, m, current, detail)
	case current == models.StatusUp && previous.Failing():
		g.monitorRecovery(ctx, m)
	}
}

func (g *Gate) monitorProblem(ctx context.Context, m *models.Monitor, current models.Status, detail string) {
	failures, err := g.monitors.CountConsecutiveFailures(ctx, m.ID)
	if err != nil {
		logger.Error("Failed to count consecutive failures", zap.Uint("monitor_id", m.ID), zap.Error(err))
		return
	}
	threshold := max(m.NotifyThreshold, 1)
	if failures < threshold {
		logger.Debug("Failure below notify threshold",
			zap.Uint("monitor_id", m.ID),
			zap.Int("failures", failures),
			zap.Int("threshold", threshold),
		)
		return
	}

	now := g.now()
	claimed, err := g.monitors.ClaimProblemNotification(ctx, m.ID, now)
	if err != nil {
		logger.Error("Failed to claim problem notification", zap.Uint("monitor_id", m.ID), zap.Error(err))
		return
	}
	if !claimed {
		// 本次故障已通知过
		return
	}

	logger.Info("Monitor problem notification",
		zap.Uint("monitor_id", m.ID),
		zap.String("status", string(current)),
		zap.Int("failures", failures),
	)
	msg := MonitorProblemMessage(m, current, detail, now)
	g.dispatch(ctx, SourceMonitor, m.ID, KindProblem, m.NotifyPhones, m.NotifyEmails, msg)
}

func (g *Gate) monitorRecovery(ctx context.Context, m *models.Monitor) {
	now := g.now()
	claimed, err := g.monitors.ClaimRecoveryNotification(ctx, m.ID, now)
	if err != nil {
		logger.Error("Failed to claim recovery notification", zap.Uint("monitor_id", m.ID), zap.Error(err))
		return
	}
	if !claimed {
		// 故障期间未发出过通知，恢复时也不通知
		return
	}

	logger.Info("Monitor recovery notification", zap.Uint("monitor_id", m.ID))
	msg := MonitorRecoveryMessage(m, now)
	g.dispatch(ctx, SourceMonitor, m.ID, KindRecovery, m.NotifyPhones, m.NotifyEmails, msg)
}

// OnAlertEvent is called by the ingestor after an event was created,
// refreshed or recovered. previous is the lifecycle before this payload.
func (g *Gate) OnAlertEvent(ctx context.Context, ev *models.AlertEvent, host *models.Host, previous models.EventStatus) {
	if !g.enabled || host == nil {
		return
	}
	if !host.Enabled {
		logger.Debug("Host notifications disabled", zap.Uint("host_id", host.ID))
		return
	}

	switch {
	case ev.Status == models.EventProblem:
		if !ev.Severity.AtLeast(host.MinSeverity) {
			logger.Debug("Event below host minimum severity",
				zap.Uint("event_id", ev.ID),
				zap.String("severity", string(ev.Severity)),
				zap.String("min_severity", string(host.MinSeverity)),
			)
			return
		}
		claimed, err := g.events.ClaimNotification(ctx, ev.ID)
		if err != nil {
			logger.Error("Failed to claim event notification", zap.Uint("event_id", ev.ID), zap.Error(err))
			return
		}
		if !claimed {
			return
		}
		ev.NotificationSent = true
		g.dispatch(ctx, SourceAlertEvent, ev.ID, KindProblem, host.NotifyPhones, host.NotifyEmails,
			EventProblemMessage(ev, host))

	case ev.Status == models.EventOK && previous == models.EventProblem:
		if !ev.NotificationSent {
			return
		}
		g.dispatch(ctx, SourceAlertEvent, ev.ID, KindRecovery, host.NotifyPhones, host.NotifyEmails,
			EventRecoveryMessage(ev, host))
	}
}

// dispatch sends to every address concurrently. Failures are logged,
// counted and recorded but never returned.
func (g *Gate) dispatch(ctx context.Context, source string, sourceID uint, kind string, phones, emails []string, message string) {
	var wg sync.WaitGroup
	send := func(channel Channel, address string) {
		defer wg.Done()
		g.send(ctx, source, sourceID, kind, channel, address, message)
	}

	for _, phone := range phones {
		wg.Add(1)
		go send(ChannelSMS, phone)
	}
	for _, email := range emails {
		wg.Add(1)
		go send(ChannelEmail, email)
	}
	wg.Wait()
}

func (g *Gate) send(ctx context.Context, source string, sourceID uint, kind string, channel Channel, address, message string) {
	sendCtx, cancel := context.WithTimeout(ctx, g.sendTimeout)
	defer cancel()

	err := g.notifier.Send(sendCtx, channel, address, message)

	result := "sent"
	entry := &models.NotificationLog{
		Source:   source,
		SourceID: sourceID,
		Kind:     kind,
		Channel:  string(channel),
		Address:  address,
		Message:  message,
		Success:  err == nil,
		SentAt:   g.now(),
	}
	if err != nil {
		result = "failed"
		if errors.Is(err, ErrChannelDisabled) {
			result = "disabled"
		}
		entry.Error = err.Error()
		logger.Warn("Notification send failed",
			zap.String("source", source),
			zap.Uint("source_id", sourceID),
			zap.String("kind", kind),
			zap.String("channel", string(channel)),
			zap.String("address", address),
			zap.Error(err),
		)
	} else {
		logger.Info("Notification sent",
			zap.String("source", source),
			zap.Uint("source_id", sourceID),
			zap.String("kind", kind),
			zap.String("channel", string(channel)),
			zap.String("address", address),
		)
	}
	metrics.NotificationsTotal.WithLabelValues(string(channel), kind, result).Inc()

	if g.recorder != nil {
		if err := g.recorder.RecordNotification(context.WithoutCancel(ctx), entry); err != nil {
			logger.Error("Failed to record notification", zap.Error(err))
		}
	}
}
