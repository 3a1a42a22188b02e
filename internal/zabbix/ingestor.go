package zabbix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"uptime/internal/logger"
	"uptime/internal/models"
	"uptime/internal/repository"
	"uptime/pkg/metrics"

	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// Outcome 一次 webhook 投递的处理结果
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeRefreshed Outcome = "refreshed"
	OutcomeRecovered Outcome = "recovered"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDropped   Outcome = "dropped"
)

type HostStore interface {
	Get(ctx context.Context, id uint) (*models.Host, error)
	FindByExternalID(ctx context.Context, externalID string) (*models.Host, error)
	FindByName(ctx context.Context, name string) (*models.Host, error)
	Only(ctx context.Context) (*models.Host, error)
}

type EventStore interface {
	InsertIfAbsent(ctx context.Context, ev *models.AlertEvent) (bool, error)
	FindByExternalID(ctx context.Context, externalID string) (*models.AlertEvent, error)
	RefreshProblem(ctx context.Context, id uint, trigger string, severity models.Severity, raw datatypes.JSON) error
	MarkRecovered(ctx context.Context, id uint, at time.Time, raw datatypes.JSON) (bool, error)
	// FindOpenByPrefix returns the newest problem whose external id starts
	// with prefix.
	FindOpenByPrefix(ctx context.Context, prefix string) (*models.AlertEvent, error)
}

// EventListener receives every stored event change; previous is the
// lifecycle state before the change, empty for a new event.
type EventListener interface {
	OnAlertEvent(ctx context.Context, ev *models.AlertEvent, host *models.Host, previous models.EventStatus)
}

// Result describes what Ingest did with a payload.
type Result struct {
	Outcome         Outcome            `json:"outcome"`
	EventID         uint               `json:"event_id,omitempty"`
	ExternalEventID string             `json:"external_event_id,omitempty"`
	HostID          uint               `json:"host_id,omitempty"`
	Status          models.EventStatus `json:"status,omitempty"`
}

type Ingestor struct {
	hosts    HostStore
	events   EventStore
	listener EventListener

	singleHostFallback bool
	now                func() time.Time
}

type Option func(*Ingestor)

func WithListener(l EventListener) Option {
	return func(in *Ingestor) { in.listener = l }
}

// WithSingleHostFallback attributes payloads without any host reference to
// the only registered host.
func WithSingleHostFallback(enabled bool) Option {
	return func(in *Ingestor) { in.singleHostFallback = enabled }
}

func WithClock(now func() time.Time) Option {
	return func(in *Ingestor) { in.now = now }
}

func NewIngestor(hosts HostStore, events EventStore, opts ...Option) *Ingestor {
	in := &Ingestor{
		hosts:              hosts,
		events:             events,
		singleHostFallback: true,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Ingest normalizes and stores one webhook payload. A payload that cannot be
// attributed is dropped with ErrMalformedPayload; callers acknowledge the
// delivery either way.
func (in *Ingestor) Ingest(ctx context.Context, payload map[string]any) (*Result, error) {
	res, err := in.ingest(ctx, payload)
	if res != nil {
		metrics.AlertIngestTotal.WithLabelValues(string(res.Outcome)).Inc()
	}
	return res, err
}

func (in *Ingestor) ingest(ctx context.Context, payload map[string]any) (*Result, error) {
	now := in.now()
	n, err := Normalize(payload, now)
	if err != nil {
		logger.Warn("Dropping alert payload", zap.Any("payload", payload), zap.Error(err))
		return &Result{Outcome: OutcomeDropped}, err
	}
	if n.TimeSubstituted {
		logger.Debug("Alert event time replaced with ingestion time", zap.String("event_id", n.EventID))
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		raw = nil
	}

	if n.Status == models.EventOK {
		return in.recoverEvent(ctx, n, raw)
	}
	return in.openProblem(ctx, n, raw, payload, now)
}

func (in *Ingestor) openProblem(ctx context.Context, n Normalized, raw []byte, payload map[string]any, now time.Time) (*Result, error) {
	host, err := in.resolveHost(ctx, n)
	if errors.Is(err, repository.ErrNotFound) {
		logger.Warn("Dropping alert payload: host not resolved",
			zap.String("host_id", n.HostID),
			zap.String("host_name", n.HostName),
			zap.Any("payload", payload),
		)
		return &Result{Outcome: OutcomeDropped, ExternalEventID: n.EventID},
			fmt.Errorf("%w: host not resolved", ErrMalformedPayload)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve host: %w", err)
	}

	ev := &models.AlertEvent{
		HostID:          host.ID,
		ExternalEventID: n.EventID,
		TriggerName:     n.TriggerName,
		Severity:        n.Severity,
		Status:          models.EventProblem,
		EventTime:       n.EventTime,
		OpenedAt:        now,
		RawPayload:      datatypes.JSON(raw),
	}
	created, err := in.events.InsertIfAbsent(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	if created {
		logger.Info("Alert event created",
			zap.Uint("event_id", ev.ID),
			zap.String("external_event_id", n.EventID),
			zap.String("host", host.Name),
			zap.String("severity", string(n.Severity)),
		)
		in.notify(ctx, ev, host, "")
		return in.result(OutcomeCreated, ev), nil
	}

	existing, err := in.events.FindByExternalID(ctx, n.EventID)
	if err != nil {
		return nil, fmt.Errorf("load event: %w", err)
	}
	if existing.Status != models.EventProblem {
		// 已恢复或已关闭的事件不重新打开
		logger.Info("Problem for closed alert event ignored",
			zap.Uint("event_id", existing.ID),
			zap.String("status", string(existing.Status)),
		)
		return in.result(OutcomeIgnored, existing), nil
	}

	if err := in.events.RefreshProblem(ctx, existing.ID, n.TriggerName, n.Severity, datatypes.JSON(raw)); err != nil {
		return nil, fmt.Errorf("refresh event: %w", err)
	}
	existing.TriggerName = n.TriggerName
	existing.Severity = n.Severity
	// 通知是否已发送由 notification_sent 决定
	in.notify(ctx, existing, host, models.EventProblem)
	return in.result(OutcomeRefreshed, existing), nil
}

// recoverEvent closes an open problem. The host comes from the stored event, so
// recovery payloads need no host reference.
func (in *Ingestor) recoverEvent(ctx context.Context, n Normalized, raw []byte) (*Result, error) {
	existing, err := in.events.FindByExternalID(ctx, n.EventID)
	if errors.Is(err, repository.ErrNotFound) && n.IncidentKey != "" {
		// 无事件 ID 的恢复时间与故障时间不同，按主机和触发器匹配未关闭的故障
		existing, err = in.events.FindOpenByPrefix(ctx, n.IncidentKey+":")
	}
	if errors.Is(err, repository.ErrNotFound) {
		logger.Info("Recovery for unknown alert event ignored", zap.String("external_event_id", n.EventID))
		return &Result{Outcome: OutcomeIgnored, ExternalEventID: n.EventID, Status: models.EventOK}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load event: %w", err)
	}

	recovered, err := in.events.MarkRecovered(ctx, existing.ID, n.EventTime, datatypes.JSON(raw))
	if err != nil {
		return nil, fmt.Errorf("recover event: %w", err)
	}
	if !recovered {
		return in.result(OutcomeDuplicate, existing), nil
	}

	previous := existing.Status
	existing.Status = models.EventOK
	existing.RecoveredAt = &n.EventTime
	logger.Info("Alert event recovered",
		zap.Uint("event_id", existing.ID),
		zap.String("external_event_id", n.EventID),
	)

	host, err := in.hosts.Get(ctx, existing.HostID)
	if err != nil {
		logger.Error("Failed to load host of recovered event", zap.Uint("host_id", existing.HostID), zap.Error(err))
		return in.result(OutcomeRecovered, existing), nil
	}
	in.notify(ctx, existing, host, previous)
	return in.result(OutcomeRecovered, existing), nil
}

// resolveHost tries the Zabbix host id, then the name, then the single-host
// fallback when the payload carries no host reference at all.
func (in *Ingestor) resolveHost(ctx context.Context, n Normalized) (*models.Host, error) {
	if n.HostID != "" {
		h, err := in.hosts.FindByExternalID(ctx, n.HostID)
		if !errors.Is(err, repository.ErrNotFound) {
			return h, err
		}
	}
	if n.HostName != "" {
		h, err := in.hosts.FindByName(ctx, n.HostName)
		if !errors.Is(err, repository.ErrNotFound) {
			return h, err
		}
	}
	if n.HostID != "" || n.HostName != "" || !in.singleHostFallback {
		return nil, repository.ErrNotFound
	}

	h, err := in.hosts.Only(ctx)
	if err != nil {
		return nil, err
	}
	logger.Warn("Alert payload has no host reference, using the only registered host",
		zap.Uint("host_id", h.ID),
		zap.String("host", h.Name),
		zap.String("external_event_id", n.EventID),
	)
	return h, nil
}

func (in *Ingestor) notify(ctx context.Context, ev *models.AlertEvent, host *models.Host, previous models.EventStatus) {
	if in.listener == nil {
		return
	}
	in.listener.OnAlertEvent(context.WithoutCancel(ctx), ev, host, previous)
}

func (in *Ingestor) result(outcome Outcome, ev *models.AlertEvent) *Result {
	return &Result{
		Outcome:         outcome,
		EventID:         ev.ID,
		ExternalEventID: ev.ExternalEventID,
		HostID:          ev.HostID,
		Status:          ev.Status,
	}
}
