package repository

import (
	"context"
	"errors"
	"time"

	"uptime/internal/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AlertEventRepository 外部告警事件，按 external_event_id 去重
type AlertEventRepository struct {
	db *gorm.DB
}

func NewAlertEventRepository(db *gorm.DB) *AlertEventRepository {
	return &AlertEventRepository{db: db}
}

// InsertIfAbsent relies on the unique index on external_event_id, so
// concurrent deliveries of the same event create exactly one row.
func (r *AlertEventRepository) InsertIfAbsent(ctx context.Context, ev *models.AlertEvent) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "external_event_id"}},
			DoNothing: true,
		}).
		Create(ev)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *AlertEventRepository) FindByExternalID(ctx context.Context, externalID string) (*models.AlertEvent, error) {
	var ev models.AlertEvent
	err := r.db.WithContext(ctx).Where("external_event_id = ?", externalID).First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// FindOpenByPrefix returns the newest open problem whose external id starts
// with prefix. Prefixes are generated fingerprints and hold no wildcards.
func (r *AlertEventRepository) FindOpenByPrefix(ctx context.Context, prefix string) (*models.AlertEvent, error) {
	var events []models.AlertEvent
	err := r.db.WithContext(ctx).
		Where("external_event_id LIKE ? AND status = ?", prefix+"%", models.EventProblem).
		Order("id DESC").Limit(1).Find(&events).Error
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	return &events[0], nil
}

func (r *AlertEventRepository) Get(ctx context.Context, id uint) (*models.AlertEvent, error) {
	var ev models.AlertEvent
	err := r.db.WithContext(ctx).Preload("Host").First(&ev, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// RefreshProblem updates the descriptive fields of an event that is still open.
func (r *AlertEventRepository) RefreshProblem(ctx context.Context, id uint, trigger string, severity models.Severity, raw datatypes.JSON) error {
	return r.db.WithContext(ctx).Model(&models.AlertEvent{}).
		Where("id = ? AND status = ?", id, models.EventProblem).
		Updates(map[string]interface{}{
			"trigger_name": trigger,
			"severity":     severity,
			"raw_payload":  raw,
		}).Error
}

// ClaimNotification flips notification_sent false->true.
func (r *AlertEventRepository) ClaimNotification(ctx context.Context, id uint) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.AlertEvent{}).
		Where("id = ? AND notification_sent = ?", id, false).
		Update("notification_sent", true)
	return res.RowsAffected == 1, res.Error
}

// MarkRecovered moves an open problem to ok. It reports false when the
// event was not in problem state, which makes recovery delivery idempotent.
func (r *AlertEventRepository) MarkRecovered(ctx context.Context, id uint, at time.Time, raw datatypes.JSON) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.AlertEvent{}).
		Where("id = ? AND status = ?", id, models.EventProblem).
		Updates(map[string]interface{}{
			"status":       models.EventOK,
			"recovered_at": at,
			"raw_payload":  raw,
		})
	return res.RowsAffected == 1, res.Error
}

// Resolve closes an event manually. No notification is associated with it.
func (r *AlertEventRepository) Resolve(ctx context.Context, id uint, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.AlertEvent{}).
		Where("id = ? AND status = ?", id, models.EventProblem).
		Updates(map[string]interface{}{
			"status":       models.EventResolved,
			"recovered_at": at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *AlertEventRepository) Acknowledge(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Model(&models.AlertEvent{}).
		Where("id = ?", id).
		Update("acknowledged", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AlertEventFilter 列表查询条件
type AlertEventFilter struct {
	HostID *uint              `json:"host_id,omitempty"`
	Status models.EventStatus `json:"status,omitempty"`
	Limit  int                `json:"limit,omitempty"`
}

func (r *AlertEventRepository) List(ctx context.Context, f AlertEventFilter) ([]models.AlertEvent, error) {
	q := r.db.WithContext(ctx).Preload("Host").Order("opened_at DESC, id DESC")
	if f.HostID != nil {
		q = q.Where("host_id = ?", *f.HostID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var events []models.AlertEvent
	err := q.Limit(limit).Find(&events).Error
	return events, err
}

func (r *AlertEventRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.AlertEvent{}).Count(&n).Error
	return n, err
}
