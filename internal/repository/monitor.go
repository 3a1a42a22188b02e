package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"uptime/internal/models"

	"gorm.io/gorm"
)

var ErrNotFound = errors.New("record not found")

// MonitorRepository 监控目标及检查结果的持久化
type MonitorRepository struct {
	db *gorm.DB
}

func NewMonitorRepository(db *gorm.DB) *MonitorRepository {
	return &MonitorRepository{db: db}
}

func (r *MonitorRepository) Create(ctx context.Context, m *models.Monitor) error {
	if m.CurrentStatus == "" {
		m.CurrentStatus = models.StatusUnknown
	}
	return r.db.WithContext(ctx).Create(m).Error
}

// Update saves configuration fields. Scheduler-owned state
// (current_status, last_checked_at, notification bookkeeping) is left alone.
func (r *MonitorRepository) Update(ctx context.Context, m *models.Monitor) error {
	res := r.db.WithContext(ctx).Model(&models.Monitor{}).Where("id = ?", m.ID).
		Select("user_id", "name", "target", "type", "check_interval", "timeout",
			"expected_status_code", "expected_content", "ssl_check", "port", "enabled",
			"notify_phones", "notify_emails", "notify_threshold", "updated_at").
		Updates(m)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *MonitorRepository) Get(ctx context.Context, id uint) (*models.Monitor, error) {
	var m models.Monitor
	if err := r.db.WithContext(ctx).First(&m, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (r *MonitorRepository) List(ctx context.Context) ([]models.Monitor, error) {
	var monitors []models.Monitor
	err := r.db.WithContext(ctx).Order("id").Find(&monitors).Error
	return monitors, err
}

func (r *MonitorRepository) ListEnabled(ctx context.Context) ([]models.Monitor, error) {
	var monitors []models.Monitor
	err := r.db.WithContext(ctx).Where("enabled = ?", true).Order("id").Find(&monitors).Error
	return monitors, err
}

// Delete removes the monitor together with its results.
func (r *MonitorRepository) Delete(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("monitor_id = ?", id).Delete(&models.CheckResult{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&models.Monitor{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// RecordCheck appends the result and moves the monitor's status in one
// transaction, so a result never exists without its status update.
func (r *MonitorRepository) RecordCheck(ctx context.Context, result *models.CheckResult) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(result).Error; err != nil {
			return fmt.Errorf("append result: %w", err)
		}
		res := tx.Model(&models.Monitor{}).Where("id = ?", result.MonitorID).
			Updates(map[string]interface{}{
				"current_status":  result.Status,
				"last_checked_at": result.CheckedAt,
			})
		if res.Error != nil {
			return fmt.Errorf("update status: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// CountConsecutiveFailures counts the non-up results written after the
// monitor's most recent up result.
func (r *MonitorRepository) CountConsecutiveFailures(ctx context.Context, monitorID uint) (int, error) {
	db := r.db.WithContext(ctx)

	var lastUp []models.CheckResult
	if err := db.Select("id").
		Where("monitor_id = ? AND status = ?", monitorID, models.StatusUp).
		Order("id DESC").Limit(1).Find(&lastUp).Error; err != nil {
		return 0, err
	}

	q := db.Model(&models.CheckResult{}).
		Where("monitor_id = ? AND status <> ?", monitorID, models.StatusUp)
	if len(lastUp) > 0 {
		q = q.Where("id > ?", lastUp[0].ID)
	}

	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, err
	}
	return int(n), nil
}

// ClaimProblemNotification flips problem_notified false->true. Only the
// caller that wins the flip may send the problem notification.
func (r *MonitorRepository) ClaimProblemNotification(ctx context.Context, monitorID uint, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Monitor{}).
		Where("id = ? AND problem_notified = ?", monitorID, false).
		Updates(map[string]interface{}{
			"problem_notified":     true,
			"last_notification_at": at,
		})
	return res.RowsAffected == 1, res.Error
}

// ClaimRecoveryNotification flips problem_notified true->false.
func (r *MonitorRepository) ClaimRecoveryNotification(ctx context.Context, monitorID uint, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Monitor{}).
		Where("id = ? AND problem_notified = ?", monitorID, true).
		Updates(map[string]interface{}{
			"problem_notified":     false,
			"last_notification_at": at,
		})
	return res.RowsAffected == 1, res.Error
}

// RecentResults 最近的检查结果，新的在前
func (r *MonitorRepository) RecentResults(ctx context.Context, monitorID uint, limit int) ([]models.CheckResult, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var results []models.CheckResult
	err := r.db.WithContext(ctx).Where("monitor_id = ?", monitorID).
		Order("checked_at DESC, id DESC").Limit(limit).Find(&results).Error
	return results, err
}

// UptimeStats 可用率统计
type UptimeStats struct {
	Total         int64   `json:"total"`
	Up            int64   `json:"up"`
	UptimePercent float64 `json:"uptime_percent"`
	AvgResponseMs float64 `json:"avg_response_ms"`
}

// Stats aggregates the results checked at or after since.
func (r *MonitorRepository) Stats(ctx context.Context, monitorID uint, since time.Time) (*UptimeStats, error) {
	var row struct {
		Total int64
		Up    int64
		Avg   *float64
	}
	err := r.db.WithContext(ctx).Model(&models.CheckResult{}).
		Select("COUNT(*) AS total, "+
			"COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS up, "+
			"AVG(response_time) AS avg", models.StatusUp).
		Where("monitor_id = ? AND checked_at >= ?", monitorID, since).
		Scan(&row).Error
	if err != nil {
		return nil, err
	}

	stats := &UptimeStats{Total: row.Total, Up: row.Up}
	if row.Total > 0 {
		stats.UptimePercent = float64(row.Up) * 100 / float64(row.Total)
	}
	if row.Avg != nil {
		stats.AvgResponseMs = *row.Avg
	}
	return stats, nil
}
