package repository

import (
	"context"

	"uptime/internal/models"

	"gorm.io/gorm"
)

// NotificationLogRepository 通知发送记录
type NotificationLogRepository struct {
	db *gorm.DB
}

func NewNotificationLogRepository(db *gorm.DB) *NotificationLogRepository {
	return &NotificationLogRepository{db: db}
}

func (r *NotificationLogRepository) RecordNotification(ctx context.Context, entry *models.NotificationLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

// ListBySource 某个监控或告警事件的通知记录
func (r *NotificationLogRepository) ListBySource(ctx context.Context, source string, sourceID uint) ([]models.NotificationLog, error) {
	var logs []models.NotificationLog
	err := r.db.WithContext(ctx).
		Where("source = ? AND source_id = ?", source, sourceID).
		Order("id").Find(&logs).Error
	return logs, err
}
