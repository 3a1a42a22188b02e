package repository

import (
	"context"
	"errors"

	"uptime/internal/models"

	"gorm.io/gorm"
)

// HostRepository 外部告警主机
type HostRepository struct {
	db *gorm.DB
}

func NewHostRepository(db *gorm.DB) *HostRepository {
	return &HostRepository{db: db}
}

func (r *HostRepository) Create(ctx context.Context, h *models.Host) error {
	if h.MinSeverity == "" {
		h.MinSeverity = models.SeverityNotClassified
	}
	return r.db.WithContext(ctx).Create(h).Error
}

func (r *HostRepository) Get(ctx context.Context, id uint) (*models.Host, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *HostRepository) List(ctx context.Context) ([]models.Host, error) {
	var hosts []models.Host
	err := r.db.WithContext(ctx).Order("id").Find(&hosts).Error
	return hosts, err
}

// Delete removes the host and every alert event it owns.
func (r *HostRepository) Delete(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("host_id = ?", id).Delete(&models.AlertEvent{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&models.Host{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (r *HostRepository) FindByExternalID(ctx context.Context, externalID string) (*models.Host, error) {
	return r.first(ctx, "external_host_id = ?", externalID)
}

// FindByName matches either the visible name or the technical hostname.
func (r *HostRepository) FindByName(ctx context.Context, name string) (*models.Host, error) {
	h, err := r.first(ctx, "name = ?", name)
	if errors.Is(err, ErrNotFound) {
		return r.first(ctx, "hostname = ?", name)
	}
	return h, err
}

// Only returns the host when exactly one is registered.
func (r *HostRepository) Only(ctx context.Context) (*models.Host, error) {
	var hosts []models.Host
	if err := r.db.WithContext(ctx).Limit(2).Find(&hosts).Error; err != nil {
		return nil, err
	}
	if len(hosts) != 1 {
		return nil, ErrNotFound
	}
	return &hosts[0], nil
}

func (r *HostRepository) first(ctx context.Context, query string, args ...interface{}) (*models.Host, error) {
	var hosts []models.Host
	if err := r.db.WithContext(ctx).Where(query, args...).Order("id").Limit(1).Find(&hosts).Error; err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return nil, ErrNotFound
	}
	return &hosts[0], nil
}
