package repository

import (
	"context"

	"affiliateledger/internal/model"

	"gorm.io/gorm"
)

type AuditRepository struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Create(ctx context.Context, tx *gorm.DB, entry *model.AuditLog) error {
	return conn(r.db, tx).WithContext(ctx).Create(entry).Error
}

func (r *AuditRepository) ListByEntity(ctx context.Context, entityType, entityNo string) ([]*model.AuditLog, error) {
	var logs []*model.AuditLog
	err := r.db.WithContext(ctx).
		Where("entity_type = ? AND entity_no = ?", entityType, entityNo).
		Order("id ASC").
		Find(&logs).Error
	return logs, err
}
