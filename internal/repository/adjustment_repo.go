package repository

import (
	"context"
	"time"

	"affiliateledger/internal/model"

	"gorm.io/gorm"
)

type AdjustmentRepository struct {
	db *gorm.DB
}

func NewAdjustmentRepository(db *gorm.DB) *AdjustmentRepository {
	return &AdjustmentRepository{db: db}
}

func (r *AdjustmentRepository) Create(ctx context.Context, tx *gorm.DB, adj *model.AdjustmentRequest) error {
	return translate(conn(r.db, tx).WithContext(ctx).Create(adj).Error)
}

func (r *AdjustmentRepository) GetByNo(ctx context.Context, tx *gorm.DB, adjustmentNo string) (*model.AdjustmentRequest, error) {
	var adj model.AdjustmentRequest
	err := conn(r.db, tx).WithContext(ctx).Where("adjustment_no = ?", adjustmentNo).First(&adj).Error
	if err != nil {
		return nil, translate(err)
	}
	return &adj, nil
}

// AdjustmentUpdate carries the optional columns written with a transition.
type AdjustmentUpdate struct {
	ProcessedBy int64
	Notes       string
	EntryNo     string
}

// Transition moves the request from fromStatus to toStatus.
func (r *AdjustmentRepository) Transition(ctx context.Context, tx *gorm.DB, adjustmentNo, fromStatus, toStatus string, u AdjustmentUpdate, at time.Time) error {
	if !model.AdjustmentTransitions.CanTransition(fromStatus, toStatus) {
		return ErrStatusConflict
	}

	updates := map[string]interface{}{
		"status":       toStatus,
		"processed_by": u.ProcessedBy,
		"version":      gorm.Expr("version + 1"),
	}
	if u.Notes != "" {
		updates["notes"] = u.Notes
	}
	if u.EntryNo != "" {
		updates["entry_no"] = u.EntryNo
	}
	switch toStatus {
	case model.AdjustmentStatusInProgress:
		updates["in_progress_at"] = at
	case model.AdjustmentStatusApproved:
		updates["approved_at"] = at
	case model.AdjustmentStatusRejected:
		updates["rejected_at"] = at
	case model.AdjustmentStatusCompleted:
		updates["completed_at"] = at
	}

	result := conn(r.db, tx).WithContext(ctx).
		Model(&model.AdjustmentRequest{}).
		Where("adjustment_no = ? AND status = ?", adjustmentNo, fromStatus).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStatusConflict
	}
	return nil
}

type AdjustmentFilter struct {
	RequesterType string
	SubjectID     int64
	Status        string
}

func (r *AdjustmentRepository) List(ctx context.Context, f AdjustmentFilter, page, pageSize int) ([]*model.AdjustmentRequest, int64, error) {
	page, pageSize = normalizePage(page, pageSize)
	var adjustments []*model.AdjustmentRequest
	var total int64

	query := r.db.WithContext(ctx).Model(&model.AdjustmentRequest{})
	if f.RequesterType != "" {
		query = query.Where("requester_type = ?", f.RequesterType)
	}
	if f.SubjectID > 0 {
		query = query.Where("subject_id = ?", f.SubjectID)
	}
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := query.
		Order("created_at DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&adjustments).Error
	return adjustments, total, err
}
