package repository

import (
	"context"
	"time"

	"affiliateledger/internal/model"

	"gorm.io/gorm"
)

type PayoutRepository struct {
	db *gorm.DB
}

func NewPayoutRepository(db *gorm.DB) *PayoutRepository {
	return &PayoutRepository{db: db}
}

func (r *PayoutRepository) Create(ctx context.Context, tx *gorm.DB, payout *model.PayoutRequest) error {
	return translate(conn(r.db, tx).WithContext(ctx).Create(payout).Error)
}

func (r *PayoutRepository) GetByNo(ctx context.Context, tx *gorm.DB, payoutNo string) (*model.PayoutRequest, error) {
	var payout model.PayoutRequest
	err := conn(r.db, tx).WithContext(ctx).Where("payout_no = ?", payoutNo).First(&payout).Error
	if err != nil {
		return nil, translate(err)
	}
	return &payout, nil
}

func (r *PayoutRepository) GetByRequestID(ctx context.Context, affiliateID int64, requestID string) (*model.PayoutRequest, error) {
	var payout model.PayoutRequest
	err := r.db.WithContext(ctx).
		Where("affiliate_id = ? AND request_id = ?", affiliateID, requestID).
		First(&payout).Error
	if err != nil {
		return nil, translate(err)
	}
	return &payout, nil
}

// UpdateStatus moves the payout from fromStatus to toStatus and stamps the
// matching timestamp. reason is stored only for failures.
func (r *PayoutRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, payoutNo, fromStatus, toStatus, reason string, at time.Time) error {
	if !model.PayoutTransitions.CanTransition(fromStatus, toStatus) {
		return ErrStatusConflict
	}

	updates := map[string]interface{}{
		"status":  toStatus,
		"version": gorm.Expr("version + 1"),
	}
	switch toStatus {
	case model.PayoutStatusProcessing:
		updates["processing_at"] = at
	case model.PayoutStatusCompleted:
		updates["completed_at"] = at
	case model.PayoutStatusFailed:
		updates["failed_at"] = at
		updates["failure_reason"] = reason
	}

	result := conn(r.db, tx).WithContext(ctx).
		Model(&model.PayoutRequest{}).
		Where("payout_no = ? AND status = ?", payoutNo, fromStatus).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStatusConflict
	}
	return nil
}

// GetByStatusBefore feeds the background jobs: payouts in status whose last
// change is older than before.
func (r *PayoutRepository) GetByStatusBefore(ctx context.Context, status string, before time.Time, limit int) ([]*model.PayoutRequest, error) {
	var payouts []*model.PayoutRequest
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", status, before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&payouts).Error
	return payouts, err
}

type PayoutFilter struct {
	AffiliateID int64
	Status      string
	Currency    string
}

func (r *PayoutRepository) List(ctx context.Context, f PayoutFilter, page, pageSize int) ([]*model.PayoutRequest, int64, error) {
	page, pageSize = normalizePage(page, pageSize)
	var payouts []*model.PayoutRequest
	var total int64

	query := r.db.WithContext(ctx).Model(&model.PayoutRequest{})
	if f.AffiliateID > 0 {
		query = query.Where("affiliate_id = ?", f.AffiliateID)
	}
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}
	if f.Currency != "" {
		query = query.Where("currency = ?", f.Currency)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := query.
		Order("created_at DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&payouts).Error
	return payouts, total, err
}
