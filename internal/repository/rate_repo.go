package repository

import (
	"context"
	"time"

	"affiliateledger/internal/model"

	"gorm.io/gorm"
)

// RateRepository stores the append-only rate schedule and tier history.
// A new rate or tier never rewrites an older row.
type RateRepository struct {
	db *gorm.DB
}

func NewRateRepository(db *gorm.DB) *RateRepository {
	return &RateRepository{db: db}
}

func (r *RateRepository) CreateRate(ctx context.Context, tx *gorm.DB, rate *model.RateSchedule) error {
	return translate(conn(r.db, tx).WithContext(ctx).Create(rate).Error)
}

func (r *RateRepository) CreateTierChange(ctx context.Context, tx *gorm.DB, change *model.TierChange) error {
	return translate(conn(r.db, tx).WithContext(ctx).Create(change).Error)
}

// FindAffiliateRate returns the override in force for the affiliate at time at.
func (r *RateRepository) FindAffiliateRate(ctx context.Context, tx *gorm.DB, affiliateID int64, eventType string, tierLevel int, at time.Time) (*model.RateSchedule, error) {
	var rate model.RateSchedule
	err := conn(r.db, tx).WithContext(ctx).
		Where("affiliate_id = ? AND event_type = ? AND tier_level = ? AND effective_from <= ?",
			affiliateID, eventType, tierLevel, at).
		Order("effective_from DESC, id DESC").
		First(&rate).Error
	if err != nil {
		return nil, translate(err)
	}
	return &rate, nil
}

// FindTierRate returns the tier default in force at time at.
func (r *RateRepository) FindTierRate(ctx context.Context, tx *gorm.DB, tier, eventType string, tierLevel int, at time.Time) (*model.RateSchedule, error) {
	var rate model.RateSchedule
	err := conn(r.db, tx).WithContext(ctx).
		Where("affiliate_id IS NULL AND tier = ? AND event_type = ? AND tier_level = ? AND effective_from <= ?",
			tier, eventType, tierLevel, at).
		Order("effective_from DESC, id DESC").
		First(&rate).Error
	if err != nil {
		return nil, translate(err)
	}
	return &rate, nil
}

// HasTierDefault reports whether any default exists for the key, at any time.
func (r *RateRepository) HasTierDefault(ctx context.Context, tier, eventType string, tierLevel int) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&model.RateSchedule{}).
		Where("affiliate_id IS NULL AND tier = ? AND event_type = ? AND tier_level = ?", tier, eventType, tierLevel).
		Count(&n).Error
	return n > 0, err
}

// FindTierAt returns the tier recorded for the affiliate at time at.
func (r *RateRepository) FindTierAt(ctx context.Context, tx *gorm.DB, affiliateID int64, at time.Time) (*model.TierChange, error) {
	var change model.TierChange
	err := conn(r.db, tx).WithContext(ctx).
		Where("affiliate_id = ? AND effective_from <= ?", affiliateID, at).
		Order("effective_from DESC, id DESC").
		First(&change).Error
	if err != nil {
		return nil, translate(err)
	}
	return &change, nil
}

func (r *RateRepository) ListRates(ctx context.Context, affiliateID *int64, tier string) ([]*model.RateSchedule, error) {
	var rates []*model.RateSchedule
	query := r.db.WithContext(ctx).Model(&model.RateSchedule{})
	if affiliateID != nil {
		query = query.Where("affiliate_id = ?", *affiliateID)
	} else {
		query = query.Where("affiliate_id IS NULL")
	}
	if tier != "" {
		query = query.Where("tier = ?", tier)
	}
	err := query.Order("event_type ASC, tier_level ASC, effective_from DESC").Find(&rates).Error
	return rates, err
}

func (r *RateRepository) ListTierChanges(ctx context.Context, affiliateID int64) ([]*model.TierChange, error) {
	var changes []*model.TierChange
	err := r.db.WithContext(ctx).
		Where("affiliate_id = ?", affiliateID).
		Order("effective_from ASC, id ASC").
		Find(&changes).Error
	return changes, err
}
