package repository

import (
	"context"

	"affiliateledger/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BalanceRepository maintains affiliate_balance, the cached per-currency view.
type BalanceRepository struct {
	db *gorm.DB
}

func NewBalanceRepository(db *gorm.DB) *BalanceRepository {
	return &BalanceRepository{db: db}
}

type balanceRow struct {
	Status    string
	ClaimedBy *string
	Amount    decimal.Decimal
}

// Compute folds the affiliate's entries in currency into a balance.
// Sums are done in decimal on the Go side so the result does not depend on
// how the backend aggregates numeric columns.
func (r *BalanceRepository) Compute(ctx context.Context, tx *gorm.DB, affiliateID int64, currency string) (*model.AffiliateBalance, error) {
	var rows []balanceRow
	err := conn(r.db, tx).WithContext(ctx).
		Model(&model.CommissionEntry{}).
		Select("status", "claimed_by", "amount").
		Where("affiliate_id = ? AND currency = ?", affiliateID, currency).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	b := &model.AffiliateBalance{
		AffiliateID: affiliateID,
		Currency:    currency,
		Earned:      decimal.Zero,
		Pending:     decimal.Zero,
		Approved:    decimal.Zero,
		Claimed:     decimal.Zero,
		Paid:        decimal.Zero,
		Cancelled:   decimal.Zero,
	}
	for _, row := range rows {
		switch row.Status {
		case model.EntryStatusPending:
			b.Pending = b.Pending.Add(row.Amount)
		case model.EntryStatusApproved:
			if row.ClaimedBy != nil && *row.ClaimedBy != "" {
				b.Claimed = b.Claimed.Add(row.Amount)
			} else {
				b.Approved = b.Approved.Add(row.Amount)
			}
		case model.EntryStatusPaid:
			b.Paid = b.Paid.Add(row.Amount)
		case model.EntryStatusCancelled:
			b.Cancelled = b.Cancelled.Add(row.Amount)
			continue
		}
		b.Earned = b.Earned.Add(row.Amount)
	}
	return b, nil
}

// Refresh recomputes and upserts the cached balance. Call it inside the
// transaction that changed the entries.
func (r *BalanceRepository) Refresh(ctx context.Context, tx *gorm.DB, affiliateID int64, currency string) (*model.AffiliateBalance, error) {
	b, err := r.Compute(ctx, tx, affiliateID, currency)
	if err != nil {
		return nil, err
	}
	err = conn(r.db, tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "affiliate_id"}, {Name: "currency"}},
			DoUpdates: clause.AssignmentColumns([]string{"earned", "pending", "approved", "claimed", "paid", "cancelled", "updated_at"}),
		}).
		Create(b).Error
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (r *BalanceRepository) ListByAffiliate(ctx context.Context, affiliateID int64) ([]*model.AffiliateBalance, error) {
	var balances []*model.AffiliateBalance
	err := r.db.WithContext(ctx).
		Where("affiliate_id = ?", affiliateID).
		Order("currency ASC").
		Find(&balances).Error
	return balances, err
}
