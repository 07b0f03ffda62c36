package repository

import (
	"context"
	"errors"
	"time"

	"affiliateledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CommissionRepository is the append-only commission ledger.
// Amounts are never updated; only status, claim and status timestamps move.
type CommissionRepository struct {
	db *gorm.DB
}

func NewCommissionRepository(db *gorm.DB) *CommissionRepository {
	return &CommissionRepository{db: db}
}

// Create inserts an entry. A repeated idempotency key yields ErrDuplicateKey.
func (r *CommissionRepository) Create(ctx context.Context, tx *gorm.DB, entry *model.CommissionEntry) error {
	return translate(conn(r.db, tx).WithContext(ctx).Create(entry).Error)
}

func (r *CommissionRepository) GetByNo(ctx context.Context, tx *gorm.DB, entryNo string) (*model.CommissionEntry, error) {
	var entry model.CommissionEntry
	err := conn(r.db, tx).WithContext(ctx).Where("entry_no = ?", entryNo).First(&entry).Error
	if err != nil {
		return nil, translate(err)
	}
	return &entry, nil
}

// GetByNoForUpdate reads the entry under a row lock held until tx ends.
func (r *CommissionRepository) GetByNoForUpdate(ctx context.Context, tx *gorm.DB, entryNo string) (*model.CommissionEntry, error) {
	var entry model.CommissionEntry
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("entry_no = ?", entryNo).
		First(&entry).Error
	if err != nil {
		return nil, translate(err)
	}
	return &entry, nil
}

// ListCorrections returns the manual entries booked against entryNo that
// have not been cancelled.
func (r *CommissionRepository) ListCorrections(ctx context.Context, tx *gorm.DB, entryNo string) ([]*model.CommissionEntry, error) {
	var entries []*model.CommissionEntry
	err := conn(r.db, tx).WithContext(ctx).
		Where("reference_entry_no = ? AND event_type = ? AND status <> ?", entryNo, model.EventTypeManual, model.EntryStatusCancelled).
		Order("id ASC").
		Find(&entries).Error
	return entries, err
}

func (r *CommissionRepository) GetByNos(ctx context.Context, tx *gorm.DB, entryNos []string) ([]*model.CommissionEntry, error) {
	var entries []*model.CommissionEntry
	if len(entryNos) == 0 {
		return entries, nil
	}
	err := conn(r.db, tx).WithContext(ctx).
		Where("entry_no IN ?", entryNos).
		Order("created_at ASC, id ASC").
		Find(&entries).Error
	return entries, err
}

func (r *CommissionRepository) GetByIdempotencyKeys(ctx context.Context, tx *gorm.DB, keys []string) ([]*model.CommissionEntry, error) {
	var entries []*model.CommissionEntry
	if len(keys) == 0 {
		return entries, nil
	}
	err := conn(r.db, tx).WithContext(ctx).
		Where("idempotency_key IN ?", keys).
		Order("tier_level ASC").
		Find(&entries).Error
	return entries, err
}

// ListEligible returns approved, unclaimed entries oldest first.
func (r *CommissionRepository) ListEligible(ctx context.Context, tx *gorm.DB, affiliateID int64, currency string) ([]*model.CommissionEntry, error) {
	var entries []*model.CommissionEntry
	err := conn(r.db, tx).WithContext(ctx).
		Where("affiliate_id = ? AND currency = ? AND status = ? AND claimed_by IS NULL",
			affiliateID, currency, model.EntryStatusApproved).
		Order("created_at ASC, id ASC").
		Find(&entries).Error
	return entries, err
}

func (r *CommissionRepository) ListByClaim(ctx context.Context, tx *gorm.DB, payoutNo string) ([]*model.CommissionEntry, error) {
	var entries []*model.CommissionEntry
	err := conn(r.db, tx).WithContext(ctx).
		Where("claimed_by = ?", payoutNo).
		Order("created_at ASC, id ASC").
		Find(&entries).Error
	return entries, err
}

// Claim reserves the entries for payoutNo. It only touches approved,
// unclaimed rows and returns how many it took; the caller rolls back when
// the count is short.
func (r *CommissionRepository) Claim(ctx context.Context, tx *gorm.DB, entryNos []string, payoutNo string) (int64, error) {
	result := conn(r.db, tx).WithContext(ctx).
		Model(&model.CommissionEntry{}).
		Where("entry_no IN ? AND status = ? AND claimed_by IS NULL", entryNos, model.EntryStatusApproved).
		Updates(map[string]interface{}{
			"claimed_by": payoutNo,
			"version":    gorm.Expr("version + 1"),
		})
	return result.RowsAffected, result.Error
}

// ReleaseClaim returns the payout's entries to the eligible pool.
func (r *CommissionRepository) ReleaseClaim(ctx context.Context, tx *gorm.DB, payoutNo string) (int64, error) {
	result := conn(r.db, tx).WithContext(ctx).
		Model(&model.CommissionEntry{}).
		Where("claimed_by = ? AND status = ?", payoutNo, model.EntryStatusApproved).
		Updates(map[string]interface{}{
			"claimed_by": nil,
			"version":    gorm.Expr("version + 1"),
		})
	return result.RowsAffected, result.Error
}

// MarkPaidByClaim settles every approved entry reserved by payoutNo.
func (r *CommissionRepository) MarkPaidByClaim(ctx context.Context, tx *gorm.DB, payoutNo string, at time.Time) (int64, error) {
	result := conn(r.db, tx).WithContext(ctx).
		Model(&model.CommissionEntry{}).
		Where("claimed_by = ? AND status = ?", payoutNo, model.EntryStatusApproved).
		Updates(map[string]interface{}{
			"status":  model.EntryStatusPaid,
			"paid_at": at,
			"version": gorm.Expr("version + 1"),
		})
	return result.RowsAffected, result.Error
}

// UpdateStatus moves a single entry from fromStatus to toStatus. Claimed
// entries cannot be cancelled.
func (r *CommissionRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, entryNo, fromStatus, toStatus string, at time.Time) error {
	if !model.EntryTransitions.CanTransition(fromStatus, toStatus) {
		return ErrStatusConflict
	}

	updates := map[string]interface{}{
		"status":  toStatus,
		"version": gorm.Expr("version + 1"),
	}
	switch toStatus {
	case model.EntryStatusApproved:
		updates["approved_at"] = at
	case model.EntryStatusPaid:
		updates["paid_at"] = at
	case model.EntryStatusCancelled:
		updates["cancelled_at"] = at
	}

	query := conn(r.db, tx).WithContext(ctx).
		Model(&model.CommissionEntry{}).
		Where("entry_no = ? AND status = ?", entryNo, fromStatus)
	if toStatus == model.EntryStatusCancelled {
		query = query.Where("claimed_by IS NULL")
	}

	result := query.Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStatusConflict
	}
	return nil
}

// ApprovePending approves every listed entry still pending and returns the
// entries that actually moved.
func (r *CommissionRepository) ApprovePending(ctx context.Context, tx *gorm.DB, entryNos []string, at time.Time) ([]*model.CommissionEntry, error) {
	var approved []*model.CommissionEntry
	for _, no := range entryNos {
		err := r.UpdateStatus(ctx, tx, no, model.EntryStatusPending, model.EntryStatusApproved, at)
		if errors.Is(err, ErrStatusConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		entry, err := r.GetByNo(ctx, tx, no)
		if err != nil {
			return nil, err
		}
		approved = append(approved, entry)
	}
	return approved, nil
}

type EntryFilter struct {
	AffiliateID int64
	Status      string
	EventType   string
	Currency    string
	ClaimedBy   string
	From        *time.Time
	To          *time.Time
}

func (r *CommissionRepository) List(ctx context.Context, f EntryFilter, page, pageSize int) ([]*model.CommissionEntry, int64, error) {
	page, pageSize = normalizePage(page, pageSize)
	var entries []*model.CommissionEntry
	var total int64

	query := r.db.WithContext(ctx).Model(&model.CommissionEntry{})
	if f.AffiliateID > 0 {
		query = query.Where("affiliate_id = ?", f.AffiliateID)
	}
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}
	if f.EventType != "" {
		query = query.Where("event_type = ?", f.EventType)
	}
	if f.Currency != "" {
		query = query.Where("currency = ?", f.Currency)
	}
	if f.ClaimedBy != "" {
		query = query.Where("claimed_by = ?", f.ClaimedBy)
	}
	if f.From != nil {
		query = query.Where("occurred_at >= ?", *f.From)
	}
	if f.To != nil {
		query = query.Where("occurred_at < ?", *f.To)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := query.
		Order("created_at DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&entries).Error
	return entries, total, err
}
