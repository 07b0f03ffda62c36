package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"affiliateledger/internal/config"
	"affiliateledger/internal/model"
	"affiliateledger/internal/repository"
	"affiliateledger/pkg/idgen"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// maxIdempotencyKeyLen leaves room for the "#L<n>" suffix of upstream keys.
const maxIdempotencyKeyLen = 150

// QualifyingEvent is a deposit, trade or subscription reported by the
// trading and payment systems.
type QualifyingEvent struct {
	ReferredUserID int64           `json:"referred_user_id" binding:"required,gt=0"`
	Type           string          `json:"type" binding:"required"`
	BasisAmount    decimal.Decimal `json:"basis_amount"`
	Currency       string          `json:"currency" binding:"required"`
	OccurredAt     time.Time       `json:"occurred_at"`
	IdempotencyKey string          `json:"idempotency_key" binding:"required"`
}

// UpstreamKey derives the idempotency key of the entry at tierLevel.
func UpstreamKey(baseKey string, tierLevel int) string {
	if tierLevel <= model.PrimaryTierLevel {
		return baseKey
	}
	return fmt.Sprintf("%s#L%d", baseKey, tierLevel)
}

// CommissionService turns qualifying events into ledger entries and moves
// entries through review.
type CommissionService struct {
	db             *gorm.DB
	cfg            *config.Config
	guard          *AdminGuard
	referrals      *ReferralService
	tiers          *TierService
	affiliateRepo  *repository.AffiliateRepository
	commissionRepo *repository.CommissionRepository
	balanceRepo    *repository.BalanceRepository
	auditRepo      *repository.AuditRepository
	now            func() time.Time
}

func NewCommissionService(db *gorm.DB, cfg *config.Config, identity IdentityProvider, referrals *ReferralService, tiers *TierService) *CommissionService {
	return &CommissionService{
		db:             db,
		cfg:            cfg,
		guard:          NewAdminGuard(identity),
		referrals:      referrals,
		tiers:          tiers,
		affiliateRepo:  repository.NewAffiliateRepository(db),
		commissionRepo: repository.NewCommissionRepository(db),
		balanceRepo:    repository.NewBalanceRepository(db),
		auditRepo:      repository.NewAuditRepository(db),
		now:            systemClock,
	}
}

func (s *CommissionService) validate(ev *QualifyingEvent) (int32, error) {
	ev.Type = strings.ToLower(strings.TrimSpace(ev.Type))
	ev.Currency = normalizeCurrency(ev.Currency)
	ev.IdempotencyKey = strings.TrimSpace(ev.IdempotencyKey)

	if !model.IsQualifyingEventType(ev.Type) {
		return 0, invalidEvent("type %q", ev.Type)
	}
	if !ev.BasisAmount.IsPositive() {
		return 0, invalidEvent("basis amount must be positive")
	}
	places, ok := currencyPlaces(s.cfg, ev.Currency)
	if !ok {
		return 0, invalidEvent("currency %q is not configured", ev.Currency)
	}
	if ev.IdempotencyKey == "" || len(ev.IdempotencyKey) > maxIdempotencyKeyLen {
		return 0, invalidEvent("idempotency key must be 1-%d characters", maxIdempotencyKeyLen)
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.now()
	}
	ev.OccurredAt = ev.OccurredAt.UTC()
	return places, nil
}

// OnQualifyingEvent records the commission entries an event earns: one for
// the referring affiliate and, in multi-tier mode, one per upstream
// affiliate. A repeated idempotency key returns the entries already stored.
// A user without an active referral earns nothing and yields no entries.
func (s *CommissionService) OnQualifyingEvent(ctx context.Context, ev *QualifyingEvent) ([]*model.CommissionEntry, error) {
	places, err := s.validate(ev)
	if err != nil {
		return nil, err
	}

	referral, affiliate, err := s.referrals.activeReferral(ctx, nil, ev.ReferredUserID)
	if errors.Is(err, ErrNotFound) {
		return []*model.CommissionEntry{}, nil
	}
	if err != nil {
		return nil, err
	}

	entries, err := s.buildEntries(ctx, ev, places, referral, affiliate)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return entries, nil
	}

	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.IdempotencyKey)
	}
	if existing, err := s.commissionRepo.GetByIdempotencyKeys(ctx, nil, keys); err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	} else if len(existing) > 0 {
		logDuplicateEvent(ev, existing)
		return existing, nil
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		for _, e := range entries {
			if err := s.commissionRepo.Create(ctx, tx, e); err != nil {
				return err
			}
		}
		for _, e := range entries {
			if _, err := s.balanceRepo.Refresh(ctx, tx, e.AffiliateID, e.Currency); err != nil {
				return fmt.Errorf("refresh balance: %w", err)
			}
		}
		return nil
	})
	if errors.Is(err, repository.ErrDuplicateKey) {
		// a concurrent delivery of the same event won the insert
		existing, loadErr := s.commissionRepo.GetByIdempotencyKeys(ctx, nil, keys)
		if loadErr != nil {
			return nil, fmt.Errorf("load entries: %w", loadErr)
		}
		logDuplicateEvent(ev, existing)
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("record commission: %w", err)
	}

	for _, e := range entries {
		zap.L().Info("commission recorded",
			zap.String("entry_no", e.EntryNo),
			zap.Int64("affiliate_id", e.AffiliateID),
			zap.Int("tier_level", e.TierLevel),
			zap.String("event_type", e.EventType),
			zap.String("amount", e.Amount.String()),
			zap.String("currency", e.Currency),
			zap.String("idempotency_key", e.IdempotencyKey))
	}
	return entries, nil
}

func logDuplicateEvent(ev *QualifyingEvent, existing []*model.CommissionEntry) {
	zap.L().Info("duplicate qualifying event",
		zap.Bool("duplicate_event", true),
		zap.String("idempotency_key", ev.IdempotencyKey),
		zap.Int64("referred_user_id", ev.ReferredUserID),
		zap.Int("entries", len(existing)))
}

// buildEntries walks the affiliate chain up to the configured depth. An
// upstream affiliate that is not active, or a level whose rate or rounded
// amount is zero, produces no entry but does not stop the walk.
func (s *CommissionService) buildEntries(ctx context.Context, ev *QualifyingEvent, places int32, referral *model.Referral, direct *model.Affiliate) ([]*model.CommissionEntry, error) {
	entries := make([]*model.CommissionEntry, 0, 1)
	depth := s.tiers.maxDepth()
	affiliate := direct
	seen := map[int64]bool{}

	for level := model.PrimaryTierLevel; level <= depth && affiliate != nil; level++ {
		if seen[affiliate.ID] {
			break
		}
		seen[affiliate.ID] = true

		if affiliate.Status == model.AffiliateStatusActive {
			rate, err := s.tiers.effectiveRate(ctx, nil, affiliate, ev.Type, ev.OccurredAt, level)
			if err != nil {
				return nil, err
			}
			amount := Commission(ev.BasisAmount, rate, places)
			if rate.IsPositive() && amount.IsPositive() {
				referralID := referral.ID
				entries = append(entries, &model.CommissionEntry{
					EntryNo:        idgen.GenerateEntryNo(),
					AffiliateID:    affiliate.ID,
					ReferralID:     &referralID,
					ReferredUserID: ev.ReferredUserID,
					TierLevel:      level,
					EventType:      ev.Type,
					BasisAmount:    ev.BasisAmount,
					Rate:           rate,
					Amount:         amount,
					Currency:       ev.Currency,
					Status:         model.EntryStatusPending,
					IdempotencyKey: UpstreamKey(ev.IdempotencyKey, level),
					OccurredAt:     ev.OccurredAt,
				})
			}
		} else {
			zap.L().Info("inactive affiliate earns no commission",
				zap.Int64("affiliate_id", affiliate.ID),
				zap.String("status", affiliate.Status),
				zap.Int("tier_level", level))
		}

		if affiliate.ParentAffiliateID == nil || level == depth {
			break
		}
		parent, err := s.affiliateRepo.GetByID(ctx, nil, *affiliate.ParentAffiliateID)
		if errors.Is(err, repository.ErrRecordNotFound) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("load upstream affiliate: %w", err)
		}
		affiliate = parent
	}
	return entries, nil
}

// ApproveEntries marks pending entries as cleared. Entries that are not
// pending are skipped, so repeated approvals are harmless.
func (s *CommissionService) ApproveEntries(ctx context.Context, entryNos []string, actorID int64) ([]*model.CommissionEntry, error) {
	if err := s.guard.Require(ctx, actorID); err != nil {
		return nil, err
	}
	if len(entryNos) == 0 {
		return nil, invalidArgument("entry_nos is empty")
	}

	var approved []*model.CommissionEntry
	now := s.now()
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		approved, err = s.commissionRepo.ApprovePending(ctx, tx, entryNos, now)
		if err != nil {
			return fmt.Errorf("approve entries: %w", err)
		}
		refreshed := map[string]bool{}
		for _, e := range approved {
			key := fmt.Sprintf("%d/%s", e.AffiliateID, e.Currency)
			if !refreshed[key] {
				if _, err := s.balanceRepo.Refresh(ctx, tx, e.AffiliateID, e.Currency); err != nil {
					return fmt.Errorf("refresh balance: %w", err)
				}
				refreshed[key] = true
			}
			if err := writeAudit(ctx, tx, s.auditRepo, model.AuditEntityEntry, e.EntryNo, model.EntryStatusPending, model.EntryStatusApproved, actorID, ""); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("commission entries approved",
		zap.Int("requested", len(entryNos)),
		zap.Int("approved", len(approved)),
		zap.Int64("admin_id", actorID))
	return approved, nil
}

// CancelEntry voids an entry that is neither paid nor reserved by a payout.
// An entry with live corrections against it cannot be cancelled; cancel the
// corrections first.
func (s *CommissionService) CancelEntry(ctx context.Context, entryNo string, actorID int64, reason string) (*model.CommissionEntry, error) {
	if err := s.guard.Require(ctx, actorID); err != nil {
		return nil, err
	}
	entry, err := s.commissionRepo.GetByNo(ctx, nil, entryNo)
	if err != nil {
		return nil, notFound(err, "commission entry")
	}
	if !model.EntryTransitions.CanTransition(entry.Status, model.EntryStatusCancelled) || entry.IsClaimed() {
		logInvalidTransition(model.AuditEntityEntry, entry.EntryNo, entry.Status, model.EntryStatusCancelled)
		return nil, ErrInvalidStateTransition
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.commissionRepo.UpdateStatus(ctx, tx, entry.EntryNo, entry.Status, model.EntryStatusCancelled, s.now()); err != nil {
			if errors.Is(err, repository.ErrStatusConflict) {
				logInvalidTransition(model.AuditEntityEntry, entry.EntryNo, entry.Status, model.EntryStatusCancelled)
				return ErrInvalidStateTransition
			}
			return fmt.Errorf("cancel entry: %w", err)
		}
		corrections, err := s.commissionRepo.ListCorrections(ctx, tx, entry.EntryNo)
		if err != nil {
			return fmt.Errorf("load corrections: %w", err)
		}
		if len(corrections) > 0 {
			zap.L().Error("cancel refused, entry has live corrections",
				zap.Bool("alert", true),
				zap.String("entry_no", entry.EntryNo),
				zap.Int("corrections", len(corrections)))
			return ErrInvalidStateTransition
		}
		if _, err := s.balanceRepo.Refresh(ctx, tx, entry.AffiliateID, entry.Currency); err != nil {
			return fmt.Errorf("refresh balance: %w", err)
		}
		return writeAudit(ctx, tx, s.auditRepo, model.AuditEntityEntry, entry.EntryNo, entry.Status, model.EntryStatusCancelled, actorID, reason)
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("commission entry cancelled", zap.String("entry_no", entry.EntryNo), zap.Int64("admin_id", actorID))
	return s.commissionRepo.GetByNo(ctx, nil, entry.EntryNo)
}

// CorrectEntry books a negative manual entry against an approved or paid
// entry. The corrected entry is left untouched, and the live corrections
// against it never add up to more than its amount. Pending entries are
// cancelled rather than corrected.
func (s *CommissionService) CorrectEntry(ctx context.Context, entryNo string, amount decimal.Decimal, actorID int64, reason string) (*model.CommissionEntry, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, invalidArgument("correction reason is required")
	}
	if !amount.IsNegative() {
		return nil, invalidArgument("correction amount must be negative")
	}
	if err := s.guard.Require(ctx, actorID); err != nil {
		return nil, err
	}

	original, err := s.commissionRepo.GetByNo(ctx, nil, entryNo)
	if err != nil {
		return nil, notFound(err, "commission entry")
	}
	places, ok := currencyPlaces(s.cfg, original.Currency)
	if !ok {
		return nil, invalidArgument("currency %q is not configured", original.Currency)
	}
	amount = Round(amount, places)

	var correction *model.CommissionEntry
	err = s.db.Transaction(func(tx *gorm.DB) error {
		locked, err := s.commissionRepo.GetByNoForUpdate(ctx, tx, original.EntryNo)
		if err != nil {
			return fmt.Errorf("lock entry: %w", err)
		}
		if !correctable(locked) {
			logInvalidTransition(model.AuditEntityEntry, locked.EntryNo, locked.Status, "corrected")
			return ErrInvalidStateTransition
		}

		existing, err := s.commissionRepo.ListCorrections(ctx, tx, locked.EntryNo)
		if err != nil {
			return fmt.Errorf("load corrections: %w", err)
		}
		clawedBack := decimal.Zero
		for _, c := range existing {
			clawedBack = clawedBack.Add(c.Amount.Neg())
		}
		if clawedBack.Add(amount.Neg()).GreaterThan(locked.Amount) {
			return invalidArgument("correction %s exceeds remaining entry amount %s",
				amount.String(), locked.Amount.Sub(clawedBack).String())
		}

		correctionNo := idgen.GenerateEntryNo()
		correction, err = s.recordManualEntry(ctx, tx, manualEntry{
			EntryNo:          correctionNo,
			AffiliateID:      locked.AffiliateID,
			ReferralID:       locked.ReferralID,
			ReferredUserID:   locked.ReferredUserID,
			TierLevel:        locked.TierLevel,
			Amount:           amount,
			Currency:         locked.Currency,
			IdempotencyKey:   "correction:" + correctionNo,
			ReferenceEntryNo: locked.EntryNo,
			Remark:           reason,
		})
		if err != nil {
			return err
		}
		return writeAudit(ctx, tx, s.auditRepo, model.AuditEntityEntry, correction.EntryNo, "", model.EntryStatusApproved, actorID, "correction of "+locked.EntryNo+": "+reason)
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("commission entry corrected",
		zap.String("entry_no", original.EntryNo),
		zap.String("correction_no", correction.EntryNo),
		zap.String("amount", correction.Amount.String()),
		zap.Int64("admin_id", actorID))
	return correction, nil
}

// correctable reports whether e can carry a correction: it must be a
// positive, settled-or-cleared entry and not itself a correction.
func correctable(e *model.CommissionEntry) bool {
	if e.ReferenceEntryNo != "" || !e.Amount.IsPositive() {
		return false
	}
	return e.Status == model.EntryStatusApproved || e.Status == model.EntryStatusPaid
}

type manualEntry struct {
	EntryNo          string
	AffiliateID      int64
	ReferralID       *int64
	ReferredUserID   int64
	TierLevel        int
	Amount           decimal.Decimal
	Currency         string
	IdempotencyKey   string
	ReferenceEntryNo string
	Remark           string
}

// recordManualEntry writes an already-approved manual entry inside tx and
// refreshes the affected balance. Basis equals amount at rate 1.
func (s *CommissionService) recordManualEntry(ctx context.Context, tx *gorm.DB, m manualEntry) (*model.CommissionEntry, error) {
	now := s.now()
	if m.EntryNo == "" {
		m.EntryNo = idgen.GenerateEntryNo()
	}
	if m.TierLevel == 0 {
		m.TierLevel = model.PrimaryTierLevel
	}
	entry := &model.CommissionEntry{
		EntryNo:          m.EntryNo,
		AffiliateID:      m.AffiliateID,
		ReferralID:       m.ReferralID,
		ReferredUserID:   m.ReferredUserID,
		TierLevel:        m.TierLevel,
		EventType:        model.EventTypeManual,
		BasisAmount:      m.Amount,
		Rate:             decimal.NewFromInt(1),
		Amount:           m.Amount,
		Currency:         m.Currency,
		Status:           model.EntryStatusApproved,
		IdempotencyKey:   m.IdempotencyKey,
		ReferenceEntryNo: m.ReferenceEntryNo,
		Remark:           m.Remark,
		OccurredAt:       now,
		ApprovedAt:       &now,
	}
	if err := s.commissionRepo.Create(ctx, tx, entry); err != nil {
		return nil, fmt.Errorf("create manual entry: %w", err)
	}
	if _, err := s.balanceRepo.Refresh(ctx, tx, entry.AffiliateID, entry.Currency); err != nil {
		return nil, fmt.Errorf("refresh balance: %w", err)
	}
	return entry, nil
}

func (s *CommissionService) GetEntry(ctx context.Context, entryNo string) (*model.CommissionEntry, error) {
	entry, err := s.commissionRepo.GetByNo(ctx, nil, entryNo)
	if err != nil {
		return nil, notFound(err, "commission entry")
	}
	return entry, nil
}

func (s *CommissionService) ListEntries(ctx context.Context, f repository.EntryFilter, page, pageSize int) ([]*model.CommissionEntry, int64, error) {
	if f.Currency != "" {
		f.Currency = normalizeCurrency(f.Currency)
	}
	return s.commissionRepo.List(ctx, f, page, pageSize)
}
