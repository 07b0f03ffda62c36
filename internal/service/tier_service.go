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

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// seedEffectiveFrom dates config-seeded defaults so they cover all history.
var seedEffectiveFrom = time.Unix(0, 0).UTC()

// TierService resolves commission rates from the append-only rate and tier
// history. A rate change never alters what an earlier event was worth.
type TierService struct {
	db            *gorm.DB
	cfg           *config.Config
	guard         *AdminGuard
	affiliateRepo *repository.AffiliateRepository
	rateRepo      *repository.RateRepository
	auditRepo     *repository.AuditRepository
	now           func() time.Time
}

func NewTierService(db *gorm.DB, cfg *config.Config, identity IdentityProvider) *TierService {
	return &TierService{
		db:            db,
		cfg:           cfg,
		guard:         NewAdminGuard(identity),
		affiliateRepo: repository.NewAffiliateRepository(db),
		rateRepo:      repository.NewRateRepository(db),
		auditRepo:     repository.NewAuditRepository(db),
		now:           systemClock,
	}
}

func (s *TierService) maxDepth() int {
	if !s.cfg.Business.MultiTier.Enabled {
		return model.PrimaryTierLevel
	}
	if s.cfg.Business.MultiTier.MaxDepth < model.PrimaryTierLevel {
		return model.PrimaryTierLevel
	}
	return s.cfg.Business.MultiTier.MaxDepth
}

// EffectiveRate returns the rate in force at occurredAt for the affiliate at
// tierLevel. An affiliate override wins over the tier default; no matching
// row means zero.
func (s *TierService) EffectiveRate(ctx context.Context, affiliateID int64, eventType string, occurredAt time.Time, tierLevel int) (decimal.Decimal, error) {
	affiliate, err := s.affiliateRepo.GetByID(ctx, nil, affiliateID)
	if err != nil {
		return decimal.Zero, notFound(err, "affiliate")
	}
	return s.effectiveRate(ctx, nil, affiliate, eventType, occurredAt, tierLevel)
}

func (s *TierService) effectiveRate(ctx context.Context, tx *gorm.DB, affiliate *model.Affiliate, eventType string, occurredAt time.Time, tierLevel int) (decimal.Decimal, error) {
	occurredAt = occurredAt.UTC()

	rate, err := s.rateRepo.FindAffiliateRate(ctx, tx, affiliate.ID, eventType, tierLevel, occurredAt)
	if err == nil {
		return rate.Rate, nil
	}
	if !errors.Is(err, repository.ErrRecordNotFound) {
		return decimal.Zero, fmt.Errorf("load affiliate rate: %w", err)
	}

	tier := affiliate.Tier
	change, err := s.rateRepo.FindTierAt(ctx, tx, affiliate.ID, occurredAt)
	switch {
	case err == nil:
		tier = change.Tier
	case !errors.Is(err, repository.ErrRecordNotFound):
		return decimal.Zero, fmt.Errorf("load tier history: %w", err)
	}

	rate, err = s.rateRepo.FindTierRate(ctx, tx, tier, eventType, tierLevel, occurredAt)
	if err == nil {
		return rate.Rate, nil
	}
	if errors.Is(err, repository.ErrRecordNotFound) {
		return decimal.Zero, nil
	}
	return decimal.Zero, fmt.Errorf("load tier rate: %w", err)
}

type SetRateRequest struct {
	AffiliateID   *int64          `json:"affiliate_id"`
	Tier          string          `json:"tier"`
	EventType     string          `json:"event_type" binding:"required"`
	TierLevel     int             `json:"tier_level"`
	Rate          decimal.Decimal `json:"rate"`
	EffectiveFrom *time.Time      `json:"effective_from"`
	Remark        string          `json:"remark"`
}

func (s *TierService) validateRate(eventType string, tierLevel int, rate decimal.Decimal) error {
	if !model.IsQualifyingEventType(eventType) {
		return invalidArgument("event type %q does not earn commission", eventType)
	}
	if tierLevel < model.PrimaryTierLevel || tierLevel > s.maxDepth() {
		return invalidArgument("tier level %d outside 1..%d", tierLevel, s.maxDepth())
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return invalidArgument("rate %s outside [0, 1)", rate.String())
	}
	return nil
}

// SetRate appends a rate for either one affiliate or a whole tier.
func (s *TierService) SetRate(ctx context.Context, req *SetRateRequest, actorID int64) (*model.RateSchedule, error) {
	if err := s.guard.Require(ctx, actorID); err != nil {
		return nil, err
	}

	if req.TierLevel == 0 {
		req.TierLevel = model.PrimaryTierLevel
	}
	eventType := strings.ToLower(strings.TrimSpace(req.EventType))
	if err := s.validateRate(eventType, req.TierLevel, req.Rate); err != nil {
		return nil, err
	}

	row := &model.RateSchedule{
		EventType: eventType,
		TierLevel: req.TierLevel,
		Rate:      req.Rate,
		CreatedBy: actorID,
		Remark:    req.Remark,
	}

	switch {
	case req.AffiliateID != nil && req.Tier != "":
		return nil, invalidArgument("set either affiliate_id or tier, not both")
	case req.AffiliateID != nil:
		if _, err := s.affiliateRepo.GetByID(ctx, nil, *req.AffiliateID); err != nil {
			return nil, notFound(err, "affiliate")
		}
		row.AffiliateID = req.AffiliateID
	default:
		tier := strings.ToLower(strings.TrimSpace(req.Tier))
		if !model.IsValidTier(tier) {
			return nil, invalidArgument("unknown tier %q", req.Tier)
		}
		row.Tier = tier
	}

	row.EffectiveFrom = s.now()
	if req.EffectiveFrom != nil {
		row.EffectiveFrom = req.EffectiveFrom.UTC()
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.rateRepo.CreateRate(ctx, tx, row); err != nil {
			return fmt.Errorf("create rate: %w", err)
		}
		notes := fmt.Sprintf("%s L%d = %s from %s", row.EventType, row.TierLevel, row.Rate.String(), row.EffectiveFrom.Format(time.RFC3339))
		return writeAudit(ctx, tx, s.auditRepo, model.AuditEntityRate, fmt.Sprintf("%d", row.ID), "", "", actorID, notes)
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("rate scheduled",
		zap.Int64("rate_id", row.ID),
		zap.String("tier", row.Tier),
		zap.String("event_type", row.EventType),
		zap.Int("tier_level", row.TierLevel),
		zap.String("rate", row.Rate.String()),
		zap.Time("effective_from", row.EffectiveFrom))
	return row, nil
}

type SetTierRequest struct {
	Tier          string     `json:"tier" binding:"required"`
	EffectiveFrom *time.Time `json:"effective_from"`
	Reason        string     `json:"reason"`
}

// SetTier records a tier assignment. The affiliate's current tier only
// changes once the assignment is in force.
func (s *TierService) SetTier(ctx context.Context, affiliateID int64, req *SetTierRequest, actorID int64) (*model.Affiliate, error) {
	if err := s.guard.Require(ctx, actorID); err != nil {
		return nil, err
	}

	tier := strings.ToLower(strings.TrimSpace(req.Tier))
	if !model.IsValidTier(tier) {
		return nil, invalidArgument("unknown tier %q", req.Tier)
	}
	affiliate, err := s.affiliateRepo.GetByID(ctx, nil, affiliateID)
	if err != nil {
		return nil, notFound(err, "affiliate")
	}

	now := s.now()
	effectiveFrom := now
	if req.EffectiveFrom != nil {
		effectiveFrom = req.EffectiveFrom.UTC()
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		change := &model.TierChange{
			AffiliateID:   affiliate.ID,
			Tier:          tier,
			EffectiveFrom: effectiveFrom,
			ChangedBy:     actorID,
			Reason:        req.Reason,
		}
		if err := s.rateRepo.CreateTierChange(ctx, tx, change); err != nil {
			return fmt.Errorf("record tier: %w", err)
		}
		if !effectiveFrom.After(now) {
			if err := s.affiliateRepo.UpdateTier(ctx, tx, affiliate.ID, tier); err != nil {
				return fmt.Errorf("update tier: %w", err)
			}
		}
		return writeAudit(ctx, tx, s.auditRepo, model.AuditEntityAffiliate, affiliate.AffiliateNo, affiliate.Tier, tier, actorID, req.Reason)
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("affiliate tier changed",
		zap.String("affiliate_no", affiliate.AffiliateNo),
		zap.String("from", affiliate.Tier),
		zap.String("to", tier),
		zap.Time("effective_from", effectiveFrom))
	return s.affiliateRepo.GetByID(ctx, nil, affiliate.ID)
}

// SeedDefaults inserts the configured default rate table once. Keys that
// already have a default are left alone, so restarts never rewrite history.
func (s *TierService) SeedDefaults(ctx context.Context) (int, error) {
	inserted := 0
	for _, seed := range s.cfg.Business.DefaultRates {
		tier := strings.ToLower(strings.TrimSpace(seed.Tier))
		eventType := strings.ToLower(strings.TrimSpace(seed.EventType))
		level := seed.TierLevel
		if level == 0 {
			level = model.PrimaryTierLevel
		}

		rate, err := decimal.NewFromString(strings.TrimSpace(seed.Rate))
		if err != nil {
			return inserted, invalidArgument("default rate %s/%s: %v", tier, eventType, err)
		}
		if !model.IsValidTier(tier) {
			return inserted, invalidArgument("default rate: unknown tier %q", seed.Tier)
		}
		if err := s.validateRate(eventType, level, rate); err != nil {
			if level > s.maxDepth() {
				// multi-tier rows are kept in config even while the mode is off
				continue
			}
			return inserted, err
		}

		exists, err := s.rateRepo.HasTierDefault(ctx, tier, eventType, level)
		if err != nil {
			return inserted, fmt.Errorf("check default rate: %w", err)
		}
		if exists {
			continue
		}

		row := &model.RateSchedule{
			Tier:          tier,
			EventType:     eventType,
			TierLevel:     level,
			Rate:          rate,
			EffectiveFrom: seedEffectiveFrom,
			Remark:        "seed",
		}
		if err := s.rateRepo.CreateRate(ctx, nil, row); err != nil {
			return inserted, fmt.Errorf("seed rate: %w", err)
		}
		inserted++
	}

	if inserted > 0 {
		zap.L().Info("default rates seeded", zap.Int("count", inserted))
	}
	return inserted, nil
}

func (s *TierService) ListRates(ctx context.Context, affiliateID *int64, tier string) ([]*model.RateSchedule, error) {
	return s.rateRepo.ListRates(ctx, affiliateID, tier)
}
