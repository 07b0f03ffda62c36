package service

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"
	"time"

	"affiliateledger/internal/config"
	"affiliateledger/internal/model"
	"affiliateledger/internal/repository"
	"affiliateledger/pkg/idgen"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const codeGenerateAttempts = 5

type AffiliateService struct {
	db            *gorm.DB
	cfg           *config.Config
	guard         *AdminGuard
	affiliateRepo *repository.AffiliateRepository
	balanceRepo   *repository.BalanceRepository
	referralRepo  *repository.ReferralRepository
	rateRepo      *repository.RateRepository
	auditRepo     *repository.AuditRepository
	now           func() time.Time
}

func NewAffiliateService(db *gorm.DB, cfg *config.Config, identity IdentityProvider) *AffiliateService {
	return &AffiliateService{
		db:            db,
		cfg:           cfg,
		guard:         NewAdminGuard(identity),
		affiliateRepo: repository.NewAffiliateRepository(db),
		balanceRepo:   repository.NewBalanceRepository(db),
		referralRepo:  repository.NewReferralRepository(db),
		rateRepo:      repository.NewRateRepository(db),
		auditRepo:     repository.NewAuditRepository(db),
		now:           systemClock,
	}
}

type EnrollRequest struct {
	UserID     int64  `json:"user_id" binding:"required,gt=0"`
	Code       string `json:"code"`
	Tier       string `json:"tier"`
	ParentCode string `json:"parent_code"`
}

// NormalizeCode is the canonical form codes are stored and matched in.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Enroll registers a user as affiliate. Without an explicit code one is
// generated as PREFIX-YEAR-XXXXXXXX.
func (s *AffiliateService) Enroll(ctx context.Context, req *EnrollRequest) (*model.Affiliate, error) {
	tier := strings.ToLower(strings.TrimSpace(req.Tier))
	if tier == "" {
		tier = model.TierCommon
	}
	if !model.IsValidTier(tier) {
		return nil, invalidArgument("unknown tier %q", req.Tier)
	}

	if _, err := s.affiliateRepo.GetByUserID(ctx, req.UserID); err == nil {
		return nil, ErrAlreadyEnrolled
	} else if !errors.Is(err, repository.ErrRecordNotFound) {
		return nil, fmt.Errorf("load affiliate: %w", err)
	}

	var parentID *int64
	if req.ParentCode != "" {
		parent, err := s.affiliateRepo.GetByCode(ctx, NormalizeCode(req.ParentCode))
		if err != nil {
			if errors.Is(err, repository.ErrRecordNotFound) {
				return nil, ErrUnknownCode
			}
			return nil, fmt.Errorf("load parent affiliate: %w", err)
		}
		parentID = &parent.ID
	}

	status := model.AffiliateStatusPendingApproval
	if s.cfg.Business.AutoApproveAffiliates {
		status = model.AffiliateStatusActive
	}

	explicit := req.Code != ""
	attempts := 1
	if !explicit {
		attempts = codeGenerateAttempts
	}

	now := s.now()
	for i := 0; i < attempts; i++ {
		code := NormalizeCode(req.Code)
		if !explicit {
			generated, err := s.generateCode(now)
			if err != nil {
				return nil, err
			}
			code = generated
		}
		if code == "" || len(code) > 64 {
			return nil, invalidArgument("code must be 1-64 characters")
		}

		affiliate := &model.Affiliate{
			AffiliateNo:       idgen.GenerateAffiliateNo(),
			UserID:            req.UserID,
			Code:              code,
			Tier:              tier,
			ParentAffiliateID: parentID,
			Status:            status,
		}

		err := s.db.Transaction(func(tx *gorm.DB) error {
			if err := s.affiliateRepo.Create(ctx, tx, affiliate); err != nil {
				return err
			}
			change := &model.TierChange{
				AffiliateID:   affiliate.ID,
				Tier:          tier,
				EffectiveFrom: now,
				Reason:        "enrollment",
			}
			if err := s.rateRepo.CreateTierChange(ctx, tx, change); err != nil {
				return fmt.Errorf("record tier: %w", err)
			}
			return writeAudit(ctx, tx, s.auditRepo, model.AuditEntityAffiliate, affiliate.AffiliateNo, "", status, req.UserID, "enrollment")
		})
		if err == nil {
			zap.L().Info("affiliate enrolled",
				zap.String("affiliate_no", affiliate.AffiliateNo),
				zap.Int64("user_id", affiliate.UserID),
				zap.String("code", affiliate.Code),
				zap.String("status", affiliate.Status))
			return affiliate, nil
		}
		if !errors.Is(err, repository.ErrDuplicateKey) {
			return nil, fmt.Errorf("enroll affiliate: %w", err)
		}
		if _, lookupErr := s.affiliateRepo.GetByUserID(ctx, req.UserID); lookupErr == nil {
			return nil, ErrAlreadyEnrolled
		}
	}
	return nil, ErrCodeTaken
}

func (s *AffiliateService) generateCode(now time.Time) (string, error) {
	buf := make([]byte, 5)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	suffix := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)
	return fmt.Sprintf("%s-%d-%s", strings.ToUpper(s.cfg.Business.AffiliateCodePrefix), now.Year(), suffix), nil
}

func (s *AffiliateService) Get(ctx context.Context, affiliateID int64) (*model.Affiliate, error) {
	affiliate, err := s.affiliateRepo.GetByID(ctx, nil, affiliateID)
	if err != nil {
		return nil, notFound(err, "affiliate")
	}
	return affiliate, nil
}

// SetStatus moves the affiliate along its status machine. Affiliates are
// never deleted; suspension keeps every historical entry.
func (s *AffiliateService) SetStatus(ctx context.Context, affiliateID int64, status string, adminID int64, notes string) (*model.Affiliate, error) {
	if err := s.guard.Require(ctx, adminID); err != nil {
		return nil, err
	}

	affiliate, err := s.affiliateRepo.GetByID(ctx, nil, affiliateID)
	if err != nil {
		return nil, notFound(err, "affiliate")
	}
	if !model.AffiliateTransitions.CanTransition(affiliate.Status, status) {
		logInvalidTransition(model.AuditEntityAffiliate, affiliate.AffiliateNo, affiliate.Status, status)
		return nil, ErrInvalidStateTransition
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.affiliateRepo.UpdateStatus(ctx, tx, affiliate.ID, affiliate.Status, status); err != nil {
			if errors.Is(err, repository.ErrStatusConflict) {
				logInvalidTransition(model.AuditEntityAffiliate, affiliate.AffiliateNo, affiliate.Status, status)
				return ErrInvalidStateTransition
			}
			return fmt.Errorf("update affiliate status: %w", err)
		}
		return writeAudit(ctx, tx, s.auditRepo, model.AuditEntityAffiliate, affiliate.AffiliateNo, affiliate.Status, status, adminID, notes)
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("affiliate status changed",
		zap.String("affiliate_no", affiliate.AffiliateNo),
		zap.String("from", affiliate.Status),
		zap.String("to", status),
		zap.Int64("admin_id", adminID))
	return s.affiliateRepo.GetByID(ctx, nil, affiliate.ID)
}

type AffiliateSummary struct {
	Affiliate      *model.Affiliate          `json:"affiliate"`
	Balances       []*model.AffiliateBalance `json:"balances"`
	ReferralCounts map[string]int64          `json:"referral_counts"`
	TierHistory    []*model.TierChange       `json:"tier_history"`
}

// Summary returns the cached per-currency totals together with the
// affiliate's code, tier, referral counts and tier history.
func (s *AffiliateService) Summary(ctx context.Context, affiliateID int64) (*AffiliateSummary, error) {
	affiliate, err := s.affiliateRepo.GetByID(ctx, nil, affiliateID)
	if err != nil {
		return nil, notFound(err, "affiliate")
	}
	balances, err := s.balanceRepo.ListByAffiliate(ctx, affiliateID)
	if err != nil {
		return nil, fmt.Errorf("load balances: %w", err)
	}
	counts, err := s.referralRepo.CountByStatus(ctx, affiliateID)
	if err != nil {
		return nil, fmt.Errorf("count referrals: %w", err)
	}
	history, err := s.rateRepo.ListTierChanges(ctx, affiliateID)
	if err != nil {
		return nil, fmt.Errorf("load tier history: %w", err)
	}
	return &AffiliateSummary{
		Affiliate:      affiliate,
		Balances:       balances,
		ReferralCounts: counts,
		TierHistory:    history,
	}, nil
}

func (s *AffiliateService) List(ctx context.Context, status string, page, pageSize int) ([]*model.Affiliate, int64, error) {
	return s.affiliateRepo.List(ctx, status, page, pageSize)
}
