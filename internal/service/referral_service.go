package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"affiliateledger/internal/config"
	"affiliateledger/internal/infrastructure/lock"
	"affiliateledger/internal/model"
	"affiliateledger/internal/repository"
	"affiliateledger/pkg/idgen"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ReferralService attributes referred users to affiliates. The unique
// live_user_id column is what guarantees one live referral per user; the
// lock only keeps concurrent attempts from racing to the insert.
type ReferralService struct {
	db            *gorm.DB
	cfg           *config.Config
	identity      IdentityProvider
	guard         *AdminGuard
	locker        lock.Locker
	affiliateRepo *repository.AffiliateRepository
	referralRepo  *repository.ReferralRepository
	auditRepo     *repository.AuditRepository
	outboxRepo    *repository.OutboxRepository
	now           func() time.Time
}

func NewReferralService(db *gorm.DB, cfg *config.Config, identityProvider IdentityProvider, locker lock.Locker) *ReferralService {
	return &ReferralService{
		db:            db,
		cfg:           cfg,
		identity:      identityProvider,
		guard:         NewAdminGuard(identityProvider),
		locker:        locker,
		affiliateRepo: repository.NewAffiliateRepository(db),
		referralRepo:  repository.NewReferralRepository(db),
		auditRepo:     repository.NewAuditRepository(db),
		outboxRepo:    repository.NewOutboxRepository(db),
		now:           systemClock,
	}
}

// AttributeByCode links newUserID to the active affiliate owning code.
func (s *ReferralService) AttributeByCode(ctx context.Context, newUserID int64, code string) (*model.Referral, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, ErrUnknownCode
	}
	affiliate, err := s.affiliateRepo.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrRecordNotFound) {
			return nil, ErrUnknownCode
		}
		return nil, fmt.Errorf("load affiliate: %w", err)
	}
	if affiliate.Status != model.AffiliateStatusActive {
		return nil, ErrAffiliateInactive
	}
	if affiliate.UserID == newUserID {
		return nil, ErrSelfReferral
	}

	now := s.now()
	referral := &model.Referral{
		ReferralNo:     idgen.GenerateReferralNo(),
		ReferredUserID: newUserID,
		AffiliateID:    affiliate.ID,
		LiveUserID:     &newUserID,
		Source:         model.ReferralSourceCode,
		Status:         model.ReferralStatusActive,
		LinkedAt:       now,
	}
	if err := s.createLive(ctx, referral, affiliate); err != nil {
		return nil, err
	}

	zap.L().Info("referral attributed",
		zap.String("referral_no", referral.ReferralNo),
		zap.Int64("user_id", newUserID),
		zap.String("affiliate_no", affiliate.AffiliateNo),
		zap.String("source", referral.Source))
	return referral, nil
}

// RequestManualLink files a pending_review referral, accepted only while the
// user is inside the manual link window after signup (boundary inclusive).
func (s *ReferralService) RequestManualLink(ctx context.Context, newUserID, affiliateID int64, searchTerm string) (*model.Referral, error) {
	affiliate, err := s.affiliateRepo.GetByID(ctx, nil, affiliateID)
	if err != nil {
		return nil, notFound(err, "affiliate")
	}
	if affiliate.Status != model.AffiliateStatusActive {
		return nil, ErrAffiliateInactive
	}
	if affiliate.UserID == newUserID {
		return nil, ErrSelfReferral
	}

	signup, err := s.identity.GetUserSignupTime(ctx, newUserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, fmt.Errorf("user %d: %w", newUserID, ErrNotFound)
		}
		return nil, fmt.Errorf("load signup time: %w", err)
	}

	now := s.now()
	if now.Sub(signup) > s.cfg.Business.ManualLinkWindow() {
		return nil, ErrLinkWindowExpired
	}

	referral := &model.Referral{
		ReferralNo:     idgen.GenerateReferralNo(),
		ReferredUserID: newUserID,
		AffiliateID:    affiliate.ID,
		LiveUserID:     &newUserID,
		Source:         model.ReferralSourceManualLink,
		Status:         model.ReferralStatusPendingReview,
		SearchTerm:     strings.TrimSpace(searchTerm),
		LinkedAt:       now,
	}
	if err := s.createLive(ctx, referral, affiliate); err != nil {
		return nil, err
	}

	zap.L().Info("manual link requested",
		zap.String("referral_no", referral.ReferralNo),
		zap.Int64("user_id", newUserID),
		zap.String("affiliate_no", affiliate.AffiliateNo),
		zap.Duration("since_signup", now.Sub(signup)))
	return referral, nil
}

// createLive inserts a referral that occupies the user's live slot.
func (s *ReferralService) createLive(ctx context.Context, referral *model.Referral, affiliate *model.Affiliate) error {
	release, err := s.locker.Acquire(ctx, lock.AttributionLockKey(referral.ReferredUserID), uuid.NewString())
	if err != nil {
		return fmt.Errorf("acquire attribution lock: %w", err)
	}
	defer release()

	if _, err := s.referralRepo.GetLiveByUserID(ctx, nil, referral.ReferredUserID); err == nil {
		return ErrAlreadyAttributed
	} else if !errors.Is(err, repository.ErrRecordNotFound) {
		return fmt.Errorf("load referral: %w", err)
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.referralRepo.Create(ctx, tx, referral); err != nil {
			return err
		}
		if referral.Status != model.ReferralStatusActive {
			return nil
		}
		return s.notifyAttributed(ctx, tx, referral, affiliate)
	})
	if errors.Is(err, repository.ErrDuplicateKey) {
		return ErrAlreadyAttributed
	}
	if err != nil {
		return fmt.Errorf("create referral: %w", err)
	}
	return nil
}

func (s *ReferralService) notifyAttributed(ctx context.Context, tx *gorm.DB, referral *model.Referral, affiliate *model.Affiliate) error {
	return writeOutbox(ctx, tx, s.outboxRepo, s.cfg.Kafka.Topic.ReferralEvents, referral.ReferralNo, model.EventReferralAttributed, s.now(), map[string]interface{}{
		"referral_no":      referral.ReferralNo,
		"referred_user_id": referral.ReferredUserID,
		"affiliate_id":     affiliate.ID,
		"affiliate_no":     affiliate.AffiliateNo,
		"source":           referral.Source,
		"linked_at":        referral.LinkedAt.Format(time.RFC3339Nano),
	})
}

// ReviewManualLink approves or rejects a pending manual link. Rejection
// requires notes and frees the user for another attribution.
func (s *ReferralService) ReviewManualLink(ctx context.Context, referralNo string, adminID int64, approve bool, notes string) (*model.Referral, error) {
	notes = strings.TrimSpace(notes)
	if !approve && notes == "" {
		return nil, ErrNotesRequired
	}
	if err := s.guard.Require(ctx, adminID); err != nil {
		return nil, err
	}

	referral, err := s.referralRepo.GetByNo(ctx, nil, referralNo)
	if err != nil {
		return nil, notFound(err, "referral")
	}
	target := model.ReferralStatusRejected
	if approve {
		target = model.ReferralStatusActive
	}
	if referral.Status != model.ReferralStatusPendingReview {
		logInvalidTransition(model.AuditEntityReferral, referral.ReferralNo, referral.Status, target)
		return nil, ErrInvalidStateTransition
	}

	affiliate, err := s.affiliateRepo.GetByID(ctx, nil, referral.AffiliateID)
	if err != nil {
		return nil, notFound(err, "affiliate")
	}
	if approve && affiliate.Status != model.AffiliateStatusActive {
		return nil, ErrAffiliateInactive
	}

	now := s.now()
	err = s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		if approve {
			err = s.referralRepo.Approve(ctx, tx, referral.ReferralNo, adminID, notes, now)
		} else {
			err = s.referralRepo.Reject(ctx, tx, referral.ReferralNo, model.ReferralStatusPendingReview, adminID, notes, now, nil)
		}
		if errors.Is(err, repository.ErrStatusConflict) {
			logInvalidTransition(model.AuditEntityReferral, referral.ReferralNo, referral.Status, target)
			return ErrInvalidStateTransition
		}
		if err != nil {
			return fmt.Errorf("review referral: %w", err)
		}
		if err := writeAudit(ctx, tx, s.auditRepo, model.AuditEntityReferral, referral.ReferralNo, referral.Status, target, adminID, notes); err != nil {
			return err
		}
		if approve {
			return s.notifyAttributed(ctx, tx, referral, affiliate)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("manual link reviewed",
		zap.String("referral_no", referral.ReferralNo),
		zap.String("status", target),
		zap.Int64("admin_id", adminID))
	return s.referralRepo.GetByNo(ctx, nil, referral.ReferralNo)
}

type OverrideRequest struct {
	UserID         int64  `json:"user_id" binding:"required,gt=0"`
	NewAffiliateID int64  `json:"new_affiliate_id" binding:"required,gt=0"`
	Reason         string `json:"reason"`
}

// OverrideAttribution re-attributes a user. The current live referral is
// rejected and superseded by a new active one carrying the admin's reason.
func (s *ReferralService) OverrideAttribution(ctx context.Context, req *OverrideRequest, adminID int64) (*model.Referral, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, invalidArgument("override reason is required")
	}
	if err := s.guard.Require(ctx, adminID); err != nil {
		return nil, err
	}

	affiliate, err := s.affiliateRepo.GetByID(ctx, nil, req.NewAffiliateID)
	if err != nil {
		return nil, notFound(err, "affiliate")
	}
	if affiliate.Status != model.AffiliateStatusActive {
		return nil, ErrAffiliateInactive
	}
	if affiliate.UserID == req.UserID {
		return nil, ErrSelfReferral
	}

	release, err := s.locker.Acquire(ctx, lock.AttributionLockKey(req.UserID), uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("acquire attribution lock: %w", err)
	}
	defer release()

	now := s.now()
	userID := req.UserID
	replacement := &model.Referral{
		ReferralNo:     idgen.GenerateReferralNo(),
		ReferredUserID: userID,
		AffiliateID:    affiliate.ID,
		LiveUserID:     &userID,
		Source:         model.ReferralSourceAdminOverride,
		Status:         model.ReferralStatusActive,
		LinkedAt:       now,
		ReviewedBy:     &adminID,
		ReviewedAt:     &now,
		OverrideReason: reason,
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		current, err := s.referralRepo.GetLiveByUserID(ctx, tx, userID)
		switch {
		case err == nil:
			if current.AffiliateID == affiliate.ID && current.Status == model.ReferralStatusActive {
				return ErrAlreadyAttributed
			}
			if err := s.referralRepo.Reject(ctx, tx, current.ReferralNo, current.Status, adminID, reason, now, nil); err != nil {
				if errors.Is(err, repository.ErrStatusConflict) {
					return ErrInvalidStateTransition
				}
				return fmt.Errorf("supersede referral: %w", err)
			}
			replacement.SupersedesID = &current.ID
		case !errors.Is(err, repository.ErrRecordNotFound):
			return fmt.Errorf("load referral: %w", err)
		}

		if err := s.referralRepo.Create(ctx, tx, replacement); err != nil {
			return fmt.Errorf("create referral: %w", err)
		}
		if current != nil {
			if err := s.referralRepo.SetSupersededBy(ctx, tx, current.ID, replacement.ID); err != nil {
				return fmt.Errorf("link superseded referral: %w", err)
			}
			if err := writeAudit(ctx, tx, s.auditRepo, model.AuditEntityReferral, current.ReferralNo, current.Status, model.ReferralStatusRejected, adminID, reason); err != nil {
				return err
			}
		}
		if err := writeAudit(ctx, tx, s.auditRepo, model.AuditEntityReferral, replacement.ReferralNo, "", model.ReferralStatusActive, adminID, reason); err != nil {
			return err
		}
		return s.notifyAttributed(ctx, tx, replacement, affiliate)
	})
	if err != nil {
		return nil, err
	}

	zap.L().Warn("referral overridden",
		zap.String("referral_no", replacement.ReferralNo),
		zap.Int64("user_id", userID),
		zap.String("affiliate_no", affiliate.AffiliateNo),
		zap.Int64("admin_id", adminID),
		zap.String("reason", reason))
	return replacement, nil
}

// GetAffiliateOf returns the affiliate the user is actively attributed to.
func (s *ReferralService) GetAffiliateOf(ctx context.Context, userID int64) (*model.Affiliate, error) {
	_, affiliate, err := s.activeReferral(ctx, nil, userID)
	return affiliate, err
}

func (s *ReferralService) activeReferral(ctx context.Context, tx *gorm.DB, userID int64) (*model.Referral, *model.Affiliate, error) {
	referral, err := s.referralRepo.GetActiveByUserID(ctx, tx, userID)
	if err != nil {
		return nil, nil, notFound(err, "referral")
	}
	affiliate, err := s.affiliateRepo.GetByID(ctx, tx, referral.AffiliateID)
	if err != nil {
		return nil, nil, notFound(err, "affiliate")
	}
	return referral, affiliate, nil
}

func (s *ReferralService) Get(ctx context.Context, referralNo string) (*model.Referral, error) {
	referral, err := s.referralRepo.GetByNo(ctx, nil, referralNo)
	if err != nil {
		return nil, notFound(err, "referral")
	}
	return referral, nil
}

func (s *ReferralService) ListReferrals(ctx context.Context, f repository.ReferralFilter, page, pageSize int) ([]*model.Referral, int64, error) {
	return s.referralRepo.List(ctx, f, page, pageSize)
}
