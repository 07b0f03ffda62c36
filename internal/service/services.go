package service

import (
	"affiliateledger/internal/config"
	"affiliateledger/internal/infrastructure/lock"

	"gorm.io/gorm"
)

// Services bundles the ledger components over one store.
type Services struct {
	Guard       *AdminGuard
	Affiliates  *AffiliateService
	Tiers       *TierService
	Referrals   *ReferralService
	Commissions *CommissionService
	Payouts     *PayoutService
	Adjustments *AdjustmentService
	Outbox      *OutboxService
}

func NewServices(db *gorm.DB, cfg *config.Config, identity IdentityProvider, locker lock.Locker) (*Services, error) {
	tiers := NewTierService(db, cfg, identity)
	referrals := NewReferralService(db, cfg, identity, locker)
	commissions := NewCommissionService(db, cfg, identity, referrals, tiers)
	payouts, err := NewPayoutService(db, cfg, locker)
	if err != nil {
		return nil, err
	}
	return &Services{
		Guard:       NewAdminGuard(identity),
		Affiliates:  NewAffiliateService(db, cfg, identity),
		Tiers:       tiers,
		Referrals:   referrals,
		Commissions: commissions,
		Payouts:     payouts,
		Adjustments: NewAdjustmentService(db, cfg, identity, commissions),
		Outbox:      NewOutboxService(db, identity),
	}, nil
}
