package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"affiliateledger/internal/config"
	"affiliateledger/internal/infrastructure/lock"
	"affiliateledger/internal/model"
	"affiliateledger/internal/repository"
	"affiliateledger/internal/testutil"
	"affiliateledger/pkg/idgen"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testAdminID int64 = 9000

type fakeIdentity struct {
	mu      sync.Mutex
	signups map[int64]time.Time
	admins  map[int64]bool
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{
		signups: map[int64]time.Time{},
		admins:  map[int64]bool{testAdminID: true},
	}
}

func (f *fakeIdentity) setSignup(userID int64, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signups[userID] = at
}

func (f *fakeIdentity) GetUserSignupTime(_ context.Context, userID int64) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.signups[userID]
	if !ok {
		return time.Time{}, ErrUserNotFound
	}
	return at, nil
}

func (f *fakeIdentity) IsAdmin(_ context.Context, actorID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.admins[actorID], nil
}

// noopLocker lets tests race requests straight into the store.
type noopLocker struct{}

func (noopLocker) Acquire(context.Context, string, string) (func(), error) {
	return func() {}, nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Kafka.Topic = config.KafkaTopicConfig{
		QualifyingEvents:   "qualifying_events",
		ReferralEvents:     "referral_events",
		PayoutEvents:       "payout_events",
		PayoutInstructions: "payout_instructions",
		AdjustmentEvents:   "adjustment_events",
	}
	cfg.Business = config.BusinessConfig{
		ManualLinkWindowHours: 48,
		AutoApproveAffiliates: true,
		AffiliateCodePrefix:   "CBB-AFC",
		MaxRetryCount:         5,
		MultiTier:             config.MultiTierConfig{Enabled: false, MaxDepth: 3},
		Currencies:            map[string]int32{"USD": 2, "BRL": 2, "USDT": 6},
		DefaultRates: []config.RateSeedConfig{
			{Tier: "common", EventType: "deposit", TierLevel: 1, Rate: "0.015"},
			{Tier: "common", EventType: "trade", TierLevel: 1, Rate: "0.015"},
			{Tier: "common", EventType: "subscription", TierLevel: 1, Rate: "0.10"},
			{Tier: "vip", EventType: "deposit", TierLevel: 1, Rate: "0.05"},
			{Tier: "common", EventType: "deposit", TierLevel: 2, Rate: "0.005"},
		},
		PayoutMethods: map[string]config.PayoutMethodConfig{
			"pix":          {FeeType: "fixed", FeeValue: "8.50", MinAmount: "20", MaxAmount: "50000"},
			"bank_deposit": {FeeType: "fixed", FeeValue: "0", MinAmount: "50", MaxAmount: "100"},
			"crypto":       {FeeType: "percent", FeeValue: "0.01", MinAmount: "10"},
		},
		PayoutStaleMinutes: 60,
	}
	return cfg
}

type fixture struct {
	t   *testing.T
	ctx context.Context
	db  *gorm.DB
	cfg *config.Config
	idp *fakeIdentity
	svc *Services
}

func newFixture(t *testing.T, mutate ...func(*config.Config)) *fixture {
	return newFixtureWithLocker(t, lock.NewLocalLocker(), mutate...)
}

func newFixtureWithLocker(t *testing.T, locker lock.Locker, mutate ...func(*config.Config)) *fixture {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}
	db := testutil.NewDB(t)
	idp := newFakeIdentity()
	svc, err := NewServices(db, cfg, idp, locker)
	require.NoError(t, err)

	f := &fixture{t: t, ctx: context.Background(), db: db, cfg: cfg, idp: idp, svc: svc}
	_, err = svc.Tiers.SeedDefaults(f.ctx)
	require.NoError(t, err)
	return f
}

// setNow pins the clock of every service.
func (f *fixture) setNow(now time.Time) {
	clock := func() time.Time { return now }
	f.svc.Affiliates.now = clock
	f.svc.Tiers.now = clock
	f.svc.Referrals.now = clock
	f.svc.Commissions.now = clock
	f.svc.Payouts.now = clock
	f.svc.Adjustments.now = clock
}

func (f *fixture) enroll(userID int64, code string) *model.Affiliate {
	f.t.Helper()
	a, err := f.svc.Affiliates.Enroll(f.ctx, &EnrollRequest{UserID: userID, Code: code})
	require.NoError(f.t, err)
	return a
}

func (f *fixture) enrollUnder(userID int64, code, parentCode string) *model.Affiliate {
	f.t.Helper()
	a, err := f.svc.Affiliates.Enroll(f.ctx, &EnrollRequest{UserID: userID, Code: code, ParentCode: parentCode})
	require.NoError(f.t, err)
	return a
}

// seedApproved writes approved entries directly, oldest first.
func (f *fixture) seedApproved(affiliateID int64, currency string, amounts ...string) []*model.CommissionEntry {
	f.t.Helper()
	repo := repository.NewCommissionRepository(f.db)
	var entries []*model.CommissionEntry
	base := time.Now().UTC().Add(-time.Hour)
	for i, amount := range amounts {
		now := base.Add(time.Duration(i) * time.Second)
		e := &model.CommissionEntry{
			EntryNo:        idgen.GenerateEntryNo(),
			AffiliateID:    affiliateID,
			TierLevel:      model.PrimaryTierLevel,
			EventType:      model.EventTypeDeposit,
			BasisAmount:    testutil.Dec(f.t, amount),
			Rate:           testutil.Dec(f.t, "1"),
			Amount:         testutil.Dec(f.t, amount),
			Currency:       currency,
			Status:         model.EntryStatusApproved,
			IdempotencyKey: "seed-" + idgen.GenerateEntryNo(),
			OccurredAt:     now,
			ApprovedAt:     &now,
			CreatedAt:      now,
		}
		require.NoError(f.t, repo.Create(f.ctx, nil, e))
		entries = append(entries, e)
	}
	_, err := repository.NewBalanceRepository(f.db).Refresh(f.ctx, nil, affiliateID, currency)
	require.NoError(f.t, err)
	return entries
}

func (f *fixture) entry(no string) *model.CommissionEntry {
	f.t.Helper()
	e, err := repository.NewCommissionRepository(f.db).GetByNo(f.ctx, nil, no)
	require.NoError(f.t, err)
	return e
}

func (f *fixture) balance(affiliateID int64, currency string) *model.AffiliateBalance {
	f.t.Helper()
	b, err := repository.NewBalanceRepository(f.db).Compute(f.ctx, nil, affiliateID, currency)
	require.NoError(f.t, err)
	return b
}

func (f *fixture) outboxCount(topic string) int64 {
	f.t.Helper()
	var n int64
	require.NoError(f.t, f.db.Model(&model.OutboxMessage{}).Where("topic = ?", topic).Count(&n).Error)
	return n
}

func deposit(userID int64, basis, key string) *QualifyingEvent {
	return &QualifyingEvent{
		ReferredUserID: userID,
		Type:           model.EventTypeDeposit,
		BasisAmount:    decimal.RequireFromString(basis),
		Currency:       "USD",
		IdempotencyKey: key,
	}
}
