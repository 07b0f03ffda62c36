package repository

import (
	"context"
	"testing"
	"time"

	"affiliateledger/internal/model"
	"affiliateledger/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func seedAffiliate(t *testing.T, db *gorm.DB, userID int64, code string) *model.Affiliate {
	t.Helper()
	a := &model.Affiliate{
		AffiliateNo: code + "-NO",
		UserID:      userID,
		Code:        code,
		Tier:        model.TierCommon,
		Status:      model.AffiliateStatusActive,
	}
	require.NoError(t, NewAffiliateRepository(db).Create(context.Background(), nil, a))
	return a
}

func seedEntry(t *testing.T, db *gorm.DB, affiliateID int64, no, amount, status string) *model.CommissionEntry {
	t.Helper()
	e := &model.CommissionEntry{
		EntryNo:        no,
		AffiliateID:    affiliateID,
		TierLevel:      model.PrimaryTierLevel,
		EventType:      model.EventTypeDeposit,
		BasisAmount:    testutil.Dec(t, "1000"),
		Rate:           testutil.Dec(t, "0.015"),
		Amount:         testutil.Dec(t, amount),
		Currency:       "USD",
		Status:         status,
		IdempotencyKey: "key-" + no,
		OccurredAt:     time.Now().UTC(),
	}
	require.NoError(t, NewCommissionRepository(db).Create(context.Background(), nil, e))
	return e
}

func TestAffiliateRepository_UniqueCodeAndStatusCAS(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()
	repo := NewAffiliateRepository(db)

	a := seedAffiliate(t, db, 1, "CODE-A")

	err := repo.Create(ctx, nil, &model.Affiliate{AffiliateNo: "X", UserID: 2, Code: "CODE-A", Tier: model.TierCommon, Status: model.AffiliateStatusActive})
	assert.ErrorIs(t, err, ErrDuplicateKey)

	require.NoError(t, repo.UpdateStatus(ctx, nil, a.ID, model.AffiliateStatusActive, model.AffiliateStatusSuspended))
	assert.ErrorIs(t, repo.UpdateStatus(ctx, nil, a.ID, model.AffiliateStatusActive, model.AffiliateStatusSuspended), ErrStatusConflict)

	got, err := repo.GetByCode(ctx, "CODE-A")
	require.NoError(t, err)
	assert.Equal(t, model.AffiliateStatusSuspended, got.Status)
	assert.Equal(t, 1, got.Version)

	_, err = repo.GetByUserID(ctx, 99)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestReferralRepository_LiveSlotIsUnique(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()
	repo := NewReferralRepository(db)
	a := seedAffiliate(t, db, 1, "CODE-A")

	userID := int64(500)
	first := &model.Referral{
		ReferralNo: "R1", ReferredUserID: userID, AffiliateID: a.ID, LiveUserID: &userID,
		Source: model.ReferralSourceManualLink, Status: model.ReferralStatusPendingReview, LinkedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.Create(ctx, nil, first))

	second := &model.Referral{
		ReferralNo: "R2", ReferredUserID: userID, AffiliateID: a.ID, LiveUserID: &userID,
		Source: model.ReferralSourceCode, Status: model.ReferralStatusActive, LinkedAt: time.Now().UTC(),
	}
	assert.ErrorIs(t, repo.Create(ctx, nil, second), ErrDuplicateKey)

	require.NoError(t, repo.Reject(ctx, nil, "R1", model.ReferralStatusPendingReview, 9, "spam", time.Now().UTC(), nil))
	assert.ErrorIs(t, repo.Reject(ctx, nil, "R1", model.ReferralStatusPendingReview, 9, "spam", time.Now().UTC(), nil), ErrStatusConflict)

	// the rejected record released the slot
	second.ID = 0
	second.ReferralNo = "R3"
	require.NoError(t, repo.Create(ctx, nil, second))

	n, err := repo.CountNonRejectedByUser(ctx, userID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	live, err := repo.GetActiveByUserID(ctx, nil, userID)
	require.NoError(t, err)
	assert.Equal(t, "R3", live.ReferralNo)
}

func TestCommissionRepository_IdempotencyKeyIsUnique(t *testing.T) {
	db := testutil.NewDB(t)
	a := seedAffiliate(t, db, 1, "CODE-A")
	e := seedEntry(t, db, a.ID, "E1", "15", model.EntryStatusPending)

	dup := *e
	dup.ID = 0
	dup.EntryNo = "E2"
	assert.ErrorIs(t, NewCommissionRepository(db).Create(context.Background(), nil, &dup), ErrDuplicateKey)
}

func TestCommissionRepository_ClaimIsExclusive(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()
	repo := NewCommissionRepository(db)
	a := seedAffiliate(t, db, 1, "CODE-A")
	seedEntry(t, db, a.ID, "E1", "15", model.EntryStatusApproved)
	seedEntry(t, db, a.ID, "E2", "20", model.EntryStatusApproved)
	seedEntry(t, db, a.ID, "E3", "25", model.EntryStatusPending)

	n, err := repo.Claim(ctx, nil, []string{"E1", "E2", "E3"}, "P1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n, "pending entries are not claimable")

	n, err = repo.Claim(ctx, nil, []string{"E1"}, "P2")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	eligible, err := repo.ListEligible(ctx, nil, a.ID, "USD")
	require.NoError(t, err)
	assert.Empty(t, eligible)

	assert.ErrorIs(t, repo.UpdateStatus(ctx, nil, "E1", model.EntryStatusApproved, model.EntryStatusCancelled, time.Now().UTC()), ErrStatusConflict)

	released, err := repo.ReleaseClaim(ctx, nil, "P1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, released)

	eligible, err = repo.ListEligible(ctx, nil, a.ID, "USD")
	require.NoError(t, err)
	require.Len(t, eligible, 2)
	assert.Equal(t, "E1", eligible[0].EntryNo)
	assert.Equal(t, model.EntryStatusApproved, eligible[0].Status)
}

func TestCommissionRepository_MarkPaidByClaim(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()
	repo := NewCommissionRepository(db)
	a := seedAffiliate(t, db, 1, "CODE-A")
	seedEntry(t, db, a.ID, "E1", "15", model.EntryStatusApproved)
	seedEntry(t, db, a.ID, "E2", "20", model.EntryStatusApproved)

	_, err := repo.Claim(ctx, nil, []string{"E1"}, "P1")
	require.NoError(t, err)

	n, err := repo.MarkPaidByClaim(ctx, nil, "P1", time.Now().UTC())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	e1, err := repo.GetByNo(ctx, nil, "E1")
	require.NoError(t, err)
	assert.Equal(t, model.EntryStatusPaid, e1.Status)
	assert.NotNil(t, e1.PaidAt)

	e2, err := repo.GetByNo(ctx, nil, "E2")
	require.NoError(t, err)
	assert.Equal(t, model.EntryStatusApproved, e2.Status)
}

func TestBalanceRepository_Refresh(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()
	a := seedAffiliate(t, db, 1, "CODE-A")
	seedEntry(t, db, a.ID, "E1", "15", model.EntryStatusPending)
	seedEntry(t, db, a.ID, "E2", "20", model.EntryStatusApproved)
	seedEntry(t, db, a.ID, "E3", "25", model.EntryStatusApproved)
	seedEntry(t, db, a.ID, "E4", "5.5", model.EntryStatusCancelled)
	_, err := NewCommissionRepository(db).Claim(ctx, nil, []string{"E3"}, "P1")
	require.NoError(t, err)

	repo := NewBalanceRepository(db)
	b, err := repo.Refresh(ctx, nil, a.ID, "USD")
	require.NoError(t, err)
	testutil.RequireDecimal(t, "60", b.Earned)
	testutil.RequireDecimal(t, "15", b.Pending)
	testutil.RequireDecimal(t, "20", b.Approved)
	testutil.RequireDecimal(t, "25", b.Claimed)
	testutil.RequireDecimal(t, "0", b.Paid)
	testutil.RequireDecimal(t, "5.5", b.Cancelled)

	// a second refresh updates the same row
	_, err = repo.Refresh(ctx, nil, a.ID, "USD")
	require.NoError(t, err)
	balances, err := repo.ListByAffiliate(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, balances, 1)
	testutil.RequireDecimal(t, "60", balances[0].Earned)
}

func TestRateRepository_HistoryLookup(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()
	repo := NewRateRepository(db)

	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	jun := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.CreateRate(ctx, nil, &model.RateSchedule{Tier: model.TierCommon, EventType: model.EventTypeDeposit, TierLevel: 1, Rate: testutil.Dec(t, "0.015"), EffectiveFrom: jan}))
	require.NoError(t, repo.CreateRate(ctx, nil, &model.RateSchedule{Tier: model.TierCommon, EventType: model.EventTypeDeposit, TierLevel: 1, Rate: testutil.Dec(t, "0.02"), EffectiveFrom: jun}))

	r, err := repo.FindTierRate(ctx, nil, model.TierCommon, model.EventTypeDeposit, 1, jun.Add(-time.Hour))
	require.NoError(t, err)
	testutil.RequireDecimal(t, "0.015", r.Rate)

	r, err = repo.FindTierRate(ctx, nil, model.TierCommon, model.EventTypeDeposit, 1, jun)
	require.NoError(t, err)
	testutil.RequireDecimal(t, "0.02", r.Rate)

	_, err = repo.FindTierRate(ctx, nil, model.TierCommon, model.EventTypeDeposit, 1, jan.Add(-time.Hour))
	assert.ErrorIs(t, err, ErrRecordNotFound)

	ok, err := repo.HasTierDefault(ctx, model.TierCommon, model.EventTypeDeposit, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPayoutRepository_UpdateStatusCAS(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()
	repo := NewPayoutRepository(db)
	now := time.Now().UTC()

	p := &model.PayoutRequest{
		PayoutNo: "P1", AffiliateID: 1, Amount: testutil.Dec(t, "60"), Currency: "USD",
		Method: model.PayoutMethodPIX, Destination: "pix-key", FeeType: model.FeeTypeFixed,
		FeeValue: testutil.Dec(t, "8.5"), FeeAmount: testutil.Dec(t, "8.5"), NetAmount: testutil.Dec(t, "51.5"),
		EntryCount: 3, Status: model.PayoutStatusPending, RequestedAt: now,
	}
	require.NoError(t, repo.Create(ctx, nil, p))

	assert.ErrorIs(t, repo.UpdateStatus(ctx, nil, "P1", model.PayoutStatusPending, model.PayoutStatusCompleted, "", now), ErrStatusConflict)
	require.NoError(t, repo.UpdateStatus(ctx, nil, "P1", model.PayoutStatusPending, model.PayoutStatusProcessing, "", now))
	require.NoError(t, repo.UpdateStatus(ctx, nil, "P1", model.PayoutStatusProcessing, model.PayoutStatusFailed, "rail down", now))

	got, err := repo.GetByNo(ctx, nil, "P1")
	require.NoError(t, err)
	assert.Equal(t, model.PayoutStatusFailed, got.Status)
	assert.Equal(t, "rail down", got.FailureReason)
	assert.NotNil(t, got.ProcessingAt)
	assert.NotNil(t, got.FailedAt)
}
