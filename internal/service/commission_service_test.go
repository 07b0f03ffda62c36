package service

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"affiliateledger/internal/config"
	"affiliateledger/internal/model"
	"affiliateledger/internal/repository"
	"affiliateledger/internal/testutil"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnQualifyingEvent_DepositEarnsTierRate(t *testing.T) {
	f := newFixture(t)
	a := f.enroll(1, "CBB-AFC-2024-USER")
	_, err := f.svc.Referrals.AttributeByCode(f.ctx, 200, "CBB-AFC-2024-USER")
	require.NoError(t, err)

	entries, err := f.svc.Commissions.OnQualifyingEvent(f.ctx, deposit(200, "1000", "dep-1"))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	e := entries[0]
	assert.Equal(t, a.ID, e.AffiliateID)
	assert.Equal(t, model.EntryStatusPending, e.Status)
	assert.Equal(t, model.PrimaryTierLevel, e.TierLevel)
	testutil.RequireDecimal(t, "15.00", e.Amount)
	testutil.RequireDecimal(t, "0.015", e.Rate)

	b := f.balance(a.ID, "USD")
	testutil.RequireDecimal(t, "15", b.Pending)
	testutil.RequireDecimal(t, "15", b.Earned)
	testutil.RequireDecimal(t, "0", b.Approved)
}

func TestOnQualifyingEvent_SameKeyOneEntry(t *testing.T) {
	f := newFixture(t)
	f.enroll(1, "CODE")
	_, err := f.svc.Referrals.AttributeByCode(f.ctx, 200, "CODE")
	require.NoError(t, err)

	first, err := f.svc.Commissions.OnQualifyingEvent(f.ctx, deposit(200, "1000", "webhook-42"))
	require.NoError(t, err)
	require.Len(t, first, 1)

	for i := 0; i < 3; i++ {
		again, err := f.svc.Commissions.OnQualifyingEvent(f.ctx, deposit(200, "1000", "webhook-42"))
		require.NoError(t, err)
		require.Len(t, again, 1)
		assert.Equal(t, first[0].EntryNo, again[0].EntryNo)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Commissions.OnQualifyingEvent(f.ctx, deposit(200, "1000", "webhook-43"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for _, key := range []string{"webhook-42", "webhook-43"} {
		got, err := repository.NewCommissionRepository(f.db).GetByIdempotencyKeys(f.ctx, nil, []string{key})
		require.NoError(t, err)
		assert.Len(t, got, 1, key)
	}
}

func TestOnQualifyingEvent_ConcurrentDuplicatesRaceToStore(t *testing.T) {
	f := newFixture(t)
	f.enroll(1, "CODE")
	_, err := f.svc.Referrals.AttributeByCode(f.ctx, 200, "CODE")
	require.NoError(t, err)

	const workers = 8
	results := make([][]*model.CommissionEntry, workers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			entries, err := f.svc.Commissions.OnQualifyingEvent(f.ctx, deposit(200, "250", "race-key"))
			if assert.NoError(t, err) {
				results[i] = entries
			}
		}(i)
	}
	close(start)
	wg.Wait()

	for _, entries := range results {
		require.Len(t, entries, 1)
		assert.Equal(t, results[0][0].EntryNo, entries[0].EntryNo)
	}
}

func TestOnQualifyingEvent_NoReferralNoCommission(t *testing.T) {
	f := newFixture(t)
	entries, err := f.svc.Commissions.OnQualifyingEvent(f.ctx, deposit(404, "1000", "orphan"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOnQualifyingEvent_Validation(t *testing.T) {
	f := newFixture(t)
	cases := map[string]*QualifyingEvent{
		"manual type":   {ReferredUserID: 1, Type: model.EventTypeManual, BasisAmount: decimal.NewFromInt(1), Currency: "USD", IdempotencyKey: "k"},
		"zero basis":    {ReferredUserID: 1, Type: model.EventTypeDeposit, BasisAmount: decimal.Zero, Currency: "USD", IdempotencyKey: "k"},
		"unknown money": {ReferredUserID: 1, Type: model.EventTypeDeposit, BasisAmount: decimal.NewFromInt(1), Currency: "XYZ", IdempotencyKey: "k"},
		"empty key":     {ReferredUserID: 1, Type: model.EventTypeDeposit, BasisAmount: decimal.NewFromInt(1), Currency: "USD"},
	}
	for name, ev := range cases {
		_, err := f.svc.Commissions.OnQualifyingEvent(f.ctx, ev)
		assert.ErrorIs(t, err, ErrInvalidEvent, name)
	}
}

func TestOnQualifyingEvent_UsesRateInForceAtOccurredAt(t *testing.T) {
	f := newFixture(t)
	a := f.enroll(1, "CODE")
	_, err := f.svc.Referrals.AttributeByCode(f.ctx, 200, "CODE")
	require.NoError(t, err)

	change := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	_, err = f.svc.Tiers.SetRate(f.ctx, &SetRateRequest{
		Tier: model.TierCommon, EventType: model.EventTypeDeposit, Rate: testutil.Dec(t, "0.02"), EffectiveFrom: &change,
	}, testAdminID)
	require.NoError(t, err)

	before := deposit(200, "1000", "before")
	before.OccurredAt = change.Add(-time.Minute)
	after := deposit(200, "1000", "after")
	after.OccurredAt = change

	e1, err := f.svc.Commissions.OnQualifyingEvent(f.ctx, before)
	require.NoError(t, err)
	e2, err := f.svc.Commissions.OnQualifyingEvent(f.ctx, after)
	require.NoError(t, err)
	testutil.RequireDecimal(t, "15", e1[0].Amount)
	testutil.RequireDecimal(t, "20", e2[0].Amount)

	// an affiliate override beats the tier default from its start on
	overrideFrom := change.Add(24 * time.Hour)
	_, err = f.svc.Tiers.SetRate(f.ctx, &SetRateRequest{
		AffiliateID: &a.ID, EventType: model.EventTypeDeposit, Rate: testutil.Dec(t, "0.03"), EffectiveFrom: &overrideFrom,
	}, testAdminID)
	require.NoError(t, err)

	rate, err := f.svc.Tiers.EffectiveRate(f.ctx, a.ID, model.EventTypeDeposit, overrideFrom, 1)
	require.NoError(t, err)
	testutil.RequireDecimal(t, "0.03", rate)
	rate, err = f.svc.Tiers.EffectiveRate(f.ctx, a.ID, model.EventTypeDeposit, before.OccurredAt, 1)
	require.NoError(t, err)
	testutil.RequireDecimal(t, "0.015", rate)

	// replaying the old event still yields the old amount
	replay, err := f.svc.Commissions.OnQualifyingEvent(f.ctx, before)
	require.NoError(t, err)
	testutil.RequireDecimal(t, "15", replay[0].Amount)
}

func TestEffectiveRate_FollowsTierHistory(t *testing.T) {
	f := newFixture(t)
	enrolledAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f.setNow(enrolledAt)
	a := f.enroll(1, "CODE")

	promoted := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	f.setNow(promoted)
	_, err := f.svc.Tiers.SetTier(f.ctx, a.ID, &SetTierRequest{Tier: model.TierVIP, Reason: "volume"}, testAdminID)
	require.NoError(t, err)

	rate, err := f.svc.Tiers.EffectiveRate(f.ctx, a.ID, model.EventTypeDeposit, promoted.Add(-time.Hour), 1)
	require.NoError(t, err)
	testutil.RequireDecimal(t, "0.015", rate)

	rate, err = f.svc.Tiers.EffectiveRate(f.ctx, a.ID, model.EventTypeDeposit, promoted, 1)
	require.NoError(t, err)
	testutil.RequireDecimal(t, "0.05", rate)

	rate, err = f.svc.Tiers.EffectiveRate(f.ctx, a.ID, model.EventTypeSubscription, promoted, 1)
	require.NoError(t, err)
	assert.True(t, rate.IsZero(), "vip has no subscription default")
}

func TestSetRate_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Tiers.SetRate(f.ctx, &SetRateRequest{Tier: model.TierCommon, EventType: "deposit", Rate: testutil.Dec(t, "1")}, testAdminID)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = f.svc.Tiers.SetRate(f.ctx, &SetRateRequest{Tier: "gold", EventType: "deposit", Rate: testutil.Dec(t, "0.1")}, testAdminID)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = f.svc.Tiers.SetRate(f.ctx, &SetRateRequest{Tier: model.TierCommon, EventType: "deposit", Rate: testutil.Dec(t, "0.1")}, 1)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestSeedDefaults_RunsOnce(t *testing.T) {
	f := newFixture(t)
	n, err := f.svc.Tiers.SeedDefaults(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOnQualifyingEvent_MultiTierSplit(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Business.MultiTier.Enabled = true
	})
	top := f.enroll(1, "TOP")
	mid := f.enrollUnder(2, "MID", "TOP")
	_, err := f.svc.Referrals.AttributeByCode(f.ctx, 300, "MID")
	require.NoError(t, err)

	entries, err := f.svc.Commissions.OnQualifyingEvent(f.ctx, deposit(300, "1000", "mt-1"))
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, mid.ID, entries[0].AffiliateID)
	assert.Equal(t, 1, entries[0].TierLevel)
	assert.Equal(t, "mt-1", entries[0].IdempotencyKey)
	testutil.RequireDecimal(t, "15", entries[0].Amount)

	assert.Equal(t, top.ID, entries[1].AffiliateID)
	assert.Equal(t, 2, entries[1].TierLevel)
	assert.Equal(t, "mt-1#L2", entries[1].IdempotencyKey)
	testutil.RequireDecimal(t, "5", entries[1].Amount)

	again, err := f.svc.Commissions.OnQualifyingEvent(f.ctx, deposit(300, "1000", "mt-1"))
	require.NoError(t, err)
	assert.Len(t, again, 2)

	// no level-2 trade rate is configured, so only the direct affiliate earns
	trade := deposit(300, "1000", "mt-2")
	trade.Type = model.EventTypeTrade
	entries, err = f.svc.Commissions.OnQualifyingEvent(f.ctx, trade)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, mid.ID, entries[0].AffiliateID)
}

func TestApproveAndCancelEntries(t *testing.T) {
	f := newFixture(t)
	a := f.enroll(1, "CODE")
	_, err := f.svc.Referrals.AttributeByCode(f.ctx, 200, "CODE")
	require.NoError(t, err)

	var nos []string
	for i := 0; i < 3; i++ {
		entries, err := f.svc.Commissions.OnQualifyingEvent(f.ctx, deposit(200, "1000", fmt.Sprintf("ev-%d", i)))
		require.NoError(t, err)
		nos = append(nos, entries[0].EntryNo)
	}

	_, err = f.svc.Commissions.ApproveEntries(f.ctx, nos[:2], 7)
	assert.ErrorIs(t, err, ErrForbidden)

	approved, err := f.svc.Commissions.ApproveEntries(f.ctx, nos[:2], testAdminID)
	require.NoError(t, err)
	assert.Len(t, approved, 2)

	again, err := f.svc.Commissions.ApproveEntries(f.ctx, nos[:2], testAdminID)
	require.NoError(t, err)
	assert.Empty(t, again)

	cancelled, err := f.svc.Commissions.CancelEntry(f.ctx, nos[2], testAdminID, "chargeback")
	require.NoError(t, err)
	assert.Equal(t, model.EntryStatusCancelled, cancelled.Status)

	_, err = f.svc.Commissions.CancelEntry(f.ctx, nos[2], testAdminID, "twice")
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	b := f.balance(a.ID, "USD")
	testutil.RequireDecimal(t, "30", b.Approved)
	testutil.RequireDecimal(t, "0", b.Pending)
	testutil.RequireDecimal(t, "15", b.Cancelled)
	testutil.RequireDecimal(t, "30", b.Earned)
}

func TestCorrectEntry_PaidEntryGetsNegativeManualEntry(t *testing.T) {
	f := newFixture(t)
	a := f.enroll(1, "CODE")
	seeded := f.seedApproved(a.ID, "USD", "15", "20", "25")

	payout, err := f.svc.Payouts.RequestPayout(f.ctx, &PayoutRequestInput{AffiliateID: a.ID, Amount: testutil.Dec(t, "60"), Currency: "USD", Method: "pix", Destination: "pix-key"})
	require.NoError(t, err)
	_, err = f.svc.Payouts.MarkProcessing(f.ctx, payout.PayoutNo, testAdminID)
	require.NoError(t, err)
	_, err = f.svc.Payouts.MarkCompleted(f.ctx, payout.PayoutNo, SystemActorID)
	require.NoError(t, err)

	_, err = f.svc.Commissions.CorrectEntry(f.ctx, seeded[0].EntryNo, testutil.Dec(t, "5"), testAdminID, "overpaid")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	correction, err := f.svc.Commissions.CorrectEntry(f.ctx, seeded[0].EntryNo, testutil.Dec(t, "-5"), testAdminID, "overpaid")
	require.NoError(t, err)
	assert.Equal(t, model.EventTypeManual, correction.EventType)
	assert.Equal(t, model.EntryStatusApproved, correction.Status)
	assert.Equal(t, seeded[0].EntryNo, correction.ReferenceEntryNo)
	testutil.RequireDecimal(t, "-5", correction.Amount)

	original := f.entry(seeded[0].EntryNo)
	assert.Equal(t, model.EntryStatusPaid, original.Status)
	testutil.RequireDecimal(t, "15", original.Amount)

	b := f.balance(a.ID, "USD")
	testutil.RequireDecimal(t, "60", b.Paid)
	testutil.RequireDecimal(t, "-5", b.Approved)
	testutil.RequireDecimal(t, "55", b.Earned)
}

func TestCorrectEntry_TotalCorrectionsCappedAtEntryAmount(t *testing.T) {
	f := newFixture(t)
	a := f.enroll(1, "CODE")
	seeded := f.seedApproved(a.ID, "USD", "15")

	_, err := f.svc.Commissions.CorrectEntry(f.ctx, seeded[0].EntryNo, testutil.Dec(t, "-10"), testAdminID, "partial chargeback")
	require.NoError(t, err)

	_, err = f.svc.Commissions.CorrectEntry(f.ctx, seeded[0].EntryNo, testutil.Dec(t, "-10"), testAdminID, "again")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	last, err := f.svc.Commissions.CorrectEntry(f.ctx, seeded[0].EntryNo, testutil.Dec(t, "-5"), testAdminID, "rest")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = f.svc.Commissions.CorrectEntry(f.ctx, seeded[0].EntryNo, testutil.Dec(t, "-15"), testAdminID, "full reversal")
		assert.ErrorIs(t, err, ErrInvalidArgument)
	}

	b := f.balance(a.ID, "USD")
	testutil.RequireDecimal(t, "0", b.Approved)
	testutil.RequireDecimal(t, "0", b.Earned)

	_, err = f.svc.Commissions.CorrectEntry(f.ctx, last.EntryNo, testutil.Dec(t, "-1"), testAdminID, "correcting a correction")
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	// A cancelled correction frees its share of the cap.
	_, err = f.svc.Commissions.CancelEntry(f.ctx, last.EntryNo, testAdminID, "booked by mistake")
	require.NoError(t, err)
	_, err = f.svc.Commissions.CorrectEntry(f.ctx, seeded[0].EntryNo, testutil.Dec(t, "-5"), testAdminID, "rebooked")
	require.NoError(t, err)
	testutil.RequireDecimal(t, "0", f.balance(a.ID, "USD").Earned)
}

func TestCorrectEntry_CancelAndCorrectionDoNotStack(t *testing.T) {
	f := newFixture(t)
	a := f.enroll(1, "CODE")
	_, err := f.svc.Referrals.AttributeByCode(f.ctx, 50, "CODE")
	require.NoError(t, err)

	entries, err := f.svc.Commissions.OnQualifyingEvent(f.ctx, deposit(50, "1000", "dep-50"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	no := entries[0].EntryNo

	_, err = f.svc.Commissions.CorrectEntry(f.ctx, no, testutil.Dec(t, "-15"), testAdminID, "clawback")
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	_, err = f.svc.Commissions.ApproveEntries(f.ctx, []string{no}, testAdminID)
	require.NoError(t, err)
	_, err = f.svc.Commissions.CorrectEntry(f.ctx, no, testutil.Dec(t, "-15"), testAdminID, "clawback")
	require.NoError(t, err)

	_, err = f.svc.Commissions.CancelEntry(f.ctx, no, testAdminID, "chargeback")
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	assert.Equal(t, model.EntryStatusApproved, f.entry(no).Status)

	b := f.balance(a.ID, "USD")
	testutil.RequireDecimal(t, "0", b.Approved)
	testutil.RequireDecimal(t, "0", b.Earned)
	testutil.RequireDecimal(t, "0", b.Cancelled)
}
