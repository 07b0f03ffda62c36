package service

import (
	"errors"
	"sync"
	"testing"
	"time"

	"affiliateledger/internal/model"
	"affiliateledger/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pixRequest(t *testing.T, affiliateID int64, amount string) *PayoutRequestInput {
	return &PayoutRequestInput{
		AffiliateID: affiliateID,
		Amount:      testutil.Dec(t, amount),
		Currency:    "USD",
		Method:      model.PayoutMethodPIX,
		Destination: "pix:affiliate@example.com",
	}
}

func TestRequestPayout_ClaimsAllEntries(t *testing.T) {
	f := newFixture(t)
	a := f.enroll(1, "CODE")
	seeded := f.seedApproved(a.ID, "USD", "15", "20", "25")

	payout, err := f.svc.Payouts.RequestPayout(f.ctx, pixRequest(t, a.ID, "60"))
	require.NoError(t, err)
	assert.Equal(t, model.PayoutStatusPending, payout.Status)
	testutil.RequireDecimal(t, "60", payout.Amount)
	testutil.RequireDecimal(t, "8.50", payout.FeeAmount)
	testutil.RequireDecimal(t, "51.50", payout.NetAmount)
	assert.Equal(t, 3, payout.EntryCount)

	for _, e := range seeded {
		got := f.entry(e.EntryNo)
		require.NotNil(t, got.ClaimedBy)
		assert.Equal(t, payout.PayoutNo, *got.ClaimedBy)
		assert.Equal(t, model.EntryStatusApproved, got.Status)
	}

	b := f.balance(a.ID, "USD")
	testutil.RequireDecimal(t, "0", b.Approved)
	testutil.RequireDecimal(t, "60", b.Claimed)

	_, err = f.svc.Payouts.RequestPayout(f.ctx, pixRequest(t, a.ID, "20"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	_, err = f.svc.Payouts.RequestPayout(f.ctx, pixRequest(t, a.ID, "0"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestRequestPayout_ConcurrentRequestsSettleOnce(t *testing.T) {
	for name, withLock := range map[string]bool{"locked": true, "unlocked": false} {
		t.Run(name, func(t *testing.T) {
			var f *fixture
			if withLock {
				f = newFixture(t)
			} else {
				f = newFixtureWithLocker(t, noopLocker{})
			}
			a := f.enroll(1, "CODE")
			f.seedApproved(a.ID, "USD", "15", "20", "25")

			const workers = 6
			errs := make([]error, workers)
			var wg sync.WaitGroup
			start := make(chan struct{})
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					_, errs[i] = f.svc.Payouts.RequestPayout(f.ctx, pixRequest(t, a.ID, "60"))
				}(i)
			}
			close(start)
			wg.Wait()

			succeeded := 0
			for _, err := range errs {
				if err == nil {
					succeeded++
					continue
				}
				assert.True(t, errors.Is(err, ErrInsufficientBalance) || errors.Is(err, ErrConcurrentClaimConflict), err)
			}
			assert.Equal(t, 1, succeeded)

			b := f.balance(a.ID, "USD")
			testutil.RequireDecimal(t, "60", b.Claimed)
			testutil.RequireDecimal(t, "0", b.Approved)
		})
	}
}

func TestRequestPayout_RequestIDIsIdempotent(t *testing.T) {
	f := newFixture(t)
	a := f.enroll(1, "CODE")
	f.seedApproved(a.ID, "USD", "15", "20", "25")

	req := pixRequest(t, a.ID, "35")
	req.RequestID = "req-1"
	first, err := f.svc.Payouts.RequestPayout(f.ctx, req)
	require.NoError(t, err)

	retry := pixRequest(t, a.ID, "35")
	retry.RequestID = "req-1"
	second, err := f.svc.Payouts.RequestPayout(f.ctx, retry)
	require.NoError(t, err)
	assert.Equal(t, first.PayoutNo, second.PayoutNo)

	b := f.balance(a.ID, "USD")
	testutil.RequireDecimal(t, "35", b.Claimed)
	testutil.RequireDecimal(t, "25", b.Approved)
}

func TestRequestPayout_RequestIDScopedToAffiliate(t *testing.T) {
	f := newFixture(t)
	a := f.enroll(1, "CODEA")
	b := f.enroll(2, "CODEB")
	f.seedApproved(a.ID, "USD", "60")
	f.seedApproved(b.ID, "USD", "40")

	reqA := pixRequest(t, a.ID, "60")
	reqA.RequestID = "req-1"
	payoutA, err := f.svc.Payouts.RequestPayout(f.ctx, reqA)
	require.NoError(t, err)

	reqB := pixRequest(t, b.ID, "40")
	reqB.RequestID = "req-1"
	payoutB, err := f.svc.Payouts.RequestPayout(f.ctx, reqB)
	require.NoError(t, err)
	assert.NotEqual(t, payoutA.PayoutNo, payoutB.PayoutNo)
	assert.Equal(t, b.ID, payoutB.AffiliateID)
	testutil.RequireDecimal(t, "40", payoutB.Amount)
	testutil.RequireDecimal(t, "40", f.balance(b.ID, "USD").Claimed)

	mismatch := pixRequest(t, a.ID, "30")
	mismatch.RequestID = "req-1"
	_, err = f.svc.Payouts.RequestPayout(f.ctx, mismatch)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	crypto := pixRequest(t, a.ID, "60")
	crypto.RequestID = "req-1"
	crypto.Method = model.PayoutMethodCrypto
	_, err = f.svc.Payouts.RequestPayout(f.ctx, crypto)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRequestPayout_Rejections(t *testing.T) {
	f := newFixture(t)
	a := f.enroll(1, "CODE")
	f.seedApproved(a.ID, "USD", "15", "20", "25", "50")

	_, err := f.svc.Payouts.RequestPayout(f.ctx, &PayoutRequestInput{AffiliateID: a.ID, Amount: testutil.Dec(t, "15"), Currency: "USD", Method: "paypal", Destination: "x"})
	assert.ErrorIs(t, err, ErrInvalidPayoutMethod)

	_, err = f.svc.Payouts.RequestPayout(f.ctx, pixRequest(t, a.ID, "15.001"))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = f.svc.Payouts.RequestPayout(f.ctx, pixRequest(t, 999, "15"))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.Payouts.RequestPayout(f.ctx, pixRequest(t, a.ID, "500"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = f.svc.Payouts.RequestPayout(f.ctx, pixRequest(t, a.ID, "30"))
	var notSettleable *NotSettleableError
	require.ErrorAs(t, err, &notSettleable)
	assert.ErrorIs(t, err, ErrAmountNotSettleable)
	testutil.RequireDecimal(t, "15", notSettleable.Below)
	testutil.RequireDecimal(t, "35", notSettleable.Above)

	pix := pixRequest(t, a.ID, "15")
	_, err = f.svc.Payouts.RequestPayout(f.ctx, pix)
	assert.ErrorIs(t, err, ErrBelowMinimum)

	bank := pixRequest(t, a.ID, "35")
	bank.Method = model.PayoutMethodBankDeposit
	_, err = f.svc.Payouts.RequestPayout(f.ctx, bank)
	assert.ErrorIs(t, err, ErrBelowMinimum)

	bank = pixRequest(t, a.ID, "0")
	bank.Method = model.PayoutMethodBankDeposit
	_, err = f.svc.Payouts.RequestPayout(f.ctx, bank)
	assert.ErrorIs(t, err, ErrAboveMaximum)

	// nothing was claimed by the failed attempts
	testutil.RequireDecimal(t, "110", f.balance(a.ID, "USD").Approved)

	_, err = f.svc.Affiliates.SetStatus(f.ctx, a.ID, model.AffiliateStatusSuspended, testAdminID, "fraud review")
	require.NoError(t, err)
	_, err = f.svc.Payouts.RequestPayout(f.ctx, pixRequest(t, a.ID, "60"))
	assert.ErrorIs(t, err, ErrAffiliateInactive)
}

func TestRequestPayout_ExplicitEntriesAndPercentFee(t *testing.T) {
	f := newFixture(t)
	a := f.enroll(1, "CODE")
	seeded := f.seedApproved(a.ID, "USD", "15", "20", "25")

	req := pixRequest(t, a.ID, "0")
	req.Method = model.PayoutMethodCrypto
	req.EntryNos = []string{seeded[2].EntryNo}
	payout, err := f.svc.Payouts.RequestPayout(f.ctx, req)
	require.NoError(t, err)
	testutil.RequireDecimal(t, "25", payout.Amount)
	testutil.RequireDecimal(t, "0.25", payout.FeeAmount)
	testutil.RequireDecimal(t, "24.75", payout.NetAmount)
	assert.Equal(t, payout.PayoutNo, *f.entry(seeded[2].EntryNo).ClaimedBy)
	assert.Nil(t, f.entry(seeded[0].EntryNo).ClaimedBy)

	req = pixRequest(t, a.ID, "30")
	req.EntryNos = []string{seeded[0].EntryNo, seeded[1].EntryNo}
	_, err = f.svc.Payouts.RequestPayout(f.ctx, req)
	assert.ErrorIs(t, err, ErrAmountNotSettleable)

	req = pixRequest(t, a.ID, "0")
	req.EntryNos = []string{seeded[2].EntryNo}
	_, err = f.svc.Payouts.RequestPayout(f.ctx, req)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestPayoutLifecycle_Completed(t *testing.T) {
	f := newFixture(t)
	a := f.enroll(1, "CODE")
	seeded := f.seedApproved(a.ID, "USD", "15", "20", "25")

	payout, err := f.svc.Payouts.RequestPayout(f.ctx, pixRequest(t, a.ID, "60"))
	require.NoError(t, err)

	_, err = f.svc.Payouts.MarkCompleted(f.ctx, payout.PayoutNo, SystemActorID)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	processing, err := f.svc.Payouts.MarkProcessing(f.ctx, payout.PayoutNo, testAdminID)
	require.NoError(t, err)
	assert.Equal(t, model.PayoutStatusProcessing, processing.Status)
	assert.NotNil(t, processing.ProcessingAt)
	assert.EqualValues(t, 1, f.outboxCount(f.cfg.Kafka.Topic.PayoutInstructions))

	completed, err := f.svc.Payouts.MarkCompleted(f.ctx, payout.PayoutNo, SystemActorID)
	require.NoError(t, err)
	assert.Equal(t, model.PayoutStatusCompleted, completed.Status)
	assert.EqualValues(t, 1, f.outboxCount(f.cfg.Kafka.Topic.PayoutEvents))

	for _, e := range seeded {
		got := f.entry(e.EntryNo)
		assert.Equal(t, model.EntryStatusPaid, got.Status)
		assert.NotNil(t, got.PaidAt)
	}
	b := f.balance(a.ID, "USD")
	testutil.RequireDecimal(t, "60", b.Paid)
	testutil.RequireDecimal(t, "0", b.Claimed)

	// late or repeated callbacks are refused
	_, err = f.svc.Payouts.MarkFailed(f.ctx, payout.PayoutNo, "rail timeout", SystemActorID)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	_, err = f.svc.Payouts.MarkCompleted(f.ctx, payout.PayoutNo, SystemActorID)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	detail, err := f.svc.Payouts.GetPayout(f.ctx, payout.PayoutNo)
	require.NoError(t, err)
	assert.Len(t, detail.Entries, 3)

	_, err = f.svc.Payouts.GetPayout(f.ctx, "PO-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPayoutLifecycle_FailedReleasesEntries(t *testing.T) {
	f := newFixture(t)
	a := f.enroll(1, "CODE")
	seeded := f.seedApproved(a.ID, "USD", "15", "20", "25")

	payout, err := f.svc.Payouts.RequestPayout(f.ctx, pixRequest(t, a.ID, "60"))
	require.NoError(t, err)
	_, err = f.svc.Payouts.MarkProcessing(f.ctx, payout.PayoutNo, testAdminID)
	require.NoError(t, err)

	failed, err := f.svc.Payouts.MarkFailed(f.ctx, payout.PayoutNo, "invalid pix key", SystemActorID)
	require.NoError(t, err)
	assert.Equal(t, model.PayoutStatusFailed, failed.Status)
	assert.Equal(t, "invalid pix key", failed.FailureReason)

	for _, e := range seeded {
		got := f.entry(e.EntryNo)
		assert.Equal(t, model.EntryStatusApproved, got.Status)
		assert.Nil(t, got.ClaimedBy)
	}
	testutil.RequireDecimal(t, "60", f.balance(a.ID, "USD").Approved)

	_, err = f.svc.Payouts.MarkCompleted(f.ctx, payout.PayoutNo, SystemActorID)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	retry, err := f.svc.Payouts.RequestPayout(f.ctx, pixRequest(t, a.ID, "60"))
	require.NoError(t, err)
	assert.NotEqual(t, payout.PayoutNo, retry.PayoutNo)
}

func TestStaleProcessing_ReemitsInstruction(t *testing.T) {
	f := newFixture(t)
	a := f.enroll(1, "CODE")
	f.seedApproved(a.ID, "USD", "60")

	payout, err := f.svc.Payouts.RequestPayout(f.ctx, pixRequest(t, a.ID, "60"))
	require.NoError(t, err)

	pending, err := f.svc.Payouts.PendingBefore(f.ctx, time.Now().UTC().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, err = f.svc.Payouts.MarkProcessing(f.ctx, payout.PayoutNo, SystemActorID)
	require.NoError(t, err)

	stale, err := f.svc.Payouts.StaleProcessing(f.ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, stale)

	f.setNow(time.Now().UTC().Add(2 * time.Hour))
	stale, err = f.svc.Payouts.StaleProcessing(f.ctx, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	require.NoError(t, f.svc.Payouts.ReemitInstruction(f.ctx, stale[0]))
	assert.EqualValues(t, 2, f.outboxCount(f.cfg.Kafka.Topic.PayoutInstructions))

	got, err := f.svc.Payouts.GetPayout(f.ctx, payout.PayoutNo)
	require.NoError(t, err)
	assert.Equal(t, model.PayoutStatusProcessing, got.Payout.Status)
}
