package job

import (
	"context"
	"time"

	"affiliateledger/internal/config"
	"affiliateledger/internal/service"

	"go.uber.org/zap"
)

// PayoutDispatchJob hands pending payouts to the payment rail by moving them
// to processing, which queues the rail instruction.
type PayoutDispatchJob struct {
	payouts   *service.PayoutService
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
}

func NewPayoutDispatchJob(payouts *service.PayoutService, cfg *config.Config) *PayoutDispatchJob {
	interval := time.Duration(cfg.Business.PayoutDispatchIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &PayoutDispatchJob{
		payouts:   payouts,
		stopCh:    make(chan struct{}),
		interval:  interval,
		batchSize: 100,
	}
}

func (j *PayoutDispatchJob) Start(ctx context.Context) {
	zap.L().Info("payout dispatch job started", zap.Duration("interval", j.interval))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("payout dispatch job exiting")
			return
		case <-j.stopCh:
			zap.L().Info("payout dispatch job stopped")
			return
		case <-ticker.C:
			j.dispatchPending(ctx)
		}
	}
}

func (j *PayoutDispatchJob) Stop() {
	close(j.stopCh)
}

func (j *PayoutDispatchJob) dispatchPending(ctx context.Context) int {
	payouts, err := j.payouts.PendingBefore(ctx, time.Now().UTC(), j.batchSize)
	if err != nil {
		zap.L().Error("load pending payouts", zap.Error(err))
		return 0
	}

	dispatched := 0
	for _, p := range payouts {
		// an admin may have dispatched or failed it in the meantime
		if _, err := j.payouts.MarkProcessing(ctx, p.PayoutNo, service.SystemActorID); err != nil {
			zap.L().Warn("dispatch payout", zap.String("payout_no", p.PayoutNo), zap.Error(err))
			continue
		}
		dispatched++
	}

	if dispatched > 0 {
		zap.L().Info("payouts dispatched", zap.Int("count", dispatched))
	}
	return dispatched
}

// StalePayoutJob re-emits instructions for payouts stuck in processing. It
// never changes payout state; only the rail callback does.
type StalePayoutJob struct {
	payouts   *service.PayoutService
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
}

func NewStalePayoutJob(payouts *service.PayoutService) *StalePayoutJob {
	return &StalePayoutJob{
		payouts:   payouts,
		stopCh:    make(chan struct{}),
		interval:  time.Minute,
		batchSize: 50,
	}
}

func (j *StalePayoutJob) Start(ctx context.Context) {
	zap.L().Info("stale payout job started", zap.Duration("interval", j.interval))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("stale payout job exiting")
			return
		case <-j.stopCh:
			zap.L().Info("stale payout job stopped")
			return
		case <-ticker.C:
			j.reconcile(ctx)
		}
	}
}

func (j *StalePayoutJob) Stop() {
	close(j.stopCh)
}

func (j *StalePayoutJob) reconcile(ctx context.Context) int {
	payouts, err := j.payouts.StaleProcessing(ctx, j.batchSize)
	if err != nil {
		zap.L().Error("load stale payouts", zap.Error(err))
		return 0
	}

	reemitted := 0
	for _, p := range payouts {
		zap.L().Error("payout stuck in processing",
			zap.Bool("alert", true),
			zap.String("payout_no", p.PayoutNo),
			zap.Int64("affiliate_id", p.AffiliateID),
			zap.Timep("processing_at", p.ProcessingAt))
		if err := j.payouts.ReemitInstruction(ctx, p); err != nil {
			zap.L().Error("re-emit payout instruction", zap.String("payout_no", p.PayoutNo), zap.Error(err))
			continue
		}
		reemitted++
	}
	return reemitted
}
