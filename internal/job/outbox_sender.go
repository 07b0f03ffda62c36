package job

import (
	"context"
	"time"

	"affiliateledger/internal/config"
	"affiliateledger/internal/infrastructure/mq"
	"affiliateledger/internal/model"
	"affiliateledger/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OutboxSender relays outbox rows to Kafka. Delivery is at-least-once;
// consumers dedupe on the message key.
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	publisher  mq.Publisher
	maxRetry   int
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewOutboxSender(db *gorm.DB, cfg *config.Config, publisher mq.Publisher) *OutboxSender {
	interval := time.Duration(cfg.Business.OutboxIntervalMillis) * time.Millisecond
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	maxRetry := cfg.Business.MaxRetryCount
	if maxRetry <= 0 {
		maxRetry = 5
	}
	return &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		publisher:  publisher,
		maxRetry:   maxRetry,
		stopCh:     make(chan struct{}),
		interval:   interval,
		batchSize:  100,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	zap.L().Info("outbox sender started", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("outbox sender exiting")
			return
		case <-s.stopCh:
			zap.L().Info("outbox sender stopped")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

func (s *OutboxSender) processPendingMessages(ctx context.Context) {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		zap.L().Error("load outbox messages", zap.Error(err))
		return
	}

	for _, msg := range messages {
		s.sendMessage(ctx, msg)
	}
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) {
	err := s.publisher.SendMessage(msg.Topic, msg.MessageKey, msg.Payload)
	if err == nil {
		if updateErr := s.outboxRepo.MarkSent(ctx, msg.ID); updateErr != nil {
			zap.L().Error("mark outbox message sent", zap.Int64("id", msg.ID), zap.Error(updateErr))
			return
		}
		zap.L().Debug("outbox message sent",
			zap.Int64("id", msg.ID),
			zap.String("topic", msg.Topic),
			zap.String("key", msg.MessageKey))
		return
	}

	zap.L().Warn("outbox message send failed",
		zap.Int64("id", msg.ID),
		zap.String("topic", msg.Topic),
		zap.Int("retry_count", msg.RetryCount),
		zap.Error(err))

	if msg.RetryCount+1 >= s.maxRetry {
		if err := s.outboxRepo.MarkAsFailed(ctx, msg.ID); err != nil {
			zap.L().Error("mark outbox message failed", zap.Int64("id", msg.ID), zap.Error(err))
			return
		}
		zap.L().Error("outbox message gave up after max retries",
			zap.Bool("alert", true),
			zap.Int64("id", msg.ID),
			zap.String("topic", msg.Topic),
			zap.String("key", msg.MessageKey))
		return
	}

	if err := s.outboxRepo.IncrementRetryCount(ctx, msg.ID); err != nil {
		zap.L().Error("increment outbox retry count", zap.Int64("id", msg.ID), zap.Error(err))
	}
}
