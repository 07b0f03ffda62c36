package service

import (
	"context"
	"errors"
	"fmt"

	"affiliateledger/internal/model"
	"affiliateledger/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxFailedListing = 200

// OutboxService lets operators inspect and replay messages the outbox
// sender gave up on.
type OutboxService struct {
	guard      *AdminGuard
	outboxRepo *repository.OutboxRepository
}

func NewOutboxService(db *gorm.DB, identity IdentityProvider) *OutboxService {
	return &OutboxService{
		guard:      NewAdminGuard(identity),
		outboxRepo: repository.NewOutboxRepository(db),
	}
}

func (s *OutboxService) ListFailed(ctx context.Context, adminID int64, limit int) ([]*model.OutboxMessage, error) {
	if err := s.guard.Require(ctx, adminID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxFailedListing {
		limit = maxFailedListing
	}
	return s.outboxRepo.GetFailedMessages(ctx, limit)
}

// Requeue hands a failed message back to the sender with a fresh retry budget.
func (s *OutboxService) Requeue(ctx context.Context, adminID, messageID int64) error {
	if err := s.guard.Require(ctx, adminID); err != nil {
		return err
	}
	if err := s.outboxRepo.Requeue(ctx, messageID); err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			return fmt.Errorf("%w: outbox message %d is not failed", ErrInvalidStateTransition, messageID)
		}
		return fmt.Errorf("requeue outbox message: %w", err)
	}
	zap.L().Info("outbox message requeued", zap.Int64("message_id", messageID), zap.Int64("admin_id", adminID))
	return nil
}
