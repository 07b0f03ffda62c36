package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"affiliateledger/internal/config"
	"affiliateledger/internal/model"
	"affiliateledger/internal/repository"
	"affiliateledger/pkg/idgen"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AdjustmentService runs refunds and manual commissions through admin review.
// Every transition is audited; completing an affiliate_payment credits the
// affiliate with an approved manual entry.
type AdjustmentService struct {
	db             *gorm.DB
	cfg            *config.Config
	guard          *AdminGuard
	commissions    *CommissionService
	affiliateRepo  *repository.AffiliateRepository
	adjustmentRepo *repository.AdjustmentRepository
	auditRepo      *repository.AuditRepository
	outboxRepo     *repository.OutboxRepository
	now            func() time.Time
}

func NewAdjustmentService(db *gorm.DB, cfg *config.Config, identity IdentityProvider, commissions *CommissionService) *AdjustmentService {
	return &AdjustmentService{
		db:             db,
		cfg:            cfg,
		guard:          NewAdminGuard(identity),
		commissions:    commissions,
		affiliateRepo:  repository.NewAffiliateRepository(db),
		adjustmentRepo: repository.NewAdjustmentRepository(db),
		auditRepo:      repository.NewAuditRepository(db),
		outboxRepo:     repository.NewOutboxRepository(db),
		now:            systemClock,
	}
}

type SubmitAdjustmentRequest struct {
	RequesterType string          `json:"requester_type" binding:"required"`
	SubjectID     int64           `json:"subject_id" binding:"required,gt=0"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency" binding:"required"`
	Reason        string          `json:"reason"`
}

func (s *AdjustmentService) SubmitAdjustment(ctx context.Context, req *SubmitAdjustmentRequest, submittedBy int64) (*model.AdjustmentRequest, error) {
	requesterType := strings.ToLower(strings.TrimSpace(req.RequesterType))
	if requesterType != model.RequesterTypeUserRefund && requesterType != model.RequesterTypeAffiliatePayment {
		return nil, invalidArgument("unknown requester type %q", req.RequesterType)
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, invalidArgument("reason is required")
	}
	currency := normalizeCurrency(req.Currency)
	places, ok := currencyPlaces(s.cfg, currency)
	if !ok {
		return nil, invalidArgument("currency %q is not configured", req.Currency)
	}
	if !req.Amount.IsPositive() || !Round(req.Amount, places).Equal(req.Amount) {
		return nil, invalidArgument("amount %s is not a positive %s amount", req.Amount.String(), currency)
	}
	if requesterType == model.RequesterTypeAffiliatePayment {
		if _, err := s.affiliateRepo.GetByID(ctx, nil, req.SubjectID); err != nil {
			return nil, notFound(err, "affiliate")
		}
	}

	adj := &model.AdjustmentRequest{
		AdjustmentNo:  idgen.GenerateAdjustmentNo(),
		RequesterType: requesterType,
		SubjectID:     req.SubjectID,
		Amount:        req.Amount,
		Currency:      currency,
		Reason:        reason,
		Status:        model.AdjustmentStatusPending,
		SubmittedBy:   submittedBy,
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.adjustmentRepo.Create(ctx, tx, adj); err != nil {
			return fmt.Errorf("create adjustment: %w", err)
		}
		return writeAudit(ctx, tx, s.auditRepo, model.AuditEntityAdjustment, adj.AdjustmentNo, "", model.AdjustmentStatusPending, submittedBy, reason)
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("adjustment submitted",
		zap.String("adjustment_no", adj.AdjustmentNo),
		zap.String("requester_type", adj.RequesterType),
		zap.Int64("subject_id", adj.SubjectID),
		zap.String("amount", adj.Amount.String()),
		zap.String("currency", adj.Currency))
	return adj, nil
}

// Process moves the adjustment one step forward. Rejection without notes
// fails before anything is read or written.
func (s *AdjustmentService) Process(ctx context.Context, adjustmentNo string, adminID int64, newStatus, notes string) (*model.AdjustmentRequest, error) {
	notes = strings.TrimSpace(notes)
	if newStatus == model.AdjustmentStatusRejected && notes == "" {
		return nil, ErrNotesRequired
	}
	if err := s.guard.Require(ctx, adminID); err != nil {
		return nil, err
	}

	adj, err := s.adjustmentRepo.GetByNo(ctx, nil, adjustmentNo)
	if err != nil {
		return nil, notFound(err, "adjustment")
	}
	from := adj.Status
	if !model.AdjustmentTransitions.CanTransition(from, newStatus) {
		logInvalidTransition(model.AuditEntityAdjustment, adj.AdjustmentNo, from, newStatus)
		return nil, ErrInvalidStateTransition
	}

	now := s.now()
	err = s.db.Transaction(func(tx *gorm.DB) error {
		update := repository.AdjustmentUpdate{ProcessedBy: adminID, Notes: notes}

		if newStatus == model.AdjustmentStatusCompleted && adj.RequesterType == model.RequesterTypeAffiliatePayment {
			entry, err := s.commissions.recordManualEntry(ctx, tx, manualEntry{
				AffiliateID:    adj.SubjectID,
				Amount:         adj.Amount,
				Currency:       adj.Currency,
				IdempotencyKey: "adjustment:" + adj.AdjustmentNo,
				Remark:         adj.Reason,
			})
			if err != nil {
				return err
			}
			update.EntryNo = entry.EntryNo
		}

		if err := s.adjustmentRepo.Transition(ctx, tx, adj.AdjustmentNo, from, newStatus, update, now); err != nil {
			if errors.Is(err, repository.ErrStatusConflict) {
				logInvalidTransition(model.AuditEntityAdjustment, adj.AdjustmentNo, from, newStatus)
				return ErrInvalidStateTransition
			}
			return fmt.Errorf("update adjustment: %w", err)
		}
		if err := writeAudit(ctx, tx, s.auditRepo, model.AuditEntityAdjustment, adj.AdjustmentNo, from, newStatus, adminID, notes); err != nil {
			return err
		}

		if newStatus == model.AdjustmentStatusRejected || newStatus == model.AdjustmentStatusCompleted {
			return writeOutbox(ctx, tx, s.outboxRepo, s.cfg.Kafka.Topic.AdjustmentEvents, adj.AdjustmentNo, model.EventAdjustmentResolved, now, map[string]interface{}{
				"adjustment_no":  adj.AdjustmentNo,
				"requester_type": adj.RequesterType,
				"subject_id":     adj.SubjectID,
				"amount":         adj.Amount.String(),
				"currency":       adj.Currency,
				"status":         newStatus,
				"entry_no":       update.EntryNo,
				"notes":          notes,
			})
		}
		return nil
	})
	if errors.Is(err, repository.ErrDuplicateKey) {
		// the manual entry for this adjustment already exists
		logInvalidTransition(model.AuditEntityAdjustment, adj.AdjustmentNo, from, newStatus)
		return nil, ErrInvalidStateTransition
	}
	if err != nil {
		return nil, err
	}

	zap.L().Info("adjustment processed",
		zap.String("adjustment_no", adj.AdjustmentNo),
		zap.String("from", from),
		zap.String("to", newStatus),
		zap.Int64("admin_id", adminID))
	return s.adjustmentRepo.GetByNo(ctx, nil, adj.AdjustmentNo)
}

func (s *AdjustmentService) Get(ctx context.Context, adjustmentNo string) (*model.AdjustmentRequest, error) {
	adj, err := s.adjustmentRepo.GetByNo(ctx, nil, adjustmentNo)
	if err != nil {
		return nil, notFound(err, "adjustment")
	}
	return adj, nil
}

func (s *AdjustmentService) ListAdjustments(ctx context.Context, f repository.AdjustmentFilter, page, pageSize int) ([]*model.AdjustmentRequest, int64, error) {
	return s.adjustmentRepo.List(ctx, f, page, pageSize)
}
