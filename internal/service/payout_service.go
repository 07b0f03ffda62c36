package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"affiliateledger/internal/config"
	"affiliateledger/internal/infrastructure/lock"
	"affiliateledger/internal/model"
	"affiliateledger/internal/repository"
	"affiliateledger/pkg/idgen"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// errClaimShort rolls back a payout whose claim matched fewer entries than
// selected.
var errClaimShort = errors.New("claim matched fewer entries than selected")

// PayoutService aggregates approved entries into withdrawals and drives them
// through pending -> processing -> completed|failed.
//
// Entries are reserved by a conditional claim (claimed_by IS NULL), so two
// overlapping requests can never settle the same entry. The per-affiliate
// lock only keeps them from colliding in the common case.
type PayoutService struct {
	db             *gorm.DB
	cfg            *config.Config
	locker         lock.Locker
	methods        map[string]payoutMethod
	affiliateRepo  *repository.AffiliateRepository
	commissionRepo *repository.CommissionRepository
	balanceRepo    *repository.BalanceRepository
	payoutRepo     *repository.PayoutRepository
	auditRepo      *repository.AuditRepository
	outboxRepo     *repository.OutboxRepository
	now            func() time.Time
}

func NewPayoutService(db *gorm.DB, cfg *config.Config, locker lock.Locker) (*PayoutService, error) {
	methods, err := loadPayoutMethods(cfg)
	if err != nil {
		return nil, err
	}
	return &PayoutService{
		db:             db,
		cfg:            cfg,
		locker:         locker,
		methods:        methods,
		affiliateRepo:  repository.NewAffiliateRepository(db),
		commissionRepo: repository.NewCommissionRepository(db),
		balanceRepo:    repository.NewBalanceRepository(db),
		payoutRepo:     repository.NewPayoutRepository(db),
		auditRepo:      repository.NewAuditRepository(db),
		outboxRepo:     repository.NewOutboxRepository(db),
		now:            systemClock,
	}, nil
}

// PayoutRequestInput asks for a withdrawal. Amount zero withdraws every
// eligible entry; EntryNos pins the exact entries to settle.
type PayoutRequestInput struct {
	RequestID   string          `json:"request_id"`
	AffiliateID int64           `json:"affiliate_id" binding:"required,gt=0"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency" binding:"required"`
	Method      string          `json:"method" binding:"required"`
	Destination string          `json:"destination" binding:"required"`
	EntryNos    []string        `json:"entry_nos"`
}

func (s *PayoutService) RequestPayout(ctx context.Context, req *PayoutRequestInput) (*model.PayoutRequest, error) {
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.Currency = normalizeCurrency(req.Currency)
	req.Method = strings.ToLower(strings.TrimSpace(req.Method))
	req.Destination = strings.TrimSpace(req.Destination)

	if existing, err := s.findByRequestID(ctx, req); err != nil || existing != nil {
		return existing, err
	}

	method, ok := s.methods[req.Method]
	if !ok {
		return nil, ErrInvalidPayoutMethod
	}
	places, ok := currencyPlaces(s.cfg, req.Currency)
	if !ok {
		return nil, invalidArgument("currency %q is not configured", req.Currency)
	}
	if req.Amount.IsNegative() || !Round(req.Amount, places).Equal(req.Amount) {
		return nil, invalidArgument("amount %s is not a valid %s amount", req.Amount.String(), req.Currency)
	}
	if req.Destination == "" {
		return nil, invalidArgument("destination is required")
	}

	affiliate, err := s.affiliateRepo.GetByID(ctx, nil, req.AffiliateID)
	if err != nil {
		return nil, notFound(err, "affiliate")
	}
	if affiliate.Status != model.AffiliateStatusActive {
		return nil, ErrAffiliateInactive
	}

	release, err := s.locker.Acquire(ctx, lock.PayoutLockKey(affiliate.ID), uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("acquire payout lock: %w", err)
	}
	defer release()

	if existing, err := s.findByRequestID(ctx, req); err != nil || existing != nil {
		return existing, err
	}

	selected, amount, err := s.selectEntries(ctx, affiliate.ID, req)
	if err != nil {
		return nil, err
	}

	if amount.LessThan(method.MinAmount) {
		return nil, ErrBelowMinimum
	}
	if method.MaxAmount.IsPositive() && amount.GreaterThan(method.MaxAmount) {
		return nil, ErrAboveMaximum
	}
	fee := method.Fee(amount, places)
	net := amount.Sub(fee)
	if !net.IsPositive() {
		return nil, ErrBelowMinimum
	}

	entryNos := make([]string, 0, len(selected))
	for _, e := range selected {
		entryNos = append(entryNos, e.EntryNo)
	}

	now := s.now()
	payout := &model.PayoutRequest{
		PayoutNo:    idgen.GeneratePayoutNo(),
		AffiliateID: affiliate.ID,
		Amount:      amount,
		Currency:    req.Currency,
		Method:      method.Name,
		Destination: req.Destination,
		FeeType:     method.FeeType,
		FeeValue:    method.FeeValue,
		FeeAmount:   fee,
		NetAmount:   net,
		EntryCount:  len(selected),
		Status:      model.PayoutStatusPending,
		RequestedAt: now,
	}
	if req.RequestID != "" {
		requestID := req.RequestID
		payout.RequestID = &requestID
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.payoutRepo.Create(ctx, tx, payout); err != nil {
			return err
		}
		claimed, err := s.commissionRepo.Claim(ctx, tx, entryNos, payout.PayoutNo)
		if err != nil {
			return fmt.Errorf("claim entries: %w", err)
		}
		if claimed != int64(len(entryNos)) {
			return errClaimShort
		}
		if _, err := s.balanceRepo.Refresh(ctx, tx, affiliate.ID, req.Currency); err != nil {
			return fmt.Errorf("refresh balance: %w", err)
		}
		return writeAudit(ctx, tx, s.auditRepo, model.AuditEntityPayout, payout.PayoutNo, "", model.PayoutStatusPending, affiliate.UserID, "")
	})
	switch {
	case errors.Is(err, errClaimShort):
		return nil, s.claimConflict(ctx, affiliate.ID, req.Currency, amount)
	case errors.Is(err, repository.ErrDuplicateKey) && req.RequestID != "":
		return s.findByRequestID(ctx, req)
	case err != nil:
		return nil, fmt.Errorf("create payout: %w", err)
	}

	zap.L().Info("payout requested",
		zap.String("payout_no", payout.PayoutNo),
		zap.Int64("affiliate_id", affiliate.ID),
		zap.String("amount", amount.String()),
		zap.String("fee", fee.String()),
		zap.String("net", net.String()),
		zap.String("currency", payout.Currency),
		zap.String("method", payout.Method),
		zap.Int("entries", payout.EntryCount))
	return payout, nil
}

// findByRequestID returns the affiliate's earlier payout for the same
// request id. Reusing a request id for a different payout is rejected.
func (s *PayoutService) findByRequestID(ctx context.Context, req *PayoutRequestInput) (*model.PayoutRequest, error) {
	if req.RequestID == "" {
		return nil, nil
	}
	payout, err := s.payoutRepo.GetByRequestID(ctx, req.AffiliateID, req.RequestID)
	if errors.Is(err, repository.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load payout: %w", err)
	}
	if payout.Currency != req.Currency || payout.Method != req.Method ||
		(!req.Amount.IsZero() && !payout.Amount.Equal(req.Amount)) {
		return nil, invalidArgument("request_id %q was already used for payout %s", req.RequestID, payout.PayoutNo)
	}
	return payout, nil
}

// claimConflict classifies a lost claim race. When what is left no longer
// covers the amount the loser simply has no balance; otherwise the entries
// it picked were taken and a retry could succeed.
func (s *PayoutService) claimConflict(ctx context.Context, affiliateID int64, currency string, amount decimal.Decimal) error {
	eligible, err := s.commissionRepo.ListEligible(ctx, nil, affiliateID, currency)
	if err != nil {
		return fmt.Errorf("load eligible entries: %w", err)
	}
	if sumEntries(eligible).LessThan(amount) {
		return ErrInsufficientBalance
	}
	return ErrConcurrentClaimConflict
}

func sumEntries(entries []*model.CommissionEntry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Amount)
	}
	return total
}

// selectEntries picks the entries a payout settles and returns their sum,
// which always equals the settled amount.
func (s *PayoutService) selectEntries(ctx context.Context, affiliateID int64, req *PayoutRequestInput) ([]*model.CommissionEntry, decimal.Decimal, error) {
	eligible, err := s.commissionRepo.ListEligible(ctx, nil, affiliateID, req.Currency)
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("load eligible entries: %w", err)
	}

	if len(req.EntryNos) > 0 {
		return s.selectExplicit(ctx, affiliateID, req, eligible)
	}

	total := sumEntries(eligible)
	if !total.IsPositive() || req.Amount.GreaterThan(total) {
		return nil, decimal.Zero, ErrInsufficientBalance
	}
	if req.Amount.IsZero() {
		return eligible, total, nil
	}

	// shortest oldest-first prefix whose running sum reaches the amount
	running := decimal.Zero
	below := decimal.Zero
	for i, e := range eligible {
		running = running.Add(e.Amount)
		if running.Equal(req.Amount) {
			return eligible[:i+1], running, nil
		}
		if running.GreaterThan(req.Amount) {
			return nil, decimal.Zero, &NotSettleableError{Requested: req.Amount, Below: below, Above: running}
		}
		below = running
	}
	return nil, decimal.Zero, ErrInsufficientBalance
}

func (s *PayoutService) selectExplicit(ctx context.Context, affiliateID int64, req *PayoutRequestInput, eligible []*model.CommissionEntry) ([]*model.CommissionEntry, decimal.Decimal, error) {
	wanted := map[string]bool{}
	for _, no := range req.EntryNos {
		wanted[strings.TrimSpace(no)] = true
	}
	nos := make([]string, 0, len(wanted))
	for no := range wanted {
		nos = append(nos, no)
	}
	sort.Strings(nos)

	entries, err := s.commissionRepo.GetByNos(ctx, nil, nos)
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("load entries: %w", err)
	}
	if len(entries) != len(nos) {
		return nil, decimal.Zero, invalidArgument("unknown entry in entry_nos")
	}

	eligibleSet := make(map[string]bool, len(eligible))
	for _, e := range eligible {
		eligibleSet[e.EntryNo] = true
	}
	for _, e := range entries {
		if e.AffiliateID != affiliateID || e.Currency != req.Currency {
			return nil, decimal.Zero, invalidArgument("entry %s does not belong to this affiliate and currency", e.EntryNo)
		}
		if !eligibleSet[e.EntryNo] {
			return nil, decimal.Zero, ErrInsufficientBalance
		}
	}

	total := sumEntries(entries)
	if !total.IsPositive() {
		return nil, decimal.Zero, ErrInsufficientBalance
	}
	if !req.Amount.IsZero() && !req.Amount.Equal(total) {
		return nil, decimal.Zero, &NotSettleableError{Requested: req.Amount, Below: total, Above: total}
	}
	return entries, total, nil
}

// MarkProcessing hands a pending payout to the payment rail. The
// instruction is written to the outbox in the same transaction.
func (s *PayoutService) MarkProcessing(ctx context.Context, payoutNo string, actorID int64) (*model.PayoutRequest, error) {
	return s.transition(ctx, payoutNo, model.PayoutStatusProcessing, "", actorID)
}

// MarkCompleted settles the claimed entries as paid.
func (s *PayoutService) MarkCompleted(ctx context.Context, payoutNo string, actorID int64) (*model.PayoutRequest, error) {
	return s.transition(ctx, payoutNo, model.PayoutStatusCompleted, "", actorID)
}

// MarkFailed releases the claim; the entries return to approved and can be
// requested again in a new payout.
func (s *PayoutService) MarkFailed(ctx context.Context, payoutNo, reason string, actorID int64) (*model.PayoutRequest, error) {
	return s.transition(ctx, payoutNo, model.PayoutStatusFailed, reason, actorID)
}

// transition is safe to call from asynchronous callbacks in any order: the
// status CAS rejects anything not coming from the expected prior state.
func (s *PayoutService) transition(ctx context.Context, payoutNo, to, reason string, actorID int64) (*model.PayoutRequest, error) {
	payout, err := s.payoutRepo.GetByNo(ctx, nil, payoutNo)
	if err != nil {
		return nil, notFound(err, "payout")
	}
	from := payout.Status
	if !model.PayoutTransitions.CanTransition(from, to) {
		logInvalidTransition(model.AuditEntityPayout, payout.PayoutNo, from, to)
		return nil, ErrInvalidStateTransition
	}

	now := s.now()
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.payoutRepo.UpdateStatus(ctx, tx, payout.PayoutNo, from, to, reason, now); err != nil {
			if errors.Is(err, repository.ErrStatusConflict) {
				logInvalidTransition(model.AuditEntityPayout, payout.PayoutNo, from, to)
				return ErrInvalidStateTransition
			}
			return fmt.Errorf("update payout status: %w", err)
		}

		switch to {
		case model.PayoutStatusProcessing:
			if err := s.writeInstruction(ctx, tx, payout); err != nil {
				return err
			}
		case model.PayoutStatusCompleted:
			paid, err := s.commissionRepo.MarkPaidByClaim(ctx, tx, payout.PayoutNo, now)
			if err != nil {
				return fmt.Errorf("mark entries paid: %w", err)
			}
			if paid != int64(payout.EntryCount) {
				return fmt.Errorf("payout %s settles %d entries, %d still claimed", payout.PayoutNo, payout.EntryCount, paid)
			}
		case model.PayoutStatusFailed:
			if _, err := s.commissionRepo.ReleaseClaim(ctx, tx, payout.PayoutNo); err != nil {
				return fmt.Errorf("release claim: %w", err)
			}
		}

		if to != model.PayoutStatusProcessing {
			if _, err := s.balanceRepo.Refresh(ctx, tx, payout.AffiliateID, payout.Currency); err != nil {
				return fmt.Errorf("refresh balance: %w", err)
			}
			event := model.EventPayoutCompleted
			if to == model.PayoutStatusFailed {
				event = model.EventPayoutFailed
			}
			if err := writeOutbox(ctx, tx, s.outboxRepo, s.cfg.Kafka.Topic.PayoutEvents, payout.PayoutNo, event, now, map[string]interface{}{
				"payout_no":    payout.PayoutNo,
				"affiliate_id": payout.AffiliateID,
				"amount":       payout.Amount.String(),
				"net_amount":   payout.NetAmount.String(),
				"currency":     payout.Currency,
				"status":       to,
				"reason":       reason,
			}); err != nil {
				return err
			}
		}
		return writeAudit(ctx, tx, s.auditRepo, model.AuditEntityPayout, payout.PayoutNo, from, to, actorID, reason)
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("payout status changed",
		zap.String("payout_no", payout.PayoutNo),
		zap.String("from", from),
		zap.String("to", to),
		zap.String("reason", reason),
		zap.Int64("actor_id", actorID))
	return s.payoutRepo.GetByNo(ctx, nil, payout.PayoutNo)
}

func (s *PayoutService) writeInstruction(ctx context.Context, tx *gorm.DB, payout *model.PayoutRequest) error {
	return writeOutbox(ctx, tx, s.outboxRepo, s.cfg.Kafka.Topic.PayoutInstructions, payout.PayoutNo, model.EventPayoutInstruction, s.now(), map[string]interface{}{
		"payout_no":   payout.PayoutNo,
		"destination": payout.Destination,
		"net_amount":  payout.NetAmount.String(),
		"method":      payout.Method,
		"currency":    payout.Currency,
	})
}

// ReemitInstruction queues the instruction of a processing payout again.
// The rail dedupes on payout_no; the payout itself does not change.
func (s *PayoutService) ReemitInstruction(ctx context.Context, payout *model.PayoutRequest) error {
	if payout.Status != model.PayoutStatusProcessing {
		return ErrInvalidStateTransition
	}
	return s.writeInstruction(ctx, nil, payout)
}

// PendingBefore lists pending payouts last touched before t, oldest first.
func (s *PayoutService) PendingBefore(ctx context.Context, t time.Time, limit int) ([]*model.PayoutRequest, error) {
	return s.payoutRepo.GetByStatusBefore(ctx, model.PayoutStatusPending, t, limit)
}

// StaleProcessing lists payouts stuck in processing longer than the
// configured threshold.
func (s *PayoutService) StaleProcessing(ctx context.Context, limit int) ([]*model.PayoutRequest, error) {
	before := s.now().Add(-s.cfg.Business.PayoutStaleAfter())
	return s.payoutRepo.GetByStatusBefore(ctx, model.PayoutStatusProcessing, before, limit)
}

type PayoutDetail struct {
	Payout  *model.PayoutRequest     `json:"payout"`
	Entries []*model.CommissionEntry `json:"entries"`
}

// GetPayout returns the payout with the entries it settles.
func (s *PayoutService) GetPayout(ctx context.Context, payoutNo string) (*PayoutDetail, error) {
	payout, err := s.payoutRepo.GetByNo(ctx, nil, payoutNo)
	if err != nil {
		return nil, notFound(err, "payout")
	}
	entries, err := s.commissionRepo.ListByClaim(ctx, nil, payout.PayoutNo)
	if err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}
	return &PayoutDetail{Payout: payout, Entries: entries}, nil
}

func (s *PayoutService) ListPayouts(ctx context.Context, f repository.PayoutFilter, page, pageSize int) ([]*model.PayoutRequest, int64, error) {
	if f.Currency != "" {
		f.Currency = normalizeCurrency(f.Currency)
	}
	return s.payoutRepo.List(ctx, f, page, pageSize)
}
