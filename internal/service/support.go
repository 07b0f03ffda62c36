package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"affiliateledger/internal/model"
	"affiliateledger/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AdminGuard checks actors against the identity system.
type AdminGuard struct {
	identity IdentityProvider
}

func NewAdminGuard(identity IdentityProvider) *AdminGuard {
	return &AdminGuard{identity: identity}
}

// Require fails with ErrForbidden unless actorID is an admin.
func (g *AdminGuard) Require(ctx context.Context, actorID int64) error {
	if actorID <= 0 {
		return ErrForbidden
	}
	ok, err := g.identity.IsAdmin(ctx, actorID)
	if err != nil {
		return fmt.Errorf("check admin: %w", err)
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

// logInvalidTransition raises an alert: an out-of-sync caller tried to move
// an entity along an edge its state machine does not have.
func logInvalidTransition(entityType, entityNo, from, to string) {
	zap.L().Error("invalid state transition",
		zap.Bool("alert", true),
		zap.String("entity_type", entityType),
		zap.String("entity_no", entityNo),
		zap.String("from", from),
		zap.String("to", to),
	)
}

func writeAudit(ctx context.Context, tx *gorm.DB, repo *repository.AuditRepository, entityType, entityNo, from, to string, actorID int64, notes string) error {
	entry := &model.AuditLog{
		EntityType: entityType,
		EntityNo:   entityNo,
		FromStatus: from,
		ToStatus:   to,
		ActorID:    actorID,
		Notes:      notes,
	}
	if err := repo.Create(ctx, tx, entry); err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}

// writeOutbox stores a notification in the caller's transaction. The payload
// always carries the event name and the time it was produced.
func writeOutbox(ctx context.Context, tx *gorm.DB, repo *repository.OutboxRepository, topic, key, event string, at time.Time, payload map[string]interface{}) error {
	if topic == "" {
		return nil
	}
	body := make(map[string]interface{}, len(payload)+2)
	for k, v := range payload {
		body[k] = v
	}
	body["event"] = event
	body["occurred_at"] = at.Format(time.RFC3339Nano)

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode outbox payload: %w", err)
	}
	msg := &model.OutboxMessage{
		MessageKey: key,
		Topic:      topic,
		Payload:    string(raw),
		Status:     model.OutboxStatusPending,
	}
	if err := repo.Create(ctx, tx, msg); err != nil {
		return fmt.Errorf("write outbox message: %w", err)
	}
	return nil
}

// notFound maps the store's miss to ErrNotFound and wraps anything else.
func notFound(err error, what string) error {
	if errors.Is(err, repository.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("load %s: %w", what, err)
}
