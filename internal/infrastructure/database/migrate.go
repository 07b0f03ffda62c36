package database

import (
	"fmt"

	"affiliateledger/internal/model"

	"gorm.io/gorm"
)

// Migrate creates or updates every ledger table.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&model.Affiliate{},
		&model.AffiliateBalance{},
		&model.Referral{},
		&model.CommissionEntry{},
		&model.RateSchedule{},
		&model.TierChange{},
		&model.PayoutRequest{},
		&model.AdjustmentRequest{},
		&model.AuditLog{},
		&model.OutboxMessage{},
	)
	if err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
