package service

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Error kinds returned by the ledger services. Callers match them with errors.Is.
var (
	ErrUnknownCode             = errors.New("unknown referral code")
	ErrAffiliateInactive       = errors.New("affiliate is not active")
	ErrAlreadyAttributed       = errors.New("user is already attributed to an affiliate")
	ErrLinkWindowExpired       = errors.New("manual link window has expired")
	ErrInsufficientBalance     = errors.New("insufficient approved balance")
	ErrBelowMinimum            = errors.New("amount is below the method minimum")
	ErrAboveMaximum            = errors.New("amount is above the method maximum")
	ErrInvalidStateTransition  = errors.New("invalid state transition")
	ErrDuplicateEvent          = errors.New("duplicate event")
	ErrConcurrentClaimConflict = errors.New("entries were claimed by a concurrent payout")

	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("admin privileges required")
	ErrNotesRequired       = errors.New("notes are required")
	ErrInvalidEvent        = errors.New("invalid qualifying event")
	ErrInvalidPayoutMethod = errors.New("unsupported payout method")
	ErrAmountNotSettleable = errors.New("amount does not match a set of whole entries")
	ErrSelfReferral        = errors.New("affiliate cannot refer itself")
	ErrAlreadyEnrolled     = errors.New("user is already enrolled as affiliate")
	ErrCodeTaken           = errors.New("referral code is taken")
	ErrInvalidArgument     = errors.New("invalid argument")
)

// NotSettleableError reports the settleable amounts closest to the request.
// Below is zero when no smaller amount exists.
type NotSettleableError struct {
	Requested decimal.Decimal
	Below     decimal.Decimal
	Above     decimal.Decimal
}

func (e *NotSettleableError) Error() string {
	return fmt.Sprintf("%s: requested %s, nearest settleable %s or %s",
		ErrAmountNotSettleable.Error(), e.Requested.String(), e.Below.String(), e.Above.String())
}

func (e *NotSettleableError) Unwrap() error {
	return ErrAmountNotSettleable
}

func invalidArgument(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func invalidEvent(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidEvent, fmt.Sprintf(format, args...))
}
