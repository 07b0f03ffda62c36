package service

import (
	"context"
	"errors"
	"time"
)

// ErrUserNotFound is returned by an IdentityProvider for unknown users.
var ErrUserNotFound = errors.New("user not found in identity system")

// IdentityProvider is the slice of the identity system the ledger consumes.
type IdentityProvider interface {
	GetUserSignupTime(ctx context.Context, userID int64) (time.Time, error)
	IsAdmin(ctx context.Context, actorID int64) (bool, error)
}

// SystemActorID marks transitions driven by background jobs.
const SystemActorID int64 = 0

func systemClock() time.Time {
	return time.Now().UTC()
}
