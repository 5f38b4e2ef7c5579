package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is the engine's view of a platform account: a virtual-currency
// balance plus referral linkage and lifetime fee counters. Profile and
// social data live outside this repo.
type User struct {
	ID                 string
	Balance            decimal.Decimal
	ReferrerID         *string
	LifetimeFeesPaid   decimal.Decimal
	LifetimeFeesEarned decimal.Decimal
	CreatedAt          time.Time
}
