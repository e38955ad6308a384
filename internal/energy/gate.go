// Package energy gates withdrawals on the account's energy balance.
package energy

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidRatio is reported when the configured withdraw ratio is not positive.
	ErrInvalidRatio = errors.New("energy: withdraw ratio is not positive")

	// ErrInvalidAmount is reported for a non-positive withdrawal amount.
	ErrInvalidAmount = errors.New("energy: amount must be positive")
)

// ShortfallError is returned when the account lacks energy for a withdrawal.
type ShortfallError struct {
	Required int64
	Current  int64
}

func (e *ShortfallError) Error() string {
	return fmt.Sprintf("insufficient energy: need %d, have %d (short %d)", e.Required, e.Current, e.Shortfall())
}

// Shortfall is the missing energy.
func (e *ShortfallError) Shortfall() int64 {
	return e.Required - e.Current
}

// Verdict is the outcome of Check.
type Verdict struct {
	Admit     bool
	Required  int64
	Current   int64
	Shortfall int64

	// Err explains a denial; nil when admitted
	Err error
}

// RequiredEnergy returns ceil(amount × ratio).
func RequiredEnergy(amount, ratio decimal.Decimal) int64 {
	return amount.Mul(ratio).Ceil().IntPart()
}

// Check decides whether a withdrawal of amount is admitted with current energy.
// A non-positive ratio or amount always denies.
func Check(amount decimal.Decimal, current int64, ratio decimal.Decimal) Verdict {
	v := Verdict{Current: current}
	if !ratio.IsPositive() {
		v.Err = ErrInvalidRatio
		return v
	}
	if !amount.IsPositive() {
		v.Err = ErrInvalidAmount
		return v
	}

	v.Required = RequiredEnergy(amount, ratio)
	if current >= v.Required {
		v.Admit = true
		return v
	}
	v.Shortfall = v.Required - current
	v.Err = &ShortfallError{Required: v.Required, Current: current}
	return v
}
