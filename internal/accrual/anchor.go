// Package accrual extrapolates the pending yield between authoritative ledger reads.
package accrual

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Day is the accrual period of a daily rate.
const Day = 24 * time.Hour

var secondsDay = decimal.NewFromInt(int64(Day / time.Second))

// Anchor is the last authoritative earnings read for one account.
type Anchor struct {
	// BaseValue is the pending yield reported by the ledger
	BaseValue decimal.Decimal `json:"base_value"`

	// AnchorTime is when BaseValue was retrieved
	AnchorTime time.Time `json:"anchor_time"`

	// DailyRateAmount is the absolute amount accrued per day
	DailyRateAmount decimal.Decimal `json:"daily_rate_amount"`

	Withdrawable     decimal.Decimal `json:"withdrawable"`
	DailyRatePercent decimal.Decimal `json:"daily_rate_percent"`
	TierLevel        int             `json:"tier_level"`
	HoldingDays      int             `json:"holding_days"`
	Participating    bool            `json:"participating"`

	// Stale is set when the latest refresh failed; extrapolation continues regardless
	Stale bool `json:"stale"`
}

// Estimate returns the pending yield at now:
// min(base + rate × elapsed / 1d, base + rate). Elapsed time before AnchorTime
// counts as zero, so the estimate never drops below BaseValue.
func (a Anchor) Estimate(now time.Time) decimal.Decimal {
	if !a.DailyRateAmount.IsPositive() {
		return a.BaseValue
	}
	elapsed := now.Sub(a.AnchorTime)
	if elapsed <= 0 {
		return a.BaseValue
	}
	if elapsed >= Day {
		return a.BaseValue.Add(a.DailyRateAmount)
	}

	secs := decimal.NewFromInt(elapsed.Nanoseconds()).Shift(-9)
	incremental := a.DailyRateAmount.Mul(secs).Div(secondsDay)
	return decimal.Min(a.BaseValue.Add(incremental), a.BaseValue.Add(a.DailyRateAmount))
}

// Cap is the highest value Estimate can ever return for a.
func (a Anchor) Cap() decimal.Decimal {
	if !a.DailyRateAmount.IsPositive() {
		return a.BaseValue
	}
	return a.BaseValue.Add(a.DailyRateAmount)
}

// DailyRateAmount derives the absolute daily accrual from a raw token balance:
// units / 10^decimals × price × ratePercent / 100, truncated to the token precision.
// Non-positive inputs yield zero.
func DailyRateAmount(units *big.Int, decimals uint8, price, ratePercent decimal.Decimal) decimal.Decimal {
	if units == nil || units.Sign() <= 0 || !price.IsPositive() || !ratePercent.IsPositive() {
		return decimal.Zero
	}
	balance := decimal.NewFromBigInt(units, -int32(decimals))
	return balance.Mul(price).Mul(ratePercent).Shift(-2).Truncate(int32(decimals))
}

// DisplayString renders d with a fixed number of decimals. Rounding happens
// only here, never in the stored values.
func DisplayString(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
