// Package tier maps a token balance onto the configured VIP bands.
package tier

import (
	"github.com/shopspring/decimal"

	"github.com/yourorg/yield-sync/internal/model"
	"github.com/yourorg/yield-sync/internal/validation"
)

// UnrankedCap is the highest progress shown while the balance is below the first band.
const UnrankedCap = 99

var hundred = decimal.NewFromInt(100)

// Resolution is the outcome of Resolve.
type Resolution struct {
	// Tier is nil while the balance is below the lowest band
	Tier *model.Tier

	// ProgressPercent is the progress towards the next band, in [0, 100]
	ProgressPercent int
}

// Ranked reports whether the balance falls into a band.
func (r Resolution) Ranked() bool {
	return r.Tier != nil
}

// DailyRatePercent returns the resolved rate, zero when unranked.
func (r Resolution) DailyRatePercent() decimal.Decimal {
	if r.Tier == nil {
		return decimal.Zero
	}
	return r.Tier.DailyRatePercent
}

// Resolve finds the band containing balance and the progress to the next one.
// It never fails: a malformed or empty table yields an unranked zero result.
func Resolve(balance decimal.Decimal, tiers []model.Tier) Resolution {
	if len(tiers) == 0 || balance.IsNegative() || !wellFormed(tiers) {
		return Resolution{}
	}
	sorted := validation.SortTiers(tiers)

	lowest := sorted[0]
	if balance.LessThan(lowest.MinBalance) {
		if !lowest.MinBalance.IsPositive() {
			return Resolution{}
		}
		progress := percent(balance, lowest.MinBalance)
		if progress > UnrankedCap {
			progress = UnrankedCap
		}
		return Resolution{ProgressPercent: progress}
	}

	// Bands are contiguous, so the highest band whose floor has been reached
	// is the containing one. Balances past every finite max land in the last band.
	idx := 0
	for i, t := range sorted {
		if t.MinBalance.LessThanOrEqual(balance) {
			idx = i
		}
	}
	matched := sorted[idx]
	res := Resolution{Tier: &matched}

	if idx == len(sorted)-1 {
		res.ProgressPercent = 100
		return res
	}
	next := sorted[idx+1]
	span := next.MinBalance.Sub(matched.MinBalance)
	if !span.IsPositive() {
		res.ProgressPercent = 100
		return res
	}
	res.ProgressPercent = clamp(percent(balance.Sub(matched.MinBalance), span))
	return res
}

func wellFormed(tiers []model.Tier) bool {
	for _, t := range tiers {
		if t.MinBalance.IsNegative() {
			return false
		}
		if t.MaxBalance != nil && t.MaxBalance.LessThan(t.MinBalance) {
			return false
		}
	}
	return true
}

// percent returns round(part / whole × 100).
func percent(part, whole decimal.Decimal) int {
	return int(part.Mul(hundred).Div(whole).Round(0).IntPart())
}

func clamp(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
