// Package validation checks server-provided configuration before it is allowed
// to replace the cached copy.
package validation

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-sync/internal/model"
)

// ErrInvalidConfig wraps every problem reported by ValidateSnapshot.
var ErrInvalidConfig = errors.New("invalid configuration")

// Options holds sanity bounds applied on top of the structural rules
type Options struct {
	// MaxDailyRatePercent rejects tiers advertising an unreasonable yield
	MaxDailyRatePercent decimal.Decimal

	// MaxWithdrawRatio rejects an energy ratio that would make withdrawals impossible
	MaxWithdrawRatio decimal.Decimal
}

// DefaultOptions returns sensible defaults for validation
func DefaultOptions() Options {
	return Options{
		MaxDailyRatePercent: decimal.NewFromInt(100), // 100%/day
		MaxWithdrawRatio:    decimal.NewFromInt(1_000_000),
	}
}

// ValidateSnapshot checks s with the default options.
func ValidateSnapshot(s model.ConfigSnapshot) error {
	return ValidateSnapshotWithOptions(s, DefaultOptions())
}

// ValidateSnapshotWithOptions reports every rule s breaks. The returned error
// matches ErrInvalidConfig.
func ValidateSnapshotWithOptions(s model.ConfigSnapshot, opts Options) error {
	var problems []error
	problems = append(problems, tierProblems(s.Tiers, opts)...)
	problems = append(problems, energyProblems(s.Energy, opts)...)
	if len(problems) == 0 {
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"tiers":    len(s.Tiers),
		"problems": len(problems),
	}).Debug("Rejected configuration snapshot")

	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(problems...))
}

// SortTiers returns a copy of tiers ordered by level ascending.
func SortTiers(tiers []model.Tier) []model.Tier {
	sorted := make([]model.Tier, len(tiers))
	copy(sorted, tiers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Level < sorted[j].Level
	})
	return sorted
}

func tierProblems(tiers []model.Tier, opts Options) []error {
	if len(tiers) == 0 {
		return []error{errors.New("tier table is empty")}
	}

	var problems []error
	sorted := SortTiers(tiers)
	for i, t := range sorted {
		if t.MinBalance.IsNegative() {
			problems = append(problems, fmt.Errorf("tier %d: negative min balance %s", t.Level, t.MinBalance))
		}
		if t.MaxBalance != nil && t.MaxBalance.LessThan(t.MinBalance) {
			problems = append(problems, fmt.Errorf("tier %d: max balance %s below min %s", t.Level, t.MaxBalance, t.MinBalance))
		}
		if t.Unbounded() && i != len(sorted)-1 {
			problems = append(problems, fmt.Errorf("tier %d: only the last tier may be unbounded", t.Level))
		}
		if t.DailyRatePercent.IsNegative() {
			problems = append(problems, fmt.Errorf("tier %d: negative daily rate %s", t.Level, t.DailyRatePercent))
		}
		if t.DailyRatePercent.GreaterThan(opts.MaxDailyRatePercent) {
			problems = append(problems, fmt.Errorf("tier %d: daily rate %s above %s", t.Level, t.DailyRatePercent, opts.MaxDailyRatePercent))
		}

		if i == 0 {
			continue
		}
		prev := sorted[i-1]
		if t.Level == prev.Level {
			problems = append(problems, fmt.Errorf("tier %d: duplicate level", t.Level))
		}
		if !t.MinBalance.GreaterThan(prev.MinBalance) {
			problems = append(problems, fmt.Errorf("tier %d: min balance %s does not exceed tier %d", t.Level, t.MinBalance, prev.Level))
		}
		if prev.MaxBalance != nil && !prev.MaxBalance.LessThan(t.MinBalance) {
			problems = append(problems, fmt.Errorf("tier %d: overlaps tier %d", t.Level, prev.Level))
		}
	}
	return problems
}

func energyProblems(e model.EnergyParams, opts Options) []error {
	var problems []error
	if !e.WithdrawRatio.IsPositive() {
		problems = append(problems, fmt.Errorf("energy: withdraw ratio must be positive, got %s", e.WithdrawRatio))
	} else if e.WithdrawRatio.GreaterThan(opts.MaxWithdrawRatio) {
		problems = append(problems, fmt.Errorf("energy: withdraw ratio %s above %s", e.WithdrawRatio, opts.MaxWithdrawRatio))
	}
	if e.SelfClaimReward < 0 || e.FirstReferralReward < 0 || e.RepeatReferralReward < 0 {
		problems = append(problems, errors.New("energy: rewards must not be negative"))
	}
	if e.MinWithdrawal.IsNegative() {
		problems = append(problems, fmt.Errorf("energy: negative min withdrawal %s", e.MinWithdrawal))
	}
	return problems
}
