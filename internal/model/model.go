// Package model defines the core data structures shared by the yield-sync components.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tier is one VIP band: a contiguous token-balance range mapped to a daily yield percentage.
type Tier struct {
	// Level orders the bands; level 1 is the lowest ranked tier
	Level int `json:"level"`

	// MinBalance is the inclusive lower bound of the band
	MinBalance decimal.Decimal `json:"min_balance"`

	// MaxBalance is the inclusive upper bound; nil means unbounded
	MaxBalance *decimal.Decimal `json:"max_balance"`

	// DailyRatePercent is the yield per day, e.g. 0.8 for 0.8%/day
	DailyRatePercent decimal.Decimal `json:"daily_rate_percent"`
}

// Unbounded reports whether the band has no upper limit.
func (t Tier) Unbounded() bool {
	return t.MaxBalance == nil
}

// EnergyParams holds the server-configured energy economy.
type EnergyParams struct {
	// WithdrawRatio is the energy required per unit of withdrawn amount
	WithdrawRatio decimal.Decimal `json:"withdraw_ratio"`

	SelfClaimReward      int64 `json:"self_claim_reward"`
	FirstReferralReward  int64 `json:"first_referral_reward"`
	RepeatReferralReward int64 `json:"repeat_referral_reward"`

	// MinWithdrawal is the smallest amount accepted for a withdrawal request
	MinWithdrawal decimal.Decimal `json:"min_withdrawal"`
}

// ConfigSnapshot is a copy of the server-provided configuration tables.
type ConfigSnapshot struct {
	Tiers     []Tier       `json:"tiers"`
	Energy    EnergyParams `json:"energy"`
	FetchedAt time.Time    `json:"fetched_at"`

	// Default marks the hardcoded fallback that is used before any fetch succeeded
	Default bool `json:"default,omitempty"`
}

// Stale reports whether the snapshot is older than ttl at now.
func (s ConfigSnapshot) Stale(now time.Time, ttl time.Duration) bool {
	if s.FetchedAt.IsZero() {
		return true
	}
	return now.Sub(s.FetchedAt) >= ttl
}

// DefaultConfigSnapshot returns the hardcoded configuration used when no
// server copy has ever been fetched.
func DefaultConfigSnapshot() ConfigSnapshot {
	max1 := decimal.NewFromInt(49999)
	max2 := decimal.NewFromInt(99999)
	return ConfigSnapshot{
		Tiers: []Tier{
			{Level: 1, MinBalance: decimal.NewFromInt(10000), MaxBalance: &max1, DailyRatePercent: decimal.RequireFromString("0.5")},
			{Level: 2, MinBalance: decimal.NewFromInt(50000), MaxBalance: &max2, DailyRatePercent: decimal.RequireFromString("0.8")},
			{Level: 3, MinBalance: decimal.NewFromInt(100000), DailyRatePercent: decimal.RequireFromString("1.2")},
		},
		Energy: EnergyParams{
			WithdrawRatio:        decimal.NewFromInt(10),
			SelfClaimReward:      10,
			FirstReferralReward:  50,
			RepeatReferralReward: 10,
			MinWithdrawal:        decimal.NewFromInt(10),
		},
		Default: true,
	}
}

// Earnings is the authoritative earnings view reported by the ledger for one account.
type Earnings struct {
	// Participating is false when the ledger has no record of the account yet
	Participating bool `json:"participating"`

	PendingYield decimal.Decimal `json:"pending_yield"`

	// Withdrawable is the authoritative amount available for withdrawal
	Withdrawable decimal.Decimal `json:"withdrawable"`

	DailyRatePercent decimal.Decimal `json:"daily_rate_percent"`
	TierLevel        int             `json:"tier_level"`
	HoldingDays      int             `json:"holding_days"`
}
