package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ActivityKind identifies the variant of an Activity.
type ActivityKind string

const (
	ActivityClaim      ActivityKind = "claim"
	ActivityReferral   ActivityKind = "referral"
	ActivityWithdrawal ActivityKind = "withdrawal"
)

// Activity is one entry of an account's history feed. The set of
// implementations is closed: ClaimActivity, ReferralActivity, WithdrawalActivity.
type Activity interface {
	Kind() ActivityKind
	OccurredAt() time.Time
	activity()
}

// ClaimActivity is a reward claim made by the account itself. EnergyReward
// is zero until the ledger has acknowledged the claim.
type ClaimActivity struct {
	Claim        ClaimRecord `json:"claim"`
	Synced       bool        `json:"synced"`
	EnergyReward int64       `json:"energy_reward"`
}

func (a ClaimActivity) Kind() ActivityKind    { return ActivityClaim }
func (a ClaimActivity) OccurredAt() time.Time { return a.Claim.CreatedAt }
func (ClaimActivity) activity()               {}

// ReferralActivity is energy earned because a referred address claimed.
type ReferralActivity struct {
	Invitee      common.Address `json:"invitee"`
	First        bool           `json:"first"`
	EnergyReward int64          `json:"energy_reward"`
	At           time.Time      `json:"at"`
}

func (a ReferralActivity) Kind() ActivityKind    { return ActivityReferral }
func (a ReferralActivity) OccurredAt() time.Time { return a.At }
func (ReferralActivity) activity()               {}

// WithdrawalActivity wraps a withdrawal request in the feed.
type WithdrawalActivity struct {
	Request WithdrawalRequest `json:"request"`
}

func (a WithdrawalActivity) Kind() ActivityKind    { return ActivityWithdrawal }
func (a WithdrawalActivity) OccurredAt() time.Time { return a.Request.CreatedAt }
func (WithdrawalActivity) activity()               {}

// Amount returns the withdrawn amount.
func (a WithdrawalActivity) Amount() decimal.Decimal {
	return a.Request.Amount
}
