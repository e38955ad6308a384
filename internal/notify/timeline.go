package notify

import (
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/yourorg/yield-sync/internal/model"
)

// Timeline merges activity lists into one feed, newest first. Entries with
// the same timestamp keep their input order.
func Timeline(lists ...[]model.Activity) []model.Activity {
	var merged []model.Activity
	for _, l := range lists {
		merged = append(merged, l...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].OccurredAt().After(merged[j].OccurredAt())
	})
	return merged
}

// WithdrawalActivities wraps withdrawal requests as feed entries.
func WithdrawalActivities(reqs []model.WithdrawalRequest) []model.Activity {
	out := make([]model.Activity, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, model.WithdrawalActivity{Request: r})
	}
	return out
}

// ClaimActivities wraps claims as feed entries. Only claims the ledger
// acknowledged carry the self-claim energy reward.
func ClaimActivities(entries []model.ClaimEntry, params model.EnergyParams) []model.Activity {
	out := make([]model.Activity, 0, len(entries))
	for _, e := range entries {
		a := model.ClaimActivity{Claim: e.Claim, Synced: e.Synced}
		if e.Synced {
			a.EnergyReward = params.SelfClaimReward
		}
		out = append(out, a)
	}
	return out
}

// ReferralActivities wraps the ledger's referral records as feed entries.
func ReferralActivities(refs []model.Referral, params model.EnergyParams) []model.Activity {
	out := make([]model.Activity, 0, len(refs))
	for _, r := range refs {
		out = append(out, Referral(r.Invitee, r.First, r.CreatedAt, params))
	}
	return out
}

// Referral builds the feed entry for a claim made by a referred address.
// The first claim of an invitee earns the first-referral reward.
func Referral(invitee common.Address, first bool, at time.Time, params model.EnergyParams) model.ReferralActivity {
	reward := params.RepeatReferralReward
	if first {
		reward = params.FirstReferralReward
	}
	return model.ReferralActivity{Invitee: invitee, First: first, EnergyReward: reward, At: at}
}
