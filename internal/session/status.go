package session

import (
	"time"

	"github.com/yourorg/yield-sync/internal/accrual"
)

// Snapshot is the JSON view of a session served on /status.
type Snapshot struct {
	Account string `json:"account"`

	Estimate      string `json:"estimate"`
	Withdrawable  string `json:"withdrawable"`
	DailyRate     string `json:"daily_rate_percent"`
	Participating bool   `json:"participating"`
	Stale         bool   `json:"stale"`

	TierLevel    *int   `json:"tier_level"`
	TierProgress int    `json:"tier_progress_percent"`
	BalanceKnown bool   `json:"balance_known"`
	Balance      string `json:"balance,omitempty"`

	Energy      int64 `json:"energy"`
	EnergyKnown bool  `json:"energy_known"`

	PendingClaims int `json:"pending_claims"`

	ConfigDefault   bool      `json:"config_default"`
	ConfigFetchedAt time.Time `json:"config_fetched_at"`

	Intervals map[string]string `json:"poll_intervals"`
	At        time.Time         `json:"at"`
}

// Snapshot collects the current state of every component.
func (s *Session) Snapshot() Snapshot {
	st := s.Tracker.Status()
	energy, known := s.Energy.Cached()
	snap, _ := s.Config.Current()

	out := Snapshot{
		Account:         s.Account.Hex(),
		Estimate:        accrual.DisplayString(st.Estimate, 6),
		Withdrawable:    accrual.DisplayString(st.Anchor.Withdrawable, 6),
		DailyRate:       st.Anchor.DailyRatePercent.String(),
		Participating:   st.Anchor.Participating,
		Stale:           st.Anchor.Stale,
		TierProgress:    st.Tier.ProgressPercent,
		BalanceKnown:    st.BalanceAvailable,
		Energy:          energy,
		EnergyKnown:     known,
		PendingClaims:   s.Claims.Queue().Len(),
		ConfigDefault:   snap.Default,
		ConfigFetchedAt: snap.FetchedAt,
		Intervals:       make(map[string]string),
		At:              st.At,
	}
	if st.Tier.Ranked() {
		level := st.Tier.Tier.Level
		out.TierLevel = &level
	}
	if st.BalanceAvailable {
		out.Balance = st.Balance.String()
	}
	for name, d := range s.Intervals() {
		out.Intervals[name] = d.String()
	}
	return out
}
