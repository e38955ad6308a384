package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// WithdrawalStatus is the backend-owned lifecycle state of a withdrawal request.
type WithdrawalStatus int

const (
	WithdrawalPending WithdrawalStatus = iota
	WithdrawalApproved
	WithdrawalCompleted
	WithdrawalRejected

	// WithdrawalUnknown is a status this client does not recognise. It is
	// never terminal, so the request keeps being polled.
	WithdrawalUnknown
)

func (s WithdrawalStatus) String() string {
	switch s {
	case WithdrawalPending:
		return "pending"
	case WithdrawalApproved:
		return "approved"
	case WithdrawalCompleted:
		return "completed"
	case WithdrawalRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the backend will never move the request again.
func (s WithdrawalStatus) IsTerminal() bool {
	return s == WithdrawalCompleted || s == WithdrawalRejected
}

// ParseWithdrawalStatus maps the ledger's status string onto a WithdrawalStatus.
// An unrecognised string yields WithdrawalUnknown together with an error.
func ParseWithdrawalStatus(raw string) (WithdrawalStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending":
		return WithdrawalPending, nil
	case "approved":
		return WithdrawalApproved, nil
	case "completed", "complete", "success":
		return WithdrawalCompleted, nil
	case "rejected", "failed":
		return WithdrawalRejected, nil
	default:
		return WithdrawalUnknown, fmt.Errorf("unknown withdrawal status %q", raw)
	}
}

func (s WithdrawalStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts any status string. Statuses the ledger may add later
// decode as WithdrawalUnknown instead of failing the whole payload.
func (s *WithdrawalStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("withdrawal status must be a string: %w", err)
	}
	*s, _ = ParseWithdrawalStatus(raw)
	return nil
}

// WithdrawalRequest is a withdrawal as recorded by the ledger.
// EnergyCost is fixed at submission and is never recomputed from the current ratio.
type WithdrawalRequest struct {
	ID         string           `json:"id"`
	Amount     decimal.Decimal  `json:"amount"`
	Status     WithdrawalStatus `json:"status"`
	EnergyCost int64            `json:"energy_cost"`
	CreatedAt  time.Time        `json:"created_at"`
}
