package withdrawal

import (
	"github.com/shopspring/decimal"

	"github.com/yourorg/yield-sync/internal/energy"
	"github.com/yourorg/yield-sync/internal/model"
)

// EventKind is the outcome reported to the UI.
type EventKind int

const (
	EventSubmitted EventKind = iota
	EventRejected
	EventDenied
	EventRetryRequired
	EventFailed
	EventUnconfirmed
)

func (k EventKind) String() string {
	switch k {
	case EventSubmitted:
		return "submitted"
	case EventRejected:
		return "rejected"
	case EventDenied:
		return "denied"
	case EventRetryRequired:
		return "retry_required"
	case EventFailed:
		return "failed"
	case EventUnconfirmed:
		return "unconfirmed"
	default:
		return "unknown"
	}
}

// Event describes the end of one Submit call.
type Event struct {
	Kind   EventKind
	Amount decimal.Decimal

	// Request is set for EventSubmitted
	Request *model.WithdrawalRequest

	Verdict energy.Verdict
	Err     error

	// ClearInput tells the UI to reset the amount field. It is set after a
	// successful submission and after one the ledger accepted without a
	// readable answer; the amount is kept on every other path.
	ClearInput bool

	Message string
}
