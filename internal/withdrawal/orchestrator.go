// Package withdrawal validates, gates and submits withdrawal requests, and
// reconciles local state with the ledger afterwards.
package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/yield-sync/internal/accrual"
	"github.com/yourorg/yield-sync/internal/energy"
	"github.com/yourorg/yield-sync/internal/ledger"
	"github.com/yourorg/yield-sync/internal/metrics"
	"github.com/yourorg/yield-sync/internal/model"
)

var (
	// ErrRetryRequired means the ledger saw a different balance or energy than
	// the client did. Local state has been refetched; the user may try again.
	ErrRetryRequired = errors.New("account state changed, please retry")

	// ErrInFlight is returned while another submission for the account is running.
	ErrInFlight = errors.New("a withdrawal submission is already in progress")

	// ErrOutcomeUnknown means the ledger accepted the submission but its answer
	// could not be read. The request must not be submitted again; its status
	// shows up in the withdrawal history.
	ErrOutcomeUnknown = errors.New("withdrawal sent, awaiting confirmation from the ledger")
)

// Reason classifies a local validation failure.
type Reason int

const (
	ReasonNonPositive Reason = iota
	ReasonBelowMinimum
	ReasonExceedsBalance
	ReasonBalanceUnknown
)

func (r Reason) String() string {
	switch r {
	case ReasonNonPositive:
		return "amount must be positive"
	case ReasonBelowMinimum:
		return "amount below minimum"
	case ReasonExceedsBalance:
		return "amount exceeds available balance"
	case ReasonBalanceUnknown:
		return "available balance unknown"
	default:
		return "invalid amount"
	}
}

// ValidationError is a local rejection; nothing was sent to the ledger.
type ValidationError struct {
	Reason Reason
	Amount decimal.Decimal
	Limit  decimal.Decimal
}

func (e *ValidationError) Error() string {
	switch e.Reason {
	case ReasonBelowMinimum, ReasonExceedsBalance:
		return fmt.Sprintf("%s: %s (limit %s)", e.Reason, e.Amount, e.Limit)
	default:
		return e.Reason.String()
	}
}

// Ledger is the part of the ledger API the orchestrator submits to.
type Ledger interface {
	SubmitWithdrawal(ctx context.Context, account common.Address, amount decimal.Decimal) (model.WithdrawalRequest, error)
}

// Earnings is the anchor owner that holds the authoritative withdrawable balance.
type Earnings interface {
	Anchor() (accrual.Anchor, bool)
	Refresh(ctx context.Context) error
	Invalidate()
}

// Energy gates on freshly fetched energy.
type Energy interface {
	Gate(ctx context.Context, amount, ratio decimal.Decimal) (energy.Verdict, error)
	Refresh(ctx context.Context) (int64, error)
}

// ConfigSource provides the energy parameters.
type ConfigSource interface {
	Current() (model.ConfigSnapshot, bool)
	Get(ctx context.Context) model.ConfigSnapshot
}

// Orchestrator runs withdrawal submissions for one account. It never
// resubmits a request on its own.
type Orchestrator struct {
	account  common.Address
	ledger   Ledger
	earnings Earnings
	energy   Energy
	config   ConfigSource
	log      logrus.FieldLogger

	inflight sync.Mutex

	mu      sync.RWMutex
	onEvent func(Event)
}

// New creates an orchestrator for account.
func New(account common.Address, l Ledger, earnings Earnings, e Energy, config ConfigSource) *Orchestrator {
	return &Orchestrator{
		account:  account,
		ledger:   l,
		earnings: earnings,
		energy:   e,
		config:   config,
		log:      logrus.StandardLogger(),
	}
}

// WithLogger sets the logger
func (o *Orchestrator) WithLogger(l logrus.FieldLogger) *Orchestrator {
	o.log = l
	return o
}

// OnEvent registers the event listener
func (o *Orchestrator) OnEvent(fn func(Event)) *Orchestrator {
	o.mu.Lock()
	o.onEvent = fn
	o.mu.Unlock()
	return o
}

// Validate checks amount against the configured minimum and the last
// authoritative withdrawable balance without any network call.
func (o *Orchestrator) Validate(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return &ValidationError{Reason: ReasonNonPositive, Amount: amount}
	}

	snap, ok := o.config.Current()
	if !ok {
		snap = model.DefaultConfigSnapshot()
	}
	if minimum := snap.Energy.MinWithdrawal; amount.LessThan(minimum) {
		return &ValidationError{Reason: ReasonBelowMinimum, Amount: amount, Limit: minimum}
	}

	anchor, ok := o.earnings.Anchor()
	if !ok {
		return &ValidationError{Reason: ReasonBalanceUnknown, Amount: amount}
	}
	if amount.GreaterThan(anchor.Withdrawable) {
		return &ValidationError{Reason: ReasonExceedsBalance, Amount: amount, Limit: anchor.Withdrawable}
	}
	return nil
}

// Precheck runs validation and the energy gate for display, before the user confirms.
// Submit repeats both; the submission-time result is the one that counts.
func (o *Orchestrator) Precheck(ctx context.Context, amount decimal.Decimal) (energy.Verdict, error) {
	if err := o.Validate(amount); err != nil {
		return energy.Verdict{}, err
	}
	ratio := o.config.Get(ctx).Energy.WithdrawRatio
	return o.energy.Gate(ctx, amount, ratio)
}

// Submit validates, gates and submits a withdrawal of amount.
func (o *Orchestrator) Submit(ctx context.Context, amount decimal.Decimal) (*model.WithdrawalRequest, error) {
	if !o.inflight.TryLock() {
		return nil, ErrInFlight
	}
	defer o.inflight.Unlock()

	logger := o.log.WithFields(logrus.Fields{
		"account": o.account.Hex(),
		"amount":  amount.String(),
	})

	if err := o.Validate(amount); err != nil {
		metrics.WithdrawalsTotal.WithLabelValues("invalid").Inc()
		o.emit(Event{Kind: EventRejected, Amount: amount, Err: err})
		return nil, err
	}

	ratio := o.config.Get(ctx).Energy.WithdrawRatio
	verdict, err := o.energy.Gate(ctx, amount, ratio)
	if err != nil {
		metrics.WithdrawalsTotal.WithLabelValues("error").Inc()
		o.emit(Event{Kind: EventFailed, Amount: amount, Err: err})
		return nil, err
	}
	if !verdict.Admit {
		metrics.WithdrawalsTotal.WithLabelValues("denied").Inc()
		logger.WithFields(logrus.Fields{
			"required": verdict.Required,
			"current":  verdict.Current,
		}).Info("Withdrawal denied by energy gate")
		o.emit(Event{Kind: EventDenied, Amount: amount, Verdict: verdict, Err: verdict.Err})
		return nil, verdict.Err
	}

	req, err := o.ledger.SubmitWithdrawal(ctx, o.account, amount)
	if err != nil {
		return nil, o.failed(ctx, logger, amount, err)
	}
	if req.EnergyCost == 0 {
		req.EnergyCost = verdict.Required
	}

	metrics.WithdrawalsTotal.WithLabelValues("submitted").Inc()
	logger.WithFields(logrus.Fields{
		"id":          req.ID,
		"energy_cost": req.EnergyCost,
	}).Info("Withdrawal submitted")

	o.earnings.Invalidate()
	o.resync(ctx, logger)
	o.emit(Event{Kind: EventSubmitted, Amount: amount, Request: &req, Verdict: verdict, ClearInput: true})
	return &req, nil
}

func (o *Orchestrator) failed(ctx context.Context, logger logrus.FieldLogger, amount decimal.Decimal, err error) error {
	var unreadable *ledger.DecodeError
	if errors.As(err, &unreadable) {
		metrics.WithdrawalsTotal.WithLabelValues("unconfirmed").Inc()
		logger.WithError(err).Warn("Withdrawal accepted but the ledger answer was unreadable, refetching")
		o.earnings.Invalidate()
		o.resync(ctx, logger)

		unknownErr := fmt.Errorf("%w: %w", ErrOutcomeUnknown, err)
		o.emit(Event{Kind: EventUnconfirmed, Amount: amount, Err: unknownErr, ClearInput: true, Message: ErrOutcomeUnknown.Error()})
		return unknownErr
	}

	if !errors.Is(err, ledger.ErrStateConflict) {
		metrics.WithdrawalsTotal.WithLabelValues("error").Inc()
		logger.WithError(err).Warn("Withdrawal submission failed")
		o.emit(Event{Kind: EventFailed, Amount: amount, Err: err})
		return err
	}

	metrics.WithdrawalsTotal.WithLabelValues("conflict").Inc()
	logger.WithError(err).Info("Ledger state differs from local view, refetching")
	o.resync(ctx, logger)

	retryErr := fmt.Errorf("%w: %w", ErrRetryRequired, err)
	o.emit(Event{Kind: EventRetryRequired, Amount: amount, Err: retryErr, Message: ErrRetryRequired.Error()})
	return retryErr
}

// resync refetches earnings and energy. Failures are logged; the pollers
// will catch up.
func (o *Orchestrator) resync(ctx context.Context, logger logrus.FieldLogger) {
	var g errgroup.Group
	g.Go(func() error {
		return o.earnings.Refresh(ctx)
	})
	g.Go(func() error {
		_, err := o.energy.Refresh(ctx)
		return err
	})
	if err := g.Wait(); err != nil {
		logger.WithError(err).Warn("Refetch after withdrawal incomplete")
	}
}

func (o *Orchestrator) emit(e Event) {
	o.mu.RLock()
	fn := o.onEvent
	o.mu.RUnlock()
	if fn != nil {
		fn(e)
	}
}
