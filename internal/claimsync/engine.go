// Package claimsync propagates on-chain claims to the ledger with a bounded
// retry budget, queueing them durably when the budget runs out.
package claimsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-sync/internal/metrics"
	"github.com/yourorg/yield-sync/internal/model"
	"github.com/yourorg/yield-sync/internal/retry"
)

// State is the position of a claim in the sync lifecycle.
type State int

const (
	StateMined State = iota
	StateSyncing
	StateSynced
	StateQueued
)

func (s State) String() string {
	switch s {
	case StateMined:
		return "mined"
	case StateSyncing:
		return "syncing"
	case StateSynced:
		return "synced"
	case StateQueued:
		return "queued"
	default:
		return "unknown"
	}
}

// Default sync budget: a handful of quick attempts right after the claim is mined.
const (
	DefaultAttempts = 5
	DefaultDelay    = 2 * time.Second
)

// Submitter sends claim proofs to the ledger. Submissions must be idempotent by tx hash.
type Submitter interface {
	SubmitClaim(ctx context.Context, claim model.ClaimRecord) error
}

// ReceiptWaiter blocks until a transaction is mined.
type ReceiptWaiter interface {
	WaitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// ReplayResult summarizes a Replay run.
type ReplayResult struct {
	Attempted int
	Synced    int
	Remaining int
}

// Engine runs the claim sync state machine.
type Engine struct {
	submitter Submitter
	receipts  ReceiptWaiter
	queue     *Queue
	history   *History
	policy    retry.Policy
	clock     clockwork.Clock
	log       logrus.FieldLogger
	onSynced  func(ctx context.Context, claim model.ClaimRecord)
}

// NewEngine creates an engine that queues into queue on failure.
func NewEngine(submitter Submitter, queue *Queue) *Engine {
	return &Engine{
		submitter: submitter,
		queue:     queue,
		policy:    retry.FixedPolicy("claim-sync", DefaultAttempts, DefaultDelay),
		clock:     clockwork.NewRealClock(),
		log:       logrus.StandardLogger(),
	}
}

// WithPolicy replaces the sync retry budget
func (e *Engine) WithPolicy(p retry.Policy) *Engine {
	e.policy = p
	return e
}

// WithReceipts enables ConfirmAndSync
func (e *Engine) WithReceipts(r ReceiptWaiter) *Engine {
	e.receipts = r
	return e
}

// WithHistory records every synced or queued claim in h
func (e *Engine) WithHistory(h *History) *Engine {
	e.history = h
	return e
}

// WithClock sets the clock used to stamp claim records
func (e *Engine) WithClock(c clockwork.Clock) *Engine {
	e.clock = c
	return e
}

// WithLogger sets the logger
func (e *Engine) WithLogger(l logrus.FieldLogger) *Engine {
	e.log = l
	return e
}

// OnSynced registers fn to run after every successful sync, typically an earnings refresh
func (e *Engine) OnSynced(fn func(ctx context.Context, claim model.ClaimRecord)) *Engine {
	e.onSynced = fn
	return e
}

// Queue returns the pending claim queue.
func (e *Engine) Queue() *Queue {
	return e.queue
}

// History returns the claim history, or nil when none is kept.
func (e *Engine) History() *History {
	return e.history
}

// ConfirmAndSync waits for txHash to be mined and then syncs the claim.
func (e *Engine) ConfirmAndSync(ctx context.Context, address common.Address, txHash common.Hash, referrer common.Address) (State, error) {
	if e.receipts == nil {
		return StateMined, errors.New("claimsync: no receipt source configured")
	}
	if _, err := e.receipts.WaitMined(ctx, txHash); err != nil {
		return StateMined, fmt.Errorf("waiting for claim %s: %w", txHash.Hex(), err)
	}

	return e.Sync(ctx, model.ClaimRecord{
		Address:   address,
		TxHash:    txHash,
		Referrer:  referrer,
		CreatedAt: e.clock.Now(),
	})
}

// Sync submits a mined claim within the retry budget. When the budget is
// exhausted, or the ledger rejects the claim, it is queued for later
// reconciliation and StateQueued is returned without an error: the claim is
// safe on chain and only the bookkeeping is pending. An error is returned only
// if the claim could not be queued either.
func (e *Engine) Sync(ctx context.Context, claim model.ClaimRecord) (State, error) {
	if claim.CreatedAt.IsZero() {
		claim.CreatedAt = e.clock.Now()
	}
	logger := e.log.WithFields(logrus.Fields{
		"tx":      claim.TxHash.Hex(),
		"account": claim.Address.Hex(),
	})
	logger.WithField("state", StateSyncing).Debug("Syncing claim")

	err := retry.Do(ctx, e.policy, func(ctx context.Context) error {
		return e.submitter.SubmitClaim(ctx, claim)
	})
	if err == nil {
		e.synced(ctx, logger, claim)
		return StateSynced, nil
	}

	added, qerr := e.queue.Add(claim)
	if qerr != nil {
		metrics.ClaimSyncTotal.WithLabelValues("lost").Inc()
		logger.WithError(qerr).Error("Claim sync failed and the claim could not be queued")
		return StateSyncing, fmt.Errorf("claim %s: sync failed (%v) and queueing failed: %w", claim.TxHash.Hex(), err, qerr)
	}

	metrics.ClaimSyncTotal.WithLabelValues(StateQueued.String()).Inc()
	e.remember(logger, claim, false)
	logger.WithError(err).WithFields(logrus.Fields{
		"state":   StateQueued,
		"new":     added,
		"pending": e.queue.Len(),
	}).Warn("Claim sync exhausted, queued for reconciliation")
	return StateQueued, nil
}

// Replay makes one submission attempt for every queued claim and drops the
// ones the ledger accepts. It is never scheduled automatically.
func (e *Engine) Replay(ctx context.Context) (ReplayResult, error) {
	pending := e.queue.List()
	res := ReplayResult{}
	var errs []error

	for _, claim := range pending {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res.Attempted++

		logger := e.log.WithField("tx", claim.TxHash.Hex())
		if err := e.submitter.SubmitClaim(ctx, claim); err != nil {
			logger.WithError(err).Info("Queued claim still not accepted")
			continue
		}
		res.Synced++
		e.synced(ctx, logger, claim)
	}

	res.Remaining = e.queue.Len()
	return res, errors.Join(errs...)
}

func (e *Engine) synced(ctx context.Context, logger logrus.FieldLogger, claim model.ClaimRecord) {
	if _, err := e.queue.Remove(claim.TxHash); err != nil {
		logger.WithError(err).Warn("Failed to drop synced claim from queue")
	}
	metrics.ClaimSyncTotal.WithLabelValues(StateSynced.String()).Inc()
	e.remember(logger, claim, true)
	logger.WithField("state", StateSynced).Info("Claim synced")

	if e.onSynced != nil {
		e.onSynced(ctx, claim)
	}
}

// remember updates the display history. Its failures never affect syncing.
func (e *Engine) remember(logger logrus.FieldLogger, claim model.ClaimRecord, synced bool) {
	if e.history == nil {
		return
	}
	if err := e.history.Record(claim, synced, e.clock.Now()); err != nil {
		logger.WithError(err).Warn("Failed to record claim history")
	}
}
