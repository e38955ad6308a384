// Package notify announces completed withdrawals exactly once per device and
// merges account activity into a single timeline.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-sync/internal/metrics"
	"github.com/yourorg/yield-sync/internal/model"
)

// History returns the withdrawal history of an account.
type History interface {
	Withdrawals(ctx context.Context, account common.Address) ([]model.WithdrawalRequest, error)
}

// Referrals returns the claims made by addresses an account invited.
type Referrals interface {
	Referrals(ctx context.Context, account common.Address) ([]model.Referral, error)
}

// Notifier detects withdrawals that reached the completed state.
type Notifier struct {
	account common.Address
	history History
	seen    *SeenSet
	log     logrus.FieldLogger

	mu          sync.RWMutex
	onCompleted func(model.WithdrawalRequest)
	last        []model.WithdrawalRequest
}

// New creates a notifier for account.
func New(account common.Address, history History, seen *SeenSet) *Notifier {
	return &Notifier{
		account: account,
		history: history,
		seen:    seen,
		log:     logrus.StandardLogger(),
	}
}

// WithLogger sets the logger
func (n *Notifier) WithLogger(l logrus.FieldLogger) *Notifier {
	n.log = l
	return n
}

// OnCompleted registers the listener called once per completed withdrawal
func (n *Notifier) OnCompleted(fn func(model.WithdrawalRequest)) *Notifier {
	n.mu.Lock()
	n.onCompleted = fn
	n.mu.Unlock()
	return n
}

// Poll fetches the history and announces every completed withdrawal not seen
// before. Each id is recorded before it is announced. It returns the newly
// announced withdrawals.
func (n *Notifier) Poll(ctx context.Context) ([]model.WithdrawalRequest, error) {
	history, err := n.history.Withdrawals(ctx, n.account)
	if err != nil {
		return nil, fmt.Errorf("fetching withdrawal history: %w", err)
	}

	n.mu.Lock()
	n.last = history
	fn := n.onCompleted
	n.mu.Unlock()

	var (
		announced []model.WithdrawalRequest
		errs      []error
	)
	for _, req := range history {
		if req.Status != model.WithdrawalCompleted || n.seen.Has(req.ID) {
			continue
		}
		if err := n.seen.Add(req.ID); err != nil {
			n.log.WithError(err).WithField("id", req.ID).Warn("Completion not persisted, may be announced again after restart")
			errs = append(errs, err)
		}

		announced = append(announced, req)
		metrics.CompletionNotificationsTotal.Inc()
		n.log.WithFields(logrus.Fields{
			"id":     req.ID,
			"amount": req.Amount.String(),
		}).Info("Withdrawal completed")
		if fn != nil {
			fn(req)
		}
	}
	return announced, errors.Join(errs...)
}

// Last returns the history fetched by the latest successful Poll.
func (n *Notifier) Last() []model.WithdrawalRequest {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]model.WithdrawalRequest(nil), n.last...)
}
