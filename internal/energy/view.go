package energy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-sync/internal/retry"
)

// Source returns the authoritative energy of an account.
type Source interface {
	Energy(ctx context.Context, account common.Address) (int64, error)
}

// View caches the ledger energy for display. Gating never trusts the cache:
// Gate always fetches first.
type View struct {
	account common.Address
	source  Source
	clock   clockwork.Clock
	log     logrus.FieldLogger

	// gatePolicy is requested for the fetch behind Gate, where the user waits
	gatePolicy retry.Policy

	mu        sync.RWMutex
	current   int64
	fetchedAt time.Time
	known     bool
}

// NewView creates an energy view for account.
func NewView(account common.Address, source Source) *View {
	return &View{
		account: account,
		source:  source,
		clock:   clockwork.NewRealClock(),
		log:     logrus.StandardLogger(),

		gatePolicy: retry.Critical,
	}
}

// WithGatePolicy sets the retry policy of the fetch behind Gate
func (v *View) WithGatePolicy(p retry.Policy) *View {
	v.gatePolicy = p
	return v
}

// WithClock sets the clock used to stamp fetches
func (v *View) WithClock(c clockwork.Clock) *View {
	v.clock = c
	return v
}

// WithLogger sets the logger
func (v *View) WithLogger(l logrus.FieldLogger) *View {
	v.log = l
	return v
}

// Refresh fetches the authoritative energy and updates the cache.
func (v *View) Refresh(ctx context.Context) (int64, error) {
	energy, err := v.source.Energy(ctx, v.account)
	if err != nil {
		return 0, fmt.Errorf("fetching energy: %w", err)
	}
	if energy < 0 {
		v.log.WithField("energy", energy).Warn("Ledger reported negative energy, clamping to zero")
		energy = 0
	}

	v.mu.Lock()
	v.current = energy
	v.fetchedAt = v.clock.Now()
	v.known = true
	v.mu.Unlock()
	return energy, nil
}

// Cached returns the last fetched energy for display, and whether any fetch succeeded.
func (v *View) Cached() (int64, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current, v.known
}

// FetchedAt returns when the cached value was fetched.
func (v *View) FetchedAt() time.Time {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.fetchedAt
}

// Gate refetches the energy under the gate policy and checks amount against it.
func (v *View) Gate(ctx context.Context, amount, ratio decimal.Decimal) (Verdict, error) {
	current, err := v.Refresh(retry.WithPolicy(ctx, v.gatePolicy))
	if err != nil {
		return Verdict{}, err
	}
	return Check(amount, current, ratio), nil
}
