package accrual

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-sync/internal/metrics"
	"github.com/yourorg/yield-sync/internal/model"
	"github.com/yourorg/yield-sync/internal/store"
	"github.com/yourorg/yield-sync/internal/tier"
)

// EarningsSource returns the authoritative earnings of an account.
type EarningsSource interface {
	Earnings(ctx context.Context, account common.Address) (model.Earnings, error)
}

// BalanceSource returns the on-chain token balance of an account in base units.
type BalanceSource interface {
	TokenBalanceUnits(ctx context.Context, account common.Address) (*big.Int, error)
}

// ConfigSource returns the current configuration. It must not block on a failing backend.
type ConfigSource interface {
	Get(ctx context.Context) model.ConfigSnapshot
}

// Status is a read-only view of the tracker for rendering.
type Status struct {
	Estimate  decimal.Decimal
	Anchor    Anchor
	HasAnchor bool

	// Balance is meaningful only when BalanceAvailable is set
	Balance          decimal.Decimal
	BalanceAvailable bool

	Tier tier.Resolution
	At   time.Time
}

// Tracker owns the earnings anchor of one account. Only Refresh writes it.
type Tracker struct {
	account  common.Address
	earnings EarningsSource
	balances BalanceSource
	config   ConfigSource
	store    store.Store
	clock    clockwork.Clock
	log      logrus.FieldLogger

	decimals uint8
	price    decimal.Decimal

	// tickets orders refreshes by initiation
	tickets atomic.Uint64

	mu               sync.RWMutex
	anchor           Anchor
	hasAnchor        bool
	applied          uint64
	balance          decimal.Decimal
	balanceAvailable bool
	resolution       tier.Resolution
}

// NewTracker creates a tracker for account and restores its persisted anchor.
// A nil store disables persistence.
func NewTracker(account common.Address, earnings EarningsSource, balances BalanceSource, config ConfigSource, st store.Store) *Tracker {
	t := &Tracker{
		account:  account,
		earnings: earnings,
		balances: balances,
		config:   config,
		store:    st,
		clock:    clockwork.NewRealClock(),
		log:      logrus.StandardLogger(),
		decimals: 18,
		price:    decimal.NewFromInt(1),
	}
	t.load()
	return t
}

// WithClock sets the clock used for anchoring and estimates
func (t *Tracker) WithClock(c clockwork.Clock) *Tracker {
	t.clock = c
	return t
}

// WithLogger sets the logger
func (t *Tracker) WithLogger(l logrus.FieldLogger) *Tracker {
	t.log = l
	return t
}

// WithToken sets the token precision and the price of one token in yield units
func (t *Tracker) WithToken(decimals uint8, price decimal.Decimal) *Tracker {
	t.decimals = decimals
	t.price = price
	return t
}

func (t *Tracker) load() {
	if t.store == nil {
		return
	}
	var a Anchor
	found, err := store.GetJSON(t.store, store.AnchorKey(t.account.Hex()), &a)
	if err != nil {
		t.log.WithError(err).WithField("account", t.account.Hex()).Warn("Discarding unreadable earnings anchor")
		return
	}
	if found {
		t.anchor = a
		t.hasAnchor = true
	}
}

// Refresh fetches authoritative earnings, the token balance and the current
// configuration, then re-anchors. A refresh that completes after a later one
// was already applied is discarded. On earnings failure the existing anchor is
// marked stale and kept.
func (t *Tracker) Refresh(ctx context.Context) error {
	ticket := t.tickets.Add(1)
	logger := t.log.WithFields(logrus.Fields{
		"account": t.account.Hex(),
		"ticket":  ticket,
	})

	earnings, err := t.earnings.Earnings(ctx, t.account)
	if err != nil {
		t.markStale(ticket)
		metrics.AnchorUpdatesTotal.WithLabelValues("failed").Inc()
		logger.WithError(err).Warn("Earnings refresh failed, extrapolating from last anchor")
		return fmt.Errorf("refreshing earnings: %w", err)
	}

	cfg := t.config.Get(ctx)
	units, balanceErr := t.balances.TokenBalanceUnits(ctx, t.account)
	if balanceErr != nil {
		logger.WithError(balanceErr).Warn("Token balance unavailable, keeping previous daily rate")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if ticket < t.applied {
		metrics.AnchorUpdatesTotal.WithLabelValues("discarded").Inc()
		logger.WithField("applied", t.applied).Debug("Discarding out-of-order earnings refresh")
		return nil
	}

	rate := t.anchor.DailyRateAmount
	if balanceErr == nil {
		t.balance = decimal.NewFromBigInt(units, -int32(t.decimals))
		t.balanceAvailable = true
		t.resolution = tier.Resolve(t.balance, cfg.Tiers)
		rate = DailyRateAmount(units, t.decimals, t.price, t.resolution.DailyRatePercent())
	} else {
		t.balanceAvailable = false
	}
	if !earnings.Participating {
		rate = decimal.Zero
	}

	anchor := Anchor{
		BaseValue:        earnings.PendingYield,
		AnchorTime:       t.clock.Now(),
		DailyRateAmount:  rate,
		Withdrawable:     earnings.Withdrawable,
		DailyRatePercent: earnings.DailyRatePercent,
		TierLevel:        earnings.TierLevel,
		HoldingDays:      earnings.HoldingDays,
		Participating:    earnings.Participating,
	}
	t.anchor = anchor
	t.hasAnchor = true
	t.applied = ticket
	metrics.AnchorUpdatesTotal.WithLabelValues("applied").Inc()

	logger.WithFields(logrus.Fields{
		"base":       anchor.BaseValue.String(),
		"daily_rate": anchor.DailyRateAmount.String(),
		"tier":       anchor.TierLevel,
	}).Debug("Applied earnings anchor")

	return t.persist()
}

// Invalidate marks the anchor stale so that it is visibly awaiting a refresh.
func (t *Tracker) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hasAnchor && !t.anchor.Stale {
		t.anchor.Stale = true
		if err := t.persist(); err != nil {
			t.log.WithError(err).Warn("Failed to persist earnings anchor")
		}
	}
}

// markStale flags the anchor after a failed refresh unless a newer one was applied meanwhile.
func (t *Tracker) markStale(ticket uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.hasAnchor || ticket < t.applied {
		return
	}
	t.anchor.Stale = true
	if err := t.persist(); err != nil {
		t.log.WithError(err).Warn("Failed to persist earnings anchor")
	}
}

// persist must be called with mu held.
func (t *Tracker) persist() error {
	if t.store == nil {
		return nil
	}
	if err := store.PutJSON(t.store, store.AnchorKey(t.account.Hex()), t.anchor); err != nil {
		return fmt.Errorf("persisting anchor: %w", err)
	}
	return nil
}

// Anchor returns the current anchor and whether one exists.
func (t *Tracker) Anchor() (Anchor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.anchor, t.hasAnchor
}

// Estimate returns the extrapolated pending yield at the current time.
func (t *Tracker) Estimate() decimal.Decimal {
	return t.Status().Estimate
}

// Status returns a consistent view of the tracker state.
func (t *Tracker) Status() Status {
	now := t.clock.Now()

	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Status{
		Anchor:           t.anchor,
		HasAnchor:        t.hasAnchor,
		Balance:          t.balance,
		BalanceAvailable: t.balanceAvailable,
		Tier:             t.resolution,
		At:               now,
	}
	if t.hasAnchor {
		s.Estimate = t.anchor.Estimate(now)
	}
	return s
}

// Watch calls fn with a fresh Status every period until ctx is done.
func (t *Tracker) Watch(ctx context.Context, every time.Duration, fn func(Status)) error {
	if every <= 0 {
		return errors.New("watch period must be positive")
	}
	ticker := t.clock.NewTicker(every)
	defer ticker.Stop()

	fn(t.Status())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			fn(t.Status())
		}
	}
}
