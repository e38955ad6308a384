package accrual

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/yield-sync/internal/model"
	"github.com/yourorg/yield-sync/internal/store"
)

var account = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")

type fakeEarnings struct {
	mu    sync.Mutex
	calls int
	resp  func(call int) (model.Earnings, error)
}

func (f *fakeEarnings) Earnings(ctx context.Context, _ common.Address) (model.Earnings, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	return f.resp(call)
}

type fakeBalance struct {
	units *big.Int
	err   error
}

func (f *fakeBalance) TokenBalanceUnits(context.Context, common.Address) (*big.Int, error) {
	return f.units, f.err
}

type staticConfig struct{}

func (staticConfig) Get(context.Context) model.ConfigSnapshot { return model.DefaultConfigSnapshot() }

func tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func participating(pending string) model.Earnings {
	return model.Earnings{Participating: true, PendingYield: dec(pending), Withdrawable: dec("20"), TierLevel: 2}
}

func newTestTracker(t *testing.T, e EarningsSource, b BalanceSource, st store.Store) (*Tracker, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	return NewTracker(account, e, b, staticConfig{}, st).WithClock(clock), clock
}

func TestTracker_RefreshAnchorsAndExtrapolates(t *testing.T) {
	e := &fakeEarnings{resp: func(int) (model.Earnings, error) { return participating("100"), nil }}
	tr, clock := newTestTracker(t, e, &fakeBalance{units: tokens(50000)}, nil)

	require.NoError(t, tr.Refresh(context.Background()))

	a, ok := tr.Anchor()
	require.True(t, ok)
	assert.True(t, a.DailyRateAmount.Equal(dec("400")), "50k at tier 2 (0.8%%) accrues 400/day")
	assert.Equal(t, t0, a.AnchorTime)

	clock.Advance(6 * time.Hour)
	assert.True(t, tr.Estimate().Equal(dec("200")))

	status := tr.Status()
	assert.True(t, status.BalanceAvailable)
	assert.True(t, status.Balance.Equal(dec("50000")))
	require.NotNil(t, status.Tier.Tier)
	assert.Equal(t, 2, status.Tier.Tier.Level)
}

func TestTracker_FailureKeepsExtrapolating(t *testing.T) {
	e := &fakeEarnings{resp: func(call int) (model.Earnings, error) {
		if call == 1 {
			return participating("100"), nil
		}
		return model.Earnings{}, errors.New("ledger down")
	}}
	tr, clock := newTestTracker(t, e, &fakeBalance{units: tokens(50000)}, nil)
	require.NoError(t, tr.Refresh(context.Background()))

	clock.Advance(3 * time.Hour)
	assert.Error(t, tr.Refresh(context.Background()))

	a, _ := tr.Anchor()
	assert.True(t, a.Stale)
	assert.True(t, tr.Estimate().Equal(dec("150")))

	// Display freezes at the one-day cap during a long outage
	clock.Advance(72 * time.Hour)
	assert.True(t, tr.Estimate().Equal(dec("500")))
}

func TestTracker_BalanceFailureKeepsRate(t *testing.T) {
	e := &fakeEarnings{resp: func(call int) (model.Earnings, error) {
		if call == 1 {
			return participating("100"), nil
		}
		return participating("130"), nil
	}}
	bal := &fakeBalance{units: tokens(50000)}
	tr, _ := newTestTracker(t, e, bal, nil)
	require.NoError(t, tr.Refresh(context.Background()))

	bal.err = errors.New("rpc unavailable")
	require.NoError(t, tr.Refresh(context.Background()))

	a, _ := tr.Anchor()
	assert.True(t, a.BaseValue.Equal(dec("130")), "earnings still re-anchor")
	assert.True(t, a.DailyRateAmount.Equal(dec("400")))
	assert.False(t, tr.Status().BalanceAvailable)
}

func TestTracker_UnrankedAndNotParticipating(t *testing.T) {
	e := &fakeEarnings{resp: func(call int) (model.Earnings, error) {
		if call == 1 {
			return participating("5"), nil
		}
		return model.Earnings{}, nil
	}}
	tr, clock := newTestTracker(t, e, &fakeBalance{units: tokens(500)}, nil)

	require.NoError(t, tr.Refresh(context.Background()))
	clock.Advance(time.Hour)
	assert.True(t, tr.Estimate().Equal(dec("5")), "unranked balances do not accrue")
	assert.Equal(t, 5, tr.Status().Tier.ProgressPercent)

	require.NoError(t, tr.Refresh(context.Background()))
	a, ok := tr.Anchor()
	require.True(t, ok)
	assert.False(t, a.Participating)
	assert.True(t, tr.Estimate().IsZero())
}

func TestTracker_DiscardsOutOfOrderCompletion(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	e := &fakeEarnings{resp: func(call int) (model.Earnings, error) {
		if call == 1 {
			close(entered)
			<-release
			return participating("1"), nil
		}
		return participating("2"), nil
	}}
	tr, _ := newTestTracker(t, e, &fakeBalance{units: tokens(50000)}, nil)

	done := make(chan error)
	go func() { done <- tr.Refresh(context.Background()) }()
	<-entered

	require.NoError(t, tr.Refresh(context.Background()))
	close(release)
	require.NoError(t, <-done)

	a, _ := tr.Anchor()
	assert.True(t, a.BaseValue.Equal(dec("2")), "older refresh must not overwrite the newer anchor")
}

func TestTracker_PersistsAcrossInstances(t *testing.T) {
	st, err := store.NewBadger("")
	require.NoError(t, err)
	defer st.Close()

	e := &fakeEarnings{resp: func(int) (model.Earnings, error) { return participating("100"), nil }}
	tr, _ := newTestTracker(t, e, &fakeBalance{units: tokens(50000)}, st)
	require.NoError(t, tr.Refresh(context.Background()))

	reloaded, clock := newTestTracker(t, e, &fakeBalance{}, st)
	a, ok := reloaded.Anchor()
	require.True(t, ok)
	assert.True(t, a.BaseValue.Equal(dec("100")))
	assert.True(t, a.AnchorTime.Equal(t0))

	clock.Advance(12 * time.Hour)
	assert.True(t, reloaded.Estimate().Equal(dec("300")))
}

func TestTracker_Invalidate(t *testing.T) {
	e := &fakeEarnings{resp: func(int) (model.Earnings, error) { return participating("100"), nil }}
	tr, _ := newTestTracker(t, e, &fakeBalance{units: tokens(50000)}, nil)

	tr.Invalidate()
	_, ok := tr.Anchor()
	assert.False(t, ok)

	require.NoError(t, tr.Refresh(context.Background()))
	tr.Invalidate()
	a, _ := tr.Anchor()
	assert.True(t, a.Stale)

	require.NoError(t, tr.Refresh(context.Background()))
	a, _ = tr.Anchor()
	assert.False(t, a.Stale)
}

func TestTracker_Watch(t *testing.T) {
	e := &fakeEarnings{resp: func(int) (model.Earnings, error) { return participating("0"), nil }}
	tr, clock := newTestTracker(t, e, &fakeBalance{units: tokens(100000)}, nil)
	require.NoError(t, tr.Refresh(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	seen := make(chan decimal.Decimal, 10)
	done := make(chan error)
	go func() {
		done <- tr.Watch(ctx, 5*time.Second, func(s Status) { seen <- s.Estimate })
	}()

	first := <-seen
	assert.True(t, first.IsZero())

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(5 * time.Second)
	second := <-seen
	assert.True(t, second.GreaterThan(first))

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	assert.Error(t, tr.Watch(context.Background(), 0, func(Status) {}))
}
