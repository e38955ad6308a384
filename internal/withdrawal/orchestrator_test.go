package withdrawal

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/yield-sync/internal/accrual"
	"github.com/yourorg/yield-sync/internal/energy"
	"github.com/yourorg/yield-sync/internal/ledger"
	"github.com/yourorg/yield-sync/internal/model"
)

var account = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeLedger struct {
	calls int
	resp  model.WithdrawalRequest
	err   error
}

func (f *fakeLedger) SubmitWithdrawal(_ context.Context, _ common.Address, amount decimal.Decimal) (model.WithdrawalRequest, error) {
	f.calls++
	if f.err != nil {
		return model.WithdrawalRequest{}, f.err
	}
	r := f.resp
	r.Amount = amount
	return r, nil
}

type fakeEarnings struct {
	withdrawable string
	hasAnchor    bool
	refreshes    int
	invalidated  int
}

func (f *fakeEarnings) Anchor() (accrual.Anchor, bool) {
	return accrual.Anchor{Withdrawable: dec(f.withdrawable)}, f.hasAnchor
}
func (f *fakeEarnings) Refresh(context.Context) error { f.refreshes++; return nil }
func (f *fakeEarnings) Invalidate()                   { f.invalidated++ }

type fakeEnergySource struct {
	energy int64
	calls  int
}

func (f *fakeEnergySource) Energy(context.Context, common.Address) (int64, error) {
	f.calls++
	return f.energy, nil
}

type fakeConfig struct{ snap model.ConfigSnapshot }

func (f fakeConfig) Current() (model.ConfigSnapshot, bool)    { return f.snap, true }
func (f fakeConfig) Get(context.Context) model.ConfigSnapshot { return f.snap }

type fixture struct {
	ledger   *fakeLedger
	earnings *fakeEarnings
	energy   *fakeEnergySource
	events   []Event
	o        *Orchestrator
}

func newFixture(energyBalance int64) *fixture {
	f := &fixture{
		ledger:   &fakeLedger{resp: model.WithdrawalRequest{ID: "wd-1", Status: model.WithdrawalPending, CreatedAt: time.Now()}},
		earnings: &fakeEarnings{withdrawable: "100", hasAnchor: true},
		energy:   &fakeEnergySource{energy: energyBalance},
	}
	view := energy.NewView(account, f.energy)
	f.o = New(account, f.ledger, f.earnings, view, fakeConfig{snap: model.DefaultConfigSnapshot()}).
		OnEvent(func(e Event) { f.events = append(f.events, e) })
	return f
}

func TestSubmit_LocalValidation(t *testing.T) {
	tests := []struct {
		name   string
		amount string
		reason Reason
	}{
		{"zero", "0", ReasonNonPositive},
		{"negative", "-5", ReasonNonPositive},
		{"below minimum", "9.99", ReasonBelowMinimum},
		{"above balance", "100.01", ReasonExceedsBalance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(10_000)
			_, err := f.o.Submit(context.Background(), dec(tt.amount))

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.reason, verr.Reason)
			assert.Zero(t, f.ledger.calls)
			assert.Zero(t, f.energy.calls, "validation needs no network")
			require.Len(t, f.events, 1)
			assert.Equal(t, EventRejected, f.events[0].Kind)
			assert.False(t, f.events[0].ClearInput)
		})
	}
}

func TestSubmit_UnknownBalance(t *testing.T) {
	f := newFixture(10_000)
	f.earnings.hasAnchor = false

	_, err := f.o.Submit(context.Background(), dec("50"))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ReasonBalanceUnknown, verr.Reason)
}

func TestSubmit_EnergyDenied(t *testing.T) {
	f := newFixture(105)

	_, err := f.o.Submit(context.Background(), dec("10.51"))
	var shortfall *energy.ShortfallError
	require.ErrorAs(t, err, &shortfall)
	assert.Equal(t, int64(106), shortfall.Required)
	assert.Equal(t, int64(1), shortfall.Shortfall())

	assert.Zero(t, f.ledger.calls, "no partial submission")
	assert.Equal(t, 1, f.energy.calls, "energy is fetched just in time")
	require.Len(t, f.events, 1)
	assert.Equal(t, EventDenied, f.events[0].Kind)
	assert.Equal(t, int64(1), f.events[0].Verdict.Shortfall)
}

func TestSubmit_Success(t *testing.T) {
	f := newFixture(105)

	req, err := f.o.Submit(context.Background(), dec("10.5"))
	require.NoError(t, err)
	assert.Equal(t, "wd-1", req.ID)
	assert.Equal(t, int64(105), req.EnergyCost, "cost fixed at submission")

	assert.Equal(t, 1, f.ledger.calls)
	assert.Equal(t, 1, f.earnings.invalidated)
	assert.Equal(t, 1, f.earnings.refreshes)
	assert.Equal(t, 2, f.energy.calls, "gate fetch and post-submit refresh")

	require.Len(t, f.events, 1)
	assert.Equal(t, EventSubmitted, f.events[0].Kind)
	assert.True(t, f.events[0].ClearInput)
}

func TestSubmit_ConflictRefetchesAndAsksForRetry(t *testing.T) {
	f := newFixture(10_000)
	f.ledger.err = &ledger.StatusError{Endpoint: "withdraw", StatusCode: http.StatusBadRequest, Message: "insufficient energy"}

	_, err := f.o.Submit(context.Background(), dec("20"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetryRequired)
	assert.ErrorIs(t, err, ledger.ErrStateConflict)

	assert.Equal(t, 1, f.ledger.calls, "never resubmitted")
	assert.Equal(t, 1, f.earnings.refreshes)
	assert.Equal(t, 2, f.energy.calls)

	require.Len(t, f.events, 1)
	assert.Equal(t, EventRetryRequired, f.events[0].Kind)
	assert.False(t, f.events[0].ClearInput, "input is kept so the user can retry")
	assert.NotEmpty(t, f.events[0].Message)
}

func TestSubmit_OtherFailuresSurfaceAsIs(t *testing.T) {
	f := newFixture(10_000)
	boom := &ledger.StatusError{Endpoint: "withdraw", StatusCode: http.StatusServiceUnavailable}
	f.ledger.err = boom

	_, err := f.o.Submit(context.Background(), dec("20"))
	assert.Same(t, boom, err)
	assert.False(t, errors.Is(err, ErrRetryRequired))
	assert.Equal(t, 1, f.ledger.calls)
	assert.Zero(t, f.earnings.refreshes)
	require.Len(t, f.events, 1)
	assert.Equal(t, EventFailed, f.events[0].Kind)
}

func TestSubmit_RejectsConcurrentSubmission(t *testing.T) {
	f := newFixture(10_000)
	f.o.inflight.Lock()
	defer f.o.inflight.Unlock()

	_, err := f.o.Submit(context.Background(), dec("20"))
	assert.ErrorIs(t, err, ErrInFlight)
}

func TestPrecheck(t *testing.T) {
	f := newFixture(100)

	v, err := f.o.Precheck(context.Background(), dec("10"))
	require.NoError(t, err)
	assert.True(t, v.Admit)

	v, err = f.o.Precheck(context.Background(), dec("11"))
	require.NoError(t, err)
	assert.False(t, v.Admit)
	assert.Equal(t, int64(10), v.Shortfall)
	assert.Zero(t, f.ledger.calls)
}

func TestSubmit_UnreadableAcceptanceIsNotAFailure(t *testing.T) {
	f := newFixture(10_000)
	f.ledger.err = &ledger.DecodeError{Endpoint: "withdraw", StatusCode: http.StatusOK, Err: errors.New("unexpected EOF")}

	req, err := f.o.Submit(context.Background(), dec("20"))
	assert.Nil(t, req)
	assert.ErrorIs(t, err, ErrOutcomeUnknown)
	assert.False(t, errors.Is(err, ErrRetryRequired))

	assert.Equal(t, 1, f.ledger.calls, "never resubmitted")
	assert.Equal(t, 1, f.earnings.invalidated)
	assert.Equal(t, 1, f.earnings.refreshes, "state is refetched")
	assert.Equal(t, 2, f.energy.calls)

	require.Len(t, f.events, 1)
	assert.Equal(t, EventUnconfirmed, f.events[0].Kind)
	assert.True(t, f.events[0].ClearInput, "the amount must not invite a second submission")
	assert.NotEmpty(t, f.events[0].Message)
}
