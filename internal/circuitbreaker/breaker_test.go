package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) HTTPStatus() int { return int(e) }

var errDown = errors.New("dial tcp: connection refused")

func TestCircuitBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cb := New("test", Thresholds{MaxConsecutiveFailures: 3}).WithClock(clock)
	assert.Equal(t, StateClosed, cb.GetState(), "Circuit breaker should start closed")

	cb.Record(errDown)
	cb.Record(statusErr(http.StatusServiceUnavailable))
	assert.NoError(t, cb.Allow())

	cb.Record(errDown)
	assert.Equal(t, StateOpen, cb.GetState())
	assert.ErrorIs(t, cb.Allow(), ErrOpen)
}

func TestCircuitBreaker_ClientErrorsResetCount(t *testing.T) {
	cb := New("test", Thresholds{MaxConsecutiveFailures: 2}).WithClock(clockwork.NewFakeClock())

	cb.Record(errDown)
	cb.Record(statusErr(http.StatusNotFound))
	cb.Record(errDown)
	assert.Equal(t, StateClosed, cb.GetState(), "a 404 proves the backend is up")

	cb.Record(nil)
	cb.Record(errDown)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_IgnoresCancellation(t *testing.T) {
	cb := New("test", Thresholds{MaxConsecutiveFailures: 1}).WithClock(clockwork.NewFakeClock())

	cb.Record(context.Canceled)
	cb.Record(fmt.Errorf("ledger earnings: %w", context.DeadlineExceeded))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cb := New("test", Thresholds{MaxConsecutiveFailures: 1}).
		WithClock(clock).
		WithResetDelay(time.Minute).
		WithSuccessThreshold(2)

	cb.Record(errDown)
	require.Equal(t, StateOpen, cb.GetState())

	clock.Advance(30 * time.Second)
	assert.ErrorIs(t, cb.Allow(), ErrOpen)

	clock.Advance(31 * time.Second)
	require.NoError(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.GetState())

	cb.Record(nil)
	assert.Equal(t, StateHalfOpen, cb.GetState())
	require.NoError(t, cb.Allow(), "next probe after the first one finished")
	cb.Record(nil)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenAdmitsOneCallAtATime(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cb := New("test", Thresholds{MaxConsecutiveFailures: 1}).
		WithClock(clock).
		WithResetDelay(time.Minute)

	cb.Record(errDown)
	clock.Advance(2 * time.Minute)

	require.NoError(t, cb.Allow())
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, cb.Allow(), ErrOpen, "only one call may be outstanding while half-open")
	}
	assert.Equal(t, StateHalfOpen, cb.GetState())

	// a cancelled call frees the slot without closing the circuit
	cb.Record(context.Canceled)
	assert.Equal(t, StateHalfOpen, cb.GetState())
	require.NoError(t, cb.Allow())
	assert.ErrorIs(t, cb.Allow(), ErrOpen)

	cb.Record(nil)
	assert.Equal(t, StateClosed, cb.GetState())
	assert.NoError(t, cb.Allow())
	assert.NoError(t, cb.Allow())
}

func TestCircuitBreaker_HalfOpenProbeFailure(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tripped := make(chan string, 2)
	cb := New("test", Thresholds{MaxConsecutiveFailures: 1}).
		WithClock(clock).
		WithResetDelay(time.Minute).
		WithTripCallback(func(reason string) { tripped <- reason })

	cb.Record(errDown)
	clock.Advance(2 * time.Minute)
	require.NoError(t, cb.Allow())

	cb.Record(statusErr(http.StatusBadGateway))
	assert.Equal(t, StateOpen, cb.GetState())
	assert.ErrorIs(t, cb.Allow(), ErrOpen)

	for i := 0; i < 2; i++ {
		select {
		case <-tripped:
		case <-time.After(time.Second):
			t.Fatal("trip callback not called")
		}
	}
}

func TestCircuitBreaker_DisabledAndReset(t *testing.T) {
	cb := New("test", Thresholds{})
	for i := 0; i < 10; i++ {
		cb.Record(errDown)
	}
	assert.Equal(t, StateClosed, cb.GetState(), "zero threshold never trips")

	cb = New("test", Thresholds{MaxConsecutiveFailures: 1})
	cb.Record(errDown)
	require.Equal(t, StateOpen, cb.GetState())
	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
	assert.NoError(t, cb.Allow())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
}
