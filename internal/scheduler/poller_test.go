package scheduler

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
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) HTTPStatus() int { return int(e) }

func TestPoller_Next(t *testing.T) {
	p := &Poller{Base: time.Minute, Max: 10 * time.Minute}
	limited := fmt.Errorf("poll: %w", statusErr(http.StatusTooManyRequests))

	tests := []struct {
		name    string
		current time.Duration
		err     error
		want    time.Duration
	}{
		{"success resets", 8 * time.Minute, nil, time.Minute},
		{"429 doubles", time.Minute, limited, 2 * time.Minute},
		{"429 capped", 8 * time.Minute, limited, 10 * time.Minute},
		{"429 at cap", 10 * time.Minute, limited, 10 * time.Minute},
		{"other error keeps", 4 * time.Minute, statusErr(http.StatusServiceUnavailable), 4 * time.Minute},
		{"network error keeps", 2 * time.Minute, errors.New("connection refused"), 2 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.next(tt.current, tt.err))
		})
	}
}

func TestPoller_BacksOffAndResets(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clock := clockwork.NewFakeClock()
	results := make(chan error, 1)
	ran := make(chan struct{})

	p := &Poller{
		Name:  "test",
		Base:  time.Minute,
		Max:   3 * time.Minute,
		Clock: clock,
		Task: func(ctx context.Context) error {
			ran <- struct{}{}
			return <-results
		},
	}
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	step := func(err error) {
		t.Helper()
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(p.Interval())
		select {
		case <-ran:
		case <-ctx.Done():
			t.Fatal("task did not run")
		}
		results <- err
		// The loop is waiting again once the interval is updated
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
	}

	assert.Equal(t, time.Minute, p.Interval())

	step(statusErr(http.StatusTooManyRequests))
	assert.Equal(t, 2*time.Minute, p.Interval())

	step(statusErr(http.StatusTooManyRequests))
	assert.Equal(t, 3*time.Minute, p.Interval(), "capped at Max")

	step(errors.New("timeout"))
	assert.Equal(t, 3*time.Minute, p.Interval())

	step(nil)
	assert.Equal(t, time.Minute, p.Interval())
}

func TestPoller_StopWaitsForLoop(t *testing.T) {
	p := &Poller{
		Name:  "stop",
		Base:  time.Minute,
		Clock: clockwork.NewFakeClock(),
		Task:  func(ctx context.Context) error { return nil },
	}
	require.NoError(t, p.Start(context.Background()))
	assert.Error(t, p.Start(context.Background()), "second start is rejected")
	assert.Equal(t, DefaultMax, p.Max)

	p.Stop()
	p.Stop()
}

func TestPoller_InvalidConfig(t *testing.T) {
	assert.Error(t, (&Poller{Base: time.Second}).Start(context.Background()))
	assert.Error(t, (&Poller{Task: func(context.Context) error { return nil }}).Start(context.Background()))
}
