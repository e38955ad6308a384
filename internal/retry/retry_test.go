package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) HTTPStatus() int { return int(e) }

func fastPolicy(attempts int) Policy {
	return Policy{
		Name:        "test",
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
		Jitter:      0.1,
	}
}

func TestDo_NotFoundIsNotRetried(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(5), func(ctx context.Context) error {
		calls++
		return statusErr(http.StatusNotFound)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "404 must fail immediately")
	code, ok := StatusOf(err)
	require.True(t, ok, "original error should be returned")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestDo_ServiceUnavailableRetriedToMax(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(4), func(ctx context.Context) error {
		calls++
		return statusErr(http.StatusServiceUnavailable)
	})

	require.Error(t, err)
	assert.Equal(t, 4, calls, "503 should use the whole attempt budget")
	code, _ := StatusOf(err)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestDo_SucceedsAfterTransientFailure(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("connection reset by peer")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDo_FixedPolicy(t *testing.T) {
	calls := 0
	p := FixedPolicy("claim", 5, time.Millisecond)
	err := Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		return statusErr(http.StatusBadGateway)
	})

	assert.Error(t, err)
	assert.Equal(t, 5, calls)
}

func TestDo_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, fastPolicy(10), func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("dial tcp: i/o timeout")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network", errors.New("connection refused"), true},
		{"request timeout", statusErr(http.StatusRequestTimeout), true},
		{"rate limited", statusErr(http.StatusTooManyRequests), true},
		{"server error", statusErr(http.StatusInternalServerError), true},
		{"bad request", statusErr(http.StatusBadRequest), false},
		{"not found", statusErr(http.StatusNotFound), false},
		{"wrapped 503", fmt.Errorf("ledger: %w", statusErr(http.StatusServiceUnavailable)), true},
		{"cancelled", context.Canceled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestIsRateLimited(t *testing.T) {
	assert.True(t, IsRateLimited(fmt.Errorf("poll: %w", statusErr(http.StatusTooManyRequests))))
	assert.False(t, IsRateLimited(statusErr(http.StatusServiceUnavailable)))
	assert.False(t, IsRateLimited(errors.New("timeout")))
}

func TestPolicy_Delay(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: 0.1}

	for n, want := range []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second} {
		for i := 0; i < 20; i++ {
			got := p.Delay(n)
			assert.GreaterOrEqual(t, got, time.Duration(float64(want)*0.9), "retry %d", n)
			assert.LessOrEqual(t, got, time.Duration(float64(want)*1.1), "retry %d", n)
		}
	}

	// Large exponents must not overflow past the cap
	assert.LessOrEqual(t, p.Delay(80), time.Duration(float64(time.Second)*1.1))

	fixed := FixedPolicy("fixed", 5, 2*time.Second)
	assert.Equal(t, 2*time.Second, fixed.Delay(3))
}

func TestConfigure_RetryableHTTPClient(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/flaky":
			if atomic.AddInt32(&hits, 1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := Configure(retryablehttp.NewClient(), fastPolicy(3))
	c.Logger = nil

	resp, err := c.Get(srv.URL + "/flaky")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))

	resp, err = c.Get(srv.URL + "/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "404 passes through without retries")
}

func TestPolicyFromContext(t *testing.T) {
	_, ok := PolicyFrom(context.Background())
	assert.False(t, ok)

	p, ok := PolicyFrom(WithPolicy(context.Background(), Critical))
	require.True(t, ok)
	assert.Equal(t, "critical", p.Name)
	assert.Equal(t, 8, p.MaxAttempts)
}
