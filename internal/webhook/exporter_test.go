package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/yourorg/yield-sync/internal/config"
	"github.com/yourorg/yield-sync/internal/retry"
	"github.com/yourorg/yield-sync/internal/security"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type sink struct {
	mu       sync.Mutex
	payloads []payload
	auth     string
	got      chan struct{}
}

func newSink(t *testing.T, status int) (*sink, string) {
	s := &sink{got: make(chan struct{}, 8)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p payload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		s.mu.Lock()
		s.payloads = append(s.payloads, p)
		s.auth = r.Header.Get("Authorization")
		s.mu.Unlock()
		w.WriteHeader(status)
		s.got <- struct{}{}
	}))
	t.Cleanup(func() {
		srv.CloseClientConnections()
		srv.Close()
	})
	return s, srv.URL
}

func (s *sink) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.got:
	case <-time.After(5 * time.Second):
		t.Fatal("webhook not called")
	}
}

func (s *sink) counts() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for _, p := range s.payloads {
		out = append(out, p.Count)
	}
	return out
}

func event(kind string) Event {
	return Event{Kind: kind, Account: "0xaa", At: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
}

func TestExporter_FlushesFullBatch(t *testing.T) {
	s, url := newSink(t, http.StatusOK)
	e := New(config.WebhookConfig{URL: url, APIKey: "key", BatchSize: 2, Interval: time.Hour}).
		WithClock(clockwork.NewFakeClock())
	e.Start(context.Background())

	e.Add(event("withdrawal_completed"))
	assert.Equal(t, 1, e.Pending())
	e.Add(event("withdrawal_submitted"))
	s.wait(t)

	e.Add(event("claim_synced"))
	e.Stop()

	assert.Equal(t, []int{2, 1}, s.counts(), "Stop exports the remainder")
	assert.Equal(t, "Bearer key", s.auth)
	assert.Zero(t, e.Pending())
}

func TestExporter_PeriodicExport(t *testing.T) {
	s, url := newSink(t, http.StatusOK)
	clock := clockwork.NewFakeClock()
	e := New(config.WebhookConfig{URL: url, BatchSize: 10, Interval: time.Minute}).WithClock(clock)
	e.Start(context.Background())
	defer e.Stop()

	e.Add(event("withdrawal_completed"))
	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	clock.Advance(time.Minute)
	s.wait(t)

	assert.Equal(t, []int{1}, s.counts())
}

func TestExporter_FailedBatchIsDropped(t *testing.T) {
	_, url := newSink(t, http.StatusBadRequest)
	e := New(config.WebhookConfig{URL: url, BatchSize: 10, Interval: time.Hour}).
		WithRetryPolicy(retry.Policy{Name: "test", MaxAttempts: 1})

	e.Add(event("claim_queued"))
	err := e.Flush(context.Background())
	assert.Error(t, err)
	assert.Zero(t, e.Pending())
}

func TestExporter_Disabled(t *testing.T) {
	e := New(config.WebhookConfig{})
	assert.False(t, e.Enabled())
	e.Start(context.Background())
	e.Add(event("ignored"))
	assert.Zero(t, e.Pending())
	e.Stop()
}

func TestExporter_SignsDeliveries(t *testing.T) {
	signer, err := security.NewSigner("")
	require.NoError(t, err)

	var (
		mu        sync.Mutex
		body      []byte
		sig       string
		signerHex string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ = io.ReadAll(r.Body)
		sig = r.Header.Get(SignatureHeader)
		signerHex = r.Header.Get(SignerHeader)
	}))
	defer srv.Close()

	e := New(config.WebhookConfig{URL: srv.URL, BatchSize: 10, Interval: time.Hour}).WithSigner(signer)
	e.Add(event("withdrawal_completed"))
	require.NoError(t, e.Flush(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, signer.Address().Hex(), signerHex)
	assert.NoError(t, security.Verify(body, sig, signer.Address()))
}
