// Package ledger is the HTTP client of the authoritative off-chain backend.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/yourorg/yield-sync/internal/circuitbreaker"
	"github.com/yourorg/yield-sync/internal/config"
	"github.com/yourorg/yield-sync/internal/metrics"
	"github.com/yourorg/yield-sync/internal/model"
	"github.com/yourorg/yield-sync/internal/retry"
	"github.com/yourorg/yield-sync/internal/tracing"
)

// Client talks to the ledger REST API.
type Client struct {
	baseURL string
	apiKey  string

	// reads are retried with the Normal policy; writes are never retried
	// here, callers own their retry semantics
	reads  *retryablehttp.Client
	writes *retryablehttp.Client

	// readsFor holds read clients for policies requested through the context
	timeout  time.Duration
	policyMu sync.Mutex
	readsFor map[retry.Policy]*retryablehttp.Client

	limiter *rate.Limiter
	breaker *circuitbreaker.CircuitBreaker
	log     logrus.FieldLogger
}

// New creates a ledger client from cfg.
func New(cfg config.LedgerConfig) *Client {
	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	c := &Client{
		baseURL: cfg.URL,
		apiKey:  cfg.APIKey,
		reads:   newRetryClient(retry.Normal, cfg.RequestTimeout),
		writes:  newRetryClient(retry.Policy{Name: "ledger-write", MaxAttempts: 1}, cfg.RequestTimeout),
		limiter: rate.NewLimiter(limit, burst),
		log:     logrus.StandardLogger(),

		timeout:  cfg.RequestTimeout,
		readsFor: make(map[retry.Policy]*retryablehttp.Client),
	}
	if cfg.BreakerFailures > 0 {
		cb := circuitbreaker.New("ledger", circuitbreaker.Thresholds{MaxConsecutiveFailures: cfg.BreakerFailures})
		if cfg.BreakerReset > 0 {
			cb = cb.WithResetDelay(cfg.BreakerReset)
		}
		c.breaker = cb
	}
	return c
}

// newRetryClient creates an HTTP client with the retry policy applied
func newRetryClient(p retry.Policy, timeout time.Duration) *retryablehttp.Client {
	c := retry.Configure(retryablehttp.NewClient(), p)
	c.Logger = nil
	if timeout > 0 {
		c.HTTPClient.Timeout = timeout
	}
	return c
}

// WithReadPolicy replaces the retry policy of read requests
func (c *Client) WithReadPolicy(p retry.Policy) *Client {
	retry.Configure(c.reads, p)
	return c
}

// readClient returns the read client for the policy carried by ctx, or the
// default one.
func (c *Client) readClient(ctx context.Context) *retryablehttp.Client {
	p, ok := retry.PolicyFrom(ctx)
	if !ok {
		return c.reads
	}
	c.policyMu.Lock()
	defer c.policyMu.Unlock()
	hc, ok := c.readsFor[p]
	if !ok {
		hc = newRetryClient(p, c.timeout)
		c.readsFor[p] = hc
	}
	return hc
}

// WithBreaker replaces the circuit breaker; nil disables it
func (c *Client) WithBreaker(cb *circuitbreaker.CircuitBreaker) *Client {
	c.breaker = cb
	return c
}

// WithLogger sets the logger
func (c *Client) WithLogger(l logrus.FieldLogger) *Client {
	c.log = l
	return c
}

type configResponse struct {
	Tiers  []model.Tier       `json:"tiers"`
	Energy model.EnergyParams `json:"energy"`
}

// Config fetches the tier and energy tables. FetchedAt is left for the caller to stamp.
func (c *Client) Config(ctx context.Context) (model.ConfigSnapshot, error) {
	var resp configResponse
	if err := c.do(ctx, c.readClient(ctx), "config", http.MethodGet, "/v1/config", nil, &resp); err != nil {
		return model.ConfigSnapshot{}, err
	}
	return model.ConfigSnapshot{Tiers: resp.Tiers, Energy: resp.Energy}, nil
}

type earningsResponse struct {
	PendingYield     decimal.Decimal `json:"pending_yield"`
	Withdrawable     decimal.Decimal `json:"withdrawable"`
	DailyRatePercent decimal.Decimal `json:"daily_rate_percent"`
	TierLevel        int             `json:"tier_level"`
	HoldingDays      int             `json:"holding_days"`
}

// Earnings fetches the authoritative earnings of account. An account the
// ledger does not know yet is reported as not participating, not as an error.
func (c *Client) Earnings(ctx context.Context, account common.Address) (model.Earnings, error) {
	var resp earningsResponse
	err := c.do(ctx, c.readClient(ctx), "earnings", http.MethodGet, accountPath(account, "earnings"), nil, &resp)
	if code, ok := retry.StatusOf(err); ok && code == http.StatusNotFound {
		return model.Earnings{Participating: false}, nil
	}
	if err != nil {
		return model.Earnings{}, err
	}
	return model.Earnings{
		Participating:    true,
		PendingYield:     resp.PendingYield,
		Withdrawable:     resp.Withdrawable,
		DailyRatePercent: resp.DailyRatePercent,
		TierLevel:        resp.TierLevel,
		HoldingDays:      resp.HoldingDays,
	}, nil
}

// Energy fetches the energy balance of account.
func (c *Client) Energy(ctx context.Context, account common.Address) (int64, error) {
	var resp struct {
		Energy int64 `json:"energy"`
	}
	if err := c.do(ctx, c.readClient(ctx), "energy", http.MethodGet, accountPath(account, "energy"), nil, &resp); err != nil {
		return 0, err
	}
	return resp.Energy, nil
}

type claimRequest struct {
	Address  string `json:"address"`
	TxHash   string `json:"tx_hash"`
	Referrer string `json:"referrer,omitempty"`
}

// SubmitClaim sends the proof of an on-chain claim. The ledger dedupes by tx hash.
func (c *Client) SubmitClaim(ctx context.Context, claim model.ClaimRecord) error {
	body := claimRequest{
		Address: claim.Address.Hex(),
		TxHash:  claim.TxHash.Hex(),
	}
	if claim.HasReferrer() {
		body.Referrer = claim.Referrer.Hex()
	}
	return c.do(ctx, c.writes, "claim", http.MethodPost, "/v1/claims", body, nil)
}

// SubmitWithdrawal requests a withdrawal of amount. It is never retried.
func (c *Client) SubmitWithdrawal(ctx context.Context, account common.Address, amount decimal.Decimal) (model.WithdrawalRequest, error) {
	body := struct {
		Amount decimal.Decimal `json:"amount"`
	}{amount}

	var resp model.WithdrawalRequest
	if err := c.do(ctx, c.writes, "withdraw", http.MethodPost, accountPath(account, "withdrawals"), body, &resp); err != nil {
		return model.WithdrawalRequest{}, err
	}
	return resp, nil
}

// Withdrawals fetches the withdrawal history of account.
func (c *Client) Withdrawals(ctx context.Context, account common.Address) ([]model.WithdrawalRequest, error) {
	var resp struct {
		Withdrawals []model.WithdrawalRequest `json:"withdrawals"`
	}
	if err := c.do(ctx, c.readClient(ctx), "withdrawals", http.MethodGet, accountPath(account, "withdrawals"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Withdrawals, nil
}

type referralResponse struct {
	Invitee   common.Address `json:"invitee"`
	First     bool           `json:"first"`
	CreatedAt time.Time      `json:"created_at"`
}

// Referrals fetches the claims made by addresses account invited.
func (c *Client) Referrals(ctx context.Context, account common.Address) ([]model.Referral, error) {
	var resp struct {
		Referrals []referralResponse `json:"referrals"`
	}
	if err := c.do(ctx, c.readClient(ctx), "referrals", http.MethodGet, accountPath(account, "referrals"), nil, &resp); err != nil {
		return nil, err
	}
	out := make([]model.Referral, 0, len(resp.Referrals))
	for _, r := range resp.Referrals {
		out = append(out, model.Referral{Invitee: r.Invitee, First: r.First, CreatedAt: r.CreatedAt})
	}
	return out, nil
}

func accountPath(account common.Address, resource string) string {
	return "/v1/accounts/" + account.Hex() + "/" + resource
}

// do performs one logical request: throttled, traced, timed, and decoded into out.
func (c *Client) do(ctx context.Context, hc *retryablehttp.Client, endpoint, method, path string, in, out any) (err error) {
	ctx, span := tracing.Tracer().Start(ctx, "ledger."+endpoint, trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("ledger.path", path),
	))
	defer func() {
		tracing.RecordError(ctx, err)
		span.End()
	}()

	if c.breaker != nil {
		if err := c.breaker.Allow(); err != nil {
			return fmt.Errorf("ledger %s: %w", endpoint, err)
		}
		defer func() { c.breaker.Record(err) }()
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("ledger %s: %w", endpoint, err)
	}

	var body []byte
	if in != nil {
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("error encoding request: %w", err)
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("X-Request-ID", requestID)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	logger := c.log.WithFields(logrus.Fields{
		"endpoint":   endpoint,
		"request_id": requestID,
	})
	logger.Debugf("Calling ledger: %s %s", method, path)

	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		metrics.LedgerRequestDuration.WithLabelValues(endpoint, "error").Observe(time.Since(start).Seconds())
		return fmt.Errorf("ledger %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	metrics.LedgerRequestDuration.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		statusErr := &StatusError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(raw),
		}
		logger.WithField("status", resp.StatusCode).Debug("Ledger returned an error")
		return statusErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &DecodeError{Endpoint: endpoint, StatusCode: resp.StatusCode, Err: err}
	}
	return nil
}
