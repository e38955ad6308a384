// Package webhook delivers account events (completed withdrawals, withdrawal
// outcomes, claim states) to an external endpoint in batches.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-sync/internal/config"
	"github.com/yourorg/yield-sync/internal/metrics"
	"github.com/yourorg/yield-sync/internal/retry"
	"github.com/yourorg/yield-sync/internal/security"
)

// Signature headers set on signed deliveries.
const (
	SignatureHeader = "X-Signature"
	SignerHeader    = "X-Signer"
)

// Event is one entry of a webhook batch.
type Event struct {
	Kind    string    `json:"kind"`
	Account string    `json:"account"`
	At      time.Time `json:"at"`
	Data    any       `json:"data,omitempty"`
}

type payload struct {
	Events     []Event `json:"events"`
	ExportTime string  `json:"export_time"`
	Count      int     `json:"count"`
}

// Exporter batches events and posts them when the batch is full, on every
// interval and on Stop. A batch that cannot be delivered is dropped.
type Exporter struct {
	cfg    config.WebhookConfig
	client *retryablehttp.Client
	signer *security.Signer
	clock  clockwork.Clock
	log    logrus.FieldLogger

	mu         sync.Mutex
	batch      []Event
	lastExport time.Time

	flush  chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an exporter. Without a URL the exporter is disabled and Add is a no-op.
func New(cfg config.WebhookConfig) *Exporter {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	client := retry.Configure(retryablehttp.NewClient(), retry.Normal)
	client.Logger = nil
	client.HTTPClient.Timeout = 10 * time.Second

	return &Exporter{
		cfg:    cfg,
		client: client,
		clock:  clockwork.NewRealClock(),
		log:    logrus.StandardLogger(),
		flush:  make(chan struct{}, 1),
	}
}

// WithClock sets the clock driving periodic exports
func (e *Exporter) WithClock(c clockwork.Clock) *Exporter {
	e.clock = c
	return e
}

// WithLogger sets the logger
func (e *Exporter) WithLogger(l logrus.FieldLogger) *Exporter {
	e.log = l
	return e
}

// WithSigner signs every delivery body
func (e *Exporter) WithSigner(s *security.Signer) *Exporter {
	e.signer = s
	return e
}

// WithRetryPolicy replaces the delivery retry policy
func (e *Exporter) WithRetryPolicy(p retry.Policy) *Exporter {
	retry.Configure(e.client, p)
	return e
}

// Enabled reports whether a webhook URL is configured.
func (e *Exporter) Enabled() bool {
	return e.cfg.URL != ""
}

// Start runs the periodic export loop until Stop.
func (e *Exporter) Start(ctx context.Context) {
	if !e.Enabled() {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.loop(ctx)
	e.log.WithField("url", e.cfg.URL).Info("Webhook exporter started")
}

// Add queues an event. A full batch is exported right away.
func (e *Exporter) Add(ev Event) {
	if !e.Enabled() {
		return
	}
	e.mu.Lock()
	e.batch = append(e.batch, ev)
	full := len(e.batch) >= e.cfg.BatchSize
	e.mu.Unlock()

	if full {
		select {
		case e.flush <- struct{}{}:
		default:
		}
	}
}

// Stop cancels the loop and exports whatever is still queued.
func (e *Exporter) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	if !e.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Flush(ctx); err != nil {
		e.log.WithError(err).Warn("Final webhook export failed")
	}
}

// Pending returns the number of queued events.
func (e *Exporter) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.batch)
}

func (e *Exporter) loop(ctx context.Context) {
	defer e.wg.Done()
	ticker := e.clock.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		case <-e.flush:
		}
		if err := e.Flush(ctx); err != nil {
			e.log.WithError(err).Error("Failed to export to webhook")
		}
	}
}

// Flush posts the queued events now.
func (e *Exporter) Flush(ctx context.Context) error {
	e.mu.Lock()
	if len(e.batch) == 0 {
		e.mu.Unlock()
		return nil
	}
	events := e.batch
	e.batch = nil
	e.lastExport = e.clock.Now()
	e.mu.Unlock()

	if err := e.post(ctx, events); err != nil {
		metrics.WebhookExportsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("dropping %d webhook events: %w", len(events), err)
	}
	metrics.WebhookExportsTotal.WithLabelValues("ok").Inc()
	e.log.Debugf("Exported %d events to webhook", len(events))
	return nil
}

func (e *Exporter) post(ctx context.Context, events []Event) error {
	body, err := json.Marshal(payload{
		Events:     events,
		ExportTime: e.clock.Now().UTC().Format(time.RFC3339),
		Count:      len(events),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", e.cfg.URL, body)
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}
	if e.signer != nil {
		sig, err := e.signer.Sign(body)
		if err != nil {
			return err
		}
		req.Header.Set(SignatureHeader, sig)
		req.Header.Set(SignerHeader, e.signer.Address().Hex())
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned error status: %d", resp.StatusCode)
	}
	return nil
}
