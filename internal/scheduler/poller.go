// Package scheduler runs periodic ledger polls with adaptive backoff.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-sync/internal/metrics"
	"github.com/yourorg/yield-sync/internal/retry"
)

// DefaultMax caps the interval of a rate limited poller.
const DefaultMax = 10 * time.Minute

// Task is one poll. A rate limited error (HTTP 429) slows the poller down.
type Task func(ctx context.Context) error

// Poller runs Task every interval. The interval starts at Base, doubles on
// every rate limited run up to Max and snaps back to Base after a success.
// Other failures keep the current interval.
type Poller struct {
	Name  string
	Base  time.Duration
	Max   time.Duration
	Clock clockwork.Clock
	Task  Task
	Log   logrus.FieldLogger

	mu       sync.Mutex
	interval time.Duration
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Start launches the poll loop. The first run happens one interval after Start.
func (p *Poller) Start(ctx context.Context) error {
	if p.Task == nil {
		return errors.New("poller has no task")
	}
	if p.Base <= 0 {
		return errors.New("poller base interval must be positive")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return errors.New("poller already started")
	}
	if p.Max < p.Base {
		p.Max = DefaultMax
		if p.Max < p.Base {
			p.Max = p.Base
		}
	}
	if p.Clock == nil {
		p.Clock = clockwork.NewRealClock()
	}
	if p.Log == nil {
		p.Log = logrus.StandardLogger()
	}
	p.interval = p.Base
	metrics.PollerInterval.WithLabelValues(p.Name).Set(p.Base.Seconds())

	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.loop(ctx)
	return nil
}

// Stop cancels the loop and waits for it to exit. It is safe to call more than once.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

// Interval returns the current wait between runs.
func (p *Poller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.interval == 0 {
		return p.Base
	}
	return p.interval
}

// next is the interval transition after a run that returned err.
func (p *Poller) next(current time.Duration, err error) time.Duration {
	switch {
	case err == nil:
		return p.Base
	case retry.IsRateLimited(err):
		doubled := current * 2
		if doubled > p.Max || doubled <= 0 {
			return p.Max
		}
		return doubled
	default:
		return current
	}
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.Clock.After(p.Interval()):
		}

		err := p.Task(ctx)
		if ctx.Err() != nil {
			return
		}
		p.record(err)
	}
}

func (p *Poller) record(err error) {
	p.mu.Lock()
	prev := p.interval
	p.interval = p.next(prev, err)
	cur := p.interval
	p.mu.Unlock()

	status := "ok"
	switch {
	case err == nil:
	case retry.IsRateLimited(err):
		status = "rate_limited"
	default:
		status = "error"
	}
	metrics.PollTotal.WithLabelValues(p.Name, status).Inc()
	metrics.PollerInterval.WithLabelValues(p.Name).Set(cur.Seconds())

	log := p.Log.WithField("poller", p.Name)
	if err != nil {
		log = log.WithError(err)
		if cur != prev {
			log.WithFields(logrus.Fields{
				"previous": prev.String(),
				"interval": cur.String(),
			}).Warn("Poller rate limited, backing off")
			return
		}
		log.Warn("Poll failed")
		return
	}
	if cur != prev {
		log.WithField("interval", cur.String()).Info("Poller interval reset")
	}
}
