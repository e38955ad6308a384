// Package session wires the per-account components together and drives
// their background polls.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/yield-sync/internal/accrual"
	"github.com/yourorg/yield-sync/internal/claimsync"
	"github.com/yourorg/yield-sync/internal/config"
	"github.com/yourorg/yield-sync/internal/configcache"
	"github.com/yourorg/yield-sync/internal/energy"
	"github.com/yourorg/yield-sync/internal/model"
	"github.com/yourorg/yield-sync/internal/notify"
	"github.com/yourorg/yield-sync/internal/retry"
	"github.com/yourorg/yield-sync/internal/scheduler"
	"github.com/yourorg/yield-sync/internal/store"
	"github.com/yourorg/yield-sync/internal/withdrawal"
)

// Ledger is the ledger API a session talks to.
type Ledger interface {
	configcache.Fetcher
	accrual.EarningsSource
	energy.Source
	claimsync.Submitter
	withdrawal.Ledger
	notify.History
	notify.Referrals
}

// Options configures a session.
type Options struct {
	Config   config.Config
	Account  common.Address
	Ledger   Ledger
	Balances accrual.BalanceSource
	Receipts claimsync.ReceiptWaiter
	Store    store.Store

	// TokenPrice converts one staked token into yield units. Defaults to 1.
	TokenPrice decimal.Decimal

	Clock clockwork.Clock
	Log   logrus.FieldLogger

	OnEstimate    func(accrual.Status)
	OnCompleted   func(model.WithdrawalRequest)
	OnEvent       func(withdrawal.Event)
	OnClaimSynced func(model.ClaimRecord)
}

// Session is the explicitly constructed state of one account.
type Session struct {
	Account common.Address

	Config      *configcache.Cache
	Tracker     *accrual.Tracker
	Energy      *energy.View
	Claims      *claimsync.Engine
	Withdrawals *withdrawal.Orchestrator
	Notifier    *notify.Notifier

	referrals  notify.Referrals
	cfg        config.Config
	clock      clockwork.Clock
	log        logrus.FieldLogger
	onEstimate func(accrual.Status)

	mu      sync.Mutex
	pollers []*scheduler.Poller
}

// New builds the components of a session. Nothing touches the network until Start.
func New(opts Options) (*Session, error) {
	if opts.Ledger == nil {
		return nil, errors.New("session needs a ledger")
	}
	if opts.Balances == nil {
		return nil, errors.New("session needs a balance source")
	}
	if opts.Account == (common.Address{}) {
		return nil, errors.New("session needs an account")
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("account", opts.Account.Hex())
	price := opts.TokenPrice
	if price.IsZero() {
		price = decimal.NewFromInt(1)
	}
	cfg := opts.Config

	cache := configcache.New(opts.Ledger, opts.Store, cfg.ConfigTTL).
		WithClock(clock).
		WithLogger(log.WithField("component", "config"))

	tracker := accrual.NewTracker(opts.Account, opts.Ledger, opts.Balances, cache, opts.Store).
		WithClock(clock).
		WithLogger(log.WithField("component", "accrual")).
		WithToken(cfg.Chain.TokenDecimals, price)

	view := energy.NewView(opts.Account, opts.Ledger).
		WithClock(clock).
		WithLogger(log.WithField("component", "energy"))

	queue, err := claimsync.NewQueue(opts.Store, cfg.Claims.QueueCap)
	if err != nil {
		return nil, fmt.Errorf("loading claim queue: %w", err)
	}
	history, err := claimsync.NewHistory(opts.Store, claimsync.DefaultHistoryCap)
	if err != nil {
		return nil, err
	}
	claims := claimsync.NewEngine(opts.Ledger, queue).
		WithHistory(history).
		WithPolicy(retry.FixedPolicy("claim_sync", cfg.Claims.SyncAttempts, cfg.Claims.SyncDelay)).
		WithClock(clock).
		WithLogger(log.WithField("component", "claimsync")).
		OnSynced(func(ctx context.Context, claim model.ClaimRecord) {
			refreshAfterClaim(ctx, log, tracker, view)
			if opts.OnClaimSynced != nil {
				opts.OnClaimSynced(claim)
			}
		})
	if opts.Receipts != nil {
		claims = claims.WithReceipts(opts.Receipts)
	}

	orchestrator := withdrawal.New(opts.Account, opts.Ledger, tracker, view, cache).
		WithLogger(log.WithField("component", "withdrawal"))
	if opts.OnEvent != nil {
		orchestrator = orchestrator.OnEvent(opts.OnEvent)
	}

	seen, err := notify.NewSeenSet(opts.Store, opts.Account)
	if err != nil {
		return nil, err
	}
	notifier := notify.New(opts.Account, opts.Ledger, seen).
		WithLogger(log.WithField("component", "notify"))
	if opts.OnCompleted != nil {
		notifier = notifier.OnCompleted(opts.OnCompleted)
	}

	return &Session{
		Account:     opts.Account,
		Config:      cache,
		Tracker:     tracker,
		Energy:      view,
		Claims:      claims,
		Withdrawals: orchestrator,
		Notifier:    notifier,
		referrals:   opts.Ledger,
		cfg:         cfg,
		clock:       clock,
		log:         log,
		onEstimate:  opts.OnEstimate,
	}, nil
}

// refreshAfterClaim picks up the yield and energy a synced claim changed.
func refreshAfterClaim(ctx context.Context, log logrus.FieldLogger, tracker *accrual.Tracker, view *energy.View) {
	var g errgroup.Group
	g.Go(func() error { return tracker.Refresh(ctx) })
	g.Go(func() error {
		_, err := view.Refresh(ctx)
		return err
	})
	if err := g.Wait(); err != nil {
		log.WithError(err).Warn("Refresh after claim sync failed")
	}
}

// Start refreshes the configuration, earnings and energy in parallel, then
// starts the pollers. A failed initial refresh is logged and left to the pollers.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollers != nil {
		return errors.New("session already started")
	}

	if err := s.refreshAll(ctx); err != nil {
		s.log.WithError(err).Warn("Initial refresh incomplete")
	}

	pollers := []*scheduler.Poller{
		s.poller("config", s.Config.TTL(), s.Config.Refresh),
		s.poller("earnings", s.cfg.EarningsInterval, s.Tracker.Refresh),
		s.poller("energy", s.cfg.EnergyInterval, func(ctx context.Context) error {
			_, err := s.Energy.Refresh(ctx)
			return err
		}),
		s.poller("completions", s.cfg.CompletionInterval, func(ctx context.Context) error {
			_, err := s.Notifier.Poll(ctx)
			return err
		}),
		s.poller("estimate", s.cfg.EstimateInterval, s.tick),
	}
	for i, p := range pollers {
		if err := p.Start(ctx); err != nil {
			for _, started := range pollers[:i] {
				started.Stop()
			}
			return fmt.Errorf("starting %s poller: %w", p.Name, err)
		}
	}
	s.pollers = pollers

	s.log.WithField("pollers", len(pollers)).Info("Session started")
	return nil
}

// Stop cancels every poller and waits for them to exit.
func (s *Session) Stop() {
	s.mu.Lock()
	pollers := s.pollers
	s.pollers = nil
	s.mu.Unlock()

	for _, p := range pollers {
		p.Stop()
	}
	if pollers != nil {
		s.log.Info("Session stopped")
	}
}

// Refresh fetches configuration, earnings and energy in parallel.
func (s *Session) Refresh(ctx context.Context) error {
	return s.refreshAll(ctx)
}

func (s *Session) refreshAll(ctx context.Context) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	collect := func(name string, err error) {
		if err == nil {
			return
		}
		mu.Lock()
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
		mu.Unlock()
	}

	g.Go(func() error {
		collect("config", s.Config.Refresh(ctx))
		return nil
	})
	g.Go(func() error {
		collect("earnings", s.Tracker.Refresh(ctx))
		return nil
	})
	g.Go(func() error {
		_, err := s.Energy.Refresh(ctx)
		collect("energy", err)
		return nil
	})
	_ = g.Wait()
	return errors.Join(errs...)
}

// ReplayClaims reconciles the queued claims once.
func (s *Session) ReplayClaims(ctx context.Context) (claimsync.ReplayResult, error) {
	res, err := s.Claims.Replay(ctx)
	s.log.WithFields(logrus.Fields{
		"attempted": res.Attempted,
		"synced":    res.Synced,
		"remaining": res.Remaining,
	}).Info("Claim queue replayed")
	return res, err
}

// Activity returns the account feed, newest first: recent withdrawals, the
// claim history and referral rewards. Referrals are fetched on demand and
// left out when the ledger cannot be reached.
func (s *Session) Activity(ctx context.Context) []model.Activity {
	params := s.Config.Get(ctx).Energy
	lists := [][]model.Activity{
		notify.WithdrawalActivities(s.Notifier.Last()),
		notify.ClaimActivities(s.Claims.History().List(), params),
	}

	refs, err := s.referrals.Referrals(ctx, s.Account)
	if err != nil {
		s.log.WithError(err).Warn("Referral history unavailable")
	} else {
		lists = append(lists, notify.ReferralActivities(refs, params))
	}
	return notify.Timeline(lists...)
}

// Intervals returns the current interval of every running poller.
func (s *Session) Intervals() map[string]time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Duration, len(s.pollers))
	for _, p := range s.pollers {
		out[p.Name] = p.Interval()
	}
	return out
}

func (s *Session) tick(context.Context) error {
	if s.onEstimate != nil {
		s.onEstimate(s.Tracker.Status())
	}
	return nil
}

func (s *Session) poller(name string, base time.Duration, task scheduler.Task) *scheduler.Poller {
	return &scheduler.Poller{
		Name:  name,
		Base:  base,
		Max:   s.cfg.PollMaxInterval,
		Clock: s.clock,
		Task:  task,
		Log:   s.log,
	}
}
