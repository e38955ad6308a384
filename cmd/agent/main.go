// Package main runs a headless yield sync agent for one account.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/yourorg/yield-sync/internal/accrual"
	"github.com/yourorg/yield-sync/internal/chain"
	"github.com/yourorg/yield-sync/internal/config"
	"github.com/yourorg/yield-sync/internal/ledger"
	"github.com/yourorg/yield-sync/internal/model"
	"github.com/yourorg/yield-sync/internal/security"
	"github.com/yourorg/yield-sync/internal/session"
	"github.com/yourorg/yield-sync/internal/store"
	"github.com/yourorg/yield-sync/internal/tracing"
	"github.com/yourorg/yield-sync/internal/webhook"
	"github.com/yourorg/yield-sync/internal/withdrawal"
)

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Fatal("Agent stopped")
	}
}

func run() error {
	accountFlag := flag.String("account", "", "wallet address to track (or set ACCOUNT)")
	storeFlag := flag.String("store", "", "state backend, badger or sqlite (or set STORE_BACKEND)")
	dataDirFlag := flag.String("data-dir", "", "directory for persisted state (or set DATA_DIR)")
	configFlag := flag.String("config", "", "optional JSON config file, environment overrides it")
	envFileFlag := flag.String("env-file", ".env", "dotenv file loaded before reading the environment")
	replayFlag := flag.Bool("replay-claims", false, "replay queued claims once after startup")
	flag.Parse()

	if err := godotenv.Load(*envFileFlag); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", *envFileFlag, err)
	}
	setupLogging()

	cfg, err := config.LoadFile(*configFlag)
	if err != nil {
		return err
	}
	if *accountFlag != "" {
		cfg.Account = *accountFlag
	}
	if *storeFlag != "" {
		cfg.Store.Backend = *storeFlag
	}
	if *dataDirFlag != "" {
		cfg.Store.DataDir = *dataDirFlag
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Account == "" {
		return errors.New("no account configured, use --account or ACCOUNT")
	}
	account := common.HexToAddress(cfg.Account)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := tracing.Init(ctx, cfg.OtelEndpoint)
	defer shutdownTracing()

	st, err := store.Open(cfg.Store.Backend, storeLocation(cfg.Store))
	if err != nil {
		return err
	}
	defer st.Close()

	chainClient, err := chain.Dial(ctx, cfg.Chain)
	if err != nil {
		return err
	}
	defer chainClient.Close()

	exporter := webhook.New(cfg.Webhook)
	if exporter.Enabled() && cfg.Webhook.SigningKey != "" {
		signer, err := security.NewSigner(cfg.Webhook.SigningKey)
		if err != nil {
			return err
		}
		exporter = exporter.WithSigner(signer)
	}
	exporter.Start(ctx)
	defer exporter.Stop()
	publish := func(kind string, data any) {
		exporter.Add(webhook.Event{Kind: kind, Account: account.Hex(), At: time.Now().UTC(), Data: data})
	}

	log := logrus.WithField("account", account.Hex())
	sess, err := session.New(session.Options{
		Config:   cfg,
		Account:  account,
		Ledger:   ledger.New(cfg.Ledger),
		Balances: chainClient,
		Receipts: chainClient,
		Store:    st,
		Log:      logrus.StandardLogger(),
		OnEstimate: func(s accrual.Status) {
			log.WithFields(logrus.Fields{
				"estimate": accrual.DisplayString(s.Estimate, 6),
				"stale":    s.Anchor.Stale,
			}).Debug("Estimate")
		},
		OnCompleted: func(r model.WithdrawalRequest) {
			log.WithFields(logrus.Fields{
				"id":     r.ID,
				"amount": r.Amount.String(),
			}).Info("Your withdrawal has been paid out")
			publish("withdrawal_completed", r)
		},
		OnEvent: func(e withdrawal.Event) {
			entry := log.WithFields(logrus.Fields{
				"kind":   e.Kind.String(),
				"amount": e.Amount.String(),
			})
			if e.Err != nil {
				entry = entry.WithError(e.Err)
			}
			entry.Info("Withdrawal " + e.Kind.String())
			if e.Request != nil {
				publish("withdrawal_"+e.Kind.String(), e.Request)
			}
		},
		OnClaimSynced: func(c model.ClaimRecord) {
			publish("claim_synced", c)
		},
	})
	if err != nil {
		return err
	}

	if err := sess.Start(ctx); err != nil {
		return err
	}
	defer sess.Stop()

	if *replayFlag {
		if _, err := sess.ReplayClaims(ctx); err != nil {
			log.WithError(err).Warn("Claim replay interrupted")
		}
	}

	return NewServer(cfg.MetricsAddr, sess).Run(ctx)
}

// storeLocation maps the data dir onto the location the backend expects.
func storeLocation(s config.StoreConfig) string {
	if s.DataDir == "" {
		return ""
	}
	if strings.EqualFold(s.Backend, store.BackendSQLite) {
		return filepath.Join(s.DataDir, "state.db")
	}
	return s.DataDir
}

// setupLogging configures the logging for the application
func setupLogging() {
	logFormat := strings.ToLower(os.Getenv("LOG_FORMAT"))
	logLevel := strings.ToLower(os.Getenv("LOG_LEVEL"))

	switch logFormat {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	switch logLevel {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
}
