// Copyright 2025 Certen Protocol
//
// Pending-Signature Discovery Daemon
// Polls the Accumulate ledger for transactions each registered user is
// eligible to sign and keeps the per-user Firestore inbox current. Runs
// until SIGINT or SIGTERM.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/certen/inbox-discovery/pkg/accumulate"
	"github.com/certen/inbox-discovery/pkg/config"
	"github.com/certen/inbox-discovery/pkg/discovery"
	"github.com/certen/inbox-discovery/pkg/logging"
	"github.com/certen/inbox-discovery/pkg/metrics"
	"github.com/certen/inbox-discovery/pkg/poller"
	"github.com/certen/inbox-discovery/pkg/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log := logging.Default(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting discovery daemon",
		"network", cfg.Network,
		"apiUrl", cfg.APIURL,
		"pollIntervalSec", cfg.PollIntervalSec,
		"userConcurrency", cfg.UserConcurrency,
		"dryRun", cfg.DryRun)

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := m.Serve(ctx, cfg.MetricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics listener failed", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
	}

	st, err := store.New(ctx, store.Options{
		ProjectID:       cfg.FirebaseProjectID,
		CredentialsFile: cfg.CredentialsFile,
		EmulatorHost:    cfg.FirestoreEmulator,
		UsersCollection: cfg.UsersCollection,
		Logger:          log,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	ledger := accumulate.New(accumulate.Options{
		Endpoint:   cfg.APIURL,
		PageSize:   cfg.PendingPageSize,
		MaxRetries: cfg.MaxRetries,
		Logger:     log,
		Observer: func(outcome string) {
			m.LedgerRPCs.WithLabelValues(outcome).Inc()
		},
	})

	explorer := discovery.NewExplorer(ledger, cfg.DelegationDepth, log)
	engine := discovery.NewEngine(ledger, log)
	reconciler := discovery.NewReconciler(st, cfg.DryRun, log)

	supervisor := poller.NewSupervisor(st, explorer, engine, reconciler, poller.Options{
		Interval:        time.Duration(cfg.PollIntervalSec) * time.Second,
		UserConcurrency: cfg.UserConcurrency,
	}, m, log)

	if err := supervisor.Run(ctx); err != nil {
		return err
	}
	log.Info("discovery daemon stopped")
	return nil
}
