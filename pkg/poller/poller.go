// Copyright 2025 Certen Protocol
//
// Polling Supervisor
// Drives the discovery pipeline on a fixed interval: list eligible users,
// explore each user's signing paths, compute the eligible pending set and
// reconcile the stored inbox. Per-user work runs under a bounded limiter;
// one user's failure never stops the cycle. Ticks that arrive while a cycle
// is still running are dropped, not queued.

package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/certen/inbox-discovery/pkg/discovery"
	"github.com/certen/inbox-discovery/pkg/logging"
	"github.com/certen/inbox-discovery/pkg/metrics"
	"github.com/certen/inbox-discovery/pkg/model"
	"github.com/certen/inbox-discovery/pkg/retry"
	"github.com/certen/inbox-discovery/pkg/store"
)

// UserSource lists the users eligible for discovery. Implemented by
// store.Client.
type UserSource interface {
	ListUsersWithIdentities(ctx context.Context) ([]model.User, error)
}

// Explorer enumerates one identity's signing paths.
type Explorer interface {
	Explore(ctx context.Context, identity model.Identity) discovery.ExploreResult
}

// Engine computes one user's eligible pending set.
type Engine interface {
	Discover(ctx context.Context, user model.User, paths []model.SigningPath) (*model.DiscoveryResult, error)
}

// Reconciler commits one user's discovery result to the store.
type Reconciler interface {
	Reconcile(
		ctx context.Context,
		uid string,
		result *model.DiscoveryResult,
		identitySnapshots map[string]map[string]interface{},
	) (discovery.ReconcileStats, error)
}

// Options tunes the supervisor.
type Options struct {
	Interval        time.Duration
	UserConcurrency int
}

// PollStats summarizes one completed cycle.
type PollStats struct {
	TotalUsers      int
	ProcessedUsers  int
	SkippedUsers    int
	FailedUsers     int
	TotalPending    int
	FirestoreWrites int
	DurationMs      int64
}

// Supervisor runs discovery cycles until its context is cancelled.
type Supervisor struct {
	users      UserSource
	explorer   Explorer
	engine     Engine
	reconciler Reconciler
	interval   time.Duration
	limiter    *retry.Limiter
	metrics    *metrics.Metrics
	log        *slog.Logger

	running atomic.Bool
	now     func() time.Time
}

// NewSupervisor wires the pipeline stages into a supervisor.
func NewSupervisor(
	users UserSource,
	explorer Explorer,
	engine Engine,
	reconciler Reconciler,
	opts Options,
	m *metrics.Metrics,
	log *slog.Logger,
) *Supervisor {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Minute
	}
	if opts.UserConcurrency < 1 {
		opts.UserConcurrency = 8
	}
	if m == nil {
		m = metrics.New()
	}
	return &Supervisor{
		users:      users,
		explorer:   explorer,
		engine:     engine,
		reconciler: reconciler,
		interval:   opts.Interval,
		limiter:    retry.NewLimiter(opts.UserConcurrency),
		metrics:    m,
		log:        logging.Component(log, "poller"),
		now:        time.Now,
	}
}

// Run executes an immediate first cycle and then one cycle per tick until
// ctx is cancelled. Cancellation stops admission of new work only: per-user
// work already in flight is drained, not aborted, before Run returns.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.Info("poller started", "interval", s.interval.String())

	var wg sync.WaitGroup
	launch := func() {
		if !s.running.CompareAndSwap(false, true) {
			s.metrics.CyclesSkipped.Inc()
			s.log.Warn("cycle still running, skipping tick")
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.running.Store(false)
			s.RunCycle(ctx)
		}()
	}

	launch()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("poller stopping, draining in-flight cycle")
			wg.Wait()
			s.log.Info("poller stopped")
			return nil
		case <-ticker.C:
			launch()
		}
	}
}

// RunCycle processes every eligible user once and returns the cycle's stats.
func (s *Supervisor) RunCycle(ctx context.Context) PollStats {
	started := s.now()
	var stats PollStats
	var mu sync.Mutex

	users, err := s.users.ListUsersWithIdentities(ctx)
	if err != nil {
		s.log.Error("listing users failed", "error", err)
		s.metrics.CyclesTotal.Inc()
		return stats
	}
	stats.TotalUsers = len(users)

	// ctx gates admission only; an admitted user's RPCs run to completion
	// on a detached context so shutdown never aborts them mid-pipeline.
	work := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for _, user := range users {
		if len(user.Identities) == 0 {
			stats.SkippedUsers++
			s.metrics.UsersSkipped.Inc()
			continue
		}
		if err := s.limiter.Acquire(ctx); err != nil {
			break // shutdown: remaining users wait for the next cycle
		}
		wg.Add(1)
		go func(user model.User) {
			defer wg.Done()
			defer s.limiter.Release()

			pending, wrote, err := s.processUser(work, user)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.FailedUsers++
				s.metrics.UsersFailed.Inc()
				return
			}
			stats.ProcessedUsers++
			stats.TotalPending += pending
			if wrote {
				stats.FirestoreWrites++
				s.metrics.InboxCommits.Inc()
			}
			s.metrics.UsersProcessed.Inc()
		}(user)
	}
	wg.Wait()

	stats.DurationMs = s.now().Sub(started).Milliseconds()
	s.metrics.CyclesTotal.Inc()
	s.metrics.CycleDuration.Observe(float64(stats.DurationMs) / 1000)
	s.metrics.PendingFound.Set(float64(stats.TotalPending))

	s.log.Info("cycle complete",
		"totalUsers", stats.TotalUsers,
		"processed", stats.ProcessedUsers,
		"skipped", stats.SkippedUsers,
		"failed", stats.FailedUsers,
		"pending", stats.TotalPending,
		"writes", stats.FirestoreWrites,
		"durationMs", stats.DurationMs)
	return stats
}

// processUser runs the explore, discover and reconcile stages for one user.
// It returns the eligible count and whether an inbox commit happened.
func (s *Supervisor) processUser(ctx context.Context, user model.User) (int, bool, error) {
	var paths []model.SigningPath
	snapshots := make(map[string]map[string]interface{}, len(user.Identities))
	for _, identity := range user.Identities {
		explored := s.explorer.Explore(ctx, identity)
		paths = append(paths, explored.Paths...)
		if len(explored.Books) > 0 {
			snapshots[store.IdentityDocID(identity.IdentityURL)] =
				identitySnapshot(identity.IdentityURL, explored.Books, s.now())
		}
	}

	result, err := s.engine.Discover(ctx, user, paths)
	if err != nil {
		if errors.Is(err, discovery.ErrLedgerUnavailable) {
			s.log.Warn("ledger unavailable, keeping prior inbox", "uid", user.UID)
		} else {
			s.log.Error("discovery failed", "uid", user.UID, "error", err)
		}
		return 0, false, err
	}

	recStats, err := s.reconciler.Reconcile(ctx, user.UID, result, snapshots)
	if err != nil {
		s.log.Error("reconcile failed", "uid", user.UID, "error", err)
		return 0, false, err
	}

	s.log.Debug("user processed",
		"uid", user.UID,
		"paths", len(paths),
		"eligible", recStats.Total,
		"removed", recStats.Removed,
		"wrote", recStats.Wrote)
	return recStats.Total, recStats.Wrote, nil
}

// identitySnapshot renders the live key-book state for the write-back that
// rides along with the inbox commit.
func identitySnapshot(identityURL string, books []model.KeyBook, now time.Time) map[string]interface{} {
	rendered := make([]interface{}, 0, len(books))
	for _, book := range books {
		pages := make([]interface{}, 0, len(book.KeyPages))
		for _, page := range book.KeyPages {
			entries := make([]interface{}, 0, len(page.Entries))
			for _, entry := range page.Entries {
				e := map[string]interface{}{"kind": string(entry.Kind)}
				if entry.PublicKeyHash != "" {
					e["publicKeyHash"] = entry.PublicKeyHash
				}
				if entry.DelegateURL != "" {
					e["delegateUrl"] = entry.DelegateURL
				}
				if entry.KeyType != "" {
					e["keyType"] = entry.KeyType
				}
				entries = append(entries, e)
			}
			pages = append(pages, map[string]interface{}{
				"url":       page.URL,
				"threshold": page.Threshold,
				"entries":   entries,
			})
		}
		rendered = append(rendered, map[string]interface{}{
			"url":      book.URL,
			"keyPages": pages,
		})
	}
	return map[string]interface{}{
		"identityUrl": identityURL,
		"keyBooks":    rendered,
		"updatedAt":   now,
	}
}
