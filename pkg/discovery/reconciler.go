// Copyright 2025 Certen Protocol
//
// Inbox Reconciler
// Diffs the discovered eligible set against the user's stored inbox and
// commits the whole update in one batch: removals for delivered or expired
// entries, full-rebuild upserts for the current set, and the computed
// summary. Idempotent across cycles; the cycle token is informational.

package discovery

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/certen/inbox-discovery/pkg/canon"
	"github.com/certen/inbox-discovery/pkg/logging"
	"github.com/certen/inbox-discovery/pkg/model"
)

// Urgency bands for pending actions.
const (
	UrgencyCritical = "critical"
	UrgencyWarning  = "warning"
	UrgencyNormal   = "normal"

	criticalWindow = 4 * time.Hour
	urgentWindow   = 24 * time.Hour
)

// Inbox document status values.
const (
	docStatusPending         = "pending"
	docStatusPartiallySigned = "partially_signed"
)

// Reconciler applies discovery results to the document store.
type Reconciler struct {
	store  Store
	dryRun bool
	now    func() time.Time
	log    *slog.Logger
}

// NewReconciler builds a reconciler. With dryRun set it computes the diff
// and summary but never writes.
func NewReconciler(store Store, dryRun bool, log *slog.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		dryRun: dryRun,
		now:    time.Now,
		log:    logging.Component(log, "reconciler"),
	}
}

// ReconcileStats reports what one reconcile pass did.
type ReconcileStats struct {
	Total   int
	Added   int
	Removed int
	Wrote   bool
}

// Reconcile diffs and commits one user's inbox. identitySnapshots, when
// non-nil, ride along in the same commit to refresh stored key books.
func (r *Reconciler) Reconcile(
	ctx context.Context,
	uid string,
	result *model.DiscoveryResult,
	identitySnapshots map[string]map[string]interface{},
) (ReconcileStats, error) {
	currentIDs, err := r.store.GetInbox(ctx, uid)
	if err != nil {
		return ReconcileStats{}, err
	}

	now := r.now()
	newIDs := make(map[string]bool, len(result.Order))
	upserts := make(map[string]map[string]interface{}, len(result.Order))
	for _, hash := range result.Order {
		newIDs[hash] = true
		upserts[hash] = r.buildDoc(result.Eligible[hash], now)
	}

	var toRemove []string
	for _, id := range currentIDs {
		if !newIDs[id] {
			toRemove = append(toRemove, id)
		}
	}

	summary := r.buildSummary(uid, result, now)
	stats := ReconcileStats{
		Total:   len(result.Order),
		Added:   len(upserts),
		Removed: len(toRemove),
	}

	if r.dryRun {
		r.log.Info("dry run: skipping inbox write",
			"uid", uid, "upserts", stats.Added, "removals", stats.Removed)
		return stats, nil
	}

	if err := r.store.ApplyInboxDiff(ctx, uid, upserts, toRemove, summary, identitySnapshots); err != nil {
		return stats, err
	}
	stats.Wrote = true
	return stats, nil
}

// buildDoc renders one eligible transaction into its inbox document.
func (r *Reconciler) buildDoc(et *model.EligibleTransaction, now time.Time) map[string]interface{} {
	tx := et.Tx

	status := docStatusPending
	if len(tx.Signatures) > 0 {
		status = docStatusPartiallySigned
	}

	doc := map[string]interface{}{
		"txId":                 tx.TxID,
		"txHash":               canon.NormalizeHash(tx.Hash),
		"principal":            tx.Principal,
		"type":                 tx.Type,
		"status":               status,
		"category":             string(et.Category),
		"eligibleSigningPaths": et.EligiblePaths,
		"userHasSigned":        false,
		"updatedAt":            now,
	}

	remaining, bounded := timeRemaining(tx.ExpiresAt, now)
	doc["urgencyLevel"] = urgencyLevel(remaining, bounded)
	doc["isExpiring"] = bounded && remaining < urgentWindow
	if bounded {
		doc["timeRemainingMs"] = remaining.Milliseconds()
		doc["expiresAt"] = *tx.ExpiresAt
	}

	sigs := make([]map[string]interface{}, 0, len(tx.Signatures))
	for _, sig := range tx.Signatures {
		vote := sig.Vote
		if vote == "" {
			vote = model.VoteApprove
		}
		signedAt := sig.Timestamp
		if signedAt.IsZero() {
			signedAt = now
		}
		sigs = append(sigs, map[string]interface{}{
			"signer":        sig.Signer,
			"publicKeyHash": sig.PublicKeyHash,
			"vote":          vote,
			"signedAt":      signedAt,
		})
	}
	doc["signatures"] = sigs
	return doc
}

// buildSummary computes the per-user aggregate written to
// computedState/pending.
func (r *Reconciler) buildSummary(uid string, result *model.DiscoveryResult, now time.Time) map[string]interface{} {
	urgent := 0
	categories := map[string]int{
		string(model.CategoryInitiatedByUser):    0,
		string(model.CategoryRequiringSignature): 0,
	}
	for _, hash := range result.Order {
		et := result.Eligible[hash]
		categories[string(et.Category)]++
		if remaining, bounded := timeRemaining(et.Tx.ExpiresAt, now); bounded && remaining < urgentWindow {
			urgent++
		}
	}
	return map[string]interface{}{
		"count":       len(result.Order),
		"urgentCount": urgent,
		"categories":  categories,
		"txHashes":    append([]string(nil), result.Order...),
		"cycleToken":  CycleToken(uid, now),
		"computedAt":  now,
	}
}

// timeRemaining returns the time until expiry; bounded is false when the
// transaction never expires.
func timeRemaining(expiresAt *time.Time, now time.Time) (time.Duration, bool) {
	if expiresAt == nil {
		return 0, false
	}
	return expiresAt.Sub(now), true
}

func urgencyLevel(remaining time.Duration, bounded bool) string {
	switch {
	case bounded && remaining < criticalWindow:
		return UrgencyCritical
	case bounded && remaining < urgentWindow:
		return UrgencyWarning
	default:
		return UrgencyNormal
	}
}

// CycleToken stamps a summary with an opaque correlation token:
// base36 millis, eight characters of entropy, and a uid digest prefix.
func CycleToken(uid string, now time.Time) string {
	entropy := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	digest := md5.Sum([]byte(uid))
	return strconv.FormatInt(now.UnixMilli(), 36) + "_" + entropy + "_" + hex.EncodeToString(digest[:])[:8]
}
