// Copyright 2025 Certen Protocol
//
// Discovery Engine - Three-Phase Eligible-Set Computation
// Phase 1 walks multi-hop signing paths with the prior-hop-signed predicate.
// Phase 2 walks the user's direct accounts with the user-key-hash predicate.
// Phase 3 scans recent signature-chain entries for signature requests that
// the first two phases cannot see. Results are deduplicated by canonical
// transaction hash.

package discovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/certen/inbox-discovery/pkg/canon"
	"github.com/certen/inbox-discovery/pkg/logging"
	"github.com/certen/inbox-discovery/pkg/model"
)

// signatureChainScanWindow bounds Phase 3 catch-up work per key book. Older
// missed requests surface on later cycles once identity metadata refreshes.
const signatureChainScanWindow = 30

// Engine computes the per-user eligible pending set.
type Engine struct {
	ledger Ledger
	log    *slog.Logger
}

// NewEngine builds a discovery engine over the given ledger.
func NewEngine(ledger Ledger, log *slog.Logger) *Engine {
	return &Engine{
		ledger: ledger,
		log:    logging.Component(log, "engine"),
	}
}

// Discover runs the three phases for one user. Inner per-path, per-account
// and per-book failures are swallowed; if every ledger RPC in the cycle
// failed the result is ErrLedgerUnavailable and the caller must not
// reconcile.
func (e *Engine) Discover(ctx context.Context, user model.User, paths []model.SigningPath) (*model.DiscoveryResult, error) {
	tally := &rpcTally{}
	ledger := observedLedger{Ledger: e.ledger, tally: tally}
	result := model.NewDiscoveryResult()

	userKeyHashes := userKeyHashSet(user)

	e.phaseSigningPaths(ctx, ledger, result, paths)
	e.phaseDirectAccounts(ctx, ledger, result, user, userKeyHashes)
	e.phaseSignatureChains(ctx, ledger, result, user, userKeyHashes)

	if tally.allFailed() {
		return nil, fmt.Errorf("%w (uid=%s, rpcs=%d)", ErrLedgerUnavailable, user.UID, tally.attempted)
	}

	e.log.Debug("discovery complete",
		"uid", user.UID, "eligible", len(result.Order),
		"rpcs", tally.attempted, "rpcFailures", tally.failed)
	return result, nil
}

// userKeyHashSet collects the canonical public key hashes held on every
// stored key page of every identity. It is the ground truth for "has the
// user already signed".
func userKeyHashSet(user model.User) map[string]bool {
	hashes := make(map[string]bool)
	for _, identity := range user.Identities {
		for _, book := range identity.KeyBooks {
			for _, page := range book.KeyPages {
				for _, entry := range page.Entries {
					if entry.Kind == model.EntryKindKey && entry.PublicKeyHash != "" {
						hashes[canon.NormalizeHash(entry.PublicKeyHash)] = true
					}
				}
			}
		}
	}
	return hashes
}

// userHasSigned reports whether any signature's key hash belongs to the user.
func userHasSigned(signatures []model.SignatureRecord, userKeyHashes map[string]bool) bool {
	for _, sig := range signatures {
		if sig.PublicKeyHash != "" && userKeyHashes[canon.NormalizeHash(sig.PublicKeyHash)] {
			return true
		}
	}
	return false
}

// determineCategory distinguishes the user's own transactions from ones
// merely awaiting their signature.
func determineCategory(tx model.PendingTx, identityURL string) model.Category {
	if canon.ExtractADI(tx.Principal) == canon.NormalizeURL(identityURL) {
		return model.CategoryInitiatedByUser
	}
	return model.CategoryRequiringSignature
}

// =============================================================================
// PHASE 1 - DELEGATED SIGNING PATHS
// =============================================================================

// phaseSigningPaths inspects the pending set of each multi-hop path's final
// signer. The predicate is deliberately the prior hop, not the user's keys:
// the user may hold no key on the final signer yet still be the authority
// through delegation.
func (e *Engine) phaseSigningPaths(ctx context.Context, ledger Ledger, result *model.DiscoveryResult, paths []model.SigningPath) {
	for _, path := range paths {
		if path.Direct() {
			continue // covered by Phase 2 with the richer predicate
		}
		final := path.FinalSigner
		prior := canon.NormalizeURL(path.Hops[len(path.Hops)-2])

		txIDs, err := ledger.QueryPendingTxIDs(ctx, final)
		if err != nil {
			e.log.Warn("phase 1: pending query failed", "signer", final, "error", err)
			continue
		}
		for _, txID := range txIDs {
			tx, ok := e.fetchTx(ctx, ledger, result, txID)
			if !ok {
				continue
			}
			priorSigned := false
			for _, sig := range tx.Signatures {
				if canon.NormalizeURL(sig.Signer) == prior {
					priorSigned = true
					break
				}
			}
			if !priorSigned {
				result.Add(tx.Hash, *tx, model.CategoryRequiringSignature, path.Rendering)
			}
		}
	}
}

// =============================================================================
// PHASE 2 - DIRECT ACCOUNTS
// =============================================================================

func (e *Engine) phaseDirectAccounts(ctx context.Context, ledger Ledger, result *model.DiscoveryResult, user model.User, userKeyHashes map[string]bool) {
	for _, identity := range user.Identities {
		identityURL := canon.NormalizeURL(identity.IdentityURL)
		for _, accountURL := range e.enumerateAccounts(ctx, ledger, identity) {
			txIDs, err := ledger.QueryPendingTxIDs(ctx, accountURL)
			if err != nil {
				e.log.Warn("phase 2: pending query failed", "account", accountURL, "error", err)
				continue
			}
			for _, txID := range txIDs {
				tx, ok := e.fetchTx(ctx, ledger, result, txID)
				if !ok {
					continue
				}
				if userHasSigned(tx.Signatures, userKeyHashes) {
					continue
				}
				result.Add(tx.Hash, *tx, determineCategory(*tx, identityURL), accountURL)
			}
		}
	}
}

// enumerateAccounts gathers every account attributable to an identity: the
// identity itself, stored sub-accounts, stored key books with their
// ledger-enumerated pages, and the live directory entries.
func (e *Engine) enumerateAccounts(ctx context.Context, ledger Ledger, identity model.Identity) []string {
	identityURL := canon.NormalizeURL(identity.IdentityURL)
	var out []string
	seen := make(map[string]bool)
	add := func(u string) {
		u = canon.NormalizeURL(u)
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		out = append(out, u)
	}

	add(identityURL)
	for _, account := range identity.Accounts {
		add(account.URL)
	}
	for _, book := range identity.KeyBooks {
		add(book.URL)
		pageCount, err := ledger.QueryKeyBookPageCount(ctx, book.URL)
		if err != nil {
			e.log.Warn("phase 2: page count query failed", "book", book.URL, "error", err)
			continue
		}
		for i := 1; i <= pageCount; i++ {
			add(fmt.Sprintf("%s/%d", canon.NormalizeURL(book.URL), i))
		}
	}
	dirEntries, err := ledger.QueryDirectory(ctx, identityURL)
	if err != nil {
		e.log.Warn("phase 2: directory query failed", "identity", identityURL, "error", err)
	}
	for _, entry := range dirEntries {
		add(entry)
	}
	return out
}

// =============================================================================
// PHASE 3 - SIGNATURE-CHAIN SCAN
// =============================================================================

// phaseSignatureChains catches cross-identity signature requests the first
// two phases miss: cases where the user's key book was asked to sign for a
// principal unrelated to the user's own identities.
func (e *Engine) phaseSignatureChains(ctx context.Context, ledger Ledger, result *model.DiscoveryResult, user model.User, userKeyHashes map[string]bool) {
	for _, identity := range user.Identities {
		for _, bookURL := range e.signatureChainBooks(ctx, ledger, identity) {
			e.scanBookSignatureChain(ctx, ledger, result, bookURL, userKeyHashes)
		}
	}
}

func (e *Engine) signatureChainBooks(ctx context.Context, ledger Ledger, identity model.Identity) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(u string) {
		u = canon.NormalizeURL(u)
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		out = append(out, u)
	}
	for _, book := range identity.KeyBooks {
		add(book.URL)
	}
	dirEntries, err := ledger.QueryDirectory(ctx, canon.NormalizeURL(identity.IdentityURL))
	if err != nil {
		e.log.Warn("phase 3: directory query failed", "identity", identity.IdentityURL, "error", err)
	}
	for _, entry := range dirEntries {
		if canon.IsKeyBookURL(entry) {
			add(entry)
		}
	}
	return out
}

func (e *Engine) scanBookSignatureChain(ctx context.Context, ledger Ledger, result *model.DiscoveryResult, bookURL string, userKeyHashes map[string]bool) {
	_, total, err := ledger.QuerySignatureChain(ctx, bookURL, 0, 1, false)
	if err != nil {
		e.log.Warn("phase 3: chain length query failed", "book", bookURL, "error", err)
		return
	}
	if total == 0 {
		return
	}

	count := total
	if count > signatureChainScanWindow {
		count = signatureChainScanWindow
	}
	start := total - count
	records, _, err := ledger.QuerySignatureChain(ctx, bookURL, start, count, true)
	if err != nil {
		e.log.Warn("phase 3: chain scan failed", "book", bookURL, "error", err)
		return
	}

	for _, rec := range records {
		value := mapOf(mapOf(rec)["value"])
		message := mapOf(value["message"])
		if stringOf(message["type"]) != "signatureRequest" {
			continue
		}
		for _, produced := range sliceOf(mapOf(value["produced"])["records"]) {
			pm := mapOf(produced)
			txID := stringOf(pm["value"])
			if txID == "" {
				txID = stringOf(pm["id"])
			}
			hash := canon.NormalizeHash(txID)
			if hash == "" {
				continue
			}
			if _, already := result.Eligible[hash]; already {
				continue
			}

			raw, err := ledger.QueryTransactionRaw(ctx, txID)
			if err != nil {
				e.log.Warn("phase 3: raw transaction query failed", "txid", txID, "error", err)
				continue
			}
			if rawStatus(raw) != model.StatusPending {
				continue
			}
			tx, ok := e.fetchTx(ctx, ledger, result, txID)
			if !ok {
				continue
			}
			if userHasSigned(tx.Signatures, userKeyHashes) {
				continue
			}
			result.Add(tx.Hash, *tx, model.CategoryRequiringSignature, bookURL)
		}
	}
}

// =============================================================================
// SHARED HELPERS
// =============================================================================

// fetchTx retrieves a transaction by ID, consulting the signature cache to
// avoid re-fetching a transaction already seen this cycle.
func (e *Engine) fetchTx(ctx context.Context, ledger Ledger, result *model.DiscoveryResult, txID string) (*model.PendingTx, bool) {
	hash := canon.NormalizeHash(txID)
	if hash == "" {
		return nil, false
	}
	if et, ok := result.Eligible[hash]; ok {
		tx := et.Tx
		return &tx, true
	}

	tx, err := ledger.QueryTransaction(ctx, txID)
	if err != nil {
		e.log.Warn("transaction query failed", "txid", txID, "error", err)
		return nil, false
	}
	if tx == nil {
		e.log.Debug("transaction not found", "txid", txID)
		return nil, false
	}
	result.SignaturesByHash[tx.Hash] = tx.Signatures
	return tx, true
}
