// Copyright 2025 Certen Protocol
//
// Canonical Domain Types - Pending-Signature Discovery
// Single source of truth for the types shared between the ledger client,
// the discovery engine, the reconciler and the store adapter. All URL- and
// hash-typed fields hold canonical values (see pkg/canon).

package model

import (
	"strings"
	"time"
)

// =============================================================================
// TRANSACTION STATUS AND CATEGORIES
// =============================================================================

// Transaction status values as reported by the ledger.
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusRemote    = "remote"
	StatusFailed    = "failed"
	StatusExpired   = "expired"
	StatusUnknown   = "unknown"
)

// Category classifies why a pending transaction is in a user's inbox.
type Category string

const (
	// CategoryInitiatedByUser marks transactions whose principal belongs to
	// one of the user's own identities.
	CategoryInitiatedByUser Category = "initiated_by_user"

	// CategoryRequiringSignature marks transactions awaiting the user's
	// signature on someone else's account.
	CategoryRequiringSignature Category = "requiring_signature"
)

// Vote values carried by signature records.
const (
	VoteApprove = "approve"
	VoteReject  = "reject"
	VoteAbstain = "abstain"
)

// =============================================================================
// USERS AND IDENTITIES
// =============================================================================

// User is a registered client of the discovery service. A user is processed
// only when both onboarding gates are true.
type User struct {
	UID                string     `json:"uid"`
	Email              string     `json:"email,omitempty"`
	DisplayName        string     `json:"displayName,omitempty"`
	DefaultIdentity    string     `json:"defaultIdentity,omitempty"`
	OnboardingComplete bool       `json:"onboardingComplete"`
	KeyVaultSetup      bool       `json:"keyVaultSetup"`
	Identities         []Identity `json:"identities,omitempty"`
}

// Identity is one user-controlled on-chain identity (ADI).
type Identity struct {
	IdentityURL   string        `json:"identityUrl"`
	KeyBooks      []KeyBook     `json:"keyBooks,omitempty"`
	Accounts      []AccountStub `json:"accounts,omitempty"`
	CreditBalance int64         `json:"creditBalance,omitempty"`
	CreatedAt     time.Time     `json:"createdAt,omitempty"`
	UpdatedAt     time.Time     `json:"updatedAt,omitempty"`
}

// AccountStub is a lightweight reference to a sub-account of an identity.
type AccountStub struct {
	URL  string `json:"url"`
	Type string `json:"type,omitempty"`
}

// KeyBook owns an ordered list of key pages. Page N of a book is addressed
// as <book>/N with N in [1, pageCount]; the ledger's pageCount is
// authoritative.
type KeyBook struct {
	URL      string    `json:"url"`
	KeyPages []KeyPage `json:"keyPages,omitempty"`
}

// KeyPage holds signing authority: key entries, delegate references and a
// threshold.
type KeyPage struct {
	URL           string     `json:"url"`
	Version       int        `json:"version,omitempty"`
	Threshold     int        `json:"threshold"`
	CreditBalance int64      `json:"creditBalance,omitempty"`
	Entries       []KeyEntry `json:"entries,omitempty"`
}

// EntryKind discriminates the two key-page entry variants.
type EntryKind string

const (
	EntryKindKey      EntryKind = "key"
	EntryKindDelegate EntryKind = "delegate"
)

// KeyEntry is either a public key hash or a delegate reference to another
// key page. A page may hold any mix of the two.
type KeyEntry struct {
	Kind          EntryKind `json:"kind"`
	PublicKeyHash string    `json:"publicKeyHash,omitempty"`
	DelegateURL   string    `json:"delegateUrl,omitempty"`
	KeyType       string    `json:"keyType,omitempty"`
}

// =============================================================================
// SIGNING PATHS
// =============================================================================

// SigningPath is an ordered, cycle-free sequence of key-page URLs through
// which a user's identity can authorize a transaction. A single hop means
// direct ownership; additional hops encode delegation.
type SigningPath struct {
	Hops        []string `json:"hops"`
	FinalSigner string   `json:"finalSigner"`
	Rendering   string   `json:"rendering"`
}

// NewSigningPath builds a SigningPath from its hops. Hops must be canonical
// and non-empty.
func NewSigningPath(hops []string) SigningPath {
	return SigningPath{
		Hops:        hops,
		FinalSigner: hops[len(hops)-1],
		Rendering:   strings.Join(hops, " -> "),
	}
}

// Direct reports whether the path is direct ownership (a single hop).
func (p SigningPath) Direct() bool {
	return len(p.Hops) == 1
}

// =============================================================================
// PENDING TRANSACTIONS
// =============================================================================

// SignatureRecord is one observed signature on a pending transaction. The
// key hash may be empty for nested delegated forms.
type SignatureRecord struct {
	Signer        string    `json:"signer"`
	PublicKeyHash string    `json:"publicKeyHash,omitempty"`
	Vote          string    `json:"vote"`
	Timestamp     time.Time `json:"timestamp,omitempty"`
}

// PendingTx is a ledger transaction whose signature threshold is not yet met.
type PendingTx struct {
	TxID       string                 `json:"txId"`
	Hash       string                 `json:"hash"`
	Principal  string                 `json:"principal"`
	Type       string                 `json:"type"`
	Status     string                 `json:"status"`
	Signatures []SignatureRecord      `json:"signatures,omitempty"`
	ExpiresAt  *time.Time             `json:"expiresAt,omitempty"`
	Body       map[string]interface{} `json:"body,omitempty"`
}

// EligibleTransaction pairs a pending transaction with the signing paths
// that authorize this user to act on it.
type EligibleTransaction struct {
	Tx            PendingTx `json:"tx"`
	EligiblePaths []string  `json:"eligiblePaths"`
	Category      Category  `json:"category"`
}

// AddPath records a path rendering, keeping the list duplicate-free.
func (e *EligibleTransaction) AddPath(rendering string) {
	for _, p := range e.EligiblePaths {
		if p == rendering {
			return
		}
	}
	e.EligiblePaths = append(e.EligiblePaths, rendering)
}

// Promote elevates the category once: initiated_by_user dominates.
func (e *EligibleTransaction) Promote(c Category) {
	if c == CategoryInitiatedByUser {
		e.Category = CategoryInitiatedByUser
	}
}

// DiscoveryResult is the output of one user's discovery cycle.
type DiscoveryResult struct {
	// Eligible maps canonical tx hash to the discovered transaction.
	Eligible map[string]*EligibleTransaction
	// Order lists the keys of Eligible in first-seen order.
	Order []string
	// SignaturesByHash caches the last observed signatures per transaction.
	SignaturesByHash map[string][]SignatureRecord
}

// NewDiscoveryResult returns an empty result ready for accumulation.
func NewDiscoveryResult() *DiscoveryResult {
	return &DiscoveryResult{
		Eligible:         make(map[string]*EligibleTransaction),
		SignaturesByHash: make(map[string][]SignatureRecord),
	}
}

// Add merges a transaction into the result under its canonical hash.
// Duplicate insertions union the paths and promote the category.
func (r *DiscoveryResult) Add(hash string, tx PendingTx, category Category, pathRendering string) *EligibleTransaction {
	et, ok := r.Eligible[hash]
	if !ok {
		et = &EligibleTransaction{Tx: tx, Category: category}
		r.Eligible[hash] = et
		r.Order = append(r.Order, hash)
	} else {
		et.Promote(category)
	}
	et.AddPath(pathRendering)
	return et
}
