// Copyright 2025 Certen Protocol
//
// Discovery Collaborator Interfaces
// The engine, explorer and reconciler depend on these narrow views of the
// ledger client and the document store so tests can inject fakes.

package discovery

import (
	"context"
	"errors"

	"github.com/certen/inbox-discovery/pkg/model"
)

// ErrLedgerUnavailable marks a user cycle in which every ledger RPC failed.
// The caller must not reconcile against such a result: wiping the inbox on a
// transient outage would make it flap.
var ErrLedgerUnavailable = errors.New("ledger unavailable: all RPCs failed")

// Ledger is the query vocabulary the discovery pipeline needs. Implemented
// by accumulate.Client.
type Ledger interface {
	QueryPendingTxIDs(ctx context.Context, scope string) ([]string, error)
	QueryKeyBookPageCount(ctx context.Context, url string) (int, error)
	QueryKeyPage(ctx context.Context, url string) (*model.KeyPage, error)
	QuerySignatureChain(ctx context.Context, url string, start, count int, expand bool) ([]interface{}, int, error)
	QueryDirectory(ctx context.Context, url string) ([]string, error)
	QueryTransaction(ctx context.Context, txID string) (*model.PendingTx, error)
	QueryTransactionRaw(ctx context.Context, txID string) (map[string]interface{}, error)
	AccountExists(ctx context.Context, url string) (bool, error)
}

// Store is the inbox surface the reconciler needs. Implemented by
// store.Client.
type Store interface {
	GetInbox(ctx context.Context, uid string) ([]string, error)
	ApplyInboxDiff(
		ctx context.Context,
		uid string,
		upserts map[string]map[string]interface{},
		removeIDs []string,
		summary map[string]interface{},
		identitySnapshots map[string]map[string]interface{},
	) error
}

// rpcTally counts ledger call outcomes within one user cycle. It backs the
// total-unavailability guard behind ErrLedgerUnavailable.
type rpcTally struct {
	attempted int
	failed    int
}

func (t *rpcTally) record(err error) {
	t.attempted++
	if err != nil {
		t.failed++
	}
}

func (t *rpcTally) allFailed() bool {
	return t.attempted > 0 && t.failed == t.attempted
}

// observedLedger counts every call it forwards.
type observedLedger struct {
	Ledger
	tally *rpcTally
}

func (o observedLedger) QueryPendingTxIDs(ctx context.Context, scope string) ([]string, error) {
	ids, err := o.Ledger.QueryPendingTxIDs(ctx, scope)
	o.tally.record(err)
	return ids, err
}

func (o observedLedger) QueryKeyBookPageCount(ctx context.Context, url string) (int, error) {
	n, err := o.Ledger.QueryKeyBookPageCount(ctx, url)
	o.tally.record(err)
	return n, err
}

func (o observedLedger) QueryKeyPage(ctx context.Context, url string) (*model.KeyPage, error) {
	page, err := o.Ledger.QueryKeyPage(ctx, url)
	o.tally.record(err)
	return page, err
}

func (o observedLedger) QuerySignatureChain(ctx context.Context, url string, start, count int, expand bool) ([]interface{}, int, error) {
	records, total, err := o.Ledger.QuerySignatureChain(ctx, url, start, count, expand)
	o.tally.record(err)
	return records, total, err
}

func (o observedLedger) QueryDirectory(ctx context.Context, url string) ([]string, error) {
	urls, err := o.Ledger.QueryDirectory(ctx, url)
	o.tally.record(err)
	return urls, err
}

func (o observedLedger) QueryTransaction(ctx context.Context, txID string) (*model.PendingTx, error) {
	tx, err := o.Ledger.QueryTransaction(ctx, txID)
	o.tally.record(err)
	return tx, err
}

func (o observedLedger) QueryTransactionRaw(ctx context.Context, txID string) (map[string]interface{}, error) {
	raw, err := o.Ledger.QueryTransactionRaw(ctx, txID)
	o.tally.record(err)
	return raw, err
}

func (o observedLedger) AccountExists(ctx context.Context, url string) (bool, error) {
	ok, err := o.Ledger.AccountExists(ctx, url)
	o.tally.record(err)
	return ok, err
}
