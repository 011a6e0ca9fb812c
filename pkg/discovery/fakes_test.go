// Copyright 2025 Certen Protocol

package discovery

import (
	"context"
	"errors"

	"github.com/certen/inbox-discovery/pkg/model"
)

// fakeLedger serves canned responses keyed by canonical URL / txID.
type fakeLedger struct {
	pending     map[string][]string
	pendingErrs map[string]error
	pageCounts  map[string]int
	pages       map[string]*model.KeyPage
	dirs        map[string][]string
	txs         map[string]*model.PendingTx
	raws        map[string]map[string]interface{}
	chains      map[string][]interface{}
	missing     map[string]bool
	failAll     bool

	calls int
}

var errLedgerDown = errors.New("dial tcp: connection refused")

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		pending:     map[string][]string{},
		pendingErrs: map[string]error{},
		pageCounts:  map[string]int{},
		pages:       map[string]*model.KeyPage{},
		dirs:        map[string][]string{},
		txs:         map[string]*model.PendingTx{},
		raws:        map[string]map[string]interface{}{},
		chains:      map[string][]interface{}{},
		missing:     map[string]bool{},
	}
}

func (f *fakeLedger) fail() (bool, error) {
	f.calls++
	if f.failAll {
		return true, errLedgerDown
	}
	return false, nil
}

func (f *fakeLedger) QueryPendingTxIDs(_ context.Context, scope string) ([]string, error) {
	if down, err := f.fail(); down {
		return nil, err
	}
	if err := f.pendingErrs[scope]; err != nil {
		return nil, err
	}
	return f.pending[scope], nil
}

func (f *fakeLedger) QueryKeyBookPageCount(_ context.Context, url string) (int, error) {
	if down, err := f.fail(); down {
		return 0, err
	}
	return f.pageCounts[url], nil
}

func (f *fakeLedger) QueryKeyPage(_ context.Context, url string) (*model.KeyPage, error) {
	if down, err := f.fail(); down {
		return nil, err
	}
	return f.pages[url], nil
}

func (f *fakeLedger) QuerySignatureChain(_ context.Context, url string, start, count int, _ bool) ([]interface{}, int, error) {
	if down, err := f.fail(); down {
		return nil, 0, err
	}
	records := f.chains[url]
	total := len(records)
	if start >= total {
		return nil, total, nil
	}
	end := start + count
	if end > total {
		end = total
	}
	return records[start:end], total, nil
}

func (f *fakeLedger) QueryDirectory(_ context.Context, url string) ([]string, error) {
	if down, err := f.fail(); down {
		return nil, err
	}
	return f.dirs[url], nil
}

func (f *fakeLedger) QueryTransaction(_ context.Context, txID string) (*model.PendingTx, error) {
	if down, err := f.fail(); down {
		return nil, err
	}
	return f.txs[txID], nil
}

func (f *fakeLedger) QueryTransactionRaw(_ context.Context, txID string) (map[string]interface{}, error) {
	if down, err := f.fail(); down {
		return nil, err
	}
	return f.raws[txID], nil
}

func (f *fakeLedger) AccountExists(_ context.Context, url string) (bool, error) {
	if down, err := f.fail(); down {
		return false, err
	}
	return !f.missing[url], nil
}

// fakeStore records the reconciler's calls.
type fakeStore struct {
	inbox map[string][]string

	applied      bool
	gotUpserts   map[string]map[string]interface{}
	gotRemoveIDs []string
	gotSummary   map[string]interface{}
	gotSnapshots map[string]map[string]interface{}
	applyErr     error
	getInboxErr  error
}

func (f *fakeStore) GetInbox(_ context.Context, uid string) ([]string, error) {
	if f.getInboxErr != nil {
		return nil, f.getInboxErr
	}
	return f.inbox[uid], nil
}

func (f *fakeStore) ApplyInboxDiff(
	_ context.Context,
	uid string,
	upserts map[string]map[string]interface{},
	removeIDs []string,
	summary map[string]interface{},
	identitySnapshots map[string]map[string]interface{},
) error {
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applied = true
	f.gotUpserts = upserts
	f.gotRemoveIDs = removeIDs
	f.gotSummary = summary
	f.gotSnapshots = identitySnapshots
	return nil
}
