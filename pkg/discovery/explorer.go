// Copyright 2025 Certen Protocol
//
// Signing-Path Explorer
// Enumerates every distinct key-page chain through which a user's identity
// can sign: direct pages plus delegation chains found by a bounded DFS over
// delegate references. The visited set is shared across DFS launches within
// one identity, which tolerates cyclic delegation graphs.

package discovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/certen/inbox-discovery/pkg/canon"
	"github.com/certen/inbox-discovery/pkg/logging"
	"github.com/certen/inbox-discovery/pkg/model"
)

// DefaultMaxDepth caps delegation hops when no override is configured.
const DefaultMaxDepth = 10

// Explorer walks an identity's key books and delegation references.
type Explorer struct {
	ledger   Ledger
	maxDepth int
	log      *slog.Logger
}

// NewExplorer builds an explorer with the given hop cap.
func NewExplorer(ledger Ledger, maxDepth int, log *slog.Logger) *Explorer {
	if maxDepth < 1 {
		maxDepth = DefaultMaxDepth
	}
	return &Explorer{
		ledger:   ledger,
		maxDepth: maxDepth,
		log:      logging.Component(log, "explorer"),
	}
}

// ExploreResult carries the discovered paths and the live key-book
// snapshots used to refresh the stored identity.
type ExploreResult struct {
	Paths []model.SigningPath
	Books []model.KeyBook
}

// Explore enumerates the signing paths of one identity. Failures on
// individual books or pages are logged and skipped; the walk continues with
// whatever succeeded.
func (e *Explorer) Explore(ctx context.Context, identity model.Identity) ExploreResult {
	identityURL := canon.NormalizeURL(identity.IdentityURL)
	visited := make(map[string]bool)
	direct := make(map[string]bool)
	var result ExploreResult

	// Seed the key-book set from stored books and the live directory.
	bookURLs := make([]string, 0, len(identity.KeyBooks))
	seenBooks := make(map[string]bool)
	addBook := func(u string) {
		u = canon.NormalizeURL(u)
		if u == "" || seenBooks[u] {
			return
		}
		seenBooks[u] = true
		bookURLs = append(bookURLs, u)
	}
	for _, book := range identity.KeyBooks {
		addBook(book.URL)
	}
	dirEntries, err := e.ledger.QueryDirectory(ctx, identityURL)
	if err != nil {
		e.log.Warn("directory enumeration failed", "identity", identityURL, "error", err)
	}
	// Every directory entry is seeded; the page-count probe weeds out
	// anything that is not actually a key book.
	for _, entry := range dirEntries {
		addBook(entry)
	}

	// Stored pages first: they are direct paths and DFS roots even when the
	// ledger is unreachable.
	for _, book := range identity.KeyBooks {
		for _, page := range book.KeyPages {
			pageURL := canon.NormalizeURL(page.URL)
			if pageURL == "" || direct[pageURL] {
				continue
			}
			direct[pageURL] = true
			// Roots count as visited so delegation chains cannot loop back
			// onto them.
			visited[pageURL] = true
			result.Paths = append(result.Paths, model.NewSigningPath([]string{pageURL}))
			for _, entry := range page.Entries {
				if entry.Kind == model.EntryKindDelegate {
					e.followDelegationChain(ctx, entry.DelegateURL, []string{pageURL}, visited, &result.Paths, 1)
				}
			}
		}
	}

	// Live walk: the ledger's page count is authoritative.
	for _, bookURL := range bookURLs {
		pageCount, err := e.ledger.QueryKeyBookPageCount(ctx, bookURL)
		if err != nil {
			e.log.Warn("page count query failed", "book", bookURL, "error", err)
			continue
		}
		if pageCount == 0 {
			continue
		}

		liveBook := model.KeyBook{URL: bookURL}
		for i := 1; i <= pageCount; i++ {
			pageURL := canon.NormalizeURL(fmt.Sprintf("%s/%d", bookURL, i))
			page, err := e.ledger.QueryKeyPage(ctx, pageURL)
			if err != nil {
				e.log.Warn("key page query failed", "page", pageURL, "error", err)
				continue
			}
			if page == nil {
				continue
			}
			liveBook.KeyPages = append(liveBook.KeyPages, *page)

			if !direct[pageURL] {
				direct[pageURL] = true
				visited[pageURL] = true
				result.Paths = append(result.Paths, model.NewSigningPath([]string{pageURL}))
			}
			for _, entry := range page.Entries {
				if entry.Kind == model.EntryKindDelegate {
					e.followDelegationChain(ctx, entry.DelegateURL, []string{pageURL}, visited, &result.Paths, 1)
				}
			}
		}
		result.Books = append(result.Books, liveBook)
	}

	e.log.Debug("identity explored",
		"identity", identityURL, "paths", len(result.Paths), "books", len(result.Books))
	return result
}

// followDelegationChain extends currentPath with target and recurses into
// the target page's delegate entries. Cycles are cut by the shared visited
// set; depth is capped strictly at maxDepth hops off the source page.
func (e *Explorer) followDelegationChain(
	ctx context.Context,
	target string,
	currentPath []string,
	visited map[string]bool,
	results *[]model.SigningPath,
	depth int,
) {
	target = canon.NormalizeURL(target)
	if target == "" || visited[target] || depth > e.maxDepth {
		return
	}
	visited[target] = true

	exists, err := e.ledger.AccountExists(ctx, target)
	if err != nil || !exists {
		return
	}

	hops := make([]string, len(currentPath), len(currentPath)+1)
	copy(hops, currentPath)
	hops = append(hops, target)
	*results = append(*results, model.NewSigningPath(hops))

	page, err := e.ledger.QueryKeyPage(ctx, target)
	if err != nil || page == nil {
		return
	}
	for _, entry := range page.Entries {
		if entry.Kind == model.EntryKindDelegate {
			e.followDelegationChain(ctx, entry.DelegateURL, hops, visited, results, depth+1)
		}
	}
}
