// Copyright 2025 Certen Protocol
//
// Tolerant Ledger Client - Accumulate v3 query RPC
// Typed wrappers over the single JSON-RPC "query" method. Transport failures
// go through retry with backoff; envelope errors surface to the caller; any
// unexpected response shape degrades to an empty result, never a panic.

package accumulate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	accurl "gitlab.com/accumulatenetwork/accumulate/pkg/url"
	"gitlab.com/accumulatenetwork/accumulate/protocol"

	"github.com/certen/inbox-discovery/pkg/canon"
	"github.com/certen/inbox-discovery/pkg/logging"
	"github.com/certen/inbox-discovery/pkg/model"
	"github.com/certen/inbox-discovery/pkg/retry"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultPageSize = 100
	defaultMaxPages = 50
)

// RPCError is a JSON-RPC envelope error returned by the ledger.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// httpError is a non-200 transport response; it satisfies retry.StatusCoder
// so the 429/5xx family is classified as transient.
type httpError struct{ code int }

func (e *httpError) Error() string   { return fmt.Sprintf("http status %d", e.code) }
func (e *httpError) StatusCode() int { return e.code }

// Options configures a Client. Zero values take the package defaults.
type Options struct {
	Endpoint   string
	PageSize   int
	MaxPages   int
	MaxRetries int
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger

	// Observer, when set, is called once per RPC with "ok" or "error".
	Observer func(outcome string)
}

// Client is the typed vocabulary over the ledger's query method.
type Client struct {
	endpoint string
	httpc    *http.Client
	retryCfg retry.Config
	pageSize int
	maxPages int
	timeout  time.Duration
	log      *slog.Logger
	observe  func(outcome string)
	nextID   atomic.Uint64
}

// New creates a ledger client for the given JSON-RPC endpoint.
func New(opts Options) *Client {
	c := &Client{
		endpoint: opts.Endpoint,
		httpc:    opts.HTTPClient,
		retryCfg: retry.NewConfig(opts.MaxRetries),
		pageSize: opts.PageSize,
		maxPages: opts.MaxPages,
		timeout:  opts.Timeout,
		log:      logging.Component(opts.Logger, "ledger"),
		observe:  opts.Observer,
	}
	if c.httpc == nil {
		c.httpc = &http.Client{}
	}
	if c.pageSize < 1 {
		c.pageSize = defaultPageSize
	}
	if c.maxPages < 1 {
		c.maxPages = defaultMaxPages
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	return c
}

// =============================================================================
// TRANSPORT
// =============================================================================

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      uint64      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcResponse struct {
	Result interface{} `json:"result"`
	Error  *RPCError   `json:"error"`
}

// call posts one query request. Transport failures are retried per the
// retry configuration; an envelope error is returned as *RPCError.
func (c *Client) call(ctx context.Context, params interface{}) (interface{}, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  "query",
		Params:  params,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var result interface{}
	err = retry.Do(ctx, c.retryCfg, func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpc.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			return &httpError{code: resp.StatusCode}
		}

		var envelope rpcResponse
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		if envelope.Error != nil {
			return envelope.Error
		}
		result = envelope.Result
		return nil
	})
	if c.observe != nil {
		if err != nil {
			c.observe("error")
		} else {
			c.observe("ok")
		}
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func scopeParams(scope string) map[string]interface{} {
	return map[string]interface{}{"scope": scope}
}

func subQueryParams(scope string, query map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{"scope": scope, "query": query}
}

// =============================================================================
// QUERY OPERATIONS
// =============================================================================

// QueryPendingTxIDs paginates the pending sub-query for a scope and returns
// the transaction IDs in first-seen order, deduplicated. A failure after the
// first page stops pagination and returns what was gathered.
func (c *Client) QueryPendingTxIDs(ctx context.Context, scope string) ([]string, error) {
	var out []string
	seen := make(map[string]bool)

	start := 0
	for page := 0; page < c.maxPages; page++ {
		res, err := c.call(ctx, subQueryParams(scope, map[string]interface{}{
			"queryType": "pending",
			"range":     map[string]interface{}{"start": start, "count": c.pageSize},
		}))
		if err != nil {
			if page == 0 {
				return nil, err
			}
			c.log.Warn("pending pagination aborted", "scope", scope, "page", page, "error", err)
			break
		}

		m := asMap(res)
		records, total := pendingRecords(m)
		for _, rec := range records {
			id := extractTxID(rec)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}

		if len(records) < c.pageSize {
			break
		}
		start += len(records)
		if total > 0 && start >= total {
			break
		}
	}
	return out, nil
}

// pendingRecords probes the record list across the known envelope layouts.
func pendingRecords(m map[string]interface{}) ([]interface{}, int) {
	if m == nil {
		return nil, 0
	}
	if pm := asMap(m["pending"]); pm != nil {
		total, _ := asInt(pm["total"])
		return asSlice(pm["records"]), total
	}
	if asString(m["recordType"]) == "range" {
		total, _ := asInt(m["total"])
		return asSlice(m["records"]), total
	}
	total, _ := asInt(m["total"])
	return asSlice(m["items"]), total
}

// extractTxID probes a pending record for its transaction ID.
func extractTxID(rec interface{}) string {
	if m := asMap(rec); m != nil {
		if s := asString(m["value"]); s != "" {
			return s
		}
		if vm := asMap(m["value"]); vm != nil {
			for _, key := range []string{"txID", "txId", "id"} {
				if s := asString(vm[key]); s != "" {
					return s
				}
			}
			if s := asString(dig(vm, "message", "txID")); s != "" {
				return s
			}
		}
		if s := asString(m["txid"]); s != "" {
			return s
		}
		if s := asString(m["hash"]); s != "" {
			return s
		}
		return ""
	}
	if s, ok := rec.(string); ok && strings.HasPrefix(strings.ToLower(s), "acc://") {
		return s
	}
	return ""
}

// QueryKeyBookPageCount returns the page count of a key book, or 0 when the
// account is not a key book or the field is absent.
func (c *Client) QueryKeyBookPageCount(ctx context.Context, url string) (int, error) {
	res, err := c.call(ctx, scopeParams(url))
	if err != nil {
		return 0, err
	}
	m := asMap(res)
	acct := firstMap(m["account"], m["data"], m)
	if acct == nil || asString(acct["type"]) != protocol.AccountTypeKeyBook.String() {
		return 0, nil
	}
	for _, v := range []interface{}{acct["pageCount"], dig(m, "data", "pageCount"), m["pageCount"]} {
		if n, ok := asInt(v); ok {
			return n, nil
		}
	}
	return 0, nil
}

// QueryKeyPage fetches a key page. A non-key-page account yields (nil, nil).
func (c *Client) QueryKeyPage(ctx context.Context, url string) (*model.KeyPage, error) {
	res, err := c.call(ctx, scopeParams(url))
	if err != nil {
		return nil, err
	}
	m := asMap(res)
	acct := firstMap(m["account"], m["data"], m)
	if acct == nil || asString(acct["type"]) != protocol.AccountTypeKeyPage.String() {
		return nil, nil
	}

	page := &model.KeyPage{
		URL:       canon.NormalizeURL(url),
		Threshold: 1,
	}
	if v, ok := asInt(acct["version"]); ok {
		page.Version = v
	}
	if v, ok := asInt(acct["acceptThreshold"]); ok {
		page.Threshold = v
	} else if v, ok := asInt(acct["threshold"]); ok {
		page.Threshold = v
	}
	if v, ok := asInt(acct["creditBalance"]); ok {
		page.CreditBalance = int64(v)
	}

	for _, raw := range asSlice(acct["keys"]) {
		km := asMap(raw)
		if km == nil {
			continue
		}
		if delegate := asString(km["delegate"]); delegate != "" {
			page.Entries = append(page.Entries, model.KeyEntry{
				Kind:        model.EntryKindDelegate,
				DelegateURL: canon.NormalizeURL(delegate),
			})
			continue
		}
		if pkh := asString(km["publicKeyHash"]); pkh != "" {
			page.Entries = append(page.Entries, model.KeyEntry{
				Kind:          model.EntryKindKey,
				PublicKeyHash: canon.NormalizeHash(pkh),
				KeyType:       asString(km["keyType"]),
			})
		}
	}
	return page, nil
}

// QuerySignatureChain reads a range of the signature chain for a scope and
// returns the raw records with the chain's total length.
func (c *Client) QuerySignatureChain(ctx context.Context, url string, start, count int, expand bool) ([]interface{}, int, error) {
	res, err := c.call(ctx, subQueryParams(url, map[string]interface{}{
		"queryType": "chain",
		"name":      "signature",
		"range":     map[string]interface{}{"start": start, "count": count, "expand": expand},
	}))
	if err != nil {
		return nil, 0, err
	}
	m := asMap(res)
	total, _ := asInt(m["total"])
	return asSlice(m["records"]), total, nil
}

// QueryDirectory enumerates the directory entries of an account as canonical
// URLs, paginating internally. Unknown record shapes are skipped.
func (c *Client) QueryDirectory(ctx context.Context, url string) ([]string, error) {
	var out []string
	seen := make(map[string]bool)

	start := 0
	for page := 0; page < c.maxPages; page++ {
		res, err := c.call(ctx, subQueryParams(url, map[string]interface{}{
			"queryType": "directory",
			"range":     map[string]interface{}{"start": start, "count": c.pageSize},
		}))
		if err != nil {
			if page == 0 {
				return nil, err
			}
			c.log.Warn("directory pagination aborted", "scope", url, "page", page, "error", err)
			break
		}

		m := asMap(res)
		records := asSlice(m["records"])
		if records == nil {
			records = asSlice(dig(m, "directory", "records"))
		}
		for _, rec := range records {
			entry := directoryEntry(rec)
			if entry == "" {
				c.log.Warn("unrecognized directory record", "scope", url)
				continue
			}
			u := canon.NormalizeURL(entry)
			if !seen[u] {
				seen[u] = true
				out = append(out, u)
			}
		}

		if len(records) < c.pageSize {
			break
		}
		start += len(records)
		if total, ok := asInt(m["total"]); ok && start >= total {
			break
		}
	}
	return out, nil
}

func directoryEntry(rec interface{}) string {
	if s, ok := rec.(string); ok {
		return s
	}
	m := asMap(rec)
	if m == nil {
		return ""
	}
	if s := asString(m["value"]); s != "" {
		return s
	}
	if s := asString(m["url"]); s != "" {
		return s
	}
	if s := asString(dig(m, "account", "url")); s != "" {
		return s
	}
	return ""
}

// QueryTransaction retrieves and parses a transaction by ID. An absent or
// unrecognizable transaction yields (nil, nil).
func (c *Client) QueryTransaction(ctx context.Context, txID string) (*model.PendingTx, error) {
	res, err := c.call(ctx, map[string]interface{}{"txid": txID})
	if err != nil {
		return nil, err
	}
	m := asMap(res)
	if m == nil {
		return nil, nil
	}

	txObj := firstMap(m["transaction"], dig(m, "message", "transaction"))
	if txObj == nil {
		return nil, nil
	}
	header := asMap(txObj["header"])
	body := asMap(txObj["body"])

	id := asString(m["txid"])
	if id == "" {
		id = asString(m["id"])
	}
	if id == "" {
		id = txID
	}

	tx := &model.PendingTx{
		TxID:       id,
		Hash:       canon.NormalizeHash(id),
		Principal:  canon.NormalizeURL(asString(header["principal"])),
		Type:       asString(body["type"]),
		Status:     ParseStatus(m["status"]),
		Signatures: ExtractSignatures(m),
		Body:       body,
	}
	if t := parseExpiry(header); t != nil {
		tx.ExpiresAt = t
	}
	return tx, nil
}

// parseExpiry probes header.expire.atTime and header.expireAtTime.
func parseExpiry(header map[string]interface{}) *time.Time {
	for _, v := range []interface{}{dig(header, "expire", "atTime"), header["expireAtTime"]} {
		if s := asString(v); s != "" {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				return &t
			}
		}
	}
	return nil
}

// QueryTransactionRaw retrieves a transaction response without parsing it.
// Callers that only need the status field use this to skip the full parse.
func (c *Client) QueryTransactionRaw(ctx context.Context, txID string) (map[string]interface{}, error) {
	res, err := c.call(ctx, map[string]interface{}{"txid": txID})
	if err != nil {
		return nil, err
	}
	return asMap(res), nil
}

// AccountExists reports whether a scope query succeeds. Envelope errors mean
// the account is absent; transport failures are surfaced.
func (c *Client) AccountExists(ctx context.Context, url string) (bool, error) {
	if _, err := accurl.Parse(url); err != nil {
		return false, nil
	}
	_, err := c.call(ctx, scopeParams(url))
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
