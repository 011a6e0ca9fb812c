// Copyright 2025 Certen Protocol

package accumulate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certen/inbox-discovery/pkg/model"
)

// rpcHandler routes query params to a canned result per test.
type rpcHandler func(params map[string]interface{}) (interface{}, *RPCError)

func newRPCServer(t *testing.T, handle rpcHandler) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JSONRPC string                 `json:"jsonrpc"`
			ID      uint64                 `json:"id"`
			Method  string                 `json:"method"`
			Params  map[string]interface{} `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "2.0", req.JSONRPC)
		require.Equal(t, "query", req.Method)

		result, rpcErr := handle(req.Params)
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func newTestClient(srv *httptest.Server, pageSize int) *Client {
	return New(Options{Endpoint: srv.URL, PageSize: pageSize, MaxRetries: 0})
}

func rangeOf(params map[string]interface{}) (start, count int) {
	q := asMap(params["query"])
	r := asMap(q["range"])
	start, _ = asInt(r["start"])
	count, _ = asInt(r["count"])
	return start, count
}

func TestQueryPendingTxIDsPaginates(t *testing.T) {
	// Two full pages then a short one; duplicates across pages collapse.
	pages := [][]string{
		{"acc://aa@x.acme", "acc://bb@x.acme"},
		{"acc://bb@x.acme", "acc://cc@x.acme"},
		{"acc://dd@x.acme"},
	}
	srv := newRPCServer(t, func(params map[string]interface{}) (interface{}, *RPCError) {
		start, count := rangeOf(params)
		assert.Equal(t, 2, count)
		idx := start / 2
		var records []interface{}
		if idx < len(pages) {
			for _, id := range pages[idx] {
				records = append(records, map[string]interface{}{"value": id})
			}
		}
		return map[string]interface{}{
			"pending": map[string]interface{}{"records": records, "total": 5},
		}, nil
	})
	defer srv.Close()

	ids, err := newTestClient(srv, 2).QueryPendingTxIDs(context.Background(), "acc://x.acme/book/1")
	require.NoError(t, err)
	assert.Equal(t, []string{"acc://aa@x.acme", "acc://bb@x.acme", "acc://cc@x.acme", "acc://dd@x.acme"}, ids)
}

func TestQueryPendingTxIDsRangeRecordShape(t *testing.T) {
	srv := newRPCServer(t, func(map[string]interface{}) (interface{}, *RPCError) {
		return map[string]interface{}{
			"recordType": "range",
			"records": []interface{}{
				map[string]interface{}{"value": map[string]interface{}{"txID": "acc://11@y.acme"}},
				"acc://22@y.acme",
			},
			"total": 2,
		}, nil
	})
	defer srv.Close()

	ids, err := newTestClient(srv, 10).QueryPendingTxIDs(context.Background(), "acc://y.acme")
	require.NoError(t, err)
	assert.Equal(t, []string{"acc://11@y.acme", "acc://22@y.acme"}, ids)
}

func TestQueryPendingTxIDsPartialOnMidPaginationFailure(t *testing.T) {
	var calls atomic.Int64
	srv := newRPCServer(t, func(params map[string]interface{}) (interface{}, *RPCError) {
		if calls.Add(1) > 1 {
			return nil, &RPCError{Code: -32000, Message: "boom"}
		}
		return map[string]interface{}{
			"pending": map[string]interface{}{
				"records": []interface{}{
					map[string]interface{}{"value": "acc://aa@z.acme"},
					map[string]interface{}{"value": "acc://bb@z.acme"},
				},
				"total": 4,
			},
		}, nil
	})
	defer srv.Close()

	ids, err := newTestClient(srv, 2).QueryPendingTxIDs(context.Background(), "acc://z.acme")
	require.NoError(t, err)
	assert.Equal(t, []string{"acc://aa@z.acme", "acc://bb@z.acme"}, ids)
}

func TestQueryPendingTxIDsFirstPageFailure(t *testing.T) {
	srv := newRPCServer(t, func(map[string]interface{}) (interface{}, *RPCError) {
		return nil, &RPCError{Code: -32000, Message: "no such account"}
	})
	defer srv.Close()

	_, err := newTestClient(srv, 2).QueryPendingTxIDs(context.Background(), "acc://nope.acme")
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32000, rpcErr.Code)
}

func TestQueryKeyBookPageCount(t *testing.T) {
	srv := newRPCServer(t, func(params map[string]interface{}) (interface{}, *RPCError) {
		switch params["scope"] {
		case "acc://foo.acme/book":
			return map[string]interface{}{
				"account": map[string]interface{}{"type": "keyBook", "pageCount": 3},
			}, nil
		case "acc://foo.acme/tokens":
			return map[string]interface{}{
				"account": map[string]interface{}{"type": "tokenAccount"},
			}, nil
		default:
			return map[string]interface{}{}, nil
		}
	})
	defer srv.Close()

	c := newTestClient(srv, 10)
	n, err := c.QueryKeyBookPageCount(context.Background(), "acc://foo.acme/book")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = c.QueryKeyBookPageCount(context.Background(), "acc://foo.acme/tokens")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = c.QueryKeyBookPageCount(context.Background(), "acc://foo.acme/missing")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestQueryKeyPage(t *testing.T) {
	srv := newRPCServer(t, func(params map[string]interface{}) (interface{}, *RPCError) {
		if params["scope"] == "acc://foo.acme/book/1" {
			return map[string]interface{}{
				"account": map[string]interface{}{
					"type":            "keyPage",
					"version":         2,
					"acceptThreshold": 2,
					"keys": []interface{}{
						map[string]interface{}{"publicKeyHash": "0xAABB", "keyType": "ed25519"},
						map[string]interface{}{"delegate": "ACC://Corp.Acme/book/1"},
						map[string]interface{}{"unexpected": true},
					},
				},
			}, nil
		}
		return map[string]interface{}{
			"account": map[string]interface{}{"type": "tokenAccount"},
		}, nil
	})
	defer srv.Close()

	c := newTestClient(srv, 10)
	page, err := c.QueryKeyPage(context.Background(), "acc://foo.acme/book/1")
	require.NoError(t, err)
	require.NotNil(t, page)
	assert.Equal(t, 2, page.Version)
	assert.Equal(t, 2, page.Threshold)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, model.EntryKindKey, page.Entries[0].Kind)
	assert.Equal(t, "aabb", page.Entries[0].PublicKeyHash)
	assert.Equal(t, model.EntryKindDelegate, page.Entries[1].Kind)
	assert.Equal(t, "acc://corp.acme/book/1", page.Entries[1].DelegateURL)

	page, err = c.QueryKeyPage(context.Background(), "acc://foo.acme/tokens")
	require.NoError(t, err)
	assert.Nil(t, page)
}

func TestQueryKeyPageDefaultThreshold(t *testing.T) {
	srv := newRPCServer(t, func(map[string]interface{}) (interface{}, *RPCError) {
		return map[string]interface{}{
			"account": map[string]interface{}{"type": "keyPage", "keys": []interface{}{}},
		}, nil
	})
	defer srv.Close()

	page, err := newTestClient(srv, 10).QueryKeyPage(context.Background(), "acc://foo.acme/book/1")
	require.NoError(t, err)
	require.NotNil(t, page)
	assert.Equal(t, 1, page.Threshold)
}

func TestQueryDirectoryShapes(t *testing.T) {
	srv := newRPCServer(t, func(params map[string]interface{}) (interface{}, *RPCError) {
		q := asMap(params["query"])
		assert.Equal(t, "directory", asString(q["queryType"]))
		return map[string]interface{}{
			"records": []interface{}{
				"acc://foo.acme/tokens",
				map[string]interface{}{"value": "ACC://Foo.Acme/Book"},
				map[string]interface{}{"url": "acc://foo.acme/data"},
				map[string]interface{}{"account": map[string]interface{}{"url": "acc://foo.acme/staking"}},
				map[string]interface{}{"mystery": 1},
			},
			"total": 5,
		}, nil
	})
	defer srv.Close()

	urls, err := newTestClient(srv, 10).QueryDirectory(context.Background(), "acc://foo.acme")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"acc://foo.acme/tokens",
		"acc://foo.acme/book",
		"acc://foo.acme/data",
		"acc://foo.acme/staking",
	}, urls)
}

func TestQuerySignatureChain(t *testing.T) {
	srv := newRPCServer(t, func(params map[string]interface{}) (interface{}, *RPCError) {
		q := asMap(params["query"])
		assert.Equal(t, "chain", asString(q["queryType"]))
		assert.Equal(t, "signature", asString(q["name"]))
		return map[string]interface{}{
			"records": []interface{}{map[string]interface{}{"index": 0}},
			"total":   41,
		}, nil
	})
	defer srv.Close()

	records, total, err := newTestClient(srv, 10).QuerySignatureChain(context.Background(), "acc://foo.acme/book", 0, 1, false)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, 41, total)
}

func TestQueryTransaction(t *testing.T) {
	srv := newRPCServer(t, func(params map[string]interface{}) (interface{}, *RPCError) {
		assert.Equal(t, "acc://AABB@foo.acme/tokens", params["txid"])
		return map[string]interface{}{
			"txid": "acc://AABB@foo.acme/tokens",
			"message": map[string]interface{}{
				"transaction": map[string]interface{}{
					"header": map[string]interface{}{
						"principal": "ACC://Foo.Acme/Tokens",
						"expire":    map[string]interface{}{"atTime": "2026-09-01T00:00:00Z"},
					},
					"body": map[string]interface{}{"type": "sendTokens"},
				},
			},
			"status": map[string]interface{}{"code": 202},
			"signatures": map[string]interface{}{"records": []interface{}{
				map[string]interface{}{"signatures": map[string]interface{}{"records": []interface{}{
					map[string]interface{}{"message": map[string]interface{}{
						"type": "signature",
						"signature": map[string]interface{}{
							"signer":        "acc://bar.acme/book/1",
							"publicKeyHash": "1122",
							"timestamp":     float64(1700000000000001),
						},
					}},
				}}},
			}},
		}, nil
	})
	defer srv.Close()

	tx, err := newTestClient(srv, 10).QueryTransaction(context.Background(), "acc://AABB@foo.acme/tokens")
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, "aabb", tx.Hash)
	assert.Equal(t, "acc://foo.acme/tokens", tx.Principal)
	assert.Equal(t, "sendTokens", tx.Type)
	assert.Equal(t, model.StatusPending, tx.Status)
	require.NotNil(t, tx.ExpiresAt)
	require.Len(t, tx.Signatures, 1)
	assert.Equal(t, "acc://bar.acme/book/1", tx.Signatures[0].Signer)
}

func TestQueryTransactionAbsent(t *testing.T) {
	srv := newRPCServer(t, func(map[string]interface{}) (interface{}, *RPCError) {
		return map[string]interface{}{"status": "unknown"}, nil
	})
	defer srv.Close()

	tx, err := newTestClient(srv, 10).QueryTransaction(context.Background(), "acc://dead@foo.acme")
	require.NoError(t, err)
	assert.Nil(t, tx)
}

func TestAccountExists(t *testing.T) {
	srv := newRPCServer(t, func(params map[string]interface{}) (interface{}, *RPCError) {
		if params["scope"] == "acc://real.acme" {
			return map[string]interface{}{"account": map[string]interface{}{"type": "identity"}}, nil
		}
		return nil, &RPCError{Code: -32807, Message: "account not found"}
	})
	defer srv.Close()

	c := newTestClient(srv, 10)
	ok, err := c.AccountExists(context.Background(), "acc://real.acme")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.AccountExists(context.Background(), "acc://ghost.acme")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCallRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0", "id": 1,
			"result": map[string]interface{}{"account": map[string]interface{}{"type": "identity"}},
		})
	}))
	defer srv.Close()

	c := New(Options{Endpoint: srv.URL, MaxRetries: 2})
	c.retryCfg.Sleep = func(context.Context, time.Duration) error { return nil }

	ok, err := c.AccountExists(context.Background(), "acc://real.acme")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(2), calls.Load())
}
