// Package server_test contains the unit tests for the server package.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ASHISH26940/atomicdict/internal/monitoring"
	"github.com/ASHISH26940/atomicdict/internal/store"
)

func newTestServer(t *testing.T, initial map[string]json.RawMessage) (*Server, *Store) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	reg := prometheus.NewRegistry()
	m := monitoring.NewMetrics(reg)
	st := store.New(initial, store.WithMetrics(m))
	return New(st, WithLogger(logger), WithMetrics(m, reg)), st
}

func do(srv http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestKVHandlers(t *testing.T) {
	srv, st := newTestServer(t, nil)

	// --- Test Case 1: Set a new key ---
	rr := do(srv, http.MethodPost, "/kv/foo", `{"value":"bar"}`)
	if rr.Code != http.StatusCreated {
		t.Errorf("expected status %d, got %d", http.StatusCreated, rr.Code)
	}
	if val, ok := st.Lookup("foo"); !ok || string(val) != `"bar"` {
		t.Errorf("expected key 'foo' to be set to 'bar', but it was not")
	}

	// --- Test Case 2: Get the key ---
	rr = do(srv, http.MethodGet, "/kv/foo", "")
	if rr.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	if strings.TrimSpace(rr.Body.String()) != `"bar"` {
		t.Errorf("expected body to be '\"bar\"', but got '%s'", rr.Body.String())
	}

	// --- Test Case 3: Get a non-existent key ---
	rr = do(srv, http.MethodGet, "/kv/baz", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, rr.Code)
	}

	// --- Test Case 4: Keys may contain slashes ---
	rr = do(srv, http.MethodPut, "/kv/a/b/c", `{"value":{"n":1}}`)
	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.JSONEq(t, `{"n":1}`, do(srv, http.MethodGet, "/kv/a/b/c", "").Body.String())

	// --- Test Case 5: Invalid bodies and missing keys ---
	assert.Equal(t, http.StatusBadRequest, do(srv, http.MethodPost, "/kv/foo", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(srv, http.MethodPost, "/kv/foo", `nope`).Code)
	assert.Equal(t, http.StatusBadRequest, do(srv, http.MethodGet, "/kv/", "").Code)

	// --- Test Case 6: Delete the key ---
	rr = do(srv, http.MethodDelete, "/kv/foo", "")
	if rr.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	assert.Equal(t, `"bar"`, strings.TrimSpace(rr.Body.String()))
	if _, ok := st.Lookup("foo"); ok {
		t.Error("expected key 'foo' to be deleted, but it still exists")
	}
	assert.Equal(t, http.StatusNotFound, do(srv, http.MethodDelete, "/kv/foo", "").Code)
}

func TestBatchAndRead(t *testing.T) {
	srv, st := newTestServer(t, map[string]json.RawMessage{
		"a": json.RawMessage(`1`),
		"b": json.RawMessage(`2`),
	})

	rr := do(srv, http.MethodPost, "/batch", `{"write":{"a":3,"c":4},"read":["a","b","c"],"remove":["b"]}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"values":{"a":1,"b":2,"c":null}}`, rr.Body.String())
	assert.Equal(t, uint64(1), st.Version())

	rr = do(srv, http.MethodPost, "/read", `{"keys":["a","b","c"]}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"values":{"a":3,"b":null,"c":4}}`, rr.Body.String())

	snap := decode[SnapshotResponse](t, do(srv, http.MethodGet, "/snapshot", ""))
	assert.Equal(t, uint64(1), snap.Version)
	assert.Len(t, snap.Data, 2)

	stats := decode[StatsResponse](t, do(srv, http.MethodGet, "/stats", ""))
	assert.Equal(t, StatsResponse{Version: 1, Len: 2}, stats)

	assert.Equal(t, http.StatusBadRequest, do(srv, http.MethodPost, "/batch", `[`).Code)
}

func TestPatch(t *testing.T) {
	srv, st := newTestServer(t, map[string]json.RawMessage{
		"doc": json.RawMessage(`{"name":"a","tags":["x"]}`),
	})

	rr := do(srv, http.MethodPatch, "/kv/doc", `[{"op":"add","path":"/tags/-","value":"y"}]`,
		"Content-Type", "application/json-patch+json")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"name":"a","tags":["x","y"]}`, rr.Body.String())

	rr = do(srv, http.MethodPatch, "/kv/doc", `{"name":null,"size":3}`, "Content-Type", "application/merge-patch+json")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"tags":["x","y"],"size":3}`, rr.Body.String())
	assert.Equal(t, uint64(2), st.Version())

	// A failing test op is a client error and publishes nothing.
	rr = do(srv, http.MethodPatch, "/kv/doc", `[{"op":"test","path":"/size","value":4}]`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, http.StatusNotFound, do(srv, http.MethodPatch, "/kv/missing", `[]`).Code)
	assert.Equal(t, http.StatusBadRequest, do(srv, http.MethodPatch, "/kv/doc", `{`).Code)
	assert.Equal(t, uint64(2), st.Version())
}

func TestUpdate(t *testing.T) {
	srv, st := newTestServer(t, map[string]json.RawMessage{"counter": json.RawMessage(`41`)})

	rr := do(srv, http.MethodPost, "/update", `{"updates":{"counter":"value + 1","seen":"exists ? value + 1 : 1"}}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decode[UpdateResponse](t, rr)
	assert.Equal(t, uint64(1), resp.Version)
	assert.JSONEq(t, `42`, string(resp.Values["counter"]))
	assert.JSONEq(t, `1`, string(resp.Values["seen"]))
	assert.Equal(t, uint64(1), st.Version())

	assert.Equal(t, http.StatusBadRequest, do(srv, http.MethodPost, "/update", `{"updates":{"x":"1 +"}}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(srv, http.MethodPost, "/update", `{"updates":{}}`).Code)
	assert.Equal(t, uint64(1), st.Version())
}

// TestUpdate_Concurrent drives /update from many goroutines at once; the
// retry runner must not lose any increment.
func TestUpdate_Concurrent(t *testing.T) {
	srv, st := newTestServer(t, nil)
	const workers, increments = 8, 25

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < increments; j++ {
				rr := do(srv, http.MethodPost, "/update", `{"updates":{"n":"exists ? value + 1 : 1"}}`)
				if rr.Code != http.StatusOK {
					t.Errorf("update failed: %d %s", rr.Code, rr.Body.String())
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.JSONEq(t, fmt.Sprint(workers*increments), string(st.Get("n", nil)))
}

func TestTransactionSessions(t *testing.T) {
	srv, st := newTestServer(t, map[string]json.RawMessage{"a": json.RawMessage(`1`)})

	// 1. Begin and stage writes
	begin := decode[BeginResponse](t, do(srv, http.MethodPost, "/tx", ""))
	require.NotEmpty(t, begin.ID)
	assert.Equal(t, uint64(0), begin.Version)

	base := "/tx/" + begin.ID
	assert.Equal(t, http.StatusCreated, do(srv, http.MethodPut, base+"/kv/b", `{"value":2}`).Code)
	assert.Equal(t, http.StatusOK, do(srv, http.MethodDelete, base+"/kv/a", "").Code)
	assert.Equal(t, "2", strings.TrimSpace(do(srv, http.MethodGet, base+"/kv/b", "").Body.String()))
	assert.Equal(t, http.StatusNotFound, do(srv, http.MethodGet, base+"/kv/a", "").Code)

	// 2. Nothing is visible before commit
	assert.Equal(t, http.StatusNotFound, do(srv, http.MethodGet, "/kv/b", "").Code)
	assert.Equal(t, 1, decode[StatsResponse](t, do(srv, http.MethodGet, "/stats", "")).OpenTransactions)

	// 3. Commit publishes everything at once
	rr := do(srv, http.MethodPost, base+"/commit", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, CommitResponse{ID: begin.ID, Committed: true, Version: 1}, decode[CommitResponse](t, rr))
	assert.False(t, st.Contains("a"))
	assert.True(t, st.Contains("b"))

	// 4. The session is gone
	assert.Equal(t, http.StatusNotFound, do(srv, http.MethodPost, base+"/commit", "").Code)
	assert.Equal(t, http.StatusNotFound, do(srv, http.MethodGet, "/tx/nope/kv/a", "").Code)
}

func TestTransactionSessions_Conflict(t *testing.T) {
	srv, st := newTestServer(t, nil)

	begin := decode[BeginResponse](t, do(srv, http.MethodPost, "/tx", ""))
	base := "/tx/" + begin.ID
	require.Equal(t, http.StatusCreated, do(srv, http.MethodPut, base+"/kv/k", `{"value":"tx"}`).Code)

	// A concurrent write advances the version.
	require.Equal(t, http.StatusCreated, do(srv, http.MethodPut, "/kv/k", `{"value":"direct"}`).Code)

	rr := do(srv, http.MethodPost, base+"/commit", "")
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Contains(t, rr.Body.String(), "Expected version: 0 - Actual version: 1")
	assert.Equal(t, `"direct"`, string(st.Get("k", nil)))
	assert.Equal(t, 0, srv.Sessions().Len())
}

func TestTransactionSessions_Abort(t *testing.T) {
	srv, st := newTestServer(t, nil)

	begin := decode[BeginResponse](t, do(srv, http.MethodPost, "/tx", ""))
	base := "/tx/" + begin.ID
	require.Equal(t, http.StatusCreated, do(srv, http.MethodPut, base+"/kv/k", `{"value":1}`).Code)

	rr := do(srv, http.MethodPost, base+"/abort?reason=changed+my+mind", "")
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[CommitResponse](t, rr)
	assert.False(t, resp.Committed)
	assert.Contains(t, resp.Reason, "Transaction aborted by user: changed my mind")
	assert.Equal(t, uint64(0), st.Version())
	assert.Equal(t, 0, srv.Sessions().Len())
}

func TestMetricsAndHealth(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	assert.Equal(t, http.StatusOK, do(srv, http.MethodGet, "/healthz", "").Code)
	do(srv, http.MethodPost, "/kv/x", `{"value":1}`)

	rr := do(srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, `atomicdict_publications_total{op="write"} 1`)
	assert.Contains(t, body, `atomicdict_http_requests_total{code="201",route="POST /kv/{key...}"} 1`)
}

func TestServer_DebugLogging(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	srv := New(store.New[string, json.RawMessage](nil), WithLogger(logger))

	do(srv, http.MethodPut, "/kv/x", `{"value":1}`)
	require.NotEmpty(t, hook.AllEntries())
	last := hook.LastEntry()
	assert.Equal(t, "handled request", last.Message)
	assert.Equal(t, http.StatusCreated, last.Data["code"])
}
