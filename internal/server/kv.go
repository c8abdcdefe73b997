package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/sirupsen/logrus"

	"github.com/ASHISH26940/atomicdict/internal/retry"
	"github.com/ASHISH26940/atomicdict/internal/store"
)

const mergePatchType = "application/merge-patch+json"

// requestError carries an HTTP status out of a retry.Run body.
type requestError struct {
	code int
	err  error
}

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func badRequest(format string, args ...any) error {
	return &requestError{code: http.StatusBadRequest, err: fmt.Errorf(format, args...)}
}

// writeError maps errors from the store and the retry runner onto HTTP.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		http.Error(w, reqErr.Error(), reqErr.code)
	case store.IsConflict(err):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, store.ErrTxDone):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.logger.WithError(err).Error("request failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// handleGet serves a single key from the current snapshot.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	value, ok := s.store.Lookup(key)
	if !ok {
		http.Error(w, "Key not found", http.StatusNotFound)
		return
	}
	writeRaw(w, value)
}

// handleSet publishes a new value for one key.
func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	value, ok := decodeSetRequest(r)
	if !ok {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	s.store.Set(key, value)
	s.logger.WithField("key", key).Debug("applied set")
	w.WriteHeader(http.StatusCreated)
}

// handleDelete removes a key and returns its previous value.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	prev := s.store.Pop(key, nil)
	if prev == nil {
		http.Error(w, "Key not found", http.StatusNotFound)
		return
	}
	s.logger.WithField("key", key).Debug("applied delete")
	writeRaw(w, prev)
}

// handlePatch applies an RFC 6902 JSON patch, or an RFC 7386 merge patch when
// the content type asks for one, to the value under key.
func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	body, err := readBody(r)
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	var apply func(doc []byte) ([]byte, error)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == mergePatchType {
		apply = func(doc []byte) ([]byte, error) { return jsonpatch.MergePatch(doc, body) }
	} else {
		patch, err := jsonpatch.DecodePatch(body)
		if err != nil {
			http.Error(w, "Invalid JSON patch: "+err.Error(), http.StatusBadRequest)
			return
		}
		apply = patch.Apply
	}

	patched, err := retry.Run(r.Context(), s.store, func(tx *Tx) (json.RawMessage, error) {
		doc, ok := tx.Lookup(key)
		if !ok {
			return nil, &requestError{code: http.StatusNotFound, err: errors.New("Key not found")}
		}
		out, err := apply(doc)
		if err != nil {
			return nil, badRequest("patch failed: %v", err)
		}
		return out, tx.Set(key, out)
	}, s.retryOpts...)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.logger.WithField("key", key).Debug("applied patch")
	writeRaw(w, patched)
}

// BatchRequest is applied by a single AtomicWriteRead.
type BatchRequest struct {
	Write  map[string]json.RawMessage `json:"write"`
	Read   []string                   `json:"read"`
	Remove []string                   `json:"remove"`
}

// ValuesResponse lists values by key; absent keys are null.
type ValuesResponse struct {
	Values map[string]json.RawMessage `json:"values"`
}

// handleBatch writes, removes and reads in one publication. The values read
// are the ones from before the batch was applied.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	values := s.store.AtomicWriteRead(req.Write, req.Read, req.Remove, nil)
	s.logger.WithFields(logrus.Fields{
		"writes":  len(req.Write),
		"removes": len(req.Remove),
	}).Debug("applied batch")
	writeJSON(w, http.StatusOK, ValuesResponse{Values: values})
}

// ReadRequest names the keys of a wait-free read.
type ReadRequest struct {
	Keys []string `json:"keys"`
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	var req ReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, ValuesResponse{Values: s.store.AtomicWaitFreeRead(req.Keys, nil)})
}

// SnapshotResponse is a full copy of one published snapshot.
type SnapshotResponse struct {
	Version uint64                     `json:"version"`
	Data    map[string]json.RawMessage `json:"data"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Snapshot()
	writeJSON(w, http.StatusOK, SnapshotResponse{Version: snap.Version(), Data: snap.Copy()})
}

// StatsResponse describes the current snapshot and open sessions.
type StatsResponse struct {
	Version          uint64 `json:"version"`
	Len              int    `json:"len"`
	OpenTransactions int    `json:"open_transactions"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Snapshot()
	writeJSON(w, http.StatusOK, StatsResponse{
		Version:          snap.Version(),
		Len:              snap.Len(),
		OpenTransactions: s.sessions.Len(),
	})
}

// UpdateRequest maps keys to expressions computing their new value.
// Each expression sees `key`, `exists` and `value` (the decoded current value,
// or nil when the key is absent).
type UpdateRequest struct {
	Updates map[string]string `json:"updates"`
}

// UpdateResponse holds the committed values and the version they were published at.
type UpdateResponse struct {
	Version uint64                     `json:"version"`
	Values  map[string]json.RawMessage `json:"values"`
}

// handleUpdate evaluates every expression against one transaction and
// commits them together, retrying on conflict.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Updates) == 0 {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	programs := make(map[string]*vm.Program, len(req.Updates))
	for key, src := range req.Updates {
		prg, err := expr.Compile(src)
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid expression for %q: %v", key, err), http.StatusBadRequest)
			return
		}
		programs[key] = prg
	}

	resp, err := retry.Run(r.Context(), s.store, func(tx *Tx) (UpdateResponse, error) {
		values := make(map[string]json.RawMessage, len(programs))
		for key, prg := range programs {
			env := map[string]any{"key": key, "exists": false, "value": nil}
			if raw, ok := tx.Lookup(key); ok {
				var current any
				if err := json.Unmarshal(raw, &current); err != nil {
					return UpdateResponse{}, err
				}
				env["exists"] = true
				env["value"] = current
			}

			out, err := expr.Run(prg, env)
			if err != nil {
				return UpdateResponse{}, badRequest("evaluate %q: %v", key, err)
			}
			encoded, err := json.Marshal(out)
			if err != nil {
				return UpdateResponse{}, badRequest("encode %q: %v", key, err)
			}
			if err := tx.Set(key, encoded); err != nil {
				return UpdateResponse{}, err
			}
			values[key] = encoded
		}
		return UpdateResponse{Version: tx.Version() + 1, Values: values}, nil
	}, s.retryOpts...)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.logger.WithFields(logrus.Fields{
		"keys":    len(resp.Values),
		"version": resp.Version,
	}).Debug("applied update")
	writeJSON(w, http.StatusOK, resp)
}
