// Package server handles the HTTP API for the key-value store.
package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/ASHISH26940/atomicdict/internal/monitoring"
	"github.com/ASHISH26940/atomicdict/internal/retry"
	"github.com/ASHISH26940/atomicdict/internal/store"
	"github.com/ASHISH26940/atomicdict/internal/transaction"
)

// Values are stored as raw JSON documents.
type (
	Store    = store.Store[string, json.RawMessage]
	Tx       = store.Tx[string, json.RawMessage]
	Sessions = transaction.Manager[string, json.RawMessage]
)

// Option configures a Server.
type Option func(*Server)

func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics counts requests on m and serves g on /metrics.
func WithMetrics(m *monitoring.Metrics, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = g
	}
}

// WithRetryOptions sets the policy used by endpoints that run under retry.Run.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(s *Server) { s.retryOpts = opts }
}

// Server is the HTTP server for our key-value store.
type Server struct {
	store     *Store
	sessions  *Sessions
	logger    logrus.FieldLogger
	metrics   *monitoring.Metrics
	gatherer  prometheus.Gatherer
	retryOpts []retry.Option
	router    *http.ServeMux
}

// New creates a new Server instance.
func New(st *Store, opts ...Option) *Server {
	s := &Server{
		store:  st,
		logger: logrus.StandardLogger(),
		router: http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sessions = transaction.NewManager(st, s.metrics)
	s.retryOpts = append([]retry.Option{retry.WithLogger(s.logger), retry.WithMetrics(s.metrics)}, s.retryOpts...)
	s.registerRoutes()
	return s
}

// Sessions exposes the transaction sessions opened over HTTP.
func (s *Server) Sessions() *Sessions { return s.sessions }

// ServeHTTP makes our Server a standard http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m := httpsnoop.CaptureMetrics(s.router, w, r)
	route := r.Pattern
	if route == "" {
		route = "unmatched"
	}
	s.metrics.ObserveRequest(route, m.Code)
	s.logger.WithFields(logrus.Fields{
		"method":   r.Method,
		"path":     r.URL.Path,
		"code":     m.Code,
		"duration": m.Duration,
	}).Debug("handled request")
}

// registerRoutes sets up the HTTP routing for the server.
func (s *Server) registerRoutes() {
	s.router.HandleFunc("GET /kv/{key...}", s.handleGet)
	s.router.HandleFunc("PUT /kv/{key...}", s.handleSet)
	s.router.HandleFunc("POST /kv/{key...}", s.handleSet)
	s.router.HandleFunc("DELETE /kv/{key...}", s.handleDelete)
	s.router.HandleFunc("PATCH /kv/{key...}", s.handlePatch)

	s.router.HandleFunc("POST /batch", s.handleBatch)
	s.router.HandleFunc("POST /read", s.handleRead)
	s.router.HandleFunc("POST /update", s.handleUpdate)
	s.router.HandleFunc("GET /snapshot", s.handleSnapshot)
	s.router.HandleFunc("GET /stats", s.handleStats)

	s.router.HandleFunc("POST /tx", s.handleTxBegin)
	s.router.HandleFunc("GET /tx/{id}/kv/{key...}", s.handleTxGet)
	s.router.HandleFunc("PUT /tx/{id}/kv/{key...}", s.handleTxSet)
	s.router.HandleFunc("DELETE /tx/{id}/kv/{key...}", s.handleTxDelete)
	s.router.HandleFunc("POST /tx/{id}/commit", s.handleTxCommit)
	s.router.HandleFunc("POST /tx/{id}/abort", s.handleTxAbort)

	s.router.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if s.gatherer != nil {
		s.router.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeRaw sends a stored document. Published values are shared, so they are
// written as-is and never appended to.
func writeRaw(w http.ResponseWriter, value json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(value)
	io.WriteString(w, "\n")
}

const maxBodySize = 1 << 20

func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxBodySize))
}

func pathKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := r.PathValue("key")
	if key == "" {
		http.Error(w, "Key is missing", http.StatusBadRequest)
		return "", false
	}
	return key, true
}

// SetRequest is the body of a write to a single key.
type SetRequest struct {
	Value json.RawMessage `json:"value"`
}

func decodeSetRequest(r *http.Request) (json.RawMessage, bool) {
	var req SetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, false
	}
	if len(req.Value) == 0 {
		return nil, false
	}
	return req.Value, true
}
