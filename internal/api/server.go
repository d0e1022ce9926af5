package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"txflow/internal/epoch"
	"txflow/internal/misbehavior"
	"txflow/internal/txflow"
)

const (
	// maxPayloadSize is the maximum proposal payload size in bytes.
	maxPayloadSize = 1 << 20 // 1 MB

	// maxViolationsPerRequest bounds how many violations one GET drains.
	maxViolationsPerRequest = 1000
)

// Proposer builds, admits and broadcasts a message carrying payload.
type Proposer interface {
	Propose(payload []byte) (*txflow.Message, error)
}

// StatusProvider exposes node progress for monitoring.
type StatusProvider interface {
	CurrentEpoch() uint64
	Orphans() int
}

// MessageSource reads admitted messages.
type MessageSource interface {
	Get(h txflow.Hash) *txflow.Message
	Len() int
	Tips() []txflow.Hash
}

// EpochSource reads per-epoch consensus outcomes.
type EpochSource interface {
	Status(e uint64) epoch.State
	Representative(e uint64) (*txflow.Message, bool)
	Certificate(e uint64) (*epoch.Certificate, bool)
}

// ViolationSource yields reported violations, most recent first. Each
// violation is returned once.
type ViolationSource interface {
	Next() (misbehavior.Violation, bool)
}

// Config holds the configuration for a Server.
type Config struct {
	Addr       string          // Addr is the HTTP listen address
	Proposer   Proposer        // Proposer accepts payloads (optional)
	Status     StatusProvider  // Status provides node progress (optional)
	Messages   MessageSource   // Messages reads the DAG (optional)
	Epochs     EpochSource     // Epochs reads epoch outcomes (optional)
	Violations ViolationSource // Violations drains reported violations (optional)
	Metrics    http.Handler    // Metrics serves /metrics (optional)
	Logger     *slog.Logger    // Logger defaults to slog.Default()
}

// Server is the operator HTTP API.
type Server struct {
	cfg    Config
	log    *slog.Logger
	server *http.Server // server is the underlying HTTP server
}

// New creates a new HTTP API server.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Server{cfg: cfg, log: log}
}

// Handler returns the routing mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /messages", s.handlePropose)
	mux.HandleFunc("GET /messages/{hash}", s.handleGetMessage)
	mux.HandleFunc("GET /epochs/{epoch}", s.handleGetEpoch)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /violations", s.handleViolations)

	if s.cfg.Metrics != nil {
		mux.Handle("GET /metrics", s.cfg.Metrics)
	}

	return mux
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		s.log.Info("http api started", "addr", s.cfg.Addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.log.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handlePropose handles POST /messages requests.
func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Proposer == nil {
		writeError(w, http.StatusServiceUnavailable, "proposing not available")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if len(body) > maxPayloadSize {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	m, err := s.cfg.Proposer.Propose(body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.log.Debug("payload proposed", "hash", m.Hash, "epoch", m.Epoch)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"hash":  m.Hash.Hex(),
		"epoch": m.Epoch,
	})
}

// handleGetMessage handles GET /messages/{hash} requests.
func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Messages == nil {
		writeError(w, http.StatusServiceUnavailable, "dag not available")
		return
	}

	h, err := txflow.ParseHash(r.PathValue("hash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid hash")
		return
	}

	m := s.cfg.Messages.Get(h)
	if m == nil {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}

	writeJSON(w, http.StatusOK, messageView(m))
}

// handleGetEpoch handles GET /epochs/{epoch} requests.
func (s *Server) handleGetEpoch(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Epochs == nil {
		writeError(w, http.StatusServiceUnavailable, "epochs not available")
		return
	}

	e, err := strconv.ParseUint(r.PathValue("epoch"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid epoch")
		return
	}

	resp := map[string]any{
		"epoch": e,
		"state": s.cfg.Epochs.Status(e).String(),
	}

	if rep, ok := s.cfg.Epochs.Representative(e); ok {
		resp["representative"] = rep.Hash.Hex()
	}

	if c, ok := s.cfg.Epochs.Certificate(e); ok {
		resp["certificate"] = map[string]any{
			"signers":   c.Signers.Indices(),
			"weight":    c.Weight,
			"signature": hex.EncodeToString(c.Signature),
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Status == nil {
		writeError(w, http.StatusServiceUnavailable, "status not available")
		return
	}

	resp := map[string]any{
		"epoch":   s.cfg.Status.CurrentEpoch(),
		"orphans": s.cfg.Status.Orphans(),
	}

	if s.cfg.Messages != nil {
		tips := s.cfg.Messages.Tips()
		hexTips := make([]string, len(tips))
		for i, t := range tips {
			hexTips[i] = t.Hex()
		}

		resp["messages"] = s.cfg.Messages.Len()
		resp["tips"] = hexTips
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleViolations handles GET /violations requests. Returned violations
// are removed from the source.
func (s *Server) handleViolations(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Violations == nil {
		writeError(w, http.StatusServiceUnavailable, "violations not available")
		return
	}

	out := make([]map[string]any, 0)
	for len(out) < maxViolationsPerRequest {
		v, ok := s.cfg.Violations.Next()
		if !ok {
			break
		}

		hashes := v.Hashes()
		evidence := make([]string, len(hashes))
		for i, h := range hashes {
			evidence[i] = h.Hex()
		}

		out = append(out, map[string]any{
			"kind":     v.Kind.String(),
			"evidence": evidence,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"violations": out,
	})
}

// messageView converts a message to its JSON representation.
func messageView(m *txflow.Message) map[string]any {
	parents := make([]string, len(m.Parents))
	for i, p := range m.Parents {
		parents[i] = p.Hex()
	}

	return map[string]any{
		"hash":    m.Hash.Hex(),
		"epoch":   m.Epoch,
		"author":  m.Author.Hex(),
		"parents": parents,
		"payload": hex.EncodeToString(m.Payload),
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
