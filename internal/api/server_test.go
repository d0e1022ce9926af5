package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"txflow/internal/aggregation"
	"txflow/internal/epoch"
	"txflow/internal/misbehavior"
	"txflow/internal/txflow"
)

// mockProposer records proposed payloads.
type mockProposer struct {
	payloads [][]byte
	err      error
}

func (m *mockProposer) Propose(payload []byte) (*txflow.Message, error) {
	if m.err != nil {
		return nil, m.err
	}

	m.payloads = append(m.payloads, payload)

	msg := txflow.NewMessage(3, txflow.Hash{1}, nil, payload)
	msg.Hash = txflow.Hash{0xaa}

	return msg, nil
}

type mockStatus struct {
	epoch   uint64
	orphans int
}

func (m *mockStatus) CurrentEpoch() uint64 { return m.epoch }
func (m *mockStatus) Orphans() int         { return m.orphans }

// mockMessages is an in-memory message source.
type mockMessages map[txflow.Hash]*txflow.Message

func (m mockMessages) Get(h txflow.Hash) *txflow.Message { return m[h] }
func (m mockMessages) Len() int                          { return len(m) }

func (m mockMessages) Tips() []txflow.Hash {
	var out []txflow.Hash
	for h := range m {
		out = append(out, h)
	}
	return out
}

type mockEpochs struct {
	state epoch.State
	rep   *txflow.Message
	cert  *epoch.Certificate
}

func (m *mockEpochs) Status(uint64) epoch.State { return m.state }

func (m *mockEpochs) Representative(uint64) (*txflow.Message, bool) {
	return m.rep, m.rep != nil
}

func (m *mockEpochs) Certificate(uint64) (*epoch.Certificate, bool) {
	return m.cert, m.cert != nil
}

// newTestServer creates a server with a discarded logger.
func newTestServer(cfg Config) *Server {
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg)
}

// do runs a request through the server mux and decodes the JSON body.
func do(t *testing.T, s *Server, method, path string, body []byte) (int, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	w := httptest.NewRecorder()

	s.Handler().ServeHTTP(w, req)

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response %q: %v", w.Body.String(), err)
	}

	return w.Code, resp
}

func TestHealthEndpoint(t *testing.T) {
	code, resp := do(t, newTestServer(Config{}), "GET", "/health", nil)

	if code != http.StatusOK {
		t.Errorf("expected status 200, got %d", code)
	}

	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %v", resp["status"])
	}
}

func TestPropose_Success(t *testing.T) {
	p := &mockProposer{}
	s := newTestServer(Config{Proposer: p})

	code, resp := do(t, s, "POST", "/messages", []byte("hello"))

	if code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", code)
	}

	if len(p.payloads) != 1 || string(p.payloads[0]) != "hello" {
		t.Errorf("payload not forwarded: %q", p.payloads)
	}

	if resp["hash"] != (txflow.Hash{0xaa}).Hex() {
		t.Errorf("unexpected hash %v", resp["hash"])
	}

	if resp["epoch"] != float64(3) {
		t.Errorf("unexpected epoch %v", resp["epoch"])
	}
}

func TestPropose_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		body []byte
		want int
	}{
		{"no proposer", Config{}, []byte("x"), http.StatusServiceUnavailable},
		{"too large", Config{Proposer: &mockProposer{}}, make([]byte, maxPayloadSize+1), http.StatusRequestEntityTooLarge},
		{"propose fails", Config{Proposer: &mockProposer{err: errors.New("boom")}}, []byte("x"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := do(t, newTestServer(tt.cfg), "POST", "/messages", tt.body)

			if code != tt.want {
				t.Errorf("expected status %d, got %d", tt.want, code)
			}

			if resp["error"] == nil {
				t.Error("expected error field")
			}
		})
	}
}

func TestGetMessage(t *testing.T) {
	m := txflow.NewMessage(2, txflow.Hash{7}, []txflow.Hash{{1}, {2}}, []byte{0xca, 0xfe})
	m.Hash = txflow.Hash{9}

	s := newTestServer(Config{Messages: mockMessages{m.Hash: m}})

	code, resp := do(t, s, "GET", "/messages/"+m.Hash.Hex(), nil)
	if code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", code)
	}

	if resp["payload"] != "cafe" {
		t.Errorf("unexpected payload %v", resp["payload"])
	}

	if parents, _ := resp["parents"].([]any); len(parents) != 2 {
		t.Errorf("expected 2 parents, got %v", resp["parents"])
	}

	if code, _ := do(t, s, "GET", "/messages/"+(txflow.Hash{8}).Hex(), nil); code != http.StatusNotFound {
		t.Errorf("unknown hash: expected 404, got %d", code)
	}

	if code, _ := do(t, s, "GET", "/messages/abcd", nil); code != http.StatusBadRequest {
		t.Errorf("short hash: expected 400, got %d", code)
	}
}

func TestGetEpoch_Endorsed(t *testing.T) {
	rep := txflow.NewMessage(4, txflow.Hash{1}, nil, nil)
	rep.Hash = txflow.Hash{5}

	signers := aggregation.NewBitmap(4)
	signers.Set(0)
	signers.Set(2)

	s := newTestServer(Config{Epochs: &mockEpochs{
		state: epoch.Endorsed,
		rep:   rep,
		cert:  &epoch.Certificate{Epoch: 4, Representative: rep.Hash, Signers: signers, Weight: 2},
	}})

	code, resp := do(t, s, "GET", "/epochs/4", nil)
	if code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", code)
	}

	if resp["state"] != epoch.Endorsed.String() {
		t.Errorf("unexpected state %v", resp["state"])
	}

	if resp["representative"] != rep.Hash.Hex() {
		t.Errorf("unexpected representative %v", resp["representative"])
	}

	cert, ok := resp["certificate"].(map[string]any)
	if !ok {
		t.Fatalf("missing certificate: %v", resp)
	}

	if cert["weight"] != float64(2) {
		t.Errorf("unexpected weight %v", cert["weight"])
	}
}

func TestGetEpoch_Collecting(t *testing.T) {
	s := newTestServer(Config{Epochs: &mockEpochs{state: epoch.Collecting}})

	_, resp := do(t, s, "GET", "/epochs/1", nil)

	if _, ok := resp["representative"]; ok {
		t.Error("collecting epoch should have no representative")
	}

	if _, ok := resp["certificate"]; ok {
		t.Error("collecting epoch should have no certificate")
	}

	if code, _ := do(t, s, "GET", "/epochs/x", nil); code != http.StatusBadRequest {
		t.Errorf("invalid epoch: expected 400, got %d", code)
	}
}

func TestStatus_Success(t *testing.T) {
	m := &txflow.Message{Hash: txflow.Hash{3}}
	s := newTestServer(Config{
		Status:   &mockStatus{epoch: 6, orphans: 2},
		Messages: mockMessages{m.Hash: m},
	})

	code, resp := do(t, s, "GET", "/status", nil)
	if code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", code)
	}

	if resp["epoch"] != float64(6) || resp["orphans"] != float64(2) || resp["messages"] != float64(1) {
		t.Errorf("unexpected status %v", resp)
	}
}

func TestStatus_NilProvider(t *testing.T) {
	code, _ := do(t, newTestServer(Config{}), "GET", "/status", nil)

	if code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", code)
	}
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "txflow_dag_admitted_total 1\n")
	})

	s := newTestServer(Config{Metrics: metrics})

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte("admitted_total")) {
		t.Errorf("metrics not served: %d %q", w.Code, w.Body.String())
	}
}

func TestViolationsDrainMostRecentFirst(t *testing.T) {
	rec := misbehavior.NewRecorder()
	rec.Report(misbehavior.NewBadEpoch(txflow.Hash{1}))
	rec.Report(misbehavior.NewForkAttempt(txflow.Hash{2}, txflow.Hash{3}))

	s := newTestServer(Config{Violations: rec})

	code, resp := do(t, s, "GET", "/violations", nil)
	if code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", code)
	}

	got, _ := resp["violations"].([]any)
	if len(got) != 2 {
		t.Fatalf("expected 2 violations, got %v", resp["violations"])
	}

	first := got[0].(map[string]any)
	if first["kind"] != "ForkAttempt" || len(first["evidence"].([]any)) != 2 {
		t.Errorf("first violation: %v", first)
	}

	second := got[1].(map[string]any)
	if second["kind"] != "BadEpoch" || second["evidence"].([]any)[0] != (txflow.Hash{1}).Hex() {
		t.Errorf("second violation: %v", second)
	}

	if rec.Len() != 0 {
		t.Errorf("recorder still holds %d violations", rec.Len())
	}

	_, resp = do(t, s, "GET", "/violations", nil)
	if got, _ := resp["violations"].([]any); len(got) != 0 {
		t.Errorf("second drain: %v", got)
	}
}

func TestViolations_NilSource(t *testing.T) {
	code, _ := do(t, newTestServer(Config{}), "GET", "/violations", nil)

	if code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", code)
	}
}
