package misbehavior

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"txflow/internal/txflow"
)

// sampleViolations returns one violation of every kind.
func sampleViolations() []Violation {
	return []Violation{
		NewBadEpoch(txflow.Hash{0x01}),
		NewMissingEndorsement(txflow.Hash{0x02}),
		NewInvalidEndorsement(txflow.Hash{0x03}),
		NewForkAttempt(txflow.Hash{0x04}, txflow.Hash{0x05}),
		NewInvalidSignature(txflow.Hash{0x06}),
	}
}

func TestRecorderLIFO(t *testing.T) {
	r := NewRecorder()
	reported := sampleViolations()

	for _, v := range reported {
		r.Report(v)
	}

	for i := len(reported) - 1; i >= 0; i-- {
		got, ok := r.Next()
		if !ok {
			t.Fatalf("Next returned nothing at step %d", i)
		}
		if got != reported[i] {
			t.Errorf("step %d: got %v, want %v", i, got, reported[i])
		}
	}

	if _, ok := r.Next(); ok {
		t.Error("Next on exhausted recorder should return nothing")
	}
}

func TestRecorderKeepsDuplicates(t *testing.T) {
	r := NewRecorder()
	v := NewInvalidSignature(txflow.Hash{0x07})

	r.Report(v)
	r.Report(v)

	if r.Len() != 2 {
		t.Errorf("len: got %d, want 2", r.Len())
	}
}

func TestRecorderEmpty(t *testing.T) {
	if _, ok := NewRecorder().Next(); ok {
		t.Error("new recorder should be empty")
	}
}

func TestRecorderConcurrentReports(t *testing.T) {
	r := NewRecorder()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Report(NewBadEpoch(txflow.Hash{byte(i)}))
		}(i)
	}
	wg.Wait()

	if got := len(Drain(r)); got != 50 {
		t.Errorf("drained %d violations, want 50", got)
	}
}

func TestNoopDiscards(t *testing.T) {
	var r Reporter = NewNoop()

	for _, v := range sampleViolations() {
		r.Report(v)
	}

	for i := 0; i < 3; i++ {
		if _, ok := r.Next(); ok {
			t.Fatal("noop reporter should never return a violation")
		}
	}
}

func TestViolationString(t *testing.T) {
	a := txflow.Hash{0xab}
	b := txflow.Hash{0xcd}

	fork := NewForkAttempt(a, b).String()
	if !strings.HasPrefix(fork, "ForkAttempt(ab") || !strings.Contains(fork, ", cd") {
		t.Errorf("unexpected fork rendering: %s", fork)
	}

	bad := NewBadEpoch(a).String()
	if bad != "BadEpoch("+a.Hex()+")" {
		t.Errorf("unexpected rendering: %s", bad)
	}

	if got := len(NewForkAttempt(a, b).Hashes()); got != 2 {
		t.Errorf("fork evidence: got %d hashes, want 2", got)
	}

	if got := len(NewInvalidEndorsement(a).Hashes()); got != 1 {
		t.Errorf("endorsement evidence: got %d hashes, want 1", got)
	}
}

func TestObservedForwardsAndLogs(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	rec := NewRecorder()
	r := Observed(rec, log, nil)

	v := NewInvalidSignature(txflow.Hash{0x11})
	r.Report(v)

	if !strings.Contains(buf.String(), "InvalidSignature") {
		t.Errorf("violation not logged: %q", buf.String())
	}

	got, ok := r.Next()
	if !ok || got != v {
		t.Errorf("Next through decorator: got %v %v", got, ok)
	}
}
