package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"riskgraph/internal/model"
)

type flakySink struct {
	failures int
	calls    int
}

func (s *flakySink) Deliver(context.Context, model.Decision) error {
	s.calls++
	if s.calls <= s.failures {
		return errors.New("unavailable")
	}
	return nil
}

func (s *flakySink) Close() error { return nil }

func TestRetryingEventuallySucceeds(t *testing.T) {
	inner := &flakySink{failures: 2}
	r := NewRetrying(inner, 5, time.Millisecond, nil)
	if err := r.Deliver(context.Background(), model.Decision{AlertRef: "a1"}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if inner.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", inner.calls)
	}
}

func TestRetryingGivesUp(t *testing.T) {
	inner := &flakySink{failures: 100}
	r := NewRetrying(inner, 3, time.Millisecond, nil)
	err := r.Deliver(context.Background(), model.Decision{AlertRef: "a1"})
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if inner.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", inner.calls)
	}
}

func TestRetryingHonorsContext(t *testing.T) {
	inner := &flakySink{failures: 100}
	r := NewRetrying(inner, 5, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := r.Deliver(ctx, model.Decision{AlertRef: "a1"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestFileSinkWritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "decisions.jsonl")
	s, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	for _, ref := range []string{"a1", "a2"} {
		if err := s.Deliver(context.Background(), model.Decision{AlertRef: ref, Action: model.ActionNotify}); err != nil {
			t.Fatalf("Deliver: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()

	var refs []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var d model.Decision
		if err := json.Unmarshal(scanner.Bytes(), &d); err != nil {
			t.Fatalf("bad JSONL line: %v", err)
		}
		refs = append(refs, d.AlertRef)
	}
	if len(refs) != 2 || refs[0] != "a1" || refs[1] != "a2" {
		t.Fatalf("unexpected lines %v", refs)
	}
}
