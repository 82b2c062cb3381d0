package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"riskgraph/internal/model"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewSQLite("file:" + filepath.Join(t.TempDir(), "riskgraph.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteDecisionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	d := model.Decision{
		AlertRef:  "alert-1",
		EntityRef: "CVE-2024-123",
		AssetID:   "web-01",
		RiskScore: 76.25,
		Action:    model.ActionRemediate,
		Reasoning: []model.ReasoningEntry{
			{Statement: "severity critical", Source: "tenable"},
		},
		ProducedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := store.SaveDecision(ctx, d); err != nil {
		t.Fatalf("SaveDecision: %v", err)
	}

	got, err := store.RecentDecisions(ctx, 10)
	if err != nil {
		t.Fatalf("RecentDecisions: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one decision, got %d", len(got))
	}
	if got[0].AlertRef != d.AlertRef || got[0].EntityRef != d.EntityRef {
		t.Fatalf("refs not preserved: %+v", got[0])
	}
	if got[0].RiskScore != d.RiskScore {
		t.Fatalf("risk score not preserved: %v", got[0].RiskScore)
	}
	if got[0].Action != model.ActionRemediate {
		t.Fatalf("action not preserved: %s", got[0].Action)
	}
	if len(got[0].Reasoning) != 1 || got[0].Reasoning[0].Source != "tenable" {
		t.Fatalf("reasoning not preserved: %+v", got[0].Reasoning)
	}
	if !got[0].ProducedAt.Equal(d.ProducedAt) {
		t.Fatalf("produced_at not preserved: %v", got[0].ProducedAt)
	}
}

func TestSQLiteDuplicateAlertRefIgnored(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := model.Decision{AlertRef: "alert-1", EntityRef: "CVE-1", RiskScore: 50, Action: model.ActionNotify, ProducedAt: time.Now().UTC()}
	second := first
	second.RiskScore = 90

	if err := store.SaveDecision(ctx, first); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := store.SaveDecision(ctx, second); err != nil {
		t.Fatalf("second save: %v", err)
	}

	got, err := store.RecentDecisions(ctx, 10)
	if err != nil {
		t.Fatalf("RecentDecisions: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("duplicate alert_ref must not insert a second row, got %d", len(got))
	}
	if got[0].RiskScore != 50 {
		t.Fatalf("first write must win, got score %v", got[0].RiskScore)
	}
}

func TestSQLiteDeadLettersNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, ref := range []string{"raw-1", "raw-2", "raw-3"} {
		letter := model.DeadLetter{
			RawRef:    ref,
			Source:    "tenable",
			Stage:     "normalize",
			ErrorKind: model.ErrKindValidation,
			Detail:    "bad payload",
			Payload:   []byte(`{`),
			Timestamp: time.Now().UTC(),
		}
		if err := store.SaveDeadLetter(ctx, letter); err != nil {
			t.Fatalf("SaveDeadLetter(%s): %v", ref, err)
		}
	}

	got, err := store.RecentDeadLetters(ctx, 2)
	if err != nil {
		t.Fatalf("RecentDeadLetters: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("limit not honored, got %d", len(got))
	}
	if got[0].RawRef != "raw-3" || got[1].RawRef != "raw-2" {
		t.Fatalf("expected newest first, got %s then %s", got[0].RawRef, got[1].RawRef)
	}
	if got[0].ErrorKind != model.ErrKindValidation {
		t.Fatalf("error kind not preserved: %s", got[0].ErrorKind)
	}
}
