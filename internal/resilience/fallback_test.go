package resilience

import (
	"strings"
	"testing"
	"time"

	"riskgraph/internal/model"
)

func TestFallbackActionTable(t *testing.T) {
	cases := []struct {
		sev  model.SeverityID
		want model.Action
	}{
		{model.SeverityCritical, model.ActionRemediate},
		{model.SeverityHigh, model.ActionNotify},
		{model.SeverityMedium, model.ActionNotify},
		{model.SeverityLow, model.ActionNone},
		{model.SeverityInfo, model.ActionNone},
		{model.SeverityUnknown, model.ActionNone},
	}
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for _, tc := range cases {
		d := FallbackDecide("alert-1", model.NormalizedFinding{
			EntityRef:  "CVE-2024-123",
			SeverityID: tc.sev,
			Source:     "tenable",
		}, now)
		if d.Action != tc.want {
			t.Fatalf("severity %s: expected %s, got %s", tc.sev, tc.want, d.Action)
		}
		if !d.Fallback {
			t.Fatalf("fallback decision must be flagged")
		}
	}
}

func TestFallbackDecisionShape(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	d := FallbackDecide("alert-1", model.NormalizedFinding{
		EntityRef:  "CVE-2024-123",
		AssetRef:   "web-01",
		SeverityID: model.SeverityCritical,
		Source:     "tenable",
	}, now)
	if d.RiskScore != 100 {
		t.Fatalf("critical should score 100, got %v", d.RiskScore)
	}
	if len(d.Reasoning) != 1 {
		t.Fatalf("expected one reasoning entry, got %d", len(d.Reasoning))
	}
	if !strings.Contains(d.Reasoning[0].Statement, "rule-based fallback") {
		t.Fatalf("reasoning must say it came from the fallback: %q", d.Reasoning[0].Statement)
	}
	if d.Reasoning[0].Source != "tenable" {
		t.Fatalf("reasoning must carry source attribution")
	}
	if !d.ProducedAt.Equal(now) {
		t.Fatalf("produced_at mismatch")
	}
}
