package graph

import (
	"testing"
	"time"

	"riskgraph/internal/model"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func vulnFinding(entityRef, assetRef, source string, sev model.SeverityID, at time.Time) model.NormalizedFinding {
	return model.NormalizedFinding{
		ClassUID:   model.ClassVulnFinding,
		SeverityID: sev,
		EntityRef:  entityRef,
		AssetRef:   assetRef,
		Source:     source,
		ObservedAt: at,
	}
}

func assetFinding(identity, criticality, source string, at time.Time) model.NormalizedFinding {
	return model.NormalizedFinding{
		ClassUID:    model.ClassAssetInventory,
		EntityRef:   identity,
		Criticality: criticality,
		Source:      source,
		ObservedAt:  at,
	}
}

func seedAsset(t *testing.T, g *Graph, identity string) {
	t.Helper()
	if _, err := g.Ingest(assetFinding(identity, "medium", "cmdb", t0.Add(-time.Hour))); err != nil {
		t.Fatalf("seed asset %s: %v", identity, err)
	}
}

func TestIngestRejectsEmptyEntityRef(t *testing.T) {
	g := New()
	_, err := g.Ingest(model.NormalizedFinding{ClassUID: model.ClassVulnFinding})
	if err == nil {
		t.Fatalf("expected error for empty entity_ref")
	}
}

func TestIngestIdempotent(t *testing.T) {
	g := New()
	seedAsset(t, g, "web-01")
	f := vulnFinding("CVE-2024-123", "web-01", "tenable", model.SeverityHigh, t0)
	for i := 0; i < 3; i++ {
		if _, err := g.Ingest(f); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}
	stats := g.Stats()
	if stats.Vulns != 1 || stats.Assets != 1 || stats.Edges != 1 {
		t.Fatalf("expected 1 vuln / 1 asset / 1 edge, got %+v", stats)
	}
	vuln, _ := g.Vulnerability("CVE-2024-123")
	if len(vuln.Sources) != 1 {
		t.Fatalf("expected single deduped source, got %v", vuln.Sources)
	}
}

func TestMergeKeepsEarliestFirstSeen(t *testing.T) {
	g := New()
	seedAsset(t, g, "web-01")
	g.Ingest(vulnFinding("CVE-2024-123", "web-01", "tenable", model.SeverityMedium, t0))
	g.Ingest(vulnFinding("CVE-2024-123", "web-01", "qualys", model.SeverityHigh, t0.Add(time.Hour)))

	vuln, ok := g.Vulnerability("CVE-2024-123")
	if !ok {
		t.Fatalf("vulnerability missing")
	}
	if !vuln.FirstSeen.Equal(t0) {
		t.Fatalf("first_seen not preserved: %v", vuln.FirstSeen)
	}
	if vuln.SeverityID != model.SeverityHigh {
		t.Fatalf("latest severity should win, got %d", vuln.SeverityID)
	}
	if len(vuln.Sources) != 2 {
		t.Fatalf("expected both sources, got %v", vuln.Sources)
	}
}

func TestMergeLatestObservationWinsEvenIfLower(t *testing.T) {
	g := New()
	seedAsset(t, g, "web-01")
	g.Ingest(vulnFinding("CVE-2024-123", "web-01", "tenable", model.SeverityCritical, t0))
	g.Ingest(vulnFinding("CVE-2024-123", "web-01", "tenable", model.SeverityLow, t0.Add(time.Hour)))

	vuln, _ := g.Vulnerability("CVE-2024-123")
	if vuln.SeverityID != model.SeverityLow {
		t.Fatalf("latest observation should win, got %d", vuln.SeverityID)
	}
}

func TestMergeSameInstantHigherSeverityWins(t *testing.T) {
	g := New()
	seedAsset(t, g, "web-01")
	g.Ingest(vulnFinding("CVE-2024-123", "web-01", "tenable", model.SeverityMedium, t0))
	g.Ingest(vulnFinding("CVE-2024-123", "web-01", "qualys", model.SeverityCritical, t0))
	g.Ingest(vulnFinding("CVE-2024-123", "web-01", "rapid7", model.SeverityLow, t0))

	vuln, _ := g.Vulnerability("CVE-2024-123")
	if vuln.SeverityID != model.SeverityCritical {
		t.Fatalf("expected critical to win the same-instant conflict, got %d", vuln.SeverityID)
	}
}

func TestExploitHintSticky(t *testing.T) {
	g := New()
	seedAsset(t, g, "web-01")
	f := vulnFinding("CVE-2024-123", "web-01", "tenable", model.SeverityHigh, t0)
	f.ExploitHint = true
	g.Ingest(f)
	g.Ingest(vulnFinding("CVE-2024-123", "web-01", "tenable", model.SeverityHigh, t0.Add(time.Hour)))

	vuln, _ := g.Vulnerability("CVE-2024-123")
	if !vuln.ExploitHint {
		t.Fatalf("exploit hint should not be cleared by later findings")
	}
}

func TestUnknownAssetRefHeldAsOrphan(t *testing.T) {
	g := New()
	res, err := g.Ingest(vulnFinding("CVE-2024-50", "db-01", "tenable", model.SeverityHigh, t0))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !res.Orphaned {
		t.Fatalf("expected orphan while asset is unknown")
	}
	if g.Resolved("CVE-2024-50") {
		t.Fatalf("orphan must not be resolved")
	}
	if g.Stats().Assets != 0 {
		t.Fatalf("findings must not create assets")
	}

	res2, err := g.Ingest(assetFinding("db-01", "high", "cmdb", t0.Add(time.Minute)))
	if err != nil {
		t.Fatalf("Ingest asset: %v", err)
	}
	if len(res2.Edges) != 1 {
		t.Fatalf("expected orphan adoption edge, got %d", len(res2.Edges))
	}
	if !g.Resolved("CVE-2024-50") {
		t.Fatalf("vulnerability should resolve once the asset appears")
	}
	if g.Stats().Orphans != 0 {
		t.Fatalf("orphan pen should be empty after adoption")
	}
}

func TestEmptyAssetRefResolvedByLaterFinding(t *testing.T) {
	g := New()
	g.Ingest(vulnFinding("CVE-2024-51", "", "tenable", model.SeverityHigh, t0))
	if g.Resolved("CVE-2024-51") {
		t.Fatalf("finding without asset_ref must stay unresolved")
	}

	seedAsset(t, g, "db-02")
	g.Ingest(vulnFinding("CVE-2024-51", "db-02", "qualys", model.SeverityHigh, t0.Add(time.Minute)))
	if !g.Resolved("CVE-2024-51") {
		t.Fatalf("later finding with asset_ref should resolve the orphan")
	}
	assets := g.AssetsFor("CVE-2024-51")
	if len(assets) != 1 || assets[0].Identity != "db-02" {
		t.Fatalf("unexpected assets %+v", assets)
	}
}

func TestCorroboratingSourcesLookback(t *testing.T) {
	g := New()
	seedAsset(t, g, "web-01")
	g.Ingest(vulnFinding("CVE-2024-123", "web-01", "tenable", model.SeverityHigh, t0))
	g.Ingest(vulnFinding("CVE-2024-123", "web-01", "qualys", model.SeverityHigh, t0.Add(5*time.Minute)))
	g.Ingest(vulnFinding("CVE-2024-123", "web-01", "rapid7", model.SeverityHigh, t0.Add(-2*time.Hour)))

	now := t0.Add(10 * time.Minute)
	if got := g.CorroboratingSources("CVE-2024-123", now, 15*time.Minute); got != 2 {
		t.Fatalf("expected 2 sources inside lookback, got %d", got)
	}
	if got := g.CorroboratingSources("CVE-2024-123", now, 0); got != 3 {
		t.Fatalf("zero lookback should count all sources, got %d", got)
	}
}

func TestHighRiskAssetsOrdering(t *testing.T) {
	g := New()
	seedAsset(t, g, "host-a")
	seedAsset(t, g, "host-b")
	g.Ingest(vulnFinding("CVE-A", "host-a", "tenable", model.SeverityCritical, t0))
	g.Ingest(vulnFinding("CVE-B", "host-a", "tenable", model.SeverityHigh, t0))
	g.Ingest(vulnFinding("CVE-C", "host-b", "tenable", model.SeverityLow, t0.Add(time.Minute)))

	ranked := g.HighRiskAssets(0)
	if len(ranked) != 2 {
		t.Fatalf("expected 2 ranked assets, got %d", len(ranked))
	}
	if ranked[0].Asset.Identity != "host-a" {
		t.Fatalf("expected host-a first, got %s", ranked[0].Asset.Identity)
	}
	if ranked[0].Score != 9 {
		t.Fatalf("expected combined score 9, got %v", ranked[0].Score)
	}

	filtered := g.HighRiskAssets(5)
	if len(filtered) != 1 || filtered[0].Asset.Identity != "host-a" {
		t.Fatalf("floor should drop host-b, got %+v", filtered)
	}
}

func TestHighRiskExploitBonus(t *testing.T) {
	g := New()
	seedAsset(t, g, "host-a")
	f := vulnFinding("CVE-A", "host-a", "tenable", model.SeverityHigh, t0)
	f.ExploitHint = true
	g.Ingest(f)

	ranked := g.HighRiskAssets(0)
	if len(ranked) != 1 || ranked[0].Score != 6 {
		t.Fatalf("expected exploit-weighted score 6, got %+v", ranked)
	}
}

func TestMarkStale(t *testing.T) {
	g := New()
	g.Ingest(assetFinding("old-host", "low", "cmdb", t0))
	g.Ingest(assetFinding("new-host", "low", "cmdb", t0.Add(6*24*time.Hour)))

	marked := g.MarkStale(t0.Add(7*24*time.Hour), 48*time.Hour)
	if marked != 1 {
		t.Fatalf("expected 1 stale asset, got %d", marked)
	}
	old, _ := g.Asset("old-host")
	if !old.Stale {
		t.Fatalf("old-host should be stale")
	}
	fresh, _ := g.Asset("new-host")
	if fresh.Stale {
		t.Fatalf("new-host should not be stale")
	}

	// A new observation clears the flag.
	g.Ingest(assetFinding("old-host", "low", "cmdb", t0.Add(8*24*time.Hour)))
	old, _ = g.Asset("old-host")
	if old.Stale {
		t.Fatalf("stale flag should reset on fresh observation")
	}
}

func TestIngestBatchCollapsesDuplicates(t *testing.T) {
	g := New()
	seedAsset(t, g, "web-01")
	results, err := g.IngestBatch([]model.NormalizedFinding{
		vulnFinding("CVE-2024-123", "web-01", "tenable", model.SeverityLow, t0),
		vulnFinding("CVE-2024-123", "web-01", "tenable", model.SeverityHigh, t0.Add(time.Minute)),
	})
	if err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected duplicates collapsed to 1, got %d", len(results))
	}
	vuln, _ := g.Vulnerability("CVE-2024-123")
	if vuln.SeverityID != model.SeverityHigh {
		t.Fatalf("last write should win, got %d", vuln.SeverityID)
	}
}

func TestSnapshotsAreCopies(t *testing.T) {
	g := New()
	seedAsset(t, g, "host-a")
	g.Ingest(vulnFinding("CVE-A", "host-a", "tenable", model.SeverityHigh, t0))
	vuln, _ := g.Vulnerability("CVE-A")
	vuln.Sources[0] = "mutated"
	again, _ := g.Vulnerability("CVE-A")
	if again.Sources[0] != "tenable" {
		t.Fatalf("snapshot mutation leaked into graph")
	}
}
