package mapping

import (
	"os"
	"path/filepath"
	"testing"

	"riskgraph/internal/model"
)

func testSpec() *Spec {
	return &Spec{
		Source: "tenable",
		ClassRule: ClassRule{
			Default: int(model.ClassVulnFinding),
			When: []WhenClause{
				{Path: "$.asset.inventory", ClassUID: int(model.ClassAssetInventory)},
			},
		},
		FieldPaths: map[string]string{
			FieldEntityRef: "$.plugin.cve",
			FieldAssetRef:  "$.asset.hostname",
		},
		SeverityPath: "$.severity",
		SeverityTable: map[string]int{
			"high": 4,
		},
	}
}

func TestValidateRequiresEntityRef(t *testing.T) {
	spec := testSpec()
	delete(spec.FieldPaths, FieldEntityRef)
	if err := spec.Validate(); err == nil {
		t.Fatalf("expected validation error for missing entity_ref path")
	}
}

func TestValidateRejectsUnknownField(t *testing.T) {
	spec := testSpec()
	spec.FieldPaths["hostname"] = "$.asset.hostname"
	if err := spec.Validate(); err == nil {
		t.Fatalf("expected validation error for unknown canonical field")
	}
}

func TestValidateRejectsBadClassUID(t *testing.T) {
	spec := testSpec()
	spec.ClassRule.Default = 9999
	if err := spec.Validate(); err == nil {
		t.Fatalf("expected validation error for invalid class_uid")
	}
}

func TestSeverityTableLookup(t *testing.T) {
	spec := testSpec()
	if got := spec.Severity("High"); got != model.SeverityHigh {
		t.Fatalf("expected high severity from table, got %v", got)
	}
}

func TestSeverityCanonicalFallback(t *testing.T) {
	spec := testSpec()
	if got := spec.Severity("critical"); got != model.SeverityCritical {
		t.Fatalf("expected canonical critical, got %v", got)
	}
	if got := spec.Severity("bogus"); got != model.SeverityUnknown {
		t.Fatalf("expected unknown for unmapped value, got %v", got)
	}
}

func TestRegistryRejectsDuplicateSource(t *testing.T) {
	if _, err := NewRegistry(testSpec(), testSpec()); err == nil {
		t.Fatalf("expected duplicate source error")
	}
}

func TestRegistryLookup(t *testing.T) {
	reg, err := NewRegistry(testSpec())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, ok := reg.Lookup("tenable"); !ok {
		t.Fatalf("expected tenable mapping")
	}
	if _, ok := reg.Lookup("qualys"); ok {
		t.Fatalf("unexpected mapping for unregistered source")
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	doc := `source: tenable
class_uid_rule:
  default: 2002
field_paths:
  entity_ref: $.plugin.cve
severity_path: $.severity
severity_table:
  high: 4
`
	if err := os.WriteFile(filepath.Join(dir, "tenable.yml"), []byte(doc), 0o644); err != nil {
		t.Fatalf("write mapping: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatalf("write note: %v", err)
	}
	specs, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(specs) != 1 {
		t.Fatalf("expected 1 spec, got %d", len(specs))
	}
	if specs[0].Source != "tenable" {
		t.Fatalf("unexpected source %s", specs[0].Source)
	}
	if specs[0].Severity("high") != model.SeverityHigh {
		t.Fatalf("severity table not loaded")
	}
}
