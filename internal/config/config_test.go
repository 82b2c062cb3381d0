package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfigValid(t *testing.T) {
	if err := Validate(DefaultConfig()); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := writeConfig(t, "riskgraph.yml", `
log_level: debug
decision:
  sla: 45s
  threshold_notify: 30
sources:
  - name: tenable
    kind: http
    http:
      url: http://localhost:9000/findings
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log_level not applied")
	}
	if cfg.Decision.SLA != 45*time.Second {
		t.Fatalf("sla not applied: %v", cfg.Decision.SLA)
	}
	if cfg.Decision.ThresholdRemediate != 70 {
		t.Fatalf("untouched defaults must survive, got %v", cfg.Decision.ThresholdRemediate)
	}
	if len(cfg.Sources) != 1 || cfg.Sources[0].FetchInterval != 30*time.Second {
		t.Fatalf("source defaults not applied: %+v", cfg.Sources)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "riskgraph.json", `{"log_level": "warn"}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("json config not decoded")
	}
}

func TestLoadRejectsBadSource(t *testing.T) {
	path := writeConfig(t, "riskgraph.yml", `
sources:
  - name: tenable
    kind: redis
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("redis source without addr/key must fail validation")
	}
}

func TestLoadRejectsDuplicateSources(t *testing.T) {
	path := writeConfig(t, "riskgraph.yml", `
sources:
  - name: tenable
    kind: http
    http: {url: http://a}
  - name: tenable
    kind: http
    http: {url: http://b}
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("duplicate source names must fail validation")
	}
}

func TestLoadRejectsInvertedThresholds(t *testing.T) {
	path := writeConfig(t, "riskgraph.yml", `
decision:
  threshold_notify: 80
  threshold_remediate: 50
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("notify above remediate must fail validation")
	}
}

func TestManagerReload(t *testing.T) {
	path := writeConfig(t, "riskgraph.yml", `log_level: info`)
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if m.Get().LogLevel != "info" {
		t.Fatalf("initial config not loaded")
	}

	if err := os.WriteFile(path, []byte(`log_level: debug`), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if _, err := m.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if m.Get().LogLevel != "debug" {
		t.Fatalf("reload did not swap config")
	}
}
