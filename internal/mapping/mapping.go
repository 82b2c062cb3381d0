package mapping

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"riskgraph/internal/model"
)

// Spec is the declarative mapping document for one source. Field paths are
// JSONPath expressions into the vendor payload.
type Spec struct {
	Source        string            `yaml:"source"`
	ClassRule     ClassRule         `yaml:"class_uid_rule"`
	FieldPaths    map[string]string `yaml:"field_paths"`
	SeverityPath  string            `yaml:"severity_path"`
	SeverityTable map[string]int    `yaml:"severity_table"`
}

// ClassRule selects the canonical class for a payload: the first `when`
// clause whose path resolves to a non-empty value wins, otherwise the default.
type ClassRule struct {
	Default int          `yaml:"default"`
	When    []WhenClause `yaml:"when"`
}

type WhenClause struct {
	Path     string `yaml:"path"`
	ClassUID int    `yaml:"class_uid"`
}

// Canonical field names a mapping may bind.
const (
	FieldEntityRef   = "entity_ref"
	FieldAssetRef    = "asset_ref"
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldObservedAt  = "observed_at"
	FieldExploitHint = "exploit_hint"
	FieldCriticality = "criticality"
	FieldOwner       = "owner"
)

var knownFields = map[string]bool{
	FieldEntityRef:   true,
	FieldAssetRef:    true,
	FieldTitle:       true,
	FieldDescription: true,
	FieldObservedAt:  true,
	FieldExploitHint: true,
	FieldCriticality: true,
	FieldOwner:       true,
}

func (s *Spec) Validate() error {
	if strings.TrimSpace(s.Source) == "" {
		return errors.New("mapping: source is required")
	}
	if s.FieldPaths[FieldEntityRef] == "" {
		return fmt.Errorf("mapping %s: field_paths.entity_ref is required", s.Source)
	}
	for field := range s.FieldPaths {
		if !knownFields[field] {
			return fmt.Errorf("mapping %s: unknown canonical field %q", s.Source, field)
		}
	}
	if !model.ClassUID(s.ClassRule.Default).Valid() {
		return fmt.Errorf("mapping %s: invalid default class_uid %d", s.Source, s.ClassRule.Default)
	}
	for _, w := range s.ClassRule.When {
		if !model.ClassUID(w.ClassUID).Valid() {
			return fmt.Errorf("mapping %s: invalid class_uid %d in when clause", s.Source, w.ClassUID)
		}
	}
	for vendor, ordinal := range s.SeverityTable {
		if !model.SeverityID(ordinal).Valid() {
			return fmt.Errorf("mapping %s: severity_table[%s]=%d out of range", s.Source, vendor, ordinal)
		}
	}
	return nil
}

// Severity resolves a raw vendor severity value through the lookup table.
// Unmapped values fall back to the canonical names, then to unknown.
func (s *Spec) Severity(vendor string) model.SeverityID {
	key := strings.ToLower(strings.TrimSpace(vendor))
	if ordinal, ok := s.SeverityTable[key]; ok {
		return model.SeverityID(ordinal)
	}
	switch key {
	case "critical", "fatal":
		return model.SeverityCritical
	case "high":
		return model.SeverityHigh
	case "medium", "moderate":
		return model.SeverityMedium
	case "low":
		return model.SeverityLow
	case "info", "informational":
		return model.SeverityInfo
	}
	return model.SeverityUnknown
}

// Registry is the process-wide mapping set. Replaced atomically on reload so
// in-flight normalizations keep a consistent view.
type Registry struct {
	specs atomic.Value // map[string]*Spec
}

func NewRegistry(specs ...*Spec) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(specs); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace validates and swaps the whole mapping set.
func (r *Registry) Replace(specs []*Spec) error {
	byName := make(map[string]*Spec, len(specs))
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return err
		}
		if _, dup := byName[spec.Source]; dup {
			return fmt.Errorf("mapping: duplicate source %s", spec.Source)
		}
		byName[spec.Source] = spec
	}
	r.specs.Store(byName)
	return nil
}

// Lookup returns the mapping for a source, if registered.
func (r *Registry) Lookup(source string) (*Spec, bool) {
	m, _ := r.specs.Load().(map[string]*Spec)
	spec, ok := m[source]
	return spec, ok
}

// Sources lists registered source names.
func (r *Registry) Sources() []string {
	m, _ := r.specs.Load().(map[string]*Spec)
	out := make([]string, 0, len(m))
	for name := range m {
		out = append(out, name)
	}
	return out
}

// LoadDir reads every *.yml / *.yaml mapping document in a directory.
func LoadDir(dir string) ([]*Spec, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var specs []*Spec
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		spec, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func LoadFile(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse mapping %s: %w", path, err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}
