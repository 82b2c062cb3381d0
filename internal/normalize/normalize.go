package normalize

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"

	"riskgraph/internal/mapping"
	"riskgraph/internal/model"
)

// UnknownSourceError means no mapping document is registered for the source.
type UnknownSourceError struct {
	Source string
}

func (e *UnknownSourceError) Error() string {
	return fmt.Sprintf("no mapping registered for source %q", e.Source)
}

// MalformedPayloadError means the raw payload is not parseable as JSON.
type MalformedPayloadError struct {
	Err error
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed payload: %v", e.Err)
}

func (e *MalformedPayloadError) Unwrap() error { return e.Err }

// SchemaViolationError means the mapped result failed canonical validation.
type SchemaViolationError struct {
	Field  string
	Detail string
}

func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("schema violation on %s: %s", e.Field, e.Detail)
}

// Engine applies per-source mapping documents to raw payloads. It holds no
// mutable state beyond the registry, which is swapped atomically on reload.
type Engine struct {
	registry *mapping.Registry
}

func NewEngine(registry *mapping.Registry) *Engine {
	return &Engine{registry: registry}
}

// Normalize converts one raw event into a canonical finding, or reports one
// of the three error kinds: unknown source, malformed payload, schema
// violation. All are per-event failures; the caller dead-letters and moves on.
func (e *Engine) Normalize(raw model.RawEvent) (model.NormalizedFinding, error) {
	spec, ok := e.registry.Lookup(raw.Source)
	if !ok {
		return model.NormalizedFinding{}, &UnknownSourceError{Source: raw.Source}
	}

	var doc interface{}
	if err := json.Unmarshal(raw.Payload, &doc); err != nil {
		return model.NormalizedFinding{}, &MalformedPayloadError{Err: err}
	}

	finding := model.NormalizedFinding{
		ClassUID:   e.resolveClass(spec, doc),
		Source:     raw.Source,
		RawRef:     raw.ID,
		ObservedAt: raw.ReceivedAt,
	}

	for field, path := range spec.FieldPaths {
		value := extractString(doc, path)
		switch field {
		case mapping.FieldEntityRef:
			finding.EntityRef = value
		case mapping.FieldAssetRef:
			finding.AssetRef = value
		case mapping.FieldTitle:
			finding.Title = value
		case mapping.FieldDescription:
			finding.Description = value
		case mapping.FieldCriticality:
			finding.Criticality = strings.ToLower(value)
		case mapping.FieldOwner:
			finding.Owner = value
		case mapping.FieldExploitHint:
			finding.ExploitHint = coerceBool(value)
		case mapping.FieldObservedAt:
			if ts, err := coerceTime(value); err == nil {
				finding.ObservedAt = ts
			}
		}
	}

	if spec.SeverityPath != "" {
		finding.SeverityID = spec.Severity(extractString(doc, spec.SeverityPath))
	}

	if strings.TrimSpace(finding.EntityRef) == "" {
		return model.NormalizedFinding{}, &SchemaViolationError{Field: "entity_ref", Detail: "empty after mapping"}
	}
	if !finding.ClassUID.Valid() {
		return model.NormalizedFinding{}, &SchemaViolationError{
			Field:  "class_uid",
			Detail: fmt.Sprintf("unmapped class %d", finding.ClassUID),
		}
	}
	if !finding.SeverityID.Valid() {
		return model.NormalizedFinding{}, &SchemaViolationError{
			Field:  "severity_id",
			Detail: fmt.Sprintf("ordinal %d out of range", finding.SeverityID),
		}
	}
	if finding.ObservedAt.IsZero() {
		finding.ObservedAt = time.Now().UTC()
	}
	return finding, nil
}

func (e *Engine) resolveClass(spec *mapping.Spec, doc interface{}) model.ClassUID {
	for _, clause := range spec.ClassRule.When {
		if extractString(doc, clause.Path) != "" {
			return model.ClassUID(clause.ClassUID)
		}
	}
	return model.ClassUID(spec.ClassRule.Default)
}

// extractString resolves a JSONPath and coerces the leaf to a string.
// A missing path yields "".
func extractString(doc interface{}, path string) string {
	if path == "" {
		return ""
	}
	value, err := jsonpath.Get(path, doc)
	if err != nil || value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

func coerceBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "yes", "1":
		return true
	}
	return false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func coerceTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if isNumeric(value) {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		if len(value) >= 13 {
			return time.Unix(0, n*int64(time.Millisecond)).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}
