package model

import "time"

// ClassUID is the canonical finding category, following OCSF class UIDs.
type ClassUID int

const (
	ClassAssetInventory  ClassUID = 1001
	ClassSecurityFinding ClassUID = 2001
	ClassVulnFinding     ClassUID = 2002
	ClassNetworkActivity ClassUID = 4001
)

func (c ClassUID) Valid() bool {
	switch c {
	case ClassAssetInventory, ClassSecurityFinding, ClassVulnFinding, ClassNetworkActivity:
		return true
	}
	return false
}

func (c ClassUID) String() string {
	switch c {
	case ClassAssetInventory:
		return "asset_inventory"
	case ClassSecurityFinding:
		return "security_finding"
	case ClassVulnFinding:
		return "vulnerability_finding"
	case ClassNetworkActivity:
		return "network_activity"
	}
	return "unknown"
}

// SeverityID is the canonical severity ordinal.
type SeverityID int

const (
	SeverityUnknown  SeverityID = 0
	SeverityInfo     SeverityID = 1
	SeverityLow      SeverityID = 2
	SeverityMedium   SeverityID = 3
	SeverityHigh     SeverityID = 4
	SeverityCritical SeverityID = 5
)

func (s SeverityID) Valid() bool {
	return s >= SeverityUnknown && s <= SeverityCritical
}

func (s SeverityID) String() string {
	switch s {
	case SeverityInfo:
		return "informational"
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	}
	return "unknown"
}

// RawEvent is an opaque vendor payload as received from a source adapter.
type RawEvent struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	Payload    []byte    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// NormalizedFinding is the canonical, vendor-independent finding produced by
// the normalization engine and consumed exactly once by the context graph.
type NormalizedFinding struct {
	ClassUID    ClassUID   `json:"class_uid"`
	SeverityID  SeverityID `json:"severity_id"`
	EntityRef   string     `json:"entity_ref"`
	AssetRef    string     `json:"asset_ref,omitempty"`
	Title       string     `json:"title,omitempty"`
	Description string     `json:"description,omitempty"`
	Source      string     `json:"source"`
	RawRef      string     `json:"raw_ref"`
	ExploitHint bool       `json:"exploit_hint,omitempty"`
	Criticality string     `json:"criticality,omitempty"`
	Owner       string     `json:"owner,omitempty"`
	ObservedAt  time.Time  `json:"observed_at"`
}

// AssetNode identifies a host, IP, or cloud resource in the context graph.
// Assets are never deleted, only marked stale after a silence window.
type AssetNode struct {
	Identity    string    `json:"identity"`
	Criticality string    `json:"criticality"`
	Owner       string    `json:"owner,omitempty"`
	Sources     []string  `json:"sources"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	Stale       bool      `json:"stale,omitempty"`
}

// VulnerabilityNode is a finding attached to one or more assets.
type VulnerabilityNode struct {
	EntityRef   string     `json:"entity_ref"`
	ClassUID    ClassUID   `json:"class_uid"`
	SeverityID  SeverityID `json:"severity_id"`
	Title       string     `json:"title,omitempty"`
	ExploitHint bool       `json:"exploit_hint,omitempty"`
	Sources     []string   `json:"sources"`
	FirstSeen   time.Time  `json:"first_seen"`
	LastSeen    time.Time  `json:"last_seen"`
	RiskCached  float64    `json:"risk_cached"`
}

// Edge links an asset to a vulnerability by key pair.
type Edge struct {
	AssetID   string    `json:"asset_id"`
	EntityRef string    `json:"entity_ref"`
	Relation  string    `json:"relation"`
	SeenAt    time.Time `json:"seen_at"`
}

const RelHasVulnerability = "HAS_VULNERABILITY"

// AlertState is the decision state machine position of an alert.
type AlertState string

const (
	StateIngested  AlertState = "ingested"
	StateAnalyzing AlertState = "analyzing"
	StateDecided   AlertState = "decided"
	StateDelivered AlertState = "delivered"
	StateTimedOut  AlertState = "timed_out"
	StateFailed    AlertState = "failed"
)

// Terminal reports whether no further transition is possible.
func (s AlertState) Terminal() bool {
	return s == StateDelivered || s == StateTimedOut || s == StateFailed
}

// AlertNode is the transient decision subject linking a normalized finding to
// the graph nodes it concerns.
type AlertNode struct {
	AlertRef  string     `json:"alert_ref"`
	EntityRef string     `json:"entity_ref"`
	AssetID   string     `json:"asset_id,omitempty"`
	Source    string     `json:"source"`
	State     AlertState `json:"state"`
	CreatedAt time.Time  `json:"created_at"`
}

// Action is the remediation outcome of a decision.
type Action string

const (
	ActionNone      Action = "none"
	ActionNotify    Action = "notify"
	ActionRemediate Action = "remediate"
)

// ReasoningEntry is one evidence statement in a decision's reasoning trail.
// Source attribution is mandatory.
type ReasoningEntry struct {
	Statement string `json:"statement"`
	Source    string `json:"source"`
}

// Decision is the immutable output of the decision engine.
type Decision struct {
	AlertRef   string           `json:"alert_ref"`
	EntityRef  string           `json:"entity_ref"`
	AssetID    string           `json:"asset_id,omitempty"`
	RiskScore  float64          `json:"risk_score"`
	Action     Action           `json:"action"`
	Reasoning  []ReasoningEntry `json:"reasoning"`
	Fallback   bool             `json:"fallback,omitempty"`
	ProducedAt time.Time        `json:"produced_at"`
}

// CircuitStatus is the breaker position for one source.
type CircuitStatus string

const (
	CircuitClosed   CircuitStatus = "closed"
	CircuitOpen     CircuitStatus = "open"
	CircuitHalfOpen CircuitStatus = "half_open"
)

// CircuitState is the observable per-source breaker state.
type CircuitState struct {
	Source         string        `json:"source"`
	Status         CircuitStatus `json:"status"`
	Failures       int           `json:"failures"`
	LastTransition time.Time     `json:"last_transition"`
}

// ErrorKind classifies a pipeline failure for dead-letter records.
type ErrorKind string

const (
	ErrKindTransient  ErrorKind = "transient"
	ErrKindValidation ErrorKind = "validation"
	ErrKindAuth       ErrorKind = "auth"
	ErrKindCapacity   ErrorKind = "capacity"
	ErrKindInternal   ErrorKind = "internal"
)

// DeadLetter is an append-only record of an event the pipeline gave up on.
type DeadLetter struct {
	RawRef    string    `json:"raw_ref"`
	Source    string    `json:"source"`
	Stage     string    `json:"stage"`
	ErrorKind ErrorKind `json:"error_kind"`
	Detail    string    `json:"detail"`
	Payload   []byte    `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
