package decision

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"riskgraph/internal/config"
	"riskgraph/internal/graph"
	"riskgraph/internal/metrics"
	"riskgraph/internal/model"
	"riskgraph/internal/resilience"
	"riskgraph/internal/storage"
)

// Deliverer receives finished decisions. Implementations live in the sink
// package; the engine only sees this contract.
type Deliverer interface {
	Deliver(ctx context.Context, d model.Decision) error
}

type alertEntry struct {
	node    model.AlertNode
	finding model.NormalizedFinding
}

// Engine drives each alert through Ingested → Analyzing → Decided →
// Delivered, with TimedOut and Failed as the escalation exits. One decision
// is emitted per alert; delivery is idempotent on alert_ref.
type Engine struct {
	logger  *slog.Logger
	graph   *graph.Graph
	sink    Deliverer
	store   storage.Store
	metrics *metrics.Metrics
	recent  *RecentStore

	cfg atomic.Value // *config.Config

	mu         sync.Mutex
	alerts     map[string]*alertEntry
	delivering map[string]bool

	delivered *lru.Cache[string, bool]

	now func() time.Time
}

func NewEngine(cfg *config.Config, logger *slog.Logger, g *graph.Graph, sink Deliverer, store storage.Store, m *metrics.Metrics) *Engine {
	cacheSize := cfg.Decision.DeliveredCache
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	deliveredCache, _ := lru.New[string, bool](cacheSize)
	e := &Engine{
		logger:     logger,
		graph:      g,
		sink:       sink,
		store:      store,
		metrics:    m,
		recent:     NewRecentStore(cfg.Decision.RecentLimit),
		alerts:     make(map[string]*alertEntry),
		delivering: make(map[string]bool),
		delivered:  deliveredCache,
		now:        func() time.Time { return time.Now().UTC() },
	}
	e.cfg.Store(cfg)
	return e
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.cfg.Store(cfg)
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

// Recent exposes the bounded ring of recent decisions for the operator API.
func (e *Engine) Recent() *RecentStore {
	return e.recent
}

// Reset drops all in-flight alerts and delivery history.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.alerts = make(map[string]*alertEntry)
	e.mu.Unlock()
	e.delivered.Purge()
	e.recent.Clear()
}

// Submit opens an alert for a finding and immediately tries to advance it.
// The returned alert is a snapshot; its state may already be terminal.
func (e *Engine) Submit(ctx context.Context, finding model.NormalizedFinding) (model.AlertNode, error) {
	node := model.AlertNode{
		AlertRef:  uuid.NewString(),
		EntityRef: finding.EntityRef,
		AssetID:   finding.AssetRef,
		Source:    finding.Source,
		State:     model.StateIngested,
		CreatedAt: e.now(),
	}
	e.mu.Lock()
	e.alerts[node.AlertRef] = &alertEntry{node: node, finding: finding}
	e.mu.Unlock()

	if err := e.Advance(ctx, node.AlertRef); err != nil {
		return e.snapshot(node.AlertRef), err
	}
	return e.snapshot(node.AlertRef), nil
}

// Fallback bypasses the graph entirely: the alert goes straight to Decided
// with the static rule table, then through the normal delivery path. Used by
// the pipeline when the source circuit is open.
func (e *Engine) Fallback(ctx context.Context, finding model.NormalizedFinding) (model.AlertNode, error) {
	node := model.AlertNode{
		AlertRef:  uuid.NewString(),
		EntityRef: finding.EntityRef,
		AssetID:   finding.AssetRef,
		Source:    finding.Source,
		State:     model.StateDecided,
		CreatedAt: e.now(),
	}
	e.mu.Lock()
	e.alerts[node.AlertRef] = &alertEntry{node: node, finding: finding}
	e.mu.Unlock()

	d := resilience.FallbackDecide(node.AlertRef, finding, e.now())
	err := e.deliver(ctx, node.AlertRef, d)
	return e.snapshot(node.AlertRef), err
}

// Advance tries to move one alert toward a terminal state. Non-terminal
// outcomes (asset still unresolved, sink still failing) leave the alert in
// place for the next sweep.
func (e *Engine) Advance(ctx context.Context, alertRef string) error {
	cfg := e.config()

	e.mu.Lock()
	entry, ok := e.alerts[alertRef]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("unknown alert %s", alertRef)
	}
	state := entry.node.State
	finding := entry.finding
	e.mu.Unlock()

	switch state {
	case model.StateIngested:
		if !e.graph.Resolved(finding.EntityRef) {
			return nil // orphan: held until an asset shows up or the SLA expires
		}
		e.setState(alertRef, model.StateAnalyzing)
		fallthrough
	case model.StateAnalyzing:
		d, err := e.analyze(cfg, alertRef, finding)
		if err != nil {
			e.fail(ctx, alertRef, finding, err)
			return err
		}
		e.setState(alertRef, model.StateDecided)
		return e.deliver(ctx, alertRef, d)
	case model.StateDecided:
		// Delivery previously failed; rebuild and retry.
		d, err := e.analyze(cfg, alertRef, finding)
		if err != nil {
			e.fail(ctx, alertRef, finding, err)
			return err
		}
		return e.deliver(ctx, alertRef, d)
	default:
		return nil
	}
}

// SweepTimeouts escalates alerts that exceeded the SLA deadline without
// reaching a decision. Each gets a synthetic notify decision rather than
// being dropped. Returns how many alerts timed out.
func (e *Engine) SweepTimeouts(ctx context.Context) int {
	cfg := e.config()
	now := e.now()

	var expired []string
	e.mu.Lock()
	for ref, entry := range e.alerts {
		if entry.node.State.Terminal() {
			continue
		}
		if entry.node.State != model.StateIngested && entry.node.State != model.StateAnalyzing {
			continue
		}
		if now.Sub(entry.node.CreatedAt) > cfg.Decision.SLA {
			expired = append(expired, ref)
		}
	}
	e.mu.Unlock()

	for _, ref := range expired {
		entry := e.entry(ref)
		if entry == nil {
			continue
		}
		d := model.Decision{
			AlertRef:  ref,
			EntityRef: entry.finding.EntityRef,
			AssetID:   entry.finding.AssetRef,
			RiskScore: 0,
			Action:    model.ActionNotify,
			Reasoning: []model.ReasoningEntry{
				{Statement: "context unavailable within SLA", Source: entry.finding.Source},
			},
			ProducedAt: now,
		}
		e.setState(ref, model.StateTimedOut)
		if e.metrics != nil {
			e.metrics.AlertsTimedOut.Inc()
		}
		if e.logger != nil {
			e.logger.Warn("alert timed out", "alert_ref", ref, "entity_ref", entry.finding.EntityRef)
		}
		e.deliver(ctx, ref, d)
		// TimedOut is terminal either way; a failed synthetic notify is
		// logged by emit and must not accumulate in the alert table.
		e.forget(ref)
	}
	return len(expired)
}

// Pending lists non-terminal alert refs, oldest first, for the retry sweep.
func (e *Engine) Pending() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	type pair struct {
		ref string
		at  time.Time
	}
	pairs := make([]pair, 0, len(e.alerts))
	for ref, entry := range e.alerts {
		if !entry.node.State.Terminal() {
			pairs = append(pairs, pair{ref, entry.node.CreatedAt})
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].at.Before(pairs[j].at) })
	out := make([]string, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, p.ref)
	}
	return out
}

// analyze computes the composite risk score and builds the reasoning trail,
// one entry per contributing factor, each attributed to its source.
func (e *Engine) analyze(cfg *config.Config, alertRef string, finding model.NormalizedFinding) (model.Decision, error) {
	vuln, ok := e.graph.Vulnerability(finding.EntityRef)
	if !ok {
		return model.Decision{}, fmt.Errorf("vulnerability %s missing from graph", finding.EntityRef)
	}
	assets := e.graph.AssetsFor(finding.EntityRef)
	if len(assets) == 0 {
		return model.Decision{}, fmt.Errorf("vulnerability %s has no linked asset", finding.EntityRef)
	}
	now := e.now()

	// Scoring is against the most critical linked asset.
	asset := assets[0]
	for _, a := range assets[1:] {
		if tierRank(a.Criticality) > tierRank(asset.Criticality) {
			asset = a
		}
	}

	w := cfg.Decision.Weights
	total := w.Severity + w.Criticality + w.Exploit + w.Corroboration
	if total <= 0 {
		total = 1
	}

	sevFrac := float64(vuln.SeverityID) / float64(model.SeverityCritical)
	critFrac := tierRank(asset.Criticality) / tierRank("critical")
	explFrac := 0.0
	if vuln.ExploitHint || finding.ExploitHint {
		explFrac = 1.0
	}
	corr := e.graph.CorroboratingSources(finding.EntityRef, now, cfg.Decision.Lookback)
	corrFrac := float64(min(corr, cfg.Decision.CorroborationCap)) / float64(cfg.Decision.CorroborationCap)

	score := 100 * (w.Severity*sevFrac + w.Criticality*critFrac + w.Exploit*explFrac + w.Corroboration*corrFrac) / total
	score *= decayFactor(now.Sub(vuln.LastSeen), cfg.Decision.DecayAfter)

	reasoning := []model.ReasoningEntry{
		{
			Statement: fmt.Sprintf("severity %s (%d/5) reported for %s", vuln.SeverityID, vuln.SeverityID, finding.EntityRef),
			Source:    finding.Source,
		},
		{
			Statement: fmt.Sprintf("asset %s criticality %s", asset.Identity, orUnknown(asset.Criticality)),
			Source:    attribution(asset.Sources, finding.Source),
		},
	}
	if explFrac > 0 {
		reasoning = append(reasoning, model.ReasoningEntry{
			Statement: fmt.Sprintf("exploit available for %s", finding.EntityRef),
			Source:    finding.Source,
		})
	}
	reasoning = append(reasoning, model.ReasoningEntry{
		Statement: fmt.Sprintf("corroborated by %d source(s) within %s: %s",
			corr, cfg.Decision.Lookback, strings.Join(vuln.Sources, ", ")),
		Source: finding.Source,
	})

	action := model.ActionNone
	switch {
	case score >= cfg.Decision.ThresholdRemediate:
		action = model.ActionRemediate
	case score >= cfg.Decision.ThresholdNotify:
		action = model.ActionNotify
	}
	reasoning = append(reasoning, model.ReasoningEntry{
		Statement: fmt.Sprintf("composite score %.1f against remediate>=%.0f notify>=%.0f: action %s",
			score, cfg.Decision.ThresholdRemediate, cfg.Decision.ThresholdNotify, action),
		Source: finding.Source,
	})

	e.graph.CacheRisk(finding.EntityRef, score)

	return model.Decision{
		AlertRef:   alertRef,
		EntityRef:  finding.EntityRef,
		AssetID:    asset.Identity,
		RiskScore:  score,
		Action:     action,
		Reasoning:  reasoning,
		ProducedAt: now,
	}, nil
}

// deliver hands a decision to the sink exactly once per alert_ref. Redelivery
// of an already-delivered alert is a no-op, and the in-flight reservation
// keeps a concurrent sweep from sending the same alert twice while the first
// sink call is still running.
func (e *Engine) deliver(ctx context.Context, alertRef string, d model.Decision) error {
	e.mu.Lock()
	if _, done := e.delivered.Get(alertRef); done {
		e.mu.Unlock()
		return nil
	}
	if e.delivering[alertRef] {
		e.mu.Unlock()
		return nil
	}
	e.delivering[alertRef] = true
	e.mu.Unlock()

	err := e.emit(ctx, alertRef, d)

	e.mu.Lock()
	delete(e.delivering, alertRef)
	e.mu.Unlock()
	return err
}

func (e *Engine) emit(ctx context.Context, alertRef string, d model.Decision) error {
	if e.sink != nil {
		if err := e.sink.Deliver(ctx, d); err != nil {
			if e.logger != nil {
				e.logger.Error("decision delivery failed", "alert_ref", alertRef, "err", err)
			}
			return err
		}
	}
	e.delivered.Add(alertRef, true)
	e.recent.Add(d)
	if prev := e.snapshot(alertRef); prev.State == model.StateDecided {
		e.setState(alertRef, model.StateDelivered)
	}
	e.forget(alertRef)
	if e.metrics != nil {
		e.metrics.DecisionsTotal.WithLabelValues(string(d.Action)).Inc()
	}
	if e.store != nil {
		_ = e.store.SaveDecision(context.Background(), d)
	}
	if e.logger != nil {
		e.logger.Info("decision delivered",
			"alert_ref", alertRef,
			"entity_ref", d.EntityRef,
			"action", d.Action,
			"risk_score", d.RiskScore,
			"fallback", d.Fallback,
		)
	}
	return nil
}

// fail moves an alert to Failed and dead-letters it for operator attention.
// Other alerts are unaffected.
func (e *Engine) fail(ctx context.Context, alertRef string, finding model.NormalizedFinding, cause error) {
	e.setState(alertRef, model.StateFailed)
	if e.metrics != nil {
		e.metrics.AlertsFailed.Inc()
	}
	if e.logger != nil {
		e.logger.Error("alert failed", "alert_ref", alertRef, "entity_ref", finding.EntityRef, "err", cause)
	}
	if e.store != nil {
		_ = e.store.SaveDeadLetter(ctx, model.DeadLetter{
			RawRef:    finding.RawRef,
			Source:    finding.Source,
			Stage:     "decision",
			ErrorKind: model.ErrKindInternal,
			Detail:    cause.Error(),
			Timestamp: e.now(),
		})
	}
	e.forget(alertRef)
}

func (e *Engine) setState(alertRef string, state model.AlertState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if entry, ok := e.alerts[alertRef]; ok {
		entry.node.State = state
	}
}

func (e *Engine) snapshot(alertRef string) model.AlertNode {
	e.mu.Lock()
	defer e.mu.Unlock()
	if entry, ok := e.alerts[alertRef]; ok {
		return entry.node
	}
	return model.AlertNode{AlertRef: alertRef, State: model.StateDelivered}
}

func (e *Engine) entry(alertRef string) *alertEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.alerts[alertRef]
}

func (e *Engine) forget(alertRef string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.alerts, alertRef)
}

// tierRank orders asset criticality tiers; unknown sits between low and
// medium so missing context neither hides nor inflates risk.
func tierRank(tier string) float64 {
	switch strings.ToLower(tier) {
	case "critical":
		return 4
	case "high":
		return 3
	case "medium":
		return 2
	case "low":
		return 1
	}
	return 1.5
}

// decayFactor shrinks stale findings toward a floor of half weight over a
// week past the decay horizon. Fresh findings are untouched.
func decayFactor(age, after time.Duration) float64 {
	if after <= 0 || age <= after {
		return 1
	}
	over := (age - after).Hours() / (7 * 24)
	f := 1 - over
	if f < 0.5 {
		return 0.5
	}
	return f
}

func attribution(sources []string, fallback string) string {
	if len(sources) > 0 {
		return sources[0]
	}
	return fallback
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
