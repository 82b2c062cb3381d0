package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"riskgraph/internal/model"
)

// Graph is the shared context store linking assets and vulnerabilities.
// Nodes live in arenas keyed by stable identity; edges are key pairs in a
// separate index, so cyclic references never become ownership cycles.
// All mutation goes through Ingest, which commits or fails as a unit.
type Graph struct {
	mu         sync.RWMutex
	assets     map[string]*model.AssetNode
	vulns      map[string]*model.VulnerabilityNode
	edges      map[string]map[string]model.Edge // asset identity -> entity_ref
	backEdges  map[string]map[string]bool       // entity_ref -> asset identity
	orphans    map[string]model.NormalizedFinding
	sourceSeen map[string]map[string]time.Time // entity_ref -> source -> last observation
}

func New() *Graph {
	return &Graph{
		assets:     make(map[string]*model.AssetNode),
		vulns:      make(map[string]*model.VulnerabilityNode),
		edges:      make(map[string]map[string]model.Edge),
		backEdges:  make(map[string]map[string]bool),
		orphans:    make(map[string]model.NormalizedFinding),
		sourceSeen: make(map[string]map[string]time.Time),
	}
}

// IngestResult reports what one ingestion touched.
type IngestResult struct {
	Asset    *model.AssetNode
	Vuln     *model.VulnerabilityNode
	Edges    []model.Edge
	Orphaned bool
}

var errEmptyEntityRef = errors.New("graph: finding has empty entity_ref")

// Ingest upserts the nodes and edges a finding implies. Asset-inventory
// findings upsert an asset; vulnerability and security-alert findings upsert
// a vulnerability node, resolve the referenced asset, and refresh the
// HAS_VULNERABILITY edge. A vulnerability with no resolvable asset is held as
// an orphan and does not participate in scoring until the asset appears.
func (g *Graph) Ingest(finding model.NormalizedFinding) (IngestResult, error) {
	if strings.TrimSpace(finding.EntityRef) == "" {
		return IngestResult{}, errEmptyEntityRef
	}
	if !finding.ClassUID.Valid() {
		return IngestResult{}, fmt.Errorf("graph: invalid class_uid %d", finding.ClassUID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	switch finding.ClassUID {
	case model.ClassAssetInventory:
		asset := g.upsertAssetLocked(finding.EntityRef, finding)
		edges := g.adoptOrphansLocked(asset)
		return IngestResult{Asset: asset, Edges: edges}, nil
	default:
		return g.ingestVulnLocked(finding)
	}
}

// IngestBatch collapses duplicate entity_refs (last write wins) before
// ingesting, bounding graph churn under high alert volume.
func (g *Graph) IngestBatch(findings []model.NormalizedFinding) ([]IngestResult, error) {
	collapsed := make([]model.NormalizedFinding, 0, len(findings))
	index := make(map[string]int, len(findings))
	for _, f := range findings {
		if pos, seen := index[f.EntityRef]; seen && f.EntityRef != "" {
			collapsed[pos] = f
			continue
		}
		index[f.EntityRef] = len(collapsed)
		collapsed = append(collapsed, f)
	}
	results := make([]IngestResult, 0, len(collapsed))
	for _, f := range collapsed {
		res, err := g.Ingest(f)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (g *Graph) ingestVulnLocked(finding model.NormalizedFinding) (IngestResult, error) {
	vuln := g.upsertVulnLocked(finding)
	g.recordSourceLocked(finding.EntityRef, finding.Source, finding.ObservedAt)

	assetRef := strings.TrimSpace(finding.AssetRef)
	if assetRef == "" {
		if !g.hasEdgesLocked(finding.EntityRef) {
			g.orphans[finding.EntityRef] = finding
			return IngestResult{Vuln: vuln, Orphaned: true}, nil
		}
		return IngestResult{Vuln: vuln}, nil
	}

	// Findings never create assets; only inventory events do. A reference to
	// an asset the graph has not seen is held until the asset appears.
	asset, known := g.assets[assetRef]
	if !known {
		g.orphans[finding.EntityRef] = finding
		return IngestResult{Vuln: vuln, Orphaned: true}, nil
	}
	if finding.ObservedAt.After(asset.LastSeen) {
		asset.LastSeen = finding.ObservedAt
	}
	edge := g.linkLocked(asset.Identity, vuln.EntityRef, finding.ObservedAt)
	delete(g.orphans, finding.EntityRef)
	return IngestResult{Asset: asset, Vuln: vuln, Edges: []model.Edge{edge}}, nil
}

func (g *Graph) upsertAssetLocked(identity string, finding model.NormalizedFinding) *model.AssetNode {
	asset, ok := g.assets[identity]
	if !ok {
		asset = &model.AssetNode{
			Identity:  identity,
			FirstSeen: finding.ObservedAt,
		}
		g.assets[identity] = asset
	}
	if finding.ObservedAt.Before(asset.FirstSeen) || asset.FirstSeen.IsZero() {
		asset.FirstSeen = finding.ObservedAt
	}
	if finding.ObservedAt.After(asset.LastSeen) {
		asset.LastSeen = finding.ObservedAt
	}
	if finding.Criticality != "" {
		asset.Criticality = finding.Criticality
	}
	if finding.Owner != "" {
		asset.Owner = finding.Owner
	}
	asset.Sources = appendSource(asset.Sources, finding.Source)
	asset.Stale = false
	return asset
}

func (g *Graph) upsertVulnLocked(finding model.NormalizedFinding) *model.VulnerabilityNode {
	vuln, ok := g.vulns[finding.EntityRef]
	if !ok {
		vuln = &model.VulnerabilityNode{
			EntityRef:  finding.EntityRef,
			ClassUID:   finding.ClassUID,
			SeverityID: finding.SeverityID,
			Title:      finding.Title,
			FirstSeen:  finding.ObservedAt,
			LastSeen:   finding.ObservedAt,
		}
		g.vulns[finding.EntityRef] = vuln
	}
	if finding.ObservedAt.Before(vuln.FirstSeen) {
		vuln.FirstSeen = finding.ObservedAt
	}
	switch {
	case finding.ObservedAt.After(vuln.LastSeen):
		// Latest observation wins.
		vuln.SeverityID = finding.SeverityID
		vuln.LastSeen = finding.ObservedAt
	case finding.ObservedAt.Equal(vuln.LastSeen) && finding.SeverityID > vuln.SeverityID:
		// Conflicting reports at the same instant: higher severity wins.
		vuln.SeverityID = finding.SeverityID
	}
	if finding.Title != "" {
		vuln.Title = finding.Title
	}
	if finding.ExploitHint {
		vuln.ExploitHint = true
	}
	vuln.Sources = appendSource(vuln.Sources, finding.Source)
	return vuln
}

func (g *Graph) linkLocked(assetID, entityRef string, seenAt time.Time) model.Edge {
	edge := model.Edge{
		AssetID:   assetID,
		EntityRef: entityRef,
		Relation:  model.RelHasVulnerability,
		SeenAt:    seenAt,
	}
	if g.edges[assetID] == nil {
		g.edges[assetID] = make(map[string]model.Edge)
	}
	if existing, ok := g.edges[assetID][entityRef]; ok && existing.SeenAt.After(seenAt) {
		edge.SeenAt = existing.SeenAt
	}
	g.edges[assetID][entityRef] = edge
	if g.backEdges[entityRef] == nil {
		g.backEdges[entityRef] = make(map[string]bool)
	}
	g.backEdges[entityRef][assetID] = true
	return edge
}

// adoptOrphansLocked attaches held findings whose asset just appeared.
func (g *Graph) adoptOrphansLocked(asset *model.AssetNode) []model.Edge {
	var edges []model.Edge
	for entityRef, finding := range g.orphans {
		if finding.AssetRef != asset.Identity {
			continue
		}
		edges = append(edges, g.linkLocked(asset.Identity, entityRef, finding.ObservedAt))
		delete(g.orphans, entityRef)
	}
	return edges
}

func (g *Graph) recordSourceLocked(entityRef, source string, at time.Time) {
	if source == "" {
		return
	}
	if g.sourceSeen[entityRef] == nil {
		g.sourceSeen[entityRef] = make(map[string]time.Time)
	}
	if prev, ok := g.sourceSeen[entityRef][source]; !ok || at.After(prev) {
		g.sourceSeen[entityRef][source] = at
	}
}

func (g *Graph) hasEdgesLocked(entityRef string) bool {
	return len(g.backEdges[entityRef]) > 0
}

// Resolved reports whether a vulnerability is attached to at least one asset
// and may therefore participate in scoring.
func (g *Graph) Resolved(entityRef string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.hasEdgesLocked(entityRef)
}

// Vulnerability returns a snapshot copy of a vulnerability node.
func (g *Graph) Vulnerability(entityRef string) (model.VulnerabilityNode, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	vuln, ok := g.vulns[entityRef]
	if !ok {
		return model.VulnerabilityNode{}, false
	}
	return cloneVuln(vuln), true
}

// Asset returns a snapshot copy of an asset node.
func (g *Graph) Asset(identity string) (model.AssetNode, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	asset, ok := g.assets[identity]
	if !ok {
		return model.AssetNode{}, false
	}
	return cloneAsset(asset), true
}

// AssetsFor lists the assets a vulnerability is attached to.
func (g *Graph) AssetsFor(entityRef string) []model.AssetNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]model.AssetNode, 0, len(g.backEdges[entityRef]))
	for assetID := range g.backEdges[entityRef] {
		if asset, ok := g.assets[assetID]; ok {
			out = append(out, cloneAsset(asset))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// CorroboratingSources counts distinct sources that reported an entity within
// the lookback window ending at now.
func (g *Graph) CorroboratingSources(entityRef string, now time.Time, lookback time.Duration) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	count := 0
	for _, seen := range g.sourceSeen[entityRef] {
		if lookback <= 0 || now.Sub(seen) <= lookback {
			count++
		}
	}
	return count
}

// AssetRisk is one row of the high-risk query.
type AssetRisk struct {
	Asset    model.AssetNode
	Score    float64
	Vulns    []model.VulnerabilityNode
	LastSeen time.Time
}

// HighRiskAssets returns assets whose attached vulnerabilities' combined
// severity-weighted score exceeds the floor, ordered by score descending with
// most-recent observation breaking ties.
func (g *Graph) HighRiskAssets(floor float64) []AssetRisk {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []AssetRisk
	for assetID, attached := range g.edges {
		asset, ok := g.assets[assetID]
		if !ok || len(attached) == 0 {
			continue
		}
		row := AssetRisk{Asset: cloneAsset(asset)}
		for entityRef, edge := range attached {
			vuln, ok := g.vulns[entityRef]
			if !ok {
				continue
			}
			row.Score += severityWeight(vuln)
			row.Vulns = append(row.Vulns, cloneVuln(vuln))
			if edge.SeenAt.After(row.LastSeen) {
				row.LastSeen = edge.SeenAt
			}
		}
		if row.Score < floor {
			continue
		}
		sort.Slice(row.Vulns, func(i, j int) bool {
			return row.Vulns[i].SeverityID > row.Vulns[j].SeverityID
		})
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

// severityWeight is the per-vulnerability contribution to an asset's combined
// score. Exploitable findings count half again as much.
func severityWeight(vuln *model.VulnerabilityNode) float64 {
	w := float64(vuln.SeverityID)
	if vuln.ExploitHint {
		w *= 1.5
	}
	return w
}

// CacheRisk stores a recomputed composite contribution on the node.
func (g *Graph) CacheRisk(entityRef string, score float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if vuln, ok := g.vulns[entityRef]; ok {
		vuln.RiskCached = score
	}
}

// MarkStale flags assets silent for longer than the window. Assets are never
// deleted.
func (g *Graph) MarkStale(now time.Time, window time.Duration) int {
	if window <= 0 {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	marked := 0
	for _, asset := range g.assets {
		if !asset.Stale && now.Sub(asset.LastSeen) > window {
			asset.Stale = true
			marked++
		}
	}
	return marked
}

// Stats is a point-in-time node/edge census for the operator API.
type Stats struct {
	Assets  int `json:"assets"`
	Vulns   int `json:"vulns"`
	Edges   int `json:"edges"`
	Orphans int `json:"orphans"`
}

func (g *Graph) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	edges := 0
	for _, m := range g.edges {
		edges += len(m)
	}
	return Stats{
		Assets:  len(g.assets),
		Vulns:   len(g.vulns),
		Edges:   edges,
		Orphans: len(g.orphans),
	}
}

func appendSource(sources []string, source string) []string {
	if source == "" {
		return sources
	}
	for _, s := range sources {
		if s == source {
			return sources
		}
	}
	return append(sources, source)
}

func cloneAsset(a *model.AssetNode) model.AssetNode {
	out := *a
	out.Sources = append([]string(nil), a.Sources...)
	return out
}

func cloneVuln(v *model.VulnerabilityNode) model.VulnerabilityNode {
	out := *v
	out.Sources = append([]string(nil), v.Sources...)
	return out
}
