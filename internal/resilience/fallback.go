package resilience

import (
	"fmt"
	"time"

	"riskgraph/internal/model"
)

// fallbackTable is the static severity→action rule set used when the primary
// decision path is unavailable. No graph context is consulted, so triage
// never stalls on a degraded dependency.
var fallbackTable = map[model.SeverityID]model.Action{
	model.SeverityCritical: model.ActionRemediate,
	model.SeverityHigh:     model.ActionNotify,
	model.SeverityMedium:   model.ActionNotify,
	model.SeverityLow:      model.ActionNone,
	model.SeverityInfo:     model.ActionNone,
	model.SeverityUnknown:  model.ActionNone,
}

// FallbackDecide produces a rule-based decision for an alert from its finding
// alone. The reasoning trail is tagged so consumers can tell it apart from a
// graph-scored decision.
func FallbackDecide(alertRef string, finding model.NormalizedFinding, now time.Time) model.Decision {
	action := fallbackTable[finding.SeverityID]
	score := float64(finding.SeverityID) / float64(model.SeverityCritical) * 100
	return model.Decision{
		AlertRef:  alertRef,
		EntityRef: finding.EntityRef,
		AssetID:   finding.AssetRef,
		RiskScore: score,
		Action:    action,
		Fallback:  true,
		Reasoning: []model.ReasoningEntry{
			{
				Statement: fmt.Sprintf("rule-based fallback: severity %s maps to action %s", finding.SeverityID, action),
				Source:    finding.Source,
			},
		},
		ProducedAt: now,
	}
}
