package observability

import "go.opentelemetry.io/otel/attribute"

// Semantic attributes for coordination-plane spans and metrics.
var (
	AttrIntentID  = attribute.Key("converge.intent.id")
	AttrTenantID  = attribute.Key("converge.tenant.id")
	AttrSource    = attribute.Key("converge.intent.source")
	AttrTarget    = attribute.Key("converge.intent.target")
	AttrRiskLevel = attribute.Key("converge.intent.risk_level")
	AttrDecision  = attribute.Key("converge.queue.decision")
	AttrRetries   = attribute.Key("converge.intent.retries")
	AttrWebhook   = attribute.Key("converge.webhook.event")
	AttrScanner   = attribute.Key("converge.security.scanner")
)

// IntentAttrs builds the attribute set for one intent operation.
func IntentAttrs(intentID, tenantID, riskLevel string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttrIntentID.String(intentID)}
	if tenantID != "" {
		attrs = append(attrs, AttrTenantID.String(tenantID))
	}
	if riskLevel != "" {
		attrs = append(attrs, AttrRiskLevel.String(riskLevel))
	}
	return attrs
}

// DecisionAttrs builds the attribute set for one queue decision.
func DecisionAttrs(intentID, decision string, retries int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrIntentID.String(intentID),
		AttrDecision.String(decision),
		AttrRetries.Int(retries),
	}
}
