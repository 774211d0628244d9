package model

// Event types. The string values are the wire format stored in the event
// log; renaming one is a data migration.
const (
	EventSimulationCompleted = "simulation.completed"
	EventCheckCompleted      = "check.completed"

	EventRiskEvaluated       = "risk.evaluated"
	EventRiskShadowEvaluated = "risk.shadow_evaluated"
	EventRiskPolicyUpdated   = "risk.policy_updated"
	EventRiskReclassified    = "risk.level_reclassified"

	EventPolicyEvaluated = "policy.evaluated"

	EventIntentCreated           = "intent.created"
	EventIntentStatusChanged     = "intent.status_changed"
	EventIntentValidated         = "intent.validated"
	EventIntentBlocked           = "intent.blocked"
	EventIntentRejected          = "intent.rejected"
	EventIntentRequeued          = "intent.requeued"
	EventIntentMerged            = "intent.merged"
	EventIntentMergeFailed       = "intent.merge_failed"
	EventIntentDependencyBlocked = "intent.dependency_blocked"
	EventIntentPreEvaluated      = "intent.pre_evaluated"

	EventIntentLinkedCommit = "intent.linked.commit"
	EventIntentLinkRemoved  = "intent.link.removed"

	EventQueueProcessed = "queue.processed"
	EventQueueReset     = "queue.reset"

	EventHealthSnapshot       = "health.snapshot"
	EventHealthChangeSnapshot = "health.change_snapshot"
	EventHealthPrediction     = "health.prediction"

	EventComplianceThresholdsUpdated = "compliance.thresholds_updated"

	EventAgentPolicyUpdated = "agent.policy_updated"
	EventAgentAuthorized    = "agent.authorized"

	EventEmbeddingGenerated       = "embedding.generated"
	EventEmbeddingReindexed       = "embedding.reindexed"
	EventSemanticConflictDetected = "semantic_conflict.detected"
	EventSemanticConflictResolved = "semantic_conflict.resolved"

	EventReviewRequested   = "review.requested"
	EventReviewAssigned    = "review.assigned"
	EventReviewReassigned  = "review.reassigned"
	EventReviewEscalated   = "review.escalated"
	EventReviewCompleted   = "review.completed"
	EventReviewCancelled   = "review.cancelled"
	EventReviewSLABreached = "review.sla.breached"

	EventCalibrationCompleted = "calibration.completed"
	EventDatasetExported      = "dataset.exported"

	EventWebhookReceived = "webhook.received"

	EventDecisionPublished     = "github.decision_published"
	EventDecisionPublishFailed = "github.decision_publish_failed"

	EventMergeGroupChecksRequested = "merge_group.checks_requested"
	EventMergeGroupDestroyed       = "merge_group.destroyed"

	EventVerificationDebtSnapshot = "verification.debt.snapshot"

	EventIntakeAccepted    = "intake.accepted"
	EventIntakeThrottled   = "intake.throttled"
	EventIntakeRejected    = "intake.rejected"
	EventIntakeModeChanged = "intake.mode_changed"

	EventSecurityScanStarted     = "security.scan.started"
	EventSecurityScanCompleted   = "security.scan.completed"
	EventSecurityFindingDetected = "security.finding.detected"

	EventChainInitialized    = "audit.chain.initialized"
	EventChainVerified       = "audit.chain.verified"
	EventChainTamperDetected = "audit.chain.tamper_detected"

	EventSoDViolation = "policy.sod.violation"

	EventFeatureFlagChanged = "feature_flag.changed"

	EventNotificationSent   = "notification.sent"
	EventNotificationFailed = "notification.failed"

	EventWorkerStarted   = "worker.started"
	EventWorkerStopped   = "worker.stopped"
	EventWorkerHeartbeat = "worker.heartbeat"
)
