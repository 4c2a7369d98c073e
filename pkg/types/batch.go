package types

import "time"

// BatchStatus is the lifecycle state of a RemediationBatch. A batch
// traverses these linearly; completed/failed/rejected are terminal.
type BatchStatus string

const (
	BatchCollecting       BatchStatus = "collecting"
	BatchAnalyzing        BatchStatus = "analyzing"
	BatchAwaitingApproval BatchStatus = "awaiting_approval"
	BatchExecuting        BatchStatus = "executing"
	BatchCompleted        BatchStatus = "completed"
	BatchFailed           BatchStatus = "failed"
	BatchRejected         BatchStatus = "rejected"
)

// RemediationBatch is a collection of events scheduled together for one
// planning and execution pass. Only one batch may be BatchExecuting
// globally; that invariant is enforced by the orchestrator, not this type.
type RemediationBatch struct {
	BatchID       int64
	Events        []SecurityEvent
	CreatedAt     time.Time
	Status        BatchStatus
	PriorAttempts []RemediationAttempt
}

// SeverityPriority is the derived highest severity across all events in
// the batch.
func (b RemediationBatch) SeverityPriority() Severity {
	priority := SeverityUnknown
	for _, e := range b.Events {
		priority = MaxSeverity(priority, e.Severity)
	}
	return priority
}
