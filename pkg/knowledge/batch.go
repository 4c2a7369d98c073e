package knowledge

import (
	"context"
	"encoding/json"

	aerrors "github.com/aegisops/aegis-controller/internal/errors"
	"github.com/aegisops/aegis-controller/pkg/types"
)

// ArchivedBatchPlan is one row of the batch_plans table: the events a
// batch was opened with and the plan the planner produced for it,
// retrievable later by `aegisctl replay`.
type ArchivedBatchPlan struct {
	BatchID int64
	Status  types.BatchStatus
	Events  []types.SecurityEvent
	Plan    types.RemediationPlan
}

// ArchiveBatchPlan persists the plan the orchestrator is about to act on
// for batch, so it can be re-run later in dry-run mode via
// GetArchivedBatchPlan. Called once per batch, right after a
// confidence-gated plan is accepted; archiving the same batch id again
// replaces the stored status and plan.
func (s *Store) ArchiveBatchPlan(ctx context.Context, batch types.RemediationBatch, plan types.RemediationPlan) error {
	if s.degraded {
		return aerrors.Wrap(aerrors.ErrStateCorrupted, "knowledge base is in degraded mode")
	}

	events, err := json.Marshal(batch.Events)
	if err != nil {
		return aerrors.Wrap(err, "marshal batch events")
	}
	planJSON, err := json.Marshal(plan)
	if err != nil {
		return aerrors.Wrap(err, "marshal batch plan")
	}

	_, err = s.write.ExecContext(ctx, `
		INSERT INTO batch_plans (batch_id, status, events, plan) VALUES (?, ?, ?, ?)
		ON CONFLICT (batch_id) DO UPDATE SET status = excluded.status, plan = excluded.plan`,
		batch.BatchID, string(batch.Status), string(events), string(planJSON))
	return aerrors.Wrap(err, "archive batch plan")
}

// GetArchivedBatchPlan looks up the plan archived for batchID, returning
// ErrNotFound if none was recorded and ErrStateCorrupted if the store
// itself is degraded.
func (s *Store) GetArchivedBatchPlan(ctx context.Context, batchID int64) (ArchivedBatchPlan, error) {
	if s.degraded {
		return ArchivedBatchPlan{}, aerrors.Wrap(aerrors.ErrStateCorrupted, "knowledge base is in degraded mode")
	}

	var row struct {
		BatchID int64  `db:"batch_id"`
		Status  string `db:"status"`
		Events  string `db:"events"`
		Plan    string `db:"plan"`
	}
	err := s.read.GetContext(ctx, &row,
		`SELECT batch_id, status, events, plan FROM batch_plans WHERE batch_id = ?`, batchID)
	if err != nil {
		return ArchivedBatchPlan{}, aerrors.Wrapf(aerrors.ErrNotFound, "no archived plan for batch %d", batchID)
	}

	var events []types.SecurityEvent
	if err := json.Unmarshal([]byte(row.Events), &events); err != nil {
		return ArchivedBatchPlan{}, aerrors.Wrap(err, "decode archived batch events")
	}
	var plan types.RemediationPlan
	if err := json.Unmarshal([]byte(row.Plan), &plan); err != nil {
		return ArchivedBatchPlan{}, aerrors.Wrap(err, "decode archived batch plan")
	}

	return ArchivedBatchPlan{
		BatchID: row.BatchID,
		Status:  types.BatchStatus(row.Status),
		Events:  events,
		Plan:    plan,
	}, nil
}
