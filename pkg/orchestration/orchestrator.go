// Package orchestration implements the Orchestrator of spec.md §4.3: batch
// collection, the execution lock guaranteeing one executing batch
// globally, the plan/approve/execute/finalize pipeline, rollback, a
// job-level circuit breaker, and adaptive retry delay. Grounded on
// original_source orchestrator.py's RemediationOrchestrator/
// SecurityEventBatch and self_healing.py's CircuitBreaker.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	aerrors "github.com/aegisops/aegis-controller/internal/errors"
	"github.com/aegisops/aegis-controller/pkg/backup"
	"github.com/aegisops/aegis-controller/pkg/fixers"
	"github.com/aegisops/aegis-controller/pkg/impact"
	"github.com/aegisops/aegis-controller/pkg/knowledge"
	"github.com/aegisops/aegis-controller/pkg/notify"
	"github.com/aegisops/aegis-controller/pkg/service"
	"github.com/aegisops/aegis-controller/pkg/tracing"
	"github.com/aegisops/aegis-controller/pkg/types"
)

// Planner is the narrow interface the orchestrator needs from the model
// client (pkg/ai/llm.Client satisfies this without either package
// importing the other).
type Planner interface {
	Plan(ctx context.Context, batch types.RemediationBatch) (*types.RemediationPlan, error)
	Strategy(ctx context.Context, event types.SecurityEvent, priorAttempts []types.RemediationAttempt) (*types.FixStrategy, error)
}

// FixFunc adapts one source's Fixer.Fix to the shape the orchestrator
// dispatches on by event source.
type FixFunc func(ctx context.Context, events []types.SecurityEvent, strategy string) (fixers.Outcome, error)

// NewFixerRegistry wires the four concrete fixers into the dispatch table
// the orchestrator indexes by event source.
func NewFixerRegistry(vuln *fixers.VulnerabilityFixer, net *fixers.NetworkIPSFixer, host *fixers.HostIPSFixer, file *fixers.FileIntegrityFixer) map[types.Source]FixFunc {
	return map[types.Source]FixFunc{
		types.SourceVulnerabilityScan: func(ctx context.Context, events []types.SecurityEvent, strategy string) (fixers.Outcome, error) {
			return vuln.Fix(ctx, events, strategy, "")
		},
		types.SourceNetworkIPS:    net.Fix,
		types.SourceHostIPS:       host.Fix,
		types.SourceFileIntegrity: file.Fix,
	}
}

// Config bounds the orchestrator's batching, retry, and approval policy.
type Config struct {
	CollectionWindow        time.Duration
	MaxBatchSize            int
	MaxAttempts             int
	MinPlanConfidence       float64
	ApprovalTimeout         time.Duration
	ApprovalMode            string
	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration
}

// DefaultConfig mirrors spec.md §4.3's stated defaults.
func DefaultConfig() Config {
	return Config{
		CollectionWindow:        10 * time.Second,
		MaxBatchSize:            10,
		MaxAttempts:             3,
		MinPlanConfidence:       0.85,
		ApprovalTimeout:         30 * time.Minute,
		ApprovalMode:            "paranoid",
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   time.Hour,
	}
}

// Orchestrator owns the batch lifecycle and the processing pipeline that
// runs while holding the execution lock.
type Orchestrator struct {
	cfg Config

	planner    Planner
	notifier   notify.Notifier
	impact     *impact.Analyzer
	backupMgr  *backup.Manager
	serviceMgr *service.Manager
	kb         *knowledge.Store
	fixers     map[types.Source]FixFunc
	log        *logrus.Logger

	collector *collector
	breaker   *gobreaker.CircuitBreaker[any]
	execLock  sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// New wires an Orchestrator. fixerRegistry is typically built with
// NewFixerRegistry; kb may be nil in tests that do not exercise learning.
func New(cfg Config, planner Planner, notifier notify.Notifier, impactAnalyzer *impact.Analyzer,
	backupMgr *backup.Manager, serviceMgr *service.Manager, kb *knowledge.Store,
	fixerRegistry map[types.Source]FixFunc, log *logrus.Logger) *Orchestrator {

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:        cfg,
		planner:    planner,
		notifier:   notifier,
		impact:     impactAnalyzer,
		backupMgr:  backupMgr,
		serviceMgr: serviceMgr,
		kb:         kb,
		fixers:     fixerRegistry,
		log:        log,
		collector:  newCollector(cfg.CollectionWindow, cfg.MaxBatchSize, log),
		breaker:    newJobBreaker(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerTimeout),
		ctx:        ctx,
		cancel:     cancel,
	}
	o.collector.onClose = o.attemptNext
	return o
}

// Stop cancels any in-flight processing started by this orchestrator.
func (o *Orchestrator) Stop() { o.cancel() }

// Submit adds event to the current collecting batch, starting one if
// none is open, per spec.md §4.3's batching rules.
func (o *Orchestrator) Submit(event types.SecurityEvent) {
	o.collector.submit(event)
}

// attemptNext takes the execution lock if free and drains the pending
// queue, running one job at a time until it is empty, then releases the
// lock. A no-op if the lock is already held — the holder's own drain
// loop will pick up anything queued meanwhile.
func (o *Orchestrator) attemptNext() {
	if !o.execLock.TryLock() {
		return
	}
	go func() {
		defer o.execLock.Unlock()
		for {
			batch := o.collector.popNext()
			if batch == nil {
				return
			}
			o.runJob(o.ctx, batch)
		}
	}()
}

// runJob executes the processing pipeline for one batch behind the
// circuit breaker. An open breaker fails the batch without attempting it.
func (o *Orchestrator) runJob(ctx context.Context, batch *types.RemediationBatch) {
	_, err := o.breaker.Execute(func() (any, error) {
		return nil, o.process(ctx, batch)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		o.failBatch(ctx, batch, "circuit-open")
	}
}

// process runs plan/approve/execute/finalize for one batch. A non-nil
// return is treated as a circuit-breaker failure; policy rejections
// (low confidence, no approval) return nil since they are not signs of
// a broken downstream dependency.
func (o *Orchestrator) process(ctx context.Context, batch *types.RemediationBatch) error {
	ctx, span := tracing.Start(ctx, "orchestrator.process")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.id", batch.BatchID), attribute.Int("batch.events", len(batch.Events)))

	o.log.WithField("batch_id", batch.BatchID).Info("starting coordinated remediation")

	batch.Status = types.BatchAnalyzing
	plan, err := o.planWithSpan(ctx, batch)
	if err != nil {
		o.failBatch(ctx, batch, "planner error: "+err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, "planner error")
		return err
	}
	if plan == nil || plan.Confidence < o.cfg.MinPlanConfidence {
		o.failBatch(ctx, batch, "plan confidence below threshold")
		span.SetStatus(codes.Error, "plan confidence below threshold")
		return nil
	}

	if o.kb != nil {
		if err := o.kb.ArchiveBatchPlan(ctx, *batch, *plan); err != nil {
			o.log.WithError(err).WithField("batch_id", batch.BatchID).Warn("failed to archive batch plan for replay")
		}
	}

	batch.Status = types.BatchAwaitingApproval
	assessment := o.assessImpact(ctx, batch, plan)
	if o.approvalRequired(assessment) {
		_, approveSpan := tracing.Start(ctx, "orchestrator.approve")
		summary := buildApprovalSummary(batch, plan, assessment)
		decision, err := o.notifier.RequestApproval(ctx, summary, o.cfg.ApprovalTimeout)
		approveSpan.SetAttributes(attribute.Bool("approved", err == nil && decision.Approved))
		approveSpan.End()
		if err != nil || !decision.Approved {
			batch.Status = types.BatchRejected
			o.log.WithField("batch_id", batch.BatchID).Warn("batch rejected or approval timed out")
			span.SetStatus(codes.Error, "rejected or timed out")
			return nil
		}
	}

	batch.Status = types.BatchExecuting
	execCtx, execSpan := tracing.Start(ctx, "orchestrator.execute")
	ok := o.execute(execCtx, batch, plan, assessment)
	execSpan.End()
	if !ok {
		batch.Status = types.BatchFailed
		span.SetStatus(codes.Error, "execution failed")
		return aerrors.Wrap(aerrors.ErrVerificationFailed, "batch execution failed")
	}

	batch.Status = types.BatchCompleted
	o.log.WithField("batch_id", batch.BatchID).Info("batch completed successfully")
	return nil
}

// Replay re-runs the plan archived under batchID against this
// orchestrator's fixers/backup/service managers, skipping both the
// planner call (the plan is replayed verbatim) and the approval gate
// (there is nothing to approve: replay is a read-only investigation
// tool). Callers are responsible for handing Replay an Orchestrator
// built from a DryRun-mode command.Executor (see cmd/aegisctl's replay
// subcommand) so execute never performs a live side effect.
func (o *Orchestrator) Replay(ctx context.Context, batchID int64) error {
	if o.kb == nil {
		return aerrors.Wrap(aerrors.ErrNotFound, "no knowledge base configured, nothing to replay")
	}
	archived, err := o.kb.GetArchivedBatchPlan(ctx, batchID)
	if err != nil {
		return err
	}

	batch := &types.RemediationBatch{
		BatchID:   archived.BatchID,
		Events:    archived.Events,
		CreatedAt: time.Now(),
		Status:    types.BatchExecuting,
	}
	plan := archived.Plan

	o.log.WithField("batch_id", batch.BatchID).Info("replaying archived batch plan")

	assessment := o.assessImpact(ctx, batch, &plan)
	if !o.execute(ctx, batch, &plan, assessment) {
		return aerrors.Wrap(aerrors.ErrVerificationFailed, "replay execution failed")
	}
	return nil
}

// planWithSpan wraps the planner call in its own span, distinct from the
// parent orchestrator.process span, so provider latency is visible
// independent of the rest of the pipeline.
func (o *Orchestrator) planWithSpan(ctx context.Context, batch *types.RemediationBatch) (*types.RemediationPlan, error) {
	ctx, span := tracing.Start(ctx, "orchestrator.plan")
	defer span.End()
	return o.planner.Plan(ctx, *batch)
}

// approvalRequired implements spec.md §4.3's approval policy: paranoid and
// balanced modes defer entirely to the Impact Analyzer's own gate, which
// is canonically conservative (see pkg/impact's final PARANOID fallback).
// aggressive mode is the one documented deviation.
func (o *Orchestrator) approvalRequired(assessment impact.Assessment) bool {
	if o.cfg.ApprovalMode == "aggressive" {
		return aggressiveOverride(assessment)
	}
	return assessment.RequiresApproval
}

// aggressiveOverride trusts the analyzer's severity judgment but bypasses
// the rest of its approval rules, including its own 0.85 confidence check
// and its always-true PARANOID fallback: a CRITICAL-severity batch still
// always requires approval (original_source impact_analyzer.py has no mode
// exception for CRITICAL), anything else may auto-execute. process's
// MinPlanConfidence gate still rejects low-confidence plans before this.
func aggressiveOverride(assessment impact.Assessment) bool {
	return assessment.Severity == impact.SeverityCritical
}

func (o *Orchestrator) assessImpact(ctx context.Context, batch *types.RemediationBatch, plan *types.RemediationPlan) impact.Assessment {
	event := representativeEvent(batch)
	paths := affectedPaths(batch)
	return o.impact.Analyze(ctx, event.Source, paths, plan.Description, plan.Confidence)
}

// representativeEvent picks the highest-severity event in the batch to
// drive the impact analyzer's single-source analysis.
func representativeEvent(batch *types.RemediationBatch) types.SecurityEvent {
	best := batch.Events[0]
	for _, e := range batch.Events[1:] {
		if e.Severity.Rank() > best.Severity.Rank() {
			best = e
		}
	}
	return best
}

func affectedPaths(batch *types.RemediationBatch) []string {
	var paths []string
	for _, e := range batch.Events {
		switch d := e.Details.(type) {
		case types.FileIntegrityDetails:
			paths = append(paths, d.Path)
		case types.VulnerabilityDetails:
			if d.Image != "" {
				paths = append(paths, d.Image)
			}
		}
	}
	return paths
}

func buildApprovalSummary(batch *types.RemediationBatch, plan *types.RemediationPlan, assessment impact.Assessment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Batch %d: %d event(s)\n", batch.BatchID, len(batch.Events))
	fmt.Fprintf(&b, "Plan: %s (confidence %.0f%%)\n", plan.Description, plan.Confidence*100)
	for i, phase := range plan.Phases {
		fmt.Fprintf(&b, "Phase %d: %s\n", i+1, phase.Description)
	}
	fmt.Fprintf(&b, "Estimated duration: %d minutes\n", plan.EstimatedDurationMinute)
	fmt.Fprintf(&b, "Impact: %s, downtime ~%ds\n", assessment.Severity, assessment.DowntimeEstimateSeconds)
	if assessment.ApprovalReason != "" {
		fmt.Fprintf(&b, "Approval reason: %s\n", assessment.ApprovalReason)
	}
	return b.String()
}

// execute runs every phase in order, for every event in the batch, via
// the registered fixer. On the first unrecoverable event failure it rolls
// back everything backed up since execution started and restarts any
// services stopped for this batch, per spec.md §4.3's Rollback rule.
func (o *Orchestrator) execute(ctx context.Context, batch *types.RemediationBatch, plan *types.RemediationPlan, assessment impact.Assessment) bool {
	before := o.snapshotBackupIDs()

	var stoppedServices []string
	if plan.RequiresRestart && o.serviceMgr != nil {
		for _, svc := range assessment.ServiceOrder {
			if ok, err := o.serviceMgr.Stop(ctx, svc); err == nil && ok {
				stoppedServices = append(stoppedServices, svc)
			}
		}
	}

	for _, phase := range plan.Phases {
		strategy := phase.Description
		if len(phase.Steps) > 0 {
			strategy = strategy + "\n" + strings.Join(phase.Steps, "\n")
		}
		for _, event := range batch.Events {
			if !o.executeEventWithRetry(ctx, batch, event, strategy) {
				o.rollback(ctx, before, stoppedServices)
				return false
			}
		}
	}

	for _, svc := range stoppedServices {
		_, _ = o.serviceMgr.Start(ctx, svc, true)
	}
	return true
}

// executeEventWithRetry calls the event's fixer up to cfg.MaxAttempts
// times, recording every attempt in the knowledge base and backing off
// adaptively between retries.
func (o *Orchestrator) executeEventWithRetry(ctx context.Context, batch *types.RemediationBatch, event types.SecurityEvent, strategy string) bool {
	fn, ok := o.fixers[event.Source]
	if !ok {
		o.log.WithField("source", event.Source).Warn("no fixer registered for event source")
		return false
	}

	maxAttempts := o.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	signature := types.Signature(event)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		start := time.Now()
		outcome, err := fn(ctx, []types.SecurityEvent{event}, strategy)
		duration := time.Since(start).Seconds()

		result := types.ResultFailure
		if outcome.Success {
			result = types.ResultSuccess
		}
		attemptRecord := types.RemediationAttempt{
			AttemptNumber: attempt,
			Timestamp:     start,
			Strategy:      strategy,
			Result:        result,
			ErrorMessage:  outcome.Message,
			DurationSecs:  duration,
		}
		batch.PriorAttempts = append(batch.PriorAttempts, attemptRecord)

		if o.kb != nil {
			_, kbErr := o.kb.RecordFix(ctx, knowledge.FixRecord{
				Event:           event,
				Strategy:        types.FixStrategy{Description: strategy},
				Result:          result,
				ErrorMessage:    outcome.Message,
				DurationSeconds: duration,
				RetryCount:      attempt - 1,
			})
			if kbErr != nil {
				o.log.WithError(kbErr).Warn("failed to record fix in knowledge base")
			}
		}

		if outcome.Success {
			return true
		}
		lastErr = err

		if attempt < maxAttempts {
			delay := adaptiveDelay(ctx, o.kb, signature, string(event.Source), attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return false
			}
		}
	}

	o.log.WithFields(logrus.Fields{"event_id": event.EventID, "source": event.Source, "error": errString(lastErr)}).
		Error("fix failed after all retries")
	return false
}

func (o *Orchestrator) snapshotBackupIDs() map[string]bool {
	set := map[string]bool{}
	if o.backupMgr == nil {
		return set
	}
	for _, info := range o.backupMgr.List() {
		set[info.BackupID] = true
	}
	return set
}

// rollback restores every backup created since before was captured, in
// reverse insertion order, and restarts services that execute stopped.
func (o *Orchestrator) rollback(ctx context.Context, before map[string]bool, stoppedServices []string) {
	if o.backupMgr != nil {
		var toRestore []string
		for _, info := range o.backupMgr.List() {
			if !before[info.BackupID] {
				toRestore = append(toRestore, info.BackupID)
			}
		}
		for i, j := 0, len(toRestore)-1; i < j; i, j = i+1, j-1 {
			toRestore[i], toRestore[j] = toRestore[j], toRestore[i]
		}
		if len(toRestore) > 0 {
			o.backupMgr.RollbackBatch(ctx, toRestore)
		}
	}
	if o.serviceMgr != nil {
		for _, svc := range stoppedServices {
			_, _ = o.serviceMgr.Start(ctx, svc, true)
		}
	}
}

func (o *Orchestrator) failBatch(ctx context.Context, batch *types.RemediationBatch, reason string) {
	batch.Status = types.BatchFailed
	o.log.WithFields(logrus.Fields{"batch_id": batch.BatchID, "reason": reason}).Error("batch failed")
	if o.notifier != nil {
		_, _ = o.notifier.Send(ctx, notify.ChannelOrchestrator, notify.Message{
			Title:    fmt.Sprintf("Batch %d failed", batch.BatchID),
			Body:     reason,
			Severity: string(batch.SeverityPriority()),
		})
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
