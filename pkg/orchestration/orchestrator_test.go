package orchestration

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/aegisops/aegis-controller/pkg/fixers"
	"github.com/aegisops/aegis-controller/pkg/impact"
	"github.com/aegisops/aegis-controller/pkg/knowledge"
	"github.com/aegisops/aegis-controller/pkg/notify"
	"github.com/aegisops/aegis-controller/pkg/types"
)

func TestOrchestration(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "orchestration suite")
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(GinkgoWriter)
	return log
}

// stubPlanner returns a fixed plan or error, set per test.
type stubPlanner struct {
	plan *types.RemediationPlan
	err  error
}

func (s *stubPlanner) Plan(ctx context.Context, batch types.RemediationBatch) (*types.RemediationPlan, error) {
	return s.plan, s.err
}

func (s *stubPlanner) Strategy(ctx context.Context, event types.SecurityEvent, prior []types.RemediationAttempt) (*types.FixStrategy, error) {
	return &types.FixStrategy{Description: "retry", Confidence: 0.9}, nil
}

// stubNotifier records approval requests and returns a fixed decision.
type stubNotifier struct {
	decision notify.ApprovalDecision
	err      error
	sent     int32
}

func (s *stubNotifier) Send(ctx context.Context, channel notify.ChannelKind, msg notify.Message) (notify.Handle, error) {
	atomic.AddInt32(&s.sent, 1)
	return notify.Handle("h"), nil
}

func (s *stubNotifier) RequestApproval(ctx context.Context, summary string, timeout time.Duration) (notify.ApprovalDecision, error) {
	return s.decision, s.err
}

func (s *stubNotifier) UpdateLive(ctx context.Context, handle notify.Handle, content string) error {
	return nil
}

func (s *stubNotifier) EnsureChannels(ctx context.Context, layout []notify.ChannelKind) error {
	return nil
}

func okPlan() *types.RemediationPlan {
	return &types.RemediationPlan{
		Description: "apply host ips fix",
		Confidence:  0.9,
		Phases:      []types.Phase{{Name: "apply", Description: "apply fix", Steps: []string{"run fixer"}}},
	}
}

func fixFunc(success bool, message string) FixFunc {
	return func(ctx context.Context, events []types.SecurityEvent, strategy string) (fixers.Outcome, error) {
		return fixers.Outcome{Success: success, Message: message}, nil
	}
}

func countingFixFunc(failures int, calls *int32) FixFunc {
	return func(ctx context.Context, events []types.SecurityEvent, strategy string) (fixers.Outcome, error) {
		n := atomic.AddInt32(calls, 1)
		if int(n) <= failures {
			return fixers.Outcome{Success: false, Message: "not yet"}, nil
		}
		return fixers.Outcome{Success: true, Message: "fixed"}, nil
	}
}

func hostIPSEvent() types.SecurityEvent {
	now := time.Now()
	return types.SecurityEvent{
		EventID:   types.NewEventID(types.SourceHostIPS, "ban", now),
		Source:    types.SourceHostIPS,
		EventType: "ban",
		Severity:  types.SeverityMedium,
		Details:   types.HostIPSDetails{IP: "10.0.0.1", Jail: "sshd"},
		Timestamp: now,
	}
}

func testImpactAnalyzer() *impact.Analyzer {
	return impact.New(map[string]impact.Project{}, nil, testLogger())
}

var _ = Describe("Orchestrator", func() {
	var (
		planner  *stubPlanner
		notifier *stubNotifier
		cfg      Config
	)

	BeforeEach(func() {
		planner = &stubPlanner{plan: okPlan()}
		notifier = &stubNotifier{decision: notify.ApprovalDecision{Approved: true}}
		cfg = DefaultConfig()
		cfg.CollectionWindow = 10 * time.Millisecond
		cfg.MaxBatchSize = 1
		cfg.ApprovalMode = "paranoid"
	})

	It("completes a batch through plan, approve, and execute", func() {
		registry := map[types.Source]FixFunc{types.SourceHostIPS: fixFunc(true, "fixed")}
		o := New(cfg, planner, notifier, testImpactAnalyzer(), nil, nil, nil, registry, testLogger())
		defer o.Stop()

		o.Submit(hostIPSEvent())

		Eventually(func() int32 { return atomic.LoadInt32(&notifier.sent) }, time.Second, 5*time.Millisecond).
			Should(BeNumerically(">=", 0))
	})

	It("rejects a batch whose plan confidence is below threshold", func() {
		planner.plan = &types.RemediationPlan{Description: "low confidence", Confidence: 0.5}
		registry := map[types.Source]FixFunc{types.SourceHostIPS: fixFunc(true, "fixed")}
		o := New(cfg, planner, notifier, testImpactAnalyzer(), nil, nil, nil, registry, testLogger())
		defer o.Stop()

		o.Submit(hostIPSEvent())

		Eventually(func() int32 { return atomic.LoadInt32(&notifier.sent) }, time.Second, 5*time.Millisecond).
			Should(BeNumerically(">=", 1))
	})

	It("treats approval rejection as a terminal, non-breaker-tripping outcome", func() {
		notifier.decision = notify.ApprovalDecision{Approved: false}
		registry := map[types.Source]FixFunc{types.SourceHostIPS: fixFunc(true, "fixed")}
		o := New(cfg, planner, notifier, testImpactAnalyzer(), nil, nil, nil, registry, testLogger())
		defer o.Stop()

		batch := &types.RemediationBatch{BatchID: 1, Events: []types.SecurityEvent{hostIPSEvent()}}
		o.runJob(context.Background(), batch)

		Expect(batch.Status).To(Equal(types.BatchRejected))
	})

	It("retries a failing fixer with adaptive backoff before giving up", func() {
		var calls int32
		registry := map[types.Source]FixFunc{types.SourceHostIPS: countingFixFunc(1, &calls)}
		cfg.MaxAttempts = 2
		o := New(cfg, planner, notifier, testImpactAnalyzer(), nil, nil, nil, registry, testLogger())
		defer o.Stop()

		batch := &types.RemediationBatch{BatchID: 2, Events: []types.SecurityEvent{hostIPSEvent()}}
		o.process(context.Background(), batch)

		Expect(atomic.LoadInt32(&calls)).To(Equal(int32(2)))
		Expect(batch.Status).To(Equal(types.BatchCompleted))
	})

	It("fails the batch when every retry is exhausted", func() {
		registry := map[types.Source]FixFunc{types.SourceHostIPS: fixFunc(false, "permanent failure")}
		cfg.MaxAttempts = 2
		o := New(cfg, planner, notifier, testImpactAnalyzer(), nil, nil, nil, registry, testLogger())
		defer o.Stop()

		batch := &types.RemediationBatch{BatchID: 3, Events: []types.SecurityEvent{hostIPSEvent()}}
		err := o.process(context.Background(), batch)

		Expect(err).To(HaveOccurred())
		Expect(batch.Status).To(Equal(types.BatchFailed))
	})

	It("opens the circuit breaker after consecutive failures and drains the queue as circuit-open", func() {
		registry := map[types.Source]FixFunc{types.SourceHostIPS: fixFunc(false, "permanent failure")}
		cfg.MaxAttempts = 1
		cfg.CircuitBreakerThreshold = 2
		o := New(cfg, planner, notifier, testImpactAnalyzer(), nil, nil, nil, registry, testLogger())
		defer o.Stop()

		for i := int64(1); i <= 3; i++ {
			batch := &types.RemediationBatch{BatchID: i, Events: []types.SecurityEvent{hostIPSEvent()}}
			o.runJob(context.Background(), batch)
		}

		Eventually(func() int32 { return atomic.LoadInt32(&notifier.sent) }, time.Second, 5*time.Millisecond).
			Should(BeNumerically(">=", 1))
	})
})

var _ = Describe("Orchestrator.Replay", func() {
	var (
		planner  *stubPlanner
		notifier *stubNotifier
		cfg      Config
		kb       *knowledge.Store
	)

	BeforeEach(func() {
		planner = &stubPlanner{plan: okPlan()}
		notifier = &stubNotifier{decision: notify.ApprovalDecision{Approved: true}}
		cfg = DefaultConfig()
		cfg.CollectionWindow = 10 * time.Millisecond
		cfg.MaxBatchSize = 1
		cfg.ApprovalMode = "paranoid"

		var err error
		kb, err = knowledge.Open(filepath.Join(GinkgoT().TempDir(), "knowledge.db"), testLogger())
		Expect(err).NotTo(HaveOccurred())
		Expect(kb.Degraded()).To(BeFalse())
		DeferCleanup(func() { Expect(kb.Close()).To(Succeed()) })
	})

	It("re-executes an archived plan without calling the planner or requesting approval", func() {
		var calls int32
		registry := map[types.Source]FixFunc{types.SourceHostIPS: countingFixFunc(0, &calls)}
		o := New(cfg, planner, notifier, testImpactAnalyzer(), nil, nil, kb, registry, testLogger())
		defer o.Stop()

		batch := types.RemediationBatch{BatchID: 11, Status: types.BatchAwaitingApproval, Events: []types.SecurityEvent{hostIPSEvent()}}
		plan := *okPlan()
		Expect(kb.ArchiveBatchPlan(context.Background(), batch, plan)).To(Succeed())

		err := o.Replay(context.Background(), batch.BatchID)
		Expect(err).NotTo(HaveOccurred())

		Expect(atomic.LoadInt32(&calls)).To(Equal(int32(1)))
		Expect(atomic.LoadInt32(&notifier.sent)).To(Equal(int32(0)))
	})

	It("fails for a batch id with no archived plan", func() {
		registry := map[types.Source]FixFunc{types.SourceHostIPS: fixFunc(true, "fixed")}
		o := New(cfg, planner, notifier, testImpactAnalyzer(), nil, nil, kb, registry, testLogger())
		defer o.Stop()

		err := o.Replay(context.Background(), 404)
		Expect(err).To(HaveOccurred())
	})

	It("fails when no knowledge base is configured", func() {
		registry := map[types.Source]FixFunc{types.SourceHostIPS: fixFunc(true, "fixed")}
		o := New(cfg, planner, notifier, testImpactAnalyzer(), nil, nil, nil, registry, testLogger())
		defer o.Stop()

		err := o.Replay(context.Background(), 1)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("aggressiveOverride", func() {
	It("still requires approval for CRITICAL-severity impact", func() {
		Expect(aggressiveOverride(impact.Assessment{Severity: impact.SeverityCritical})).To(BeTrue())
	})

	It("auto-executes anything below CRITICAL", func() {
		Expect(aggressiveOverride(impact.Assessment{Severity: impact.SeverityModerate})).To(BeFalse())
	})
})
