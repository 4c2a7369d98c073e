package knowledge_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	aerrors "github.com/aegisops/aegis-controller/internal/errors"
	"github.com/aegisops/aegis-controller/pkg/knowledge"
	"github.com/aegisops/aegis-controller/pkg/types"
)

func TestKnowledge(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "knowledge suite")
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(GinkgoWriter)
	return log
}

func openStore() *knowledge.Store {
	path := filepath.Join(GinkgoT().TempDir(), "knowledge.db")
	s, err := knowledge.Open(path, newLogger())
	Expect(err).NotTo(HaveOccurred())
	Expect(s.Degraded()).To(BeFalse())
	return s
}

var _ = Describe("Store", func() {
	var (
		ctx context.Context
		s   *knowledge.Store
	)

	BeforeEach(func() {
		ctx = context.Background()
		s = openStore()
	})

	AfterEach(func() {
		Expect(s.Close()).To(Succeed())
	})

	It("records a fix and creates a new strategy accumulator", func() {
		event := types.SecurityEvent{
			Source:    types.SourceVulnerabilityScan,
			EventType: "cve",
			Severity:  types.SeverityHigh,
			Details: types.VulnerabilityDetails{
				CVE: "CVE-2024-1234", Package: "openssl", InstalledVersion: "1.0.0",
			},
		}
		strategy := types.FixStrategy{Description: "upgrade package", Confidence: 0.8}

		id, err := s.RecordFix(ctx, knowledge.FixRecord{
			Event: event, Strategy: strategy, Result: types.ResultSuccess,
			DurationSeconds: 12.5, RetryCount: 0,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(id).To(BeNumerically(">", 0))

		best, err := s.GetBestStrategies(ctx, "cve", 5)
		Expect(err).NotTo(HaveOccurred())
		// Fewer than 3 attempts so far: not yet eligible.
		Expect(best).To(BeEmpty())
	})

	It("computes a success rate over recorded fixes", func() {
		event := types.SecurityEvent{
			Source: types.SourceNetworkIPS, EventType: "ban",
			Details: types.NetworkIPSDetails{IP: "203.0.113.5", Scenario: "ssh-bruteforce"},
		}
		strategy := types.FixStrategy{Description: "block ip", Confidence: 0.9}

		for i := 0; i < 2; i++ {
			_, err := s.RecordFix(ctx, knowledge.FixRecord{
				Event: event, Strategy: strategy, Result: types.ResultSuccess, DurationSeconds: 1,
			})
			Expect(err).NotTo(HaveOccurred())
		}
		_, err := s.RecordFix(ctx, knowledge.FixRecord{
			Event: event, Strategy: strategy, Result: types.ResultFailure,
			ErrorMessage: "ufw not found", DurationSeconds: 1,
		})
		Expect(err).NotTo(HaveOccurred())

		rate, err := s.GetSuccessRate(ctx, "", "network_ips", 30)
		Expect(err).NotTo(HaveOccurred())
		Expect(rate.Total).To(Equal(3))
		Expect(rate.Success).To(Equal(2))
		Expect(rate.Failure).To(Equal(1))
		Expect(rate.SuccessRate).To(BeNumerically("~", 2.0/3.0, 0.001))

		best, err := s.GetBestStrategies(ctx, "ban", 5)
		Expect(err).NotTo(HaveOccurred())
		Expect(best).To(HaveLen(1))
		Expect(best[0].Name).To(Equal("block ip"))
		Expect(best[0].SuccessCount).To(Equal(2))
		Expect(best[0].FailureCount).To(Equal(1))
	})

	It("records a vulnerability linked to a fix", func() {
		event := types.SecurityEvent{
			Source: types.SourceVulnerabilityScan, EventType: "cve",
			Details: types.VulnerabilityDetails{CVE: "CVE-2024-5555", Package: "curl", InstalledVersion: "7.0"},
		}
		fixID, err := s.RecordFix(ctx, knowledge.FixRecord{
			Event: event, Strategy: types.FixStrategy{Description: "upgrade", Confidence: 0.7},
			Result: types.ResultSuccess,
		})
		Expect(err).NotTo(HaveOccurred())

		vulnID, err := s.RecordVulnerability(ctx, knowledge.VulnerabilityRecord{
			Source: "trivy", CVE: "CVE-2024-5555", Severity: "HIGH", Package: "curl",
			Version: "7.0", FixedVersion: "7.1",
		}, &fixID)
		Expect(err).NotTo(HaveOccurred())
		Expect(vulnID).To(BeNumerically(">", 0))

		summary, err := s.Summary(ctx, 30)
		Expect(err).NotTo(HaveOccurred())
		Expect(summary.TotalFixes).To(Equal(1))
		Expect(summary.TotalVulnerabilities).To(Equal(1))
	})

	It("creates missing parent directories on open", func() {
		s, err := knowledge.Open(filepath.Join(GinkgoT().TempDir(), "missing-dir", "sub", "knowledge.db"), newLogger())
		Expect(err).NotTo(HaveOccurred())
		Expect(s.Degraded()).To(BeFalse())
	})

	It("opens in degraded mode when the database path is not a usable file", func() {
		blocked := filepath.Join(GinkgoT().TempDir(), "knowledge.db")
		Expect(os.Mkdir(blocked, 0o755)).To(Succeed())

		degraded, err := knowledge.Open(blocked, newLogger())
		Expect(err).To(HaveOccurred())
		Expect(degraded.Degraded()).To(BeTrue())

		_, recordErr := degraded.RecordFix(ctx, knowledge.FixRecord{
			Event:    types.SecurityEvent{Source: types.SourceHostIPS, Details: types.HostIPSDetails{IP: "1.2.3.4", Jail: "sshd"}},
			Strategy: types.FixStrategy{Description: "noop"},
			Result:   types.ResultFailure,
		})
		Expect(recordErr).To(HaveOccurred())
	})

	It("archives and retrieves a batch plan for replay", func() {
		batch := types.RemediationBatch{
			BatchID: 42,
			Status:  types.BatchAwaitingApproval,
			Events: []types.SecurityEvent{
				{
					EventID:   "evt-1",
					Source:    types.SourceFileIntegrity,
					EventType: "integrity_violation",
					Severity:  types.SeverityHigh,
					Details:   types.FileIntegrityDetails{Path: "/etc/passwd", Kind: types.ChangeChanged},
				},
			},
		}
		plan := types.RemediationPlan{
			Description: "restore /etc/passwd from backup",
			Confidence:  0.9,
			Phases: []types.Phase{
				{Name: "restore", Description: "restore file", Steps: []string{"cp backup original"}},
			},
		}

		Expect(s.ArchiveBatchPlan(ctx, batch, plan)).To(Succeed())

		archived, err := s.GetArchivedBatchPlan(ctx, batch.BatchID)
		Expect(err).NotTo(HaveOccurred())
		Expect(archived.BatchID).To(Equal(batch.BatchID))
		Expect(archived.Status).To(Equal(batch.Status))
		Expect(archived.Plan).To(Equal(plan))
		Expect(archived.Events).To(HaveLen(1))
		Expect(archived.Events[0].EventID).To(Equal("evt-1"))
		Expect(archived.Events[0].Details).To(Equal(types.FileIntegrityDetails{Path: "/etc/passwd", Kind: types.ChangeChanged}))
	})

	It("re-archiving the same batch id overwrites the prior plan", func() {
		batch := types.RemediationBatch{
			BatchID: 7,
			Status:  types.BatchAwaitingApproval,
			Events: []types.SecurityEvent{
				{Source: types.SourceHostIPS, Details: types.HostIPSDetails{IP: "1.2.3.4", Jail: "sshd"}},
			},
		}
		first := types.RemediationPlan{Description: "ban ip", Confidence: 0.5}
		second := types.RemediationPlan{Description: "ban ip, retry", Confidence: 0.8}

		Expect(s.ArchiveBatchPlan(ctx, batch, first)).To(Succeed())
		Expect(s.ArchiveBatchPlan(ctx, batch, second)).To(Succeed())

		archived, err := s.GetArchivedBatchPlan(ctx, batch.BatchID)
		Expect(err).NotTo(HaveOccurred())
		Expect(archived.Plan).To(Equal(second))
	})

	It("returns ErrNotFound for a batch id that was never archived", func() {
		_, err := s.GetArchivedBatchPlan(ctx, 99999)
		Expect(err).To(HaveOccurred())
		Expect(aerrors.Is(err, aerrors.ErrNotFound)).To(BeTrue())
	})
})
