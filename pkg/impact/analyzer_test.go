package impact_test

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/aegisops/aegis-controller/pkg/command"
	"github.com/aegisops/aegis-controller/pkg/impact"
	"github.com/aegisops/aegis-controller/pkg/types"
)

func TestImpact(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "impact suite")
}

func newAnalyzer() *impact.Analyzer {
	log := logrus.New()
	log.SetOutput(GinkgoWriter)
	exec := command.New(command.DefaultConfig(), log)
	return impact.New(impact.DefaultProjects(), exec, log)
}

var _ = Describe("Analyze severity", func() {
	var a *impact.Analyzer

	BeforeEach(func() { a = newAnalyzer() })

	It("escalates to CRITICAL when a protected system path is affected", func() {
		result := a.Analyze(context.Background(), types.SourceFileIntegrity, []string{"/etc/shadow"}, "restore file", 0.9)
		Expect(result.Severity).To(Equal(impact.SeverityCritical))
		Expect(result.RequiresApproval).To(BeTrue())
		Expect(result.ApprovalReason).To(Equal("Protected system path: /etc/shadow"))
	})

	It("assesses SIGNIFICANT when the production project is affected", func() {
		result := a.Analyze(context.Background(), types.SourceVulnerabilityScan, []string{"/home/cmdshadow/project/package.json"}, "npm audit fix", 0.95)
		Expect(result.Severity).To(Equal(impact.SeveritySignificant))
		Expect(result.AffectedProjects).To(ContainElement("sicherheitstool"))
	})

	It("assesses MODERATE for a vulnerability scan with no production impact", func() {
		result := a.Analyze(context.Background(), types.SourceVulnerabilityScan, nil, "npm audit fix", 0.95)
		Expect(result.Severity).To(Equal(impact.SeverityModerate))
		Expect(result.AffectedProjects).To(ConsistOf("shadowops-bot", "guildscout"))
	})

	It("assesses MINIMAL for a host IPS event with no other escalation", func() {
		result := a.Analyze(context.Background(), types.SourceHostIPS, nil, "ban ip", 0.95)
		Expect(result.Severity).To(Equal(impact.SeverityMinimal))
	})

	It("falls back to shadowops-bot when nothing else matches", func() {
		result := a.Analyze(context.Background(), types.SourceNetworkIPS, nil, "block ip", 0.95)
		Expect(result.AffectedProjects).To(ContainElement("shadowops-bot"))
	})
})

var _ = Describe("Downtime estimate", func() {
	It("adds per-project, rebuild, database, and restart increments to the severity base", func() {
		a := newAnalyzer()
		result := a.Analyze(context.Background(), types.SourceVulnerabilityScan, nil, "rebuild and restart after database migration", 0.95)
		// MODERATE base 30 + 10*2 projects + 120 rebuild + 60 database + 15 restart = 245
		// (severity escalates to CRITICAL due to "migration" keyword, base 120)
		Expect(result.DowntimeEstimateSeconds).To(BeNumerically(">=", 120+20+120+60+15))
	})
})

var _ = Describe("Approval requirement", func() {
	It("defaults to true in paranoid mode even with high confidence and no special conditions", func() {
		a := newAnalyzer()
		result := a.Analyze(context.Background(), types.SourceNetworkIPS, nil, "block ip permanently", 0.99)
		Expect(result.RequiresApproval).To(BeTrue())
		Expect(result.ApprovalReason).NotTo(BeEmpty())
	})

	It("requires approval for file_integrity sources regardless of confidence", func() {
		a := newAnalyzer()
		result := a.Analyze(context.Background(), types.SourceFileIntegrity, []string{"/home/cmdshadow/shadowops-bot/app.py"}, "approve legitimate change", 0.99)
		Expect(result.RequiresApproval).To(BeTrue())
	})
})

var _ = Describe("CheckProjectStatus", func() {
	It("reports a status for every registered project", func() {
		a := newAnalyzer()
		statuses := a.CheckProjectStatus(context.Background())
		Expect(statuses).To(HaveLen(len(impact.DefaultProjects())))
		for _, status := range statuses {
			Expect(status).To(BeElementOf(impact.StatusRunning, impact.StatusStopped, impact.StatusUnknown))
		}
	})
})

var _ = Describe("Service order", func() {
	It("places a dependency before its dependent", func() {
		a := newAnalyzer()
		result := a.Analyze(context.Background(), types.SourceVulnerabilityScan, []string{"/home/cmdshadow/project/package.json"}, "restart", 0.9)
		order := result.ServiceOrder
		depIdx, dependentIdx := -1, -1
		for i, name := range order {
			if name == "postgresql" {
				depIdx = i
			}
			if name == "sicherheitstool" {
				dependentIdx = i
			}
		}
		Expect(depIdx).To(BeNumerically(">=", 0))
		Expect(dependentIdx).To(BeNumerically(">=", 0))
		Expect(depIdx).To(BeNumerically("<", dependentIdx))
	})
})
