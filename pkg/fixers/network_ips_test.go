package fixers_test

import (
	"context"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aegisops/aegis-controller/internal/errors"
	"github.com/aegisops/aegis-controller/pkg/command"
	"github.com/aegisops/aegis-controller/pkg/fixers"
	"github.com/aegisops/aegis-controller/pkg/types"
)

var _ = Describe("NetworkIPSFixer", func() {
	var (
		exec *command.Executor
		f    *fixers.NetworkIPSFixer
	)

	BeforeEach(func() {
		exec = command.New(command.DefaultConfig(), newLogger())
		bm := newBackupManager(filepath.Join(GinkgoT().TempDir(), "backups"))
		f = fixers.NewNetworkIPSFixer(exec, bm, newLogger())
	})

	It("refuses to block a whitelisted IP", func() {
		events := []types.SecurityEvent{{
			Source:  types.SourceNetworkIPS,
			Details: types.NetworkIPSDetails{IP: "127.0.0.1", Scenario: "ssh-bruteforce"},
		}}

		_, err := f.Fix(context.Background(), events, "ufw permanent block")
		Expect(err).To(HaveOccurred())
		Expect(errors.Is(err, errors.ErrRefusedUnsafe)).To(BeTrue())
	})

	It("reports no IPs when none are present", func() {
		events := []types.SecurityEvent{{
			Source:  types.SourceNetworkIPS,
			Details: types.NetworkIPSDetails{Scenario: "ssh-bruteforce"},
		}}

		outcome, err := f.Fix(context.Background(), events, "ufw permanent block")
		Expect(err).To(HaveOccurred())
		Expect(errors.Is(err, errors.ErrNotFound)).To(BeTrue())
		Expect(outcome.Success).To(BeFalse())
	})

	DescribeTable("method selection",
		func(strategy string, expected string) {
			events := []types.SecurityEvent{{
				Source:  types.SourceNetworkIPS,
				Details: types.NetworkIPSDetails{IP: "203.0.113.5", Scenario: "ssh-bruteforce"},
			}}
			// ufw/cscli are very likely absent from the sandbox, so the
			// fixer will fail after determining its method; we only assert
			// the method chosen by inspecting the returned Outcome.Method.
			outcome, _ := f.Fix(context.Background(), events, strategy)
			Expect(outcome.Method).To(Equal(expected))
		},
		Entry("defaults to ufw_permanent", "block this attacker", "ufw_permanent"),
		Entry("recognizes ufw keyword", "add a firewall rule", "ufw_permanent"),
		Entry("recognizes extended/duration", "extend the ban duration", "crowdsec_extended"),
		Entry("recognizes range/subnet", "block the whole subnet", "range_blocking"),
		Entry("recognizes combined", "apply a combined fix", "combined"),
		Entry("recognizes the both synonym", "do both ufw and crowdsec", "combined"),
	)

	It("selects range blocking for IPs sharing a /24", func() {
		events := []types.SecurityEvent{
			{Source: types.SourceNetworkIPS, Details: types.NetworkIPSDetails{IP: "203.0.113.5"}},
			{Source: types.SourceNetworkIPS, Details: types.NetworkIPSDetails{IP: "203.0.113.9"}},
		}
		outcome, _ := f.Fix(context.Background(), events, "block the subnet")
		Expect(outcome.Method).To(Equal("range_blocking"))
	})
})
