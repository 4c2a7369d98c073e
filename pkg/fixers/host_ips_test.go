package fixers_test

import (
	"context"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aegisops/aegis-controller/pkg/command"
	"github.com/aegisops/aegis-controller/pkg/fixers"
	"github.com/aegisops/aegis-controller/pkg/types"
)

var _ = Describe("HostIPSFixer", func() {
	var f *fixers.HostIPSFixer

	BeforeEach(func() {
		exec := command.New(command.DefaultConfig(), newLogger())
		bm := newBackupManager(filepath.Join(GinkgoT().TempDir(), "backups"))
		f = fixers.NewHostIPSFixer(exec, bm, newLogger())
	})

	DescribeTable("method selection",
		func(strategy string, expected string) {
			events := []types.SecurityEvent{{
				Source:  types.SourceHostIPS,
				Details: types.HostIPSDetails{IP: "198.51.100.7", Jail: "sshd"},
			}}
			outcome, _ := f.Fix(context.Background(), events, strategy)
			Expect(outcome.Method).To(Equal(expected))
		},
		Entry("defaults to harden_config", "remediate the intrusion", "harden_config"),
		Entry("recognizes harden/config/maxretry", "tighten the maxretry setting", "harden_config"),
		Entry("recognizes permanent/ban", "apply a permanent ban", "permanent_ban"),
		Entry("recognizes filter/regex", "optimize the filter regex", "filter_optimization"),
		Entry("recognizes combined", "apply a combined fix", "combined"),
	)

	It("falls back to sshd when no jail is named anywhere", func() {
		events := []types.SecurityEvent{{
			Source:  types.SourceHostIPS,
			Details: types.HostIPSDetails{IP: "198.51.100.7"},
		}}
		outcome, _ := f.Fix(context.Background(), events, "harden the configuration")
		Expect(outcome.Extra["jail"]).To(Equal("sshd"))
	})

	It("picks up the jail from the event details", func() {
		events := []types.SecurityEvent{{
			Source:  types.SourceHostIPS,
			Details: types.HostIPSDetails{IP: "198.51.100.7", Jail: "nginx-limit-req"},
		}}
		outcome, _ := f.Fix(context.Background(), events, "harden the configuration")
		Expect(outcome.Extra["jail"]).To(Equal("nginx-limit-req"))
	})
})
