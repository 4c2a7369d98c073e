package types_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aegisops/aegis-controller/pkg/types"
)

func TestTypes(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "types suite")
}

var _ = Describe("Signature", func() {
	It("derives the individual vulnerability signature when finding detail is present", func() {
		sig := types.Signature(types.SecurityEvent{
			Source: types.SourceVulnerabilityScan,
			Details: types.VulnerabilityDetails{
				CVE:              "CVE-2024-0001",
				Package:          "openssl",
				InstalledVersion: "1.0.0",
			},
		})
		Expect(sig).To(Equal("scan:CVE-2024-0001:openssl:1.0.0"))
	})

	It("falls back to the batch signature only when no finding detail is present", func() {
		sig := types.Signature(types.SecurityEvent{
			Source: types.SourceVulnerabilityScan,
			Details: types.VulnerabilityDetails{
				IsSummary: true,
				Critical:  2,
				High:      1,
				Medium:    0,
				Images:    3,
			},
		})
		Expect(sig).To(Equal("scan_batch:2c:1h:0m:3i"))
	})

	DescribeTable("per-source signature formats",
		func(details types.Details, expected string) {
			Expect(types.Signature(types.SecurityEvent{Details: details})).To(Equal(expected))
		},
		Entry("network_ips", types.NetworkIPSDetails{IP: "203.0.113.5", Scenario: "ssh-bf"}, "net:203.0.113.5:ssh-bf"),
		Entry("host_ips", types.HostIPSDetails{IP: "198.51.100.4", Jail: "sshd"}, "host:198.51.100.4:sshd"),
		Entry("file_integrity", types.FileIntegrityDetails{Path: "/etc/shadow", Kind: types.ChangeChanged}, "file:/etc/shadow:changed"),
	)
})

var _ = Describe("IsPersistent", func() {
	DescribeTable("classifies by source",
		func(source types.Source, expected bool) {
			Expect(types.SecurityEvent{Source: source}.IsPersistent()).To(Equal(expected))
		},
		Entry("vulnerability_scan is persistent", types.SourceVulnerabilityScan, true),
		Entry("file_integrity is persistent", types.SourceFileIntegrity, true),
		Entry("host_ips self-resolves", types.SourceHostIPS, false),
		Entry("network_ips self-resolves", types.SourceNetworkIPS, false),
	)
})

var _ = Describe("MaxSeverity", func() {
	It("picks the higher-ranked severity regardless of argument order", func() {
		Expect(types.MaxSeverity(types.SeverityLow, types.SeverityCritical)).To(Equal(types.SeverityCritical))
		Expect(types.MaxSeverity(types.SeverityHigh, types.SeverityMedium)).To(Equal(types.SeverityHigh))
	})
})
