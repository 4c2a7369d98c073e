package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aegisops/aegis-controller/internal/config"
)

func TestConfig(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "config suite")
}

const validYAML = `
server:
  webhook_port: 9000
  metrics_port: 9100
llm:
  provider: ollama
  endpoint: http://localhost:11434
  model: llama3
  timeout: 30s
  temperature: 0.2
auto_remediation:
  enabled: true
  approval_mode: paranoid
  circuit_breaker_threshold: 5
  circuit_breaker_timeout: 1h
  max_batch_size: 10
  max_attempts: 3
knowledge_base:
  path: /var/lib/aegis/kb.sqlite
  retention_days: 30
backup:
  root: /tmp/aegis_backups
  retention_days: 7
  max_size_mb: 1000
logging:
  level: info
  format: json
`

var _ = Describe("Load", func() {
	It("parses and validates a well-formed config file", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "config.yaml")
		Expect(os.WriteFile(path, []byte(validYAML), 0o644)).To(Succeed())

		cfg, err := config.Load(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Server.WebhookPort).To(Equal(9000))
		Expect(cfg.AutoRemediation.ApprovalMode).To(Equal("paranoid"))
		Expect(cfg.AutoRemediation.MaxBatchSize).To(Equal(10))
	})

	It("rejects a config missing required fields", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "config.yaml")
		Expect(os.WriteFile(path, []byte("server:\n  webhook_port: 9000\n"), 0o644)).To(Succeed())

		_, err := config.Load(path)
		Expect(err).To(HaveOccurred())
	})

	It("rejects an approval_mode outside the enum", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "config.yaml")
		bad := strings.Replace(validYAML, "approval_mode: paranoid", "approval_mode: reckless", 1)
		Expect(os.WriteFile(path, []byte(bad), 0o644)).To(Succeed())

		_, err := config.Load(path)
		Expect(err).To(HaveOccurred())
	})

	It("returns an error for a missing file", func() {
		_, err := config.Load("/nonexistent/path/config.yaml")
		Expect(err).To(HaveOccurred())
	})
})
