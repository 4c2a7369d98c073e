package health_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"

	"github.com/aegisops/aegis-controller/pkg/command"
	"github.com/aegisops/aegis-controller/pkg/health"
	"github.com/aegisops/aegis-controller/pkg/notify"
)

func TestHealth(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "health suite")
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(GinkgoWriter)
	return log
}

var _ = Describe("Monitor", func() {
	var (
		exec     *command.Executor
		notifier *notify.FileSink
		notifyDir string
	)

	BeforeEach(func() {
		exec = command.New(command.DefaultConfig(), newLogger())
		notifyDir = GinkgoT().TempDir()
		notifier = notify.NewFileSink(notifyDir, newLogger())
	})

	It("marks a project online after a successful health check", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		cfg := health.DefaultConfig("widget-api", server.URL)
		cfg.CheckInterval = 20 * time.Millisecond

		m := health.New([]health.Config{cfg}, exec, notifier, newLogger())
		m.SetStartupGrace(0)

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
		defer cancel()
		go m.Run(ctx)
		<-ctx.Done()

		snap, ok := m.Status("widget-api")
		Expect(ok).To(BeTrue())
		Expect(snap.IsOnline).To(BeTrue())
		Expect(snap.TotalChecks).To(BeNumerically(">=", 1))
	})

	It("marks a project offline and sends an incident after a failing check", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		cfg := health.DefaultConfig("widget-api", server.URL)
		cfg.CheckInterval = time.Second

		m := health.New([]health.Config{cfg}, exec, notifier, newLogger())
		m.SetStartupGrace(0)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		go m.Run(ctx)
		<-ctx.Done()

		snap, ok := m.Status("widget-api")
		Expect(ok).To(BeTrue())
		Expect(snap.IsOnline).To(BeFalse())
		Expect(snap.ConsecutiveFailures).To(BeNumerically(">=", 1))

		files, err := os.ReadDir(filepath.Join(notifyDir, string(notify.ChannelCustomerAlerts)))
		Expect(err).NotTo(HaveOccurred())
		Expect(files).NotTo(BeEmpty())
	})

	It("triggers remediation once the threshold is reached", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		marker := filepath.Join(GinkgoT().TempDir(), "remediated")
		cfg := health.DefaultConfig("widget-api", server.URL)
		cfg.CheckInterval = 10 * time.Millisecond
		cfg.RemediationThreshold = 2
		cfg.RemediationCommand = "touch " + marker

		m := health.New([]health.Config{cfg}, exec, notifier, newLogger())
		m.SetStartupGrace(0)

		ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
		defer cancel()
		go m.Run(ctx)
		<-ctx.Done()

		_, err := os.Stat(marker)
		Expect(err).NotTo(HaveOccurred())
	})

	It("exports aegis_project_up and aegis_project_response_seconds", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		cfg := health.DefaultConfig("metrics-probe", server.URL)
		cfg.CheckInterval = 10 * time.Millisecond

		m := health.New([]health.Config{cfg}, exec, notifier, newLogger())
		m.SetStartupGrace(0)

		ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
		defer cancel()
		go m.Run(ctx)
		<-ctx.Done()

		Expect(testutil.ToFloat64(health.ProjectUp.WithLabelValues("metrics-probe"))).To(Equal(1.0))
		Expect(testutil.CollectAndCount(health.ProjectResponseSeconds)).To(BeNumerically(">=", 1))
	})

	It("probes every configured project concurrently and returns without starting persistent loops", func() {
		up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer up.Close()
		down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer down.Close()

		upCfg := health.DefaultConfig("widget-api", up.URL)
		downCfg := health.DefaultConfig("billing-api", down.URL)

		m := health.New([]health.Config{upCfg, downCfg}, exec, notifier, newLogger())

		snapshots := m.Probe(context.Background())
		Expect(snapshots).To(HaveLen(2))

		byName := make(map[string]health.Snapshot, len(snapshots))
		for _, s := range snapshots {
			byName[s.Name] = s
		}
		Expect(byName["widget-api"].IsOnline).To(BeTrue())
		Expect(byName["billing-api"].IsOnline).To(BeFalse())

		// Probe must not have started the persistent per-project loop: the
		// project should show exactly one recorded check.
		Expect(byName["widget-api"].TotalChecks).To(Equal(1))
	})
})
