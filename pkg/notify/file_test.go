package notify_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/aegisops/aegis-controller/pkg/notify"
)

func TestNotify(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "notify suite")
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(GinkgoWriter)
	return log
}

var _ = Describe("FileSink", func() {
	var (
		ctx  context.Context
		dir  string
		sink *notify.FileSink
	)

	BeforeEach(func() {
		ctx = context.Background()
		dir = GinkgoT().TempDir()
		sink = notify.NewFileSink(dir, newLogger())
	})

	Describe("directory creation error handling", func() {
		It("wraps directory creation failures as retryable", func() {
			readOnlyDir := filepath.Join(dir, "readonly")
			Expect(os.Mkdir(readOnlyDir, 0o555)).To(Succeed())

			restricted := notify.NewFileSink(filepath.Join(readOnlyDir, "cannot-create-this"), newLogger())

			_, err := restricted.Send(ctx, notify.ChannelAlerts, notify.Message{Title: "t", Body: "b"})
			Expect(err).To(HaveOccurred())

			var retryable *notify.RetryableError
			Expect(err).To(BeAssignableToTypeOf(retryable))
			Expect(err.Error()).To(ContainSubstring("failed to create output directory"))
		})

		It("succeeds when the directory is writable", func() {
			handle, err := sink.Send(ctx, notify.ChannelAlerts, notify.Message{Title: "hello", Body: "world"})
			Expect(err).NotTo(HaveOccurred())
			Expect(handle).NotTo(BeEmpty())

			files, err := os.ReadDir(filepath.Join(dir, string(notify.ChannelAlerts)))
			Expect(err).NotTo(HaveOccurred())
			Expect(files).To(HaveLen(1))
		})
	})

	It("edits a previously sent message via UpdateLive", func() {
		handle, err := sink.Send(ctx, notify.ChannelOrchestrator, notify.Message{Title: "progress", Body: "0%"})
		Expect(err).NotTo(HaveOccurred())

		Expect(sink.UpdateLive(ctx, handle, "50%")).To(Succeed())

		data, err := os.ReadFile(string(handle))
		Expect(err).NotTo(HaveOccurred())
		var payload map[string]any
		Expect(json.Unmarshal(data, &payload)).To(Succeed())
		Expect(payload["body"]).To(Equal("50%"))
	})

	It("treats a missing decision as a rejection after the timeout elapses", func() {
		decision, err := sink.RequestApproval(ctx, "apply hardened fail2ban config", 50*time.Millisecond)
		Expect(err).NotTo(HaveOccurred())
		Expect(decision.Approved).To(BeFalse())
	})

	It("bootstraps every channel in the layout", func() {
		layout := []notify.ChannelKind{notify.ChannelCritical, notify.ChannelStats}
		Expect(sink.EnsureChannels(ctx, layout)).To(Succeed())

		for _, ch := range layout {
			_, err := os.Stat(filepath.Join(dir, string(ch)))
			Expect(err).NotTo(HaveOccurred())
		}
	})
})
