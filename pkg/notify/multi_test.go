package notify_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aegisops/aegis-controller/pkg/notify"
)

var _ = Describe("MultiNotifier", func() {
	var (
		ctx        context.Context
		dirA, dirB string
		m          *notify.MultiNotifier
	)

	BeforeEach(func() {
		ctx = context.Background()
		dirA = GinkgoT().TempDir()
		dirB = GinkgoT().TempDir()
		m = notify.NewMultiNotifier(notify.NewFileSink(dirA, newLogger()), notify.NewFileSink(dirB, newLogger()))
	})

	It("delivers to every wrapped sink", func() {
		_, err := m.Send(ctx, notify.ChannelAlerts, notify.Message{Title: "t", Body: "b"})
		Expect(err).NotTo(HaveOccurred())

		for _, dir := range []string{dirA, dirB} {
			files, err := os.ReadDir(filepath.Join(dir, string(notify.ChannelAlerts)))
			Expect(err).NotTo(HaveOccurred())
			Expect(files).To(HaveLen(1))
		}
	})

	It("bootstraps channels on every sink", func() {
		layout := []notify.ChannelKind{notify.ChannelCritical}
		Expect(m.EnsureChannels(ctx, layout)).To(Succeed())

		for _, dir := range []string{dirA, dirB} {
			_, err := os.Stat(filepath.Join(dir, string(notify.ChannelCritical)))
			Expect(err).NotTo(HaveOccurred())
		}
	})

	It("requests approval from only the first sink", func() {
		decision, err := m.RequestApproval(ctx, "apply fix", 20*time.Millisecond)
		Expect(err).NotTo(HaveOccurred())
		Expect(decision.Approved).To(BeFalse())

		filesA, _ := os.ReadDir(filepath.Join(dirA, string(notify.ChannelApprovals)))
		Expect(filesA).To(HaveLen(1))

		_, statErr := os.Stat(filepath.Join(dirB, string(notify.ChannelApprovals)))
		Expect(os.IsNotExist(statErr)).To(BeTrue())
	})

	It("panics when constructed with no sinks", func() {
		Expect(func() { notify.NewMultiNotifier() }).To(Panic())
	})
})
