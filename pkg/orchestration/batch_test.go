package orchestration

import (
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aegisops/aegis-controller/pkg/types"
)

var _ = Describe("collector", func() {
	It("opens a batch on the first event and keeps it open under the size limit", func() {
		c := newCollector(time.Hour, 10, testLogger())
		var closes int32
		c.onClose = func() { atomic.AddInt32(&closes, 1) }

		c.submit(types.SecurityEvent{Source: types.SourceHostIPS, Severity: types.SeverityMedium})
		c.submit(types.SecurityEvent{Source: types.SourceHostIPS, Severity: types.SeverityLow})

		Expect(atomic.LoadInt32(&closes)).To(Equal(int32(0)))
		Expect(c.popNext()).To(BeNil())
	})

	It("closes immediately once max batch size is reached", func() {
		c := newCollector(time.Hour, 2, testLogger())
		var closes int32
		c.onClose = func() { atomic.AddInt32(&closes, 1) }

		c.submit(types.SecurityEvent{Source: types.SourceHostIPS, Severity: types.SeverityMedium})
		c.submit(types.SecurityEvent{Source: types.SourceHostIPS, Severity: types.SeverityMedium})

		Expect(atomic.LoadInt32(&closes)).To(Equal(int32(1)))
		batch := c.popNext()
		Expect(batch).NotTo(BeNil())
		Expect(batch.Events).To(HaveLen(2))
		Expect(batch.Status).To(Equal(types.BatchAnalyzing))
	})

	It("closes automatically once the collection window elapses", func() {
		c := newCollector(20*time.Millisecond, 10, testLogger())
		c.submit(types.SecurityEvent{Source: types.SourceNetworkIPS, Severity: types.SeverityHigh})

		Eventually(func() *types.RemediationBatch {
			return c.popNext()
		}, time.Second, 5*time.Millisecond).ShouldNot(BeNil())
	})

	It("starts a fresh batch after the previous one closes", func() {
		c := newCollector(time.Hour, 1, testLogger())
		c.submit(types.SecurityEvent{Source: types.SourceHostIPS})
		first := c.popNext()
		Expect(first.BatchID).To(Equal(int64(1)))

		c.submit(types.SecurityEvent{Source: types.SourceHostIPS})
		second := c.popNext()
		Expect(second.BatchID).To(Equal(int64(2)))
	})
})
