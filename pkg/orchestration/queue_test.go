package orchestration

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aegisops/aegis-controller/pkg/types"
)

var _ = Describe("pendingQueue", func() {
	It("pops highest severity first", func() {
		q := newPendingQueue()
		q.push(&types.RemediationBatch{BatchID: 1, Events: []types.SecurityEvent{{Severity: types.SeverityLow}}})
		q.push(&types.RemediationBatch{BatchID: 2, Events: []types.SecurityEvent{{Severity: types.SeverityCritical}}})
		q.push(&types.RemediationBatch{BatchID: 3, Events: []types.SecurityEvent{{Severity: types.SeverityMedium}}})

		Expect(q.pop().BatchID).To(Equal(int64(2)))
		Expect(q.pop().BatchID).To(Equal(int64(3)))
		Expect(q.pop().BatchID).To(Equal(int64(1)))
		Expect(q.pop()).To(BeNil())
	})

	It("breaks ties on ascending batch id", func() {
		q := newPendingQueue()
		q.push(&types.RemediationBatch{BatchID: 5, Events: []types.SecurityEvent{{Severity: types.SeverityHigh}}})
		q.push(&types.RemediationBatch{BatchID: 2, Events: []types.SecurityEvent{{Severity: types.SeverityHigh}}})

		Expect(q.pop().BatchID).To(Equal(int64(2)))
		Expect(q.pop().BatchID).To(Equal(int64(5)))
	})
})
