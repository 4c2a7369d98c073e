package orchestration

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("successMultiplier", func() {
	DescribeTable("maps success rate to the spec's three-tier multiplier",
		func(rate, want float64) {
			Expect(successMultiplier(rate)).To(Equal(want))
		},
		Entry("high success rate halves the delay", 0.9, 0.5),
		Entry("boundary at 0.8 counts as high", 0.8, 0.5),
		Entry("mid success rate is neutral", 0.6, 1.0),
		Entry("boundary at 0.4 counts as mid", 0.4, 1.0),
		Entry("low success rate doubles the delay", 0.1, 2.0),
	)
})

var _ = Describe("adaptiveDelay", func() {
	It("falls back to the neutral multiplier with no knowledge base", func() {
		delay := adaptiveDelay(context.Background(), nil, "sig", "host_ips", 1)
		Expect(delay).To(Equal(2 * time.Second))
	})

	It("floors at one second for a tiny base delay", func() {
		delay := adaptiveDelay(context.Background(), nil, "sig", "host_ips", 0)
		Expect(delay).To(Equal(time.Second))
	})

	It("caps at sixty seconds for a large attempt count", func() {
		delay := adaptiveDelay(context.Background(), nil, "sig", "host_ips", 10)
		Expect(delay).To(Equal(60 * time.Second))
	})
})
