package kernel_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/microgrid/kernel"
)

var _ = Describe("ArbitratedService", func() {
	It("picks exactly one winner among concurrent requesters", func() {
		svc := kernel.NewArbitratedService("svc", []string{"a", "b", "c"})
		Expect(svc.Request("b")).To(BeTrue())
		Expect(svc.Request("c")).To(BeTrue())

		svc.Arbitrate()

		Expect(svc.Won("b")).To(BeTrue())
		Expect(svc.Won("c")).To(BeFalse())
		Expect(svc.Won("a")).To(BeFalse())
	})

	It("rejects requests from processes outside the priority list", func() {
		svc := kernel.NewArbitratedService("svc", []string{"a"})
		Expect(svc.Request("unknown")).To(BeFalse())
	})

	It("resets cleanly between cycles", func() {
		svc := kernel.NewArbitratedService("svc", []string{"a", "b"})
		svc.Request("a")
		svc.Arbitrate()
		Expect(svc.Won("a")).To(BeTrue())

		svc.Reset()
		Expect(svc.Won("a")).To(BeFalse())
	})
})

var _ = Describe("CyclicArbitratedPort", func() {
	It("rotates the winner to the back for fairness", func() {
		port := kernel.NewCyclicArbitratedPort("port", []string{"a", "b"})

		port.Request("a")
		port.Request("b")
		port.Arbitrate()
		Expect(port.Won("a")).To(BeTrue())
		port.Reset()

		port.Request("a")
		port.Request("b")
		port.Arbitrate()
		Expect(port.Won("b")).To(BeTrue())
	})
})
