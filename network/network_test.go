package network_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/microgrid/ids"
	"github.com/sarchlab/microgrid/network"
)

var _ = Describe("Link ring", func() {
	It("delivers messages FIFO to the next core", func() {
		a := network.NewCore(ids.PID(0))
		b := network.NewCore(ids.PID(1))
		a.Next, b.Prev = b, a

		Expect(a.SendNext(network.LinkMessage{Type: network.LinkAllocate, OriginPID: 0})).To(BeTrue())
		Expect(a.SendNext(network.LinkMessage{Type: network.LinkSync, OriginPID: 0})).To(BeTrue())

		m1, ok := b.PopLinkMessage()
		Expect(ok).To(BeTrue())
		Expect(m1.Type).To(Equal(network.LinkAllocate))

		m2, ok := b.PopLinkMessage()
		Expect(ok).To(BeTrue())
		Expect(m2.Type).To(Equal(network.LinkSync))
	})

	It("refuses to send past a terminal core", func() {
		a := network.NewCore(ids.PID(0))
		Expect(a.SendNext(network.LinkMessage{})).To(BeFalse())
	})
})

var _ = Describe("Delegation channel", func() {
	It("short-circuits a self-addressed message into the local inbox", func() {
		a := network.NewCore(ids.PID(5))
		a.SendDelegation(a, network.DelegationMessage{Type: network.DelegSync})

		msg, ok := a.PopDelegation(ids.PID(5))
		Expect(ok).To(BeTrue())
		Expect(msg.Type).To(Equal(network.DelegSync))
	})

	It("preserves FIFO order per sender", func() {
		a := network.NewCore(ids.PID(0))
		b := network.NewCore(ids.PID(1))
		a.SendDelegation(b, network.DelegationMessage{Type: network.DelegAllocate})
		a.SendDelegation(b, network.DelegationMessage{Type: network.DelegBreak})

		m1, _ := b.PopDelegation(ids.PID(0))
		m2, _ := b.PopDelegation(ids.PID(0))
		Expect(m1.Type).To(Equal(network.DelegAllocate))
		Expect(m2.Type).To(Equal(network.DelegBreak))
	})
})

var _ = Describe("Unwind", func() {
	It("commits the largest power of two not exceeding what was collected", func() {
		d := network.Unwind(5, 8, false)
		Expect(d.Commit).To(Equal(4))
		Expect(d.Release).To(Equal(1))
	})

	It("releases everything on an exact-allocation refusal", func() {
		d := network.Unwind(5, 8, true)
		Expect(d.Commit).To(Equal(0))
		Expect(d.Release).To(Equal(5))
	})
})

var _ = Describe("Load balancing", func() {
	It("redirects to the minimum-context core past the threshold", func() {
		d := network.EvaluateBalance(10, 4, 2)
		Expect(d.Redirect).To(BeTrue())
		Expect(d.TargetPID).To(Equal(2))
	})

	It("does not redirect under the threshold", func() {
		d := network.EvaluateBalance(2, 4, 2)
		Expect(d.Redirect).To(BeFalse())
	})
})
