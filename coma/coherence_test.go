package coma_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/microgrid/coma"
	"github.com/sarchlab/microgrid/ids"
)

type recordingClient struct {
	fills  []ids.MemAddr
	writes []ids.MemAddr
	snoops []ids.MemAddr
}

func (r *recordingClient) OnMemoryReadCompleted(addr ids.MemAddr, data []byte) {
	r.fills = append(r.fills, addr)
}
func (r *recordingClient) OnMemoryWriteCompleted(addr ids.MemAddr, data []byte) {
	r.writes = append(r.writes, addr)
}
func (r *recordingClient) OnMemorySnooped(addr ids.MemAddr, data []byte) {
	r.snoops = append(r.snoops, addr)
}
func (r *recordingClient) OnMemoryInvalidated(addr ids.MemAddr) {}

func buildPair() (*coma.RingBuffer, *coma.L2, *coma.L2, *coma.RingSystem, *coma.DDRChannel) {
	ring := coma.NewRingBuffer(8)
	a := coma.NewL2(0, 2, 8, 2, ring)
	b := coma.NewL2(1, 2, 8, 2, ring)
	dir := coma.NewDirectory(0, 2)
	ddr := coma.NewDDRChannel("DDR", nil, 1)
	root := coma.NewRootDirectory(8, 2, ddr)
	sys := coma.NewRingSystem("Ring", []*coma.L2{a, b}, ring, dir, root, ddr)
	return ring, a, b, sys, ddr
}

func drain(sys *coma.RingSystem, ddr *coma.DDRChannel, cycles int) {
	for i := 0; i < cycles; i++ {
		sys.Step(false)
		sys.Step(true)
		ddr.Step(false)
		ddr.Step(true)
	}
}

var _ = Describe("Coherence group", func() {
	It("splits the reply's tokens between two concurrent requesters", func() {
		_, a, b, sys, ddr := buildPair()
		ca, cb := &recordingClient{}, &recordingClient{}
		a.RegisterClient(ca)
		b.RegisterClient(cb)

		Expect(a.IssueRead(0, 8)).To(BeTrue())
		Expect(b.IssueRead(0, 8)).To(BeTrue())
		drain(sys, ddr, 6)

		Expect(a.TotalTokens(0) + b.TotalTokens(0)).To(Equal(2))
		Expect(ca.fills).NotTo(BeEmpty())
		Expect(cb.fills).NotTo(BeEmpty())
	})

	It("serves a late request from a peer's surplus tokens without another DDR trip", func() {
		_, a, b, sys, ddr := buildPair()

		Expect(a.IssueRead(0, 8)).To(BeTrue())
		drain(sys, ddr, 6)
		Expect(a.TotalTokens(0)).To(Equal(2))

		Expect(b.IssueRead(0, 8)).To(BeTrue())
		drain(sys, ddr, 2)

		Expect(a.TotalTokens(0)).To(Equal(1))
		Expect(b.TotalTokens(0)).To(Equal(1))
	})

	It("snoops sharers and confirms the writer when an update circulates", func() {
		_, a, b, sys, ddr := buildPair()
		ca, cb := &recordingClient{}, &recordingClient{}
		a.RegisterClient(ca)
		b.RegisterClient(cb)

		// Both caches hold the line with one token each.
		a.IssueRead(0, 8)
		drain(sys, ddr, 6)
		b.IssueRead(0, 8)
		drain(sys, ddr, 2)

		Expect(a.IssueWrite(2, []byte{0xAB})).To(BeTrue())
		drain(sys, ddr, 2)

		Expect(cb.snoops).To(ContainElement(ids.MemAddr(2)))
		Expect(ca.writes).To(ContainElement(ids.MemAddr(2)))
		Expect(a.TotalTokens(0) + b.TotalTokens(0)).To(Equal(2))
	})

	It("confirms an exclusive write without ring traffic", func() {
		ring, a, _, sys, ddr := buildPair()
		ca := &recordingClient{}
		a.RegisterClient(ca)

		a.IssueRead(0, 8)
		drain(sys, ddr, 6)
		Expect(a.TotalTokens(0)).To(Equal(2))

		Expect(a.IssueWrite(3, []byte{0x7F})).To(BeTrue())
		Expect(ring.Len()).To(BeZero())
		drain(sys, ddr, 1)
		Expect(ca.writes).To(ContainElement(ids.MemAddr(3)))
	})
})
