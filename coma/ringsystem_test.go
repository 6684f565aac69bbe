package coma_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/microgrid/coma"
	"github.com/sarchlab/microgrid/ids"
)

var _ = Describe("RingSystem", func() {
	It("serves a read miss from DDR and fills the requesting L2", func() {
		ring := coma.NewRingBuffer(8)
		l2 := coma.NewL2(0, 2, 8, 1, ring)
		dir := coma.NewDirectory(0, 1)
		ddr := coma.NewDDRChannel("DDR", nil, 2)
		root := coma.NewRootDirectory(8, 1, ddr)

		sys := coma.NewRingSystem("Ring0", []*coma.L2{l2}, ring, dir, root, ddr)

		Expect(l2.IssueRead(ids.MemAddr(0), 8)).To(BeTrue())

		Expect(func() {
			for i := 0; i < 8; i++ {
				sys.Step(false)
				sys.Step(true)
				ddr.Step(false)
				ddr.Step(true)
			}
		}).NotTo(Panic())

		Expect(l2.TotalTokens(0)).To(Equal(1))
	})
})
