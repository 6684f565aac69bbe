package coma_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/microgrid/coma"
	"github.com/sarchlab/microgrid/ids"
)

var _ = Describe("Directory", func() {
	It("records the first group to pass a line through and forwards up on first sight", func() {
		d := coma.NewDirectory(0, 4)
		knows := d.RouteFromGroup(ids.MemAddr(0), 2)
		Expect(knows).To(BeFalse())
	})

	It("resolves locally once it has seen the line from that same group", func() {
		d := coma.NewDirectory(0, 4)
		d.RouteFromGroup(ids.MemAddr(0), 2)
		Expect(d.RouteFromGroup(ids.MemAddr(0), 2)).To(BeTrue())
	})

	It("reports a mismatch when a different group asks about a known line", func() {
		d := coma.NewDirectory(0, 4)
		d.RouteFromGroup(ids.MemAddr(0), 2)
		Expect(d.RouteFromGroup(ids.MemAddr(0), 3)).To(BeFalse())
	})

	It("routes a reply from the root down to the recorded owning group", func() {
		d := coma.NewDirectory(0, 4)
		d.RouteFromGroup(ids.MemAddr(0), 2)

		group, ok := d.RouteFromRoot(ids.MemAddr(0))
		Expect(ok).To(BeTrue())
		Expect(group).To(Equal(2))
	})

	It("forgets a line's record", func() {
		d := coma.NewDirectory(0, 4)
		d.RouteFromGroup(ids.MemAddr(0), 2)
		d.Forget(ids.MemAddr(0))

		_, ok := d.RouteFromRoot(ids.MemAddr(0))
		Expect(ok).To(BeFalse())
	})

	It("bounds tokens at the number of caches it serves", func() {
		d := coma.NewDirectory(0, 4)
		Expect(d.TokenBound()).To(Equal(4))
	})
})
