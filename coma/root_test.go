package coma_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/microgrid/coma"
	"github.com/sarchlab/microgrid/ids"
)

type fakeDDR struct {
	reads, writes []ids.MemAddr
	refuse        bool
}

func (f *fakeDDR) IssueRead(addr ids.MemAddr, size int) bool {
	if f.refuse {
		return false
	}
	f.reads = append(f.reads, addr)
	return true
}

func (f *fakeDDR) IssueWrite(addr ids.MemAddr, data []byte) bool {
	f.writes = append(f.writes, addr)
	return true
}

var _ = Describe("RootDirectory", func() {
	It("issues a DDR read only when no cached copy is known", func() {
		ddr := &fakeDDR{}
		r := coma.NewRootDirectory(8, 2, ddr)

		Expect(r.OnRequest(ids.MemAddr(0), 7)).To(BeTrue())
		Expect(ddr.reads).To(Equal([]ids.MemAddr{0}))

		// a second request for the still-LOADING line should not re-issue
		Expect(r.OnRequest(ids.MemAddr(0), 9)).To(BeTrue())
		Expect(ddr.reads).To(HaveLen(1))
	})

	It("hands back the most recent requester and full token count on DDR completion", func() {
		ddr := &fakeDDR{}
		r := coma.NewRootDirectory(8, 3, ddr)
		r.OnRequest(ids.MemAddr(0), 7)
		r.OnRequest(ids.MemAddr(0), 9)

		requester, tokens, ok := r.OnDDRReadCompleted(ids.MemAddr(0), make([]byte, 8))
		Expect(ok).To(BeTrue())
		Expect(requester).To(Equal(9))
		Expect(tokens).To(Equal(3))
	})

	It("writes back dirty data only on the final eviction", func() {
		ddr := &fakeDDR{}
		r := coma.NewRootDirectory(8, 2, ddr)
		r.OnRequest(ids.MemAddr(0), 7)
		r.OnDDRReadCompleted(ids.MemAddr(0), make([]byte, 8))

		r.OnEviction(ids.MemAddr(0), 1, true, make([]byte, 8))
		Expect(ddr.writes).To(BeEmpty())

		r.OnEviction(ids.MemAddr(0), 2, true, make([]byte, 8))
		Expect(ddr.writes).To(Equal([]ids.MemAddr{0}))
	})

	It("propagates a DDR read refusal", func() {
		ddr := &fakeDDR{refuse: true}
		r := coma.NewRootDirectory(8, 2, ddr)
		Expect(r.OnRequest(ids.MemAddr(0), 1)).To(BeFalse())
	})
})
