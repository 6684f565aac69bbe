package famtable_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/microgrid/famtable"
	"github.com/sarchlab/microgrid/ids"
)

var _ = Describe("Table", func() {
	var t *famtable.Table

	BeforeEach(func() {
		t = famtable.NewTable([3]int{4, 2, 1})
	})

	It("starts with every slot free and the invariant satisfied", func() {
		Expect(t.Size()).To(Equal(7))
		Expect(t.FreeCount(famtable.NORMAL)).To(Equal(4))
		Expect(t.FreeCount(famtable.RESERVED)).To(Equal(2))
		Expect(t.FreeCount(famtable.EXCLUSIVE)).To(Equal(1))
		Expect(t.CheckInvariant()).To(Succeed())
	})

	It("allocates from the requested pool and keeps the invariant", func() {
		lfid, ok := t.Allocate(famtable.NORMAL)
		Expect(ok).To(BeTrue())
		Expect(t.Get(lfid).State).To(Equal(famtable.ALLOCATED))
		Expect(t.FreeCount(famtable.NORMAL)).To(Equal(3))
		Expect(t.CheckInvariant()).To(Succeed())
	})

	It("fails to allocate from an exhausted pool", func() {
		_, ok := t.Allocate(famtable.EXCLUSIVE)
		Expect(ok).To(BeTrue())
		_, ok = t.Allocate(famtable.EXCLUSIVE)
		Expect(ok).To(BeFalse())
	})

	It("returns a freed slot to its original pool", func() {
		lfid, _ := t.Allocate(famtable.RESERVED)
		t.Get(lfid).State = famtable.KILLED
		t.Free(lfid)
		Expect(t.FreeCount(famtable.RESERVED)).To(Equal(2))
		Expect(t.CheckInvariant()).To(Succeed())
	})

	It("rejects a capability mismatch as an invalid FID", func() {
		lfid, _ := t.Allocate(famtable.NORMAL)
		t.Get(lfid).Capability = 42
		_, err := t.Lookup(ids.FID{LFID: lfid, Capability: 1})
		Expect(err).To(HaveOccurred())

		_, err = t.Lookup(ids.FID{LFID: lfid, Capability: 42})
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Cleanable", func() {
		It("is true only when KILLED and every dependency resolved", func() {
			lfid, _ := t.Allocate(famtable.NORMAL)
			e := t.Get(lfid)
			e.State = famtable.KILLED
			e.Deps = famtable.Dependencies{
				AllocationDone:   true,
				PrevSynchronized: true,
				Detached:         true,
			}
			Expect(e.Cleanable()).To(BeTrue())

			e.Deps.NumPendingReads = 1
			Expect(e.Cleanable()).To(BeFalse())
		})
	})

	Describe("DeriveNThreads", func() {
		It("computes the iteration count for a forward stride", func() {
			e := &famtable.Entry{Start: 0, Limit: 10, Step: 1}
			e.DeriveNThreads()
			Expect(e.NThreads).To(Equal(uint64(10)))
		})

		It("rounds up a non-dividing step", func() {
			e := &famtable.Entry{Start: 0, Limit: 10, Step: 3}
			e.DeriveNThreads()
			Expect(e.NThreads).To(Equal(uint64(4)))
		})

		It("yields zero threads for a reversed range", func() {
			e := &famtable.Entry{Start: 10, Limit: 0, Step: 1}
			e.DeriveNThreads()
			Expect(e.NThreads).To(Equal(uint64(0)))
		})
	})
})
