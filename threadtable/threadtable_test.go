package threadtable_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/microgrid/threadtable"
)

var _ = Describe("Table", func() {
	var t *threadtable.Table

	BeforeEach(func() {
		t = threadtable.NewTable([3]int{8, 2, 1})
	})

	It("keeps the invariant after a pop and a push-back", func() {
		Expect(t.CheckInvariant()).To(Succeed())

		tid, ok := t.PopEmpty(threadtable.NORMAL)
		Expect(ok).To(BeTrue())
		t.Get(tid).State = threadtable.ACTIVE
		Expect(t.CheckInvariant()).To(Succeed())

		t.Get(tid).State = threadtable.KILLED
		t.PushEmpty(tid, 1, threadtable.NORMAL)
		Expect(t.CheckInvariant()).To(Succeed())
		Expect(t.FreeCount(threadtable.NORMAL)).To(Equal(8))
	})

	It("fails to pop from an exhausted pool", func() {
		_, ok := t.PopEmpty(threadtable.EXCLUSIVE)
		Expect(ok).To(BeTrue())
		_, ok = t.PopEmpty(threadtable.EXCLUSIVE)
		Expect(ok).To(BeFalse())
	})

	Describe("ReadyForCleanup", func() {
		It("requires killed, no pending writes, and predecessor cleaned up", func() {
			tid, _ := t.PopEmpty(threadtable.NORMAL)
			e := t.Get(tid)
			e.Deps = threadtable.Dependencies{Killed: true, PrevCleanedUp: true}
			Expect(e.ReadyForCleanup()).To(BeTrue())

			e.Deps.NumPendingWrites = 1
			Expect(e.ReadyForCleanup()).To(BeFalse())
		})
	})
})
