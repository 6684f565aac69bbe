package kernel_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/microgrid/kernel"
)

var _ = Describe("Register", func() {
	It("only reflects a write after Commit", func() {
		r := kernel.NewRegister[int]("r")
		Expect(r.Write(5)).To(BeTrue())
		Expect(r.Read()).To(Equal(0))
		r.Commit()
		Expect(r.Read()).To(Equal(5))
	})

	It("rejects a second staged write in the same cycle", func() {
		r := kernel.NewRegister[int]("r")
		Expect(r.Write(1)).To(BeTrue())
		Expect(r.Write(2)).To(BeFalse())
	})
})

var _ = Describe("Buffer", func() {
	var b *kernel.Buffer[int]

	BeforeEach(func() {
		b = kernel.NewBuffer[int]("b", 2)
	})

	It("does not expose a push until Commit", func() {
		Expect(b.Push(1)).To(BeTrue())
		Expect(b.Size()).To(Equal(0))
		b.Commit()
		Expect(b.Size()).To(Equal(1))
	})

	It("refuses to push beyond capacity", func() {
		Expect(b.Push(1)).To(BeTrue())
		b.Commit()
		Expect(b.Push(2)).To(BeTrue())
		b.Commit()
		Expect(b.CanPush()).To(BeFalse())
	})

	It("pops in FIFO order", func() {
		b.Push(1)
		b.Commit()
		b.Push(2)
		b.Commit()

		v, ok := b.Peek()
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal(1))

		Expect(b.Pop()).To(BeTrue())
		b.Commit()
		v, ok = b.Peek()
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal(2))
	})
})

var _ = Describe("LinkedList", func() {
	It("maintains FIFO order over an external index arena", func() {
		l := kernel.NewLinkedList("l")
		l.PushBack(3)
		l.PushBack(1)
		l.PushBack(4)

		v, ok := l.PopFront()
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal(3))

		v, ok = l.PopFront()
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal(1))

		Expect(l.Size()).To(Equal(1))
	})

	It("reports empty once drained", func() {
		l := kernel.NewLinkedList("l")
		l.PushBack(0)
		l.PopFront()
		Expect(l.Empty()).To(BeTrue())
	})
})
