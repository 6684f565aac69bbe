package regfile_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/microgrid/ids"
	"github.com/sarchlab/microgrid/regfile"
)

var _ = Describe("File", func() {
	var f *regfile.File
	addr := ids.RegAddr{Type: ids.Integer, Index: 3}

	BeforeEach(func() {
		f = regfile.NewFile(16, 16)
	})

	It("starts EMPTY", func() {
		reg, err := f.Read(addr)
		Expect(err).NotTo(HaveOccurred())
		Expect(reg.State).To(Equal(regfile.EMPTY))
	})

	It("reactivates every waiter on a write to a WAITING register", func() {
		Expect(f.Suspend(addr, 1)).To(Succeed())
		Expect(f.Suspend(addr, 2)).To(Succeed())

		reg, _ := f.Read(addr)
		Expect(reg.State).To(Equal(regfile.WAITING))

		res, err := f.Write(addr, regfile.Value{Int: 42, IsInt: true})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Reactivated).To(ConsistOf(ids.TID(1), ids.TID(2)))

		reg, _ = f.Read(addr)
		Expect(reg.State).To(Equal(regfile.FULL))
		Expect(reg.Value.Int).To(Equal(uint64(42)))
	})

	It("forwards a write to an EMPTY register with a remote waiter instead of storing locally", func() {
		rw := regfile.RemoteWaiter{PID: 7, Reg: ids.RegAddr{Type: ids.Integer, Index: 9}, Set: true}
		Expect(f.SetRemoteWaiter(addr, rw)).To(Succeed())

		res, err := f.Write(addr, regfile.Value{Int: 5, IsInt: true})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.WasForwarded).To(BeTrue())
		Expect(res.ForwardedTo).To(Equal(rw))

		reg, _ := f.Read(addr)
		Expect(reg.State).To(Equal(regfile.EMPTY))
	})

	It("clears a range back to EMPTY", func() {
		f.Write(addr, regfile.Value{Int: 1, IsInt: true})
		Expect(f.Clear(ids.Integer, 0, 16)).To(Succeed())
		reg, _ := f.Read(addr)
		Expect(reg.State).To(Equal(regfile.EMPTY))
	})

	It("rejects an out-of-range register index", func() {
		_, err := f.Read(ids.RegAddr{Type: ids.Integer, Index: 999})
		Expect(err).To(HaveOccurred())
	})
})
