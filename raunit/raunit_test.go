package raunit_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/microgrid/ids"
	"github.com/sarchlab/microgrid/raunit"
)

var _ = Describe("Unit", func() {
	It("rejects a non-power-of-two block size", func() {
		_, err := raunit.NewUnit(128, 3, 0)
		Expect(err).To(HaveOccurred())
	})

	It("allocates a contiguous run sized to the next block boundary", func() {
		u, err := raunit.NewUnit(128, 8, 0)
		Expect(err).NotTo(HaveOccurred())

		base, ok := u.Allocate(10, false)
		Expect(ok).To(BeTrue())
		Expect(base).To(Equal(ids.RegIndex(0)))
		Expect(u.FreeRegisters()).To(Equal(128 - 16))
	})

	It("fails once the normal pool is exhausted", func() {
		u, _ := raunit.NewUnit(16, 8, 0)
		_, ok := u.Allocate(8, false)
		Expect(ok).To(BeTrue())
		_, ok = u.Allocate(8, false)
		Expect(ok).To(BeTrue())
		_, ok = u.Allocate(8, false)
		Expect(ok).To(BeFalse())
	})

	It("always succeeds for reserved allocations regardless of normal fragmentation", func() {
		u, _ := raunit.NewUnit(24, 8, 1)
		_, ok := u.Allocate(8, false)
		Expect(ok).To(BeTrue())
		_, ok = u.Allocate(8, false)
		Expect(ok).To(BeTrue())
		_, ok = u.Allocate(8, false)
		Expect(ok).To(BeFalse())

		base, ok := u.Allocate(8, true)
		Expect(ok).To(BeTrue())
		Expect(base).To(Equal(ids.RegIndex(16)))
	})

	It("coalesces adjacent freed runs", func() {
		u, _ := raunit.NewUnit(32, 8, 0)
		a, _ := u.Allocate(8, false)
		b, _ := u.Allocate(8, false)
		u.Free(a, 8, false)
		u.Free(b, 8, false)

		base, ok := u.Allocate(16, false)
		Expect(ok).To(BeTrue())
		Expect(base).To(Equal(a))
	})
})
