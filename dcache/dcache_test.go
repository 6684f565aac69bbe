package dcache_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/microgrid/dcache"
	"github.com/sarchlab/microgrid/ids"
)

type fakeBackend struct {
	reads, writes []ids.MemAddr
	refuse        bool
}

func (f *fakeBackend) IssueRead(addr ids.MemAddr, size int) bool {
	if f.refuse {
		return false
	}
	f.reads = append(f.reads, addr)
	return true
}

func (f *fakeBackend) IssueWrite(addr ids.MemAddr, data []byte) bool {
	if f.refuse {
		return false
	}
	f.writes = append(f.writes, addr)
	return true
}

var _ = Describe("Cache", func() {
	var (
		backend *fakeBackend
		c       *dcache.Cache
	)

	BeforeEach(func() {
		backend = &fakeBackend{}
		c = dcache.NewCache(2, 16, backend)
	})

	It("misses, issues a read, and fills pending reads on completion", func() {
		dst := make([]byte, 1)
		res, err := c.Read(0, 1, ids.LFID(1), ids.RegAddr{}, dst)
		Expect(err).NotTo(HaveOccurred())
		Expect(res).To(Equal(dcache.DELAYED))
		Expect(backend.reads).To(ConsistOf(ids.MemAddr(0)))

		data := make([]byte, 16)
		data[0] = 0x42
		reads := c.OnMemoryReadCompleted(0, data)
		Expect(reads).To(HaveLen(1))
		Expect(reads[0].Family).To(Equal(ids.LFID(1)))

		res2, err := c.Read(0, 1, ids.LFID(1), ids.RegAddr{}, dst)
		Expect(err).NotTo(HaveOccurred())
		Expect(res2).To(Equal(dcache.SUCCESS))
		Expect(dst[0]).To(Equal(byte(0x42)))
	})

	It("stores directly into a FULL line and issues the write-through", func() {
		data := make([]byte, 16)
		c.OnMemoryReadCompleted(0, data)
		// prime: a read miss must happen first to create the line.
		dst := make([]byte, 1)
		c.Read(0, 1, ids.LFID(0), ids.RegAddr{}, dst)
		c.OnMemoryReadCompleted(0, data)

		res, err := c.Write(0, []byte{0x7}, 1, ids.TID(9))
		Expect(err).NotTo(HaveOccurred())
		Expect(res).To(Equal(dcache.DELAYED))
		Expect(backend.writes).To(ContainElement(ids.MemAddr(0)))

		writes := c.OnMemoryWriteCompleted(0)
		Expect(writes).To(ConsistOf(dcache.PendingWrite{Thread: ids.TID(9)}))
	})

	It("fails a read when no line is free to allocate", func() {
		c.Read(0, 1, ids.LFID(0), ids.RegAddr{}, make([]byte, 1))
		c.Read(16, 1, ids.LFID(0), ids.RegAddr{}, make([]byte, 1))
		res, err := c.Read(32, 1, ids.LFID(0), ids.RegAddr{}, make([]byte, 1))
		Expect(err).NotTo(HaveOccurred())
		Expect(res).To(Equal(dcache.FAILED))
	})

	It("invalidates a line on a coherence invalidation", func() {
		data := make([]byte, 16)
		c.Read(0, 1, ids.LFID(0), ids.RegAddr{}, make([]byte, 1))
		c.OnMemoryReadCompleted(0, data)

		c.OnMemoryInvalidated(0)

		res, err := c.Read(0, 1, ids.LFID(0), ids.RegAddr{}, make([]byte, 1))
		Expect(err).NotTo(HaveOccurred())
		Expect(res).To(Equal(dcache.DELAYED))
	})

	It("rejects a snoop on a non-FULL line", func() {
		c.Read(0, 1, ids.LFID(0), ids.RegAddr{}, make([]byte, 1))
		err := c.OnMemorySnooped(0, make([]byte, 16))
		Expect(err).To(HaveOccurred())
	})
})
