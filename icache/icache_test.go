package icache_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/microgrid/icache"
	"github.com/sarchlab/microgrid/ids"
)

var _ = Describe("Cache", func() {
	var c *icache.Cache

	BeforeEach(func() {
		c = icache.NewCache(2, 16)
	})

	It("misses, loads, and fills a thread-activation fetch", func() {
		cid, res := c.ThreadFetch(0, 16, 5)
		Expect(res).To(Equal(icache.DELAYED))

		data := make([]byte, 16)
		data[0] = 0xAB
		woken, discarded := c.OnFill(cid, data)
		Expect(discarded).To(BeFalse())
		Expect(woken).To(ConsistOf(ids.TID(5)))

		cid2, res2 := c.ThreadFetch(0, 16, 6)
		Expect(res2).To(Equal(icache.SUCCESS))
		Expect(cid2).To(Equal(cid))

		dst := make([]byte, 1)
		Expect(c.Read(cid, 0, dst, 1)).To(Succeed())
		Expect(dst[0]).To(Equal(byte(0xAB)))
	})

	It("queues multiple threads on the same in-flight line", func() {
		cid, _ := c.ThreadFetch(0, 16, 1)
		_, res := c.ThreadFetch(0, 16, 2)
		Expect(res).To(Equal(icache.DELAYED))

		woken, _ := c.OnFill(cid, make([]byte, 16))
		Expect(woken).To(ConsistOf(ids.TID(1), ids.TID(2)))
	})

	It("discards data and rewakes waiters when an INVALID line fills", func() {
		cid, _ := c.ThreadFetch(0, 16, 1)
		Expect(c.Evict(cid)).To(Succeed())

		woken, discarded := c.OnFill(cid, make([]byte, 16))
		Expect(discarded).To(BeTrue())
		Expect(woken).To(ConsistOf(ids.TID(1)))
	})

	It("holds a creation-fetched line until released", func() {
		cid, res := c.Fetch(0, 16)
		Expect(res).To(Equal(icache.DELAYED))
		c.OnFill(cid, make([]byte, 16))

		cid2, res2 := c.Fetch(0, 16)
		Expect(res2).To(Equal(icache.SUCCESS))
		Expect(cid2).To(Equal(cid))

		Expect(c.ReleaseCacheLine(cid)).To(Succeed())
	})

	It("fails when no line can be allocated", func() {
		c.Fetch(0, 16)
		c.Fetch(16, 16)
		// Both lines are LOADING (referenced via CreationWaiting) with no
		// FULL+unreferenced victim available.
		_, res := c.Fetch(32, 16)
		Expect(res).To(Equal(icache.FAILED))
	})
})
