package core

import (
	"github.com/sarchlab/microgrid/dcache"
	"github.com/sarchlab/microgrid/ids"
)

// The methods below make *Core the memory client its COMA L2 cache
// delivers callbacks to. They bridge the D-cache's line bookkeeping to the
// rest of the core: a completed fill writes every parked destination
// register and releases the owning family's outstanding-read count; a
// completed store releases the issuing thread's outstanding-write count.

// OnMemoryReadCompleted delivers a line fill from the backing cache. Both
// per-core caches can have a load in flight for the same line; each takes
// what it was waiting for.
func (c *Core) OnMemoryReadCompleted(addr ids.MemAddr, data []byte) {
	for _, pr := range c.DCache.OnMemoryReadCompleted(addr, data) {
		c.completeLoad(pr, addr, data)
	}
	for _, tid := range c.ICache.OnMemoryReadCompleted(addr, data) {
		if c.ready.Push(tid) {
			c.ready.Commit()
		}
	}
}

func (c *Core) completeLoad(pr dcache.PendingRead, lineAddr ids.MemAddr, data []byte) {
	var v uint64
	if reg, err := c.Regs.Read(pr.Reg); err == nil && reg.Fill.Size > 0 {
		off := int(reg.Fill.Addr - lineAddr)
		if off >= 0 && off+reg.Fill.Size <= len(data) {
			for i := reg.Fill.Size - 1; i >= 0; i-- {
				v = v<<8 | uint64(data[off+i])
			}
		}
	}

	woken, err := c.applyRegisterWrite(pr.Reg, v)
	if err == nil {
		for _, tid := range woken {
			if c.ready.Push(tid) {
				c.ready.Commit()
			}
		}
	}
	c.Alloc.CompletePendingRead(pr.Family)
}

// OnMemoryWriteCompleted confirms a store the D-cache issued; every thread
// parked on the line has one fewer write in flight.
func (c *Core) OnMemoryWriteCompleted(addr ids.MemAddr, data []byte) {
	for _, pw := range c.DCache.OnMemoryWriteCompleted(addr) {
		c.Alloc.CompletePendingWrite(pw.Thread)
	}
}

// OnMemorySnooped applies a peer core's write-update to the local copy.
func (c *Core) OnMemorySnooped(addr ids.MemAddr, data []byte) {
	_ = c.DCache.OnMemorySnooped(addr, data)
}

// OnMemoryInvalidated drops the local copy of a line.
func (c *Core) OnMemoryInvalidated(addr ids.MemAddr) {
	c.DCache.OnMemoryInvalidated(addr)
}
