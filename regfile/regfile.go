// Package regfile implements the per-core register file: two banks
// (integer and float), each register carrying a coherence-like state that
// tracks in-flight memory fills and suspended waiters.
package regfile

import (
	"fmt"

	"github.com/sarchlab/microgrid/ids"
)

// State is a register's occupancy state.
type State int

const (
	// EMPTY means no value and no activity; a read suspends the reader.
	EMPTY State = iota
	// PENDING means a memory fill is in flight for this register.
	PENDING
	// WAITING means one or more threads are suspended on this register.
	WAITING
	// FULL means the register holds a valid value.
	FULL
)

func (s State) String() string {
	switch s {
	case EMPTY:
		return "EMPTY"
	case PENDING:
		return "PENDING"
	case WAITING:
		return "WAITING"
	case FULL:
		return "FULL"
	default:
		return "UNKNOWN"
	}
}

// Value is the payload carried by a FULL register: either an integer or a
// float, tagged so callers don't need a second lookup to know which.
type Value struct {
	Int   uint64
	Float float64
	IsInt bool
}

// RemoteWaiter names a register on another core waiting to receive this
// register's value once it fills.
type RemoteWaiter struct {
	PID ids.PID
	Reg ids.RegAddr
	Set bool
}

// FillInfo tracks the outstanding memory fill associated with a PENDING
// register (which family's numPendingReads to decrement, etc.).
type FillInfo struct {
	Family ids.LFID
	Addr   ids.MemAddr
	Size   int
}

// Register is one entry of a bank.
type Register struct {
	State   State
	Value   Value
	Fill    FillInfo
	Remote  RemoteWaiter
	Waiters []ids.TID // threads suspended on this register (WAITING)
}

// Bank is one register-type's worth of registers.
type Bank struct {
	regs []Register
}

// NewBank creates a bank of size registers, all EMPTY.
func NewBank(size int) *Bank {
	return &Bank{regs: make([]Register, size)}
}

func (b *Bank) Size() int { return len(b.regs) }

// File is a core's register file: one bank per register type.
type File struct {
	banks [2]*Bank // indexed by ids.RegType
}

// NewFile creates a register file with intSize integer registers and
// floatSize float registers.
func NewFile(intSize, floatSize int) *File {
	return &File{banks: [2]*Bank{Integer: NewBank(intSize), Float: NewBank(floatSize)}}
}

// Integer and Float name the bank-array indices for readability.
const (
	Integer = int(ids.Integer)
	Float   = int(ids.Float)
)

func (f *File) bank(t ids.RegType) *Bank { return f.banks[t] }

// Read returns the register at addr.
func (f *File) Read(addr ids.RegAddr) (*Register, error) {
	bank := f.bank(addr.Type)
	if int(addr.Index) >= bank.Size() {
		return nil, fmt.Errorf("illegal register index %s", addr)
	}
	return &bank.regs[addr.Index], nil
}

// Suspend parks tid on addr's waiter list, moving an EMPTY or PENDING
// register to WAITING. A thread suspending on an already-WAITING register
// joins the existing waiter list.
func (f *File) Suspend(addr ids.RegAddr, tid ids.TID) error {
	reg, err := f.Read(addr)
	if err != nil {
		return err
	}
	if reg.State == FULL {
		return fmt.Errorf("cannot suspend on a FULL register %s", addr)
	}
	reg.State = WAITING
	for _, w := range reg.Waiters {
		if w == tid {
			return nil
		}
	}
	reg.Waiters = append(reg.Waiters, tid)
	return nil
}

// MarkPending transitions an EMPTY register to PENDING with fill
// metadata.
func (f *File) MarkPending(addr ids.RegAddr, fill FillInfo) error {
	reg, err := f.Read(addr)
	if err != nil {
		return err
	}
	reg.State = PENDING
	reg.Fill = fill
	return nil
}

// SetRemoteWaiter records that a remote core's register should receive this
// register's value once it fills.
func (f *File) SetRemoteWaiter(addr ids.RegAddr, rw RemoteWaiter) error {
	reg, err := f.Read(addr)
	if err != nil {
		return err
	}
	reg.Remote = rw
	return nil
}

// WriteResult reports what a Write caused, so the writeback stage and
// network layer know whether to reactivate local waiters or forward the
// value remotely.
type WriteResult struct {
	Reactivated  []ids.TID
	ForwardedTo  RemoteWaiter
	WasForwarded bool
}

// Write commits a value to addr. On a register that was WAITING, every
// suspended thread is reactivated (returned so the caller can ready
// them). On a register that was EMPTY or PENDING with a remote waiter set,
// the value is forwarded to that remote register instead of stored
// locally.
func (f *File) Write(addr ids.RegAddr, v Value) (WriteResult, error) {
	reg, err := f.Read(addr)
	if err != nil {
		return WriteResult{}, err
	}

	var result WriteResult

	if (reg.State == EMPTY || reg.State == PENDING) && reg.Remote.Set {
		result.ForwardedTo = reg.Remote
		result.WasForwarded = true
		reg.Remote = RemoteWaiter{}
		return result, nil
	}

	waiters := reg.Waiters
	reg.Waiters = nil
	reg.Value = v
	reg.State = FULL
	reg.Fill = FillInfo{}

	if len(waiters) > 0 {
		result.Reactivated = waiters
	}
	return result, nil
}

// Clear resets every register in [start, start+count) of the given type to
// EMPTY.
func (f *File) Clear(t ids.RegType, start ids.RegIndex, count uint32) error {
	bank := f.bank(t)
	if int(start)+int(count) > bank.Size() {
		return fmt.Errorf("illegal register range [%d,%d) for bank of size %d", start, int(start)+int(count), bank.Size())
	}
	for i := 0; i < int(count); i++ {
		bank.regs[int(start)+i] = Register{State: EMPTY}
	}
	return nil
}
