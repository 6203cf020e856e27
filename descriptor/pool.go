// Package descriptor hands out slots in fixed-capacity tables of
// GPU-visible resource views.
//
// A SlotPool issues small integer handles in [0, capacity). Freed handles
// are reissued smallest-first before any never-used slot is consumed, and
// frees at the top of the used range pull the high-water mark back down.
// A Table pairs a SlotPool with the views stored in its slots.
//
// Nothing in this package is safe for concurrent use. Owners serialize
// access on the render goroutine, where per-frame transitions run.
package descriptor

import (
	"errors"
	"fmt"

	"github.com/google/btree"
)

// Descriptor errors.
var (
	// ErrPoolExhausted is the panic value of Alloc when every slot is issued.
	ErrPoolExhausted = errors.New("descriptor: slot pool exhausted")

	// ErrOutOfRange is returned for addresses or handles that do not belong
	// to the pool.
	ErrOutOfRange = errors.New("descriptor: handle out of range")

	// ErrNotAllocated is returned when freeing a slot that is not issued.
	ErrNotAllocated = errors.New("descriptor: handle not allocated")

	// ErrCapacityTooSmall is returned by Table.Rebuild when the requested
	// capacity cannot hold the live views.
	ErrCapacityTooSmall = errors.New("descriptor: capacity below live count")
)

// freeSetDegree is the B-tree degree of the free set.
const freeSetDegree = 16

// Handle is an index into a descriptor table.
type Handle uint32

// Address locates slot zero of a table on the CPU and GPU side. Slot i
// lives at base + i*Stride on both sides.
type Address struct {
	CPU    uint64
	GPU    uint64
	Stride uint64
}

func (a Address) cpu(h Handle) uint64 { return a.CPU + uint64(h)*a.Stride }

func (a Address) gpu(h Handle) uint64 { return a.GPU + uint64(h)*a.Stride }

// SlotPool allocates descriptor handles from a fixed capacity.
//
// Every index is in exactly one state: at or above FreeBlockStart and never
// issued, issued, or below FreeBlockStart and in the free set.
type SlotPool struct {
	capacity       uint32
	freeBlockStart uint32
	free           *btree.BTreeG[Handle]
	base           Address
}

// NewSlotPool creates a pool of capacity slots at base.
func NewSlotPool(capacity uint32, base Address) *SlotPool {
	return &SlotPool{
		capacity: capacity,
		free:     btree.NewOrderedG[Handle](freeSetDegree),
		base:     base,
	}
}

// Alloc issues a handle. It panics with ErrPoolExhausted when the pool is
// full; use TryAlloc where running out is expected.
func (p *SlotPool) Alloc() Handle {
	h, ok := p.TryAlloc()
	if !ok {
		panic(fmt.Errorf("%w: capacity %d", ErrPoolExhausted, p.capacity))
	}
	return h
}

// TryAlloc issues a handle, reissuing the smallest freed one first.
// It returns false when the pool is full.
func (p *SlotPool) TryAlloc() (Handle, bool) {
	if h, ok := p.free.DeleteMin(); ok {
		return h, true
	}
	if p.freeBlockStart >= p.capacity {
		return 0, false
	}
	h := Handle(p.freeBlockStart)
	p.freeBlockStart++
	return h, true
}

// Free returns h to the pool.
//
// Freeing a handle that is not issued is a programming error and panics.
func (p *SlotPool) Free(h Handle) {
	if err := p.release(h); err != nil {
		panic(err)
	}
}

func (p *SlotPool) release(h Handle) error {
	if uint32(h) >= p.freeBlockStart || p.free.Has(h) {
		return fmt.Errorf("%w: %d", ErrNotAllocated, h)
	}
	p.free.ReplaceOrInsert(h)

	// Compact: let the high-water mark recede over a freed tail.
	for {
		top, ok := p.free.Max()
		if !ok || uint32(top) != p.freeBlockStart-1 {
			break
		}
		p.free.DeleteMax()
		p.freeBlockStart--
	}
	return nil
}

// FreeFromCPU frees the slot whose CPU-side address is addr.
func (p *SlotPool) FreeFromCPU(addr uint64) error {
	h, err := p.HandleFromCPU(addr)
	if err != nil {
		return err
	}
	return p.release(h)
}

// HandleFromCPU maps a CPU-side address back to its handle.
func (p *SlotPool) HandleFromCPU(addr uint64) (Handle, error) {
	if p.base.Stride == 0 || addr < p.base.CPU {
		return 0, fmt.Errorf("%w: address %#x", ErrOutOfRange, addr)
	}
	off := addr - p.base.CPU
	if off%p.base.Stride != 0 || off/p.base.Stride >= uint64(p.capacity) {
		return 0, fmt.Errorf("%w: address %#x", ErrOutOfRange, addr)
	}
	return Handle(off / p.base.Stride), nil
}

// CPUAddress returns the CPU-side address of h. The result is meaningless
// for handles not issued by this pool.
func (p *SlotPool) CPUAddress(h Handle) uint64 { return p.base.cpu(h) }

// GPUAddress returns the GPU-side address of h. The result is meaningless
// for handles not issued by this pool.
func (p *SlotPool) GPUAddress(h Handle) uint64 { return p.base.gpu(h) }

// Capacity returns the fixed number of slots.
func (p *SlotPool) Capacity() uint32 { return p.capacity }

// FreeBlockStart returns the high-water mark: every index at or above it
// has never been issued since the last compaction.
func (p *SlotPool) FreeBlockStart() uint32 { return p.freeBlockStart }

// Live returns the number of issued handles.
func (p *SlotPool) Live() int { return int(p.freeBlockStart) - p.free.Len() }

// Freed returns the explicitly freed handles below the high-water mark in
// ascending order.
func (p *SlotPool) Freed() []Handle {
	out := make([]Handle, 0, p.free.Len())
	p.free.Ascend(func(h Handle) bool {
		out = append(out, h)
		return true
	})
	return out
}
