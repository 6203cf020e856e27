package descriptor

import (
	"fmt"

	"github.com/gogpu/wgpu/hal"
)

// Table is a fixed-capacity table of texture views addressed by Handle.
//
// Growing or shrinking a table means building a new SlotPool and moving
// every live view into it, so handles change on Rebuild.
type Table struct {
	pool  *SlotPool
	views []hal.TextureView
	base  Address
}

// NewTable creates an empty table of capacity slots at base.
func NewTable(capacity uint32, base Address) *Table {
	return &Table{
		pool:  NewSlotPool(capacity, base),
		views: make([]hal.TextureView, capacity),
		base:  base,
	}
}

// Publish stores view in a free slot. It returns false when the table is
// full or view is nil; the caller retries after the next Rebuild or Retire.
func (t *Table) Publish(view hal.TextureView) (Handle, bool) {
	if view == nil {
		return 0, false
	}
	h, ok := t.pool.TryAlloc()
	if !ok {
		return 0, false
	}
	t.views[h] = view
	return h, true
}

// Retire clears slot h and returns the view it held. The view is not
// destroyed.
func (t *Table) Retire(h Handle) (hal.TextureView, error) {
	if uint32(h) >= t.pool.Capacity() || t.views[h] == nil {
		return nil, fmt.Errorf("%w: %d", ErrNotAllocated, h)
	}
	view := t.views[h]
	if err := t.pool.release(h); err != nil {
		return nil, err
	}
	t.views[h] = nil
	return view, nil
}

// View returns the view in slot h.
func (t *Table) View(h Handle) (hal.TextureView, bool) {
	if uint32(h) >= uint32(len(t.views)) {
		return nil, false
	}
	v := t.views[h]
	return v, v != nil
}

// Rebuild moves every live view into a fresh pool of the given capacity.
// It returns the old-to-new handle mapping, which owners must apply to the
// handles they hold.
func (t *Table) Rebuild(capacity uint32) (map[Handle]Handle, error) {
	live := t.pool.Live()
	if uint64(live) > uint64(capacity) {
		return nil, fmt.Errorf("%w: capacity %d, live %d", ErrCapacityTooSmall, capacity, live)
	}

	pool := NewSlotPool(capacity, t.base)
	views := make([]hal.TextureView, capacity)
	moved := make(map[Handle]Handle, live)
	for i, v := range t.views {
		if v == nil {
			continue
		}
		h := pool.Alloc()
		views[h] = v
		moved[Handle(i)] = h
	}

	t.pool = pool
	t.views = views
	return moved, nil
}

// Pool returns the slot pool backing the table.
func (t *Table) Pool() *SlotPool { return t.pool }

// Capacity returns the number of slots.
func (t *Table) Capacity() uint32 { return t.pool.Capacity() }

// Live returns the number of occupied slots.
func (t *Table) Live() int { return t.pool.Live() }

// CPUAddress returns the CPU-side address of slot h.
func (t *Table) CPUAddress(h Handle) uint64 { return t.pool.CPUAddress(h) }

// GPUAddress returns the GPU-side address of slot h.
func (t *Table) GPUAddress(h Handle) uint64 { return t.pool.GPUAddress(h) }
