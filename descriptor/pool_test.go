package descriptor

import (
	"errors"
	"math/rand/v2"
	"slices"
	"testing"
)

// =============================================================================
// Alloc / Free Tests
// =============================================================================

func TestSlotPool_AllocSequential(t *testing.T) {
	p := NewSlotPool(4, Address{})
	for want := range Handle(4) {
		if got := p.Alloc(); got != want {
			t.Fatalf("Alloc() = %d, want %d", got, want)
		}
	}
	if p.FreeBlockStart() != 4 {
		t.Errorf("FreeBlockStart() = %d, want 4", p.FreeBlockStart())
	}
	if p.Live() != 4 {
		t.Errorf("Live() = %d, want 4", p.Live())
	}
}

// Capacity 4, free 1 then 3: compaction drops 3 and the mark recedes to 3,
// so the next Alloc reissues 1.
func TestSlotPool_CompactionScenario(t *testing.T) {
	p := NewSlotPool(4, Address{})
	for range 4 {
		p.Alloc()
	}

	p.Free(1)
	p.Free(3)

	if got := p.Freed(); !slices.Equal(got, []Handle{1}) {
		t.Errorf("Freed() = %v, want [1]", got)
	}
	if p.FreeBlockStart() != 3 {
		t.Errorf("FreeBlockStart() = %d, want 3", p.FreeBlockStart())
	}
	if got := p.Alloc(); got != 1 {
		t.Errorf("Alloc() = %d, want 1", got)
	}
	if got := p.Alloc(); got != 3 {
		t.Errorf("Alloc() = %d, want 3", got)
	}
}

func TestSlotPool_CompactionCascades(t *testing.T) {
	p := NewSlotPool(8, Address{})
	for range 5 {
		p.Alloc()
	}
	p.Free(2)
	p.Free(3)
	p.Free(4)

	if p.FreeBlockStart() != 2 {
		t.Errorf("FreeBlockStart() = %d, want 2", p.FreeBlockStart())
	}
	if n := len(p.Freed()); n != 0 {
		t.Errorf("free set size = %d, want 0", n)
	}
}

func TestSlotPool_ReissuesSmallestFirst(t *testing.T) {
	p := NewSlotPool(8, Address{})
	for range 6 {
		p.Alloc()
	}
	p.Free(4)
	p.Free(1)
	p.Free(2)

	for _, want := range []Handle{1, 2, 4, 6} {
		if got := p.Alloc(); got != want {
			t.Fatalf("Alloc() = %d, want %d", got, want)
		}
	}
}

func TestSlotPool_Exhaustion(t *testing.T) {
	const n = 16
	p := NewSlotPool(n, Address{})
	for range n {
		p.Alloc()
	}
	if _, ok := p.TryAlloc(); ok {
		t.Fatal("TryAlloc on a full pool should fail")
	}

	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrPoolExhausted) {
			t.Errorf("Alloc panic = %v, want ErrPoolExhausted", r)
		}
	}()
	p.Alloc()
}

func TestSlotPool_ZeroCapacity(t *testing.T) {
	p := NewSlotPool(0, Address{})
	if _, ok := p.TryAlloc(); ok {
		t.Error("TryAlloc on an empty pool should fail")
	}
}

func TestSlotPool_FreeUnallocatedPanics(t *testing.T) {
	tests := []struct {
		name  string
		setup func(p *SlotPool)
		h     Handle
	}{
		{"virgin", func(p *SlotPool) { p.Alloc() }, 3},
		{"double free", func(p *SlotPool) { p.Alloc(); p.Alloc(); p.Free(0) }, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewSlotPool(4, Address{})
			tt.setup(p)
			defer func() {
				r := recover()
				err, ok := r.(error)
				if !ok || !errors.Is(err, ErrNotAllocated) {
					t.Errorf("Free panic = %v, want ErrNotAllocated", r)
				}
			}()
			p.Free(tt.h)
		})
	}
}

// Random Alloc/Free sequences keep handles unique, in range and the free
// set disjoint from the compacted tail.
func TestSlotPool_RandomizedInvariants(t *testing.T) {
	const n = 64
	rng := rand.New(rand.NewPCG(1, 2))
	p := NewSlotPool(n, Address{})
	live := make(map[Handle]bool)

	for step := range 5000 {
		if rng.IntN(2) == 0 {
			h, ok := p.TryAlloc()
			if !ok {
				if len(live) != n {
					t.Fatalf("step %d: TryAlloc failed with %d live", step, len(live))
				}
				continue
			}
			if h >= n {
				t.Fatalf("step %d: handle %d out of range", step, h)
			}
			if live[h] {
				t.Fatalf("step %d: handle %d issued twice", step, h)
			}
			live[h] = true
		} else if len(live) > 0 {
			keys := make([]Handle, 0, len(live))
			for h := range live {
				keys = append(keys, h)
			}
			slices.Sort(keys)
			h := keys[rng.IntN(len(keys))]
			p.Free(h)
			delete(live, h)
		}

		if p.Live() != len(live) {
			t.Fatalf("step %d: Live() = %d, want %d", step, p.Live(), len(live))
		}
		if freed := p.Freed(); len(freed) > 0 && uint32(freed[len(freed)-1]) == p.FreeBlockStart()-1 {
			t.Fatalf("step %d: free set holds %d = freeBlockStart-1", step, freed[len(freed)-1])
		}
	}
}

// =============================================================================
// Address Tests
// =============================================================================

func TestSlotPool_Addresses(t *testing.T) {
	base := Address{CPU: 0x1000, GPU: 0x8000_0000, Stride: 32}
	p := NewSlotPool(8, base)
	p.Alloc()
	p.Alloc()
	h := p.Alloc()

	if got := p.CPUAddress(h); got != 0x1000+2*32 {
		t.Errorf("CPUAddress(%d) = %#x, want %#x", h, got, 0x1000+2*32)
	}
	if got := p.GPUAddress(h); got != 0x8000_0000+2*32 {
		t.Errorf("GPUAddress(%d) = %#x, want %#x", h, got, 0x8000_0000+2*32)
	}
}

func TestSlotPool_FreeFromCPU(t *testing.T) {
	base := Address{CPU: 0x1000, GPU: 0x2000, Stride: 16}
	p := NewSlotPool(4, base)
	for range 3 {
		p.Alloc()
	}

	if err := p.FreeFromCPU(p.CPUAddress(1)); err != nil {
		t.Fatalf("FreeFromCPU: %v", err)
	}
	if got := p.Alloc(); got != 1 {
		t.Errorf("Alloc() after FreeFromCPU = %d, want 1", got)
	}

	tests := []struct {
		name string
		addr uint64
		want error
	}{
		{"below base", 0x0ff0, ErrOutOfRange},
		{"past capacity", 0x1000 + 4*16, ErrOutOfRange},
		{"misaligned", 0x1000 + 8, ErrOutOfRange},
		{"not issued", 0x1000 + 3*16, ErrNotAllocated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := p.FreeFromCPU(tt.addr); !errors.Is(err, tt.want) {
				t.Errorf("FreeFromCPU(%#x) = %v, want %v", tt.addr, err, tt.want)
			}
		})
	}
}
