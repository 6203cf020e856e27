package descriptor

import (
	"errors"
	"testing"
)

// fakeView is a distinguishable hal.TextureView.
type fakeView struct{ id int }

func (v *fakeView) Destroy()              {}
func (v *fakeView) NativeHandle() uintptr { return uintptr(v.id) }

// =============================================================================
// Table Tests
// =============================================================================

func TestTable_PublishAndView(t *testing.T) {
	tbl := NewTable(4, Address{CPU: 0x100, GPU: 0x200, Stride: 8})
	v := &fakeView{id: 1}

	h, ok := tbl.Publish(v)
	if !ok {
		t.Fatal("Publish failed on an empty table")
	}
	got, ok := tbl.View(h)
	if !ok || got != v {
		t.Errorf("View(%d) = (%v, %v), want (%v, true)", h, got, ok, v)
	}
	if tbl.Live() != 1 {
		t.Errorf("Live() = %d, want 1", tbl.Live())
	}
	if tbl.CPUAddress(h) != 0x100 || tbl.GPUAddress(h) != 0x200 {
		t.Errorf("addresses = (%#x, %#x), want (0x100, 0x200)", tbl.CPUAddress(h), tbl.GPUAddress(h))
	}
}

func TestTable_PublishNil(t *testing.T) {
	tbl := NewTable(2, Address{})
	if _, ok := tbl.Publish(nil); ok {
		t.Error("Publish(nil) should fail")
	}
	if tbl.Live() != 0 {
		t.Errorf("Live() = %d, want 0", tbl.Live())
	}
}

func TestTable_PublishFull(t *testing.T) {
	tbl := NewTable(2, Address{})
	tbl.Publish(&fakeView{id: 1})
	tbl.Publish(&fakeView{id: 2})
	if _, ok := tbl.Publish(&fakeView{id: 3}); ok {
		t.Error("Publish on a full table should fail")
	}
}

func TestTable_Retire(t *testing.T) {
	tbl := NewTable(4, Address{})
	v := &fakeView{id: 7}
	h, _ := tbl.Publish(v)

	got, err := tbl.Retire(h)
	if err != nil {
		t.Fatalf("Retire: %v", err)
	}
	if got != v {
		t.Errorf("Retire returned %v, want %v", got, v)
	}
	if _, ok := tbl.View(h); ok {
		t.Error("View after Retire should fail")
	}
	if _, err := tbl.Retire(h); !errors.Is(err, ErrNotAllocated) {
		t.Errorf("second Retire = %v, want ErrNotAllocated", err)
	}
	if _, err := tbl.Retire(99); !errors.Is(err, ErrNotAllocated) {
		t.Errorf("Retire(99) = %v, want ErrNotAllocated", err)
	}
}

func TestTable_RebuildGrowKeepsViews(t *testing.T) {
	tbl := NewTable(4, Address{})
	views := make([]*fakeView, 4)
	handles := make([]Handle, 4)
	for i := range views {
		views[i] = &fakeView{id: i}
		handles[i], _ = tbl.Publish(views[i])
	}
	if _, err := tbl.Retire(handles[1]); err != nil {
		t.Fatal(err)
	}

	moved, err := tbl.Rebuild(16)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if tbl.Capacity() != 16 {
		t.Errorf("Capacity() = %d, want 16", tbl.Capacity())
	}
	if len(moved) != 3 {
		t.Fatalf("moved %d views, want 3", len(moved))
	}
	for _, i := range []int{0, 2, 3} {
		nh, ok := moved[handles[i]]
		if !ok {
			t.Fatalf("handle %d not remapped", handles[i])
		}
		if got, _ := tbl.View(nh); got != views[i] {
			t.Errorf("View(%d) = %v, want %v", nh, got, views[i])
		}
	}
	if _, ok := moved[handles[1]]; ok {
		t.Error("retired handle should not be remapped")
	}
	if tbl.Pool().FreeBlockStart() != 3 {
		t.Errorf("FreeBlockStart() = %d, want 3", tbl.Pool().FreeBlockStart())
	}
}

func TestTable_RebuildTooSmall(t *testing.T) {
	tbl := NewTable(4, Address{})
	for i := range 3 {
		tbl.Publish(&fakeView{id: i})
	}
	if _, err := tbl.Rebuild(2); !errors.Is(err, ErrCapacityTooSmall) {
		t.Errorf("Rebuild(2) = %v, want ErrCapacityTooSmall", err)
	}
	if tbl.Capacity() != 4 || tbl.Live() != 3 {
		t.Errorf("failed Rebuild changed the table: capacity %d, live %d", tbl.Capacity(), tbl.Live())
	}
}
