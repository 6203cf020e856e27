package upload

import (
	"sync/atomic"

	"github.com/gogpu/gpustream/internal/mpsc"
)

// Fence is the completed-work counter shared by a scheduler and whatever
// observes device progress (usually a QueueSubmitter).
//
// Each closed batch is stamped with a fence target. Once Completed reaches
// the target, the device no longer reads the batch and the tasks recorded
// into it may be finalized.
type Fence struct {
	completed atomic.Uint64
	wake      *mpsc.Signal
}

func newFence(wake *mpsc.Signal) *Fence {
	return &Fence{wake: wake}
}

// Signal advances the completed counter to v and wakes the upload worker.
// The counter never moves backwards; Signal reports whether it advanced.
func (f *Fence) Signal(v uint64) bool {
	for {
		cur := f.completed.Load()
		if v <= cur {
			return false
		}
		if f.completed.CompareAndSwap(cur, v) {
			if f.wake != nil {
				f.wake.Raise()
			}
			return true
		}
	}
}

// Completed returns the highest signaled value.
func (f *Fence) Completed() uint64 {
	return f.completed.Load()
}
