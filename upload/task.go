package upload

import (
	"errors"

	"github.com/gogpu/wgpu/hal"
)

// Upload errors.
var (
	// ErrStopped is returned by Submit after Stop, and passed to Finalize for
	// work abandoned by a draining Stop.
	ErrStopped = errors.New("upload: scheduler stopped")

	// ErrEncoding wraps command recording failures. Every task recorded into
	// the affected batch is finalized with it.
	ErrEncoding = errors.New("upload: command encoding failed")

	// ErrSubmit wraps queue submission failures reported through
	// Executable.Fail.
	ErrSubmit = errors.New("upload: batch submission failed")
)

// Task is a two-phase unit of upload work.
//
// Execute runs exactly once on the upload worker goroutine and records
// transfer commands into enc. Resources it creates belong to the task.
//
// Finalize runs exactly once on the goroutine that calls
// Scheduler.FinalizeReadyTasks, after the device has completed the batch the
// task was recorded into. err is the error returned by Execute, an encoding
// or submission failure of its batch, or ErrStopped. A task never observes
// Finalize before its Execute has returned.
type Task interface {
	Execute(dev hal.Device, enc hal.CommandEncoder) error
	Finalize(err error)
}

// FuncTask adapts a pair of functions to the Task interface. Nil fields
// are skipped.
type FuncTask struct {
	ExecuteFunc  func(dev hal.Device, enc hal.CommandEncoder) error
	FinalizeFunc func(err error)
}

// Execute implements Task.
func (t *FuncTask) Execute(dev hal.Device, enc hal.CommandEncoder) error {
	if t.ExecuteFunc == nil {
		return nil
	}
	return t.ExecuteFunc(dev, enc)
}

// Finalize implements Task.
func (t *FuncTask) Finalize(err error) {
	if t.FinalizeFunc != nil {
		t.FinalizeFunc(err)
	}
}

// record is the scheduler's bookkeeping for one submitted task. target is
// assigned when the worker executes the task; err is its terminal result.
type record struct {
	task   Task
	target uint64
	err    error
}

// fail sets the terminal error unless one is already recorded.
func (r *record) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}
