package upload

import (
	"fmt"

	"github.com/gogpu/wgpu/hal"
)

// submission maps a queue submission index to the fence value it completes.
type submission struct {
	index  uint64
	target uint64
	fence  *Fence
}

// QueueSubmitter submits executable batches to a hal.Queue and turns the
// queue's completed submission index into fence signals.
//
// QueueSubmitter is not safe for concurrent use; it belongs to the render
// goroutine, like the queue itself.
type QueueSubmitter struct {
	queue    hal.Queue
	inflight []submission
}

// NewQueueSubmitter creates a submitter for queue.
func NewQueueSubmitter(queue hal.Queue) *QueueSubmitter {
	return &QueueSubmitter{queue: queue}
}

// Submit submits e. A batch without a command buffer is submitted empty so
// that its fence target still completes in order. On failure every task
// in e is marked failed and an empty submission is attempted in its place.
func (q *QueueSubmitter) Submit(e Executable) error {
	var bufs []hal.CommandBuffer
	if e.CommandBuffer != nil {
		bufs = []hal.CommandBuffer{e.CommandBuffer}
	}

	idx, err := q.queue.Submit(bufs)
	if err == nil {
		q.track(idx, e)
		return nil
	}

	e.Fail(err)
	slogger().Warn("upload: batch submit failed", "fence", e.FenceTarget, "err", err)
	if bufs != nil {
		if idx, retryErr := q.queue.Submit(nil); retryErr == nil {
			q.track(idx, e)
		}
	}
	return fmt.Errorf("upload: submit batch %d: %w", e.FenceTarget, err)
}

func (q *QueueSubmitter) track(idx uint64, e Executable) {
	if e.Fence == nil {
		return
	}
	q.inflight = append(q.inflight, submission{index: idx, target: e.FenceTarget, fence: e.Fence})
}

// Poll signals the fences of every submission the queue reports complete.
// It returns the number of submissions that completed.
func (q *QueueSubmitter) Poll() int {
	if len(q.inflight) == 0 {
		return 0
	}
	done := q.queue.PollCompleted()

	n := 0
	for n < len(q.inflight) && q.inflight[n].index <= done {
		s := q.inflight[n]
		s.fence.Signal(s.target)
		n++
	}
	if n > 0 {
		rest := copy(q.inflight, q.inflight[n:])
		clear(q.inflight[rest:])
		q.inflight = q.inflight[:rest]
	}
	return n
}

// InFlight returns the number of submissions not yet known to be complete.
func (q *QueueSubmitter) InFlight() int { return len(q.inflight) }
