package upload

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpustream/internal/mpsc"
)

// Default scheduler settings.
const (
	// DefaultRingSize is the number of batches in the ring: one recording
	// while the other is in flight on the device.
	DefaultRingSize = 2

	// MinRingSize is the smallest usable ring.
	MinRingSize = 2

	// DefaultLabel is the debug label of upload encoders.
	DefaultLabel = "gpustream.upload"
)

// ErrNilDevice is returned by NewScheduler without a device.
var ErrNilDevice = errors.New("upload: nil device")

// ErrNilTask is returned by Submit for a nil task.
var ErrNilTask = errors.New("upload: nil task")

// Config holds configuration for a Scheduler.
type Config struct {
	// RingSize is the number of recyclable batches. Default: 2.
	RingSize int

	// Label is the debug label given to encoders and command buffers.
	// Default: DefaultLabel.
	Label string

	// DrainOnStop makes Stop finalize abandoned tasks with ErrStopped.
	// When false, abandoned tasks are dropped without Finalize and only
	// counted in Stats.Dropped.
	DrainOnStop bool
}

// applyDefaults fills zero fields.
func (c *Config) applyDefaults() {
	if c.RingSize < MinRingSize {
		c.RingSize = DefaultRingSize
	}
	if c.Label == "" {
		c.Label = DefaultLabel
	}
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	// Submitted counts tasks accepted by Submit.
	Submitted uint64
	// Executed counts tasks recorded by the worker.
	Executed uint64
	// Finalized counts Finalize calls, including ErrStopped ones.
	Finalized uint64
	// Dropped counts tasks abandoned by Stop without Finalize.
	Dropped uint64
	// Batches counts closed batches.
	Batches uint64
	// WriteIndex is the index of the batch being recorded.
	WriteIndex uint64
	// ReadIndex is the index of the next batch to hand to the consumer.
	ReadIndex uint64
}

// Executable is a closed batch ready for queue submission.
type Executable struct {
	// CommandBuffer holds the recorded transfers. It is nil when recording
	// failed; the batch must still be submitted (empty) so the fence target
	// is reached and its tasks finalize with the error.
	CommandBuffer hal.CommandBuffer

	// FenceTarget is the value Fence must reach once the device is done
	// with CommandBuffer.
	FenceTarget uint64

	// Fence is the scheduler's completion counter.
	Fence *Fence

	records []*record
}

// Fail marks every task of the batch as failed with err, wrapped in
// ErrSubmit. Call it on the finalizing goroutine when submission fails.
func (e Executable) Fail(err error) {
	wrapped := fmt.Errorf("%w: %w", ErrSubmit, err)
	for _, r := range e.records {
		r.fail(wrapped)
	}
}

// Tasks returns the number of tasks recorded into the batch.
func (e Executable) Tasks() int { return len(e.records) }

// batch is one ring slot: an encoder plus the last command buffer it
// produced and the fence target stamped when it was closed.
type batch struct {
	enc hal.CommandEncoder

	// Fields below are owned by the worker while the slot records, and
	// guarded by Scheduler.mu once the slot is closed.
	index     uint64
	recording bool
	err       error
	records   []*record

	cmd    hal.CommandBuffer
	target uint64 // 0 until first closed
	closed []*record
}

// Scheduler records upload tasks on a dedicated worker goroutine.
//
// Producers call Submit from any goroutine. The render goroutine calls
// ExecutableBatch to take closed batches for submission, and
// FinalizeReadyTasks to complete tasks whose batches the device has
// finished. The worker rolls to the next ring slot only when the consumer
// has taken every closed batch and the next slot's fence target has
// completed; otherwise it keeps recording into the open batch.
//
// Thread safety: Submit, ExecutableBatch, Stats and Fence are safe for
// concurrent use. FinalizeReadyTasks and Stop must be called from the
// finalizing goroutine.
type Scheduler struct {
	dev   hal.Device
	cfg   Config
	ring  []*batch
	fence *Fence

	// wake is raised by Submit, ExecutableBatch and Fence.Signal.
	wake      *mpsc.Signal
	tasks     *mpsc.Queue[*record]
	finalizeQ *mpsc.Queue[*record]

	mu         sync.Mutex
	writeIndex uint64
	readIndex  uint64

	// Finalize side, owned by the finalizing goroutine.
	pending     []*record
	pendingHead int

	// current is the batch the worker recorded into last. Read by Stop
	// after the worker has exited.
	current *batch

	submitMu sync.RWMutex
	stopped  bool
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	submitted atomic.Uint64
	executed  atomic.Uint64
	finalized atomic.Uint64
	dropped   atomic.Uint64
	batches   atomic.Uint64
}

// NewScheduler creates the batch ring on dev and starts the worker.
func NewScheduler(dev hal.Device, cfg Config) (*Scheduler, error) {
	s, err := newScheduler(dev, cfg)
	if err != nil {
		return nil, err
	}
	s.start()
	return s, nil
}

func newScheduler(dev hal.Device, cfg Config) (*Scheduler, error) {
	if dev == nil {
		return nil, ErrNilDevice
	}
	cfg.applyDefaults()

	wake := mpsc.NewSignal()
	s := &Scheduler{
		dev:       dev,
		cfg:       cfg,
		ring:      make([]*batch, 0, cfg.RingSize),
		fence:     newFence(wake),
		wake:      wake,
		tasks:     mpsc.New[*record](wake),
		finalizeQ: mpsc.New[*record](nil),
		done:      make(chan struct{}),
	}

	for i := range cfg.RingSize {
		enc, err := dev.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
			Label: fmt.Sprintf("%s[%d]", cfg.Label, i),
		})
		if err != nil {
			for _, b := range s.ring {
				b.enc.Destroy()
			}
			return nil, fmt.Errorf("upload: create encoder %d: %w", i, err)
		}
		s.ring = append(s.ring, &batch{enc: enc})
	}
	return s, nil
}

func (s *Scheduler) start() {
	s.wg.Add(1)
	go s.run()
}

// Submit queues task for execution on the worker. It never blocks.
// Tasks from one goroutine execute and finalize in submission order.
func (s *Scheduler) Submit(task Task) error {
	if task == nil {
		return ErrNilTask
	}
	s.submitMu.RLock()
	defer s.submitMu.RUnlock()
	if s.stopped {
		return ErrStopped
	}
	s.submitted.Add(1)
	s.tasks.Push(&record{task: task})
	return nil
}

// ExecutableBatch hands out the oldest closed batch, if any. The caller
// must submit it, even when CommandBuffer is nil, and arrange for its
// Fence to reach FenceTarget once the device is done. Every call wakes the
// worker, which may be waiting for the consumer before it rolls over.
func (s *Scheduler) ExecutableBatch() (Executable, bool) {
	defer s.wake.Raise()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readIndex >= s.writeIndex {
		return Executable{}, false
	}
	b := s.ring[s.readIndex%uint64(len(s.ring))]
	e := Executable{
		CommandBuffer: b.cmd,
		FenceTarget:   b.target,
		Fence:         s.fence,
		records:       b.closed,
	}
	b.closed = nil
	s.readIndex++
	return e, true
}

// Ready reports whether ExecutableBatch would return a batch.
func (s *Scheduler) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readIndex < s.writeIndex
}

// FinalizeReadyTasks finalizes executed tasks in submission order, up to
// the first one whose fence target has not completed. It returns the
// number of executed tasks still waiting.
func (s *Scheduler) FinalizeReadyTasks() int {
	_, pending := s.finalizeReady()
	return pending
}

func (s *Scheduler) finalizeReady() (finalized, pending int) {
	s.pending = s.finalizeQ.DrainInto(s.pending)
	completed := s.fence.Completed()

	for s.pendingHead < len(s.pending) {
		rec := s.pending[s.pendingHead]
		if rec.target > completed {
			break
		}
		s.pending[s.pendingHead] = nil
		s.pendingHead++
		rec.task.Finalize(rec.err)
		finalized++
	}

	switch {
	case s.pendingHead == len(s.pending):
		s.pending = s.pending[:0]
		s.pendingHead = 0
	case s.pendingHead > len(s.pending)/2:
		n := copy(s.pending, s.pending[s.pendingHead:])
		clear(s.pending[n:])
		s.pending = s.pending[:n]
		s.pendingHead = 0
	}

	s.finalized.Add(uint64(finalized))
	return finalized, len(s.pending) - s.pendingHead
}

// Device returns the device the scheduler records on.
func (s *Scheduler) Device() hal.Device { return s.dev }

// Fence returns the completion counter batches are stamped against.
func (s *Scheduler) Fence() *Fence { return s.fence }

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	w, r := s.writeIndex, s.readIndex
	s.mu.Unlock()
	return Stats{
		Submitted:  s.submitted.Load(),
		Executed:   s.executed.Load(),
		Finalized:  s.finalized.Load(),
		Dropped:    s.dropped.Load(),
		Batches:    s.batches.Load(),
		WriteIndex: w,
		ReadIndex:  r,
	}
}

// Stop shuts the worker down and releases the batch ring. It is safe to
// call more than once. Tasks whose batches already completed are finalized
// normally; the rest are dropped or, with Config.DrainOnStop, finalized
// with ErrStopped. Submitted command buffers must no longer be in use by
// the device.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(s.stop)
}

func (s *Scheduler) stop() {
	s.submitMu.Lock()
	s.stopped = true
	s.submitMu.Unlock()

	close(s.done)
	s.wg.Wait()

	queued := s.tasks.DrainInto(nil)
	s.finalizeReady()
	abandoned := append(s.pending[s.pendingHead:], queued...)
	s.pending, s.pendingHead = nil, 0

	if n := len(abandoned); n > 0 {
		if s.cfg.DrainOnStop {
			for _, rec := range abandoned {
				rec.task.Finalize(ErrStopped)
			}
			s.finalized.Add(uint64(n))
			slogger().Info("upload: stop finalized abandoned tasks", "tasks", n)
		} else {
			s.dropped.Add(uint64(n))
			slogger().Warn("upload: stop dropped unfinished tasks",
				"tasks", n, "unexecuted", len(queued))
		}
	}

	s.releaseRing()
}

func (s *Scheduler) releaseRing() {
	if b := s.current; b != nil && b.recording {
		b.enc.DiscardEncoding()
		b.recording = false
	}
	for _, b := range s.ring {
		if b.cmd != nil {
			s.dev.FreeCommandBuffer(b.cmd)
			b.cmd = nil
		}
		b.enc.Destroy()
	}
}

// =============================================================================
// Worker
// =============================================================================

// run is the worker loop. It records tasks into the open batch and closes
// the batch whenever rollover is possible.
func (s *Scheduler) run() {
	defer s.wg.Done()

	slogger().Info("upload: worker started", "ring", len(s.ring))
	defer func() {
		slogger().Info("upload: worker stopped", "batches", s.batches.Load())
	}()

	b := s.open()
	for {
		select {
		case <-s.done:
			return
		default:
		}

		rec, ok := s.tasks.TryPop()
		if ok {
			s.execute(b, rec)
		}

		if len(b.records) > 0 && s.canRollover() {
			s.close(b)
			b = s.open()
			continue
		}
		if ok {
			continue
		}

		select {
		case <-s.wake.C():
		case <-s.done:
			return
		}
	}
}

// open prepares the slot for the current write index. The slot's previous
// command buffer has been handed out and its fence target has completed.
func (s *Scheduler) open() *batch {
	s.mu.Lock()
	w := s.writeIndex
	s.mu.Unlock()

	b := s.ring[w%uint64(len(s.ring))]
	if b.cmd != nil {
		b.enc.ResetAll([]hal.CommandBuffer{b.cmd})
		b.cmd = nil
	}

	b.index = w
	b.err = nil
	if err := b.enc.BeginEncoding(s.cfg.Label); err != nil {
		b.err = fmt.Errorf("%w: begin batch %d: %w", ErrEncoding, w, err)
		slogger().Warn("upload: begin encoding failed", "batch", w, "err", err)
	} else {
		b.recording = true
	}
	s.current = b
	return b
}

// execute records rec into b and hands it to the finalize side.
func (s *Scheduler) execute(b *batch, rec *record) {
	rec.target = b.index + 1
	if b.err != nil {
		rec.err = b.err
	} else if err := rec.task.Execute(s.dev, b.enc); err != nil {
		rec.err = err
	}
	b.records = append(b.records, rec)
	s.executed.Add(1)
	s.finalizeQ.Push(rec)
}

// canRollover reports whether the worker may close the open batch: every
// closed batch has been taken by the consumer, and the next slot is either
// unused or no longer in flight.
func (s *Scheduler) canRollover() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readIndex != s.writeIndex {
		return false
	}
	next := s.ring[(s.writeIndex+1)%uint64(len(s.ring))]
	return next.target == 0 || next.target <= s.fence.Completed()
}

// close ends recording, stamps the fence target and advances the write
// index. Encoding failures are carried into the batch's tasks.
func (s *Scheduler) close(b *batch) {
	var cmd hal.CommandBuffer
	if b.recording {
		c, err := b.enc.EndEncoding()
		b.recording = false
		if err != nil {
			b.enc.DiscardEncoding()
			b.err = fmt.Errorf("%w: end batch %d: %w", ErrEncoding, b.index, err)
			slogger().Warn("upload: end encoding failed", "batch", b.index, "err", err)
		} else {
			cmd = c
		}
	}
	if b.err != nil {
		for _, r := range b.records {
			r.fail(b.err)
		}
	}

	records := b.records
	b.records = nil

	s.mu.Lock()
	b.cmd = cmd
	b.target = b.index + 1
	b.closed = records
	s.writeIndex++
	s.mu.Unlock()

	s.batches.Add(1)
	slogger().Debug("upload: batch closed",
		"batch", b.index, "fence", b.target, "tasks", len(records))
}
