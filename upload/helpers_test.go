package upload

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// holdsFor checks that cond stays true for d.
func holdsFor(t *testing.T, what string, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if !cond() {
			t.Fatalf("%s: condition broke", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// takeBatch waits for a closed batch and returns it.
func takeBatch(t *testing.T, s *Scheduler) Executable {
	t.Helper()
	var (
		e  Executable
		ok bool
	)
	waitFor(t, "executable batch", func() bool {
		e, ok = s.ExecutableBatch()
		return ok
	})
	return e
}

// =============================================================================
// Fakes
// =============================================================================

// cmdBuf is a distinguishable hal.CommandBuffer.
type cmdBuf struct {
	enc int
	seq int32
}

func (*cmdBuf) Destroy() {}

// trackingEncoder counts lifecycle calls and can inject failures.
type trackingEncoder struct {
	noop.CommandEncoder
	id int

	begins    atomic.Int32
	ends      atomic.Int32
	resets    atomic.Int32
	discards  atomic.Int32
	destroyed atomic.Bool

	failBegin atomic.Int32 // fail the next n BeginEncoding calls
	failEnd   atomic.Int32 // fail the next n EndEncoding calls
}

func (e *trackingEncoder) BeginEncoding(string) error {
	e.begins.Add(1)
	if e.failBegin.Load() > 0 {
		e.failBegin.Add(-1)
		return errors.New("begin refused")
	}
	return nil
}

func (e *trackingEncoder) EndEncoding() (hal.CommandBuffer, error) {
	n := e.ends.Add(1)
	if e.failEnd.Load() > 0 {
		e.failEnd.Add(-1)
		return nil, errors.New("end refused")
	}
	return &cmdBuf{enc: e.id, seq: n}, nil
}

func (e *trackingEncoder) ResetAll([]hal.CommandBuffer) { e.resets.Add(1) }
func (e *trackingEncoder) DiscardEncoding()             { e.discards.Add(1) }
func (e *trackingEncoder) Destroy()                     { e.destroyed.Store(true) }

// trackingDevice hands out trackingEncoders.
type trackingDevice struct {
	noop.Device

	mu       sync.Mutex
	encoders []*trackingEncoder
	freed    atomic.Int32
	failNext bool
}

func (d *trackingDevice) CreateCommandEncoder(*hal.CommandEncoderDescriptor) (hal.CommandEncoder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failNext {
		return nil, errors.New("out of encoders")
	}
	e := &trackingEncoder{id: len(d.encoders)}
	d.encoders = append(d.encoders, e)
	return e, nil
}

func (d *trackingDevice) FreeCommandBuffer(hal.CommandBuffer) { d.freed.Add(1) }

func (d *trackingDevice) encoder(i int) *trackingEncoder {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.encoders[i]
}

// probeTask records the order of its phases.
type probeTask struct {
	id        int
	execErr   error
	executed  atomic.Bool
	finalized atomic.Int32
	err       error
	log       *eventLog
}

func (p *probeTask) Execute(hal.Device, hal.CommandEncoder) error {
	p.executed.Store(true)
	if p.log != nil {
		p.log.add(p.id, "execute")
	}
	return p.execErr
}

func (p *probeTask) Finalize(err error) {
	if !p.executed.Load() && !errors.Is(err, ErrStopped) && !errors.Is(err, ErrEncoding) {
		panic("finalize before execute")
	}
	p.finalized.Add(1)
	p.err = err
	if p.log != nil {
		p.log.add(p.id, "finalize")
	}
}

type event struct {
	id    int
	phase string
}

type eventLog struct {
	mu     sync.Mutex
	events []event
}

func (l *eventLog) add(id int, phase string) {
	l.mu.Lock()
	l.events = append(l.events, event{id, phase})
	l.mu.Unlock()
}

func (l *eventLog) finalizeOrder() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ids []int
	for _, e := range l.events {
		if e.phase == "finalize" {
			ids = append(ids, e.id)
		}
	}
	return ids
}
