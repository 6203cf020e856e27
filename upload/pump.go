package upload

import (
	"golang.org/x/time/rate"
)

// FrameReport summarizes one FramePump.Frame call.
type FrameReport struct {
	// Completed is the number of queue submissions that finished since the
	// previous frame.
	Completed int
	// Submitted is the number of batches submitted this frame.
	Submitted int
	// Throttled reports that a closed batch was left for a later frame by
	// the submission budget.
	Throttled bool
	// Finalized is the number of tasks finalized this frame.
	Finalized int
	// Pending is the number of executed tasks still waiting for their fence.
	Pending int
}

// PumpOption configures a FramePump.
type PumpOption func(*FramePump)

// WithBatchBudget limits batch submissions to perSecond with the given
// burst. The pump never waits on the limiter; over-budget batches stay
// closed and the worker keeps recording into the open one.
func WithBatchBudget(perSecond float64, burst int) PumpOption {
	return func(p *FramePump) {
		if perSecond > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
		}
	}
}

// FramePump drives the render side of a Scheduler once per frame: it
// polls the queue, submits closed batches and finalizes completed tasks.
//
// FramePump is not safe for concurrent use.
type FramePump struct {
	sched   *Scheduler
	submit  *QueueSubmitter
	limiter *rate.Limiter
}

// NewFramePump creates a pump over sched and submit.
func NewFramePump(sched *Scheduler, submit *QueueSubmitter, opts ...PumpOption) *FramePump {
	p := &FramePump{sched: sched, submit: submit}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Frame runs one frame of upload bookkeeping. It never blocks. A submit
// error is returned after the remaining steps have run.
func (p *FramePump) Frame() (FrameReport, error) {
	var (
		report FrameReport
		err    error
	)

	report.Completed = p.submit.Poll()

	for p.sched.Ready() {
		if p.limiter != nil && !p.limiter.Allow() {
			report.Throttled = true
			break
		}
		e, ok := p.sched.ExecutableBatch()
		if !ok {
			break
		}
		if serr := p.submit.Submit(e); serr != nil && err == nil {
			err = serr
		}
		report.Submitted++
	}
	if report.Submitted == 0 && !report.Throttled {
		// Nothing closed: tell the worker the consumer is waiting.
		p.sched.wake.Raise()
	}

	report.Finalized, report.Pending = p.sched.finalizeReady()
	return report, err
}
