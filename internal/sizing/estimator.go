// Package sizing decides when a fixed-capacity GPU pool has to be rebuilt.
//
// Rebuilding a descriptor table or an upload buffer is O(live entries), so
// the Estimator keeps a decayed average of requested sizes and only signals
// a change when a request no longer fits (grow) or when the average has
// fallen far enough below the committed size (shrink). The gap between the
// two thresholds is the hysteresis band that stops oscillating requests from
// thrashing the pool.
package sizing

// Default tuning.
const (
	// DefaultDecay is the weight kept by the running average per request.
	DefaultDecay = 0.95

	// DefaultExpandFactor is the growth multiplier applied to the average.
	DefaultExpandFactor = 2.0
)

// Estimator tracks a decayed average of requested sizes and the size the
// owner has committed to.
//
// Estimator is not safe for concurrent use.
type Estimator struct {
	weighted float64
	decay    float64
	expand   float64
	current  int
	floor    int
}

// Option configures an Estimator.
type Option func(*Estimator)

// WithDecay sets the decay of the running average. Values outside (0, 1)
// are ignored.
func WithDecay(decay float64) Option {
	return func(e *Estimator) {
		if decay > 0 && decay < 1 {
			e.decay = decay
		}
	}
}

// WithExpandFactor sets the growth multiplier. Values <= 1 are ignored.
func WithExpandFactor(factor float64) Option {
	return func(e *Estimator) {
		if factor > 1 {
			e.expand = factor
		}
	}
}

// New creates an estimator whose committed size starts at, and never goes
// below, floor.
func New(floor int, opts ...Option) *Estimator {
	if floor < 0 {
		floor = 0
	}
	e := &Estimator{
		decay:  DefaultDecay,
		expand: DefaultExpandFactor,
		floor:  floor,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.Reset(floor)
	return e
}

// Reset commits to size (clamped to the floor) and restarts the average
// from it. It returns the committed size.
func (e *Estimator) Reset(size int) int {
	e.current = max(size, e.floor)
	e.weighted = float64(e.current)
	return e.current
}

// Next folds requested into the running average and reports whether the
// owner must resize, and to what.
//
// A request at or above the committed size always grows, to weighted*expand
// or to requested+1 when a spike outruns the average, so the grown size
// always holds the request that triggered it. A shrink happens only once
// the average drops to current/expand² and the committed size is above the
// floor.
func (e *Estimator) Next(requested int) (int, bool) {
	e.weighted = (1-e.decay)*float64(requested) + e.decay*e.weighted
	target := int(e.weighted * e.expand)

	switch {
	case requested >= e.current:
		return e.Reset(max(target, requested+1)), true
	case e.weighted <= float64(e.current)/(e.expand*e.expand):
		if e.current <= e.floor {
			return e.current, false
		}
		next := max(target, e.floor)
		if next >= e.current {
			return e.current, false
		}
		return e.Reset(next), true
	default:
		return e.current, false
	}
}

// Current returns the committed size.
func (e *Estimator) Current() int { return e.current }

// Weighted returns the running average.
func (e *Estimator) Weighted() float64 { return e.weighted }

// Floor returns the minimum committed size.
func (e *Estimator) Floor() int { return e.floor }
