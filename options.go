package gpustream

import (
	"github.com/gogpu/gpustream/geometry"
	"github.com/gogpu/gpustream/texture"
	"github.com/gogpu/gpustream/upload"
)

// Option configures a Streamer during creation.
//
// Example:
//
//	s, err := gpustream.New(provider,
//	    gpustream.WithRingSize(3),
//	    gpustream.WithBatchBudget(120, 4),
//	)
type Option func(*options)

// options holds optional configuration for Streamer creation.
type options struct {
	upload   upload.Config
	texture  texture.Config
	geometry geometry.Config

	batchRate  float64
	batchBurst int
}

// defaultOptions returns the default streamer options. Unlike a bare
// upload.Scheduler, a Streamer drains pending tasks on Close so every
// outstanding handle reports upload.ErrStopped.
func defaultOptions() options {
	return options{
		upload: upload.Config{DrainOnStop: true},
	}
}

// WithRingSize sets the number of upload batches in flight. Values below
// upload.MinRingSize are raised to it.
func WithRingSize(n int) Option {
	return func(o *options) {
		o.upload.RingSize = n
	}
}

// WithLabel sets the debug label of the upload command encoders.
func WithLabel(label string) Option {
	return func(o *options) {
		o.upload.Label = label
	}
}

// WithDrainOnStop controls whether Close finalizes pending uploads with
// upload.ErrStopped (the default) or drops them.
func WithDrainOnStop(drain bool) Option {
	return func(o *options) {
		o.upload.DrainOnStop = drain
	}
}

// WithBatchBudget limits how many upload batches Frame submits per second,
// with the given burst. A non-positive rate leaves submission unlimited.
func WithBatchBudget(perSecond float64, burst int) Option {
	return func(o *options) {
		o.batchRate = perSecond
		o.batchBurst = burst
	}
}

// WithTextureConfig configures the texture manager.
func WithTextureConfig(cfg texture.Config) Option {
	return func(o *options) {
		o.texture = cfg
	}
}

// WithVertexLayout sets the layout every mesh is uploaded with.
func WithVertexLayout(layout geometry.VertexLayout) Option {
	return func(o *options) {
		o.geometry.Layout = layout
	}
}
