package gpustream

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpustream/geometry"
	"github.com/gogpu/gpustream/resource"
	"github.com/gogpu/gpustream/texture"
	"github.com/gogpu/gpustream/upload"
)

// Streamer errors.
var (
	// ErrNilProvider is returned when a nil DeviceProvider is passed.
	ErrNilProvider = errors.New("gpustream: nil DeviceProvider")

	// ErrNoHAL is returned when a provider does not expose HAL types.
	ErrNoHAL = errors.New("gpustream: provider does not expose HAL device and queue")

	// ErrBackendNotAvailable is returned by OpenHeadless for backends that
	// are not registered or expose no adapter.
	ErrBackendNotAvailable = errors.New("gpustream: backend not available")
)

// Streamer wires an upload scheduler to a device queue and the texture and
// geometry managers that feed it.
//
// Load and Create calls on the managers are safe from any goroutine.
// Frame and Close belong to the thread that owns the queue.
type Streamer struct {
	dev   hal.Device
	queue hal.Queue

	// Set when the streamer opened the device itself.
	instance hal.Instance

	sched    *upload.Scheduler
	submit   *upload.QueueSubmitter
	pump     *upload.FramePump
	textures *texture.Manager
	meshes   *geometry.Manager

	closeOnce sync.Once
}

// New creates a streamer on the device shared by provider. The provider
// must expose HalDevice() and HalQueue() returning hal.Device and
// hal.Queue.
func New(provider gpucontext.DeviceProvider, opts ...Option) (*Streamer, error) {
	if provider == nil {
		return nil, ErrNilProvider
	}
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrNoHAL
	}
	dev, ok := hp.HalDevice().(hal.Device)
	if !ok || dev == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrNoHAL)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrNoHAL)
	}
	return NewFromHAL(dev, queue, opts...)
}

// NewFromHAL creates a streamer on an existing device and queue. The
// caller keeps ownership of both.
func NewFromHAL(dev hal.Device, queue hal.Queue, opts ...Option) (*Streamer, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	sched, err := upload.NewScheduler(dev, o.upload)
	if err != nil {
		return nil, err
	}
	textures, err := texture.NewManager(sched, o.texture)
	if err != nil {
		sched.Stop()
		return nil, err
	}
	meshes, err := geometry.NewManager(sched, o.geometry)
	if err != nil {
		sched.Stop()
		return nil, err
	}

	submit := upload.NewQueueSubmitter(queue)
	return &Streamer{
		dev:      dev,
		queue:    queue,
		sched:    sched,
		submit:   submit,
		pump:     upload.NewFramePump(sched, submit, upload.WithBatchBudget(o.batchRate, o.batchBurst)),
		textures: textures,
		meshes:   meshes,
	}, nil
}

// OpenHeadless opens the first adapter of a registered HAL backend and
// creates a streamer that owns the resulting device. Import the backend
// package, for example hal/noop, to register it.
func OpenHeadless(variant gputypes.Backend, opts ...Option) (*Streamer, error) {
	backend, ok := hal.GetBackend(variant)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBackendNotAvailable, variant)
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{})
	if err != nil {
		return nil, fmt.Errorf("gpustream: create instance: %w", err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, fmt.Errorf("%w: %s has no adapters", ErrBackendNotAvailable, variant)
	}
	selected := &adapters[0]
	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("gpustream: open device: %w", err)
	}

	s, err := NewFromHAL(openDev.Device, openDev.Queue, opts...)
	if err != nil {
		openDev.Device.Destroy()
		instance.Destroy()
		return nil, err
	}
	s.instance = instance
	slogger().Info("gpustream: device opened", "backend", variant, "adapter", selected.Info.Name)
	return s, nil
}

// Device returns the device uploads are recorded on.
func (s *Streamer) Device() hal.Device { return s.dev }

// Queue returns the queue batches are submitted to.
func (s *Streamer) Queue() hal.Queue { return s.queue }

// Scheduler returns the upload scheduler, for submitting custom tasks.
func (s *Streamer) Scheduler() *upload.Scheduler { return s.sched }

// Textures returns the texture manager.
func (s *Streamer) Textures() *texture.Manager { return s.textures }

// Meshes returns the geometry manager.
func (s *Streamer) Meshes() *geometry.Manager { return s.meshes }

// LoadTexture is shorthand for Textures().Load(path).
func (s *Streamer) LoadTexture(path string) *resource.Handle[*texture.Texture] {
	return s.textures.Load(path)
}

// LoadMesh is shorthand for Meshes().Load(path).
func (s *Streamer) LoadMesh(path string) *resource.Handle[*geometry.Mesh] {
	return s.meshes.Load(path)
}

// Frame runs the per-frame upload work: it signals completed batches,
// submits closed ones, finalizes tasks whose batch has completed, and
// records the transitions that make finished resources usable into enc.
// enc must be recording and be submitted after this frame's uploads.
func (s *Streamer) Frame(enc hal.CommandEncoder) (upload.FrameReport, error) {
	report, err := s.pump.Frame()
	if tErr := s.textures.ProcessTransitions(enc); tErr != nil {
		err = errors.Join(err, tErr)
	}
	s.meshes.ProcessTransitions(enc)
	return report, err
}

// Close waits for the device, finalizes what completed, stops the worker
// and destroys every resource the managers own. Handles that never loaded
// report upload.ErrStopped unless WithDrainOnStop(false) was given. Close
// is idempotent.
func (s *Streamer) Close() {
	s.closeOnce.Do(func() {
		if err := s.dev.WaitIdle(); err != nil {
			slogger().Warn("gpustream: wait idle", "err", err)
		}
		s.submit.Poll()
		s.sched.FinalizeReadyTasks()
		s.sched.Stop()

		s.textures.Close()
		s.meshes.Close()

		if s.instance != nil {
			s.dev.Destroy()
			s.instance.Destroy()
			slogger().Info("gpustream: device closed")
		}
	})
}
