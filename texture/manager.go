// Package texture streams 2D textures to the device through an upload
// scheduler and keeps their shader views in a bindless descriptor table.
//
// Load and Create may be called from any goroutine and return immediately
// with a pending handle. The upload runs on the scheduler's worker; once
// its batch has completed on the GPU the manager transitions the texture
// to a shader-readable state, creates its view and publishes it into the
// descriptor table. Only then does the handle report Loaded.
//
// ProcessTransitions, the scheduler's FinalizeReadyTasks and Close belong
// to the main thread.
package texture

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gogpu/gpustream/descriptor"
	"github.com/gogpu/gpustream/internal/sizing"
	"github.com/gogpu/gpustream/resource"
	"github.com/gogpu/gpustream/upload"
)

// Default manager settings.
const (
	// DefaultMinTableSize is the smallest descriptor table the manager keeps.
	DefaultMinTableSize = 128

	// DefaultDescriptorStride is the descriptor size used when Config.TableBase
	// leaves Stride unset.
	DefaultDescriptorStride = 32

	// DefaultCacheSize is the number of decoded images kept for reloads.
	DefaultCacheSize = 64

	// DefaultMaxDimension is the largest width or height uploaded without
	// scaling.
	DefaultMaxDimension = 8192
)

// Config configures a Manager.
type Config struct {
	// MinTableSize is the floor of the descriptor table capacity.
	// Defaults to DefaultMinTableSize if <= 0.
	MinTableSize int

	// TableBase is the address of slot 0 in the descriptor heap.
	TableBase descriptor.Address

	// CacheSize is the number of decoded images cached by path.
	// Defaults to DefaultCacheSize if <= 0.
	CacheSize int

	// MaxDimension bounds decoded images; larger ones are scaled down.
	// Defaults to DefaultMaxDimension if == 0, negative disables scaling.
	MaxDimension int

	// Decay and ExpandFactor tune table resizing. Zero keeps the
	// sizing package defaults.
	Decay        float64
	ExpandFactor float64
}

func (c *Config) applyDefaults() {
	if c.MinTableSize <= 0 {
		c.MinTableSize = DefaultMinTableSize
	}
	if c.TableBase.Stride == 0 {
		c.TableBase.Stride = DefaultDescriptorStride
	}
	if c.CacheSize <= 0 {
		c.CacheSize = DefaultCacheSize
	}
	if c.MaxDimension == 0 {
		c.MaxDimension = DefaultMaxDimension
	}
}

// entry is the manager's bookkeeping for one handle.
type entry struct {
	id      uint64
	path    string
	handle  *resource.Handle[*Texture]
	publish resource.Publish[*Texture]

	// Set by LoadTask.Execute, read on the main thread after finalize.
	tex *Texture

	// live is set on the main thread once tex is bound in the table.
	live bool
}

// Manager owns streamed textures and their descriptor table.
type Manager struct {
	dev   hal.Device
	sched *upload.Scheduler
	cfg   Config
	cache *lru.Cache[string, *Raw]

	mu       sync.Mutex
	nextID   uint64
	byPath   map[string]*entry
	released []*entry

	// Main thread only.
	table       *descriptor.Table
	sizer       *sizing.Estimator
	transitions []*entry
	bound       map[descriptor.Handle]*entry
}

// NewManager creates a manager that uploads through sched.
func NewManager(sched *upload.Scheduler, cfg Config) (*Manager, error) {
	if sched == nil {
		return nil, errors.New("texture: nil scheduler")
	}
	cfg.applyDefaults()

	cache, err := lru.New[string, *Raw](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("texture: image cache: %w", err)
	}

	var opts []sizing.Option
	if cfg.Decay != 0 {
		opts = append(opts, sizing.WithDecay(cfg.Decay))
	}
	if cfg.ExpandFactor != 0 {
		opts = append(opts, sizing.WithExpandFactor(cfg.ExpandFactor))
	}
	sizer := sizing.New(cfg.MinTableSize, opts...)

	return &Manager{
		dev:    sched.Device(),
		sched:  sched,
		cfg:    cfg,
		cache:  cache,
		byPath: make(map[string]*entry),
		table:  descriptor.NewTable(uint32(sizer.Current()), cfg.TableBase), //nolint:gosec // positive floor
		sizer:  sizer,
		bound:  make(map[descriptor.Handle]*entry),
	}, nil
}

// Load returns a handle to the texture stored at path, starting an upload
// if no live handle for path exists. Every call adds a reference that the
// caller must Release.
func (m *Manager) Load(path string) *resource.Handle[*Texture] {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.byPath[path]; ok && e.handle.TryRetain() {
		return e.handle
	}
	e := m.newEntryLocked(path)
	m.byPath[path] = e
	m.submitLocked(e, &LoadTask{m: m, e: e})
	return e.handle
}

// Create uploads raw and returns a handle to the resulting texture. The
// manager takes ownership of raw.Data until the upload finalizes.
func (m *Manager) Create(raw *Raw) *resource.Handle[*Texture] {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.newEntryLocked("")
	if raw == nil {
		e.publish(nil, fmt.Errorf("%w: nil data", ErrInvalidSize))
		return e.handle
	}
	m.submitLocked(e, &LoadTask{m: m, e: e, raw: raw})
	return e.handle
}

func (m *Manager) newEntryLocked(path string) *entry {
	m.nextID++
	e := &entry{id: m.nextID, path: path}
	e.handle, e.publish = resource.New(e.id, path, func(*Texture) {
		m.queueRelease(e)
	})
	return e
}

func (m *Manager) submitLocked(e *entry, task *LoadTask) {
	if err := m.sched.Submit(task); err != nil {
		if m.byPath[e.path] == e {
			delete(m.byPath, e.path)
		}
		e.publish(nil, err)
	}
}

// queueRelease runs on whichever goroutine dropped the last reference.
func (m *Manager) queueRelease(e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byPath[e.path] == e {
		delete(m.byPath, e.path)
	}
	m.released = append(m.released, e)
}

// forget drops a path mapping so a later Load starts a fresh upload.
func (m *Manager) forget(e *entry) {
	if e.path == "" {
		return
	}
	m.mu.Lock()
	if m.byPath[e.path] == e {
		delete(m.byPath, e.path)
	}
	m.mu.Unlock()
}

// finalize receives the result of a LoadTask on the main thread.
func (m *Manager) finalize(e *entry, err error) {
	if err != nil {
		slogger().Warn("texture: load failed", "id", e.id, "path", e.path, "err", err)
		if e.tex != nil {
			m.dev.DestroyTexture(e.tex.tex)
			e.tex = nil
		}
		m.forget(e)
		e.publish(nil, err)
		return
	}
	m.transitions = append(m.transitions, e)
}

// ProcessTransitions makes finalized uploads visible to shaders. It
// creates views, publishes them into the descriptor table, records the
// CopyDst to TextureBinding barrier for each newly bound texture into enc
// and then publishes the handles.
// Textures that find the table full stay queued and are retried on the
// next call, after the table has had a chance to grow. Released textures
// are destroyed and their slots freed.
//
// Call it once per frame on the main thread, after FinalizeReadyTasks.
func (m *Manager) ProcessTransitions(enc hal.CommandEncoder) error {
	m.processReleases()

	var errs []error
	if len(m.transitions) > 0 {
		errs = m.publishTransitions(enc)
	}

	if err := m.resize(len(m.bound) + len(m.transitions)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// publishTransitions binds every finalized texture it can. Entries that
// were released or cannot get a view are destroyed before any barrier is
// recorded, so enc only references textures that are published by this
// call.
func (m *Manager) publishTransitions(enc hal.CommandEncoder) []error {
	var (
		errs      []error
		barriers  []hal.TextureBarrier
		published []*entry
	)
	waiting := m.transitions[:0]
	for _, e := range m.transitions {
		if e.handle.RefCount() == 0 {
			m.discard(e, ErrReleased)
			continue
		}
		if e.tex.view == nil {
			view, err := m.dev.CreateTextureView(e.tex.tex, &hal.TextureViewDescriptor{
				Label:           fmt.Sprintf("texture.%d.view", e.id),
				Format:          e.tex.format,
				Dimension:       gputypes.TextureViewDimension2D,
				Aspect:          gputypes.TextureAspectAll,
				MipLevelCount:   1,
				ArrayLayerCount: 1,
			})
			if err != nil {
				err = fmt.Errorf("texture %d: create view: %w", e.id, err)
				errs = append(errs, err)
				m.discard(e, err)
				continue
			}
			e.tex.view = view
		}

		slot, ok := m.table.Publish(e.tex.view)
		if !ok {
			waiting = append(waiting, e)
			continue
		}
		e.tex.slot.Store(uint32(slot))
		e.live = true
		m.bound[slot] = e
		barriers = append(barriers, hal.TextureBarrier{
			Texture: e.tex.tex,
			Range:   fullRange,
			Usage: hal.TextureUsageTransition{
				OldUsage: gputypes.TextureUsageCopyDst,
				NewUsage: gputypes.TextureUsageTextureBinding,
			},
		})
		published = append(published, e)
	}

	if len(barriers) > 0 {
		enc.TransitionTextures(barriers)
	}
	for _, e := range published {
		e.publish(e.tex, nil)
	}

	if len(waiting) > 0 {
		slogger().Warn("texture: descriptor table full",
			"waiting", len(waiting), "capacity", m.table.Capacity())
	}
	clear(m.transitions[len(waiting):])
	m.transitions = waiting
	return errs
}

// discard destroys a texture that will never be published.
func (m *Manager) discard(e *entry, err error) {
	m.destroy(e.tex)
	e.tex = nil
	m.forget(e)
	e.publish(nil, err)
}

func (m *Manager) destroy(t *Texture) {
	if t.view != nil {
		m.dev.DestroyTextureView(t.view)
	}
	m.dev.DestroyTexture(t.tex)
}

func (m *Manager) processReleases() {
	m.mu.Lock()
	released := m.released
	m.released = nil
	m.mu.Unlock()

	for _, e := range released {
		// Unpublished entries are discarded by finalize or publishTransitions.
		if !e.live {
			continue
		}
		e.live = false
		slot := e.tex.Slot()
		if _, err := m.table.Retire(slot); err != nil {
			slogger().Warn("texture: retire slot", "id", e.id, "slot", slot, "err", err)
		}
		delete(m.bound, slot)
		m.destroy(e.tex)
	}
}

// resize consults the estimator with the number of live textures and
// rebuilds the descriptor table when it signals a new size.
func (m *Manager) resize(count int) error {
	size, changed := m.sizer.Next(count)
	if !changed {
		return nil
	}
	if live := m.table.Live(); size < live {
		size = m.sizer.Reset(live)
	}
	if uint32(size) == m.table.Capacity() { //nolint:gosec // size >= floor > 0
		return nil
	}

	old := m.table.Capacity()
	moved, err := m.table.Rebuild(uint32(size)) //nolint:gosec // size >= floor > 0
	if err != nil {
		return fmt.Errorf("texture: resize descriptor table: %w", err)
	}
	bound := make(map[descriptor.Handle]*entry, len(m.bound))
	for from, e := range m.bound {
		to := moved[from]
		e.tex.slot.Store(uint32(to))
		bound[to] = e
	}
	m.bound = bound

	slogger().Debug("texture: descriptor table resized",
		"from", old, "to", size, "live", len(bound))
	return nil
}

// Table returns the descriptor table. Main thread only.
func (m *Manager) Table() *descriptor.Table { return m.table }

// Live returns the number of textures bound in the descriptor table.
// Main thread only.
func (m *Manager) Live() int { return len(m.bound) }

// Pending returns the number of finalized textures waiting for a slot.
// Main thread only.
func (m *Manager) Pending() int { return len(m.transitions) }

// Close destroys every texture the manager still owns. Stop the scheduler
// first so no upload is in flight. Handles stay valid but their textures
// must not be used afterwards.
func (m *Manager) Close() {
	m.processReleases()
	for _, e := range m.transitions {
		m.discard(e, upload.ErrStopped)
	}
	m.transitions = nil
	for slot, e := range m.bound {
		if _, err := m.table.Retire(slot); err != nil {
			slogger().Warn("texture: retire slot", "id", e.id, "slot", slot, "err", err)
		}
		e.live = false
		m.destroy(e.tex)
	}
	clear(m.bound)
	m.cache.Purge()
}
