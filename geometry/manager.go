// Package geometry streams vertex and index buffers to the device through
// an upload scheduler.
//
// Every mesh is uploaded with the manager's VertexLayout: each attribute
// gets its own region of a single vertex buffer, and attributes the source
// lacks are filled with defaults so one pipeline can draw every mesh.
// Handles load once ProcessTransitions has moved the buffers out of the
// copy destination state.
package geometry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpustream/resource"
	"github.com/gogpu/gpustream/upload"
)

// Config configures a Manager.
type Config struct {
	// Layout is the vertex layout every mesh is uploaded with.
	// Defaults to DefaultLayout() if it has no attributes.
	Layout VertexLayout
}

func (c *Config) applyDefaults() {
	if len(c.Layout.Attributes) == 0 {
		c.Layout = DefaultLayout()
	}
}

type entry struct {
	id      uint64
	path    string
	handle  *resource.Handle[*Mesh]
	publish resource.Publish[*Mesh]

	// Set by MeshTask.Execute, read on the main thread after finalize.
	mesh *Mesh
}

// Manager owns streamed meshes.
type Manager struct {
	dev    hal.Device
	sched  *upload.Scheduler
	layout VertexLayout

	mu       sync.Mutex
	nextID   uint64
	byPath   map[string]*entry
	released []*entry

	// Main thread only.
	transitions []*entry
	live        map[uint64]*entry
}

// NewManager creates a manager that uploads through sched.
func NewManager(sched *upload.Scheduler, cfg Config) (*Manager, error) {
	if sched == nil {
		return nil, errors.New("geometry: nil scheduler")
	}
	cfg.applyDefaults()
	if err := cfg.Layout.Validate(); err != nil {
		return nil, err
	}
	return &Manager{
		dev:    sched.Device(),
		sched:  sched,
		layout: cfg.Layout.clone(),
		byPath: make(map[string]*entry),
		live:   make(map[uint64]*entry),
	}, nil
}

// Layout returns the vertex layout meshes are uploaded with.
func (m *Manager) Layout() VertexLayout { return m.layout.clone() }

// Load returns a handle to the mesh in the glTF file at path, starting an
// upload if no live handle for path exists. Every call adds a reference
// that the caller must Release.
func (m *Manager) Load(path string) *resource.Handle[*Mesh] {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.byPath[path]; ok && e.handle.TryRetain() {
		return e.handle
	}
	e := m.newEntryLocked(path)
	m.byPath[path] = e
	m.submitLocked(e, &MeshTask{m: m, e: e})
	return e.handle
}

// Create uploads raw and returns a handle to the resulting mesh. The
// manager takes ownership of raw until the upload finalizes.
func (m *Manager) Create(raw *Raw) *resource.Handle[*Mesh] {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.newEntryLocked("")
	if raw == nil {
		e.publish(nil, fmt.Errorf("%w: nil data", ErrInvalidMesh))
		return e.handle
	}
	m.submitLocked(e, &MeshTask{m: m, e: e, raw: raw})
	return e.handle
}

func (m *Manager) newEntryLocked(path string) *entry {
	m.nextID++
	e := &entry{id: m.nextID, path: path}
	e.handle, e.publish = resource.New(e.id, path, func(*Mesh) {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.forgetLocked(e)
		m.released = append(m.released, e)
	})
	return e
}

func (m *Manager) submitLocked(e *entry, task *MeshTask) {
	if err := m.sched.Submit(task); err != nil {
		m.forgetLocked(e)
		e.publish(nil, err)
	}
}

func (m *Manager) forgetLocked(e *entry) {
	if e.path != "" && m.byPath[e.path] == e {
		delete(m.byPath, e.path)
	}
}

func (m *Manager) finalize(e *entry, err error) {
	if err != nil {
		slogger().Warn("geometry: load failed", "id", e.id, "path", e.path, "err", err)
		m.discard(e, err)
		return
	}
	m.transitions = append(m.transitions, e)
}

// discard destroys a mesh that will never be published.
func (m *Manager) discard(e *entry, err error) {
	if e.mesh != nil {
		m.destroy(e.mesh)
		e.mesh = nil
	}
	m.mu.Lock()
	m.forgetLocked(e)
	m.mu.Unlock()
	e.publish(nil, err)
}

func (m *Manager) destroy(mesh *Mesh) {
	m.dev.DestroyBuffer(mesh.vertex)
	if mesh.index != nil {
		m.dev.DestroyBuffer(mesh.index)
	}
}

// ProcessTransitions records the barriers that make finalized meshes
// readable as vertex and index input, then publishes their handles.
// Meshes released before publication are destroyed before any barrier is
// recorded, so enc only references buffers that stay alive. Call it once
// per frame on the main thread, after FinalizeReadyTasks.
func (m *Manager) ProcessTransitions(enc hal.CommandEncoder) {
	m.processReleases()
	if len(m.transitions) == 0 {
		return
	}

	var barriers []hal.BufferBarrier
	ready := m.transitions[:0]
	for _, e := range m.transitions {
		if e.handle.RefCount() == 0 {
			m.discard(e, ErrReleased)
			continue
		}
		ready = append(ready, e)
		barriers = append(barriers, hal.BufferBarrier{
			Buffer: e.mesh.vertex,
			Usage: hal.BufferUsageTransition{
				OldUsage: gputypes.BufferUsageCopyDst,
				NewUsage: gputypes.BufferUsageVertex,
			},
		})
		if e.mesh.index != nil {
			barriers = append(barriers, hal.BufferBarrier{
				Buffer: e.mesh.index,
				Usage: hal.BufferUsageTransition{
					OldUsage: gputypes.BufferUsageCopyDst,
					NewUsage: gputypes.BufferUsageIndex,
				},
			})
		}
	}
	if len(barriers) > 0 {
		enc.TransitionBuffers(barriers)
	}

	for _, e := range ready {
		m.live[e.id] = e
		e.publish(e.mesh, nil)
	}
	clear(m.transitions)
	m.transitions = m.transitions[:0]
}

// Live returns the number of published meshes. Main thread only.
func (m *Manager) Live() int { return len(m.live) }

func (m *Manager) processReleases() {
	m.mu.Lock()
	released := m.released
	m.released = nil
	m.mu.Unlock()

	for _, e := range released {
		// Unpublished entries are discarded by finalize or ProcessTransitions.
		if m.live[e.id] != e {
			continue
		}
		delete(m.live, e.id)
		m.destroy(e.mesh)
	}
}

// Close destroys every mesh the manager still owns. Stop the scheduler
// first so no upload is in flight.
func (m *Manager) Close() {
	m.processReleases()
	for _, e := range m.transitions {
		m.discard(e, upload.ErrStopped)
	}
	m.transitions = nil
	for _, e := range m.live {
		m.destroy(e.mesh)
	}
	clear(m.live)
}
