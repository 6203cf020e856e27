// Package resource provides the shared, reference-counted handles that
// resource managers hand to callers while uploads are still in flight.
//
// A Handle starts unloaded with one reference. The manager that created it
// publishes the result exactly once when the upload finalizes: either a
// value, after which Loaded reports true, or an error, after which the
// handle never loads. Dropping the last reference runs the owner's release
// hook on the published value, whether the drop happens before or after
// publication.
package resource

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrNotLoaded is returned by Get while the upload is still in flight.
var ErrNotLoaded = errors.New("resource: not loaded")

// Publish delivers the result of an upload to its handle. It reports false
// if the handle was already published.
type Publish[T any] func(value T, err error) bool

// Handle is a shared reference to a resource that may still be uploading.
//
// Handle is safe for concurrent use.
type Handle[T any] struct {
	id   uint64
	path string

	refs   atomic.Int32
	loaded atomic.Bool

	mu        sync.Mutex
	published bool
	released  bool
	value     T
	err       error
	release   func(T)
}

// New creates an unloaded handle holding one reference, and the function
// that publishes its result. release, if non-nil, runs once on the
// published value after the last reference is dropped.
func New[T any](id uint64, path string, release func(T)) (*Handle[T], Publish[T]) {
	h := &Handle[T]{id: id, path: path, release: release}
	h.refs.Store(1)
	return h, h.publish
}

// Ready returns a loaded handle for a value that needs no upload.
func Ready[T any](value T) *Handle[T] {
	h, publish := New[T](0, "", nil)
	publish(value, nil)
	return h
}

func (h *Handle[T]) publish(value T, err error) bool {
	h.mu.Lock()
	if h.published {
		h.mu.Unlock()
		return false
	}
	h.published = true
	h.value = value
	h.err = err
	if err == nil {
		h.loaded.Store(true)
	}
	dead := h.released
	h.mu.Unlock()

	if dead && err == nil && h.release != nil {
		h.release(value)
	}
	return true
}

// ID returns the identifier assigned by the owning manager.
func (h *Handle[T]) ID() uint64 { return h.id }

// Path returns the source path, or "" for resources built from memory.
func (h *Handle[T]) Path() string { return h.path }

// Loaded reports whether the resource was published successfully.
func (h *Handle[T]) Loaded() bool { return h.loaded.Load() }

// Get returns the resource. It fails with ErrNotLoaded while the upload is
// in flight and with the upload error if it failed.
func (h *Handle[T]) Get() (T, error) {
	if h.loaded.Load() {
		// value is immutable once loaded is set.
		return h.value, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	var zero T
	switch {
	case !h.published:
		return zero, ErrNotLoaded
	case h.err != nil:
		return zero, h.err
	default:
		return h.value, nil
	}
}

// Err returns the upload error, or nil if the upload succeeded or is still
// in flight.
func (h *Handle[T]) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Done reports whether a result, success or failure, has been published.
func (h *Handle[T]) Done() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.published
}

// Retain adds a reference and returns h.
func (h *Handle[T]) Retain() *Handle[T] {
	if h.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("resource: retain of released handle %d", h.id))
	}
	return h
}

// TryRetain adds a reference unless the last one was already dropped.
// Owners that look handles up by key use it to avoid resurrecting a handle
// whose release hook is about to run.
func (h *Handle[T]) TryRetain() bool {
	for {
		n := h.refs.Load()
		if n <= 0 {
			return false
		}
		if h.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops a reference. Dropping the last one runs the release hook
// once a value is available.
func (h *Handle[T]) Release() {
	n := h.refs.Add(-1)
	switch {
	case n > 0:
		return
	case n < 0:
		panic(fmt.Sprintf("resource: handle %d released too many times", h.id))
	}

	h.mu.Lock()
	h.released = true
	run := h.published && h.err == nil
	value := h.value
	h.mu.Unlock()

	if run && h.release != nil {
		h.release(value)
	}
}

// RefCount returns the current number of references.
func (h *Handle[T]) RefCount() int32 { return h.refs.Load() }

// String implements fmt.Stringer.
func (h *Handle[T]) String() string {
	state := "pending"
	switch {
	case h.Loaded():
		state = "loaded"
	case h.Err() != nil:
		state = "failed"
	}
	if h.path == "" {
		return fmt.Sprintf("Handle(%d, %s)", h.id, state)
	}
	return fmt.Sprintf("Handle(%d %q, %s)", h.id, h.path, state)
}
