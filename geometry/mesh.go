package geometry

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// copyAlignment is the required size and offset alignment of buffer copies.
const copyAlignment = 4

func alignCopy(n uint64) uint64 {
	return (n + copyAlignment - 1) &^ (copyAlignment - 1)
}

// Raw is CPU-side mesh data. Each attribute slice holds VertexCount
// elements, tightly packed, with as many floats per element as the
// layout's format for that attribute. Attributes missing from Raw are
// filled with defaults; attributes missing from the layout are dropped.
type Raw struct {
	VertexCount int
	Attributes  map[Attribute][]float32

	// Indices is optional. Without it the mesh is drawn non-indexed.
	Indices []uint32

	// IndexFormat selects the index size on the device. Undefined picks
	// Uint16 when every index fits and Uint32 otherwise.
	IndexFormat gputypes.IndexFormat
}

// Validate checks the data against layout.
func (r *Raw) Validate(layout VertexLayout) error {
	if r.VertexCount <= 0 {
		return fmt.Errorf("%w: %d vertices", ErrInvalidMesh, r.VertexCount)
	}
	for _, a := range layout.Attributes {
		data, ok := r.Attributes[a.Attribute]
		if !ok {
			continue
		}
		if want := r.VertexCount * a.components(); len(data) != want {
			return fmt.Errorf("%w: %s has %d floats, want %d", ErrInvalidMesh, a.Attribute, len(data), want)
		}
	}

	switch r.IndexFormat {
	case gputypes.IndexFormatUndefined, gputypes.IndexFormatUint16, gputypes.IndexFormatUint32:
	default:
		return fmt.Errorf("%w: index format %s", ErrInvalidMesh, r.IndexFormat)
	}
	limit := uint64(r.VertexCount)
	if r.IndexFormat == gputypes.IndexFormatUint16 {
		limit = min(limit, math.MaxUint16+1)
	}
	for i, idx := range r.Indices {
		if uint64(idx) >= limit {
			return fmt.Errorf("%w: index %d is %d, limit %d", ErrInvalidMesh, i, idx, limit)
		}
	}
	return nil
}

func (r *Raw) indexFormat() gputypes.IndexFormat {
	if r.IndexFormat != gputypes.IndexFormatUndefined {
		return r.IndexFormat
	}
	if r.VertexCount <= math.MaxUint16+1 {
		return gputypes.IndexFormatUint16
	}
	return gputypes.IndexFormatUint32
}

// regions returns the byte offset of each layout attribute in the vertex
// buffer, and the buffer size.
func (r *Raw) regions(layout VertexLayout) ([]uint64, uint64) {
	offsets := make([]uint64, len(layout.Attributes))
	var off uint64
	for i, a := range layout.Attributes {
		offsets[i] = off
		off = alignCopy(off + a.Format.Size()*uint64(r.VertexCount)) //nolint:gosec // validated positive
	}
	return offsets, off
}

func (r *Raw) writeVertices(dst []byte, layout VertexLayout, offsets []uint64) {
	for i, a := range layout.Attributes {
		n := a.components()
		out := dst[offsets[i]:]
		if data, ok := r.Attributes[a.Attribute]; ok {
			for j, v := range data {
				binary.LittleEndian.PutUint32(out[j*4:], math.Float32bits(v))
			}
			continue
		}
		def := defaultValue[a.Attribute]
		for v := range r.VertexCount {
			for c := range n {
				binary.LittleEndian.PutUint32(out[(v*n+c)*4:], math.Float32bits(def[c]))
			}
		}
	}
}

func (r *Raw) writeIndices(dst []byte, format gputypes.IndexFormat) {
	for i, idx := range r.Indices {
		if format == gputypes.IndexFormatUint16 {
			binary.LittleEndian.PutUint16(dst[i*2:], uint16(idx)) //nolint:gosec // validated range
		} else {
			binary.LittleEndian.PutUint32(dst[i*4:], idx)
		}
	}
}

// Mesh is vertex and index data resident on the device.
type Mesh struct {
	id          uint64
	layout      VertexLayout
	vertexCount int
	indexCount  int
	indexFormat gputypes.IndexFormat
	offsets     []uint64

	vertex hal.Buffer
	index  hal.Buffer
}

// ID returns the manager-assigned identifier.
func (m *Mesh) ID() uint64 { return m.id }

// Layout returns the vertex layout the mesh was uploaded with.
func (m *Mesh) Layout() VertexLayout { return m.layout.clone() }

// VertexCount returns the number of vertices.
func (m *Mesh) VertexCount() int { return m.vertexCount }

// VertexBuffer returns the buffer holding all attribute regions.
func (m *Mesh) VertexBuffer() hal.Buffer { return m.vertex }

// Offset returns where the region of attr starts in the vertex buffer.
func (m *Mesh) Offset(attr Attribute) (uint64, bool) {
	i, ok := m.layout.Find(attr)
	if !ok {
		return 0, false
	}
	return m.offsets[i], true
}

// Indexed reports whether the mesh has an index buffer.
func (m *Mesh) Indexed() bool { return m.index != nil }

// IndexBuffer returns the index buffer, or nil for non-indexed meshes.
func (m *Mesh) IndexBuffer() hal.Buffer { return m.index }

// IndexCount returns the number of indices.
func (m *Mesh) IndexCount() int { return m.indexCount }

// IndexFormat returns the index size on the device.
func (m *Mesh) IndexFormat() gputypes.IndexFormat { return m.indexFormat }

// String implements fmt.Stringer.
func (m *Mesh) String() string {
	if m.index == nil {
		return fmt.Sprintf("Mesh(%d, %d vertices)", m.id, m.vertexCount)
	}
	return fmt.Sprintf("Mesh(%d, %d vertices, %d %s indices)", m.id, m.vertexCount, m.indexCount, m.indexFormat)
}
