package geometry

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpustream/upload"
)

// MeshTask uploads one mesh, either read from a glTF file or built from
// raw data. It runs on the scheduler's worker; Finalize hands the result
// back to the Manager.
type MeshTask struct {
	m   *Manager
	e   *entry
	raw *Raw

	staging []hal.Buffer
}

// Execute lays the attributes out per the manager's layout, creates the
// device buffers and records the staging copies into enc.
func (t *MeshTask) Execute(dev hal.Device, enc hal.CommandEncoder) error {
	raw := t.raw
	if raw == nil {
		var err error
		if raw, err = ReadGLTF(t.e.path); err != nil {
			return err
		}
	}
	layout := t.m.layout
	if err := raw.Validate(layout); err != nil {
		return err
	}

	label := t.label()
	mesh := &Mesh{
		id:          t.e.id,
		layout:      layout,
		vertexCount: raw.VertexCount,
	}

	offsets, size := raw.regions(layout)
	vertex, err := t.upload(dev, enc, label+".vertex", size,
		gputypes.BufferUsageVertex|gputypes.BufferUsageCopyDst,
		func(dst []byte) { raw.writeVertices(dst, layout, offsets) })
	if err != nil {
		return err
	}
	mesh.vertex = vertex
	mesh.offsets = offsets

	if len(raw.Indices) > 0 {
		format := raw.indexFormat()
		size := alignCopy(uint64(len(raw.Indices)) * uint64(format.Size()))
		index, err := t.upload(dev, enc, label+".index", size,
			gputypes.BufferUsageIndex|gputypes.BufferUsageCopyDst,
			func(dst []byte) { raw.writeIndices(dst, format) })
		if err != nil {
			dev.DestroyBuffer(vertex)
			return err
		}
		mesh.index = index
		mesh.indexCount = len(raw.Indices)
		mesh.indexFormat = format
	}

	t.e.mesh = mesh
	return nil
}

// upload creates a device buffer and records a copy into it from a newly
// filled staging buffer.
func (t *MeshTask) upload(dev hal.Device, enc hal.CommandEncoder, label string, size uint64,
	usage gputypes.BufferUsage, fill func([]byte)) (hal.Buffer, error) {
	buf, err := dev.CreateBuffer(&hal.BufferDescriptor{Label: label, Size: size, Usage: usage})
	if err != nil {
		return nil, fmt.Errorf("create buffer %s: %w", label, err)
	}
	staging, err := upload.StageFunc(dev, label+".staging", size, fill)
	if err != nil {
		dev.DestroyBuffer(buf)
		return nil, err
	}
	t.staging = append(t.staging, staging)

	enc.CopyBufferToBuffer(staging, buf, []hal.BufferCopy{{Size: size}})
	return buf, nil
}

// Finalize releases the staging buffers and reports the result to the
// manager.
func (t *MeshTask) Finalize(err error) {
	for _, b := range t.staging {
		t.m.dev.DestroyBuffer(b)
	}
	t.staging = nil
	t.m.finalize(t.e, err)
}

func (t *MeshTask) label() string {
	if t.e.path != "" {
		return fmt.Sprintf("mesh.%d(%s)", t.e.id, t.e.path)
	}
	return fmt.Sprintf("mesh.%d", t.e.id)
}
