package upload

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// CopyPitchAlignment is the required alignment of BytesPerRow in
// buffer-to-texture copies.
const CopyPitchAlignment = 256

// ErrEmptyStaging is returned when asked to stage zero bytes.
var ErrEmptyStaging = errors.New("upload: empty staging buffer")

// AlignPitch rounds bytesPerRow up to CopyPitchAlignment.
func AlignPitch(bytesPerRow uint32) uint32 {
	return (bytesPerRow + CopyPitchAlignment - 1) &^ (CopyPitchAlignment - 1)
}

// Stage creates a mappable copy-source buffer holding a copy of data.
// The caller owns the buffer and destroys it once the copy has completed,
// normally in Task.Finalize.
func Stage(dev hal.Device, label string, data []byte) (hal.Buffer, error) {
	return StageFunc(dev, label, uint64(len(data)), func(dst []byte) {
		copy(dst, data)
	})
}

// StageFunc creates a mappable copy-source buffer of size bytes and lets
// fill write its contents through the mapping.
func StageFunc(dev hal.Device, label string, size uint64, fill func(dst []byte)) (hal.Buffer, error) {
	if size == 0 {
		return nil, ErrEmptyStaging
	}
	buf, err := dev.CreateBuffer(&hal.BufferDescriptor{
		Label:            label,
		Size:             size,
		Usage:            gputypes.BufferUsageMapWrite | gputypes.BufferUsageCopySrc,
		MappedAtCreation: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create staging buffer %q: %w", label, err)
	}

	mapping, err := dev.MapBuffer(buf, 0, size)
	if err != nil {
		dev.DestroyBuffer(buf)
		return nil, fmt.Errorf("map staging buffer %q: %w", label, err)
	}
	fill(unsafe.Slice((*byte)(mapping.Ptr), size)) //nolint:gosec // mapping covers size bytes
	if err := dev.UnmapBuffer(buf); err != nil {
		dev.DestroyBuffer(buf)
		return nil, fmt.Errorf("unmap staging buffer %q: %w", label, err)
	}
	return buf, nil
}
