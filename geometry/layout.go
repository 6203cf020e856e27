package geometry

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
)

// Geometry errors.
var (
	// ErrInvalidLayout is returned for layouts that are empty, repeat an
	// attribute or use a non-float format.
	ErrInvalidLayout = errors.New("geometry: invalid vertex layout")

	// ErrInvalidMesh is returned for mesh data that does not match its
	// vertex count or layout.
	ErrInvalidMesh = errors.New("geometry: invalid mesh")

	// ErrReleased is published to handles released before their upload
	// finished.
	ErrReleased = errors.New("geometry: released before load")
)

// Attribute identifies a per-vertex attribute.
type Attribute uint8

// Vertex attributes.
const (
	AttributePosition Attribute = iota
	AttributeNormal
	AttributeTexCoord
	AttributeColor
	AttributeTangent
	AttributeBitangent

	attributeCount
)

var attributeNames = [attributeCount]string{
	"Position", "Normal", "TexCoord", "Color", "Tangent", "Bitangent",
}

// String returns the attribute name.
func (a Attribute) String() string {
	if a < attributeCount {
		return attributeNames[a]
	}
	return fmt.Sprintf("Attribute(%d)", a)
}

// defaultValue is written for every vertex of an attribute the mesh does
// not supply. Shorter formats take a prefix.
var defaultValue = [attributeCount][4]float32{
	AttributePosition:  {0, 0, 0, 1},
	AttributeNormal:    {0, 0, 1, 0},
	AttributeTexCoord:  {0, 0, 0, 0},
	AttributeColor:     {1, 1, 1, 1},
	AttributeTangent:   {1, 0, 0, 1},
	AttributeBitangent: {0, 1, 0, 0},
}

// LayoutAttribute pairs an attribute with its format on the device.
type LayoutAttribute struct {
	Attribute Attribute
	Format    gputypes.VertexFormat
}

// components returns the float count of the format, or 0 if it is not a
// 32-bit float format.
func (a LayoutAttribute) components() int {
	switch a.Format {
	case gputypes.VertexFormatFloat32:
		return 1
	case gputypes.VertexFormatFloat32x2:
		return 2
	case gputypes.VertexFormatFloat32x3:
		return 3
	case gputypes.VertexFormatFloat32x4:
		return 4
	default:
		return 0
	}
}

// VertexLayout lists the attributes uploaded for every mesh, in buffer
// order. Each attribute occupies its own tightly packed region of the
// vertex buffer and its own vertex buffer slot; the shader location is
// the attribute's index in the layout.
type VertexLayout struct {
	Attributes []LayoutAttribute
}

// DefaultLayout returns the static mesh layout: position, normal, texture
// coordinate and tangent.
func DefaultLayout() VertexLayout {
	return VertexLayout{Attributes: []LayoutAttribute{
		{AttributePosition, gputypes.VertexFormatFloat32x3},
		{AttributeNormal, gputypes.VertexFormatFloat32x3},
		{AttributeTexCoord, gputypes.VertexFormatFloat32x2},
		{AttributeTangent, gputypes.VertexFormatFloat32x4},
	}}
}

// Validate checks that the layout is usable.
func (l VertexLayout) Validate() error {
	if len(l.Attributes) == 0 {
		return fmt.Errorf("%w: no attributes", ErrInvalidLayout)
	}
	var seen [attributeCount]bool
	for _, a := range l.Attributes {
		if a.Attribute >= attributeCount {
			return fmt.Errorf("%w: unknown %s", ErrInvalidLayout, a.Attribute)
		}
		if seen[a.Attribute] {
			return fmt.Errorf("%w: %s listed twice", ErrInvalidLayout, a.Attribute)
		}
		seen[a.Attribute] = true
		if a.components() == 0 {
			return fmt.Errorf("%w: %s uses %s, want a float32 format", ErrInvalidLayout, a.Attribute, a.Format)
		}
	}
	return nil
}

// Find returns the index of attr in the layout.
func (l VertexLayout) Find(attr Attribute) (int, bool) {
	for i, a := range l.Attributes {
		if a.Attribute == attr {
			return i, true
		}
	}
	return -1, false
}

// VertexStride returns the combined size of one vertex across all regions.
func (l VertexLayout) VertexStride() uint64 {
	var n uint64
	for _, a := range l.Attributes {
		n += a.Format.Size()
	}
	return n
}

// BufferLayouts returns one vertex buffer layout per attribute, for use in
// a render pipeline. Bind each slot at the matching Mesh.Offset.
func (l VertexLayout) BufferLayouts() []gputypes.VertexBufferLayout {
	out := make([]gputypes.VertexBufferLayout, len(l.Attributes))
	for i, a := range l.Attributes {
		out[i] = gputypes.VertexBufferLayout{
			ArrayStride: a.Format.Size(),
			StepMode:    gputypes.VertexStepModeVertex,
			Attributes: []gputypes.VertexAttribute{{
				Format:         a.Format,
				ShaderLocation: uint32(i), //nolint:gosec // bounded by attributeCount
			}},
		}
	}
	return out
}

func (l VertexLayout) clone() VertexLayout {
	return VertexLayout{Attributes: append([]LayoutAttribute(nil), l.Attributes...)}
}
