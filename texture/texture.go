package texture

import (
	"fmt"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpustream/descriptor"
)

// Texture is a 2D texture resident on the device and bound into the
// manager's descriptor table.
//
// A Texture is only reachable through a loaded handle, at which point its
// view exists and its slot is valid until the next table rebuild. Slot
// must be re-read every frame.
type Texture struct {
	id     uint64
	info   Info
	format gputypes.TextureFormat

	tex  hal.Texture
	view hal.TextureView

	// Rewritten on the main thread when the table is rebuilt.
	slot atomic.Uint32
}

// ID returns the manager-assigned identifier.
func (t *Texture) ID() uint64 { return t.id }

// Width returns the width in pixels.
func (t *Texture) Width() int { return t.info.Width }

// Height returns the height in pixels.
func (t *Texture) Height() int { return t.info.Height }

// Info returns the dimensions and CPU-side format.
func (t *Texture) Info() Info { return t.info }

// Format returns the format used on the device.
func (t *Texture) Format() gputypes.TextureFormat { return t.format }

// HAL returns the underlying texture.
func (t *Texture) HAL() hal.Texture { return t.tex }

// View returns the shader view.
func (t *Texture) View() hal.TextureView { return t.view }

// Slot returns the descriptor table slot holding the view. It is safe to
// call from any goroutine; the value changes only when ProcessTransitions
// rebuilds the table.
func (t *Texture) Slot() descriptor.Handle { return descriptor.Handle(t.slot.Load()) }

// String implements fmt.Stringer.
func (t *Texture) String() string {
	return fmt.Sprintf("Texture(%d, %dx%d %s)", t.id, t.info.Width, t.info.Height, t.info.Format)
}

// fullRange covers the single mip and layer of a 2D texture.
var fullRange = hal.TextureRange{
	Aspect:          gputypes.TextureAspectAll,
	MipLevelCount:   1,
	ArrayLayerCount: 1,
}
