package texture

import (
	"errors"
	"fmt"
	"image"

	"github.com/gogpu/gputypes"
	"golang.org/x/image/draw"
)

// Texture errors.
var (
	// ErrUnsupportedFormat is returned for pixel formats with no GPU mapping.
	ErrUnsupportedFormat = errors.New("texture: unsupported format")

	// ErrInvalidSize is returned for empty textures or data that does not
	// match the declared dimensions.
	ErrInvalidSize = errors.New("texture: invalid size")

	// ErrReleased is published to handles released before their upload
	// finished.
	ErrReleased = errors.New("texture: released before load")
)

// Format is the CPU-side pixel layout of raw texture data.
type Format uint8

// Supported pixel formats.
const (
	FormatR8 Format = iota
	FormatRG8
	FormatRGB8
	FormatRGBA8
	FormatR32F
	FormatRG32F
	FormatRGB32F
	FormatRGBA32F
)

// formatInfo describes how a Format is stored on the CPU and on the GPU.
// Three-channel formats have no GPU equivalent and are widened to four
// channels while staging.
type formatInfo struct {
	name      string
	stride    int // CPU bytes per pixel
	gpuStride int // GPU bytes per pixel
	gpu       gputypes.TextureFormat
}

var formats = [...]formatInfo{
	FormatR8:      {"R8", 1, 1, gputypes.TextureFormatR8Unorm},
	FormatRG8:     {"RG8", 2, 2, gputypes.TextureFormatRG8Unorm},
	FormatRGB8:    {"RGB8", 3, 4, gputypes.TextureFormatRGBA8Unorm},
	FormatRGBA8:   {"RGBA8", 4, 4, gputypes.TextureFormatRGBA8Unorm},
	FormatR32F:    {"R32F", 4, 4, gputypes.TextureFormatR32Float},
	FormatRG32F:   {"RG32F", 8, 8, gputypes.TextureFormatRG32Float},
	FormatRGB32F:  {"RGB32F", 12, 16, gputypes.TextureFormatRGBA32Float},
	FormatRGBA32F: {"RGBA32F", 16, 16, gputypes.TextureFormatRGBA32Float},
}

func (f Format) info() (formatInfo, error) {
	if int(f) >= len(formats) {
		return formatInfo{}, fmt.Errorf("%w: %d", ErrUnsupportedFormat, f)
	}
	return formats[f], nil
}

// PixelStride returns the CPU bytes per pixel, or 0 for unknown formats.
func (f Format) PixelStride() int {
	fi, err := f.info()
	if err != nil {
		return 0
	}
	return fi.stride
}

// GPUFormat returns the texture format used on the device.
func (f Format) GPUFormat() (gputypes.TextureFormat, error) {
	fi, err := f.info()
	if err != nil {
		return gputypes.TextureFormatUndefined, err
	}
	return fi.gpu, nil
}

// String returns the format name.
func (f Format) String() string {
	fi, err := f.info()
	if err != nil {
		return fmt.Sprintf("Format(%d)", f)
	}
	return fi.name
}

// Info describes a 2D texture.
type Info struct {
	Width  int
	Height int
	Format Format
}

// Raw is CPU-side texture data, tightly packed row by row.
type Raw struct {
	Info
	Data []byte
}

// Validate checks that the dimensions are positive and Data holds exactly
// one image of them.
func (r *Raw) Validate() error {
	fi, err := r.Format.info()
	if err != nil {
		return err
	}
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidSize, r.Width, r.Height)
	}
	if want := r.Width * r.Height * fi.stride; len(r.Data) != want {
		return fmt.Errorf("%w: %dx%d %s needs %d bytes, have %d",
			ErrInvalidSize, r.Width, r.Height, r.Format, want, len(r.Data))
	}
	return nil
}

// writeRows copies the pixel rows into dst at the given row pitch,
// widening three-channel formats to four.
func (r *Raw) writeRows(dst []byte, pitch int) {
	fi := formats[r.Format]
	src := r.Width * fi.stride
	for y := range r.Height {
		in := r.Data[y*src : (y+1)*src]
		out := dst[y*pitch : y*pitch+r.Width*fi.gpuStride]
		switch r.Format {
		case FormatRGB8:
			for x := range r.Width {
				copy(out[x*4:x*4+3], in[x*3:x*3+3])
				out[x*4+3] = 0xFF
			}
		case FormatRGB32F:
			for x := range r.Width {
				copy(out[x*16:x*16+12], in[x*12:x*12+12])
				// 1.0 as little-endian float32.
				out[x*16+12], out[x*16+13], out[x*16+14], out[x*16+15] = 0x00, 0x00, 0x80, 0x3F
			}
		default:
			copy(out, in)
		}
	}
}

// FromImage converts a decoded image into raw data. Grayscale images map
// to FormatR8; everything else is converted to non-premultiplied RGBA8.
// Images larger than maxDim on either side are scaled down to fit,
// keeping the aspect ratio; maxDim <= 0 disables scaling.
func FromImage(img image.Image, maxDim int) *Raw {
	b := img.Bounds()
	w, h := fit(b.Dx(), b.Dy(), maxDim)

	if g, ok := img.(*image.Gray); ok && w == b.Dx() && h == b.Dy() {
		raw := &Raw{Info: Info{Width: w, Height: h, Format: FormatR8}, Data: make([]byte, w*h)}
		for y := range h {
			off := g.PixOffset(b.Min.X, b.Min.Y+y)
			copy(raw.Data[y*w:(y+1)*w], g.Pix[off:off+w])
		}
		return raw
	}

	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	if w == b.Dx() && h == b.Dy() {
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	} else {
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	}
	return &Raw{Info: Info{Width: w, Height: h, Format: FormatRGBA8}, Data: dst.Pix}
}

// fit scales w×h down so neither side exceeds maxDim.
func fit(w, h, maxDim int) (int, int) {
	if maxDim <= 0 || (w <= maxDim && h <= maxDim) {
		return w, h
	}
	if w >= h {
		return maxDim, max(1, h*maxDim/w)
	}
	return max(1, w*maxDim/h), maxDim
}
