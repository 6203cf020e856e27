package texture

import (
	"fmt"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"os"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	_ "golang.org/x/image/bmp"  // register BMP decoder
	_ "golang.org/x/image/tiff" // register TIFF decoder
	_ "golang.org/x/image/webp" // register WebP decoder

	"github.com/gogpu/gpustream/upload"
)

// LoadTask uploads one texture, either decoded from a file or built from
// raw data. It runs on the scheduler's worker; Finalize hands the result
// back to the Manager.
type LoadTask struct {
	m   *Manager
	e   *entry
	raw *Raw

	staging hal.Buffer
}

// Execute decodes the source if needed, creates the texture and records
// the staging copy into enc.
func (t *LoadTask) Execute(dev hal.Device, enc hal.CommandEncoder) error {
	raw := t.raw
	if raw == nil {
		var err error
		if raw, err = t.m.decode(t.e.path); err != nil {
			return err
		}
	}
	if err := raw.Validate(); err != nil {
		return err
	}

	fi := formats[raw.Format]
	w, h := uint32(raw.Width), uint32(raw.Height) //nolint:gosec // validated positive
	size := hal.Extent3D{Width: w, Height: h, DepthOrArrayLayers: 1}
	label := t.label()

	tex, err := dev.CreateTexture(&hal.TextureDescriptor{
		Label:         label,
		Size:          size,
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        fi.gpu,
		Usage:         gputypes.TextureUsageCopyDst | gputypes.TextureUsageTextureBinding,
	})
	if err != nil {
		return fmt.Errorf("create texture %s: %w", label, err)
	}

	pitch := upload.AlignPitch(w * uint32(fi.gpuStride)) //nolint:gosec // stride <= 16
	staging, err := upload.StageFunc(dev, label+".staging", uint64(pitch)*uint64(h), func(dst []byte) {
		raw.writeRows(dst, int(pitch))
	})
	if err != nil {
		dev.DestroyTexture(tex)
		return err
	}

	enc.TransitionTextures([]hal.TextureBarrier{{
		Texture: tex,
		Range:   fullRange,
		Usage:   hal.TextureUsageTransition{NewUsage: gputypes.TextureUsageCopyDst},
	}})
	enc.CopyBufferToTexture(staging, tex, []hal.BufferTextureCopy{{
		BufferLayout: hal.ImageDataLayout{BytesPerRow: pitch, RowsPerImage: h},
		TextureBase: hal.ImageCopyTexture{
			Texture: tex,
			Aspect:  gputypes.TextureAspectAll,
		},
		Size: size,
	}})

	t.staging = staging
	t.e.tex = &Texture{
		id:     t.e.id,
		info:   raw.Info,
		format: fi.gpu,
		tex:    tex,
	}
	return nil
}

// Finalize releases the staging buffer and reports the result to the
// manager.
func (t *LoadTask) Finalize(err error) {
	if t.staging != nil {
		t.m.dev.DestroyBuffer(t.staging)
		t.staging = nil
	}
	t.m.finalize(t.e, err)
}

func (t *LoadTask) label() string {
	if t.e.path != "" {
		return fmt.Sprintf("texture.%d(%s)", t.e.id, t.e.path)
	}
	return fmt.Sprintf("texture.%d", t.e.id)
}

// decode reads and converts an image file, consulting the decoded-image
// cache first.
func (m *Manager) decode(path string) (*Raw, error) {
	if raw, ok := m.cache.Get(path); ok {
		return raw, nil
	}

	f, err := os.Open(path) //nolint:gosec // caller-provided asset path
	if err != nil {
		return nil, fmt.Errorf("texture: open: %w", err)
	}
	defer f.Close()

	img, kind, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("texture: decode %s: %w", path, err)
	}
	raw := FromImage(img, m.cfg.MaxDimension)
	slogger().Debug("texture: decoded", "path", path, "kind", kind,
		"width", raw.Width, "height", raw.Height, "format", raw.Format)

	m.cache.Add(path, raw)
	return raw, nil
}
