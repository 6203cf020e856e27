package gpustream

import (
	"errors"
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
	"golang.org/x/image/bmp"

	"github.com/gogpu/gpustream/geometry"
	"github.com/gogpu/gpustream/texture"
	"github.com/gogpu/gpustream/upload"
)

// mockProvider exposes noop HAL objects the way a windowing host does.
type mockProvider struct {
	device hal.Device
	queue  hal.Queue
}

func (m *mockProvider) Device() gpucontext.Device   { return nil }
func (m *mockProvider) Queue() gpucontext.Queue     { return nil }
func (m *mockProvider) Adapter() gpucontext.Adapter { return nil }
func (m *mockProvider) SurfaceFormat() gputypes.TextureFormat {
	return gputypes.TextureFormatBGRA8Unorm
}
func (m *mockProvider) AdapterInfo() gpucontext.AdapterInfo {
	return gpucontext.AdapterInfo{Type: gpucontext.AdapterTypeUnknown}
}
func (m *mockProvider) HalDevice() any { return m.device }
func (m *mockProvider) HalQueue() any  { return m.queue }

// plainProvider has no HAL accessors.
type plainProvider struct{}

func (plainProvider) Device() gpucontext.Device             { return nil }
func (plainProvider) Queue() gpucontext.Queue               { return nil }
func (plainProvider) Adapter() gpucontext.Adapter           { return nil }
func (plainProvider) SurfaceFormat() gputypes.TextureFormat { return gputypes.TextureFormatUndefined }
func (plainProvider) AdapterInfo() gpucontext.AdapterInfo {
	return gpucontext.AdapterInfo{Type: gpucontext.AdapterTypeUnknown}
}

func openNoop(t *testing.T, opts ...Option) *Streamer {
	t.Helper()
	s, err := OpenHeadless(gputypes.BackendEmpty, opts...)
	if err != nil {
		t.Fatalf("OpenHeadless: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// frameUntil records frames on a fresh encoder until cond holds.
func frameUntil(t *testing.T, s *Streamer, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		enc, err := s.Device().CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "frame"})
		if err != nil {
			t.Fatal(err)
		}
		if err := enc.BeginEncoding("frame"); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Frame(enc); err != nil {
			t.Fatalf("Frame: %v", err)
		}
		cmd, err := enc.EndEncoding()
		if err != nil {
			t.Fatal(err)
		}
		s.Device().FreeCommandBuffer(cmd)
		time.Sleep(time.Millisecond)
	}
}

// =============================================================================
// Construction Tests
// =============================================================================

func TestNew_NilProvider(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, ErrNilProvider) {
		t.Errorf("New(nil) = %v, want ErrNilProvider", err)
	}
}

func TestNew_ProviderWithoutHAL(t *testing.T) {
	if _, err := New(plainProvider{}); !errors.Is(err, ErrNoHAL) {
		t.Errorf("New(plain) = %v, want ErrNoHAL", err)
	}
	if _, err := New(&mockProvider{}); !errors.Is(err, ErrNoHAL) {
		t.Errorf("New(nil HAL) = %v, want ErrNoHAL", err)
	}
}

func TestNew_Provider(t *testing.T) {
	p := &mockProvider{device: &noop.Device{}, queue: &noop.Queue{}}
	s, err := New(p, WithRingSize(3), WithLabel("test"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if s.Device() != p.device || s.Queue() != p.queue {
		t.Error("streamer does not use the provider's device and queue")
	}
	if s.Textures() == nil || s.Meshes() == nil || s.Scheduler() == nil {
		t.Error("streamer managers not created")
	}
}

func TestNewFromHAL_InvalidLayout(t *testing.T) {
	bad := geometry.VertexLayout{}
	if _, err := NewFromHAL(&noop.Device{}, &noop.Queue{}, WithVertexLayout(bad)); !errors.Is(err, geometry.ErrInvalidLayout) {
		t.Errorf("err = %v, want ErrInvalidLayout", err)
	}
}

func TestOpenHeadless_UnknownBackend(t *testing.T) {
	if _, err := OpenHeadless(gputypes.Backend(250)); !errors.Is(err, ErrBackendNotAvailable) {
		t.Errorf("err = %v, want ErrBackendNotAvailable", err)
	}
}

// =============================================================================
// Streaming Tests
// =============================================================================

func TestStreamer_TextureAndMesh(t *testing.T) {
	s := openNoop(t, WithTextureConfig(texture.Config{MinTableSize: 8}))

	path := filepath.Join(t.TempDir(), "tile.bmp")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := bmp.Encode(f, image.NewNRGBA(image.Rect(0, 0, 8, 4))); err != nil {
		t.Fatal(err)
	}
	f.Close()

	tex := s.LoadTexture(path)
	defer tex.Release()
	mesh := s.Meshes().Create(&geometry.Raw{
		VertexCount: 3,
		Attributes: map[geometry.Attribute][]float32{
			geometry.AttributePosition: {0, 0, 0, 1, 0, 0, 0, 1, 0},
		},
	})
	defer mesh.Release()

	frameUntil(t, s, "texture and mesh", func() bool { return tex.Done() && mesh.Done() })

	tx, err := tex.Get()
	if err != nil {
		t.Fatalf("texture: %v", err)
	}
	if tx.Width() != 8 || tx.Height() != 4 {
		t.Errorf("texture size = %dx%d, want 8x4", tx.Width(), tx.Height())
	}
	m, err := mesh.Get()
	if err != nil {
		t.Fatalf("mesh: %v", err)
	}
	if m.VertexCount() != 3 {
		t.Errorf("VertexCount() = %d, want 3", m.VertexCount())
	}

	stats := s.Scheduler().Stats()
	if stats.Executed < 2 {
		t.Errorf("Executed = %d, want >= 2", stats.Executed)
	}
}

func TestStreamer_CustomTask(t *testing.T) {
	s := openNoop(t)

	done := make(chan error, 1)
	task := &upload.FuncTask{
		ExecuteFunc:  func(hal.Device, hal.CommandEncoder) error { return nil },
		FinalizeFunc: func(err error) { done <- err },
	}
	if err := s.Scheduler().Submit(task); err != nil {
		t.Fatal(err)
	}
	frameUntil(t, s, "custom task", func() bool { return len(done) == 1 })
	if err := <-done; err != nil {
		t.Errorf("Finalize(%v), want nil", err)
	}
}

func TestStreamer_CloseFinalizesPending(t *testing.T) {
	s, err := OpenHeadless(gputypes.BackendEmpty)
	if err != nil {
		t.Fatal(err)
	}

	handle := s.Textures().Create(&texture.Raw{
		Info: texture.Info{Width: 1, Height: 1, Format: texture.FormatRGBA8},
		Data: make([]byte, 4),
	})
	defer handle.Release()

	s.Close()
	s.Close()

	if !handle.Done() {
		t.Fatal("handle still pending after Close")
	}
	if _, err := handle.Get(); err == nil {
		t.Error("texture never framed should not load")
	}
	if s.Textures().Live() != 0 || s.Meshes().Live() != 0 {
		t.Error("Close left live resources")
	}
	if err := s.Scheduler().Submit(&upload.FuncTask{}); !errors.Is(err, upload.ErrStopped) {
		t.Errorf("Submit after Close = %v, want ErrStopped", err)
	}
}
