// Command streamdemo streams procedural textures and meshes through a
// headless gpustream instance and reports upload statistics.
package main

import (
	"flag"
	"log"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	_ "github.com/gogpu/wgpu/hal/noop"
	"github.com/pkg/profile"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/gpustream"
	"github.com/gogpu/gpustream/geometry"
	"github.com/gogpu/gpustream/resource"
	"github.com/gogpu/gpustream/texture"
)

func main() {
	var (
		producers = flag.Int("producers", 4, "goroutines submitting uploads")
		textures  = flag.Int("textures", 64, "textures per producer")
		meshes    = flag.Int("meshes", 16, "meshes per producer")
		size      = flag.Int("size", 256, "texture edge in pixels")
		ring      = flag.Int("ring", 2, "upload batches in flight")
		budget    = flag.Float64("budget", 0, "batch submissions per second (0 = unlimited)")
		verbose   = flag.Bool("v", false, "debug logging")
		prof      = flag.String("profile", "", "write a profile: cpu, mem or trace")
	)
	flag.Parse()

	switch *prof {
	case "":
	case "cpu":
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
	case "mem":
		defer profile.Start(profile.MemProfile, profile.ProfilePath(".")).Stop()
	case "trace":
		defer profile.Start(profile.TraceProfile, profile.ProfilePath(".")).Stop()
	default:
		log.Fatalf("unknown profile mode %q", *prof)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	gpustream.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	s, err := gpustream.OpenHeadless(gputypes.BackendEmpty,
		gpustream.WithRingSize(*ring),
		gpustream.WithBatchBudget(*budget, *ring),
		gpustream.WithLabel("streamdemo"),
	)
	if err != nil {
		log.Fatalf("open: %v", err)
	}
	defer s.Close()

	var (
		mu          sync.Mutex
		texHandles  []*resource.Handle[*texture.Texture]
		meshHandles []*resource.Handle[*geometry.Mesh]
	)
	settled := func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, h := range texHandles {
			if !h.Done() {
				return false
			}
		}
		for _, h := range meshHandles {
			if !h.Done() {
				return false
			}
		}
		return true
	}

	start := time.Now()
	var g errgroup.Group
	for p := range *producers {
		g.Go(func() error {
			for i := range *textures {
				h := s.Textures().Create(checker(*size, p*(*textures)+i))
				mu.Lock()
				texHandles = append(texHandles, h)
				mu.Unlock()
			}
			for i := range *meshes {
				h := s.Meshes().Create(disc(8 + (p+i)%24))
				mu.Lock()
				meshHandles = append(meshHandles, h)
				mu.Unlock()
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	frames, submitted := 0, 0
	producing := true
	for producing || !settled() {
		select {
		case err := <-done:
			if err != nil {
				log.Fatalf("producers: %v", err)
			}
			producing = false
		default:
		}

		report, err := frame(s)
		if err != nil {
			log.Printf("frame %d: %v", frames, err)
		}
		frames++
		submitted += report
		time.Sleep(time.Millisecond)
	}
	elapsed := time.Since(start)

	failed := 0
	for _, h := range texHandles {
		if !h.Loaded() {
			failed++
		}
		h.Release()
	}
	for _, h := range meshHandles {
		if !h.Loaded() {
			failed++
		}
		h.Release()
	}
	if _, err := frame(s); err != nil {
		log.Printf("release frame: %v", err)
	}

	stats := s.Scheduler().Stats()
	log.Printf("streamed %d textures and %d meshes in %v over %d frames",
		len(texHandles), len(meshHandles), elapsed.Round(time.Millisecond), frames)
	log.Printf("batches=%d submitted=%d executed=%d finalized=%d failed=%d table=%d",
		stats.Batches, submitted, stats.Executed, stats.Finalized, failed, s.Textures().Table().Capacity())
}

// frame records one frame the way a render loop would and returns the
// number of upload batches it submitted.
func frame(s *gpustream.Streamer) (int, error) {
	dev := s.Device()
	enc, err := dev.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "frame"})
	if err != nil {
		return 0, err
	}
	defer enc.Destroy()
	if err := enc.BeginEncoding("frame"); err != nil {
		return 0, err
	}
	report, frameErr := s.Frame(enc)
	cmd, err := enc.EndEncoding()
	if err != nil {
		return report.Submitted, err
	}
	defer dev.FreeCommandBuffer(cmd)
	if _, err := s.Queue().Submit([]hal.CommandBuffer{cmd}); err != nil {
		return report.Submitted, err
	}
	return report.Submitted, frameErr
}

// checker builds an RGBA8 checkerboard tinted by seed.
func checker(size, seed int) *texture.Raw {
	data := make([]byte, size*size*4)
	tint := byte(seed * 37)
	for y := range size {
		for x := range size {
			o := (y*size + x) * 4
			if (x/16+y/16)%2 == 0 {
				data[o], data[o+1], data[o+2] = tint, 255-tint, 128
			}
			data[o+3] = 255
		}
	}
	return &texture.Raw{
		Info: texture.Info{Width: size, Height: size, Format: texture.FormatRGBA8},
		Data: data,
	}
}

// disc builds a triangle fan disc with n rim vertices.
func disc(n int) *geometry.Raw {
	pos := make([]float32, 0, (n+1)*3)
	uv := make([]float32, 0, (n+1)*2)
	pos = append(pos, 0, 0, 0)
	uv = append(uv, 0.5, 0.5)
	for i := range n {
		a := 2 * math.Pi * float64(i) / float64(n)
		x, y := float32(math.Cos(a)), float32(math.Sin(a))
		pos = append(pos, x, y, 0)
		uv = append(uv, 0.5+x/2, 0.5+y/2)
	}
	idx := make([]uint32, 0, n*3)
	for i := range n {
		idx = append(idx, 0, uint32(1+i), uint32(1+(i+1)%n))
	}
	return &geometry.Raw{
		VertexCount: n + 1,
		Attributes: map[geometry.Attribute][]float32{
			geometry.AttributePosition: pos,
			geometry.AttributeTexCoord: uv,
		},
		Indices: idx,
	}
}
