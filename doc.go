// Package gpustream streams textures and meshes to the GPU without stalling
// the render loop.
//
// # Overview
//
// Loading goroutines hand upload work to a [Streamer]. A dedicated worker
// records the transfer commands into a small ring of command batches, the
// render goroutine submits closed batches once per frame, and each resource
// becomes visible through its handle only after the device has finished
// copying it and the frame has recorded the barrier that makes it usable.
//
// # Quick Start
//
//	import (
//	    "github.com/gogpu/gpustream"
//	    _ "github.com/gogpu/wgpu/hal/noop"
//	)
//
//	s, err := gpustream.OpenHeadless(gputypes.BackendEmpty)
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	tex := s.LoadTexture("assets/stone.png")
//	defer tex.Release()
//
//	for !tex.Done() {
//	    enc := beginFrame()
//	    if _, err := s.Frame(enc); err != nil {
//	        log.Print(err)
//	    }
//	    endFrame(enc)
//	}
//
// A host that already owns a device passes its gpucontext.DeviceProvider
// to [New] instead.
//
// # Architecture
//
// The module is organized into:
//   - upload: Scheduler (batch ring and worker), QueueSubmitter, FramePump
//   - descriptor: slot Pool and the bindless texture Table
//   - texture: image decoding, staging and slot publication
//   - geometry: vertex layouts, glTF reading, vertex and index buffers
//   - resource: reference-counted handles shared by the managers
//
// # Threading
//
// Load, Create and Release are safe from any goroutine. Frame and Close
// must be called from the goroutine that owns the queue.
package gpustream
