package geometry

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
)

// glTF 2.0 constants.
const (
	glbMagic     = 0x46546C67 // "glTF"
	glbVersion   = 2
	glbChunkJSON = 0x4E4F534A // "JSON"
	glbChunkBIN  = 0x004E4942 // "BIN\0"

	componentUnsignedByte  = 5121
	componentUnsignedShort = 5123
	componentUnsignedInt   = 5125
	componentFloat         = 5126

	modeTriangles = 4
)

// ErrUnsupportedGLTF is returned for glTF content this loader does not read.
var ErrUnsupportedGLTF = errors.New("geometry: unsupported glTF")

// semantics maps glTF attribute names to attributes.
var semantics = map[string]Attribute{
	"POSITION":   AttributePosition,
	"NORMAL":     AttributeNormal,
	"TEXCOORD_0": AttributeTexCoord,
	"COLOR_0":    AttributeColor,
	"TANGENT":    AttributeTangent,
}

type gltfDoc struct {
	Asset struct {
		Version string `json:"version"`
	} `json:"asset"`
	Meshes []struct {
		Primitives []gltfPrimitive `json:"primitives"`
	} `json:"meshes"`
	Accessors   []gltfAccessor `json:"accessors"`
	BufferViews []struct {
		Buffer     int  `json:"buffer"`
		ByteOffset int  `json:"byteOffset"`
		ByteLength int  `json:"byteLength"`
		ByteStride *int `json:"byteStride"`
	} `json:"bufferViews"`
	Buffers []struct {
		URI        string `json:"uri"`
		ByteLength int    `json:"byteLength"`
	} `json:"buffers"`
}

type gltfPrimitive struct {
	Attributes map[string]int `json:"attributes"`
	Indices    *int           `json:"indices"`
	Mode       *int           `json:"mode"`
}

type gltfAccessor struct {
	BufferView    *int   `json:"bufferView"`
	ByteOffset    int    `json:"byteOffset"`
	ComponentType int    `json:"componentType"`
	Count         int    `json:"count"`
	Type          string `json:"type"`
	Sparse        any    `json:"sparse"`
}

var accessorComponents = map[string]int{"SCALAR": 1, "VEC2": 2, "VEC3": 3, "VEC4": 4}

// gltfFile is a parsed document with its buffers loaded.
type gltfFile struct {
	doc     gltfDoc
	buffers [][]byte
}

// ReadGLTF loads every triangle primitive of every mesh in a .gltf or .glb
// file and merges them into one mesh. Float attributes named in
// semantics are read; others are ignored.
func ReadGLTF(path string) (*Raw, error) {
	data, err := os.ReadFile(path) //nolint:gosec // caller-provided asset path
	if err != nil {
		return nil, fmt.Errorf("geometry: read: %w", err)
	}

	var f *gltfFile
	if len(data) >= 4 && binary.LittleEndian.Uint32(data) == glbMagic {
		f, err = parseGLB(data, filepath.Dir(path))
	} else {
		f, err = parseGLTF(data, nil, filepath.Dir(path))
	}
	if err != nil {
		return nil, fmt.Errorf("geometry: %s: %w", path, err)
	}
	raw, err := f.mesh()
	if err != nil {
		return nil, fmt.Errorf("geometry: %s: %w", path, err)
	}
	return raw, nil
}

func parseGLTF(data, bin []byte, dir string) (*gltfFile, error) {
	f := &gltfFile{}
	if err := json.Unmarshal(data, &f.doc); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	if !strings.HasPrefix(f.doc.Asset.Version, "2.") {
		return nil, fmt.Errorf("%w: version %q", ErrUnsupportedGLTF, f.doc.Asset.Version)
	}

	f.buffers = make([][]byte, len(f.doc.Buffers))
	for i, b := range f.doc.Buffers {
		var buf []byte
		switch {
		case b.URI == "" && i == 0 && bin != nil:
			buf = bin
		case b.URI == "":
			return nil, fmt.Errorf("buffer %d has no data", i)
		case strings.HasPrefix(b.URI, "data:"):
			comma := strings.IndexByte(b.URI, ',')
			if comma < 0 || !strings.Contains(b.URI[:comma], "base64") {
				return nil, fmt.Errorf("%w: buffer %d data URI", ErrUnsupportedGLTF, i)
			}
			var err error
			if buf, err = base64.StdEncoding.DecodeString(b.URI[comma+1:]); err != nil {
				return nil, fmt.Errorf("buffer %d: %w", i, err)
			}
		default:
			var err error
			if buf, err = os.ReadFile(filepath.Join(dir, filepath.FromSlash(b.URI))); err != nil {
				return nil, fmt.Errorf("buffer %d: %w", i, err)
			}
		}
		if len(buf) < b.ByteLength {
			return nil, fmt.Errorf("buffer %d: %d bytes, want %d", i, len(buf), b.ByteLength)
		}
		f.buffers[i] = buf
	}
	return f, nil
}

func parseGLB(data []byte, dir string) (*gltfFile, error) {
	r := bytes.NewReader(data)
	var header struct{ Magic, Version, Length uint32 }
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("glb header: %w", err)
	}
	if header.Magic != glbMagic {
		return nil, fmt.Errorf("%w: bad glb magic %#x", ErrUnsupportedGLTF, header.Magic)
	}
	if header.Version != glbVersion {
		return nil, fmt.Errorf("%w: glb version %d", ErrUnsupportedGLTF, header.Version)
	}
	if uint64(header.Length) > uint64(len(data)) {
		return nil, fmt.Errorf("%w: glb declares %d bytes, have %d", ErrUnsupportedGLTF, header.Length, len(data))
	}

	var jsonChunk, binChunk []byte
	for {
		var chunk struct{ Length, Type uint32 }
		if err := binary.Read(r, binary.LittleEndian, &chunk); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("glb chunk: %w", err)
		}
		if uint64(chunk.Length) > uint64(r.Len()) {
			return nil, fmt.Errorf("%w: glb chunk of %d bytes exceeds remaining %d", ErrUnsupportedGLTF, chunk.Length, r.Len())
		}
		body := make([]byte, chunk.Length)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, fmt.Errorf("glb chunk: %w", err)
		}
		switch chunk.Type {
		case glbChunkJSON:
			jsonChunk = body
		case glbChunkBIN:
			binChunk = body
		}
	}
	if jsonChunk == nil {
		return nil, errors.New("glb has no JSON chunk")
	}
	return parseGLTF(jsonChunk, binChunk, dir)
}

// accessor returns the tightly packed bytes of accessor i and its
// component count.
func (f *gltfFile) accessor(i int) ([]byte, gltfAccessor, error) {
	if i < 0 || i >= len(f.doc.Accessors) {
		return nil, gltfAccessor{}, fmt.Errorf("accessor %d out of range", i)
	}
	acc := f.doc.Accessors[i]
	if acc.Sparse != nil || acc.BufferView == nil {
		return nil, acc, fmt.Errorf("%w: sparse or empty accessor %d", ErrUnsupportedGLTF, i)
	}
	n, ok := accessorComponents[acc.Type]
	if !ok {
		return nil, acc, fmt.Errorf("%w: accessor %d type %s", ErrUnsupportedGLTF, i, acc.Type)
	}
	var size int
	switch acc.ComponentType {
	case componentUnsignedByte:
		size = 1
	case componentUnsignedShort:
		size = 2
	case componentUnsignedInt, componentFloat:
		size = 4
	default:
		return nil, acc, fmt.Errorf("%w: accessor %d component type %d", ErrUnsupportedGLTF, i, acc.ComponentType)
	}

	if *acc.BufferView < 0 || *acc.BufferView >= len(f.doc.BufferViews) {
		return nil, acc, fmt.Errorf("accessor %d: buffer view out of range", i)
	}
	bv := f.doc.BufferViews[*acc.BufferView]
	if bv.Buffer < 0 || bv.Buffer >= len(f.buffers) {
		return nil, acc, fmt.Errorf("accessor %d: buffer out of range", i)
	}
	buf := f.buffers[bv.Buffer]

	if acc.Count < 0 || acc.ByteOffset < 0 || bv.ByteOffset < 0 || (bv.ByteStride != nil && *bv.ByteStride < 0) {
		return nil, acc, fmt.Errorf("%w: accessor %d has a negative count or offset", ErrUnsupportedGLTF, i)
	}
	elem := size * n
	stride := elem
	if bv.ByteStride != nil && *bv.ByteStride > 0 {
		stride = *bv.ByteStride
	}
	start := bv.ByteOffset + acc.ByteOffset
	// Every element occupies at least one byte, so bounding count and start
	// by the buffer keeps the overrun check below from overflowing.
	if acc.Count > len(buf) || start > len(buf) || (acc.Count > 1 && stride > len(buf)) ||
		(acc.Count > 0 && start+(acc.Count-1)*stride+elem > len(buf)) {
		return nil, acc, fmt.Errorf("accessor %d overruns its buffer", i)
	}

	out := make([]byte, acc.Count*elem)
	for k := range acc.Count {
		copy(out[k*elem:(k+1)*elem], buf[start+k*stride:])
	}
	return out, acc, nil
}

func (f *gltfFile) floats(i int) ([]float32, int, error) {
	data, acc, err := f.accessor(i)
	if err != nil {
		return nil, 0, err
	}
	if acc.ComponentType != componentFloat {
		return nil, 0, fmt.Errorf("%w: accessor %d is not float", ErrUnsupportedGLTF, i)
	}
	out := make([]float32, len(data)/4)
	for k := range out {
		out[k] = math.Float32frombits(binary.LittleEndian.Uint32(data[k*4:]))
	}
	return out, accessorComponents[acc.Type], nil
}

func (f *gltfFile) indices(i int) ([]uint32, error) {
	data, acc, err := f.accessor(i)
	if err != nil {
		return nil, err
	}
	if acc.Type != "SCALAR" {
		return nil, fmt.Errorf("%w: index accessor %d is %s", ErrUnsupportedGLTF, i, acc.Type)
	}
	out := make([]uint32, acc.Count)
	for k := range out {
		switch acc.ComponentType {
		case componentUnsignedByte:
			out[k] = uint32(data[k])
		case componentUnsignedShort:
			out[k] = uint32(binary.LittleEndian.Uint16(data[k*2:]))
		case componentUnsignedInt:
			out[k] = binary.LittleEndian.Uint32(data[k*4:])
		default:
			return nil, fmt.Errorf("%w: index component type %d", ErrUnsupportedGLTF, acc.ComponentType)
		}
	}
	return out, nil
}

// primitive is one triangle list before merging.
type primitive struct {
	count   int
	attrs   map[Attribute][]float32
	width   map[Attribute]int
	indices []uint32
}

// mesh merges all triangle primitives into one indexed mesh. Attributes
// present in only some primitives are filled with defaults elsewhere.
func (f *gltfFile) mesh() (*Raw, error) {
	var prims []primitive
	for mi, m := range f.doc.Meshes {
		for pi, p := range m.Primitives {
			if p.Mode != nil && *p.Mode != modeTriangles {
				slogger().Debug("geometry: skipping non-triangle primitive", "mesh", mi, "primitive", pi, "mode", *p.Mode)
				continue
			}
			prim, err := f.primitive(p)
			if err != nil {
				return nil, fmt.Errorf("mesh %d primitive %d: %w", mi, pi, err)
			}
			prims = append(prims, prim)
		}
	}
	if len(prims) == 0 {
		return nil, fmt.Errorf("%w: no triangle primitives", ErrInvalidMesh)
	}

	raw := &Raw{Attributes: make(map[Attribute][]float32)}
	width := make(map[Attribute]int)
	for _, p := range prims {
		for a, w := range p.width {
			if prev, ok := width[a]; ok && prev != w {
				return nil, fmt.Errorf("%w: %s has %d and %d components", ErrUnsupportedGLTF, a, prev, w)
			}
			width[a] = w
		}
	}
	for _, p := range prims {
		base := uint32(raw.VertexCount) //nolint:gosec // bounded by accessor counts
		for a, w := range width {
			data, ok := p.attrs[a]
			if !ok {
				data = make([]float32, p.count*w)
				for v := range p.count {
					copy(data[v*w:(v+1)*w], defaultValue[a][:w])
				}
			}
			raw.Attributes[a] = append(raw.Attributes[a], data...)
		}
		for _, idx := range p.indices {
			raw.Indices = append(raw.Indices, base+idx)
		}
		raw.VertexCount += p.count
	}
	return raw, nil
}

func (f *gltfFile) primitive(p gltfPrimitive) (primitive, error) {
	prim := primitive{
		count: -1,
		attrs: make(map[Attribute][]float32),
		width: make(map[Attribute]int),
	}
	for name, acc := range p.Attributes {
		attr, ok := semantics[name]
		if !ok {
			continue
		}
		data, w, err := f.floats(acc)
		if err != nil {
			return prim, fmt.Errorf("%s: %w", name, err)
		}
		n := len(data) / w
		if prim.count >= 0 && n != prim.count {
			return prim, fmt.Errorf("%w: %s has %d vertices, want %d", ErrInvalidMesh, name, n, prim.count)
		}
		prim.count = n
		prim.attrs[attr] = data
		prim.width[attr] = w
	}
	if _, ok := prim.attrs[AttributePosition]; !ok {
		return prim, fmt.Errorf("%w: no POSITION", ErrInvalidMesh)
	}

	if p.Indices != nil {
		idx, err := f.indices(*p.Indices)
		if err != nil {
			return prim, fmt.Errorf("indices: %w", err)
		}
		prim.indices = idx
	} else {
		prim.indices = make([]uint32, prim.count)
		for i := range prim.indices {
			prim.indices[i] = uint32(i) //nolint:gosec // bounded by vertex count
		}
	}
	return prim, nil
}
