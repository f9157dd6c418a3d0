// Copyright 2025 James Ross
// Local filesystem reader plugins: the one concrete, built-in
// implementation the engine ships, for on-disk datasets and for exercising
// the engine end-to-end in tests without a real TIFF/HDF5/Zarr/CATMAID/
// CloudVolume dependency.
package reader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// LocalPathResolver renders a filename template with the x/y/z/t indices
// substituted for `{x}`, `{y}`, `{z}`, `{t}` placeholders.
type LocalPathResolver struct {
	template  string
	extentX   [2]int
	extentY   [2]int
	extentZ   [2]int
	extentT   [2]int
	haveBound bool
}

func init() {
	RegisterPathResolver("local.FilenameTemplate", func() PathResolver { return &LocalPathResolver{} })
	RegisterTileReader("local.FileTileReader", func() TileReader { return &LocalTileReader{} })
	RegisterChunkReader("local.RawChunkReader", func() ChunkReader { return &LocalChunkReader{} })
}

// Setup reads `filename_template` and, optionally, an `extent` parameter
// whose x/y/z/t entries are [start, stop] pairs (used to bounds-check indices
// and raise ErrOutOfRange). The extent inside the `ingest_job` block is not
// consulted.
func (p *LocalPathResolver) Setup(params map[string]interface{}) error {
	tmpl, _ := params["filename_template"].(string)
	if tmpl == "" {
		return fmt.Errorf("reader: local path resolver requires filename_template")
	}
	p.template = tmpl
	if extent, ok := params["extent"].(map[string]interface{}); ok {
		p.extentX = boundsOf(extent, "x")
		p.extentY = boundsOf(extent, "y")
		p.extentZ = boundsOf(extent, "z")
		p.extentT = boundsOf(extent, "t")
		p.haveBound = true
	}
	return nil
}

func boundsOf(extent map[string]interface{}, axis string) [2]int {
	raw, ok := extent[axis].([]interface{})
	if !ok || len(raw) != 2 {
		return [2]int{0, 0}
	}
	start, _ := toInt(raw[0])
	stop, _ := toInt(raw[1])
	return [2]int{start, stop}
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func inBounds(v int, bounds [2]int) bool {
	return bounds[0] == bounds[1] || (v >= bounds[0] && v < bounds[1])
}

// Resolve renders the template, returning ErrOutOfRange if bounds were
// configured and any index falls outside its configured extent.
func (p *LocalPathResolver) Resolve(_ context.Context, x, y, z, t int) (string, error) {
	if p.haveBound {
		if !inBounds(x, p.extentX) || !inBounds(y, p.extentY) || !inBounds(z, p.extentZ) || !inBounds(t, p.extentT) {
			return "", ErrOutOfRange
		}
	}
	r := strings.NewReplacer(
		"{x}", strconv.Itoa(x),
		"{y}", strconv.Itoa(y),
		"{z}", strconv.Itoa(z),
		"{t}", strconv.Itoa(t),
	)
	return r.Replace(p.template), nil
}

// LocalTileReader reads one file in full as the tile payload. A real
// deployment would decode TIFF/PNG here; this built-in simply streams
// whatever bytes live at the resolved locator, which is enough for engines
// whose upstream plugin (out of scope) has already materialized a
// self-contained image file on disk.
type LocalTileReader struct {
	baseDir string
}

func (r *LocalTileReader) Setup(params map[string]interface{}) error {
	r.baseDir, _ = params["base_dir"].(string)
	return nil
}

func (r *LocalTileReader) ReadTile(_ context.Context, locator string, _, _, _, _ int) ([]byte, error) {
	path := locator
	if r.baseDir != "" && !filepath.IsAbs(locator) {
		path = filepath.Join(r.baseDir, locator)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reader: read tile %s: %w", path, err)
	}
	return data, nil
}

// LocalChunkReader reads a raw, headerless binary dump of a chunk: exactly
// shape.x * shape.y * shape.z * item_size bytes in the reader's configured
// axis order. Intended for fixtures and tests; production deployments link
// in a real volumetric reader (HDF5, Zarr, CloudVolume) satisfying the same
// ChunkReader interface.
type LocalChunkReader struct {
	baseDir   string
	shape     [3]int
	itemSize  int
	axisOrder AxisOrder
}

func (r *LocalChunkReader) Setup(params map[string]interface{}) error {
	r.baseDir, _ = params["base_dir"].(string)
	r.itemSize = 1
	if v, ok := params["item_size"]; ok {
		if n, ok := toInt(v); ok {
			r.itemSize = n
		}
	}
	if shape, ok := params["shape"].(map[string]interface{}); ok {
		r.shape[0], _ = toInt(shape["x"])
		r.shape[1], _ = toInt(shape["y"])
		r.shape[2], _ = toInt(shape["z"])
	}
	switch order, _ := params["order"].(string); order {
	case "ZYX":
		r.axisOrder = ZYX
	case "XYZT":
		r.axisOrder = XYZT
	case "TZYX":
		r.axisOrder = TZYX
	default:
		r.axisOrder = XYZ
	}
	return nil
}

func (r *LocalChunkReader) ReadChunk(_ context.Context, locator string, _, _, _ int) (ChunkArray, error) {
	path := locator
	if r.baseDir != "" && !filepath.IsAbs(locator) {
		path = filepath.Join(r.baseDir, locator)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ChunkArray{}, fmt.Errorf("reader: read chunk %s: %w", path, err)
	}
	want := r.shape[0] * r.shape[1] * r.shape[2] * r.itemSize
	if len(data) != want {
		return ChunkArray{}, fmt.Errorf("reader: chunk %s has %d bytes, expected %d", path, len(data), want)
	}
	return ChunkArray{
		Data:     data,
		ShapeXYZ: r.shape,
		HasT:     false,
		ItemSize: r.itemSize,
		Order:    r.axisOrder,
	}, nil
}
