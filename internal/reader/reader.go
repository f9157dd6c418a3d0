// Copyright 2025 James Ross
// Package reader defines the two capability interfaces the worker engine
// invokes polymorphically: a path resolver (task indices -> opaque source
// locator) and a data reader (locator + indices -> bytes or array), plus a
// static registry the engine looks plugins up in by class name.
//
// This engine has no runtime code loading: concrete readers (TIFF, HDF5,
// Zarr, CATMAID, CloudVolume) are represented only by these interfaces; a
// deployment links in its own implementations and registers them at init
// time with RegisterPathResolver, RegisterTileReader or RegisterChunkReader.
package reader

import (
	"context"
	"errors"
	"fmt"
)

// ErrOutOfRange is returned by a PathResolver when the requested indices
// fall outside the configured extent. The engine logs and skips the task.
var ErrOutOfRange = errors.New("reader: indices out of configured extent")

// ErrUnknownPlugin is returned by the Lookup* functions when no plugin is registered under
// the requested class name.
var ErrUnknownPlugin = errors.New("reader: unknown plugin class")

// PathResolver turns pre-validated tile/chunk indices into an opaque source
// locator (typically a file path or URL; may be empty when the reader needs
// only the indices themselves).
type PathResolver interface {
	// Setup is called exactly once, with the plugin's own parameter
	// sub-tree augmented by the full ingest_job block.
	Setup(params map[string]interface{}) error
	Resolve(ctx context.Context, x, y, z, t int) (locator string, err error)
}

// TileReader materializes one 2-D image tile. The returned payload MUST be
// a self-contained image file (TIFF, PNG) the backend can decode without
// side-channel metadata; the engine seeks it to zero before upload.
type TileReader interface {
	Setup(params map[string]interface{}) error
	ReadTile(ctx context.Context, locator string, x, y, z, t int) (payload []byte, err error)
}

// AxisOrder discriminates the memory layout a volumetric reader hands back.
type AxisOrder int

const (
	XYZ AxisOrder = iota
	ZYX
	XYZT
	TZYX
)

// ChunkArray is the tagged-union return value of ChunkReader.ReadChunk: a
// dense numeric array plus the axis order and element size needed to
// interpret it.
type ChunkArray struct {
	Data     []byte
	ShapeXYZ [3]int
	HasT     bool
	ItemSize int
	Order    AxisOrder
}

// ChunkReader materializes one volumetric chunk. The engine normalizes the
// result to TZYX C-contiguous (internal/cuboid.Normalize) before carving
// cuboids.
type ChunkReader interface {
	Setup(params map[string]interface{}) error
	ReadChunk(ctx context.Context, locator string, x, y, z int) (ChunkArray, error)
}

// Factory builds a fresh, unconfigured plugin instance. Registries store
// factories, not instances, so every ingest gets its own Setup call.
type PathResolverFactory func() PathResolver
type TileReaderFactory func() TileReader
type ChunkReaderFactory func() ChunkReader

var (
	pathResolvers = map[string]PathResolverFactory{}
	tileReaders   = map[string]TileReaderFactory{}
	chunkReaders  = map[string]ChunkReaderFactory{}
)

// RegisterPathResolver adds a path-resolver plugin under class name.
// Intended to be called from an init() in the package providing the
// concrete reader; the engine does no runtime code loading.
func RegisterPathResolver(class string, f PathResolverFactory) { pathResolvers[class] = f }

// RegisterTileReader adds a tile-mode data-reader plugin under class name.
func RegisterTileReader(class string, f TileReaderFactory) { tileReaders[class] = f }

// RegisterChunkReader adds a volumetric-mode data-reader plugin under class
// name.
func RegisterChunkReader(class string, f ChunkReaderFactory) { chunkReaders[class] = f }

// LookupPathResolver builds a configured PathResolver for the named class.
func LookupPathResolver(class string, params map[string]interface{}) (PathResolver, error) {
	f, ok := pathResolvers[class]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, class)
	}
	r := f()
	if err := r.Setup(params); err != nil {
		return nil, fmt.Errorf("reader: setup path resolver %s: %w", class, err)
	}
	return r, nil
}

// LookupTileReader builds a configured TileReader for the named class.
func LookupTileReader(class string, params map[string]interface{}) (TileReader, error) {
	f, ok := tileReaders[class]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, class)
	}
	r := f()
	if err := r.Setup(params); err != nil {
		return nil, fmt.Errorf("reader: setup tile reader %s: %w", class, err)
	}
	return r, nil
}

// LookupChunkReader builds a configured ChunkReader for the named class.
func LookupChunkReader(class string, params map[string]interface{}) (ChunkReader, error) {
	f, ok := chunkReaders[class]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, class)
	}
	r := f()
	if err := r.Setup(params); err != nil {
		return nil, fmt.Errorf("reader: setup chunk reader %s: %w", class, err)
	}
	return r, nil
}
