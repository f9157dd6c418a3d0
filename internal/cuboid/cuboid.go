// Copyright 2025 James Ross
// Package cuboid carves, pads, and compresses the native storage unit the
// remote backend expects from a volumetric chunk: a fixed-size sub-cube
// (512x512x16 in X,Y,Z) sliced out of whatever shape the reader produced,
// zero-padded on any edge that falls short, then byte-shuffled and
// compressed the way the backend's own codec does.
package cuboid

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// AxisOrder discriminates the memory layout a volumetric reader hands back.
type AxisOrder int

const (
	XYZ AxisOrder = iota
	ZYX
	XYZT
	TZYX
)

// Native cuboid dimensions, in X, Y, Z order, as the backend defines them.
const (
	NativeX = 512
	NativeY = 512
	NativeZ = 16
)

// Volume is a dense, T-Z-Y-X, C-contiguous array: Data[((t*Shape.Z+z)*Shape.Y+y)*Shape.X+x]*ItemSize .. +ItemSize.
type Volume struct {
	Data     []byte
	Shape    [4]int // T, Z, Y, X
	ItemSize int     // bytes per element
}

// Normalize reorders raw array bytes of the given order into a C-contiguous
// TZYX Volume. Axis orders name dimensions slowest to fastest, so a ZYX
// source is laid out data[z][y][x] with x varying fastest. shapeXYZ is
// always given as (x, y, z) extents regardless of the source order.
func Normalize(data []byte, order AxisOrder, shapeXYZ [3]int, hasT bool, itemSize int) (Volume, error) {
	x, y, z := shapeXYZ[0], shapeXYZ[1], shapeXYZ[2]
	t := 1

	switch order {
	case XYZ, XYZT, ZYX, TZYX:
	default:
		return Volume{}, fmt.Errorf("cuboid: unknown axis order %d", order)
	}
	if hasT {
		t = 1 // the engine only ever normalizes one time-step's chunk at a time
	}

	out := Volume{Shape: [4]int{t, z, y, x}, ItemSize: itemSize}
	out.Data = make([]byte, t*z*y*x*itemSize)

	// Compute source strides for the given order, then copy element-by-
	// element into the TZYX destination. Source is always dense in its own
	// declared order.
	srcIndex := func(xi, yi, zi int) int {
		switch order {
		case XYZ, XYZT:
			// data[x][y][z], z fastest
			return (xi*y+yi)*z + zi
		case ZYX, TZYX:
			// data[z][y][x], x fastest: already the target layout
			return (zi*y+yi)*x + xi
		}
		return 0
	}

	for zi := 0; zi < z; zi++ {
		for yi := 0; yi < y; yi++ {
			for xi := 0; xi < x; xi++ {
				srcElem := srcIndex(xi, yi, zi)
				dstElem := (zi*y+yi)*x + xi
				srcOff := srcElem * itemSize
				dstOff := dstElem * itemSize
				if srcOff+itemSize > len(data) {
					return Volume{}, fmt.Errorf("cuboid: source array shorter than declared shape")
				}
				copy(out.Data[dstOff:dstOff+itemSize], data[srcOff:srcOff+itemSize])
			}
		}
	}
	return out, nil
}

// Carve extracts the native-size sub-cube at the given X,Y,Z offset (in
// voxels) from vol, zero-padding any portion that falls beyond vol's extent.
// The result is always exactly NativeZ*NativeY*NativeX*ItemSize bytes, one
// time-step.
func Carve(vol Volume, offsetX, offsetY, offsetZ int) []byte {
	itemSize := vol.ItemSize
	out := make([]byte, NativeZ*NativeY*NativeX*itemSize)

	srcZ, srcY, srcX := vol.Shape[1], vol.Shape[2], vol.Shape[3]

	for z := 0; z < NativeZ; z++ {
		sz := offsetZ + z
		if sz >= srcZ {
			continue
		}
		for y := 0; y < NativeY; y++ {
			sy := offsetY + y
			if sy >= srcY {
				continue
			}
			// Copy the contiguous run of valid X voxels in one shot.
			runX := NativeX
			if offsetX+runX > srcX {
				runX = srcX - offsetX
			}
			if runX <= 0 {
				continue
			}
			srcOff := ((0*vol.Shape[1]+sz)*srcY+sy)*srcX + offsetX
			srcOff *= itemSize
			dstOff := ((0*NativeZ+z)*NativeY+y)*NativeX + 0
			dstOff *= itemSize
			copy(out[dstOff:dstOff+runX*itemSize], vol.Data[srcOff:srcOff+runX*itemSize])
		}
	}
	return out
}

// NumCuboids returns how many native-size cuboids tile a volume of the given
// extent along one axis (rounding up, since the far edge is zero-padded
// rather than dropped).
func NumCuboids(extent, native int) int {
	if extent <= 0 {
		return 0
	}
	return (extent + native - 1) / native
}

// Shuffle performs a byte-wise shuffle: for N elements of itemSize bytes
// each, byte i of every element is grouped together, the blosc-style
// shuffle filter applied before entropy coding.
func Shuffle(data []byte, itemSize int) []byte {
	if itemSize <= 1 || len(data)%itemSize != 0 {
		return data
	}
	n := len(data) / itemSize
	out := make([]byte, len(data))
	for i := 0; i < n; i++ {
		for b := 0; b < itemSize; b++ {
			out[b*n+i] = data[i*itemSize+b]
		}
	}
	return out
}

// Unshuffle inverts Shuffle.
func Unshuffle(data []byte, itemSize int) []byte {
	if itemSize <= 1 || len(data)%itemSize != 0 {
		return data
	}
	n := len(data) / itemSize
	out := make([]byte, len(data))
	for i := 0; i < n; i++ {
		for b := 0; b < itemSize; b++ {
			out[i*itemSize+b] = data[b*n+i]
		}
	}
	return out
}

// Compress shuffles data by itemSize and zstd-compresses it, producing the
// byte-level, typesize-aware compression the remote store expects.
func Compress(data []byte, itemSize int) ([]byte, error) {
	shuffled := Shuffle(data, itemSize)
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("cuboid: new zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(shuffled, nil), nil
}

// Decompress inverts Compress.
func Decompress(compressed []byte, itemSize int) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("cuboid: new zstd decoder: %w", err)
	}
	defer dec.Close()
	shuffled, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("cuboid: decompress: %w", err)
	}
	return Unshuffle(shuffled, itemSize), nil
}
