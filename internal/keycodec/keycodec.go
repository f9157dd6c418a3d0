// Copyright 2025 James Ross
// Package keycodec builds and parses the deterministic object keys the
// engine uses to address tiles and chunks in the remote store. Keys are
// content-addressed: the same (project path, resolution, index) tuple always
// produces the same key, which is what lets independent workers retry the
// same task without coordinating with one another.
package keycodec

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedKey is returned by Decode when a key does not split into the
// expected number of decimal fields.
var ErrMalformedKey = errors.New("keycodec: malformed key")

// TileKey identifies one 2-D image tile at a specific point in the target
// pyramid: (collection, experiment, channel, resolution, x, y, z, t).
type TileKey struct {
	Collection int
	Experiment int
	Channel    int
	Resolution int
	X          int
	Y          int
	Z          int
	T          int
}

// ChunkKey additionally carries the number of z-aligned tiles that make up
// the chunk.
type ChunkKey struct {
	TileKey
	NumTiles int
}

func projectBase(c, e, ch, res, x, y, z, t int) string {
	fields := []int{c, e, ch, res, x, y, z, t}
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = strconv.Itoa(f)
	}
	return strings.Join(parts, "&")
}

func hashPrefix(base string) string {
	sum := md5.Sum([]byte(base))
	return hex.EncodeToString(sum[:])
}

// EncodeTileKey produces the `hex(md5(base))&base` key for a tile.
func EncodeTileKey(k TileKey) string {
	base := projectBase(k.Collection, k.Experiment, k.Channel, k.Resolution, k.X, k.Y, k.Z, k.T)
	return hashPrefix(base) + "&" + base
}

// EncodeChunkKey produces the `hex(md5(base))&base` key for a chunk, with
// num_tiles prepended to the base string before hashing.
func EncodeChunkKey(k ChunkKey) string {
	base := strconv.Itoa(k.NumTiles) + "&" + projectBase(k.Collection, k.Experiment, k.Channel, k.Resolution, k.X, k.Y, k.Z, k.T)
	return hashPrefix(base) + "&" + base
}

// DecodeTileKey splits a key on `&`, discards the hash field, and parses the
// remaining eight decimal fields in order.
func DecodeTileKey(key string) (TileKey, error) {
	fields := strings.Split(key, "&")
	if len(fields) != 9 {
		return TileKey{}, fmt.Errorf("%w: expected 9 fields, got %d", ErrMalformedKey, len(fields))
	}
	ints, err := parseInts(fields[1:])
	if err != nil {
		return TileKey{}, err
	}
	return TileKey{
		Collection: ints[0],
		Experiment: ints[1],
		Channel:    ints[2],
		Resolution: ints[3],
		X:          ints[4],
		Y:          ints[5],
		Z:          ints[6],
		T:          ints[7],
	}, nil
}

// DecodeChunkKey is DecodeTileKey plus the leading num_tiles field.
func DecodeChunkKey(key string) (ChunkKey, error) {
	fields := strings.Split(key, "&")
	if len(fields) != 10 {
		return ChunkKey{}, fmt.Errorf("%w: expected 10 fields, got %d", ErrMalformedKey, len(fields))
	}
	ints, err := parseInts(fields[1:])
	if err != nil {
		return ChunkKey{}, err
	}
	return ChunkKey{
		NumTiles: ints[0],
		TileKey: TileKey{
			Collection: ints[1],
			Experiment: ints[2],
			Channel:    ints[3],
			Resolution: ints[4],
			X:          ints[5],
			Y:          ints[6],
			Z:          ints[7],
			T:          ints[8],
		},
	}, nil
}

func parseInts(fields []string) ([]int, error) {
	out := make([]int, len(fields))
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("%w: field %d (%q): %v", ErrMalformedKey, i, f, err)
		}
		out[i] = v
	}
	return out, nil
}

// HashPrefix returns the leading MD5 hex digest of key's base string,
// re-derived independently of the key's own prefix, for verification.
func HashPrefix(key string) (string, error) {
	idx := strings.IndexByte(key, '&')
	if idx < 0 {
		return "", fmt.Errorf("%w: no field separator", ErrMalformedKey)
	}
	return hashPrefix(key[idx+1:]), nil
}
