// Copyright 2025 James Ross
package keycodec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeTileKey_WorkedExample(t *testing.T) {
	k := TileKey{Collection: 1, Experiment: 2, Channel: 3, Resolution: 0, X: 5, Y: 6, Z: 1, T: 0}
	got := EncodeTileKey(k)
	assert.Equal(t, "03ca58a12ec662954ac12e06517d4269&1&2&3&0&5&6&1&0", got)
}

func TestEncodeChunkKey_WorkedExample(t *testing.T) {
	k := ChunkKey{TileKey: TileKey{Collection: 1, Experiment: 2, Channel: 3, Resolution: 0, X: 5, Y: 6, Z: 1, T: 0}, NumTiles: 16}
	got := EncodeChunkKey(k)
	assert.Equal(t, "77ff984241a0d6aa443d8724a816866d&16&1&2&3&0&5&6&1&0", got)
}

func TestTileKeyRoundTrip(t *testing.T) {
	cases := []TileKey{
		{Collection: 1, Experiment: 2, Channel: 3, Resolution: 0, X: 5, Y: 6, Z: 1, T: 0},
		{Collection: 42, Experiment: 7, Channel: 100, Resolution: 3, X: 0, Y: 0, Z: 0, T: 0},
		{Collection: 999999, Experiment: 1, Channel: 1, Resolution: 9, X: 123456, Y: 7, Z: 8, T: 1},
	}
	for _, c := range cases {
		key := EncodeTileKey(c)
		decoded, err := DecodeTileKey(key)
		require.NoError(t, err)
		assert.Equal(t, c, decoded)
	}
}

func TestChunkKeyRoundTrip(t *testing.T) {
	cases := []ChunkKey{
		{TileKey: TileKey{Collection: 1, Experiment: 2, Channel: 3, Resolution: 0, X: 5, Y: 6, Z: 1, T: 0}, NumTiles: 16},
		{TileKey: TileKey{Collection: 1, Experiment: 1, Channel: 1, Resolution: 0, X: 0, Y: 0, Z: 0, T: 0}, NumTiles: 1},
	}
	for _, c := range cases {
		key := EncodeChunkKey(c)
		decoded, err := DecodeChunkKey(key)
		require.NoError(t, err)
		assert.Equal(t, c, decoded)
	}
}

func TestHashPrefixMatchesBase(t *testing.T) {
	k := TileKey{Collection: 1, Experiment: 2, Channel: 3, Resolution: 0, X: 5, Y: 6, Z: 1, T: 0}
	key := EncodeTileKey(k)
	prefix, err := HashPrefix(key)
	require.NoError(t, err)
	assert.Equal(t, key[:32], prefix)
}

func TestDecodeTileKey_MalformedFieldCount(t *testing.T) {
	_, err := DecodeTileKey("deadbeef&1&2&3")
	require.ErrorIs(t, err, ErrMalformedKey)
}

func TestDecodeTileKey_NonIntegerField(t *testing.T) {
	_, err := DecodeTileKey("deadbeef&1&2&3&oops&5&6&1&0")
	require.ErrorIs(t, err, ErrMalformedKey)
}

func TestDecodeChunkKey_MalformedFieldCount(t *testing.T) {
	_, err := DecodeChunkKey("deadbeef&16&1&2&3")
	require.ErrorIs(t, err, ErrMalformedKey)
}
