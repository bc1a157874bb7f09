package chunkhash

import (
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyIsStableBase64OfSHA256(t *testing.T) {
	// 64 zero bytes have a well-known digest; the key must never change, it
	// is part of the on-disk format.
	key := Key(make([]byte, 64))
	require.Equal(t, "9aX9QtFqIDAnmO9u0wmXm0MAPSMg2fDo6pgxqSdZ+0s=", key)
}

func TestContentHashMatchesStdlib(t *testing.T) {
	data := []byte("some chunk payload")
	h := ContentHash(data)
	assert.Equal(t, sha256.Sum256(data), h)
}

func TestWindowHashMatchesStdlib(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 128)
	h := WindowHash(data)
	assert.Equal(t, md5.Sum(data), h)
}

func TestIsBoundary(t *testing.T) {
	digest := []byte{0, 0, 7, 1, 2, 3}
	assert.True(t, IsBoundary(digest, 1))
	assert.True(t, IsBoundary(digest, 2))
	assert.False(t, IsBoundary(digest, 3))

	assert.False(t, IsBoundary([]byte{1, 0, 0}, 1))
	assert.False(t, IsBoundary(digest, 0), "n below 1 never marks a boundary")
	assert.False(t, IsBoundary([]byte{0}, 2), "n beyond the digest never marks a boundary")
}
