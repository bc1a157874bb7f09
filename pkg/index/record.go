package index

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Row key prefixes. The object name in an edge key is terminated by a NUL,
// which sanitized names can never contain, so prefix scans over one
// object's edges cannot bleed into a neighbour's.
var (
	prefixConfig    = []byte("cfg:")
	prefixObject    = []byte("obj:")
	prefixEdge      = []byte("map:")
	prefixChunk     = []byte("chk:")
	prefixContainer = []byte("ctr:")
)

type objectRecord struct {
	ContentLength uint64 `cbor:"content_length"`
}

type edgeRecord struct {
	ChunkKey string `cbor:"chunk_key"`
	Position uint64 `cbor:"position"`
	Length   uint32 `cbor:"length"`
}

type chunkRecord struct {
	Length   uint32 `cbor:"length"`
	Refcount uint64 `cbor:"refcount"`
}

type containerRecord struct {
	IndexLocation string `cbor:"index_location"`
}

func configKey(name string) []byte    { return append(bytes.Clone(prefixConfig), name...) }
func objectKey(name string) []byte    { return append(bytes.Clone(prefixObject), name...) }
func chunkKey(key string) []byte      { return append(bytes.Clone(prefixChunk), key...) }
func containerKey(name string) []byte { return append(bytes.Clone(prefixContainer), name...) }

// edgeKey is prefixEdge + object + NUL + big-endian ordinal, so iteration in
// key order yields edges in ordinal order.
func edgeKey(object string, ordinal uint32) []byte {
	k := edgePrefix(object)
	var ord [8]byte
	binary.BigEndian.PutUint64(ord[:], uint64(ordinal))
	return append(k, ord[:]...)
}

func edgePrefix(object string) []byte {
	k := append(bytes.Clone(prefixEdge), object...)
	return append(k, 0)
}

func edgeOrdinal(key []byte, object string) (uint32, error) {
	rest := key[len(prefixEdge)+len(object)+1:]
	if len(rest) != 8 {
		return 0, fmt.Errorf("%w: edge key %q has malformed ordinal", ErrCorrupt, key)
	}
	return uint32(binary.BigEndian.Uint64(rest)), nil
}

func encodeRecord(v any) ([]byte, error) {
	b, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode index record: %w", err)
	}
	return b, nil
}

func decodeRecord(b []byte, v any) error {
	if err := cbor.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: decode index record: %v", ErrCorrupt, err)
	}
	return nil
}
