package chunker_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/chunkvault/chunkvault/pkg/chunker"
	"github.com/chunkvault/chunkvault/internal/testutil"
)

func testConfig() Config {
	return Config{
		MinChunkSize:       128,
		MaxChunkSize:       1024,
		ShiftCount:         64,
		BoundaryCheckBytes: 2,
		Logger:             testutil.QuietLogger(),
	}
}

func TestConfigValidate(t *testing.T) {
	valid := testConfig()
	require.NoError(t, valid.Validate())

	cases := map[string]func(*Config){
		"min below 128":       func(c *Config) { c.MinChunkSize = 64 },
		"min not multiple":    func(c *Config) { c.MinChunkSize = 130 },
		"max not multiple":    func(c *Config) { c.MaxChunkSize = 1030 },
		"max below 8x min":    func(c *Config) { c.MaxChunkSize = 512 },
		"boundary bytes zero": func(c *Config) { c.BoundaryCheckBytes = 0 },
		"boundary bytes nine": func(c *Config) { c.BoundaryCheckBytes = 9 },
		"shift zero":          func(c *Config) { c.ShiftCount = 0 },
		"shift above min":     func(c *Config) { c.ShiftCount = 192 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestSmallInputIsSingleChunk(t *testing.T) {
	input := make([]byte, 64)
	chunks, err := ChunkBytes(input, testConfig())
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	c := chunks[0]
	assert.Equal(t, uint32(64), c.Length)
	assert.Equal(t, uint64(0), c.Position)
	assert.Equal(t, uint32(0), c.Ordinal)
	assert.Equal(t, input, c.Data)
	assert.Equal(t, "9aX9QtFqIDAnmO9u0wmXm0MAPSMg2fDo6pgxqSdZ+0s=", c.Key)
}

// assertPartition checks the partition invariant: lengths sum to the input,
// positions stack, ordinals run 0..N-1, concatenation reproduces the input.
func assertPartition(t *testing.T, input []byte, chunks []Chunk, maxChunkSize int) {
	t.Helper()
	var pos uint64
	var rebuilt []byte
	for i, c := range chunks {
		assert.Equal(t, uint32(i), c.Ordinal)
		assert.Equal(t, pos, c.Position)
		assert.Equal(t, uint32(len(c.Data)), c.Length)
		assert.GreaterOrEqual(t, int(c.Length), 1)
		assert.LessOrEqual(t, int(c.Length), maxChunkSize)
		pos += uint64(c.Length)
		rebuilt = append(rebuilt, c.Data...)
	}
	assert.Equal(t, uint64(len(input)), pos)
	assert.Equal(t, input, rebuilt)
}

func TestZeroRunHitsTheCap(t *testing.T) {
	input := make([]byte, 2048)
	cfg := testConfig()

	chunks, err := ChunkBytes(input, cfg)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(chunks), 2)
	assertPartition(t, input, chunks, cfg.MaxChunkSize)

	again, err := ChunkBytes(input, cfg)
	require.NoError(t, err)
	require.Len(t, again, len(chunks))
	for i := range chunks {
		assert.Equal(t, chunks[i].Key, again[i].Key)
		assert.Equal(t, chunks[i].Position, again[i].Position)
	}
}

func TestSharedPrefixSharesKeys(t *testing.T) {
	cfg := testConfig()
	a := make([]byte, 2048)
	b := append(bytes.Clone(a), testutil.Payload(512)...)

	chunksA, err := ChunkBytes(a, cfg)
	require.NoError(t, err)
	chunksB, err := ChunkBytes(b, cfg)
	require.NoError(t, err)
	assertPartition(t, b, chunksB, cfg.MaxChunkSize)

	// The prefix spans at least 2048/1024 full chunks in both contexts.
	shared := 2048 / cfg.MaxChunkSize
	require.GreaterOrEqual(t, len(chunksB), shared)
	for i := 0; i < shared; i++ {
		assert.Equal(t, chunksA[i].Key, chunksB[i].Key)
		assert.Equal(t, chunksA[i].Position, chunksB[i].Position)
	}
}

func TestDeterministicOverRandomPayload(t *testing.T) {
	cfg := testConfig()
	cfg.BoundaryCheckBytes = 1
	input := testutil.Payload(10000)

	chunks, err := ChunkBytes(input, cfg)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(chunks), 2)
	assertPartition(t, input, chunks, cfg.MaxChunkSize)

	again, err := ChunkBytes(input, cfg)
	require.NoError(t, err)
	require.Len(t, again, len(chunks))
	for i := range chunks {
		assert.Equal(t, chunks[i].Key, again[i].Key)
	}
}

func TestReaderMatchesBuffer(t *testing.T) {
	cfg := testConfig()
	cfg.BoundaryCheckBytes = 1
	for _, size := range []int{64, 128, 129, 1000, 4096, 10000} {
		input := testutil.Payload(size)

		fromBuffer, err := ChunkBytes(input, cfg)
		require.NoError(t, err)
		fromReader, err := ChunkReader(bytes.NewReader(input), uint64(size), cfg)
		require.NoError(t, err)

		require.Len(t, fromReader, len(fromBuffer), "size %d", size)
		for i := range fromBuffer {
			assert.Equal(t, fromBuffer[i].Key, fromReader[i].Key)
			assert.Equal(t, fromBuffer[i].Position, fromReader[i].Position)
			assert.Equal(t, fromBuffer[i].Length, fromReader[i].Length)
			assert.Equal(t, fromBuffer[i].Data, fromReader[i].Data)
		}
	}
}

func TestChunkDataIsOwned(t *testing.T) {
	input := testutil.Payload(4096)
	chunks, err := ChunkBytes(input, testConfig())
	require.NoError(t, err)

	saved := bytes.Clone(chunks[0].Data)
	for i := range input {
		input[i] = 0xFF
	}
	assert.Equal(t, saved, chunks[0].Data, "chunk bytes must not alias the input")
}

func TestChunkStreamAbort(t *testing.T) {
	input := testutil.Payload(4096)
	calls := 0
	err := ChunkStream(bytes.NewReader(input), uint64(len(input)), testConfig(), func(Chunk) bool {
		calls++
		return false
	})
	require.ErrorIs(t, err, ErrProcessAborted)
	assert.Equal(t, 1, calls)
}

func TestEmptyInputEmitsNothing(t *testing.T) {
	chunks, err := ChunkBytes(nil, testConfig())
	require.NoError(t, err)
	assert.Empty(t, chunks)
}
