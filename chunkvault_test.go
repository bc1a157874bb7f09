package chunkvault

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkvault/chunkvault/internal/testutil"
	"github.com/chunkvault/chunkvault/pkg/chunker"
	"github.com/chunkvault/chunkvault/pkg/index"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		Path: filepath.Join(t.TempDir(), "index"),
		Chunking: chunker.Config{
			MinChunkSize:       128,
			MaxChunkSize:       1024,
			ShiftCount:         64,
			BoundaryCheckBytes: 1,
		},
		Logger: testutil.QuietLogger(),
	}
}

func createTestVault(t *testing.T, opts Options) *Vault {
	t.Helper()
	v, err := Create(opts)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v
}

func TestCreateValidatesChunking(t *testing.T) {
	opts := testOptions(t)
	opts.Chunking.MinChunkSize = 100
	_, err := Create(opts)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCreateRejectsExistingIndex(t *testing.T) {
	opts := testOptions(t)
	v := createTestVault(t, opts)
	require.NoError(t, v.Close())

	_, err := Create(opts)
	assert.ErrorIs(t, err, ErrIndexExists)
}

func TestOpenMissingIndexIsCorrupt(t *testing.T) {
	_, err := Open(Options{
		Path:   filepath.Join(t.TempDir(), "nothing-here"),
		Logger: testutil.QuietLogger(),
	})
	assert.ErrorIs(t, err, ErrCorruptIndex)
}

func TestStoreRetrieveRoundTrip(t *testing.T) {
	v := createTestVault(t, testOptions(t))
	store := testutil.NewMemStore()
	data := testutil.Payload(10000)

	meta, err := v.StoreObject("", "obj", data, store)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(data)), meta.ContentLength)
	assert.NotEmpty(t, meta.Chunks)

	got, err := v.RetrieveObject("", "obj", store)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	readBack, err := v.RetrieveObjectMetadata("", "obj")
	require.NoError(t, err)
	assert.Equal(t, meta, readBack)
}

func TestStoreConflictAndReplace(t *testing.T) {
	v := createTestVault(t, testOptions(t))
	store := testutil.NewMemStore()

	first := testutil.Payload(3000)
	_, err := v.StoreObject("", "obj", first, store)
	require.NoError(t, err)

	_, err = v.StoreObject("", "obj", first, store)
	assert.ErrorIs(t, err, ErrObjectExists)

	second := testutil.Payload(7000)
	_, err = v.StoreOrReplaceObject("", "obj", second, store)
	require.NoError(t, err)

	got, err := v.RetrieveObject("", "obj", store)
	require.NoError(t, err)
	assert.Equal(t, second, got)

	stats, err := v.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Objects)
}

func TestStoreArgumentValidation(t *testing.T) {
	v := createTestVault(t, testOptions(t))
	store := testutil.NewMemStore()

	_, err := v.StoreObject("", "", testutil.Payload(100), store)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = v.StoreObject("", "obj", nil, store)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = v.StoreObject("", "obj", testutil.Payload(100), nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = v.StoreObject("some-container", "obj", testutil.Payload(100), store)
	assert.ErrorIs(t, err, ErrInvalidArgument, "flat index takes no container")
}

func TestNameSanitization(t *testing.T) {
	v := createTestVault(t, testOptions(t))
	store := testutil.NewMemStore()

	_, err := v.StoreObject("", "dir/with:odd name", testutil.Payload(500), store)
	require.NoError(t, err)

	names, err := v.ListObjects("")
	require.NoError(t, err)
	assert.Equal(t, []string{"dir_with_odd_name"}, names)

	// The same raw name addresses the same object.
	exists, err := v.ObjectExists("", "dir/with:odd name")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestFullDedupOfIdenticalObjects(t *testing.T) {
	v := createTestVault(t, testOptions(t))
	store := testutil.NewMemStore()
	data := testutil.Payload(10000)

	_, err := v.StoreObject("", "x", data, store)
	require.NoError(t, err)
	statsAfterX, err := v.Stats()
	require.NoError(t, err)

	_, err = v.StoreObject("", "y", data, store)
	require.NoError(t, err)
	statsAfterY, err := v.Stats()
	require.NoError(t, err)

	assert.Equal(t, statsAfterX.PhysicalBytes, statsAfterY.PhysicalBytes)
	assert.Equal(t, 2*statsAfterX.LogicalBytes, statsAfterY.LogicalBytes)
	assert.InDelta(t, 2.0, statsAfterY.Ratio(), 0.001)
	assert.Equal(t, int(statsAfterX.Chunks), store.Len(), "one physical copy per unique chunk")
}

func TestFailedWriteRunsCompensation(t *testing.T) {
	v := createTestVault(t, testOptions(t))
	store := testutil.NewMemStore()

	before, err := v.Stats()
	require.NoError(t, err)

	store.FailNthNextWrite(3)
	_, err = v.StoreObject("", "o", testutil.Payload(8000), store)
	require.Error(t, err)

	exists, err := v.ObjectExists("", "o")
	require.NoError(t, err)
	assert.False(t, exists)

	after, err := v.Stats()
	require.NoError(t, err)
	assert.Equal(t, before, after, "index state rolls back to the pre-call state")
	assert.Equal(t, 0, store.Len(), "written chunk bytes are cleaned up")
}

func TestCompensationKeepsSharedChunks(t *testing.T) {
	v := createTestVault(t, testOptions(t))
	store := testutil.NewMemStore()
	data := testutil.Payload(8000)

	_, err := v.StoreObject("", "a", data, store)
	require.NoError(t, err)
	after, err := v.Stats()
	require.NoError(t, err)
	chunkFiles := store.Len()

	// The same content under a new name fails partway; the shared chunks
	// stay referenced by "a" and must survive the cleanup.
	store.FailNthNextWrite(3)
	_, err = v.StoreObject("", "b", data, store)
	require.Error(t, err)

	stats, err := v.Stats()
	require.NoError(t, err)
	assert.Equal(t, after, stats)
	assert.Equal(t, chunkFiles, store.Len())

	got, err := v.RetrieveObject("", "a", store)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestStreamingStoreAndRetrieve(t *testing.T) {
	v := createTestVault(t, testOptions(t))
	store := testutil.NewMemStore()
	data := testutil.Payload(20000)

	meta, err := v.StoreObjectReader("", "obj", bytes.NewReader(data), uint64(len(data)), store)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(data)), meta.ContentLength)

	// Streaming and buffered chunking agree on keys.
	buffered, err := chunker.ChunkBytes(data, v.Config())
	require.NoError(t, err)
	require.Len(t, meta.Chunks, len(buffered))
	for i, e := range meta.Chunks {
		assert.Equal(t, buffered[i].Key, e.ChunkKey)
	}

	out, err := os.Create(filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)
	defer out.Close()

	require.NoError(t, v.RetrieveObjectTo("", "obj", out, store))
	got, err := os.ReadFile(out.Name())
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// The destination was seeked back to the origin.
	pos, err := out.Seek(0, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos)
}

func TestStreamingStoreCompensates(t *testing.T) {
	v := createTestVault(t, testOptions(t))
	store := testutil.NewMemStore()
	data := testutil.Payload(8000)

	store.FailNthNextWrite(2)
	_, err := v.StoreObjectReader("", "obj", bytes.NewReader(data), uint64(len(data)), store)
	require.Error(t, err)

	exists, err := v.ObjectExists("", "obj")
	require.NoError(t, err)
	assert.False(t, exists)

	stats, err := v.Stats()
	require.NoError(t, err)
	assert.Equal(t, index.Stats{}, stats)
	assert.Equal(t, 0, store.Len())
}

func TestDeleteObject(t *testing.T) {
	v := createTestVault(t, testOptions(t))
	store := testutil.NewMemStore()
	data := testutil.Payload(5000)

	_, err := v.StoreObject("", "obj", data, store)
	require.NoError(t, err)

	require.NoError(t, v.DeleteObject("", "obj", store))

	_, err = v.RetrieveObject("", "obj", store)
	assert.ErrorIs(t, err, ErrObjectNotFound)
	assert.Equal(t, 0, store.Len())

	err = v.DeleteObject("", "obj", store)
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestRetrieveDetectsMissingChunk(t *testing.T) {
	v := createTestVault(t, testOptions(t))
	store := testutil.NewMemStore()
	data := testutil.Payload(5000)

	meta, err := v.StoreObject("", "obj", data, store)
	require.NoError(t, err)

	require.NoError(t, store.DeleteChunk(meta.Chunks[0].ChunkKey))
	_, err = v.RetrieveObject("", "obj", store)
	assert.ErrorIs(t, err, ErrChunkUnreadable)

	// The index is untouched by a failed read.
	exists, err := v.ObjectExists("", "obj")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestReopenKeepsConfigAndData(t *testing.T) {
	opts := testOptions(t)
	v := createTestVault(t, opts)
	store := testutil.NewMemStore()
	data := testutil.Payload(6000)

	_, err := v.StoreObject("", "obj", data, store)
	require.NoError(t, err)
	require.NoError(t, v.Close())

	v2, err := Open(Options{Path: opts.Path, Logger: testutil.QuietLogger()})
	require.NoError(t, err)
	defer v2.Close()

	cfg := v2.Config()
	assert.Equal(t, opts.Chunking.MinChunkSize, cfg.MinChunkSize)
	assert.Equal(t, opts.Chunking.MaxChunkSize, cfg.MaxChunkSize)
	assert.Equal(t, opts.Chunking.ShiftCount, cfg.ShiftCount)
	assert.Equal(t, opts.Chunking.BoundaryCheckBytes, cfg.BoundaryCheckBytes)
	assert.False(t, v2.PoolMode())

	got, err := v2.RetrieveObject("", "obj", store)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestBackupWritesFile(t *testing.T) {
	v := createTestVault(t, testOptions(t))
	store := testutil.NewMemStore()
	_, err := v.StoreObject("", "obj", testutil.Payload(2000), store)
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "backup.xz")
	require.NoError(t, v.Backup(dst))
	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestContainerOpsRejectedOnFlat(t *testing.T) {
	v := createTestVault(t, testOptions(t))
	assert.ErrorIs(t, v.AddContainer("c1"), ErrInvalidArgument)
	_, err := v.ListContainers()
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.ErrorIs(t, v.DeleteContainer("c1", testutil.NewMemStore()), ErrInvalidArgument)
}
