package chunkvault

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkvault/chunkvault/internal/testutil"
)

func createPoolVault(t *testing.T) *Vault {
	t.Helper()
	opts := testOptions(t)
	opts.IndexPerObject = true
	v, err := Create(opts)
	require.NoError(t, err)
	require.True(t, v.PoolMode())
	t.Cleanup(func() { v.Close() })
	return v
}

func TestPoolRequiresContainerName(t *testing.T) {
	v := createPoolVault(t)
	store := testutil.NewMemStore()

	_, err := v.StoreObject("", "obj", testutil.Payload(500), store)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = v.StoreObject("ghost", "obj", testutil.Payload(500), store)
	assert.ErrorIs(t, err, ErrContainerNotFound)
}

func TestPoolContainersIsolateObjects(t *testing.T) {
	v := createPoolVault(t)
	// Refcounts are scoped per container, so each container gets its own
	// external chunk namespace as well.
	storeC1 := testutil.NewMemStore()
	storeC2 := testutil.NewMemStore()
	data := testutil.Payload(4096)

	require.NoError(t, v.AddContainer("c1"))
	require.NoError(t, v.AddContainer("c2"))

	_, err := v.StoreObject("c1", "obj", data, storeC1)
	require.NoError(t, err)
	_, err = v.StoreObject("c2", "obj", data, storeC2)
	require.NoError(t, err)

	containers, err := v.ListContainers()
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, containers)

	// Each container's index reports the chunks independently.
	stats, err := v.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stats.Containers)
	assert.Equal(t, uint64(2), stats.Objects)
	assert.Equal(t, 2*uint64(len(data)), stats.LogicalBytes)

	require.NoError(t, v.DeleteContainer("c1", storeC1))
	assert.Equal(t, 0, storeC1.Len())

	containers, err = v.ListContainers()
	require.NoError(t, err)
	assert.Equal(t, []string{"c2"}, containers)

	got, err := v.RetrieveObject("c2", "obj", storeC2)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	exists, err := v.ObjectExists("c2", "obj")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestPoolDeleteContainerRemovesObjects(t *testing.T) {
	v := createPoolVault(t)
	store := testutil.NewMemStore()

	require.NoError(t, v.AddContainer("c1"))
	for _, name := range []string{"a", "b", "c"} {
		_, err := v.StoreObject("c1", name, testutil.Payload(2000), store)
		require.NoError(t, err)
	}

	require.NoError(t, v.DeleteContainer("c1", store))
	assert.Equal(t, 0, store.Len(), "all zeroed chunk bytes removed")

	stats, err := v.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), stats.Containers)
}

func TestPoolBackupContainerIndex(t *testing.T) {
	v := createPoolVault(t)
	store := testutil.NewMemStore()
	data := testutil.Payload(4096)

	require.NoError(t, v.AddContainer("src"))
	_, err := v.StoreObject("src", "obj", data, store)
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "clone")
	require.NoError(t, v.BackupContainerIndex("src", dst, "clone", true))

	got, err := v.RetrieveObject("clone", "obj", store)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// The clone's bumped refcounts keep chunk bytes alive when its only
	// object goes away.
	require.NoError(t, v.DeleteObject("clone", "obj", store))
	got, err = v.RetrieveObject("src", "obj", store)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestPoolSurvivesReopen(t *testing.T) {
	opts := testOptions(t)
	opts.IndexPerObject = true
	v, err := Create(opts)
	require.NoError(t, err)
	store := testutil.NewMemStore()
	data := testutil.Payload(3000)

	require.NoError(t, v.AddContainer("c1"))
	_, err = v.StoreObject("c1", "obj", data, store)
	require.NoError(t, err)
	require.NoError(t, v.Close())

	v2, err := Open(Options{Path: opts.Path, Logger: testutil.QuietLogger()})
	require.NoError(t, err)
	defer v2.Close()
	require.True(t, v2.PoolMode())

	got, err := v2.RetrieveObject("c1", "obj", store)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}
