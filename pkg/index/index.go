// Package index persists the dedup index: the immutable chunking
// configuration, the mapping from objects to their ordered chunk sequences,
// and the per-chunk reference counts. The index is the source of truth for
// which chunk bytes are expected to exist in external storage.
//
// Two backends share one contract. Flat keeps everything in a single index;
// Pool keeps a registry of containers, each owning its own flat index with
// independently scoped reference counts. Callers select a backend once at
// index creation; the persisted index_per_object config row records the
// choice.
package index

import (
	"errors"
	"fmt"

	"github.com/chunkvault/chunkvault/pkg/chunker"
)

// Config row names. Written once at index creation, read-only thereafter.
const (
	ConfigMinChunkSize       = "min_chunk_size"
	ConfigMaxChunkSize       = "max_chunk_size"
	ConfigShiftCount         = "shift_count"
	ConfigBoundaryCheckBytes = "boundary_check_bytes"
	ConfigIndexPerObject     = "index_per_object"
)

var (
	ErrObjectNotFound    = errors.New("index: object not found")
	ErrObjectExists      = errors.New("index: object already exists")
	ErrConfigNotFound    = errors.New("index: config row not found")
	ErrContainerNotFound = errors.New("index: container not found")
	ErrContainerExists   = errors.New("index: container already exists")
	// ErrNoContainers is returned when a flat index is addressed with a
	// container name.
	ErrNoContainers = errors.New("index: flat index has no containers")
	// ErrContainerRequired is returned when a pool index is addressed
	// without a container name.
	ErrContainerRequired = errors.New("index: container name required in pool mode")
	// ErrCorrupt marks schema-level damage found while reading rows: an
	// undecodable record, a malformed edge key, or an edge whose chunk row
	// is missing.
	ErrCorrupt = errors.New("index: corrupt index")
)

// Edge is one object→chunk reference.
type Edge struct {
	Ordinal  uint32
	Position uint64
	Length   uint32
	ChunkKey string
}

// ObjectMeta is an object row plus its ordered edges.
type ObjectMeta struct {
	Name          string
	ContentLength uint64
	Chunks        []Edge
}

// Stats summarizes an index. LogicalBytes is the sum of object content
// lengths; PhysicalBytes counts every unique chunk once.
type Stats struct {
	Objects       uint64
	Containers    uint64
	Chunks        uint64
	LogicalBytes  uint64
	PhysicalBytes uint64
}

// Ratio returns the deduplication ratio, logical over physical bytes.
func (s Stats) Ratio() float64 {
	if s.PhysicalBytes == 0 {
		return 0
	}
	return float64(s.LogicalBytes) / float64(s.PhysicalBytes)
}

// Store is the persistent index contract. Flat backends require an empty
// container argument; the pool backend requires a non-empty one on every
// object-scoped operation.
type Store interface {
	PutConfig(key, value string) error
	// GetConfig returns ErrConfigNotFound for a missing row.
	GetConfig(key string) (string, error)

	ObjectExists(container, object string) (bool, error)
	ChunkExists(container, key string) (bool, error)

	// AddObjectChunks inserts the object row and all edges in one
	// transaction; per chunk key the chunk row is inserted with refcount 1
	// or its refcount is incremented.
	AddObjectChunks(container, object string, contentLength uint64, chunks []chunker.Chunk) error
	// AddObjectChunk is the streaming form, appending one edge at a time.
	// The object row is created on the first call.
	AddObjectChunk(container, object string, contentLength uint64, c chunker.Chunk) error

	GetObjectMetadata(container, object string) (ObjectMeta, error)
	// DeleteObjectChunks removes the object row and all edges, decrements
	// the referenced chunks and returns the keys whose refcount reached
	// zero (their rows are gone when it returns).
	DeleteObjectChunks(container, object string) ([]string, error)

	ListObjects(container string) ([]string, error)
	Stats() (Stats, error)
	// Maintain runs the storage engine's sync/flatten/GC cycle.
	Maintain() error
	// Backup writes an xz-compressed backup stream of the index to the file
	// at destination. For a pool index this covers the registry; containers
	// are backed up individually.
	Backup(destination string) error
	Close() error
}

// ContainerStore is the pool-mode extension of Store.
type ContainerStore interface {
	Store

	AddContainer(name string) error
	// RemoveContainer deregisters the container and deletes its index files
	// when they live directly in the pool's containers directory.
	RemoveContainer(name string) error
	ListContainers() ([]string, error)

	// ImportContainerIndex registers the container index at path under a
	// new name. With incrementRefcount every chunk row in that index is
	// incremented by one, accounting for the additional external reference.
	ImportContainerIndex(name, path string, incrementRefcount bool) error
	// BackupContainerIndex clones the src container's index into a fresh
	// index at destination, copying refcounts as-is or incremented by one.
	// A non-empty newName also registers the clone as a container.
	BackupContainerIndex(src, destination, newName string, incrementRefcount bool) error
}

func requireNoContainer(container string) error {
	if container != "" {
		return fmt.Errorf("%w: got container %q", ErrNoContainers, container)
	}
	return nil
}

func requireContainer(container string) error {
	if container == "" {
		return ErrContainerRequired
	}
	return nil
}
