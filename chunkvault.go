// Package chunkvault is an embedded content-addressed deduplication
// library. An object (an opaque byte sequence under a caller-chosen name)
// is split into variable-size chunks at content-defined boundaries, each
// chunk is keyed by its content hash, and the object→chunk mapping is
// recorded in a persistent index with per-chunk reference counts. Identical
// chunks from any object share one physical copy.
//
// Physical chunk bytes are delegated to a caller-supplied ChunkStore; the
// library owns only the index and the chunking algorithm. The index is the
// source of truth: a surviving object row implies every referenced chunk's
// bytes are believed present in the external store, while orphaned external
// bytes after a failed cleanup are acceptable and can be reconciled
// out-of-band. There is no crash-atomic guarantee for the external store.
//
// A Vault operates in one of two shapes, fixed at index creation: flat (one
// index, one namespace) or pool mode (a pool registry plus one index per
// container, with reference counts scoped per container).
package chunkvault

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/chunkvault/chunkvault/pkg/chunker"
	"github.com/chunkvault/chunkvault/pkg/index"
)

var (
	// ErrInvalidArgument marks failed validation of names, sizes or streams.
	// The call had no effect.
	ErrInvalidArgument = errors.New("chunkvault: invalid argument")
	// ErrObjectExists is returned by StoreObject when the name is taken.
	ErrObjectExists = errors.New("chunkvault: object already exists")
	// ErrObjectNotFound is returned when the named object has no index row.
	ErrObjectNotFound = errors.New("chunkvault: object not found")
	// ErrContainerNotFound is returned in pool mode for an unknown container.
	ErrContainerNotFound = errors.New("chunkvault: container not found")
	// ErrChunkUnreadable is returned when the chunk store cannot produce a
	// chunk the index references. The index is left untouched.
	ErrChunkUnreadable = errors.New("chunkvault: chunk unreadable")
	// ErrIndexExists is returned by Create when the path already holds an
	// index.
	ErrIndexExists = errors.New("chunkvault: index already exists")
	// ErrCorruptIndex is returned by Open when config rows are missing or
	// unparsable.
	ErrCorruptIndex = errors.New("chunkvault: corrupt index")
)

// ChunkStore is the caller-supplied backend for physical chunk bytes. The
// library invokes it with its serialization lock held; implementations must
// not call back into the Vault on the same goroutine.
type ChunkStore interface {
	// WriteChunk durably persists c.Data under c.Key. Writing an already
	// present key again must be harmless: identical keys carry identical
	// bytes.
	WriteChunk(c chunker.Chunk) error
	// ReadChunk returns the bytes previously written under key. A nil slice
	// with a nil error means the key is unknown.
	ReadChunk(key string) ([]byte, error)
	// DeleteChunk removes the bytes under key, best-effort.
	DeleteChunk(key string) error
}

// Options configures Create and Open.
type Options struct {
	// Path is the index directory.
	Path string
	// Chunking holds the four chunking parameters. Used by Create only and
	// immutable afterwards; Open reads them back from the index.
	Chunking chunker.Config
	// IndexPerObject selects pool mode at creation: a pool registry with a
	// separate index per container. Used by Create only.
	IndexPerObject bool
	// MinimumFreeGB is a free-space threshold for the index directory.
	MinimumFreeGB uint
	// Logger is an optional structured logger. If nil, logrus.New() is used.
	Logger *logrus.Logger
}

// Vault is an open dedup index. Methods are safe for concurrent use; every
// operation serializes on one per-instance lock, held across index mutation
// and chunk store callbacks alike.
type Vault struct {
	mu  sync.Mutex
	log *logrus.Logger
	cfg chunker.Config

	store index.Store
	pool  *index.Pool // non-nil in pool mode

	closeOnce sync.Once
}

// Create initializes a new index at opts.Path and returns the open Vault.
// It fails if the path already holds an index or the chunking parameters
// are invalid.
func Create(opts Options) (*Vault, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	opts.Chunking.Logger = opts.Logger
	if err := opts.Chunking.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("%w: empty index path", ErrInvalidArgument)
	}
	if entries, err := os.ReadDir(opts.Path); err == nil && len(entries) > 0 {
		return nil, fmt.Errorf("%w: %s is not empty", ErrIndexExists, opts.Path)
	}

	store, pool, err := openBackend(opts.Path, opts.IndexPerObject, opts.MinimumFreeGB, opts.Logger)
	if err != nil {
		return nil, err
	}
	rows := map[string]string{
		index.ConfigMinChunkSize:       strconv.Itoa(opts.Chunking.MinChunkSize),
		index.ConfigMaxChunkSize:       strconv.Itoa(opts.Chunking.MaxChunkSize),
		index.ConfigShiftCount:         strconv.Itoa(opts.Chunking.ShiftCount),
		index.ConfigBoundaryCheckBytes: strconv.Itoa(opts.Chunking.BoundaryCheckBytes),
		index.ConfigIndexPerObject:     strconv.FormatBool(opts.IndexPerObject),
	}
	for key, value := range rows {
		if err := store.PutConfig(key, value); err != nil {
			store.Close()
			return nil, fmt.Errorf("persist config row %s: %w", key, err)
		}
	}

	opts.Logger.WithFields(logrus.Fields{
		"path": opts.Path,
		"pool": opts.IndexPerObject,
	}).Info("index created")

	return &Vault{log: opts.Logger, cfg: opts.Chunking, store: store, pool: pool}, nil
}

// Open opens an existing index at opts.Path, reading the chunking
// parameters and shape back from its config rows. Missing or unparsable
// rows are fatal.
func Open(opts Options) (*Vault, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("%w: empty index path", ErrInvalidArgument)
	}
	// The pool registry lives in a "pool" subdirectory; its presence tells
	// the two shapes apart before any config row can be read.
	_, err := os.Stat(filepath.Join(opts.Path, "pool"))
	poolMode := err == nil

	store, pool, err := openBackend(opts.Path, poolMode, opts.MinimumFreeGB, opts.Logger)
	if err != nil {
		return nil, err
	}

	cfg, err := readChunkingConfig(store)
	if err != nil {
		store.Close()
		return nil, err
	}
	cfg.Logger = opts.Logger

	flag, err := store.GetConfig(index.ConfigIndexPerObject)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("%w: %v", ErrCorruptIndex, err)
	}
	if persisted, err := strconv.ParseBool(flag); err != nil || persisted != poolMode {
		store.Close()
		return nil, fmt.Errorf("%w: index_per_object row %q does not match on-disk layout", ErrCorruptIndex, flag)
	}

	return &Vault{log: opts.Logger, cfg: cfg, store: store, pool: pool}, nil
}

// Close releases the index. Close is idempotent.
func (v *Vault) Close() error {
	var closeErr error
	v.closeOnce.Do(func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		closeErr = v.store.Close()
	})
	return closeErr
}

// Maintain runs the index storage engine's maintenance cycle (sync, compact,
// value-log GC). Scheduling is left to the embedding application.
func (v *Vault) Maintain() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.store.Maintain()
}

// Config returns the chunking parameters the index was created with.
func (v *Vault) Config() chunker.Config { return v.cfg }

// PoolMode reports whether the index uses the pool+container shape.
func (v *Vault) PoolMode() bool { return v.pool != nil }

func openBackend(path string, poolMode bool, minFreeGB uint, log *logrus.Logger) (index.Store, *index.Pool, error) {
	opts := index.Options{Path: path, MinimumFreeGB: minFreeGB, Logger: log}
	if poolMode {
		p, err := index.OpenPool(opts)
		if err != nil {
			return nil, nil, err
		}
		return p, p, nil
	}
	f, err := index.OpenFlat(opts)
	if err != nil {
		return nil, nil, err
	}
	return f, nil, nil
}

func readChunkingConfig(store index.Store) (chunker.Config, error) {
	read := func(key string) (int, error) {
		raw, err := store.GetConfig(key)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrCorruptIndex, err)
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("%w: config row %s holds %q", ErrCorruptIndex, key, raw)
		}
		return n, nil
	}
	var cfg chunker.Config
	var err error
	if cfg.MinChunkSize, err = read(index.ConfigMinChunkSize); err != nil {
		return chunker.Config{}, err
	}
	if cfg.MaxChunkSize, err = read(index.ConfigMaxChunkSize); err != nil {
		return chunker.Config{}, err
	}
	if cfg.ShiftCount, err = read(index.ConfigShiftCount); err != nil {
		return chunker.Config{}, err
	}
	if cfg.BoundaryCheckBytes, err = read(index.ConfigBoundaryCheckBytes); err != nil {
		return chunker.Config{}, err
	}
	return cfg, nil
}

// scope validates and sanitizes the container argument for the vault's
// shape: pool mode requires a container name, flat mode forbids one.
func (v *Vault) scope(container string) (string, error) {
	if v.pool == nil {
		if container != "" {
			return "", fmt.Errorf("%w: container %q given to a flat index", ErrInvalidArgument, container)
		}
		return "", nil
	}
	if container == "" {
		return "", fmt.Errorf("%w: container name required in pool mode", ErrInvalidArgument)
	}
	return SanitizeName(container), nil
}

// SanitizeName maps an object or container name onto the characters safe
// for storage keys: every byte outside [A-Za-z0-9._-] becomes '_'. The
// mapping is deterministic, so repeated calls with the same input address
// the same object.
func SanitizeName(name string) string {
	out := []byte(name)
	for i, b := range out {
		switch {
		case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		case b == '.', b == '_', b == '-':
		default:
			out[i] = '_'
		}
	}
	return string(out)
}
