package index

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/chunkvault/chunkvault/internal/kvstore"
	"github.com/chunkvault/chunkvault/pkg/chunker"
)

// Flat is the single-index backend: one badger database holding config,
// objects, edges and refcounted chunk rows.
type Flat struct {
	kv  *kvstore.Store
	log *logrus.Logger
}

// Options configure opening an index backend.
type Options struct {
	// Path is the index directory.
	Path string
	// MinimumFreeGB is the free-space threshold checked at open.
	MinimumFreeGB uint
	// Logger is an optional structured logger. If nil, logrus.New() is used.
	Logger *logrus.Logger
}

// OpenFlat creates or opens a flat index at opts.Path.
func OpenFlat(opts Options) (*Flat, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	kv, err := kvstore.Open(kvstore.Config{
		Path:          opts.Path,
		MinimumFreeGB: opts.MinimumFreeGB,
		Logger:        opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open flat index: %w", err)
	}
	return &Flat{kv: kv, log: opts.Logger}, nil
}

func (f *Flat) PutConfig(key, value string) error {
	return f.kv.Set(configKey(key), []byte(value))
}

func (f *Flat) GetConfig(key string) (string, error) {
	v, err := f.kv.Get(configKey(key))
	if errors.Is(err, kvstore.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrConfigNotFound, key)
	}
	if err != nil {
		return "", err
	}
	return string(v), nil
}

func (f *Flat) ObjectExists(container, object string) (bool, error) {
	if err := requireNoContainer(container); err != nil {
		return false, err
	}
	return f.kv.Has(objectKey(object))
}

func (f *Flat) ChunkExists(container, key string) (bool, error) {
	if err := requireNoContainer(container); err != nil {
		return false, err
	}
	return f.kv.Has(chunkKey(key))
}

func (f *Flat) AddObjectChunks(container, object string, contentLength uint64, chunks []chunker.Chunk) error {
	if err := requireNoContainer(container); err != nil {
		return err
	}
	return f.kv.Update(func(txn *badger.Txn) error {
		found, err := txnHas(txn, objectKey(object))
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("%w: %s", ErrObjectExists, object)
		}
		if err := txnSet(txn, objectKey(object), objectRecord{ContentLength: contentLength}); err != nil {
			return err
		}
		for _, c := range chunks {
			if err := insertEdge(txn, object, c); err != nil {
				return err
			}
		}
		return nil
	})
}

func (f *Flat) AddObjectChunk(container, object string, contentLength uint64, c chunker.Chunk) error {
	if err := requireNoContainer(container); err != nil {
		return err
	}
	return f.kv.Update(func(txn *badger.Txn) error {
		found, err := txnHas(txn, objectKey(object))
		if err != nil {
			return err
		}
		if !found {
			if err := txnSet(txn, objectKey(object), objectRecord{ContentLength: contentLength}); err != nil {
				return err
			}
		}
		return insertEdge(txn, object, c)
	})
}

func (f *Flat) GetObjectMetadata(container, object string) (ObjectMeta, error) {
	if err := requireNoContainer(container); err != nil {
		return ObjectMeta{}, err
	}
	meta := ObjectMeta{Name: object}
	err := f.kv.View(func(txn *badger.Txn) error {
		var obj objectRecord
		found, err := txnGet(txn, objectKey(object), &obj)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrObjectNotFound, object)
		}
		meta.ContentLength = obj.ContentLength
		meta.Chunks, err = readEdges(txn, object)
		return err
	})
	if err != nil {
		return ObjectMeta{}, err
	}
	return meta, nil
}

func (f *Flat) DeleteObjectChunks(container, object string) ([]string, error) {
	if err := requireNoContainer(container); err != nil {
		return nil, err
	}
	var zeroed []string
	err := f.kv.Update(func(txn *badger.Txn) error {
		found, err := txnHas(txn, objectKey(object))
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrObjectNotFound, object)
		}
		edges, err := readEdges(txn, object)
		if err != nil {
			return err
		}

		// An object may reference the same key through several edges;
		// decrement once per edge.
		decrements := make(map[string]uint64)
		for _, e := range edges {
			decrements[e.ChunkKey]++
			if err := txn.Delete(edgeKey(object, e.Ordinal)); err != nil {
				return err
			}
		}
		for key, n := range decrements {
			var rec chunkRecord
			found, err := txnGet(txn, chunkKey(key), &rec)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%w: edge references missing chunk row %s", ErrCorrupt, key)
			}
			if rec.Refcount <= n {
				if err := txn.Delete(chunkKey(key)); err != nil {
					return err
				}
				zeroed = append(zeroed, key)
				continue
			}
			rec.Refcount -= n
			if err := txnSet(txn, chunkKey(key), rec); err != nil {
				return err
			}
		}
		return txn.Delete(objectKey(object))
	})
	if err != nil {
		return nil, err
	}
	return zeroed, nil
}

func (f *Flat) ListObjects(container string) ([]string, error) {
	if err := requireNoContainer(container); err != nil {
		return nil, err
	}
	var names []string
	err := f.kv.ScanPrefix(prefixObject, func(key, _ []byte) error {
		names = append(names, string(key[len(prefixObject):]))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

func (f *Flat) Stats() (Stats, error) {
	var stats Stats
	err := f.kv.ScanPrefix(prefixObject, func(_, value []byte) error {
		var obj objectRecord
		if err := decodeRecord(value, &obj); err != nil {
			return err
		}
		stats.Objects++
		stats.LogicalBytes += obj.ContentLength
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	err = f.kv.ScanPrefix(prefixChunk, func(_, value []byte) error {
		var rec chunkRecord
		if err := decodeRecord(value, &rec); err != nil {
			return err
		}
		stats.Chunks++
		stats.PhysicalBytes += uint64(rec.Length)
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	return stats, nil
}

func (f *Flat) Backup(destination string) error {
	return f.kv.BackupFile(destination)
}

// Maintain runs the storage engine's sync/flatten/GC cycle.
func (f *Flat) Maintain() error {
	return f.kv.Clean()
}

func (f *Flat) Close() error {
	return f.kv.Close()
}

// incrementAllRefcounts bumps every chunk row by one. Used when a second
// external reference to this index's chunk bytes comes into existence
// (container import or clone).
func (f *Flat) incrementAllRefcounts() error {
	type row struct {
		key []byte
		rec chunkRecord
	}
	var rows []row
	err := f.kv.ScanPrefix(prefixChunk, func(key, value []byte) error {
		var rec chunkRecord
		if err := decodeRecord(value, &rec); err != nil {
			return err
		}
		rows = append(rows, row{key: key, rec: rec})
		return nil
	})
	if err != nil {
		return err
	}
	for _, r := range rows {
		r.rec.Refcount++
		b, err := encodeRecord(r.rec)
		if err != nil {
			return err
		}
		if err := f.kv.Set(r.key, b); err != nil {
			return err
		}
	}
	return nil
}

func insertEdge(txn *badger.Txn, object string, c chunker.Chunk) error {
	err := txnSet(txn, edgeKey(object, c.Ordinal), edgeRecord{
		ChunkKey: c.Key,
		Position: c.Position,
		Length:   c.Length,
	})
	if err != nil {
		return err
	}
	var rec chunkRecord
	found, err := txnGet(txn, chunkKey(c.Key), &rec)
	if err != nil {
		return err
	}
	if found {
		rec.Refcount++
	} else {
		rec = chunkRecord{Length: c.Length, Refcount: 1}
	}
	return txnSet(txn, chunkKey(c.Key), rec)
}

func readEdges(txn *badger.Txn, object string) ([]Edge, error) {
	prefix := edgePrefix(object)
	opts := badger.DefaultIteratorOptions
	it := txn.NewIterator(opts)
	defer it.Close()

	var edges []Edge
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		ordinal, err := edgeOrdinal(key, object)
		if err != nil {
			return nil, err
		}
		value, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		var rec edgeRecord
		if err := decodeRecord(value, &rec); err != nil {
			return nil, err
		}
		edges = append(edges, Edge{
			Ordinal:  ordinal,
			Position: rec.Position,
			Length:   rec.Length,
			ChunkKey: rec.ChunkKey,
		})
	}
	return edges, nil
}

func txnHas(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func txnGet(txn *badger.Txn, key []byte, v any) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return false, err
	}
	return true, decodeRecord(value, v)
}

func txnSet(txn *badger.Txn, key []byte, v any) error {
	b, err := encodeRecord(v)
	if err != nil {
		return err
	}
	return txn.Set(key, b)
}
