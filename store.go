package chunkvault

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/chunkvault/chunkvault/pkg/chunker"
	"github.com/chunkvault/chunkvault/pkg/index"
)

// StoreObject chunks data and records it under name. The write is
// two-phase: all edges are inserted into the index in one transaction, then
// the chunk bytes are handed to the store. A failed chunk write triggers the
// compensation path, which restores the index to its prior state and
// best-effort deletes the chunk bytes that no longer have a reference; a
// failed index insert leaves nothing behind, its transaction being atomic.
//
// StoreObject fails with ErrObjectExists when the name is taken; use
// StoreOrReplaceObject to overwrite.
func (v *Vault) StoreObject(container, name string, data []byte, store ChunkStore) (index.ObjectMeta, error) {
	return v.storeObject(container, name, data, store, false)
}

// StoreOrReplaceObject is StoreObject preceded by deletion of any existing
// object of the same name.
func (v *Vault) StoreOrReplaceObject(container, name string, data []byte, store ChunkStore) (index.ObjectMeta, error) {
	return v.storeObject(container, name, data, store, true)
}

func (v *Vault) storeObject(container, name string, data []byte, store ChunkStore, replace bool) (index.ObjectMeta, error) {
	container, name, err := v.storeArgs(container, name, store)
	if err != nil {
		return index.ObjectMeta{}, err
	}
	if len(data) == 0 {
		return index.ObjectMeta{}, fmt.Errorf("%w: empty object data", ErrInvalidArgument)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.prepareTarget(container, name, store, replace); err != nil {
		return index.ObjectMeta{}, err
	}

	chunks, err := chunker.ChunkBytes(data, v.cfg)
	if err != nil {
		return index.ObjectMeta{}, fmt.Errorf("chunk object %s: %w", name, err)
	}

	if err := v.store.AddObjectChunks(container, name, uint64(len(data)), chunks); err != nil {
		return index.ObjectMeta{}, fmt.Errorf("index object %s: %w", name, err)
	}
	for _, c := range chunks {
		if err := store.WriteChunk(c); err != nil {
			v.compensate(container, name, store)
			return index.ObjectMeta{}, fmt.Errorf("write chunk %d of object %s: %w", c.Ordinal, name, err)
		}
	}
	return objectMeta(name, uint64(len(data)), chunks), nil
}

// StoreObjectReader is the streaming variant of StoreObject: length bytes
// are read sequentially from r, and edge insertion is interleaved with byte
// writes per chunk so memory stays bounded by one window plus one emerging
// chunk. The same compensation guarantee applies.
func (v *Vault) StoreObjectReader(container, name string, r io.Reader, length uint64, store ChunkStore) (index.ObjectMeta, error) {
	container, name, err := v.storeArgs(container, name, store)
	if err != nil {
		return index.ObjectMeta{}, err
	}
	if r == nil {
		return index.ObjectMeta{}, fmt.Errorf("%w: nil reader", ErrInvalidArgument)
	}
	if length == 0 {
		return index.ObjectMeta{}, fmt.Errorf("%w: empty object data", ErrInvalidArgument)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.prepareTarget(container, name, store, false); err != nil {
		return index.ObjectMeta{}, err
	}

	var (
		chunks   []chunker.Chunk
		stepErr  error
		inserted bool
	)
	err = chunker.ChunkStream(r, length, v.cfg, func(c chunker.Chunk) bool {
		if stepErr = v.store.AddObjectChunk(container, name, length, c); stepErr != nil {
			stepErr = fmt.Errorf("index chunk %d of object %s: %w", c.Ordinal, name, stepErr)
			return false
		}
		inserted = true
		if stepErr = store.WriteChunk(c); stepErr != nil {
			stepErr = fmt.Errorf("write chunk %d of object %s: %w", c.Ordinal, name, stepErr)
			return false
		}
		c.Data = nil // bytes are the store's problem now
		chunks = append(chunks, c)
		return true
	})
	if err != nil {
		if inserted {
			v.compensate(container, name, store)
		}
		if stepErr != nil && errors.Is(err, chunker.ErrProcessAborted) {
			return index.ObjectMeta{}, stepErr
		}
		return index.ObjectMeta{}, fmt.Errorf("chunk object %s: %w", name, err)
	}
	return objectMeta(name, length, chunks), nil
}

func (v *Vault) storeArgs(container, name string, store ChunkStore) (string, string, error) {
	container, err := v.scope(container)
	if err != nil {
		return "", "", err
	}
	if name == "" {
		return "", "", fmt.Errorf("%w: empty object name", ErrInvalidArgument)
	}
	if store == nil {
		return "", "", fmt.Errorf("%w: nil chunk store", ErrInvalidArgument)
	}
	return container, SanitizeName(name), nil
}

// prepareTarget enforces the name-conflict rule under the lock: reject when
// the object exists, or delete it first when replacing.
func (v *Vault) prepareTarget(container, name string, store ChunkStore, replace bool) error {
	exists, err := v.store.ObjectExists(container, name)
	if err != nil {
		return v.mapIndexErr(err)
	}
	if !exists {
		return nil
	}
	if !replace {
		return fmt.Errorf("%w: %s", ErrObjectExists, name)
	}
	return v.deleteObjectLocked(container, name, store)
}

// compensate is the garbage-collect path of a failed store: remove every
// edge of the half-written object, then best-effort delete the chunk bytes
// whose refcount dropped to zero. The index is authoritative; chunk store
// failures here are logged and otherwise ignored.
func (v *Vault) compensate(container, name string, store ChunkStore) {
	zeroed, err := v.store.DeleteObjectChunks(container, name)
	if err != nil {
		if errors.Is(err, index.ErrObjectNotFound) {
			return // nothing made it into the index
		}
		v.log.WithFields(logrus.Fields{
			"object":    name,
			"container": container,
		}).Errorf("compensation could not roll back index: %v", err)
		return
	}
	for _, key := range zeroed {
		if err := store.DeleteChunk(key); err != nil {
			v.log.WithFields(logrus.Fields{
				"object": name,
				"chunk":  key,
			}).Warnf("compensation could not delete chunk bytes: %v", err)
		}
	}
}

func objectMeta(name string, contentLength uint64, chunks []chunker.Chunk) index.ObjectMeta {
	meta := index.ObjectMeta{Name: name, ContentLength: contentLength}
	for _, c := range chunks {
		meta.Chunks = append(meta.Chunks, index.Edge{
			Ordinal:  c.Ordinal,
			Position: c.Position,
			Length:   c.Length,
			ChunkKey: c.Key,
		})
	}
	return meta
}

// mapIndexErr translates index sentinels into the façade's error taxonomy.
func (v *Vault) mapIndexErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, index.ErrObjectNotFound):
		return fmt.Errorf("%w: %v", ErrObjectNotFound, err)
	case errors.Is(err, index.ErrContainerNotFound):
		return fmt.Errorf("%w: %v", ErrContainerNotFound, err)
	case errors.Is(err, index.ErrObjectExists):
		return fmt.Errorf("%w: %v", ErrObjectExists, err)
	case errors.Is(err, index.ErrNoContainers), errors.Is(err, index.ErrContainerRequired):
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	case errors.Is(err, index.ErrCorrupt):
		return fmt.Errorf("%w: %v", ErrCorruptIndex, err)
	default:
		return err
	}
}
