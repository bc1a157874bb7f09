package chunkvault

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// DeleteObject removes the named object from the index and best-effort
// deletes every chunk whose refcount reached zero. Chunk store failures are
// logged, not rolled back: the index is authoritative, orphaned external
// bytes can be reconciled out-of-band.
func (v *Vault) DeleteObject(container, name string, store ChunkStore) error {
	container, name, err := v.storeArgs(container, name, store)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	return v.deleteObjectLocked(container, name, store)
}

func (v *Vault) deleteObjectLocked(container, name string, store ChunkStore) error {
	zeroed, err := v.store.DeleteObjectChunks(container, name)
	if err != nil {
		return v.mapIndexErr(err)
	}
	for _, key := range zeroed {
		if err := store.DeleteChunk(key); err != nil {
			v.log.WithFields(logrus.Fields{
				"object": name,
				"chunk":  key,
			}).Warnf("could not delete chunk bytes: %v", err)
		}
	}
	return nil
}

// DeleteContainer deletes every object in the container, then removes the
// container itself. The listing is repeated until it comes back empty, so
// objects inserted while the deletion runs are caught as well.
func (v *Vault) DeleteContainer(name string, store ChunkStore) error {
	if v.pool == nil {
		return fmt.Errorf("%w: flat index has no containers", ErrInvalidArgument)
	}
	if name == "" {
		return fmt.Errorf("%w: empty container name", ErrInvalidArgument)
	}
	if store == nil {
		return fmt.Errorf("%w: nil chunk store", ErrInvalidArgument)
	}
	name = SanitizeName(name)

	v.mu.Lock()
	defer v.mu.Unlock()

	for {
		objects, err := v.store.ListObjects(name)
		if err != nil {
			return v.mapIndexErr(err)
		}
		if len(objects) == 0 {
			break
		}
		for _, object := range objects {
			if err := v.deleteObjectLocked(name, object, store); err != nil {
				return err
			}
		}
	}
	return v.mapIndexErr(v.pool.RemoveContainer(name))
}
