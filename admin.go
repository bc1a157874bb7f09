package chunkvault

import (
	"fmt"

	"github.com/chunkvault/chunkvault/pkg/index"
)

// ObjectExists reports whether the named object has an index row. In pool
// mode the check is scoped to the given container.
func (v *Vault) ObjectExists(container, name string) (bool, error) {
	container, err := v.scope(container)
	if err != nil {
		return false, err
	}
	if name == "" {
		return false, fmt.Errorf("%w: empty object name", ErrInvalidArgument)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	exists, err := v.store.ObjectExists(container, SanitizeName(name))
	if err != nil {
		return false, v.mapIndexErr(err)
	}
	return exists, nil
}

// ChunkExists reports whether the chunk key has an index row.
func (v *Vault) ChunkExists(container, key string) (bool, error) {
	container, err := v.scope(container)
	if err != nil {
		return false, err
	}
	if key == "" {
		return false, fmt.Errorf("%w: empty chunk key", ErrInvalidArgument)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	exists, err := v.store.ChunkExists(container, key)
	if err != nil {
		return false, v.mapIndexErr(err)
	}
	return exists, nil
}

// ListObjects returns the object names of the index, or of one container in
// pool mode.
func (v *Vault) ListObjects(container string) ([]string, error) {
	container, err := v.scope(container)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	names, err := v.store.ListObjects(container)
	if err != nil {
		return nil, v.mapIndexErr(err)
	}
	return names, nil
}

// Stats summarizes the index: object and chunk counts, logical versus
// physical bytes and the deduplication ratio.
func (v *Vault) Stats() (index.Stats, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.store.Stats()
}

// Backup writes an xz-compressed backup of the index to the file at
// destination. In pool mode this covers the pool registry; containers are
// backed up individually with BackupContainerIndex.
func (v *Vault) Backup(destination string) error {
	if destination == "" {
		return fmt.Errorf("%w: empty backup destination", ErrInvalidArgument)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.store.Backup(destination)
}

// AddContainer registers a new empty container. Pool mode only.
func (v *Vault) AddContainer(name string) error {
	pool, err := v.requirePool(name)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mapIndexErr(pool.AddContainer(SanitizeName(name)))
}

// ListContainers returns the registered container names. Pool mode only.
func (v *Vault) ListContainers() ([]string, error) {
	if v.pool == nil {
		return nil, fmt.Errorf("%w: flat index has no containers", ErrInvalidArgument)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	names, err := v.pool.ListContainers()
	if err != nil {
		return nil, v.mapIndexErr(err)
	}
	return names, nil
}

// ImportContainerIndex registers the container index at path under a new
// container name; with incrementRefcount every chunk row of that index is
// bumped by one to account for the additional external reference. Pool mode
// only.
func (v *Vault) ImportContainerIndex(name, path string, incrementRefcount bool) error {
	pool, err := v.requirePool(name)
	if err != nil {
		return err
	}
	if path == "" {
		return fmt.Errorf("%w: empty index path", ErrInvalidArgument)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mapIndexErr(pool.ImportContainerIndex(SanitizeName(name), path, incrementRefcount))
}

// BackupContainerIndex clones the src container's index to destination,
// with refcounts copied as-is or incremented by one; a non-empty newName
// registers the clone as a container of this pool. Pool mode only.
func (v *Vault) BackupContainerIndex(src, destination, newName string, incrementRefcount bool) error {
	pool, err := v.requirePool(src)
	if err != nil {
		return err
	}
	if destination == "" {
		return fmt.Errorf("%w: empty backup destination", ErrInvalidArgument)
	}
	if newName != "" {
		newName = SanitizeName(newName)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mapIndexErr(pool.BackupContainerIndex(SanitizeName(src), destination, newName, incrementRefcount))
}

func (v *Vault) requirePool(name string) (*index.Pool, error) {
	if v.pool == nil {
		return nil, fmt.Errorf("%w: flat index has no containers", ErrInvalidArgument)
	}
	if name == "" {
		return nil, fmt.Errorf("%w: empty container name", ErrInvalidArgument)
	}
	return v.pool, nil
}
