package index

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/chunkvault/chunkvault/internal/kvstore"
	"github.com/chunkvault/chunkvault/pkg/chunker"
)

// Pool is the pool+container backend. The pool database holds the config
// and the container registry; every container owns a flat index of its own,
// so reference counts are scoped per container and cross-container
// deduplication does not happen.
type Pool struct {
	root string
	opts Options
	kv   *kvstore.Store
	log  *logrus.Logger

	// containers caches open container indexes for the pool's lifetime.
	containers map[string]*Flat
}

// OpenPool creates or opens a pool index rooted at opts.Path. The registry
// database lives under <root>/pool; containers created through AddContainer
// live under <root>/containers/<name>.
func OpenPool(opts Options) (*Pool, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	kv, err := kvstore.Open(kvstore.Config{
		Path:          filepath.Join(opts.Path, "pool"),
		MinimumFreeGB: opts.MinimumFreeGB,
		Logger:        opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open pool index: %w", err)
	}
	return &Pool{
		root:       opts.Path,
		opts:       opts,
		kv:         kv,
		log:        opts.Logger,
		containers: make(map[string]*Flat),
	}, nil
}

func (p *Pool) PutConfig(key, value string) error {
	return p.kv.Set(configKey(key), []byte(value))
}

func (p *Pool) GetConfig(key string) (string, error) {
	v, err := p.kv.Get(configKey(key))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return "", fmt.Errorf("%w: %s", ErrConfigNotFound, key)
		}
		return "", err
	}
	return string(v), nil
}

// container returns the open index for name, opening it from the registry
// row on first use.
func (p *Pool) container(name string) (*Flat, error) {
	if err := requireContainer(name); err != nil {
		return nil, err
	}
	if c, ok := p.containers[name]; ok {
		return c, nil
	}
	raw, err := p.kv.Get(containerKey(name))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, name)
		}
		return nil, err
	}
	var rec containerRecord
	if err := decodeRecord(raw, &rec); err != nil {
		return nil, err
	}
	c, err := OpenFlat(Options{
		Path:          rec.IndexLocation,
		MinimumFreeGB: p.opts.MinimumFreeGB,
		Logger:        p.log,
	})
	if err != nil {
		return nil, fmt.Errorf("open container index %s: %w", name, err)
	}
	p.containers[name] = c
	return c, nil
}

func (p *Pool) AddContainer(name string) error {
	if err := requireContainer(name); err != nil {
		return err
	}
	found, err := p.kv.Has(containerKey(name))
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("%w: %s", ErrContainerExists, name)
	}
	location := filepath.Join(p.root, "containers", name)
	c, err := OpenFlat(Options{
		Path:          location,
		MinimumFreeGB: p.opts.MinimumFreeGB,
		Logger:        p.log,
	})
	if err != nil {
		return fmt.Errorf("create container index %s: %w", name, err)
	}
	if err := p.registerContainer(name, location); err != nil {
		c.Close()
		return err
	}
	p.containers[name] = c
	p.log.WithFields(logrus.Fields{
		"container": name,
		"location":  location,
	}).Info("container added")
	return nil
}

func (p *Pool) RemoveContainer(name string) error {
	raw, err := p.kv.Get(containerKey(name))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return fmt.Errorf("%w: %s", ErrContainerNotFound, name)
		}
		return err
	}
	var rec containerRecord
	if err := decodeRecord(raw, &rec); err != nil {
		return err
	}
	if c, ok := p.containers[name]; ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("close container index %s: %w", name, err)
		}
		delete(p.containers, name)
	}
	if err := p.kv.Delete(containerKey(name)); err != nil {
		return err
	}
	// Index files are removed only when the pool owns them; an imported
	// container's index stays where it came from.
	owned := filepath.Clean(filepath.Dir(rec.IndexLocation)) == filepath.Join(p.root, "containers")
	if owned {
		if err := os.RemoveAll(rec.IndexLocation); err != nil {
			return fmt.Errorf("remove container index files %s: %w", rec.IndexLocation, err)
		}
	} else {
		p.log.WithFields(logrus.Fields{
			"container": name,
			"location":  rec.IndexLocation,
		}).Info("imported container deregistered, index files left in place")
	}
	return nil
}

func (p *Pool) ListContainers() ([]string, error) {
	var names []string
	err := p.kv.ScanPrefix(prefixContainer, func(key, _ []byte) error {
		names = append(names, string(key[len(prefixContainer):]))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

func (p *Pool) ImportContainerIndex(name, path string, incrementRefcount bool) error {
	if err := requireContainer(name); err != nil {
		return err
	}
	found, err := p.kv.Has(containerKey(name))
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("%w: %s", ErrContainerExists, name)
	}
	c, err := OpenFlat(Options{
		Path:          path,
		MinimumFreeGB: p.opts.MinimumFreeGB,
		Logger:        p.log,
	})
	if err != nil {
		return fmt.Errorf("import container index at %s: %w", path, err)
	}
	if incrementRefcount {
		if err := c.incrementAllRefcounts(); err != nil {
			c.Close()
			return fmt.Errorf("increment refcounts of imported index: %w", err)
		}
	}
	if err := p.registerContainer(name, path); err != nil {
		c.Close()
		return err
	}
	p.containers[name] = c
	return nil
}

func (p *Pool) BackupContainerIndex(src, destination, newName string, incrementRefcount bool) error {
	if newName != "" {
		found, err := p.kv.Has(containerKey(newName))
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("%w: %s", ErrContainerExists, newName)
		}
	}
	source, err := p.container(src)
	if err != nil {
		return err
	}
	clone, err := OpenFlat(Options{
		Path:          destination,
		MinimumFreeGB: p.opts.MinimumFreeGB,
		Logger:        p.log,
	})
	if err != nil {
		return fmt.Errorf("create clone index at %s: %w", destination, err)
	}
	var stream bytes.Buffer
	if err := source.kv.Backup(&stream); err != nil {
		clone.Close()
		return fmt.Errorf("clone container index %s: %w", src, err)
	}
	if err := clone.kv.Restore(&stream); err != nil {
		clone.Close()
		return fmt.Errorf("clone container index %s: %w", src, err)
	}
	if incrementRefcount {
		if err := clone.incrementAllRefcounts(); err != nil {
			clone.Close()
			return fmt.Errorf("increment refcounts of cloned index: %w", err)
		}
	}
	if newName == "" {
		return clone.Close()
	}
	if err := p.registerContainer(newName, destination); err != nil {
		clone.Close()
		return err
	}
	p.containers[newName] = clone
	return nil
}

func (p *Pool) ObjectExists(container, object string) (bool, error) {
	c, err := p.container(container)
	if err != nil {
		return false, err
	}
	return c.ObjectExists("", object)
}

func (p *Pool) ChunkExists(container, key string) (bool, error) {
	c, err := p.container(container)
	if err != nil {
		return false, err
	}
	return c.ChunkExists("", key)
}

func (p *Pool) AddObjectChunks(container, object string, contentLength uint64, chunks []chunker.Chunk) error {
	c, err := p.container(container)
	if err != nil {
		return err
	}
	return c.AddObjectChunks("", object, contentLength, chunks)
}

func (p *Pool) AddObjectChunk(container, object string, contentLength uint64, chunk chunker.Chunk) error {
	c, err := p.container(container)
	if err != nil {
		return err
	}
	return c.AddObjectChunk("", object, contentLength, chunk)
}

func (p *Pool) GetObjectMetadata(container, object string) (ObjectMeta, error) {
	c, err := p.container(container)
	if err != nil {
		return ObjectMeta{}, err
	}
	return c.GetObjectMetadata("", object)
}

func (p *Pool) DeleteObjectChunks(container, object string) ([]string, error) {
	c, err := p.container(container)
	if err != nil {
		return nil, err
	}
	return c.DeleteObjectChunks("", object)
}

func (p *Pool) ListObjects(container string) ([]string, error) {
	c, err := p.container(container)
	if err != nil {
		return nil, err
	}
	return c.ListObjects("")
}

// Stats aggregates chunk and byte counts across all containers. Objects
// counts objects across containers; Containers counts the registry.
func (p *Pool) Stats() (Stats, error) {
	names, err := p.ListContainers()
	if err != nil {
		return Stats{}, err
	}
	total := Stats{Containers: uint64(len(names))}
	for _, name := range names {
		c, err := p.container(name)
		if err != nil {
			return Stats{}, err
		}
		s, err := c.Stats()
		if err != nil {
			return Stats{}, err
		}
		total.Objects += s.Objects
		total.Chunks += s.Chunks
		total.LogicalBytes += s.LogicalBytes
		total.PhysicalBytes += s.PhysicalBytes
	}
	return total, nil
}

func (p *Pool) Backup(destination string) error {
	return p.kv.BackupFile(destination)
}

// Maintain runs the maintenance cycle on the registry and every open
// container index.
func (p *Pool) Maintain() error {
	if err := p.kv.Clean(); err != nil {
		return err
	}
	for name, c := range p.containers {
		if err := c.Maintain(); err != nil {
			return fmt.Errorf("maintain container %s: %w", name, err)
		}
	}
	return nil
}

func (p *Pool) Close() error {
	for name, c := range p.containers {
		if err := c.Close(); err != nil {
			return fmt.Errorf("close container index %s: %w", name, err)
		}
		delete(p.containers, name)
	}
	return p.kv.Close()
}

func (p *Pool) registerContainer(name, location string) error {
	b, err := encodeRecord(containerRecord{IndexLocation: location})
	if err != nil {
		return err
	}
	return p.kv.Set(containerKey(name), b)
}
