// Package kvstore wraps the badger key/value engine that index rows persist
// in. It owns the database handle for the lifetime of an index and exposes
// the small transactional surface the index backends need.
package kvstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"
)

// ErrNotFound is returned by Get when the key has no row.
var ErrNotFound = errors.New("kvstore: key not found")

// Config configures a store instance.
type Config struct {
	// Path is the directory holding the badger database. It is created if
	// missing.
	Path string
	// MinimumFreeGB is a free-space threshold checked before opening. Zero
	// disables the check.
	MinimumFreeGB uint
	// Logger is an optional structured logger. If nil, logrus.New() is used.
	Logger *logrus.Logger
}

// Store is a single open badger database.
type Store struct {
	config Config
	db     *badger.DB
	log    *logrus.Logger
}

// Open creates or opens the database at config.Path.
func Open(config Config) (*Store, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	if config.Path == "" {
		return nil, fmt.Errorf("kvstore: no path provided in configuration")
	}
	if err := os.MkdirAll(config.Path, 0o700); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", config.Path, err)
	}
	if err := checkFreeSpace(config.Path, config.MinimumFreeGB, config.Logger); err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(config.Path)
	opts.Logger = nil
	opts.ValueLogFileSize = 1024 * 1024 * 100 // 100MB per value log file
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", config.Path, err)
	}

	return &Store{
		config: config,
		db:     db,
		log:    config.Logger,
	}, nil
}

// Path returns the directory the store lives in.
func (s *Store) Path() string { return s.config.Path }

// Get returns a copy of the value stored under key.
func (s *Store) Get(key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read key %q: %w", key, err)
	}
	return value, nil
}

// Set stores value under key.
func (s *Store) Set(key, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	if err != nil {
		return fmt.Errorf("write key %q: %w", key, err)
	}
	return nil
}

// Delete removes the row under key. Deleting a missing key is not an error.
func (s *Store) Delete(key []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("delete key %q: %w", key, err)
	}
	return nil
}

// Has reports whether key has a row.
func (s *Store) Has(key []byte) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check key %q: %w", key, err)
	}
	return true, nil
}

// Update runs fn inside a read-write transaction.
func (s *Store) Update(fn func(txn *badger.Txn) error) error {
	return s.db.Update(fn)
}

// View runs fn inside a read-only transaction.
func (s *Store) View(fn func(txn *badger.Txn) error) error {
	return s.db.View(fn)
}

// ScanPrefix calls fn for every key with the given prefix, in key order.
// Keys and values passed to fn are copies. A nil prefix scans everything.
func (s *Store) ScanPrefix(prefix []byte, fn func(key, value []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			k := item.KeyCopy(nil)
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Clean syncs, flattens and garbage-collects the value log. Called from
// index maintenance, never in the background.
func (s *Store) Clean() error {
	if err := s.db.Sync(); err != nil {
		return fmt.Errorf("sync db: %w", err)
	}

	if err := s.db.Flatten(runtime.NumCPU()); err != nil {
		return fmt.Errorf("flatten db: %w", err)
	}
	s.log.Info("db flattened")

	if err := s.db.RunValueLogGC(0.1); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("value log gc: %w", err)
	}
	return nil
}

// Backup streams a full backup of the database into w.
func (s *Store) Backup(w io.Writer) error {
	if _, err := s.db.Backup(w, 0); err != nil {
		return fmt.Errorf("backup db: %w", err)
	}
	return nil
}

// BackupFile writes an xz-compressed backup stream to the file at path.
func (s *Store) BackupFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create backup file %s: %w", path, err)
	}
	defer f.Close()

	xw, err := xz.NewWriter(f)
	if err != nil {
		return fmt.Errorf("open xz writer: %w", err)
	}
	if err := s.Backup(xw); err != nil {
		return err
	}
	if err := xw.Close(); err != nil {
		return fmt.Errorf("finish xz stream: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"path": path,
	}).Info("index backup written")
	return f.Sync()
}

// Restore loads a backup stream produced by Backup into the database.
func (s *Store) Restore(r io.Reader) error {
	if err := s.db.Load(r, 16); err != nil {
		return fmt.Errorf("restore db: %w", err)
	}
	return nil
}

// Close syncs and releases the database handle.
func (s *Store) Close() error {
	if err := s.db.Sync(); err != nil {
		s.log.WithFields(logrus.Fields{"path": s.config.Path}).Warnf("sync on close: %v", err)
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close badger at %s: %w", s.config.Path, err)
	}
	return nil
}
