// Package testutil holds shared test helpers: quiet loggers, deterministic
// payloads and chunk store doubles.
package testutil

import (
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/chunkvault/chunkvault/pkg/chunker"
)

// QuietLogger returns a logger that swallows everything, keeping test
// output readable.
func QuietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// Payload returns n deterministic pseudo-random-looking bytes. The pattern
// is position-derived, so equal offsets produce equal bytes across calls,
// which is exactly what dedup tests need.
func Payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte((i*131 + i/251 + 17) % 256)
	}
	return b
}

// MemStore is an in-memory ChunkStore. WriteFailAt > 0 makes the n-th
// WriteChunk call fail, for exercising the compensation path.
type MemStore struct {
	mu          sync.Mutex
	chunks      map[string][]byte
	writes      int
	WriteFailAt int
}

func NewMemStore() *MemStore {
	return &MemStore{chunks: make(map[string][]byte)}
}

func (m *MemStore) WriteChunk(c chunker.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.WriteFailAt > 0 && m.writes == m.WriteFailAt {
		return fmt.Errorf("injected write failure on call %d", m.writes)
	}
	data := make([]byte, len(c.Data))
	copy(data, c.Data)
	m.chunks[c.Key] = data
	return nil
}

func (m *MemStore) ReadChunk(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chunks[key], nil
}

func (m *MemStore) DeleteChunk(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chunks, key)
	return nil
}

// FailNthNextWrite arms the failure injection so that the n-th WriteChunk
// call from now on fails, counting from 1.
func (m *MemStore) FailNthNextWrite(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WriteFailAt = m.writes + n
}

// Len returns the number of stored chunks.
func (m *MemStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chunks)
}

// Has reports whether key is stored.
func (m *MemStore) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.chunks[key]
	return ok
}
