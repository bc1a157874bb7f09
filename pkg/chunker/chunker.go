// Package chunker splits a byte object into variable-size chunks at
// content-defined boundaries. A boundary is a window position whose MD5
// digest starts with a configured number of zero bytes; a hard maximum caps
// chunk growth when no boundary appears. Chunking is deterministic: the same
// input and parameters yield the same (key, length, position) sequence on
// every run and every machine.
package chunker

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/chunkvault/chunkvault/pkg/chunkhash"
	"github.com/chunkvault/chunkvault/pkg/window"
)

var (
	// ErrInvalidConfig is wrapped by every Config validation failure.
	ErrInvalidConfig = errors.New("chunker: invalid configuration")
	// ErrProcessAborted is returned by ChunkStream when the process callback
	// stops the stream.
	ErrProcessAborted = errors.New("chunker: chunk processing aborted by caller")
)

// Config holds the four chunking parameters. They are fixed at index
// creation and must never change for the lifetime of an index: chunk keys
// produced under different parameters do not line up.
type Config struct {
	MinChunkSize       int
	MaxChunkSize       int
	ShiftCount         int
	BoundaryCheckBytes int
	// Logger receives configuration warnings. If nil, logrus.New() is used.
	Logger *logrus.Logger
}

// Validate checks the parameter constraints.
func (c Config) Validate() error {
	switch {
	case c.MinChunkSize < 128:
		return fmt.Errorf("%w: MinChunkSize %d below 128", ErrInvalidConfig, c.MinChunkSize)
	case c.MinChunkSize%64 != 0:
		return fmt.Errorf("%w: MinChunkSize %d not a multiple of 64", ErrInvalidConfig, c.MinChunkSize)
	case c.MaxChunkSize%64 != 0:
		return fmt.Errorf("%w: MaxChunkSize %d not a multiple of 64", ErrInvalidConfig, c.MaxChunkSize)
	case c.MaxChunkSize < 8*c.MinChunkSize:
		return fmt.Errorf("%w: MaxChunkSize %d below 8*MinChunkSize", ErrInvalidConfig, c.MaxChunkSize)
	case c.BoundaryCheckBytes < 1 || c.BoundaryCheckBytes > 8:
		return fmt.Errorf("%w: BoundaryCheckBytes %d outside [1,8]", ErrInvalidConfig, c.BoundaryCheckBytes)
	case c.ShiftCount < 1:
		return fmt.Errorf("%w: ShiftCount %d below 1", ErrInvalidConfig, c.ShiftCount)
	case c.ShiftCount > c.MinChunkSize:
		return fmt.Errorf("%w: ShiftCount %d above MinChunkSize %d", ErrInvalidConfig, c.ShiftCount, c.MinChunkSize)
	}
	if c.BoundaryCheckBytes == 8 {
		log := c.Logger
		if log == nil {
			log = logrus.New()
		}
		log.WithFields(logrus.Fields{
			"boundaryCheckBytes": c.BoundaryCheckBytes,
		}).Warn("expected chunk size is ~2^64 bytes; every chunk will hit MaxChunkSize")
	}
	return nil
}

// Chunk is one emitted chunk. Data is owned by the chunk and never aliases
// the input.
type Chunk struct {
	// Key is the standard-base64 SHA-256 of Data, the chunk's stable
	// identity across indexes, backups and container copies.
	Key      string
	Data     []byte
	Length   uint32
	Position uint64 // byte offset of Data[0] within the source object
	Ordinal  uint32 // 0-based sequence number within the owning object
}

// ChunkBytes splits an in-memory buffer into chunks.
func ChunkBytes(data []byte, cfg Config) ([]Chunk, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var chunks []Chunk
	err := run(window.NewBufferSource(data, cfg.MinChunkSize, cfg.ShiftCount), cfg, func(c Chunk) bool {
		chunks = append(chunks, c)
		return true
	})
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

// ChunkReader splits length bytes read sequentially from r into chunks. The
// reader is consumed one window at a time, but the returned chunks own their
// Data, so together they hold a copy of the whole input.
func ChunkReader(r io.Reader, length uint64, cfg Config) ([]Chunk, error) {
	var chunks []Chunk
	err := ChunkStream(r, length, cfg, func(c Chunk) bool {
		chunks = append(chunks, c)
		return true
	})
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

// ChunkStream is the streaming variant: process is invoked after each chunk
// is emitted. Returning false stops the stream and ChunkStream reports
// ErrProcessAborted.
func ChunkStream(r io.Reader, length uint64, cfg Config, process func(Chunk) bool) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if process == nil {
		return fmt.Errorf("%w: nil process callback", ErrInvalidConfig)
	}
	return run(window.NewStreamSource(r, length, cfg.MinChunkSize, cfg.ShiftCount), cfg, process)
}

// run walks src and emits chunks through process. The algorithm:
//
//  1. Inputs no longer than MinChunkSize become a single chunk.
//  2. Otherwise a window is opened and slid by ShiftCount. A chunk is cut
//     when the window hash marks a boundary, or when the emerging chunk
//     reaches MaxChunkSize. The boundary test runs before the cap test, so
//     a boundary at the cap position wins.
//  3. After a cut, a fresh window opens at the cut point if at least
//     MinChunkSize bytes remain; otherwise the remainder is the final chunk.
//  4. When fewer than ShiftCount bytes remain mid-chunk, the remainder is
//     folded into the final chunk.
//
// Emitted chunks partition the input exactly: lengths sum to the input
// length, each position is the sum of the preceding lengths.
func run(src window.Source, cfg Config, process func(Chunk) bool) error {
	if src.Length() <= uint64(cfg.MinChunkSize) {
		rest, err := src.Rest()
		if err != nil {
			return err
		}
		if len(rest) == 0 {
			return nil
		}
		return emit(bytes.Clone(rest), 0, 0, process)
	}

	var (
		chunkStart uint64 // absolute offset where the emerging chunk began
		ordinal    uint32
		pending    []byte // bytes consumed since chunkStart
	)

	frame, err := src.Open()
	if err != nil {
		return err
	}
	pending = append(pending, frame.Fresh...)

	for {
		h := chunkhash.WindowHash(frame.Data)
		curr := frame.Start + uint64(len(frame.Data)) // first byte past the window
		if chunkhash.IsBoundary(h[:], cfg.BoundaryCheckBytes) || curr-chunkStart >= uint64(cfg.MaxChunkSize) {
			if err := emit(pending, chunkStart, ordinal, process); err != nil {
				return err
			}
			ordinal++
			chunkStart = curr
			pending = nil

			if src.Remaining() >= uint64(cfg.MinChunkSize) {
				if frame, err = src.Open(); err != nil {
					return err
				}
				pending = append(pending, frame.Fresh...)
				continue
			}
			rest, err := src.Rest()
			if err != nil {
				return err
			}
			if len(rest) == 0 {
				return nil
			}
			return emit(bytes.Clone(rest), chunkStart, ordinal, process)
		}

		if frame, err = src.Shift(); err != nil {
			return err
		}
		pending = append(pending, frame.Fresh...)
		if len(frame.Fresh) < cfg.ShiftCount {
			// Fewer than ShiftCount bytes remained: everything since
			// chunkStart is the final chunk.
			return emit(pending, chunkStart, ordinal, process)
		}
	}
}

func emit(data []byte, position uint64, ordinal uint32, process func(Chunk) bool) error {
	c := Chunk{
		Key:      chunkhash.Key(data),
		Data:     data,
		Length:   uint32(len(data)),
		Position: position,
		Ordinal:  ordinal,
	}
	if !process(c) {
		return ErrProcessAborted
	}
	return nil
}
