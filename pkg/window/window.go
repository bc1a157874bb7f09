// Package window implements the sliding-window source the chunker walks an
// input with. A source yields successive overlapping windows of the input,
// advancing by a configured shift amount, over either an in-memory buffer or
// a sequential byte stream of known length. Both implementations yield
// byte-identical frame sequences for identical input, which is what makes
// chunking deterministic regardless of how the bytes arrive.
package window

import (
	"errors"
	"fmt"
	"io"
)

// ErrShortInput is returned when a source cannot produce a full window or
// the underlying stream ends before its declared length.
var ErrShortInput = errors.New("window: input shorter than expected")

// Frame is one position of the sliding window.
type Frame struct {
	// Data is the current window. Its length is the configured window size
	// except possibly on the final frame.
	Data []byte
	// Start is the offset of Data[0] within the input.
	Start uint64
	// Fresh holds the bytes that entered the window on this step. On Open
	// the whole window is fresh; on a Shift near the end of input it may be
	// shorter than the shift amount.
	Fresh []byte
	// EOF reports that the window touches the end of the input.
	EOF bool
}

// Source yields sliding windows over an input of known length.
//
// Data and Fresh slices are only valid until the next call on the source;
// callers that keep bytes must copy them.
type Source interface {
	// Open positions a fresh window of windowSize bytes at the current read
	// offset. The caller must ensure Remaining() >= window size.
	Open() (Frame, error)
	// Shift advances the window: the oldest bytes are discarded and the same
	// number of fresh bytes are appended. When fewer than shiftCount bytes
	// remain, Shift consumes what is left and flags EOF on the frame; the
	// returned Fresh is then shorter than the shift amount.
	Shift() (Frame, error)
	// Rest consumes and returns every byte after the current read offset.
	Rest() ([]byte, error)
	// Remaining returns the number of unread bytes.
	Remaining() uint64
	// Length returns the total input length in bytes.
	Length() uint64
}

// BufferSource slides over an in-memory buffer. Frames alias the buffer; no
// bytes are copied.
type BufferSource struct {
	data     []byte
	size     int
	shift    int
	pos      uint64 // offset of the first unread byte
	winStart uint64
}

// NewBufferSource returns a source over data with the given window size and
// shift amount.
func NewBufferSource(data []byte, size, shift int) *BufferSource {
	return &BufferSource{data: data, size: size, shift: shift}
}

func (s *BufferSource) Open() (Frame, error) {
	if s.Remaining() < uint64(s.size) {
		return Frame{}, fmt.Errorf("open window of %d bytes at offset %d: %w", s.size, s.pos, ErrShortInput)
	}
	s.winStart = s.pos
	s.pos += uint64(s.size)
	win := s.data[s.winStart:s.pos]
	return Frame{Data: win, Start: s.winStart, Fresh: win, EOF: s.pos == uint64(len(s.data))}, nil
}

func (s *BufferSource) Shift() (Frame, error) {
	n := uint64(s.shift)
	if rem := s.Remaining(); rem < n {
		n = rem
	}
	fresh := s.data[s.pos : s.pos+n]
	s.pos += n
	s.winStart += n
	return Frame{
		Data:  s.data[s.winStart:s.pos],
		Start: s.winStart,
		Fresh: fresh,
		EOF:   s.pos == uint64(len(s.data)),
	}, nil
}

func (s *BufferSource) Rest() ([]byte, error) {
	rest := s.data[s.pos:]
	s.pos = uint64(len(s.data))
	return rest, nil
}

func (s *BufferSource) Remaining() uint64 { return uint64(len(s.data)) - s.pos }

func (s *BufferSource) Length() uint64 { return uint64(len(s.data)) }

// StreamSource slides over a sequential io.Reader whose total length is
// known up front. It holds exactly one window in memory.
type StreamSource struct {
	r        io.Reader
	length   uint64
	size     int
	shift    int
	consumed uint64 // bytes read from r so far
	winStart uint64
	win      []byte
}

// NewStreamSource returns a source reading length bytes from r with the
// given window size and shift amount. The reader is borrowed for the
// lifetime of the source and read strictly sequentially.
func NewStreamSource(r io.Reader, length uint64, size, shift int) *StreamSource {
	return &StreamSource{r: r, length: length, size: size, shift: shift}
}

func (s *StreamSource) Open() (Frame, error) {
	if s.Remaining() < uint64(s.size) {
		return Frame{}, fmt.Errorf("open window of %d bytes at offset %d: %w", s.size, s.consumed, ErrShortInput)
	}
	if s.win == nil {
		s.win = make([]byte, s.size)
	}
	s.win = s.win[:s.size]
	if _, err := io.ReadFull(s.r, s.win); err != nil {
		return Frame{}, fmt.Errorf("fill window from stream: %w", errors.Join(ErrShortInput, err))
	}
	s.winStart = s.consumed
	s.consumed += uint64(s.size)
	return Frame{Data: s.win, Start: s.winStart, Fresh: s.win, EOF: s.consumed == s.length}, nil
}

func (s *StreamSource) Shift() (Frame, error) {
	n := uint64(s.shift)
	if rem := s.Remaining(); rem < n {
		n = rem
	}
	keep := len(s.win) - int(n)
	copy(s.win, s.win[int(n):])
	fresh := s.win[keep:]
	if n > 0 {
		if _, err := io.ReadFull(s.r, fresh); err != nil {
			return Frame{}, fmt.Errorf("shift window by %d bytes: %w", n, errors.Join(ErrShortInput, err))
		}
	}
	s.consumed += n
	s.winStart += n
	return Frame{
		Data:  s.win,
		Start: s.winStart,
		Fresh: fresh,
		EOF:   s.consumed == s.length,
	}, nil
}

func (s *StreamSource) Rest() ([]byte, error) {
	rest := make([]byte, s.Remaining())
	if _, err := io.ReadFull(s.r, rest); err != nil {
		return nil, fmt.Errorf("read %d tail bytes: %w", len(rest), errors.Join(ErrShortInput, err))
	}
	s.consumed = s.length
	return rest, nil
}

func (s *StreamSource) Remaining() uint64 { return s.length - s.consumed }

func (s *StreamSource) Length() uint64 { return s.length }
