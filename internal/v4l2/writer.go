package v4l2

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/mPyKen/Caman/internal/frame"
)

// Writer encodes frames and writes each one with a single synchronous Write.
// It never buffers or skips frames.
type Writer struct {
	enc *Encoder
	dst io.Writer

	mu  sync.Mutex
	buf []byte

	frames   atomic.Uint64
	failures atomic.Uint64
}

// NewWriter wraps any writer with the device contract.
func NewWriter(dst io.Writer, width, height int, format PixelFormat) (*Writer, error) {
	enc, err := NewEncoder(width, height, format)
	if err != nil {
		return nil, err
	}
	return &Writer{enc: enc, dst: dst, buf: make([]byte, enc.SizeImage())}, nil
}

// Encoder exposes the writer's encoder.
func (w *Writer) Encoder() *Encoder { return w.enc }

// WriteFrame validates, encodes and writes img. A geometry mismatch fails
// before any byte reaches the destination.
func (w *Writer) WriteFrame(img *frame.Image) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.enc.EncodeInto(w.buf, img); err != nil {
		w.failures.Add(1)
		return err
	}
	n, err := w.dst.Write(w.buf)
	if err != nil {
		w.failures.Add(1)
		return fmt.Errorf("v4l2: write frame: %w", err)
	}
	if n != len(w.buf) {
		w.failures.Add(1)
		return fmt.Errorf("v4l2: short write: %d of %d bytes: %w", n, len(w.buf), io.ErrShortWrite)
	}
	w.frames.Add(1)
	return nil
}

// Close closes the destination if it is a Closer.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if c, ok := w.dst.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Stats reports written frames and rejected or failed writes.
type Stats struct {
	Frames   uint64 `json:"frames"`
	Failures uint64 `json:"failures"`
}

// Stats returns the write counters.
func (w *Writer) Stats() Stats {
	return Stats{Frames: w.frames.Load(), Failures: w.failures.Load()}
}
