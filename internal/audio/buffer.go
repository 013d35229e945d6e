package audio

import (
	"sync"
)

// RingBuffer is a thread-safe byte ring buffer. The capture pipeline's reader
// goroutine writes into it while the chunk ticker drains it, decoupling the
// microphone read rate from the chunk cadence. When full, writes are
// truncated rather than blocking the reader.
type RingBuffer struct {
	mu     sync.Mutex
	buf    []byte
	size   int
	start  int
	length int
}

// NewRingBuffer creates a ring buffer with the given capacity in bytes
func NewRingBuffer(size int) *RingBuffer {
	if size < 1 {
		size = 1
	}
	return &RingBuffer{
		buf:  make([]byte, size),
		size: size,
	}
}

// Write appends data, returning the number of bytes stored. May be less than
// len(data) if the buffer fills up.
func (rb *RingBuffer) Write(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	free := rb.size - rb.length
	if free == 0 {
		return 0
	}
	n := len(data)
	if n > free {
		n = free
	}

	writePos := (rb.start + rb.length) % rb.size
	first := copy(rb.buf[writePos:], data[:n])
	if first < n {
		copy(rb.buf, data[first:n])
	}
	rb.length += n
	return n
}

// Read fills p from the buffer, returning the number of bytes read
func (rb *RingBuffer) Read(p []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(p)
	if n > rb.length {
		n = rb.length
	}
	if n == 0 {
		return 0
	}

	first := copy(p[:n], rb.buf[rb.start:min(rb.start+n, rb.size)])
	if first < n {
		copy(p[first:n], rb.buf)
	}
	rb.start = (rb.start + n) % rb.size
	rb.length -= n
	return n
}

// Len returns the number of buffered bytes
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.length
}

// Drain returns and removes everything currently buffered
func (rb *RingBuffer) Drain() []byte {
	rb.mu.Lock()
	n := rb.length
	rb.mu.Unlock()
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	read := rb.Read(out)
	return out[:read]
}
