package audio

import (
	"bytes"
	"sync"
	"testing"
)

func TestRingBuffer_WriteRead(t *testing.T) {
	rb := NewRingBuffer(16)

	n := rb.Write([]byte("hello"))
	if n != 5 {
		t.Errorf("Expected 5 bytes written, got %d", n)
	}
	if rb.Len() != 5 {
		t.Errorf("Expected length 5, got %d", rb.Len())
	}

	out := make([]byte, 5)
	if got := rb.Read(out); got != 5 {
		t.Errorf("Expected 5 bytes read, got %d", got)
	}
	if !bytes.Equal(out, []byte("hello")) {
		t.Errorf("Expected 'hello', got %q", out)
	}
	if rb.Len() != 0 {
		t.Errorf("Expected empty buffer after read, got length %d", rb.Len())
	}
}

func TestRingBuffer_WrapAround(t *testing.T) {
	rb := NewRingBuffer(8)

	rb.Write([]byte("abcdef"))
	out := make([]byte, 4)
	rb.Read(out) // start now at offset 4

	rb.Write([]byte("ghij")) // wraps past the end
	got := rb.Drain()
	if !bytes.Equal(got, []byte("efghij")) {
		t.Errorf("Expected 'efghij' after wrap, got %q", got)
	}
}

func TestRingBuffer_TruncatesWhenFull(t *testing.T) {
	rb := NewRingBuffer(4)

	if n := rb.Write([]byte("abcdef")); n != 4 {
		t.Errorf("Expected 4 bytes accepted into a full buffer, got %d", n)
	}
	if n := rb.Write([]byte("x")); n != 0 {
		t.Errorf("Expected 0 bytes accepted when full, got %d", n)
	}

	got := rb.Drain()
	if !bytes.Equal(got, []byte("abcd")) {
		t.Errorf("Expected 'abcd', got %q", got)
	}
}

func TestRingBuffer_DrainEmpty(t *testing.T) {
	rb := NewRingBuffer(4)
	if got := rb.Drain(); got != nil {
		t.Errorf("Expected nil from empty drain, got %q", got)
	}
}

func TestRingBuffer_ConcurrentWriteDrain(t *testing.T) {
	rb := NewRingBuffer(1024)
	var wg sync.WaitGroup
	written := 0
	drained := 0

	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		for i := 0; i < 100; i++ {
			written += rb.Write([]byte("0123456789"))
		}
	}()

	for {
		drained += len(rb.Drain())
		select {
		case <-done:
			wg.Wait()
			drained += len(rb.Drain())
			if drained != written {
				t.Errorf("Expected %d bytes through the buffer, drained %d", written, drained)
			}
			return
		default:
		}
	}
}
