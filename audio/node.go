package audio

import (
	"errors"
	"sync"
)

var (
	ErrNoData = errors.New("audio: no samples captured yet")
	ErrClosed = errors.New("audio: node closed")
)

// Node is a pull-based audio analysis source.
type Node interface {
	// TimeDomainData fills dst with the most recent samples, oldest first, and returns
	// how many were written.
	TimeDomainData(dst []float32) (int, error)
	Close() error
}

// Ring is a fixed-size float32 sample ring. Writers overwrite the oldest samples.
type Ring struct {
	mu     sync.Mutex
	buf    []float32
	next   int
	filled bool
	closed bool
}

func NewRing(size int) *Ring {
	if size <= 0 {
		size = 2048
	}
	return &Ring{buf: make([]float32, size)}
}

func (r *Ring) Write(samples []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(samples) >= len(r.buf) {
		copy(r.buf, samples[len(samples)-len(r.buf):])
		r.next = 0
		r.filled = true
		return
	}
	for _, s := range samples {
		r.buf[r.next] = s
		r.next++
		if r.next == len(r.buf) {
			r.next = 0
			r.filled = true
		}
	}
}

// TimeDomainData implements Node.
func (r *Ring) TimeDomainData(dst []float32) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrClosed
	}

	available := r.next
	if r.filled {
		available = len(r.buf)
	}
	if available == 0 {
		return 0, ErrNoData
	}
	n := min(len(dst), available)

	// Start n samples behind the write position.
	start := r.next - n
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < n; i++ {
		dst[i] = r.buf[(start+i)%len(r.buf)]
	}
	return n, nil
}

func (r *Ring) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}
