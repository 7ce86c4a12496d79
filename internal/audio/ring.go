package audio

import "sync"

// RingSampleBuffer is a fixed-capacity circular buffer of mono float32
// samples. Writes past capacity overwrite the oldest samples, so the buffer
// always holds the most recent history. Safe for concurrent use.
type RingSampleBuffer struct {
	data     []float32
	capacity int
	writePos int
	size     int
	mu       sync.Mutex
}

// NewRingSampleBuffer creates a buffer holding up to capacity samples.
func NewRingSampleBuffer(capacity int) *RingSampleBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingSampleBuffer{
		data:     make([]float32, capacity),
		capacity: capacity,
	}
}

// Write appends samples, dropping the oldest history on overflow.
func (rb *RingSampleBuffer) Write(samples []float32) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(samples)
	if n == 0 {
		return
	}
	if n >= rb.capacity {
		copy(rb.data, samples[n-rb.capacity:])
		rb.writePos = 0
		rb.size = rb.capacity
		return
	}

	spaceToEnd := rb.capacity - rb.writePos
	if n <= spaceToEnd {
		copy(rb.data[rb.writePos:], samples)
		rb.writePos += n
		if rb.writePos == rb.capacity {
			rb.writePos = 0
		}
	} else {
		copy(rb.data[rb.writePos:], samples[:spaceToEnd])
		copy(rb.data[0:], samples[spaceToEnd:])
		rb.writePos = n - spaceToEnd
	}

	rb.size += n
	if rb.size > rb.capacity {
		rb.size = rb.capacity
	}
}

// Tail copies the newest n samples into dst in chronological order and
// returns the number copied. If fewer than n samples are buffered, only the
// available samples are copied (aligned to the end of dst's filled region).
func (rb *RingSampleBuffer) Tail(n int, dst []float32) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if n > rb.size {
		n = rb.size
	}
	if n > len(dst) {
		n = len(dst)
	}
	if n == 0 {
		return 0
	}

	start := rb.writePos - n
	if start < 0 {
		start += rb.capacity
	}
	firstPart := rb.capacity - start
	if firstPart >= n {
		copy(dst[:n], rb.data[start:start+n])
	} else {
		copy(dst[:firstPart], rb.data[start:])
		copy(dst[firstPart:n], rb.data[:n-firstPart])
	}
	return n
}

// ReadAll returns all buffered samples in chronological order without
// consuming them.
func (rb *RingSampleBuffer) ReadAll() []float32 {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.size == 0 {
		return nil
	}
	out := make([]float32, rb.size)
	if rb.size < rb.capacity {
		copy(out, rb.data[:rb.size])
	} else {
		firstPart := rb.capacity - rb.writePos
		copy(out[:firstPart], rb.data[rb.writePos:])
		copy(out[firstPart:], rb.data[:rb.writePos])
	}
	return out
}

// Clear resets the buffer to empty.
func (rb *RingSampleBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.writePos = 0
	rb.size = 0
}

// Size returns the number of samples currently buffered.
func (rb *RingSampleBuffer) Size() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.size
}

// Capacity returns the fixed capacity in samples.
func (rb *RingSampleBuffer) Capacity() int {
	return rb.capacity
}
