package extension

import (
	"sync"
	"time"
)

// errorRing stores the last N transport errors for the /status endpoint.
type errorRing struct {
	mu      sync.Mutex
	entries []string
	size    int
	pos     int
	count   int
}

func newErrorRing(size int) *errorRing {
	return &errorRing{
		entries: make([]string, size),
		size:    size,
	}
}

func (r *errorRing) add(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.pos] = time.Now().Format("15:04:05") + " " + msg
	r.pos = (r.pos + 1) % r.size
	if r.count < r.size {
		r.count++
	}
}

// recent returns entries oldest first.
func (r *errorRing) recent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, r.count)
	start := r.pos - r.count
	if start < 0 {
		start += r.size
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.entries[(start+i)%r.size])
	}
	return out
}
