package retry

import (
	"sync"
	"time"
)

// Context records one attempt for the adaptive selector and stats. It lives
// only in memory and only for the session.
type Context struct {
	Operation     string
	AttemptIndex  int // 0 = first try; >0 = a retry
	TotalAttempts int // attempt budget (max retries + 1)
	LastError     string
	StartTime     time.Time
	Strategy      string
}

// history is a fixed-capacity ring buffer. Insert-and-evict is O(1); the
// oldest record is overwritten once the buffer is full.
type history struct {
	mu    sync.Mutex
	buf   []Context
	next  int
	count int
}

func newHistory(capacity int) *history {
	if capacity <= 0 {
		capacity = 100
	}
	return &history{buf: make([]Context, capacity)}
}

func (h *history) add(c Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf[h.next] = c
	h.next = (h.next + 1) % len(h.buf)
	if h.count < len(h.buf) {
		h.count++
	}
}

// lastFor returns up to n most recent records for the given operation, newest
// first.
func (h *history) lastFor(operation string, n int) []Context {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Context, 0, n)
	for i := 1; i <= h.count && len(out) < n; i++ {
		idx := (h.next - i + len(h.buf)) % len(h.buf)
		if h.buf[idx].Operation == operation {
			out = append(out, h.buf[idx])
		}
	}
	return out
}

func (h *history) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}
