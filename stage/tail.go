package stage

import (
	"sync"
)

// DefaultLogTailBytes bounds the log kept in memory per stage.
const DefaultLogTailBytes = 64 << 10

// tailBuffer is an io.Writer that keeps only the last max bytes written to
// it.  It is safe for concurrent use, since exec copies stdout and stderr
// from separate goroutines.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	// buf is a ring once full; start is the index of the oldest byte.
	buf       []byte
	start     int
	truncated bool
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = DefaultLogTailBytes
	}
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(p)
	if len(p) >= t.max {
		if len(p) > t.max || len(t.buf) > 0 {
			t.truncated = true
		}
		t.buf = append(t.buf[:0], p[len(p)-t.max:]...)
		t.start = 0
		return n, nil
	}
	if room := t.max - len(t.buf); room > 0 {
		k := len(p)
		if k > room {
			k = room
		}
		t.buf = append(t.buf, p[:k]...)
		p = p[k:]
	}
	// Overwrite the oldest bytes.
	for len(p) > 0 {
		t.truncated = true
		k := copy(t.buf[t.start:], p)
		p = p[k:]
		t.start = (t.start + k) % t.max
	}
	return n, nil
}

// Bytes returns a copy of the retained tail, oldest byte first.
func (t *tailBuffer) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]byte, 0, len(t.buf))
	out = append(out, t.buf[t.start:]...)
	return append(out, t.buf[:t.start]...)
}

// Truncated reports whether any byte was dropped.
func (t *tailBuffer) Truncated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.truncated
}
