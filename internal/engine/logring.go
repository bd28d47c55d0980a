package engine

import (
	"strings"
	"sync"
)

// LogRing is an io.Writer that keeps the last N log lines for the status
// surface. Safe for concurrent writers; the engine's logger fans out to it
// alongside stderr.
type LogRing struct {
	mu    sync.Mutex
	lines []string
	next  int
	count int
	part  strings.Builder // trailing partial line between writes
}

// NewLogRing returns a ring holding up to n lines.
func NewLogRing(n int) *LogRing {
	if n < 1 {
		n = 1
	}
	return &LogRing{lines: make([]string, n)}
}

func (r *LogRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range p {
		if b == '\n' {
			r.push(r.part.String())
			r.part.Reset()
			continue
		}
		r.part.WriteByte(b)
	}
	return len(p), nil
}

func (r *LogRing) push(line string) {
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.count < len(r.lines) {
		r.count++
	}
}

// Lines returns the retained lines, oldest first.
func (r *LogRing) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, r.count)
	if r.count == len(r.lines) {
		out = append(out, r.lines[r.next:]...)
		out = append(out, r.lines[:r.next]...)
		return out
	}
	return append(out, r.lines[:r.count]...)
}
