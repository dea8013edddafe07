package adapter

import (
	"sync"
	"time"
)

// logRingCapacity bounds the most recent log lines kept per handle
// (spec §4.4 "Log ring. A bounded ring (≈500 entries)").
const logRingCapacity = 500

// LogLevel mirrors the child's reported log levels plus the internal
// levels the handle itself emits (process lifecycle, parse failures).
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// LogEntry is one line held in a handle's log ring.
type LogEntry struct {
	Time    time.Time
	Level   LogLevel
	Message string
}

// logRing is a bounded circular buffer of the most recent log entries
// for one handle, with an optional live subscriber.
type logRing struct {
	mu      sync.Mutex
	entries []LogEntry
	start   int
	size    int

	subscriber func(LogEntry)
}

func newLogRing() *logRing {
	return &logRing{entries: make([]LogEntry, logRingCapacity)}
}

func (r *logRing) push(entry LogEntry) {
	r.mu.Lock()
	sub := r.subscriber
	if r.size < logRingCapacity {
		r.entries[(r.start+r.size)%logRingCapacity] = entry
		r.size++
	} else {
		r.entries[r.start] = entry
		r.start = (r.start + 1) % logRingCapacity
	}
	r.mu.Unlock()

	if sub != nil {
		sub(entry)
	}
}

// Snapshot returns the current ring contents, oldest first.
func (r *logRing) Snapshot() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]LogEntry, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.entries[(r.start+i)%logRingCapacity]
	}
	return out
}

// Subscribe attaches a callback invoked with each new entry as it is
// pushed. Passing nil detaches the current subscriber.
func (r *logRing) Subscribe(fn func(LogEntry)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscriber = fn
}
