// Package corelog collects output lines produced by the supervised core
// process into a fixed-capacity ring buffer. Oldest entries are evicted on
// overflow, so the buffer always holds the most recent window of output.
package corelog

import (
	"sync"
	"time"
)

// DefaultCapacity is the ring buffer capacity used when none is configured.
const DefaultCapacity = 1000

// Entry is a single captured output line with its capture timestamp.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
}

// Buffer is a thread-safe circular buffer of captured core output lines.
type Buffer struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int
	head     int // index where the next entry will be written
	count    int
}

// NewBuffer creates a ring buffer with the given capacity.
// Non-positive capacities fall back to DefaultCapacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		entries:  make([]Entry, capacity),
		capacity: capacity,
	}
}

// Append stores a line stamped with the current capture time.
func (b *Buffer) Append(text string) {
	b.append(Entry{Timestamp: time.Now(), Text: text})
}

// AppendEntry stores a pre-stamped entry. Used by tests and by callers that
// capture the timestamp closer to the read site.
func (b *Buffer) AppendEntry(e Entry) {
	b.append(e)
}

func (b *Buffer) append(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.head] = e
	b.head = (b.head + 1) % b.capacity
	if b.count < b.capacity {
		b.count++
	}
}

// Snapshot returns a copy of all buffered entries, oldest first.
// The returned slice is owned by the caller.
func (b *Buffer) Snapshot() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.count == 0 {
		return []Entry{}
	}
	result := make([]Entry, b.count)
	if b.count == b.capacity {
		// Wrapped: the oldest entry sits at head.
		n := copy(result, b.entries[b.head:])
		copy(result[n:], b.entries[:b.head])
	} else {
		copy(result, b.entries[:b.count])
	}
	return result
}

// Tail returns a copy of the n most recent entries, oldest first.
// If n exceeds the number of buffered entries, all entries are returned.
func (b *Buffer) Tail(n int) []Entry {
	entries := b.Snapshot()
	if n <= 0 || n >= len(entries) {
		return entries
	}
	return entries[len(entries)-n:]
}

// TailText returns the text of the n most recent entries joined by newlines.
// Useful for composing crash reasons and start failure details.
func (b *Buffer) TailText(n int) string {
	entries := b.Tail(n)
	out := ""
	for i, e := range entries {
		if i > 0 {
			out += "\n"
		}
		out += e.Text
	}
	return out
}

// Len returns the current number of buffered entries.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int {
	return b.capacity
}

// Clear removes all entries.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.count = 0
	for i := range b.entries {
		b.entries[i] = Entry{}
	}
}
