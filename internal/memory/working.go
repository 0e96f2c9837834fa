package memory

import (
	"sync"
)

// workingMemory is the tier-1 bounded message buffer. Appends are O(1)
// and evict the oldest entry once capacity is reached. A duplicate hash
// refreshes the existing message to the most-recent slot instead of
// storing a second copy. All reads return snapshot copies.
type workingMemory struct {
	mu       sync.RWMutex
	messages []Message
	index    map[string]int // hash -> position in messages
	capacity int
}

func newWorkingMemory(capacity int) *workingMemory {
	if capacity < 1 {
		capacity = 1
	}
	return &workingMemory{
		messages: make([]Message, 0, capacity),
		index:    make(map[string]int, capacity),
		capacity: capacity,
	}
}

// Add admits a message, evicting the oldest when full. Returns true
// when the message is new, false when an existing hash was refreshed.
func (w *workingMemory) Add(m Message) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if pos, ok := w.index[m.Hash]; ok {
		// refresh: move to most-recent position
		w.messages = append(w.messages[:pos], w.messages[pos+1:]...)
		w.messages = append(w.messages, m)
		w.reindexLocked(pos)
		return false
	}

	if len(w.messages) >= w.capacity {
		evicted := w.messages[0]
		w.messages = w.messages[1:]
		delete(w.index, evicted.Hash)
		w.reindexLocked(0)
	}
	w.messages = append(w.messages, m)
	w.index[m.Hash] = len(w.messages) - 1
	return true
}

// reindexLocked rebuilds positions from the given offset onward.
func (w *workingMemory) reindexLocked(from int) {
	for i := from; i < len(w.messages); i++ {
		w.index[w.messages[i].Hash] = i
	}
}

// Snapshot returns a copy of the buffer in insertion order.
func (w *workingMemory) Snapshot() []Message {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Message, len(w.messages))
	copy(out, w.messages)
	return out
}

// Recent returns the newest n messages in insertion order.
func (w *workingMemory) Recent(n int) []Message {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if n <= 0 || len(w.messages) == 0 {
		return nil
	}
	if n > len(w.messages) {
		n = len(w.messages)
	}
	out := make([]Message, n)
	copy(out, w.messages[len(w.messages)-n:])
	return out
}

// Contains reports whether a hash is present.
func (w *workingMemory) Contains(hash string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.index[hash]
	return ok
}

// Len returns the current message count.
func (w *workingMemory) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.messages)
}

// Replace swaps the buffer contents atomically. Used by consolidation;
// the slice is trimmed to capacity from the oldest end if oversized.
func (w *workingMemory) Replace(msgs []Message) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(msgs) > w.capacity {
		msgs = msgs[len(msgs)-w.capacity:]
	}
	w.messages = make([]Message, len(msgs))
	copy(w.messages, msgs)
	w.index = make(map[string]int, len(msgs))
	for i, m := range w.messages {
		w.index[m.Hash] = i
	}
}
