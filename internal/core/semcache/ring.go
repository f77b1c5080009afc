package semcache

import (
	"sync"

	"github.com/kirillkom/evidence-core/internal/core/domain"
)

// window is a fixed-size ring of the most recent entries. Writers overwrite the oldest slot.
type window struct {
	mu      sync.RWMutex
	entries []domain.CacheEntry
	next    int
	size    int
}

func newWindow(capacity int) *window {
	return &window{entries: make([]domain.CacheEntry, capacity)}
}

func (w *window) push(entry domain.CacheEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries[w.next] = entry
	w.next = (w.next + 1) % len(w.entries)
	if w.size < len(w.entries) {
		w.size++
	}
}

// snapshot returns entries newest first.
func (w *window) snapshot() []domain.CacheEntry {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]domain.CacheEntry, 0, w.size)
	for i := 1; i <= w.size; i++ {
		idx := (w.next - i + len(w.entries)) % len(w.entries)
		out = append(out, w.entries[idx])
	}
	return out
}

func (w *window) len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.size
}
