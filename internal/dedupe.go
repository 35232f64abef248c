package internal

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DedupeKey identifies an event for duplicate suppression.
type DedupeKey struct {
	Path  string
	Flags uint32
}

// Deduper suppresses repeats of recently seen events. Native watchers
// commonly report the same change several times in quick succession
// (e.g. a write updating both size and mtime); a small bounded cache
// filters those without unbounded memory growth. Suppression is scoped
// to one delivery window: callers Reset between windows so a path that
// legitimately changes again later is always delivered.
type Deduper struct {
	cache *lru.Cache[DedupeKey, struct{}]
}

// NewDeduper returns a deduper remembering the last size events.
func NewDeduper(size int) (*Deduper, error) {
	cache, err := lru.New[DedupeKey, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &Deduper{cache: cache}, nil
}

// Keep reports whether key should be delivered, and records it either way.
func (d *Deduper) Keep(key DedupeKey) bool {
	if _, ok := d.cache.Get(key); ok {
		return false
	}
	d.cache.Add(key, struct{}{})
	return true
}

// Forget drops key from the cache so its next occurrence is delivered.
func (d *Deduper) Forget(key DedupeKey) {
	d.cache.Remove(key)
}

// Reset forgets everything, ending the current suppression window.
func (d *Deduper) Reset() {
	d.cache.Purge()
}
