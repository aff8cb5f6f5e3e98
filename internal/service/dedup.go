package service

import lru "github.com/hashicorp/golang-lru/v2"

// Deduper remembers the most recently seen event ids up to a fixed capacity.
type Deduper struct {
	cache *lru.Cache[string, struct{}]
}

// NewDeduper creates a Deduper remembering up to size ids.
func NewDeduper(size int) *Deduper {
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		// only a non-positive size fails
		cache, _ = lru.New[string, struct{}](1)
	}
	return &Deduper{cache: cache}
}

// Seen records id and reports whether it had been recorded before.
func (d *Deduper) Seen(id string) bool {
	seen, _ := d.cache.ContainsOrAdd(id, struct{}{})
	return seen
}

// Forget drops id so a later delivery is processed again.
func (d *Deduper) Forget(id string) {
	d.cache.Remove(id)
}
