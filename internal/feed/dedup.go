package feed

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2/simplelru"
)

// Dedup remembers recently seen pairs so a pair announced by more than one
// source, or replayed after a reconnect, is processed once.
type Dedup struct {
	mu   sync.Mutex
	seen *lru.LRU[uint64, struct{}]

	hits   atomic.Int64
	misses atomic.Int64
}

// NewDedup creates a dedup window holding up to size pairs. size <= 0 uses 10000.
func NewDedup(size int) *Dedup {
	if size <= 0 {
		size = 10000
	}
	seen, _ := lru.NewLRU[uint64, struct{}](size, nil)
	return &Dedup{seen: seen}
}

// pairKey hashes chain and pair address case-insensitively.
func pairKey(chain, pair string) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(strings.ToLower(strings.TrimSpace(chain)))
	_, _ = d.WriteString("|")
	_, _ = d.WriteString(strings.ToLower(strings.TrimSpace(pair)))
	return d.Sum64()
}

// Seen records the pair and reports whether it was already in the window.
func (d *Dedup) Seen(chain, pair string) bool {
	key := pairKey(chain, pair)
	d.mu.Lock()
	_, dup := d.seen.Get(key)
	if !dup {
		d.seen.Add(key, struct{}{})
	}
	d.mu.Unlock()

	if dup {
		d.hits.Add(1)
	} else {
		d.misses.Add(1)
	}
	return dup
}

// Forget removes a pair so it can be processed again.
func (d *Dedup) Forget(chain, pair string) {
	d.mu.Lock()
	d.seen.Remove(pairKey(chain, pair))
	d.mu.Unlock()
}

// DedupStats holds dedup counters.
type DedupStats struct {
	Size       int   `json:"size"`
	Duplicates int64 `json:"duplicates"`
	Unique     int64 `json:"unique"`
}

// Stats returns a snapshot.
func (d *Dedup) Stats() DedupStats {
	d.mu.Lock()
	size := d.seen.Len()
	d.mu.Unlock()
	return DedupStats{Size: size, Duplicates: d.hits.Load(), Unique: d.misses.Load()}
}
