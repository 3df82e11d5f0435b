package kafka

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// versionGate remembers the last purged version per layer or cube. A
// version is committed only after its purge succeeded, so a redelivered
// event whose purge failed is applied again.
type versionGate struct {
	mu   sync.Mutex
	seen *lru.Cache[string, uint64]
}

func newVersionGate(size int) *versionGate {
	if size <= 0 {
		size = 4096
	}
	c, _ := lru.New[string, uint64](size)
	return &versionGate{seen: c}
}

func (g *versionGate) stale(ev ChangeEvent) bool {
	if ev.Version == 0 {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	last, ok := g.seen.Get(ev.dedupeKey())
	return ok && ev.Version <= last
}

func (g *versionGate) commit(ev ChangeEvent) {
	if ev.Version == 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if last, ok := g.seen.Get(ev.dedupeKey()); ok && last >= ev.Version {
		return
	}
	g.seen.Add(ev.dedupeKey(), ev.Version)
}
