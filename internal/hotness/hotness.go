// Package hotness scores how often map regions are requested. Scores decay
// exponentially so a region cools down once traffic moves elsewhere.
package hotness

import (
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/uber/h3-go/v4"

	"github.com/mohammed-shakir/tilecache/internal/core/model"
	"github.com/mohammed-shakir/tilecache/internal/geo"
)

const (
	numShards = 64
	// maxPerShard bounds memory; cold entries are pruned past it.
	maxPerShard = 4096
	coldScore   = 0.05
)

// DefaultResolution groups tiles into H3 cells of roughly 250 km².
const DefaultResolution = 5

type Tracker struct {
	halfLife float64
	now      func() time.Time
	shards   [numShards]shard
}

type shard struct {
	mu sync.Mutex
	m  map[string]*counter
}

type counter struct {
	score float64
	last  time.Time
}

func New(halfLife time.Duration) *Tracker {
	if halfLife <= 0 {
		halfLife = time.Minute
	}
	t := &Tracker{halfLife: halfLife.Seconds(), now: time.Now}
	for i := range t.shards {
		t.shards[i].m = make(map[string]*counter)
	}
	return t
}

// Region names the area a tile falls in: the owning layer or cube plus the
// H3 cell of the tile centre. Tiles coarser than the cell share one region
// per owner.
func Region(owner string, c model.TileCoord, res int) string {
	lon, lat := geo.TileCenter(c)
	cell, err := h3.LatLngToCell(h3.NewLatLng(lat, lon), res)
	if err != nil || c.Z < res {
		return owner + "@z" + strconv.Itoa(c.Z)
	}
	return owner + "@" + cell.String()
}

// Inc records one request and returns the new score.
func (t *Tracker) Inc(key string) float64 {
	if key == "" {
		return 0
	}
	s := t.pick(key)
	n := t.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.m[key]
	if c == nil {
		if len(s.m) >= maxPerShard {
			t.prune(s, n)
		}
		s.m[key] = &counter{score: 1, last: n}
		return 1
	}
	c.score = decay(c.score, n.Sub(c.last).Seconds(), t.halfLife) + 1
	c.last = n
	return c.score
}

func (t *Tracker) Score(key string) float64 {
	s := t.pick(key)
	s.mu.Lock()
	c := s.m[key]
	if c == nil {
		s.mu.Unlock()
		return 0
	}
	score, last := c.score, c.last
	s.mu.Unlock()
	return decay(score, t.now().Sub(last).Seconds(), t.halfLife)
}

func (t *Tracker) Reset(keys ...string) {
	for _, k := range keys {
		s := t.pick(k)
		s.mu.Lock()
		delete(s.m, k)
		s.mu.Unlock()
	}
}

func (t *Tracker) Size() int {
	total := 0
	for i := range t.shards {
		t.shards[i].mu.Lock()
		total += len(t.shards[i].m)
		t.shards[i].mu.Unlock()
	}
	return total
}

// prune drops cold entries; if none are cold it drops the coldest.
// Caller holds s.mu.
func (t *Tracker) prune(s *shard, n time.Time) {
	var (
		coldest    string
		coldestVal = math.Inf(1)
		removed    int
	)
	for k, c := range s.m {
		v := decay(c.score, n.Sub(c.last).Seconds(), t.halfLife)
		if v < coldScore {
			delete(s.m, k)
			removed++
			continue
		}
		if v < coldestVal {
			coldest, coldestVal = k, v
		}
	}
	if removed == 0 && coldest != "" {
		delete(s.m, coldest)
	}
}

func decay(score, dt, halfLife float64) float64 {
	if score == 0 || dt <= 0 || halfLife <= 0 {
		return score
	}
	return score * math.Exp(-math.Ln2/halfLife*dt)
}

func (t *Tracker) pick(key string) *shard {
	return &t.shards[xxhash.Sum64String(key)&(numShards-1)]
}
