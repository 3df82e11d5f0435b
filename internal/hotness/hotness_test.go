package hotness

import (
	"math"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mohammed-shakir/tilecache/internal/core/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Add(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTracker(hl time.Duration) (*Tracker, *fakeClock) {
	fc := &fakeClock{now: time.Unix(0, 0).UTC()}
	tr := New(hl)
	tr.now = fc.Now
	return tr, fc
}

func almostEq(t *testing.T, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-6 {
		t.Fatalf("got=%g want=%g", got, want)
	}
}

func TestInc_Accumulates(t *testing.T) {
	tr, _ := newTracker(time.Minute)
	for i := 1; i <= 3; i++ {
		almostEq(t, tr.Inc("layer-abc@85283473fffffff"), float64(i))
	}
	almostEq(t, tr.Score("layer-abc@85283473fffffff"), 3)
	almostEq(t, tr.Score("unknown"), 0)
}

func TestHalfLife(t *testing.T) {
	tr, fc := newTracker(2 * time.Second)
	tr.Inc("r")
	fc.Add(2 * time.Second)
	almostEq(t, tr.Score("r"), 0.5)
	fc.Add(2 * time.Second)
	almostEq(t, tr.Score("r"), 0.25)
	almostEq(t, tr.Inc("r"), 1.25)
}

func TestConcurrentInc(t *testing.T) {
	tr, _ := newTracker(time.Minute)
	const n = 256
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Inc("hot")
		}()
	}
	wg.Wait()
	almostEq(t, tr.Score("hot"), n)
}

func TestReset(t *testing.T) {
	tr, _ := newTracker(time.Minute)
	tr.Inc("a")
	tr.Inc("b")
	tr.Reset("a")
	if tr.Score("a") != 0 || tr.Score("b") == 0 {
		t.Fatalf("a=%g b=%g", tr.Score("a"), tr.Score("b"))
	}
}

func TestPrune_BoundsShard(t *testing.T) {
	tr, fc := newTracker(time.Second)
	s := &tr.shards[0]
	for i := range maxPerShard {
		s.m[strconv.Itoa(i)] = &counter{score: 1, last: fc.Now()}
	}
	fc.Add(time.Minute)
	tr.prune(s, fc.Now())
	if len(s.m) != 0 {
		t.Fatalf("cold entries kept: %d", len(s.m))
	}

	s.m["warm"] = &counter{score: 5, last: fc.Now()}
	s.m["warmer"] = &counter{score: 9, last: fc.Now()}
	tr.prune(s, fc.Now())
	if _, ok := s.m["warm"]; ok || len(s.m) != 1 {
		t.Fatalf("coldest not evicted: %v", s.m)
	}
}

func TestRegion(t *testing.T) {
	c := model.TileCoord{Z: 10, X: 512, Y: 340}
	a := Region("layer-abc", c, DefaultResolution)
	if !strings.HasPrefix(a, "layer-abc@85") {
		t.Fatalf("region = %q", a)
	}
	if b := Region("layer-abc", c, DefaultResolution); a != b {
		t.Fatalf("region not stable: %q %q", a, b)
	}
	if o := Region("cube-1", c, DefaultResolution); o == a {
		t.Fatal("owners share a region")
	}
	if got := Region("layer-abc", model.TileCoord{Z: 2, X: 1, Y: 1}, DefaultResolution); got != "layer-abc@z2" {
		t.Fatalf("coarse region = %q", got)
	}
}
