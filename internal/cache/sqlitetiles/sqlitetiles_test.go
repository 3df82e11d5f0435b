package sqlitetiles

import (
	"context"
	"path/filepath"
	"testing"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "tiles.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSetGet_Upsert(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "raster_tile:l:0:0:0.png"); ok || err != nil {
		t.Fatalf("empty Get ok=%v err=%v", ok, err)
	}
	if err := s.Set(ctx, "raster_tile:l:0:0:0.png", []byte("one")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "raster_tile:l:0:0:0.png", []byte("two")); err != nil {
		t.Fatalf("Set (upsert): %v", err)
	}
	v, ok, err := s.Get(ctx, "raster_tile:l:0:0:0.png")
	if err != nil || !ok || string(v) != "two" {
		t.Fatalf("Get = %q ok=%v err=%v", v, ok, err)
	}
	if n, _ := s.Count(ctx); n != 1 {
		t.Fatalf("Count=%d want 1", n)
	}
}

func TestReopen_MigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiles.db")
	ctx := context.Background()
	s1, err := Open(ctx, path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s1.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	_ = s1.Close()

	s2, err := Open(ctx, path, nil)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	defer s2.Close()
	if v, ok, err := s2.Get(ctx, "k"); err != nil || !ok || string(v) != "v" {
		t.Fatalf("persisted Get = %q ok=%v err=%v", v, ok, err)
	}
}

func TestDelAndDelPrefix(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for _, k := range []string{
		"vector_tile:layer-a:0:0:0.mvt",
		"vector_tile:layer-a:1:0:0.mvt",
		"vector_tile:layer-a_2:0:0:0.mvt",
		"raster_tile:layer-a:0:0:0.png",
	} {
		if err := s.Set(ctx, k, []byte("x")); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	n, err := s.DelPrefix(ctx, "vector_tile:layer-a:")
	if err != nil || n != 2 {
		t.Fatalf("DelPrefix n=%d err=%v", n, err)
	}
	if err := s.Del(ctx, "raster_tile:layer-a:0:0:0.png", "absent"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if n, _ := s.Count(ctx); n != 1 {
		t.Fatalf("Count=%d want 1 (layer-a_2 only)", n)
	}
}
