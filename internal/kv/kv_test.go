package kv

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/mohammed-shakir/tilecache/internal/cache/redisstore"
)

func newRedis(t *testing.T) *Redis {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	cli, err := redisstore.New(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("redisstore.New: %v", err)
	}
	r := NewRedis(cli)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func newLevel(t *testing.T) *LevelDB {
	t.Helper()
	l, err := OpenLevelDB(filepath.Join(t.TempDir(), "kv"))
	if err != nil {
		t.Fatalf("OpenLevelDB: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func backends(t *testing.T) map[string]Store {
	mem, err := OpenMemLevelDB()
	if err != nil {
		t.Fatalf("OpenMemLevelDB: %v", err)
	}
	t.Cleanup(func() { _ = mem.Close() })
	return map[string]Store{
		"redis":   newRedis(t),
		"leveldb": newLevel(t),
		"memory":  mem,
	}
}

func TestStore_Contract(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get missing err=%v want ErrNotFound", err)
			}
			if err := s.Set(ctx, "a:1", []byte("one")); err != nil {
				t.Fatalf("Set: %v", err)
			}
			if err := s.Set(ctx, "a:2", []byte("two")); err != nil {
				t.Fatalf("Set: %v", err)
			}
			if err := s.Set(ctx, "b:1", []byte("other")); err != nil {
				t.Fatalf("Set: %v", err)
			}
			v, err := s.Get(ctx, "a:1")
			if err != nil || string(v) != "one" {
				t.Fatalf("Get a:1 = %q, %v", v, err)
			}
			ks, err := s.List(ctx, "a:")
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			sort.Strings(ks)
			if strings.Join(ks, ",") != "a:1,a:2" {
				t.Fatalf("List=%v", ks)
			}
			if err := s.Del(ctx, "a:1"); err != nil {
				t.Fatalf("Del: %v", err)
			}
			if _, err := s.Get(ctx, "a:1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get after Del err=%v", err)
			}
		})
	}
}

func TestNamespace_IsolatesAndStripsPrefix(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			layers := NewNamespace(s, "layers")
			cubes := NewNamespace(s, "cubes")

			if err := layers.Set(ctx, "layer-1", []byte("L")); err != nil {
				t.Fatalf("Set: %v", err)
			}
			if err := cubes.Set(ctx, "layer-1", []byte("C")); err != nil {
				t.Fatalf("Set: %v", err)
			}
			v, err := layers.Get(ctx, "layer-1")
			if err != nil || string(v) != "L" {
				t.Fatalf("layers.Get = %q, %v", v, err)
			}
			ks, err := cubes.List(ctx, "")
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(ks) != 1 || ks[0] != "layer-1" {
				t.Fatalf("cubes.List=%v", ks)
			}
			raw, err := s.Get(ctx, "cubes:layer-1")
			if err != nil || string(raw) != "C" {
				t.Fatalf("parent key = %q, %v", raw, err)
			}
		})
	}
}

func TestLevelDB_DelPrefix(t *testing.T) {
	l := newLevel(t)
	ctx := context.Background()
	for _, k := range []string{"x:1", "x:2", "y:1"} {
		if err := l.Set(ctx, k, []byte("v")); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	n, err := l.DelPrefix(ctx, "x:")
	if err != nil || n != 2 {
		t.Fatalf("DelPrefix n=%d err=%v", n, err)
	}
	if _, err := l.Get(ctx, "y:1"); err != nil {
		t.Fatalf("y:1 should survive: %v", err)
	}
}
