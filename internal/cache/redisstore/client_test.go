package redisstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/mohammed-shakir/tilecache/internal/core/observability"
	"github.com/mohammed-shakir/tilecache/internal/metrics"
)

// creates new client connected to miniredis for testing
func newMini(t *testing.T) *Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	rc, err := New(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })
	return rc
}

func TestSetGetDel_HappyPath(t *testing.T) {
	rc := newMini(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := rc.Set(ctx, "k1", []byte("v1"), 5*time.Minute)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	err = rc.Set(ctx, "k2", []byte("v2"), 0)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}

	for k, want := range map[string]string{"k1": "v1", "k2": "v2"} {
		got, ok, err := rc.Get(ctx, k)
		if err != nil || !ok || string(got) != want {
			t.Fatalf("Get %s = %q ok=%v err=%v", k, got, ok, err)
		}
	}

	if err := rc.Del(ctx, "k1", "k2"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, ok, err := rc.Get(ctx, "k1"); err != nil || ok {
		t.Fatalf("Get after Del ok=%v err=%v", ok, err)
	}
}

func TestGet_MissIsNotAnError(t *testing.T) {
	rc := newMini(t)
	ctx := context.Background()

	v, ok, err := rc.Get(ctx, "nope")
	if err != nil || ok || v != nil {
		t.Fatalf("Get miss: v=%v ok=%v err=%v", v, ok, err)
	}
	if err := rc.Set(ctx, "yes", []byte{0, 1, 2}, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err = rc.Get(ctx, "yes")
	if err != nil || !ok || len(v) != 3 || v[2] != 2 {
		t.Fatalf("Get hit: v=%v ok=%v err=%v", v, ok, err)
	}
}

func TestDelPrefix_OnlyMatchingKeys(t *testing.T) {
	rc := newMini(t)
	ctx := context.Background()

	for _, k := range []string{
		"raster_tile:layer-a:0:0:0.png",
		"raster_tile:layer-a:1:0:0.png",
		"raster_tile:layer-ab:0:0:0.png",
		"vector_tile:layer-a:0:0:0.mvt",
	} {
		if err := rc.Set(ctx, k, []byte("x"), 0); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	n, err := rc.DelPrefix(ctx, "raster_tile:layer-a:")
	if err != nil {
		t.Fatalf("DelPrefix: %v", err)
	}
	if n != 2 {
		t.Fatalf("deleted=%d want 2", n)
	}
	left, err := rc.Keys(ctx, "")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	sort.Strings(left)
	want := []string{"raster_tile:layer-ab:0:0:0.png", "vector_tile:layer-a:0:0:0.mvt"}
	if strings.Join(left, ",") != strings.Join(want, ",") {
		t.Fatalf("remaining=%v want %v", left, want)
	}
}

func TestHash_RoundTrip(t *testing.T) {
	rc := newMini(t)
	ctx := context.Background()

	if err := rc.HSet(ctx, "h", "a", []byte("1")); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	if err := rc.HSet(ctx, "h", "b", []byte("2")); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	if err := rc.HDel(ctx, "h", "a"); err != nil {
		t.Fatalf("HDel: %v", err)
	}
	m, err := rc.HGetAll(ctx, "h")
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	if len(m) != 1 || string(m["b"]) != "2" {
		t.Fatalf("hash=%v", m)
	}
}

func TestContextDeadline_IsRespected(t *testing.T) {
	rc := newMini(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := rc.Set(ctx, "k", []byte("v"), time.Second); err == nil {
		t.Fatalf("expected error on Set with canceled context")
	}
	if err := rc.HSet(ctx, "h", "f", []byte("v")); err == nil {
		t.Fatalf("expected error on HSet with canceled context")
	}
	if _, _, err := rc.Get(ctx, "k"); err == nil {
		t.Fatalf("expected error on Get with canceled context")
	}
	if err := rc.Del(ctx, "k"); err == nil {
		t.Fatalf("expected error on Del with canceled context")
	}
}

func TestMetrics_Incremented(t *testing.T) {
	p := metrics.Init(metrics.Config{})
	observability.Init(p.Registerer(), true)

	rc := newMini(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_ = rc.Set(ctx, "m1", []byte("x"), time.Minute)
	_, _, _ = rc.Get(ctx, "m1")
	_ = rc.Del(ctx, "m1")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status=%d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, `cache_op_total{backend="redis",op="set"`) ||
		!strings.Contains(body, `cache_op_total{backend="redis",op="get"`) ||
		!strings.Contains(body, `cache_op_total{backend="redis",op="del"`) {
		t.Fatalf("missing cache_op_total metrics; got:\n%s", body)
	}
	if !strings.Contains(body, `cache_operation_duration_seconds_bucket{backend="redis",op="set"`) {
		t.Fatalf("missing cache_operation_duration_seconds histogram; got:\n%s", body)
	}
}
