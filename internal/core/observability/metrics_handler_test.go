package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsHandler_Smoke(t *testing.T) {
	reg := prometheus.NewRegistry()
	Init(reg, true)
	Init(reg, true)

	ObserveHTTP("GET", "/tiles", 200, 0.001)
	IncTile("raster", OutcomeHit)
	IncJob("render_raster_tile", JobEnqueued)
	ObserveCacheOp("redis", "get", nil, 0.001)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		"http_requests_total",
		`tile_results_total{kind="raster",outcome="hit"}`,
		`jobs_total{event="enqueued",type="render_raster_tile"}`,
		`cache_op_total{backend="redis",op="get",result="ok"}`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics payload missing %q; got:\n%s", want, body)
		}
	}
}

func TestTileAndJobCounters(t *testing.T) {
	before := testutil.ToFloat64(tileResults.WithLabelValues("vector", OutcomeFallback))
	IncTile("vector", OutcomeFallback)
	if got := testutil.ToFloat64(tileResults.WithLabelValues("vector", OutcomeFallback)); got != before+1 {
		t.Fatalf("fallback counter=%v want %v", got, before+1)
	}

	before = testutil.ToFloat64(cacheOpTotal.WithLabelValues("set", "disk", "error"))
	ObserveCacheOp("disk", "set", errors.New("boom"), 0.01)
	if got := testutil.ToFloat64(cacheOpTotal.WithLabelValues("set", "disk", "error")); got != before+1 {
		t.Fatalf("cache error counter=%v want %v", got, before+1)
	}
}
