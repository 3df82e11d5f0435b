package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mohammed-shakir/tilecache/internal/core/observability"
)

func assertHasMetricLine(t *testing.T, body, metric string, wantLabels ...string) {
	t.Helper()
	for ln := range strings.SplitSeq(body, "\n") {
		if !strings.HasPrefix(ln, metric+"{") {
			continue
		}
		ok := true
		for _, s := range wantLabels {
			if !strings.Contains(ln, s) {
				ok = false
				break
			}
		}
		if ok && (len(ln) > 0 && ln[len(ln)-1] >= '0' && ln[len(ln)-1] <= '9') {
			return
		}
	}
	t.Fatalf("expected a %s line with labels %v; got:\n%s", metric, wantLabels, body)
}

func Test_AppMetrics_CustomRegistry_Smoke(t *testing.T) {
	p := Init(Config{Version: "test"})
	observability.Init(p.Registerer(), true)

	start := time.Now()
	observability.IncTile("raster", observability.OutcomeMiss)
	observability.IncTile("raster", observability.OutcomeHit)
	observability.ObserveRender("raster", nil, time.Since(start).Seconds())
	observability.IncJob("render_raster_tile", observability.JobCompleted)
	observability.ObserveJobAttempt("render_raster_tile", nil, 0.02)
	observability.SetQueueDepth("render_raster_tile", 3)
	observability.ObserveCacheOp("disk", "get", nil, 0.002)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	body := rr.Body.String()

	assertHasMetricLine(t, body, "tile_results_total", `kind="raster"`, `outcome="miss"`)
	assertHasMetricLine(t, body, "tile_results_total", `outcome="hit"`)
	assertHasMetricLine(t, body, "render_duration_seconds_count", `kind="raster"`)
	assertHasMetricLine(t, body, "jobs_total", `event="completed"`, `type="render_raster_tile"`)
	assertHasMetricLine(t, body, "job_queue_depth", `type="render_raster_tile"`)
	assertHasMetricLine(t, body, "cache_op_total", `backend="disk"`, `op="get"`)
	assertHasMetricLine(t, body, "tilecache_build_info", `version="test"`)
}
