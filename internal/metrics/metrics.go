// Package metrics owns the Prometheus registry served on /metrics.
package metrics

import (
	"net/http"
	"runtime"
	"runtime/debug"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Config struct {
	// Version is the release label; "dev" when empty.
	Version string
	// Revision overrides the VCS revision stamped by the Go toolchain.
	Revision string
}

type Provider struct {
	reg *prometheus.Registry
}

// Init builds a private registry with runtime collectors and a
// tilecache_build_info gauge.
func Init(cfg Config) *Provider {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	version, revision := cfg.Version, cfg.Revision
	if version == "" {
		version = "dev"
	}
	if revision == "" {
		revision = vcsRevision()
	}
	build := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tilecache_build_info",
		Help: "Build of the running tile server (value is always 1).",
		ConstLabels: prometheus.Labels{
			"version":    version,
			"revision":   revision,
			"go_version": runtime.Version(),
		},
	})
	build.Set(1)
	reg.MustRegister(build)

	return &Provider{reg: reg}
}

func vcsRevision() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			return s.Value
		}
	}
	return "unknown"
}

// Handler serves the registry and counts its own scrapes.
func (p *Provider) Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(p.reg,
		promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError}))
}

func (p *Provider) Register(cs ...prometheus.Collector) {
	for _, c := range cs {
		p.reg.MustRegister(c)
	}
}

func (p *Provider) Registerer() prometheus.Registerer { return p.reg }
