// Package proxy fetches tiles from external providers described by a YAML
// catalogue, each behind its own rate limiter.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/mohammed-shakir/tilecache/internal/core/model"
	"github.com/mohammed-shakir/tilecache/internal/core/observability"
)

const maxTileBytes = 8 << 20

// Provider is one catalogue entry. URL may contain {s} {z} {x} {y} {-y}
// and {key} placeholders.
type Provider struct {
	Name       string            `yaml:"name"`
	URL        string            `yaml:"url"`
	Subdomains []string          `yaml:"subdomains"`
	Headers    map[string]string `yaml:"headers"`
	APIKey     string            `yaml:"api_key"`
	Format     model.Format      `yaml:"format"`
	RatePerSec float64           `yaml:"rate_per_sec"`
	Burst      int               `yaml:"burst"`
	MaxZoom    int               `yaml:"max_zoom"`
}

type Catalogue struct {
	Providers []Provider `yaml:"providers"`
}

func LoadFile(path string) (*Catalogue, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read provider catalogue: %w", err)
	}
	return Parse(b)
}

// Parse decodes and validates a catalogue, expanding ${ENV} references in
// API keys.
func Parse(b []byte) (*Catalogue, error) {
	var c Catalogue
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse provider catalogue: %w", err)
	}
	seen := make(map[string]bool, len(c.Providers))
	for i := range c.Providers {
		p := &c.Providers[i]
		p.Name = strings.TrimSpace(p.Name)
		if p.Name == "" || p.URL == "" {
			return nil, fmt.Errorf("provider %d: name and url are required", i)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("provider %q defined twice", p.Name)
		}
		seen[p.Name] = true
		if p.Format == "" {
			p.Format = model.FormatPNG
		}
		if !p.Format.Valid() {
			return nil, fmt.Errorf("provider %q: unsupported format %q", p.Name, p.Format)
		}
		if p.MaxZoom <= 0 || p.MaxZoom > model.MaxZoom {
			p.MaxZoom = 19
		}
		p.APIKey = os.ExpandEnv(p.APIKey)
	}
	return &c, nil
}

// StatusError is a non-2xx answer from a provider.
type StatusError struct {
	Provider string
	Status   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider %s: status %d", e.Provider, e.Status)
}

type entry struct {
	p    Provider
	lim  *rate.Limiter
	next atomic.Uint32
}

type Client struct {
	providers map[string]*entry
	http      *http.Client
}

func NewClient(cat *Catalogue, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	c := &Client{providers: make(map[string]*entry), http: hc}
	if cat == nil {
		return c
	}
	for _, p := range cat.Providers {
		lim := rate.NewLimiter(rate.Inf, 0)
		if p.RatePerSec > 0 {
			lim = rate.NewLimiter(rate.Limit(p.RatePerSec), max(1, p.Burst))
		}
		c.providers[p.Name] = &entry{p: p, lim: lim}
	}
	return c
}

// Provider returns the catalogue entry for name.
func (c *Client) Provider(name string) (Provider, bool) {
	e, ok := c.providers[name]
	if !ok {
		return Provider{}, false
	}
	return e.p, true
}

// Fetch downloads one tile. Unknown providers and zooms beyond the
// provider's range are invalid requests.
func (c *Client) Fetch(ctx context.Context, name string, tc model.TileCoord) ([]byte, error) {
	e, ok := c.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", model.ErrInvalidRequest, name)
	}
	if tc.Z > e.p.MaxZoom {
		return nil, fmt.Errorf("%w: provider %q serves up to z=%d", model.ErrInvalidRequest, name, e.p.MaxZoom)
	}
	if err := e.lim.Wait(ctx); err != nil {
		return nil, fmt.Errorf("provider %s: rate limit: %w", name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.url(tc), nil)
	if err != nil {
		return nil, fmt.Errorf("provider %s: build request: %w", name, err)
	}
	for k, v := range e.p.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	observability.ObserveUpstreamLatency("proxy_"+name, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Provider: name, Status: resp.StatusCode}
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxTileBytes))
	if err != nil {
		return nil, fmt.Errorf("provider %s: read body: %w", name, err)
	}
	if len(b) == 0 {
		return nil, errors.New("provider " + name + ": empty tile")
	}
	return b, nil
}

func (e *entry) url(tc model.TileCoord) string {
	sub := ""
	if n := len(e.p.Subdomains); n > 0 {
		sub = e.p.Subdomains[int(e.next.Add(1)-1)%n]
	}
	r := strings.NewReplacer(
		"{s}", sub,
		"{z}", strconv.Itoa(tc.Z),
		"{x}", strconv.Itoa(tc.X),
		"{y}", strconv.Itoa(tc.Y),
		"{-y}", strconv.Itoa((1<<uint(tc.Z))-1-tc.Y),
		"{key}", e.p.APIKey,
	)
	return r.Replace(e.p.URL)
}
