package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mohammed-shakir/tilecache/internal/core/model"
	"github.com/mohammed-shakir/tilecache/internal/core/observability"
	"github.com/mohammed-shakir/tilecache/internal/scene"
)

const maxTileBytes = 16 << 20

// HTTPEngine posts the scene and request as JSON to {baseURL}/render and
// returns the response body as the tile.
type HTTPEngine struct {
	url    string
	client *http.Client
}

var _ Engine = (*HTTPEngine)(nil)

func NewHTTPEngine(baseURL string, client *http.Client) (*HTTPEngine, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("render engine URL is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPEngine{url: baseURL + "/render", client: client}, nil
}

type renderCall struct {
	Scene   *scene.Scene `json:"scene"`
	Request Request      `json:"request"`
}

// StatusError is a non-2xx answer from the engine.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("render engine status %d: %s", e.Status, e.Body)
}

func (e *StatusError) Unwrap() error { return model.ErrRenderEngine }

func (e *HTTPEngine) Render(ctx context.Context, s *scene.Scene, req Request) ([]byte, error) {
	body, err := json.Marshal(renderCall{Scene: s, Request: req})
	if err != nil {
		return nil, fmt.Errorf("encode render call: %w", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build render request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := e.client.Do(hreq)
	observability.ObserveUpstreamLatency("render_engine", time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrRenderEngine, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxTileBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", model.ErrRenderEngine, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := string(b)
		if len(msg) > 256 {
			msg = msg[:256]
		}
		return nil, &StatusError{Status: resp.StatusCode, Body: msg}
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty tile body", model.ErrRenderEngine)
	}
	return b, nil
}
