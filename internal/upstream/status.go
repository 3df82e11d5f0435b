// Package upstream is the client for the dataset status service that
// reports where an uploaded file ended up after processing.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mohammed-shakir/tilecache/internal/core/model"
	"github.com/mohammed-shakir/tilecache/internal/core/observability"
)

// StatusClient is what the orchestrators and admin service need.
type StatusClient interface {
	GetStatus(ctx context.Context, fileID, accessToken string) (*model.DatasetStatus, error)
}

type Client struct {
	base string
	http *http.Client
}

var _ StatusClient = (*Client)(nil)

func New(baseURL string, hc *http.Client) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("status service URL is required")
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{base: baseURL, http: hc}, nil
}

// GetStatus calls GET {base}/uploads/{fileId}/status with the caller's
// token as a bearer credential. A 404 maps to model.ErrNoSuchDataset.
func (c *Client) GetStatus(ctx context.Context, fileID, accessToken string) (*model.DatasetStatus, error) {
	if strings.TrimSpace(fileID) == "" {
		return nil, fmt.Errorf("%w: missing required field(s): fileId", model.ErrInvalidRequest)
	}
	u := fmt.Sprintf("%s/uploads/%s/status", c.base, url.PathEscape(fileID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build status request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	observability.ObserveUpstreamLatency("status", time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("status service: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("dataset %q: %w", fileID, model.ErrNoSuchDataset)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("status service %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var st model.DatasetStatus
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode status for %q: %w", fileID, err)
	}
	return &st, nil
}
