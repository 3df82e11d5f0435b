// Package httpclient configures the HTTP clients used to call upstream
// services: the render engine, the status service and tile providers.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

// ProxyTimeout bounds a whole fetch from an external tile provider.
const ProxyTimeout = 10 * time.Second

// NewOutbound creates a new outbound http client
func NewOutbound() *http.Client {
	return newClient(256, 128, 30*time.Second)
}

// NewProxy is tuned for many concurrent fetches against a few tile hosts.
func NewProxy() *http.Client {
	return newClient(512, 256, ProxyTimeout)
}

func newClient(maxIdle, maxIdlePerHost int, timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdlePerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
