// Package transport is the network capability used by download tasks.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Options configures HTTPClient.
type Options struct {
	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 16
	MaxIdleConnsPerHost int

	// Timeout bounds how long to wait for response headers. The body itself
	// may stream for longer; cancellation goes through the context.
	// Default: 30s
	Timeout time.Duration
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxIdleConnsPerHost: 16,
		Timeout:             30 * time.Second,
	}
}

// Response is the part of an HTTP response a transfer needs.
type Response struct {
	StatusCode int
	Header     http.Header
	// ContentLength is -1 when the server did not announce a length.
	ContentLength int64
	Body          io.ReadCloser
}

// Partial reports whether the server honored a range request, i.e. answered
// 206 with a Content-Range header.
func (r *Response) Partial() bool {
	return r.StatusCode == http.StatusPartialContent && r.Header.Get("Content-Range") != ""
}

// Client issues GET requests. Cancelling ctx aborts the call, including a
// body read in progress.
type Client interface {
	Get(ctx context.Context, url string, header http.Header) (*Response, error)
}

// HTTPClient implements Client over net/http.
type HTTPClient struct {
	client *http.Client
}

// NewHTTPClient creates a client tuned for large downloads.
func NewHTTPClient(opts Options) *HTTPClient {
	def := DefaultOptions()
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = def.MaxIdleConnsPerHost
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		MaxIdleConns:          opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: opts.Timeout,
		// Byte offsets must refer to the raw entity.
		DisableCompression: true,
	}
	return &HTTPClient{client: &http.Client{Transport: transport}}
}

// Get performs a GET with the given extra headers.
func (c *HTTPClient) Get(ctx context.Context, url string, header http.Header) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	return &Response{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		ContentLength: resp.ContentLength,
		Body:          resp.Body,
	}, nil
}
