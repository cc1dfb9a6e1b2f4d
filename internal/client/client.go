// Package client talks to a running dlgroupd over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tinoosan/dlgroup/internal/data"
)

const defaultURL = "http://127.0.0.1:9090"

type Client struct {
	baseURL *url.URL
	token   string
	http    *http.Client
}

// New returns a client for the API at rawURL.
func New(rawURL, token string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(rawURL, "/"))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %q", u.Scheme)
	}
	return &Client{baseURL: u, token: token, http: &http.Client{Timeout: timeout}}, nil
}

// NewFromEnv reads DLGROUP_URL, DLGROUP_API_TOKEN and DLGROUP_TIMEOUT_MS.
// A bad URL or timeout falls back to the default.
func NewFromEnv() (*Client, error) {
	ms := 3000
	if v := os.Getenv("DLGROUP_TIMEOUT_MS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			ms = parsed
		}
	}
	rawURL := os.Getenv("DLGROUP_URL")
	if rawURL == "" {
		rawURL = defaultURL
	}
	c, err := New(rawURL, os.Getenv("DLGROUP_API_TOKEN"), time.Duration(ms)*time.Millisecond)
	if err != nil {
		return New(defaultURL, os.Getenv("DLGROUP_API_TOKEN"), time.Duration(ms)*time.Millisecond)
	}
	return c, nil
}

func (c *Client) BaseURL() *url.URL  { return c.baseURL }
func (c *Client) HTTP() *http.Client { return c.http }

// APIError is a non-2xx API response. It unwraps to the matching data error
// so callers can use errors.Is.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("dlgroupd: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return data.ErrNotFound
	case http.StatusConflict:
		return data.ErrDuplicateKey
	case http.StatusBadRequest:
		return data.ErrValidation
	default:
		return nil
	}
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// do sends a request and decodes a JSON response into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, q), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
