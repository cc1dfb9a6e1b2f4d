package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGetSendsHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "bytes=5-" {
			t.Errorf("expected Range bytes=5-, got %q", r.Header.Get("Range"))
		}
		if r.Header.Get("X-Token") != "abc" {
			t.Errorf("expected custom header, got %q", r.Header.Get("X-Token"))
		}
		w.Header().Set("Content-Range", "bytes 5-9/10")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("world"))
	}))
	defer server.Close()

	c := NewHTTPClient(Options{})
	h := http.Header{}
	h.Set("Range", "bytes=5-")
	h.Set("X-Token", "abc")
	resp, err := c.Get(context.Background(), server.URL, h)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if !resp.Partial() {
		t.Fatalf("expected partial response")
	}
	if resp.ContentLength != 5 {
		t.Fatalf("expected content length 5, got %d", resp.ContentLength)
	}
	b, _ := io.ReadAll(resp.Body)
	if string(b) != "world" {
		t.Fatalf("unexpected body %q", b)
	}
}

func TestPartialRequiresContentRange(t *testing.T) {
	r := &Response{StatusCode: http.StatusPartialContent, Header: http.Header{}}
	if r.Partial() {
		t.Fatalf("206 without Content-Range is not partial")
	}
	r = &Response{StatusCode: http.StatusOK, Header: http.Header{"Content-Range": {"bytes 0-1/2"}}}
	if r.Partial() {
		t.Fatalf("200 is never partial")
	}
}

func TestGetCancelledDuringBody(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("x"))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	resp, err := NewHTTPClient(DefaultOptions()).Get(ctx, server.URL, nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 1)
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		t.Fatalf("read first byte: %v", err)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = io.ReadAll(resp.Body)
	if err == nil {
		t.Fatalf("expected read to fail after cancel")
	}
}
