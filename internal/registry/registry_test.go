package registry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFetchPackument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"leftpad","versions":{"1.0.0":{"version":"1.0.0","dependencies":{},"dist":{"tarball":"https://example/leftpad-1.0.0.tgz","integrity":"sha512-x"}}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, t.TempDir())
	pkt, err := c.FetchPackument(context.Background(), "leftpad")
	if err != nil {
		t.Fatal(err)
	}
	if pkt.Name != "leftpad" || pkt.Versions["1.0.0"].TarballURL != "https://example/leftpad-1.0.0.tgz" {
		t.Fatalf("unexpected packument: %+v", pkt)
	}
}

func TestFetchPackumentNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	_, err := c.FetchPackument(context.Background(), "missing")
	if err == nil {
		t.Fatal("want error")
	}
	var nf *ErrNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestFetchPackumentRetriesOn5xx(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"name":"ok","versions":{}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	c.Retry = RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}
	pkt, err := c.FetchPackument(context.Background(), "ok")
	if err != nil {
		t.Fatal(err)
	}
	if attempts < 3 {
		t.Fatalf("want at least 3 attempts, got %d", attempts)
	}
	if pkt.Name != "ok" {
		t.Fatalf("unexpected packument: %+v", pkt)
	}
}

func TestFetchPackumentTerminalOn4xx(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	_, err := c.FetchPackument(context.Background(), "forbidden")
	if err == nil {
		t.Fatal("want error")
	}
	if attempts != 1 {
		t.Fatalf("want exactly 1 attempt for terminal error, got %d", attempts)
	}
}

func TestConditionalGETUsesCache(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.Header.Get("If-Modified-Since") != "" {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Write([]byte(`{"name":"cached","versions":{}}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	c := New(srv.URL, dir)
	if _, err := c.FetchPackument(context.Background(), "cached"); err != nil {
		t.Fatal(err)
	}
	pkt, err := c.FetchPackument(context.Background(), "cached")
	if err != nil {
		t.Fatal(err)
	}
	if pkt.Name != "cached" {
		t.Fatalf("expected cached body to decode, got %+v", pkt)
	}
	if hits != 2 {
		t.Fatalf("want 2 HTTP round trips (second a 304), got %d", hits)
	}
}
