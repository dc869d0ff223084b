// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package transformcache

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ecency/imagehoster/internal/blobstore"
	"github.com/ecency/imagehoster/internal/cdn"
	"github.com/ecency/imagehoster/internal/fetcher"
	"github.com/ecency/imagehoster/internal/key"
)

func solidPNG(w, h int) []byte {
	m := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			m.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	buf := new(bytes.Buffer)
	png.Encode(buf, m)
	return buf.Bytes()
}

type countingPurger struct{ calls int }

func (p *countingPurger) Purge(string) error { p.calls++; return nil }

func newTestCache(t *testing.T, hits *int) (*Cache, *httptest.Server) {
	t.Helper()
	img := solidPNG(20, 20)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			*hits++
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(img)
	}))
	t.Cleanup(srv.Close)

	f, err := fetcher.New(srv.Client(), srv.URL, "imagehoster-test")
	if err != nil {
		t.Fatalf("fetcher.New: %v", err)
	}

	c := New(blobstore.NewMemory(), blobstore.NewMemory(), f, 10<<20, cdn.Nop{})
	return c, srv
}

func TestServeFetchMissTransformsAndCaches(t *testing.T) {
	hits := 0
	c, srv := newTestCache(t, &hits)

	req := Request{URL: srv.URL, Opt: key.TransformOptions{Mode: key.Fit, Format: key.JPEG, Width: 10, Height: 10}}
	resp, err := c.Serve(context.Background(), "orig1", req)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if len(resp.Bytes) == 0 {
		t.Fatal("expected non-empty transformed bytes")
	}
	if resp.ContentType != "image/jpeg" {
		t.Errorf("ContentType = %q, want image/jpeg", resp.ContentType)
	}
	if hits != 1 {
		t.Fatalf("upstream hits = %d, want 1", hits)
	}

	imageKey := key.ImageKey("orig1", req.Opt)
	if !c.ProxyStore.Exists(imageKey) {
		t.Error("expected proxy store to hold the transformed result after a miss")
	}
	if !c.OrigStore.Exists("orig1") {
		t.Error("expected origin store to hold the fetched original after a miss")
	}
}

func TestServeProxyStoreHitSkipsUpstream(t *testing.T) {
	hits := 0
	c, srv := newTestCache(t, &hits)

	req := Request{URL: srv.URL, Opt: key.TransformOptions{Mode: key.Fit, Format: key.JPEG, Width: 10, Height: 10}}
	if _, err := c.Serve(context.Background(), "orig1", req); err != nil {
		t.Fatalf("first Serve: %v", err)
	}
	if hits != 1 {
		t.Fatalf("hits after first Serve = %d, want 1", hits)
	}

	if _, err := c.Serve(context.Background(), "orig1", req); err != nil {
		t.Fatalf("second Serve: %v", err)
	}
	if hits != 1 {
		t.Errorf("hits after second Serve = %d, want still 1 (proxy store hit)", hits)
	}
}

func TestServeIfNoneMatchReturnsNotModified(t *testing.T) {
	c, srv := newTestCache(t, nil)
	req := Request{URL: srv.URL, Opt: key.TransformOptions{Mode: key.Fit, Format: key.JPEG, Width: 10, Height: 10}}

	first, err := c.Serve(context.Background(), "orig1", req)
	if err != nil {
		t.Fatalf("first Serve: %v", err)
	}

	req.IfNoneMatch = first.ETag
	second, err := c.Serve(context.Background(), "orig1", req)
	if err != nil {
		t.Fatalf("second Serve: %v", err)
	}
	if !second.NotModified {
		t.Error("expected NotModified on matching If-None-Match")
	}
}

func TestServeIgnoreCacheBypassesProxyStore(t *testing.T) {
	hits := 0
	c, srv := newTestCache(t, &hits)
	req := Request{URL: srv.URL, Opt: key.TransformOptions{Mode: key.Fit, Format: key.JPEG, Width: 10, Height: 10}}

	if _, err := c.Serve(context.Background(), "orig1", req); err != nil {
		t.Fatalf("first Serve: %v", err)
	}

	req.Flags = Flags{IgnoreCache: true}
	resp, err := c.Serve(context.Background(), "orig1", req)
	if err != nil {
		t.Fatalf("second Serve: %v", err)
	}
	if hits != 2 {
		t.Errorf("hits = %d, want 2 (ignorecache forces refetch)", hits)
	}
	if resp.CacheControl != "no-cache,must-revalidate" {
		t.Errorf("CacheControl = %q, want no-cache,must-revalidate", resp.CacheControl)
	}
}

func TestServeRefetchRemovesStoresAndPurges(t *testing.T) {
	hits := 0
	c, srv := newTestCache(t, &hits)
	purger := &countingPurger{}
	c.CDN = purger

	req := Request{URL: srv.URL, Opt: key.TransformOptions{Mode: key.Fit, Format: key.JPEG, Width: 10, Height: 10}}
	if _, err := c.Serve(context.Background(), "orig1", req); err != nil {
		t.Fatalf("first Serve: %v", err)
	}

	req.Flags = Flags{Refetch: true}
	if _, err := c.Serve(context.Background(), "orig1", req); err != nil {
		t.Fatalf("refetch Serve: %v", err)
	}
	if hits != 2 {
		t.Errorf("hits = %d, want 2 after refetch", hits)
	}
	if purger.calls == 0 {
		t.Error("expected Refetch to purge the CDN")
	}
}

func TestCacheControlSelection(t *testing.T) {
	cases := []struct {
		name       string
		flags      Flags
		isFallback bool
		want       string
	}{
		{"normal", Flags{}, false, "public,max-age=3600,stale-while-revalidate=86400"},
		{"fallback", Flags{}, true, "public,max-age=600"},
		{"ignorecache", Flags{IgnoreCache: true}, false, "no-cache,must-revalidate"},
		{"invalidate", Flags{Invalidate: true}, false, "no-cache,must-revalidate"},
		{"refetch", Flags{Refetch: true}, false, "no-cache,must-revalidate"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := cacheControl(c.flags, c.isFallback); got != c.want {
				t.Errorf("cacheControl(%+v, %v) = %q, want %q", c.flags, c.isFallback, got, c.want)
			}
		})
	}
}

func TestSniffContentTypeDetectsSVGText(t *testing.T) {
	svg := []byte(`<?xml version="1.0"?><svg xmlns="http://www.w3.org/2000/svg"></svg>`)
	if got := SniffContentType(svg); got != "image/svg+xml" {
		t.Errorf("SniffContentType(svg) = %q, want image/svg+xml", got)
	}
}

// TestServeCachedOriginalDecodeFailureEvictsAndRetries covers spec.md §7:
// a corrupt cached original is evicted and the request retried once via
// the default image, rather than failing outright.
func TestServeCachedOriginalDecodeFailureEvictsAndRetries(t *testing.T) {
	img := solidPNG(20, 20)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(img)
	}))
	t.Cleanup(srv.Close)

	f, err := fetcher.New(srv.Client(), srv.URL, "imagehoster-test")
	if err != nil {
		t.Fatalf("fetcher.New: %v", err)
	}

	c := New(blobstore.NewMemory(), blobstore.NewMemory(), f, 10<<20, cdn.Nop{})

	// seed a corrupt "original" that sniffs as an accepted image type but
	// can't actually be decoded.
	corrupt := []byte{0xFF, 0xD8, 0xFF, 0x00, 0x00, 0x00}
	if err := c.OrigStore.Write("orig1", corrupt); err != nil {
		t.Fatalf("seeding corrupt original: %v", err)
	}

	req := Request{URL: srv.URL, Opt: key.TransformOptions{Mode: key.Fit, Format: key.JPEG, Width: 10, Height: 10}}
	resp, err := c.Serve(context.Background(), "orig1", req)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if len(resp.Bytes) == 0 {
		t.Fatal("expected non-empty transformed bytes from the fallback retry")
	}
	if c.OrigStore.Exists("orig1") {
		t.Error("expected the corrupt original to be evicted")
	}
	if resp.CacheControl != "public,max-age=600" {
		t.Errorf("CacheControl = %q, want public,max-age=600 (fallback-tagged)", resp.CacheControl)
	}
}
