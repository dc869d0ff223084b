// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// Package transformcache implements the transform cache / request
// coalescer of spec.md §4.6: it ties together the upload/proxy blob
// stores, the upstream fetcher, and the codec pipeline into a single
// "serve this (url, opts)" operation, with ETag/304 handling, cache-bypass
// flags, and Cache-Control policy selection.
package transformcache

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/singleflight"

	"github.com/ecency/imagehoster/internal/apperrors"
	"github.com/ecency/imagehoster/internal/blobstore"
	"github.com/ecency/imagehoster/internal/cdn"
	"github.com/ecency/imagehoster/internal/codec"
	"github.com/ecency/imagehoster/internal/fetcher"
	"github.com/ecency/imagehoster/internal/key"
	"github.com/ecency/imagehoster/internal/metrics"
)

// acceptedContentTypes is the validated set for bytes read back out of
// the original store, per spec.md §6.
var acceptedContentTypes = map[string]bool{
	"image/gif":     true,
	"image/jpeg":    true,
	"image/png":     true,
	"image/webp":    true,
	"image/svg+xml": true,
	"image/svg":     true,
	"image/bmp":     true,
	"image/apng":    true,
	"image/avif":    true,
}

// Flags are the cache-control query flags recognized on a proxy request.
type Flags struct {
	IgnoreCache bool
	Invalidate  bool
	Refetch     bool
}

// bypass reports whether any flag forces the request past the cache.
func (f Flags) bypass() bool { return f.IgnoreCache || f.Invalidate || f.Refetch }

// Request is a single resolved (url, opts) transform request.
type Request struct {
	URL       string // canonicalized upstream URL (proxy) or empty (upload-store serve)
	URLParams string // raw base58 token, used to build fetcher /p/ mirror candidates
	Opt       key.TransformOptions
	Flags     Flags

	// IfNoneMatch is the request's If-None-Match header value, if any.
	IfNoneMatch string
}

// Response is the outcome of Serve.
type Response struct {
	NotModified  bool
	Bytes        []byte
	ContentType  string
	ETag         string
	CacheControl string
}

// Cache orchestrates the proxy pipeline described in spec.md §4.6.
//
// The spec does not guarantee single-flight: duplicate concurrent misses
// for the same ImageKey may each perform the work, which is correct but
// wasteful since stores are write-idempotent. This implementation adds
// the in-process coalescer the spec explicitly allows, keyed by ImageKey,
// so concurrent requests for the same miss share one fetch+transform.
type Cache struct {
	ProxyStore   blobstore.Store
	OrigStore    blobstore.Store
	Fetcher      *fetcher.Fetcher
	MaxImageSize int64
	CDN          cdn.Purger
	Limits       codec.Limits

	group singleflight.Group
}

// New constructs a Cache. maxImageSize bounds how large a fetched
// original may be before it's written to the origin store (spec.md §6).
// Dimension limits default to codec.DefaultLimits(); set c.Limits after
// construction to override them from configuration.
func New(proxyStore, origStore blobstore.Store, f *fetcher.Fetcher, maxImageSize int64, purger cdn.Purger) *Cache {
	return &Cache{
		ProxyStore:   proxyStore,
		OrigStore:    origStore,
		Fetcher:      f,
		MaxImageSize: maxImageSize,
		CDN:          purger,
	}
}

// weakETag builds a weak ETag from an ImageKey, per spec.md §4.6 step 2.
func weakETag(imageKey string) string {
	return fmt.Sprintf(`W/"%s"`, imageKey)
}

// Serve resolves req against the cache, fetching and transforming on a
// miss, per the procedure in spec.md §4.6.
func (c *Cache) Serve(ctx context.Context, origKey string, req Request) (*Response, error) {
	imageKey := key.ImageKey(origKey, req.Opt)
	etag := weakETag(imageKey)

	if !req.Flags.bypass() && req.IfNoneMatch != "" && req.IfNoneMatch == etag {
		return &Response{NotModified: true, ETag: etag}, nil
	}

	if req.Flags.Refetch {
		c.ProxyStore.Remove(imageKey)
		if origKey != "" {
			c.OrigStore.Remove(origKey)
		}
		c.purge(req.URL)
	} else if req.Flags.Invalidate {
		c.purge(req.URL)
	}

	bypass := req.Flags.bypass()

	if !bypass && c.ProxyStore.Exists(imageKey) {
		if resp, ok := c.serveFromProxyStore(imageKey); ok {
			metrics.IncProxyStoreHit()
			return resp, nil
		}
		// stream error: evicted inside serveFromProxyStore, fall through to rebuild.
	}

	transformStart := time.Now()
	v, err, _ := c.group.Do(imageKey, func() (interface{}, error) {
		return c.fetchAndTransform(ctx, origKey, bypass, req)
	})
	metrics.ObserveTransformSeconds(time.Since(transformStart).Seconds())
	if err != nil {
		return nil, err
	}

	built := v.(*builtArtifact)
	return &Response{
		Bytes:        built.Bytes,
		ContentType:  built.ContentType,
		ETag:         etag,
		CacheControl: cacheControl(req.Flags, built.IsFallback),
	}, nil
}

// builtArtifact is the coalesced unit of work shared across concurrent
// callers of the same ImageKey miss.
type builtArtifact struct {
	Bytes       []byte
	ContentType string
	IsFallback  bool
}

// fetchAndTransform performs the actual origin read/fetch and codec
// transform for a cache miss; it is the work deduplicated by the
// singleflight coalescer.
func (c *Cache) fetchAndTransform(ctx context.Context, origKey string, bypass bool, req Request) (*builtArtifact, error) {
	var origBytes []byte
	var origContentType string
	isFallback := false
	fromCache := false

	if !bypass && origKey != "" && c.OrigStore.Exists(origKey) {
		b, err := c.OrigStore.ReadAll(origKey)
		if err == nil {
			ct := SniffContentType(b)
			if acceptedContentTypes[ct] {
				origBytes, origContentType, fromCache = b, ct, true
			} else {
				glog.Warningf("transformcache: evicting %s, content type %q not accepted", origKey, ct)
				c.OrigStore.Remove(origKey)
			}
		}
	}

	if origBytes == nil {
		res, err := c.Fetcher.Fetch(ctx, req.URL, req.URLParams, fetcher.Options{})
		if err != nil {
			return nil, apperrors.New(apperrors.UpstreamError, err)
		}
		origBytes = res.Bytes
		origContentType = SniffContentType(origBytes)
		isFallback = res.IsFallback

		if !isFallback && origKey != "" && int64(len(origBytes)) <= c.MaxImageSize {
			if err := c.OrigStore.Write(origKey, origBytes); err != nil {
				glog.Warningf("transformcache: writing %s to origin store: %v", origKey, err)
			}
		}
	}

	// spec.md §4.5 step 1: a metadata-probe failure on freshly-fetched
	// bytes gets one retry with the original URL excluded from the
	// candidate ladder. spec.md §7: a failure on a *cached* original
	// instead evicts that original and retries once via the default
	// image. Either retry's bytes are re-probed before proceeding; if
	// that also fails, the failure propagates as InvalidImage.
	if _, err := codec.ProbeMetadata(origBytes); err != nil {
		if fromCache {
			glog.Warningf("transformcache: evicting %s after metadata-probe failure: %v", origKey, err)
			c.OrigStore.Remove(origKey)
			res, ferr := c.Fetcher.FetchFallback(ctx, fetcher.Options{})
			if ferr != nil {
				return nil, apperrors.New(apperrors.InvalidImage, err)
			}
			origBytes, origContentType, isFallback, fromCache = res.Bytes, SniffContentType(res.Bytes), true, false
		} else {
			res, ferr := c.Fetcher.Fetch(ctx, req.URL, req.URLParams, fetcher.Options{SkipURLs: []string{req.URL}})
			if ferr != nil {
				return nil, apperrors.New(apperrors.InvalidImage, err)
			}
			origBytes, origContentType, isFallback = res.Bytes, SniffContentType(res.Bytes), true
		}
		if _, err := codec.ProbeMetadata(origBytes); err != nil {
			return nil, apperrors.New(apperrors.InvalidImage, err)
		}
	}

	result, err := codec.Transform(origBytes, origContentType, codec.Options{
		Width:  int(req.Opt.Width),
		Height: int(req.Opt.Height),
		Mode:   req.Opt.Mode,
		Format: req.Opt.Format,
		Limits: c.Limits,
	})
	if err != nil {
		if fromCache {
			glog.Warningf("transformcache: evicting %s after transform failure: %v", origKey, err)
			c.OrigStore.Remove(origKey)
			res, ferr := c.Fetcher.FetchFallback(ctx, fetcher.Options{})
			if ferr != nil {
				return nil, apperrors.New(apperrors.InvalidImage, err)
			}
			result, err = codec.Transform(res.Bytes, SniffContentType(res.Bytes), codec.Options{
				Width:  int(req.Opt.Width),
				Height: int(req.Opt.Height),
				Mode:   req.Opt.Mode,
				Format: req.Opt.Format,
				Limits: c.Limits,
			})
			if err != nil {
				return nil, apperrors.New(apperrors.InvalidImage, err)
			}
			isFallback = true
		} else {
			return nil, apperrors.New(apperrors.InvalidImage, err)
		}
	}

	imageKey := key.ImageKey(origKey, req.Opt)
	if !isFallback {
		if err := c.ProxyStore.Write(imageKey, result.Bytes); err != nil {
			glog.Warningf("transformcache: writing %s to proxy store: %v", imageKey, err)
		}
	}

	return &builtArtifact{Bytes: result.Bytes, ContentType: result.ContentType, IsFallback: isFallback}, nil
}

// serveFromProxyStore reads a cache hit back out and reports whether the
// read succeeded. On a stream error it best-effort evicts the entry, per
// spec.md §4.6 step 6.
func (c *Cache) serveFromProxyStore(imageKey string) (*Response, bool) {
	rc, err := c.ProxyStore.OpenReadStream(imageKey)
	if err != nil {
		glog.Warningf("transformcache: evicting %s after read error: %v", imageKey, err)
		c.ProxyStore.Remove(imageKey)
		return nil, false
	}
	defer rc.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(rc); err != nil {
		glog.Warningf("transformcache: evicting %s after stream error: %v", imageKey, err)
		c.ProxyStore.Remove(imageKey)
		return nil, false
	}

	b := buf.Bytes()
	return &Response{
		Bytes:        b,
		ContentType:  SniffContentType(b),
		ETag:         weakETag(imageKey),
		CacheControl: ImmutableCacheControl,
	}, true
}

func (c *Cache) purge(url string) {
	if c.CDN == nil || url == "" {
		return
	}
	if err := c.CDN.Purge(url); err != nil {
		glog.Warningf("transformcache: CDN purge of %s failed: %v", url, err)
	}
}

// cacheControl chooses the Cache-Control header per spec.md §4.6 step 10.
func cacheControl(f Flags, isFallback bool) string {
	switch {
	case f.bypass():
		return "no-cache,must-revalidate"
	case isFallback:
		return "public,max-age=600"
	default:
		return "public,max-age=3600,stale-while-revalidate=86400"
	}
}

// ImmutableCacheControl is the Cache-Control value Serve returns for a
// proxy-store hit.
const ImmutableCacheControl = "public,max-age=31536000,immutable"

// SniffContentType sniffs b's content type using the first 512 bytes via
// net/http's table, with an explicit SVG text-scan fallback, per
// spec.md §4.9/§6's note that codec libraries commonly miss SVG.
func SniffContentType(b []byte) string {
	n := len(b)
	if n > 512 {
		n = 512
	}
	ct := http.DetectContentType(b[:n])

	// strip any "; charset=..." suffix DetectContentType may add.
	if i := bytes.IndexByte([]byte(ct), ';'); i >= 0 {
		ct = ct[:i]
	}

	if ct == "text/plain" || ct == "text/xml" || ct == "application/octet-stream" {
		scan := b
		if len(scan) > 4096 {
			scan = scan[:4096]
		}
		if bytes.Contains(scan, []byte("<svg")) || bytes.Contains(scan, []byte("<?xml")) && bytes.Contains(scan, []byte("<svg")) {
			return "image/svg+xml"
		}
	}

	return ct
}
