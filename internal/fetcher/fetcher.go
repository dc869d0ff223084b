// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// Package fetcher implements the upstream image fetcher described in
// spec.md §4.4: an ordered, sequentially-attempted list of mirror
// candidates, falling back to a configured default image when every
// candidate fails.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	aia "github.com/fcjr/aia-transport-go"
	"github.com/golang/glog"
	"github.com/gregjones/httpcache"

	"github.com/ecency/imagehoster/internal/metrics"
)

// DefaultTimeout is the per-candidate connect/response/read timeout used
// when Options.Timeout is zero, per spec.md §4.4.
const DefaultTimeout = 10 * time.Second

// maxRedirects bounds redirect following per candidate, per spec.md's
// follow_max=5.
const maxRedirects = 5

// Result is the outcome of a successful Fetch.
type Result struct {
	Bytes      []byte
	IsFallback bool
	SourceURL  string
}

// Options configures a single Fetch call.
type Options struct {
	// Timeout is the per-candidate connect/response/read timeout. Zero
	// means DefaultTimeout.
	Timeout time.Duration

	// SkipURLs excludes these candidates (by exact string match) from
	// the attempt ladder, e.g. to avoid re-fetching a URL that already
	// failed metadata probing.
	SkipURLs []string
}

// AllFallbacksFailed is returned when every mirror candidate and the
// default image both fail.
type AllFallbacksFailed struct {
	URL  string
	Errs []error
}

func (e *AllFallbacksFailed) Error() string {
	return fmt.Sprintf("fetcher: all candidates and default failed for %s (%d attempts)", e.URL, len(e.Errs))
}

// Fetcher fetches upstream images through an ordered mirror ladder,
// falling back to a configured default image URL.
type Fetcher struct {
	client     *http.Client
	defaultURL string
	userAgent  string
}

// New constructs a Fetcher. defaultURL is the soft-fail default image
// fetched when every mirror candidate fails; userAgent is sent on every
// request. If client is nil, a client using an AIA-chasing transport
// wrapped in an in-memory HTTP cache is constructed, matching the
// teacher's TransformingTransport/CachingClient split in imageproxy.go.
func New(client *http.Client, defaultURL, userAgent string) (*Fetcher, error) {
	if client == nil {
		base, err := aia.NewTransport()
		if err != nil {
			return nil, fmt.Errorf("fetcher: building AIA transport: %w", err)
		}
		cached := &httpcache.Transport{
			Transport:           base,
			Cache:               httpcache.NewMemoryCache(),
			MarkCachedResponses: true,
		}
		client = &http.Client{Transport: cached}
	}
	return &Fetcher{client: client, defaultURL: defaultURL, userAgent: userAgent}, nil
}

// candidates builds the ordered mirror ladder for urlString/urlParams,
// per spec.md §4.4 step 1.
func candidates(urlString, urlParams string) []string {
	return []string{
		urlString,
		"https://images.hive.blog/0x0/" + urlString,
		"https://steemitimages.com/0x0/" + urlString,
		"https://wsrv.nl/?url=" + urlString,
		"https://img.leopedia.io/0x0/" + urlString,
		"https://images.hive.blog/p/" + urlParams,
		"https://steemitimages.com/p/" + urlParams,
	}
}

// Fetch tries urlString's mirror ladder in order and, failing all of
// those, the configured default image. urlParams is the raw proxy-path
// parameter string used to build the `/p/` mirror candidates.
func (f *Fetcher) Fetch(ctx context.Context, urlString, urlParams string, opt Options) (*Result, error) {
	timeout := opt.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	skip := make(map[string]struct{}, len(opt.SkipURLs))
	for _, s := range opt.SkipURLs {
		skip[s] = struct{}{}
	}

	var errs []error
	for _, candidate := range candidates(urlString, urlParams) {
		if _, ok := skip[candidate]; ok {
			continue
		}
		b, err := f.attempt(ctx, candidate, timeout)
		if err != nil {
			glog.Infof("fetcher: candidate failed: %v", err)
			errs = append(errs, err)
			continue
		}
		return &Result{Bytes: b, SourceURL: candidate}, nil
	}

	if f.defaultURL != "" {
		b, err := f.attempt(ctx, f.defaultURL, timeout)
		if err == nil {
			metrics.IncFetchFallback()
			return &Result{Bytes: b, IsFallback: true, SourceURL: f.defaultURL}, nil
		}
		errs = append(errs, err)
	}

	metrics.IncFetchError()
	return nil, &AllFallbacksFailed{URL: urlString, Errs: errs}
}

// FetchFallback fetches the configured default image directly, skipping
// the mirror candidate ladder entirely. Used by the transform cache's
// cached-original retry (spec.md §7: a decode/encode failure on a cached
// original evicts it and retries once via the default image).
func (f *Fetcher) FetchFallback(ctx context.Context, opt Options) (*Result, error) {
	if f.defaultURL == "" {
		return nil, fmt.Errorf("fetcher: no default image configured")
	}
	timeout := opt.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	b, err := f.attempt(ctx, f.defaultURL, timeout)
	if err != nil {
		metrics.IncFetchError()
		return nil, err
	}
	metrics.IncFetchFallback()
	return &Result{Bytes: b, IsFallback: true, SourceURL: f.defaultURL}, nil
}

// attempt issues a single GET against candidate, accepting only a 2xx
// status with a non-empty body, per spec.md §4.4 step 3.
func (f *Fetcher) attempt(ctx context.Context, candidate string, timeout time.Duration) ([]byte, error) {
	if _, err := url.Parse(candidate); err != nil {
		return nil, fmt.Errorf("fetcher: invalid candidate %q: %w", candidate, err)
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodGet, candidate, nil)
	if err != nil {
		return nil, err
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	client := *f.client
	client.Timeout = timeout
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("fetcher: stopped after %d redirects", maxRedirects)
		}
		return nil
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetcher: fetching %s: %w", candidate, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetcher: %s returned status %d", candidate, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 100<<20))
	if err != nil {
		return nil, fmt.Errorf("fetcher: reading body of %s: %w", candidate, err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("fetcher: %s returned an empty body", candidate)
	}
	return body, nil
}

// IsHTTPURL reports whether s parses as an absolute http(s) URL, used by
// callers deciding whether a proxied path segment is a remote URL at all.
func IsHTTPURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && strings.TrimSpace(u.Host) != ""
}
