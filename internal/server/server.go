// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// Package server implements the HTTP handler contract of spec.md §4.9: a
// single manually-routed http.Handler (the teacher's Proxy never sits
// behind an http.ServeMux, since ServeMux aggressively cleans URLs and
// collapses the double slash embedded in proxied URLs) dispatching to the
// blob store, fetcher, transform cache, RPC/signature verifier, rate
// limiter and blacklist built elsewhere in this module.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/ecency/imagehoster/internal/apperrors"
	"github.com/ecency/imagehoster/internal/blacklist"
	"github.com/ecency/imagehoster/internal/blobstore"
	"github.com/ecency/imagehoster/internal/key"
	"github.com/ecency/imagehoster/internal/metrics"
	"github.com/ecency/imagehoster/internal/negotiate"
	"github.com/ecency/imagehoster/internal/ratelimit"
	"github.com/ecency/imagehoster/internal/rpc"
	"github.com/ecency/imagehoster/internal/signature"
	"github.com/ecency/imagehoster/internal/transformcache"
)

// Version is the build version reported by the healthcheck endpoints. It
// is a var, not a const, so cmd/imagehoster can stamp it at link time.
var Version = "dev"

// mirrorHosts are the two sibling image hosts tried, in order, when a
// request for an upload-store hash misses locally, per spec.md §4.9's
// "/:hash/:filename?" row. A hit is written through to the local upload
// store so future requests for the same hash are served locally, but the
// response to this request is still a 404 to force the client to retry
// through "/p/" (spec.md §9 design note 2).
var mirrorHosts = []string{
	"https://images.hive.blog",
	"https://steemitimages.com",
}

// AccountResolver is the subset of rpccache.Client the server needs.
type AccountResolver interface {
	GetAccount(ctx context.Context, name string) (*rpc.Account, error)
	GetAccountProfile(ctx context.Context, name string) (*rpc.Profile, error)
}

// Proxy is the top-level HTTP handler implementing spec.md §4.9.
type Proxy struct {
	ServiceURL string

	UploadStore blobstore.Store
	Transform   *transformcache.Cache

	Accounts  AccountResolver
	Blacklist *blacklist.Blacklist
	RateLimit *ratelimit.Limiter
	SigConfig signature.Config

	DefaultAvatar string
	DefaultCover  string

	MaxImageSize  int64
	MinReputation float64

	mirrorClient *http.Client
}

// New constructs a Proxy. mirrorClient is used for the upload-hash mirror
// lookups; if nil, http.DefaultClient is used.
func New(p Proxy) *Proxy {
	if p.mirrorClient == nil {
		p.mirrorClient = http.DefaultClient
	}
	px := p
	return &px
}

// ServeHTTP dispatches path-based routes by hand, per spec.md §4.9.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		metrics.ObserveHTTPResponseSeconds(time.Since(start).Seconds())
	}()

	if r.URL.Path == "/favicon.ico" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch {
	case r.Method == http.MethodGet && isHealthcheckPath(r.URL.Path):
		p.serveHealthcheck(w, r)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/p/"):
		p.serveProxy(w, r, strings.TrimPrefix(r.URL.Path, "/p/"))
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/webp/"):
		p.serveWebPRedirect(w, r)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/u/"):
		p.serveProfileImage(w, r, strings.TrimPrefix(r.URL.Path, "/u/"))
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/hs/"):
		// /hs/:accesstoken is upload-only (POST); GET falls through to
		// NotFound rather than being mistaken for a dimension redirect.
		apperrors.WriteJSON(w, apperrors.New(apperrors.NotFound, nil))
	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/hs/"):
		p.serveUpload(w, r, "", strings.TrimPrefix(r.URL.Path, "/hs/"), true)
	case r.Method == http.MethodGet:
		p.serveGetRoot(w, r)
	case r.Method == http.MethodPost:
		p.servePostRoot(w, r)
	default:
		apperrors.WriteJSON(w, apperrors.New(apperrors.InvalidMethod, nil))
	}
}

func isHealthcheckPath(path string) bool {
	switch path {
	case "/", "/healthcheck", "/.well-known/healthcheck.json":
		return true
	}
	return false
}

type healthcheckBody struct {
	OK      bool   `json:"ok"`
	Version string `json:"version"`
	Date    string `json:"date"`
}

func (p *Proxy) serveHealthcheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthcheckBody{
		OK:      true,
		Version: Version,
		Date:    time.Now().UTC().Format(time.RFC3339),
	})
}

// serveGetRoot handles the remaining GET routes that share the bare "/"
// prefix: "/:hash/:filename?" and "/:WxH/:url".
func (p *Proxy) serveGetRoot(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	first, rest, hasRest := strings.Cut(path, "/")

	if w2, h2, ok := parseDimensionPrefix(first); ok && hasRest {
		p.serveDimensionRedirect(w, r, w2, h2, rest)
		return
	}

	p.serveUploadHash(w, r, first)
}

// parseDimensionPrefix parses a "WxH" path segment, e.g. "600x400". Both
// W and H must be non-negative integers for this to be treated as a
// dimension-redirect request rather than an upload hash.
func parseDimensionPrefix(s string) (w, h int, ok bool) {
	before, after, found := strings.Cut(s, "x")
	if !found || before == "" || after == "" {
		return 0, 0, false
	}
	w, err := strconv.Atoi(before)
	if err != nil || w < 0 {
		return 0, 0, false
	}
	h, err = strconv.Atoi(after)
	if err != nil || h < 0 {
		return 0, 0, false
	}
	return w, h, true
}

// serveDimensionRedirect implements the "/:WxH/:url" row of spec.md
// §4.9: a 301 to the canonical "/p/" form.
func (p *Proxy) serveDimensionRedirect(w http.ResponseWriter, r *http.Request, width, height int, rawURL string) {
	token := key.Base58Encode(rawURL)
	loc := fmt.Sprintf("/p/%s.png?width=%d&height=%d&mode=fit&format=match", token, width, height)
	http.Redirect(w, r, loc, http.StatusMovedPermanently)
}

// serveUploadHash implements the "/:hash/:filename?" row of spec.md §4.9.
func (p *Proxy) serveUploadHash(w http.ResponseWriter, r *http.Request, hashSegment string) {
	hash, _, _ := strings.Cut(hashSegment, ".")

	if b, ct, ok := p.readUploadStore(hash); ok {
		w.Header().Set("Content-Type", ct)
		w.Header().Set("Cache-Control", "immutable")
		w.Write(b)
		return
	}

	path := r.URL.Path
	go p.mirrorWriteThrough(hash, path)

	apperrors.WriteJSON(w, apperrors.New(apperrors.NotFound, nil))
}

func (p *Proxy) readUploadStore(hash string) ([]byte, string, bool) {
	if hash == "" || !p.UploadStore.Exists(hash) {
		return nil, "", false
	}
	b, err := p.UploadStore.ReadAll(hash)
	if err != nil {
		glog.Warningf("server: reading upload store key %s: %v", hash, err)
		return nil, "", false
	}
	return b, transformcache.SniffContentType(b), true
}

// mirrorWriteThrough tries each configured mirror host for path and, on
// the first success, writes the bytes into the local upload store under
// hash so subsequent requests are served locally. It never affects the
// response already sent to the caller (spec.md §9 design note 2).
func (p *Proxy) mirrorWriteThrough(hash, path string) {
	for _, host := range mirrorHosts {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, host+path, nil)
		if err != nil {
			cancel()
			continue
		}
		resp, err := p.mirrorClient.Do(req)
		if err != nil {
			cancel()
			continue
		}
		ok := resp.StatusCode >= 200 && resp.StatusCode < 300
		var body []byte
		if ok {
			body, err = io.ReadAll(io.LimitReader(resp.Body, p.maxImageSizeOrDefault()))
		}
		resp.Body.Close()
		cancel()
		if !ok || err != nil || len(body) == 0 {
			continue
		}
		if err := p.UploadStore.Write(hash, body); err != nil {
			glog.Warningf("server: mirror write-through for %s: %v", hash, err)
		}
		return
	}
}

func (p *Proxy) maxImageSizeOrDefault() int64 {
	if p.MaxImageSize > 0 {
		return p.MaxImageSize
	}
	return 30_000_000
}

// serveWebPRedirect implements the "/webp/*" row of spec.md §4.9: a 301
// to the equivalent path without the "/webp" prefix.
func (p *Proxy) serveWebPRedirect(w http.ResponseWriter, r *http.Request) {
	target := strings.TrimPrefix(r.URL.Path, "/webp")
	if target == "" {
		target = "/"
	}
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

// serveProxy implements the "/p/:url" row of spec.md §4.9.
func (p *Proxy) serveProxy(w http.ResponseWriter, r *http.Request, token string) {
	opt, flags, err := parseTransformQuery(r.URL.Query())
	if err != nil {
		apperrors.WriteJSON(w, err)
		return
	}

	decoded := key.ParseProxiedURL(strings.TrimSuffix(token, extOf(token)), p.DefaultAvatar)
	decoded = key.UnwrapDoubleProxy(p.ServiceURL, decoded, func(inner string) *url.URL {
		return key.ParseProxiedURL(strings.TrimSuffix(inner, extOf(inner)), p.DefaultAvatar)
	})
	canonical := key.Canonicalize(decoded.String())

	// A sentinel empty-image URL (e.g. a client echoing back its own
	// "no avatar set" placeholder) resolves to the configured default
	// avatar rather than attempting to fetch a URL that can't exist.
	if key.IsEmptyImageURL(p.ServiceURL, canonical) || key.HasEmptyImagePrefix(p.ServiceURL, canonical) {
		canonical = key.Canonicalize(p.DefaultAvatar)
	}

	if p.Blacklist != nil && p.Blacklist.IsImageBlacklisted(canonical) {
		apperrors.WriteJSON(w, apperrors.New(apperrors.Blacklisted, nil))
		return
	}

	origKey, err := key.OrigKeyProxy(canonical)
	if err != nil {
		apperrors.WriteJSON(w, apperrors.New(apperrors.InvalidProxyURL, err))
		return
	}

	opt.Format = negotiate.ResolveMatch(opt.Format, r.Header.Get("Accept"))

	p.runTransform(w, r, origKey, transformcache.Request{
		URL:         canonical,
		URLParams:   token,
		Opt:         opt,
		Flags:       flags,
		IfNoneMatch: r.Header.Get("If-None-Match"),
	})
}

// serveProfileImage implements the "/u/:username/avatar/:size?" and
// "/u/:username/cover" rows of spec.md §4.9.
func (p *Proxy) serveProfileImage(w http.ResponseWriter, r *http.Request, rest string) {
	segs := strings.Split(strings.Trim(rest, "/"), "/")
	if len(segs) == 0 || segs[0] == "" {
		apperrors.WriteJSON(w, apperrors.New(apperrors.MissingParam, nil))
		return
	}
	username := segs[0]

	var kind string
	var sizeSeg string
	if len(segs) >= 2 {
		kind = segs[1]
	}
	if len(segs) >= 3 {
		sizeSeg = segs[2]
	}

	ctx := r.Context()
	profile, err := p.Accounts.GetAccountProfile(ctx, username)
	if err != nil {
		apperrors.WriteJSON(w, apperrors.New(apperrors.NoSuchAccount, err))
		return
	}

	var imageURL string
	var opt key.TransformOptions

	switch kind {
	case "avatar":
		imageURL = profile.Metadata.ProfileImage
		if imageURL == "" {
			imageURL = p.DefaultAvatar
		}
		size := 144
		if sizeSeg != "" {
			if n, err := strconv.Atoi(sizeSeg); err == nil && n > 0 {
				size = n
			}
		}
		opt = key.TransformOptions{Width: uint32(size), Height: uint32(size), Mode: key.Cover, Format: key.Match}
		opt.Format = negotiate.ResolveMatchWebPOnly(opt.Format, r.Header.Get("Accept"))
	case "cover":
		imageURL = profile.Metadata.CoverImage
		if imageURL == "" {
			imageURL = p.DefaultCover
		}
		opt = key.TransformOptions{Width: 1344, Height: 240, Mode: key.Fit, Format: key.Match}
		opt.Format = negotiate.ResolveMatch(opt.Format, r.Header.Get("Accept"))
	default:
		apperrors.WriteJSON(w, apperrors.New(apperrors.NotFound, nil))
		return
	}

	canonical := key.Canonicalize(imageURL)
	origKey, err := key.OrigKeyProxy(canonical)
	if err != nil {
		apperrors.WriteJSON(w, apperrors.New(apperrors.InvalidProxyURL, err))
		return
	}

	p.runTransform(w, r, origKey, transformcache.Request{
		URL:         canonical,
		URLParams:   key.Base58Encode(canonical),
		Opt:         opt,
		IfNoneMatch: r.Header.Get("If-None-Match"),
	})
}

// runTransform invokes the transform cache and writes its Response (or
// the resulting error) to w.
func (p *Proxy) runTransform(w http.ResponseWriter, r *http.Request, origKey string, req transformcache.Request) {
	resp, err := p.Transform.Serve(r.Context(), origKey, req)
	if err != nil {
		apperrors.WriteJSON(w, err)
		return
	}

	if resp.NotModified {
		w.Header().Set("ETag", resp.ETag)
		w.Header().Set("Vary", "Accept")
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", resp.ContentType)
	w.Header().Set("ETag", resp.ETag)
	w.Header().Set("Vary", "Accept")
	w.Header().Set("Cache-Control", resp.CacheControl)
	w.Write(resp.Bytes)
}

func extOf(token string) string {
	if i := strings.LastIndex(token, "."); i >= 0 {
		return token[i:]
	}
	return ""
}
