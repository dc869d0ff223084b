// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// Package key implements the content/URL-addressed key codec described in
// spec.md §4.1: base58/multihash framing, OrigKey and ImageKey derivation,
// URL canonicalization, and the empty-image and double-proxy sentinels.
package key

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/mr-tron/base58"
	"github.com/multiformats/go-multihash"
)

// Store key prefixes, per spec.md §3.
const (
	UploadPrefix = "D"
	ProxyPrefix  = "U"
)

// ScalingMode is the resize mode requested for a transform. The names are
// normative (spec.md §6): they appear verbatim in ImageKey.
type ScalingMode string

const (
	Cover ScalingMode = "Cover"
	Fit   ScalingMode = "Fit"
)

// OutputFormat is the requested output encoding. Names are normative.
type OutputFormat string

const (
	Match OutputFormat = "Match"
	JPEG  OutputFormat = "JPEG"
	PNG   OutputFormat = "PNG"
	WEBP  OutputFormat = "WEBP"
	AVIF  OutputFormat = "AVIF"
)

// TransformOptions is the decoded, validated set of transform parameters
// that, combined with an OrigKey, deterministically produce an ImageKey.
type TransformOptions struct {
	Width, Height uint32
	Mode          ScalingMode
	Format        OutputFormat
}

// Base58Encode multihash-frames s (as an identity digest) and base58
// encodes the result. It is the inverse of Base58Decode.
func Base58Encode(s string) string {
	mh, err := multihash.Sum([]byte(s), multihash.IDENTITY, -1)
	if err != nil {
		// IDENTITY sums never fail for any input length we pass (-1 means
		// "use the input length"), but guard defensively anyway.
		return base58.Encode([]byte(s))
	}
	return base58.Encode(mh)
}

// Base58Decode is the inverse of Base58Encode. Non-base58 input or a
// digest that isn't valid UTF-8 is reported as an error.
func Base58Decode(s string) (string, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return "", fmt.Errorf("base58 decode: %w", err)
	}
	dmh, err := multihash.Decode(raw)
	if err != nil {
		return "", fmt.Errorf("multihash decode: %w", err)
	}
	if !utf8.Valid(dmh.Digest) {
		return "", fmt.Errorf("decoded digest is not valid utf-8")
	}
	return string(dmh.Digest), nil
}

// sum58 multihash-frames data with the given hash function code, then
// base58 encodes it.
func sum58(code uint64, data []byte) (string, error) {
	mh, err := multihash.Sum(data, code, -1)
	if err != nil {
		return "", err
	}
	return base58.Encode(mh), nil
}

// OrigKeyUpload computes the content-addressed OrigKey for uploaded bytes:
// "D" + base58(multihash(sha2-256, bytes)). It is a pure function of data;
// calling it twice on identical bytes yields an identical key.
func OrigKeyUpload(data []byte) (string, error) {
	d, err := sum58(multihash.SHA2_256, data)
	if err != nil {
		return "", err
	}
	return UploadPrefix + d, nil
}

// OrigKeyProxy computes the URL-addressed OrigKey for a proxied remote URL:
// "U" + base58(multihash(sha1, canonicalURL)).
func OrigKeyProxy(canonicalURL string) (string, error) {
	d, err := sum58(multihash.SHA1, []byte(canonicalURL))
	if err != nil {
		return "", err
	}
	return ProxyPrefix + d, nil
}

// OrigKeyFromUploadPath returns the OrigKey embedded in the first path
// segment of an upload-serving request, e.g. "/Dabc123/photo.jpg" -> "Dabc123".
func OrigKeyFromUploadPath(path string) string {
	p := strings.TrimPrefix(path, "/")
	parts := strings.SplitN(p, "/", 2)
	return parts[0]
}

// ImageKey derives the deterministic ImageKey for origKey and opt, per
// spec.md §3 invariant 3. The legacy compact form is used only for the
// (Fit, Match) combination; all others use the fully qualified form,
// appending only the dimensions that are actually set.
func ImageKey(origKey string, opt TransformOptions) string {
	if opt.Mode == Fit && opt.Format == Match {
		return fmt.Sprintf("%s_%dx%d", origKey, opt.Width, opt.Height)
	}

	s := fmt.Sprintf("%s_%s_%s", origKey, opt.Mode, opt.Format)
	if opt.Width != 0 {
		s += fmt.Sprintf("_%d", opt.Width)
	}
	if opt.Height != 0 {
		s += fmt.Sprintf("_%d", opt.Height)
	}
	return s
}

// domainReplacement is one entry of the ordered domain-replacement table
// (spec.md §6). The first matching prefix wins.
type domainReplacement struct{ from, to string }

var domainReplacements = []domainReplacement{
	{"https://img.3speakcontent.online/", "https://img.3speakcontent.co/"},
	{"https://img.inleo.io/D", "https://img.leopedia.io/D"},
}

// pathReplacement rewrites a single path on a specific (post
// domain-replacement) host.
type pathReplacement struct{ host, from, to string }

var pathReplacements = []pathReplacement{
	{"img.3speakcontent.co", "/post.png", "/thumbnails/default.png"},
}

const esteemMarker = "https://img.esteem.ws/"
const esteemWrapPrefix = "https://steemitimages.com/0x0/"

// Canonicalize applies the domain-replacement table, the esteem wrap, and
// the path-replacement table, in that order, as specified in spec.md §4.1
// and §6. It is idempotent: Canonicalize(Canonicalize(x)) == Canonicalize(x).
func Canonicalize(raw string) string {
	out := raw

	for _, d := range domainReplacements {
		if strings.HasPrefix(out, d.from) {
			out = d.to + strings.TrimPrefix(out, d.from)
			break
		}
	}

	if strings.Contains(out, esteemMarker) && !strings.HasPrefix(out, esteemWrapPrefix) {
		out = esteemWrapPrefix + out
	}

	if u, err := url.Parse(out); err == nil {
		for _, p := range pathReplacements {
			if u.Host == p.host && u.Path == p.from {
				u.Path = p.to
				out = u.String()
			}
		}
	}

	return out
}

// ParsePlainURL parses s as an absolute http/https URL. Any failure is
// reported as an error (the caller is expected to surface InvalidProxyUrl).
func ParsePlainURL(s string) (*url.URL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("not an absolute http(s) url: %q", s)
	}
	return u, nil
}

// ParseProxiedURL base58-decodes token, strips trailing slashes, and parses
// the result as an absolute URL. Per spec.md §4.1, this never raises: any
// failure returns the parsed fallbackURL instead. If fallbackURL itself
// fails to parse, ParseProxiedURL panics, since that indicates a
// misconfigured deployment rather than a bad request.
func ParseProxiedURL(token, fallbackURL string) *url.URL {
	fb, err := url.Parse(fallbackURL)
	if err != nil {
		panic(fmt.Sprintf("key: invalid configured fallback image url %q: %v", fallbackURL, err))
	}

	decoded, err := Base58Decode(token)
	if err != nil {
		return fb
	}
	decoded = strings.TrimRight(decoded, "/")

	u, err := url.Parse(decoded)
	if err != nil || !u.IsAbs() {
		return fb
	}
	return u
}

// IsEmptyImageURL reports whether s is exactly the empty-image sentinel
// "{serviceBaseURL}/0x0".
func IsEmptyImageURL(serviceBaseURL, s string) bool {
	return s == serviceBaseURL+"/0x0"
}

// HasEmptyImagePrefix reports whether s begins with the empty-image
// sentinel prefix "{serviceBaseURL}/0x0/".
func HasEmptyImagePrefix(serviceBaseURL, s string) bool {
	return strings.HasPrefix(s, serviceBaseURL+"/0x0/")
}

// maxProxyUnwrap bounds the double-proxy unwrap loop (spec.md §9).
const maxProxyUnwrap = 4

// UnwrapDoubleProxy iteratively unwraps a URL that points back at this
// service's own "/p/" prefix, calling decode to resolve each layer's
// token. It stops after maxProxyUnwrap iterations or as soon as u no
// longer points at the service's "/p/" prefix.
func UnwrapDoubleProxy(serviceBaseURL string, u *url.URL, decode func(token string) *url.URL) *url.URL {
	svc, err := url.Parse(serviceBaseURL)
	if err != nil {
		return u
	}

	for i := 0; i < maxProxyUnwrap; i++ {
		if u.Host != svc.Host || !strings.HasPrefix(u.Path, "/p/") {
			break
		}
		token := strings.TrimPrefix(u.Path, "/p/")
		next := decode(token)
		if next == nil || next.String() == u.String() {
			break
		}
		u = next
	}
	return u
}
