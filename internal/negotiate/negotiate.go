// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// Package negotiate implements the content negotiation rules of
// spec.md §4.10: deciding which image format an `Accept` header
// supports, and resolving a `Match` format request to a concrete
// encoding.
package negotiate

import (
	"strings"

	"github.com/ecency/imagehoster/internal/key"
)

// SupportsWebP reports whether accept indicates the client accepts
// image/webp, via a case-insensitive substring test.
func SupportsWebP(accept string) bool {
	return strings.Contains(strings.ToLower(accept), "image/webp")
}

// SupportsAvif reports whether accept indicates the client accepts
// image/avif, via a case-insensitive substring test.
func SupportsAvif(accept string) bool {
	return strings.Contains(strings.ToLower(accept), "image/avif")
}

// ResolveMatch resolves a requested key.Match format against accept,
// preferring AVIF over WEBP over the original format, per spec.md
// §4.10. Non-Match formats pass through unchanged.
func ResolveMatch(format key.OutputFormat, accept string) key.OutputFormat {
	if format != key.Match {
		return format
	}
	switch {
	case SupportsAvif(accept):
		return key.AVIF
	case SupportsWebP(accept):
		return key.WEBP
	default:
		return key.Match
	}
}

// ResolveMatchWebPOnly resolves a requested key.Match format against
// accept, considering only WEBP, per the avatar endpoint's narrower
// negotiation rule in spec.md §4.9.
func ResolveMatchWebPOnly(format key.OutputFormat, accept string) key.OutputFormat {
	if format != key.Match {
		return format
	}
	if SupportsWebP(accept) {
		return key.WEBP
	}
	return key.Match
}
