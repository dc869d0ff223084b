// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package negotiate

import (
	"testing"

	"github.com/ecency/imagehoster/internal/key"
)

func TestSupportsWebP(t *testing.T) {
	tests := map[string]bool{
		"text/html,image/webp,*/*": true,
		"IMAGE/WEBP":               true,
		"text/html":                false,
		"":                         false,
	}
	for accept, want := range tests {
		if got := SupportsWebP(accept); got != want {
			t.Errorf("SupportsWebP(%q) = %v, want %v", accept, got, want)
		}
	}
}

func TestSupportsAvif(t *testing.T) {
	if !SupportsAvif("image/avif,image/webp") {
		t.Errorf("expected avif support detected")
	}
	if SupportsAvif("image/webp") {
		t.Errorf("did not expect avif support")
	}
}

func TestResolveMatchPrefersAvifOverWebP(t *testing.T) {
	got := ResolveMatch(key.Match, "image/avif,image/webp")
	if got != key.AVIF {
		t.Errorf("ResolveMatch = %v, want AVIF", got)
	}
}

func TestResolveMatchFallsBackToWebP(t *testing.T) {
	got := ResolveMatch(key.Match, "image/webp")
	if got != key.WEBP {
		t.Errorf("ResolveMatch = %v, want WEBP", got)
	}
}

func TestResolveMatchKeepsOriginalWithNoNegotiation(t *testing.T) {
	got := ResolveMatch(key.Match, "text/html")
	if got != key.Match {
		t.Errorf("ResolveMatch = %v, want Match (unresolved)", got)
	}
}

func TestResolveMatchPassesThroughNonMatch(t *testing.T) {
	got := ResolveMatch(key.JPEG, "image/avif")
	if got != key.JPEG {
		t.Errorf("ResolveMatch = %v, want JPEG (unchanged)", got)
	}
}
