// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/ecency/imagehoster/internal/apperrors"
	"github.com/ecency/imagehoster/internal/key"
	"github.com/ecency/imagehoster/internal/transformcache"
)

// formatAliases maps the query-parameter spelling of spec.md §6's
// "format" values onto the normative key.OutputFormat names.
var formatAliases = map[string]key.OutputFormat{
	"match": key.Match,
	"jpeg":  key.JPEG,
	"jpg":   key.JPEG,
	"png":   key.PNG,
	"webp":  key.WEBP,
	"avif":  key.AVIF,
}

// parseTransformQuery parses the "/p/" query string per spec.md §6:
// width, height (non-negative ints, 0=unspecified), mode, format, and
// the ignorecache/invalidate/refetch cache-bypass flags.
func parseTransformQuery(q url.Values) (key.TransformOptions, transformcache.Flags, error) {
	var opt key.TransformOptions

	width, err := parseNonNegativeInt(q.Get("width"))
	if err != nil {
		return opt, transformcache.Flags{}, apperrors.New(apperrors.InvalidParam, err)
	}
	height, err := parseNonNegativeInt(q.Get("height"))
	if err != nil {
		return opt, transformcache.Flags{}, apperrors.New(apperrors.InvalidParam, err)
	}
	opt.Width, opt.Height = uint32(width), uint32(height)

	switch strings.ToLower(q.Get("mode")) {
	case "", "fit":
		opt.Mode = key.Fit
	case "cover":
		opt.Mode = key.Cover
	default:
		return opt, transformcache.Flags{}, apperrors.New(apperrors.InvalidParam, nil)
	}

	if raw := q.Get("format"); raw == "" {
		opt.Format = key.Match
	} else if f, ok := formatAliases[strings.ToLower(raw)]; ok {
		opt.Format = f
	} else {
		return opt, transformcache.Flags{}, apperrors.New(apperrors.InvalidParam, nil)
	}

	flags := transformcache.Flags{
		IgnoreCache: q.Get("ignorecache") == "1",
		Invalidate:  q.Get("invalidate") == "1",
		Refetch:     q.Get("refetch") == "1",
	}

	return opt, flags, nil
}

// parseNonNegativeInt parses s as a non-negative int, treating "" as 0
// (unspecified).
func parseNonNegativeInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, strconv.ErrRange
	}
	return n, nil
}
