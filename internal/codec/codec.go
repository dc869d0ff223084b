// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// Package codec implements the decode/encode transform pipeline
// described in spec.md §4.5: metadata probing, dimension policy,
// EXIF-aware resize in Cover or Fit mode, and re-encode to a requested
// output format, generalized from the teacher's transform.go.
package codec

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"os/exec"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/muesli/smartcrop"
	"github.com/muesli/smartcrop/nfnt"
	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/webp" // register webp format for decode

	"github.com/ecency/imagehoster/internal/key"
	"willnorris.com/go/gifresize"
)

// DefaultMaxW/DefaultMaxH are the default proxy_store.max_image_{w,h}
// values, applied when the caller leaves both dimensions unspecified.
const (
	DefaultMaxW = 1280
	DefaultMaxH = 1280
)

// DefaultMaxCW/DefaultMaxCH are the default proxy_store.max_custom_image_{w,h}
// ceilings applied to explicitly requested dimensions.
const (
	DefaultMaxCW = 8000
	DefaultMaxCH = 8000
)

// resampleFilter matches the teacher's choice in transform.go.
var resampleFilter = imaging.Lanczos

// Passthrough content types for which an animated/video source bypasses
// transformation entirely in Fit mode with a non-forced format, per
// spec.md §4.5 step 6.
var passthroughTypes = map[string]bool{
	"image/gif":  true,
	"image/apng": true,
	"video/mp4":  true,
}

// Metadata is the result of probing an encoded image's header.
type Metadata struct {
	Width       int
	Height      int
	Orientation int // EXIF orientation tag, 1-8; 0 if absent/not applicable
}

// Limits bounds the dimensions a transform may request or produce.
type Limits struct {
	MaxW, MaxH   int
	MaxCW, MaxCH int
}

// DefaultLimits returns the spec's default dimension ceilings.
func DefaultLimits() Limits {
	return Limits{MaxW: DefaultMaxW, MaxH: DefaultMaxH, MaxCW: DefaultMaxCW, MaxCH: DefaultMaxCH}
}

// ProbeMetadata decodes just enough of img to report its dimensions and
// EXIF orientation. It never transforms the image.
func ProbeMetadata(img []byte) (Metadata, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		return Metadata{}, fmt.Errorf("codec: probing metadata: %w", err)
	}

	md := Metadata{Width: cfg.Width, Height: cfg.Height}
	if x, err := exif.Decode(bytes.NewReader(img)); err == nil {
		if tag, err := x.Get(exif.Orientation); err == nil {
			if o, err := tag.Int(0); err == nil {
				md.Orientation = o
			}
		}
	}
	return md, nil
}

// ResolveDimensions applies spec.md §4.5 step 2's dimension policy,
// returning the (w,h) to resize to. meta is the original image's probed
// metadata; reqW/reqH are the requested dimensions, 0 meaning unspecified.
func ResolveDimensions(meta Metadata, reqW, reqH int, lim Limits) (w, h int) {
	w, h = reqW, reqH

	if w > 0 && lim.MaxCW > 0 && w > lim.MaxCW {
		w = lim.MaxCW
	}
	if h > 0 && lim.MaxCH > 0 && h > lim.MaxCH {
		h = lim.MaxCH
	}

	if w == 0 && h == 0 {
		if lim.MaxW > 0 && meta.Width > lim.MaxW {
			w = lim.MaxW
		}
		if lim.MaxH > 0 && meta.Height > lim.MaxH {
			h = lim.MaxH
		}
	}

	// step 3: if both dimensions are still unspecified, the resize
	// target defaults to (maxW,maxH).
	if w == 0 && h == 0 {
		w, h = lim.MaxW, lim.MaxH
	}

	return w, h
}

// Options describes a single transform request, generalizing the
// teacher's Options from transform.go to the spec's mode/format model.
type Options struct {
	Width, Height int
	Mode          key.ScalingMode
	Format        key.OutputFormat

	// Limits bounds the requested/resolved dimensions. The zero value
	// means DefaultLimits().
	Limits Limits
}

// Result is the output of Transform.
type Result struct {
	Bytes       []byte
	ContentType string
}

// Transform decodes img (whose upstream content type is contentType),
// resizes it per opt, and re-encodes it, per spec.md §4.5.
func Transform(img []byte, contentType string, opt Options) (*Result, error) {
	if contentType == "image/svg+xml" || contentType == "image/svg" {
		if opt.Format == key.Match {
			return rasterizeSVGToPNG(img)
		}
	}

	if opt.Mode == key.Fit && passthroughTypes[contentType] &&
		(opt.Format == key.Match || opt.Format == key.WEBP || opt.Format == key.AVIF) {
		return &Result{Bytes: img, ContentType: contentType}, nil
	}

	m, srcFormat, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return nil, fmt.Errorf("codec: decoding image: %w", err)
	}

	meta, _ := ProbeMetadata(img)
	m = autoOrient(m, meta.Orientation)

	lim := opt.Limits
	if lim == (Limits{}) {
		lim = DefaultLimits()
	}
	w, h := ResolveDimensions(meta, opt.Width, opt.Height, lim)

	if srcFormat == "gif" && opt.Mode == key.Fit {
		buf := new(bytes.Buffer)
		fn := func(frame image.Image) image.Image { return resizeFrame(frame, w, h, opt.Mode) }
		if err := gifresize.Process(buf, bytes.NewReader(img), fn); err == nil {
			return &Result{Bytes: buf.Bytes(), ContentType: "image/gif"}, nil
		}
	}

	m = resizeFrame(m, w, h, opt.Mode)

	return encode(m, srcFormat, opt.Format)
}

// resizeFrame resizes a single decoded frame according to mode. Cover
// crops to exactly fill (w,h) using smart-crop when it can find a
// sensible region, falling back to a centered thumbnail; Fit resizes to
// fit inside (w,h), preserving aspect and never enlarging.
func resizeFrame(m image.Image, w, h int, mode key.ScalingMode) image.Image {
	if w == 0 && h == 0 {
		return m
	}

	switch mode {
	case key.Cover:
		if w > 0 && h > 0 {
			if cropped, ok := smartCrop(m, w, h); ok {
				return imaging.Thumbnail(cropped, w, h, resampleFilter)
			}
			return imaging.Thumbnail(m, w, h, resampleFilter)
		}
		return imaging.Resize(m, w, h, resampleFilter)
	default: // Fit
		if w > 0 && h > 0 {
			return imaging.Fit(m, w, h, resampleFilter)
		}
		return imaging.Resize(m, w, h, resampleFilter)
	}
}

// smartCrop locates the highest-interest (w,h) sub-rectangle of m via
// muesli/smartcrop, adapted to feed imaging.Thumbnail's final resize.
func smartCrop(m image.Image, w, h int) (image.Image, bool) {
	analyzer := smartcrop.NewAnalyzer(nfnt.NewDefaultResizer())
	rect, err := analyzer.FindBestCrop(m, w, h)
	if err != nil {
		return nil, false
	}
	return imaging.Crop(m, rect), true
}

// autoOrient applies the rotation/flip implied by an EXIF orientation
// tag (1-8), per spec.md §4.5 step 4. 0 or 1 means no transform needed.
func autoOrient(m image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(m)
	case 3:
		return imaging.Rotate180(m)
	case 4:
		return imaging.FlipV(m)
	case 5:
		return imaging.Transpose(m)
	case 6:
		return imaging.Rotate270(m)
	case 7:
		return imaging.Transverse(m)
	case 8:
		return imaging.Rotate90(m)
	default:
		return m
	}
}

// encode re-encodes m to the requested output format, per spec.md §4.5
// step 5. Match keeps a jpeg, png or webp source's format; a gif source
// is encoded as PNG, and any other decoded format as JPEG.
func encode(m image.Image, srcFormat string, format key.OutputFormat) (*Result, error) {
	buf := new(bytes.Buffer)

	resolved := format
	if resolved == key.Match {
		switch srcFormat {
		case "jpeg":
			resolved = key.JPEG
		case "png", "gif":
			resolved = key.PNG
		case "webp":
			resolved = key.WEBP
		default:
			resolved = key.JPEG
		}
	}

	switch resolved {
	case key.JPEG:
		if err := jpeg.Encode(buf, m, &jpeg.Options{Quality: 80}); err != nil {
			return nil, fmt.Errorf("codec: encoding jpeg: %w", err)
		}
		return &Result{Bytes: buf.Bytes(), ContentType: "image/jpeg"}, nil
	case key.PNG:
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(buf, m); err != nil {
			return nil, fmt.Errorf("codec: encoding png: %w", err)
		}
		return &Result{Bytes: buf.Bytes(), ContentType: "image/png"}, nil
	case key.WEBP:
		b, err := encodeExternal("cwebp", m, "-q", "80", "-alpha_q", "80")
		if err != nil {
			return nil, err
		}
		return &Result{Bytes: b, ContentType: "image/webp"}, nil
	case key.AVIF:
		b, err := encodeExternal("avifenc", m, "-q", "50", "-s", "4")
		if err != nil {
			return nil, err
		}
		return &Result{Bytes: b, ContentType: "image/avif"}, nil
	default:
		return nil, fmt.Errorf("codec: unsupported output format: %v", format)
	}
}

// encodeExternal shells out to a codec binary the spec explicitly
// treats as an opaque external black box (see DESIGN.md, internal/codec): pure-Go
// WEBP/AVIF encoders are not part of the example corpus, so these are
// invoked the same way the teacher invokes no codec binaries at all but
// an operator is expected to provision, matching common imageproxy
// deployments that shell out to cwebp/avifenc rather than link libwebp.
func encodeExternal(name string, m image.Image, args ...string) ([]byte, error) {
	staged := new(bytes.Buffer)
	if err := png.Encode(staged, m); err != nil {
		return nil, fmt.Errorf("codec: staging png for %s: %w", name, err)
	}

	args = append(args, "-o", "-", "-")
	cmd := exec.Command(name, args...)
	cmd.Stdin = bytes.NewReader(staged.Bytes())

	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("codec: running %s: %w (%s)", name, err, strings.TrimSpace(stderr.String()))
	}
	return out.Bytes(), nil
}

// rasterizeSVGToPNG implements the Match-format special case: SVG input
// becomes PNG, per spec.md §4.5 step 5. SVG rasterization is delegated
// to the same external-binary seam as WEBP/AVIF encoding, since no
// example repo links a pure-Go SVG rasterizer.
func rasterizeSVGToPNG(svg []byte) (*Result, error) {
	cmd := exec.Command("rsvg-convert", "-f", "png", "-o", "/dev/stdout")
	cmd.Stdin = bytes.NewReader(svg)

	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("codec: rasterizing svg: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}
	return &Result{Bytes: out.Bytes(), ContentType: "image/png"}, nil
}
