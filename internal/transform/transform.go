package transform

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"time"

	"github.com/disintegration/imaging"

	// Registers the webp decoder with image.Decode; webp sources are decodable
	// but never re-encoded (no pure-Go encoder exists).
	_ "golang.org/x/image/webp"

	"github.com/kmorten/asset-optimizer/internal/observability"
)

// ErrDecode is returned when the source bytes cannot be decoded as an image.
var ErrDecode = errors.New("decode source image")

// ErrEncode is returned when the transformed image cannot be encoded.
var ErrEncode = errors.New("encode variant")

// Options control a single transformation. Width 0 means no resize; Width is
// a ceiling, never an upscale target. Quality applies to lossy encodes only.
type Options struct {
	Width   int
	Quality int
	Accept  string // raw Accept header for format negotiation
}

// Result is the transformed payload with its final dimensions. Dimensions are
// always populated so clients can reserve layout space.
type Result struct {
	Data        []byte
	ContentType string
	Width       int
	Height      int
}

// Process decodes the source, negotiates the output format against the Accept
// header, resizes if a smaller width was requested, and re-encodes.
// Animated sources and webp pass through untouched: resizing would drop
// animation frames and webp cannot be re-encoded.
func Process(data []byte, contentType string, opts Options) (Result, error) {
	if IsAnimated(data, contentType) {
		return passThrough(data, contentType)
	}

	target := NegotiateContentType(opts.Accept, contentType)
	if target == "image/webp" {
		return passThrough(data, contentType)
	}

	start := time.Now()
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		observability.TransformErrorsTotal.WithLabelValues("decode").Inc()
		return Result{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	observability.TransformDuration.WithLabelValues("decode").Observe(time.Since(start).Seconds())

	bounds := img.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()

	outW, outH := srcW, srcH
	if opts.Width > 0 && opts.Width < srcW {
		start = time.Now()
		img = imaging.Resize(img, opts.Width, 0, imaging.Lanczos)
		observability.TransformDuration.WithLabelValues("resize").Observe(time.Since(start).Seconds())
		b := img.Bounds()
		outW, outH = b.Dx(), b.Dy()
	}

	start = time.Now()
	encoded, err := encode(img, target, opts.Quality)
	if err != nil {
		observability.TransformErrorsTotal.WithLabelValues("encode").Inc()
		return Result{}, err
	}
	observability.TransformDuration.WithLabelValues("encode").Observe(time.Since(start).Seconds())

	return Result{
		Data:        encoded,
		ContentType: target,
		Width:       outW,
		Height:      outH,
	}, nil
}

// passThrough returns the source bytes unchanged, decoding only the header
// for dimensions.
func passThrough(data []byte, contentType string) (Result, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		observability.TransformErrorsTotal.WithLabelValues("decode").Inc()
		return Result{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return Result{
		Data:        data,
		ContentType: contentType,
		Width:       cfg.Width,
		Height:      cfg.Height,
	}, nil
}

func encode(img image.Image, contentType string, quality int) ([]byte, error) {
	if quality < 1 || quality > 100 {
		quality = 75
	}
	var buf bytes.Buffer
	var err error
	switch contentType {
	case "image/jpeg":
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality))
	case "image/png":
		err = imaging.Encode(&buf, img, imaging.PNG)
	case "image/gif":
		err = imaging.Encode(&buf, img, imaging.GIF)
	default:
		observability.TransformErrorsTotal.WithLabelValues("unsupported").Inc()
		return nil, fmt.Errorf("%w: %s", ErrEncode, contentType)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return buf.Bytes(), nil
}

// IsAnimated reports whether the payload holds a multi-frame image.
// Gif frame counts come from a full decode; webp animation is flagged in the
// RIFF header (VP8X chunk, ANIM fourcc within the first bytes).
func IsAnimated(data []byte, contentType string) bool {
	switch contentType {
	case "image/gif":
		g, err := gif.DecodeAll(bytes.NewReader(data))
		return err == nil && len(g.Image) > 1
	case "image/webp":
		return bytes.Contains(bounded(data, 64), []byte("ANIM"))
	}
	return false
}

func bounded(data []byte, n int) []byte {
	if len(data) < n {
		return data
	}
	return data[:n]
}
