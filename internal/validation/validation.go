package validation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrURLEmpty       = errors.New("url parameter is required")
	ErrURLTooLong     = errors.New("url parameter exceeds maximum length")
	ErrWidthInvalid   = errors.New("w parameter must be a positive integer")
	ErrWidthTooLarge  = errors.New("w parameter exceeds maximum width")
	ErrQualityInvalid = errors.New("q parameter must be an integer between 1 and 100")
)

// ImageParams holds validated image request parameters.
type ImageParams struct {
	URL     string
	Width   int
	Quality int
}

// ValidateImageParams validates the raw url, w, and q query parameters.
// Width and quality are optional: an absent w means 0 (serve source
// dimensions), an absent q takes defaultQuality.
func ValidateImageParams(rawURL, rawWidth, rawQuality string, maxURLLen, maxWidth, defaultQuality int) (ImageParams, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ImageParams{}, ErrURLEmpty
	}
	if maxURLLen > 0 && len(rawURL) > maxURLLen {
		return ImageParams{}, fmt.Errorf("%w (%d)", ErrURLTooLong, maxURLLen)
	}

	width := 0
	if raw := strings.TrimSpace(rawWidth); raw != "" {
		w, err := strconv.Atoi(raw)
		if err != nil || w <= 0 {
			return ImageParams{}, ErrWidthInvalid
		}
		if maxWidth > 0 && w > maxWidth {
			return ImageParams{}, fmt.Errorf("%w (%d)", ErrWidthTooLarge, maxWidth)
		}
		width = w
	}

	quality := defaultQuality
	if raw := strings.TrimSpace(rawQuality); raw != "" {
		q, err := strconv.Atoi(raw)
		if err != nil || q < 1 || q > 100 {
			return ImageParams{}, ErrQualityInvalid
		}
		quality = q
	}

	return ImageParams{URL: rawURL, Width: width, Quality: quality}, nil
}
