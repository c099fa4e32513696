package transform

import "strings"

// NegotiateContentType picks the response format for a source format given the
// request's Accept header.
//
// webp sources stay webp when the client accepts it (pass-through) and are
// transcoded to png otherwise, since webp cannot be re-encoded and png is the
// only lossless fallback that preserves alpha. All other sources keep their
// format: transcoding jpeg/png/gif between each other trades quality for
// nothing when every browser accepts all three.
func NegotiateContentType(accept, source string) string {
	if source != "image/webp" {
		return source
	}
	if acceptsType(accept, "image/webp") {
		return "image/webp"
	}
	return "image/png"
}

// acceptsType reports whether the Accept header admits the exact media type,
// image/*, or */*. An empty header accepts everything.
func acceptsType(accept, mediaType string) bool {
	if strings.TrimSpace(accept) == "" {
		return true
	}
	for _, part := range strings.Split(accept, ",") {
		mt := strings.TrimSpace(strings.Split(part, ";")[0])
		switch mt {
		case mediaType, "image/*", "*/*":
			return true
		}
	}
	return false
}
