package models

import "time"

// Variant is one optimized rendition of a source image. It is what the cache
// stores and what handlers serve.
type Variant struct {
	Key         string    `json:"key"`
	SourceURL   string    `json:"sourceUrl"`
	ContentType string    `json:"contentType"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	Quality     int       `json:"quality"`
	ETag        string    `json:"etag"`
	Data        []byte    `json:"data"`
	Timestamp   time.Time `json:"timestamp"`
	Stale       bool      `json:"stale,omitempty"` // Served from stale cache after an origin failure
}

// Size returns the payload size in bytes.
func (v Variant) Size() int {
	return len(v.Data)
}
