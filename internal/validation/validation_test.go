package validation

import (
	"errors"
	"strings"
	"testing"
)

// TestValidateImageParams covers the url, w, and q query parameter rules.
func TestValidateImageParams(t *testing.T) {
	tests := []struct {
		name       string
		url        string
		width      string
		quality    string
		wantErr    error
		wantParams ImageParams
	}{
		{
			name:       "valid with explicit quality",
			url:        "https://cdn.example.com/a.png",
			width:      "640",
			quality:    "80",
			wantParams: ImageParams{URL: "https://cdn.example.com/a.png", Width: 640, Quality: 80},
		},
		{
			name:       "quality defaults when absent",
			url:        "https://cdn.example.com/a.png",
			width:      "640",
			quality:    "",
			wantParams: ImageParams{URL: "https://cdn.example.com/a.png", Width: 640, Quality: 75},
		},
		{
			name:       "url whitespace trimmed",
			url:        "  https://cdn.example.com/a.png  ",
			width:      "100",
			wantParams: ImageParams{URL: "https://cdn.example.com/a.png", Width: 100, Quality: 75},
		},
		{
			name:    "empty url",
			url:     "",
			width:   "640",
			wantErr: ErrURLEmpty,
		},
		{
			name:    "whitespace-only url",
			url:     "   ",
			width:   "640",
			wantErr: ErrURLEmpty,
		},
		{
			name:    "url too long",
			url:     "https://cdn.example.com/" + strings.Repeat("a", 3000),
			width:   "640",
			wantErr: ErrURLTooLong,
		},
		{
			name:       "missing width serves source dimensions",
			url:        "https://cdn.example.com/a.png",
			width:      "",
			wantParams: ImageParams{URL: "https://cdn.example.com/a.png", Width: 0, Quality: 75},
		},
		{
			name:       "whitespace width serves source dimensions",
			url:        "https://cdn.example.com/a.png",
			width:      "   ",
			wantParams: ImageParams{URL: "https://cdn.example.com/a.png", Width: 0, Quality: 75},
		},
		{
			name:    "non-numeric width",
			url:     "https://cdn.example.com/a.png",
			width:   "abc",
			wantErr: ErrWidthInvalid,
		},
		{
			name:    "zero width",
			url:     "https://cdn.example.com/a.png",
			width:   "0",
			wantErr: ErrWidthInvalid,
		},
		{
			name:    "negative width",
			url:     "https://cdn.example.com/a.png",
			width:   "-10",
			wantErr: ErrWidthInvalid,
		},
		{
			name:    "width over maximum",
			url:     "https://cdn.example.com/a.png",
			width:   "9000",
			wantErr: ErrWidthTooLarge,
		},
		{
			name:    "non-numeric quality",
			url:     "https://cdn.example.com/a.png",
			width:   "640",
			quality: "high",
			wantErr: ErrQualityInvalid,
		},
		{
			name:    "quality zero",
			url:     "https://cdn.example.com/a.png",
			width:   "640",
			quality: "0",
			wantErr: ErrQualityInvalid,
		},
		{
			name:    "quality over 100",
			url:     "https://cdn.example.com/a.png",
			width:   "640",
			quality: "101",
			wantErr: ErrQualityInvalid,
		},
		{
			name:       "quality boundary low",
			url:        "https://cdn.example.com/a.png",
			width:      "640",
			quality:    "1",
			wantParams: ImageParams{URL: "https://cdn.example.com/a.png", Width: 640, Quality: 1},
		},
		{
			name:       "quality boundary high",
			url:        "https://cdn.example.com/a.png",
			width:      "640",
			quality:    "100",
			wantParams: ImageParams{URL: "https://cdn.example.com/a.png", Width: 640, Quality: 100},
		},
		{
			name:       "width at maximum",
			url:        "https://cdn.example.com/a.png",
			width:      "3840",
			wantParams: ImageParams{URL: "https://cdn.example.com/a.png", Width: 3840, Quality: 75},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ValidateImageParams(tc.url, tc.width, tc.quality, 2048, 3840, 75)
			if tc.wantErr != nil {
				if err == nil {
					t.Fatalf("ValidateImageParams() error = nil, want %v", tc.wantErr)
				}
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("ValidateImageParams() error = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateImageParams() error = %v, want nil", err)
			}
			if got != tc.wantParams {
				t.Fatalf("ValidateImageParams() = %+v, want %+v", got, tc.wantParams)
			}
		})
	}
}

// TestValidateImageParams_DisabledLimits verifies zero maxURLLen and maxWidth
// disable those checks.
func TestValidateImageParams_DisabledLimits(t *testing.T) {
	longURL := "https://cdn.example.com/" + strings.Repeat("a", 5000)
	got, err := ValidateImageParams(longURL, "100000", "", 0, 0, 75)
	if err != nil {
		t.Fatalf("ValidateImageParams() error = %v, want nil", err)
	}
	if got.Width != 100000 {
		t.Errorf("Width = %d, want 100000", got.Width)
	}
}
