package origin

import (
	"context"
	"errors"
	"strings"

	"github.com/kmorten/asset-optimizer/internal/allowlist"
	"github.com/kmorten/asset-optimizer/internal/circuitbreaker"
)

// ErrorCategory is a stable label for error classification in metrics.
type ErrorCategory string

// Error category constants used as metric labels.
const (
	ErrorCategoryTimeout     ErrorCategory = "timeout"
	ErrorCategoryNetwork     ErrorCategory = "network"
	ErrorCategoryDenied      ErrorCategory = "origin_denied"
	ErrorCategoryNotFound    ErrorCategory = "not_found"
	ErrorCategoryTooLarge    ErrorCategory = "too_large"
	ErrorCategoryBadFormat   ErrorCategory = "unsupported_format"
	ErrorCategoryRateLimited ErrorCategory = "rate_limited"
	ErrorCategoryUpstream5xx ErrorCategory = "upstream_5xx"
	ErrorCategoryBreakerOpen ErrorCategory = "breaker_open"
	ErrorCategoryDecode      ErrorCategory = "decode"
	ErrorCategoryUnknown     ErrorCategory = "unknown"
)

// CategorizeError maps an error to a stable ErrorCategory for metrics.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, allowlist.ErrOriginDenied), errors.Is(err, allowlist.ErrUnsupportedScheme):
		return ErrorCategoryDenied
	case errors.Is(err, ErrNotFound):
		return ErrorCategoryNotFound
	case errors.Is(err, ErrTooLarge):
		return ErrorCategoryTooLarge
	case errors.Is(err, ErrUnsupportedFormat):
		return ErrorCategoryBadFormat
	case errors.Is(err, ErrRateLimited):
		return ErrorCategoryRateLimited
	case errors.Is(err, ErrUpstreamFailure):
		return ErrorCategoryUpstream5xx
	case errors.Is(err, circuitbreaker.ErrOpen):
		return ErrorCategoryBreakerOpen
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrorCategoryTimeout
	}

	errStr := err.Error()
	if strings.Contains(errStr, "network") || strings.Contains(errStr, "connection") {
		return ErrorCategoryNetwork
	}
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "context deadline exceeded") {
		return ErrorCategoryTimeout
	}
	if strings.Contains(errStr, "decode") {
		return ErrorCategoryDecode
	}

	return ErrorCategoryUnknown
}
