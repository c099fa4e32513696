package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kmorten/asset-optimizer/internal/allowlist"
	"github.com/kmorten/asset-optimizer/internal/circuitbreaker"
	"github.com/kmorten/asset-optimizer/internal/observability"
)

// Fetcher retrieves source images from allowed remote origins.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (Image, error)
	Probe(ctx context.Context) error
}

var (
	ErrNotFound          = errors.New("source image not found")
	ErrUpstreamFailure   = errors.New("origin failure")
	ErrRateLimited       = errors.New("origin rate limited")
	ErrTooLarge          = errors.New("source image too large")
	ErrUnsupportedFormat = errors.New("unsupported image format")
)

// Image is a raw source image fetched from a remote origin.
type Image struct {
	URL         string
	ContentType string
	Data        []byte
}

// Client fetches source images over HTTP with allow-list validation,
// bounded retries and an optional circuit breaker.
type Client struct {
	allow          *allowlist.Allowlist
	timeout        time.Duration
	maxBytes       int64
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breaker        *circuitbreaker.CircuitBreaker
	probeURL       string
}

// NewClient creates a Client. maxBytes caps the accepted response body;
// probeURL, when non-empty, must be an allowed URL used by Probe for health
// and recovery checks.
func NewClient(allow *allowlist.Allowlist, timeout time.Duration, maxBytes int64, retryAttempts int, retryBaseDelay, retryMaxDelay time.Duration, probeURL string) (*Client, error) {
	if allow == nil || allow.Len() == 0 {
		return nil, fmt.Errorf("%w: no remote patterns configured", allowlist.ErrOriginDenied)
	}
	if probeURL != "" {
		if _, err := allow.Check(probeURL); err != nil {
			return nil, fmt.Errorf("probe URL: %w", err)
		}
	}
	if retryAttempts <= 0 {
		retryAttempts = 3
	}
	return &Client{
		allow:          allow,
		timeout:        timeout,
		maxBytes:       maxBytes,
		retryAttempts:  retryAttempts,
		retryBaseDelay: retryBaseDelay,
		retryMaxDelay:  retryMaxDelay,
		probeURL:       probeURL,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// Redirect targets must pass the allow-list too, or a permitted
				// origin could bounce us anywhere.
				if _, err := allow.Check(req.URL.String()); err != nil {
					return err
				}
				if len(via) >= 3 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
	}, nil
}

// SetCircuitBreaker installs a breaker around origin calls. Call before serving.
func (c *Client) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

// Fetch validates rawURL against the allow-list and downloads it with retries.
// Non-retryable errors (denied, 404, too large, bad format) return immediately.
func (c *Client) Fetch(ctx context.Context, rawURL string) (Image, error) {
	u, err := c.allow.Check(rawURL)
	if err != nil {
		observability.OriginDeniedTotal.Inc()
		return Image{}, err
	}

	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.OriginRetriesTotal.Inc()
			delay := c.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return Image{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		var result Image
		var callErr error
		if c.breaker != nil {
			// Caller-class failures (404, oversize, wrong format, denied
			// redirect) mean the origin answered; reporting them to the
			// breaker would let repeated requests for one bad asset open
			// the circuit for every image.
			var callerErr error
			callErr = c.breaker.Call(ctx, func() error {
				var e error
				result, e = c.download(ctx, u)
				if isCallerError(e) {
					callerErr = e
					return nil
				}
				return e
			})
			if callErr == nil {
				callErr = callerErr
			}
		} else {
			result, callErr = c.download(ctx, u)
		}
		if callErr == nil {
			return result, nil
		}

		lastErr = callErr
		if !isRetryable(callErr) {
			return Image{}, callErr
		}
	}

	return Image{}, fmt.Errorf("exhausted retries: %w", lastErr)
}

func (c *Client) download(ctx context.Context, u *url.URL) (Image, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		observability.OriginFetchesTotal.WithLabelValues("error").Inc()
		return Image{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "image/*")
	req.Header.Set("User-Agent", "asset-optimizer/1.0")
	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.OriginFetchesTotal.WithLabelValues("error").Inc()
		observability.OriginFetchDuration.WithLabelValues("error").Observe(duration)

		if errors.Is(err, allowlist.ErrOriginDenied) {
			observability.OriginDeniedTotal.Inc()
			return Image{}, fmt.Errorf("redirect denied: %w", allowlist.ErrOriginDenied)
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return Image{}, fmt.Errorf("request timeout: %w", err)
		}
		return Image{}, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.OriginFetchesTotal.WithLabelValues(status).Inc()
	observability.OriginFetchDuration.WithLabelValues(status).Observe(duration)

	if err := handleErrorResponse(resp); err != nil {
		return Image{}, err
	}

	if resp.ContentLength > 0 && c.maxBytes > 0 && resp.ContentLength > c.maxBytes {
		return Image{}, fmt.Errorf("%w: content-length %d", ErrTooLarge, resp.ContentLength)
	}

	body, err := c.readCapped(resp.Body)
	if err != nil {
		return Image{}, err
	}

	contentType := sniffContentType(resp.Header.Get("Content-Type"), body)
	if !isSupportedContentType(contentType) {
		return Image{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, contentType)
	}

	return Image{
		URL:         u.String(),
		ContentType: contentType,
		Data:        body,
	}, nil
}

// readCapped reads the body up to maxBytes; one byte past the cap means the
// source is over limit.
func (c *Client) readCapped(r io.Reader) ([]byte, error) {
	if c.maxBytes <= 0 {
		body, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		return body, nil
	}
	body, err := io.ReadAll(io.LimitReader(r, c.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if int64(len(body)) > c.maxBytes {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrTooLarge, c.maxBytes)
	}
	return body, nil
}

// Probe fetches the configured probe asset to verify the origin path end to end.
// Used by /health and by degraded-state recovery.
func (c *Client) Probe(ctx context.Context) error {
	if c.probeURL == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	u, err := c.allow.Check(c.probeURL)
	if err != nil {
		return err
	}
	if _, err := c.download(ctx, u); err != nil {
		return fmt.Errorf("origin probe: %w", err)
	}
	return nil
}

// isCallerError reports whether err is about the requested asset rather than
// origin health. These never trip the circuit breaker.
func isCallerError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrTooLarge) ||
		errors.Is(err, ErrUnsupportedFormat) ||
		errors.Is(err, allowlist.ErrOriginDenied)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, allowlist.ErrOriginDenied) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrTooLarge) ||
		errors.Is(err, ErrUnsupportedFormat) ||
		errors.Is(err, circuitbreaker.ErrOpen) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "context deadline exceeded") || strings.Contains(errStr, "context canceled") {
		return true
	}
	return false
}

func (c *Client) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		return fmt.Errorf("%w", ErrNotFound)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w", ErrRateLimited)
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}

	return nil
}

// sniffContentType prefers the declared header but falls back to content
// sniffing when the header is missing or generic. Origins lie about types
// often enough that the sniffed value wins for image/* mismatches.
func sniffContentType(declared string, body []byte) string {
	declared = strings.TrimSpace(strings.ToLower(strings.Split(declared, ";")[0]))
	sniffed := http.DetectContentType(body)
	if strings.HasPrefix(sniffed, "image/") {
		return sniffed
	}
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	return sniffed
}

func isSupportedContentType(ct string) bool {
	switch ct {
	case "image/jpeg", "image/png", "image/gif", "image/webp":
		return true
	}
	return false
}

func extractCorrelationID(ctx context.Context) string {
	if corrIDVal := ctx.Value("correlation_id"); corrIDVal != nil {
		if corrID, ok := corrIDVal.(string); ok {
			return corrID
		}
	}
	return ""
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
