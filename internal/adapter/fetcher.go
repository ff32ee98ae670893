package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/portfolio-aggregator/internal/errors"
	"github.com/portfolio-aggregator/internal/logging"
	"github.com/portfolio-aggregator/internal/ratelimit"
	"github.com/portfolio-aggregator/internal/types"
)

const (
	// DefaultTimeout bounds a single provider call
	DefaultTimeout = 20 * time.Second
	// maxBodyBytes caps how much of a response body is read
	maxBodyBytes = 16 << 20
)

// Response is a fully read provider response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// InspectFunc sees every response before status mapping. A non-nil error
// replaces the fetcher's own classification.
type InspectFunc func(resp *Response) error

// FetcherConfig configures a Fetcher
type FetcherConfig struct {
	Provider types.ProviderID
	Client   *http.Client
	Limiters *ratelimit.ProviderLimiters
	Metrics  *ratelimit.MetricsCollector
	Timeout  time.Duration
	// ThrottleStatuses are treated like 429 (Binance uses 418 for IP bans)
	ThrottleStatuses []int
	Inspect          InspectFunc
	Logger           *logging.Logger
	// Zero values keep the tracker defaults
	HealthMaxFailures    int
	HealthMinSuccessRate float64
}

// Fetcher issues one HTTP call per Do with pacing and a bounded timeout.
// It never retries and never caches.
type Fetcher struct {
	provider types.ProviderID
	client   *http.Client
	limiters *ratelimit.ProviderLimiters
	metrics  *ratelimit.MetricsCollector
	timeout  time.Duration
	throttle map[int]bool
	inspect  InspectFunc
	health   *HealthTracker
	logger   *logging.Logger
}

// NewFetcher creates a fetcher for one provider
func NewFetcher(cfg FetcherConfig) *Fetcher {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	throttle := map[int]bool{http.StatusTooManyRequests: true}
	for _, s := range cfg.ThrottleStatuses {
		throttle[s] = true
	}

	health := NewHealthTracker()
	health.SetHealthThresholds(cfg.HealthMaxFailures, cfg.HealthMinSuccessRate)

	return &Fetcher{
		provider: cfg.Provider,
		client:   client,
		limiters: cfg.Limiters,
		metrics:  cfg.Metrics,
		timeout:  timeout,
		throttle: throttle,
		inspect:  cfg.Inspect,
		health:   health,
		logger:   logger.WithProvider(string(cfg.Provider)),
	}
}

// Health returns the fetcher's call statistics
func (f *Fetcher) Health() *HealthTracker {
	return f.health
}

// Do sends req and returns the read response, or fails with RateLimited,
// ProviderError or Unreachable
func (f *Fetcher) Do(ctx context.Context, req *http.Request) (*Response, error) {
	if f.limiters != nil {
		waited, err := f.limiters.Wait(ctx, f.provider)
		if err != nil {
			return nil, apperrors.NewUnreachableError(f.provider, err)
		}
		if f.metrics != nil {
			f.metrics.RecordWait(ctx, f.provider, waited)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	start := time.Now()
	httpResp, err := f.client.Do(req.WithContext(callCtx))
	if err != nil {
		f.health.RecordFailure()
		f.logger.WithError(err).WithField("path", req.URL.Path).Warn("provider request failed")
		return nil, apperrors.NewUnreachableError(f.provider, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		f.health.RecordFailure()
		return nil, apperrors.NewUnreachableError(f.provider, fmt.Errorf("read body: %w", err))
	}

	resp := &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: body}

	if err := f.classify(ctx, resp); err != nil {
		f.health.RecordFailure()
		f.logger.WithFields(map[string]interface{}{
			"path":   req.URL.Path,
			"status": resp.StatusCode,
		}).WithError(err).Debug("provider request rejected")
		return nil, err
	}

	f.health.RecordSuccess(time.Since(start))
	return resp, nil
}

// DoJSON sends req and decodes a 2xx body into out
func (f *Fetcher) DoJSON(ctx context.Context, req *http.Request, out interface{}) (*Response, error) {
	resp, err := f.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return resp, nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return resp, apperrors.NewProviderError(f.provider, resp.StatusCode, "", fmt.Sprintf("malformed response: %v", err))
	}
	return resp, nil
}

func (f *Fetcher) classify(ctx context.Context, resp *Response) error {
	if f.throttle[resp.StatusCode] {
		retryAfter := RetryAfterSeconds(resp.Header, time.Now())
		if f.metrics != nil {
			f.metrics.RecordThrottle(ctx, f.provider, retryAfter)
		}
		return apperrors.NewRateLimitedError(f.provider, retryAfter)
	}

	if f.inspect != nil {
		if err := f.inspect(resp); err != nil {
			return err
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		code, msg := parseProviderMessage(resp.Body)
		return apperrors.NewProviderError(f.provider, resp.StatusCode, code, msg)
	}
	return nil
}

// RetryAfterSeconds reads the retry hint from Retry-After (delta seconds or an
// HTTP date) or x-ratelimit-reset (unix seconds). It returns 0 when absent.
func RetryAfterSeconds(h http.Header, now time.Time) int {
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return secs
		}
		if t, err := http.ParseTime(v); err == nil {
			return ceilSeconds(t.Sub(now))
		}
	}
	if v := strings.TrimSpace(h.Get("X-Ratelimit-Reset")); v != "" {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			return ceilSeconds(time.Unix(unix, 0).Sub(now))
		}
	}
	return 0
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

// parseProviderMessage extracts code and message from common error shapes
func parseProviderMessage(body []byte) (code, message string) {
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		snippet := strings.TrimSpace(string(body))
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return "", snippet
	}

	for _, key := range []string{"msg", "message", "error", "statusText"} {
		if s, ok := payload[key].(string); ok && s != "" {
			message = s
			break
		}
	}
	if errObj, ok := payload["errors"].([]interface{}); ok && message == "" && len(errObj) > 0 {
		if first, ok := errObj[0].(map[string]interface{}); ok {
			if s, ok := first["text"].(string); ok {
				message = s
			}
		}
	}

	for _, key := range []string{"code", "status"} {
		switch c := payload[key].(type) {
		case string:
			code = c
		case float64:
			code = strconv.FormatFloat(c, 'f', -1, 64)
		}
		if code != "" {
			break
		}
	}
	return code, message
}

// HTTPStatusOf returns the provider HTTP status carried by a ProviderError
func HTTPStatusOf(err error) int {
	if catErr, ok := apperrors.As(err); ok && catErr.Kind == apperrors.KindProviderError {
		return catErr.HTTPStatus
	}
	return 0
}

// IsAuthStatus reports whether a provider error is a 401 or 403
func IsAuthStatus(err error) bool {
	s := HTTPStatusOf(err)
	return s == http.StatusUnauthorized || s == http.StatusForbidden
}
