package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/gzip"
)

const backoffMultiplier = 1.5

// HTTPClient posts batches as a JSON array with bearer auth, retrying transient
// statuses and connection failures.
type HTTPClient struct {
	client    *retryablehttp.Client
	endpoint  string
	token     string
	userAgent string
	compress  bool
}

func NewHTTPClient(opts Options) (*HTTPClient, error) {
	opts.applyDefaults()
	u, err := url.Parse(strings.TrimSpace(opts.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("endpoint %q must be http or https", opts.Endpoint)
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = opts.RetryMax
	rc.RetryWaitMin = opts.RetryWaitMin
	rc.RetryWaitMax = opts.RetryWaitMax
	rc.CheckRetry = retryPolicy
	rc.Backoff = multiplierBackoff
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = opts.Logger
	rc.HTTPClient.Timeout = opts.Timeout
	if opts.TLS != nil {
		if tr, ok := rc.HTTPClient.Transport.(*http.Transport); ok {
			tr.TLSClientConfig = opts.TLS
		}
	}

	return &HTTPClient{
		client:    rc,
		endpoint:  u.String(),
		token:     opts.Token,
		userAgent: opts.UserAgent,
		compress:  opts.Compress,
	}, nil
}

func (c *HTTPClient) PostBatch(ctx context.Context, payloads [][]byte) error {
	body, err := EncodeBatch(payloads)
	if err != nil {
		return err
	}
	if c.compress {
		if body, err = gzipBody(body); err != nil {
			return err
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.compress {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("post batch: %w", ctxErr)
		}
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	statusErr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	if statusErr.Transient() {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, statusErr)
	}
	return statusErr
}

func (c *HTTPClient) Close() error {
	c.client.HTTPClient.CloseIdleConnections()
	return nil
}

func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	return isTransientStatus(resp.StatusCode), nil
}

// multiplierBackoff waits min*1.5^n capped at max. A Retry-After header on 429
// or 503 takes precedence, also capped at max.
func multiplierBackoff(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
	if resp != nil && (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable) {
		if d, ok := retryAfter(resp.Header.Get("Retry-After")); ok {
			if d > max {
				return max
			}
			return d
		}
	}
	wait := float64(min) * math.Pow(backoffMultiplier, float64(attemptNum))
	if wait > float64(max) || math.IsInf(wait, 0) {
		return max
	}
	return time.Duration(wait)
}

func retryAfter(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		d := time.Until(at)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func gzipBody(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("gzip body: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip body: %w", err)
	}
	return buf.Bytes(), nil
}

var _ Poster = (*HTTPClient)(nil)

// IsTransient reports whether err is a delivery failure worth retrying on a later tick.
func IsTransient(err error) bool {
	return errors.Is(err, ErrDeliveryFailed)
}
