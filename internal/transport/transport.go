package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrDeliveryFailed wraps every failure that left the batch unacknowledged after
// all attempts were spent.
var ErrDeliveryFailed = errors.New("delivery failed")

// Poster delivers an ordered batch of encoded envelopes. A nil error means the
// collector acknowledged the whole batch.
type Poster interface {
	PostBatch(ctx context.Context, payloads [][]byte) error
	Close() error
}

// StatusError is a non-success HTTP response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("collector responded %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("collector responded %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

func (e *StatusError) Transient() bool {
	return isTransientStatus(e.StatusCode)
}

func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// EncodeBatch joins already-encoded envelopes into a JSON array without
// re-encoding them, so each payload reaches the collector byte for byte.
func EncodeBatch(payloads [][]byte) ([]byte, error) {
	size := 2
	for _, p := range payloads {
		size += len(p) + 1
	}
	var buf bytes.Buffer
	buf.Grow(size)
	buf.WriteByte('[')
	for i, p := range payloads {
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload %d is not valid JSON", i)
		}
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(p)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

type Kind string

const (
	KindHTTP Kind = "http"
	KindGRPC Kind = "grpc"
)

// Options is the transport-neutral client configuration.
type Options struct {
	Kind         Kind
	Endpoint     string
	GRPCAddr     string
	GRPCMethod   string
	Token        string
	UserAgent    string
	Compress     bool
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	TLS          *tls.Config
	Logger       *slog.Logger
}

func New(opts Options) (Poster, error) {
	switch Kind(strings.ToLower(string(opts.Kind))) {
	case KindHTTP, "":
		return NewHTTPClient(opts)
	case KindGRPC:
		return NewGRPCClient(opts)
	default:
		return nil, fmt.Errorf("unsupported transport %q", opts.Kind)
	}
}

func (o *Options) applyDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = 20 * time.Second
	}
	if o.RetryMax < 0 {
		o.RetryMax = 0
	}
	if o.RetryWaitMin <= 0 {
		o.RetryWaitMin = 1500 * time.Millisecond
	}
	if o.RetryWaitMax < o.RetryWaitMin {
		o.RetryWaitMax = o.RetryWaitMin
	}
	if o.UserAgent == "" {
		o.UserAgent = "insight-agent"
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
}
