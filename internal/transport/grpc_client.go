package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const DefaultGRPCMethod = "/insight.telemetry.v1.Collector/IngestBatch"

// gRPC caps retry attempts at five including the original call.
const maxGRPCAttempts = 5

type jsonCodec struct{}

func (jsonCodec) Name() string {
	return "json"
}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

type BatchRequest struct {
	Envelopes []json.RawMessage `json:"envelopes"`
}

type BatchResponse struct {
	Accepted int `json:"accepted"`
}

// GRPCClient sends a batch as one unary call. Retries of transient codes are
// left to the channel's service config.
type GRPCClient struct {
	conn    *grpc.ClientConn
	addr    string
	method  string
	token   string
	timeout time.Duration
}

func NewGRPCClient(opts Options, extra ...grpc.DialOption) (*GRPCClient, error) {
	opts.applyDefaults()
	addr := strings.TrimSpace(opts.GRPCAddr)
	if addr == "" {
		return nil, errors.New("grpc address is required")
	}
	method := strings.TrimSpace(opts.GRPCMethod)
	if method == "" {
		method = DefaultGRPCMethod
	}
	service, _, err := splitMethod(method)
	if err != nil {
		return nil, err
	}

	var creds credentials.TransportCredentials
	if opts.TLS != nil {
		creds = credentials.NewTLS(opts.TLS)
	} else {
		creds = insecure.NewCredentials()
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithUserAgent(opts.UserAgent),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
	}
	if sc := retryServiceConfig(service, opts); sc != "" {
		dialOpts = append(dialOpts, grpc.WithDefaultServiceConfig(sc))
	}
	dialOpts = append(dialOpts, extra...)

	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("grpc client %s: %w", addr, err)
	}
	opts.Logger.Info("grpc transport configured", "addr", addr, "method", method)
	return &GRPCClient{conn: conn, addr: addr, method: method, token: opts.Token, timeout: callTimeout(opts)}, nil
}

// callTimeout bounds one PostBatch. A gRPC deadline spans every retry the
// channel makes, unlike the HTTP client's per-attempt timeout, so it is
// scaled to give each attempt the request timeout plus the longest backoff
// between attempts.
func callTimeout(opts Options) time.Duration {
	attempts := retryAttempts(opts)
	return time.Duration(attempts)*opts.Timeout + time.Duration(attempts-1)*opts.RetryWaitMax
}

func retryAttempts(opts Options) int {
	attempts := opts.RetryMax + 1
	if attempts < 1 {
		attempts = 1
	}
	if attempts > maxGRPCAttempts {
		attempts = maxGRPCAttempts
	}
	return attempts
}

func (c *GRPCClient) PostBatch(ctx context.Context, payloads [][]byte) error {
	req := BatchRequest{Envelopes: make([]json.RawMessage, 0, len(payloads))}
	for i, p := range payloads {
		if !json.Valid(p) {
			return fmt.Errorf("payload %d is not valid JSON", i)
		}
		req.Envelopes = append(req.Envelopes, json.RawMessage(p))
	}

	callCtx, cancel := context.WithTimeout(c.decorateContext(ctx), c.timeout)
	defer cancel()

	var resp BatchResponse
	if err := c.conn.Invoke(callCtx, c.method, &req, &resp); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("ingest batch: %w", ctxErr)
		}
		switch status.Code(err) {
		case codes.Unavailable, codes.ResourceExhausted, codes.Internal, codes.DeadlineExceeded:
			return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
		}
		return fmt.Errorf("ingest batch: %w", err)
	}
	return nil
}

func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

func (c *GRPCClient) decorateContext(ctx context.Context) context.Context {
	if c.token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
}

func splitMethod(method string) (service, name string, err error) {
	parts := strings.Split(strings.TrimPrefix(method, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("grpc method %q must look like /package.Service/Method", method)
	}
	return parts[0], parts[1], nil
}

// retryServiceConfig mirrors the HTTP retry policy: the transient status set
// maps onto UNAVAILABLE, RESOURCE_EXHAUSTED and INTERNAL.
func retryServiceConfig(service string, opts Options) string {
	attempts := retryAttempts(opts)
	if attempts < 2 {
		return ""
	}
	cfg := map[string]any{
		"methodConfig": []any{map[string]any{
			"name": []any{map[string]string{"service": service}},
			"retryPolicy": map[string]any{
				"maxAttempts":          attempts,
				"initialBackoff":       durationString(opts.RetryWaitMin),
				"maxBackoff":           durationString(opts.RetryWaitMax),
				"backoffMultiplier":    backoffMultiplier,
				"retryableStatusCodes": []string{"UNAVAILABLE", "RESOURCE_EXHAUSTED", "INTERNAL"},
			},
		}},
	}
	out, err := json.Marshal(cfg)
	if err != nil {
		return ""
	}
	return string(out)
}

func durationString(d time.Duration) string {
	return fmt.Sprintf("%.3fs", d.Seconds())
}

var _ Poster = (*GRPCClient)(nil)
