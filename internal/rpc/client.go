package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nostrsync/internal/protocol"
	"nostrsync/internal/relay"
	"nostrsync/internal/signer"
	"nostrsync/pkg/platform/sentinel"
)

// CallTimeout is how long a caller waits for a response.
const CallTimeout = 30 * time.Second

// Client issues RPC calls. Calls are independent and may run concurrently.
type Client struct {
	transport relay.Transport
	signer    signer.Signer
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *Metrics
	tracer    trace.Tracer
}

type ClientOption func(*Client)

func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithClientMetrics(m *Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithCallTimeout shortens the wait in tests.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func NewClient(transport relay.Transport, s signer.Signer, opts ...ClientOption) *Client {
	c := &Client{
		transport: transport,
		signer:    s,
		timeout:   CallTimeout,
		logger:    slog.Default(),
		tracer:    otel.Tracer("nostrsync/rpc"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call sends method with params to target and decodes the response result
// into result, which may be nil. It fails with sentinel.ErrTimeout when no
// matching response arrives in time. The reply subscription is always closed
// before Call returns.
func (c *Client) Call(ctx context.Context, target, method string, params, result any) error {
	if c.signer == nil {
		return signer.ErrNoSigner
	}
	ctx, span := c.tracer.Start(ctx, "rpc.call", trace.WithAttributes(
		attribute.String("rpc.method", method),
		attribute.String("rpc.target", target),
	))
	defer span.End()

	start := time.Now()
	err := c.call(ctx, target, method, params, result)
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, sentinel.ErrTimeout):
		outcome = "timeout"
	default:
		outcome = "error"
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	c.metrics.observeCall(method, outcome, time.Since(start))
	return err
}

func (c *Client) call(ctx context.Context, target, method string, params, result any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	req, err := c.buildRequest(ctx, target, method, params)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	filter := nostr.Filter{
		Kinds:   []int{protocol.KindRPCResponse},
		Authors: []string{target},
		Tags:    nostr.TagMap{"e": []string{req.ID}},
	}
	sub, err := c.transport.Subscribe(callCtx, filter, relay.SubscribeOptions{})
	if err != nil {
		return fmt.Errorf("subscribe for %s response: %w", method, err)
	}
	defer sub.Close()

	if _, err := c.transport.Publish(callCtx, req); err != nil {
		return fmt.Errorf("publish %s request: %w", method, err)
	}

	for {
		select {
		case <-callCtx.Done():
			return c.abandoned(ctx, callCtx, target, method)
		case evt, ok := <-sub.Events():
			if !ok {
				if callCtx.Err() != nil {
					return c.abandoned(ctx, callCtx, target, method)
				}
				return fmt.Errorf("%w: response subscription for %s closed", sentinel.ErrUnavailable, method)
			}
			resp, err := c.openResponse(callCtx, target, evt)
			if err != nil {
				c.logger.DebugContext(ctx, "ignoring rpc response", "method", method, "event_id", evt.ID, "error", err)
				continue
			}
			if resp.ResultType != method {
				c.logger.DebugContext(ctx, "ignoring rpc response for other method",
					"method", method,
					"result_type", resp.ResultType,
				)
				continue
			}
			if result == nil || len(resp.Result) == 0 {
				return nil
			}
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("%w: decode %s result: %w", sentinel.ErrValidation, method, err)
			}
			return nil
		}
	}
}

// abandoned reports why callCtx ended: our own deadline is a timeout, anything
// else belongs to the caller.
func (c *Client) abandoned(ctx, callCtx context.Context, target, method string) error {
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: %s to %s after %s", sentinel.ErrTimeout, method, target, c.timeout)
	}
	return ctx.Err()
}

func (c *Client) buildRequest(ctx context.Context, target, method string, params any) (nostr.Event, error) {
	if method == "" {
		return nostr.Event{}, fmt.Errorf("%w: method is required", sentinel.ErrValidation)
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("marshal %s params: %w", method, err)
	}
	body, err := json.Marshal(Request{Method: method, Params: rawParams})
	if err != nil {
		return nostr.Event{}, fmt.Errorf("marshal %s request: %w", method, err)
	}
	content, err := c.signer.Encrypt(ctx, target, string(body))
	if err != nil {
		return nostr.Event{}, fmt.Errorf("encrypt %s request: %w", method, err)
	}
	req := nostr.Event{
		Kind:      protocol.KindRPCRequest,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"p", target}},
		Content:   content,
	}
	if err := c.signer.Sign(ctx, &req); err != nil {
		return nostr.Event{}, fmt.Errorf("sign %s request: %w", method, err)
	}
	return req, nil
}

func (c *Client) openResponse(ctx context.Context, target string, evt *nostr.Event) (Response, error) {
	if evt.Kind != protocol.KindRPCResponse || evt.PubKey != target {
		return Response{}, fmt.Errorf("%w: unexpected event kind %d from %s", sentinel.ErrValidation, evt.Kind, evt.PubKey)
	}
	plain, err := c.signer.Decrypt(ctx, target, evt.Content)
	if err != nil {
		return Response{}, err
	}
	var resp Response
	if err := json.Unmarshal([]byte(plain), &resp); err != nil {
		return Response{}, fmt.Errorf("%w: malformed response envelope: %w", sentinel.ErrValidation, err)
	}
	return resp, nil
}
