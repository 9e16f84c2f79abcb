package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

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

// Handler serves one method. params always carries the caller's pubkey under
// CallerParam. A returned error suppresses the response.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Server answers requests addressed to the local identity. The callable
// methods are exactly the registered ones.
type Server struct {
	transport relay.Transport
	signer    signer.Signer
	logger    *slog.Logger
	metrics   *Metrics
	tracer    trace.Tracer

	mu       sync.RWMutex
	handlers map[string]Handler
	inflight sync.WaitGroup
}

type ServerOption func(*Server)

func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithServerMetrics(m *Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

func NewServer(transport relay.Transport, sg signer.Signer, opts ...ServerOption) *Server {
	s := &Server{
		transport: transport,
		signer:    sg,
		logger:    slog.Default(),
		tracer:    otel.Tracer("nostrsync/rpc"),
		handlers:  make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register binds method to h, replacing any earlier binding.
func (s *Server) Register(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Methods lists the registered method names.
func (s *Server) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Serve answers requests until ctx is done. Each request is handled in its own
// goroutine.
func (s *Server) Serve(ctx context.Context) error {
	if s.signer == nil {
		return signer.ErrNoSigner
	}
	filter := nostr.Filter{
		Kinds: []int{protocol.KindRPCRequest},
		Tags:  nostr.TagMap{"p": []string{s.signer.PublicKey()}},
	}
	sub, err := s.transport.Subscribe(ctx, filter, relay.SubscribeOptions{})
	if err != nil {
		return fmt.Errorf("subscribe to rpc requests: %w", err)
	}
	defer sub.Close()

	s.logger.InfoContext(ctx, "rpc server started", "methods", s.Methods())
	handleCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-sub.Events():
			if !ok {
				return fmt.Errorf("%w: rpc request subscription closed", sentinel.ErrUnavailable)
			}
			s.inflight.Add(1)
			go func() {
				defer s.inflight.Done()
				if err := s.HandleRequest(handleCtx, evt); err != nil {
					s.logger.WarnContext(handleCtx, "rpc request failed",
						"event_id", evt.ID,
						"caller", evt.PubKey,
						"error", err,
					)
				}
			}()
		}
	}
}

// Wait blocks until every request handed out by Serve has been handled.
func (s *Server) Wait() {
	s.inflight.Wait()
}

// HandleRequest decrypts, dispatches and answers one request. Any error means
// no response was published.
func (s *Server) HandleRequest(ctx context.Context, evt *nostr.Event) error {
	if s.signer == nil {
		return signer.ErrNoSigner
	}
	ctx, span := s.tracer.Start(ctx, "rpc.serve", trace.WithAttributes(
		attribute.String("nostr.event_id", evt.ID),
		attribute.String("rpc.caller", evt.PubKey),
	))
	defer span.End()

	method, err := s.handle(ctx, evt)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if method == "" {
		method = "unknown"
	}
	span.SetAttributes(attribute.String("rpc.method", method))
	s.metrics.incServed(method, outcome)
	return err
}

func (s *Server) handle(ctx context.Context, evt *nostr.Event) (string, error) {
	if evt.Kind != protocol.KindRPCRequest {
		return "", fmt.Errorf("%w: kind %d is not a request", sentinel.ErrValidation, evt.Kind)
	}
	plain, err := s.signer.Decrypt(ctx, evt.PubKey, evt.Content)
	if err != nil {
		return "", err
	}
	var req Request
	if err := json.Unmarshal([]byte(plain), &req); err != nil {
		return "", fmt.Errorf("%w: malformed request envelope: %w", sentinel.ErrValidation, err)
	}

	s.mu.RLock()
	h, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: unknown method %q", sentinel.ErrNotFound, req.Method)
	}

	params, err := withCaller(req.Params, evt.PubKey)
	if err != nil {
		return req.Method, err
	}
	result, err := h(ctx, params)
	if err != nil {
		return req.Method, fmt.Errorf("handler %s: %w", req.Method, err)
	}

	rawResult, err := json.Marshal(result)
	if err != nil {
		return req.Method, fmt.Errorf("marshal %s result: %w", req.Method, err)
	}
	body, err := json.Marshal(Response{ResultType: req.Method, Result: rawResult})
	if err != nil {
		return req.Method, fmt.Errorf("marshal %s response: %w", req.Method, err)
	}
	content, err := s.signer.Encrypt(ctx, evt.PubKey, string(body))
	if err != nil {
		return req.Method, fmt.Errorf("encrypt %s response: %w", req.Method, err)
	}
	resp := nostr.Event{
		Kind:      protocol.KindRPCResponse,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"e", evt.ID}, {"p", evt.PubKey}},
		Content:   content,
	}
	if err := s.signer.Sign(ctx, &resp); err != nil {
		return req.Method, fmt.Errorf("sign %s response: %w", req.Method, err)
	}
	if _, err := s.transport.Publish(ctx, resp); err != nil {
		return req.Method, fmt.Errorf("publish %s response: %w", req.Method, err)
	}
	s.logger.DebugContext(ctx, "rpc request answered", "method", req.Method, "caller", evt.PubKey)
	return req.Method, nil
}
