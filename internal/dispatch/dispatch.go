// Package dispatch bridges a framed request to the agent controller and
// guarantees that every request produces exactly one response.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/adred-codev/collector/internal/shared/monitoring"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultTracerName = "agent-collector/dispatch"

var (
	// ErrNoResponder is returned when a controller yields neither a Responder nor an error.
	ErrNoResponder = errors.New("controller returned no responder")

	// ErrNoResponse is returned when a Responder yields neither a Response nor an error.
	ErrNoResponse = errors.New("responder returned no response")
)

// Result is the outcome of one dispatch: a Response on success, Err otherwise.
type Result struct {
	Response *Response
	Err      error
	Duration time.Duration
}

// Failed reports whether the dispatch ended in an error.
func (r Result) Failed() bool {
	return r.Err != nil || r.Response == nil
}

// ResponseFor maps a Result to the Response written to the wire.
// Any failure becomes a 500 whose body is the failure message.
func ResponseFor(res Result) *Response {
	if res.Err == nil && res.Response != nil {
		return res.Response
	}
	err := res.Err
	if err == nil {
		err = ErrNoResponse
	}
	return ErrorResponse(http.StatusInternalServerError, err.Error())
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTracer sets the tracer used for dispatch spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) {
		d.tracer = tracer
	}
}

// Dispatcher runs Parser → Controller → Responder for one request.
// It is stateless apart from its collaborators and safe for concurrent use;
// it always runs inside the worker pool.
type Dispatcher struct {
	parser     Parser
	controller Controller
	tracer     trace.Tracer
	logger     zerolog.Logger
}

// New creates a Dispatcher. The tracer defaults to the global provider's.
func New(parser Parser, controller Controller, logger zerolog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		parser:     parser,
		controller: controller,
		logger:     logger.With().Str("component", "dispatch").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer(defaultTracerName)
	}
	return d
}

// Dispatch produces the Result for req. It never panics: a panic in any
// collaborator is recovered and reported as Result.Err.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (res Result) {
	start := time.Now()

	ctx, span := d.tracer.Start(ctx, "collector.dispatch",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.target", req.Target),
			attribute.String("net.peer.ip", req.PeerAddr),
			attribute.Int("net.peer.port", req.PeerPort),
			attribute.Int("http.request_content_length", len(req.Body)),
		),
	)

	defer func() {
		if r := recover(); r != nil {
			monitoring.RecordPanic("dispatch")
			d.logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Str("method", req.Method).
				Str("target", req.Target).
				Msg("Dispatch panic recovered")
			res = Result{Err: fmt.Errorf("panic during dispatch: %v", r)}
		}

		res.Duration = time.Since(start)
		monitoring.ObserveDispatch(res.Duration, res.Failed())

		if res.Failed() {
			err := res.Err
			if err == nil {
				err = ErrNoResponse
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			d.logger.Warn().
				Err(err).
				Str("method", req.Method).
				Str("target", req.Target).
				Str("peer", req.PeerAddr).
				Dur("duration", res.Duration).
				Msg("Dispatch failed")
		} else {
			span.SetAttributes(attribute.Int("http.status_code", res.Response.Status))
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	resp, err := d.run(ctx, req)
	return Result{Response: resp, Err: err}
}

func (d *Dispatcher) run(ctx context.Context, req *Request) (*Response, error) {
	rc := NewRequestContext(req)

	env, err := d.parser.Parse(ctx, rc)
	if err != nil {
		return nil, err
	}

	responder, err := d.controller.Handle(ctx, env)
	if err != nil {
		return nil, err
	}
	if responder == nil {
		return nil, ErrNoResponder
	}

	resp, err := responder.Respond(ctx)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, ErrNoResponse
	}
	return resp, nil
}
