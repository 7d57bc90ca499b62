package dispatch

import (
	"context"
	"net/url"
	"time"
)

// RequestContext is what the Parser sees: the request fields plus peer
// metadata, with the headers carried in the agent protocol's NUL-joined form.
type RequestContext struct {
	Method      string
	URI         string
	Target      string
	Query       string
	Cookie      string
	ContentType string
	Body        []byte
	PeerAddr    string
	PeerPort    int
	Secure      bool
	Headers     string // header lines joined by HeaderSeparator
	ReceivedAt  time.Time
}

// NewRequestContext builds the dispatch context for req.
func NewRequestContext(req *Request) *RequestContext {
	return &RequestContext{
		Method:      req.Method,
		URI:         req.URI(),
		Target:      req.Target,
		Query:       req.Query,
		Cookie:      req.Cookie,
		ContentType: req.ContentType,
		Body:        req.Body,
		PeerAddr:    req.PeerAddr,
		PeerPort:    req.PeerPort,
		Secure:      req.Secure,
		Headers:     EncodeHeaderLines(req.HeaderLines),
		ReceivedAt:  req.ReceivedAt,
	}
}

// HeaderLines decodes the NUL-joined header collection.
func (rc *RequestContext) HeaderLines() []string {
	return DecodeHeaderLines(rc.Headers)
}

// Envelope is the normalized input a Controller works on.
type Envelope struct {
	Action    string     // first path segment, lower-cased
	SessionID string     // from the session cookie, empty when absent
	Params    url.Values // decoded query string
	Headers   map[string]string
	Payload   []byte
	JSON      bool // Payload is a JSON document
	Request   *RequestContext
}

// Parser normalizes a RequestContext into an Envelope.
type Parser interface {
	Parse(ctx context.Context, rc *RequestContext) (*Envelope, error)
}

// Responder materializes the concrete Response a controller decided on.
type Responder interface {
	Respond(ctx context.Context) (*Response, error)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context) (*Response, error)

// Respond calls f(ctx).
func (f ResponderFunc) Respond(ctx context.Context) (*Response, error) {
	return f(ctx)
}

// Static returns a Responder that always yields resp.
func Static(resp *Response) Responder {
	return ResponderFunc(func(context.Context) (*Response, error) { return resp, nil })
}

// Controller decides which response an Envelope deserves.
type Controller interface {
	Handle(ctx context.Context, env *Envelope) (Responder, error)
}
