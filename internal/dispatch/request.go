package dispatch

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

// MaxBodySize is the largest request body the collector will buffer.
const MaxBodySize = 100 << 20 // 100 MiB

// Request is the immutable snapshot of one framed inbound message.
// It is created by the connection handler and consumed once by Dispatch.
type Request struct {
	Method      string
	Target      string // path component of the request URI
	Query       string // raw query string, without '?'
	Proto       string
	Cookie      string
	ContentType string
	Body        []byte
	PeerAddr    string
	PeerPort    int
	Secure      bool
	HeaderLines []string // "Name: value", in wire order
	ReceivedAt  time.Time
}

// URI returns the request target as it appeared on the request line.
func (r *Request) URI() string {
	if r.Query == "" {
		return r.Target
	}
	return r.Target + "?" + r.Query
}

// Response is what gets written back to the agent.
// Header keys are unique and written with the case they were given.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// NewResponse builds a response with an empty header map.
func NewResponse(status int, body []byte) *Response {
	return &Response{
		Status:  status,
		Headers: make(map[string]string),
		Body:    body,
	}
}

// ErrorResponse builds the plain-text response used for locally synthesized failures.
func ErrorResponse(status int, msg string) *Response {
	resp := NewResponse(status, []byte(msg))
	resp.Headers["Content-Type"] = "text/plain; charset=utf-8"
	return resp
}

// Header looks a header up case-insensitively.
func (r *Response) Header(name string) (string, bool) {
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// SetHeader replaces any existing header with the same name (case-insensitive)
// and stores the value under name's case.
func (r *Response) SetHeader(name, value string) {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	for k := range r.Headers {
		if strings.EqualFold(k, name) {
			delete(r.Headers, k)
		}
	}
	r.Headers[name] = value
}

// Encode renders the response as an HTTP/1.1 message.
// Content-Length is always derived from the body; any supplied value is replaced.
// When closing is set a "Connection: close" header is added.
func (r *Response) Encode(closing bool) []byte {
	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}

	headers := make(map[string]string, len(r.Headers)+2)
	for k, v := range r.Headers {
		if strings.EqualFold(k, "Content-Length") || strings.EqualFold(k, "Connection") {
			continue
		}
		headers[k] = v
	}
	headers["Content-Length"] = strconv.Itoa(len(r.Body))
	if closing {
		headers["Connection"] = "close"
	}

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.Grow(64 + len(r.Body) + 32*len(keys))
	b.WriteString("HTTP/1.1 ")
	b.WriteString(strconv.Itoa(status))
	b.WriteByte(' ')
	b.WriteString(statusText(status))
	b.WriteString("\r\n")
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(sanitizeHeaderValue(headers[k]))
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	b.Write(r.Body)
	return []byte(b.String())
}

func statusText(code int) string {
	if text := http.StatusText(code); text != "" {
		return text
	}
	return "Status " + strconv.Itoa(code)
}

// sanitizeHeaderValue strips CR and LF so a controller cannot split the response.
func sanitizeHeaderValue(v string) string {
	if !strings.ContainsAny(v, "\r\n") {
		return v
	}
	return strings.NewReplacer("\r", "", "\n", "").Replace(v)
}
