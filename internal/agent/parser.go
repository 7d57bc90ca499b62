// Package agent implements the collector's agent-facing protocol: the parser
// that normalizes framed requests and the controller that acts on them.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/adred-codev/collector/internal/dispatch"
)

// SessionCookie carries the session ID issued by register.
const SessionCookie = "sid"

// sessionParam is accepted when an agent cannot keep cookies.
const sessionParam = "sid"

var (
	errMalformedHeader = errors.New("malformed header line")
	errMalformedJSON   = errors.New("malformed JSON payload")
)

// Parser turns a dispatch.RequestContext into an Envelope. It has no state.
type Parser struct{}

// NewParser returns a Parser.
func NewParser() *Parser {
	return &Parser{}
}

// Parse decodes the NUL-joined headers, the query and the session cookie.
// Any malformed part fails the whole request.
func (p *Parser) Parse(_ context.Context, rc *dispatch.RequestContext) (*dispatch.Envelope, error) {
	headers := make(map[string]string)
	for _, line := range rc.HeaderLines() {
		name, value, ok := dispatch.SplitHeaderLine(line)
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: %q", errMalformedHeader, line)
		}
		key := strings.ToLower(name)
		if prev, dup := headers[key]; dup {
			value = prev + ", " + value
		}
		headers[key] = value
	}

	params, err := url.ParseQuery(rc.Query)
	if err != nil {
		return nil, fmt.Errorf("malformed query: %w", err)
	}

	sessionID, err := sessionFromCookie(rc.Cookie)
	if err != nil {
		return nil, err
	}
	if sessionID == "" {
		sessionID = params.Get(sessionParam)
	}

	env := &dispatch.Envelope{
		Action:    actionOf(rc.Target),
		SessionID: sessionID,
		Params:    params,
		Headers:   headers,
		Payload:   rc.Body,
		Request:   rc,
	}

	if isJSON(rc.ContentType) && len(rc.Body) > 0 {
		if !json.Valid(rc.Body) {
			return nil, errMalformedJSON
		}
		env.JSON = true
	}
	return env, nil
}

// actionOf returns the first path segment, lower-cased.
func actionOf(target string) string {
	target = strings.TrimLeft(target, "/")
	action, _, _ := strings.Cut(target, "/")
	return strings.ToLower(action)
}

func sessionFromCookie(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	cookies, err := http.ParseCookie(raw)
	if err != nil {
		return "", fmt.Errorf("malformed cookie: %w", err)
	}
	for _, c := range cookies {
		if c.Name == SessionCookie {
			return c.Value, nil
		}
	}
	return "", nil
}

func isJSON(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}
