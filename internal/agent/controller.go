package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/adred-codev/collector/internal/dispatch"
	"github.com/adred-codev/collector/internal/session"
	"github.com/rs/zerolog"
)

// Actions understood by the controller.
const (
	ActionRegister = "register"
	ActionBeacon   = "beacon"
	ActionReport   = "report"
)

// Sessions is the session manager seen from the controller.
type Sessions interface {
	Create(ctx context.Context, agentID, peer string) (*session.Session, error)
	Touch(ctx context.Context, id string) (*session.Session, error)
}

// ResultSink receives agent reports keyed by session ID.
type ResultSink interface {
	Produce(ctx context.Context, key string, value []byte) error
}

// Report is the record handed to the ResultSink for each accepted report.
type Report struct {
	SessionID   string          `json:"session_id"`
	AgentID     string          `json:"agent_id"`
	Peer        string          `json:"peer"`
	ContentType string          `json:"content_type,omitempty"`
	ReceivedAt  time.Time       `json:"received_at"`
	Data        json.RawMessage `json:"data,omitempty"`
	Raw         []byte          `json:"raw,omitempty"` // non-JSON payloads, base64 in the record
}

// Controller routes an Envelope by action.
type Controller struct {
	sessions       Sessions
	sink           ResultSink
	beaconInterval time.Duration
	logger         zerolog.Logger
	now            func() time.Time
}

// NewController wires the controller. beaconInterval is the hint returned to
// agents for their next check-in.
func NewController(sessions Sessions, sink ResultSink, beaconInterval time.Duration, logger zerolog.Logger) *Controller {
	return &Controller{
		sessions:       sessions,
		sink:           sink,
		beaconInterval: beaconInterval,
		logger:         logger.With().Str("component", "agent").Logger(),
		now:            time.Now,
	}
}

// Handle implements dispatch.Controller. Protocol problems (wrong method,
// unknown session, missing fields) become 4xx responses; backend failures
// are returned as errors so the dispatcher answers 500.
func (c *Controller) Handle(ctx context.Context, env *dispatch.Envelope) (dispatch.Responder, error) {
	switch env.Action {
	case ActionRegister:
		return c.register(ctx, env)
	case ActionBeacon:
		return c.beacon(ctx, env)
	case ActionReport:
		return c.report(ctx, env)
	default:
		return dispatch.Static(dispatch.ErrorResponse(http.StatusNotFound, "unknown action")), nil
	}
}

func (c *Controller) register(ctx context.Context, env *dispatch.Envelope) (dispatch.Responder, error) {
	if r := requirePost(env); r != nil {
		return r, nil
	}

	agentID := agentIDOf(env)
	if agentID == "" {
		return dispatch.Static(dispatch.ErrorResponse(http.StatusBadRequest, "agent_id is required")), nil
	}

	s, err := c.sessions.Create(ctx, agentID, env.Request.PeerAddr)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", agentID, err)
	}

	cookie := &http.Cookie{
		Name:     SessionCookie,
		Value:    s.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   env.Request.Secure,
	}
	return jsonResponder(http.StatusOK, map[string]any{
		"session_id":     s.ID,
		"server_time":    c.now().UTC().Format(time.RFC3339),
		"beacon_seconds": int(c.beaconInterval / time.Second),
	}, "Set-Cookie", cookie.String()), nil
}

func (c *Controller) beacon(ctx context.Context, env *dispatch.Envelope) (dispatch.Responder, error) {
	s, denied, err := c.liveSession(ctx, env)
	if denied != nil || err != nil {
		return denied, err
	}

	return jsonResponder(http.StatusOK, map[string]any{
		"status":         "ack",
		"session_id":     s.ID,
		"beacons":        s.Beacons,
		"server_time":    c.now().UTC().Format(time.RFC3339),
		"beacon_seconds": int(c.beaconInterval / time.Second),
	}), nil
}

func (c *Controller) report(ctx context.Context, env *dispatch.Envelope) (dispatch.Responder, error) {
	if r := requirePost(env); r != nil {
		return r, nil
	}
	if len(env.Payload) == 0 {
		return dispatch.Static(dispatch.ErrorResponse(http.StatusBadRequest, "empty report")), nil
	}

	s, denied, err := c.liveSession(ctx, env)
	if denied != nil || err != nil {
		return denied, err
	}

	rec := Report{
		SessionID:   s.ID,
		AgentID:     s.AgentID,
		Peer:        env.Request.PeerAddr,
		ContentType: env.Request.ContentType,
		ReceivedAt:  env.Request.ReceivedAt,
	}
	if env.JSON {
		rec.Data = json.RawMessage(env.Payload)
	} else {
		rec.Raw = env.Payload
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}

	if err := c.sink.Produce(ctx, s.ID, value); err != nil {
		return nil, fmt.Errorf("deliver report: %w", err)
	}

	c.logger.Debug().
		Str("session_id", s.ID).
		Str("agent_id", s.AgentID).
		Int("bytes", len(env.Payload)).
		Msg("Report accepted")

	return jsonResponder(http.StatusAccepted, map[string]any{"status": "accepted"}), nil
}

// liveSession resolves the envelope's session. An unknown or expired session
// yields a 401 responder; backend failures yield an error.
func (c *Controller) liveSession(ctx context.Context, env *dispatch.Envelope) (*session.Session, dispatch.Responder, error) {
	if env.SessionID == "" {
		return nil, unauthorized("session required"), nil
	}
	s, err := c.sessions.Touch(ctx, env.SessionID)
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrExpired):
		return nil, unauthorized(err.Error()), nil
	case err != nil:
		return nil, nil, fmt.Errorf("session %s: %w", env.SessionID, err)
	}
	return s, nil, nil
}

func agentIDOf(env *dispatch.Envelope) string {
	if env.JSON {
		var body struct {
			AgentID string `json:"agent_id"`
		}
		if err := json.Unmarshal(env.Payload, &body); err == nil && body.AgentID != "" {
			return strings.TrimSpace(body.AgentID)
		}
	}
	return strings.TrimSpace(env.Params.Get("agent_id"))
}

func requirePost(env *dispatch.Envelope) dispatch.Responder {
	if env.Request.Method == http.MethodPost {
		return nil
	}
	resp := dispatch.ErrorResponse(http.StatusMethodNotAllowed, "method not allowed")
	resp.SetHeader("Allow", http.MethodPost)
	return dispatch.Static(resp)
}

func unauthorized(msg string) dispatch.Responder {
	return dispatch.Static(dispatch.ErrorResponse(http.StatusUnauthorized, msg))
}

// jsonResponder encodes v lazily; extra is a list of header name/value pairs.
func jsonResponder(status int, v any, extra ...string) dispatch.Responder {
	return dispatch.ResponderFunc(func(context.Context) (*dispatch.Response, error) {
		body, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode response: %w", err)
		}
		resp := dispatch.NewResponse(status, body)
		resp.SetHeader("Content-Type", "application/json")
		for i := 0; i+1 < len(extra); i += 2 {
			resp.SetHeader(extra[i], extra[i+1])
		}
		return resp, nil
	})
}
