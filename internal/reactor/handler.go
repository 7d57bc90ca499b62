package reactor

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/adred-codev/collector/internal/dispatch"
	"github.com/adred-codev/collector/internal/shared/monitoring"
	"github.com/adred-codev/collector/internal/shared/types"
)

// Connection handler state machine:
//
//	Connecting → (Handshaking) → AwaitingRequest → Parsing → Dispatching → Responding
//	                                    ↑                                       │
//	                                    └────────────── keep-alive ─────────────┘
//
// Any state can move to Closed (normal, timeout or peer). All methods here run
// on the loop goroutine.

func (r *Reactor) onHandshake(c *Connection, err, verifyErr error) {
	switch {
	case err != nil:
		monitoring.IncrementHandshakeFailures()
		r.logger.Debug().Err(err).Uint64("conn_id", c.ID).Str("peer", c.PeerAddr).Msg("TLS handshake failed")
		r.closeConn(c, types.CloseReasonPeer)
	case verifyErr != nil:
		monitoring.IncrementHandshakeFailures()
		r.logger.Warn().Err(verifyErr).Uint64("conn_id", c.ID).Str("peer", c.PeerAddr).Msg("Peer verification rejected connection")
		r.closeConn(c, types.CloseReasonNormal)
	default:
		c.state = StateAwaitingRequest
	}
}

func (r *Reactor) onData(c *Connection, data []byte) {
	c.bytesReceived += int64(len(data))
	monitoring.UpdateBytesMetrics(r.stats, 0, int64(len(data)))
	r.armTimer(c)

	switch c.state {
	case StateAwaitingRequest, StateParsing:
		c.buf = append(c.buf, data...)
		r.tryFrame(c)
	case StateDispatching, StateResponding:
		// Pipelined bytes wait for the current response. They still count
		// against the same limits as a request being framed.
		if int64(len(c.buf)+len(data)) > r.opts.MaxBodySize+MaxHeaderBytes {
			r.logger.Warn().Uint64("conn_id", c.ID).Str("peer", c.PeerAddr).Msg("Pipelined input exceeds limit")
			r.closeConn(c, types.CloseReasonNormal)
			return
		}
		c.buf = append(c.buf, data...)
	}
}

// tryFrame cuts the next request from the buffer and dispatches it.
func (r *Reactor) tryFrame(c *Connection) {
	if len(c.buf) == 0 {
		c.state = StateAwaitingRequest
		return
	}
	c.state = StateParsing

	f, err := frameRequest(c.buf, &c.frame, r.opts.MaxBodySize)
	switch {
	case err == nil:
	case errors.Is(err, errNeedMore):
		return
	case errors.Is(err, errBodyTooLarge):
		r.reject(c, http.StatusRequestEntityTooLarge, "request body exceeds limit")
		return
	case errors.Is(err, errHeaderTooLarge):
		r.reject(c, http.StatusRequestHeaderFieldsTooLarge, "request header exceeds limit")
		return
	default:
		r.reject(c, http.StatusBadRequest, err.Error())
		return
	}

	if rest := len(c.buf) - f.size; rest > 0 {
		next := make([]byte, rest)
		copy(next, c.buf[f.size:])
		c.buf = next
	} else {
		c.buf = nil
	}
	c.frame = frameState{}

	r.dispatch(c, f)
}

// reject answers a request that could not be framed and closes after the write.
func (r *Reactor) reject(c *Connection, status int, msg string) {
	r.logger.Debug().
		Uint64("conn_id", c.ID).
		Str("peer", c.PeerAddr).
		Int("status", status).
		Str("reason", msg).
		Msg("Rejecting request")

	c.buf = nil
	c.frame = frameState{}
	c.keepAlive = false
	r.respond(c, dispatch.ErrorResponse(status, msg), true)
}

// dispatch submits a framed request to the worker pool without waiting.
func (r *Reactor) dispatch(c *Connection, f *framed) {
	req := f.req
	req.PeerAddr = c.PeerAddr
	req.PeerPort = c.PeerPort
	req.Secure = c.Secure
	req.ReceivedAt = time.Now()

	c.keepAlive = f.keepAlive
	c.requests++
	c.seq++
	c.inflight = c.seq
	c.state = StateDispatching

	id, seq, d := c.ID, c.seq, c.dispatcher
	var result dispatch.Result

	err := r.pool.Submit(
		func(ctx context.Context) error {
			result = d.Dispatch(ctx, req)
			return nil
		},
		func(err error) {
			if err != nil {
				result = dispatch.Result{Err: err}
			}
			r.post(completionEvent{id: id, seq: seq, result: result})
		},
	)
	if err != nil {
		c.inflight = 0
		atomic.AddInt64(&r.stats.RequestsRejected, 1)
		r.logger.Warn().
			Err(err).
			Uint64("conn_id", c.ID).
			Str("peer", c.PeerAddr).
			Str("target", req.Target).
			Msg("Worker pool refused request")
		r.respond(c, dispatch.ErrorResponse(http.StatusServiceUnavailable, "collector overloaded: "+err.Error()), !c.keepAlive)
	}
}

func (r *Reactor) onCompletion(c *Connection, res dispatch.Result) {
	c.inflight = 0
	atomic.AddInt64(&r.stats.RequestsDispatched, 1)
	r.respond(c, dispatch.ResponseFor(res), !c.keepAlive)
}

func (r *Reactor) onLateCompletion(e completionEvent) {
	monitoring.RecordLateCompletion(r.stats)
	r.logger.Debug().
		Uint64("conn_id", e.id).
		Uint64("seq", e.seq).
		Msg("Discarding completion for closed connection")
}

// respond hands one response to the write pump.
func (r *Reactor) respond(c *Connection, resp *dispatch.Response, closeAfter bool) {
	c.state = StateResponding
	monitoring.RecordResponse(resp.Status)

	select {
	case c.out <- writeRequest{data: resp.Encode(closeAfter), closeAfter: closeAfter}:
	default:
		// Only reachable if a second response were queued; treat as fatal for the connection
		r.logger.Error().Uint64("conn_id", c.ID).Msg("Write already pending")
		r.closeConn(c, types.CloseReasonNormal)
	}
}

func (r *Reactor) onWritten(c *Connection, n int, err error, closeAfter bool) {
	c.bytesSent += int64(n)
	monitoring.UpdateBytesMetrics(r.stats, int64(n), 0)

	if err != nil {
		r.closeConn(c, types.CloseReasonPeer)
		return
	}
	if closeAfter {
		r.closeConn(c, types.CloseReasonNormal)
		return
	}

	r.armTimer(c)
	r.tryFrame(c)
}

func (r *Reactor) onReadError(c *Connection, err error) {
	if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		r.logger.Debug().Err(err).Uint64("conn_id", c.ID).Msg("Read error")
	}
	r.closeConn(c, types.CloseReasonPeer)
}

func (r *Reactor) onTimeout(c *Connection) {
	r.logger.Debug().
		Uint64("conn_id", c.ID).
		Str("peer", c.PeerAddr).
		Str("state", c.state.String()).
		Time("deadline", c.deadline).
		Msg("Connection idle timeout")
	r.closeConn(c, types.CloseReasonTimeout)
}
