// Package reactor accepts agent connections and drives each one through the
// request lifecycle on a single event-loop goroutine.
//
// Blocking socket I/O happens in per-connection read and write pumps, which
// only post events to the loop. Request dispatch runs in the worker pool and
// resumes on the loop through a completion event. Handler state is therefore
// touched by exactly one goroutine and needs no locking.
package reactor

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/collector/internal/dispatch"
	"github.com/adred-codev/collector/internal/shared/monitoring"
	"github.com/adred-codev/collector/internal/shared/types"
	"github.com/adred-codev/collector/internal/shared/workerpool"
	"github.com/rs/zerolog"
)

const (
	// DefaultIdleTimeout closes connections that stay silent this long.
	DefaultIdleTimeout = 30 * time.Second

	// Time allowed to write one response to the peer.
	defaultWriteTimeout = 10 * time.Second

	eventQueueSize = 1024
)

// Dispatcher produces the result for one framed request.
// It is called on a worker goroutine, never on the loop.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *dispatch.Request) dispatch.Result
}

// HandlerFactory returns the Dispatcher serving a newly accepted connection.
type HandlerFactory func(info ConnInfo) Dispatcher

// Static returns a factory that serves every connection with d.
func Static(d Dispatcher) HandlerFactory {
	return func(ConnInfo) Dispatcher { return d }
}

// Submitter is the worker pool seen from the reactor.
type Submitter interface {
	Submit(task workerpool.Task, completion workerpool.Completion) error
}

// StatusReporter receives the process liveness transition made once the
// listener is bound.
type StatusReporter interface {
	ReportOK()
}

// ConnectionObserver is notified of connection lifecycle events.
// Calls happen on the loop goroutine and must not block.
type ConnectionObserver interface {
	ConnectionOpened(info ConnInfo)
	ConnectionClosed(info ConnInfo, reason string)
}

// AcceptLimiter decides whether a new connection from ip may proceed.
type AcceptLimiter interface {
	Allow(ip string) bool
}

// Options configures a Reactor. Zero values select the defaults.
type Options struct {
	IdleTimeout  time.Duration // default 30s
	WriteTimeout time.Duration // default 10s
	MaxBodySize  int64         // default dispatch.MaxBodySize

	TLSConfig    *tls.Config  // nil serves plain TCP
	PeerVerifier PeerVerifier // invoked after each TLS handshake

	Limiter  AcceptLimiter
	Status   StatusReporter
	Observer ConnectionObserver
	Stats    *types.Stats
}

// Reactor owns the listening socket and the event loop.
type Reactor struct {
	pool   Submitter
	opts   Options
	logger zerolog.Logger
	stats  *types.Stats

	events chan any
	done   chan struct{}
	wg     sync.WaitGroup

	// Loop-owned
	conns   map[uint64]*Connection
	nextID  uint64
	factory HandlerFactory

	running atomic.Bool
	addrMu  sync.Mutex
	addr    net.Addr
	ready   chan struct{}
}

// New creates a Reactor that dispatches through pool.
func New(pool Submitter, logger zerolog.Logger, opts Options) *Reactor {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = dispatch.MaxBodySize
	}
	stats := opts.Stats
	if stats == nil {
		stats = types.NewStats()
	}

	return &Reactor{
		pool:   pool,
		opts:   opts,
		logger: logger.With().Str("component", "reactor").Logger(),
		stats:  stats,
		events: make(chan any, eventQueueSize),
		done:   make(chan struct{}),
		conns:  make(map[uint64]*Connection),
		ready:  make(chan struct{}),
	}
}

// Run binds addr and serves connections until ctx is cancelled.
//
// Returns:
//   - *BindError when the address cannot be bound (in use, no privilege)
//   - another error for any other setup failure
//   - nil after a normal shutdown
//
// A Reactor runs once.
func (r *Reactor) Run(ctx context.Context, addr string, factory HandlerFactory) error {
	if factory == nil {
		return errors.New("reactor: nil handler factory")
	}
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("reactor: already running")
	}
	r.factory = factory

	lc := net.ListenConfig{Control: listenControl}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		if isBindFailure(err) {
			return &BindError{Addr: addr, Err: err}
		}
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	r.addrMu.Lock()
	r.addr = ln.Addr()
	r.addrMu.Unlock()
	close(r.ready)

	r.logger.Info().
		Str("address", ln.Addr().String()).
		Bool("tls", r.opts.TLSConfig != nil).
		Dur("idle_timeout", r.opts.IdleTimeout).
		Int64("max_body_bytes", r.opts.MaxBodySize).
		Msg("Collector listening")

	if r.opts.Status != nil {
		r.opts.Status.ReportOK()
	}

	r.wg.Add(1)
	go r.acceptLoop(ln)

	r.loop(ctx)

	r.logger.Info().Int("open_connections", len(r.conns)).Msg("Reactor shutting down")
	_ = ln.Close()
	for _, c := range r.conns {
		r.closeConn(c, types.CloseReasonNormal)
	}
	close(r.done)
	r.wg.Wait()

	r.logger.Info().Msg("Reactor stopped")
	return nil
}

// Ready is closed once the listener is bound.
func (r *Reactor) Ready() <-chan struct{} {
	return r.ready
}

// Addr returns the bound address, or nil before Ready.
func (r *Reactor) Addr() net.Addr {
	r.addrMu.Lock()
	defer r.addrMu.Unlock()
	return r.addr
}

// Stats returns the counters the reactor updates.
func (r *Reactor) Stats() *types.Stats {
	return r.stats
}

func (r *Reactor) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.events:
			r.handle(ev)
		}
	}
}

// handle processes one event. Events are handled strictly one at a time.
func (r *Reactor) handle(ev any) {
	defer monitoring.RecoverPanic(r.logger, "reactorLoop", nil)

	switch e := ev.(type) {
	case acceptEvent:
		r.onAccept(e.conn)
	case handshakeEvent:
		if c := r.conns[e.id]; c != nil {
			r.onHandshake(c, e.err, e.verifyErr)
		}
	case dataEvent:
		if c := r.conns[e.id]; c != nil {
			r.onData(c, e.data)
		}
	case readErrorEvent:
		if c := r.conns[e.id]; c != nil {
			r.onReadError(c, e.err)
		}
	case timeoutEvent:
		if c := r.conns[e.id]; c != nil && c.timerGen == e.gen {
			r.onTimeout(c)
		}
	case completionEvent:
		c := r.conns[e.id]
		if c == nil || c.inflight != e.seq {
			r.onLateCompletion(e)
			return
		}
		r.onCompletion(c, e.result)
	case writtenEvent:
		if c := r.conns[e.id]; c != nil {
			r.onWritten(c, e.n, e.err, e.closeAfter)
		}
	default:
		r.logger.Error().Str("event_type", fmt.Sprintf("%T", ev)).Msg("Unknown reactor event")
	}
}

// post hands an event to the loop. It returns false once the loop has stopped.
func (r *Reactor) post(ev any) bool {
	select {
	case r.events <- ev:
		return true
	case <-r.done:
		return false
	}
}

func (r *Reactor) acceptLoop(ln net.Listener) {
	defer monitoring.RecoverPanic(r.logger, "acceptLoop", nil)
	defer r.wg.Done()

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// Transient failures (EMFILE, ECONNABORTED): back off and retry
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else if tempDelay *= 2; tempDelay > time.Second {
				tempDelay = time.Second
			}
			r.logger.Warn().Err(err).Dur("retry_in", tempDelay).Msg("Accept error")
			select {
			case <-time.After(tempDelay):
				continue
			case <-r.done:
				return
			}
		}
		tempDelay = 0

		if r.opts.Limiter != nil {
			ip, _ := splitPeer(conn.RemoteAddr())
			if !r.opts.Limiter.Allow(ip) {
				_ = conn.Close()
				continue
			}
		}

		if !r.post(acceptEvent{conn: conn}) {
			_ = conn.Close()
			return
		}
	}
}

func (r *Reactor) onAccept(conn net.Conn) {
	tuneConn(conn)

	secure := r.opts.TLSConfig != nil
	if secure {
		conn = tls.Server(conn, r.opts.TLSConfig)
	}

	r.nextID++
	c := newConnection(r.nextID, conn, secure)
	r.conns[c.ID] = c
	monitoring.RecordConnectionOpened(r.stats)
	if r.opts.Observer != nil {
		r.opts.Observer.ConnectionOpened(c.ConnInfo)
	}

	r.logger.Debug().
		Uint64("conn_id", c.ID).
		Str("peer", c.PeerAddr).
		Int("port", c.PeerPort).
		Bool("tls", secure).
		Msg("Connection accepted")

	r.armTimer(c)

	c.dispatcher = r.factory(c.ConnInfo)
	if c.dispatcher == nil {
		r.logger.Error().Uint64("conn_id", c.ID).Msg("Handler factory returned no dispatcher")
		r.closeConn(c, types.CloseReasonNormal)
		return
	}

	if secure {
		c.state = StateHandshaking
	} else {
		c.state = StateAwaitingRequest
	}

	r.wg.Add(2)
	go r.readPump(c)
	go r.writePump(c)
}

// armTimer (re)starts the inactivity timer. Firings from earlier generations are ignored.
func (r *Reactor) armTimer(c *Connection) {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timerGen++
	id, gen := c.ID, c.timerGen
	c.deadline = time.Now().Add(r.opts.IdleTimeout)
	c.timer = time.AfterFunc(r.opts.IdleTimeout, func() {
		r.post(timeoutEvent{id: id, gen: gen})
	})
}

// closeConn moves c to Closed exactly once and accounts for it.
func (r *Reactor) closeConn(c *Connection, reason string) {
	if c.closed {
		return
	}
	c.closed = true
	c.state = StateClosed
	c.inflight = 0
	c.buf = nil
	if c.timer != nil {
		c.timer.Stop()
	}
	c.closeSocket()
	delete(r.conns, c.ID)

	duration := time.Since(c.ConnectedAt)
	monitoring.RecordDisconnectWithStats(r.stats, reason, duration)
	if r.opts.Observer != nil {
		r.opts.Observer.ConnectionClosed(c.ConnInfo, reason)
	}

	r.logger.Info().
		Uint64("conn_id", c.ID).
		Str("peer", c.PeerAddr).
		Int("port", c.PeerPort).
		Str("reason", reason).
		Int64("requests", c.requests).
		Int64("bytes_sent", c.bytesSent).
		Int64("bytes_received", c.bytesReceived).
		Dur("duration", duration).
		Msg("Connection closed")
}
