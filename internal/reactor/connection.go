package reactor

import (
	"net"
	"strconv"
	"sync"
	"time"
)

// State is a connection handler's position in the request lifecycle.
type State int

const (
	StateConnecting State = iota
	StateHandshaking
	StateAwaitingRequest
	StateParsing
	StateDispatching
	StateResponding
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateAwaitingRequest:
		return "awaiting_request"
	case StateParsing:
		return "parsing"
	case StateDispatching:
		return "dispatching"
	case StateResponding:
		return "responding"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnInfo identifies a connection to factories and observers.
type ConnInfo struct {
	ID          uint64
	PeerAddr    string
	PeerPort    int
	Secure      bool
	ConnectedAt time.Time
}

// writeRequest is one encoded response handed to the write pump.
type writeRequest struct {
	data       []byte
	closeAfter bool
}

// Connection is the per-socket state. Handler fields are owned by the reactor
// loop goroutine; the pumps only use conn and out.
type Connection struct {
	ConnInfo

	conn       net.Conn
	dispatcher Dispatcher
	out        chan writeRequest // at most one response outstanding
	closeOnce  sync.Once

	state         State
	deadline      time.Time // inactivity deadline
	timer         *time.Timer
	timerGen      uint64
	buf           []byte
	frame         frameState
	keepAlive     bool
	inflight      uint64 // sequence of the dispatch in flight, 0 when idle
	seq           uint64
	requests      int64
	bytesSent     int64
	bytesReceived int64
	closed        bool
}

func newConnection(id uint64, conn net.Conn, secure bool) *Connection {
	addr, port := splitPeer(conn.RemoteAddr())
	return &Connection{
		ConnInfo: ConnInfo{
			ID:          id,
			PeerAddr:    addr,
			PeerPort:    port,
			Secure:      secure,
			ConnectedAt: time.Now(),
		},
		conn:  conn,
		out:   make(chan writeRequest, 1),
		state: StateConnecting,
	}
}

// State returns the handler state. Only meaningful on the loop goroutine.
func (c *Connection) State() State { return c.state }

// BytesSent returns the bytes written to the peer so far.
func (c *Connection) BytesSent() int64 { return c.bytesSent }

// closeSocket releases the socket and stops the write pump. Idempotent.
func (c *Connection) closeSocket() {
	c.closeOnce.Do(func() {
		close(c.out)
		_ = c.conn.Close()
	})
}

func splitPeer(addr net.Addr) (string, int) {
	if addr == nil {
		return "", 0
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String(), tcp.Port
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}
