package reactor

import (
	"crypto/tls"

	"github.com/adred-codev/collector/internal/shared/monitoring"
)

const readChunkSize = 32 << 10

// readPump performs the blocking reads for one connection and posts what it
// sees to the loop. It never touches handler state.
func (r *Reactor) readPump(c *Connection) {
	// CRITICAL: Panic recovery must be FIRST defer (executes LAST in LIFO order)
	defer monitoring.RecoverPanic(r.logger, "readPump", map[string]any{
		"conn_id": c.ID,
	})
	defer r.wg.Done()

	if tlsConn, ok := c.conn.(*tls.Conn); ok {
		// The inactivity timer bounds the handshake: it closes the socket,
		// which makes Handshake return.
		err := tlsConn.Handshake()
		ev := handshakeEvent{id: c.ID, err: err}
		if err == nil && r.opts.PeerVerifier != nil {
			ev.verifyErr = r.opts.PeerVerifier.VerifyPeer(tlsConn.ConnectionState())
		}
		r.post(ev)
		if ev.err != nil || ev.verifyErr != nil {
			return
		}
	}

	for {
		buf := make([]byte, readChunkSize)
		n, err := c.conn.Read(buf)
		if n > 0 {
			r.post(dataEvent{id: c.ID, data: buf[:n]})
		}
		if err != nil {
			r.post(readErrorEvent{id: c.ID, err: err})
			return
		}
	}
}
