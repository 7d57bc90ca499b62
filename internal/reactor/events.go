package reactor

import (
	"net"

	"github.com/adred-codev/collector/internal/dispatch"
)

// Events posted to the reactor loop. Pumps, timers and worker completions
// only ever communicate with handler state through these.

type acceptEvent struct {
	conn net.Conn
}

type handshakeEvent struct {
	id        uint64
	err       error // handshake failure
	verifyErr error // PeerVerifier rejection
}

type dataEvent struct {
	id   uint64
	data []byte
}

type readErrorEvent struct {
	id  uint64
	err error
}

type timeoutEvent struct {
	id  uint64
	gen uint64
}

type completionEvent struct {
	id     uint64
	seq    uint64
	result dispatch.Result
}

type writtenEvent struct {
	id         uint64
	n          int
	err        error
	closeAfter bool
}
