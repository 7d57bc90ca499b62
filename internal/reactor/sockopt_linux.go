//go:build linux

package reactor

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// Socket buffer sizes applied to every accepted agent connection.
const (
	socketRecvBuffer = 256 << 10
	socketSendBuffer = 256 << 10
)

// listenControl tunes the listening socket before bind.
// Errors are ignored: every option here is an optimization.
func listenControl(network, address string, c syscall.RawConn) error {
	return c.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_FASTOPEN, 16)
	})
}

// tuneConn applies per-connection TCP options.
//
// Agents send short request/response exchanges, so Nagle is disabled and
// quick ACKs are requested. Keepalive probes detect dead peers well before
// the kernel default of two hours.
func tuneConn(conn net.Conn) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	raw, err := tcp.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		s := int(fd)
		_ = unix.SetsockoptInt(s, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		_ = unix.SetsockoptInt(s, unix.IPPROTO_TCP, unix.TCP_QUICKACK, 1)
		_ = unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
		_ = unix.SetsockoptInt(s, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, 30)  // Start after 30s
		_ = unix.SetsockoptInt(s, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, 10) // Interval 10s
		_ = unix.SetsockoptInt(s, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, 3)    // 3 probes
		_ = unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_RCVBUF, socketRecvBuffer)
		_ = unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_SNDBUF, socketSendBuffer)
	})
}
