//go:build !linux

package reactor

import (
	"net"
	"syscall"
	"time"
)

func listenControl(network, address string, c syscall.RawConn) error {
	return nil
}

func tuneConn(conn net.Conn) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcp.SetNoDelay(true)
	_ = tcp.SetKeepAlive(true)
	_ = tcp.SetKeepAlivePeriod(30 * time.Second)
}
