//go:build !unix

package reactor

import (
	"net"
	"syscall"
)

func listenControl(bool) func(network, address string, c syscall.RawConn) error {
	return nil
}

func socketAddr(int, string) net.Addr {
	return nil
}
