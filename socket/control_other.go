//go:build !(linux || darwin || dragonfly || freebsd || netbsd || openbsd)

package socket

import (
	"syscall"
)

// Without SO_REUSEPORT only the first listener can bind, so run a single
// worker on these platforms.
func control(int) func(network, address string, c syscall.RawConn) error {
	return nil
}
