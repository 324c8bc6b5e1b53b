//go:build windows

package discovery

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// broadcastControl sets the socket options the announce socket needs before
// bind: SO_BROADCAST to send to 255.255.255.255, SO_REUSEADDR so several
// engines on one host can share the discovery port.
func broadcastControl(network, address string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		opErr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
		if opErr != nil {
			return
		}
		opErr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}
