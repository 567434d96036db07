// Package netutil holds small network helpers shared by the adapters.
package netutil

import (
	"fmt"
	"net"
)

// FreePort asks the kernel for an unused TCP port on the loopback interface.
// The port is released before returning, so another process may take it.
func FreePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("allocate port: %w", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
