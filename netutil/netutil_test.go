package netutil

import (
	"fmt"
	"net"
	"testing"
)

func TestFreePortIsBindable(t *testing.T) {
	port, err := FreePort()
	if err != nil {
		t.Fatalf("free port error: %v", err)
	}
	if port <= 0 || port > 65535 {
		t.Fatalf("invalid port %d", port)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("port %d should be bindable: %v", port, err)
	}
	ln.Close()
}

func TestFreePortDistinct(t *testing.T) {
	seen := make(map[int]bool)
	for i := 0; i < 5; i++ {
		port, err := FreePort()
		if err != nil {
			t.Fatalf("free port error: %v", err)
		}
		seen[port] = true
	}
	if len(seen) < 2 {
		t.Errorf("expected different ports across calls, got %v", seen)
	}
}
