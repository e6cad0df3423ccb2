// Package portutil provides TCP port discovery helpers for the broker and
// ops servers.
package portutil

import (
	"errors"
	"fmt"
	"net"
)

// ErrNoFreePort is returned when every port in the scanned range is taken.
var ErrNoFreePort = errors.New("no free port in range")

// AllocatePort allocates an available port using OS assignment.
// This approach is thread-safe and avoids port conflicts.
func AllocatePort() (int, error) {
	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, fmt.Errorf("failed to allocate port: %w", err)
	}
	defer func() {
		_ = listener.Close()
	}()

	addr := listener.Addr().(*net.TCPAddr)
	return addr.Port, nil
}

// IsPortFree reports whether a loopback listener can currently bind the port.
func IsPortFree(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}

// FindAvailablePort returns preferred when it is free, otherwise the first
// free port in [preferred, preferred+maxAttempts). Scanning the full range
// without success returns ErrNoFreePort.
func FindAvailablePort(preferred, maxAttempts int) (int, error) {
	if preferred <= 0 || preferred > 65535 {
		return 0, fmt.Errorf("preferred port %d out of range", preferred)
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for offset := 0; offset < maxAttempts; offset++ {
		candidate := preferred + offset
		if candidate > 65535 {
			break
		}
		if IsPortFree(candidate) {
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("scanned [%d, %d): %w", preferred, preferred+maxAttempts, ErrNoFreePort)
}
