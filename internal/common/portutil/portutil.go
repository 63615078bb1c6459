// Package portutil provides session port allocation helpers.
package portutil

import (
	"fmt"
	"math/rand"
	"net"
)

// Random returns a candidate port drawn from base + [0, spread).
func Random(rng *rand.Rand, base, spread int) int {
	if spread <= 0 {
		return base
	}
	return base + rng.Intn(spread)
}

// IsFree reports whether a TCP listener can currently bind the port on the
// local host. Best-effort: another process may grab the port between the
// check and actual use.
func IsFree(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}

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
