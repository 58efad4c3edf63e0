package discovery

import (
	"context"
	"net"
	"strconv"
	"time"
)

const (
	// DefaultScanProbeTimeout keeps a 254-host sweep short.
	DefaultScanProbeTimeout = 500 * time.Millisecond
	// DefaultManualProbeTimeout is used for one-off single-host checks.
	DefaultManualProbeTimeout = 3 * time.Second
)

// ProbeFunc reports whether address accepts TCP connections on port.
type ProbeFunc func(ctx context.Context, address string, port int, timeout time.Duration) bool

// IsOpen attempts one TCP connection. Refusal, timeout and every other dial
// error yield false.
func IsOpen(ctx context.Context, address string, port int, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultScanProbeTimeout
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
