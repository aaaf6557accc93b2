package checker

import (
	"context"
	"net"
	"time"
)

// Reachable reports whether a TCP connection to address can be established
// within timeout.
func Reachable(ctx context.Context, address string, timeout time.Duration) bool {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
