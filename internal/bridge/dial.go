package bridge

import (
	"context"
	"fmt"
	"net"
)

// DialTCP connects to a TCP endpoint (e.g. a UART's analyzer socket) for
// use as one side of a Bridge.
func DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}
