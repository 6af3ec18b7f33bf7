//go:build !windows

package hostclient

import (
	"context"
	"net"
)

func dial(ctx context.Context, d *net.Dialer, path string) (net.Conn, error) {
	return d.DialContext(ctx, "unix", path)
}
