//go:build windows

package hostclient

import (
	"context"
	"net"

	"github.com/Microsoft/go-winio"
)

func dial(ctx context.Context, d *net.Dialer, path string) (net.Conn, error) {
	return winio.DialPipeContext(ctx, path)
}
