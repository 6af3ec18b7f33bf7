//go:build !windows

package host

import (
	"net"
	"os"
)

// listen opens the Unix domain socket at path, removing any stale socket
// file left behind by a prior crashed instance first (grounded on
// internal/transport/server.go's ListenAndServe). The returned cleanup
// removes the socket file again once the listener is closed.
func listen(path string) (net.Listener, func(), error) {
	os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, nil, err
	}
	return ln, func() { os.Remove(path) }, nil
}
