//go:build windows

package host

import (
	"net"

	"github.com/Microsoft/go-winio"
)

// listen opens the named pipe at path (spec.md §6: `\\.\pipe\midterm-host-
// <user>`). Named pipes have no on-disk file to clean up, so cleanup is a
// no-op; closing the returned listener is enough to release the pipe name.
func listen(path string) (net.Listener, func(), error) {
	ln, err := winio.ListenPipe(path, &winio.PipeConfig{
		// The Host and Gateway run as the same user in every supported
		// deployment (sidecar or direct mode on one machine), so the
		// default pipe ACL (current user + local system) is sufficient.
		MessageMode: false,
	})
	if err != nil {
		return nil, nil, err
	}
	return ln, func() {}, nil
}
