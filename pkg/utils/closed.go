package utils

import (
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// IsClosedErr reports whether an I/O error is the result of the peer or the
// local side going away, as opposed to malformed traffic. The health monitor
// and the control channel use it to tell a teardown race from a real fault.
func IsClosedErr(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || strings.HasSuffix(err.Error(), "read: connection timed out") || strings.HasSuffix(err.Error(), "write: broken pipe") || strings.HasSuffix(err.Error(), "unexpected EOF") || strings.HasSuffix(err.Error(), "use of closed network connection") || strings.HasSuffix(err.Error(), "file already closed") || strings.HasSuffix(err.Error(), "closed") {
		return true
	}

	return false
}
