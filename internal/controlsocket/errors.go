package controlsocket

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// isExpectedCloseError reports whether err is the ordinary fallout of the
// peer going away: EOF, a closed connection, a broken pipe or a reset.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}

// IsPeerGone reports whether a Send or read error means the module's end
// of the connection is gone rather than a local failure.
func IsPeerGone(err error) bool {
	return errors.Is(err, ErrClosed) || isExpectedCloseError(err)
}
