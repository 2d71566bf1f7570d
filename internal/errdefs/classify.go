package errdefs

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"strings"
	"syscall"
)

// disconnectMarkers are substrings of transport errors that are not exposed
// as typed values by x/crypto/ssh or the net package.
var disconnectMarkers = []string{
	"use of closed network connection",
	"connection reset by peer",
	"broken pipe",
	"ssh: disconnect",
	"ssh: unexpected packet",
	"ssh: rejected: administratively prohibited",
}

// Classify maps a raw transport, network or filesystem error onto an *Error.
// Errors that already carry a Kind are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout(err)
	}
	msg := err.Error()
	if strings.Contains(msg, "i/o timeout") {
		return Timeout(err)
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNABORTED) {
		return Disconnected(err)
	}
	for _, m := range disconnectMarkers {
		if strings.Contains(msg, m) {
			return Disconnected(err)
		}
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return IO("ConnectionRefused", err)
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return IO("HostUnreachable", err)
	case errors.Is(err, fs.ErrNotExist):
		return IO("NotFound", err)
	case errors.Is(err, fs.ErrPermission):
		return IO("PermissionDenied", err)
	case errors.Is(err, context.Canceled):
		return IO("Interrupted", err)
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return IO(errnoName(errno), err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return IO("AddrNotAvailable", err)
	}
	return Wrap(KindMessage, err, "")
}

func errnoName(errno syscall.Errno) string {
	var b strings.Builder
	upper := true
	for _, r := range errno.Error() {
		if r == ' ' || r == '-' {
			upper = true
			continue
		}
		if upper && r >= 'a' && r <= 'z' {
			r -= 'a' - 'A'
		}
		upper = false
		b.WriteRune(r)
	}
	if b.Len() == 0 {
		return "Other"
	}
	return b.String()
}
