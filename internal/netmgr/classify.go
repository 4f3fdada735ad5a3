package netmgr

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// ClassifyNetError folds a transport-level failure into the error
// taxonomy. The distinctions mirror what the syscall layer can
// actually tell us: refused means the host answered and said no,
// unreachable and DNS failures mean there is no network to speak of,
// and a deadline means nobody answered at all. Drivers share this so
// the same failure reads the same no matter which layer hit it.
func ClassifyNetError(err error) ErrorCode {
	switch {
	case err == nil:
		return ErrorNone
	case errors.Is(err, syscall.ECONNREFUSED):
		return ErrorRefused
	case errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.ENETDOWN):
		return ErrorNoNetwork
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrorNoNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTimeout
	}
	return ErrorConnectFailure
}
