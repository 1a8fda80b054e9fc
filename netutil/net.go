// Package netutil provides small networking helpers shared by the
// transport implementations.
package netutil

import (
	"net"
	"os"
	"strconv"
	"syscall"

	"github.com/juju/errors"
)

// ValidateAddress checks that addr is a host:port pair with a numeric
// port in range. The host part may be empty (listen on all interfaces)
// or an unresolved name; resolution errors belong to dial time, not
// validation time.
func ValidateAddress(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return errors.Annotatef(err, "invalid address %q", addr)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return errors.Errorf("invalid port in address %q", addr)
	}
	return nil
}

// IsAddrInUse checks whether the given error indicates "address in use"
func IsAddrInUse(err error) bool {
	if opErr, ok := errors.Cause(err).(*net.OpError); ok {
		if syscallErr, ok := opErr.Err.(*os.SyscallError); ok {
			return syscallErr.Err == syscall.EADDRINUSE
		}
	}
	return false
}
