package mitm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rbmk-project/common/errclass"
)

// ErrBindExhausted is returned when every candidate source port is taken.
var ErrBindExhausted = errors.New("no free source port for upstream connection")

// Dialer opens the upstream leg of a session, binding its local port to the
// first free candidate in SourcePorts.
type Dialer struct {
	// Upstream is the device address, host:port.
	Upstream string

	// LocalIP is the source address to bind; nil binds the unspecified address.
	LocalIP net.IP

	// SourcePorts are tried in order. Empty lets the kernel choose.
	SourcePorts []int

	// Timeout bounds each connect attempt; zero means no timeout.
	Timeout time.Duration
}

// PortRange expands [min, max] into a candidate list. 0..0 yields nil.
func PortRange(min, max int) []int {
	if min == 0 && max == 0 {
		return nil
	}
	ports := make([]int, 0, max-min+1)
	for p := min; p <= max; p++ {
		ports = append(ports, p)
	}
	return ports
}

// Dial connects to Upstream. A candidate port whose local address is already
// in use is skipped; if none can be bound the error wraps ErrBindExhausted.
// Any other failure is returned immediately.
func (d *Dialer) Dial(ctx context.Context) (net.Conn, error) {
	if len(d.SourcePorts) == 0 {
		return d.dialFrom(ctx, 0)
	}

	var lastErr error
	for _, port := range d.SourcePorts {
		conn, err := d.dialFrom(ctx, port)
		if err == nil {
			return conn, nil
		}
		if !isAddrUnavailable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w (ports %d-%d): %v", ErrBindExhausted,
		d.SourcePorts[0], d.SourcePorts[len(d.SourcePorts)-1], lastErr)
}

func (d *Dialer) dialFrom(ctx context.Context, port int) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	if port != 0 || d.LocalIP != nil {
		nd.LocalAddr = &net.TCPAddr{IP: d.LocalIP, Port: port}
	}
	conn, err := nd.DialContext(ctx, "tcp", d.Upstream)
	if err != nil {
		return nil, fmt.Errorf("dial upstream %s from port %d: %w", d.Upstream, port, err)
	}
	return conn, nil
}

// isAddrUnavailable reports whether err means the local (port, 4-tuple) is
// taken, so the next candidate should be tried.
func isAddrUnavailable(err error) bool {
	switch errclass.New(err) {
	case errclass.EADDRINUSE, errclass.EADDRNOTAVAIL:
		return true
	}
	return false
}
