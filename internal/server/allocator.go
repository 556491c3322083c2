package server

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"syscall"

	"github.com/sc0rp10/bore/internal/obs"
)

// randomAttempts is how many uniformly random ports are tried for a "any port"
// request. To find a free port with probability at least 1-δ when a fraction ε
// of the range is free, about -2 ln(δ)/ε independent tries suffice; 150 gives
// 99.999% success with only 15% of the range free.
const randomAttempts = 150

var (
	ErrOutOfRange       = errors.New("client port number not in allowed range")
	ErrAddressInUse     = errors.New("port already in use")
	ErrPermissionDenied = errors.New("permission denied")
	ErrBindFailed       = errors.New("failed to bind to port")
	ErrNoPortAvailable  = errors.New("failed to find an available port")
)

// PortRange is an inclusive range of tunnel ports.
type PortRange struct {
	Min, Max uint16
}

func (r PortRange) Contains(port uint16) bool { return port >= r.Min && port <= r.Max }

func (r PortRange) String() string { return fmt.Sprintf("%d-%d", r.Min, r.Max) }

// Allocator binds tunnel listeners within a port range.
type Allocator struct {
	ip     net.IP
	ports  PortRange
	listen func(ip net.IP, port uint16) (*net.TCPListener, error)
	intN   func(n int) int
}

func NewAllocator(ip net.IP, ports PortRange) *Allocator {
	return &Allocator{ip: ip, ports: ports, listen: listenTCP, intN: rand.IntN}
}

func listenTCP(ip net.IP, port uint16) (*net.TCPListener, error) {
	return net.ListenTCP("tcp", &net.TCPAddr{IP: ip, Port: int(port)})
}

// Allocate binds port, or a random free port from the range when port is 0.
// A specific port is bound once with no retry; the failure is classified into
// ErrAddressInUse, ErrPermissionDenied or ErrBindFailed.
func (a *Allocator) Allocate(port uint16) (*net.TCPListener, error) {
	if port > 0 {
		if !a.ports.Contains(port) {
			return nil, ErrOutOfRange
		}
		return a.bind(port)
	}

	span := int(a.ports.Max) - int(a.ports.Min) + 1
	for i := 1; i <= randomAttempts; i++ {
		candidate := a.ports.Min + uint16(a.intN(span))
		if ln, err := a.bind(candidate); err == nil {
			obs.AllocationAttempts.Observe(float64(i))
			return ln, nil
		}
	}
	return nil, ErrNoPortAvailable
}

func (a *Allocator) bind(port uint16) (*net.TCPListener, error) {
	ln, err := a.listen(a.ip, port)
	if err != nil {
		obs.Debug("allocate.bind", obs.Fields{"port": port, "err": err.Error()})
		return nil, classifyBindError(err)
	}
	return ln, nil
}

func classifyBindError(err error) error {
	switch {
	case errors.Is(err, syscall.EADDRINUSE):
		return ErrAddressInUse
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EACCES):
		return ErrPermissionDenied
	default:
		return ErrBindFailed
	}
}
