// Package ports hands out host ports for deployment containers.
package ports

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrNoFreePort is returned when the whole range is in use.
var ErrNoFreePort = errors.New("ports: no free port in range")

// Allocator picks free host ports from a fixed range, lowest first. A port is
// considered free when it can be bound on the loopback interface. The bind
// test is advisory: another process may grab the port before the container
// binds it, so callers retry the container start on collision.
type Allocator struct {
	host  string
	start int
	end   int

	mu       sync.Mutex
	reserved map[int]struct{}
}

// New returns an Allocator over the inclusive range [start, end].
func New(host string, start, end int) (*Allocator, error) {
	if start <= 0 || end < start {
		return nil, fmt.Errorf("invalid port range %d-%d", start, end)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return &Allocator{
		host:     host,
		start:    start,
		end:      end,
		reserved: make(map[int]struct{}),
	}, nil
}

// Allocate returns the lowest free port in the range and reserves it against
// concurrent allocations until Release is called.
func (a *Allocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for port := a.start; port <= a.end; port++ {
		if _, taken := a.reserved[port]; taken {
			continue
		}
		if !a.bindable(port) {
			continue
		}
		a.reserved[port] = struct{}{}
		return port, nil
	}
	return 0, ErrNoFreePort
}

// Release returns a port to the pool.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, port)
}

// bindable opens and immediately closes a listener on the port.
func (a *Allocator) bindable(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(a.host, fmt.Sprintf("%d", port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
