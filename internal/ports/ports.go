// Package ports allocates host SSH forward ports from a configured
// range. Allocation consults the store, not daemon memory, and commits
// a lease so two instances can never share a port.
package ports

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/hopingboyz/vpsd/internal/store"
)

// ErrPortExhausted indicates no free port remains in the range.
var ErrPortExhausted = errors.New("port range exhausted")

// Allocator hands out ports in [start, end].
type Allocator struct {
	db    *store.DB
	start int
	end   int

	// BindCheck probes whether the host can bind a port right now.
	// Overridable in tests.
	BindCheck func(port int) bool

	mu sync.Mutex
}

// NewAllocator returns an allocator over [start, end].
func NewAllocator(db *store.DB, start, end int) *Allocator {
	return &Allocator{db: db, start: start, end: end, BindCheck: canBind}
}

// Acquire finds a free port and leases it to the instance. A port is
// free when the store does not know it and the host can bind it. The
// scan and the lease are serialized so concurrent callers in this
// process do not race to the same port; the lease primary key covers
// callers in other processes.
func (a *Allocator) Acquire(instanceID string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	used, err := a.db.UsedPorts()
	if err != nil {
		return 0, fmt.Errorf("list used ports: %w", err)
	}

	for port := a.start; port <= a.end; port++ {
		if used[port] {
			continue
		}
		if !a.BindCheck(port) {
			continue
		}
		if err := a.db.AcquireLease(port, instanceID); err != nil {
			// Lost a race with another process. Move on.
			continue
		}
		return port, nil
	}
	return 0, fmt.Errorf("no free port in %d-%d: %w", a.start, a.end, ErrPortExhausted)
}

// Reacquire tries to lease a specific port for an instance, typically
// its previously recorded SSH port on restart. Returns false when the
// port is taken; the caller falls back to Acquire.
func (a *Allocator) Reacquire(instanceID string, port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port < a.start || port > a.end {
		return false
	}
	if !a.BindCheck(port) {
		return false
	}
	return a.db.AcquireLease(port, instanceID) == nil
}

// Release drops whatever lease the instance holds. Idempotent.
func (a *Allocator) Release(instanceID string) error {
	return a.db.ReleaseLeaseByInstance(instanceID)
}

func canBind(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
