// Package portalloc allocates ephemeral TCP ports for kernel connection
// info, honoring an optional [low..high] range. There is no third-party
// port-allocation library available; bind-and-probe against net.Listen is
// the only way to ask the kernel for a free port, so this component is
// stdlib by necessity.
package portalloc

import (
	"fmt"
	"math/rand"
	"net"

	provisionererrors "github.com/kubermatic/kernel-provisioner/pkg/errors"
	"github.com/kubermatic/kernel-provisioner/pkg/wire"
)

// Defaults match the GP_MIN_PORT_RANGE_SIZE / GP_MAX_PORT_RANGE_RETRIES
// environment-tunable constants.
const (
	DefaultMinPortRangeSize     = 1000
	DefaultMaxPortRangeRetries  = 5
)

// Allocator draws TCP ports, either from the OS ephemeral pool or from a
// configured [low..high] range.
type Allocator struct {
	MinRangeSize     int
	MaxRangeRetries  int
}

// New builds an Allocator with its default tunables.
func New() *Allocator {
	return &Allocator{
		MinRangeSize:    DefaultMinPortRangeSize,
		MaxRangeRetries: DefaultMaxPortRangeRetries,
	}
}

// ValidateRange rejects a constrained range smaller than MinRangeSize with
// PORT_RANGE_TOO_SMALL. Allocate calls it before any port is drawn; nothing
// at configuration-load time or in the launch path calls it.
func (a *Allocator) ValidateRange(r wire.PortRange) error {
	if r.Unconstrained() {
		return nil
	}
	if r.Size() < a.MinRangeSize {
		return provisionererrors.New(provisionererrors.KindPortRangeTooSmall,
			fmt.Sprintf("port range %s has size %d, below minimum %d", r, r.Size(), a.MinRangeSize))
	}
	return nil
}

// Allocate returns n distinct free TCP ports. With an unconstrained range it
// lets the OS pick ephemeral ports; otherwise it probes uniformly drawn
// candidates from [low..high], retrying up to MaxRangeRetries times per
// port before giving up with PORT_ALLOCATION_EXHAUSTED.
func (a *Allocator) Allocate(n int, r wire.PortRange) ([]int, error) {
	if err := a.ValidateRange(r); err != nil {
		return nil, err
	}

	seen := make(map[int]bool, n)
	ports := make([]int, 0, n)

	for len(ports) < n {
		var port int
		var err error
		if r.Unconstrained() {
			port, err = a.allocateEphemeral()
		} else {
			port, err = a.allocateFromRange(r, seen)
		}
		if err != nil {
			return nil, err
		}
		if seen[port] {
			continue
		}
		seen[port] = true
		ports = append(ports, port)
	}

	return ports, nil
}

func (a *Allocator) allocateEphemeral() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, provisionererrors.Wrap(provisionererrors.KindPortAllocationExhausted, "failed to allocate ephemeral port", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func (a *Allocator) allocateFromRange(r wire.PortRange, seen map[int]bool) (int, error) {
	for attempt := 0; attempt < a.MaxRangeRetries; attempt++ {
		candidate := r.Low + rand.Intn(r.Size())
		if seen[candidate] {
			continue
		}
		if probe(candidate) {
			return candidate, nil
		}
	}
	return 0, provisionererrors.New(provisionererrors.KindPortAllocationExhausted,
		fmt.Sprintf("exhausted %d retries drawing a free port from %s", a.MaxRangeRetries, r))
}

// probe reports whether port is currently bindable.
func probe(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
