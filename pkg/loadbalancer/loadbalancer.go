// Package loadbalancer implements the distributed backend's host selection:
// round-robin or least-connection, with KERNEL_REMOTE_HOST pinning. The
// counters live under a single mutex, the same guard-the-whole-map shape
// used in pkg/cloudprovider/cache/cloudprovidercache.go.
package loadbalancer

import (
	"fmt"
	"sync"

	provisionererrors "github.com/kubermatic/kernel-provisioner/pkg/errors"
)

// Algorithm selects which policy HostPool uses.
type Algorithm string

const (
	RoundRobin      Algorithm = "round-robin"
	LeastConnection Algorithm = "least-connection"
)

// HostPool is the ordered sequence of candidate hosts plus a per-host
// active-kernel count, mutated only under mu.
type HostPool struct {
	mu        sync.Mutex
	hosts     []string
	active    map[string]int
	algorithm Algorithm
	nextIndex int
}

// NewHostPool builds a pool over hosts using algorithm. An empty hosts
// slice is valid; every Select call on it fails.
func NewHostPool(hosts []string, algorithm Algorithm) *HostPool {
	if algorithm == "" {
		algorithm = RoundRobin
	}
	active := make(map[string]int, len(hosts))
	for _, h := range hosts {
		active[h] = 0
	}
	return &HostPool{hosts: append([]string(nil), hosts...), active: active, algorithm: algorithm}
}

// Select picks a host for a new launch. pinnedHost, when non-empty,
// bypasses the algorithm entirely (KERNEL_REMOTE_HOST); it must be one of
// the pool's configured hosts or selection fails with UNKNOWN_REMOTE_HOST.
func (p *HostPool) Select(pinnedHost string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pinnedHost != "" {
		if !p.contains(pinnedHost) {
			return "", provisionererrors.New(provisionererrors.KindUnknownRemoteHost,
				fmt.Sprintf("KERNEL_REMOTE_HOST %q is not in the configured host list", pinnedHost))
		}
		p.active[pinnedHost]++
		return pinnedHost, nil
	}

	if len(p.hosts) == 0 {
		return "", fmt.Errorf("host pool is empty")
	}

	var host string
	switch p.algorithm {
	case LeastConnection:
		host = p.leastConnectionLocked()
	default:
		host = p.roundRobinLocked()
	}

	p.active[host]++
	return host, nil
}

// Release decrements the active count for host, called when a binding
// reaches TERMINATED or FAILED.
func (p *HostPool) Release(host string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active[host] > 0 {
		p.active[host]--
	}
}

// ActiveCount returns host's current active-kernel count, for tests and
// observability.
func (p *HostPool) ActiveCount(host string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active[host]
}

func (p *HostPool) contains(host string) bool {
	for _, h := range p.hosts {
		if h == host {
			return true
		}
	}
	return false
}

func (p *HostPool) roundRobinLocked() string {
	host := p.hosts[p.nextIndex%len(p.hosts)]
	p.nextIndex++
	return host
}

func (p *HostPool) leastConnectionLocked() string {
	best := p.hosts[0]
	for _, h := range p.hosts[1:] {
		if p.active[h] < p.active[best] {
			best = h
		}
	}
	return best
}
