package portalloc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kubermatic/kernel-provisioner/pkg/wire"
)

func TestAllocateUnconstrainedReturnsDistinctPorts(t *testing.T) {
	a := New()
	ports, err := a.Allocate(5, wire.PortRange{})
	require.NoError(t, err)
	require.Len(t, ports, 5)

	seen := map[int]bool{}
	for _, p := range ports {
		require.False(t, seen[p], "port %d returned twice", p)
		seen[p] = true
		require.Greater(t, p, 0)
	}
}

func TestAllocateWithinRange(t *testing.T) {
	a := New()
	a.MinRangeSize = 10
	r := wire.PortRange{Low: 41000, High: 41999}

	ports, err := a.Allocate(3, r)
	require.NoError(t, err)
	require.Len(t, ports, 3)

	seen := map[int]bool{}
	for _, p := range ports {
		require.GreaterOrEqual(t, p, r.Low)
		require.LessOrEqual(t, p, r.High)
		require.False(t, seen[p])
		seen[p] = true
	}
}

func TestValidateRangeTooSmall(t *testing.T) {
	a := New() // MinRangeSize defaults to 1000
	r := wire.PortRange{Low: 40000, High: 40000}

	err := a.ValidateRange(r)
	require.Error(t, err)
}

func TestValidateRangeUnconstrainedAlwaysOK(t *testing.T) {
	a := New()
	require.NoError(t, a.ValidateRange(wire.PortRange{}))
}
