package loadbalancer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundRobinDistributesEvenly(t *testing.T) {
	hosts := []string{"h1", "h2", "h3"}
	pool := NewHostPool(hosts, RoundRobin)

	counts := map[string]int{}
	const launches = 10
	for i := 0; i < launches; i++ {
		host, err := pool.Select("")
		require.NoError(t, err)
		counts[host]++
	}

	min, max := launches, 0
	for _, c := range counts {
		if c < min {
			min = c
		}
		if c > max {
			max = c
		}
	}
	require.LessOrEqual(t, max-min, 1)
}

func TestLeastConnectionBalancesAfterRelease(t *testing.T) {
	pool := NewHostPool([]string{"h1", "h2", "h3"}, LeastConnection)

	// K1..K4 land somewhere; K2's host gets released, K5 should land there.
	hosts := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		h, err := pool.Select("")
		require.NoError(t, err)
		hosts = append(hosts, h)
	}

	pool.Release(hosts[1]) // simulate terminating K2

	// Whichever host now has the global minimum count should be selected.
	minHost, minCount := "", 1<<30
	for _, h := range []string{"h1", "h2", "h3"} {
		if c := pool.ActiveCount(h); c < minCount {
			minHost, minCount = h, c
		}
	}

	got, err := pool.Select("")
	require.NoError(t, err)
	require.Equal(t, minHost, got)
}

func TestPinningBypassesAlgorithm(t *testing.T) {
	pool := NewHostPool([]string{"h1", "h2"}, RoundRobin)

	host, err := pool.Select("h2")
	require.NoError(t, err)
	require.Equal(t, "h2", host)
}

func TestPinningUnknownHostFails(t *testing.T) {
	pool := NewHostPool([]string{"h1", "h2"}, RoundRobin)

	_, err := pool.Select("h9")
	require.Error(t, err)
}

func TestLeastConnectionStaysBalancedAtSteadyState(t *testing.T) {
	pool := NewHostPool([]string{"h1", "h2", "h3"}, LeastConnection)

	for i := 0; i < 9; i++ {
		_, err := pool.Select("")
		require.NoError(t, err)
	}

	counts := []int{pool.ActiveCount("h1"), pool.ActiveCount("h2"), pool.ActiveCount("h3")}
	min, max := counts[0], counts[0]
	for _, c := range counts {
		if c < min {
			min = c
		}
		if c > max {
			max = c
		}
	}
	require.LessOrEqual(t, max-min, 1)
}
