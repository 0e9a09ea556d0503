package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kubermatic/kernel-provisioner/pkg/backend"
	"github.com/kubermatic/kernel-provisioner/pkg/policy"
)

type stubAdapter struct{ name string }

func (s *stubAdapter) Name() string { return s.name }
func (s *stubAdapter) Spawn(ctx context.Context, req backend.LaunchRequest) (backend.Handle, error) {
	return backend.Handle{Kind: s.name, Value: req.KernelID}, nil
}
func (s *stubAdapter) Discover(ctx context.Context, handle backend.Handle) (backend.DiscoveryResult, error) {
	return backend.DiscoveryResult{Host: "127.0.0.1", Ready: true}, nil
}
func (s *stubAdapter) Status(ctx context.Context, handle backend.Handle) (backend.Status, error) {
	return backend.StatusRunning, nil
}
func (s *stubAdapter) SendNativeSignal(ctx context.Context, handle backend.Handle, host string, signum int) error {
	return nil
}
func (s *stubAdapter) TerminateBackendResources(ctx context.Context, handle backend.Handle) error {
	return nil
}

func TestResolveBuildsAndCachesAdapter(t *testing.T) {
	calls := 0
	r := New(policy.Global{})
	r.Register("stub", func() (backend.Adapter, error) {
		calls++
		return &stubAdapter{name: "stub"}, nil
	})

	a1, err := r.Resolve("stub")
	require.NoError(t, err)
	a2, err := r.Resolve("stub")
	require.NoError(t, err)

	require.Same(t, a1, a2)
	require.Equal(t, 1, calls)
}

func TestResolveUnknownNameFails(t *testing.T) {
	r := New(policy.Global{})
	_, err := r.Resolve("nope")
	require.Error(t, err)
}

func TestResolvePropagatesFactoryError(t *testing.T) {
	r := New(policy.Global{})
	r.Register("broken", func() (backend.Adapter, error) {
		return nil, errors.New("missing credentials")
	})
	_, err := r.Resolve("broken")
	require.Error(t, err)
}

func TestResolvePolicyMergesOverride(t *testing.T) {
	r := New(policy.Global{LaunchTimeout: 30 * time.Second})
	merged := r.ResolvePolicy(policy.Policy{LaunchTimeout: 5 * time.Second},
		policy.OverrideFields{LaunchTimeout: true})
	require.Equal(t, 5*time.Second, merged.LaunchTimeout)
}

func TestRegisterOverwritesPreviousAdapterInstance(t *testing.T) {
	r := New(policy.Global{})
	r.Register("stub", func() (backend.Adapter, error) { return &stubAdapter{name: "v1"}, nil })
	first, err := r.Resolve("stub")
	require.NoError(t, err)
	require.Equal(t, "v1", first.Name())

	r.Register("stub", func() (backend.Adapter, error) { return &stubAdapter{name: "v2"}, nil })
	second, err := r.Resolve("stub")
	require.NoError(t, err)
	require.Equal(t, "v2", second.Name())
}
