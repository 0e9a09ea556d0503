package lifecycle

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kubermatic/kernel-provisioner/pkg/backend"
	"github.com/kubermatic/kernel-provisioner/pkg/crypto"
	"github.com/kubermatic/kernel-provisioner/pkg/policy"
	"github.com/kubermatic/kernel-provisioner/pkg/provisioner"
	"github.com/kubermatic/kernel-provisioner/pkg/responsemanager"
	"github.com/kubermatic/kernel-provisioner/pkg/wire"
)

// flakyAdapter always reports StatusFailed (or returns an error, depending
// on failWithErr) until told to recover.
type flakyAdapter struct {
	mu          sync.Mutex
	failWithErr bool
	recovered   bool
}

func (a *flakyAdapter) Name() string { return "flaky" }
func (a *flakyAdapter) Spawn(ctx context.Context, req backend.LaunchRequest) (backend.Handle, error) {
	return backend.Handle{Kind: "flaky", Value: req.KernelID}, nil
}
func (a *flakyAdapter) Discover(ctx context.Context, handle backend.Handle) (backend.DiscoveryResult, error) {
	return backend.DiscoveryResult{Host: "10.0.0.9", Ready: true}, nil
}
func (a *flakyAdapter) Status(ctx context.Context, handle backend.Handle) (backend.Status, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.recovered {
		return backend.StatusRunning, nil
	}
	if a.failWithErr {
		return backend.StatusUnknown, errors.New("rpc unavailable")
	}
	return backend.StatusFailed, nil
}
func (a *flakyAdapter) SendNativeSignal(ctx context.Context, handle backend.Handle, host string, signum int) error {
	return nil
}
func (a *flakyAdapter) TerminateBackendResources(ctx context.Context, handle backend.Handle) error {
	return nil
}

// runningBinding launches a binding through a live response manager to
// StateRunning, the same way binding_test.go exercises Launch.
func runningBinding(t *testing.T, kernelID string, adapter backend.Adapter) *provisioner.KernelBinding {
	t.Helper()

	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	m := responsemanager.New(kp.Private)
	require.NoError(t, m.Listen("127.0.0.1", 0, 3))
	t.Cleanup(func() { _ = m.Close() })

	binding := provisioner.New(kernelID, wire.KernelSpec{}, adapter, policy.Policy{LaunchTimeout: 2 * time.Second}, m)

	done := make(chan error, 1)
	go func() {
		done <- binding.Launch(context.Background(), "alice", "python3", m.Addr(), "", []string{"python3"}, nil)
	}()

	conn, err := net.Dial("tcp", m.Addr())
	require.NoError(t, err)
	blob, err := crypto.EncryptPayload(wire.ConnectionInfo{KernelID: kernelID, IP: "10.0.0.9", ShellPort: 1}, kp.Public)
	require.NoError(t, err)
	_, err = conn.Write([]byte(blob))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("launch did not complete in time")
	}
	require.Equal(t, provisioner.StateRunning, binding.State())
	return binding
}

func TestStatusMonitorFailsAfterSustainedErrors(t *testing.T) {
	adapter := &flakyAdapter{failWithErr: true}
	binding := runningBinding(t, "kernel-flaky", adapter)

	sup := New()
	sup.Add(binding)
	monitor := NewStatusMonitor(sup)

	for i := 0; i < sustainedFailureThreshold; i++ {
		state := monitor.backoffState("kernel-flaky")
		monitor.pollOne(context.Background(), "kernel-flaky", state)
	}

	require.Equal(t, provisioner.StateFailed, binding.State())
	_, found := monitor.backoff.Get("kernel-flaky")
	require.False(t, found, "backoff state is cleared once a binding is failed")
}

func TestStatusMonitorRecoversBeforeSustainedThreshold(t *testing.T) {
	adapter := &flakyAdapter{}
	binding := runningBinding(t, "kernel-recover", adapter)

	sup := New()
	sup.Add(binding)
	monitor := NewStatusMonitor(sup)

	state := monitor.backoffState("kernel-recover")
	monitor.pollOne(context.Background(), "kernel-recover", state)

	cached, found := monitor.backoff.Get("kernel-recover")
	require.True(t, found)
	require.Equal(t, 1, cached.(pollBackoff).consecutiveErrors)

	adapter.mu.Lock()
	adapter.recovered = true
	adapter.mu.Unlock()

	state = monitor.backoffState("kernel-recover")
	monitor.pollOne(context.Background(), "kernel-recover", state)

	_, found = monitor.backoff.Get("kernel-recover")
	require.False(t, found, "a successful poll clears accumulated error state")
	require.Equal(t, provisioner.StateRunning, binding.State())
}

func TestStatusMonitorSnapshotOnlyIncludesRunningBindings(t *testing.T) {
	adapter := &flakyAdapter{recovered: true}
	binding := runningBinding(t, "kernel-running", adapter)

	pendingBinding := provisioner.New("kernel-pending", wire.KernelSpec{}, adapter, policy.Policy{}, nil)

	sup := New()
	sup.Add(binding)
	sup.Add(pendingBinding)

	require.ElementsMatch(t, []string{"kernel-running"}, sup.Snapshot())
}

func TestNextBackoffCapsAtMax(t *testing.T) {
	require.Equal(t, statusPollInterval, nextBackoff(1))
	require.Less(t, nextBackoff(1), nextBackoff(2))
	require.Equal(t, statusPollMaxBackoff, nextBackoff(20))
}
