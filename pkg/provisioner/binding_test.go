package provisioner

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kubermatic/kernel-provisioner/pkg/backend"
	"github.com/kubermatic/kernel-provisioner/pkg/crypto"
	"github.com/kubermatic/kernel-provisioner/pkg/policy"
	"github.com/kubermatic/kernel-provisioner/pkg/responsemanager"
	"github.com/kubermatic/kernel-provisioner/pkg/tunnel"
	"github.com/kubermatic/kernel-provisioner/pkg/wire"
)

type fakeAdapter struct {
	spawnHandle   backend.Handle
	ready         bool
	terminated    bool
	nativeSignals int
}

func (f *fakeAdapter) Name() string { return "fake" }
func (f *fakeAdapter) Spawn(ctx context.Context, req backend.LaunchRequest) (backend.Handle, error) {
	return f.spawnHandle, nil
}
func (f *fakeAdapter) Discover(ctx context.Context, handle backend.Handle) (backend.DiscoveryResult, error) {
	return backend.DiscoveryResult{Host: "10.0.0.5", Ready: f.ready}, nil
}
func (f *fakeAdapter) Status(ctx context.Context, handle backend.Handle) (backend.Status, error) {
	return backend.StatusRunning, nil
}
func (f *fakeAdapter) SendNativeSignal(ctx context.Context, handle backend.Handle, host string, signum int) error {
	f.nativeSignals++
	return nil
}
func (f *fakeAdapter) TerminateBackendResources(ctx context.Context, handle backend.Handle) error {
	f.terminated = true
	return nil
}

// testManager bundles a live Manager with the keypair it was built from, so
// tests can encrypt response payloads against its public key.
type testManager struct {
	*responsemanager.Manager
	keyPair *crypto.KeyPair
}

func newTestManager(t *testing.T) *testManager {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	m := responsemanager.New(kp.Private)
	require.NoError(t, m.Listen("127.0.0.1", 0, 3))
	t.Cleanup(func() { _ = m.Close() })
	return &testManager{Manager: m, keyPair: kp}
}

func (m *testManager) encrypt(t *testing.T, conn wire.ConnectionInfo) string {
	t.Helper()
	blob, err := crypto.EncryptPayload(conn, m.keyPair.Public)
	require.NoError(t, err)
	return blob
}

func TestLaunchReachesRunningOnSuccessfulResponse(t *testing.T) {
	m := newTestManager(t)

	adapter := &fakeAdapter{spawnHandle: backend.Handle{Kind: "fake", Value: "1"}, ready: true}
	pol := policy.Policy{LaunchTimeout: 2 * time.Second}
	binding := New("kernel-1", wire.KernelSpec{}, adapter, pol, m.Manager)

	done := make(chan error, 1)
	go func() {
		done <- binding.Launch(context.Background(), "alice", "python3", m.Addr(), "", []string{"python3"}, nil)
	}()

	conn, err := net.Dial("tcp", m.Addr())
	require.NoError(t, err)

	blob := m.encrypt(t, wire.ConnectionInfo{KernelID: "kernel-1", IP: "10.0.0.5", ShellPort: 1})
	_, err = conn.Write([]byte(blob))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("launch did not complete in time")
	}

	require.Equal(t, StateRunning, binding.State())
}

func TestLaunchFailsWhenTunnelDialErrors(t *testing.T) {
	m := newTestManager(t)

	adapter := &fakeAdapter{spawnHandle: backend.Handle{Kind: "fake", Value: "1"}, ready: true}
	pol := policy.Policy{LaunchTimeout: 2 * time.Second, TunnelingEnabled: true}
	binding := New("kernel-tunnel", wire.KernelSpec{}, adapter, pol, m.Manager)
	binding.TunnelDial = func(host string) (*tunnel.Tunnel, error) {
		return nil, errors.New("no route to host")
	}

	done := make(chan error, 1)
	go func() {
		done <- binding.Launch(context.Background(), "alice", "python3", m.Addr(), "", []string{"python3"}, nil)
	}()

	conn, err := net.Dial("tcp", m.Addr())
	require.NoError(t, err)
	blob := m.encrypt(t, wire.ConnectionInfo{KernelID: "kernel-tunnel", IP: "10.0.0.5", ShellPort: 1})
	_, err = conn.Write([]byte(blob))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("launch did not complete in time")
	}

	require.Equal(t, StateFailed, binding.State())
	require.True(t, adapter.terminated, "backend resources must be cleaned up when tunneling fails")
}

func TestLaunchFailsAuthorization(t *testing.T) {
	m := newTestManager(t)
	adapter := &fakeAdapter{}
	pol := policy.Policy{UnauthorizedUsers: map[string]bool{"bob": true}, LaunchTimeout: time.Second}
	binding := New("kernel-2", wire.KernelSpec{}, adapter, pol, m.Manager)

	err := binding.Launch(context.Background(), "bob", "python3", m.Addr(), "", nil, nil)
	require.Error(t, err)
	require.Equal(t, StateFailed, binding.State())
}

func TestLaunchTimesOutAndCleansUp(t *testing.T) {
	m := newTestManager(t)
	adapter := &fakeAdapter{spawnHandle: backend.Handle{Kind: "fake", Value: "1"}}
	pol := policy.Policy{LaunchTimeout: 50 * time.Millisecond}
	binding := New("kernel-3", wire.KernelSpec{}, adapter, pol, m.Manager)

	err := binding.Launch(context.Background(), "alice", "python3", m.Addr(), "", nil, nil)
	require.Error(t, err)
	require.Equal(t, StateFailed, binding.State())
	require.True(t, adapter.terminated)
}

func TestTerminateIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	adapter := &fakeAdapter{}
	binding := New("kernel-4", wire.KernelSpec{}, adapter, policy.Policy{}, m.Manager)

	require.NoError(t, binding.Terminate(context.Background()))
	require.NoError(t, binding.Terminate(context.Background()))
	require.Equal(t, StateTerminated, binding.State())
}

// listenForOneFrame starts a local listener and hands back the port to dial
// plus a channel that receives once a connection has written anything to it.
func listenForOneFrame(t *testing.T) (port int, received <-chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	ch := make(chan struct{}, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		_, _ = conn.Read(buf)
		ch <- struct{}{}
	}()

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return p, ch
}

func TestSendSignalPrefersCommunicationPortOverNativeDelivery(t *testing.T) {
	m := newTestManager(t)
	port, received := listenForOneFrame(t)

	adapter := &fakeAdapter{}
	binding := New("kernel-signal", wire.KernelSpec{}, adapter, policy.Policy{}, m.Manager)
	binding.connInfo = &wire.ConnectionInfo{IP: "127.0.0.1", CommunicationPort: port}

	require.NoError(t, binding.SendSignal(context.Background(), 2))

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("communication port frame was not received")
	}
	require.Equal(t, 0, adapter.nativeSignals, "native signal delivery must not be used when the communication port accepts the frame")
}

func TestSendSignalFallsBackToNativeDeliveryWhenCommunicationPortUnavailable(t *testing.T) {
	m := newTestManager(t)
	adapter := &fakeAdapter{}
	binding := New("kernel-signal-fallback", wire.KernelSpec{}, adapter, policy.Policy{}, m.Manager)
	binding.connInfo = &wire.ConnectionInfo{IP: "127.0.0.1", CommunicationPort: 0}

	require.NoError(t, binding.SendSignal(context.Background(), 9))
	require.Equal(t, 1, adapter.nativeSignals)
}

func TestTerminateSendsShutdownFrameBeforeBackendTeardown(t *testing.T) {
	m := newTestManager(t)
	port, received := listenForOneFrame(t)

	adapter := &fakeAdapter{}
	binding := New("kernel-shutdown", wire.KernelSpec{}, adapter, policy.Policy{}, m.Manager)
	binding.connInfo = &wire.ConnectionInfo{IP: "127.0.0.1", CommunicationPort: port}

	require.NoError(t, binding.Terminate(context.Background()))

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown frame was not received")
	}
	require.True(t, adapter.terminated, "backend teardown must still happen even though the shutdown frame is best-effort")
	require.Equal(t, StateTerminated, binding.State())
}

func TestTerminateProceedsWhenCommunicationPortUnavailable(t *testing.T) {
	m := newTestManager(t)
	adapter := &fakeAdapter{}
	binding := New("kernel-shutdown-fallback", wire.KernelSpec{}, adapter, policy.Policy{}, m.Manager)
	binding.connInfo = &wire.ConnectionInfo{IP: "127.0.0.1", CommunicationPort: 0}

	require.NoError(t, binding.Terminate(context.Background()))
	require.True(t, adapter.terminated)
	require.Equal(t, StateTerminated, binding.State())
}
