package responsemanager

import (
	"context"
	"crypto/rsa"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kubermatic/kernel-provisioner/pkg/crypto"
	provisionererrors "github.com/kubermatic/kernel-provisioner/pkg/errors"
	"github.com/kubermatic/kernel-provisioner/pkg/wire"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	m := New(kp.Private)
	require.NoError(t, m.Listen("127.0.0.1", 0, 5))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func post(t *testing.T, addr, blob string) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_, err = conn.Write([]byte(blob))
	require.NoError(t, err)
	require.NoError(t, conn.Close())
}

func TestManagerDeliversToMatchingWaiter(t *testing.T) {
	m := newTestManager(t)
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	// manager decrypts with its own key, so re-point kp at the manager's pub key
	mgrPub := publicKeyOf(t, m)

	conn := wire.ConnectionInfo{KernelID: "kernel-a", ShellPort: 1}
	blob, err := crypto.EncryptPayload(conn, mgrPub)
	require.NoError(t, err)

	w := m.Register("kernel-a", time.Now().Add(5*time.Second))

	post(t, m.Addr(), blob)

	got, err := m.Await(context.Background(), w)
	require.NoError(t, err)
	require.Equal(t, "kernel-a", got.KernelID)
	_ = kp
}

func TestManagerDropsOrphanResponse(t *testing.T) {
	m := newTestManager(t)
	mgrPub := publicKeyOf(t, m)

	conn := wire.ConnectionInfo{KernelID: "no-such-waiter"}
	blob, err := crypto.EncryptPayload(conn, mgrPub)
	require.NoError(t, err)

	post(t, m.Addr(), blob)

	// Give the handler goroutine time to run; nothing should panic or block.
	time.Sleep(100 * time.Millisecond)
}

func TestManagerAwaitTimesOut(t *testing.T) {
	m := newTestManager(t)
	w := m.Register("kernel-timeout", time.Now().Add(50*time.Millisecond))

	_, err := m.Await(context.Background(), w)
	require.Error(t, err)
	kind, ok := provisionererrors.KindOf(err)
	require.True(t, ok)
	require.Equal(t, provisionererrors.KindLaunchTimeout, kind)
}

func TestManagerAwaitCancelled(t *testing.T) {
	m := newTestManager(t)
	w := m.Register("kernel-cancel", time.Now().Add(5*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Await(ctx, w)
	require.Error(t, err)
	kind, ok := provisionererrors.KindOf(err)
	require.True(t, ok)
	require.Equal(t, provisionererrors.KindLaunchCancelled, kind)
}

func TestRegisterPanicsOnDuplicate(t *testing.T) {
	m := newTestManager(t)
	m.Register("dup", time.Now().Add(time.Second))
	defer m.Unregister("dup")

	require.Panics(t, func() {
		m.Register("dup", time.Now().Add(time.Second))
	})
}

func publicKeyOf(t *testing.T, m *Manager) *rsa.PublicKey {
	t.Helper()
	return &m.priv.PublicKey
}
