// Package provisioner implements the kernel binding state machine: the
// object that owns one kernel's lifecycle from authorization through
// launch, connection discovery, running, and termination. The overall
// shape — resolve a backend, create the resource, poll until it reports an
// address, log each transition, distinguish terminal from transient
// failures — follows CreateMachines' retry loop, generalized from
// one-shot machine creation to a long-lived per-kernel state machine.
package provisioner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kubermatic/kernel-provisioner/pkg/backend"
	"github.com/kubermatic/kernel-provisioner/pkg/commport"
	provisionererrors "github.com/kubermatic/kernel-provisioner/pkg/errors"
	"github.com/kubermatic/kernel-provisioner/pkg/metrics"
	"github.com/kubermatic/kernel-provisioner/pkg/policy"
	"github.com/kubermatic/kernel-provisioner/pkg/responsemanager"
	"github.com/kubermatic/kernel-provisioner/pkg/tunnel"
	"github.com/kubermatic/kernel-provisioner/pkg/wire"
)

// State is one point in a KernelBinding's lifecycle.
type State string

const (
	StatePending             State = "PENDING"
	StateAuthorized          State = "AUTHORIZED"
	StateLaunching           State = "LAUNCHING"
	StateAwaitingConnection  State = "AWAITING_CONNECTION"
	StateDiscovering         State = "DISCOVERING"
	StateRunning             State = "RUNNING"
	StateTerminating         State = "TERMINATING"
	StateTerminated          State = "TERMINATED"
	StateFailed              State = "FAILED"
)

// discoveryPollInterval is how often Launch re-polls Discover while a
// backend resource is starting but has not yet reported a host.
const discoveryPollInterval = 500 * time.Millisecond

// KernelBinding owns one kernel's lifecycle. All state-changing operations
// (launch, poll, send_signal, interrupt, wait, terminate, kill) are
// expected to be serialized by a caller — see pkg/lifecycle — since this
// type itself holds no operation-level lock beyond protecting its own
// fields from concurrent reads.
type KernelBinding struct {
	ID       string
	Spec     wire.KernelSpec
	Adapter  backend.Adapter
	Policy   policy.Policy
	Manager  *responsemanager.Manager

	// TunnelDial, when set, is consulted after discovery succeeds and
	// Policy.TunnelingEnabled is true: it opens the SSH connection that
	// forwards the kernel's ZMQ and communication ports to this host.
	TunnelDial func(host string) (*tunnel.Tunnel, error)

	mu         sync.Mutex
	state      State
	handle     backend.Handle
	host       string
	connInfo   *wire.ConnectionInfo
	failureErr error
	tunnel     *tunnel.Tunnel
}

// New builds a KernelBinding in state PENDING.
func New(id string, spec wire.KernelSpec, adapter backend.Adapter, pol policy.Policy, manager *responsemanager.Manager) *KernelBinding {
	return &KernelBinding{ID: id, Spec: spec, Adapter: adapter, Policy: pol, Manager: manager, state: StatePending}
}

// State returns the binding's current state.
func (b *KernelBinding) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConnectionInfo returns the kernel's connection info once available.
func (b *KernelBinding) ConnectionInfo() (wire.ConnectionInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connInfo == nil {
		return wire.ConnectionInfo{}, false
	}
	return *b.connInfo, true
}

func (b *KernelBinding) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
	logrus.WithFields(logrus.Fields{"kernel_id": b.ID, "state": s}).Debug("kernel binding state transition")
}

func (b *KernelBinding) fail(err error) error {
	b.mu.Lock()
	b.state = StateFailed
	b.failureErr = err
	b.mu.Unlock()
	logrus.WithFields(logrus.Fields{"kernel_id": b.ID}).WithError(err).Warn("kernel binding failed")
	return err
}

// Launch authorizes, spawns the backend resource, registers a
// ResponseWaiter, and blocks until either the kernel's connection info
// arrives or the launch deadline passes. On any failure it attempts a
// best-effort cleanup of anything already spawned before returning.
func (b *KernelBinding) Launch(ctx context.Context, username, displayName, responseAddress, publicKeyB64 string, argv []string, env map[string]string) error {
	launchStart := time.Now()

	if err := policy.Authorize(b.Policy, username, displayName); err != nil {
		metrics.LaunchesTotal.WithLabelValues(b.Adapter.Name(), "failed").Inc()
		return b.fail(err)
	}
	b.setState(StateAuthorized)

	deadline := launchStart.Add(b.Policy.LaunchTimeout)
	waiter := b.Manager.Register(b.ID, deadline)

	b.setState(StateLaunching)
	handle, err := b.Adapter.Spawn(ctx, backend.LaunchRequest{
		KernelID:        b.ID,
		Username:        username,
		DisplayName:     displayName,
		Argv:            argv,
		Env:             env,
		Config:          b.Spec.Metadata.KernelProvisioner.Config,
		Policy:          b.Policy,
		ResponseAddress: responseAddress,
		PublicKeyB64:    publicKeyB64,
	})
	if err != nil {
		b.Manager.Unregister(b.ID)
		metrics.LaunchesTotal.WithLabelValues(b.Adapter.Name(), "failed").Inc()
		return b.fail(err)
	}
	b.mu.Lock()
	b.handle = handle
	b.mu.Unlock()

	b.setState(StateAwaitingConnection)
	connInfo, err := b.Manager.Await(ctx, waiter)
	if err != nil {
		b.cleanupBestEffort(context.Background())
		outcome := "failed"
		if kind, ok := provisionererrors.KindOf(err); ok && kind == provisionererrors.KindLaunchTimeout {
			outcome = "timeout"
		}
		metrics.LaunchesTotal.WithLabelValues(b.Adapter.Name(), outcome).Inc()
		return b.fail(err)
	}

	b.mu.Lock()
	b.connInfo = &connInfo
	b.mu.Unlock()

	if err := b.discover(ctx, deadline); err != nil {
		b.cleanupBestEffort(context.Background())
		metrics.LaunchesTotal.WithLabelValues(b.Adapter.Name(), "failed").Inc()
		return b.fail(err)
	}

	if b.Policy.TunnelingEnabled && b.TunnelDial != nil {
		if err := b.openTunnel(); err != nil {
			b.cleanupBestEffort(context.Background())
			metrics.LaunchesTotal.WithLabelValues(b.Adapter.Name(), "failed").Inc()
			return b.fail(err)
		}
	}

	b.setState(StateRunning)
	metrics.LaunchesTotal.WithLabelValues(b.Adapter.Name(), "success").Inc()
	metrics.LaunchDurationSeconds.WithLabelValues(b.Adapter.Name()).Observe(time.Since(launchStart).Seconds())
	metrics.ActiveKernels.WithLabelValues(b.Adapter.Name()).Inc()
	return nil
}

// discover polls Discover until the backend reports the resource is ready
// or the deadline passes.
func (b *KernelBinding) discover(ctx context.Context, deadline time.Time) error {
	b.setState(StateDiscovering)

	ticker := time.NewTicker(discoveryPollInterval)
	defer ticker.Stop()

	for {
		result, err := b.Adapter.Discover(ctx, b.handle)
		if err != nil {
			if provisionererrors.IsTerminal(err) {
				return err
			}
			logrus.WithFields(logrus.Fields{"kernel_id": b.ID}).WithError(err).Debug("transient discovery error, retrying")
		} else if result.Ready {
			b.mu.Lock()
			b.host = result.Host
			b.mu.Unlock()
			return nil
		}

		if time.Now().After(deadline) {
			return provisionererrors.New(provisionererrors.KindLaunchTimeout,
				fmt.Sprintf("kernel %s did not become discoverable before the launch deadline", b.ID))
		}

		select {
		case <-ctx.Done():
			return provisionererrors.Wrap(provisionererrors.KindLaunchCancelled, "discovery cancelled", ctx.Err())
		case <-ticker.C:
		}
	}
}

// openTunnel dials the SSH forward to the kernel's backend host and
// forwards its ZMQ and communication ports, rewriting the delivered
// ConnectionInfo's IP to 127.0.0.1 so the host talks to the local ends of
// the forward instead of the (possibly unreachable) backend host directly.
func (b *KernelBinding) openTunnel() error {
	b.mu.Lock()
	host := b.host
	conn := *b.connInfo
	b.mu.Unlock()

	t, err := b.TunnelDial(host)
	if err != nil {
		return provisionererrors.Wrap(provisionererrors.KindTunnelHostUnknown, "failed to dial tunnel host "+host, err)
	}
	if err := t.ForwardConnectionInfoPorts(host, conn); err != nil {
		_ = t.Close()
		return fmt.Errorf("failed to forward kernel ports over tunnel: %w", err)
	}

	conn.IP = "127.0.0.1"
	b.mu.Lock()
	b.tunnel = t
	b.connInfo = &conn
	b.mu.Unlock()
	return nil
}

// Poll reports the backend resource's current status.
func (b *KernelBinding) Poll(ctx context.Context) (backend.Status, error) {
	b.mu.Lock()
	handle := b.handle
	b.mu.Unlock()
	return b.Adapter.Status(ctx, handle)
}

// FailSteadyState moves a RUNNING binding to FAILED after a steady-state
// status monitor observes sustained polling errors, as opposed to a launch
// failure. It is a no-op if the binding already left RUNNING by the time
// the monitor decides to fail it (e.g. a concurrent Terminate won the race).
func (b *KernelBinding) FailSteadyState(err error) {
	b.mu.Lock()
	if b.state != StateRunning {
		b.mu.Unlock()
		return
	}
	b.state = StateFailed
	b.failureErr = err
	b.mu.Unlock()
	logrus.WithFields(logrus.Fields{"kernel_id": b.ID}).WithError(err).Warn("kernel binding failed after sustained status-poll errors")
	metrics.ActiveKernels.WithLabelValues(b.Adapter.Name()).Dec()
}

// SendSignal delivers a signal to the kernel process. It first tries the
// documented communication-port frame (the launcher itself raises the
// signal); if the communication port cannot be reached, it falls back to
// the backend adapter's native signal delivery.
func (b *KernelBinding) SendSignal(ctx context.Context, signum int) error {
	b.mu.Lock()
	handle, host, conn := b.handle, b.host, b.connInfo
	b.mu.Unlock()

	if conn != nil {
		if err := commport.Send(conn.IP, conn.CommunicationPort, wire.SignalMessage(signum)); err == nil {
			return nil
		} else {
			logrus.WithFields(logrus.Fields{"kernel_id": b.ID}).WithError(err).Debug("communication port unreachable, falling back to native signal delivery")
		}
	}
	return b.Adapter.SendNativeSignal(ctx, handle, host, signum)
}

// Interrupt requests SIGINT, the signal Jupyter kernels use for
// interrupt-on-signal interrupt mode.
func (b *KernelBinding) Interrupt(ctx context.Context) error {
	const sigint = 2
	return b.SendSignal(ctx, sigint)
}

// Wait blocks until the binding reaches TERMINATED or FAILED, returning the
// terminal state reached.
func (b *KernelBinding) Wait(ctx context.Context) (State, error) {
	ticker := time.NewTicker(discoveryPollInterval)
	defer ticker.Stop()

	for {
		state := b.State()
		if state == StateTerminated || state == StateFailed {
			return state, nil
		}

		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Terminate tears down the backend resource and moves the binding to
// TERMINATED. It is safe to call more than once. Before touching the
// backend it gives the launcher a chance to exit gracefully via the
// communication port's `{"shutdown":1}` frame; that notice is best-effort
// and never blocks the backend teardown that follows.
func (b *KernelBinding) Terminate(ctx context.Context) error {
	wasRunning := b.State() == StateRunning
	b.setState(StateTerminating)
	b.mu.Lock()
	handle := b.handle
	conn := b.connInfo
	t := b.tunnel
	b.tunnel = nil
	b.mu.Unlock()

	if conn != nil {
		if err := commport.Send(conn.IP, conn.CommunicationPort, wire.ShutdownMessage()); err != nil {
			logrus.WithFields(logrus.Fields{"kernel_id": b.ID}).WithError(err).Debug("communication port shutdown notice failed, proceeding with backend teardown")
		}
	}

	if t != nil {
		if err := t.Close(); err != nil {
			logrus.WithFields(logrus.Fields{"kernel_id": b.ID}).WithError(err).Warn("failed to close tunnel cleanly")
		}
	}

	if err := b.Adapter.TerminateBackendResources(ctx, handle); err != nil {
		return b.fail(err)
	}

	b.setState(StateTerminated)
	metrics.TerminationsTotal.WithLabelValues(b.Adapter.Name(), "terminate").Inc()
	if wasRunning {
		metrics.ActiveKernels.WithLabelValues(b.Adapter.Name()).Dec()
	}
	return nil
}

// Kill sends SIGKILL, then unconditionally terminates the backend
// resource regardless of whether the signal delivery succeeded.
func (b *KernelBinding) Kill(ctx context.Context) error {
	const sigkill = 9
	if err := b.SendSignal(ctx, sigkill); err != nil {
		logrus.WithFields(logrus.Fields{"kernel_id": b.ID}).WithError(err).Warn("failed to deliver SIGKILL, proceeding to terminate backend resources anyway")
	}
	return b.Terminate(ctx)
}

// cleanupBestEffort removes any backend resource already created when a
// launch fails partway through. Its own errors are logged, never
// propagated, since the caller is already reporting the original failure.
func (b *KernelBinding) cleanupBestEffort(ctx context.Context) {
	b.mu.Lock()
	handle := b.handle
	b.mu.Unlock()

	if handle.Value == "" {
		return
	}
	if err := b.Adapter.TerminateBackendResources(ctx, handle); err != nil {
		logrus.WithFields(logrus.Fields{"kernel_id": b.ID}).WithError(err).Warn("best-effort cleanup of partially-launched backend resource failed")
	}
}
