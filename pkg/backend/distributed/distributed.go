// Package distributed implements the SSH-based backend adapter: pick a
// host from a loadbalancer.HostPool (or honor KERNEL_REMOTE_HOST pinning),
// launch the kernel's argv over SSH, optionally as another user via
// sudo -u, and track its remote PID for signaling and termination. Port
// tunneling back to the host, when enabled, is handled separately by
// pkg/tunnel once the backend reports the kernel's connection info.
package distributed

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/kubermatic/kernel-provisioner/pkg/backend"
	provisionererrors "github.com/kubermatic/kernel-provisioner/pkg/errors"
	"github.com/kubermatic/kernel-provisioner/pkg/loadbalancer"
)

// HandleKind identifies a distributed.Adapter handle; Value encodes
// "host/pid".
const HandleKind = "ssh-process"

// DialFunc opens an SSH client to host. Adapter takes this as a field so
// tests can substitute an in-memory SSH server.
type DialFunc func(host string) (*ssh.Client, error)

// Adapter implements backend.Adapter by launching kernels as child
// processes over SSH on a pool of remote hosts.
type Adapter struct {
	Pool *loadbalancer.HostPool
	Dial DialFunc
}

// New builds a distributed adapter over hosts, using dial to open SSH
// connections on demand.
func New(pool *loadbalancer.HostPool, dial DialFunc) *Adapter {
	return &Adapter{Pool: pool, Dial: dial}
}

func (a *Adapter) Name() string { return "distributed" }

func (a *Adapter) Spawn(ctx context.Context, req backend.LaunchRequest) (backend.Handle, error) {
	pinnedHost := req.Env["KERNEL_REMOTE_HOST"]
	host, err := a.Pool.Select(pinnedHost)
	if err != nil {
		return backend.Handle{}, err
	}

	client, err := a.Dial(host)
	if err != nil {
		a.Pool.Release(host)
		return backend.Handle{}, provisionererrors.Wrap(provisionererrors.KindBackendLaunchFailed,
			fmt.Sprintf("failed to dial SSH host %s", host), err)
	}

	session, err := client.NewSession()
	if err != nil {
		a.Pool.Release(host)
		return backend.Handle{}, provisionererrors.Wrap(provisionererrors.KindBackendLaunchFailed,
			fmt.Sprintf("failed to open SSH session on %s", host), err)
	}
	defer session.Close()

	cmd := buildRemoteCommand(req)

	var stdout bytes.Buffer
	session.Stdout = &stdout
	if err := session.Run(cmd); err != nil {
		a.Pool.Release(host)
		return backend.Handle{}, provisionererrors.Wrap(provisionererrors.KindBackendLaunchFailed,
			fmt.Sprintf("failed to start remote command on %s", host), err)
	}

	pid, err := readRemotePID(&stdout)
	if err != nil {
		a.Pool.Release(host)
		return backend.Handle{}, provisionererrors.Wrap(provisionererrors.KindBackendLaunchFailed,
			"failed to read remote PID", err)
	}

	return backend.Handle{Kind: HandleKind, Value: fmt.Sprintf("%s/%d", host, pid)}, nil
}

// buildRemoteCommand renders the shell command used to launch the kernel
// and echo back its PID so the handle can be constructed. Impersonation
// (spec impersonation_enabled) runs the kernel as a different user via
// sudo -u; env vars are exported inline ahead of the argv.
func buildRemoteCommand(req backend.LaunchRequest) string {
	var b strings.Builder

	envAssignments := make([]string, 0, len(req.Env))
	for k, v := range req.Env {
		envAssignments = append(envAssignments, fmt.Sprintf("%s=%q", k, v))
	}

	quotedArgv := make([]string, len(req.Argv))
	for i, a := range req.Argv {
		quotedArgv[i] = strconv.Quote(a)
	}

	inner := strings.Join(envAssignments, " ") + " " + strings.Join(quotedArgv, " ") + " >/dev/null 2>&1 & echo $!"

	if req.Policy.ImpersonationEnabled && req.Username != "" {
		fmt.Fprintf(&b, "sudo -u %s sh -c %s", req.Username, strconv.Quote(inner))
	} else {
		b.WriteString(inner)
	}

	return b.String()
}

func readRemotePID(out *bytes.Buffer) (int, error) {
	line := strings.TrimSpace(out.String())
	if line == "" {
		return 0, fmt.Errorf("remote command produced no PID output")
	}
	lines := strings.Split(line, "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	pid, err := strconv.Atoi(last)
	if err != nil {
		return 0, fmt.Errorf("could not parse remote PID from %q: %w", last, err)
	}
	return pid, nil
}

func (a *Adapter) Discover(ctx context.Context, handle backend.Handle) (backend.DiscoveryResult, error) {
	host, pid, err := splitHandle(handle)
	if err != nil {
		return backend.DiscoveryResult{}, err
	}

	alive, err := a.probeProcess(host, pid)
	if err != nil {
		return backend.DiscoveryResult{}, provisionererrors.Wrap(provisionererrors.KindBackendDiscoveryFailed,
			fmt.Sprintf("failed to probe remote process %d on %s", pid, host), err)
	}

	return backend.DiscoveryResult{Host: host, Ready: alive}, nil
}

func (a *Adapter) Status(ctx context.Context, handle backend.Handle) (backend.Status, error) {
	host, pid, err := splitHandle(handle)
	if err != nil {
		return backend.StatusUnknown, err
	}

	alive, err := a.probeProcess(host, pid)
	if err != nil {
		return backend.StatusUnknown, err
	}
	if alive {
		return backend.StatusRunning, nil
	}
	return backend.StatusSucceeded, nil
}

func (a *Adapter) probeProcess(host string, pid int) (bool, error) {
	client, err := a.Dial(host)
	if err != nil {
		return false, err
	}
	session, err := client.NewSession()
	if err != nil {
		return false, err
	}
	defer session.Close()

	err = session.Run(fmt.Sprintf("kill -0 %d", pid))
	return err == nil, nil
}

func (a *Adapter) SendNativeSignal(ctx context.Context, handle backend.Handle, host string, signum int) error {
	_, pid, err := splitHandle(handle)
	if err != nil {
		return err
	}

	client, err := a.Dial(host)
	if err != nil {
		return err
	}
	session, err := client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()

	return session.Run(fmt.Sprintf("kill -%d %d", signum, pid))
}

func (a *Adapter) TerminateBackendResources(ctx context.Context, handle backend.Handle) error {
	host, pid, err := splitHandle(handle)
	if err != nil {
		return err
	}
	defer a.Pool.Release(host)

	client, err := a.Dial(host)
	if err != nil {
		return fmt.Errorf("failed to dial %s to terminate pid %d: %w", host, pid, err)
	}
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open session on %s: %w", host, err)
	}
	defer session.Close()

	if err := session.Run(fmt.Sprintf("kill -9 %d", pid)); err != nil {
		return fmt.Errorf("failed to kill pid %d on %s: %w", pid, host, err)
	}
	return nil
}

func splitHandle(handle backend.Handle) (host string, pid int, err error) {
	idx := strings.LastIndexByte(handle.Value, '/')
	if idx < 0 {
		return "", 0, fmt.Errorf("malformed distributed handle %q", handle.Value)
	}
	host = handle.Value[:idx]
	pid, err = strconv.Atoi(handle.Value[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("malformed distributed handle pid %q: %w", handle.Value[idx+1:], err)
	}
	return host, pid, nil
}
