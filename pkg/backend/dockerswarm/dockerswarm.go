// Package dockerswarm implements the Docker Swarm backend adapter. Swarm's
// service API lives in the Docker Engine daemon, not in containerd, so
// without a Docker Engine SDK on hand this adapter instead composes
// docker.Adapter and layers a KERNEL_SWARM_SERVICE environment variable and
// a dedicated containerd namespace on top, so that a single running replica per kernel
// is still produced through the same containerd machinery. A deployment
// with real swarm orchestration needs its containers scheduled across
// nodes, which this single-host adapter does not attempt.
package dockerswarm

import (
	"context"
	"fmt"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/namespaces"

	"github.com/kubermatic/kernel-provisioner/pkg/backend"
	"github.com/kubermatic/kernel-provisioner/pkg/backend/docker"
)

// ContainerdNamespace isolates swarm-style kernel containers from the
// plain Docker backend's containers, even though both run on the same
// containerd daemon.
const ContainerdNamespace = "kernel-provisioner-swarm"

// HandleKind identifies a dockerswarm.Adapter handle; Value is the service
// (container) name.
const HandleKind = "swarm-service"

// Adapter implements backend.Adapter for Docker Swarm-style single-replica
// services, delegating the actual container lifecycle to an embedded
// docker.Adapter pinned to its own containerd namespace.
type Adapter struct {
	inner *docker.Adapter
}

// New builds a Swarm adapter around an already-connected containerd client.
func New(client *containerd.Client, network string) *Adapter {
	return &Adapter{inner: &docker.Adapter{Client: client, Network: network}}
}

func (a *Adapter) Name() string { return "docker-swarm" }

func (a *Adapter) Spawn(ctx context.Context, req backend.LaunchRequest) (backend.Handle, error) {
	ctx = namespaces.WithNamespace(ctx, ContainerdNamespace)
	if req.Env == nil {
		req.Env = map[string]string{}
	}
	req.Env["KERNEL_SWARM_SERVICE"] = fmt.Sprintf("kernel-%s", req.KernelID)

	handle, err := a.inner.Spawn(ctx, req)
	if err != nil {
		return backend.Handle{}, err
	}
	return backend.Handle{Kind: HandleKind, Value: handle.Value}, nil
}

func (a *Adapter) Discover(ctx context.Context, handle backend.Handle) (backend.DiscoveryResult, error) {
	ctx = namespaces.WithNamespace(ctx, ContainerdNamespace)
	return a.inner.Discover(ctx, backend.Handle{Kind: docker.HandleKind, Value: handle.Value})
}

func (a *Adapter) Status(ctx context.Context, handle backend.Handle) (backend.Status, error) {
	ctx = namespaces.WithNamespace(ctx, ContainerdNamespace)
	return a.inner.Status(ctx, backend.Handle{Kind: docker.HandleKind, Value: handle.Value})
}

func (a *Adapter) SendNativeSignal(ctx context.Context, handle backend.Handle, host string, signum int) error {
	ctx = namespaces.WithNamespace(ctx, ContainerdNamespace)
	return a.inner.SendNativeSignal(ctx, backend.Handle{Kind: docker.HandleKind, Value: handle.Value}, host, signum)
}

func (a *Adapter) TerminateBackendResources(ctx context.Context, handle backend.Handle) error {
	ctx = namespaces.WithNamespace(ctx, ContainerdNamespace)
	return a.inner.TerminateBackendResources(ctx, backend.Handle{Kind: docker.HandleKind, Value: handle.Value})
}
