// Package docker implements the Docker backend adapter over a containerd
// client: create a container in a dedicated namespace, start its task,
// discover its network address, tear it down on terminate. A local
// containerd socket stands in for a Docker Engine SDK here, the same way
// it does for any daemon that manages containers through containerd
// directly rather than through the Docker API.
package docker

import (
	"context"
	"fmt"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/kubermatic/kernel-provisioner/pkg/backend"
	provisionererrors "github.com/kubermatic/kernel-provisioner/pkg/errors"
)

// ContainerdNamespace isolates kernel containers from anything else running
// on the same containerd daemon.
const ContainerdNamespace = "kernel-provisioner"

// HandleKind identifies a docker.Adapter handle; Value is the container id.
const HandleKind = "docker-container"

// Adapter implements backend.Adapter for standalone Docker containers,
// talking to the local containerd socket.
type Adapter struct {
	Client  *containerd.Client
	Network string
}

// New builds a Docker adapter around an already-connected containerd
// client (typically dialed against /run/containerd/containerd.sock).
func New(client *containerd.Client, network string) *Adapter {
	if network == "" {
		network = "bridge"
	}
	return &Adapter{Client: client, Network: network}
}

func (a *Adapter) Name() string { return "docker" }

func (a *Adapter) Spawn(ctx context.Context, req backend.LaunchRequest) (backend.Handle, error) {
	ctx = namespaces.WithNamespace(ctx, ContainerdNamespace)

	image, _ := req.Config["image_name"].(string)
	if image == "" {
		image = req.Env["KERNEL_IMAGE"]
	}
	if image == "" {
		return backend.Handle{}, &backend.RequiredConfigError{Adapter: a.Name(), Field: "image_name"}
	}

	containerID := fmt.Sprintf("kernel-%s", req.KernelID)

	img, err := a.Client.GetImage(ctx, image)
	if err != nil {
		img, err = a.Client.Pull(ctx, image, containerd.WithPullUnpack)
		if err != nil {
			return backend.Handle{}, provisionererrors.Wrap(provisionererrors.KindBackendLaunchFailed,
				fmt.Sprintf("failed to pull image %s", image), err)
		}
	}

	env := make([]string, 0, len(req.Env))
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}

	container, err := a.Client.NewContainer(ctx, containerID,
		containerd.WithImage(img),
		containerd.WithContainerLabels(map[string]string{
			"kernel_id": req.KernelID,
			"component": "kernel",
			"app":       "kernel-provisioner",
		}),
		containerd.WithNewSnapshot(containerID+"-snapshot", img),
		containerd.WithNewSpec(
			oci.WithImageConfig(img),
			oci.WithProcessArgs(req.Argv...),
			oci.WithEnv(env),
			withResourceLimits(req.Config),
		),
	)
	if err != nil {
		return backend.Handle{}, provisionererrors.Wrap(provisionererrors.KindBackendLaunchFailed,
			fmt.Sprintf("failed to create container %s", containerID), err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		return backend.Handle{}, provisionererrors.Wrap(provisionererrors.KindBackendLaunchFailed,
			fmt.Sprintf("failed to create task for container %s", containerID), err)
	}

	if err := task.Start(ctx); err != nil {
		return backend.Handle{}, provisionererrors.Wrap(provisionererrors.KindBackendLaunchFailed,
			fmt.Sprintf("failed to start task for container %s", containerID), err)
	}

	return backend.Handle{Kind: HandleKind, Value: containerID}, nil
}

func (a *Adapter) Discover(ctx context.Context, handle backend.Handle) (backend.DiscoveryResult, error) {
	ctx = namespaces.WithNamespace(ctx, ContainerdNamespace)

	container, err := a.Client.LoadContainer(ctx, handle.Value)
	if err != nil {
		return backend.DiscoveryResult{}, provisionererrors.Wrap(provisionererrors.KindBackendDiscoveryFailed,
			fmt.Sprintf("container %s not found", handle.Value), err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return backend.DiscoveryResult{Ready: false}, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return backend.DiscoveryResult{Ready: false}, nil
	}

	if status.Status == containerd.Stopped {
		return backend.DiscoveryResult{}, provisionererrors.New(provisionererrors.KindBackendDiscoveryFailed,
			fmt.Sprintf("container %s stopped before reporting ready", handle.Value))
	}

	// containerd has no built-in CNI address lookup on the default
	// (non-CNI-enabled) client used here, so the loopback network
	// namespace is assumed; a CNI-backed deployment would read the
	// container's network namespace address from the task's network
	// status instead.
	return backend.DiscoveryResult{Host: "127.0.0.1", Ready: status.Status == containerd.Running}, nil
}

func (a *Adapter) Status(ctx context.Context, handle backend.Handle) (backend.Status, error) {
	ctx = namespaces.WithNamespace(ctx, ContainerdNamespace)

	container, err := a.Client.LoadContainer(ctx, handle.Value)
	if err != nil {
		return backend.StatusUnknown, nil
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return backend.StatusUnknown, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return backend.StatusUnknown, err
	}

	switch status.Status {
	case containerd.Running:
		return backend.StatusRunning, nil
	case containerd.Created, containerd.Paused:
		return backend.StatusPending, nil
	case containerd.Stopped:
		if status.ExitStatus == 0 {
			return backend.StatusSucceeded, nil
		}
		return backend.StatusFailed, nil
	default:
		return backend.StatusUnknown, nil
	}
}

func (a *Adapter) SendNativeSignal(ctx context.Context, handle backend.Handle, host string, signum int) error {
	ctx = namespaces.WithNamespace(ctx, ContainerdNamespace)

	container, err := a.Client.LoadContainer(ctx, handle.Value)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", handle.Value, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to load task for container %s: %w", handle.Value, err)
	}
	return task.Kill(ctx, uint32(signum))
}

func (a *Adapter) TerminateBackendResources(ctx context.Context, handle backend.Handle) error {
	ctx = namespaces.WithNamespace(ctx, ContainerdNamespace)

	container, err := a.Client.LoadContainer(ctx, handle.Value)
	if err != nil {
		return nil // already gone
	}

	if task, err := container.Task(ctx, nil); err == nil {
		_, _ = task.Delete(ctx, containerd.WithProcessKill)
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container %s: %w", handle.Value, err)
	}
	return nil
}

// withResourceLimits reads optional cpu_quota/memory_limit_bytes fields out
// of a kernel spec's config stanza and applies them directly to the OCI
// spec's Linux resource controls. containerd's own oci helpers only cover
// memory and cpu-shares individually; quota and limit together need the
// runtime-spec types directly.
func withResourceLimits(cfg map[string]any) oci.SpecOpts {
	return func(_ context.Context, _ oci.Client, _ *containers.Container, s *oci.Spec) error {
		cpuQuota, hasCPU := asInt64(cfg["cpu_quota"])
		memLimit, hasMem := asInt64(cfg["memory_limit_bytes"])
		if !hasCPU && !hasMem {
			return nil
		}

		if s.Linux == nil {
			s.Linux = &specs.Linux{}
		}
		if s.Linux.Resources == nil {
			s.Linux.Resources = &specs.LinuxResources{}
		}
		if hasCPU {
			period := uint64(100000)
			s.Linux.Resources.CPU = &specs.LinuxCPU{Quota: &cpuQuota, Period: &period}
		}
		if hasMem {
			s.Linux.Resources.Memory = &specs.LinuxMemory{Limit: &memLimit}
		}
		return nil
	}
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
