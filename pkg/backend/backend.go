// Package backend declares the capability interface every platform adapter
// implements: one small set of verbs, one implementation per platform, a
// registry keyed by name.
package backend

import (
	"context"

	"github.com/kubermatic/kernel-provisioner/pkg/policy"
)

// Status is a platform-independent view of a backend resource's lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusFailed    Status = "failed"
	StatusSucceeded Status = "succeeded"
	StatusUnknown   Status = "unknown"
)

// Handle opaquely identifies a launched backend resource: a pod name, a
// container/service id, a YARN application id, or an SSH pid.
type Handle struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// LaunchRequest carries everything an adapter's Spawn needs: the resolved
// argv (placeholders already substituted), environment, and the merged
// policy governing this launch.
type LaunchRequest struct {
	KernelID        string
	Username        string
	DisplayName     string
	Argv            []string
	Env             map[string]string
	Config          map[string]any
	Policy          policy.Policy
	ResponseAddress string
	PublicKeyB64    string
}

// DiscoveryResult is what Discover reports once a resource has been
// located: the assigned host/IP and whether it is ready to receive the
// kernel-launcher's response payload.
type DiscoveryResult struct {
	Host  string
	Ready bool
}

// Adapter is the capability set every backend implements: spawn, discover,
// status, signal, cleanup.
type Adapter interface {
	// Name identifies the adapter for logging and for the registry.
	Name() string

	// Spawn launches the backend resource and returns its opaque handle.
	// It must not block on the resource becoming ready; that is Discover's
	// job, which the provisioner state machine calls after Spawn returns.
	Spawn(ctx context.Context, req LaunchRequest) (Handle, error)

	// Discover locates the resource and reports its assigned host once
	// known. Implementations may be called repeatedly until Ready is true
	// or ctx is cancelled.
	Discover(ctx context.Context, handle Handle) (DiscoveryResult, error)

	// Status reports the resource's current lifecycle state. Adapters that
	// depend on remote APIs should back off on error.
	Status(ctx context.Context, handle Handle) (Status, error)

	// SendNativeSignal requests a native signal on the resource, used when
	// the message-based interrupt over the communication port is not
	// sufficient.
	SendNativeSignal(ctx context.Context, handle Handle, host string, signum int) error

	// TerminateBackendResources deletes the backend resource. It must be
	// safe to call on a partially-created resource and must be idempotent.
	TerminateBackendResources(ctx context.Context, handle Handle) error
}

// RequiredConfigError is returned by an adapter's Spawn when a kernel spec's config
// stanza is missing a field the adapter requires, e.g. Kubernetes' image_name.
type RequiredConfigError struct {
	Adapter string
	Field   string
}

func (e *RequiredConfigError) Error() string {
	return "backend " + e.Adapter + ": missing required config field " + e.Field
}
