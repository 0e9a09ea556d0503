// Package kubernetes implements the Kubernetes backend adapter: render a
// pod template labelled with kernel_id, discover it by a Get on the pod name
// from the handle (pods are not listed by label), poll its phase, delete it
// (and any namespace this adapter auto-created) on terminate.
package kubernetes

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/kubermatic/kernel-provisioner/pkg/backend"
	provisionererrors "github.com/kubermatic/kernel-provisioner/pkg/errors"
	"github.com/kubermatic/kernel-provisioner/pkg/policy"
)

const (
	labelKernelID  = "kernel_id"
	labelComponent = "component"
	labelApp       = "app"
	appValue       = "kernel-provisioner"

	// HandleKindPod is used for namespaces the provisioner did not create.
	HandleKindPod = "pod"
	// HandleKindPodAutoNamespace additionally tells TerminateBackendResources
	// to delete the namespace once the pod is gone.
	HandleKindPodAutoNamespace = "pod+namespace"
)

// Adapter implements backend.Adapter for plain Kubernetes pods.
type Adapter struct {
	Client        kubernetes.Interface
	HostNamespace string // namespace selection mode "shared": same as the host process
}

// New builds a Kubernetes adapter.
func New(client kubernetes.Interface, hostNamespace string) *Adapter {
	return &Adapter{Client: client, HostNamespace: hostNamespace}
}

func (a *Adapter) Name() string { return "kubernetes" }

// resolveNamespace implements the three namespace-selection modes:
// bring-your-own (KERNEL_NAMESPACE), shared (host's own namespace), and
// automatic (one namespace per kernel, created here). It returns the
// namespace to use and whether this call created it, so the caller can
// encode that into the Handle for cleanup.
func (a *Adapter) resolveNamespace(ctx context.Context, req backend.LaunchRequest) (string, bool, error) {
	if ns := req.Env["KERNEL_NAMESPACE"]; ns != "" {
		return ns, false, nil // bring-your-own
	}

	if sharedNamespace, _ := req.Config["shared_namespace"].(bool); sharedNamespace {
		return a.HostNamespace, false, nil
	}

	// automatic: create {username}-{kernel_id}
	ns := fmt.Sprintf("%s-%s", req.Username, req.KernelID)
	namespace := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: ns}}
	if _, err := a.Client.CoreV1().Namespaces().Create(ctx, namespace, metav1.CreateOptions{}); err != nil {
		return "", false, fmt.Errorf("failed to create kernel namespace %q: %w", ns, err)
	}

	clusterRole, _ := req.Config["kernel_cluster_role"].(string)
	if clusterRole == "" {
		clusterRole = "kernel-controller"
	}
	binding := &rbacv1.RoleBinding{
		ObjectMeta: metav1.ObjectMeta{Name: "kernel-controller-binding", Namespace: ns},
		Subjects: []rbacv1.Subject{
			{Kind: rbacv1.ServiceAccountKind, Name: "default", Namespace: ns},
		},
		RoleRef: rbacv1.RoleRef{Kind: "ClusterRole", Name: clusterRole, APIGroup: rbacv1.GroupName},
	}
	if _, err := a.Client.RbacV1().RoleBindings(ns).Create(ctx, binding, metav1.CreateOptions{}); err != nil {
		return "", false, fmt.Errorf("failed to bind cluster role %q in namespace %q: %w", clusterRole, ns, err)
	}

	return ns, true, nil
}

func (a *Adapter) Spawn(ctx context.Context, req backend.LaunchRequest) (backend.Handle, error) {
	if err := policy.CheckUIDGID(req.Policy, req.Env["KERNEL_UID"], req.Env["KERNEL_GID"]); err != nil {
		return backend.Handle{}, err
	}

	namespace, created, err := a.resolveNamespace(ctx, req)
	if err != nil {
		return backend.Handle{}, provisionererrors.Wrap(provisionererrors.KindBackendLaunchFailed, "failed to resolve namespace", err)
	}

	image, _ := req.Config["image_name"].(string)
	if image == "" {
		image = req.Env["KERNEL_IMAGE"]
	}
	if image == "" {
		return backend.Handle{}, &backend.RequiredConfigError{Adapter: a.Name(), Field: "image_name"}
	}

	podName := fmt.Sprintf("kernel-%s", req.KernelID)

	env := make([]corev1.EnvVar, 0, len(req.Env))
	for k, v := range req.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}

	container := corev1.Container{
		Name:    "kernel",
		Image:   image,
		Command: req.Argv,
		Env:     env,
	}
	if limits := resourceLimits(req.Env); limits != nil {
		container.Resources = corev1.ResourceRequirements{Limits: limits}
	}

	serviceAccount := req.Env["KERNEL_SERVICE_ACCOUNT_NAME"]

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName,
			Namespace: namespace,
			Labels: map[string]string{
				labelKernelID:  req.KernelID,
				labelComponent: "kernel",
				labelApp:       appValue,
				"username":     sanitizeLabel(req.Username),
			},
		},
		Spec: corev1.PodSpec{
			Containers:         []corev1.Container{container},
			RestartPolicy:      corev1.RestartPolicyNever,
			ServiceAccountName: serviceAccount,
			SecurityContext:    podSecurityContext(req.Env),
		},
	}

	if _, err := a.Client.CoreV1().Pods(namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		return backend.Handle{}, provisionererrors.Wrap(provisionererrors.KindBackendLaunchFailed,
			fmt.Sprintf("failed to create pod %s/%s", namespace, podName), err)
	}

	kind := HandleKindPod
	if created {
		kind = HandleKindPodAutoNamespace
	}
	return backend.Handle{Kind: kind, Value: namespace + "/" + podName}, nil
}

func (a *Adapter) Discover(ctx context.Context, handle backend.Handle) (backend.DiscoveryResult, error) {
	namespace, name, err := splitHandle(handle)
	if err != nil {
		return backend.DiscoveryResult{}, err
	}

	pod, err := a.Client.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return backend.DiscoveryResult{}, provisionererrors.Wrap(provisionererrors.KindBackendDiscoveryFailed, "pod not found", err)
		}
		return backend.DiscoveryResult{}, fmt.Errorf("failed to get pod %s/%s: %w", namespace, name, err)
	}

	if pod.Status.Phase == corev1.PodFailed {
		return backend.DiscoveryResult{}, provisionererrors.New(provisionererrors.KindBackendDiscoveryFailed,
			fmt.Sprintf("pod %s/%s entered Failed phase", namespace, name))
	}

	return backend.DiscoveryResult{
		Host:  pod.Status.PodIP,
		Ready: pod.Status.Phase == corev1.PodRunning && pod.Status.PodIP != "",
	}, nil
}

func (a *Adapter) Status(ctx context.Context, handle backend.Handle) (backend.Status, error) {
	namespace, name, err := splitHandle(handle)
	if err != nil {
		return backend.StatusUnknown, err
	}

	pod, err := a.Client.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return backend.StatusUnknown, nil
		}
		return backend.StatusUnknown, err
	}

	switch pod.Status.Phase {
	case corev1.PodRunning:
		return backend.StatusRunning, nil
	case corev1.PodPending:
		return backend.StatusPending, nil
	case corev1.PodSucceeded:
		return backend.StatusSucceeded, nil
	case corev1.PodFailed:
		return backend.StatusFailed, nil
	default:
		return backend.StatusUnknown, nil
	}
}

func (a *Adapter) SendNativeSignal(ctx context.Context, handle backend.Handle, host string, signum int) error {
	// Native signal delivery to a pod requires an exec'd kill(1) call; the
	// communication-port protocol is the primary path. This adapter does not
	// make that call and always returns an error.
	return fmt.Errorf("native signal delivery is not implemented for the kubernetes backend; rely on the communication port")
}

func (a *Adapter) TerminateBackendResources(ctx context.Context, handle backend.Handle) error {
	namespace, name, err := splitHandle(handle)
	if err != nil {
		return err
	}

	err = a.Client.CoreV1().Pods(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete pod %s/%s: %w", namespace, name, err)
	}

	if handle.Kind == HandleKindPodAutoNamespace {
		if err := a.Client.CoreV1().Namespaces().Delete(ctx, namespace, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
			return fmt.Errorf("failed to delete auto-created namespace %q: %w", namespace, err)
		}
	}

	return nil
}

func splitHandle(handle backend.Handle) (namespace, name string, err error) {
	parts := strings.SplitN(handle.Value, "/", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("malformed kubernetes handle %q", handle.Value)
	}
	return parts[0], parts[1], nil
}

func sanitizeLabel(s string) string {
	s = strings.ToLower(s)
	s = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '.' {
			return r
		}
		return '-'
	}, s)
	if len(s) > 63 {
		s = s[:63]
	}
	return s
}

// podSecurityContext translates KERNEL_UID/KERNEL_GID into RunAsUser/
// RunAsGroup. Either may be absent, in which case that field is left nil
// and the cluster's own default applies. The values have already cleared
// policy.CheckUIDGID by the time Spawn builds the pod spec.
func podSecurityContext(env map[string]string) *corev1.PodSecurityContext {
	sc := &corev1.PodSecurityContext{}
	set := false

	if v := env["KERNEL_UID"]; v != "" {
		if uid, err := strconv.ParseInt(v, 10, 64); err == nil {
			sc.RunAsUser = &uid
			set = true
		}
	}
	if v := env["KERNEL_GID"]; v != "" {
		if gid, err := strconv.ParseInt(v, 10, 64); err == nil {
			sc.RunAsGroup = &gid
			set = true
		}
	}

	if !set {
		return nil
	}
	return sc
}

func resourceLimits(env map[string]string) corev1.ResourceList {
	limits := corev1.ResourceList{}
	if v := env["KERNEL_CPUS_LIMIT"]; v != "" {
		if q, err := resource.ParseQuantity(v); err == nil {
			limits[corev1.ResourceCPU] = q
		}
	}
	if v := env["KERNEL_MEMORY_LIMIT"]; v != "" {
		if q, err := resource.ParseQuantity(v); err == nil {
			limits[corev1.ResourceMemory] = q
		}
	}
	if len(limits) == 0 {
		return nil
	}
	return limits
}
