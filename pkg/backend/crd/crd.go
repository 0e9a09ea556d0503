// Package crd implements the custom-resource variant of the Kubernetes
// backend: instead of creating a Pod directly, it creates a SparkApplication
// (sparkoperator.k8s.io/v1beta2) and lets the operator in the cluster turn
// that into driver/executor pods. Discovery reads the resource's status
// with one Get per call rather than a Pod's phase, built by constructing
// unstructured.Unstructured objects and driving them through a
// dynamic.Interface rather than a generated typed client.
package crd

import (
	"context"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"

	"github.com/kubermatic/kernel-provisioner/pkg/backend"
	provisionererrors "github.com/kubermatic/kernel-provisioner/pkg/errors"
)

var sparkApplicationGVR = schema.GroupVersionResource{
	Group:    "sparkoperator.k8s.io",
	Version:  "v1beta2",
	Resource: "sparkapplications",
}

// HandleKind identifies a crd.Adapter handle; Value is "namespace/name".
const HandleKind = "sparkapplication"

// Adapter implements backend.Adapter over the SparkApplication CRD.
type Adapter struct {
	Client    dynamic.Interface
	Namespace string
}

// New builds a CRD adapter bound to a fixed namespace (the CRD variant does
// not support per-kernel namespace creation; SparkApplications are
// typically deployed into one operator-managed namespace).
func New(client dynamic.Interface, namespace string) *Adapter {
	return &Adapter{Client: client, Namespace: namespace}
}

func (a *Adapter) Name() string { return "crd" }

func (a *Adapter) Spawn(ctx context.Context, req backend.LaunchRequest) (backend.Handle, error) {
	image, _ := req.Config["image_name"].(string)
	if image == "" {
		image = req.Env["KERNEL_IMAGE"]
	}
	if image == "" {
		return backend.Handle{}, &backend.RequiredConfigError{Adapter: a.Name(), Field: "image_name"}
	}

	mainApplicationFile, _ := req.Config["main_application_file"].(string)
	if mainApplicationFile == "" {
		return backend.Handle{}, &backend.RequiredConfigError{Adapter: a.Name(), Field: "main_application_file"}
	}

	name := fmt.Sprintf("kernel-%s", req.KernelID)

	envVars := map[string]interface{}{}
	for k, v := range req.Env {
		envVars[k] = v
	}

	app := &unstructured.Unstructured{
		Object: map[string]interface{}{
			"apiVersion": "sparkoperator.k8s.io/v1beta2",
			"kind":       "SparkApplication",
			"metadata": map[string]interface{}{
				"name":      name,
				"namespace": a.Namespace,
				"labels": map[string]interface{}{
					"kernel_id": req.KernelID,
					"app":       "kernel-provisioner",
				},
			},
			"spec": map[string]interface{}{
				"type":                "Python",
				"mode":                "cluster",
				"image":               image,
				"mainApplicationFile": mainApplicationFile,
				"arguments":           toInterfaceSlice(req.Argv),
				"driver": map[string]interface{}{
					"env": envVars,
				},
			},
		},
	}

	_, err := a.Client.Resource(sparkApplicationGVR).Namespace(a.Namespace).Create(ctx, app, metav1.CreateOptions{})
	if err != nil {
		return backend.Handle{}, provisionererrors.Wrap(provisionererrors.KindBackendLaunchFailed,
			fmt.Sprintf("failed to create SparkApplication %s/%s", a.Namespace, name), err)
	}

	return backend.Handle{Kind: HandleKind, Value: a.Namespace + "/" + name}, nil
}

func (a *Adapter) Discover(ctx context.Context, handle backend.Handle) (backend.DiscoveryResult, error) {
	namespace, name, err := splitHandle(handle)
	if err != nil {
		return backend.DiscoveryResult{}, err
	}

	app, err := a.Client.Resource(sparkApplicationGVR).Namespace(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return backend.DiscoveryResult{}, provisionererrors.Wrap(provisionererrors.KindBackendDiscoveryFailed, "SparkApplication not found", err)
		}
		return backend.DiscoveryResult{}, fmt.Errorf("failed to get SparkApplication %s/%s: %w", namespace, name, err)
	}

	state, _, _ := unstructured.NestedString(app.Object, "status", "applicationState", "state")
	driverIP, _, _ := unstructured.NestedString(app.Object, "status", "driverInfo", "podIP")

	if state == "FAILED" {
		return backend.DiscoveryResult{}, provisionererrors.New(provisionererrors.KindBackendDiscoveryFailed,
			fmt.Sprintf("SparkApplication %s/%s entered FAILED state", namespace, name))
	}

	return backend.DiscoveryResult{
		Host:  driverIP,
		Ready: state == "RUNNING" && driverIP != "",
	}, nil
}

func (a *Adapter) Status(ctx context.Context, handle backend.Handle) (backend.Status, error) {
	namespace, name, err := splitHandle(handle)
	if err != nil {
		return backend.StatusUnknown, err
	}

	app, err := a.Client.Resource(sparkApplicationGVR).Namespace(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return backend.StatusUnknown, nil
		}
		return backend.StatusUnknown, err
	}

	state, _, _ := unstructured.NestedString(app.Object, "status", "applicationState", "state")
	switch state {
	case "RUNNING", "SUBMITTED":
		return backend.StatusRunning, nil
	case "PENDING_RERUN", "SUBMISSION_FAILED":
		return backend.StatusPending, nil
	case "COMPLETED":
		return backend.StatusSucceeded, nil
	case "FAILED", "FAILING":
		return backend.StatusFailed, nil
	default:
		return backend.StatusUnknown, nil
	}
}

func (a *Adapter) SendNativeSignal(ctx context.Context, handle backend.Handle, host string, signum int) error {
	return fmt.Errorf("native signal delivery is not implemented for the crd backend; rely on the communication port")
}

func (a *Adapter) TerminateBackendResources(ctx context.Context, handle backend.Handle) error {
	namespace, name, err := splitHandle(handle)
	if err != nil {
		return err
	}

	err = a.Client.Resource(sparkApplicationGVR).Namespace(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete SparkApplication %s/%s: %w", namespace, name, err)
	}
	return nil
}

func splitHandle(handle backend.Handle) (namespace, name string, err error) {
	for i := 0; i < len(handle.Value); i++ {
		if handle.Value[i] == '/' {
			return handle.Value[:i], handle.Value[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("malformed crd handle %q", handle.Value)
}

func toInterfaceSlice(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
