package crd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"

	"github.com/kubermatic/kernel-provisioner/pkg/backend"
)

func newFakeClient() *dynamicfake.FakeDynamicClient {
	scheme := runtime.NewScheme()
	gvrToListKind := map[schema.GroupVersionResource]string{
		sparkApplicationGVR: "SparkApplicationList",
	}
	return dynamicfake.NewSimpleDynamicClientWithCustomListKinds(scheme, gvrToListKind)
}

func TestSpawnRequiresImageName(t *testing.T) {
	adapter := New(newFakeClient(), "kernels")
	_, err := adapter.Spawn(context.Background(), backend.LaunchRequest{
		KernelID: "k1",
		Config:   map[string]any{"main_application_file": "local:///app.py"},
	})
	require.Error(t, err)
	var reqErr *backend.RequiredConfigError
	require.ErrorAs(t, err, &reqErr)
	require.Equal(t, "image_name", reqErr.Field)
}

func TestSpawnCreatesSparkApplication(t *testing.T) {
	client := newFakeClient()
	adapter := New(client, "kernels")

	handle, err := adapter.Spawn(context.Background(), backend.LaunchRequest{
		KernelID: "k1",
		Argv:     []string{"python3", "kernel.py"},
		Env:      map[string]string{"FOO": "bar"},
		Config: map[string]any{
			"image_name":            "kernel-image:latest",
			"main_application_file": "local:///app.py",
		},
	})
	require.NoError(t, err)
	require.Equal(t, "kernels/kernel-k1", handle.Value)

	obj, err := client.Resource(sparkApplicationGVR).Namespace("kernels").Get(context.Background(), "kernel-k1", metav1.GetOptions{})
	require.NoError(t, err)
	image, _, _ := unstructured.NestedString(obj.Object, "spec", "image")
	require.Equal(t, "kernel-image:latest", image)
}

func TestDiscoverReadyWhenRunningWithDriverIP(t *testing.T) {
	client := newFakeClient()
	adapter := New(client, "kernels")

	app := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "sparkoperator.k8s.io/v1beta2",
		"kind":       "SparkApplication",
		"metadata":   map[string]interface{}{"name": "kernel-k2", "namespace": "kernels"},
		"status": map[string]interface{}{
			"applicationState": map[string]interface{}{"state": "RUNNING"},
			"driverInfo":       map[string]interface{}{"podIP": "10.1.2.3"},
		},
	}}
	_, err := client.Resource(sparkApplicationGVR).Namespace("kernels").Create(context.Background(), app, metav1.CreateOptions{})
	require.NoError(t, err)

	result, err := adapter.Discover(context.Background(), backend.Handle{Value: "kernels/kernel-k2"})
	require.NoError(t, err)
	require.True(t, result.Ready)
	require.Equal(t, "10.1.2.3", result.Host)
}

func TestDiscoverFailsOnFailedState(t *testing.T) {
	client := newFakeClient()
	adapter := New(client, "kernels")

	app := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "sparkoperator.k8s.io/v1beta2",
		"kind":       "SparkApplication",
		"metadata":   map[string]interface{}{"name": "kernel-k3", "namespace": "kernels"},
		"status": map[string]interface{}{
			"applicationState": map[string]interface{}{"state": "FAILED"},
		},
	}}
	_, err := client.Resource(sparkApplicationGVR).Namespace("kernels").Create(context.Background(), app, metav1.CreateOptions{})
	require.NoError(t, err)

	_, err = adapter.Discover(context.Background(), backend.Handle{Value: "kernels/kernel-k3"})
	require.Error(t, err)
}

func TestTerminateBackendResourcesIsIdempotent(t *testing.T) {
	adapter := New(newFakeClient(), "kernels")
	err := adapter.TerminateBackendResources(context.Background(), backend.Handle{Value: "kernels/does-not-exist"})
	require.NoError(t, err)
}

func TestSplitHandleMalformed(t *testing.T) {
	_, _, err := splitHandle(backend.Handle{Value: "no-slash"})
	require.Error(t, err)
}
