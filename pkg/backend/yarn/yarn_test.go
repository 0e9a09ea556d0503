package yarn

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kubermatic/kernel-provisioner/pkg/backend"
	"github.com/kubermatic/kernel-provisioner/pkg/policy"
)

func TestSpawnAndDiscover(t *testing.T) {
	var appState = "ACCEPTED"

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/v1/cluster/apps/new-application", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(newApplicationResponse{ApplicationID: "app-1"})
	})
	mux.HandleFunc("/ws/v1/cluster/apps", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/ws/v1/cluster/apps/app-1", func(w http.ResponseWriter, r *http.Request) {
		var resp appStatusResponse
		resp.App.ID = "app-1"
		resp.App.State = appState
		resp.App.AmHostHTTPAddress = "10.0.0.9:8042"
		_ = json.NewEncoder(w).Encode(resp)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	adapter := New(server.URL, "", false, server.Client())

	handle, err := adapter.Spawn(context.Background(), backend.LaunchRequest{KernelID: "kernel-1", Argv: []string{"python3"}})
	require.NoError(t, err)
	require.Equal(t, "app-1", handle.Value)

	result, err := adapter.Discover(context.Background(), handle)
	require.NoError(t, err)
	require.False(t, result.Ready, "ACCEPTED is not yet running")

	appState = "RUNNING"
	result, err = adapter.Discover(context.Background(), handle)
	require.NoError(t, err)
	require.True(t, result.Ready)
	require.Equal(t, "10.0.0.9", result.Host)
}

func TestDiscoverFailsOnFailedApplication(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/v1/cluster/apps/app-2", func(w http.ResponseWriter, r *http.Request) {
		var resp appStatusResponse
		resp.App.State = "FAILED"
		resp.App.FinalStatus = "FAILED"
		_ = json.NewEncoder(w).Encode(resp)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	adapter := New(server.URL, "", false, server.Client())
	_, err := adapter.Discover(context.Background(), backend.Handle{Value: "app-2"})
	require.Error(t, err)
}

func TestDoJSONFailsOverToAltEndpointAndRemembersLeader(t *testing.T) {
	altHits := 0
	alt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		altHits++
		_ = json.NewEncoder(w).Encode(appStatusResponse{})
	}))
	defer alt.Close()

	adapter := New("http://127.0.0.1:1", alt.URL, false, http.DefaultClient)

	_, err := adapter.Status(context.Background(), backend.Handle{Value: "app-3"})
	require.NoError(t, err)
	require.Equal(t, 1, altHits)

	// The remembered leader should be tried first on the next call, without
	// needing to fail against the unreachable primary again.
	_, err = adapter.Status(context.Background(), backend.Handle{Value: "app-3"})
	require.NoError(t, err)
	require.Equal(t, 2, altHits)

	leader, ok := adapter.leader.Get(leaderCacheKey)
	require.True(t, ok)
	require.Equal(t, alt.URL, leader)
}

func TestTerminateBackendResourcesKillsApplication(t *testing.T) {
	var gotState string
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/v1/cluster/apps/app-4/state", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotState = body["state"]
		_ = json.NewEncoder(w).Encode(appStatusResponse{})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	adapter := New(server.URL, "", false, server.Client())
	err := adapter.TerminateBackendResources(context.Background(), backend.Handle{Value: "app-4"})
	require.NoError(t, err)
	require.Equal(t, "KILLED", gotState)
}

func TestBuildCommandAppendsProxyUserWhenImpersonating(t *testing.T) {
	req := backend.LaunchRequest{
		Argv:     []string{"python3", "-m", "kernel"},
		Username: "alice",
		Policy:   policy.Policy{ImpersonationEnabled: true},
	}
	require.Equal(t, "python3 -m kernel --proxy-user alice", buildCommand(req))
}

func TestBuildCommandLeavesCommandAloneWhenNotImpersonating(t *testing.T) {
	req := backend.LaunchRequest{Argv: []string{"python3", "-m", "kernel"}, Username: "alice"}
	require.Equal(t, "python3 -m kernel", buildCommand(req))
}

func TestSpawnSubmitsProxyUserCommandWhenImpersonating(t *testing.T) {
	var submitted submitApplicationRequest

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/v1/cluster/apps/new-application", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(newApplicationResponse{ApplicationID: "app-5"})
	})
	mux.HandleFunc("/ws/v1/cluster/apps", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&submitted)
		w.WriteHeader(http.StatusAccepted)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	adapter := New(server.URL, "", false, server.Client())
	req := backend.LaunchRequest{
		KernelID: "kernel-5",
		Argv:     []string{"python3"},
		Username: "bob",
		Policy:   policy.Policy{ImpersonationEnabled: true},
	}
	_, err := adapter.Spawn(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, []string{"python3 --proxy-user bob"}, submitted.AMContainerSpec.Commands.Command)
}
