// Package yarn implements the YARN backend adapter: submit a kernel as a
// YARN application via the webapp REST API, then poll the same endpoint
// for its state and allocated host. Built directly against YARN's
// documented REST surface (GET/POST under /ws/v1/cluster/apps), using
// net/http the way the rest of this module reaches for an HTTP client
// when no richer SDK is available.
package yarn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/kubermatic/kernel-provisioner/pkg/backend"
	provisionererrors "github.com/kubermatic/kernel-provisioner/pkg/errors"
)

// leaderCacheKey is the go-cache entry holding whichever of
// Endpoint/AltEndpoint last answered successfully, so a known RM failover
// isn't re-discovered on every single request.
const leaderCacheKey = "leader"

// leaderTTL bounds how long a remembered leader is trusted before both
// endpoints are tried again in their configured order.
const leaderTTL = 30 * time.Second

// HandleKind identifies a yarn.Adapter handle; Value is the YARN
// application id.
const HandleKind = "yarn-application"

// Adapter implements backend.Adapter against a YARN ResourceManager REST
// endpoint (with an optional standby RM for failover).
type Adapter struct {
	Endpoint    string
	AltEndpoint string
	Secure      bool // SPNEGO/Kerberos: the http.Client must carry a negotiating RoundTripper
	HTTPClient  *http.Client

	leader *gocache.Cache
}

// New builds a YARN adapter. If httpClient is nil, http.DefaultClient is
// used; a Kerberos-secured cluster should pass a client whose Transport
// performs SPNEGO negotiation.
func New(endpoint, altEndpoint string, secure bool, httpClient *http.Client) *Adapter {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Adapter{
		Endpoint:    endpoint,
		AltEndpoint: altEndpoint,
		Secure:      secure,
		HTTPClient:  httpClient,
		leader:      gocache.New(leaderTTL, 2*leaderTTL),
	}
}

func (a *Adapter) Name() string { return "yarn" }

type newApplicationResponse struct {
	ApplicationID string `json:"application-id"`
}

type submitApplicationRequest struct {
	ApplicationID   string          `json:"application-id"`
	ApplicationName string          `json:"application-name"`
	AppType         string          `json:"application-type"`
	AMContainerSpec amContainerSpec `json:"am-container-spec"`
	UnmanagedAM     bool            `json:"unmanaged-AM"`
	MaxAppAttempts  int             `json:"max-app-attempts"`
}

type amContainerSpec struct {
	Commands commands `json:"commands"`
	Environment environmentList `json:"environment"`
}

type commands struct {
	Command []string `json:"command"`
}

type environmentList struct {
	Entry []envEntry `json:"entry"`
}

type envEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type appStatusResponse struct {
	App struct {
		ID                string `json:"id"`
		State             string `json:"state"`
		FinalStatus       string `json:"finalStatus"`
		AmHostHTTPAddress string `json:"amHostHttpAddress"`
	} `json:"app"`
}

func (a *Adapter) Spawn(ctx context.Context, req backend.LaunchRequest) (backend.Handle, error) {
	appName, _ := req.Config["application_name"].(string)
	if appName == "" {
		appName = fmt.Sprintf("kernel-%s", req.KernelID)
	}

	newAppID, err := a.newApplicationID(ctx)
	if err != nil {
		return backend.Handle{}, provisionererrors.Wrap(provisionererrors.KindBackendLaunchFailed, "failed to obtain YARN application id", err)
	}

	entries := make([]envEntry, 0, len(req.Env))
	for k, v := range req.Env {
		entries = append(entries, envEntry{Key: k, Value: v})
	}

	submission := submitApplicationRequest{
		ApplicationID:   newAppID,
		ApplicationName: appName,
		AppType:         "KERNEL",
		AMContainerSpec: amContainerSpec{
			Commands:    commands{Command: []string{buildCommand(req)}},
			Environment: environmentList{Entry: entries},
		},
		MaxAppAttempts: 1,
	}

	body, err := json.Marshal(submission)
	if err != nil {
		return backend.Handle{}, fmt.Errorf("failed to marshal YARN submission: %w", err)
	}

	if err := a.post(ctx, "/ws/v1/cluster/apps", body); err != nil {
		return backend.Handle{}, provisionererrors.Wrap(provisionererrors.KindBackendLaunchFailed,
			fmt.Sprintf("failed to submit YARN application %s", newAppID), err)
	}

	return backend.Handle{Kind: HandleKind, Value: newAppID}, nil
}

// buildCommand renders the AM container's command line. Impersonation runs
// the kernel as the requesting user by appending --proxy-user, the
// YARN-native equivalent of the sudo -u wrapping the distributed backend
// uses for SSH.
func buildCommand(req backend.LaunchRequest) string {
	argv := strings.Join(req.Argv, " ")
	if req.Policy.ImpersonationEnabled && req.Username != "" {
		return fmt.Sprintf("%s --proxy-user %s", argv, req.Username)
	}
	return argv
}

func (a *Adapter) newApplicationID(ctx context.Context) (string, error) {
	body, err := a.doJSON(ctx, http.MethodPost, "/ws/v1/cluster/apps/new-application", nil)
	if err != nil {
		return "", err
	}
	var out newApplicationResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("failed to decode new-application response: %w", err)
	}
	return out.ApplicationID, nil
}

func (a *Adapter) Discover(ctx context.Context, handle backend.Handle) (backend.DiscoveryResult, error) {
	status, err := a.fetchStatus(ctx, handle.Value)
	if err != nil {
		return backend.DiscoveryResult{}, err
	}

	if status.App.State == "FAILED" || status.App.FinalStatus == "FAILED" {
		return backend.DiscoveryResult{}, provisionererrors.New(provisionererrors.KindBackendDiscoveryFailed,
			fmt.Sprintf("YARN application %s reported FAILED", handle.Value))
	}

	host := status.App.AmHostHTTPAddress
	if idx := strings.IndexByte(host, ':'); idx >= 0 {
		host = host[:idx]
	}

	return backend.DiscoveryResult{
		Host:  host,
		Ready: status.App.State == "RUNNING" && host != "",
	}, nil
}

func (a *Adapter) Status(ctx context.Context, handle backend.Handle) (backend.Status, error) {
	status, err := a.fetchStatus(ctx, handle.Value)
	if err != nil {
		return backend.StatusUnknown, err
	}

	switch status.App.State {
	case "RUNNING", "ACCEPTED":
		return backend.StatusRunning, nil
	case "NEW", "NEW_SAVING", "SUBMITTED":
		return backend.StatusPending, nil
	case "FINISHED":
		if status.App.FinalStatus == "SUCCEEDED" {
			return backend.StatusSucceeded, nil
		}
		return backend.StatusFailed, nil
	case "FAILED", "KILLED":
		return backend.StatusFailed, nil
	default:
		return backend.StatusUnknown, nil
	}
}

func (a *Adapter) SendNativeSignal(ctx context.Context, handle backend.Handle, host string, signum int) error {
	return fmt.Errorf("native signal delivery is not implemented for the yarn backend; rely on the communication port")
}

func (a *Adapter) TerminateBackendResources(ctx context.Context, handle backend.Handle) error {
	body, err := json.Marshal(map[string]string{"state": "KILLED"})
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/ws/v1/cluster/apps/%s/state", handle.Value)
	if _, err := a.doJSON(ctx, http.MethodPut, path, body); err != nil {
		return fmt.Errorf("failed to kill YARN application %s: %w", handle.Value, err)
	}
	return nil
}

func (a *Adapter) fetchStatus(ctx context.Context, appID string) (appStatusResponse, error) {
	body, err := a.doJSON(ctx, http.MethodGet, "/ws/v1/cluster/apps/"+appID, nil)
	if err != nil {
		return appStatusResponse{}, err
	}
	var out appStatusResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return appStatusResponse{}, fmt.Errorf("failed to decode application status: %w", err)
	}
	return out, nil
}

func (a *Adapter) post(ctx context.Context, path string, body []byte) error {
	_, err := a.doJSON(ctx, http.MethodPost, path, body)
	return err
}

// doJSON issues one request, trying the remembered leader first and moving
// on to the other endpoint on a connection error, a body read error or an
// HTTP status >= 400 (YARN ResourceManager high-availability).
func (a *Adapter) doJSON(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	endpoints := []string{a.Endpoint}
	if a.AltEndpoint != "" {
		endpoints = append(endpoints, a.AltEndpoint)
	}
	if leader, ok := a.leader.Get(leaderCacheKey); ok {
		endpoints = promoteLeader(endpoints, leader.(string))
	}

	var lastErr error
	for _, endpoint := range endpoints {
		url := strings.TrimRight(endpoint, "/") + path

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := a.HTTPClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode >= 400 {
			lastErr = fmt.Errorf("YARN REST call %s %s returned %d: %s", method, path, resp.StatusCode, string(respBody))
			continue
		}

		a.leader.Set(leaderCacheKey, endpoint, gocache.DefaultExpiration)
		return respBody, nil
	}

	return nil, lastErr
}

// promoteLeader reorders endpoints so the remembered leader is tried
// first, without dropping the others as fallbacks.
func promoteLeader(endpoints []string, leader string) []string {
	reordered := make([]string, 0, len(endpoints))
	reordered = append(reordered, leader)
	for _, e := range endpoints {
		if e != leader {
			reordered = append(reordered, e)
		}
	}
	return reordered
}
