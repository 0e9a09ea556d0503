/*
Copyright 2026 The Kernel Provisioner Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kubermatic/kernel-provisioner/pkg/config"
	"github.com/kubermatic/kernel-provisioner/pkg/crypto"
	"github.com/kubermatic/kernel-provisioner/pkg/lifecycle"
	"github.com/kubermatic/kernel-provisioner/pkg/policy"
	"github.com/kubermatic/kernel-provisioner/pkg/provisioner"
	"github.com/kubermatic/kernel-provisioner/pkg/registry"
	"github.com/kubermatic/kernel-provisioner/pkg/responsemanager"
	"github.com/kubermatic/kernel-provisioner/pkg/tunnel"
	"github.com/kubermatic/kernel-provisioner/pkg/wire"
)

// launchRequestBody is the JSON document a host POSTs to /v1/kernels: a
// kernel spec plus the launch-time identity fields the spec itself does
// not carry.
type launchRequestBody struct {
	wire.KernelSpec
	KernelID    string `json:"kernel_id,omitempty"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

type launchResponseBody struct {
	KernelID string `json:"kernel_id"`
	State    string `json:"state"`
	Error    string `json:"error,omitempty"`
}

func newLaunchHandler(reg *registry.Registry, sup *lifecycle.Supervisor, manager *responsemanager.Manager, cfg *config.Config, keyPair *crypto.KeyPair) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var body launchRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		if body.KernelID == "" {
			body.KernelID = uuid.NewString()
		}

		adapter, err := reg.Resolve(body.Metadata.KernelProvisioner.ProvisionerName)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		override, overrideFields, err := policy.FromKernelConfig(body.Metadata.KernelProvisioner.Config)
		if err != nil {
			http.Error(w, "invalid config stanza: "+err.Error(), http.StatusBadRequest)
			return
		}
		resolvedPolicy := reg.ResolvePolicy(override, overrideFields)

		binding := provisioner.New(body.KernelID, body.KernelSpec, adapter, resolvedPolicy, manager)
		if resolvedPolicy.TunnelingEnabled {
			binding.TunnelDial = func(host string) (*tunnel.Tunnel, error) {
				return tunnel.Dial(tunnel.DialConfig{
					Host:           host,
					Port:           cfg.SSHPort,
					User:           cfg.RemoteUser,
					Password:       cfg.RemotePwd,
					KnownHostsFile: cfg.SSHKnownHostsFile,
				})
			}
		}
		sup.Add(binding)

		publicKeyB64, err := keyPair.PublicKeyBase64DER()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		portRange := resolvedPolicy.PortRange.String()
		if resolvedPolicy.PortRange.Unconstrained() {
			portRange = ""
		}
		argv := wire.ResolveArgv(body.Argv, body.KernelID, manager.Addr(), publicKeyB64, portRange)

		go func() {
			if err := sup.Launch(context.Background(), body.KernelID, body.Username, body.DisplayName, manager.Addr(), publicKeyB64, argv, body.Env); err != nil {
				logrus.WithField("kernel_id", body.KernelID).WithError(err).Warn("kernel launch failed")
			}
		}()

		writeJSON(w, http.StatusAccepted, launchResponseBody{KernelID: body.KernelID, State: string(provisioner.StateAuthorized)})
	})
}

type kernelStatusBody struct {
	State          string              `json:"state"`
	ConnectionInfo *wire.ConnectionInfo `json:"connection_info,omitempty"`
}

type signalRequestBody struct {
	Signum int `json:"signum"`
}

func newKernelHandler(sup *lifecycle.Supervisor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/v1/kernels/")
		parts := strings.SplitN(rest, "/", 2)
		kernelID := parts[0]
		if kernelID == "" {
			http.Error(w, "missing kernel id", http.StatusBadRequest)
			return
		}
		action := ""
		if len(parts) == 2 {
			action = parts[1]
		}

		ctx := r.Context()
		switch {
		case action == "" && r.Method == http.MethodGet:
			state, conn, ok, err := sup.Describe(kernelID)
			if err != nil {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			body := kernelStatusBody{State: string(state)}
			if ok {
				body.ConnectionInfo = &conn
			}
			writeJSON(w, http.StatusOK, body)

		case action == "" && r.Method == http.MethodDelete:
			if err := sup.Terminate(ctx, kernelID); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			sup.Remove(kernelID)
			w.WriteHeader(http.StatusNoContent)

		case action == "interrupt" && r.Method == http.MethodPost:
			if err := sup.Interrupt(ctx, kernelID); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)

		case action == "kill" && r.Method == http.MethodPost:
			if err := sup.Kill(ctx, kernelID); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			sup.Remove(kernelID)
			w.WriteHeader(http.StatusNoContent)

		case action == "signal" && r.Method == http.MethodPost:
			var body signalRequestBody
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
				return
			}
			if err := sup.SendSignal(ctx, kernelID, body.Signum); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)

		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.WithError(err).Warn("failed to encode HTTP response body")
	}
}
