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
	"errors"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/kubermatic/kernel-provisioner/pkg/config"
	"github.com/kubermatic/kernel-provisioner/pkg/crypto"
	"github.com/kubermatic/kernel-provisioner/pkg/policy"
	"github.com/kubermatic/kernel-provisioner/pkg/provisioner"
	"github.com/kubermatic/kernel-provisioner/pkg/responsemanager"
	"github.com/kubermatic/kernel-provisioner/pkg/tunnel"
	"github.com/kubermatic/kernel-provisioner/pkg/wire"
)

type launchOptions struct {
	KernelSpecFile string
	KernelID       string
	Username       string
	DisplayName    string
}

func newLaunchCommand() *cobra.Command {
	var lo launchOptions

	cmd := &cobra.Command{
		Use:           "launch",
		Short:         "Launch a single kernel and wait for it to come up",
		Long:          "",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Example:       "kernel-provisioner launch --kernel-spec ./spec.json --username alice",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runLaunchCommand(lo)
		},
	}

	cmd.Flags().StringVar(&lo.KernelSpecFile, "kernel-spec", "./kernel.json", "Path to the kernel spec file (JSON or YAML)")
	cmd.Flags().StringVar(&lo.KernelID, "kernel-id", "", "Kernel id; a UUID is generated if omitted")
	cmd.Flags().StringVar(&lo.Username, "username", "", "Identity to authorize the launch against")
	cmd.Flags().StringVar(&lo.DisplayName, "display-name", "", "Human-readable kernel name used in error messages")

	return cmd
}

func runLaunchCommand(lo launchOptions) error {
	logrus.Info("Running command to launch a kernel")

	if lo.KernelSpecFile == "" {
		return errors.New("kernel spec path is empty")
	}

	specBytes, err := os.ReadFile(lo.KernelSpecFile)
	if err != nil {
		return errors.New("failed to read kernel spec file")
	}

	var spec wire.KernelSpec
	if err := yaml.Unmarshal(specBytes, &spec); err != nil {
		return err
	}

	if lo.KernelID == "" {
		lo.KernelID = uuid.NewString()
	}

	cfg := config.Load()
	reg := buildRegistry(cfg)

	adapter, err := reg.Resolve(spec.Metadata.KernelProvisioner.ProvisionerName)
	if err != nil {
		return err
	}

	override, overrideFields, err := policy.FromKernelConfig(spec.Metadata.KernelProvisioner.Config)
	if err != nil {
		return err
	}
	resolvedPolicy := reg.ResolvePolicy(override, overrideFields)

	keyPair, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	manager := responsemanager.New(keyPair.Private)

	ip := cfg.ResponseIP
	if ip == "" {
		ip, err = responsemanager.DetectIP(cfg.ProhibitedLocalIPs)
		if err != nil {
			return err
		}
	}
	if err := manager.Listen(ip, cfg.ResponsePort, cfg.ResponsePortRetries); err != nil {
		return err
	}
	defer func() { _ = manager.Close() }()

	binding := provisioner.New(lo.KernelID, spec, adapter, resolvedPolicy, manager)
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

	publicKeyB64, err := keyPair.PublicKeyBase64DER()
	if err != nil {
		return err
	}
	portRange := resolvedPolicy.PortRange.String()
	if resolvedPolicy.PortRange.Unconstrained() {
		portRange = ""
	}
	argv := wire.ResolveArgv(spec.Argv, lo.KernelID, manager.Addr(), publicKeyB64, portRange)

	launchErr := binding.Launch(context.Background(), lo.Username, lo.DisplayName, manager.Addr(), publicKeyB64, argv, spec.Env)

	out := provisioner.BuildOutput(binding)
	b, err := json.MarshalIndent(out, "", "\t")
	if err != nil {
		return err
	}
	if err := os.WriteFile(provisioner.OutputFileName, b, 0o600); err != nil {
		return err
	}

	if launchErr != nil {
		logrus.WithError(launchErr).Errorf("kernel launch failed, details written to %q", provisioner.OutputFileName)
		return launchErr
	}

	logrus.Infof("Launch completed successfully. Output is available in %q.", provisioner.OutputFileName)
	return nil
}
