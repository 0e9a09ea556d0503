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
	"fmt"
	"net"
	"net/http"

	"github.com/containerd/containerd"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"k8s.io/client-go/dynamic"
	k8sclient "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/kubermatic/kernel-provisioner/pkg/backend"
	"github.com/kubermatic/kernel-provisioner/pkg/backend/crd"
	"github.com/kubermatic/kernel-provisioner/pkg/backend/distributed"
	"github.com/kubermatic/kernel-provisioner/pkg/backend/docker"
	"github.com/kubermatic/kernel-provisioner/pkg/backend/dockerswarm"
	kernetesbackend "github.com/kubermatic/kernel-provisioner/pkg/backend/kubernetes"
	"github.com/kubermatic/kernel-provisioner/pkg/backend/yarn"
	"github.com/kubermatic/kernel-provisioner/pkg/config"
	"github.com/kubermatic/kernel-provisioner/pkg/loadbalancer"
	"github.com/kubermatic/kernel-provisioner/pkg/registry"
)

// dockerSocket is the default containerd socket path used by both the
// Docker and Docker-Swarm factories.
const dockerSocket = "/run/containerd/containerd.sock"

// buildRegistry registers a lazy Factory for every backend this process
// knows how to drive. Each factory defers its credential/connection setup
// until a kernel spec actually names that provisioner_name, so an operator
// who only ever launches YARN kernels never needs a kubeconfig on hand.
func buildRegistry(cfg *config.Config) *registry.Registry {
	reg := registry.New(cfg.GlobalPolicy())

	reg.Register("kubernetes", func() (backend.Adapter, error) {
		client, err := buildKubeClient()
		if err != nil {
			return nil, err
		}
		return kernetesbackend.New(client, cfg.Namespace), nil
	})

	reg.Register("crd", func() (backend.Adapter, error) {
		client, err := buildDynamicClient()
		if err != nil {
			return nil, err
		}
		return crd.New(client, cfg.Namespace), nil
	})

	reg.Register("docker", func() (backend.Adapter, error) {
		client, err := containerd.New(dockerSocket)
		if err != nil {
			return nil, fmt.Errorf("failed to dial containerd socket %s: %w", dockerSocket, err)
		}
		return docker.New(client, cfg.DockerNetwork), nil
	})

	reg.Register("docker-swarm", func() (backend.Adapter, error) {
		client, err := containerd.New(dockerSocket)
		if err != nil {
			return nil, fmt.Errorf("failed to dial containerd socket %s: %w", dockerSocket, err)
		}
		return dockerswarm.New(client, cfg.DockerNetwork), nil
	})

	reg.Register("yarn-resource-manager", func() (backend.Adapter, error) {
		if cfg.YarnEndpoint == "" {
			return nil, fmt.Errorf("GP_YARN_ENDPOINT is not configured")
		}
		return yarn.New(cfg.YarnEndpoint, cfg.AltYarnEndpoint, cfg.YarnEndpointSecurityEnabled, http.DefaultClient), nil
	})

	reg.Register("distributed", func() (backend.Adapter, error) {
		if len(cfg.RemoteHosts) == 0 {
			return nil, fmt.Errorf("GP_REMOTE_HOSTS is not configured")
		}
		pool := loadbalancer.NewHostPool(cfg.RemoteHosts, loadbalancer.Algorithm(cfg.LoadBalancingAlgorithm))
		dial := sshDialer(cfg)
		return distributed.New(pool, dial), nil
	})

	return reg
}

// sshDialer builds the distributed.DialFunc used to reach a kernel's
// assigned host, authenticating with the configured password. Agent or
// key-based auth is left for an operator to wire through a custom build.
// Host-key checking is strict, the same posture pkg/tunnel takes: without
// a known_hosts file configured, every host key is refused rather than
// silently accepted.
func sshDialer(cfg *config.Config) func(host string) (*ssh.Client, error) {
	return func(host string) (*ssh.Client, error) {
		var callback ssh.HostKeyCallback
		if cfg.SSHKnownHostsFile == "" {
			callback = func(hostname string, remote net.Addr, key ssh.PublicKey) error {
				return fmt.Errorf("no GP_SSH_KNOWN_HOSTS_FILE configured, refusing host key for %s", hostname)
			}
		} else {
			cb, err := knownhosts.New(cfg.SSHKnownHostsFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load known_hosts file %s: %w", cfg.SSHKnownHostsFile, err)
			}
			callback = cb
		}

		clientCfg := &ssh.ClientConfig{
			User:            cfg.RemoteUser,
			Auth:            []ssh.AuthMethod{ssh.Password(cfg.RemotePwd)},
			HostKeyCallback: callback,
		}
		addr := fmt.Sprintf("%s:%d", host, cfg.SSHPort)
		return ssh.Dial("tcp", addr, clientCfg)
	}
}

func buildKubeClient() (k8sclient.Interface, error) {
	restCfg, err := clientcmd.BuildConfigFromFlags(opts.Master, opts.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to build kube config: %w", err)
	}
	return k8sclient.NewForConfig(restCfg)
}

func buildDynamicClient() (dynamic.Interface, error) {
	restCfg, err := clientcmd.BuildConfigFromFlags(opts.Master, opts.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to build kube config: %w", err)
	}
	return dynamic.NewForConfig(restCfg)
}
