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
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kubermatic/kernel-provisioner/pkg/config"
	"github.com/kubermatic/kernel-provisioner/pkg/crypto"
	"github.com/kubermatic/kernel-provisioner/pkg/lifecycle"
	"github.com/kubermatic/kernel-provisioner/pkg/metrics"
	"github.com/kubermatic/kernel-provisioner/pkg/registry"
	"github.com/kubermatic/kernel-provisioner/pkg/responsemanager"
)

type serveOptions struct {
	ResponseIP           string
	ResponsePort         int
	ResponsePortRetries  int
	ListenAddress        string
	UseKubeKeypairSecret bool
}

func newServeCommand() *cobra.Command {
	var so serveOptions

	cmd := &cobra.Command{
		Use:           "serve",
		Short:         "Run the response-manager listener and the HTTP control API as a long-lived daemon",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Example:       "kernel-provisioner serve --response-ip 10.0.0.4 --response-port 8877",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runServe(so)
		},
	}

	cmd.Flags().StringVar(&so.ResponseIP, "response-ip", "", "IP address kernel-launchers should send their connection payload to; auto-detected if empty")
	cmd.Flags().IntVar(&so.ResponsePort, "response-port", 8877, "Preferred TCP port for the response-manager listener")
	cmd.Flags().IntVar(&so.ResponsePortRetries, "response-port-retries", 5, "Number of higher ports to try if the preferred one is in use")
	cmd.Flags().StringVar(&so.ListenAddress, "listen-address", "127.0.0.1:8085", "Address the HTTP control API and /metrics endpoint listen on")
	cmd.Flags().BoolVar(&so.UseKubeKeypairSecret, "use-kube-keypair-secret", false, "Persist the response-manager keypair in a kube-system Secret so a restart can keep decrypting in-flight payloads")

	return cmd
}

func runServe(so serveOptions) error {
	cfg := config.Load()

	keyPair, err := resolveKeyPair(so)
	if err != nil {
		return err
	}

	manager := responsemanager.New(keyPair.Private)

	ip := so.ResponseIP
	if ip == "" {
		detected, err := responsemanager.DetectIP(cfg.ProhibitedLocalIPs)
		if err != nil {
			return err
		}
		ip = detected
	}
	if err := manager.Listen(ip, so.ResponsePort, so.ResponsePortRetries); err != nil {
		return err
	}
	logrus.WithField("addr", manager.Addr()).Info("response manager listening")

	reg := buildRegistry(cfg)
	sup := lifecycle.New()

	httpServer := newControlServer(so.ListenAddress, reg, sup, manager, cfg, keyPair)

	stopCh := setupSignalHandler()

	var g run.Group
	{
		g.Add(func() error {
			return httpServer.ListenAndServe()
		}, func(err error) {
			logrus.WithError(err).Warn("shutting down HTTP control server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logrus.WithError(err).Error("failed to shut down HTTP control server cleanly")
			}
		})
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			select {
			case <-stopCh:
				return errors.New("user requested to stop the application")
			case <-ctx.Done():
				return ctx.Err()
			}
		}, func(err error) {
			cancel()
		})
	}
	{
		monitorCtx, cancel := context.WithCancel(context.Background())
		monitor := lifecycle.NewStatusMonitor(sup)
		g.Add(func() error {
			return monitor.Run(monitorCtx)
		}, func(err error) {
			cancel()
		})
	}
	{
		done := make(chan struct{})
		g.Add(func() error {
			<-done
			return nil
		}, func(err error) {
			close(done)
			if err := manager.Close(); err != nil {
				logrus.WithError(err).Warn("failed to close response manager cleanly")
			}
		})
	}

	return g.Run()
}

// setupSignalHandler returns a channel closed on the first SIGINT/SIGTERM;
// a second signal forces immediate exit, the same two-signals-for-force
// behavior as the common Kubernetes controller signal helper, implemented
// directly over os/signal here rather than pulled in as a dependency.
func setupSignalHandler() <-chan struct{} {
	stop := make(chan struct{})
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		close(stop)
		<-c
		os.Exit(1)
	}()
	return stop
}

func resolveKeyPair(so serveOptions) (*crypto.KeyPair, error) {
	if !so.UseKubeKeypairSecret {
		return crypto.GenerateKeyPair()
	}

	kubeClient, err := buildKubeClient()
	if err != nil {
		return nil, err
	}
	return crypto.EnsureKeyPairSecret(context.Background(), kubeClient)
}

func newControlServer(addr string, reg *registry.Registry, sup *lifecycle.Supervisor, manager *responsemanager.Manager, cfg *config.Config, keyPair *crypto.KeyPair) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/live", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/v1/kernels", newLaunchHandler(reg, sup, manager, cfg, keyPair))
	mux.Handle("/v1/kernels/", newKernelHandler(sup))

	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
}
