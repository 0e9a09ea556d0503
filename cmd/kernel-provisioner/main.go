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
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kubermatic/kernel-provisioner/pkg/version"
)

type options struct {
	LogFormat  string
	Kubeconfig string
	Master     string
}

var opts options

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		logrus.Fatalf("Error executing kernel-provisioner: %v", err)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:              filepath.Base(os.Args[0]),
		Short:            "Tool to provision remote Jupyter kernels",
		Long:             "Tool to launch and supervise Jupyter kernel processes across Kubernetes, Docker, YARN, and SSH-reachable hosts.",
		PersistentPreRun: runRootCmd,
		SilenceUsage:     true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "Log format to use (empty string for text, or JSON")
	cmd.PersistentFlags().StringVar(&opts.Kubeconfig, "kubeconfig", "", "Path to a kubeconfig. Only required if out-of-cluster and a Kubernetes-family backend is used.")
	cmd.PersistentFlags().StringVar(&opts.Master, "master", "", "The address of the Kubernetes API server. Overrides any value in kubeconfig.")

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newLaunchCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func runRootCmd(cmd *cobra.Command, args []string) {
	if err := configureLogging(opts.LogFormat); err != nil {
		logrus.Warn(err)
	}
}

func configureLogging(logFormat string) error {
	logrus.SetLevel(logrus.InfoLevel)

	switch logFormat {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		// just let the library use default on empty string.
		if logFormat != "" {
			return fmt.Errorf("unsupported logging formatter: %q", logFormat)
		}
	}
	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the kernel-provisioner version",
		Args:  cobra.ExactArgs(0),
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(version.Get().Long())
		},
	}
}
