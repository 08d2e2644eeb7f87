/*
Copyright The OpenShift Authors.

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

// Command gateway terminates device TLS connections and serves the
// admin HTTP surface the controller-manager's Application reconciler
// drives.
package main

import (
	"flag"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/config"
	"sigs.k8s.io/controller-runtime/pkg/manager/signals"

	fleetv1alpha1 "github.com/openshift/wasm-fleet-operator/api/fleet/v1alpha1"
	fleetconfig "github.com/openshift/wasm-fleet-operator/pkg/config"
	"github.com/openshift/wasm-fleet-operator/pkg/gateway"
	"github.com/openshift/wasm-fleet-operator/pkg/resourceclient"
	"github.com/openshift/wasm-fleet-operator/pkg/version"
)

var (
	cfg fleetconfig.GatewayConfig

	rootCmd = &cobra.Command{
		Use:   "gateway",
		Short: "Terminates device connections and serves the deploy/stop admin API",
		RunE:  run,
	}
)

func init() {
	klog.InitFlags(nil)
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)

	rootCmd.PersistentFlags().StringVar(&cfg.BindAddr, "bind-addr", ":8443", "Address the device TLS listener binds to.")
	rootCmd.PersistentFlags().StringVar(&cfg.AdminAddr, "admin-addr", ":8080", "Address the admin HTTP API binds to.")
	rootCmd.PersistentFlags().StringVar(&cfg.ServerCert, "server-cert", "", "Path to the gateway's TLS server certificate.")
	rootCmd.PersistentFlags().StringVar(&cfg.ServerKey, "server-key", "", "Path to the gateway's TLS server key.")
	rootCmd.PersistentFlags().StringVar(&cfg.ClientCA, "client-ca", "", "Path to the CA bundle used to verify device client certificates.")
	rootCmd.PersistentFlags().StringVar(&cfg.Namespace, "namespace", "", "Namespace the Gateway resource for this instance lives in.")
	rootCmd.PersistentFlags().StringVar(&cfg.GatewayName, "gateway-name", "", "Name of the Gateway resource this instance reports status under.")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		klog.Fatal(err)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if err := fleetconfig.Load("FLEET_GATEWAY", &cfg); err != nil {
		return fmt.Errorf("loading gateway config: %w", err)
	}

	klog.InfoS("gateway starting", "version", version.String, "name", cfg.GatewayName)

	restCfg, err := config.GetConfig()
	if err != nil {
		return fmt.Errorf("loading kubeconfig: %w", err)
	}

	scheme := runtime.NewScheme()
	if err := fleetv1alpha1.AddToScheme(scheme); err != nil {
		return fmt.Errorf("registering fleet scheme: %w", err)
	}

	watchClient, err := client.NewWithWatch(restCfg, client.Options{Scheme: scheme})
	if err != nil {
		return fmt.Errorf("building watch client: %w", err)
	}

	devices := resourceclient.NewDeviceClient(watchClient, wait.Backoff{})
	applications := resourceclient.NewApplicationClient(watchClient, wait.Backoff{})
	gateways := resourceclient.NewGatewayClient(watchClient, wait.Backoff{})

	srv, err := gateway.NewServer(cfg, devices, applications, gateways)
	if err != nil {
		return fmt.Errorf("building gateway server: %w", err)
	}

	ctx := signals.SetupSignalHandler()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.Run(groupCtx)
	})
	group.Go(func() error {
		return srv.ListenAndServeAdmin(groupCtx)
	})

	return group.Wait()
}
