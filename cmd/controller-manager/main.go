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

// Command controller-manager runs the Device, Application, and Gateway
// reconcilers, the validating admission webhooks, and the fleet
// Prometheus collector against a single Kubernetes cluster.
package main

import (
	"flag"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/config"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
	"sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	"sigs.k8s.io/controller-runtime/pkg/manager/signals"
	ctrlmetricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"
	"sigs.k8s.io/controller-runtime/pkg/webhook"

	fleetv1alpha1 "github.com/openshift/wasm-fleet-operator/api/fleet/v1alpha1"
	fleetcontroller "github.com/openshift/wasm-fleet-operator/pkg/controller"
	"github.com/openshift/wasm-fleet-operator/pkg/controller/application"
	"github.com/openshift/wasm-fleet-operator/pkg/controller/device"
	gatewayctrl "github.com/openshift/wasm-fleet-operator/pkg/controller/gateway"
	fleetconfig "github.com/openshift/wasm-fleet-operator/pkg/config"
	"github.com/openshift/wasm-fleet-operator/pkg/emulator"
	"github.com/openshift/wasm-fleet-operator/pkg/metrics"
	"github.com/openshift/wasm-fleet-operator/pkg/resourceclient"
	"github.com/openshift/wasm-fleet-operator/pkg/version"
	"github.com/openshift/wasm-fleet-operator/pkg/webhooks"
)

var (
	cfg       fleetconfig.ReconcilerConfig
	emulator_ fleetconfig.EmulatorConfig

	rootCmd = &cobra.Command{
		Use:   "controller-manager",
		Short: "Runs the fleet Device/Application/Gateway reconcilers",
		RunE:  run,
	}
)

func init() {
	klog.InitFlags(nil)
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)

	rootCmd.PersistentFlags().StringVar(&cfg.Namespace, "namespace", "", "Namespace to watch for fleet resources; empty watches all namespaces.")
	rootCmd.PersistentFlags().IntVar(&cfg.WorkerCount, "worker-count", 4, "Worker count setting; the controllers do not apply it and run with controller-runtime's default concurrency.")
	rootCmd.PersistentFlags().StringVar(&cfg.MetricsAddr, "metrics-bind-address", ":8081", "Address for hosting the Prometheus /metrics endpoint.")
	rootCmd.PersistentFlags().StringVar(&cfg.HealthProbeAddr, "health-addr", ":8082", "Address for health checking.")
	rootCmd.PersistentFlags().IntVar(&cfg.WebhookPort, "webhook-port", 9443, "Port the validating admission webhook server listens on.")
	rootCmd.PersistentFlags().BoolVar(&cfg.LeaderElect, "leader-elect", true, "Run a leader election client before reconciling, for HA deployments.")
	rootCmd.PersistentFlags().StringVar(&emulator_.FirmwareRoot, "firmware-root", "", "Directory of per-mcuType firmware images the emulator manager mounts into containers.")
	rootCmd.PersistentFlags().StringVar(&emulator_.ContainerRuntime, "container-runtime", "unix:///var/run/docker.sock", "Docker-compatible container runtime endpoint for the emulator manager.")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		klog.Fatal(err)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if err := fleetconfig.Load("FLEET", &cfg); err != nil {
		return fmt.Errorf("loading reconciler config: %w", err)
	}
	if err := fleetconfig.Load("FLEET_EMULATOR", &emulator_); err != nil {
		return fmt.Errorf("loading emulator config: %w", err)
	}

	ctrl.SetLogger(klog.NewKlogr())
	klog.InfoS("controller-manager starting", "version", version.String)

	restCfg, err := config.GetConfig()
	if err != nil {
		return fmt.Errorf("loading kubeconfig: %w", err)
	}

	scheme := runtime.NewScheme()
	if err := fleetv1alpha1.AddToScheme(scheme); err != nil {
		return fmt.Errorf("registering fleet scheme: %w", err)
	}

	opts := manager.Options{
		Scheme:                 scheme,
		Metrics:                ctrlmetricsserver.Options{BindAddress: cfg.MetricsAddr},
		HealthProbeBindAddress: cfg.HealthProbeAddr,
		LeaderElection:         cfg.LeaderElect,
		LeaderElectionID:       "fleet-controller-manager-leader",
		WebhookServer:          webhook.NewServer(webhook.Options{Port: cfg.WebhookPort}),
	}
	if cfg.Namespace != "" {
		opts.Cache = cache.Options{DefaultNamespaces: map[string]cache.Config{cfg.Namespace: {}}}
		klog.InfoS("watching a single namespace", "namespace", cfg.Namespace)
	}

	mgr, err := manager.New(restCfg, opts)
	if err != nil {
		return fmt.Errorf("building manager: %w", err)
	}

	watchClient, err := client.NewWithWatch(restCfg, client.Options{Scheme: scheme})
	if err != nil {
		return fmt.Errorf("building watch client: %w", err)
	}

	devices := resourceclient.NewDeviceClient(watchClient, wait.Backoff{})
	applications := resourceclient.NewApplicationClient(watchClient, wait.Backoff{})
	gateways := resourceclient.NewGatewayClient(watchClient, wait.Backoff{})

	emulatorMgr, err := emulator.NewManager(emulator_, devices, gateways)
	if err != nil {
		return fmt.Errorf("building emulator manager: %w", err)
	}
	defer func() {
		if err := emulatorMgr.Close(); err != nil {
			klog.ErrorS(err, "closing emulator manager")
		}
	}()

	pusher := application.NewPusher(gateways, cfg.Namespace)
	backoff := fleetcontroller.NewBackoff(cfg.BackoffBase, cfg.BackoffCap)

	if err := fleetcontroller.AddToManager(mgr,
		func(m manager.Manager) error { return device.Add(m, devices, emulatorMgr, backoff) },
		func(m manager.Manager) error { return application.Add(m, devices, applications, pusher, backoff, cfg.Namespace) },
		func(m manager.Manager) error { return gatewayctrl.Add(m, gateways, backoff, 0) },
	); err != nil {
		return fmt.Errorf("registering controllers: %w", err)
	}

	if err := ctrl.NewWebhookManagedBy(mgr).For(&fleetv1alpha1.Device{}).WithValidator(&webhooks.DeviceValidator{}).Complete(); err != nil {
		return fmt.Errorf("registering device webhook: %w", err)
	}
	if err := ctrl.NewWebhookManagedBy(mgr).For(&fleetv1alpha1.Application{}).WithValidator(&webhooks.ApplicationValidator{}).Complete(); err != nil {
		return fmt.Errorf("registering application webhook: %w", err)
	}

	ctrlmetrics.Registry.MustRegister(metrics.NewCollector(devices, applications, gateways, cfg.Namespace))

	if err := mgr.AddReadyzCheck("ping", healthz.Ping); err != nil {
		return fmt.Errorf("registering readyz check: %w", err)
	}
	if err := mgr.AddHealthzCheck("ping", healthz.Ping); err != nil {
		return fmt.Errorf("registering healthz check: %w", err)
	}

	klog.InfoS("starting manager")
	return mgr.Start(signals.SetupSignalHandler())
}
