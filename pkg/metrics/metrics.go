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

// Package metrics exposes a prometheus.Collector that reports
// Device/Application/Gateway counts and info on the controller-manager's
// own /metrics endpoint, separate from the gateway process's own
// /metrics endpoint served from pkg/gateway/admin.go.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"

	"github.com/openshift/wasm-fleet-operator/pkg/resourceclient"
)

var (
	DeviceCountDesc = prometheus.NewDesc("fleet_device_items", "Count of Device objects currently at the resource store", nil, nil)
	DeviceInfoDesc  = prometheus.NewDesc("fleet_device_created_timestamp_seconds", "Creation time of a Device, labeled by its observed phase", []string{"name", "namespace", "phase", "mcu_type", "gateway"}, nil)

	ApplicationCountDesc          = prometheus.NewDesc("fleet_application_items", "Count of Application objects currently at the resource store", nil, nil)
	ApplicationInfoDesc           = prometheus.NewDesc("fleet_application_created_timestamp_seconds", "Creation time of an Application, labeled by its observed phase", []string{"name", "namespace", "phase"}, nil)
	ApplicationDevicesTotalDesc   = prometheus.NewDesc("fleet_application_devices_total", "Total devices targeted by an Application", []string{"name", "namespace"}, nil)
	ApplicationDevicesRunningDesc = prometheus.NewDesc("fleet_application_devices_running", "Devices currently running an Application", []string{"name", "namespace"}, nil)
	ApplicationDevicesFailedDesc  = prometheus.NewDesc("fleet_application_devices_failed", "Devices that failed to run an Application", []string{"name", "namespace"}, nil)
	ApplicationDevicesStoppedDesc = prometheus.NewDesc("fleet_application_devices_stopped", "Devices that have stopped an Application", []string{"name", "namespace"}, nil)

	GatewayCountDesc            = prometheus.NewDesc("fleet_gateway_items", "Count of Gateway objects currently at the resource store", nil, nil)
	GatewayInfoDesc             = prometheus.NewDesc("fleet_gateway_created_timestamp_seconds", "Creation time of a Gateway, labeled by its observed phase", []string{"name", "namespace", "phase"}, nil)
	GatewayConnectedDevicesDesc = prometheus.NewDesc("fleet_gateway_connected_devices", "Devices currently holding an active session on this gateway", []string{"name", "namespace"}, nil)

	// CollectorUp reports whether the last collection pass against each
	// resource kind succeeded, the way the teacher's own MachineCollectorUp
	// surfaces collector health alongside the metrics it collects.
	CollectorUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_collector_up",
		Help: "Whether the fleet metrics collector last succeeded listing this resource kind",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(CollectorUp)
}

// stringPointerDeref returns *s, or "" when s is nil.
func stringPointerDeref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Collector implements prometheus.Collector over the three fleet
// resource kinds for namespace (empty lists across all namespaces).
type Collector struct {
	devices      *resourceclient.DeviceClient
	applications *resourceclient.ApplicationClient
	gateways     *resourceclient.GatewayClient
	namespace    string
}

// NewCollector builds a Collector scoped to namespace.
func NewCollector(devices *resourceclient.DeviceClient, applications *resourceclient.ApplicationClient, gateways *resourceclient.GatewayClient, namespace string) *Collector {
	return &Collector{devices: devices, applications: applications, gateways: gateways, namespace: namespace}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- DeviceCountDesc
	ch <- ApplicationCountDesc
	ch <- GatewayCountDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.collectDevices(ch)
	c.collectApplications(ch)
	c.collectGateways(ch)
}

func (c *Collector) collectDevices(ch chan<- prometheus.Metric) {
	devices, err := c.devices.List(context.Background(), c.namespace)
	if err != nil {
		klog.ErrorS(err, "metrics: listing devices failed")
		CollectorUp.With(prometheus.Labels{"kind": "device"}).Set(0)
		return
	}
	CollectorUp.With(prometheus.Labels{"kind": "device"}).Set(1)

	ch <- prometheus.MustNewConstMetric(DeviceCountDesc, prometheus.GaugeValue, float64(len(devices)))
	for _, d := range devices {
		ch <- prometheus.MustNewConstMetric(
			DeviceInfoDesc,
			prometheus.GaugeValue,
			float64(d.CreationTimestamp.Unix()),
			d.Name, d.Namespace, string(d.Status.Phase), d.Spec.McuType, d.Status.Gateway,
		)
	}
}

func (c *Collector) collectApplications(ch chan<- prometheus.Metric) {
	apps, err := c.applications.List(context.Background(), c.namespace)
	if err != nil {
		klog.ErrorS(err, "metrics: listing applications failed")
		CollectorUp.With(prometheus.Labels{"kind": "application"}).Set(0)
		return
	}
	CollectorUp.With(prometheus.Labels{"kind": "application"}).Set(1)

	ch <- prometheus.MustNewConstMetric(ApplicationCountDesc, prometheus.GaugeValue, float64(len(apps)))
	for _, a := range apps {
		ch <- prometheus.MustNewConstMetric(
			ApplicationInfoDesc,
			prometheus.GaugeValue,
			float64(a.CreationTimestamp.Unix()),
			a.Name, a.Namespace, string(a.Status.Phase),
		)
		ch <- prometheus.MustNewConstMetric(ApplicationDevicesTotalDesc, prometheus.GaugeValue, float64(a.Status.Metrics.Total), a.Name, a.Namespace)
		ch <- prometheus.MustNewConstMetric(ApplicationDevicesRunningDesc, prometheus.GaugeValue, float64(a.Status.Metrics.Running), a.Name, a.Namespace)
		ch <- prometheus.MustNewConstMetric(ApplicationDevicesFailedDesc, prometheus.GaugeValue, float64(a.Status.Metrics.Failed), a.Name, a.Namespace)
		ch <- prometheus.MustNewConstMetric(ApplicationDevicesStoppedDesc, prometheus.GaugeValue, float64(a.Status.Metrics.Stopped), a.Name, a.Namespace)
	}
}

func (c *Collector) collectGateways(ch chan<- prometheus.Metric) {
	gateways, err := c.gateways.List(context.Background(), c.namespace)
	if err != nil {
		klog.ErrorS(err, "metrics: listing gateways failed")
		CollectorUp.With(prometheus.Labels{"kind": "gateway"}).Set(0)
		return
	}
	CollectorUp.With(prometheus.Labels{"kind": "gateway"}).Set(1)

	ch <- prometheus.MustNewConstMetric(GatewayCountDesc, prometheus.GaugeValue, float64(len(gateways)))
	for _, g := range gateways {
		ch <- prometheus.MustNewConstMetric(
			GatewayInfoDesc,
			prometheus.GaugeValue,
			float64(g.CreationTimestamp.Unix()),
			g.Name, g.Namespace, string(g.Status.Phase),
		)
		ch <- prometheus.MustNewConstMetric(GatewayConnectedDevicesDesc, prometheus.GaugeValue, float64(g.Status.ConnectedDevices), g.Name, g.Namespace)
	}
}
