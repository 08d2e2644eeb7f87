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

package emulator

import (
	"context"
	"encoding/binary"
	"strings"
	"testing"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	fleetv1alpha1 "github.com/openshift/wasm-fleet-operator/api/fleet/v1alpha1"
	"github.com/openshift/wasm-fleet-operator/pkg/resourceclient"
)

func newScheme(t *testing.T) *runtime.Scheme {
	t.Helper()
	scheme := runtime.NewScheme()
	if err := fleetv1alpha1.AddToScheme(scheme); err != nil {
		t.Fatalf("AddToScheme: %v", err)
	}
	return scheme
}

func TestEncodeGatewayEndpointRoundTrips(t *testing.T) {
	payload := encodeGatewayEndpoint("10.0.0.5:8443")
	if len(payload) < 4 {
		t.Fatalf("payload too short: %v", payload)
	}
	length := binary.LittleEndian.Uint32(payload[:4])
	if int(length) != len("10.0.0.5:8443") {
		t.Fatalf("got length %d, want %d", length, len("10.0.0.5:8443"))
	}
	if string(payload[4:]) != "10.0.0.5:8443" {
		t.Fatalf("got payload %q, want 10.0.0.5:8443", payload[4:])
	}
}

func TestIsLoopback(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:8443":    true,
		"localhost:8443":    true,
		"gateway.fleet:8443": false,
		"10.0.0.5:8443":      false,
	}
	for endpoint, want := range cases {
		if got := isLoopback(endpoint); got != want {
			t.Errorf("isLoopback(%q) = %v, want %v", endpoint, got, want)
		}
	}
}

func TestResolveGatewayEndpointPrefersAssignedGateway(t *testing.T) {
	gw := &fleetv1alpha1.Gateway{
		ObjectMeta: metav1.ObjectMeta{Name: "gw-1", Namespace: "fleet"},
		Spec:       fleetv1alpha1.GatewaySpec{Endpoint: "gateway-1.fleet.svc", TLSPort: 8443, Capabilities: []fleetv1alpha1.GatewayCapability{fleetv1alpha1.GatewayCapabilityTLS}},
	}
	fakeClient := fake.NewClientBuilder().WithScheme(newScheme(t)).WithObjects(gw).Build()
	gateways := resourceclient.NewGatewayClient(fakeClient, wait.Backoff{})
	m := &Manager{gateways: gateways}

	device := &fleetv1alpha1.Device{
		ObjectMeta: metav1.ObjectMeta{Name: "dev-1", Namespace: "fleet"},
		Status:     fleetv1alpha1.DeviceStatus{Gateway: "gw-1"},
	}

	endpoint, err := m.resolveGatewayEndpoint(context.Background(), device)
	if err != nil {
		t.Fatalf("resolveGatewayEndpoint: %v", err)
	}
	if endpoint != "gateway-1.fleet.svc:8443" {
		t.Fatalf("got %q, want gateway-1.fleet.svc:8443", endpoint)
	}
}

func TestResolveGatewayEndpointFallsBackToCapabilitySearch(t *testing.T) {
	gw := &fleetv1alpha1.Gateway{
		ObjectMeta: metav1.ObjectMeta{Name: "gw-2", Namespace: "fleet"},
		Spec:       fleetv1alpha1.GatewaySpec{Endpoint: "gateway-2.fleet.svc", TLSPort: 9443, Capabilities: []fleetv1alpha1.GatewayCapability{fleetv1alpha1.GatewayCapabilityTLS}},
	}
	fakeClient := fake.NewClientBuilder().WithScheme(newScheme(t)).WithObjects(gw).Build()
	gateways := resourceclient.NewGatewayClient(fakeClient, wait.Backoff{})
	m := &Manager{gateways: gateways}

	device := &fleetv1alpha1.Device{
		ObjectMeta: metav1.ObjectMeta{Name: "dev-1", Namespace: "fleet"},
		// Status.Gateway unset: never been connected before.
	}

	endpoint, err := m.resolveGatewayEndpoint(context.Background(), device)
	if err != nil {
		t.Fatalf("resolveGatewayEndpoint: %v", err)
	}
	if endpoint != "gateway-2.fleet.svc:9443" {
		t.Fatalf("got %q, want gateway-2.fleet.svc:9443", endpoint)
	}
}

func TestResolveGatewayEndpointSubstitutesLoopbackAssignedGateway(t *testing.T) {
	assigned := &fleetv1alpha1.Gateway{
		ObjectMeta: metav1.ObjectMeta{Name: "gw-1", Namespace: "fleet"},
		Spec:       fleetv1alpha1.GatewaySpec{Endpoint: "127.0.0.1", TLSPort: 8443, Capabilities: []fleetv1alpha1.GatewayCapability{fleetv1alpha1.GatewayCapabilityTLS}},
	}
	reachable := &fleetv1alpha1.Gateway{
		ObjectMeta: metav1.ObjectMeta{Name: "gw-2", Namespace: "fleet"},
		Spec:       fleetv1alpha1.GatewaySpec{Endpoint: "gateway-2.fleet.svc", TLSPort: 9443, Capabilities: []fleetv1alpha1.GatewayCapability{fleetv1alpha1.GatewayCapabilityTLS}},
	}
	fakeClient := fake.NewClientBuilder().WithScheme(newScheme(t)).WithObjects(assigned, reachable).Build()
	gateways := resourceclient.NewGatewayClient(fakeClient, wait.Backoff{})
	m := &Manager{gateways: gateways}

	device := &fleetv1alpha1.Device{
		ObjectMeta: metav1.ObjectMeta{Name: "dev-1", Namespace: "fleet"},
		Status:     fleetv1alpha1.DeviceStatus{Gateway: "gw-1"},
	}

	endpoint, err := m.resolveGatewayEndpoint(context.Background(), device)
	if err != nil {
		t.Fatalf("resolveGatewayEndpoint: %v", err)
	}
	if endpoint == "127.0.0.1:8443" {
		t.Fatalf("got the unreachable loopback endpoint %q, want a substituted reachable gateway", endpoint)
	}
	if endpoint != "gateway-2.fleet.svc:9443" {
		t.Fatalf("got %q, want gateway-2.fleet.svc:9443", endpoint)
	}
}

func TestResolveGatewayEndpointSkipsLoopbackInCapabilitySearch(t *testing.T) {
	loopback := &fleetv1alpha1.Gateway{
		ObjectMeta: metav1.ObjectMeta{Name: "gw-1", Namespace: "fleet"},
		Spec:       fleetv1alpha1.GatewaySpec{Endpoint: "localhost", TLSPort: 8443, Capabilities: []fleetv1alpha1.GatewayCapability{fleetv1alpha1.GatewayCapabilityTLS}},
	}
	fakeClient := fake.NewClientBuilder().WithScheme(newScheme(t)).WithObjects(loopback).Build()
	gateways := resourceclient.NewGatewayClient(fakeClient, wait.Backoff{})
	m := &Manager{gateways: gateways}

	device := &fleetv1alpha1.Device{ObjectMeta: metav1.ObjectMeta{Name: "dev-1", Namespace: "fleet"}}
	if _, err := m.resolveGatewayEndpoint(context.Background(), device); err == nil {
		t.Fatal("expected an error when the only TLS-capable gateway resolves to a loopback address")
	}
}

func TestResolveGatewayEndpointNoCandidateErrors(t *testing.T) {
	fakeClient := fake.NewClientBuilder().WithScheme(newScheme(t)).Build()
	gateways := resourceclient.NewGatewayClient(fakeClient, wait.Backoff{})
	m := &Manager{gateways: gateways}

	device := &fleetv1alpha1.Device{ObjectMeta: metav1.ObjectMeta{Name: "dev-1", Namespace: "fleet"}}
	if _, err := m.resolveGatewayEndpoint(context.Background(), device); err == nil {
		t.Fatal("expected an error when no gateway advertises the TLS capability")
	}
}

func TestComposeBootstrapScriptSelectsPlatformAndArchitecture(t *testing.T) {
	m := &Manager{firmwareRoot: "/firmware"}
	device := &fleetv1alpha1.Device{
		Spec: fleetv1alpha1.DeviceSpec{McuType: "qemu-arm", Architecture: "armv7e-m"},
	}
	script := m.composeBootstrapScript(device, "10.0.0.5:8443")

	if !strings.Contains(script, "platform=qemu-arm") {
		t.Fatalf("script missing platform selection:\n%s", script)
	}
	if !strings.Contains(script, "qemu-system-arm") {
		t.Fatalf("script missing the arm qemu binary:\n%s", script)
	}
	if !strings.Contains(script, "/firmware/qemu-arm/firmware.bin") {
		t.Fatalf("script missing firmware path:\n%s", script)
	}
}
