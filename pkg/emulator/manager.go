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

// Package emulator runs the per-device container instances backing
// emulated (qemu-*) devices (C5): resolving the gateway endpoint a
// starting device should dial, composing its platform-specific
// bootstrap script, and tracking the resulting container by device
// name. Three consecutive transient start failures for one device trip
// a per-device circuit breaker, per the start-failure retry budget.
package emulator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/sony/gobreaker"
	"k8s.io/klog/v2"

	fleetv1alpha1 "github.com/openshift/wasm-fleet-operator/api/fleet/v1alpha1"
	"github.com/openshift/wasm-fleet-operator/pkg/config"
	"github.com/openshift/wasm-fleet-operator/pkg/resourceclient"
)

// InstanceStatus is the coarse container state the device reconciler
// and diagnostics callers need.
type InstanceStatus string

const (
	InstanceRunning  InstanceStatus = "Running"
	InstanceStopped  InstanceStatus = "Stopped"
	InstanceNotFound InstanceStatus = "NotFound"
)

// gatewayMemoryAddress is the well-known address the firmware reads
// its bootstrap gateway endpoint from. Fixed by the device memory
// contract; never configurable.
const gatewayMemoryAddress = 0x20001000

// imagePrefix names the container image family per mcuType, e.g.
// "qemu-arm" -> "fleet-emulator/qemu-arm".
const imagePrefix = "fleet-emulator/"

// Manager runs and tracks per-device emulator container instances.
type Manager struct {
	docker       *client.Client
	devices      *resourceclient.DeviceClient
	gateways     *resourceclient.GatewayClient
	firmwareRoot string

	mu        sync.Mutex
	instances map[string]string // device name -> container ID
	breakers  map[string]*gobreaker.CircuitBreaker
}

// NewManager builds a Manager talking to the container runtime named
// by cfg.ContainerRuntime.
func NewManager(cfg config.EmulatorConfig, devices *resourceclient.DeviceClient, gateways *resourceclient.GatewayClient) (*Manager, error) {
	docker, err := client.NewClientWithOpts(client.WithHost(cfg.ContainerRuntime), client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connecting to container runtime %q: %w", cfg.ContainerRuntime, err)
	}
	return &Manager{
		docker:       docker,
		devices:      devices,
		gateways:     gateways,
		firmwareRoot: cfg.FirmwareRoot,
		instances:    make(map[string]string),
		breakers:     make(map[string]*gobreaker.CircuitBreaker),
	}, nil
}

func (m *Manager) breakerFor(deviceName string) *gobreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[deviceName]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "emulator-start:" + deviceName,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			klog.InfoS("emulator: circuit breaker state change", "breaker", name, "from", from, "to", to)
		},
	})
	m.breakers[deviceName] = b
	return b
}

// Start resolves device's gateway endpoint, composes its bootstrap
// script, and launches (or replaces) its emulator container. Starting
// an already-running device is a no-op: at most one instance per
// device name is ever tracked.
func (m *Manager) Start(ctx context.Context, device *fleetv1alpha1.Device) error {
	m.mu.Lock()
	_, running := m.instances[device.Name]
	m.mu.Unlock()
	if running {
		return nil
	}

	breaker := m.breakerFor(device.Name)
	_, err := breaker.Execute(func() (any, error) {
		return nil, m.start(ctx, device)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			return fmt.Errorf("emulator start circuit open for device %q after repeated failures: %w", device.Name, err)
		}
		return err
	}
	return nil
}

func (m *Manager) start(ctx context.Context, device *fleetv1alpha1.Device) error {
	endpoint, err := m.resolveGatewayEndpoint(ctx, device)
	if err != nil {
		return fmt.Errorf("resolving gateway endpoint for device %q: %w", device.Name, err)
	}

	script := m.composeBootstrapScript(device, endpoint)

	image := imagePrefix + device.Spec.McuType
	resp, err := m.docker.ContainerCreate(ctx,
		&container.Config{
			Image: image,
			Cmd:   []string{"/bin/sh", "-c", script},
			Env: []string{
				"FLEET_FIRMWARE_ROOT=" + m.firmwareRoot,
				"FLEET_DEVICE_NAME=" + device.Name,
			},
			Labels: map[string]string{
				"fleet.openshift.io/device": device.Name,
			},
		},
		&container.HostConfig{AutoRemove: false},
		&network.NetworkingConfig{},
		nil,
		emulatorContainerName(device.Name),
	)
	if err != nil {
		if errdefs.IsConflict(err) {
			// A container from a previous, crashed run already holds
			// this name; remove it and retry once.
			if removeErr := m.docker.ContainerRemove(ctx, emulatorContainerName(device.Name), container.RemoveOptions{Force: true}); removeErr != nil {
				return fmt.Errorf("removing stale container for device %q: %w", device.Name, removeErr)
			}
			resp, err = m.docker.ContainerCreate(ctx,
				&container.Config{Image: image, Cmd: []string{"/bin/sh", "-c", script}},
				&container.HostConfig{AutoRemove: false}, &network.NetworkingConfig{}, nil, emulatorContainerName(device.Name))
		}
		if err != nil {
			return fmt.Errorf("creating emulator container for device %q: %w", device.Name, err)
		}
	}

	if err := m.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting emulator container for device %q: %w", device.Name, err)
	}

	m.mu.Lock()
	m.instances[device.Name] = resp.ID
	m.mu.Unlock()
	return nil
}

// Stop terminates deviceName's container and forgets it. Already-gone
// is tolerated: a second Stop for the same device is a no-op.
func (m *Manager) Stop(ctx context.Context, deviceName string) error {
	m.mu.Lock()
	id, ok := m.instances[deviceName]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	timeout := 10
	if err := m.docker.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("stopping emulator container for device %q: %w", deviceName, err)
	}
	if err := m.docker.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("removing emulator container for device %q: %w", deviceName, err)
	}

	m.mu.Lock()
	delete(m.instances, deviceName)
	m.mu.Unlock()
	return nil
}

// Status looks deviceName's container up in the in-memory registry and
// inspects it. A device the registry does not hold (for instance after a
// manager restart) reports InstanceNotFound without asking the runtime.
func (m *Manager) Status(ctx context.Context, deviceName string) (InstanceStatus, error) {
	m.mu.Lock()
	id, ok := m.instances[deviceName]
	m.mu.Unlock()
	if !ok {
		return InstanceNotFound, nil
	}

	info, err := m.docker.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return InstanceNotFound, nil
		}
		return "", fmt.Errorf("inspecting emulator container for device %q: %w", deviceName, err)
	}
	if info.State != nil && info.State.Running {
		return InstanceRunning, nil
	}
	return InstanceStopped, nil
}

// resolveGatewayEndpoint prefers the device's already-assigned
// gateway, falling back to the first Gateway advertising the TLS
// capability. Always resolved fresh: gateway addresses change between
// emulator starts.
func (m *Manager) resolveGatewayEndpoint(ctx context.Context, device *fleetv1alpha1.Device) (string, error) {
	if device.Status.Gateway != "" {
		gw, err := m.gateways.Get(ctx, device.Namespace, device.Status.Gateway)
		switch {
		case err != nil:
			klog.InfoS("emulator: assigned gateway unresolvable, falling back to capability search", "device", device.Name, "gateway", device.Status.Gateway, "err", err)
		case isLoopback(gw.Spec.Endpoint):
			klog.InfoS("emulator: assigned gateway resolves to a loopback address, substituting a reachable gateway", "device", device.Name, "gateway", device.Status.Gateway, "endpoint", gw.Spec.Endpoint)
		default:
			return gatewayHostPort(gw), nil
		}
	}

	all, err := m.gateways.List(ctx, device.Namespace)
	if err != nil {
		return "", fmt.Errorf("listing gateways: %w", err)
	}
	for _, gw := range all {
		if gw.HasCapability(fleetv1alpha1.GatewayCapabilityTLS) && !isLoopback(gw.Spec.Endpoint) {
			return gatewayHostPort(gw), nil
		}
	}
	return "", fmt.Errorf("no reachable gateway advertising the TLS capability is available for device %q", device.Name)
}

func gatewayHostPort(gw *fleetv1alpha1.Gateway) string {
	if _, _, err := net.SplitHostPort(gw.Spec.Endpoint); err == nil {
		return gw.Spec.Endpoint // already the advertised host:port
	}
	port := gw.Spec.TLSPort
	if port == 0 {
		port = 8443
	}
	return fmt.Sprintf("%s:%d", gw.Spec.Endpoint, port)
}

func isLoopback(endpoint string) bool {
	host := endpoint
	if idx := strings.LastIndex(endpoint, ":"); idx >= 0 {
		host = endpoint[:idx]
	}
	switch host {
	case "localhost", "127.0.0.1", "::1", "":
		return true
	default:
		return false
	}
}

func emulatorContainerName(deviceName string) string {
	return "fleet-emulator-" + deviceName
}

// encodeGatewayEndpoint produces the device memory contract payload:
// a 4-byte little-endian length followed by the ASCII host:port bytes.
func encodeGatewayEndpoint(hostPort string) []byte {
	b := []byte(hostPort)
	out := make([]byte, 4+len(b))
	out[0] = byte(len(b))
	out[1] = byte(len(b) >> 8)
	out[2] = byte(len(b) >> 16)
	out[3] = byte(len(b) >> 24)
	copy(out[4:], b)
	return out
}

// composeBootstrapScript builds the shell script the container runs to
// select the hardware platform description for spec.mcuType, load its
// firmware image, wire up a UART analyzer, and write the resolved
// gateway endpoint into device memory at gatewayMemoryAddress before
// the firmware boots.
func (m *Manager) composeBootstrapScript(device *fleetv1alpha1.Device, endpoint string) string {
	payload := encodeGatewayEndpoint(endpoint)
	var hexPayload strings.Builder
	for _, b := range payload {
		fmt.Fprintf(&hexPayload, "\\x%02x", b)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "set -e\n")
	fmt.Fprintf(&sb, "platform=%s\n", device.Spec.McuType)
	fmt.Fprintf(&sb, "firmware=%s/${platform}/firmware.bin\n", m.firmwareRoot)
	fmt.Fprintf(&sb, "printf '%s' > /tmp/gateway-endpoint.bin\n", hexPayload.String())
	fmt.Fprintf(&sb, "exec qemu-system-%s -machine \"${platform}\" -bios \"${firmware}\" "+
		"-chardev stdio,id=uart0,signal=off -serial chardev:uart0 "+
		"-device loader,file=/tmp/gateway-endpoint.bin,addr=0x%x\n", qemuArch(device.Spec.Architecture), gatewayMemoryAddress)
	return sb.String()
}

func qemuArch(architecture string) string {
	switch {
	case strings.HasPrefix(architecture, "arm"):
		return "arm"
	case strings.HasPrefix(architecture, "riscv"):
		return "riscv32"
	default:
		return "arm"
	}
}

var _ io.Closer = (*Manager)(nil)

// Close releases the docker client's connection. Safe to call once
// during process shutdown.
func (m *Manager) Close() error {
	return m.docker.Close()
}
