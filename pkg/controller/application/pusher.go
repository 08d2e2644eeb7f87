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

package application

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	fleetv1alpha1 "github.com/openshift/wasm-fleet-operator/api/fleet/v1alpha1"
	"github.com/openshift/wasm-fleet-operator/pkg/codec"
	"github.com/openshift/wasm-fleet-operator/pkg/resourceclient"
)

// PushOutcome classifies the gateway admin API's response to a push.
type PushOutcome string

const (
	PushOutcomeQueued   PushOutcome = "Queued"
	PushOutcomeOffline  PushOutcome = "Offline"
	PushOutcomeInFlight PushOutcome = "InFlight"
)

// ErrGatewayUnresolved means the device names a gateway this reconciler
// cannot locate or that has no advertised endpoint.
type ErrGatewayUnresolved struct{ Device, Gateway string }

func (e *ErrGatewayUnresolved) Error() string {
	return fmt.Sprintf("device %q: gateway %q could not be resolved to a reachable admin endpoint", e.Device, e.Gateway)
}

// Pusher drives the gateway's admin HTTP surface (spec.md §6) on behalf
// of the Application reconciler — the controller-manager and gateway are
// separate processes, so this is a small REST client rather than an
// in-process call like pkg/gateway.Server.PushDeploy.
type Pusher struct {
	gateways   *resourceclient.GatewayClient
	namespace  string
	httpClient *http.Client
}

// NewPusher builds a Pusher resolving Gateway resources in namespace.
func NewPusher(gateways *resourceclient.GatewayClient, namespace string) *Pusher {
	return &Pusher{
		gateways:  gateways,
		namespace: namespace,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (p *Pusher) adminBaseURL(ctx context.Context, gatewayName string) (string, error) {
	gw, err := p.gateways.Get(ctx, p.namespace, gatewayName)
	if err != nil {
		return "", fmt.Errorf("resolving gateway %q: %w", gatewayName, err)
	}
	port := gw.Spec.HTTPPort
	if port == 0 {
		port = 8080
	}
	host := gw.Spec.Endpoint
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h // endpoint is host:port; the admin surface listens on HTTPPort
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(int(port))), nil
}

type deployRequestBody struct {
	DeviceName    string             `json:"deviceName"`
	CorrelationID string             `json:"correlationId"`
	ApplicationID string             `json:"applicationId"`
	WasmBytes     []byte             `json:"wasmBytes"`
	Config        codec.DeployConfig `json:"config"`
}

type stopRequestBody struct {
	DeviceName    string `json:"deviceName"`
	ApplicationID string `json:"applicationId"`
}

// Deploy pushes wasmBytes to deviceName through its assigned gateway's
// admin API, returning PushOutcomeOffline/InFlight for 404/409 rather
// than an error — those are meaningful reconcile outcomes, not failures.
func (p *Pusher) Deploy(ctx context.Context, device *fleetv1alpha1.Device, applicationID, correlationID string, wasmBytes []byte, cfg codec.DeployConfig) (PushOutcome, error) {
	if device.Status.Gateway == "" {
		return PushOutcomeOffline, nil
	}
	base, err := p.adminBaseURL(ctx, device.Status.Gateway)
	if err != nil {
		return "", &ErrGatewayUnresolved{Device: device.Name, Gateway: device.Status.Gateway}
	}

	body, err := json.Marshal(deployRequestBody{
		DeviceName:    device.Name,
		CorrelationID: correlationID,
		ApplicationID: applicationID,
		WasmBytes:     wasmBytes,
		Config:        cfg,
	})
	if err != nil {
		return "", fmt.Errorf("encoding deploy request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/deploy", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building deploy request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling gateway deploy endpoint: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return PushOutcomeQueued, nil
	case http.StatusNotFound:
		return PushOutcomeOffline, nil
	case http.StatusConflict:
		return PushOutcomeInFlight, nil
	default:
		return "", fmt.Errorf("gateway deploy endpoint returned status %d", resp.StatusCode)
	}
}

// Stop pushes a stop request for applicationID to deviceName's gateway.
func (p *Pusher) Stop(ctx context.Context, device *fleetv1alpha1.Device, applicationID string) (PushOutcome, error) {
	if device.Status.Gateway == "" {
		return PushOutcomeOffline, nil
	}
	base, err := p.adminBaseURL(ctx, device.Status.Gateway)
	if err != nil {
		return "", &ErrGatewayUnresolved{Device: device.Name, Gateway: device.Status.Gateway}
	}

	body, err := json.Marshal(stopRequestBody{DeviceName: device.Name, ApplicationID: applicationID})
	if err != nil {
		return "", fmt.Errorf("encoding stop request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/stop", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building stop request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling gateway stop endpoint: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return PushOutcomeQueued, nil
	case http.StatusNotFound:
		return PushOutcomeOffline, nil
	default:
		return "", fmt.Errorf("gateway stop endpoint returned status %d", resp.StatusCode)
	}
}
