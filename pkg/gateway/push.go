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

package gateway

import (
	"context"
	"errors"

	"github.com/openshift/wasm-fleet-operator/pkg/codec"
)

// ErrDeviceOffline means deviceName has no active session.
var ErrDeviceOffline = errors.New("gateway: device offline")

// ErrDeployInFlight means a deployment is already outstanding for this
// (deviceName, applicationId) pair.
var ErrDeployInFlight = errors.New("gateway: deployment already in flight")

// PushDeploy resolves deviceName to its active session and enqueues a
// Deploy message, returning a channel that receives exactly one
// DeployResult once the device acks, the deployTimeout elapses, or the
// session drops. The at-most-one-in-flight invariant is enforced by
// the (deviceName, applicationId) fingerprint in pendingDeploys.
func (s *Server) PushDeploy(ctx context.Context, deviceName, applicationID string, wasmBytes []byte, cfg codec.DeployConfig) (correlationID string, result <-chan DeployResult, err error) {
	sess, ok := s.sessions.Get(deviceName)
	if !ok || sess.getState() != StateActive {
		return "", nil, ErrDeviceOffline
	}

	correlationID = newCorrelationID()
	entry, err := s.pending.begin(deviceName, applicationID, correlationID, s.cfg.DeployTimeout)
	if err != nil {
		return "", nil, ErrDeployInFlight
	}

	payload := codec.DeployPayload{
		CorrelationID: correlationID,
		ApplicationID: applicationID,
		WasmBytes:     wasmBytes,
		Config:        cfg,
	}
	if !sess.enqueue(codec.KindDeploy, payload) {
		s.pending.complete(correlationID, DeployResult{Outcome: DeployOutcomeDeviceOffline})
		return correlationID, entry.result, ErrDeviceOffline
	}
	return correlationID, entry.result, nil
}

// PushStop resolves deviceName to its active session and enqueues a
// Stop message. Returns ErrDeviceOffline if no active session exists.
func (s *Server) PushStop(ctx context.Context, deviceName, applicationID string) error {
	sess, ok := s.sessions.Get(deviceName)
	if !ok || sess.getState() != StateActive {
		return ErrDeviceOffline
	}
	if !sess.enqueue(codec.KindStop, codec.StopPayload{ApplicationID: applicationID}) {
		return ErrDeviceOffline
	}
	return nil
}
