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

package codec

import "time"

// Kind discriminates an envelope's payload. The client and server kind
// sets are disjoint, so a single string type serves both directions.
// Decode accepts every registered kind whichever direction it belongs
// to; a caller checks the direction with IsClientKind or IsServerKind.
type Kind string

const (
	KindEnroll           Kind = "Enroll"
	KindHeartbeat        Kind = "Heartbeat"
	KindDeploymentAck    Kind = "DeploymentAck"
	KindExecutionStatus  Kind = "ExecutionStatus"
	KindEnrollmentAccept Kind = "EnrollmentAccepted"
	KindEnrollmentReject Kind = "EnrollmentRejected"
	KindHeartbeatAck     Kind = "HeartbeatAck"
	KindDeploy           Kind = "Deploy"
	KindStop             Kind = "Stop"
)

// DeploymentStatus is the device-reported outcome of a pushed deploy.
type DeploymentStatus string

const (
	DeploymentStatusDeploying DeploymentStatus = "Deploying"
	DeploymentStatusRunning   DeploymentStatus = "Running"
	DeploymentStatusFailed    DeploymentStatus = "Failed"
)

// EnrollPayload is sent by a device completing its first handshake.
type EnrollPayload struct {
	PublicKey    []byte   `cbor:"publicKey"`
	Capabilities []string `cbor:"capabilities"`
}

// HeartbeatPayload keeps an Active session alive. Metrics is opaque
// telemetry the device chooses to report; the gateway records only the
// heartbeat's arrival and does not persist Metrics.
type HeartbeatPayload struct {
	Timestamp time.Time      `cbor:"timestamp"`
	Metrics   map[string]any `cbor:"metrics,omitempty"`
}

// DeploymentAckPayload reports the device's handling of a prior Deploy.
type DeploymentAckPayload struct {
	CorrelationID string           `cbor:"correlationId"`
	Status        DeploymentStatus `cbor:"status"`
	Error         string           `cbor:"error,omitempty"`
}

// ExecutionStatusPayload reports an out-of-band phase change for an
// already-running application (crash, restart, normal exit).
type ExecutionStatusPayload struct {
	ApplicationID string `cbor:"applicationId"`
	Phase         string `cbor:"phase"`
	Error         string `cbor:"error,omitempty"`
}

// EnrollmentAcceptedPayload completes Authorized -> Enrolled -> Active.
type EnrollmentAcceptedPayload struct {
	DeviceID          string        `cbor:"deviceId"`
	HeartbeatInterval time.Duration `cbor:"heartbeatInterval"`
}

// EnrollmentRejectedPayload carries a human-readable reason; the
// session closes immediately after sending it.
type EnrollmentRejectedPayload struct {
	Reason string `cbor:"reason"`
}

// HeartbeatAckPayload replies to a Heartbeat with the gateway's clock,
// letting the device detect drift.
type HeartbeatAckPayload struct {
	ServerTime time.Time `cbor:"serverTime"`
}

// DeployConfig mirrors the subset of an Application's runtime
// configuration a device needs to execute a module. It is a wire-level
// type independent of the Application CRD's Go type so the codec has
// no dependency on api/fleet/v1alpha1.
type DeployConfig struct {
	MemoryLimit     int64             `cbor:"memoryLimit,omitempty"`
	CPUTimeLimit    int64             `cbor:"cpuTimeLimit,omitempty"`
	AutoRestart     bool              `cbor:"autoRestart,omitempty"`
	MaxRestarts     int32             `cbor:"maxRestarts,omitempty"`
	Timeout         int64             `cbor:"timeout,omitempty"`
	EnvironmentVars map[string]string `cbor:"environmentVars,omitempty"`
	Args            []string          `cbor:"args,omitempty"`
}

// DeployPayload pushes a WASM module to a device. CorrelationID lets
// the gateway match the eventual DeploymentAck to this push.
type DeployPayload struct {
	CorrelationID string       `cbor:"correlationId"`
	ApplicationID string       `cbor:"applicationId"`
	WasmBytes     []byte       `cbor:"wasmBytes"`
	Config        DeployConfig `cbor:"config"`
}

// StopPayload requests that a device terminate a running application.
type StopPayload struct {
	ApplicationID string `cbor:"applicationId"`
}
