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

package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// DeviceKind identifies the class of hardware a Device represents.
// +kubebuilder:validation:Enum=MCU;MPU
type DeviceKind string

const (
	// DeviceKindMCU is a microcontroller-class device.
	DeviceKindMCU DeviceKind = "MCU"
	// DeviceKindMPU is a microprocessor-class device.
	DeviceKindMPU DeviceKind = "MPU"
)

// DeviceSpec defines the desired state of a Device.
type DeviceSpec struct {
	// Kind is the class of hardware this device represents.
	// +required
	Kind DeviceKind `json:"kind"`

	// Architecture is an informational tag such as "armv7e-m" or "riscv32".
	// +optional
	Architecture string `json:"architecture,omitempty"`

	// McuType identifies the hardware or emulator platform backing this device.
	// Recognized values are opaque to the operator and interpreted by the
	// emulator manager's bootstrap-script composer.
	// +required
	McuType string `json:"mcuType"`

	// PublicKey is the DER-encoded SubjectPublicKeyInfo of the device's
	// client certificate. Immutable once status.phase has left Pending.
	// +required
	PublicKey []byte `json:"publicKey"`

	// PreferredGateway names a Gateway this device prefers. The emulator
	// manager's endpoint resolver does not read it: it uses status.gateway
	// when set, otherwise the first gateway advertising the TLS capability.
	// +optional
	PreferredGateway string `json:"preferredGateway,omitempty"`
}

// DevicePhase is the observed lifecycle phase of a Device.
// +kubebuilder:validation:Enum=Pending;Enrolled;Connected;Disconnected;Failed
type DevicePhase string

const (
	DevicePhasePending      DevicePhase = "Pending"
	DevicePhaseEnrolled     DevicePhase = "Enrolled"
	DevicePhaseConnected    DevicePhase = "Connected"
	DevicePhaseDisconnected DevicePhase = "Disconnected"
	DevicePhaseFailed       DevicePhase = "Failed"
)

// DeviceConnectionInfo describes the active (or most recent) session.
type DeviceConnectionInfo struct {
	// Endpoint is the remote address of the TLS peer as seen by the gateway.
	// +optional
	Endpoint string `json:"endpoint,omitempty"`

	// SessionID identifies the session that produced this connection info.
	// +optional
	SessionID string `json:"sessionId,omitempty"`

	// EstablishedAt is when the session was authorized.
	// +optional
	EstablishedAt *metav1.Time `json:"establishedAt,omitempty"`
}

// DeviceStatus defines the observed state of a Device. Written exclusively
// by the gateway (phase/gateway/lastHeartbeat/connectionInfo transitions)
// and the device reconciler (Failed on emulator or immutability errors).
type DeviceStatus struct {
	// +kubebuilder:default=Pending
	// +optional
	Phase DevicePhase `json:"phase,omitempty"`

	// Gateway names the Gateway currently holding an active session for
	// this device. Unset unless Phase is Connected.
	// +optional
	Gateway string `json:"gateway,omitempty"`

	// LastHeartbeat is the timestamp of the most recently observed
	// Heartbeat message, coalesced per gateway policy.
	// +optional
	LastHeartbeat *metav1.Time `json:"lastHeartbeat,omitempty"`

	// +optional
	ConnectionInfo *DeviceConnectionInfo `json:"connectionInfo,omitempty"`

	// Error carries a structured reason when Phase is Failed.
	// +optional
	Error string `json:"error,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:path=devices,scope=Namespaced
// +kubebuilder:printcolumn:name="Kind",type=string,JSONPath=`.spec.kind`
// +kubebuilder:printcolumn:name="Phase",type=string,JSONPath=`.status.phase`
// +kubebuilder:printcolumn:name="Gateway",type=string,JSONPath=`.status.gateway`
// +kubebuilder:printcolumn:name="Age",type="date",JSONPath=".metadata.creationTimestamp"

// Device is the Schema for the devices API.
type Device struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   DeviceSpec   `json:"spec,omitempty"`
	Status DeviceStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// DeviceList contains a list of Device.
type DeviceList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Device `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Device{}, &DeviceList{})
}
