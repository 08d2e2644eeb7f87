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

// GatewayCapability is a feature a gateway instance advertises.
// +kubebuilder:validation:Enum=TLS;Pairing
type GatewayCapability string

const (
	GatewayCapabilityTLS     GatewayCapability = "TLS"
	GatewayCapabilityPairing GatewayCapability = "Pairing"
)

// GatewayConfig carries the recognized gateway tunables.
type GatewayConfig struct {
	// +kubebuilder:default="30s"
	// +optional
	HeartbeatInterval metav1.Duration `json:"heartbeatInterval,omitempty"`

	// +kubebuilder:default="90s"
	// +optional
	ConnectionTimeout metav1.Duration `json:"connectionTimeout,omitempty"`

	// +kubebuilder:default=0
	// +optional
	MaxDevices int32 `json:"maxDevices,omitempty"`

	// +kubebuilder:default=false
	// +optional
	PairingMode bool `json:"pairingMode,omitempty"`

	// +kubebuilder:default="5m"
	// +optional
	PairingTimeout metav1.Duration `json:"pairingTimeout,omitempty"`
}

// GatewaySpec defines the desired state of a Gateway.
type GatewaySpec struct {
	// Endpoint is the host:port this gateway advertises to devices. Must
	// be a concrete, reachable address — never a loopback placeholder.
	// +required
	Endpoint string `json:"endpoint"`

	// +kubebuilder:default=8443
	// +optional
	TLSPort int32 `json:"tlsPort,omitempty"`

	// +kubebuilder:default=8080
	// +optional
	HTTPPort int32 `json:"httpPort,omitempty"`

	// +optional
	Config GatewayConfig `json:"config,omitempty"`

	// +optional
	Capabilities []GatewayCapability `json:"capabilities,omitempty"`
}

// GatewayPhase is the observed lifecycle phase of a Gateway.
// +kubebuilder:validation:Enum=Pending;Running;Failed
type GatewayPhase string

const (
	GatewayPhasePending GatewayPhase = "Pending"
	GatewayPhaseRunning GatewayPhase = "Running"
	GatewayPhaseFailed  GatewayPhase = "Failed"
)

// GatewayStatus defines the observed state of a Gateway.
type GatewayStatus struct {
	// +kubebuilder:default=Pending
	// +optional
	Phase GatewayPhase `json:"phase,omitempty"`

	// +optional
	ConnectedDevices int32 `json:"connectedDevices,omitempty"`

	// +optional
	LastHealth *metav1.Time `json:"lastHealth,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:path=gateways,scope=Namespaced
// +kubebuilder:printcolumn:name="Endpoint",type=string,JSONPath=`.spec.endpoint`
// +kubebuilder:printcolumn:name="Phase",type=string,JSONPath=`.status.phase`
// +kubebuilder:printcolumn:name="Devices",type=integer,JSONPath=`.status.connectedDevices`
// +kubebuilder:printcolumn:name="Age",type="date",JSONPath=".metadata.creationTimestamp"

// Gateway is the Schema for the gateways API.
type Gateway struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   GatewaySpec   `json:"spec,omitempty"`
	Status GatewayStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// GatewayList contains a list of Gateway.
type GatewayList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Gateway `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Gateway{}, &GatewayList{})
}

// HasCapability reports whether the gateway advertises the given capability.
func (g *Gateway) HasCapability(cap GatewayCapability) bool {
	for _, c := range g.Spec.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}
