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

// TargetDevices selects the devices an Application should be rolled out
// to. The three modes compose: DeviceNames and LabelSelector are unioned,
// and the result is truncated to Count if set.
type TargetDevices struct {
	// DeviceNames is an explicit list of device names to target.
	// +optional
	DeviceNames []string `json:"deviceNames,omitempty"`

	// LabelSelector matches devices by label in addition to DeviceNames.
	// +optional
	LabelSelector *metav1.LabelSelector `json:"labelSelector,omitempty"`

	// Count, if set, truncates the resolved (deduplicated, lexicographically
	// ordered) device set to this many devices: the first Count names in
	// lexicographic order, recomputed on every reconcile. A newly matching
	// device whose name sorts earlier can displace a selected one.
	// +optional
	Count *int32 `json:"count,omitempty"`
}

// ApplicationConfig carries the recognized runtime configuration options
// pushed to the device alongside the WASM module.
type ApplicationConfig struct {
	// MemoryLimit in bytes.
	// +optional
	MemoryLimit int64 `json:"memoryLimit,omitempty"`

	// CPUTimeLimit in milliseconds.
	// +optional
	CPUTimeLimit int64 `json:"cpuTimeLimit,omitempty"`

	// +kubebuilder:default=false
	// +optional
	AutoRestart bool `json:"autoRestart,omitempty"`

	// MaxRestarts bounds retry attempts per device; 0..10.
	// +kubebuilder:validation:Minimum=0
	// +kubebuilder:validation:Maximum=10
	// +kubebuilder:default=3
	// +optional
	MaxRestarts int32 `json:"maxRestarts,omitempty"`

	// Timeout in milliseconds for a single execution step.
	// +optional
	Timeout int64 `json:"timeout,omitempty"`

	// EnvironmentVars injected into the WASM execution environment.
	// +optional
	EnvironmentVars map[string]string `json:"environmentVars,omitempty"`

	// Args passed to the WASM module entrypoint, in order.
	// +optional
	Args []string `json:"args,omitempty"`
}

// ApplicationSpec defines the desired state of an Application.
type ApplicationSpec struct {
	// +optional
	Description string `json:"description,omitempty"`

	// WasmBytes is the compiled WASM module payload. Immutable once
	// status.phase has left Creating — publish a new Application to
	// change it.
	// +required
	WasmBytes []byte `json:"wasmBytes"`

	// +required
	TargetDevices TargetDevices `json:"targetDevices"`

	// +optional
	Config ApplicationConfig `json:"config,omitempty"`
}

// ApplicationPhase is the aggregate observed lifecycle phase.
// +kubebuilder:validation:Enum=Creating;Deploying;Running;PartiallyRunning;Stopping;Stopped;Failed;Deleting
type ApplicationPhase string

const (
	ApplicationPhaseCreating         ApplicationPhase = "Creating"
	ApplicationPhaseDeploying        ApplicationPhase = "Deploying"
	ApplicationPhaseRunning          ApplicationPhase = "Running"
	ApplicationPhasePartiallyRunning ApplicationPhase = "PartiallyRunning"
	ApplicationPhaseStopping         ApplicationPhase = "Stopping"
	ApplicationPhaseStopped          ApplicationPhase = "Stopped"
	ApplicationPhaseFailed           ApplicationPhase = "Failed"
	ApplicationPhaseDeleting         ApplicationPhase = "Deleting"
)

// DeviceApplicationPhase is the observed per-device rollout phase of an Application.
// +kubebuilder:validation:Enum=Deploying;Running;Stopped;Failed
type DeviceApplicationPhase string

const (
	DeviceApplicationPhaseDeploying DeviceApplicationPhase = "Deploying"
	DeviceApplicationPhaseRunning   DeviceApplicationPhase = "Running"
	DeviceApplicationPhaseStopped   DeviceApplicationPhase = "Stopped"
	DeviceApplicationPhaseFailed    DeviceApplicationPhase = "Failed"
)

// DeviceApplicationStatus is the per-device rollout record.
type DeviceApplicationStatus struct {
	// +required
	Phase DeviceApplicationPhase `json:"phase"`

	// +optional
	LastUpdated *metav1.Time `json:"lastUpdated,omitempty"`

	// +optional
	Error string `json:"error,omitempty"`

	// RestartCount tracks retries against config.maxRestarts.
	// +optional
	RestartCount int32 `json:"restartCount,omitempty"`
}

// ApplicationMetrics is a live summary of DeviceStatuses.
type ApplicationMetrics struct {
	Total   int32 `json:"total"`
	Running int32 `json:"running"`
	Failed  int32 `json:"failed"`
	Stopped int32 `json:"stopped"`
}

// ApplicationStatus defines the observed state of an Application.
type ApplicationStatus struct {
	// +kubebuilder:default=Creating
	// +optional
	Phase ApplicationPhase `json:"phase,omitempty"`

	// DeviceStatuses maps device name to its per-device rollout record.
	// +optional
	DeviceStatuses map[string]DeviceApplicationStatus `json:"deviceStatuses,omitempty"`

	// +optional
	Metrics ApplicationMetrics `json:"metrics,omitempty"`

	// +optional
	Message string `json:"message,omitempty"`

	// +optional
	LastUpdated *metav1.Time `json:"lastUpdated,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:path=applications,scope=Namespaced
// +kubebuilder:printcolumn:name="Phase",type=string,JSONPath=`.status.phase`
// +kubebuilder:printcolumn:name="Running",type=integer,JSONPath=`.status.metrics.running`
// +kubebuilder:printcolumn:name="Total",type=integer,JSONPath=`.status.metrics.total`
// +kubebuilder:printcolumn:name="Age",type="date",JSONPath=".metadata.creationTimestamp"

// Application is the Schema for the applications API.
type Application struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   ApplicationSpec   `json:"spec,omitempty"`
	Status ApplicationStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// ApplicationList contains a list of Application.
type ApplicationList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Application `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Application{}, &ApplicationList{})
}
