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
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/klog/v2"

	fleetv1alpha1 "github.com/openshift/wasm-fleet-operator/api/fleet/v1alpha1"
	"github.com/openshift/wasm-fleet-operator/pkg/codec"
)

// createDevice creates device, tolerating a concurrent creation by
// another gateway replica racing the same pairing enrollment.
func (s *Server) createDevice(ctx context.Context, device *fleetv1alpha1.Device) error {
	if err := s.devices.Create(ctx, device); err != nil {
		if apierrors.IsAlreadyExists(err) {
			return nil
		}
		return fmt.Errorf("creating device %q: %w", device.Name, err)
	}
	return nil
}

// recordExecutionStatus applies an out-of-band ExecutionStatus report
// to the named Application's per-device status, recomputing metrics.
func (s *Server) recordExecutionStatus(ctx context.Context, deviceName string, status *codec.ExecutionStatusPayload) {
	app, err := s.applications.Get(ctx, s.cfg.Namespace, status.ApplicationID)
	if err != nil {
		klog.V(2).InfoS("gateway: execution status for unknown application", "application", status.ApplicationID, "device", deviceName, "err", err)
		return
	}

	err = s.applications.PatchStatus(ctx, app, func(a *fleetv1alpha1.Application) {
		if a.Status.DeviceStatuses == nil {
			a.Status.DeviceStatuses = map[string]fleetv1alpha1.DeviceApplicationStatus{}
		}
		now := metav1.Now()
		a.Status.DeviceStatuses[deviceName] = fleetv1alpha1.DeviceApplicationStatus{
			Phase:        fleetv1alpha1.DeviceApplicationPhase(status.Phase),
			LastUpdated:  &now,
			Error:        status.Error,
			RestartCount: a.Status.DeviceStatuses[deviceName].RestartCount,
		}
		recomputeMetrics(a)
	})
	if err != nil {
		klog.ErrorS(err, "gateway: failed to patch application status from execution status", "application", status.ApplicationID, "device", deviceName)
	}
}

// recordDeployAck patches the named Application's per-device status
// from a DeploymentAck, the same way recordExecutionStatus does for an
// out-of-band ExecutionStatus report. The admin /deploy handler does
// not wait on PushDeploy's result channel, so without this the persisted
// DeviceStatuses entry is left at whatever phase the reconciler wrote
// before pushing (Deploying), and the device never advances out of
// Deploying in status.
func (s *Server) recordDeployAck(ctx context.Context, deviceName, applicationID string, outcome DeployOutcome, errMsg string) {
	app, err := s.applications.Get(ctx, s.cfg.Namespace, applicationID)
	if err != nil {
		klog.V(2).InfoS("gateway: deployment ack for unknown application", "application", applicationID, "device", deviceName, "err", err)
		return
	}

	phase := fleetv1alpha1.DeviceApplicationPhaseFailed
	if outcome == DeployOutcomeRunning {
		phase = fleetv1alpha1.DeviceApplicationPhaseRunning
	}

	err = s.applications.PatchStatus(ctx, app, func(a *fleetv1alpha1.Application) {
		if a.Status.DeviceStatuses == nil {
			a.Status.DeviceStatuses = map[string]fleetv1alpha1.DeviceApplicationStatus{}
		}
		now := metav1.Now()
		a.Status.DeviceStatuses[deviceName] = fleetv1alpha1.DeviceApplicationStatus{
			Phase:        phase,
			LastUpdated:  &now,
			Error:        errMsg,
			RestartCount: a.Status.DeviceStatuses[deviceName].RestartCount,
		}
		recomputeMetrics(a)
	})
	if err != nil {
		klog.ErrorS(err, "gateway: failed to patch application status from deployment ack", "application", applicationID, "device", deviceName)
	}
}

// recomputeMetrics keeps Application.Status.Metrics a live summary of
// DeviceStatuses, and derives the aggregate phase from it.
func recomputeMetrics(a *fleetv1alpha1.Application) {
	var total, running, deploying, failed, stopped int32
	for _, ds := range a.Status.DeviceStatuses {
		total++
		switch ds.Phase {
		case fleetv1alpha1.DeviceApplicationPhaseRunning:
			running++
		case fleetv1alpha1.DeviceApplicationPhaseDeploying:
			deploying++
		case fleetv1alpha1.DeviceApplicationPhaseFailed:
			failed++
		case fleetv1alpha1.DeviceApplicationPhaseStopped:
			stopped++
		}
	}
	a.Status.Metrics = fleetv1alpha1.ApplicationMetrics{Total: total, Running: running, Failed: failed, Stopped: stopped}

	switch {
	case total == 0:
		// leave phase as-is; an application with no targets yet stays wherever it was
	case running == total:
		a.Status.Phase = fleetv1alpha1.ApplicationPhaseRunning
	case deploying > 0:
		a.Status.Phase = fleetv1alpha1.ApplicationPhaseDeploying
	case stopped == total:
		a.Status.Phase = fleetv1alpha1.ApplicationPhaseStopped
	case failed == total:
		a.Status.Phase = fleetv1alpha1.ApplicationPhaseFailed
	default:
		a.Status.Phase = fleetv1alpha1.ApplicationPhasePartiallyRunning
	}
	now := metav1.Now()
	a.Status.LastUpdated = &now
}
