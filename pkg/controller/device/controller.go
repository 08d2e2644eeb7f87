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

// Package device reconciles Device resources: starting and stopping the
// emulator instance backing an emulated mcuType, and refusing an attempt
// to change a device's identity (its public key) once it has left
// Pending. Connection-phase transitions (Enrolled/Connected/Disconnected)
// belong to the gateway, not this reconciler.
package device

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/client-go/tools/record"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"
	"sigs.k8s.io/controller-runtime/pkg/source"

	fleetv1alpha1 "github.com/openshift/wasm-fleet-operator/api/fleet/v1alpha1"
	fleetcontroller "github.com/openshift/wasm-fleet-operator/pkg/controller"
	"github.com/openshift/wasm-fleet-operator/pkg/resourceclient"
)

const (
	controllerName = "device_controller"

	// observedPublicKeyAnnotation records the SHA-256 of the public key
	// this reconciler last accepted, letting it detect a later attempt
	// to change device identity without needing a dedicated status field.
	observedPublicKeyAnnotation = "fleet.openshift.io/observed-public-key-sha256"

	// EventEmulatorStartFailed is emitted when the emulator manager fails
	// to start the instance backing an emulated device.
	EventEmulatorStartFailed = "EmulatorStartFailed"
	// EventPublicKeyImmutable is emitted when an update attempts to
	// change spec.publicKey after enrollment.
	EventPublicKeyImmutable = "PublicKeyImmutable"
)

// EmulatorManager is the subset of the emulator manager's contract (C5)
// this reconciler drives. pkg/emulator's Manager satisfies it.
type EmulatorManager interface {
	Start(ctx context.Context, device *fleetv1alpha1.Device) error
	Stop(ctx context.Context, deviceName string) error
}

// emulatedPlatformPrefix is the mcuType convention the emulator manager's
// bootstrap composer recognizes as backed by a local container instance
// rather than physical hardware.
const emulatedPlatformPrefix = "qemu-"

func isEmulatedPlatform(mcuType string) bool {
	return strings.HasPrefix(mcuType, emulatedPlatformPrefix)
}

// Reconciler reconciles a Device object.
type Reconciler struct {
	client.Client
	devices  *resourceclient.DeviceClient
	emulator EmulatorManager
	recorder record.EventRecorder
	backoff  *fleetcontroller.Backoff
}

// Add creates a new Device Reconciler and registers it with mgr.
func Add(mgr manager.Manager, devices *resourceclient.DeviceClient, emulator EmulatorManager, backoff *fleetcontroller.Backoff) error {
	r := &Reconciler{
		Client:   mgr.GetClient(),
		devices:  devices,
		emulator: emulator,
		recorder: mgr.GetEventRecorderFor(controllerName),
		backoff:  backoff,
	}
	c, err := controller.New(controllerName, mgr, controller.Options{Reconciler: r})
	if err != nil {
		return err
	}
	return c.Watch(source.Kind(mgr.GetCache(), &fleetv1alpha1.Device{}, &handler.TypedEnqueueRequestForObject[*fleetv1alpha1.Device]{}))
}

func publicKeyFingerprint(pubKey []byte) string {
	sum := sha256.Sum256(pubKey)
	return hex.EncodeToString(sum[:])
}

// Reconcile drives a Device toward the emulator state its spec implies.
func (r *Reconciler) Reconcile(ctx context.Context, req reconcile.Request) (reconcile.Result, error) {
	key := req.NamespacedName.String()

	device := &fleetv1alpha1.Device{}
	if err := r.Get(ctx, req.NamespacedName, device); err != nil {
		if apierrors.IsNotFound(err) {
			// No finalizer holds a deleted Device, so its emulator is
			// stopped here; Stop tolerates a device it is not running.
			if err := r.emulator.Stop(ctx, req.Name); err != nil {
				klog.ErrorS(err, "device: emulator stop failed", "device", key)
				return reconcile.Result{RequeueAfter: r.backoff.Next(key)}, nil
			}
			r.backoff.Reset(key)
			return reconcile.Result{}, nil
		}
		return reconcile.Result{}, err
	}

	if !device.DeletionTimestamp.IsZero() {
		if err := r.emulator.Stop(ctx, device.Name); err != nil {
			klog.ErrorS(err, "device: emulator stop failed", "device", key)
			return reconcile.Result{RequeueAfter: r.backoff.Next(key)}, nil
		}
		r.backoff.Reset(key)
		return reconcile.Result{}, nil
	}

	fingerprint := publicKeyFingerprint(device.Spec.PublicKey)
	observed := device.Annotations[observedPublicKeyAnnotation]
	if observed != "" && observed != fingerprint && device.Status.Phase != fleetv1alpha1.DevicePhasePending {
		r.recorder.Eventf(device, corev1.EventTypeWarning, EventPublicKeyImmutable, "spec.publicKey cannot change after a device leaves Pending")
		if err := r.devices.PatchStatus(ctx, device, func(d *fleetv1alpha1.Device) {
			d.Status.Phase = fleetv1alpha1.DevicePhaseFailed
			d.Status.Error = "spec.publicKey is immutable once the device has left Pending"
		}); err != nil {
			return reconcile.Result{RequeueAfter: r.backoff.Next(key)}, nil
		}
		r.backoff.Reset(key)
		return reconcile.Result{}, nil
	}

	if observed != fingerprint {
		if err := r.devices.PatchSpec(ctx, device, func(d *fleetv1alpha1.Device) {
			if d.Annotations == nil {
				d.Annotations = map[string]string{}
			}
			d.Annotations[observedPublicKeyAnnotation] = fingerprint
		}); err != nil {
			return reconcile.Result{RequeueAfter: r.backoff.Next(key)}, fmt.Errorf("recording observed public key fingerprint: %w", err)
		}
	}

	if isEmulatedPlatform(device.Spec.McuType) {
		if err := r.emulator.Start(ctx, device); err != nil {
			klog.ErrorS(err, "device: emulator start failed", "device", key)
			r.recorder.Eventf(device, corev1.EventTypeWarning, EventEmulatorStartFailed, "%v", err)
			if patchErr := r.devices.PatchStatus(ctx, device, func(d *fleetv1alpha1.Device) {
				d.Status.Phase = fleetv1alpha1.DevicePhaseFailed
				d.Status.Error = err.Error()
			}); patchErr != nil {
				klog.ErrorS(patchErr, "device: failed to record emulator start failure", "device", key)
			}
			return reconcile.Result{RequeueAfter: r.backoff.Next(key)}, nil
		}
	}

	r.backoff.Reset(key)
	return reconcile.Result{}, nil
}
