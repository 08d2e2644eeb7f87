package webhooks

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	fleetv1alpha1 "github.com/openshift/wasm-fleet-operator/api/fleet/v1alpha1"
)

// DeviceValidator enforces spec.publicKey immutability once a Device has
// left Pending, mirroring the check pkg/controller/device's Reconciler
// already performs at reconcile time, but ahead of admission so the
// offending update is rejected outright rather than merely flagged.
type DeviceValidator struct{}

var _ admission.CustomValidator = &DeviceValidator{}

func (v *DeviceValidator) ValidateCreate(ctx context.Context, obj runtime.Object) (admission.Warnings, error) {
	return nil, nil
}

func (v *DeviceValidator) ValidateUpdate(ctx context.Context, oldObj, newObj runtime.Object) (admission.Warnings, error) {
	oldDevice, ok := oldObj.(*fleetv1alpha1.Device)
	if !ok {
		return nil, fmt.Errorf("expected a Device for oldObj, got %T", oldObj)
	}
	newDevice, ok := newObj.(*fleetv1alpha1.Device)
	if !ok {
		return nil, fmt.Errorf("expected a Device for newObj, got %T", newObj)
	}

	if oldDevice.Status.Phase == fleetv1alpha1.DevicePhasePending {
		return nil, nil
	}
	if string(oldDevice.Spec.PublicKey) != string(newDevice.Spec.PublicKey) {
		return nil, fmt.Errorf("spec.publicKey is immutable once a device has left Pending (device %s is %s)", oldDevice.Name, oldDevice.Status.Phase)
	}
	return nil, nil
}

func (v *DeviceValidator) ValidateDelete(ctx context.Context, obj runtime.Object) (admission.Warnings, error) {
	return nil, nil
}
