package webhooks

import (
	"bytes"
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	fleetv1alpha1 "github.com/openshift/wasm-fleet-operator/api/fleet/v1alpha1"
)

// ApplicationValidator enforces spec.wasmBytes immutability once an
// Application has left Creating, so an in-flight deployment is never
// silently redeployed with a different module.
type ApplicationValidator struct{}

var _ admission.CustomValidator = &ApplicationValidator{}

func (v *ApplicationValidator) ValidateCreate(ctx context.Context, obj runtime.Object) (admission.Warnings, error) {
	return nil, nil
}

func (v *ApplicationValidator) ValidateUpdate(ctx context.Context, oldObj, newObj runtime.Object) (admission.Warnings, error) {
	oldApp, ok := oldObj.(*fleetv1alpha1.Application)
	if !ok {
		return nil, fmt.Errorf("expected an Application for oldObj, got %T", oldObj)
	}
	newApp, ok := newObj.(*fleetv1alpha1.Application)
	if !ok {
		return nil, fmt.Errorf("expected an Application for newObj, got %T", newObj)
	}

	if oldApp.Status.Phase == "" || oldApp.Status.Phase == fleetv1alpha1.ApplicationPhaseCreating {
		return nil, nil
	}
	if !bytes.Equal(oldApp.Spec.WasmBytes, newApp.Spec.WasmBytes) {
		return nil, fmt.Errorf("spec.wasmBytes is immutable once an application has left Creating (application %s is %s)", oldApp.Name, oldApp.Status.Phase)
	}
	return nil, nil
}

func (v *ApplicationValidator) ValidateDelete(ctx context.Context, obj runtime.Object) (admission.Warnings, error) {
	return nil, nil
}
