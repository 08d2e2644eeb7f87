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

package resourceclient

import (
	"context"
	"testing"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	fleetv1alpha1 "github.com/openshift/wasm-fleet-operator/api/fleet/v1alpha1"
)

func newScheme(t *testing.T) *runtime.Scheme {
	t.Helper()
	scheme := runtime.NewScheme()
	if err := fleetv1alpha1.AddToScheme(scheme); err != nil {
		t.Fatalf("AddToScheme: %v", err)
	}
	return scheme
}

func TestDeviceClientGetNotFound(t *testing.T) {
	fakeClient := fake.NewClientBuilder().WithScheme(newScheme(t)).Build()
	dc := NewDeviceClient(fakeClient, wait.Backoff{})

	_, err := dc.Get(context.Background(), "fleet", "missing")
	if !apierrors.IsNotFound(err) {
		t.Fatalf("got %v, want NotFound", err)
	}
}

func TestDeviceClientGetAndList(t *testing.T) {
	existing := &fleetv1alpha1.Device{
		ObjectMeta: metav1.ObjectMeta{Name: "dev-1", Namespace: "fleet"},
		Spec:       fleetv1alpha1.DeviceSpec{Kind: fleetv1alpha1.DeviceKindMCU, McuType: "qemu-arm"},
	}
	fakeClient := fake.NewClientBuilder().WithScheme(newScheme(t)).WithObjects(existing).Build()
	dc := NewDeviceClient(fakeClient, wait.Backoff{})

	got, err := dc.Get(context.Background(), "fleet", "dev-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Spec.McuType != "qemu-arm" {
		t.Fatalf("got mcuType %q, want qemu-arm", got.Spec.McuType)
	}

	list, err := dc.List(context.Background(), "fleet")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].Name != "dev-1" {
		t.Fatalf("got %v, want one device named dev-1", list)
	}
}

func TestDeviceClientPatchStatusDoesNotTouchSpec(t *testing.T) {
	existing := &fleetv1alpha1.Device{
		ObjectMeta: metav1.ObjectMeta{Name: "dev-1", Namespace: "fleet"},
		Spec:       fleetv1alpha1.DeviceSpec{Kind: fleetv1alpha1.DeviceKindMCU, McuType: "qemu-arm"},
	}
	fakeClient := fake.NewClientBuilder().WithScheme(newScheme(t)).WithObjects(existing).WithStatusSubresource(&fleetv1alpha1.Device{}).Build()
	dc := NewDeviceClient(fakeClient, wait.Backoff{})

	dev, err := dc.Get(context.Background(), "fleet", "dev-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	err = dc.PatchStatus(context.Background(), dev, func(d *fleetv1alpha1.Device) {
		d.Status.Phase = fleetv1alpha1.DevicePhaseEnrolled
	})
	if err != nil {
		t.Fatalf("PatchStatus: %v", err)
	}

	updated, err := dc.Get(context.Background(), "fleet", "dev-1")
	if err != nil {
		t.Fatalf("Get after patch: %v", err)
	}
	if updated.Status.Phase != fleetv1alpha1.DevicePhaseEnrolled {
		t.Fatalf("got phase %q, want Enrolled", updated.Status.Phase)
	}
	if updated.Spec.McuType != "qemu-arm" {
		t.Fatalf("spec was touched by a status patch: %q", updated.Spec.McuType)
	}
}

func TestDeviceClientWatchReceivesAdded(t *testing.T) {
	fakeClient := fake.NewClientBuilder().WithScheme(newScheme(t)).Build()
	dc := NewDeviceClient(fakeClient, wait.Backoff{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	events := dc.Watch(ctx, "fleet", "")

	dev := &fleetv1alpha1.Device{
		ObjectMeta: metav1.ObjectMeta{Name: "dev-1", Namespace: "fleet"},
		Spec:       fleetv1alpha1.DeviceSpec{Kind: fleetv1alpha1.DeviceKindMCU, McuType: "qemu-arm"},
	}
	if err := fakeClient.Create(ctx, dev); err != nil {
		t.Fatalf("Create: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Type != Added || ev.Object.Name != "dev-1" {
			t.Fatalf("got %+v, want Added dev-1", ev)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for Added event")
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"notfound", apierrors.NewNotFound(fleetv1alpha1.GroupVersion.WithResource("devices").GroupResource(), "x"), false},
		{"conflict", apierrors.NewConflict(fleetv1alpha1.GroupVersion.WithResource("devices").GroupResource(), "x", nil), false},
		{"serverTimeout", apierrors.NewServerTimeout(fleetv1alpha1.GroupVersion.WithResource("devices").GroupResource(), "get", 1), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isTransient(tc.err); got != tc.want {
				t.Fatalf("isTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
