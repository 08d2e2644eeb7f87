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

package device

import (
	"context"
	"errors"
	"testing"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/tools/record"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	fleetv1alpha1 "github.com/openshift/wasm-fleet-operator/api/fleet/v1alpha1"
	fleetcontroller "github.com/openshift/wasm-fleet-operator/pkg/controller"
	"github.com/openshift/wasm-fleet-operator/pkg/resourceclient"
)

func newScheme(t *testing.T) *runtime.Scheme {
	t.Helper()
	scheme := runtime.NewScheme()
	if err := fleetv1alpha1.AddToScheme(scheme); err != nil {
		t.Fatalf("AddToScheme: %v", err)
	}
	return scheme
}

type fakeEmulator struct {
	startErr    error
	startCalls  []string
	stopCalls   []string
}

func (f *fakeEmulator) Start(_ context.Context, device *fleetv1alpha1.Device) error {
	f.startCalls = append(f.startCalls, device.Name)
	return f.startErr
}

func (f *fakeEmulator) Stop(_ context.Context, deviceName string) error {
	f.stopCalls = append(f.stopCalls, deviceName)
	return nil
}

func newTestReconciler(t *testing.T, emu *fakeEmulator, objs ...client.Object) (*Reconciler, client.WithWatch) {
	t.Helper()
	builder := fake.NewClientBuilder().WithScheme(newScheme(t)).
		WithStatusSubresource(&fleetv1alpha1.Device{}).
		WithObjects(objs...)
	fakeClient := builder.Build()
	devicesClient := resourceclient.NewDeviceClient(fakeClient, wait.Backoff{})
	r := &Reconciler{
		Client:   fakeClient,
		devices:  devicesClient,
		emulator: emu,
		recorder: record.NewFakeRecorder(32),
		backoff:  fleetcontroller.NewBackoff(0, 0),
	}
	return r, fakeClient
}

func TestReconcileStartsEmulatorForQemuDevice(t *testing.T) {
	device := &fleetv1alpha1.Device{
		ObjectMeta: metav1.ObjectMeta{Name: "dev-1", Namespace: "fleet"},
		Spec:       fleetv1alpha1.DeviceSpec{Kind: fleetv1alpha1.DeviceKindMCU, McuType: "qemu-arm", PublicKey: []byte("key-1")},
	}
	emu := &fakeEmulator{}
	r, _ := newTestReconciler(t, emu, device)

	_, err := r.Reconcile(context.Background(), reconcile.Request{NamespacedName: client.ObjectKeyFromObject(device)})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(emu.startCalls) != 1 || emu.startCalls[0] != "dev-1" {
		t.Fatalf("got start calls %v, want exactly one for dev-1", emu.startCalls)
	}
}

func TestReconcileSkipsEmulatorForPhysicalDevice(t *testing.T) {
	device := &fleetv1alpha1.Device{
		ObjectMeta: metav1.ObjectMeta{Name: "dev-1", Namespace: "fleet"},
		Spec:       fleetv1alpha1.DeviceSpec{Kind: fleetv1alpha1.DeviceKindMCU, McuType: "nrf52840", PublicKey: []byte("key-1")},
	}
	emu := &fakeEmulator{}
	r, _ := newTestReconciler(t, emu, device)

	_, err := r.Reconcile(context.Background(), reconcile.Request{NamespacedName: client.ObjectKeyFromObject(device)})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(emu.startCalls) != 0 {
		t.Fatalf("got start calls %v, want none for a physical mcuType", emu.startCalls)
	}
}

func TestReconcileRecordsFailedOnEmulatorStartError(t *testing.T) {
	device := &fleetv1alpha1.Device{
		ObjectMeta: metav1.ObjectMeta{Name: "dev-1", Namespace: "fleet"},
		Spec:       fleetv1alpha1.DeviceSpec{Kind: fleetv1alpha1.DeviceKindMCU, McuType: "qemu-arm", PublicKey: []byte("key-1")},
	}
	emu := &fakeEmulator{startErr: errors.New("docker unreachable")}
	r, fakeClient := newTestReconciler(t, emu, device)

	_, err := r.Reconcile(context.Background(), reconcile.Request{NamespacedName: client.ObjectKeyFromObject(device)})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	updated := &fleetv1alpha1.Device{}
	if err := fakeClient.Get(context.Background(), client.ObjectKeyFromObject(device), updated); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if updated.Status.Phase != fleetv1alpha1.DevicePhaseFailed {
		t.Fatalf("got phase %q, want Failed", updated.Status.Phase)
	}
	if updated.Status.Error == "" {
		t.Fatal("expected status.error to carry the emulator start failure")
	}
}

func TestReconcileRejectsPublicKeyChangeAfterPending(t *testing.T) {
	fingerprint := publicKeyFingerprint([]byte("key-1"))
	device := &fleetv1alpha1.Device{
		ObjectMeta: metav1.ObjectMeta{Name: "dev-1", Namespace: "fleet", Annotations: map[string]string{
			observedPublicKeyAnnotation: fingerprint,
		}},
		Spec:   fleetv1alpha1.DeviceSpec{Kind: fleetv1alpha1.DeviceKindMCU, McuType: "qemu-arm", PublicKey: []byte("key-2")},
		Status: fleetv1alpha1.DeviceStatus{Phase: fleetv1alpha1.DevicePhaseConnected},
	}
	emu := &fakeEmulator{}
	r, fakeClient := newTestReconciler(t, emu, device)

	_, err := r.Reconcile(context.Background(), reconcile.Request{NamespacedName: client.ObjectKeyFromObject(device)})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	updated := &fleetv1alpha1.Device{}
	if err := fakeClient.Get(context.Background(), client.ObjectKeyFromObject(device), updated); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if updated.Status.Phase != fleetv1alpha1.DevicePhaseFailed {
		t.Fatalf("got phase %q, want Failed after a public key change past Pending", updated.Status.Phase)
	}
	if len(emu.startCalls) != 0 {
		t.Fatalf("emulator should not start for a device rejected on identity grounds, got %v", emu.startCalls)
	}
}

func TestReconcileStopsEmulatorOnDeletion(t *testing.T) {
	now := metav1.Now()
	device := &fleetv1alpha1.Device{
		ObjectMeta: metav1.ObjectMeta{
			Name: "dev-1", Namespace: "fleet",
			DeletionTimestamp: &now,
			Finalizers:        []string{"fleet.openshift.io/test-hold"},
		},
		Spec: fleetv1alpha1.DeviceSpec{Kind: fleetv1alpha1.DeviceKindMCU, McuType: "qemu-arm", PublicKey: []byte("key-1")},
	}
	emu := &fakeEmulator{}
	r, _ := newTestReconciler(t, emu, device)

	_, err := r.Reconcile(context.Background(), reconcile.Request{NamespacedName: client.ObjectKeyFromObject(device)})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(emu.stopCalls) != 1 || emu.stopCalls[0] != "dev-1" {
		t.Fatalf("got stop calls %v, want exactly one for dev-1", emu.stopCalls)
	}
}
