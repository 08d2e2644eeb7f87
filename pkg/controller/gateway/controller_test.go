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
	"testing"
	"time"

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

func newTestReconciler(t *testing.T, staleAfter time.Duration, objs ...client.Object) (*Reconciler, client.WithWatch) {
	t.Helper()
	fakeClient := fake.NewClientBuilder().WithScheme(newScheme(t)).
		WithStatusSubresource(&fleetv1alpha1.Gateway{}).
		WithObjects(objs...).Build()
	gateways := resourceclient.NewGatewayClient(fakeClient, wait.Backoff{})
	r := &Reconciler{
		Client:     fakeClient,
		gateways:   gateways,
		recorder:   record.NewFakeRecorder(32),
		backoff:    fleetcontroller.NewBackoff(0, 0),
		staleAfter: staleAfter,
	}
	return r, fakeClient
}

func TestReconcileMarksFreshHeartbeatRunning(t *testing.T) {
	lastHealth := metav1.NewTime(time.Now().Add(-1 * time.Second))
	gw := &fleetv1alpha1.Gateway{
		ObjectMeta: metav1.ObjectMeta{Name: "gw-1", Namespace: "fleet"},
		Spec:       fleetv1alpha1.GatewaySpec{Endpoint: "gateway.fleet.svc:8443"},
		Status:     fleetv1alpha1.GatewayStatus{Phase: fleetv1alpha1.GatewayPhasePending, LastHealth: &lastHealth},
	}
	r, fakeClient := newTestReconciler(t, time.Minute, gw)

	result, err := r.Reconcile(context.Background(), reconcile.Request{NamespacedName: client.ObjectKeyFromObject(gw)})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.RequeueAfter <= 0 {
		t.Fatal("expected a positive RequeueAfter for a live gateway")
	}

	updated := &fleetv1alpha1.Gateway{}
	if err := fakeClient.Get(context.Background(), client.ObjectKeyFromObject(gw), updated); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if updated.Status.Phase != fleetv1alpha1.GatewayPhaseRunning {
		t.Fatalf("got phase %q, want Running", updated.Status.Phase)
	}
}

func TestReconcileMarksStaleHeartbeatFailed(t *testing.T) {
	lastHealth := metav1.NewTime(time.Now().Add(-10 * time.Minute))
	gw := &fleetv1alpha1.Gateway{
		ObjectMeta: metav1.ObjectMeta{Name: "gw-1", Namespace: "fleet"},
		Spec:       fleetv1alpha1.GatewaySpec{Endpoint: "gateway.fleet.svc:8443"},
		Status:     fleetv1alpha1.GatewayStatus{Phase: fleetv1alpha1.GatewayPhaseRunning, LastHealth: &lastHealth},
	}
	r, fakeClient := newTestReconciler(t, time.Minute, gw)

	_, err := r.Reconcile(context.Background(), reconcile.Request{NamespacedName: client.ObjectKeyFromObject(gw)})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	updated := &fleetv1alpha1.Gateway{}
	if err := fakeClient.Get(context.Background(), client.ObjectKeyFromObject(gw), updated); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if updated.Status.Phase != fleetv1alpha1.GatewayPhaseFailed {
		t.Fatalf("got phase %q, want Failed", updated.Status.Phase)
	}
}

func TestReconcileNewGatewayWithinStartupGraceStaysLive(t *testing.T) {
	gw := &fleetv1alpha1.Gateway{
		ObjectMeta: metav1.ObjectMeta{Name: "gw-1", Namespace: "fleet", CreationTimestamp: metav1.Now()},
		Spec:       fleetv1alpha1.GatewaySpec{Endpoint: "gateway.fleet.svc:8443"},
	}
	r, fakeClient := newTestReconciler(t, time.Minute, gw)

	_, err := r.Reconcile(context.Background(), reconcile.Request{NamespacedName: client.ObjectKeyFromObject(gw)})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	updated := &fleetv1alpha1.Gateway{}
	if err := fakeClient.Get(context.Background(), client.ObjectKeyFromObject(gw), updated); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if updated.Status.Phase != fleetv1alpha1.GatewayPhaseRunning {
		t.Fatalf("got phase %q, want Running within startup grace", updated.Status.Phase)
	}
}
