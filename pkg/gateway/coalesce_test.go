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
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	fleetv1alpha1 "github.com/openshift/wasm-fleet-operator/api/fleet/v1alpha1"
	"github.com/openshift/wasm-fleet-operator/pkg/resourceclient"
)

// TestStatusCoalescerComposesMutations reproduces the Enroll sequence:
// two enqueues for the same device microseconds apart, both inside the
// coalesce window, must both be applied at flush rather than the
// second silently discarding the first's fields.
func TestStatusCoalescerComposesMutations(t *testing.T) {
	device := &fleetv1alpha1.Device{ObjectMeta: metav1.ObjectMeta{Name: "dev-1", Namespace: "fleet"}}
	fakeClient := fake.NewClientBuilder().WithScheme(newScheme(t)).WithStatusSubresource(&fleetv1alpha1.Device{}).WithObjects(device).Build()
	devicesClient := resourceclient.NewDeviceClient(fakeClient, wait.Backoff{Steps: 1})

	c := newStatusCoalescer(devicesClient, "fleet", time.Hour, 256)

	establishedAt := metav1.NewTime(time.Now())
	c.enqueue("dev-1", func(d *fleetv1alpha1.Device) {
		d.Status.Phase = fleetv1alpha1.DevicePhaseEnrolled
		d.Status.Gateway = "gw-1"
		d.Status.LastHeartbeat = &establishedAt
		d.Status.ConnectionInfo = &fleetv1alpha1.DeviceConnectionInfo{
			Endpoint:      "10.0.0.5:4321",
			SessionID:     "sess-1",
			EstablishedAt: &establishedAt,
		}
	})
	c.enqueue("dev-1", func(d *fleetv1alpha1.Device) {
		d.Status.Phase = fleetv1alpha1.DevicePhaseConnected
		d.Status.Gateway = "gw-1"
	})

	c.flush(context.Background())

	got, err := devicesClient.Get(context.Background(), "fleet", "dev-1")
	if err != nil {
		t.Fatalf("getting device: %v", err)
	}
	if got.Status.Phase != fleetv1alpha1.DevicePhaseConnected {
		t.Fatalf("got phase %q, want Connected", got.Status.Phase)
	}
	if got.Status.LastHeartbeat == nil {
		t.Fatal("expected LastHeartbeat to survive the second enqueue, got nil")
	}
	if got.Status.ConnectionInfo == nil {
		t.Fatal("expected ConnectionInfo to survive the second enqueue, got nil")
	}
	if got.Status.ConnectionInfo.SessionID != "sess-1" {
		t.Fatalf("got ConnectionInfo.SessionID %q, want sess-1", got.Status.ConnectionInfo.SessionID)
	}
}

// TestStatusCoalescerEnqueueOrderPreserved ensures a third mutation
// enqueued later still composes after the first two rather than
// replacing them.
func TestStatusCoalescerEnqueueOrderPreserved(t *testing.T) {
	c := newStatusCoalescer(nil, "fleet", time.Hour, 256)
	var order []int
	c.enqueue("dev-1", func(*fleetv1alpha1.Device) { order = append(order, 1) })
	c.enqueue("dev-1", func(*fleetv1alpha1.Device) { order = append(order, 2) })
	c.enqueue("dev-1", func(*fleetv1alpha1.Device) { order = append(order, 3) })

	update := c.pending["dev-1"]
	if len(update.mutations) != 3 {
		t.Fatalf("got %d queued mutations, want 3", len(update.mutations))
	}
	for _, m := range update.mutations {
		m(nil)
	}
	if order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("got order %v, want [1 2 3]", order)
	}
}
