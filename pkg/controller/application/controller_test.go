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

package application

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
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

func count32(n int32) *int32 { return &n }

func TestResolveTargetsUnionSortsAndTruncates(t *testing.T) {
	devices := []*fleetv1alpha1.Device{
		{ObjectMeta: metav1.ObjectMeta{Name: "dev-c", Namespace: "fleet", Labels: map[string]string{"fleet": "a"}}, Spec: fleetv1alpha1.DeviceSpec{Kind: fleetv1alpha1.DeviceKindMCU, McuType: "qemu-arm"}},
		{ObjectMeta: metav1.ObjectMeta{Name: "dev-a", Namespace: "fleet", Labels: map[string]string{"fleet": "a"}}, Spec: fleetv1alpha1.DeviceSpec{Kind: fleetv1alpha1.DeviceKindMCU, McuType: "qemu-arm"}},
		{ObjectMeta: metav1.ObjectMeta{Name: "dev-b", Namespace: "fleet"}, Spec: fleetv1alpha1.DeviceSpec{Kind: fleetv1alpha1.DeviceKindMCU, McuType: "qemu-arm"}},
	}
	fakeClient := fake.NewClientBuilder().WithScheme(newScheme(t))
	for _, d := range devices {
		fakeClient = fakeClient.WithObjects(d)
	}
	devicesClient := resourceclient.NewDeviceClient(fakeClient.Build(), wait.Backoff{})

	r := &Reconciler{devices: devicesClient, namespace: "fleet"}
	app := &fleetv1alpha1.Application{
		Spec: fleetv1alpha1.ApplicationSpec{
			TargetDevices: fleetv1alpha1.TargetDevices{
				DeviceNames:   []string{"dev-b"},
				LabelSelector: &metav1.LabelSelector{MatchLabels: map[string]string{"fleet": "a"}},
				Count:         count32(2),
			},
		},
	}

	got, err := r.resolveTargets(context.Background(), app)
	if err != nil {
		t.Fatalf("resolveTargets: %v", err)
	}
	want := []string{"dev-a", "dev-b"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestRecomputeMetricsPhases(t *testing.T) {
	cases := []struct {
		name     string
		statuses map[string]fleetv1alpha1.DeviceApplicationStatus
		want     fleetv1alpha1.ApplicationPhase
	}{
		{"empty", nil, fleetv1alpha1.ApplicationPhaseCreating},
		{"all running", map[string]fleetv1alpha1.DeviceApplicationStatus{
			"a": {Phase: fleetv1alpha1.DeviceApplicationPhaseRunning},
			"b": {Phase: fleetv1alpha1.DeviceApplicationPhaseRunning},
		}, fleetv1alpha1.ApplicationPhaseRunning},
		{"one deploying", map[string]fleetv1alpha1.DeviceApplicationStatus{
			"a": {Phase: fleetv1alpha1.DeviceApplicationPhaseRunning},
			"b": {Phase: fleetv1alpha1.DeviceApplicationPhaseDeploying},
		}, fleetv1alpha1.ApplicationPhaseDeploying},
		{"all stopped", map[string]fleetv1alpha1.DeviceApplicationStatus{
			"a": {Phase: fleetv1alpha1.DeviceApplicationPhaseStopped},
		}, fleetv1alpha1.ApplicationPhaseStopped},
		{"all failed", map[string]fleetv1alpha1.DeviceApplicationStatus{
			"a": {Phase: fleetv1alpha1.DeviceApplicationPhaseFailed},
		}, fleetv1alpha1.ApplicationPhaseFailed},
		{"mixed running and failed", map[string]fleetv1alpha1.DeviceApplicationStatus{
			"a": {Phase: fleetv1alpha1.DeviceApplicationPhaseRunning},
			"b": {Phase: fleetv1alpha1.DeviceApplicationPhaseFailed},
		}, fleetv1alpha1.ApplicationPhasePartiallyRunning},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status := fleetv1alpha1.ApplicationStatus{DeviceStatuses: tc.statuses}
			recomputeMetrics(&status)
			if status.Phase != tc.want {
				t.Fatalf("got phase %q, want %q", status.Phase, tc.want)
			}
		})
	}
}

// fakeGatewayAdmin serves /deploy and /stop with a fixed status code,
// recording every request it receives.
type fakeGatewayAdmin struct {
	deployStatus int
	stopStatus   int
	deployCalls  int
	stopCalls    int
}

func (f *fakeGatewayAdmin) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/deploy":
			f.deployCalls++
			w.WriteHeader(f.deployStatus)
		case "/stop":
			f.stopCalls++
			w.WriteHeader(f.stopStatus)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func setupReconciler(t *testing.T, srv *httptest.Server, gatewayName string, devices []*fleetv1alpha1.Device, apps []*fleetv1alpha1.Application) (*Reconciler, client.WithWatch) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parsing test server URL: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parsing test server port: %v", err)
	}

	gw := &fleetv1alpha1.Gateway{
		ObjectMeta: metav1.ObjectMeta{Name: gatewayName, Namespace: "fleet"},
		Spec:       fleetv1alpha1.GatewaySpec{Endpoint: u.Hostname(), HTTPPort: int32(port)},
	}

	builder := fake.NewClientBuilder().WithScheme(newScheme(t)).
		WithStatusSubresource(&fleetv1alpha1.Device{}, &fleetv1alpha1.Application{}, &fleetv1alpha1.Gateway{}).
		WithObjects(gw)
	for _, d := range devices {
		builder = builder.WithObjects(d)
	}
	for _, a := range apps {
		builder = builder.WithObjects(a)
	}
	fakeClient := builder.Build()

	deviceClient := resourceclient.NewDeviceClient(fakeClient, wait.Backoff{})
	applicationClient := resourceclient.NewApplicationClient(fakeClient, wait.Backoff{})
	gatewayClient := resourceclient.NewGatewayClient(fakeClient, wait.Backoff{})
	pusher := NewPusher(gatewayClient, "fleet")

	r := &Reconciler{
		Client:       fakeClient,
		devices:      deviceClient,
		applications: applicationClient,
		pusher:       pusher,
		recorder:     record.NewFakeRecorder(32),
		backoff:      fleetcontroller.NewBackoff(0, 0),
		namespace:    "fleet",
	}
	return r, fakeClient
}

func TestReconcileDeploysToOfflineDeviceRecordsFailed(t *testing.T) {
	admin := &fakeGatewayAdmin{deployStatus: http.StatusOK}
	srv := httptest.NewServer(admin.handler())
	defer srv.Close()

	device := &fleetv1alpha1.Device{
		ObjectMeta: metav1.ObjectMeta{Name: "dev-1", Namespace: "fleet"},
		Spec:       fleetv1alpha1.DeviceSpec{Kind: fleetv1alpha1.DeviceKindMCU, McuType: "qemu-arm"},
		// Status.Gateway intentionally unset: device has no active session.
	}
	app := &fleetv1alpha1.Application{
		ObjectMeta: metav1.ObjectMeta{Name: "app-1", Namespace: "fleet"},
		Spec: fleetv1alpha1.ApplicationSpec{
			WasmBytes:     []byte{0, 1, 2},
			TargetDevices: fleetv1alpha1.TargetDevices{DeviceNames: []string{"dev-1"}},
			Config:        fleetv1alpha1.ApplicationConfig{MaxRestarts: 3},
		},
	}

	r, fakeClient := setupReconciler(t, srv, "gw-1", []*fleetv1alpha1.Device{device}, []*fleetv1alpha1.Application{app})

	_, err := r.Reconcile(context.Background(), reconcile.Request{NamespacedName: client.ObjectKeyFromObject(app)})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	updated := &fleetv1alpha1.Application{}
	if err := fakeClient.Get(context.Background(), client.ObjectKeyFromObject(app), updated); err != nil {
		t.Fatalf("Get: %v", err)
	}
	st, ok := updated.Status.DeviceStatuses["dev-1"]
	if !ok {
		t.Fatalf("expected a dev-1 status entry, got %v", updated.Status.DeviceStatuses)
	}
	if st.Phase != fleetv1alpha1.DeviceApplicationPhaseFailed || st.Error != "offline" {
		t.Fatalf("got %+v, want Failed/offline", st)
	}
	if admin.deployCalls != 0 {
		t.Fatalf("admin should never be called for a device with no assigned gateway, got %d calls", admin.deployCalls)
	}
}

func TestReconcileDeploysToConnectedDevice(t *testing.T) {
	admin := &fakeGatewayAdmin{deployStatus: http.StatusOK}
	srv := httptest.NewServer(admin.handler())
	defer srv.Close()

	device := &fleetv1alpha1.Device{
		ObjectMeta: metav1.ObjectMeta{Name: "dev-1", Namespace: "fleet"},
		Spec:       fleetv1alpha1.DeviceSpec{Kind: fleetv1alpha1.DeviceKindMCU, McuType: "qemu-arm"},
		Status:     fleetv1alpha1.DeviceStatus{Phase: fleetv1alpha1.DevicePhaseConnected, Gateway: "gw-1"},
	}
	app := &fleetv1alpha1.Application{
		ObjectMeta: metav1.ObjectMeta{Name: "app-1", Namespace: "fleet"},
		Spec: fleetv1alpha1.ApplicationSpec{
			WasmBytes:     []byte{0, 1, 2},
			TargetDevices: fleetv1alpha1.TargetDevices{DeviceNames: []string{"dev-1"}},
			Config:        fleetv1alpha1.ApplicationConfig{MaxRestarts: 3},
		},
	}

	r, fakeClient := setupReconciler(t, srv, "gw-1", []*fleetv1alpha1.Device{device}, []*fleetv1alpha1.Application{app})

	_, err := r.Reconcile(context.Background(), reconcile.Request{NamespacedName: client.ObjectKeyFromObject(app)})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if admin.deployCalls != 1 {
		t.Fatalf("got %d deploy calls, want 1", admin.deployCalls)
	}

	updated := &fleetv1alpha1.Application{}
	if err := fakeClient.Get(context.Background(), client.ObjectKeyFromObject(app), updated); err != nil {
		t.Fatalf("Get: %v", err)
	}
	st := updated.Status.DeviceStatuses["dev-1"]
	if st.Phase != fleetv1alpha1.DeviceApplicationPhaseDeploying {
		t.Fatalf("got phase %q, want Deploying", st.Phase)
	}
	if updated.Status.Phase != fleetv1alpha1.ApplicationPhaseDeploying {
		t.Fatalf("got aggregate phase %q, want Deploying", updated.Status.Phase)
	}
}

func TestReconcileStopsUntargetedDevice(t *testing.T) {
	admin := &fakeGatewayAdmin{stopStatus: http.StatusOK}
	srv := httptest.NewServer(admin.handler())
	defer srv.Close()

	device := &fleetv1alpha1.Device{
		ObjectMeta: metav1.ObjectMeta{Name: "dev-1", Namespace: "fleet"},
		Spec:       fleetv1alpha1.DeviceSpec{Kind: fleetv1alpha1.DeviceKindMCU, McuType: "qemu-arm"},
		Status:     fleetv1alpha1.DeviceStatus{Phase: fleetv1alpha1.DevicePhaseConnected, Gateway: "gw-1"},
	}
	app := &fleetv1alpha1.Application{
		ObjectMeta: metav1.ObjectMeta{Name: "app-1", Namespace: "fleet"},
		Spec: fleetv1alpha1.ApplicationSpec{
			WasmBytes:     []byte{0, 1, 2},
			TargetDevices: fleetv1alpha1.TargetDevices{}, // no targets now
		},
		Status: fleetv1alpha1.ApplicationStatus{
			DeviceStatuses: map[string]fleetv1alpha1.DeviceApplicationStatus{
				"dev-1": {Phase: fleetv1alpha1.DeviceApplicationPhaseRunning},
			},
		},
	}

	r, fakeClient := setupReconciler(t, srv, "gw-1", []*fleetv1alpha1.Device{device}, []*fleetv1alpha1.Application{app})

	_, err := r.Reconcile(context.Background(), reconcile.Request{NamespacedName: client.ObjectKeyFromObject(app)})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if admin.stopCalls != 1 {
		t.Fatalf("got %d stop calls, want 1", admin.stopCalls)
	}

	updated := &fleetv1alpha1.Application{}
	if err := fakeClient.Get(context.Background(), client.ObjectKeyFromObject(app), updated); err != nil {
		t.Fatalf("Get: %v", err)
	}
	st, ok := updated.Status.DeviceStatuses["dev-1"]
	if !ok {
		t.Fatalf("expected dev-1 status to survive this reconcile as Stopped, got removed entirely")
	}
	if st.Phase != fleetv1alpha1.DeviceApplicationPhaseStopped {
		t.Fatalf("got phase %q, want Stopped", st.Phase)
	}
}

func TestReconcileSkipsDeviceThatExhaustedMaxRestarts(t *testing.T) {
	admin := &fakeGatewayAdmin{deployStatus: http.StatusOK}
	srv := httptest.NewServer(admin.handler())
	defer srv.Close()

	device := &fleetv1alpha1.Device{
		ObjectMeta: metav1.ObjectMeta{Name: "dev-1", Namespace: "fleet"},
		Spec:       fleetv1alpha1.DeviceSpec{Kind: fleetv1alpha1.DeviceKindMCU, McuType: "qemu-arm"},
		Status:     fleetv1alpha1.DeviceStatus{Phase: fleetv1alpha1.DevicePhaseConnected, Gateway: "gw-1"},
	}
	app := &fleetv1alpha1.Application{
		ObjectMeta: metav1.ObjectMeta{Name: "app-1", Namespace: "fleet", Generation: 1,
			Annotations: map[string]string{observedGenerationAnnotation: "1"}},
		Spec: fleetv1alpha1.ApplicationSpec{
			WasmBytes:     []byte{0, 1, 2},
			TargetDevices: fleetv1alpha1.TargetDevices{DeviceNames: []string{"dev-1"}},
			Config:        fleetv1alpha1.ApplicationConfig{MaxRestarts: 2},
		},
		Status: fleetv1alpha1.ApplicationStatus{
			DeviceStatuses: map[string]fleetv1alpha1.DeviceApplicationStatus{
				"dev-1": {Phase: fleetv1alpha1.DeviceApplicationPhaseFailed, RestartCount: 2, Error: "offline"},
			},
		},
	}

	r, _ := setupReconciler(t, srv, "gw-1", []*fleetv1alpha1.Device{device}, []*fleetv1alpha1.Application{app})

	_, err := r.Reconcile(context.Background(), reconcile.Request{NamespacedName: client.ObjectKeyFromObject(app)})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if admin.deployCalls != 0 {
		t.Fatalf("got %d deploy calls, want 0 — device exhausted its maxRestarts budget with no spec change", admin.deployCalls)
	}
}
