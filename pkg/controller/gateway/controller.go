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

// Package gateway reconciles Gateway resources. Gateway process
// deployment itself is opaque infrastructure this reconciler never
// touches (spec.md §4.4.3) — the only signal it has that an instance
// is alive is the self-status heartbeat the gateway process itself
// writes to status.lastHealth (see pkg/gateway's selfstatus.go).
// Reconcile is therefore a liveness watchdog: a fresh heartbeat keeps
// status.phase at Running, and a stale or missing one moves it to
// Failed.
package gateway

import (
	"context"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/client-go/tools/record"
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
	controllerName = "gateway_controller"

	// startupGrace is how long a Gateway that has never reported a
	// heartbeat is treated as live (Running) before it's considered
	// Failed — covers the window between object creation and the first
	// self-status patch after the process actually starts.
	startupGrace = 2 * time.Minute

	EventGatewayUnhealthy = "GatewayUnhealthy"
)

// Reconciler reconciles a Gateway object.
type Reconciler struct {
	client.Client
	gateways *resourceclient.GatewayClient
	recorder record.EventRecorder
	backoff  *fleetcontroller.Backoff

	// staleAfter is how long since the last heartbeat a Gateway is
	// still considered live. Add sets it to 3 minutes when given a
	// non-positive value, as the controller-manager does; tests pass
	// their own.
	staleAfter time.Duration
}

// Add creates a new Gateway Reconciler and registers it with mgr.
func Add(mgr manager.Manager, gateways *resourceclient.GatewayClient, backoff *fleetcontroller.Backoff, staleAfter time.Duration) error {
	if staleAfter <= 0 {
		staleAfter = 3 * time.Minute
	}
	r := &Reconciler{
		Client:     mgr.GetClient(),
		gateways:   gateways,
		recorder:   mgr.GetEventRecorderFor(controllerName),
		backoff:    backoff,
		staleAfter: staleAfter,
	}
	c, err := controller.New(controllerName, mgr, controller.Options{Reconciler: r})
	if err != nil {
		return err
	}
	return c.Watch(source.Kind(mgr.GetCache(), &fleetv1alpha1.Gateway{}, &handler.TypedEnqueueRequestForObject[*fleetv1alpha1.Gateway]{}))
}

// Reconcile asserts liveness of the Gateway's instance from its own
// self-reported heartbeat and writes status.phase accordingly.
func (r *Reconciler) Reconcile(ctx context.Context, req reconcile.Request) (reconcile.Result, error) {
	key := req.NamespacedName.String()

	gw := &fleetv1alpha1.Gateway{}
	if err := r.Get(ctx, req.NamespacedName, gw); err != nil {
		if apierrors.IsNotFound(err) {
			return reconcile.Result{}, nil
		}
		return reconcile.Result{}, err
	}

	if !gw.DeletionTimestamp.IsZero() {
		return reconcile.Result{}, nil
	}

	healthy, nextCheck := r.assessLiveness(gw)

	desiredPhase := fleetv1alpha1.GatewayPhaseRunning
	if !healthy {
		desiredPhase = fleetv1alpha1.GatewayPhaseFailed
	}

	if gw.Status.Phase != desiredPhase {
		if desiredPhase == fleetv1alpha1.GatewayPhaseFailed {
			r.recorder.Eventf(gw, corev1.EventTypeWarning, EventGatewayUnhealthy, "no heartbeat within %s", r.staleAfter)
		}
		if err := r.gateways.PatchStatus(ctx, gw, func(g *fleetv1alpha1.Gateway) {
			g.Status.Phase = desiredPhase
		}); err != nil {
			return reconcile.Result{RequeueAfter: r.backoff.Next(key)}, err
		}
	}

	r.backoff.Reset(key)
	return reconcile.Result{RequeueAfter: nextCheck}, nil
}

// assessLiveness reports whether gw's heartbeat is still fresh, and
// the delay until it would next go stale (or, if already stale, a
// short recheck interval to pick up a subsequent recovery).
func (r *Reconciler) assessLiveness(gw *fleetv1alpha1.Gateway) (bool, time.Duration) {
	if gw.Status.LastHealth == nil {
		age := time.Since(gw.CreationTimestamp.Time)
		if age < startupGrace {
			return true, startupGrace - age
		}
		return false, r.staleAfter
	}

	age := time.Since(gw.Status.LastHealth.Time)
	if age < r.staleAfter {
		return true, r.staleAfter - age
	}
	return false, r.staleAfter
}
