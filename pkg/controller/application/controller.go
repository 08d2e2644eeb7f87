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

// Package application reconciles Application resources: resolving the
// target device set, pushing deploys and stops through the gateway
// admin API, and aggregating per-device status into the Application's
// overall phase and metrics.
package application

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/tools/record"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"
	"sigs.k8s.io/controller-runtime/pkg/source"

	fleetv1alpha1 "github.com/openshift/wasm-fleet-operator/api/fleet/v1alpha1"
	"github.com/openshift/wasm-fleet-operator/pkg/codec"
	fleetcontroller "github.com/openshift/wasm-fleet-operator/pkg/controller"
	"github.com/openshift/wasm-fleet-operator/pkg/resourceclient"
)

const (
	controllerName = "application_controller"

	// observedGenerationAnnotation lets the reconciler tell a genuinely
	// new rollout (spec changed) apart from re-reconciling the same
	// spec after a device exhausted its maxRestarts budget.
	observedGenerationAnnotation = "fleet.openshift.io/observed-generation"
	finalizerName                = "fleet.openshift.io/application-cleanup"

	EventDeployPushed  = "DeployPushed"
	EventDeployOffline = "DeviceOffline"
	EventMaxRestarts   = "MaxRestartsExceeded"
)

// Reconciler reconciles an Application object.
type Reconciler struct {
	client.Client
	devices             *resourceclient.DeviceClient
	applications        *resourceclient.ApplicationClient
	pusher              *Pusher
	recorder            record.EventRecorder
	backoff             *fleetcontroller.Backoff
	namespace           string
	maxConcurrentPushes int
}

// defaultMaxConcurrentPushes bounds how many devices a single
// Reconcile call pushes deploys/stops to at once, so one Application
// targeting thousands of devices doesn't serialize entirely behind a
// slow or offline gateway.
const defaultMaxConcurrentPushes = 8

// Add creates a new Application Reconciler and registers it with mgr.
func Add(mgr manager.Manager, devices *resourceclient.DeviceClient, applications *resourceclient.ApplicationClient, pusher *Pusher, backoff *fleetcontroller.Backoff, namespace string) error {
	r := &Reconciler{
		Client:              mgr.GetClient(),
		devices:             devices,
		applications:        applications,
		pusher:              pusher,
		recorder:            mgr.GetEventRecorderFor(controllerName),
		backoff:             backoff,
		namespace:           namespace,
		maxConcurrentPushes: defaultMaxConcurrentPushes,
	}
	c, err := controller.New(controllerName, mgr, controller.Options{Reconciler: r})
	if err != nil {
		return err
	}
	return c.Watch(source.Kind(mgr.GetCache(), &fleetv1alpha1.Application{}, &handler.TypedEnqueueRequestForObject[*fleetv1alpha1.Application]{}))
}

// Reconcile drives an Application's per-device rollout toward its
// resolved target device set.
func (r *Reconciler) Reconcile(ctx context.Context, req reconcile.Request) (reconcile.Result, error) {
	key := req.NamespacedName.String()

	app := &fleetv1alpha1.Application{}
	if err := r.Get(ctx, req.NamespacedName, app); err != nil {
		if apierrors.IsNotFound(err) {
			return reconcile.Result{}, nil
		}
		return reconcile.Result{}, err
	}

	if !app.DeletionTimestamp.IsZero() {
		return r.reconcileDeletion(ctx, app, key)
	}
	if !containsString(app.Finalizers, finalizerName) {
		if err := r.applications.PatchSpec(ctx, app, func(a *fleetv1alpha1.Application) {
			a.Finalizers = append(a.Finalizers, finalizerName)
		}); err != nil {
			return reconcile.Result{RequeueAfter: r.backoff.Next(key)}, fmt.Errorf("adding finalizer: %w", err)
		}
	}

	generation := strconv.FormatInt(app.Generation, 10)
	specChanged := app.Annotations[observedGenerationAnnotation] != generation
	if specChanged {
		if err := r.applications.PatchSpec(ctx, app, func(a *fleetv1alpha1.Application) {
			if a.Annotations == nil {
				a.Annotations = map[string]string{}
			}
			a.Annotations[observedGenerationAnnotation] = generation
		}); err != nil {
			return reconcile.Result{RequeueAfter: r.backoff.Next(key)}, fmt.Errorf("recording observed generation: %w", err)
		}
	}

	targets, err := r.resolveTargets(ctx, app)
	if err != nil {
		return reconcile.Result{RequeueAfter: r.backoff.Next(key)}, fmt.Errorf("resolving target devices: %w", err)
	}
	targetSet := make(map[string]bool, len(targets))
	for _, name := range targets {
		targetSet[name] = true
	}

	statuses := map[string]fleetv1alpha1.DeviceApplicationStatus{}
	for name, st := range app.Status.DeviceStatuses {
		if specChanged && st.Phase == fleetv1alpha1.DeviceApplicationPhaseFailed {
			st.RestartCount = 0
		}
		statuses[name] = st
	}

	// Snapshot which entries are untargeted before any goroutine below
	// starts mutating statuses concurrently.
	untargeted := make(map[string]fleetv1alpha1.DeviceApplicationStatus)
	for name, st := range statuses {
		if !targetSet[name] {
			untargeted[name] = st
		}
	}

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.concurrencyLimit())

	for _, name := range targets {
		st, exists := statuses[name]
		if exists && (st.Phase == fleetv1alpha1.DeviceApplicationPhaseRunning || st.Phase == fleetv1alpha1.DeviceApplicationPhaseDeploying) {
			continue
		}
		if exists && st.Phase == fleetv1alpha1.DeviceApplicationPhaseFailed && st.RestartCount >= app.Spec.Config.MaxRestarts {
			continue // exhausted its retry budget; wait for a spec change
		}
		group.Go(func() error {
			result := r.pushDeploy(groupCtx, app, name, st)
			mu.Lock()
			statuses[name] = result
			mu.Unlock()
			return nil
		})
	}

	for name, st := range untargeted {
		if st.Phase == fleetv1alpha1.DeviceApplicationPhaseStopped {
			mu.Lock()
			delete(statuses, name)
			mu.Unlock()
			continue
		}
		group.Go(func() error {
			result := r.pushStop(groupCtx, app, name, st)
			mu.Lock()
			statuses[name] = result
			mu.Unlock()
			return nil
		})
	}

	// pushDeploy/pushStop never return an error themselves (failures are
	// encoded in the returned status) and every goroutine returns nil, so
	// Wait reports no error here.
	if err := group.Wait(); err != nil {
		return reconcile.Result{RequeueAfter: r.backoff.Next(key)}, fmt.Errorf("pushing to target devices: %w", err)
	}

	newStatus := fleetv1alpha1.ApplicationStatus{DeviceStatuses: statuses}
	recomputeMetrics(&newStatus)

	if err := r.applications.PatchStatus(ctx, app, func(a *fleetv1alpha1.Application) {
		a.Status.DeviceStatuses = newStatus.DeviceStatuses
		a.Status.Metrics = newStatus.Metrics
		a.Status.Phase = newStatus.Phase
		now := metav1.Now()
		a.Status.LastUpdated = &now
	}); err != nil {
		return reconcile.Result{RequeueAfter: r.backoff.Next(key)}, fmt.Errorf("patching application status: %w", err)
	}

	r.backoff.Reset(key)
	return reconcile.Result{}, nil
}

func (r *Reconciler) reconcileDeletion(ctx context.Context, app *fleetv1alpha1.Application, key string) (reconcile.Result, error) {
	if !containsString(app.Finalizers, finalizerName) {
		return reconcile.Result{}, nil
	}
	for name := range app.Status.DeviceStatuses {
		device, err := r.devices.Get(ctx, r.namespace, name)
		if err != nil {
			if apierrors.IsNotFound(err) {
				continue
			}
			return reconcile.Result{RequeueAfter: r.backoff.Next(key)}, err
		}
		if _, err := r.pusher.Stop(ctx, device, app.Name); err != nil {
			klog.ErrorS(err, "application: stop-on-delete failed", "application", app.Name, "device", name)
			return reconcile.Result{RequeueAfter: r.backoff.Next(key)}, nil
		}
	}

	if err := r.applications.PatchSpec(ctx, app, func(a *fleetv1alpha1.Application) {
		a.Finalizers = removeString(a.Finalizers, finalizerName)
	}); err != nil {
		return reconcile.Result{RequeueAfter: r.backoff.Next(key)}, fmt.Errorf("removing finalizer: %w", err)
	}
	r.backoff.Reset(key)
	return reconcile.Result{}, nil
}

// resolveTargets unions spec.targetDevices.deviceNames with the label
// selector match, deduplicates, sorts lexicographically, and truncates
// to Count — the stable, reproducible sample spec.md's Open Question
// resolves to.
func (r *Reconciler) resolveTargets(ctx context.Context, app *fleetv1alpha1.Application) ([]string, error) {
	set := map[string]bool{}
	for _, name := range app.Spec.TargetDevices.DeviceNames {
		set[name] = true
	}

	if app.Spec.TargetDevices.LabelSelector != nil {
		selector, err := metav1.LabelSelectorAsSelector(app.Spec.TargetDevices.LabelSelector)
		if err != nil {
			return nil, fmt.Errorf("parsing targetDevices.labelSelector: %w", err)
		}
		all, err := r.devices.List(ctx, r.namespace)
		if err != nil {
			return nil, fmt.Errorf("listing devices: %w", err)
		}
		for _, d := range all {
			if selector.Matches(labels.Set(d.Labels)) {
				set[d.Name] = true
			}
		}
	}

	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)

	if app.Spec.TargetDevices.Count != nil && int(*app.Spec.TargetDevices.Count) < len(names) {
		names = names[:*app.Spec.TargetDevices.Count]
	}
	return names, nil
}

func (r *Reconciler) concurrencyLimit() int {
	if r.maxConcurrentPushes <= 0 {
		return defaultMaxConcurrentPushes
	}
	return r.maxConcurrentPushes
}

func (r *Reconciler) pushDeploy(ctx context.Context, app *fleetv1alpha1.Application, deviceName string, prior fleetv1alpha1.DeviceApplicationStatus) fleetv1alpha1.DeviceApplicationStatus {
	now := metav1.Now()
	device, err := r.devices.Get(ctx, r.namespace, deviceName)
	if err != nil {
		return fleetv1alpha1.DeviceApplicationStatus{Phase: fleetv1alpha1.DeviceApplicationPhaseFailed, LastUpdated: &now, Error: "device not found", RestartCount: prior.RestartCount}
	}

	outcome, err := r.pusher.Deploy(ctx, device, app.Name, uuid.NewString(), app.Spec.WasmBytes, deployConfigFromSpec(app.Spec.Config))
	if err != nil {
		klog.ErrorS(err, "application: deploy push failed", "application", app.Name, "device", deviceName)
		return fleetv1alpha1.DeviceApplicationStatus{Phase: fleetv1alpha1.DeviceApplicationPhaseFailed, LastUpdated: &now, Error: err.Error(), RestartCount: prior.RestartCount + 1}
	}

	switch outcome {
	case PushOutcomeQueued:
		r.recorder.Eventf(app, corev1.EventTypeNormal, EventDeployPushed, "pushed deploy to device %q", deviceName)
		return fleetv1alpha1.DeviceApplicationStatus{Phase: fleetv1alpha1.DeviceApplicationPhaseDeploying, LastUpdated: &now, RestartCount: prior.RestartCount}
	case PushOutcomeInFlight:
		return prior
	default: // Offline
		r.recorder.Eventf(app, corev1.EventTypeWarning, EventDeployOffline, "device %q is offline", deviceName)
		restarts := prior.RestartCount + 1
		if restarts >= app.Spec.Config.MaxRestarts {
			r.recorder.Eventf(app, corev1.EventTypeWarning, EventMaxRestarts, "device %q exceeded maxRestarts", deviceName)
		}
		return fleetv1alpha1.DeviceApplicationStatus{Phase: fleetv1alpha1.DeviceApplicationPhaseFailed, LastUpdated: &now, Error: "offline", RestartCount: restarts}
	}
}

func (r *Reconciler) pushStop(ctx context.Context, app *fleetv1alpha1.Application, deviceName string, prior fleetv1alpha1.DeviceApplicationStatus) fleetv1alpha1.DeviceApplicationStatus {
	now := metav1.Now()
	device, err := r.devices.Get(ctx, r.namespace, deviceName)
	if err != nil {
		return prior
	}
	outcome, err := r.pusher.Stop(ctx, device, app.Name)
	if err != nil {
		klog.ErrorS(err, "application: stop push failed", "application", app.Name, "device", deviceName)
		return prior
	}
	if outcome == PushOutcomeQueued || outcome == PushOutcomeOffline {
		return fleetv1alpha1.DeviceApplicationStatus{Phase: fleetv1alpha1.DeviceApplicationPhaseStopped, LastUpdated: &now}
	}
	return prior
}

func deployConfigFromSpec(cfg fleetv1alpha1.ApplicationConfig) codec.DeployConfig {
	return codec.DeployConfig{
		MemoryLimit:     cfg.MemoryLimit,
		CPUTimeLimit:    cfg.CPUTimeLimit,
		AutoRestart:     cfg.AutoRestart,
		MaxRestarts:     cfg.MaxRestarts,
		Timeout:         cfg.Timeout,
		EnvironmentVars: cfg.EnvironmentVars,
		Args:            cfg.Args,
	}
}

// recomputeMetrics derives Metrics and the aggregate Phase from
// DeviceStatuses, per spec.md's phase table.
func recomputeMetrics(status *fleetv1alpha1.ApplicationStatus) {
	var total, running, deploying, failed, stopped int32
	for _, st := range status.DeviceStatuses {
		total++
		switch st.Phase {
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
	status.Metrics = fleetv1alpha1.ApplicationMetrics{Total: total, Running: running, Failed: failed, Stopped: stopped}

	switch {
	case total == 0:
		status.Phase = fleetv1alpha1.ApplicationPhaseCreating
	case running == total:
		status.Phase = fleetv1alpha1.ApplicationPhaseRunning
	case deploying > 0:
		status.Phase = fleetv1alpha1.ApplicationPhaseDeploying
	case stopped == total:
		status.Phase = fleetv1alpha1.ApplicationPhaseStopped
	case failed == total:
		status.Phase = fleetv1alpha1.ApplicationPhaseFailed
	default:
		status.Phase = fleetv1alpha1.ApplicationPhasePartiallyRunning
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
