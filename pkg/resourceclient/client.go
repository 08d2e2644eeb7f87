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

// Package resourceclient wraps a controller-runtime client with typed
// get/list/watch/patchSpec/patchStatus operations, retrying transient
// API errors with backoff and resuming watches from a resource-version
// cursor. Status patches always target the status subresource so that
// a spec watch is never woken by a status-only update.
package resourceclient

import (
	"context"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/util/retry"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// DefaultBackoff caps retries of transient store errors at 30s, per
// the failure semantics every typed client shares.
var DefaultBackoff = wait.Backoff{
	Duration: 250 * time.Millisecond,
	Factor:   2.0,
	Jitter:   0.1,
	Steps:    8,
	Cap:      30 * time.Second,
}

// EventType mirrors the three kinds a watch can report.
type EventType string

const (
	Added    EventType = "Added"
	Modified EventType = "Modified"
	Deleted  EventType = "Deleted"
)

// WatchEvent is one item off a Client's Watch channel.
type WatchEvent[T client.Object] struct {
	Type   EventType
	Object T
}

// Client is a typed wrapper around a single resource kind. Construct
// one via NewDeviceClient, NewApplicationClient, or NewGatewayClient
// rather than building the struct directly — the factory closures are
// what let a single implementation serve all three resource kinds.
type Client[T client.Object] struct {
	inner   client.WithWatch
	backoff wait.Backoff

	newObject    func() T
	newList      func() client.ObjectList
	extractItems func(client.ObjectList) []T
	resourceVer  func(client.ObjectList) string
}

func newClient[T client.Object](
	inner client.WithWatch,
	backoff wait.Backoff,
	newObject func() T,
	newList func() client.ObjectList,
	extractItems func(client.ObjectList) []T,
	resourceVer func(client.ObjectList) string,
) *Client[T] {
	return &Client[T]{
		inner:        inner,
		backoff:      backoff,
		newObject:    newObject,
		newList:      newList,
		extractItems: extractItems,
		resourceVer:  resourceVer,
	}
}

// isTransient reports whether err is worth retrying. NotFound, Conflict,
// Invalid, BadRequest, Forbidden, and Unauthorized are decisions the
// caller must act on directly — retrying them changes nothing.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case apierrors.IsNotFound(err),
		apierrors.IsConflict(err),
		apierrors.IsInvalid(err),
		apierrors.IsBadRequest(err),
		apierrors.IsForbidden(err),
		apierrors.IsUnauthorized(err):
		return false
	default:
		return true
	}
}

func retryTransient(backoff wait.Backoff, fn func() error) error {
	return retry.OnError(backoff, isTransient, fn)
}

// Get fetches a single object by namespace/name, retrying transient
// errors. A NotFound error is returned unwrapped so callers can test it
// with apierrors.IsNotFound.
func (c *Client[T]) Get(ctx context.Context, namespace, name string) (T, error) {
	obj := c.newObject()
	key := client.ObjectKey{Namespace: namespace, Name: name}
	err := retryTransient(c.backoff, func() error {
		return c.inner.Get(ctx, key, obj)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return obj, nil
}

// List returns every matching object in namespace, in the order the
// store returned them.
func (c *Client[T]) List(ctx context.Context, namespace string, opts ...client.ListOption) ([]T, error) {
	list := c.newList()
	allOpts := append([]client.ListOption{client.InNamespace(namespace)}, opts...)
	err := retryTransient(c.backoff, func() error {
		return c.inner.List(ctx, list, allOpts...)
	})
	if err != nil {
		return nil, err
	}
	return c.extractItems(list), nil
}

// Create creates obj, retrying transient errors. AlreadyExists is
// returned unwrapped so callers can test it with apierrors.IsAlreadyExists.
func (c *Client[T]) Create(ctx context.Context, obj T) error {
	return retryTransient(c.backoff, func() error {
		return c.inner.Create(ctx, obj)
	})
}

// Delete deletes obj, retrying transient errors. NotFound is returned
// unwrapped.
func (c *Client[T]) Delete(ctx context.Context, obj T) error {
	return retryTransient(c.backoff, func() error {
		return c.inner.Delete(ctx, obj)
	})
}

// PatchSpec applies mutate to obj and sends the difference from obj's
// prior state as a JSON merge patch against the main resource, never
// the status subresource.
func (c *Client[T]) PatchSpec(ctx context.Context, obj T, mutate func(T)) error {
	base := obj.DeepCopyObject().(client.Object)
	mutate(obj)
	patch := client.MergeFrom(base)
	return retryTransient(c.backoff, func() error {
		return c.inner.Patch(ctx, obj, patch)
	})
}

// PatchStatus applies mutate and patches through the status
// subresource, so this update cannot trigger a spec-watch reconcile.
func (c *Client[T]) PatchStatus(ctx context.Context, obj T, mutate func(T)) error {
	base := obj.DeepCopyObject().(client.Object)
	mutate(obj)
	patch := client.MergeFrom(base)
	return retryTransient(c.backoff, func() error {
		return c.inner.Status().Patch(ctx, obj, patch)
	})
}

// Watch returns a channel of events for namespace, starting from
// resumeVersion (empty to start with a full list). The channel closes
// when ctx is done. A cursor the store reports as too old triggers a
// transparent full re-list rather than surfacing the error.
func (c *Client[T]) Watch(ctx context.Context, namespace, resumeVersion string) <-chan WatchEvent[T] {
	out := make(chan WatchEvent[T])
	go c.watchLoop(ctx, namespace, resumeVersion, out)
	return out
}

func (c *Client[T]) watchLoop(ctx context.Context, namespace, resumeVersion string, out chan<- WatchEvent[T]) {
	defer close(out)

	version := resumeVersion
	consecutiveFailures := 0

	for {
		if ctx.Err() != nil {
			return
		}

		if version == "" {
			list := c.newList()
			err := retryTransient(c.backoff, func() error {
				return c.inner.List(ctx, list, client.InNamespace(namespace))
			})
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				klog.ErrorS(err, "resourceclient: full relist failed, backing off")
				if !sleepBackoff(ctx, c.backoff, &consecutiveFailures) {
					return
				}
				continue
			}
			consecutiveFailures = 0
			version = c.resourceVer(list)
			for _, item := range c.extractItems(list) {
				if !send(ctx, out, WatchEvent[T]{Type: Added, Object: item}) {
					return
				}
			}
		}

		listOpts := &client.ListOptions{
			Namespace: namespace,
			Raw:       &metav1.ListOptions{ResourceVersion: version},
		}
		list := c.newList()
		w, err := c.inner.Watch(ctx, list, listOpts)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if apierrors.IsResourceExpired(err) || apierrors.IsGone(err) {
				version = ""
				continue
			}
			klog.ErrorS(err, "resourceclient: watch establish failed, backing off")
			if !sleepBackoff(ctx, c.backoff, &consecutiveFailures) {
				return
			}
			continue
		}
		consecutiveFailures = 0

		relist := c.drainWatch(ctx, w, out, &version)
		w.Stop()
		if !relist {
			return
		}
	}
}

// drainWatch consumes one watch.Interface until it closes or reports a
// too-old cursor. Returns true if the caller should reconnect (and
// possibly relist, if version was cleared), false if ctx ended.
func (c *Client[T]) drainWatch(ctx context.Context, w watch.Interface, out chan<- WatchEvent[T], version *string) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-w.ResultChan():
			if !ok {
				return true
			}
			switch event.Type {
			case watch.Added, watch.Modified, watch.Deleted:
				obj, ok := event.Object.(T)
				if !ok {
					continue
				}
				if accessor, err := meta.Accessor(obj); err == nil {
					*version = accessor.GetResourceVersion()
				}
				if !send(ctx, out, WatchEvent[T]{Type: mapEventType(event.Type), Object: obj}) {
					return false
				}
			case watch.Error:
				if status, ok := event.Object.(*metav1.Status); ok {
					err := apierrors.FromObject(status)
					if apierrors.IsResourceExpired(err) || apierrors.IsGone(err) {
						*version = ""
					}
				}
				return true
			}
		}
	}
}

func mapEventType(t watch.EventType) EventType {
	switch t {
	case watch.Added:
		return Added
	case watch.Deleted:
		return Deleted
	default:
		return Modified
	}
}

func send[T client.Object](ctx context.Context, out chan<- WatchEvent[T], ev WatchEvent[T]) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// sleepBackoff sleeps the backoff.Duration scaled by the number of
// consecutive failures already observed (capped), returning false if
// ctx ended during the sleep.
func sleepBackoff(ctx context.Context, backoff wait.Backoff, consecutiveFailures *int) bool {
	*consecutiveFailures++
	d := backoff.Duration
	for i := 1; i < *consecutiveFailures && i < backoff.Steps; i++ {
		d = time.Duration(float64(d) * backoff.Factor)
		if backoff.Cap > 0 && d > backoff.Cap {
			d = backoff.Cap
			break
		}
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
