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
	"sync"
	"time"

	"k8s.io/klog/v2"

	fleetv1alpha1 "github.com/openshift/wasm-fleet-operator/api/fleet/v1alpha1"
	"github.com/openshift/wasm-fleet-operator/pkg/resourceclient"
)

// deviceStatusUpdate accumulates every pending status mutation for one
// device, keyed by device name. Mutations compose rather than
// last-write-wins: two enqueues microseconds apart (e.g. Enrolled then
// Connected) must both apply at flush time, in the order they arrived,
// or the first one's fields (ConnectionInfo, LastHeartbeat) are lost.
type deviceStatusUpdate struct {
	name      string
	mutations []func(*fleetv1alpha1.Device)
}

// statusCoalescer batches Device status patches so that a burst of
// heartbeats within window collapses into one patch per device. The
// buffer is bounded; once full, the oldest pending key is dropped
// (counted) to make room rather than growing without limit or
// blocking the session tasks producing updates.
type statusCoalescer struct {
	devices   *resourceclient.DeviceClient
	namespace string
	window    time.Duration
	maxSize   int

	mu      sync.Mutex
	pending map[string]deviceStatusUpdate
	order   []string // insertion order, for oldest-dropped eviction
	dropped int
}

func newStatusCoalescer(devices *resourceclient.DeviceClient, namespace string, window time.Duration, maxSize int) *statusCoalescer {
	return &statusCoalescer{
		devices:   devices,
		namespace: namespace,
		window:    window,
		maxSize:   maxSize,
		pending:   make(map[string]deviceStatusUpdate),
	}
}

// enqueue schedules mutate to run against the named device's status on
// the next flush.
func (c *statusCoalescer) enqueue(name string, mutate func(*fleetv1alpha1.Device)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	update, exists := c.pending[name]
	if !exists {
		if c.maxSize > 0 && len(c.pending) >= c.maxSize {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.pending, oldest)
			c.dropped++
		}
		c.order = append(c.order, name)
		update = deviceStatusUpdate{name: name}
	}
	update.mutations = append(update.mutations, mutate)
	c.pending[name] = update
}

// DroppedCount reports how many pending updates have been evicted for
// space. The admin HTTP surface does not serve it.
func (c *statusCoalescer) DroppedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// run flushes the buffer every window until ctx is done.
func (c *statusCoalescer) run(ctx context.Context) {
	ticker := time.NewTicker(c.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.flush(context.Background())
			return
		case <-ticker.C:
			c.flush(ctx)
		}
	}
}

func (c *statusCoalescer) flush(ctx context.Context) {
	c.mu.Lock()
	batch := c.pending
	c.pending = make(map[string]deviceStatusUpdate)
	c.order = nil
	c.mu.Unlock()

	for name, update := range batch {
		device, err := c.devices.Get(ctx, c.namespace, name)
		if err != nil {
			klog.V(2).InfoS("status coalesce: device lookup failed, dropping update", "device", name, "err", err)
			continue
		}
		mutations := update.mutations
		err = c.devices.PatchStatus(ctx, device, func(d *fleetv1alpha1.Device) {
			for _, mutate := range mutations {
				mutate(d)
			}
		})
		if err != nil {
			klog.V(2).InfoS("status coalesce: patch failed", "device", name, "err", err)
		}
	}
}
