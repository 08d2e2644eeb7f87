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
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/klog/v2"

	fleetv1alpha1 "github.com/openshift/wasm-fleet-operator/api/fleet/v1alpha1"
)

// runSelfStatus periodically patches this gateway's own Gateway
// resource with its connected-device count and phase, independent of
// the Gateway reconciler's view of the deployment: only the running
// process knows its true session count.
func (s *Server) runSelfStatus(ctx context.Context) {
	interval := s.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.publishSelfStatus(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publishSelfStatus(ctx)
		}
	}
}

func (s *Server) publishSelfStatus(ctx context.Context) {
	gw, err := s.gateways.Get(ctx, s.cfg.Namespace, s.cfg.GatewayName)
	if err != nil {
		klog.V(2).InfoS("gateway: self-status: could not fetch own Gateway resource", "gateway", s.cfg.GatewayName, "err", err)
		return
	}

	connected := s.sessions.Count()
	err = s.gateways.PatchStatus(ctx, gw, func(g *fleetv1alpha1.Gateway) {
		g.Status.Phase = fleetv1alpha1.GatewayPhaseRunning
		g.Status.ConnectedDevices = int32(connected)
		now := metav1.Now()
		g.Status.LastHealth = &now
	})
	if err != nil {
		klog.ErrorS(err, "gateway: self-status: failed to patch Gateway status", "gateway", s.cfg.GatewayName)
	}
}
