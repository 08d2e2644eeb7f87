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
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/client"

	fleetv1alpha1 "github.com/openshift/wasm-fleet-operator/api/fleet/v1alpha1"
)

// ApplicationClient is the typed resourceclient.Client for Application resources.
type ApplicationClient = Client[*fleetv1alpha1.Application]

// NewApplicationClient builds an ApplicationClient over inner, retrying
// transient errors per backoff (DefaultBackoff if the zero value).
func NewApplicationClient(inner client.WithWatch, backoff wait.Backoff) *ApplicationClient {
	if backoff.Steps == 0 {
		backoff = DefaultBackoff
	}
	return newClient(
		inner,
		backoff,
		func() *fleetv1alpha1.Application { return &fleetv1alpha1.Application{} },
		func() client.ObjectList { return &fleetv1alpha1.ApplicationList{} },
		func(l client.ObjectList) []*fleetv1alpha1.Application {
			list := l.(*fleetv1alpha1.ApplicationList)
			items := make([]*fleetv1alpha1.Application, len(list.Items))
			for i := range list.Items {
				items[i] = &list.Items[i]
			}
			return items
		},
		func(l client.ObjectList) string { return l.(*fleetv1alpha1.ApplicationList).ResourceVersion },
	)
}
