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

// Package controller wires the Device, Application, and Gateway
// reconcilers into a controller-runtime manager.
package controller

import (
	"sigs.k8s.io/controller-runtime/pkg/manager"
)

// AddToManager registers every controller constructor in fnList against m.
func AddToManager(m manager.Manager, fnList ...func(manager.Manager) error) error {
	for _, f := range fnList {
		if err := f(m); err != nil {
			return err
		}
	}
	return nil
}
