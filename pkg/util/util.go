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

// Package util holds small helpers shared by the controller-manager and
// gateway binaries that don't belong to any single component.
package util

import (
	"fmt"
	"os"
	"strings"
)

// GetNamespace reads the namespace a pod is running in from the
// service-account projection at namespaceFile. Neither binary calls it
// at present: both take their namespace from the --namespace flag or
// its environment variable.
func GetNamespace(namespaceFile string) (string, error) {
	data, err := os.ReadFile(namespaceFile)
	if err != nil {
		return "", fmt.Errorf("failed to read namespace file %q: %w", namespaceFile, err)
	}

	ns := strings.TrimSpace(string(data))
	if ns == "" {
		return "", fmt.Errorf("namespace file %q is empty", namespaceFile)
	}
	return ns, nil
}
