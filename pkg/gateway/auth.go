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
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"

	fleetv1alpha1 "github.com/openshift/wasm-fleet-operator/api/fleet/v1alpha1"
	"github.com/openshift/wasm-fleet-operator/pkg/resourceclient"
)

// ErrUnauthorized means no registered Device matches the handshake
// public key and the gateway is not in pairing mode.
var ErrUnauthorized = errors.New("gateway: no matching device and pairing mode disabled")

// peerPublicKeyDER returns the DER-encoded SubjectPublicKeyInfo of the
// leaf certificate's public key — the same encoding Device.Spec.PublicKey
// uses, so authorization is a direct byte comparison.
func peerPublicKeyDER(cert *x509.Certificate) ([]byte, error) {
	return x509.MarshalPKIXPublicKey(cert.PublicKey)
}

// authorize implements the atomic authorization decision from the
// design: look up the Device whose spec.publicKey byte-matches pubKey;
// if none exists and pairingMode is set, authorize provisionally
// (device == nil, provisional == true); otherwise reject.
func authorize(ctx context.Context, devices *resourceclient.DeviceClient, namespace string, pubKey []byte, pairingMode bool) (device *fleetv1alpha1.Device, provisional bool, err error) {
	list, err := devices.List(ctx, namespace)
	if err != nil {
		return nil, false, fmt.Errorf("listing devices for authorization: %w", err)
	}
	for _, d := range list {
		if bytes.Equal(d.Spec.PublicKey, pubKey) {
			return d, false, nil
		}
	}
	if pairingMode {
		return nil, true, nil
	}
	return nil, false, ErrUnauthorized
}

// pairedDeviceName derives a stable name for a device enrolling under
// pairing mode: "dev-" followed by the lowercase hex of the first 8
// bytes of SHA-256(publicKey). Deterministic so a device that
// reconnects after its provisional Device resource already exists
// resolves to the same name instead of creating a duplicate.
func pairedDeviceName(pubKey []byte) string {
	sum := sha256.Sum256(pubKey)
	return "dev-" + hex.EncodeToString(sum[:8])
}
