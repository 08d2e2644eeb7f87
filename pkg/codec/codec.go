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

// Package codec implements the length-framed CBOR message envelope
// devices and gateways exchange over the TLS session: a 4-byte
// big-endian length prefix followed by that many bytes of CBOR
// encoding a tagged union of a kind discriminant and a payload.
package codec

import (
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// DefaultMaxWasmBytes bounds a single Deploy payload's wasmBytes field.
// Encode rejects a larger module with ErrPayloadInvalid rather than
// producing a frame the peer's constrained decoder cannot handle.
const DefaultMaxWasmBytes = 16 << 20 // 16 MiB

// wireEnvelope is the on-wire shape: a kind discriminant and an
// undecoded payload, decoded in a second pass once the kind selects
// the concrete payload type.
type wireEnvelope struct {
	Kind    Kind            `cbor:"kind"`
	Payload cbor.RawMessage `cbor:"payload"`
}

// Envelope is the decoded result of reading one frame.
type Envelope struct {
	Kind Kind
	// Payload holds a pointer to the concrete payload type registered
	// for Kind (e.g. *EnrollPayload, *DeployPayload).
	Payload any
	// Extra carries payload fields the registered type did not
	// recognize, captured only when decoding with ForwardCompat. Nil
	// otherwise, and always nil unless the sender included fields this
	// codec version doesn't know about.
	Extra map[string]cbor.RawMessage
}

var payloadFactories = map[Kind]func() any{
	KindEnroll:           func() any { return &EnrollPayload{} },
	KindHeartbeat:        func() any { return &HeartbeatPayload{} },
	KindDeploymentAck:    func() any { return &DeploymentAckPayload{} },
	KindExecutionStatus:  func() any { return &ExecutionStatusPayload{} },
	KindEnrollmentAccept: func() any { return &EnrollmentAcceptedPayload{} },
	KindEnrollmentReject: func() any { return &EnrollmentRejectedPayload{} },
	KindHeartbeatAck:     func() any { return &HeartbeatAckPayload{} },
	KindDeploy:           func() any { return &DeployPayload{} },
	KindStop:             func() any { return &StopPayload{} },
}

// clientKinds and serverKinds partition the registry; they back
// IsClientKind and IsServerKind. Decode itself does not check direction,
// so a reader that must reject the other direction's kinds checks the
// decoded kind with these.
var clientKinds = map[Kind]bool{
	KindEnroll:          true,
	KindHeartbeat:       true,
	KindDeploymentAck:   true,
	KindExecutionStatus: true,
}

var serverKinds = map[Kind]bool{
	KindEnrollmentAccept: true,
	KindEnrollmentReject: true,
	KindHeartbeatAck:     true,
	KindDeploy:           true,
	KindStop:             true,
}

// IsClientKind reports whether kind is sent device-to-gateway.
func IsClientKind(kind Kind) bool { return clientKinds[kind] }

// IsServerKind reports whether kind is sent gateway-to-device.
func IsServerKind(kind Kind) bool { return serverKinds[kind] }

// EncodeOptions controls bounds-checking and forward-compatibility
// behavior for Encode.
type EncodeOptions struct {
	// MaxFrameBytes caps the encoded frame; zero selects DefaultMaxFrameBytes.
	MaxFrameBytes uint32
	// MaxWasmBytes caps DeployPayload.WasmBytes; zero selects DefaultMaxWasmBytes.
	MaxWasmBytes int
	// ForwardCompat merges Extra back into the encoded payload, giving
	// unknown fields a round trip through a peer running this version.
	ForwardCompat bool
}

// DecodeOptions controls bounds-checking and forward-compatibility
// behavior for Decode.
type DecodeOptions struct {
	// MaxFrameBytes caps the accepted frame; zero selects DefaultMaxFrameBytes.
	MaxFrameBytes uint32
	// ForwardCompat captures payload fields unrecognized by the
	// registered type into Envelope.Extra instead of dropping them.
	ForwardCompat bool
}

func (o EncodeOptions) maxFrameBytes() uint32 {
	if o.MaxFrameBytes == 0 {
		return DefaultMaxFrameBytes
	}
	return o.MaxFrameBytes
}

func (o EncodeOptions) maxWasmBytes() int {
	if o.MaxWasmBytes == 0 {
		return DefaultMaxWasmBytes
	}
	return o.MaxWasmBytes
}

func (o DecodeOptions) maxFrameBytes() uint32 {
	if o.MaxFrameBytes == 0 {
		return DefaultMaxFrameBytes
	}
	return o.MaxFrameBytes
}

// Encode writes one framed envelope of kind carrying payload to w.
// payload must be one of the registered payload types for kind (a
// value, not a pointer — Encode takes its own reference).
func Encode(w io.Writer, kind Kind, payload any, opts EncodeOptions) error {
	return EncodeWithExtra(w, kind, payload, nil, opts)
}

// EncodeWithExtra behaves like Encode but merges extra (typically an
// Envelope.Extra captured from a prior forward-compatible Decode) back
// into the payload before writing the frame.
func EncodeWithExtra(w io.Writer, kind Kind, payload any, extra map[string]cbor.RawMessage, opts EncodeOptions) error {
	if deploy, ok := payload.(DeployPayload); ok {
		if len(deploy.WasmBytes) > opts.maxWasmBytes() {
			return fmt.Errorf("wasmBytes length %d exceeds maximum %d: %w", len(deploy.WasmBytes), opts.maxWasmBytes(), ErrPayloadInvalid)
		}
	}

	payloadBytes, err := cbor.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", kind, err)
	}

	if opts.ForwardCompat && len(extra) > 0 {
		payloadBytes, err = mergeExtra(payloadBytes, extra)
		if err != nil {
			return fmt.Errorf("merging forward-compat fields for %s: %w", kind, err)
		}
	}

	envBytes, err := cbor.Marshal(wireEnvelope{Kind: kind, Payload: payloadBytes})
	if err != nil {
		return fmt.Errorf("encoding envelope for %s: %w", kind, err)
	}

	return writeFrame(w, envBytes, opts.maxFrameBytes())
}

// Decode reads one framed envelope from r and unmarshals its payload
// into the type registered for the decoded kind.
func Decode(r io.Reader, opts DecodeOptions) (*Envelope, error) {
	frame, err := readFrame(r, opts.maxFrameBytes())
	if err != nil {
		return nil, err
	}

	var wire wireEnvelope
	if err := cbor.Unmarshal(frame, &wire); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w: %v", ErrMalformedFrame, err)
	}

	factory, ok := payloadFactories[wire.Kind]
	if !ok {
		return nil, fmt.Errorf("kind %q: %w", wire.Kind, ErrUnknownKind)
	}

	payload := factory()
	if err := cbor.Unmarshal(wire.Payload, payload); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w: %v", wire.Kind, ErrPayloadInvalid, err)
	}

	env := &Envelope{Kind: wire.Kind, Payload: payload}

	if opts.ForwardCompat {
		extra, err := unknownFields(wire.Payload, payload)
		if err != nil {
			return nil, fmt.Errorf("scanning %s payload for unknown fields: %w: %v", wire.Kind, ErrMalformedFrame, err)
		}
		if len(extra) > 0 {
			env.Extra = extra
		}
	}

	return env, nil
}

// mergeExtra decodes payloadBytes as a CBOR map, adds any key from
// extra not already present, and re-encodes.
func mergeExtra(payloadBytes []byte, extra map[string]cbor.RawMessage) ([]byte, error) {
	fields := map[string]cbor.RawMessage{}
	if err := cbor.Unmarshal(payloadBytes, &fields); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, present := fields[k]; !present {
			fields[k] = v
		}
	}
	return cbor.Marshal(fields)
}

// unknownFields decodes payloadBytes as a generic map and returns the
// entries whose key does not match any `cbor` struct tag on typed (a
// pointer to a payload struct already populated by a prior Unmarshal).
func unknownFields(payloadBytes []byte, typed any) (map[string]cbor.RawMessage, error) {
	all := map[string]cbor.RawMessage{}
	if err := cbor.Unmarshal(payloadBytes, &all); err != nil {
		return nil, err
	}

	known := knownTags(typed)
	extra := map[string]cbor.RawMessage{}
	for k, v := range all {
		if !known[k] {
			extra[k] = v
		}
	}
	return extra, nil
}

// knownTags returns the set of `cbor` tag names declared on v's
// struct type (v must be a pointer to a struct).
func knownTags(v any) map[string]bool {
	t := reflect.TypeOf(v).Elem()
	names := make(map[string]bool, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("cbor")
		if tag == "" {
			continue
		}
		name, _, _ := strings.Cut(tag, ",")
		if name != "" {
			names[name] = true
		}
	}
	return names
}
