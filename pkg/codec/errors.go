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

package codec

import "errors"

// Sentinel errors identifying the decode-failure taxonomy. Callers
// distinguish them with errors.Is. The gateway's session dispatcher ends
// the session on any of them: a truncated frame counts as the peer
// closing the connection, every other one as a protocol violation.
var (
	// ErrMalformedFrame means the frame's CBOR payload did not parse as
	// a well-formed envelope (bad major type, truncated map, etc).
	ErrMalformedFrame = errors.New("codec: malformed frame")

	// ErrTruncatedFrame means fewer bytes were available than the
	// length prefix declared.
	ErrTruncatedFrame = errors.New("codec: truncated frame")

	// ErrUnknownKind means the envelope decoded but its kind
	// discriminant does not match any registered payload type.
	ErrUnknownKind = errors.New("codec: unknown message kind")

	// ErrPayloadInvalid means the envelope and kind decoded but the
	// payload failed a bounds or shape check (e.g. wasmBytes over the
	// configured ceiling).
	ErrPayloadInvalid = errors.New("codec: invalid payload")

	// ErrFrameTooLarge means the length prefix exceeds the configured
	// maximum. Rejected before the payload is read, so no allocation
	// beyond the 4-byte prefix occurs.
	ErrFrameTooLarge = errors.New("codec: frame exceeds maximum length")
)
