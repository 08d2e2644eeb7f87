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

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxFrameBytes bounds a single frame's CBOR payload. It is sized
// comfortably above the largest WASM module Encode accepts in a Deploy
// payload (see DefaultMaxWasmBytes) plus envelope overhead.
const DefaultMaxFrameBytes = 32 << 20 // 32 MiB

// readFrame reads a 4-byte big-endian length prefix followed by that
// many bytes, rejecting the length before touching the payload if it
// exceeds maxLen. The returned slice is freshly allocated to exactly
// the declared length — never more.
func readFrame(r io.Reader, maxLen uint32) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("reading frame length prefix: %w", ErrTruncatedFrame)
		}
		return nil, fmt.Errorf("reading frame length prefix: %w", err)
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxLen {
		return nil, fmt.Errorf("frame length %d exceeds maximum %d: %w", n, maxLen, ErrFrameTooLarge)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("reading %d-byte frame payload: %w", n, ErrTruncatedFrame)
		}
		return nil, fmt.Errorf("reading %d-byte frame payload: %w", n, err)
	}
	return payload, nil
}

// writeFrame writes payload prefixed with its 4-byte big-endian length.
// It rejects payloads that would not round-trip through maxLen on the
// decode side, rather than producing a frame the peer is guaranteed to
// reject.
func writeFrame(w io.Writer, payload []byte, maxLen uint32) error {
	if uint64(len(payload)) > uint64(maxLen) {
		return fmt.Errorf("encoded frame length %d exceeds maximum %d: %w", len(payload), maxLen, ErrFrameTooLarge)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("writing frame length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	return nil
}
