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
	"net"
	"sync"
	"time"

	"github.com/openshift/wasm-fleet-operator/pkg/codec"
)

// State is a session's position in the Handshaking -> Authorized ->
// Enrolled -> Active -> Closing -> Closed state machine.
type State string

const (
	StateHandshaking State = "Handshaking"
	StateAuthorized  State = "Authorized"
	StateEnrolled    State = "Enrolled"
	StateActive      State = "Active"
	StateClosing     State = "Closing"
	StateClosed      State = "Closed"
)

// CloseReason records why a session entered Closing, surfaced in logs
// and diagnostics.
type CloseReason string

const (
	CloseReasonNone            CloseReason = ""
	CloseReasonDuplicateSession CloseReason = "DuplicateSession"
	CloseReasonLivenessTimeout CloseReason = "LivenessTimeout"
	CloseReasonPeerClosed      CloseReason = "PeerClosed"
	CloseReasonProtocolError   CloseReason = "ProtocolError"
	CloseReasonAuthRejected    CloseReason = "AuthRejected"
	CloseReasonShutdown        CloseReason = "Shutdown"
)

type outboundMessage struct {
	kind    codec.Kind
	payload any
}

// Session is the per-connection record described in the design: the
// connection-handling task owns it. The push path looks the *Session up
// in the session index and only calls its getState and enqueue methods,
// which go through the session's mutex and outbound channel.
type Session struct {
	mu sync.Mutex

	id              string
	deviceName      string
	devicePublicKey []byte
	state           State
	closeReason     CloseReason

	openedAt                    time.Time
	lastHeartbeat               time.Time
	negotiatedHeartbeatInterval time.Duration
	remoteAddr                  string

	conn     net.Conn
	outbound chan outboundMessage
	done     chan struct{}
	closeOnce sync.Once
}

func newSession(conn net.Conn, pubKey []byte, now time.Time) *Session {
	return &Session{
		id:              newSessionID(),
		devicePublicKey: pubKey,
		state:           StateHandshaking,
		openedAt:        now,
		remoteAddr:      conn.RemoteAddr().String(),
		conn:            conn,
		outbound:        make(chan outboundMessage, 16),
		done:            make(chan struct{}),
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) getState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) touchHeartbeat(now time.Time) {
	s.mu.Lock()
	s.lastHeartbeat = now
	s.mu.Unlock()
}

// snapshot is an immutable copy used by diagnostics and status patches,
// taken under the lock so callers never race a concurrent field write.
type snapshot struct {
	ID            string
	DeviceName    string
	State         State
	OpenedAt      time.Time
	LastHeartbeat time.Time
	RemoteAddr    string
}

func (s *Session) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshot{
		ID:            s.id,
		DeviceName:    s.deviceName,
		State:         s.state,
		OpenedAt:      s.openedAt,
		LastHeartbeat: s.lastHeartbeat,
		RemoteAddr:    s.remoteAddr,
	}
}

// enqueue pushes an outbound message, returning false if the session's
// outbound channel is already closed (session gone) so callers can
// treat the push as a DeviceOffline result instead of panicking on a
// send to a closed channel.
func (s *Session) enqueue(kind codec.Kind, payload any) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case s.outbound <- outboundMessage{kind: kind, payload: payload}:
		return true
	case <-s.done:
		return false
	}
}

// close transitions to Closing/Closed, recording reason, and is safe to
// call more than once or concurrently.
func (s *Session) close(reason CloseReason) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosing
		s.closeReason = reason
		s.mu.Unlock()
		close(s.done)
		_ = s.conn.Close()
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
	})
}
