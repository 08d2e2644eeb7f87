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

import "sync"

// SessionIndex maps device name to its active session. At most one
// session is live per device name at any instant; Insert replaces and
// returns whichever session previously held the name, and the caller
// closes it.
type SessionIndex struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func newSessionIndex() *SessionIndex {
	return &SessionIndex{sessions: make(map[string]*Session)}
}

// Insert records session as the active session for deviceName and
// returns any prior session for that name without closing it (the
// caller logs the eviction and closes it with CloseReasonDuplicateSession).
func (idx *SessionIndex) Insert(deviceName string, session *Session) *Session {
	idx.mu.Lock()
	prior := idx.sessions[deviceName]
	idx.sessions[deviceName] = session
	idx.mu.Unlock()
	return prior
}

// Remove drops session from the index, but only if it is still the
// current holder for its device name — a session evicted by a
// duplicate-auth race must not remove the session that replaced it.
func (idx *SessionIndex) Remove(deviceName string, session *Session) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if current, ok := idx.sessions[deviceName]; ok && current == session {
		delete(idx.sessions, deviceName)
	}
}

// Get returns the active session for deviceName, if any.
func (idx *SessionIndex) Get(deviceName string) (*Session, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	s, ok := idx.sessions[deviceName]
	return s, ok
}

// Snapshot returns a point-in-time copy of every active session,
// suitable for the /sessions diagnostics endpoint and the liveness
// monitor's scan.
func (idx *SessionIndex) Snapshot() []*Session {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make([]*Session, 0, len(idx.sessions))
	for _, s := range idx.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of active sessions.
func (idx *SessionIndex) Count() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.sessions)
}
