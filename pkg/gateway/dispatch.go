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
	"crypto/tls"
	"errors"
	"net"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/klog/v2"

	fleetv1alpha1 "github.com/openshift/wasm-fleet-operator/api/fleet/v1alpha1"
	"github.com/openshift/wasm-fleet-operator/pkg/codec"
)

// handleConn owns one accepted connection end to end: TLS handshake,
// authorization, the Enroll exchange, and the Active message loop.
// All error paths converge on closeSession so the session is always
// removed from the index and its pending deploys resolved exactly once.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		conn.Close()
		return
	}

	handshakeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := tlsConn.HandshakeContext(handshakeCtx)
	cancel()
	if err != nil {
		klog.V(2).InfoS("gateway: TLS handshake failed", "remote", conn.RemoteAddr(), "err", err)
		conn.Close()
		return
	}

	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		conn.Close()
		return
	}
	pubKey, err := peerPublicKeyDER(state.PeerCertificates[0])
	if err != nil {
		klog.V(2).InfoS("gateway: could not extract peer public key", "remote", conn.RemoteAddr(), "err", err)
		conn.Close()
		return
	}

	device, provisional, err := authorize(ctx, s.devices, s.cfg.Namespace, pubKey, s.cfg.PairingMode)
	if err != nil {
		s.rejections.Add(1)
		klog.InfoS("gateway: connection rejected", "remote", conn.RemoteAddr(), "err", err)
		conn.Close()
		return
	}

	now := time.Now()
	sess := newSession(conn, pubKey, now)
	sess.setState(StateAuthorized)
	if !provisional {
		sess.deviceName = device.Name
	}

	go s.writerLoop(sess)
	defer s.closeSession(sess, sess.closeReasonOrDefault(CloseReasonPeerClosed))

	s.readLoop(ctx, sess, provisional)
}

func (s *Session) closeReasonOrDefault(def CloseReason) CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeReason == CloseReasonNone {
		return def
	}
	return s.closeReason
}

// writerLoop is the single writer for a session's connection; all
// outbound frames funnel through sess.outbound so no two goroutines
// ever write to the socket concurrently.
func (s *Server) writerLoop(sess *Session) {
	opts := codec.EncodeOptions{MaxWasmBytes: codec.DefaultMaxWasmBytes}
	for {
		select {
		case msg, ok := <-sess.outbound:
			if !ok {
				return
			}
			if err := codec.Encode(sess.conn, msg.kind, msg.payload, opts); err != nil {
				klog.V(2).InfoS("gateway: write failed, closing session", "session", sess.id, "err", err)
				s.closeSession(sess, CloseReasonProtocolError)
				return
			}
		case <-sess.done:
			return
		}
	}
}

// readLoop decodes frames until the session closes. Before Enrolled,
// only Enroll is accepted; any other kind or a decode error closes the
// session with CloseReasonProtocolError or CloseReasonAuthRejected.
func (s *Server) readLoop(ctx context.Context, sess *Session, provisional bool) {
	decodeOpts := codec.DecodeOptions{}

	for {
		env, err := codec.Decode(sess.conn, decodeOpts)
		if err != nil {
			if errors.Is(err, codec.ErrTruncatedFrame) {
				return // peer closed the connection normally
			}
			klog.V(2).InfoS("gateway: decode failed", "session", sess.id, "err", err)
			sess.close(CloseReasonProtocolError)
			return
		}

		switch sess.getState() {
		case StateAuthorized:
			if env.Kind != codec.KindEnroll {
				sess.close(CloseReasonProtocolError)
				return
			}
			if !s.handleEnroll(ctx, sess, env.Payload.(*codec.EnrollPayload), provisional) {
				return
			}
		case StateActive:
			s.handleActiveMessage(ctx, sess, env)
			if sess.getState() == StateClosing || sess.getState() == StateClosed {
				return
			}
		default:
			sess.close(CloseReasonProtocolError)
			return
		}
	}
}

// handleEnroll implements Authorized -> Enrolled -> Active. Returns
// false if the session was closed (mismatch or store error) and the
// caller should stop reading.
func (s *Server) handleEnroll(ctx context.Context, sess *Session, payload *codec.EnrollPayload, provisional bool) bool {
	if !bytes.Equal(payload.PublicKey, sess.devicePublicKey) {
		sess.enqueue(codec.KindEnrollmentReject, codec.EnrollmentRejectedPayload{Reason: "publicKey does not match TLS handshake identity"})
		sess.close(CloseReasonAuthRejected)
		return false
	}

	deviceName := sess.deviceName
	if provisional {
		deviceName = pairedDeviceName(payload.PublicKey)
		newDevice := &fleetv1alpha1.Device{
			ObjectMeta: metav1.ObjectMeta{Name: deviceName, Namespace: s.cfg.Namespace},
			Spec: fleetv1alpha1.DeviceSpec{
				Kind:      fleetv1alpha1.DeviceKindMCU,
				PublicKey: payload.PublicKey,
			},
		}
		if existing, err := s.devices.Get(ctx, s.cfg.Namespace, deviceName); err == nil {
			newDevice = existing
		} else if err := s.createProvisionalDevice(ctx, newDevice); err != nil {
			klog.ErrorS(err, "gateway: failed to create provisional device", "device", deviceName)
			sess.enqueue(codec.KindEnrollmentReject, codec.EnrollmentRejectedPayload{Reason: "failed to register device"})
			sess.close(CloseReasonProtocolError)
			return false
		}
		sess.deviceName = deviceName
	}

	prior := s.sessions.Insert(deviceName, sess)
	if prior != nil && prior != sess {
		s.closeSession(prior, CloseReasonDuplicateSession)
	}

	sess.setState(StateEnrolled)
	now := time.Now()
	sess.touchHeartbeat(now)
	sess.mu.Lock()
	sess.negotiatedHeartbeatInterval = s.cfg.HeartbeatInterval
	sess.mu.Unlock()

	s.coalescer.enqueue(deviceName, func(d *fleetv1alpha1.Device) {
		d.Status.Phase = fleetv1alpha1.DevicePhaseEnrolled
		d.Status.Gateway = s.cfg.GatewayName
		t := metav1.NewTime(now)
		d.Status.LastHeartbeat = &t
		d.Status.ConnectionInfo = &fleetv1alpha1.DeviceConnectionInfo{
			Endpoint:      sess.remoteAddr,
			SessionID:     sess.id,
			EstablishedAt: &t,
		}
	})

	if !sess.enqueue(codec.KindEnrollmentAccept, codec.EnrollmentAcceptedPayload{DeviceID: deviceName, HeartbeatInterval: s.cfg.HeartbeatInterval}) {
		sess.close(CloseReasonProtocolError)
		return false
	}
	sess.setState(StateActive)

	s.coalescer.enqueue(deviceName, func(d *fleetv1alpha1.Device) {
		d.Status.Phase = fleetv1alpha1.DevicePhaseConnected
		d.Status.Gateway = s.cfg.GatewayName
	})
	return true
}

func (s *Server) createProvisionalDevice(ctx context.Context, device *fleetv1alpha1.Device) error {
	_, err := s.devices.Get(ctx, device.Namespace, device.Name)
	if err == nil {
		return nil
	}
	return s.createDevice(ctx, device)
}

// handleActiveMessage processes Heartbeat, DeploymentAck, and
// ExecutionStatus — the only kinds valid once a session is Active.
func (s *Server) handleActiveMessage(ctx context.Context, sess *Session, env *codec.Envelope) {
	switch env.Kind {
	case codec.KindHeartbeat:
		now := time.Now()
		sess.touchHeartbeat(now)
		deviceName := sess.deviceName
		s.coalescer.enqueue(deviceName, func(d *fleetv1alpha1.Device) {
			t := metav1.NewTime(now)
			d.Status.LastHeartbeat = &t
		})
		sess.enqueue(codec.KindHeartbeatAck, codec.HeartbeatAckPayload{ServerTime: now})

	case codec.KindDeploymentAck:
		ack := env.Payload.(*codec.DeploymentAckPayload)
		var outcome DeployOutcome
		switch ack.Status {
		case codec.DeploymentStatusRunning:
			outcome = DeployOutcomeRunning
		default:
			outcome = DeployOutcomeFailed
		}
		key, ok := s.pending.complete(ack.CorrelationID, DeployResult{Outcome: outcome, Error: ack.Error})
		if ok {
			s.recordDeployAck(ctx, key.deviceName, key.applicationID, outcome, ack.Error)
		}

	case codec.KindExecutionStatus:
		status := env.Payload.(*codec.ExecutionStatusPayload)
		s.recordExecutionStatus(ctx, sess.deviceName, status)

	default:
		sess.close(CloseReasonProtocolError)
	}
}
