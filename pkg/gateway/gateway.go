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

// Package gateway implements the TLS 1.3 mutual-auth endpoint devices
// connect to: per-connection session state machine, liveness
// monitoring, the outbound deployment push path, and the admin HTTP
// surface the Application reconciler drives.
package gateway

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	fleetv1alpha1 "github.com/openshift/wasm-fleet-operator/api/fleet/v1alpha1"
	"github.com/openshift/wasm-fleet-operator/pkg/config"
	"github.com/openshift/wasm-fleet-operator/pkg/resourceclient"
)

// Server terminates TLS connections from devices and bridges them to
// the declarative resource store.
type Server struct {
	cfg config.GatewayConfig

	devices      *resourceclient.DeviceClient
	applications *resourceclient.ApplicationClient
	gateways     *resourceclient.GatewayClient

	sessions   *SessionIndex
	pending    *pendingDeploys
	coalescer  *statusCoalescer
	rejections atomic.Int64

	tlsConfig *tls.Config
}

// NewServer builds a Server from cfg and the typed resource clients.
// It loads the server certificate/key and client CA bundle from the
// paths named in cfg, failing fast (this is the kind of boot-time
// credential error the error-handling design treats as unrecoverable).
func NewServer(cfg config.GatewayConfig, devices *resourceclient.DeviceClient, applications *resourceclient.ApplicationClient, gateways *resourceclient.GatewayClient) (*Server, error) {
	cert, err := tls.LoadX509KeyPair(cfg.ServerCert, cfg.ServerKey)
	if err != nil {
		return nil, fmt.Errorf("loading server certificate: %w", err)
	}

	caBytes, err := os.ReadFile(cfg.ClientCA)
	if err != nil {
		return nil, fmt.Errorf("reading client CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("client CA bundle at %q contained no usable certificates", cfg.ClientCA)
	}

	tlsConfig := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
	}

	return &Server{
		cfg:          cfg,
		devices:      devices,
		applications: applications,
		gateways:     gateways,
		sessions:     newSessionIndex(),
		pending:      newPendingDeploys(),
		coalescer:    newStatusCoalescer(devices, cfg.Namespace, cfg.StatusCoalesceWindow, cfg.StatusBufferSize),
		tlsConfig:    tlsConfig,
	}, nil
}

// Run starts the TLS acceptor, the liveness monitor, and the status
// coalescer flush loop, blocking until ctx is canceled or the listener
// fails. Callers typically run this in a goroutine alongside ListenAndServeAdmin.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("binding gateway listener on %q: %w", s.cfg.BindAddr, err)
	}
	tlsListener := tls.NewListener(listener, s.tlsConfig)
	defer tlsListener.Close()

	go s.coalescer.run(ctx)
	go s.monitorLiveness(ctx)
	go s.runSelfStatus(ctx)

	go func() {
		<-ctx.Done()
		_ = tlsListener.Close()
	}()

	klog.InfoS("gateway: accepting connections", "addr", s.cfg.BindAddr)
	for {
		conn, err := tlsListener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			klog.ErrorS(err, "gateway: accept failed")
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

// monitorLiveness scans sessions at heartbeatInterval/2 cadence,
// closing any whose lastHeartbeat has aged past connectionTimeout.
func (s *Server) monitorLiveness(ctx context.Context) {
	interval := s.cfg.HeartbeatInterval / 2
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for _, sess := range s.sessions.Snapshot() {
				snap := sess.snapshot()
				if snap.State != StateActive {
					continue
				}
				if now.Sub(snap.LastHeartbeat) > s.cfg.ConnectionTimeout {
					klog.InfoS("gateway: session liveness timeout", "device", snap.DeviceName, "session", snap.ID)
					s.closeSession(sess, CloseReasonLivenessTimeout)
				}
			}
		}
	}
}

// closeSession closes sess, removes it from the index if it is still
// the current holder of its device name, resolves any pending
// deployments for the device as DeviceOffline, and patches Device
// status to Disconnected.
func (s *Server) closeSession(sess *Session, reason CloseReason) {
	sess.close(reason)
	snap := sess.snapshot()
	if snap.DeviceName != "" {
		s.sessions.Remove(snap.DeviceName, sess)
		s.pending.cancelDevice(snap.DeviceName)
		s.coalescer.enqueue(snap.DeviceName, func(d *fleetv1alpha1.Device) {
			d.Status.Phase = fleetv1alpha1.DevicePhaseDisconnected
			d.Status.Gateway = ""
		})
	}
}

// RejectionCount reports how many connections were refused during
// authorization. The admin HTTP surface does not serve it.
func (s *Server) RejectionCount() int64 { return s.rejections.Load() }
