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

// Package config holds the structured, environment-driven configuration
// for each binary. Every field has an env var counterpart resolved by
// envconfig; pflag registers the same settings as command-line flags so
// a value set on the command line overrides the environment.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// GatewayConfig carries the gateway binary's tunables.
type GatewayConfig struct {
	BindAddr          string        `split_words:"true" default:":8443"`
	AdminAddr         string        `split_words:"true" default:":8080"`
	ServerCert        string        `split_words:"true" required:"true"`
	ServerKey         string        `split_words:"true" required:"true"`
	ClientCA          string        `split_words:"true" required:"true"`
	HeartbeatInterval time.Duration `split_words:"true" default:"30s"`
	ConnectionTimeout time.Duration `split_words:"true" default:"90s"`
	DeployTimeout     time.Duration `split_words:"true" default:"30s"`
	MaxDevices        int           `split_words:"true" default:"0"`
	PairingMode       bool          `split_words:"true" default:"false"`
	PairingTimeout    time.Duration `split_words:"true" default:"5m"`
	Namespace         string        `split_words:"true" default:""`
	GatewayName       string        `split_words:"true" required:"true"`

	// StatusCoalesceWindow bounds how often heartbeat-driven status
	// patches are flushed to the resource store per device.
	StatusCoalesceWindow time.Duration `split_words:"true" default:"5s"`
	// StatusBufferSize bounds the pending-patch buffer drained when the
	// resource store is unreachable; oldest entries are dropped first.
	StatusBufferSize int `split_words:"true" default:"256"`
}

// ReconcilerConfig carries the controller-manager binary's tunables.
type ReconcilerConfig struct {
	Namespace        string        `split_words:"true" default:""`
	WorkerCount      int           `split_words:"true" default:"4"`
	BackoffBase      time.Duration `split_words:"true" default:"1s"`
	BackoffCap       time.Duration `split_words:"true" default:"60s"`
	LeaderElect      bool          `split_words:"true" default:"true"`
	MetricsAddr      string        `split_words:"true" default:":8081"`
	HealthProbeAddr  string        `split_words:"true" default:":8082"`
	WebhookPort      int           `split_words:"true" default:"9443"`
}

// EmulatorConfig carries the emulator manager's tunables.
type EmulatorConfig struct {
	ContainerRuntime string `split_words:"true" default:"unix:///var/run/docker.sock"`
	FirmwareRoot     string `split_words:"true" required:"true"`
}

// Load populates cfg (a pointer to one of the structs above) from the
// process environment under prefix, the way every binary in this
// repository resolves its configuration before registering pflag
// overrides.
func Load(prefix string, cfg any) error {
	return envconfig.Process(prefix, cfg)
}
