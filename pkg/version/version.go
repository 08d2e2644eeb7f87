package version

import (
	"fmt"
	"strings"

	"github.com/blang/semver"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Raw is the string representation of the version. This is replaced
	// with the calculated version at build time via -ldflags.
	Raw = "v0.0.0-was-not-built-properly"

	// Version is the semver representation of Raw.
	Version = semver.MustParse(strings.TrimLeft(Raw, "v"))

	// String is the human-friendly representation of the version.
	String = fmt.Sprintf("wasm-fleet-operator %s", Raw)
)

func init() {
	buildInfo := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_operator_build_info",
			Help: "A metric with a constant '1' value labeled by the version the running binary was built from.",
		},
		[]string{"version"},
	)
	buildInfo.WithLabelValues(String).Set(1)

	prometheus.MustRegister(buildInfo)
}
