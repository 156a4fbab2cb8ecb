// Package metrics exposes Prometheus counters and histograms for the
// identity provider core, grounded on the promauto registration style
// used throughout the retrieval pack (e.g. cartographus's
// internal/metrics package) rather than dex's OpenTelemetry-based
// server/metrics.go, since the teacher's go.mod was otherwise free of an
// otel dependency and client_golang already appears as a pack-wide idiom.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LoginAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idp_login_attempts_total",
			Help: "Total number of authorize attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	TokensMinted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idp_tokens_minted_total",
			Help: "Total number of tokens minted, by type and grant.",
		},
		[]string{"type", "grant"},
	)

	RefreshMisuseDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "idp_refresh_misuse_detected_total",
			Help: "Total number of refresh token misuse events (expired handle redeemed).",
		},
	)

	KeyRotations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idp_key_rotations_total",
			Help: "Total number of signing key rotations, by algorithm.",
		},
		[]string{"alg"},
	)

	LoginDelayMS = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "idp_login_delay_milliseconds",
			Help:    "Artificial delay applied to failed login attempts by the timing equalizer.",
			Buckets: prometheus.LinearBuckets(0, 200, 15),
		},
	)

	WebauthnCeremonies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idp_webauthn_ceremonies_total",
			Help: "Total number of webauthn second-factor ceremonies, by outcome.",
		},
		[]string{"outcome"},
	)
)

// ObserveLoginDelay records a timing-equalizer sleep in milliseconds.
func ObserveLoginDelay(d time.Duration) {
	LoginDelayMS.Observe(float64(d.Milliseconds()))
}
