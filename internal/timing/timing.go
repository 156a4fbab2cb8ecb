// Package timing implements the Login-Timing Equalizer of spec §4.12: it
// maintains an EWMA of successful, password-hashed login latency and
// delays failure responses to match it, the sole defense against username
// enumeration by timing (spec §1). Grounded on rauthy's
// handle_login_delay in original_source/rauthy-service/src/auth.rs.
package timing

import (
	"context"
	"time"

	"github.com/gepbird/rauthy/internal/cache"
	"github.com/gepbird/rauthy/internal/metrics"
)

const (
	cacheName = "login_delay"
	cacheKey  = "avg_success_ms"

	// defaultAvgMS seeds the average before any successful login has been
	// observed, per spec §4.12 and rauthy's handle_login_delay default.
	defaultAvgMS = 2000
)

// Equalizer is the Timing Equalizer.
type Equalizer struct {
	cache cache.Cache
	sleep func(time.Duration)
}

func New(c cache.Cache) *Equalizer {
	return &Equalizer{cache: c, sleep: time.Sleep}
}

func (e *Equalizer) avgMS(ctx context.Context) int64 {
	var v int64
	hit, err := e.cache.Get(ctx, cacheName, cacheKey, &v)
	if err != nil || !hit {
		return defaultAvgMS
	}
	return v
}

// Start records the beginning of a login attempt whose timing must be
// equalized. Call Success or Failure with the returned start time when the
// attempt concludes.
func (e *Equalizer) Start() time.Time { return time.Now() }

// Success updates the average when hashedPassword is true (a password was
// actually verified, as opposed to an MFA-cookie-only success which
// contributes nothing and is not delayed, per spec §4.12).
func (e *Equalizer) Success(ctx context.Context, start time.Time, hashedPassword bool) {
	if !hashedPassword {
		return
	}
	observed := time.Since(start).Milliseconds()
	avg := e.avgMS(ctx)
	newAvg := (avg + observed) / 2
	_ = e.cache.Set(ctx, cacheName, cacheKey, newAvg, 0)
}

// Failure sleeps for max(0, avg_success_ms - observed_ms) before the
// caller returns its error response, per spec §4.12.
func (e *Equalizer) Failure(ctx context.Context, start time.Time) {
	observed := time.Since(start).Milliseconds()
	avg := e.avgMS(ctx)
	delay := avg - observed
	if delay <= 0 {
		return
	}
	d := time.Duration(delay) * time.Millisecond
	metrics.ObserveLoginDelay(d)
	e.sleep(d)
}
