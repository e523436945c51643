// Package backoff implements the capped exponential backoff with jitter used
// by both the RPC reconnect loop and the webhook retry schedule, so the two
// share one tunable shape instead of diverging schedules.
package backoff

import (
	"math/rand"
	"time"
)

// Schedule computes capped exponential backoff with jitter.
type Schedule struct {
	Base time.Duration
	Cap time.Duration
	Factor float64
	Jitter float64 // fraction, e.g. 0.2 for ±20%
}

// RPCReconnect is the RPC reconnect schedule: 1s, 2s, 4s, ... capped at 30s, ±20% jitter.
var RPCReconnect = Schedule{Base: time.Second, Cap: 30 * time.Second, Factor: 2, Jitter: 0.2}

// WebhookRetry is the webhook retry schedule: base 30s, doubling, capped at 6h, ±20%
// jitter, applied per delivery attempt n (1-indexed).
var WebhookRetry = Schedule{Base: 30 * time.Second, Cap: 6 * time.Hour, Factor: 2, Jitter: 0.2}

// Duration returns the backoff delay for attempt n (1-indexed), jittered.
func (s Schedule) Duration(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(s.Base)
	for i := 1; i < n; i++ {
		d *= s.Factor
		if d > float64(s.Cap) {
			d = float64(s.Cap)
			break
		}
	}
	if d > float64(s.Cap) {
		d = float64(s.Cap)
	}

	if s.Jitter > 0 {
		delta := d * s.Jitter
		d += (rand.Float64()*2 - 1) * delta
		if d < 0 {
			d = 0
		}
	}
	return time.Duration(d)
}

