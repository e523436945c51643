package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSchedule_Duration_Grows(t *testing.T) {
	s := Schedule{Base: time.Second, Cap: 30 * time.Second, Factor: 2, Jitter: 0}

	assert.Equal(t, time.Second, s.Duration(1))
	assert.Equal(t, 2*time.Second, s.Duration(2))
	assert.Equal(t, 4*time.Second, s.Duration(3))
}

func TestSchedule_Duration_CapsAtMax(t *testing.T) {
	s := Schedule{Base: time.Second, Cap: 30 * time.Second, Factor: 2, Jitter: 0}
	assert.Equal(t, 30*time.Second, s.Duration(10))
}

func TestSchedule_Duration_JitterWithinBounds(t *testing.T) {
	s := Schedule{Base: 30 * time.Second, Cap: 6 * time.Hour, Factor: 2, Jitter: 0.2}

	for i := 0; i < 50; i++ {
		d := s.Duration(2) // nominal 60s
		assert.GreaterOrEqual(t, d, 48*time.Second)
		assert.LessOrEqual(t, d, 72*time.Second)
	}
}

func TestWebhookRetry_ApproximatesRetrySchedule(t *testing.T) {
	// attempts 1-3 ~ 30s, 60s, 120s, jitter aside.
	noJitter := WebhookRetry
	noJitter.Jitter = 0
	assert.Equal(t, 30*time.Second, noJitter.Duration(1))
	assert.Equal(t, 60*time.Second, noJitter.Duration(2))
	assert.Equal(t, 120*time.Second, noJitter.Duration(3))
}

