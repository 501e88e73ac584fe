package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: 60 * time.Second, Max: 10 * time.Minute}

	assert.Equal(t, 60*time.Second, b.Delay(0))
	assert.Equal(t, 120*time.Second, b.Delay(1))
	assert.Equal(t, 240*time.Second, b.Delay(2))
	assert.Equal(t, 480*time.Second, b.Delay(3))
	assert.Equal(t, 10*time.Minute, b.Delay(4))
	assert.Equal(t, 10*time.Minute, b.Delay(200), "large exponents must not overflow")
	assert.Equal(t, 60*time.Second, b.Delay(-1))
}

func TestBackoff_DelayIsMonotonic(t *testing.T) {
	b := Backoff{Base: 250 * time.Millisecond, Max: time.Hour}
	prev := time.Duration(0)
	for n := 0; n < 64; n++ {
		d := b.Delay(n)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", n)
		assert.LessOrEqual(t, d, time.Hour)
		prev = d
	}
}

func TestBackoff_Decide(t *testing.T) {
	b := Backoff{Base: 60 * time.Second, Max: time.Hour}
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	d := b.Decide(now, 0, 3)
	assert.False(t, d.Terminal)
	assert.Equal(t, 1, d.Attempts)
	assert.Equal(t, now.Add(60*time.Second), d.NextEligibleAt)

	d = b.Decide(now, 1, 3)
	assert.False(t, d.Terminal)
	assert.Equal(t, 2, d.Attempts)
	assert.Equal(t, now.Add(120*time.Second), d.NextEligibleAt)

	d = b.Decide(now, 2, 3)
	assert.True(t, d.Terminal)
	assert.Equal(t, 3, d.Attempts)

	d = b.Decide(now, 0, 1)
	assert.True(t, d.Terminal, "a single allowed attempt fails terminally")
}

func TestRecord_Eligible(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	later := now.Add(time.Second)

	r := &QueueRecord{Status: StatusPending, MaxAttempts: 3}
	assert.True(t, r.Eligible(now))

	r.NextEligibleAt = &later
	assert.False(t, r.Eligible(now))
	assert.True(t, r.Eligible(later))

	r.NextEligibleAt = nil
	r.Attempts = 3
	assert.False(t, r.Eligible(now))

	r.Attempts = 0
	r.Status = StatusProcessing
	assert.False(t, r.Eligible(now))
}
