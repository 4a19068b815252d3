package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestLimiter(start time.Time) (*Limiter, *time.Time) {
	l := New()
	now := start
	l.Now = func() time.Time { return now }
	return l, &now
}

func TestAllowUpToMax(t *testing.T) {
	l, _ := newTestLimiter(time.Unix(1_700_000_000, 0))

	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow("send", 10, 10*time.Second), "attempt %d", i+1)
	}
	assert.False(t, l.Allow("send", 10, 10*time.Second), "11th attempt must be denied")
}

func TestWindowSlides(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	l, now := newTestLimiter(start)

	// Actions spaced one second apart, so the recorded timestamps leave
	// the window one at a time.
	for i := 0; i < 10; i++ {
		*now = start.Add(time.Duration(i) * time.Second)
		assert.True(t, l.Allow("send", 10, 10*time.Second))
	}
	assert.False(t, l.Allow("send", 10, 10*time.Second))

	// One millisecond past the oldest timestamp leaving the window frees
	// exactly one slot; the next-oldest is still inside it.
	*now = start.Add(10*time.Second + time.Millisecond)
	assert.True(t, l.Allow("send", 10, 10*time.Second))
	assert.False(t, l.Allow("send", 10, 10*time.Second))
}

func TestDeniedActionsAreNotRecorded(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	l, now := newTestLimiter(start)

	for i := 0; i < 10; i++ {
		*now = start.Add(time.Duration(i) * time.Second)
		assert.True(t, l.Allow("send", 10, 10*time.Second))
	}
	// Denied attempts must not extend the window: after these, only the
	// oldest allowed action expires at the check instant below.
	for i := 0; i < 5; i++ {
		assert.False(t, l.Allow("send", 10, 10*time.Second))
	}

	*now = start.Add(10*time.Second + time.Millisecond)
	assert.True(t, l.Allow("send", 10, 10*time.Second))
	assert.False(t, l.Allow("send", 10, 10*time.Second))
}

func TestKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(time.Unix(1_700_000_000, 0))

	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow("send", 10, 10*time.Second))
	}
	assert.False(t, l.Allow("send", 10, 10*time.Second))
	assert.True(t, l.Allow("typing", 10, 10*time.Second))
}

func TestClear(t *testing.T) {
	l, _ := newTestLimiter(time.Unix(1_700_000_000, 0))

	for i := 0; i < 10; i++ {
		l.Allow("send", 10, 10*time.Second)
	}
	assert.False(t, l.Allow("send", 10, 10*time.Second))

	l.Clear("send")
	assert.True(t, l.Allow("send", 10, 10*time.Second))
}
