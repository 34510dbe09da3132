package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextGrowsAndCaps(t *testing.T) {
	b := New(Config{Initial: 100 * time.Millisecond, Max: 400 * time.Millisecond, Multiplier: 2})

	assert.Equal(t, 100*time.Millisecond, b.Next())
	assert.Equal(t, 200*time.Millisecond, b.Next())
	assert.Equal(t, 400*time.Millisecond, b.Next())
	assert.Equal(t, 400*time.Millisecond, b.Next(), "capped at max")
}

func TestResetRestartsFromInitial(t *testing.T) {
	b := New(Config{Initial: 50 * time.Millisecond, Max: time.Second, Multiplier: 2})
	b.Next()
	b.Next()
	b.Reset()
	assert.Equal(t, 50*time.Millisecond, b.Next())
}

func TestJitterStaysInBounds(t *testing.T) {
	b := New(Config{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2, Jitter: 0.5})
	for i := 0; i < 100; i++ {
		d := b.Next()
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}

func TestDefaults(t *testing.T) {
	b := New(Config{})
	assert.Equal(t, 200*time.Millisecond, b.Next())
}
