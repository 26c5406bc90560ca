package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterPerKey(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Stop()

	assert.True(t, rl.Allow("v1"))
	assert.True(t, rl.Allow("v1"))
	assert.False(t, rl.Allow("v1"))
	assert.True(t, rl.Allow("v2"), "keys are limited independently")
}

func TestRateLimiterEvictsIdleKeys(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	defer rl.Stop()

	assert.True(t, rl.Allow("v1"))
	rl.evict(time.Now().Add(2 * time.Minute))

	rl.mu.Lock()
	_, ok := rl.limiters["v1"]
	rl.mu.Unlock()
	assert.False(t, ok)
	assert.True(t, rl.Allow("v1"), "an evicted key starts with a full bucket")
}
