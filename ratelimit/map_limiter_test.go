package ratelimit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/MrJones267/aryv-coord/ratelimit"
)

func TestMapLimiter_BurstThenDeny(t *testing.T) {
	l := ratelimit.New(1, 3, time.Minute)
	now := time.Now()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("alice", now), "burst slot %d", i)
	}
	assert.False(t, l.Allow("alice", now))

	// a second elapses, one token refills
	assert.True(t, l.Allow("alice", now.Add(time.Second)))
}

func TestMapLimiter_KeysAreIndependent(t *testing.T) {
	l := ratelimit.New(1, 1, time.Minute)
	now := time.Now()

	assert.True(t, l.Allow("alice", now))
	assert.False(t, l.Allow("alice", now))
	assert.True(t, l.Allow("bob", now))
}

func TestMapLimiter_ForgetResets(t *testing.T) {
	l := ratelimit.New(1, 1, time.Minute)
	now := time.Now()

	assert.True(t, l.Allow("alice", now))
	assert.False(t, l.Allow("alice", now))

	l.Forget("alice")
	assert.True(t, l.Allow("alice", now))
}

func TestMapLimiter_NilAndEmptyKeyAllow(t *testing.T) {
	var l *ratelimit.MapLimiter
	assert.True(t, l.Allow("alice", time.Now()))

	l2 := ratelimit.New(1, 1, time.Minute)
	assert.True(t, l2.Allow("", time.Now()))
	assert.True(t, l2.Allow("", time.Now()))
}

func TestNew_InvalidArgs(t *testing.T) {
	assert.Nil(t, ratelimit.New(0, 1, time.Minute))
	assert.Nil(t, ratelimit.New(1, 0, time.Minute))
}
