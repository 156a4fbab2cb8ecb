package timing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gepbird/rauthy/internal/cache"
)

func TestAvgMS_DefaultsBeforeAnyObservation(t *testing.T) {
	e := New(cache.NewMemory())
	assert.Equal(t, int64(defaultAvgMS), e.avgMS(context.Background()))
}

func TestSuccess_UpdatesAverage(t *testing.T) {
	e := New(cache.NewMemory())
	ctx := context.Background()

	start := time.Now().Add(-100 * time.Millisecond)
	e.Success(ctx, start, true)

	avg := e.avgMS(ctx)
	assert.Less(t, avg, int64(defaultAvgMS))
}

func TestSuccess_IgnoredWhenNotHashedPassword(t *testing.T) {
	e := New(cache.NewMemory())
	ctx := context.Background()

	e.Success(ctx, time.Now().Add(-time.Second), false)
	assert.Equal(t, int64(defaultAvgMS), e.avgMS(ctx))
}

func TestFailure_SleepsForRemainingDelay(t *testing.T) {
	e := New(cache.NewMemory())
	var slept time.Duration
	e.sleep = func(d time.Duration) { slept = d }

	start := time.Now()
	e.Failure(context.Background(), start)

	require.Greater(t, slept, time.Duration(0))
	assert.LessOrEqual(t, slept, defaultAvgMS*time.Millisecond)
}

func TestFailure_NoSleepWhenAlreadySlowerThanAverage(t *testing.T) {
	e := New(cache.NewMemory())
	var called bool
	e.sleep = func(time.Duration) { called = true }

	start := time.Now().Add(-(defaultAvgMS + 500) * time.Millisecond)
	e.Failure(context.Background(), start)

	assert.False(t, called)
}
