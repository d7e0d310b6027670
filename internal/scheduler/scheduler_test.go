package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAfterRunsOnce(t *testing.T) {
	s := New(zap.NewNop())
	defer s.Stop()

	var calls atomic.Int32
	require.NoError(t, s.After("retry", 10*time.Millisecond, func(ctx context.Context) { calls.Add(1) }))
	assert.True(t, s.Pending("retry"))

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !s.Pending("retry") }, time.Second, 5*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAfterReplacesPendingTask(t *testing.T) {
	s := New(zap.NewNop())
	defer s.Stop()

	var first, second atomic.Int32
	require.NoError(t, s.After("retry", 50*time.Millisecond, func(ctx context.Context) { first.Add(1) }))
	require.NoError(t, s.After("retry", 10*time.Millisecond, func(ctx context.Context) { second.Add(1) }))

	require.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(0), first.Load())
}

func TestCancelPreventsRun(t *testing.T) {
	s := New(zap.NewNop())
	defer s.Stop()

	var calls atomic.Int32
	require.NoError(t, s.After("retry", 20*time.Millisecond, func(ctx context.Context) { calls.Add(1) }))
	assert.True(t, s.Cancel("retry"))
	assert.False(t, s.Cancel("retry"))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestEveryStopsWhenHandlerReturnsFalse(t *testing.T) {
	s := New(zap.NewNop())
	defer s.Stop()

	var calls atomic.Int32
	require.NoError(t, s.Every("poll", 5*time.Millisecond, func(ctx context.Context) bool {
		return calls.Add(1) < 3
	}))

	require.Eventually(t, func() bool { return !s.Pending("poll") }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
}

func TestEverySurvivesPanic(t *testing.T) {
	s := New(zap.NewNop())
	defer s.Stop()

	var calls atomic.Int32
	require.NoError(t, s.Every("poll", 5*time.Millisecond, func(ctx context.Context) bool {
		if calls.Add(1) == 1 {
			panic("transient")
		}
		return false
	}))

	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestStopRejectsNewTasks(t *testing.T) {
	s := New(zap.NewNop())
	require.NoError(t, s.Every("poll", time.Hour, func(ctx context.Context) bool { return true }))

	s.Stop()

	assert.False(t, s.Pending("poll"))
	assert.ErrorIs(t, s.After("x", time.Millisecond, func(context.Context) {}), ErrStopped)
}
