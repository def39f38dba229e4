package taskrunner

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHoldOffRunsAfterDelay(t *testing.T) {
	h := NewHoldOff()

	var fired atomic.Bool

	h.StartOrDelay(20*time.Millisecond, func() { fired.Store(true) })

	require.False(t, fired.Load())
	require.Eventually(t, fired.Load, time.Second, 5*time.Millisecond)
}

func TestHoldOffResetsDeadlineOnRepeatedCalls(t *testing.T) {
	h := NewHoldOff()

	var fireCount atomic.Int32

	for i := 0; i < 5; i++ {
		h.StartOrDelay(40*time.Millisecond, func() { fireCount.Add(1) })
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return fireCount.Load() == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(1), fireCount.Load())
}

func TestHoldOffStopCancelsPendingRun(t *testing.T) {
	h := NewHoldOff()

	var fired atomic.Bool

	h.StartOrDelay(30*time.Millisecond, func() { fired.Store(true) })
	require.True(t, h.Stop())

	time.Sleep(80 * time.Millisecond)
	require.False(t, fired.Load())
}
