package bht

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestArmFiresAfterIntervalPlusGuard(t *testing.T) {
	var fired int32
	timer := New(20*time.Millisecond, func() {
		atomic.StoreInt32(&fired, 1)
	})

	timer.Arm()
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired), "must not fire before the interval elapses")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

func TestRearmingReplacesPreviousDeadline(t *testing.T) {
	var fireCount int32
	timer := New(20*time.Millisecond, func() {
		atomic.AddInt32(&fireCount, 1)
	})

	timer.Arm()
	time.Sleep(10 * time.Millisecond)
	timer.Arm() // should push the deadline out, not stack a second fire

	time.Sleep(15 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fireCount), "re-arming must replace, not add to, the pending deadline")

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fireCount))
}

func TestCancelPreventsFire(t *testing.T) {
	var fired int32
	timer := New(10*time.Millisecond, func() {
		atomic.StoreInt32(&fired, 1)
	})

	timer.Arm()
	timer.Cancel()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
}
