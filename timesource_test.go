package vkern

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVirtualClockFiresInOrder(t *testing.T) {
	c := NewVirtualClock()

	var fired []uint64
	typ := c.RegisterEvent("order", func(cookie uint64, lateNs uint64) {
		fired = append(fired, cookie)
	})

	c.ScheduleEventThreadsafe(100, typ, 1)
	c.ScheduleEventThreadsafe(50, typ, 2)
	c.ScheduleEventThreadsafe(100, typ, 3) // 同刻：按登记顺序

	c.Advance(100)
	assert.Equal(t, []uint64{2, 1, 3}, fired)
	assert.Equal(t, uint64(100), c.CurrentTick())
}

func TestVirtualClockAdvancePartial(t *testing.T) {
	c := NewVirtualClock()

	fired := 0
	typ := c.RegisterEvent("partial", func(cookie uint64, lateNs uint64) { fired++ })

	c.ScheduleEventThreadsafe(100, typ, 1)
	c.Advance(99)
	assert.Zero(t, fired)

	due, ok := c.NextEventTick()
	require.True(t, ok)
	assert.Equal(t, uint64(100), due)

	c.Advance(1)
	assert.Equal(t, 1, fired)

	_, ok = c.NextEventTick()
	assert.False(t, ok)
}

func TestVirtualClockUnscheduleIsIdempotent(t *testing.T) {
	c := NewVirtualClock()

	fired := 0
	typ := c.RegisterEvent("cancel", func(cookie uint64, lateNs uint64) { fired++ })

	c.ScheduleEventThreadsafe(100, typ, 42)
	c.UnscheduleEventThreadsafe(typ, 42)
	c.UnscheduleEventThreadsafe(typ, 42) // 已经取消过：空操作
	c.Advance(200)
	assert.Zero(t, fired)

	// 已经触发过再取消：也是空操作
	c.ScheduleEventThreadsafe(10, typ, 42)
	c.Advance(20)
	assert.Equal(t, 1, fired)
	assert.NotPanics(t, func() { c.UnscheduleEventThreadsafe(typ, 42) })
}

func TestVirtualClockCallbackCanReschedule(t *testing.T) {
	c := NewVirtualClock()

	var ticks []uint64
	var typ EventType
	typ = c.RegisterEvent("reschedule", func(cookie uint64, lateNs uint64) {
		ticks = append(ticks, c.CurrentTick())
		if len(ticks) < 3 {
			c.ScheduleEventThreadsafe(10, typ, cookie)
		}
	})

	c.ScheduleEventThreadsafe(10, typ, 1)
	c.Advance(100)
	assert.Equal(t, []uint64{10, 20, 30}, ticks)
	assert.Equal(t, uint64(100), c.CurrentTick())
}

func TestWakeAfterDelayResumesThread(t *testing.T) {
	k, p := newTestKernel(t)

	th := mustCreateThread(t, k, p, "delayed", 20, 0)
	k.ResumeFromWait(th)
	require.Same(t, th, rescheduleCore(k, 0))

	k.SleepThread(th, 500)
	assert.Equal(t, StatusWaitSleep, k.GetStatus(th))

	k.Clock().Advance(499)
	assert.Equal(t, StatusWaitSleep, k.GetStatus(th))

	k.Clock().Advance(1)
	assert.Equal(t, StatusReady, k.GetStatus(th))
}

// 一个线程至多一个未触发的定时唤醒：重设之后只有最后那个生效。
func TestWakeAfterDelayReplacesPending(t *testing.T) {
	k, p := newTestKernel(t)

	th := mustCreateThread(t, k, p, "resched", 20, 0)
	k.ResumeFromWait(th)
	require.Same(t, th, rescheduleCore(k, 0))
	k.SleepThread(th, 100)

	k.WakeAfterDelay(th, 1000)

	k.Clock().Advance(500) // 第一个时刻已作废
	assert.Equal(t, StatusWaitSleep, k.GetStatus(th))

	k.Clock().Advance(500)
	assert.Equal(t, StatusReady, k.GetStatus(th))
}

func TestCancelWakeupTimer(t *testing.T) {
	k, p := newTestKernel(t)

	th := mustCreateThread(t, k, p, "cancelled", 20, 0)
	k.ResumeFromWait(th)
	require.Same(t, th, rescheduleCore(k, 0))
	k.SleepThread(th, 100)

	k.CancelWakeupTimer(th)
	k.CancelWakeupTimer(th) // 幂等

	k.Clock().Advance(1000)
	assert.Equal(t, StatusWaitSleep, k.GetStatus(th), "cancelled timer must not fire")

	// 还能被显式唤醒
	k.ResumeFromWait(th)
	assert.Equal(t, StatusReady, k.GetStatus(th))
}

// 超时和显式信号赛跑：谁先到谁赢，输家必须是空操作。
func TestTimeoutVersusSignalRace(t *testing.T) {
	k, p := newTestKernel(t)

	t.Run("signal wins", func(t *testing.T) {
		evt := k.NewEvent("race-evt-1", false)
		th := mustCreateThread(t, k, p, "racer1", 20, 0)
		k.ResumeFromWait(th)

		ready := k.WaitSynchronization(th, []*WaitObject{evt}, false, 100)
		require.False(t, ready)

		k.SignalEvent(evt)
		assert.Equal(t, StatusReady, k.GetStatus(th))

		// 输家（超时）开火：不能把状态搞乱
		k.Clock().Advance(200)
		assert.Equal(t, StatusReady, k.GetStatus(th))
		_, queued, _ := schedulerHoldings(k, th)
		assert.Equal(t, 1, queued)
	})

	t.Run("timeout wins", func(t *testing.T) {
		evt := k.NewEvent("race-evt-2", false)
		th := mustCreateThread(t, k, p, "racer2", 20, 0)
		k.ResumeFromWait(th)

		ready := k.WaitSynchronization(th, []*WaitObject{evt}, false, 100)
		require.False(t, ready)

		k.Clock().Advance(100)
		assert.Equal(t, StatusReady, k.GetStatus(th))

		// 输家（信号）到达：等待者已经走了，没人可叫
		assert.NotPanics(t, func() { k.SignalEvent(evt) })
		assert.Equal(t, StatusReady, k.GetStatus(th))
		_, queued, _ := schedulerHoldings(k, th)
		assert.Equal(t, 1, queued)
	})
}
