package vkern

import (
	"container/heap"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// TimeSource 是调度核心看到的虚拟时钟。
// TimeSource is the virtual nanosecond clock the scheduling core sees.
// Schedule/Unschedule must be callable from any host core; the core that sets
// up a wait is not necessarily the core whose tick fires the callback.
type TimeSource interface {
	// CurrentTick 当前虚拟时刻（纳秒）。
	CurrentTick() uint64

	// ScheduleEventThreadsafe 在 delayNs 纳秒后触发一次 typ 事件。
	ScheduleEventThreadsafe(delayNs int64, typ EventType, cookie uint64)

	// UnscheduleEventThreadsafe 取消尚未触发的 (typ, cookie) 事件。
	// Cancelling an already-fired or never-scheduled event is a no-op.
	UnscheduleEventThreadsafe(typ EventType, cookie uint64)
}

// EventCallback 是事件到期时的「中断处理程序」。
// lateNs 是实际触发时刻晚于预定时刻的纳秒数。
type EventCallback func(cookie uint64, lateNs uint64)

// EventType 标识一类已注册的时钟事件，由 RegisterEvent 返回。
type EventType int

// timedEvent 是时钟队列里的一个未触发事件
type timedEvent struct {
	due    uint64 // 预定触发时刻（纳秒）
	seq    uint64 // 同刻事件按注册顺序触发，保证确定性
	typ    EventType
	cookie uint64
}

// eventHeap 按 (due, seq) 排序的最小堆
type eventHeap []*timedEvent

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].due != h[j].due {
		return h[i].due < h[j].due
	}
	return h[i].seq < h[j].seq
}
func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x interface{}) { *h = append(*h, x.(*timedEvent)) }
func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return ev
}

// registeredEvent 事件类型注册表的一项
type registeredEvent struct {
	name     string
	callback EventCallback
}

// VirtualClock 是模拟的「硬件时钟」：TimeSource 的标准实现。
// 时间只在 Advance 被调用时前进；到期事件在 Advance 内按序触发。
type VirtualClock struct {
	mu      sync.Mutex
	now     uint64
	nextSeq uint64
	pending eventHeap
	types   []registeredEvent
}

var _ TimeSource = (*VirtualClock)(nil)

// NewVirtualClock 构建一个时刻为 0 的虚拟时钟。
func NewVirtualClock() *VirtualClock {
	c := &VirtualClock{}
	heap.Init(&c.pending)
	return c
}

// RegisterEvent 注册一类事件及其处理程序，返回事件类型句柄。
// 注册应在启动期完成；回调会在 Advance 的调用栈上执行。
func (c *VirtualClock) RegisterEvent(name string, callback EventCallback) EventType {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.types = append(c.types, registeredEvent{name: name, callback: callback})
	typ := EventType(len(c.types) - 1)

	log.WithFields(log.Fields{
		"event": name,
		"type":  typ,
	}).Debug("[Clock] RegisterEvent")

	return typ
}

// CurrentTick 当前虚拟时刻（纳秒）。
func (c *VirtualClock) CurrentTick() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// ScheduleEventThreadsafe 在 delayNs 纳秒后触发一次 typ 事件。
// delayNs < 0 按 0 处理（下一次 Advance 立即触发）。
func (c *VirtualClock) ScheduleEventThreadsafe(delayNs int64, typ EventType, cookie uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if int(typ) < 0 || int(typ) >= len(c.types) {
		panic(fmt.Sprintf("vkern: schedule of unregistered event type %d", typ))
	}
	if delayNs < 0 {
		delayNs = 0
	}

	ev := &timedEvent{
		due:    c.now + uint64(delayNs),
		seq:    c.nextSeq,
		typ:    typ,
		cookie: cookie,
	}
	c.nextSeq++
	heap.Push(&c.pending, ev)

	log.WithFields(log.Fields{
		"event":  c.types[typ].name,
		"cookie": cookie,
		"due":    ev.due,
	}).Trace("[Clock] ScheduleEvent")
}

// UnscheduleEventThreadsafe 取消所有未触发的 (typ, cookie) 事件。
// 没有匹配项时静默返回。
func (c *VirtualClock) UnscheduleEventThreadsafe(typ EventType, cookie uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for i := 0; i < len(c.pending); {
		if c.pending[i].typ == typ && c.pending[i].cookie == cookie {
			heap.Remove(&c.pending, i)
			removed++
			continue
		}
		i++
	}

	if removed > 0 {
		log.WithFields(log.Fields{
			"event":   c.types[typ].name,
			"cookie":  cookie,
			"removed": removed,
		}).Trace("[Clock] UnscheduleEvent")
	}
}

// Advance 把时钟拨快 ns 纳秒，按 (due, seq) 顺序触发所有到期事件。
// 回调在不持时钟锁的情况下执行：回调里可以再 Schedule/Unschedule。
func (c *VirtualClock) Advance(ns uint64) {
	c.mu.Lock()
	target := c.now + ns

	for {
		if len(c.pending) == 0 || c.pending[0].due > target {
			break
		}
		ev := heap.Pop(&c.pending).(*timedEvent)
		// 时钟推进到事件时刻再触发，回调看到的 CurrentTick 不早于 due
		if ev.due > c.now {
			c.now = ev.due
		}
		callback := c.types[ev.typ].callback
		late := c.now - ev.due
		c.mu.Unlock()

		callback(ev.cookie, late)

		c.mu.Lock()
	}

	if target > c.now {
		c.now = target
	}
	c.mu.Unlock()
}

// NextEventTick 下一个未触发事件的预定时刻；没有事件时返回 false。
func (c *VirtualClock) NextEventTick() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return 0, false
	}
	return c.pending[0].due, true
}
