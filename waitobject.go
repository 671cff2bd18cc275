package vkern

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// WaitKind 内核里能被等待的对象种类。封闭集合，按 switch 分发，
// 不搞虚函数那套。
type WaitKind int

const (
	// WaitKindThreadDeath 等一个线程退出；线程 Dead 即满足
	WaitKindThreadDeath WaitKind = iota
	// WaitKindEvent 事件：signaled 即满足
	WaitKindEvent
	// WaitKindSemaphore 信号量：有余量即满足
	WaitKindSemaphore
	// WaitKindMutex 互斥锁：没人持有（或自己持有）即满足
	WaitKindMutex
	// WaitKindArbiter 地址仲裁器：只能被显式仲裁操作叫醒
	WaitKindArbiter
)

func (k WaitKind) String() string {
	switch k {
	case WaitKindThreadDeath:
		return "ThreadDeath"
	case WaitKindEvent:
		return "Event"
	case WaitKindSemaphore:
		return "Semaphore"
	case WaitKindMutex:
		return "Mutex"
	case WaitKindArbiter:
		return "Arbiter"
	}
	return fmt.Sprintf("WaitKind(%d)", int(k))
}

// WaitObject 一个可被线程阻塞等待的内核对象。
// kind 决定哪些字段有意义。所有字段都在内核锁下读写。
type WaitObject struct {
	Kind WaitKind
	Name string

	// waiters 正阻塞在这个对象上的线程，按到达顺序
	waiters []*Thread

	// Event
	signaled bool
	sticky   bool // true: 手动复位；false: 唤醒一个就自动复位

	// Semaphore
	available int
	maxCount  int

	// Mutex
	owner     *Thread
	lockCount int

	// ThreadDeath
	thread *Thread
}

// NewEvent 新建事件对象。sticky 为 true 时 Signal 后保持触发态直到 Clear。
func (k *Kernel) NewEvent(name string, sticky bool) *WaitObject {
	return &WaitObject{Kind: WaitKindEvent, Name: name, sticky: sticky}
}

// NewSemaphore 新建信号量，初始余量 initial，上限 max。
func (k *Kernel) NewSemaphore(name string, initial, max int) *WaitObject {
	return &WaitObject{Kind: WaitKindSemaphore, Name: name, available: initial, maxCount: max}
}

// NewMutex 新建互斥锁。
func (k *Kernel) NewMutex(name string) *WaitObject {
	return &WaitObject{Kind: WaitKindMutex, Name: name}
}

// NewArbiter 新建地址仲裁器对象。
func (k *Kernel) NewArbiter(name string) *WaitObject {
	return &WaitObject{Kind: WaitKindArbiter, Name: name}
}

// Owner 互斥锁的当前持有者（只对 Mutex 有意义）。
func (o *WaitObject) Owner() *Thread { return o.owner }

// shouldWait 线程 t 现在等这个对象会不会阻塞。内核锁下调用。
func (o *WaitObject) shouldWait(t *Thread) bool {
	switch o.Kind {
	case WaitKindThreadDeath:
		return o.thread.status != StatusDead
	case WaitKindEvent:
		return !o.signaled
	case WaitKindSemaphore:
		return o.available <= 0
	case WaitKindMutex:
		return o.owner != nil && o.owner != t
	case WaitKindArbiter:
		return true
	}
	panic(fmt.Sprintf("vkern: shouldWait on unknown wait kind %d", o.Kind))
}

// acquire 线程 t 拿下这个对象。只在 shouldWait(t) == false 时调用。
func (o *WaitObject) acquire(t *Thread) {
	switch o.Kind {
	case WaitKindThreadDeath, WaitKindArbiter:
		// 没有要消耗的东西
	case WaitKindEvent:
		if !o.sticky {
			o.signaled = false
		}
	case WaitKindSemaphore:
		o.available--
	case WaitKindMutex:
		if o.owner == nil {
			o.owner = t
			o.lockCount = 1
			t.heldMutexes = append(t.heldMutexes, o)
		} else {
			o.lockCount++ // 递归加锁
		}
	default:
		panic(fmt.Sprintf("vkern: acquire on unknown wait kind %d", o.Kind))
	}
}

func (o *WaitObject) addWaiter(t *Thread) {
	o.waiters = append(o.waiters, t)
}

// removeWaiter 把 t 从等待者列表里摘掉。不在列表里时静默返回。
func (o *WaitObject) removeWaiter(t *Thread) {
	for i, w := range o.waiters {
		if w == t {
			o.waiters = append(o.waiters[:i], o.waiters[i+1:]...)
			return
		}
	}
}

// canBeAwoken 等待者 t 的等待条件是否已经满足：
// WaitSynchAll 要等齐全部对象，其余只看这个对象自己。
func (o *WaitObject) canBeAwoken(t *Thread) bool {
	if t.waitAll {
		for _, obj := range t.waitObjects {
			if obj.shouldWait(t) {
				return false
			}
		}
		return true
	}
	return !o.shouldWait(t)
}

// wakeupAllWaitingThreads 对象状态变化后叫醒所有条件已满足的等待者。
// 内核锁下调用。每叫醒一个就 acquire 一次，所以信号量余量不够时
// 排在后面的等待者会留下继续等。
func (o *WaitObject) wakeupAllWaitingThreads() {
	snapshot := append([]*Thread(nil), o.waiters...)
	for _, t := range snapshot {
		if !o.canBeAwoken(t) {
			continue
		}

		if t.waitAll {
			for _, obj := range t.waitObjects {
				obj.acquire(t)
			}
		} else {
			o.acquire(t)
		}

		for _, obj := range t.waitObjects {
			obj.removeWaiter(t)
		}
		t.waitObjects = nil
		t.waitAll = false

		log.WithFields(log.Fields{
			"object": o.Name,
			"kind":   o.Kind,
			"thread": t.Name,
		}).Debug("[Wait] wake waiter")

		t.resumeFromWait()
	}
}

// highestPriorityWaiter 等待者里有效优先级最高（数值最小）的一个，
// 同优先级按到达顺序。
func (o *WaitObject) highestPriorityWaiter() *Thread {
	var best *Thread
	for _, w := range o.waiters {
		if best == nil || w.currentPriority < best.currentPriority {
			best = w
		}
	}
	return best
}

/********* 👇 同步原语的系统调用面 👇 ***************/

// WaitSynchronization 让 t 等待 objs。waitAll 为 true 时要等齐全部。
// 条件当场满足就直接 acquire 并返回 true，不阻塞；
// 否则 t 进入 WaitSynchAny/All 状态并返回 false，timeoutNs >= 0 时挂超时唤醒
// （timeoutNs < 0 表示无限等）。
func (k *Kernel) WaitSynchronization(t *Thread, objs []*WaitObject, waitAll bool, timeoutNs int64) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	if len(objs) == 0 {
		panic("vkern: WaitSynchronization with no objects")
	}

	if waitAll {
		all := true
		for _, o := range objs {
			if o.shouldWait(t) {
				all = false
				break
			}
		}
		if all {
			for _, o := range objs {
				o.acquire(t)
			}
			return true
		}
	} else {
		for _, o := range objs {
			if !o.shouldWait(t) {
				o.acquire(t)
				return true
			}
		}
	}

	t.waitObjects = append([]*WaitObject(nil), objs...)
	t.waitAll = waitAll
	for _, o := range objs {
		o.addWaiter(t)
	}

	status := StatusWaitSynchAny
	if waitAll {
		status = StatusWaitSynchAll
	}
	t.block(status)

	k.wakeAfterDelayLocked(t, timeoutNs)
	return false
}

// SignalEvent 触发事件并叫醒等待者。
func (k *Kernel) SignalEvent(e *WaitObject) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if e.Kind != WaitKindEvent {
		panic("vkern: SignalEvent on non-event object")
	}
	e.signaled = true
	e.wakeupAllWaitingThreads()
}

// ClearEvent 复位事件。
func (k *Kernel) ClearEvent(e *WaitObject) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if e.Kind != WaitKindEvent {
		panic("vkern: ClearEvent on non-event object")
	}
	e.signaled = false
}

// ReleaseSemaphore 归还 count 个信号量，返回归还前的余量。
// 超过上限返回 ErrSemaphoreLimit，余量不变。
func (k *Kernel) ReleaseSemaphore(s *WaitObject, count int) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if s.Kind != WaitKindSemaphore {
		panic("vkern: ReleaseSemaphore on non-semaphore object")
	}
	if s.available+count > s.maxCount {
		return s.available, fmt.Errorf("%w: %d + %d > %d", ErrSemaphoreLimit, s.available, count, s.maxCount)
	}

	prev := s.available
	s.available += count
	s.wakeupAllWaitingThreads()
	return prev, nil
}

// MutexAcquire 让 t 拿锁。没人持有或 t 重入时当场成功返回 true；
// 否则 t 进入 WaitMutex、登记优先级捐赠，返回 false。
func (k *Kernel) MutexAcquire(t *Thread, m *WaitObject) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	if m.Kind != WaitKindMutex {
		panic("vkern: MutexAcquire on non-mutex object")
	}

	if !m.shouldWait(t) {
		m.acquire(t)
		return true
	}

	t.waitObjects = []*WaitObject{m}
	t.waitAll = false
	m.addWaiter(t)
	k.addMutexWaiter(m.owner, t)
	t.block(StatusWaitMutex)
	return false
}

// MutexRelease 让 t 放锁。锁计数归零时把锁交给优先级最高的等待者，
// 剩下的等待者改为向新持有者捐优先级。t 不是持有者时返回 ErrNotMutexOwner。
func (k *Kernel) MutexRelease(t *Thread, m *WaitObject) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if m.Kind != WaitKindMutex {
		panic("vkern: MutexRelease on non-mutex object")
	}
	if m.owner != t {
		return fmt.Errorf("%w: %q", ErrNotMutexOwner, t.Name)
	}

	m.lockCount--
	if m.lockCount > 0 {
		return nil
	}

	k.mutexHandOff(t, m)
	return nil
}

// mutexHandOff 把 m 从持有者 t 手里交出去：有等待者时交给有效优先级最高的
// 那个并叫醒它，剩下的等待者改挂到新持有者名下；没人等就直接清空持有者。
// MutexRelease 和线程退出共用这条路径。调用者持内核锁，且 m.owner == t。
func (k *Kernel) mutexHandOff(t *Thread, m *WaitObject) {
	removeHeldMutex(t, m)

	next := m.highestPriorityWaiter()
	if next == nil {
		m.owner = nil
		m.lockCount = 0
		return
	}

	log.WithFields(log.Fields{
		"mutex": m.Name,
		"from":  t.Name,
		"to":    next.Name,
	}).Debug("[Wait] mutex hand-off")

	k.removeMutexWaiter(t, next)
	m.removeWaiter(next)

	// 剩下的等待者改挂到新持有者名下
	for _, w := range append([]*Thread(nil), m.waiters...) {
		k.removeMutexWaiter(t, w)
		k.addMutexWaiter(next, w)
	}

	m.owner = next
	m.lockCount = 1
	next.heldMutexes = append(next.heldMutexes, m)

	next.waitObjects = nil
	next.waitAll = false
	next.resumeFromWait()
}

func removeHeldMutex(t *Thread, m *WaitObject) {
	for i, held := range t.heldMutexes {
		if held == m {
			t.heldMutexes = append(t.heldMutexes[:i], t.heldMutexes[i+1:]...)
			return
		}
	}
	panic(fmt.Sprintf("vkern: mutex %q not in held list of thread %q", m.Name, t.Name))
}

// ArbiterWakeup 显式叫醒仲裁器上最多 count 个等待者（count < 0 全叫醒），
// 按有效优先级从高到低。返回实际叫醒的个数。
func (k *Kernel) ArbiterWakeup(a *WaitObject, count int) int {
	k.mu.Lock()
	defer k.mu.Unlock()

	if a.Kind != WaitKindArbiter {
		panic("vkern: ArbiterWakeup on non-arbiter object")
	}

	woken := 0
	for count < 0 || woken < count {
		next := a.highestPriorityWaiter()
		if next == nil {
			break
		}
		a.removeWaiter(next)
		next.waitObjects = nil
		next.waitAll = false
		next.resumeFromWait()
		woken++
	}
	return woken
}

// ArbiterWait 让 t 在仲裁器上睡下，等 ArbiterWakeup 或超时。
func (k *Kernel) ArbiterWait(t *Thread, a *WaitObject, timeoutNs int64) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if a.Kind != WaitKindArbiter {
		panic("vkern: ArbiterWait on non-arbiter object")
	}

	t.waitObjects = []*WaitObject{a}
	t.waitAll = false
	a.addWaiter(t)
	t.block(StatusWaitArb)
	k.wakeAfterDelayLocked(t, timeoutNs)
}

/********* 👆 同步原语的系统调用面 👆 ***************/
