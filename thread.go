package vkern

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// ThreadID 全局单调递增的线程号
type ThreadID uint32

// ThreadStatus 线程状态机的状态。
// 所有 Wait* 状态只是记录「为什么在等」，resumeFromWait 对它们一视同仁。
type ThreadStatus int

const (
	StatusDormant ThreadStatus = iota // 刚创建，还没被唤醒过
	StatusReady                       // 在某个核的就绪队列里
	StatusRunning                     // 正在某个核上跑
	StatusWaitSynchAny                // WaitSynchronizationN，等到任意一个就行
	StatusWaitSynchAll                // WaitSynchronizationN，要等齐全部
	StatusWaitHLEEvent                // 等 HLE 层的事件回调
	StatusWaitSleep                   // svcSleepThread
	StatusWaitIPC                     // 等 IPC 应答
	StatusWaitMutex                   // 等互斥锁
	StatusWaitArb                     // 等地址仲裁器
	StatusDead                        // 终态，不可复活
)

func (s ThreadStatus) String() string {
	switch s {
	case StatusDormant:
		return "Dormant"
	case StatusReady:
		return "Ready"
	case StatusRunning:
		return "Running"
	case StatusWaitSynchAny:
		return "WaitSynchAny"
	case StatusWaitSynchAll:
		return "WaitSynchAll"
	case StatusWaitHLEEvent:
		return "WaitHLEEvent"
	case StatusWaitSleep:
		return "WaitSleep"
	case StatusWaitIPC:
		return "WaitIPC"
	case StatusWaitMutex:
		return "WaitMutex"
	case StatusWaitArb:
		return "WaitArb"
	case StatusDead:
		return "Dead"
	}
	return fmt.Sprintf("ThreadStatus(%d)", int(s))
}

// isWaiting 是否处于某个 Wait* 状态
func (s ThreadStatus) isWaiting() bool {
	switch s {
	case StatusWaitSynchAny, StatusWaitSynchAll, StatusWaitHLEEvent,
		StatusWaitSleep, StatusWaitIPC, StatusWaitMutex, StatusWaitArb:
		return true
	}
	return false
}

// 优先级：数值越小越紧急。
const (
	ThreadPrioHighest = 0
	ThreadPrioDefault = 48
	ThreadPrioLowest  = 63

	priorityLevels = ThreadPrioLowest + 1
)

// 创建线程时 coreID 可以取的特殊值
const (
	// ProcessorIDDefault 用缺省核（0 号）
	ProcessorIDDefault = -2
)

// IdealCoreNone 表示没有理想核偏好
const IdealCoreNone = -1

// ThreadContext 线程的 CPU 上下文快照。
// 对调度核心是不透明的：只在线程不在核上跑的时候读写。
type ThreadContext struct {
	Regs [16]uint32 // r0-r12, sp(13), lr(14), pc(15)
	CPSR uint32
	FPU  [32]uint32
}

// reset 把上下文初始化成从 entry 开始、栈顶 stackTop、r0 = arg 的样子。
func (c *ThreadContext) reset(entry VAddr, stackTop VAddr, arg uint32) {
	*c = ThreadContext{}
	c.Regs[0] = arg
	c.Regs[13] = uint32(stackTop)
	c.Regs[15] = uint32(entry)
	if entry&1 != 0 { // thumb 入口
		c.CPSR |= 0x20
	}
}

// Thread 线程：调度的基本单位。
type Thread struct {
	ID      ThreadID
	Name    string
	Process *Process

	kernel *Kernel

	status ThreadStatus

	// nominalPriority 创建者设定的优先级，只有 SetPriority 能改
	nominalPriority int
	// currentPriority 继承提升后的有效优先级：
	// min(nominalPriority, 所有直接等待者的 currentPriority)。
	// 等待者的 currentPriority 又含它自己的等待者，捐赠因此传递。
	currentPriority int
	// queuedPriority 当前在就绪队列里占的优先级槽（只在 queued 时有意义）
	queuedPriority int
	// queued 是否在某个核的就绪队列里
	queued bool

	// processorID 当前分配到的核
	processorID int
	// idealCore 理想核提示，IdealCoreNone 表示没有
	idealCore int
	// affinityMask 允许在哪些核上跑（bit i = 核 i）
	affinityMask uint32

	// lockOwner 这个线程正在等的互斥锁的持有者（弱引用，关系不是所有权）
	lockOwner *Thread
	// waitMutexThreads 在等「这个线程持有的互斥锁」的线程，按加入顺序
	waitMutexThreads []*Thread
	// heldMutexes 这个线程当前持有的互斥锁，线程退出时逐把移交
	heldMutexes []*WaitObject

	// waitObjects 正在阻塞等待的同步对象集合
	waitObjects []*WaitObject
	// waitAll true 表示要等齐 waitObjects 里全部对象（WaitSynchAll）
	waitAll bool

	// Context CPU 寄存器快照
	Context ThreadContext

	// TLS 槽位
	tlsAddress VAddr
	tlsPage    int
	tlsSlot    int

	// death 别的线程 WaitSynch 这个线程时挂的等待对象；线程 Dead 即满足
	death *WaitObject
}

// Status 当前状态。
func (t *Thread) Status() ThreadStatus { return t.status }

// NominalPriority 创建者设定的优先级。
func (t *Thread) NominalPriority() int { return t.nominalPriority }

// CurrentPriority 继承提升后的有效优先级。
func (t *Thread) CurrentPriority() int { return t.currentPriority }

// AffinityMask 亲和掩码。
func (t *Thread) AffinityMask() uint32 { return t.affinityMask }

// ProcessorID 当前分配到的核。
func (t *Thread) ProcessorID() int { return t.processorID }

// IdealCore 理想核提示。
func (t *Thread) IdealCore() int { return t.idealCore }

// TLSAddress 这个线程的 TLS 虚拟地址。
func (t *Thread) TLSAddress() VAddr { return t.tlsAddress }

// DeathObject 等这个线程退出用的等待对象。
func (t *Thread) DeathObject() *WaitObject { return t.death }

func (t *Thread) logger() *log.Entry {
	return log.WithFields(log.Fields{
		"thread": t.Name,
		"tid":    t.ID,
	})
}

// resumeFromWait 把线程从 Dormant / Wait* 拉回就绪队列。
// 调用者必须持内核锁。
// 对 Ready 线程是幂等空操作（多对象等待时可能被叫醒两次）；
// 对 Running / Dead 线程是宿主侧 bug，直接 panic。
func (t *Thread) resumeFromWait() {
	switch t.status {
	case StatusReady:
		// 另一条唤醒路径（信号/超时）已经抢先了
		t.logger().Debug("[Thread] resumeFromWait on Ready thread: no-op")
		return

	case StatusRunning, StatusDead:
		panic(fmt.Sprintf("vkern: resumeFromWait on %v thread %q", t.status, t.Name))

	case StatusDormant:
		// 新线程的首次唤醒

	default:
		// Wait*：等待集必须已经被唤醒方清空
		if len(t.waitObjects) != 0 {
			panic(fmt.Sprintf("vkern: resumeFromWait: thread %q still has %d wait objects",
				t.Name, len(t.waitObjects)))
		}
	}

	// 旧的定时唤醒作废
	k := t.kernel
	k.clock.UnscheduleEventThreadsafe(k.wakeupEvent, uint64(t.ID))

	t.status = StatusReady
	k.updateCorePlacement(t)

	t.logger().WithField("core", t.processorID).Debug("[Thread] resumeFromWait: thread ready")
}

// stop 终止线程。调用者必须持内核锁。对已 Dead 的线程是空操作。
// 顺序是规定死的：撤销定时器 → 出就绪队列 → 标记 Dead →
// 唤醒等自己退出的线程 → 从等待对象上摘除 → 移交持有的互斥锁、
// 断开剩余捐赠边 → 释放 TLS。
func (t *Thread) stop() {
	if t.status == StatusDead {
		t.logger().Warn("[Thread] stop on Dead thread: no-op")
		return
	}

	t.logger().WithField("status", t.status).Info("[Thread] stop")

	k := t.kernel
	k.clock.UnscheduleEventThreadsafe(k.wakeupEvent, uint64(t.ID))

	sched := k.schedulers[t.processorID]
	if t.status == StatusReady {
		sched.unscheduleReady(t)
	}
	if sched.current == t {
		sched.current = nil
		sched.requestReschedule()
	}

	t.status = StatusDead

	// Dead 线程对 WaitSynch 来说是「已满足」：叫醒所有等它退出的人
	t.death.wakeupAllWaitingThreads()

	for _, obj := range t.waitObjects {
		obj.removeWaiter(t)
	}
	t.waitObjects = nil
	t.waitAll = false

	// 断开互斥锁图里进出这个线程的所有边
	if t.lockOwner != nil {
		k.removeMutexWaiter(t.lockOwner, t)
	}

	// 持有的锁逐把移交：持有者死了不能把等待者永远晾在 WaitMutex 里
	for len(t.heldMutexes) > 0 {
		k.mutexHandOff(t, t.heldMutexes[0])
	}
	// 剩下的是 AddMutexWaiter 直接登记的捐赠边（没挂锁对象），只拆边
	for len(t.waitMutexThreads) > 0 {
		k.removeMutexWaiter(t, t.waitMutexThreads[0])
	}

	sched.removeMember(t)

	t.Process.tls.free(t.tlsPage, t.tlsSlot)
	t.Process.threadCount--
	delete(k.threads, t.ID)
}

// setPriority 设置名义优先级并重算有效优先级。调用者已验证范围、持内核锁。
func (t *Thread) setPriority(priority int) {
	t.nominalPriority = priority
	t.kernel.updatePriority(t)
}

// boostPriority 直接覆盖有效优先级并让调度器挪队（临时提升用的捷径，
// 不动 nominalPriority，也不走继承重算）。调用者持内核锁。
func (t *Thread) boostPriority(priority int) {
	t.kernel.schedulers[t.processorID].reposition(t, priority)
	t.currentPriority = priority
}

// block 进入 status 指定的 Wait* 状态。调用者持内核锁。
// 只许从 Running / Ready 进入；让出当前核但不动队列归属。
func (t *Thread) block(status ThreadStatus) {
	if !status.isWaiting() {
		panic(fmt.Sprintf("vkern: block with non-wait status %v", status))
	}
	switch t.status {
	case StatusRunning:
		sched := t.kernel.schedulers[t.processorID]
		if sched.current == t {
			sched.current = nil
			sched.requestReschedule()
		}
	case StatusReady:
		t.kernel.schedulers[t.processorID].unscheduleReady(t)
	default:
		panic(fmt.Sprintf("vkern: block on %v thread %q", t.status, t.Name))
	}
	t.status = status
}

// updatePriority 重算 t 的有效优先级，变化时沿 lockOwner 链向上传播。
// 递归改成显式工作循环，并加了深度护栏：真实的锁持有链是无环的
// （单一 lockOwner 不变式保证），到上限说明客户机构造出了环。
func (k *Kernel) updatePriority(t *Thread) {
	const maxDonationChain = 64

	cur := t
	for depth := 0; cur != nil; depth++ {
		if depth >= maxDonationChain {
			panic("vkern: priority donation chain exceeds limit (ownership cycle?)")
		}

		best := cur.nominalPriority
		for _, w := range cur.waitMutexThreads {
			// 取等待者的有效优先级：等待者自己收到的捐赠要继续向上传
			if w.currentPriority < best {
				best = w.currentPriority
			}
		}
		if best == cur.currentPriority {
			return
		}

		k.schedulers[cur.processorID].reposition(cur, best)
		cur.currentPriority = best

		cur.logger().WithField("priority", best).Trace("[Thread] updatePriority")

		cur = cur.lockOwner
	}
}

// addMutexWaiter 登记 waiter 在等 owner 持有的互斥锁，并把 waiter 的
// 优先级捐给 owner（传递）。调用者持内核锁。
// waiter 已经登记在 owner 名下时是幂等空操作（防重入）。
func (k *Kernel) addMutexWaiter(owner, waiter *Thread) {
	if waiter.lockOwner == owner {
		// 重入：校验关系确实成立
		if mutexWaiterIndex(owner, waiter) < 0 {
			panic("vkern: addMutexWaiter: lockOwner set but waiter not listed")
		}
		return
	}
	if waiter.lockOwner != nil {
		panic(fmt.Sprintf("vkern: thread %q already waits on a mutex held by %q",
			waiter.Name, waiter.lockOwner.Name))
	}
	if mutexWaiterIndex(owner, waiter) >= 0 {
		panic(fmt.Sprintf("vkern: thread %q already listed as mutex waiter of %q",
			waiter.Name, owner.Name))
	}

	waiter.lockOwner = owner
	owner.waitMutexThreads = append(owner.waitMutexThreads, waiter)
	k.updatePriority(owner)
}

// removeMutexWaiter 撤销 addMutexWaiter 登记的关系并重算 owner 的优先级。
// 调用者持内核锁。关系不成立时 panic。
func (k *Kernel) removeMutexWaiter(owner, waiter *Thread) {
	if waiter.lockOwner != owner {
		panic(fmt.Sprintf("vkern: removeMutexWaiter: %q does not wait on %q",
			waiter.Name, owner.Name))
	}
	idx := mutexWaiterIndex(owner, waiter)
	if idx < 0 {
		panic(fmt.Sprintf("vkern: removeMutexWaiter: %q not in waiter list of %q",
			waiter.Name, owner.Name))
	}

	owner.waitMutexThreads = append(owner.waitMutexThreads[:idx], owner.waitMutexThreads[idx+1:]...)
	waiter.lockOwner = nil
	k.updatePriority(owner)
}

func mutexWaiterIndex(owner, waiter *Thread) int {
	for i, w := range owner.waitMutexThreads {
		if w == waiter {
			return i
		}
	}
	return -1
}
