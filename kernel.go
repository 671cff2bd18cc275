package vkern

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// KernelConfig 内核配置。核数定死在启动时，之后不增不减。
type KernelConfig struct {
	// CoreCount 模拟核的个数
	CoreCount int
}

// DefaultKernelConfig 被模拟主机的缺省配置：四个核。
var DefaultKernelConfig = KernelConfig{CoreCount: 4}

// Kernel 是模拟的「内核」：持有并管理全部核、调度器、线程表和虚拟时钟。
//
// 并发模型是粗粒度的：一把 HLE 大锁罩住所有内核状态。每个导出的
// 系统调用入口自己拿锁；跨核操作（核选择、迁移、唤醒）因此天然原子。
// 多个宿主 goroutine 驱动各核，但调度逻辑本身是串行的。
type Kernel struct {
	mu sync.Mutex // HLE 大锁

	cfg KernelConfig

	clock       *VirtualClock
	wakeupEvent EventType

	cores      []*Core
	schedulers []*PerCoreScheduler

	threads       map[ThreadID]*Thread
	nextThreadID  ThreadID
	nextProcessID uint32
	processes     []*Process
}

// NewKernel 构建一个内核：cfg.CoreCount 个核、空线程表、时刻 0 的虚拟时钟。
func NewKernel(cfg KernelConfig) *Kernel {
	if cfg.CoreCount <= 0 {
		panic("vkern: KernelConfig.CoreCount must be positive")
	}

	k := &Kernel{
		cfg:     cfg,
		clock:   NewVirtualClock(),
		threads: map[ThreadID]*Thread{},
	}
	k.wakeupEvent = k.clock.RegisterEvent("ThreadWakeup", k.threadWakeupCallback)

	for i := 0; i < cfg.CoreCount; i++ {
		sched := newPerCoreScheduler(i)
		k.schedulers = append(k.schedulers, sched)
		k.cores = append(k.cores, newCore(i, k, sched))
	}

	log.WithField("cores", cfg.CoreCount).Info("[Kernel] NewKernel")
	return k
}

// Clock 内核用的虚拟时钟。驱动方（测试、主循环）通过它推进时间。
func (k *Kernel) Clock() *VirtualClock { return k.clock }

// CoreCount 模拟核的个数。
func (k *Kernel) CoreCount() int { return k.cfg.CoreCount }

// Run 启动全部宿主核循环，直到 ctx 取消。
func (k *Kernel) Run(ctx context.Context, exec Executor) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range k.cores {
		c := c
		g.Go(func() error {
			return c.loop(ctx, exec)
		})
	}
	return g.Wait()
}

// CreateProcess 创建一个进程，登记到进程表里。
func (k *Kernel) CreateProcess(name string, addrSpace AddressSpace) *Process {
	k.mu.Lock()
	defer k.mu.Unlock()

	p := NewProcess(k.nextProcessID, name, addrSpace)
	k.nextProcessID++
	k.processes = append(k.processes, p)
	return p
}

/********* 👇 SYSTEM CALLS 👇 ***************/

// CreateThread 创建一个线程：校验参数，分 TLS 槽位，初始化上下文，
// 以 Dormant 态挂到 coreID 核的调度器名下（不进就绪队列）。
// 之后要用 ResumeFromWait 才会开始跑。
//
// coreID 可以是 ProcessorIDDefault（用 0 号核）。亲和掩码初始只含该核，
// 理想核初始无偏好；都可以用 ChangeCore 改。
func (k *Kernel) CreateThread(p *Process, name string, entry VAddr, priority int,
	arg uint32, stackTop VAddr, coreID int) (*Thread, error) {

	k.mu.Lock()
	defer k.mu.Unlock()

	if priority < ThreadPrioHighest || priority > ThreadPrioLowest {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPriority, priority)
	}

	core := coreID
	if core == ProcessorIDDefault {
		core = 0
	}
	if core < 0 || core >= k.cfg.CoreCount {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCoreID, coreID)
	}

	if !p.AddrSpace.IsValidVirtualAddress(entry) {
		return nil, fmt.Errorf("%w: %#x", ErrInvalidEntryAddress, entry)
	}

	tlsPage, tlsSlot, tlsAddr, err := p.tls.allocate(p)
	if err != nil {
		return nil, err
	}

	t := &Thread{
		ID:              k.nextThreadID,
		Name:            name,
		Process:         p,
		kernel:          k,
		status:          StatusDormant,
		nominalPriority: priority,
		currentPriority: priority,
		processorID:     core,
		idealCore:       IdealCoreNone,
		affinityMask:    1 << uint(core),
		tlsAddress:      tlsAddr,
		tlsPage:         tlsPage,
		tlsSlot:         tlsSlot,
	}
	t.Context.reset(entry, stackTop, arg)
	t.death = &WaitObject{Kind: WaitKindThreadDeath, Name: name + ":death", thread: t}

	k.nextThreadID++
	k.threads[t.ID] = t
	p.threadCount++

	k.schedulers[core].addMember(t)

	log.WithFields(log.Fields{
		"thread":   name,
		"tid":      t.ID,
		"process":  p.Name,
		"priority": priority,
		"core":     core,
		"tls":      fmt.Sprintf("%#x", tlsAddr),
	}).Info("[Kernel] CreateThread")

	return t, nil
}

// ResumeFromWait 把线程从 Dormant / Wait* 拉回就绪队列。
// 对 Ready 线程幂等；对 Running / Dead 线程 panic（宿主侧 bug）。
func (k *Kernel) ResumeFromWait(t *Thread) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t.resumeFromWait()
}

// Stop 终止线程。Dead 是终态。
func (k *Kernel) Stop(t *Thread) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t.stop()
}

// SetPriority 设置名义优先级并重算有效优先级。
func (k *Kernel) SetPriority(t *Thread, priority int) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if priority < ThreadPrioHighest || priority > ThreadPrioLowest {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, priority)
	}
	t.setPriority(priority)
	return nil
}

// BoostPriority 临时覆盖有效优先级（不动名义优先级、不走继承重算）。
// 越界是宿主侧 bug。
func (k *Kernel) BoostPriority(t *Thread, priority int) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if priority < ThreadPrioHighest || priority > ThreadPrioLowest {
		panic(fmt.Sprintf("vkern: BoostPriority out of range: %d", priority))
	}
	t.boostPriority(priority)
}

// ChangeCore 更新理想核与亲和掩码。线程在 Ready 态时立刻按新约束
// 重新放置，否则等下次就绪再生效。
func (k *Kernel) ChangeCore(t *Thread, idealCore int, affinityMask uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if idealCore != IdealCoreNone && (idealCore < 0 || idealCore >= k.cfg.CoreCount) {
		return fmt.Errorf("%w: ideal core %d", ErrInvalidCoreID, idealCore)
	}
	if affinityMask == 0 || affinityMask >= 1<<uint(k.cfg.CoreCount) {
		return fmt.Errorf("%w: affinity mask %#x", ErrInvalidCoreID, affinityMask)
	}

	k.changeCore(t, idealCore, affinityMask)
	return nil
}

// AddMutexWaiter 登记 waiter 在等 owner 持有的互斥锁（优先级捐赠入口）。
func (k *Kernel) AddMutexWaiter(owner, waiter *Thread) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.addMutexWaiter(owner, waiter)
}

// RemoveMutexWaiter 撤销 AddMutexWaiter 登记的关系。
func (k *Kernel) RemoveMutexWaiter(owner, waiter *Thread) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.removeMutexWaiter(owner, waiter)
}

// WakeAfterDelay 给线程挂一个 ns 纳秒后的定时唤醒。
// ns < 0 表示不设超时。一个线程至多一个未触发的定时唤醒。
func (k *Kernel) WakeAfterDelay(t *Thread, ns int64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.wakeAfterDelayLocked(t, ns)
}

func (k *Kernel) wakeAfterDelayLocked(t *Thread, ns int64) {
	if ns < 0 {
		return
	}
	// 至多一个未触发的定时唤醒：旧的先作废
	k.clock.UnscheduleEventThreadsafe(k.wakeupEvent, uint64(t.ID))
	k.clock.ScheduleEventThreadsafe(ns, k.wakeupEvent, uint64(t.ID))
}

// CancelWakeupTimer 撤销线程的定时唤醒。没有未触发的定时器时是空操作。
func (k *Kernel) CancelWakeupTimer(t *Thread) {
	k.clock.UnscheduleEventThreadsafe(k.wakeupEvent, uint64(t.ID))
}

// BlockThread 让线程进入 status 指定的 Wait* 态，不挂等待对象。
// 给 HLE 服务层（IPC 应答、HLE 事件回调）用的通用阻塞入口，
// 之后用 ResumeFromWait 或定时唤醒拉回来。
func (k *Kernel) BlockThread(t *Thread, status ThreadStatus) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t.block(status)
}

// SleepThread 让线程睡 ns 纳秒（ns < 0 睡到被显式唤醒）。
func (k *Kernel) SleepThread(t *Thread, ns int64) {
	k.mu.Lock()
	defer k.mu.Unlock()

	t.block(StatusWaitSleep)
	k.wakeAfterDelayLocked(t, ns)
}

// threadWakeupCallback 定时唤醒事件的处理程序，时钟 Advance 时触发。
// cookie 是线程号。线程已经退出（表里查不到）或已经被信号唤醒时是空操作：
// 超时和显式唤醒谁先到谁赢，输家什么都不做。
func (k *Kernel) threadWakeupCallback(cookie uint64, lateNs uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()

	t, ok := k.threads[ThreadID(cookie)]
	if !ok {
		log.WithField("tid", cookie).Trace("[Kernel] wakeup for gone thread: no-op")
		return
	}
	if !t.status.isWaiting() {
		t.logger().Debug("[Kernel] wakeup lost the race: no-op")
		return
	}

	t.logger().WithFields(log.Fields{
		"status": t.status,
		"late":   lateNs,
	}).Debug("[Kernel] wakeup timer fired")

	// 超时路径也要把等待关系拆干净再唤醒
	if t.lockOwner != nil {
		k.removeMutexWaiter(t.lockOwner, t)
	}
	for _, obj := range t.waitObjects {
		obj.removeWaiter(t)
	}
	t.waitObjects = nil
	t.waitAll = false

	t.resumeFromWait()
}

/********* 👆 SYSTEM CALLS 👆 ***************/

/********* 👇 QUERIES 👇 ***************/

// GetCurrentThread coreID 核上正在跑的线程，空闲时为 nil。
func (k *Kernel) GetCurrentThread(coreID int) *Thread {
	k.mu.Lock()
	defer k.mu.Unlock()

	if coreID < 0 || coreID >= k.cfg.CoreCount {
		panic(fmt.Sprintf("vkern: GetCurrentThread of invalid core %d", coreID))
	}
	return k.schedulers[coreID].current
}

// GetStatus 线程当前状态。
func (k *Kernel) GetStatus(t *Thread) ThreadStatus {
	k.mu.Lock()
	defer k.mu.Unlock()
	return t.status
}

// GetCurrentPriority 线程继承提升后的有效优先级。
func (k *Kernel) GetCurrentPriority(t *Thread) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return t.currentPriority
}

// GetAffinityMask 线程的亲和掩码。
func (k *Kernel) GetAffinityMask(t *Thread) uint32 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return t.affinityMask
}

/********* 👆 QUERIES 👆 ***************/
