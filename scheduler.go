package vkern

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// PerCoreScheduler 一个模拟核的调度器：
// 持有这个核的就绪队列（按优先级分层的 FIFO）和「当前线程」。
//
// 两个概念要分开记：
//   - 成员资格（addMember/removeMember）：线程归这个核的调度器管；
//   - 就绪队列占位（scheduleReady/unscheduleReady）：线程此刻可跑。
//
// 线程可以是某个核的成员但不在就绪队列里（Dormant / Wait* / Running）。
// 不变式：任一时刻一个线程至多出现在一个核的就绪结构里。
type PerCoreScheduler struct {
	coreID int

	// queues[p] 是优先级 p 的 FIFO 就绪队列
	queues [priorityLevels][]*Thread

	// members 这个调度器管辖的线程
	members map[ThreadID]*Thread

	// current 正在这个核上跑的线程，可以为 nil
	current *Thread

	// needReschedule 宿主循环下一轮该重新挑线程了（协作式抢占信号）
	needReschedule bool

	// wake 捅一下在空转等活干的宿主循环
	wake chan struct{}
}

func newPerCoreScheduler(coreID int) *PerCoreScheduler {
	return &PerCoreScheduler{
		coreID:  coreID,
		members: map[ThreadID]*Thread{},
		wake:    make(chan struct{}, 1),
	}
}

// CurrentThread 这个核上正在跑的线程，可以为 nil。调用者持内核锁。
func (s *PerCoreScheduler) CurrentThread() *Thread { return s.current }

// addMember 把线程纳入这个调度器管辖（不进就绪队列）。
func (s *PerCoreScheduler) addMember(t *Thread) {
	if _, ok := s.members[t.ID]; ok {
		panic(fmt.Sprintf("vkern: thread %q already a member of core %d scheduler", t.Name, s.coreID))
	}
	s.members[t.ID] = t
}

// removeMember 把线程从这个调度器彻底摘掉，不管它什么状态：
// 在就绪队列里就一并出队。
func (s *PerCoreScheduler) removeMember(t *Thread) {
	if _, ok := s.members[t.ID]; !ok {
		panic(fmt.Sprintf("vkern: thread %q is not a member of core %d scheduler", t.Name, s.coreID))
	}
	if t.queued {
		s.unscheduleReady(t)
	}
	if s.current == t {
		s.current = nil
	}
	delete(s.members, t.ID)
}

// scheduleReady 把线程按 currentPriority 放进就绪队列尾。
func (s *PerCoreScheduler) scheduleReady(t *Thread) {
	if t.queued {
		panic(fmt.Sprintf("vkern: thread %q already queued on core %d", t.Name, s.coreID))
	}
	if _, ok := s.members[t.ID]; !ok {
		panic(fmt.Sprintf("vkern: scheduleReady of non-member thread %q on core %d", t.Name, s.coreID))
	}
	p := t.currentPriority
	s.queues[p] = append(s.queues[p], t)
	t.queued = true
	t.queuedPriority = p
}

// unscheduleReady 把线程移出就绪队列。不在队里时静默返回，
// 核间迁移的两步舞允许这样。
func (s *PerCoreScheduler) unscheduleReady(t *Thread) {
	if !t.queued {
		return
	}
	q := s.queues[t.queuedPriority]
	for i, qt := range q {
		if qt == t {
			s.queues[t.queuedPriority] = append(q[:i], q[i+1:]...)
			t.queued = false
			return
		}
	}
	panic(fmt.Sprintf("vkern: thread %q marked queued but absent from core %d queue %d",
		t.Name, s.coreID, t.queuedPriority))
}

// reposition 把就绪队列里的线程挪到新优先级层的队尾。
// 不在队里（Running / Wait*）时什么都不做——优先级字段由调用者更新。
func (s *PerCoreScheduler) reposition(t *Thread, newPriority int) {
	if !t.queued {
		return
	}
	s.unscheduleReady(t)
	s.queues[newPriority] = append(s.queues[newPriority], t)
	t.queued = true
	t.queuedPriority = newPriority
}

// pickNext 就绪队列里最紧急的线程（数值最小的非空层的队头），没有则 nil。
func (s *PerCoreScheduler) pickNext() *Thread {
	for p := 0; p < priorityLevels; p++ {
		if len(s.queues[p]) > 0 {
			return s.queues[p][0]
		}
	}
	return nil
}

// reschedule 宿主循环的一步：当前线程还在跑就轮转到同优先级队尾，
// 然后挑下一个最紧急的就绪线程上核。返回新的当前线程（可以为 nil）。
// 调用者持内核锁。
func (s *PerCoreScheduler) reschedule() *Thread {
	s.needReschedule = false

	if s.current != nil {
		switch s.current.status {
		case StatusRunning:
			// 时间片轮转：回到自己优先级层的队尾
			s.current.status = StatusReady
			s.scheduleReady(s.current)
		case StatusReady, StatusDead:
			// 已经被别的路径处理过了
		default:
			if !s.current.status.isWaiting() {
				panic(fmt.Sprintf("vkern: current thread %q in unexpected status %v",
					s.current.Name, s.current.status))
			}
		}
		s.current = nil
	}

	next := s.pickNext()
	if next == nil {
		return nil
	}

	s.unscheduleReady(next)
	next.status = StatusRunning
	s.current = next

	log.WithFields(log.Fields{
		"core":     s.coreID,
		"thread":   next.Name,
		"priority": next.currentPriority,
	}).Trace("[Sched] reschedule")

	return next
}

// requestReschedule 给这个核挂协作式抢占信号，并捅醒空转的宿主循环。
func (s *PerCoreScheduler) requestReschedule() {
	s.needReschedule = true
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// updateCorePlacement 核选择与迁移（SchedulerCoordinator）。调用者持内核锁。
// 规定动作，按序执行：
//  1. 升序扫核：亲和掩码允许、且当前没有线程在跑的第一个核是候选；
//     都没有就保持原核。
//  2. 理想核覆盖：idealCore 有效且那个核空闲时，压过第 1 步的结果。
//  3. 核号越界是宿主侧 bug，panic。
//  4. 换核时先从旧核摘成员资格，再挂到新核名下。
//  5. 更新 processorID。
//  6. 线程在 Ready 态时重新入队（先出再进，成员资格和就绪占位分开记账）。
//  7. 给目标核挂重调度信号。
//
// 升序扫描的平局规则是刻意保留的确定性策略，不是负载均衡。
func (k *Kernel) updateCorePlacement(t *Thread) {
	// 越界检查先于取值：坏掉的 idealCore 要报不变式错误，不是裸的越界
	if t.idealCore != IdealCoreNone && (t.idealCore < 0 || t.idealCore >= len(k.schedulers)) {
		panic(fmt.Sprintf("vkern: core selection produced invalid core %d", t.idealCore))
	}

	next := t.processorID
	for i := 0; i < len(k.schedulers); i++ {
		if t.affinityMask&(1<<uint(i)) != 0 && k.schedulers[i].current == nil {
			next = i
			break
		}
	}
	if t.idealCore != IdealCoreNone && k.schedulers[t.idealCore].current == nil {
		next = t.idealCore
	}

	if next < 0 || next >= len(k.schedulers) {
		panic(fmt.Sprintf("vkern: core selection produced invalid core %d", next))
	}

	if next != t.processorID {
		log.WithFields(log.Fields{
			"thread": t.Name,
			"from":   t.processorID,
			"to":     next,
		}).Debug("[Sched] migrate thread")

		k.schedulers[t.processorID].removeMember(t)
		k.schedulers[next].addMember(t)
		t.processorID = next
	}

	if t.status == StatusReady {
		sched := k.schedulers[t.processorID]
		sched.unscheduleReady(t)
		sched.scheduleReady(t)
	}

	k.schedulers[next].requestReschedule()
}

// changeCore 先改 idealCore / affinityMask，再按新约束重新放置。
// 线程不在 Ready 态时只记下来，等下次就绪再生效。调用者持内核锁。
func (k *Kernel) changeCore(t *Thread, idealCore int, affinityMask uint32) {
	t.idealCore = idealCore
	t.affinityMask = affinityMask

	if t.status != StatusReady {
		return
	}
	k.updateCorePlacement(t)
}
