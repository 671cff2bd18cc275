package vkern

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// ExitReason 执行器把控制权交回宿主循环的原因
type ExitReason int

const (
	// ExitYield 时间片用完或主动让出，线程还能跑
	ExitYield ExitReason = iota
	// ExitBlocked 线程已经在某个系统调用里进了 Wait* / Dead
	ExitBlocked
)

func (r ExitReason) String() string {
	switch r {
	case ExitYield:
		return "Yield"
	case ExitBlocked:
		return "Blocked"
	}
	return fmt.Sprintf("ExitReason(%d)", int(r))
}

// Executor 是 CPU 解释器/JIT 要满足的「跑到需要重调度为止」契约。
// 对 Run 的调用发生在内核锁之外；客户机代码里的系统调用自己拿锁。
type Executor interface {
	Run(ctx context.Context, coreID int, t *Thread) ExitReason
}

// Core 一个模拟核：绑定一个 PerCoreScheduler，由一个宿主 goroutine 驱动。
// 某一时刻一个核上只能跑一个线程；「当前线程」记在调度器里。
type Core struct {
	ID int

	kernel *Kernel
	sched  *PerCoreScheduler
}

func newCore(id int, k *Kernel, sched *PerCoreScheduler) *Core {
	return &Core{ID: id, kernel: k, sched: sched}
}

// loop 宿主执行循环：挑线程 → 跑到需要重调度 → 再挑。
// 没有就绪线程时空转等待 requestReschedule 的捅醒信号。
// 客户机线程的阻塞从不阻塞这个 goroutine。
func (c *Core) loop(ctx context.Context, exec Executor) error {
	log.WithField("core", c.ID).Info("[Core] host loop on")

	for {
		if ctx.Err() != nil {
			log.WithField("core", c.ID).Info("[Core] host loop shutdown")
			return nil
		}

		c.kernel.mu.Lock()
		t := c.sched.reschedule()
		c.kernel.mu.Unlock()

		if t == nil {
			// 没活干：等别的核/时钟把线程塞进来
			select {
			case <-ctx.Done():
				log.WithField("core", c.ID).Info("[Core] host loop shutdown")
				return nil
			case <-c.sched.wake:
			}
			continue
		}

		reason := exec.Run(ctx, c.ID, t)

		log.WithFields(log.Fields{
			"core":   c.ID,
			"thread": t.Name,
			"reason": reason,
		}).Trace("[Core] executor returned")
	}
}
