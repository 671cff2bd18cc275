package vkern

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stopExecutor 记下跑到的线程然后让它退出
type stopExecutor struct {
	k *Kernel

	mu  sync.Mutex
	ran map[string]int
}

func (e *stopExecutor) Run(ctx context.Context, coreID int, t *Thread) ExitReason {
	e.mu.Lock()
	if e.ran == nil {
		e.ran = map[string]int{}
	}
	e.ran[t.Name]++
	e.mu.Unlock()

	e.k.Stop(t)
	return ExitBlocked
}

func TestKernelRunExecutesReadyThreads(t *testing.T) {
	k, p := newTestKernel(t)
	exec := &stopExecutor{k: k}

	threads := []*Thread{
		mustCreateThread(t, k, p, "run-0", 20, 0),
		mustCreateThread(t, k, p, "run-1", 20, 1),
		mustCreateThread(t, k, p, "run-2", 20, 2),
	}
	for _, th := range threads {
		k.ResumeFromWait(th)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx, exec) }()

	require.Eventually(t, func() bool {
		for _, th := range threads {
			if k.GetStatus(th) != StatusDead {
				return false
			}
		}
		return true
	}, 5*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	exec.mu.Lock()
	defer exec.mu.Unlock()
	for _, th := range threads {
		assert.Equal(t, 1, exec.ran[th.Name])
	}
}

// yieldExecutor 每个线程让出两次时间片之后才退出
type yieldExecutor struct {
	k *Kernel

	mu   sync.Mutex
	runs map[string]int
}

func (e *yieldExecutor) Run(ctx context.Context, coreID int, t *Thread) ExitReason {
	e.mu.Lock()
	if e.runs == nil {
		e.runs = map[string]int{}
	}
	e.runs[t.Name]++
	n := e.runs[t.Name]
	e.mu.Unlock()

	if n < 3 {
		return ExitYield
	}
	e.k.Stop(t)
	return ExitBlocked
}

func TestKernelRunRoundRobinsYieldingThread(t *testing.T) {
	k, p := newTestKernel(t)
	exec := &yieldExecutor{k: k}

	th := mustCreateThread(t, k, p, "yielder", 20, 0)
	k.ResumeFromWait(th)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx, exec) }()

	require.Eventually(t, func() bool {
		return k.GetStatus(th) == StatusDead
	}, 5*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	exec.mu.Lock()
	defer exec.mu.Unlock()
	assert.Equal(t, 3, exec.runs["yielder"], "two yields then stop")
}

func TestGetCurrentThreadValidation(t *testing.T) {
	k, _ := newTestKernel(t)

	assert.Nil(t, k.GetCurrentThread(0))
	assert.Panics(t, func() { k.GetCurrentThread(k.CoreCount()) })
	assert.Panics(t, func() { k.GetCurrentThread(-1) })
}

func TestNewKernelValidatesConfig(t *testing.T) {
	assert.Panics(t, func() { NewKernel(KernelConfig{CoreCount: 0}) })
}
