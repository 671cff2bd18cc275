package vkern

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTLSFindFreeSlot(t *testing.T) {
	var a tlsSlotAllocator

	// 没有页：要开新页
	page, slot, needNew := a.findFreeSlot()
	assert.Equal(t, 0, page)
	assert.Equal(t, 0, slot)
	assert.True(t, needNew)

	// 第一页空了两个洞：选编号最小的
	a.pages = []uint8{0b11111010}
	page, slot, needNew = a.findFreeSlot()
	assert.Equal(t, 0, page)
	assert.Equal(t, 0, slot)
	assert.False(t, needNew)

	// 第一页全满：落到第二页
	a.pages = []uint8{0xFF, 0b00000001}
	page, slot, needNew = a.findFreeSlot()
	assert.Equal(t, 1, page)
	assert.Equal(t, 1, slot)
	assert.False(t, needNew)

	// 全满：开新页
	a.pages = []uint8{0xFF, 0xFF}
	page, slot, needNew = a.findFreeSlot()
	assert.Equal(t, 2, page)
	assert.Equal(t, 0, slot)
	assert.True(t, needNew)
}

// 线程 A 占 0 号页 0 号槽；A 退出后新线程 B 复用同一个槽，不开新页。
func TestTLSSlotReuseAfterStop(t *testing.T) {
	k, p := newTestKernel(t)

	a := mustCreateThread(t, k, p, "tls-a", 20, 0)
	wantAddr := p.TLSRegionBase()
	assert.Equal(t, wantAddr, a.TLSAddress())

	k.Stop(a)

	b := mustCreateThread(t, k, p, "tls-b", 20, 0)
	assert.Equal(t, wantAddr, b.TLSAddress(), "slot 0 on page 0 must be reused")

	k.mu.Lock()
	pages := len(p.tls.pages)
	k.mu.Unlock()
	assert.Equal(t, 1, pages)
}

// 一页 8 个槽：第 9 个线程拿到第二页的 0 号槽。
func TestTLSPageGrowth(t *testing.T) {
	k, p := newTestKernel(t)

	for i := 0; i < TLSSlotsPerPage; i++ {
		th := mustCreateThread(t, k, p, fmt.Sprintf("tls-%d", i), 20, 0)
		want := p.TLSRegionBase() + VAddr(i)*TLSEntrySize
		assert.Equal(t, want, th.TLSAddress())
	}

	ninth := mustCreateThread(t, k, p, "tls-overflow", 20, 0)
	assert.Equal(t, p.TLSRegionBase()+PageSize, ninth.TLSAddress())

	k.mu.Lock()
	pages := len(p.tls.pages)
	k.mu.Unlock()
	assert.Equal(t, 2, pages)
}

// 新 TLS 页要真的映射进地址空间。
func TestTLSPageIsMapped(t *testing.T) {
	k, p := newTestKernel(t)

	mustCreateThread(t, k, p, "tls-map", 20, 0)
	assert.True(t, p.AddrSpace.IsValidVirtualAddress(p.TLSRegionBase()))
}

func TestTLSFreeGuards(t *testing.T) {
	var a tlsSlotAllocator
	a.pages = []uint8{0b00000001}

	assert.Panics(t, func() { a.free(1, 0) }, "page out of range")
	assert.Panics(t, func() { a.free(0, 3) }, "slot not in use")

	require.NotPanics(t, func() { a.free(0, 0) })
	assert.Panics(t, func() { a.free(0, 0) }, "double free")
}

func TestLinearAllocateExhaustion(t *testing.T) {
	pt := NewPageTable()
	p := NewProcess(1, "oom", pt)
	p.linearEnd = p.linearBase + 2*PageSize

	_, err := p.LinearAllocate(PageSize)
	require.NoError(t, err)
	_, err = p.LinearAllocate(1) // 向上取整到一页
	require.NoError(t, err)

	_, err = p.LinearAllocate(1)
	assert.ErrorIs(t, err, ErrOutOfMemory)
}
