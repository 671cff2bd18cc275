package vkern

import (
	log "github.com/sirupsen/logrus"
)

// TLS（线程局部存储）：每个线程在创建时分到一小块私有内存。
// 一页 TLS 被切成固定大小的槽位，一个线程占一个槽。

const (
	// TLSEntrySize 一个 TLS 槽位的大小
	TLSEntrySize = 0x200

	// TLSSlotsPerPage 一页能装下的槽位数
	TLSSlotsPerPage = PageSize / TLSEntrySize
)

// tlsSlotAllocator 记录每一页 TLS 里哪些槽位被占用。
// 每页一个位图，bit i == 1 表示槽位 i 在用。
// 页只增不减：线程退出只清自己的 bit，不回收页。
type tlsSlotAllocator struct {
	pages []uint8
}

// findFreeSlot 找一个空闲槽位：按分配顺序扫页，
// 返回第一个有空位的页里编号最小的空槽。
// 所有页都满时返回 (len(pages), 0, true)，表示需要新开一页。
func (a *tlsSlotAllocator) findFreeSlot() (page, slot int, needNewPage bool) {
	for p, bits := range a.pages {
		if bits == (1<<TLSSlotsPerPage)-1 {
			continue // 这页满了
		}
		for s := 0; s < TLSSlotsPerPage; s++ {
			if bits&(1<<s) == 0 {
				return p, s, false
			}
		}
	}
	return len(a.pages), 0, true
}

// allocate 为一个新线程分配 TLS 槽位，必要时向进程要新的一页并映射。
// 返回槽位的页号、槽号和线程应得的 TLS 虚拟地址。
func (a *tlsSlotAllocator) allocate(p *Process) (page, slot int, addr VAddr, err error) {
	page, slot, needNewPage := a.findFreeSlot()

	if needNewPage {
		backing, allocErr := p.LinearAllocate(PageSize)
		if allocErr != nil {
			return 0, 0, 0, allocErr
		}
		pageAddr := p.tlsRegionBase + VAddr(page)*PageSize
		if mapErr := p.AddrSpace.MapPage(pageAddr, backing); mapErr != nil {
			return 0, 0, 0, mapErr
		}
		a.pages = append(a.pages, 0)

		log.WithFields(log.Fields{
			"process": p.Name,
			"page":    page,
			"vaddr":   pageAddr,
		}).Debug("[TLS] new TLS page mapped")
	}

	a.pages[page] |= 1 << slot
	addr = p.tlsRegionBase + VAddr(page)*PageSize + VAddr(slot)*TLSEntrySize
	return page, slot, addr, nil
}

// free 释放一个槽位。只清这个线程占的 bit，页保留给后来者复用。
func (a *tlsSlotAllocator) free(page, slot int) {
	if page < 0 || page >= len(a.pages) || slot < 0 || slot >= TLSSlotsPerPage {
		panic("vkern: TLS free out of range")
	}
	if a.pages[page]&(1<<slot) == 0 {
		panic("vkern: TLS double free")
	}
	a.pages[page] &^= 1 << slot
}
