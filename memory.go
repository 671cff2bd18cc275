package vkern

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// VAddr 是客户机虚拟地址
type VAddr uint32

// PAddr 是模拟的物理（线性）地址
type PAddr uint32

// PageSize 一页的大小。TLS 区和线性区都按这个粒度分配。
const PageSize = 0x1000

// AddressSpace 是每进程虚拟内存管理器暴露给调度核心的接口。
// 真正的页表、权限、换页都在外面，这里只需要这两件事。
type AddressSpace interface {
	// IsValidVirtualAddress 地址是否已映射（可作为入口地址等使用）
	IsValidVirtualAddress(addr VAddr) bool

	// MapPage 把一页物理内存映射到 addr（addr 必须按页对齐）
	MapPage(addr VAddr, page PAddr) error
}

// PageTable 是 AddressSpace 的一个简单实现：页号 → 物理页。
// 模拟测试用；真实的客户机 MMU 实现可以替换它。
type PageTable struct {
	pages map[VAddr]PAddr
}

// NewPageTable 构建一个空页表。
func NewPageTable() *PageTable {
	return &PageTable{pages: map[VAddr]PAddr{}}
}

func (pt *PageTable) IsValidVirtualAddress(addr VAddr) bool {
	_, ok := pt.pages[addr & ^VAddr(PageSize-1)]
	return ok
}

func (pt *PageTable) MapPage(addr VAddr, page PAddr) error {
	if addr%PageSize != 0 {
		return fmt.Errorf("vkern: MapPage: address %#x is not page-aligned", addr)
	}
	pt.pages[addr] = page

	log.WithFields(log.Fields{
		"vaddr": fmt.Sprintf("%#x", addr),
		"paddr": fmt.Sprintf("%#x", page),
	}).Trace("[Mem] MapPage")

	return nil
}

// Process 进程：线程的资源容器。
// 一个 Process 可以持有多个 Thread；Thread 持有 Process 的引用，
// 所以只要还有活着的线程，进程就活着。
type Process struct {
	ID   uint32
	Name string

	// AddrSpace 这个进程的虚拟地址空间
	AddrSpace AddressSpace

	// tls 线程局部存储槽位分配器，见 tls.go
	tls tlsSlotAllocator

	// 线性区 bump 分配器。只增不减，和 TLS 页一样不回收。
	linearBase PAddr
	linearNext PAddr
	linearEnd  PAddr

	// tlsRegionBase TLS 区在虚拟地址空间里的起点
	tlsRegionBase VAddr

	// threadCount 仍然存活（非 Dead）的线程数
	threadCount int
}

// 缺省的内存布局。数值来自被模拟主机的内存图，测试只依赖相对关系。
const (
	DefaultTLSRegionBase = VAddr(0x1FF82000)
	DefaultLinearBase    = PAddr(0x30000000)
	DefaultLinearSize    = 0x08000000
)

// NewProcess 构建一个进程：空的 TLS 分配器 + 一块线性区。
func NewProcess(id uint32, name string, addrSpace AddressSpace) *Process {
	log.WithFields(log.Fields{
		"process": name,
		"id":      id,
	}).Info("[Mem] NewProcess")

	return &Process{
		ID:            id,
		Name:          name,
		AddrSpace:     addrSpace,
		linearBase:    DefaultLinearBase,
		linearNext:    DefaultLinearBase,
		linearEnd:     DefaultLinearBase + DefaultLinearSize,
		tlsRegionBase: DefaultTLSRegionBase,
	}
}

// TLSRegionBase TLS 区在虚拟地址空间里的起点。
func (p *Process) TLSRegionBase() VAddr {
	return p.tlsRegionBase
}

// LinearAllocate 从线性区划出 size 字节（按页对齐向上取整）。
// 区用完了返回 ErrOutOfMemory。
func (p *Process) LinearAllocate(size uint32) (PAddr, error) {
	aligned := (size + PageSize - 1) & ^uint32(PageSize-1)
	if p.linearNext+PAddr(aligned) > p.linearEnd {
		return 0, fmt.Errorf("%w: need %#x bytes", ErrOutOfMemory, aligned)
	}
	addr := p.linearNext
	p.linearNext += PAddr(aligned)
	return addr, nil
}
