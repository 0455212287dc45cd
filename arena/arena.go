// Package arena 实现单调递增的块分配器.
//
// 分配出去的内存在 Arena 整体被丢弃之前不会移动也不会回收，不支持单独释放.
// Arena 内部没有任何同步，只能由唯一的写者调用 Allocate 系列方法；
// MemoryUsage 可以被任意协程并发读取.
package arena

import (
	"sync/atomic"
	"unsafe"
)

// BlockSize 标准 block 大小，单位 byte
const BlockSize = 4096

// Align AllocateAligned 的对齐粒度：指针宽度，且不小于 8
const Align = int(max(unsafe.Sizeof(uintptr(0)), 8))

// 记录一个 block 需要的额外开销
const blockHeaderSize = int64(unsafe.Sizeof([]byte(nil)))

type Arena struct {
	blockSize int

	// 当前 block 中尚未分配的部分，alloc[0] 即 bump 指针
	alloc []byte
	// 已分配的全部 block
	blocks       [][]byte
	blocksMemory int64

	memoryUsage atomic.Int64
}

func New() *Arena {
	return NewWithBlockSize(BlockSize)
}

// NewWithBlockSize 指定标准 block 大小构造 Arena，非正数时使用 BlockSize
func NewWithBlockSize(blockSize int) *Arena {
	if blockSize <= 0 {
		blockSize = BlockSize
	}
	return &Arena{blockSize: blockSize}
}

// Allocate 分配 n 个字节，不保证对齐. n <= 0 属于调用方错误，直接 panic
func (a *Arena) Allocate(n int) []byte {
	if n <= 0 {
		panic("arena: allocate zero bytes")
	}
	if n <= len(a.alloc) {
		result := a.alloc[:n:n]
		a.alloc = a.alloc[n:]
		return result
	}
	return a.allocateFallback(n)
}

// AllocateAligned 分配 n 个字节，起始地址按 Align 对齐
func (a *Arena) AllocateAligned(n int) []byte {
	if n <= 0 {
		panic("arena: allocate zero bytes")
	}

	var slop int
	if len(a.alloc) > 0 {
		if mod := int(uintptr(unsafe.Pointer(unsafe.SliceData(a.alloc))) & uintptr(Align-1)); mod != 0 {
			slop = Align - mod
		}
	}

	if needed := n + slop; needed <= len(a.alloc) {
		result := a.alloc[slop:needed:needed]
		a.alloc = a.alloc[needed:]
		return result
	}
	// 新 block 的起始地址总是对齐的
	return a.allocateFallback(n)
}

// MemoryUsage 返回 Arena 占用内存的估计值，不小于真实占用
func (a *Arena) MemoryUsage() int64 {
	return a.memoryUsage.Load()
}

func (a *Arena) allocateFallback(n int) []byte {
	if n > a.blockSize/4 {
		// 大对象单独占用一个 block，避免浪费当前 block 的剩余空间
		return a.allocateNewBlock(n)
	}

	// 当前 block 的剩余空间直接丢弃
	a.alloc = a.allocateNewBlock(a.blockSize)
	result := a.alloc[:n:n]
	a.alloc = a.alloc[n:]
	return result
}

func (a *Arena) allocateNewBlock(n int) []byte {
	// 以 uint64 为单位申请，保证 block 起始地址 8 字节对齐
	words := make([]uint64, (n+7)/8)
	block := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(words))), n)

	a.blocks = append(a.blocks, block)
	a.blocksMemory += int64(n)
	a.memoryUsage.Store(a.blocksMemory + int64(cap(a.blocks))*blockHeaderSize)
	return block
}
