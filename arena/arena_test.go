package arena

import (
	"math/rand"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Empty(t *testing.T) {
	a := New()
	assert.Equal(t, int64(0), a.MemoryUsage())
}

func Test_Simple(t *testing.T) {
	type allocated struct {
		size int
		buf  []byte
	}

	var (
		a         = New()
		rnd       = rand.New(rand.NewSource(301))
		allocs    []allocated
		requested int64
		lastUsage int64
	)

	const n = 100000
	for i := 0; i < n; i++ {
		var size int
		if i%(n/10) == 0 {
			size = i
		} else if rnd.Intn(4000) == 0 {
			size = rnd.Intn(6000)
		} else if rnd.Intn(10) == 0 {
			size = rnd.Intn(100)
		} else {
			size = rnd.Intn(20)
		}
		if size == 0 {
			// 不允许分配 0 字节
			size = 1
		}

		var buf []byte
		if rnd.Intn(10) == 0 {
			buf = a.AllocateAligned(size)
		} else {
			buf = a.Allocate(size)
		}
		require.Len(t, buf, size)

		// 每个分配块用 i%256 填充
		for b := range buf {
			buf[b] = byte(i % 256)
		}
		requested += int64(size)
		allocs = append(allocs, allocated{size: size, buf: buf})

		usage := a.MemoryUsage()
		assert.GreaterOrEqual(t, usage, requested)
		assert.GreaterOrEqual(t, usage, lastUsage)
		if i > n/10 {
			assert.LessOrEqual(t, float64(usage), float64(requested)*1.10)
		}
		lastUsage = usage
	}

	for i, alloc := range allocs {
		for b := 0; b < alloc.size; b++ {
			if alloc.buf[b] != byte(i%256) {
				t.Fatalf("allocation %d corrupted at byte %d", i, b)
			}
		}
	}
}

func Test_AllocateAligned(t *testing.T) {
	a := New()
	rnd := rand.New(rand.NewSource(17))
	for i := 0; i < 10000; i++ {
		// 穿插非对齐分配，打乱 bump 指针
		a.Allocate(1 + rnd.Intn(13))

		buf := a.AllocateAligned(1 + rnd.Intn(2000))
		addr := uintptr(unsafe.Pointer(&buf[0]))
		assert.Zero(t, addr%uintptr(Align))
	}
}

func Test_AlignAtLeastPointerWidth(t *testing.T) {
	assert.GreaterOrEqual(t, Align, 8)
	assert.GreaterOrEqual(t, Align, int(unsafe.Sizeof(uintptr(0))))
	assert.Zero(t, Align&(Align-1))
}

func Test_LargeAllocationGetsOwnBlock(t *testing.T) {
	a := New()
	// 填满当前 block，只剩 100 byte
	var last []byte
	for i := 0; i < 4; i++ {
		last = a.Allocate(999)
	}
	require.Len(t, a.blocks, 1)
	usage := a.MemoryUsage()
	headers := int64(cap(a.blocks)) * blockHeaderSize

	// 剩余空间放不下且超过 BlockSize/4 的请求单独分配一个 block
	const n = BlockSize/4 + 1
	large := a.Allocate(n)
	assert.Len(t, large, n)
	require.Len(t, a.blocks, 2)
	assert.Equal(t, usage+n+int64(cap(a.blocks))*blockHeaderSize-headers, a.MemoryUsage())

	// 原来 block 的剩余空间保持可用，下一个小分配紧跟 last 之后
	next := a.Allocate(10)
	assert.Equal(t, uintptr(unsafe.Pointer(&last[0]))+999, uintptr(unsafe.Pointer(&next[0])))
	assert.Len(t, a.blocks, 2)
}

func Test_SmallFallbackDiscardsRemainder(t *testing.T) {
	a := New()
	for i := 0; i < 4; i++ {
		a.Allocate(999)
	}

	// 不超过 BlockSize/4 的请求开启新的标准 block，旧 block 的剩余空间丢弃
	buf := a.Allocate(200)
	assert.Len(t, buf, 200)
	require.Len(t, a.blocks, 2)
	assert.Equal(t, unsafe.SliceData(a.blocks[1]), unsafe.SliceData(buf))
	assert.Len(t, a.alloc, BlockSize-200)
}

func Test_AllocationsDoNotOverlap(t *testing.T) {
	a := New()
	first := a.Allocate(8)
	second := a.Allocate(8)

	// 切片容量被截断，append 不会覆盖相邻的分配
	first = append(first, 0xff)
	assert.Equal(t, byte(0), second[0])
	assert.Len(t, first, 9)
}

func Test_ZeroAllocationPanics(t *testing.T) {
	a := New()
	assert.Panics(t, func() { a.Allocate(0) })
	assert.Panics(t, func() { a.AllocateAligned(0) })
}

func Test_CustomBlockSize(t *testing.T) {
	a := NewWithBlockSize(1024)
	a.Allocate(1)
	assert.GreaterOrEqual(t, a.MemoryUsage(), int64(1024))
	assert.Less(t, a.MemoryUsage(), int64(BlockSize))

	assert.Equal(t, BlockSize, NewWithBlockSize(0).blockSize)
}
