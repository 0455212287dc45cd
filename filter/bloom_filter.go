package filter

import (
	"fmt"
	"sync/atomic"

	"github.com/spaolacci/murmur3"

	"github.com/xiaoxuxiansheng/memlsm/dberrors"
	"github.com/xiaoxuxiansheng/memlsm/hash"
)

// 布隆过滤器.
// Add 只允许唯一的写者调用，MayContain 可以被任意协程并发调用
type BloomFilter struct {
	m      int             // bitmap 的长度，单位 bit
	k      uint32          // hash 函数个数
	bitmap []atomic.Uint64 // 按 64 bit 分组存放的 bitmap
	keys   atomic.Int64    // 添加到布隆过滤器的 key 个数
}

// 布隆过滤器构造器. m 为 bitmap 长度，expectedKeys 为预期写入的 key 个数，用于推导 k
func NewBloomFilter(m, expectedKeys int) (*BloomFilter, error) {
	if m <= 0 {
		return nil, fmt.Errorf("%w: m must be positive", dberrors.ErrInvalidArgument)
	}
	return &BloomFilter{
		m:      m,
		k:      uint32(bestK(m, expectedKeys)),
		bitmap: make([]atomic.Uint64, (m+63)>>6),
	}, nil
}

// 添加一个 key 到布隆过滤器
func (bf *BloomFilter) Add(key []byte) {
	// 第一个基准 hash 函数 h1 = hash.BloomHash
	// 第二个基准 hash 函数 h2 = murmur3.Sum32
	// 第 i 个 hash 函数 gi = h1 + i * h2
	h1, h2 := hash.BloomHash(key), murmur3.Sum32(key)
	for i := uint32(0); i < bf.k; i++ {
		targetBit := (h1 + i*h2) % uint32(bf.m)
		bf.bitmap[targetBit>>6].Or(1 << (targetBit & 63))
	}
	bf.keys.Add(1)
}

// 判断过滤器中是否存在 key（注意，可能存在假阳性误判问题）
func (bf *BloomFilter) MayContain(key []byte) bool {
	h1, h2 := hash.BloomHash(key), murmur3.Sum32(key)
	for i := uint32(0); i < bf.k; i++ {
		targetBit := (h1 + i*h2) % uint32(bf.m)
		// 找到对应的 bit 位，如果值为 0，则 key 肯定不存在
		if bf.bitmap[targetBit>>6].Load()&(1<<(targetBit&63)) == 0 {
			return false
		}
	}
	return true
}

// 重置过滤器. 不能与 Add、MayContain 并发调用
func (bf *BloomFilter) Reset() {
	for i := range bf.bitmap {
		bf.bitmap[i].Store(0)
	}
	bf.keys.Store(0)
}

// 获取过滤器中存在的 key 个数
func (bf *BloomFilter) KeyLen() int {
	return int(bf.keys.Load())
}

// hash 函数个数
func (bf *BloomFilter) K() int {
	return int(bf.k)
}

// 根据 m 和 n 推算出最佳的 k
func bestK(m, n int) int {
	if n <= 0 {
		n = 1
	}
	// k 最佳计算公式：k = ln2 * m / n，m 为 bitmap 长度，n 为 key 个数
	k := 69 * m / 100 / n
	// k ∈ [1,30]
	return min(max(k, 1), 30)
}
