// Package hash 实现一个类 murmur 的 32 位非加密哈希，结果只由输入与 seed 决定.
package hash

import "github.com/xiaoxuxiansheng/memlsm/coding"

// 布隆过滤器使用的固定 seed
const bloomSeed = 0xbc9f1d34

// Hash 计算 data 在 seed 下的 32 位哈希值. len(data) == 0 时直接返回 seed
func Hash(data []byte, seed uint32) uint32 {
	const (
		m = 0xc6a4a793
		r = 24
	)
	h := seed ^ (uint32(len(data)) * m)

	// 每次处理 4 个字节
	for len(data) >= 4 {
		h += coding.DecodeFixed32(data)
		h *= m
		h ^= h >> 16
		data = data[4:]
	}

	// 处理剩余的 1~3 个字节，按无符号字节参与运算
	switch len(data) {
	case 3:
		h += uint32(data[2]) << 16
		fallthrough
	case 2:
		h += uint32(data[1]) << 8
		fallthrough
	case 1:
		h += uint32(data[0])
		h *= m
		h ^= h >> r
	}
	return h
}

// BloomHash 布隆过滤器使用的哈希
func BloomHash(key []byte) uint32 {
	return Hash(key, bloomSeed)
}
