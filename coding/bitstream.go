package coding

import "fmt"

// BitStreamPutInt 将 value 的低 bits 位写入 dst，最低位落在第 offset 位.
// 位序：第一个字节为 0~7 位，第二个字节为 8~15 位，依此类推，字节内低位在前.
// [offset, offset+bits) 之外的位保持不变.
// 要求 bits <= 64 且 (offset+bits+7)/8 <= len(dst)，否则 panic
func BitStreamPutInt(dst []byte, offset, bits uint, value uint64) {
	checkBitRange(len(dst), offset, bits)

	byteOffset, bitOffset := offset/8, offset%8
	for bits > 0 {
		n := min(bits, 8-bitOffset)
		mask := byte(uint(1)<<n - 1)

		dst[byteOffset] = dst[byteOffset]&^(mask<<bitOffset) | (byte(value)&mask)<<bitOffset

		value >>= n
		byteOffset++
		bitOffset = 0
		bits -= n
	}
}

// BitStreamGetInt 读取 src 中从第 offset 位开始的 bits 位，位序与 BitStreamPutInt 一致
func BitStreamGetInt(src []byte, offset, bits uint) uint64 {
	checkBitRange(len(src), offset, bits)

	var (
		result uint64
		shift  uint
	)
	byteOffset, bitOffset := offset/8, offset%8
	for bits > 0 {
		n := min(bits, 8-bitOffset)
		mask := byte(uint(1)<<n - 1)

		result |= uint64((src[byteOffset]>>bitOffset)&mask) << shift

		shift += n
		byteOffset++
		bitOffset = 0
		bits -= n
	}
	return result
}

func checkBitRange(size int, offset, bits uint) {
	if bits > 64 {
		panic(fmt.Sprintf("coding: bit width %d exceeds 64", bits))
	}
	if (offset+bits+7)/8 > uint(size) {
		panic(fmt.Sprintf("coding: bit range [%d, %d) out of %d bytes", offset, offset+bits, size))
	}
}
