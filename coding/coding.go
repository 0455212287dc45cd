// Package coding 提供与字节序无关的编码原语:
//   - 定长整数按小端序编码
//   - varint 变长整数，每字节 7 位有效载荷，最高位标识后续是否还有字节
//   - 字节串以 varint32 长度作为前缀
//   - 按位打包的整数，见 bitstream.go
//
// 所有 Get 系列函数在输入非法时返回 ok=false，且不修改调用方的任何状态.
package coding

import (
	"encoding/binary"
)

// 32 位与 64 位 varint 的最大编码长度
const (
	MaxVarint32Length = 5
	MaxVarint64Length = binary.MaxVarintLen64
)

// 将 v 以小端序写入 dst 的前 4 个字节
func EncodeFixed32(dst []byte, v uint32) {
	binary.LittleEndian.PutUint32(dst, v)
}

// 将 v 以小端序写入 dst 的前 8 个字节
func EncodeFixed64(dst []byte, v uint64) {
	binary.LittleEndian.PutUint64(dst, v)
}

func DecodeFixed32(src []byte) uint32 {
	return binary.LittleEndian.Uint32(src)
}

func DecodeFixed64(src []byte) uint64 {
	return binary.LittleEndian.Uint64(src)
}

// 追加 4 字节定长编码，返回追加后的切片
func PutFixed32(dst []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(dst, v)
}

// 追加 8 字节定长编码，返回追加后的切片
func PutFixed64(dst []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(dst, v)
}

// 将 v 的 varint 编码写入 dst，返回写入的字节数. dst 需要预留足够空间
func EncodeVarint32(dst []byte, v uint32) int {
	return binary.PutUvarint(dst, uint64(v))
}

func EncodeVarint64(dst []byte, v uint64) int {
	return binary.PutUvarint(dst, v)
}

func PutVarint32(dst []byte, v uint32) []byte {
	return binary.AppendUvarint(dst, uint64(v))
}

func PutVarint64(dst []byte, v uint64) []byte {
	return binary.AppendUvarint(dst, v)
}

// VarintLength 返回 v 的 varint 编码长度
func VarintLength(v uint64) int {
	n := 1
	for v >= 128 {
		v >>= 7
		n++
	}
	return n
}

// GetVarint32 从 src 头部解析一个 varint32，返回解析值以及剩余部分.
// 输入被截断，或者编码超过 5 字节、数值溢出 32 位时，返回 ok=false
func GetVarint32(src []byte) (v uint32, rest []byte, ok bool) {
	var result uint32
	for i, shift := 0, uint(0); i < len(src) && shift <= 28; i, shift = i+1, shift+7 {
		b := src[i]
		if b&0x80 == 0 {
			// 第 5 个字节只剩 4 位可用
			if shift == 28 && b > 0x0f {
				return 0, src, false
			}
			result |= uint32(b) << shift
			return result, src[i+1:], true
		}
		result |= uint32(b&0x7f) << shift
	}
	return 0, src, false
}

// GetVarint64 从 src 头部解析一个 varint64
func GetVarint64(src []byte) (v uint64, rest []byte, ok bool) {
	v, n := binary.Uvarint(src)
	if n <= 0 {
		return 0, src, false
	}
	return v, src[n:], true
}

// PutLengthPrefixedSlice 追加 varint32(len(value)) 与 value 本身
func PutLengthPrefixedSlice(dst, value []byte) []byte {
	dst = PutVarint32(dst, uint32(len(value)))
	return append(dst, value...)
}

// GetLengthPrefixedSlice 解析一个带长度前缀的字节串. 返回的 value 与 src 共享底层内存.
// 声明的长度超出 src 剩余部分时返回 ok=false
func GetLengthPrefixedSlice(src []byte) (value, rest []byte, ok bool) {
	n, p, ok := GetVarint32(src)
	if !ok || uint64(n) > uint64(len(p)) {
		return nil, src, false
	}
	return p[:n:n], p[n:], true
}
