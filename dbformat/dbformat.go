// Package dbformat 定义 internal key 的格式与排序规则.
//
// internal key = user_key | fixed64(seq<<8 | kind)
//
// 同一个 user key 的多个版本共存，按 user key 升序、seq 降序排列，
// 因此同一 user key 的最新版本总是排在最前面. 这一格式同时被 memtable 与 batch 使用，
// 一经确定不可修改.
package dbformat

import (
	"bytes"
	"fmt"

	"github.com/xiaoxuxiansheng/memlsm/coding"
)

// Comparator 定义在字节串上的全序，返回值语义与 bytes.Compare 一致
type Comparator func(a, b []byte) int

// BytewiseComparator 按字节序比较
var BytewiseComparator Comparator = bytes.Compare

// Kind 标识一条记录的操作类型，数值同时作为 batch 中记录的 tag
type Kind uint8

const (
	KindDelete Kind = 0x0
	KindValue  Kind = 0x1
	KindMerge  Kind = 0x2

	KindMax = KindMerge

	// 构造查找 key 时使用的 kind. tag 降序排列，取最大的 kind 才能定位到同一 seq 下的所有记录
	KindForSeek = KindMerge
)

func (k Kind) String() string {
	switch k {
	case KindDelete:
		return "delete"
	case KindValue:
		return "value"
	case KindMerge:
		return "merge"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// seq 只占 tag 的高 56 位
const MaxSequence uint64 = 1<<56 - 1

// internal key 尾部 tag 的长度
const TagSize = 8

// PackSequenceAndKind seq 超出 MaxSequence 或者 kind 非法属于调用方错误
func PackSequenceAndKind(seq uint64, kind Kind) uint64 {
	if seq > MaxSequence {
		panic(fmt.Sprintf("dbformat: sequence %d overflows", seq))
	}
	if kind > KindMax {
		panic(fmt.Sprintf("dbformat: invalid %s", kind))
	}
	return seq<<8 | uint64(kind)
}

func UnpackSequenceAndKind(tag uint64) (uint64, Kind) {
	return tag >> 8, Kind(tag & 0xff)
}

type ParsedInternalKey struct {
	UserKey  []byte
	Sequence uint64
	Kind     Kind
}

func (p ParsedInternalKey) String() string {
	return fmt.Sprintf("%q @ %d : %s", p.UserKey, p.Sequence, p.Kind)
}

// AppendInternalKey 将 key 编码后追加到 dst
func AppendInternalKey(dst []byte, key ParsedInternalKey) []byte {
	dst = append(dst, key.UserKey...)
	return coding.PutFixed64(dst, PackSequenceAndKind(key.Sequence, key.Kind))
}

// ParseInternalKey 长度不足或者 kind 非法时返回 false
func ParseInternalKey(ikey []byte) (ParsedInternalKey, bool) {
	if len(ikey) < TagSize {
		return ParsedInternalKey{}, false
	}
	seq, kind := UnpackSequenceAndKind(coding.DecodeFixed64(ikey[len(ikey)-TagSize:]))
	if kind > KindMax {
		return ParsedInternalKey{}, false
	}
	return ParsedInternalKey{
		UserKey:  ikey[:len(ikey)-TagSize],
		Sequence: seq,
		Kind:     kind,
	}, true
}

func ExtractUserKey(ikey []byte) []byte {
	return ikey[:len(ikey)-TagSize]
}

// InternalKeyComparator 先按 user key 升序，再按 tag 降序
type InternalKeyComparator struct {
	user Comparator
}

// NewInternalKeyComparator user 为 nil 时使用字节序
func NewInternalKeyComparator(user Comparator) *InternalKeyComparator {
	if user == nil {
		user = BytewiseComparator
	}
	return &InternalKeyComparator{user: user}
}

func (c *InternalKeyComparator) UserComparator() Comparator {
	return c.user
}

func (c *InternalKeyComparator) Compare(a, b []byte) int {
	if r := c.user(ExtractUserKey(a), ExtractUserKey(b)); r != 0 {
		return r
	}
	atag := coding.DecodeFixed64(a[len(a)-TagSize:])
	btag := coding.DecodeFixed64(b[len(b)-TagSize:])
	switch {
	case atag > btag:
		return -1
	case atag < btag:
		return 1
	}
	return 0
}

// LookupKey 在 memtable 中查找 user key 在某个 seq 快照下的可见版本时使用.
//
//	varint32(len(internal key)) | user key | fixed64(seq<<8 | KindForSeek)
type LookupKey struct {
	buf    []byte
	kstart int
}

func NewLookupKey(userKey []byte, seq uint64) LookupKey {
	ikeyLen := len(userKey) + TagSize
	buf := make([]byte, 0, coding.VarintLength(uint64(ikeyLen))+ikeyLen)
	buf = coding.PutVarint32(buf, uint32(ikeyLen))
	kstart := len(buf)
	buf = append(buf, userKey...)
	buf = coding.PutFixed64(buf, PackSequenceAndKind(seq, KindForSeek))
	return LookupKey{buf: buf, kstart: kstart}
}

// MemtableKey 带长度前缀的 internal key，可以直接用于 memtable 的 Seek
func (k LookupKey) MemtableKey() []byte {
	return k.buf
}

func (k LookupKey) InternalKey() []byte {
	return k.buf[k.kstart:]
}

func (k LookupKey) UserKey() []byte {
	return k.buf[k.kstart : len(k.buf)-TagSize]
}
