// Package batch 实现写入批次 WriteBatch 及其序列化格式.
//
//	header: fixed64 sequence | fixed32 count
//	record: tag(1 byte) | varint32 len | key | [varint32 len | value]
//
// tag 取值与 internal key 中的 kind 一致. Delete 记录不带 value.
package batch

import (
	"fmt"

	"github.com/xiaoxuxiansheng/memlsm/coding"
	"github.com/xiaoxuxiansheng/memlsm/dberrors"
	"github.com/xiaoxuxiansheng/memlsm/dbformat"
)

// HeaderSize 8 字节 sequence + 4 字节 count
const HeaderSize = 12

// Handler 按写入顺序接收 batch 中的每一条记录.
// 返回 error 时回放立即终止，Iterate 将该 error 原样返回
type Handler interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Merge(key, value []byte) error
}

// NoMerge 嵌入到 Handler 实现中，提供默认的 Merge.
// merge 的语义由具体业务决定，没有覆盖 Merge 的 handler 收到 merge 记录属于致命错误
type NoMerge struct{}

func (NoMerge) Merge(key, value []byte) error {
	panic(fmt.Errorf("%w: handler does not implement merge, key %q", dberrors.ErrNotSupported, key))
}

// WriteBatch 一组按顺序排列的 Put/Delete/Merge 操作. 非并发安全
type WriteBatch struct {
	rep []byte
}

func New() *WriteBatch {
	return &WriteBatch{rep: make([]byte, HeaderSize)}
}

// FromData 基于 Data() 的输出还原 batch，data 会被拷贝
func FromData(data []byte) (*WriteBatch, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: batch too small (%d bytes)", dberrors.ErrCorruption, len(data))
	}
	return &WriteBatch{rep: append([]byte(nil), data...)}, nil
}

func (b *WriteBatch) Put(key, value []byte) {
	b.setCount(b.Count() + 1)
	b.rep = append(b.rep, byte(dbformat.KindValue))
	b.rep = coding.PutLengthPrefixedSlice(b.rep, key)
	b.rep = coding.PutLengthPrefixedSlice(b.rep, value)
}

func (b *WriteBatch) Delete(key []byte) {
	b.setCount(b.Count() + 1)
	b.rep = append(b.rep, byte(dbformat.KindDelete))
	b.rep = coding.PutLengthPrefixedSlice(b.rep, key)
}

func (b *WriteBatch) Merge(key, value []byte) {
	b.setCount(b.Count() + 1)
	b.rep = append(b.rep, byte(dbformat.KindMerge))
	b.rep = coding.PutLengthPrefixedSlice(b.rep, key)
	b.rep = coding.PutLengthPrefixedSlice(b.rep, value)
}

// Clear 清空全部记录，只保留全零的 header
func (b *WriteBatch) Clear() {
	b.rep = b.rep[:HeaderSize]
	clear(b.rep)
}

// Append 将 src 中的记录追加到 b 之后，b 的 sequence 保持不变
func (b *WriteBatch) Append(src *WriteBatch) {
	b.setCount(b.Count() + src.Count())
	b.rep = append(b.rep, src.rep[HeaderSize:]...)
}

// Data 返回序列化后的字节，调用方不能修改
func (b *WriteBatch) Data() []byte {
	return b.rep
}

// ByteSize 序列化后的字节数
func (b *WriteBatch) ByteSize() int {
	return len(b.rep)
}

func (b *WriteBatch) Count() uint32 {
	return coding.DecodeFixed32(b.rep[8:])
}

func (b *WriteBatch) setCount(n uint32) {
	coding.EncodeFixed32(b.rep[8:], n)
}

// Sequence 第一条记录的 sequence，之后的记录依次加一
func (b *WriteBatch) Sequence() uint64 {
	return coding.DecodeFixed64(b.rep)
}

func (b *WriteBatch) SetSequence(seq uint64) {
	coding.EncodeFixed64(b.rep, seq)
}

// Iterate 按写入顺序回放每一条记录
func (b *WriteBatch) Iterate(h Handler) error {
	if len(b.rep) < HeaderSize {
		return fmt.Errorf("%w: batch too small (%d bytes)", dberrors.ErrCorruption, len(b.rep))
	}

	var (
		input = b.rep[HeaderSize:]
		found uint32
	)
	for len(input) > 0 {
		tag := dbformat.Kind(input[0])
		input = input[1:]
		if tag > dbformat.KindMax {
			return fmt.Errorf("%w: unknown batch tag %d", dberrors.ErrCorruption, uint8(tag))
		}

		key, rest, ok := coding.GetLengthPrefixedSlice(input)
		if !ok {
			return fmt.Errorf("%w: bad %s record in batch", dberrors.ErrCorruption, tag)
		}
		input = rest

		var err error
		switch tag {
		case dbformat.KindValue, dbformat.KindMerge:
			var value []byte
			if value, input, ok = coding.GetLengthPrefixedSlice(input); !ok {
				return fmt.Errorf("%w: bad %s record in batch", dberrors.ErrCorruption, tag)
			}
			if tag == dbformat.KindValue {
				err = h.Put(key, value)
			} else {
				err = h.Merge(key, value)
			}
		case dbformat.KindDelete:
			err = h.Delete(key)
		}
		if err != nil {
			return err
		}
		found++
	}

	if found != b.Count() {
		return fmt.Errorf("%w: batch has wrong count, header %d, found %d", dberrors.ErrCorruption, b.Count(), found)
	}
	return nil
}

// Validate 不回放，只检查记录格式与计数
func (b *WriteBatch) Validate() error {
	return b.Iterate(discard{})
}

type discard struct{}

func (discard) Put(key, value []byte) error { return nil }
func (discard) Delete(key []byte) error { return nil }
func (discard) Merge(key, value []byte) error { return nil }
