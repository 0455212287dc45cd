package memtable

import (
	"github.com/xiaoxuxiansheng/memlsm/coding"
	"github.com/xiaoxuxiansheng/memlsm/dbformat"
)

// Iterator 按 internal key 顺序遍历 memtable
type Iterator struct {
	iter *SkipListIterator
	// Seek 时编码 target 使用
	tmp []byte
}

func (it *Iterator) Valid() bool {
	return it.iter.Valid()
}

// Seek 定位到第一个 >= target 的位置. target 须为完整的 internal key，
// 长度不足 TagSize 时按 user key 处理，定位到该 key 最新的记录
func (it *Iterator) Seek(target []byte) {
	if len(target) < dbformat.TagSize {
		it.iter.Seek(dbformat.NewLookupKey(target, dbformat.MaxSequence).MemtableKey())
		return
	}
	it.tmp = coding.PutLengthPrefixedSlice(it.tmp[:0], target)
	it.iter.Seek(it.tmp)
}

func (it *Iterator) SeekToFirst() {
	it.iter.SeekToFirst()
}

func (it *Iterator) SeekToLast() {
	it.iter.SeekToLast()
}

func (it *Iterator) Next() {
	it.iter.Next()
}

func (it *Iterator) Prev() {
	it.iter.Prev()
}

// Key 当前位置的 internal key
func (it *Iterator) Key() []byte {
	return entryKey(it.iter.Key())
}

func (it *Iterator) Value() []byte {
	return entryValue(it.iter.Key())
}
