package memtable

import (
	"github.com/xiaoxuxiansheng/memlsm/batch"
	"github.com/xiaoxuxiansheng/memlsm/dbformat"
)

// Inserter 将 batch 回放到 memtable. 第一条记录使用 batch 的 sequence，之后依次加一
type Inserter struct {
	mem *MemTable
	seq uint64
}

var _ batch.Handler = (*Inserter)(nil)

func NewInserter(mem *MemTable, seq uint64) *Inserter {
	return &Inserter{mem: mem, seq: seq}
}

func (i *Inserter) Put(key, value []byte) error {
	return i.add(dbformat.KindValue, key, value)
}

func (i *Inserter) Delete(key []byte) error {
	return i.add(dbformat.KindDelete, key, nil)
}

func (i *Inserter) Merge(key, value []byte) error {
	return i.add(dbformat.KindMerge, key, value)
}

// Sequence 下一条记录将使用的 seq
func (i *Inserter) Sequence() uint64 {
	return i.seq
}

func (i *Inserter) add(kind dbformat.Kind, key, value []byte) error {
	if err := i.mem.Add(i.seq, kind, key, value); err != nil {
		return err
	}
	i.seq++
	return nil
}

// Apply 将 b 中的全部记录写入 memtable
func (m *MemTable) Apply(b *batch.WriteBatch) error {
	return b.Iterate(NewInserter(m, b.Sequence()))
}
