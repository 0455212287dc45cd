package memtable

import (
	"bytes"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/xiaoxuxiansheng/memlsm/arena"
	"github.com/xiaoxuxiansheng/memlsm/coding"
	"github.com/xiaoxuxiansheng/memlsm/dberrors"
	"github.com/xiaoxuxiansheng/memlsm/dbformat"
	"github.com/xiaoxuxiansheng/memlsm/filter"
)

// memtable 所处的 flush 阶段
type State int32

const (
	StateMutable        State = iota // 可写
	StateFlushRequested              // 已冻结，等待 flush
	StateFlushed                     // flush 完成，已经持久化为文件
)

func (s State) String() string {
	switch s {
	case StateMutable:
		return "mutable"
	case StateFlushRequested:
		return "flush-requested"
	case StateFlushed:
		return "flushed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// 有序表. 由一个 arena 和建立在其上的跳表组成，跳表中每个元素为
//
//	varint32(len(internal key)) | internal key | varint32(len(value)) | value
//
// 写入只允许唯一的写者调用，读取可以与写入并发. 生命周期由引用计数管理，
// 引用计数归零且 flush 完成之后，arena 与跳表一起被释放.
type MemTable struct {
	cmp    *dbformat.InternalKeyComparator
	arena  *arena.Arena
	table  *SkipList
	filter filter.Filter
	merge  MergeOperator
	logger *slog.Logger

	logNumber  uint64
	fileNumber atomic.Uint64

	refs      atomic.Int32
	state     atomic.Int32
	destroyed atomic.Bool

	entries  atomic.Int64
	firstSeq atomic.Uint64
	hasFirst atomic.Bool

	// 编码 entry 使用的缓冲区，只有写者访问
	buf []byte
}

type options struct {
	logNumber      uint64
	arenaBlockSize int
	filter         filter.Filter
	merge          MergeOperator
	logger         *slog.Logger
}

// 构造 memtable 的配置项
type Option func(*options)

// 写入这个 memtable 之前的数据所在的日志编号
func WithLogNumber(logNumber uint64) Option {
	return func(o *options) {
		o.logNumber = logNumber
	}
}

// arena 的标准 block 大小. 默认为 arena.BlockSize
func WithArenaBlockSize(size int) Option {
	return func(o *options) {
		o.arenaBlockSize = size
	}
}

// 注入 user key 过滤器，Get 时用于快速排除不存在的 key. 过滤器只能被一个 memtable 使用
func WithFilter(f filter.Filter) Option {
	return func(o *options) {
		o.filter = f
	}
}

// merge 记录的合并方式. 未配置时读取到 merge 记录返回 ErrNotSupported
func WithMergeOperator(op MergeOperator) Option {
	return func(o *options) {
		o.merge = op
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New 构造 memtable，调用方持有初始的一个引用
func New(cmp *dbformat.InternalKeyComparator, opts ...Option) *MemTable {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if cmp == nil {
		cmp = dbformat.NewInternalKeyComparator(nil)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	a := arena.NewWithBlockSize(o.arenaBlockSize)
	m := MemTable{
		cmp:       cmp,
		arena:     a,
		table:     NewSkipList(entryComparator(cmp), a),
		filter:    o.filter,
		merge:     o.merge,
		logger:    o.logger,
		logNumber: o.logNumber,
	}
	m.refs.Store(1)
	return &m
}

// 跳表元素之间按照 internal key 比较
func entryComparator(cmp *dbformat.InternalKeyComparator) dbformat.Comparator {
	return func(a, b []byte) int {
		return cmp.Compare(entryKey(a), entryKey(b))
	}
}

// 取出 entry 中的 internal key
func entryKey(entry []byte) []byte {
	ikey, _, _ := coding.GetLengthPrefixedSlice(entry)
	return ikey
}

// 取出 entry 中的 value
func entryValue(entry []byte) []byte {
	_, rest, _ := coding.GetLengthPrefixedSlice(entry)
	value, _, _ := coding.GetLengthPrefixedSlice(rest)
	return value
}

// Add 写入一条记录. 进入 flush 流程之后返回 ErrFrozen
func (m *MemTable) Add(seq uint64, kind dbformat.Kind, key, value []byte) error {
	if state := m.State(); state != StateMutable {
		return fmt.Errorf("%w: add to %s memtable", dberrors.ErrFrozen, state)
	}

	ikeyLen := len(key) + dbformat.TagSize
	m.buf = coding.PutVarint32(m.buf[:0], uint32(ikeyLen))
	m.buf = dbformat.AppendInternalKey(m.buf, dbformat.ParsedInternalKey{
		UserKey:  key,
		Sequence: seq,
		Kind:     kind,
	})
	m.buf = coding.PutLengthPrefixedSlice(m.buf, value)

	// 先写过滤器再发布节点，读者在跳表中看到的 key 一定能通过过滤器
	if m.filter != nil {
		m.filter.Add(key)
	}
	m.table.Insert(m.buf)

	if !m.hasFirst.Load() {
		m.firstSeq.Store(seq)
		m.hasFirst.Store(true)
	}
	m.entries.Add(1)
	return nil
}

// 一次查找的结果
type LookupResult struct {
	// 是否找到了 key 的任意记录
	Found bool
	// 最老的一条被检查的记录类型. KindMerge 表示只找到了 merge 记录，base 可能在更老的数据中
	Kind dbformat.Kind
	// Kind 为 KindValue 时的 value
	Value []byte
	// 比 base 更新的 merge 操作数，从旧到新排列
	Operands [][]byte
}

// Lookup 查找 key 在 seq 快照下的可见记录. 返回的切片指向 memtable 内部内存，
// 只在调用方持有引用期间有效
func (m *MemTable) Lookup(key []byte, seq uint64) LookupResult {
	var res LookupResult
	if m.filter != nil && !m.filter.MayContain(key) {
		return res
	}

	var (
		lkey = dbformat.NewLookupKey(key, seq)
		ucmp = m.cmp.UserComparator()
		it   = m.table.NewIterator()
	)
	// 第一个 >= lookup key 的元素即为 seq 快照下该 key 的最新版本
	for it.Seek(lkey.MemtableKey()); it.Valid(); it.Next() {
		entry := it.Key()
		parsed, ok := dbformat.ParseInternalKey(entryKey(entry))
		if !ok || ucmp(parsed.UserKey, key) != 0 {
			break
		}

		res.Found = true
		res.Kind = parsed.Kind
		if parsed.Kind == dbformat.KindMerge {
			res.Operands = append(res.Operands, entryValue(entry))
			continue
		}
		if parsed.Kind == dbformat.KindValue {
			res.Value = entryValue(entry)
		}
		break
	}
	slices.Reverse(res.Operands)
	return res
}

// Get 读取 key 在 seq 快照下的 value，value 为拷贝.
// found 为 false 表示 memtable 中没有 key 的记录；key 已被删除时 found 为 true，err 为 ErrNotFound.
// 只有 merge 记录时以不存在的 base 进行合并
func (m *MemTable) Get(key []byte, seq uint64) ([]byte, bool, error) {
	res := m.Lookup(key, seq)
	if !res.Found {
		return nil, false, nil
	}

	if len(res.Operands) == 0 {
		if res.Kind == dbformat.KindDelete {
			return nil, true, fmt.Errorf("%w: key %q deleted", dberrors.ErrNotFound, key)
		}
		return bytes.Clone(res.Value), true, nil
	}

	var base []byte
	if res.Kind == dbformat.KindValue {
		base = res.Value
	}
	value, err := FoldOperands(m.merge, key, base, res.Operands)
	return value, true, err
}

// NewIterator 遍历全部 internal key. 迭代期间需要持有 memtable 的引用
func (m *MemTable) NewIterator() *Iterator {
	return &Iterator{iter: m.table.NewIterator()}
}

// ApproximateMemoryUsage 返回 arena 占用的内存，可以并发调用
func (m *MemTable) ApproximateMemoryUsage() int64 {
	if m.destroyed.Load() {
		return 0
	}
	return m.arena.MemoryUsage()
}

func (m *MemTable) NumEntries() int64 {
	return m.entries.Load()
}

// FirstSequence 第一条写入记录的 seq，尚无写入时第二个返回值为 false
func (m *MemTable) FirstSequence() (uint64, bool) {
	if !m.hasFirst.Load() {
		return 0, false
	}
	return m.firstSeq.Load(), true
}

func (m *MemTable) LogNumber() uint64 {
	return m.logNumber
}

// FileNumber flush 生成的文件编号，flush 完成前为 0
func (m *MemTable) FileNumber() uint64 {
	return m.fileNumber.Load()
}

func (m *MemTable) InternalKeyComparator() *dbformat.InternalKeyComparator {
	return m.cmp
}

func (m *MemTable) Ref() {
	m.refs.Add(1)
}

// Unref 释放一个引用，返回 memtable 是否因此被销毁
func (m *MemTable) Unref() bool {
	refs := m.refs.Add(-1)
	if refs < 0 {
		panic("memtable: unref below zero")
	}
	if refs > 0 {
		return false
	}
	return m.tryDestroy()
}

func (m *MemTable) Refs() int32 {
	return m.refs.Load()
}

func (m *MemTable) State() State {
	return State(m.state.Load())
}

// MarkFlushRequested 冻结 memtable，此后不再接受写入
func (m *MemTable) MarkFlushRequested() error {
	if !m.state.CompareAndSwap(int32(StateMutable), int32(StateFlushRequested)) {
		return fmt.Errorf("%w: request flush on %s memtable", dberrors.ErrInvalidState, m.State())
	}
	m.logger.Debug("memtable flush requested",
		slog.Uint64("log_number", m.logNumber),
		slog.Int64("entries", m.NumEntries()),
		slog.Int64("memory_usage", m.ApproximateMemoryUsage()),
	)
	return nil
}

// MarkFlushCompleted 记录 flush 生成的文件编号. 引用已经全部释放时立即销毁
func (m *MemTable) MarkFlushCompleted(fileNumber uint64) error {
	if m.State() != StateFlushRequested {
		return fmt.Errorf("%w: complete flush on %s memtable", dberrors.ErrInvalidState, m.State())
	}
	m.fileNumber.Store(fileNumber)
	if !m.state.CompareAndSwap(int32(StateFlushRequested), int32(StateFlushed)) {
		return fmt.Errorf("%w: complete flush on %s memtable", dberrors.ErrInvalidState, m.State())
	}
	m.logger.Debug("memtable flush completed",
		slog.Uint64("log_number", m.logNumber),
		slog.Uint64("file_number", fileNumber),
	)
	m.tryDestroy()
	return nil
}

// Destroyed arena 与跳表是否已经释放
func (m *MemTable) Destroyed() bool {
	return m.destroyed.Load()
}

// 引用计数归零与 flush 完成两个条件都满足时，由后满足的一方执行销毁，且只执行一次
func (m *MemTable) tryDestroy() bool {
	if m.refs.Load() != 0 || m.State() != StateFlushed {
		return false
	}
	if !m.destroyed.CompareAndSwap(false, true) {
		return false
	}

	m.logger.Debug("memtable destroyed",
		slog.Uint64("log_number", m.logNumber),
		slog.Uint64("file_number", m.fileNumber.Load()),
		slog.Int64("entries", m.NumEntries()),
		slog.Int64("memory_usage", m.arena.MemoryUsage()),
	)
	// 不再有任何持有者，整体丢弃 arena 中的全部节点
	m.table = nil
	m.arena = nil
	m.filter = nil
	return true
}
