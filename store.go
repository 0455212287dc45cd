package memlsm

import (
	"bytes"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/xiaoxuxiansheng/memlsm/batch"
	"github.com/xiaoxuxiansheng/memlsm/dberrors"
	"github.com/xiaoxuxiansheng/memlsm/dbformat"
	"github.com/xiaoxuxiansheng/memlsm/filter"
	"github.com/xiaoxuxiansheng/memlsm/memtable"
)

// 1 写入一个 batch，分配 sequence 后写入活跃 memtable
// 2 活跃 memtable 达到阈值时切换为只读，交给外部 flush 协程
// 3 基于最新的 sequence 快照读取数据
type Store struct {
	conf *Config
	cmp  *dbformat.InternalKeyComparator

	// 串行化所有写者，保证任意时刻每个 memtable 只有一个写者
	writeLock sync.Mutex

	// 切换 memtable 时使用的读写锁
	dataLock sync.RWMutex

	// 读写 memtable
	memTable *memtable.MemTable

	// 只读 memtable，按切换顺序排列
	rOnlyMemTables []*memtable.MemTable

	// memtable 达到阈值时，通过该 chan 交给 flush 协程
	flushC chan *memtable.MemTable

	// 等待发送给 flush 协程的只读 memtable，按切换顺序排列
	flushMu     sync.Mutex
	flushQueue  []*memtable.MemTable
	flushNotify chan struct{}

	// store 停止时通过该 chan 传递信号
	stopc  chan struct{}
	closed atomic.Bool

	// 最后一条已写入记录的 sequence
	lastSeq atomic.Uint64

	// memtable 对应的日志编号，每次切换加一
	logNumber uint64
}

func NewStore(conf *Config) *Store {
	s := Store{
		conf:        conf,
		cmp:         dbformat.NewInternalKeyComparator(conf.Comparator),
		flushC:      make(chan *memtable.MemTable),
		flushNotify: make(chan struct{}, 1),
		stopc:       make(chan struct{}),
	}
	s.memTable = s.newMemTable()
	go s.forwardFlush()
	return &s
}

// Write 原子地写入一个 batch. batch 的 sequence 会被改写为分配到的值
func (s *Store) Write(b *batch.WriteBatch) error {
	if s.closed.Load() {
		return dberrors.ErrClosed
	}
	// 先校验格式，避免写入一半的 batch
	if err := b.Validate(); err != nil {
		return err
	}
	if b.Count() == 0 {
		return nil
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	seq := s.lastSeq.Load() + 1
	last := seq + uint64(b.Count()) - 1
	if last > dbformat.MaxSequence {
		return fmt.Errorf("%w: sequence %d overflows", dberrors.ErrInvalidArgument, last)
	}
	b.SetSequence(seq)

	mem := s.memTable
	if err := mem.Apply(b); err != nil {
		return err
	}
	// 写入完成后才推进 sequence，读者基于 lastSeq 的快照不会看到写了一半的 batch
	s.lastSeq.Store(last)

	// 倘若读写 memtable 的大小未达到阈值，则直接返回.
	if uint64(mem.ApproximateMemoryUsage()) < s.conf.MemTableSize {
		return nil
	}
	return s.refreshMemTableLocked()
}

func (s *Store) Put(key, value []byte) error {
	b := batch.New()
	b.Put(key, value)
	return s.Write(b)
}

func (s *Store) Delete(key []byte) error {
	b := batch.New()
	b.Delete(key)
	return s.Write(b)
}

func (s *Store) Merge(key, operand []byte) error {
	b := batch.New()
	b.Merge(key, operand)
	return s.Write(b)
}

// Get 读取 key 的最新值. key 不存在或者已被删除时第二个返回值为 false
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	seq := s.lastSeq.Load()

	// 1 持有所有 memtable 的引用，读取期间不会被销毁
	s.dataLock.RLock()
	tables := make([]*memtable.MemTable, 0, 1+len(s.rOnlyMemTables))
	tables = append(tables, s.memTable)
	// 只读 memtable 按切换顺序倒序遍历，越晚切换的数据越新
	for i := len(s.rOnlyMemTables) - 1; i >= 0; i-- {
		tables = append(tables, s.rOnlyMemTables[i])
	}
	for _, mem := range tables {
		mem.Ref()
	}
	s.dataLock.RUnlock()
	defer func() {
		for _, mem := range tables {
			mem.Unref()
		}
	}()

	// 2 由新到旧查找，merge 操作数一直累积到找到 base 为止
	var operands [][]byte
	for _, mem := range tables {
		res := mem.Lookup(key, seq)
		if !res.Found {
			continue
		}
		operands = append(res.Operands, operands...)

		switch res.Kind {
		case dbformat.KindValue:
			if len(operands) == 0 {
				return bytes.Clone(res.Value), true, nil
			}
			return s.fold(key, res.Value, operands)
		case dbformat.KindDelete:
			if len(operands) == 0 {
				return nil, false, nil
			}
			return s.fold(key, nil, operands)
		}
	}

	// 3 只有 merge 记录
	if len(operands) > 0 {
		return s.fold(key, nil, operands)
	}
	return nil, false, nil
}

func (s *Store) fold(key, existing []byte, operands [][]byte) ([]byte, bool, error) {
	value, err := memtable.FoldOperands(s.conf.MergeOperator, key, existing, operands)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// FlushC 只读 memtable 通过该 chan 交给外部 flush 协程. flush 完成后需要调用 CompleteFlush
func (s *Store) FlushC() <-chan *memtable.MemTable {
	return s.flushC
}

// CompleteFlush 标记 mem 已经持久化为编号为 fileNumber 的文件，并释放 store 持有的引用
func (s *Store) CompleteFlush(mem *memtable.MemTable, fileNumber uint64) error {
	s.dataLock.Lock()
	idx := slices.Index(s.rOnlyMemTables, mem)
	if idx < 0 {
		s.dataLock.Unlock()
		return fmt.Errorf("%w: memtable %d is not pending flush", dberrors.ErrInvalidArgument, mem.LogNumber())
	}
	s.rOnlyMemTables = slices.Delete(s.rOnlyMemTables, idx, idx+1)
	s.dataLock.Unlock()

	if err := mem.MarkFlushCompleted(fileNumber); err != nil {
		return err
	}
	mem.Unref()
	s.conf.Logger.Info("memtable flushed",
		slog.Uint64("log_number", mem.LogNumber()),
		slog.Uint64("file_number", fileNumber),
	)
	return nil
}

// LastSequence 最后一条已写入记录的 sequence
func (s *Store) LastSequence() uint64 {
	return s.lastSeq.Load()
}

// NumImmutable 等待 flush 完成的只读 memtable 个数
func (s *Store) NumImmutable() int {
	s.dataLock.RLock()
	defer s.dataLock.RUnlock()
	return len(s.rOnlyMemTables)
}

// ApproximateMemoryUsage 全部 memtable 占用的内存
func (s *Store) ApproximateMemoryUsage() int64 {
	s.dataLock.RLock()
	defer s.dataLock.RUnlock()
	usage := s.memTable.ApproximateMemoryUsage()
	for _, mem := range s.rOnlyMemTables {
		usage += mem.ApproximateMemoryUsage()
	}
	return usage
}

func (s *Store) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	close(s.stopc)
	s.conf.Logger.Info("store closed", slog.Uint64("last_sequence", s.lastSeq.Load()))
}

// 切换读写 memtable 为只读 memtable，并构建新的读写 memtable
func (s *Store) refreshMemTableLocked() error {
	// 辞旧
	// 将读写 memtable 冻结，追加到只读 slice 和 flush 队列中.
	old := s.memTable
	if err := old.MarkFlushRequested(); err != nil {
		return err
	}

	// 迎新
	next := s.newMemTable()
	s.dataLock.Lock()
	s.rOnlyMemTables = append(s.rOnlyMemTables, old)
	s.memTable = next
	s.dataLock.Unlock()

	s.conf.Logger.Info("memtable rotated",
		slog.Uint64("log_number", old.LogNumber()),
		slog.Int64("entries", old.NumEntries()),
		slog.Int64("memory_usage", old.ApproximateMemoryUsage()),
	)

	s.flushMu.Lock()
	s.flushQueue = append(s.flushQueue, old)
	s.flushMu.Unlock()
	select {
	case s.flushNotify <- struct{}{}:
	default:
	}
	return nil
}

// 唯一的发送协程，保证只读 memtable 按切换顺序交给 flush 协程
func (s *Store) forwardFlush() {
	for {
		s.flushMu.Lock()
		if len(s.flushQueue) == 0 {
			s.flushMu.Unlock()
			select {
			case <-s.flushNotify:
				continue
			case <-s.stopc:
				return
			}
		}
		mem := s.flushQueue[0]
		s.flushMu.Unlock()

		select {
		case s.flushC <- mem:
		case <-s.stopc:
			return
		}

		s.flushMu.Lock()
		s.flushQueue[0] = nil
		s.flushQueue = s.flushQueue[1:]
		s.flushMu.Unlock()
	}
}

func (s *Store) newMemTable() *memtable.MemTable {
	s.logNumber++
	opts := []memtable.Option{
		memtable.WithLogNumber(s.logNumber),
		memtable.WithArenaBlockSize(s.conf.ArenaBlockSize),
		memtable.WithMergeOperator(s.conf.MergeOperator),
		memtable.WithLogger(s.conf.Logger),
	}
	if s.conf.FilterBits > 0 {
		if bf, err := filter.NewBloomFilter(s.conf.FilterBits, s.conf.FilterBits/filterBitsPerKey); err == nil {
			opts = append(opts, memtable.WithFilter(bf))
		}
	}
	return memtable.New(s.cmp, opts...)
}
