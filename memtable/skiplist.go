package memtable

import (
	"sync/atomic"
	"unsafe"

	"github.com/zhangyunhao116/fastrand"

	"github.com/xiaoxuxiansheng/memlsm/arena"
	"github.com/xiaoxuxiansheng/memlsm/dbformat"
)

const (
	// 节点最大高度
	maxHeight = 12
	// 每提高一层，概率变为 1/branching
	branching = 4
)

// 跳表.
//
// 写操作 Insert 需要由调用方保证同一时刻只有一个写者；
// 读操作 Contains 以及迭代器无需加锁，可以与唯一的写者并发执行.
// 节点一旦插入不会被删除，节点以及 key 的内存全部来自 arena，随 arena 一起释放.
type SkipList struct {
	cmp   dbformat.Comparator
	arena *arena.Arena

	head *skipNode
	// 当前使用到的最大高度，只增不减
	maxHeight atomic.Int32

	// 上一次插入时每一层的前驱节点，用于顺序插入的快速路径. 只有写者访问
	prev       [maxHeight]*skipNode
	prevHeight int
}

// 跳表节点，与 next 指针数组一起分配在 arena 的一段连续内存中
type skipNode struct {
	key []byte
	// 长度即节点高度
	nexts []atomic.Pointer[skipNode]
}

var (
	nodeSize = int(unsafe.Sizeof(skipNode{}))
	slotSize = int(unsafe.Sizeof(atomic.Pointer[skipNode]{}))
)

// 读者使用，acquire 语义
func (n *skipNode) next(level int) *skipNode {
	return n.nexts[level].Load()
}

// 发布节点使用，release 语义
func (n *skipNode) setNext(level int, x *skipNode) {
	n.nexts[level].Store(x)
}

// 仅写者在节点发布之前使用.
// Go 的原子操作没有更弱的内存序，relaxed 与 acquire/release 共用同一实现，只在调用点上加以区分
func (n *skipNode) relaxedNext(level int) *skipNode {
	return n.nexts[level].Load()
}

func (n *skipNode) relaxedSetNext(level int, x *skipNode) {
	n.nexts[level].Store(x)
}

// NewSkipList 构造跳表，节点内存从 a 中分配. a 只能被这一个跳表的写者使用
func NewSkipList(cmp dbformat.Comparator, a *arena.Arena) *SkipList {
	if cmp == nil {
		cmp = dbformat.BytewiseComparator
	}
	s := SkipList{
		cmp:        cmp,
		arena:      a,
		prevHeight: 1,
	}
	s.head = s.newNode(nil, maxHeight)
	s.maxHeight.Store(1)
	for i := range s.prev {
		s.prev[i] = s.head
	}
	return &s
}

// Insert 插入一个 key，key 的内容会被拷贝到 arena 中.
// 与已有 key 相等时不做覆盖，两者并存
func (s *SkipList) Insert(key []byte) {
	// 快速路径：新 key 恰好落在上一次插入的节点之后
	if !s.keyIsAfterNode(key, s.prev[0].relaxedNext(0)) &&
		(s.prev[0] == s.head || s.keyIsAfterNode(key, s.prev[0])) {
		for i := 1; i < s.prevHeight; i++ {
			s.prev[i] = s.prev[0]
		}
	} else {
		s.findGreaterOrEqual(key, &s.prev)
	}

	height := s.randomHeight()
	if curHeight := int(s.maxHeight.Load()); height > curHeight {
		for i := curHeight; i < height; i++ {
			s.prev[i] = s.head
		}
		// 读者看到新高度但尚未看到新节点时，只会从 head 的 nil 指针直接下降一层
		s.maxHeight.Store(int32(height))
	}

	var stored []byte
	if len(key) > 0 {
		stored = s.arena.Allocate(len(key))
		copy(stored, key)
	}
	x := s.newNode(stored, height)
	for i := 0; i < height; i++ {
		// x 尚未发布，先以 relaxed 方式填充 x 自身的 next 指针
		x.relaxedSetNext(i, s.prev[i].relaxedNext(i))
		// 通过 release 写发布 x
		s.prev[i].setNext(i, x)
	}
	s.prev[0] = x
	s.prevHeight = height
}

// Contains 判断是否存在与 key 相等的元素
func (s *SkipList) Contains(key []byte) bool {
	x := s.findGreaterOrEqual(key, nil)
	return x != nil && s.cmp(key, x.key) == 0
}

// NewIterator 返回跳表迭代器，初始状态无效
func (s *SkipList) NewIterator() *SkipListIterator {
	return &SkipListIterator{list: s}
}

func (s *SkipList) newNode(key []byte, height int) *skipNode {
	buf := s.arena.AllocateAligned(nodeSize + height*slotSize)
	n := (*skipNode)(unsafe.Pointer(unsafe.SliceData(buf)))
	n.key = key
	n.nexts = unsafe.Slice((*atomic.Pointer[skipNode])(unsafe.Pointer(&buf[nodeSize])), height)
	return n
}

// roll 出新节点的高度. 最小为 1，每提高 1 层，概率变为 1/branching
func (s *SkipList) randomHeight() int {
	height := 1
	for height < maxHeight && fastrand.Uint32n(branching) == 0 {
		height++
	}
	return height
}

func (s *SkipList) keyIsAfterNode(key []byte, n *skipNode) bool {
	return n != nil && s.cmp(n.key, key) < 0
}

// 返回第一个 >= key 的节点，不存在时返回 nil.
// prev 非空时记录每一层的前驱节点
func (s *SkipList) findGreaterOrEqual(key []byte, prev *[maxHeight]*skipNode) *skipNode {
	x := s.head
	level := int(s.maxHeight.Load()) - 1
	for {
		next := x.next(level)
		if s.keyIsAfterNode(key, next) {
			// 同层继续向右
			x = next
			continue
		}
		if prev != nil {
			prev[level] = x
		}
		if level == 0 {
			return next
		}
		level--
	}
}

// 返回最后一个 < key 的节点，不存在时返回 head
func (s *SkipList) findLessThan(key []byte) *skipNode {
	x := s.head
	level := int(s.maxHeight.Load()) - 1
	for {
		next := x.next(level)
		if next == nil || s.cmp(next.key, key) >= 0 {
			if level == 0 {
				return x
			}
			level--
			continue
		}
		x = next
	}
}

// 返回最后一个节点，跳表为空时返回 head
func (s *SkipList) findLast() *skipNode {
	x := s.head
	level := int(s.maxHeight.Load()) - 1
	for {
		next := x.next(level)
		if next == nil {
			if level == 0 {
				return x
			}
			level--
			continue
		}
		x = next
	}
}

// 跳表迭代器. 迭代过程中允许写者并发插入
type SkipListIterator struct {
	list *SkipList
	node *skipNode
}

func (it *SkipListIterator) Valid() bool {
	return it.node != nil
}

// Key 返回当前位置的 key，要求 Valid() 为 true
func (it *SkipListIterator) Key() []byte {
	return it.node.key
}

func (it *SkipListIterator) Next() {
	it.node = it.node.next(0)
}

// Prev 没有后向指针，通过一次查找实现
func (it *SkipListIterator) Prev() {
	it.node = it.list.findLessThan(it.node.key)
	if it.node == it.list.head {
		it.node = nil
	}
}

// Seek 定位到第一个 >= target 的位置
func (it *SkipListIterator) Seek(target []byte) {
	it.node = it.list.findGreaterOrEqual(target, nil)
}

func (it *SkipListIterator) SeekToFirst() {
	it.node = it.list.head.next(0)
}

func (it *SkipListIterator) SeekToLast() {
	it.node = it.list.findLast()
	if it.node == it.list.head {
		it.node = nil
	}
}
