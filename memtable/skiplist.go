package memtable

import (
	"math/rand"
	"time"

	"github.com/xiaoxuxiansheng/goindy/key"
)

const maxSkipHeight = 24

// 跳表，未加锁，不保证并发安全. 只支持插入，节点一旦插入不会移除，因此节点指针可以长期持有
type Skiplist[T any] struct {
	head       *skipNode[T] // 跳表的头结点
	cmp        func(a, b T) key.Comparison
	entriesCnt int // 跳表中的节点个数
	rander     *rand.Rand
}

// 跳表节点
type skipNode[T any] struct {
	nexts []*skipNode[T] // 通过 next slice 来实现跳表节点多层指针结构
	item  T
}

// 构造跳表实例
func NewSkiplist[T any](cmp func(a, b T) key.Comparison) *Skiplist[T] {
	return &Skiplist[T]{
		head:   &skipNode[T]{}, // 需要初始化根节点
		cmp:    cmp,
		rander: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// 写入一个元素. 如果已存在相等的元素，则为覆盖操作
func (s *Skiplist[T]) Put(item T) {
	// 倘若元素已存在，覆盖之
	if node := s.getNode(item); node != nil {
		node.item = item
		return
	}

	s.entriesCnt++
	// roll 出新节点高度
	newNodeHeight := s.roll()

	// 倘若跳表原高度不足，则补齐高度
	if len(s.head.nexts) < newNodeHeight {
		dif := make([]*skipNode[T], newNodeHeight-len(s.head.nexts))
		s.head.nexts = append(s.head.nexts, dif...)
	}

	// 构造新节点
	newNode := skipNode[T]{
		nexts: make([]*skipNode[T], newNodeHeight),
		item:  item,
	}

	// 层数自高向低，每层按序插入节点
	move := s.head
	for level := newNodeHeight - 1; level >= 0; level-- {
		// 层内持续向右遍历，直到右侧节点不存在或者右侧元素更大
		for move.nexts[level] != nil && s.cmp(move.nexts[level].item, item) == key.Lt {
			move = move.nexts[level]
		}

		// 插入节点
		newNode.nexts[level] = move.nexts[level]
		move.nexts[level] = &newNode
	}
}

// 返回第一个 >= pivot 的节点，不存在则返回 nil
func (s *Skiplist[T]) Seek(pivot T) *skipNode[T] {
	move := s.head
	for level := len(s.head.nexts) - 1; level >= 0; level-- {
		for move.nexts[level] != nil && s.cmp(move.nexts[level].item, pivot) == key.Lt {
			move = move.nexts[level]
		}
	}
	if len(move.nexts) == 0 {
		return nil
	}
	return move.nexts[0]
}

// 跳表中最小的节点
func (s *Skiplist[T]) First() *skipNode[T] {
	if len(s.head.nexts) == 0 {
		return nil
	}
	return s.head.nexts[0]
}

// 获取跳表中全量数据
func (s *Skiplist[T]) All() []T {
	items := make([]T, 0, s.entriesCnt)
	// 从第 0 层开始自左向右依次遍历读取
	for node := s.First(); node != nil; node = node.next() {
		items = append(items, node.item)
	}
	return items
}

// 跳表节点数量
func (s *Skiplist[T]) EntriesCnt() int {
	return s.entriesCnt
}

// 根据元素获取跳表中对应节点
func (s *Skiplist[T]) getNode(item T) *skipNode[T] {
	move := s.head
	// 层数自高向低，逐层检索
	for level := len(s.head.nexts) - 1; level >= 0; level-- {
		// 持续向右移动，直到右侧为空或者右侧元素 >= 检索元素
		for move.nexts[level] != nil && s.cmp(move.nexts[level].item, item) == key.Lt {
			move = move.nexts[level]
		}
		// 如果右侧元素与检索元素相等，则找到目标返回. 否则进入下一层
		if move.nexts[level] != nil && s.cmp(move.nexts[level].item, item) == key.Eq {
			return move.nexts[level]
		}
	}

	return nil
}

// roll 出一个节点的高度. 最小为 1，每提高 1 层，概率减少为 1/2
func (s *Skiplist[T]) roll() int {
	level := 1
	for level < maxSkipHeight && s.rander.Intn(2) == 1 {
		level++
	}
	return level
}

func (n *skipNode[T]) next() *skipNode[T] {
	return n.nexts[0]
}
