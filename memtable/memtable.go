package memtable

import (
	"sync/atomic"

	"github.com/xiaoxuxiansheng/goindy/key"
)

// 当前值游标. 内存层与磁盘 generation 都实现该接口
type PresentWalker interface {
	Valid() bool       // 游标是否仍指向有效数据
	Item() PresentItem // 当前数据
	Next()             // 前进一步
	Err() error        // 遍历过程中遇到的错误
}

// update 回放游标，按序列号升序
type UpdateWalker interface {
	Valid() bool
	Item() *UpdateItem
	Next()
	Err() error
}

// 某个 key 的当前值
type PresentItem struct {
	Key            key.Key
	Value          key.Key
	SequenceNumber uint64
}

// 回放得到的一个完整 update
type UpdateItem struct {
	SequenceNumber uint64
	Metadata       key.Key
	Id             key.Key
	Entries        []EntryItem // 按 index key 有序
}

type EntryItem struct {
	Key   key.IndexKey
	Value key.Key
}

// 全局单调递增的序列号生成器
type Sequencer struct {
	last atomic.Uint64
}

// last 为已经分配出去的最大序列号
func NewSequencer(last uint64) *Sequencer {
	var s Sequencer
	s.last.Store(last)
	return &s
}

func (s *Sequencer) Next() uint64 {
	return s.last.Add(1)
}

func (s *Sequencer) Last() uint64 {
	return s.last.Load()
}

// 观察到一个外部产生的序列号，保证后续分配的序列号比它大
func (s *Sequencer) Observe(seq uint64) {
	for {
		cur := s.last.Load()
		if seq <= cur || s.last.CompareAndSwap(cur, seq) {
			return
		}
	}
}
