package memtable

import (
	"math"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/xiaoxuxiansheng/goindy/key"
)

var (
	ErrSequenceOrder = errors.New("memtable: sequence number out of order")
	ErrIndexMismatch = errors.New("memtable: range bounds belong to different indexes")
	ErrLayerFrozen   = errors.New("memtable: layer is frozen for flush")
)

// MemoryLayer 暂存一批已提交的 update.
// 同一批 update 同时挂在两个有序结构上：按 (index id, key 升序, seq 降序) 排列的 entry 跳表，
// 以及按序列号排列的 update btree
type MemoryLayer struct {
	mu            sync.RWMutex
	entries       *Skiplist[*Entry]
	updates       *btree.BTree
	seq           *Sequencer
	frozen        bool
	size          int
	numEntries    int
	lowestSeq     uint64
	highestSeq    uint64
	notifications []*PersistenceNotification
}

// btree 中的 update 节点
type updateItem struct {
	seq    uint64
	update *Update
}

func (i *updateItem) Less(than btree.Item) bool {
	return i.seq < than.(*updateItem).seq
}

// entry 排序：index key 升序，同一个 key 序列号降序，最新的值排在最前
func compareEntry(a, b *Entry) key.Comparison {
	if c := a.ik.Compare(b.ik); c != key.Eq {
		return c
	}
	sa, sb := a.SequenceNumber(), b.SequenceNumber()
	switch {
	case sa > sb:
		return key.Lt
	case sa < sb:
		return key.Gt
	default:
		return key.Eq
	}
}

// seq 为 nil 时，插入的 update 必须已经分配了序列号
func NewMemoryLayer(seq *Sequencer) *MemoryLayer {
	return &MemoryLayer{
		entries: NewSkiplist(compareEntry),
		updates: btree.New(32),
		seq:     seq,
	}
}

// 提交路径：分配（或接受）序列号，entry 与 update 挂到两个有序结构的尾部
func (l *MemoryLayer) Insert(u *Update) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkInsertLocked(u); err != nil {
		return err
	}

	if u.seq == 0 {
		if l.seq == nil {
			return errors.Wrap(ErrSequenceOrder, "no sequencer for unsequenced update")
		}
		u.seq = l.seq.Next()
	} else if l.seq != nil {
		l.seq.Observe(u.seq)
	}

	if l.updates.Len() > 0 && u.seq <= l.highestSeq {
		return errors.Wrapf(ErrSequenceOrder, "insert seq %d after %d", u.seq, l.highestSeq)
	}

	l.admitLocked(u)
	return nil
}

// 重建路径：从磁盘还原 layer 时使用，update 挂到两个有序结构的头部
func (l *MemoryLayer) ReverseInsert(u *Update) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkInsertLocked(u); err != nil {
		return err
	}
	if u.seq == 0 {
		return errors.Wrap(ErrSequenceOrder, "reverse insert requires an assigned sequence number")
	}
	if l.updates.Len() > 0 && u.seq >= l.lowestSeq {
		return errors.Wrapf(ErrSequenceOrder, "reverse insert seq %d before %d", u.seq, l.lowestSeq)
	}
	if l.seq != nil {
		l.seq.Observe(u.seq)
	}

	l.admitLocked(u)
	return nil
}

func (l *MemoryLayer) checkInsertLocked(u *Update) error {
	if l.frozen {
		return ErrLayerFrozen
	}
	if u.admitted {
		return ErrUpdateAdmitted
	}
	return nil
}

func (l *MemoryLayer) admitLocked(u *Update) {
	u.admitted = true
	for _, entry := range u.entries {
		l.entries.Put(entry)
	}
	l.updates.ReplaceOrInsert(&updateItem{seq: u.seq, update: u})

	if l.updates.Len() == 1 || u.seq < l.lowestSeq {
		l.lowestSeq = u.seq
	}
	if u.seq > l.highestSeq {
		l.highestSeq = u.seq
	}
	l.size += u.Size()
	l.numEntries += len(u.entries)

	// 持久化通知移交给 layer，由 flush 流程负责触发
	if n := u.TakeNotification(); n != nil {
		l.notifications = append(l.notifications, n)
	}
}

// 冻结 layer. flush 开始之后 layer 不允许再被修改
func (l *MemoryLayer) Freeze() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frozen = true
}

func (l *MemoryLayer) Frozen() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.frozen
}

// 触发并清空 layer 持有的全部持久化通知. flush 流程在任何出口都必须调用
func (l *MemoryLayer) ResolveNotifications(result PersistenceResult) {
	l.mu.Lock()
	pending := l.notifications
	l.notifications = nil
	l.mu.Unlock()

	for _, n := range pending {
		n.Resolve(result)
	}
}

func (l *MemoryLayer) NumUpdates() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.updates.Len()
}

func (l *MemoryLayer) NumEntries() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.numEntries
}

// 近似的数据量大小，单位 byte
func (l *MemoryLayer) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

func (l *MemoryLayer) LowestSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lowestSeq
}

func (l *MemoryLayer) HighestSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.highestSeq
}

// layer 中出现过的全部 index id，升序
func (l *MemoryLayer) IndexIds() []uuid.UUID {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var ids []uuid.UUID
	for node := l.entries.First(); node != nil; node = node.next() {
		id := node.item.ik.IndexId
		if n := len(ids); n == 0 || ids[n-1] != id {
			ids = append(ids, id)
		}
	}
	return ids
}

// 按 (index key 升序, seq 降序) 遍历全部 entry. 只能在 layer 冻结之后调用
func (l *MemoryLayer) ForEachEntry(fn func(e *Entry) error) error {
	for node := l.entries.First(); node != nil; node = node.next() {
		if err := fn(node.item); err != nil {
			return err
		}
	}
	return nil
}

// 按序列号升序遍历全部 update. 只能在 layer 冻结之后调用
func (l *MemoryLayer) ForEachUpdate(fn func(u *Update) error) error {
	var err error
	l.updates.Ascend(func(i btree.Item) bool {
		err = fn(i.(*updateItem).update)
		return err == nil
	})
	return err
}

// 当前值游标：返回与 ik 前缀匹配的每个 key 的最新值
func (l *MemoryLayer) NewPresentWalker(ik key.IndexKey) *MemPresentWalker {
	w := MemPresentWalker{
		layer:   l,
		indexId: ik.IndexId,
		pattern: ik.Key,
	}
	w.prefix, w.bounded = key.FixedPrefix(ik.Key)
	w.seek(w.prefix)
	return &w
}

// 当前值范围游标：返回 [from, to] 内每个 key 的最新值
func (l *MemoryLayer) NewPresentWalkerRange(from, to key.IndexKey) (*MemPresentWalker, error) {
	if from.IndexId != to.IndexId {
		return nil, errors.Wrapf(ErrIndexMismatch, "from %s to %s", from.IndexId, to.IndexId)
	}
	w := MemPresentWalker{
		layer:   l,
		indexId: from.IndexId,
		pattern: key.Free(),
		upper:   &to.Key,
	}
	w.seek(from.Key)
	return &w, nil
}

// update 回放游标：序列号 >= fromSeq 的 update，升序
func (l *MemoryLayer) NewUpdateWalker(fromSeq uint64) *MemUpdateWalker {
	w := MemUpdateWalker{layer: l}
	w.load(fromSeq)
	return &w
}

// 内存层的当前值游标
type MemPresentWalker struct {
	layer   *MemoryLayer
	indexId uuid.UUID
	pattern key.Key
	prefix  key.Key
	bounded bool
	upper   *key.Key // 范围游标的上界（含）
	node    *skipNode[*Entry]
	lastKey *key.Key
}

func (w *MemPresentWalker) seek(from key.Key) {
	w.layer.mu.RLock()
	defer w.layer.mu.RUnlock()

	pivot := &Entry{
		ik:     key.NewIndexKey(w.indexId, from),
		update: &Update{seq: math.MaxUint64},
	}
	w.node = w.layer.entries.Seek(pivot)
	w.settleLocked()
}

// 从当前节点开始，跳到下一个满足条件的节点
func (w *MemPresentWalker) settleLocked() {
	for ; w.node != nil; w.node = w.node.next() {
		entry := w.node.item
		if entry.ik.IndexId != w.indexId {
			w.node = nil
			return
		}
		if w.bounded && !key.WithinPrefix(w.prefix, entry.ik.Key) {
			w.node = nil
			return
		}
		if w.upper != nil && key.Compare(entry.ik.Key, *w.upper) == key.Gt {
			w.node = nil
			return
		}
		// 同一个 key 只返回序列号最大的那一条
		if w.lastKey != nil && key.Compare(*w.lastKey, entry.ik.Key) == key.Eq {
			continue
		}
		if key.MatchPrefix(w.pattern, entry.ik.Key) == key.NoMatch {
			continue
		}
		return
	}
}

func (w *MemPresentWalker) Valid() bool {
	return w.node != nil
}

func (w *MemPresentWalker) Item() PresentItem {
	entry := w.node.item
	return PresentItem{
		Key:            entry.ik.Key,
		Value:          entry.value,
		SequenceNumber: entry.SequenceNumber(),
	}
}

func (w *MemPresentWalker) Next() {
	if w.node == nil {
		return
	}
	w.layer.mu.RLock()
	defer w.layer.mu.RUnlock()

	k := w.node.item.ik.Key
	w.lastKey = &k
	w.node = w.node.next()
	w.settleLocked()
}

func (w *MemPresentWalker) Err() error {
	return nil
}

// 内存层的 update 回放游标
type MemUpdateWalker struct {
	layer *MemoryLayer
	cur   *Update
}

func (w *MemUpdateWalker) load(fromSeq uint64) {
	w.layer.mu.RLock()
	defer w.layer.mu.RUnlock()

	w.cur = nil
	w.layer.updates.AscendGreaterOrEqual(&updateItem{seq: fromSeq}, func(i btree.Item) bool {
		w.cur = i.(*updateItem).update
		return false
	})
}

func (w *MemUpdateWalker) Valid() bool {
	return w.cur != nil
}

func (w *MemUpdateWalker) Item() *UpdateItem {
	item := UpdateItem{
		SequenceNumber: w.cur.seq,
		Metadata:       w.cur.metadata,
		Id:             w.cur.id,
		Entries:        make([]EntryItem, 0, len(w.cur.entries)),
	}
	for _, entry := range w.cur.entries {
		item.Entries = append(item.Entries, EntryItem{Key: entry.ik, Value: entry.value})
	}
	return &item
}

func (w *MemUpdateWalker) Next() {
	if w.cur == nil {
		return
	}
	w.load(w.cur.seq + 1)
}

func (w *MemUpdateWalker) Err() error {
	return nil
}

var (
	_ PresentWalker = (*MemPresentWalker)(nil)
	_ UpdateWalker  = (*MemUpdateWalker)(nil)
)
