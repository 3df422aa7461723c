package memtable

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/xiaoxuxiansheng/goindy/key"
)

var (
	ErrDuplicateKey     = errors.New("memtable: duplicate index key in update")
	ErrSequenceAssigned = errors.New("memtable: sequence number already assigned")
	ErrUpdateAdmitted   = errors.New("memtable: update already admitted into a layer")
)

// 一次写操作：index key -> 操作数
type Op struct {
	Key   key.IndexKey
	Value key.Key
}

// 一个 update 内的全部写操作，key 唯一
type OpByKey []Op

// Update 是原子持久化的单位. 由若干 Entry 组成，持有私有 arena 存放全部 key 数据
type Update struct {
	seq          uint64
	id           key.Key
	metadata     key.Key
	arena        *key.Arena
	entries      []*Entry // 按 index key 有序
	notification *PersistenceNotification
	admitted     bool
}

// Entry 是 update 在单个 index key 上的组成部分，反向引用所属的 update
type Entry struct {
	ik     key.IndexKey
	value  key.Key
	update *Update
}

// 构造 update. 所有 key 深拷贝进 update 私有的 arena，此时尚未分配序列号
func NewUpdate(ops OpByKey, metadata, id key.Key) (*Update, error) {
	arena := key.NewArena()
	u := Update{
		id:       arena.Copy(id),
		metadata: arena.Copy(metadata),
		arena:    arena,
		entries:  make([]*Entry, 0, len(ops)),
	}

	for _, op := range ops {
		u.entries = append(u.entries, &Entry{
			ik:     key.NewIndexKey(op.Key.IndexId, arena.Copy(op.Key.Key)),
			value:  arena.Copy(op.Value),
			update: &u,
		})
	}

	sort.Slice(u.entries, func(i, j int) bool {
		return u.entries[i].ik.Compare(u.entries[j].ik) == key.Lt
	})
	for i := 1; i < len(u.entries); i++ {
		if u.entries[i-1].ik.Compare(u.entries[i].ik) == key.Eq {
			return nil, errors.Wrapf(ErrDuplicateKey, "index key %s", u.entries[i].ik)
		}
	}

	return &u, nil
}

// 追加一个 entry. 只能在 update 被 layer 接纳之前调用
func (u *Update) AddEntry(ik key.IndexKey, value key.Key) error {
	if u.admitted {
		return ErrUpdateAdmitted
	}

	entry := &Entry{
		ik:     key.NewIndexKey(ik.IndexId, u.arena.Copy(ik.Key)),
		value:  u.arena.Copy(value),
		update: u,
	}
	pos := sort.Search(len(u.entries), func(i int) bool {
		return u.entries[i].ik.Compare(entry.ik) != key.Lt
	})
	if pos < len(u.entries) && u.entries[pos].ik.Compare(entry.ik) == key.Eq {
		return errors.Wrapf(ErrDuplicateKey, "index key %s", entry.ik)
	}

	u.entries = append(u.entries, nil)
	copy(u.entries[pos+1:], u.entries[pos:])
	u.entries[pos] = entry
	return nil
}

// 序列号为 0 表示尚未分配
func (u *Update) SequenceNumber() uint64 {
	return u.seq
}

// 序列号一经分配不可修改
func (u *Update) SetSequenceNumber(seq uint64) error {
	if u.seq != 0 {
		return errors.Wrapf(ErrSequenceAssigned, "seq %d", u.seq)
	}
	u.seq = seq
	return nil
}

func (u *Update) Id() key.Key {
	return u.id
}

func (u *Update) Metadata() key.Key {
	return u.metadata
}

func (u *Update) Arena() *key.Arena {
	return u.arena
}

func (u *Update) Entries() []*Entry {
	return u.entries
}

// 近似的内存占用，单位 byte
func (u *Update) Size() int {
	return u.arena.Size() + len(u.entries)*entryOverhead
}

// 设置持久化通知. 通知随 update 一起移交给 memory layer
func (u *Update) SetNotification(n *PersistenceNotification) {
	u.notification = n
}

// 取走持久化通知，之后由调用方负责触发
func (u *Update) TakeNotification() *PersistenceNotification {
	n := u.notification
	u.notification = nil
	return n
}

func (e *Entry) IndexKey() key.IndexKey {
	return e.ik
}

func (e *Entry) Value() key.Key {
	return e.value
}

func (e *Entry) Update() *Update {
	return e.update
}

func (e *Entry) SequenceNumber() uint64 {
	return e.update.seq
}

const entryOverhead = 64

// 持久化结果
type PersistenceResult uint8

const (
	Completed PersistenceResult = iota
	Failed
)

func (r PersistenceResult) String() string {
	if r == Completed {
		return "Completed"
	}
	return "Failed"
}

// 一次性回调，update 所在的 generation 持久化完成（或失败）时恰好触发一次
type PersistenceNotification struct {
	once sync.Once
	fn   func(PersistenceResult)
}

func NewPersistenceNotification(fn func(PersistenceResult)) *PersistenceNotification {
	return &PersistenceNotification{fn: fn}
}

// 重复调用无效果
func (n *PersistenceNotification) Resolve(result PersistenceResult) {
	if n == nil {
		return
	}
	n.once.Do(func() {
		if n.fn != nil {
			n.fn(result)
		}
	})
}
