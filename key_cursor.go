package goindy

import (
	"context"
	"sort"

	"github.com/xiaoxuxiansheng/goindy/key"
	"github.com/xiaoxuxiansheng/goindy/memtable"
)

// 单个索引上的有序游标：按 key 升序，只能前进，可以 Rewind 从头开始.
// 越过最后一项之后 Valid 返回 false.
// 每一项的 key 与 value 单独由 go 堆持有，游标前进后不再引用，需要保留的项可以直接持有
type KeyCursor struct {
	ix    *IndexFile
	ctx   context.Context
	pos   uint64
	item  memtable.PresentItem
	valid bool
	err   error
}

func (ix *IndexFile) NewKeyCursor(ctx context.Context) *KeyCursor {
	c := KeyCursor{ix: ix, ctx: ctx}
	c.load()
	return &c
}

func (c *KeyCursor) load() {
	c.valid = false
	if c.err != nil || c.pos >= c.ix.meta.numKeys {
		return
	}

	entry, err := c.ix.entryAt(c.ctx, c.pos)
	if err != nil {
		c.err = err
		return
	}
	k, err := c.ix.f.ReadKeyAt(c.ctx, entry.keyOff, nil)
	if err != nil {
		c.err = err
		return
	}
	v, err := c.ix.f.ReadKeyAt(c.ctx, entry.valOff, nil)
	if err != nil {
		c.err = err
		return
	}
	c.item = memtable.PresentItem{Key: k, Value: v, SequenceNumber: entry.seq}
	c.valid = true
}

func (c *KeyCursor) Valid() bool {
	return c.valid
}

func (c *KeyCursor) Item() memtable.PresentItem {
	return c.item
}

// 当前项在 key index 中的序号
func (c *KeyCursor) Position() uint64 {
	return c.pos
}

func (c *KeyCursor) Next() {
	if !c.valid {
		return
	}
	c.pos++
	c.load()
}

// 回到第一项
func (c *KeyCursor) Rewind() {
	c.pos = 0
	c.err = nil
	c.load()
}

// 定位到第一个不小于 k 的 key
func (c *KeyCursor) Seek(k key.Key) {
	c.err = nil
	n := c.ix.meta.numKeys
	c.pos = uint64(sort.Search(int(n), func(i int) bool {
		if c.err != nil {
			return true
		}
		entry, err := c.ix.entryAt(c.ctx, uint64(i))
		if err != nil {
			c.err = err
			return true
		}
		stored, err := c.ix.f.ReadKeyAt(c.ctx, entry.keyOff, nil)
		if err != nil {
			c.err = err
			return true
		}
		return key.Compare(stored, k) != key.Lt
	}))
	c.load()
}

func (c *KeyCursor) Err() error {
	return c.err
}

var _ memtable.PresentWalker = (*KeyCursor)(nil)
