package goindy

import (
	"container/heap"
	"context"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/xiaoxuxiansheng/goindy/key"
	"github.com/xiaoxuxiansheng/goindy/memtable"
	"github.com/xiaoxuxiansheng/goindy/volume"
)

// 单个 generation 上的 update 游标
type genUpdateCursor struct {
	ctx   context.Context
	f     *ReadFile
	order int // 在 generation 链中的位置，序列号相同时先回放靠前的
	pos   uint64
	item  *memtable.UpdateItem
}

func (c *genUpdateCursor) seek(fromSeq uint64) error {
	g := c.f.data
	var err error
	c.pos = uint64(sort.Search(int(g.numUpdates), func(i int) bool {
		if err != nil {
			return true
		}
		var seq [1]uint64
		if err = g.r.readWords(c.ctx, g.updateIndexOff+uint64(i)*updateEntrySize, seq[:], c.f.pri); err != nil {
			return true
		}
		return seq[0] >= fromSeq
	}))
	if err != nil {
		return err
	}
	return c.load()
}

// 读出 pos 处的完整 update. 越过末尾时 item 为 nil
func (c *genUpdateCursor) load() error {
	c.item = nil
	g := c.f.data
	if c.pos >= g.numUpdates {
		return nil
	}

	// 1 update index 项
	var words [5]uint64
	if err := g.r.readWords(c.ctx, g.updateIndexOff+c.pos*updateEntrySize, words[:], c.f.pri); err != nil {
		return err
	}
	seq, metaOff, idOff, bucketOff, numEntries := words[0], words[1], words[2], words[3], words[4]
	if bucketOff+numEntries*bucketEntrySize > g.r.footer.metaOff {
		return errors.Wrapf(ErrCorruption, "file %s gen %d update %d bucket [%d, +%d)", g.entry.FileID, g.entry.GenID, seq, bucketOff, numEntries)
	}

	item := memtable.UpdateItem{SequenceNumber: seq, Entries: make([]memtable.EntryItem, 0, numEntries)}
	var err error
	if item.Metadata, err = g.r.readKey(c.ctx, metaOff, nil, c.f.pri); err != nil {
		return err
	}
	if item.Id, err = g.r.readKey(c.ctx, idOff, nil, c.f.pri); err != nil {
		return err
	}

	// 2 entry 桶
	for i := uint64(0); i < numEntries; i++ {
		var bucket [3]uint64
		if err = g.r.readWords(c.ctx, bucketOff+i*bucketEntrySize, bucket[:], c.f.pri); err != nil {
			return err
		}
		if bucket[0] >= uint64(len(g.ids)) {
			return errors.Wrapf(ErrCorruption, "file %s gen %d update %d index slot %d", g.entry.FileID, g.entry.GenID, seq, bucket[0])
		}
		k, err := g.r.readKey(c.ctx, bucket[1], nil, c.f.pri)
		if err != nil {
			return err
		}
		v, err := g.r.readKey(c.ctx, bucket[2], nil, c.f.pri)
		if err != nil {
			return err
		}
		item.Entries = append(item.Entries, memtable.EntryItem{Key: key.NewIndexKey(g.ids[bucket[0]], k), Value: v})
	}
	c.item = &item
	return nil
}

// 按 (序列号, 链中位置) 排列的小顶堆
type updateHeap []*genUpdateCursor

func (h updateHeap) Len() int { return len(h) }

func (h updateHeap) Less(i, j int) bool {
	if h[i].item.SequenceNumber != h[j].item.SequenceNumber {
		return h[i].item.SequenceNumber < h[j].item.SequenceNumber
	}
	return h[i].order < h[j].order
}

func (h updateHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *updateHeap) Push(x any) { *h = append(*h, x.(*genUpdateCursor)) }

func (h *updateHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return c
}

// 按序列号升序回放一条 generation 链上的完整 update.
// 不做去重：同一个 update 出现在多个 generation 中时会被回放多次
type UpdateWalkFile struct {
	files []*ReadFile
	owned bool
	heap  updateHeap
	err   error
}

// 打开 fileID 的 genIDs 这条链，回放序列号不小于 fromSeq 的 update. 用完必须 Close
func NewUpdateWalkFile(ctx context.Context, e *Engine, fileID uuid.UUID, genIDs []uint64, fromSeq uint64, pri volume.Priority) (*UpdateWalkFile, error) {
	files := make([]*ReadFile, 0, len(genIDs))
	for _, gen := range genIDs {
		f, err := OpenReadFile(ctx, e, fileID, gen, pri)
		if err != nil {
			for _, opened := range files {
				_ = opened.Close()
			}
			return nil, err
		}
		files = append(files, f)
	}
	w := newUpdateWalk(ctx, files, fromSeq)
	w.owned = true
	return w, nil
}

// 在已经打开的 generation 上回放. 不持有 files 的所有权
func newUpdateWalk(ctx context.Context, files []*ReadFile, fromSeq uint64) *UpdateWalkFile {
	w := UpdateWalkFile{files: files}
	for i, f := range files {
		c := genUpdateCursor{ctx: ctx, f: f, order: i}
		if err := c.seek(fromSeq); err != nil {
			w.err = err
			return &w
		}
		if c.item != nil {
			w.heap = append(w.heap, &c)
		}
	}
	heap.Init(&w.heap)
	return &w
}

func (w *UpdateWalkFile) Valid() bool {
	return w.err == nil && len(w.heap) > 0
}

func (w *UpdateWalkFile) Item() *memtable.UpdateItem {
	return w.heap[0].item
}

func (w *UpdateWalkFile) Next() {
	if !w.Valid() {
		return
	}
	c := w.heap[0]
	c.pos++
	if err := c.load(); err != nil {
		w.err = err
		return
	}
	if c.item == nil {
		heap.Pop(&w.heap)
		return
	}
	heap.Fix(&w.heap, 0)
}

func (w *UpdateWalkFile) Err() error {
	return w.err
}

func (w *UpdateWalkFile) Close() error {
	if w.owned {
		for _, f := range w.files {
			_ = f.Close()
		}
	}
	w.files = nil
	return nil
}

var _ memtable.UpdateWalker = (*UpdateWalkFile)(nil)
