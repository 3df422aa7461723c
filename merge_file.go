package goindy

import (
	"bytes"
	"container/heap"
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xiaoxuxiansheng/goindy/key"
	"github.com/xiaoxuxiansheng/goindy/volume"
)

// 把 fileID 的 genIDs 合并成第 outGenID 个 generation.
// 同一个 key 取序列号最大的值，输入顺序无关；全部 update 都保留，合并结果可以完整回放每个输入.
// 合并在调度器上以 pri 运行，失败时不注册任何 generation. 输入的退役由调用方负责
func MergeFiles(ctx context.Context, e *Engine, fileID uuid.UUID, genIDs []uint64, outGenID uint64, pri volume.Priority, opts ...WriteOption) (info *FileInfo, err error) {
	start := time.Now()
	defer func() {
		if err != nil {
			mergeErrorsTotal.Inc()
			return
		}
		mergesTotal.Inc()
		mergeDuration.UpdateDuration(start)
	}()

	if e.closed.Load() {
		return nil, ErrClosed
	}
	if len(genIDs) == 0 {
		return nil, newGenerationError(fileID, "no merge input", outGenID)
	}

	// 1 输入不能重复，输出不能与已有 generation 冲突
	seen := make(map[uint64]struct{}, len(genIDs))
	for _, gen := range genIDs {
		if _, ok := seen[gen]; ok {
			return nil, newGenerationError(fileID, "duplicate merge input", gen)
		}
		seen[gen] = struct{}{}
	}
	if _, ok := seen[outGenID]; ok {
		return nil, newGenerationError(fileID, "merge output is also an input", outGenID)
	}
	if _, ok := e.catalog.FindFile(fileID, outGenID); ok {
		return nil, newGenerationError(fileID, "merge output already exists", outGenID)
	}

	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}

	err = e.sched.Run(ctx, pri, func(ctx context.Context) error {
		info, err = e.mergeFiles(ctx, fileID, genIDs, outGenID, pri, o)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("generations merged",
		zap.Stringer("file", fileID),
		zap.Uint64s("inputs", genIDs),
		zap.Uint64("gen", outGenID),
		zap.Uint64("keys", info.NumKeys),
		zap.Uint64("updates", info.NumUpdates))
	return info, nil
}

func (e *Engine) mergeFiles(ctx context.Context, fileID uuid.UUID, genIDs []uint64, outGenID uint64, pri volume.Priority, o writeOptions) (*FileInfo, error) {
	// 1 并发打开全部输入
	files := make([]*ReadFile, len(genIDs))
	defer func() {
		for _, f := range files {
			if f != nil {
				_ = f.Close()
			}
		}
	}()
	g, gctx := errgroup.WithContext(ctx)
	for i, gen := range genIDs {
		g.Go(func() error {
			f, err := OpenReadFile(gctx, e, fileID, gen, pri)
			if err != nil {
				return errors.Wrapf(err, "open merge input %d", gen)
			}
			files[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// 2 按序列号排列输入，调用方给出的顺序不可信
	inputs := append([]*ReadFile(nil), files...)
	sort.Slice(inputs, func(i, j int) bool {
		if inputs[i].HighestSeq() != inputs[j].HighestSeq() {
			return inputs[i].HighestSeq() < inputs[j].HighestSeq()
		}
		return inputs[i].GenID() < inputs[j].GenID()
	})

	b := newGenBuilder(e.conf.BloomBitsPerKey)

	// 3 每个索引做一次多路归并
	for _, id := range unionIndexIds(inputs) {
		if err := mergeIndex(ctx, b, fileID, id, inputs); err != nil {
			return nil, err
		}
	}

	// 4 全部 update 按序列号回放进新的 generation
	w := newUpdateWalk(ctx, inputs, o.releaseUpTo)
	for ; w.Valid(); w.Next() {
		item := w.Item()
		if err := b.addUpdate(item.SequenceNumber, item.Metadata, item.Id, item.Entries); err != nil {
			return nil, err
		}
	}
	if err := w.Err(); err != nil {
		return nil, err
	}

	// 5 落盘并注册
	return e.writeGeneration(ctx, b, fileID, outGenID, pri)
}

func unionIndexIds(files []*ReadFile) []uuid.UUID {
	set := make(map[uuid.UUID]struct{})
	for _, f := range files {
		for _, id := range f.IndexIds() {
			set[id] = struct{}{}
		}
	}
	ids := make([]uuid.UUID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	return ids
}

type mergeCursor struct {
	c     *KeyCursor
	gen   uint64
	order int
}

// key 升序；同一个 key 序列号大的在前，序列号相同时靠后的输入在前
type mergeHeap []*mergeCursor

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	a, b := h[i].c.Item(), h[j].c.Item()
	if c := key.Compare(a.Key, b.Key); c != key.Eq {
		return c == key.Lt
	}
	if a.SequenceNumber != b.SequenceNumber {
		return a.SequenceNumber > b.SequenceNumber
	}
	return h[i].order > h[j].order
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(*mergeCursor)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return c
}

// 单个索引的多路归并. 同一个 key 只保留序列号最大的值；
// 序列号相同说明是同一次写入的重复回放，值不同即为歧义
func mergeIndex(ctx context.Context, b *genBuilder, fileID, id uuid.UUID, inputs []*ReadFile) error {
	var h mergeHeap
	for i, f := range inputs {
		ix, ok := f.Index(id)
		if !ok {
			continue
		}
		c := ix.NewKeyCursor(ctx)
		if err := c.Err(); err != nil {
			return err
		}
		if c.Valid() {
			h = append(h, &mergeCursor{c: c, gen: f.GenID(), order: i})
		}
	}
	heap.Init(&h)

	for len(h) > 0 {
		top := h[0]
		win := top.c.Item()

		// 推进所有停在同一个 key 上的游标
		for len(h) > 0 && key.Compare(h[0].c.Item().Key, win.Key) == key.Eq {
			cur := h[0]
			if item := cur.c.Item(); cur != top && item.SequenceNumber == win.SequenceNumber && key.NeEq(item.Value, win.Value) {
				return newGenerationError(fileID, "same sequence number with different values for key "+win.Key.String(), top.gen, cur.gen)
			}
			cur.c.Next()
			if err := cur.c.Err(); err != nil {
				return err
			}
			if cur.c.Valid() {
				heap.Fix(&h, 0)
			} else {
				heap.Pop(&h)
			}
		}

		if err := b.addIndexEntry(id, win.Key, win.Value, win.SequenceNumber); err != nil {
			return err
		}
	}
	return nil
}
