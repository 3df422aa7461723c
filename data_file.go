package goindy

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xiaoxuxiansheng/goindy/catalog"
	"github.com/xiaoxuxiansheng/goindy/compression"
	"github.com/xiaoxuxiansheng/goindy/key"
	"github.com/xiaoxuxiansheng/goindy/memtable"
	"github.com/xiaoxuxiansheng/goindy/volume"
)

// 一个已经注册到 catalog 的 generation 的概要
type FileInfo struct {
	FileID          uuid.UUID
	GenID           uint64
	StartingBlockId uint64
	NumBlocks       uint64
	FileLength      uint64
	NumKeys         uint64
	NumUpdates      uint64
	NumIndexes      int
	LowestSeq       uint64
	HighestSeq      uint64
	Codec           compression.Type
}

type writeOptions struct {
	releaseUpTo uint64
}

// generation 写入选项
type WriteOption func(*writeOptions)

// 序列号小于 seq 的 update 不再写入 update index，它们的值仍然保留在 key index 中
func WithReleaseUpTo(seq uint64) WriteOption {
	return func(o *writeOptions) {
		o.releaseUpTo = seq
	}
}

// 把一个内存层写成 fileID 的第 genID 个 generation.
// generation 完整写入并在 catalog 中落盘之后才对读者可见；任何一步失败都不会留下可见的 generation.
// 内存层中的持久化通知在返回前被触发
func WriteDataFile(ctx context.Context, e *Engine, layer *memtable.MemoryLayer, fileID uuid.UUID, genID uint64, pri volume.Priority, opts ...WriteOption) (info *FileInfo, err error) {
	start := time.Now()
	defer func() {
		if err != nil {
			flushErrorsTotal.Inc()
			layer.ResolveNotifications(memtable.Failed)
			return
		}
		flushesTotal.Inc()
		flushDuration.UpdateDuration(start)
		layer.ResolveNotifications(memtable.Completed)
	}()

	if e.closed.Load() {
		return nil, ErrClosed
	}

	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}

	// flush 开始之后 layer 不允许再被修改
	layer.Freeze()

	b := newGenBuilder(e.conf.BloomBitsPerKey)

	// 1 key index：同一个 key 只保留序列号最大的一条
	var (
		last    key.IndexKey
		hasLast bool
	)
	if err = layer.ForEachEntry(func(entry *memtable.Entry) error {
		ik := entry.IndexKey()
		if hasLast && ik.Equal(last) {
			return nil
		}
		last, hasLast = ik, true
		return b.addIndexEntry(ik.IndexId, ik.Key, entry.Value(), entry.SequenceNumber())
	}); err != nil {
		return nil, errors.Wrapf(err, "build file %s gen %d", fileID, genID)
	}

	// 2 update index
	if err = layer.ForEachUpdate(func(u *memtable.Update) error {
		if u.SequenceNumber() < o.releaseUpTo {
			return nil
		}
		items := make([]memtable.EntryItem, 0, len(u.Entries()))
		for _, entry := range u.Entries() {
			items = append(items, memtable.EntryItem{Key: entry.IndexKey(), Value: entry.Value()})
		}
		return b.addUpdate(u.SequenceNumber(), u.Metadata(), u.Id(), items)
	}); err != nil {
		return nil, errors.Wrapf(err, "build file %s gen %d", fileID, genID)
	}

	// 3 落盘并注册
	err = e.sched.Run(ctx, pri, func(ctx context.Context) error {
		info, err = e.writeGeneration(ctx, b, fileID, genID, pri)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("data file written",
		zap.Stringer("file", fileID),
		zap.Uint64("gen", genID),
		zap.Uint64("keys", info.NumKeys),
		zap.Uint64("updates", info.NumUpdates),
		zap.Uint64("blocks", info.NumBlocks))
	return info, nil
}

// 写入一个构建好的 generation，并在 catalog 中注册. flush 与 merge 共用.
// catalog 插入落盘是提交点：之前的任何失败都会归还分配的块
func (e *Engine) writeGeneration(ctx context.Context, b *genBuilder, fileID uuid.UUID, genID uint64, pri volume.Priority) (*FileInfo, error) {
	if _, ok := e.catalog.FindFile(fileID, genID); ok {
		return nil, newGenerationError(fileID, "generation already exists", genID)
	}

	logical, metaOff, metaLen, summary := b.finish()
	phys, dirOff, err := encodePages(logical, e.conf.PageSize, e.compressor, metaOff, metaLen)
	if err != nil {
		return nil, errors.Wrapf(err, "encode file %s gen %d", fileID, genID)
	}

	// 1 分配连续的块
	bs := uint64(e.vol.BlockSize())
	numBlocks := (uint64(len(phys)) + bs - 1) / bs
	startBlock, err := e.alloc.Allocate(numBlocks)
	if err != nil {
		return nil, classify(errors.Wrapf(err, "allocate file %s gen %d", fileID, genID))
	}

	registered := false
	defer func() {
		if !registered {
			if ferr := e.alloc.Free(startBlock, numBlocks); ferr != nil {
				e.logger.Error("free blocks of unregistered generation",
					zap.Stringer("file", fileID), zap.Uint64("gen", genID), zap.Error(ferr))
			}
		}
	}()

	// 2 写入全部页并 sync
	if err = e.vol.WriteAt(ctx, phys, int64(startBlock*bs), pri); err != nil {
		return nil, errors.Wrapf(err, "write file %s gen %d", fileID, genID)
	}
	if err = e.vol.Sync(); err != nil {
		return nil, errors.Wrapf(err, "sync file %s gen %d", fileID, genID)
	}

	// 3 注册到 catalog
	entry := catalog.Entry{
		FileID:              fileID,
		GenID:               genID,
		StartingBlockId:     startBlock,
		StartingBlockOffset: dirOff / bs,
		FileLength:          uint64(len(phys)),
		NumKeys:             summary.numKeys,
		LowestSeq:           summary.lowestSeq,
		HighestSeq:          summary.highestSeq,
		Kind:                catalog.DataFile,
	}
	trigger := catalog.NewCompletionTrigger()
	if err = e.catalog.InsertFile(entry, trigger); err != nil {
		if errors.Is(err, catalog.ErrFileExists) {
			return nil, newGenerationError(fileID, "generation already exists", genID)
		}
		return nil, classify(err)
	}

	// 扇区写入后不再取消. 失败时扇区可能已经落盘，块不归还，等待重启后由 catalog 的内容决定
	registered = true
	if err = trigger.Wait(context.WithoutCancel(ctx)); err != nil {
		if rerr := e.catalog.RemoveFile(fileID, genID, nil); rerr != nil {
			e.logger.Warn("withdraw unregistered generation", zap.Stringer("file", fileID), zap.Uint64("gen", genID), zap.Error(rerr))
		}
		return nil, errors.Wrapf(err, "register file %s gen %d", fileID, genID)
	}

	return &FileInfo{
		FileID:          fileID,
		GenID:           genID,
		StartingBlockId: startBlock,
		NumBlocks:       numBlocks,
		FileLength:      entry.FileLength,
		NumKeys:         summary.numKeys,
		NumUpdates:      summary.numUpdates,
		NumIndexes:      summary.numIndexes,
		LowestSeq:       summary.lowestSeq,
		HighestSeq:      summary.highestSeq,
		Codec:           e.compressor.Type(),
	}, nil
}
