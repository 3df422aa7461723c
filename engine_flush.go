package goindy

import (
	"context"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xiaoxuxiansheng/goindy/memtable"
	"github.com/xiaoxuxiansheng/goindy/volume"
	"github.com/xiaoxuxiansheng/goindy/wal"
)

// 在引擎的后台 wait group 中运行 fn. 引擎关闭后返回 false
func (e *Engine) goBackground(fn func()) bool {
	e.bgMu.Lock()
	defer e.bgMu.Unlock()
	if e.closed.Load() {
		return false
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
	return true
}

// 运行 flush 协程.
func (e *Engine) flushLoop() {
	for {
		select {
		// 接收到引擎终止信号，退出协程.
		case <-e.stopc:
			return
		// 有内存层切换为只读，需要将其溢写为 generation.
		case <-e.flushc:
			e.files.Range(func(_ uuid.UUID, lf *logicalFile) bool {
				if err := e.flushFile(e.bgCtx, lf); err != nil {
					e.logger.Warn("background flush", zap.Stringer("file", lf.id), zap.Error(err))
				}
				return e.bgCtx.Err() == nil
			})
		}
	}
}

func (e *Engine) signalFlush() {
	select {
	case e.flushc <- struct{}{}:
	default:
	}
}

// 切换读写内存层为只读内存层，并构建新的读写内存层
func (e *Engine) refreshLayerLocked(lf *logicalFile) {
	// 辞旧
	// 将读写内存层切换为只读，追加到 slice 中，并通知 flush 协程将其溢写为 generation.
	lf.rOnly = append(lf.rOnly, &layerItem{
		walFile: e.walFile(lf.id, lf.activeIndex),
		layer:   lf.active,
	})
	if lf.walWriter != nil {
		lf.walWriter.Close()
		lf.walWriter = nil
	}
	e.signalFlush()

	// 迎新
	// 构造一个新的读写内存层. 与之相应的 wal 文件在第一次提交时创建.
	lf.activeIndex++
	lf.active = memtable.NewMemoryLayer(e.seq)
}

// 把 fileID 的读写内存层切换为只读，并同步溢写全部只读内存层
func (e *Engine) Flush(ctx context.Context, fileID uuid.UUID) error {
	if e.closed.Load() {
		return ErrClosed
	}
	lf, ok := e.files.Load(fileID)
	if !ok {
		return nil
	}
	lf.mu.Lock()
	if lf.active.NumUpdates() > 0 {
		e.refreshLayerLocked(lf)
	}
	lf.mu.Unlock()
	return e.flushFile(ctx, lf)
}

// 按切换顺序把只读内存层溢写为 generation. 失败时内存层保留，下一轮重试
func (e *Engine) flushFile(ctx context.Context, lf *logicalFile) error {
	lf.flushMu.Lock()
	defer lf.flushMu.Unlock()

	var flushed int
	for {
		lf.mu.RLock()
		if len(lf.rOnly) == 0 {
			lf.mu.RUnlock()
			break
		}
		item := lf.rOnly[0]
		lf.mu.RUnlock()

		// 1 内存层溢写为 generation
		if item.layer.NumUpdates() > 0 {
			if _, err := WriteDataFile(ctx, e, item.layer, lf.id, lf.nextGen.Add(1)-1, volume.Medium); err != nil {
				return err
			}
			flushed++
		}

		// 2 从只读 slice 中回收对应的内存层
		lf.mu.Lock()
		lf.rOnly = lf.rOnly[1:]
		lf.mu.Unlock()

		// 3 删除相应的预写日志. 内存层落盘后数据已经安全
		if err := e.conf.Fs.Remove(item.walFile); err != nil && !os.IsNotExist(err) {
			e.logger.Warn("remove flushed wal", zap.String("wal", item.walFile), zap.Error(err))
		}
	}

	// 4 尝试引发一轮合并
	if flushed > 0 {
		e.tryTriggerMerge(lf)
	}
	return nil
}

// generation 数达到阈值时，在后台以低优先级合并整条链
func (e *Engine) tryTriggerMerge(lf *logicalFile) {
	if e.conf.MergeThreshold < 0 || len(e.catalog.AppendFileGenSet(lf.id, nil)) < max(e.conf.MergeThreshold, 2) {
		return
	}
	if !lf.mergeMu.TryLock() {
		return
	}

	if !e.goBackground(func() {
		defer lf.mergeMu.Unlock()
		gens := e.catalog.AppendFileGenSet(lf.id, nil)
		if len(gens) < 2 {
			return
		}
		if _, err := e.mergeLocked(e.bgCtx, lf, gens, volume.Low); err != nil {
			e.logger.Warn("background merge", zap.Stringer("file", lf.id), zap.Uint64s("gens", gens), zap.Error(err))
		}
	}) {
		lf.mergeMu.Unlock()
	}
}

func (e *Engine) walFile(fileID uuid.UUID, index int) string {
	return wal.FileName(e.conf.walDir(), fileID, index)
}
