package goindy

import (
	"context"
	"path"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/xiaoxuxiansheng/goindy/catalog"
	"github.com/xiaoxuxiansheng/goindy/memtable"
	"github.com/xiaoxuxiansheng/goindy/volume"
	"github.com/xiaoxuxiansheng/goindy/wal"
)

// 打开卷与 catalog，还原出全部 generation 链
func (e *Engine) constructCatalog() error {
	conf := e.conf

	// 1 打开卷，不存在时创建
	vol, created, err := volume.Open(conf.Fs, conf.volumePath(),
		volume.WithBlockSize(conf.BlockSize),
		volume.WithNumBlocks(conf.NumBlocks),
		volume.WithCache(e.cache),
		volume.WithThrottle(volume.NewThrottle(conf.LowPriorityBytesPerSec)),
		volume.WithLogger(conf.Logger))
	if err != nil {
		return err
	}

	// 2 catalog 占用的块不参与分配
	layout := catalog.DefaultLayout(conf.AppendLogBlocks)
	alloc := volume.NewAllocator(layout.Reserved(), vol.NumBlocks())

	// 3 恢复 catalog. 每个已有的 generation 在分配器中标记占用，并推进序列号
	var lastSeq uint64
	svc, err := catalog.Open(context.Background(), vol, alloc, layout,
		catalog.WithCreate(created),
		catalog.WithAbortOnAppendLogScanCorruption(conf.AbortOnAppendLogScanCorruption),
		catalog.WithSectorSize(conf.SectorSize),
		catalog.WithLogger(conf.Logger),
		catalog.WithFileInitCb(func(entry catalog.Entry) error {
			lastSeq = max(lastSeq, entry.HighestSeq)
			if err := alloc.MarkUsed(entry.StartingBlockId, entry.NumBlocks(vol.BlockSize())); err != nil {
				return errors.Mark(err, ErrCorruption)
			}
			return nil
		}))
	if err != nil {
		_ = vol.Close()
		return classify(err)
	}

	e.vol, e.alloc, e.catalog = vol, alloc, svc
	e.seq = memtable.NewSequencer(lastSeq)
	return nil
}

type walEntry struct {
	index int
	file  string
}

// 读取 wal 还原出内存层
func (e *Engine) constructLayers() error {
	fs := e.conf.Fs

	// 1 读 wal 目录，获取所有的 wal 文件，按逻辑文件分组
	raw, err := afero.ReadDir(fs, e.conf.walDir())
	if err != nil {
		return errors.Wrapf(err, "read wal dir %s", e.conf.walDir())
	}
	groups := make(map[uuid.UUID][]walEntry)
	for _, entry := range raw {
		if entry.IsDir() {
			continue
		}
		fileID, index, ok := wal.ParseFileName(entry.Name())
		if !ok {
			continue
		}
		groups[fileID] = append(groups[fileID], walEntry{index: index, file: path.Join(e.conf.walDir(), entry.Name())})
	}

	// 2 依次还原每个逻辑文件
	var pending bool
	for fileID, wals := range groups {
		lf, err := e.restoreFile(fileID, wals)
		if err != nil {
			return err
		}
		e.files.Store(fileID, lf)
		pending = pending || len(lf.rOnly) > 0
	}

	// 3 只读内存层继续推进溢写落盘流程
	if pending {
		e.signalFlush()
	}
	return nil
}

// 基于 wal 文件还原出一系列只读内存层和唯一一个读写内存层
func (e *Engine) restoreFile(fileID uuid.UUID, wals []walEntry) (*logicalFile, error) {
	fs := e.conf.Fs

	// 1 wal 排序，index 单调递增，数据实时性也随之单调递增
	sort.Slice(wals, func(i, j int) bool { return wals[i].index < wals[j].index })

	// 2 已经落盘的序列号不再还原
	var flushedSeq uint64
	for _, entry := range e.catalog.Files(fileID) {
		flushedSeq = max(flushedSeq, entry.HighestSeq)
	}

	lf := e.newLogicalFile(fileID, wals[len(wals)-1].index)
	for i, w := range wals {
		layer := memtable.NewMemoryLayer(e.seq)

		reader, err := wal.NewWALReader(fs, w.file)
		if err != nil {
			return nil, err
		}
		n, err := reader.RestoreToLayer(layer, flushedSeq)
		torn, validLen := reader.Torn(), reader.ValidLen()
		reader.Close()
		if err != nil {
			return nil, classify(err)
		}

		// 尾部写了一半的记录截掉，之后的追加写从完整记录之后开始
		if torn {
			e.logger.Warn("torn wal tail", zap.String("wal", w.file), zap.Int64("validLen", validLen))
			if err = wal.Truncate(fs, w.file, validLen); err != nil {
				return nil, err
			}
		}
		e.logger.Info("wal restored", zap.String("wal", w.file), zap.Int("updates", n))

		// 倘若是最后一个 wal 文件，则作为读写内存层；否则作为只读内存层等待溢写
		if i == len(wals)-1 {
			lf.active = layer
			if lf.walWriter, err = wal.NewWALWriter(fs, w.file); err != nil {
				return nil, err
			}
			continue
		}
		layer.Freeze()
		lf.rOnly = append(lf.rOnly, &layerItem{walFile: w.file, layer: layer})
	}
	return lf, nil
}
