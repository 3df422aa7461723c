package goindy

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/xiaoxuxiansheng/goindy/catalog"
	"github.com/xiaoxuxiansheng/goindy/compression"
	"github.com/xiaoxuxiansheng/goindy/key"
	"github.com/xiaoxuxiansheng/goindy/memtable"
	"github.com/xiaoxuxiansheng/goindy/sched"
	"github.com/xiaoxuxiansheng/goindy/volume"
	"github.com/xiaoxuxiansheng/goindy/wal"
)

// 1 基于 config 打开卷与 catalog，并从 wal 还原内存层
// 2 提交 update
// 3 查询当前值
// 4 后台把内存层落盘为 generation，并按阈值合并
type Engine struct {
	conf *Config

	vol        *volume.Volume
	alloc      *volume.Allocator
	cache      *volume.Cache
	catalog    *catalog.FileService
	sched      *sched.Scheduler
	compressor compression.Compressor
	seq        *memtable.Sequencer

	// 逻辑文件，按需创建
	files *xsync.MapOf[uuid.UUID, *logicalFile]
	// 已经打开过的 generation 句柄
	gens *xsync.MapOf[genKey, *genHandle]

	// 内存层切换之后通过该 chan 通知 flush 协程
	flushc chan struct{}
	// 引擎停止时通过该 chan 传递信号
	stopc chan struct{}
	// 后台任务使用的 context，引擎关闭时取消
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgMu     sync.Mutex
	wg       sync.WaitGroup

	closed atomic.Bool
	logger *zap.Logger
}

type genKey struct {
	fileID uuid.UUID
	gen    uint64
}

// 一个逻辑文件：一个读写内存层，若干等待落盘的只读内存层，以及 catalog 中的 generation 链
type logicalFile struct {
	id uuid.UUID

	// 读写内存层时使用的锁
	mu sync.RWMutex
	// 读写内存层
	active *memtable.MemoryLayer
	// 只读内存层，按切换顺序排列
	rOnly []*layerItem
	// 预写日志写入口. 第一次提交时才创建
	walWriter *wal.WALWriter
	// 内存层 index，与 wal 文件一一对应
	activeIndex int

	// 同一时刻只有一个 flush
	flushMu sync.Mutex
	// 同一时刻只有一个 merge
	mergeMu sync.Mutex

	// 下一个 generation 号
	nextGen atomic.Uint64
}

type layerItem struct {
	walFile string
	layer   *memtable.MemoryLayer
}

// 打开存储引擎
func Open(conf *Config) (*Engine, error) {
	// 1 构造引擎实例
	e := Engine{
		conf:   conf,
		files:  xsync.NewMapOf[uuid.UUID, *logicalFile](),
		gens:   xsync.NewMapOf[genKey, *genHandle](),
		flushc: make(chan struct{}, 1),
		stopc:  make(chan struct{}),
		logger: conf.Logger,
	}
	e.bgCtx, e.bgCancel = context.WithCancel(context.Background())

	var err error
	if e.compressor, err = compression.NewCompressor(conf.Compression); err != nil {
		return nil, err
	}
	if e.cache, err = volume.NewCache(conf.PageCacheSize, conf.BlockCacheSize); err != nil {
		return nil, errors.Mark(err, ErrResourceExhausted)
	}

	// 2 打开卷与 catalog，还原出 generation 链
	if err = e.constructCatalog(); err != nil {
		return nil, err
	}

	e.sched = sched.New(sched.Config{
		Workers:        conf.Workers,
		LowConcurrency: conf.LowConcurrency,
		Logger:         conf.Logger,
	})

	// 3 读取 wal 还原出内存层
	if err = e.constructLayers(); err != nil {
		e.files.Range(func(_ uuid.UUID, lf *logicalFile) bool {
			if lf.walWriter != nil {
				lf.walWriter.Close()
			}
			return true
		})
		e.bgCancel()
		e.sched.Stop()
		_ = e.catalog.Close()
		_ = e.vol.Close()
		return nil, err
	}

	// 4 运行 flush 协程
	e.goBackground(e.flushLoop)

	e.logger.Info("engine opened",
		zap.String("dir", conf.Dir),
		zap.Int("files", e.files.Size()),
		zap.Uint64("seq", e.seq.Last()))
	return &e, nil
}

// 关闭引擎. 尚未落盘的内存层仍保留在 wal 中，下次打开时还原
func (e *Engine) Close() error {
	e.bgMu.Lock()
	if !e.closed.CompareAndSwap(false, true) {
		e.bgMu.Unlock()
		return nil
	}
	e.bgMu.Unlock()

	close(e.stopc)
	e.bgCancel()
	e.wg.Wait()

	e.files.Range(func(_ uuid.UUID, lf *logicalFile) bool {
		lf.mu.Lock()
		defer lf.mu.Unlock()
		if lf.walWriter != nil {
			lf.walWriter.Close()
			lf.walWriter = nil
		}
		lf.active.ResolveNotifications(memtable.Failed)
		for _, item := range lf.rOnly {
			item.layer.ResolveNotifications(memtable.Failed)
		}
		return true
	})

	e.sched.Stop()
	err := e.catalog.Close()
	if verr := e.vol.Close(); err == nil {
		err = verr
	}
	e.logger.Info("engine closed", zap.Uint64("seq", e.seq.Last()))
	return err
}

// 已经分配出去的最大序列号
func (e *Engine) LastSequenceNumber() uint64 {
	return e.seq.Last()
}

func (e *Engine) logicalFile(fileID uuid.UUID) *logicalFile {
	lf, _ := e.files.LoadOrCompute(fileID, func() *logicalFile {
		return e.newLogicalFile(fileID, 0)
	})
	return lf
}

func (e *Engine) newLogicalFile(fileID uuid.UUID, activeIndex int) *logicalFile {
	lf := logicalFile{
		id:          fileID,
		active:      memtable.NewMemoryLayer(e.seq),
		activeIndex: activeIndex,
	}
	var next uint64
	for _, g := range e.catalog.AppendFileGenSet(fileID, nil) {
		if g >= next {
			next = g + 1
		}
	}
	lf.nextGen.Store(next)
	return &lf
}

// 以一个 update 的形式原子地提交 ops. 返回分配的序列号.
// notify 非空时，update 所在内存层落盘成功或失败后被回调
func (e *Engine) Commit(ctx context.Context, fileID uuid.UUID, ops memtable.OpByKey, metadata, id key.Key, notify func(memtable.PersistenceResult)) (uint64, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	u, err := memtable.NewUpdate(ops, metadata, id)
	if err != nil {
		return 0, err
	}

	// 1 加写锁
	lf := e.logicalFile(fileID)
	lf.mu.Lock()
	defer lf.mu.Unlock()

	// 2 分配序列号. 在文件锁内分配，保证同一个文件内序列号与写入顺序一致
	seq := e.seq.Next()
	if err = u.SetSequenceNumber(seq); err != nil {
		return 0, err
	}
	if notify != nil {
		u.SetNotification(memtable.NewPersistenceNotification(notify))
	}

	// 3 预写日志，防止宕机引起内存层数据丢失
	if lf.walWriter == nil {
		if lf.walWriter, err = wal.NewWALWriter(e.conf.Fs, e.walFile(fileID, lf.activeIndex)); err != nil {
			return 0, err
		}
	}
	if err = lf.walWriter.Write(u); err != nil {
		return 0, err
	}
	if e.conf.SyncWAL {
		if err = lf.walWriter.Sync(); err != nil {
			return 0, errors.Wrapf(err, "sync wal %s", lf.walWriter.File())
		}
	}

	// 4 写入读写内存层
	if err = lf.active.Insert(u); err != nil {
		return 0, err
	}
	commitsTotal.Inc()

	// 5 内存层达到阈值后切换
	if lf.active.Size() >= e.conf.MemLayerSize {
		e.refreshLayerLocked(lf)
	}
	return seq, nil
}

// 读取 ik 的当前值. 依次查读写内存层、只读内存层（新到旧）、generation（新到旧）
func (e *Engine) Get(ctx context.Context, fileID uuid.UUID, ik key.IndexKey, pri volume.Priority) (key.Key, bool, error) {
	if e.closed.Load() {
		return key.Key{}, false, ErrClosed
	}

	if lf, ok := e.files.Load(fileID); ok {
		lf.mu.RLock()
		// 1 读写内存层
		if v, ok := layerGet(lf.active, ik); ok {
			lf.mu.RUnlock()
			return v, true, nil
		}
		// 2 只读内存层. index 越大，数据越晚写入
		for i := len(lf.rOnly) - 1; i >= 0; i-- {
			if v, ok := layerGet(lf.rOnly[i].layer, ik); ok {
				lf.mu.RUnlock()
				return v, true, nil
			}
		}
		lf.mu.RUnlock()
	}

	// 3 generation，序列号越大越新. 遍历期间遇到并发合并退役的 generation 时重新获取链
	for retry := 0; ; retry++ {
		v, ok, err := e.chainGet(ctx, fileID, ik, pri)
		if errors.Is(err, ErrGenerationNotFound) && retry < maxChainRetries {
			continue
		}
		if err != nil || ok {
			return v, ok, err
		}
		break
	}

	// 4 至此都没有读到数据，返回不存在
	return key.Key{}, false, nil
}

const maxChainRetries = 3

func (e *Engine) chainGet(ctx context.Context, fileID uuid.UUID, ik key.IndexKey, pri volume.Priority) (key.Key, bool, error) {
	for _, entry := range e.Generations(fileID) {
		v, ok, err := e.genGet(ctx, entry, ik, pri)
		if err != nil || ok {
			return v, ok, err
		}
	}
	return key.Key{}, false, nil
}

func layerGet(layer *memtable.MemoryLayer, ik key.IndexKey) (key.Key, bool) {
	w := layer.NewPresentWalker(ik)
	if !w.Valid() {
		return key.Key{}, false
	}
	item := w.Item()
	if !key.EqEq(item.Key, ik.Key) {
		return key.Key{}, false
	}
	return item.Value, true
}

func (e *Engine) genGet(ctx context.Context, entry catalog.Entry, ik key.IndexKey, pri volume.Priority) (key.Key, bool, error) {
	f, err := OpenReadFile(ctx, e, entry.FileID, entry.GenID, pri)
	if err != nil {
		return key.Key{}, false, err
	}
	defer f.Close()

	ix, ok := f.Index(ik.IndexId)
	if !ok {
		return key.Key{}, false, nil
	}
	return ix.Get(ctx, ik.Key)
}

// fileID 当前可见的 generation，按最大序列号从新到旧
func (e *Engine) Generations(fileID uuid.UUID) []catalog.Entry {
	entries := e.catalog.Files(fileID)
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].HighestSeq != entries[j].HighestSeq {
			return entries[i].HighestSeq > entries[j].HighestSeq
		}
		return entries[i].GenID > entries[j].GenID
	})
	return entries
}

// 全部逻辑文件，包括只存在于内存层中的
func (e *Engine) FileIDs() []uuid.UUID {
	set := make(map[uuid.UUID]struct{})
	for _, id := range e.catalog.FileIDs() {
		set[id] = struct{}{}
	}
	e.files.Range(func(id uuid.UUID, _ *logicalFile) bool {
		set[id] = struct{}{}
		return true
	})
	ids := make([]uuid.UUID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return key.CompareIndexId(ids[i], ids[j]) == key.Lt })
	return ids
}

// 分配 fileID 的下一个 generation 号
func (e *Engine) NextGenID(fileID uuid.UUID) uint64 {
	return e.logicalFile(fileID).nextGen.Add(1) - 1
}

// 合并 fileID 的 genIDs，成功后退役全部输入. 返回新的 generation.
// 输入必须是序列号上相邻的一段，否则合并结果会遮住夹在中间的 generation
func (e *Engine) Merge(ctx context.Context, fileID uuid.UUID, genIDs []uint64, pri volume.Priority) (*FileInfo, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	lf := e.logicalFile(fileID)
	lf.mergeMu.Lock()
	defer lf.mergeMu.Unlock()
	return e.mergeLocked(ctx, lf, genIDs, pri)
}

func (e *Engine) mergeLocked(ctx context.Context, lf *logicalFile, genIDs []uint64, pri volume.Priority) (*FileInfo, error) {
	if err := e.checkContiguous(lf.id, genIDs); err != nil {
		return nil, err
	}

	outGen := lf.nextGen.Add(1) - 1
	info, err := MergeFiles(ctx, e, lf.id, genIDs, outGen, pri)
	if err != nil {
		return nil, err
	}

	// 新 generation 已经可见，退役输入
	for _, gen := range genIDs {
		if err = e.retireGen(ctx, lf.id, gen); err != nil {
			return info, errors.Wrapf(err, "retire file %s gen %d", lf.id, gen)
		}
	}
	return info, nil
}

// genIDs 在按序列号排列的 generation 链上必须连续
func (e *Engine) checkContiguous(fileID uuid.UUID, genIDs []uint64) error {
	chain := e.Generations(fileID)
	pos := make(map[uint64]int, len(chain))
	for i, entry := range chain {
		pos[entry.GenID] = i
	}
	lo, hi := len(chain), -1
	for _, gen := range genIDs {
		i, ok := pos[gen]
		if !ok {
			return errors.Wrapf(ErrGenerationNotFound, "file %s gen %d", fileID, gen)
		}
		lo, hi = min(lo, i), max(hi, i)
	}
	if len(genIDs) > 0 && hi-lo+1 != len(genIDs) {
		return newGenerationError(fileID, "merge inputs are not contiguous", genIDs...)
	}
	return nil
}

// 获取 generation 句柄的一个引用
func (e *Engine) acquireGen(fileID uuid.UUID, genID uint64) (*genHandle, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	k := genKey{fileID: fileID, gen: genID}
	for {
		entry, ok := e.catalog.FindFile(fileID, genID)
		if !ok {
			return nil, errors.Wrapf(ErrGenerationNotFound, "file %s gen %d", fileID, genID)
		}

		h, _ := e.gens.LoadOrCompute(k, func() *genHandle {
			return &genHandle{e: e, entry: entry}
		})
		if h.entry != entry {
			// 同号 generation 被删除后重建过
			e.gens.Compute(k, func(old *genHandle, loaded bool) (*genHandle, bool) {
				return old, !loaded || old == h
			})
			continue
		}
		if !h.acquire() {
			// 已退役，等待 catalog 中的记录消失
			if _, ok := e.catalog.FindFile(fileID, genID); !ok {
				return nil, errors.Wrapf(ErrGenerationNotFound, "file %s gen %d", fileID, genID)
			}
			e.gens.Compute(k, func(old *genHandle, loaded bool) (*genHandle, bool) {
				return old, !loaded || old == h
			})
			continue
		}

		// 获取引用期间 generation 可能已经被移除
		if _, ok := e.catalog.FindFile(fileID, genID); !ok {
			h.release()
			return nil, errors.Wrapf(ErrGenerationNotFound, "file %s gen %d", fileID, genID)
		}
		return h, nil
	}
}

// 从 catalog 中移除 generation，并在最后一个读者关闭后归还块
func (e *Engine) retireGen(ctx context.Context, fileID uuid.UUID, genID uint64) error {
	entry, ok := e.catalog.FindFile(fileID, genID)
	if !ok {
		return errors.Wrapf(ErrGenerationNotFound, "file %s gen %d", fileID, genID)
	}

	// 1 catalog 中删除并落盘
	trigger := catalog.NewCompletionTrigger()
	if err := e.catalog.RemoveFile(fileID, genID, trigger); err != nil {
		return classify(err)
	}
	if err := trigger.Wait(context.WithoutCancel(ctx)); err != nil {
		return classify(err)
	}

	// 2 句柄退役
	k := genKey{fileID: fileID, gen: genID}
	h, _ := e.gens.LoadOrCompute(k, func() *genHandle {
		return &genHandle{e: e, entry: entry}
	})
	h.retire()
	e.gens.Compute(k, func(old *genHandle, loaded bool) (*genHandle, bool) {
		return old, !loaded || old == h
	})

	e.logger.Info("generation retired", zap.Stringer("file", fileID), zap.Uint64("gen", genID))
	return nil
}

// 引擎的运行状态概要
type Stats struct {
	Files        int
	Generations  int
	FreeBlocks   uint64
	CachedPages  int
	CachedBlocks int
	LastSeq      uint64
	Catalog      catalog.State
	// 调度器中排队的任务数，按优先级
	PendingRealTime, PendingMedium, PendingLow int
}

func (e *Engine) Stats() Stats {
	var s Stats
	e.catalog.ForEachFile(func(catalog.Entry) bool {
		s.Generations++
		return true
	})
	s.Files = len(e.FileIDs())
	s.FreeBlocks = e.alloc.FreeBlocks()
	s.CachedPages, s.CachedBlocks = e.cache.Len()
	s.LastSeq = e.seq.Last()
	s.Catalog = e.catalog.State()
	s.PendingRealTime, s.PendingMedium, s.PendingLow = e.sched.Pending()
	return s
}
