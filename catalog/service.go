package catalog

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xiaoxuxiansheng/goindy/volume"
)

var (
	ErrCorruption   = errors.New("catalog: corruption")
	ErrFileExists   = errors.New("catalog: file generation already exists")
	ErrFileNotFound = errors.New("catalog: file generation not found")
	ErrClosed       = errors.New("catalog: not ready")
	ErrBadLayout    = errors.New("catalog: bad layout")
)

var (
	opsTotal        = metrics.GetOrCreateCounter("goindy_catalog_ops_total")
	sectorsTotal    = metrics.GetOrCreateCounter("goindy_catalog_sectors_total")
	baseImagesTotal = metrics.GetOrCreateCounter("goindy_catalog_base_images_total")
)

// catalog 的状态机
type State uint32

const (
	Uninitialized State = iota
	Loading
	Ready
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	default:
		return "closed"
	}
}

// catalog 在卷上的固定布局：两个基础镜像的头块，以及追加日志环使用的块
type Layout struct {
	Image0    uint64
	Image1    uint64
	AppendLog []uint64
}

// 块 0、1 为镜像头块，之后连续 appendLogBlocks 个块为追加日志
func DefaultLayout(appendLogBlocks int) Layout {
	l := Layout{Image0: 0, Image1: 1}
	for i := 0; i < appendLogBlocks; i++ {
		l.AppendLog = append(l.AppendLog, uint64(2+i))
	}
	return l
}

// 布局占用的最大块号 + 1. 分配器需要把 [0, Reserved) 排除在外
func (l Layout) Reserved() uint64 {
	last := l.Image0
	if l.Image1 > last {
		last = l.Image1
	}
	for _, b := range l.AppendLog {
		if b > last {
			last = b
		}
	}
	return last + 1
}

func (l Layout) imageHead(slot int) uint64 {
	if slot == 0 {
		return l.Image0
	}
	return l.Image1
}

type options struct {
	create                         bool
	abortOnAppendLogScanCorruption bool
	sectorSize                     int
	logger                         *zap.Logger
	fileInit                       func(Entry) error
}

type Option func(*options)

// 为 true 时格式化卷上的 catalog 区域，丢弃已有内容
func WithCreate(create bool) Option {
	return func(o *options) {
		o.create = create
	}
}

// 恢复时追加日志扇区校验失败的处理方式：true 直接失败，false 丢弃该扇区及之后的日志
func WithAbortOnAppendLogScanCorruption(abort bool) Option {
	return func(o *options) {
		o.abortOnAppendLogScanCorruption = abort
	}
}

func WithSectorSize(size int) Option {
	return func(o *options) {
		o.sectorSize = size
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// 从已有状态恢复后，对每个文件回调一次. 调用方借此在分配器中标记文件占用的块
func WithFileInitCb(fn func(Entry) error) Option {
	return func(o *options) {
		o.fileInit = fn
	}
}

type fileMap map[uuid.UUID]map[uint64]Entry

func (m fileMap) apply(d delta) {
	switch d.op {
	case opInsert:
		gens, ok := m[d.entry.FileID]
		if !ok {
			gens = make(map[uint64]Entry)
			m[d.entry.FileID] = gens
		}
		gens[d.entry.GenID] = d.entry
	case opRemove:
		gens := m[d.entry.FileID]
		delete(gens, d.entry.GenID)
		if len(gens) == 0 {
			delete(m, d.entry.FileID)
		}
	}
}

func (m fileMap) clone() fileMap {
	c := make(fileMap, len(m))
	for id, gens := range m {
		cg := make(map[uint64]Entry, len(gens))
		for g, e := range gens {
			cg[g] = e
		}
		c[id] = cg
	}
	return c
}

// 按 (fileID, genID) 有序展开
func (m fileMap) sorted() []Entry {
	var entries []Entry
	for _, gens := range m {
		for _, e := range gens {
			entries = append(entries, e)
		}
	}
	sortEntries(entries)
	return entries
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if c := bytes.Compare(entries[i].FileID[:], entries[j].FileID[:]); c != 0 {
			return c < 0
		}
		return entries[i].GenID < entries[j].GenID
	})
}

type pendingOp struct {
	delta   delta
	trigger *CompletionTrigger
}

// FileService 持久化记录 (fileID, genID) 到卷上位置的映射.
// 内存中的映射在调用时立即生效，变更异步地批量写入追加日志，落盘后通过 CompletionTrigger 通知
type FileService struct {
	vol    *volume.Volume
	alloc  *volume.Allocator
	layout Layout
	opts   options
	logger *zap.Logger

	state atomic.Uint32

	mu    sync.RWMutex
	files fileMap

	queueMu sync.Mutex
	queue   []pendingOp
	notifyc chan struct{}
	stopc   chan struct{}
	donec   chan struct{}

	// 以下字段在加载完成后只由 runner 协程访问
	version         uint64
	ringPos         int
	numSectors      int
	sectorsPerBlock int
	nextSlot        int
	chains          [2][]uint64
	runnerCopy      fileMap
	failed          error
}

// 打开 catalog. create 为 true 时格式化，否则从基础镜像和追加日志恢复
func Open(ctx context.Context, vol *volume.Volume, alloc *volume.Allocator, layout Layout, opts ...Option) (*FileService, error) {
	s := FileService{
		vol:     vol,
		alloc:   alloc,
		layout:  layout,
		notifyc: make(chan struct{}, 1),
		stopc:   make(chan struct{}),
		donec:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(&s.opts)
	}
	if s.opts.sectorSize <= 0 {
		s.opts.sectorSize = DefaultSectorSize
	}
	if s.opts.logger == nil {
		s.opts.logger = zap.L()
	}
	s.logger = s.opts.logger

	if err := s.checkLayout(); err != nil {
		return nil, err
	}
	s.sectorsPerBlock = vol.BlockSize() / s.opts.sectorSize
	s.numSectors = len(layout.AppendLog) * s.sectorsPerBlock

	s.state.Store(uint32(Loading))
	var err error
	if s.opts.create {
		err = s.format(ctx)
	} else {
		err = s.recover(ctx)
	}
	if err != nil {
		s.state.Store(uint32(Closed))
		return nil, err
	}

	s.files = s.runnerCopy.clone()
	if !s.opts.create && s.opts.fileInit != nil {
		for _, e := range s.files.sorted() {
			if err := s.opts.fileInit(e); err != nil {
				s.state.Store(uint32(Closed))
				return nil, errors.Wrapf(err, "init file %s gen %d", e.FileID, e.GenID)
			}
		}
	}

	go s.run()
	s.state.Store(uint32(Ready))
	s.logger.Info("catalog ready",
		zap.Uint64("version", s.version),
		zap.Int("ringPos", s.ringPos),
		zap.Int("files", len(s.files)),
		zap.Bool("created", s.opts.create))
	return &s, nil
}

func (s *FileService) checkLayout() error {
	bs := s.vol.BlockSize()
	if len(s.layout.AppendLog) == 0 {
		return errors.Wrap(ErrBadLayout, "no append log blocks")
	}
	if s.layout.Image0 == s.layout.Image1 {
		return errors.Wrap(ErrBadLayout, "image slots share a block")
	}
	if s.opts.sectorSize < sectorHeaderSize+deltaSize+trailerSize || bs%s.opts.sectorSize != 0 {
		return errors.Wrapf(ErrBadLayout, "sector size %d with block size %d", s.opts.sectorSize, bs)
	}
	if entriesPerImageBlock(bs) < 1 {
		return errors.Wrapf(ErrBadLayout, "block size %d too small for base image", bs)
	}
	if s.layout.Reserved() > s.vol.NumBlocks() {
		return errors.Wrapf(ErrBadLayout, "layout needs %d blocks, volume has %d", s.layout.Reserved(), s.vol.NumBlocks())
	}
	return nil
}

func (s *FileService) State() State {
	return State(s.state.Load())
}

// 登记一个新的 generation. 内存状态立即生效，落盘后 trigger 回调
func (s *FileService) InsertFile(e Entry, trigger *CompletionTrigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != Ready {
		return ErrClosed
	}
	if _, ok := s.files[e.FileID][e.GenID]; ok {
		return errors.Wrapf(ErrFileExists, "file %s gen %d", e.FileID, e.GenID)
	}
	d := delta{op: opInsert, entry: e}
	s.files.apply(d)
	s.enqueue(d, trigger)
	return nil
}

// 移除一个 generation
func (s *FileService) RemoveFile(fileID uuid.UUID, genID uint64, trigger *CompletionTrigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != Ready {
		return ErrClosed
	}
	e, ok := s.files[fileID][genID]
	if !ok {
		return errors.Wrapf(ErrFileNotFound, "file %s gen %d", fileID, genID)
	}
	d := delta{op: opRemove, entry: e}
	s.files.apply(d)
	s.enqueue(d, trigger)
	return nil
}

func (s *FileService) enqueue(d delta, trigger *CompletionTrigger) {
	if trigger != nil {
		trigger.WaitForOneMore()
	}
	opsTotal.Inc()

	s.queueMu.Lock()
	if s.State() == Closed {
		s.queueMu.Unlock()
		if trigger != nil {
			trigger.Callback(ServerShutdown, nil)
		}
		return
	}
	s.queue = append(s.queue, pendingOp{delta: d, trigger: trigger})
	s.queueMu.Unlock()

	select {
	case s.notifyc <- struct{}{}:
	default:
	}
}

func (s *FileService) FindFile(fileID uuid.UUID, genID uint64) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.files[fileID][genID]
	return e, ok
}

// 遍历所有文件，fn 返回 false 时停止. 遍历的是调用时刻的快照
func (s *FileService) ForEachFile(fn func(Entry) bool) {
	s.mu.RLock()
	entries := s.files.sorted()
	s.mu.RUnlock()

	for _, e := range entries {
		if !fn(e) {
			return
		}
	}
}

// 把 fileID 下所有 genID 升序追加到 dst
func (s *FileService) AppendFileGenSet(fileID uuid.UUID, dst []uint64) []uint64 {
	s.mu.RLock()
	start := len(dst)
	for g := range s.files[fileID] {
		dst = append(dst, g)
	}
	s.mu.RUnlock()

	gens := dst[start:]
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })
	return dst
}

// fileID 下的所有 generation，按 genID 升序
func (s *FileService) Files(fileID uuid.UUID) []Entry {
	s.mu.RLock()
	entries := make([]Entry, 0, len(s.files[fileID]))
	for _, e := range s.files[fileID] {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	sortEntries(entries)
	return entries
}

func (s *FileService) FileIDs() []uuid.UUID {
	s.mu.RLock()
	ids := make([]uuid.UUID, 0, len(s.files))
	for id := range s.files {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	return ids
}

// 停止 runner. 尚未落盘的操作以 ServerShutdown 回调
func (s *FileService) Close() error {
	s.queueMu.Lock()
	if s.State() == Closed {
		s.queueMu.Unlock()
		return nil
	}
	s.state.Store(uint32(Closed))
	s.queueMu.Unlock()

	close(s.stopc)
	<-s.donec

	s.queueMu.Lock()
	pending := s.queue
	s.queue = nil
	s.queueMu.Unlock()
	for _, op := range pending {
		if op.trigger != nil {
			op.trigger.Callback(ServerShutdown, nil)
		}
	}
	if len(pending) > 0 {
		s.logger.Warn("catalog closed with pending ops", zap.Int("pending", len(pending)))
	}
	return nil
}
