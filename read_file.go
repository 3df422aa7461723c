package goindy

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xiaoxuxiansheng/goindy/catalog"
	"github.com/xiaoxuxiansheng/goindy/filter"
	"github.com/xiaoxuxiansheng/goindy/key"
	"github.com/xiaoxuxiansheng/goindy/volume"
)

// 单个索引在 generation 中的位置
type indexMeta struct {
	id          uuid.UUID
	slot        int
	numKeys     uint64
	keyIndexOff uint64
	hashOff     uint64
	hashSlots   uint64
	filterOff   uint64
	filterLen   uint64
	filter      []byte
}

// 打开后的 generation：footer、页目录和 meta 都已校验并常驻内存
type genData struct {
	entry          catalog.Entry
	r              *pagedReader
	numKeys        uint64
	numUpdates     uint64
	lowestSeq      uint64
	highestSeq     uint64
	updateIndexOff uint64
	numIndexes     uint64
	ids            []uuid.UUID // 按 slot 排列
	indexes        map[uuid.UUID]*indexMeta
}

func loadGenData(ctx context.Context, vol *volume.Volume, entry catalog.Entry, pri volume.Priority) (*genData, error) {
	bs := uint64(vol.BlockSize())
	base := int64(entry.StartingBlockId * bs)

	// 1 footer 与页目录
	f, dir, err := readLayout(ctx, vol, entry.FileID, entry.GenID, base, entry.FileLength, pri)
	if err != nil {
		return nil, err
	}
	if f.dirOff/bs != entry.StartingBlockOffset {
		return nil, errors.Wrapf(ErrCorruption, "file %s gen %d directory in block %d, catalog says %d",
			entry.FileID, entry.GenID, f.dirOff/bs, entry.StartingBlockOffset)
	}

	r, err := newPagedReader(vol, entry.FileID, entry.GenID, base, f, dir)
	if err != nil {
		return nil, err
	}
	g := genData{
		entry:   entry,
		r:       r,
		indexes: make(map[uuid.UUID]*indexMeta),
	}

	// 2 meta 段
	meta, err := r.readAt(ctx, f.metaOff, f.metaLen, pri)
	if err != nil {
		return nil, err
	}
	if err = forEachRecord(meta, g.applyMetaRecord); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "file %s gen %d meta", entry.FileID, entry.GenID), ErrCorruption)
	}
	if err = g.validate(f.metaOff); err != nil {
		return nil, errors.Wrapf(err, "file %s gen %d", entry.FileID, entry.GenID)
	}

	// 3 bloom filter 常驻内存
	for _, ix := range g.indexes {
		if ix.filter, err = r.readAt(ctx, ix.filterOff, ix.filterLen, pri); err != nil {
			return nil, err
		}
	}
	return &g, nil
}

func (g *genData) applyMetaRecord(k, v []byte) error {
	// 头记录的 key 为空
	if len(k) == 0 {
		vs, err := readUvarints(v, 6)
		if err != nil {
			return err
		}
		g.numKeys, g.numUpdates, g.lowestSeq, g.highestSeq, g.updateIndexOff = vs[0], vs[1], vs[2], vs[3], vs[4]
		g.numIndexes = vs[5]
		return nil
	}

	id, err := uuid.FromBytes(k)
	if err != nil {
		return errors.Wrap(ErrCorruption, "index id")
	}
	vs, err := readUvarints(v, 6)
	if err != nil {
		return err
	}
	g.indexes[id] = &indexMeta{
		id:          id,
		slot:        len(g.ids),
		numKeys:     vs[0],
		keyIndexOff: vs[1],
		hashOff:     vs[2],
		hashSlots:   vs[3],
		filterOff:   vs[4],
		filterLen:   vs[5],
	}
	g.ids = append(g.ids, id)
	return nil
}

// 各段必须落在 meta 之前，计数必须与 catalog 一致
func (g *genData) validate(metaOff uint64) error {
	if uint64(len(g.ids)) != g.numIndexes {
		return errors.Wrapf(ErrCorruption, "%d index records, meta says %d", len(g.ids), g.numIndexes)
	}
	var numKeys uint64
	for _, id := range g.ids {
		ix := g.indexes[id]
		numKeys += ix.numKeys
		switch {
		case ix.keyIndexOff+ix.numKeys*keyEntrySize > metaOff,
			ix.hashOff+ix.hashSlots*hashSlotSize > metaOff,
			ix.filterOff+ix.filterLen > metaOff,
			ix.hashSlots&(ix.hashSlots-1) != 0,
			ix.numKeys > 0 && ix.hashSlots < ix.numKeys:
			return errors.Wrapf(ErrCorruption, "index %s layout", id)
		}
	}
	if numKeys != g.numKeys || numKeys != g.entry.NumKeys {
		return errors.Wrapf(ErrCorruption, "%d keys in indexes, meta says %d, catalog says %d", numKeys, g.numKeys, g.entry.NumKeys)
	}
	if g.updateIndexOff+g.numUpdates*updateEntrySize > metaOff {
		return errors.Wrapf(ErrCorruption, "update index of %d at %d", g.numUpdates, g.updateIndexOff)
	}
	if !sort.SliceIsSorted(g.ids, func(i, j int) bool { return bytes.Compare(g.ids[i][:], g.ids[j][:]) < 0 }) {
		return errors.Wrap(ErrCorruption, "index ids out of order")
	}
	return nil
}

// generation 的引用计数句柄. 合并之后退役的 generation 在最后一个读者关闭后才归还块
type genHandle struct {
	e     *Engine
	entry catalog.Entry

	mu      sync.Mutex
	refs    int
	retired bool
	data    *genData

	loadMu sync.Mutex
}

func (h *genHandle) acquire() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.retired {
		return false
	}
	h.refs++
	return true
}

func (h *genHandle) release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refs--
	if h.refs == 0 && h.retired {
		h.freeLocked()
	}
}

// 标记退役. 没有读者时立即归还块
func (h *genHandle) retire() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.retired {
		return
	}
	h.retired = true
	if h.refs == 0 {
		h.freeLocked()
	}
}

func (h *genHandle) freeLocked() {
	if h.data != nil {
		h.e.cache.EvictGeneration(h.entry.FileID, h.entry.GenID, uint64(len(h.data.r.dir)))
	}
	if err := h.e.alloc.Free(h.entry.StartingBlockId, h.entry.NumBlocks(h.e.vol.BlockSize())); err != nil {
		h.e.logger.Error("free retired generation",
			zap.Stringer("file", h.entry.FileID), zap.Uint64("gen", h.entry.GenID), zap.Error(err))
	}
}

// 第一次使用时加载 footer、页目录与 meta. 加载失败不缓存，下次重试
func (h *genHandle) load(ctx context.Context, pri volume.Priority) (*genData, error) {
	h.mu.Lock()
	data := h.data
	h.mu.Unlock()
	if data != nil {
		return data, nil
	}

	// 同一个 generation 只加载一次，其它读者等待
	h.loadMu.Lock()
	defer h.loadMu.Unlock()
	h.mu.Lock()
	data = h.data
	h.mu.Unlock()
	if data != nil {
		return data, nil
	}

	data, err := loadGenData(ctx, h.e.vol, h.entry, pri)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.data = data
	h.mu.Unlock()
	return data, nil
}

// 一个 generation 的只读视图. 使用完毕必须 Close
type ReadFile struct {
	h    *genHandle
	data *genData
	pri  volume.Priority
	once sync.Once
}

// 打开 fileID 的第 genID 个 generation
func OpenReadFile(ctx context.Context, e *Engine, fileID uuid.UUID, genID uint64, pri volume.Priority) (*ReadFile, error) {
	h, err := e.acquireGen(fileID, genID)
	if err != nil {
		return nil, err
	}
	data, err := h.load(ctx, pri)
	if err != nil {
		h.release()
		return nil, err
	}
	return &ReadFile{h: h, data: data, pri: pri}, nil
}

// 释放对 generation 的引用. 重复调用无效果
func (f *ReadFile) Close() error {
	f.once.Do(f.h.release)
	return nil
}

func (f *ReadFile) FileID() uuid.UUID {
	return f.data.entry.FileID
}

func (f *ReadFile) GenID() uint64 {
	return f.data.entry.GenID
}

func (f *ReadFile) NumKeys() uint64 {
	return f.data.numKeys
}

func (f *ReadFile) NumUpdates() uint64 {
	return f.data.numUpdates
}

func (f *ReadFile) LowestSeq() uint64 {
	return f.data.lowestSeq
}

func (f *ReadFile) HighestSeq() uint64 {
	return f.data.highestSeq
}

func (f *ReadFile) Priority() volume.Priority {
	return f.pri
}

// 全部索引 id，升序
func (f *ReadFile) IndexIds() []uuid.UUID {
	return append([]uuid.UUID(nil), f.data.ids...)
}

func (f *ReadFile) Index(id uuid.UUID) (*IndexFile, bool) {
	ix, ok := f.data.indexes[id]
	if !ok {
		return nil, false
	}
	return &IndexFile{f: f, meta: ix}, true
}

func (f *ReadFile) Info() FileInfo {
	e := f.data.entry
	return FileInfo{
		FileID:          e.FileID,
		GenID:           e.GenID,
		StartingBlockId: e.StartingBlockId,
		NumBlocks:       e.NumBlocks(f.h.e.vol.BlockSize()),
		FileLength:      e.FileLength,
		NumKeys:         f.data.numKeys,
		NumUpdates:      f.data.numUpdates,
		NumIndexes:      len(f.data.ids),
		LowestSeq:       f.data.lowestSeq,
		HighestSeq:      f.data.highestSeq,
		Codec:           f.data.r.footer.codec,
	}
}

// 反序列化 value arena 中 off 处的 key. arena 为 nil 时由 go 堆持有
func (f *ReadFile) ReadKeyAt(ctx context.Context, off uint64, arena *key.Arena) (key.Key, error) {
	return f.data.r.readKey(ctx, off, arena, f.pri)
}

// generation 中单个索引的读视图
type IndexFile struct {
	f    *ReadFile
	meta *indexMeta
}

func (ix *IndexFile) IndexId() uuid.UUID {
	return ix.meta.id
}

func (ix *IndexFile) NumKeys() uint64 {
	return ix.meta.numKeys
}

// key index 中的一项
type keyEntry struct {
	seq, keyOff, valOff uint64
}

func (ix *IndexFile) entryAt(ctx context.Context, ord uint64) (keyEntry, error) {
	var words [3]uint64
	if err := ix.f.data.r.readWords(ctx, ix.meta.keyIndexOff+ord*keyEntrySize, words[:], ix.f.pri); err != nil {
		return keyEntry{}, err
	}
	return keyEntry{seq: words[0], keyOff: words[1], valOff: words[2]}, nil
}

// 哈希点查. 命中时返回值在 value arena 中的偏移.
// 先过 bloom filter，再线性探测哈希表，只读取探测到的页；哈希相同时按结构比较 key
func (ix *IndexFile) FindInHash(ctx context.Context, k key.Key) (uint64, bool, error) {
	entry, ok, err := ix.find(ctx, k)
	if err != nil || !ok {
		return 0, false, err
	}
	return entry.valOff, true, nil
}

func (ix *IndexFile) find(ctx context.Context, k key.Key) (keyEntry, bool, error) {
	m := ix.meta
	if m.hashSlots == 0 {
		return keyEntry{}, false, nil
	}
	h := k.Hash()
	if !filter.MayContain(m.filter, h) {
		bloomNegatives.Inc()
		return keyEntry{}, false, nil
	}

	r := ix.f.data.r
	mask := m.hashSlots - 1
	pos := h & mask
	var slot [2]uint64
	for i := uint64(0); i < m.hashSlots; i++ {
		if err := r.readWords(ctx, m.hashOff+pos*hashSlotSize, slot[:], ix.f.pri); err != nil {
			return keyEntry{}, false, err
		}
		// 空槽位结束探测
		if slot[1] == 0 {
			return keyEntry{}, false, nil
		}
		if slot[0] == h {
			ord := slot[1] - 1
			if ord >= m.numKeys {
				return keyEntry{}, false, errors.Wrapf(ErrCorruption, "file %s gen %d index %s hash slot %d points at %d of %d",
					r.fileID, r.gen, m.id, pos, ord, m.numKeys)
			}
			entry, err := ix.entryAt(ctx, ord)
			if err != nil {
				return keyEntry{}, false, err
			}
			stored, err := r.readKey(ctx, entry.keyOff, nil, ix.f.pri)
			if err != nil {
				return keyEntry{}, false, err
			}
			if key.EqEq(stored, k) {
				return entry, true, nil
			}
		}
		pos = (pos + 1) & mask
	}
	return keyEntry{}, false, nil
}

// 点查并反序列化值
func (ix *IndexFile) Get(ctx context.Context, k key.Key) (key.Key, bool, error) {
	v, _, ok, err := ix.lookup(ctx, k, nil)
	return v, ok, err
}

func (ix *IndexFile) lookup(ctx context.Context, k key.Key, arena *key.Arena) (key.Key, uint64, bool, error) {
	entry, ok, err := ix.find(ctx, k)
	if err != nil || !ok {
		return key.Key{}, 0, false, err
	}
	v, err := ix.f.data.r.readKey(ctx, entry.valOff, arena, ix.f.pri)
	if err != nil {
		return key.Key{}, 0, false, err
	}
	return v, entry.seq, true, nil
}
