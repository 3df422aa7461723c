package goindy

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/xiaoxuxiansheng/goindy/filter"
	"github.com/xiaoxuxiansheng/goindy/key"
	"github.com/xiaoxuxiansheng/goindy/memtable"
	"github.com/xiaoxuxiansheng/goindy/util"
)

// 逻辑流中各定长记录的大小
const (
	keyEntrySize    = 24 // seq, keyOff, valOff
	hashSlotSize    = 16 // hash, ordinal+1
	updateEntrySize = 40 // seq, metaOff, idOff, bucketOff, numEntries
	bucketEntrySize = 24 // indexSlot, keyOff, valOff
)

var errBuildOrder = errors.New("goindy: generation input out of order")

type keyRef struct {
	seq, keyOff, valOff, hash uint64
}

// 构建中的单个索引
type indexBuild struct {
	id      uuid.UUID
	keys    []keyRef
	last    key.Key
	hasLast bool

	// finish 时回填
	keyIndexOff, hashOff, hashSlots, filterOff, filterLen uint64
}

type bucketRef struct {
	indexId        uuid.UUID
	keyOff, valOff uint64
}

type updateRef struct {
	seq, metaOff, idOff uint64
	entries             []bucketRef
}

// 构建后的概要信息
type genSummary struct {
	numKeys    uint64
	numUpdates uint64
	lowestSeq  uint64
	highestSeq uint64
	numIndexes int
}

// generation 的逻辑流构建器. 与 sst writer 一样先在内存中攒齐全部数据，finish 时一次性排布各段
type genBuilder struct {
	bitsPerKey int
	arena      bytes.Buffer
	dedupe     map[string]uint64
	indexes    map[uuid.UUID]*indexBuild
	updates    []updateRef
	summary    genSummary
	assist     [binary.MaxVarintLen64]byte
}

func newGenBuilder(bitsPerKey int) *genBuilder {
	return &genBuilder{
		bitsPerKey: bitsPerKey,
		dedupe:     make(map[string]uint64),
		indexes:    make(map[uuid.UUID]*indexBuild),
	}
}

// 把 key 写入 value arena，返回逻辑偏移. 编码相同的 key 只写一次
func (b *genBuilder) addKey(k key.Key) uint64 {
	enc := key.Marshal(k)
	if off, ok := b.dedupe[string(enc)]; ok {
		return off
	}
	off := uint64(b.arena.Len())
	n := binary.PutUvarint(b.assist[:], uint64(len(enc)))
	b.arena.Write(b.assist[:n])
	b.arena.Write(enc)
	b.dedupe[string(enc)] = off
	return off
}

func (b *genBuilder) index(id uuid.UUID) *indexBuild {
	ib, ok := b.indexes[id]
	if !ok {
		ib = &indexBuild{id: id}
		b.indexes[id] = ib
	}
	return ib
}

func (b *genBuilder) observeSeq(seq uint64) {
	if b.summary.lowestSeq == 0 || seq < b.summary.lowestSeq {
		b.summary.lowestSeq = seq
	}
	if seq > b.summary.highestSeq {
		b.summary.highestSeq = seq
	}
}

// 追加索引 id 下的一个 key 的当前值. 同一索引内 key 必须严格递增
func (b *genBuilder) addIndexEntry(id uuid.UUID, k, v key.Key, seq uint64) error {
	ib := b.index(id)
	if ib.hasLast && key.Compare(ib.last, k) != key.Lt {
		return errors.Wrapf(errBuildOrder, "index %s key %s after %s", id, k, ib.last)
	}
	ib.last, ib.hasLast = k, true

	ib.keys = append(ib.keys, keyRef{
		seq:    seq,
		keyOff: b.addKey(k),
		valOff: b.addKey(v),
		hash:   k.Hash(),
	})
	b.summary.numKeys++
	b.observeSeq(seq)
	return nil
}

// 追加一个完整的 update. 序列号不能回退，相同序列号的重复回放被保留
func (b *genBuilder) addUpdate(seq uint64, metadata, id key.Key, entries []memtable.EntryItem) error {
	if n := len(b.updates); n > 0 && b.updates[n-1].seq > seq {
		return errors.Wrapf(errBuildOrder, "update %d after %d", seq, b.updates[n-1].seq)
	}

	u := updateRef{
		seq:     seq,
		metaOff: b.addKey(metadata),
		idOff:   b.addKey(id),
		entries: make([]bucketRef, 0, len(entries)),
	}
	for _, entry := range entries {
		b.index(entry.Key.IndexId)
		u.entries = append(u.entries, bucketRef{
			indexId: entry.Key.IndexId,
			keyOff:  b.addKey(entry.Key.Key),
			valOff:  b.addKey(entry.Value),
		})
	}
	b.updates = append(b.updates, u)
	b.summary.numUpdates++
	b.observeSeq(seq)
	return nil
}

func (b *genBuilder) sortedIds() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(b.indexes))
	for id := range b.indexes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	return ids
}

// 排布全部段，返回逻辑流以及 meta 段的位置
func (b *genBuilder) finish() (logical []byte, metaOff, metaLen uint64, summary genSummary) {
	buf := &b.arena
	var word [8]byte
	putWord := func(v uint64) {
		le.PutUint64(word[:], v)
		buf.Write(word[:])
	}

	ids := b.sortedIds()
	slots := make(map[uuid.UUID]uint64, len(ids))

	// 1 每个索引依次写入 key index、hash index、bloom filter
	for i, id := range ids {
		slots[id] = uint64(i)
		ib := b.indexes[id]

		ib.keyIndexOff = uint64(buf.Len())
		for _, ref := range ib.keys {
			putWord(ref.seq)
			putWord(ref.keyOff)
			putWord(ref.valOff)
		}

		ib.hashOff = uint64(buf.Len())
		table := buildHashTable(ib.keys)
		ib.hashSlots = uint64(len(table) / 2)
		for _, w := range table {
			putWord(w)
		}

		var bf filter.Filter = filter.NewBloomFilterForKeys(len(ib.keys), b.bitsPerKey)
		for _, ref := range ib.keys {
			bf.Add(ref.hash)
		}
		bitmap := bf.Hash()
		ib.filterOff = uint64(buf.Len())
		ib.filterLen = uint64(len(bitmap))
		buf.Write(bitmap)
	}

	// 2 update index，紧跟其后的是各 update 的 entry 桶
	updateIndexOff := uint64(buf.Len())
	bucketOff := updateIndexOff + uint64(len(b.updates))*updateEntrySize
	for _, u := range b.updates {
		putWord(u.seq)
		putWord(u.metaOff)
		putWord(u.idOff)
		putWord(bucketOff)
		putWord(uint64(len(u.entries)))
		bucketOff += uint64(len(u.entries)) * bucketEntrySize
	}
	for _, u := range b.updates {
		for _, entry := range u.entries {
			putWord(slots[entry.indexId])
			putWord(entry.keyOff)
			putWord(entry.valOff)
		}
	}

	// 3 meta 段
	meta := NewBlock()
	meta.Append(nil, appendUvarints(nil,
		b.summary.numKeys, b.summary.numUpdates, b.summary.lowestSeq, b.summary.highestSeq,
		updateIndexOff, uint64(len(ids))))
	for _, id := range ids {
		ib := b.indexes[id]
		meta.Append(id[:], appendUvarints(nil,
			uint64(len(ib.keys)), ib.keyIndexOff, ib.hashOff, ib.hashSlots, ib.filterOff, ib.filterLen))
	}
	metaOff = uint64(buf.Len())
	metaLen, _ = meta.FlushTo(buf)

	summary = b.summary
	summary.numIndexes = len(ids)
	return buf.Bytes(), metaOff, metaLen, summary
}

// 开放寻址哈希表，槽位数为 2n 向上取整到 2 的幂. 每个槽位两个字：hash 与 ordinal+1
func buildHashTable(keys []keyRef) []uint64 {
	if len(keys) == 0 {
		return nil
	}
	n := util.NextPowerOfTwo(uint64(len(keys)) * 2)
	table := make([]uint64, n*2)
	mask := n - 1
	for ord, ref := range keys {
		pos := ref.hash & mask
		for table[pos*2+1] != 0 {
			pos = (pos + 1) & mask
		}
		table[pos*2] = ref.hash
		table[pos*2+1] = uint64(ord) + 1
	}
	return table
}

func appendUvarints(dst []byte, vs ...uint64) []byte {
	for _, v := range vs {
		dst = binary.AppendUvarint(dst, v)
	}
	return dst
}

func readUvarints(src []byte, n int) ([]uint64, error) {
	vs := make([]uint64, n)
	for i := range vs {
		v, l := binary.Uvarint(src)
		if l <= 0 {
			return nil, errors.Wrapf(ErrCorruption, "meta field %d of %d", i, n)
		}
		vs[i] = v
		src = src[l:]
	}
	return vs, nil
}
