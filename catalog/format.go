package catalog

import (
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

const (
	sectorMagic uint64 = 0x676f696e64794c47 // "goindyLG"
	imageMagic  uint64 = 0x676f696e64794249 // "goindyBI"

	DefaultSectorSize = 512

	sectorHeaderSize = 24 // magic | version | count
	imageHeaderSize  = 32 // magic | version | next | count
	trailerSize      = 8  // xxhash64
	deltaSize        = 8 + entrySize

	endOfChain = math.MaxUint64
)

type opKind uint64

const (
	opInsert opKind = 1
	opRemove opKind = 2
)

// 追加日志中的一条变更
type delta struct {
	op    opKind
	entry Entry
}

func deltasPerSector(sectorSize int) int {
	return (sectorSize - sectorHeaderSize - trailerSize) / deltaSize
}

func entriesPerImageBlock(blockSize int) int {
	return (blockSize - imageHeaderSize - trailerSize) / entrySize
}

func seal(buf []byte) {
	n := len(buf) - trailerSize
	le.PutUint64(buf[n:], xxhash.Sum64(buf[:n]))
}

func sealed(buf []byte) bool {
	n := len(buf) - trailerSize
	return xxhash.Sum64(buf[:n]) == le.Uint64(buf[n:])
}

// 编码一个追加日志扇区. buf 长度即扇区大小
func encodeSector(buf []byte, version uint64, deltas []delta) {
	clear(buf)
	le.PutUint64(buf[0:], sectorMagic)
	le.PutUint64(buf[8:], version)
	le.PutUint64(buf[16:], uint64(len(deltas)))
	off := sectorHeaderSize
	for i := range deltas {
		le.PutUint64(buf[off:], uint64(deltas[i].op))
		deltas[i].entry.encode(buf[off+8:])
		off += deltaSize
	}
	seal(buf)
}

type sectorState uint8

const (
	sectorValid sectorState = iota
	sectorUnwritten         // 魔数不匹配：从未写过或已被清零
	sectorStale             // 版本号不是期望值
	sectorCorrupt           // 魔数与版本正确但校验失败
)

// 解析追加日志扇区. 只有版本号等于 expected 的扇区才做完整校验
func decodeSector(buf []byte, expected uint64) ([]delta, sectorState) {
	if le.Uint64(buf[0:]) != sectorMagic {
		return nil, sectorUnwritten
	}
	if le.Uint64(buf[8:]) != expected {
		return nil, sectorStale
	}
	if !sealed(buf) {
		return nil, sectorCorrupt
	}

	count := le.Uint64(buf[16:])
	if count > uint64(deltasPerSector(len(buf))) {
		return nil, sectorCorrupt
	}
	deltas := make([]delta, 0, count)
	off := sectorHeaderSize
	for i := uint64(0); i < count; i++ {
		op := opKind(le.Uint64(buf[off:]))
		if op != opInsert && op != opRemove {
			return nil, sectorCorrupt
		}
		deltas = append(deltas, delta{op: op, entry: decodeEntry(buf[off+8:])})
		off += deltaSize
	}
	return deltas, sectorValid
}

// 读取扇区的版本号，不做校验
func sectorVersion(buf []byte) (uint64, bool) {
	if le.Uint64(buf[0:]) != sectorMagic {
		return 0, false
	}
	return le.Uint64(buf[8:]), true
}

// 编码一个基础镜像块. next 为链上下一个块，endOfChain 表示结束
func encodeImageBlock(buf []byte, version, next uint64, entries []Entry) {
	clear(buf)
	le.PutUint64(buf[0:], imageMagic)
	le.PutUint64(buf[8:], version)
	le.PutUint64(buf[16:], next)
	le.PutUint64(buf[24:], uint64(len(entries)))
	off := imageHeaderSize
	for i := range entries {
		entries[i].encode(buf[off:])
		off += entrySize
	}
	seal(buf)
}

var errBadImageBlock = errors.New("catalog: bad base image block")

func decodeImageBlock(buf []byte) (version, next uint64, entries []Entry, err error) {
	if le.Uint64(buf[0:]) != imageMagic {
		return 0, 0, nil, errors.Wrap(errBadImageBlock, "magic")
	}
	if !sealed(buf) {
		return 0, 0, nil, errors.Wrap(errBadImageBlock, "checksum")
	}
	version = le.Uint64(buf[8:])
	next = le.Uint64(buf[16:])
	count := le.Uint64(buf[24:])
	if count > uint64(entriesPerImageBlock(len(buf))) {
		return 0, 0, nil, errors.Wrapf(errBadImageBlock, "count %d", count)
	}
	entries = make([]Entry, 0, count)
	off := imageHeaderSize
	for i := uint64(0); i < count; i++ {
		entries = append(entries, decodeEntry(buf[off:]))
		off += entrySize
	}
	return version, next, entries, nil
}
