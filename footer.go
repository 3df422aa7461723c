package goindy

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"

	"github.com/xiaoxuxiansheng/goindy/compression"
)

const (
	footerMagic   uint64 = 0x316779646e696f67 // "goindyg1"
	formatVersion uint32 = 1

	footerSize   = 72
	dirEntrySize = 12 // 物理偏移 u64 + 物理长度 u32
	pageOverhead = 1 + 8
)

var le = binary.LittleEndian

// generation 末尾的定长 footer
//
//	0   magic u64
//	8   version u32
//	12  codec u8, pad[3]
//	16  page size u32, pad u32
//	24  num pages u64
//	32  dir offset u64
//	40  dir len u64
//	48  meta offset u64 (逻辑偏移)
//	56  meta len u64
//	64  xxhash64(0:64)
type footer struct {
	codec    compression.Type
	pageSize uint32
	numPages uint64
	dirOff   uint64
	dirLen   uint64
	metaOff  uint64
	metaLen  uint64
}

func (f *footer) encode() []byte {
	buf := make([]byte, footerSize)
	le.PutUint64(buf[0:], footerMagic)
	le.PutUint32(buf[8:], formatVersion)
	buf[12] = byte(f.codec)
	le.PutUint32(buf[16:], f.pageSize)
	le.PutUint64(buf[24:], f.numPages)
	le.PutUint64(buf[32:], f.dirOff)
	le.PutUint64(buf[40:], f.dirLen)
	le.PutUint64(buf[48:], f.metaOff)
	le.PutUint64(buf[56:], f.metaLen)
	le.PutUint64(buf[64:], xxhash.Sum64(buf[:64]))
	return buf
}

// 逻辑流的总长度. meta 是逻辑流的最后一段
func (f *footer) logicalLen() uint64 {
	return f.metaOff + f.metaLen
}

// 解析并校验 footer. fileLength 为 generation 的物理长度
func decodeFooter(buf []byte, fileLength uint64) (footer, error) {
	var f footer
	if len(buf) != footerSize {
		return f, errors.Wrapf(ErrCorruption, "footer of %d bytes", len(buf))
	}
	if magic := le.Uint64(buf[0:]); magic != footerMagic {
		return f, errors.Wrapf(ErrCorruption, "footer magic %#x", magic)
	}
	if sum := le.Uint64(buf[64:]); sum != xxhash.Sum64(buf[:64]) {
		return f, errors.Wrap(ErrChecksumMismatch, "footer")
	}
	if v := le.Uint32(buf[8:]); v != formatVersion {
		return f, errors.Wrapf(ErrCorruption, "format version %d", v)
	}

	f = footer{
		codec:    compression.Type(buf[12]),
		pageSize: le.Uint32(buf[16:]),
		numPages: le.Uint64(buf[24:]),
		dirOff:   le.Uint64(buf[32:]),
		dirLen:   le.Uint64(buf[40:]),
		metaOff:  le.Uint64(buf[48:]),
		metaLen:  le.Uint64(buf[56:]),
	}

	// 各段必须首尾相接
	switch {
	case f.pageSize == 0:
		return f, errors.Wrap(ErrCorruption, "zero page size")
	case f.dirLen != f.numPages*dirEntrySize+8:
		return f, errors.Wrapf(ErrCorruption, "dir len %d for %d pages", f.dirLen, f.numPages)
	case f.dirOff+f.dirLen+footerSize != fileLength:
		return f, errors.Wrapf(ErrCorruption, "dir [%d, +%d) does not end at footer of %d byte file", f.dirOff, f.dirLen, fileLength)
	case f.logicalLen() > f.numPages*uint64(f.pageSize) || f.logicalLen()+uint64(f.pageSize) <= f.numPages*uint64(f.pageSize):
		return f, errors.Wrapf(ErrCorruption, "logical len %d for %d pages of %d", f.logicalLen(), f.numPages, f.pageSize)
	}
	return f, nil
}

// 页目录中的一项
type pageRef struct {
	off uint64
	len uint32
}

func encodeDirectory(dir []pageRef) []byte {
	buf := make([]byte, len(dir)*dirEntrySize+8)
	for i, ref := range dir {
		le.PutUint64(buf[i*dirEntrySize:], ref.off)
		le.PutUint32(buf[i*dirEntrySize+8:], ref.len)
	}
	n := len(dir) * dirEntrySize
	le.PutUint64(buf[n:], xxhash.Sum64(buf[:n]))
	return buf
}

func decodeDirectory(buf []byte, f *footer) ([]pageRef, error) {
	n := len(buf) - 8
	if n < 0 || uint64(n) != f.numPages*dirEntrySize {
		return nil, errors.Wrapf(ErrCorruption, "directory of %d bytes", len(buf))
	}
	if sum := le.Uint64(buf[n:]); sum != xxhash.Sum64(buf[:n]) {
		return nil, errors.Wrap(ErrChecksumMismatch, "page directory")
	}

	dir := make([]pageRef, f.numPages)
	var next uint64
	for i := range dir {
		dir[i] = pageRef{
			off: le.Uint64(buf[i*dirEntrySize:]),
			len: le.Uint32(buf[i*dirEntrySize+8:]),
		}
		// 物理页紧密排列在页目录之前
		if dir[i].off != next || dir[i].len < pageOverhead {
			return nil, errors.Wrapf(ErrCorruption, "page %d at [%d, +%d)", i, dir[i].off, dir[i].len)
		}
		next += uint64(dir[i].len)
	}
	if next != f.dirOff {
		return nil, errors.Wrapf(ErrCorruption, "pages end at %d, directory at %d", next, f.dirOff)
	}
	return dir, nil
}
