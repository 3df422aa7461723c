package catalog

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/xiaoxuxiansheng/goindy/util"
)

// 文件类型. 目前只有 flush / merge 产出的 generation，保留字段以便扩展
type Kind uint8

const DataFile Kind = 0

func (k Kind) String() string {
	if k == DataFile {
		return "data"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// catalog 中的一条记录，描述某个逻辑文件的一个 generation 在卷上的位置
type Entry struct {
	FileID              uuid.UUID
	GenID               uint64
	StartingBlockId     uint64 // 起始块号
	StartingBlockOffset uint64 // 页目录所在的相对块号
	FileLength          uint64 // 物理字节数
	NumKeys             uint64
	LowestSeq           uint64
	HighestSeq          uint64
	Kind                Kind
}

// 占用的块数
func (e Entry) NumBlocks(blockSize int) uint64 {
	bs := uint64(blockSize)
	return util.AlignUp(e.FileLength, bs) / bs
}

const (
	entryWords = 10
	entrySize  = entryWords * 8
)

var le = binary.LittleEndian

// 定长编码：fileID 占两个字，其余每个字段一个字
func (e *Entry) encode(buf []byte) {
	copy(buf[0:16], e.FileID[:])
	le.PutUint64(buf[16:], e.GenID)
	le.PutUint64(buf[24:], e.StartingBlockId)
	le.PutUint64(buf[32:], e.StartingBlockOffset)
	le.PutUint64(buf[40:], e.FileLength)
	le.PutUint64(buf[48:], e.NumKeys)
	le.PutUint64(buf[56:], e.LowestSeq)
	le.PutUint64(buf[64:], e.HighestSeq)
	le.PutUint64(buf[72:], uint64(e.Kind))
}

func decodeEntry(buf []byte) Entry {
	var e Entry
	copy(e.FileID[:], buf[0:16])
	e.GenID = le.Uint64(buf[16:])
	e.StartingBlockId = le.Uint64(buf[24:])
	e.StartingBlockOffset = le.Uint64(buf[32:])
	e.FileLength = le.Uint64(buf[40:])
	e.NumKeys = le.Uint64(buf[48:])
	e.LowestSeq = le.Uint64(buf[56:])
	e.HighestSeq = le.Uint64(buf[64:])
	e.Kind = Kind(le.Uint64(buf[72:]))
	return e
}
