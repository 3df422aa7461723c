package goindy

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"

	"github.com/xiaoxuxiansheng/goindy/util"
)

// generation 的 meta 段使用的记录块.
// 每条记录：共享前缀长度 | 剩余键长度 | 值长度 | 剩余键 | 值，key 必须递增写入
type Block struct {
	buffer     [30]byte      // 临时缓冲区
	record     *bytes.Buffer // 记录缓冲区
	entriesCnt int           // kv 对数量
	prevKey    []byte        // 最晚一笔写入的数据的 key
}

func NewBlock() *Block {
	return &Block{
		record: bytes.NewBuffer([]byte{}),
	}
}

// 追加一组kv对到数据块中
func (b *Block) Append(key, value []byte) {
	defer func() {
		b.prevKey = append(b.prevKey[:0], key...)
		b.entriesCnt++
	}()

	// 共享前缀长度
	sharedPrefixLen := util.SharedPrefixLen(b.prevKey, key)

	// 共享键长度、剩余键长度、值长度、剩余键、剩余值
	n := binary.PutUvarint(b.buffer[0:], uint64(sharedPrefixLen))
	n += binary.PutUvarint(b.buffer[n:], uint64(len(key)-sharedPrefixLen))
	n += binary.PutUvarint(b.buffer[n:], uint64(len(value)))

	_, _ = b.record.Write(b.buffer[:n])
	b.record.Write(key[sharedPrefixLen:])
	b.record.Write(value)
}

func (b *Block) Size() int {
	return b.record.Len()
}

func (b *Block) Len() int {
	return b.entriesCnt
}

// 把块中的数据溢写到 writer 中
func (b *Block) FlushTo(dest io.Writer) (uint64, error) {
	defer b.clear()
	n, err := dest.Write(b.ToBytes())
	return uint64(n), err
}

func (b *Block) ToBytes() []byte {
	return b.record.Bytes()
}

// 清理快中的数据
func (b *Block) clear() {
	b.entriesCnt = 0
	b.prevKey = b.prevKey[:0]
	b.record.Reset()
}

// 依次读出块中的记录. 读完后返回 io.EOF
func readRecord(prevKey []byte, buf *bytes.Buffer) (key, value []byte, err error) {
	sharedPrefixLen, err := binary.ReadUvarint(buf)
	if err != nil {
		return nil, nil, err
	}

	keyLen, err := binary.ReadUvarint(buf)
	if err != nil {
		return nil, nil, errors.Wrap(io.ErrUnexpectedEOF, "record key length")
	}

	valLen, err := binary.ReadUvarint(buf)
	if err != nil {
		return nil, nil, errors.Wrap(io.ErrUnexpectedEOF, "record value length")
	}

	if sharedPrefixLen > uint64(len(prevKey)) || keyLen > uint64(buf.Len()) || valLen > uint64(buf.Len())-keyLen {
		return nil, nil, errors.Wrapf(io.ErrUnexpectedEOF, "record shared %d key %d value %d", sharedPrefixLen, keyLen, valLen)
	}

	key = make([]byte, sharedPrefixLen+keyLen)
	copy(key, prevKey[:sharedPrefixLen])
	copy(key[sharedPrefixLen:], buf.Next(int(keyLen)))

	value = make([]byte, valLen)
	copy(value, buf.Next(int(valLen)))
	return key, value, nil
}

// 遍历块中全部记录
func forEachRecord(data []byte, fn func(key, value []byte) error) error {
	var prevKey []byte
	buf := bytes.NewBuffer(data)
	for {
		key, value, err := readRecord(prevKey, buf)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(key, value); err != nil {
			return err
		}
		prevKey = key
	}
}
