package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/xiaoxuxiansheng/goindy/memtable"
)

// wal 中间的记录损坏：损坏位置之后仍有完整的记录
var ErrCorruption = errors.New("wal: corruption")

type WALReader struct {
	fs       afero.Fs
	file     string
	src      afero.File
	reader   *bufio.Reader
	validLen int64 // 完整记录覆盖的字节数
	torn     bool  // 尾部存在不完整或校验失败的记录
}

func NewWALReader(fs afero.Fs, file string) (*WALReader, error) {
	src, err := fs.OpenFile(file, os.O_RDONLY, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open wal %s", file)
	}

	return &WALReader{
		fs:     fs,
		file:   file,
		src:    src,
		reader: bufio.NewReader(src),
	}, nil
}

// 读取全部 update. 尾部写了一半的记录被丢弃
func (w *WALReader) ReadAll() ([]*memtable.Update, error) {
	body, err := io.ReadAll(w.reader)
	if err != nil {
		return nil, errors.Wrapf(err, "read wal %s", w.file)
	}

	defer func() {
		_, _ = w.src.Seek(0, io.SeekStart)
		w.reader.Reset(w.src)
	}()

	return w.readAll(body)
}

// 把 wal 中序列号大于 afterSeq 的 update 按写入顺序还原到内存层中.
// 序列号不大于 afterSeq 的部分已经落盘为 generation，跳过
func (w *WALReader) RestoreToLayer(layer *memtable.MemoryLayer, afterSeq uint64) (int, error) {
	updates, err := w.ReadAll()
	if err != nil {
		return 0, err
	}
	var n int
	for _, u := range updates {
		if u.SequenceNumber() <= afterSeq {
			continue
		}
		if err = layer.Insert(u); err != nil {
			return n, errors.Wrapf(err, "restore update %d from %s", u.SequenceNumber(), w.file)
		}
		n++
	}
	return n, nil
}

func (w *WALReader) readAll(body []byte) ([]*memtable.Update, error) {
	var updates []*memtable.Update
	w.validLen, w.torn = 0, false
	reader := bytes.NewReader(body)
	size := int64(len(body))
	for {
		payload, ok := nextRecord(reader)
		if !ok {
			if reader.Len() == 0 && size == w.validLen {
				break
			}
			// 之后没有完整的记录才是写了一半的尾部，否则是中间的记录损坏
			if off, found := findRecord(body, w.validLen+1); found {
				return nil, errors.Wrapf(ErrCorruption, "wal %s: bad record at %d, valid record at %d", w.file, w.validLen, off)
			}
			w.torn = true
			break
		}

		var rec record
		if err := msgpack.Unmarshal(payload, &rec); err != nil {
			return nil, errors.Wrapf(err, "decode wal %s at %d", w.file, w.validLen)
		}
		u, err := rec.toUpdate()
		if err != nil {
			return nil, errors.Wrapf(err, "rebuild update %d from %s", rec.Seq, w.file)
		}
		updates = append(updates, u)
		w.validLen = size - int64(reader.Len())
	}
	return updates, nil
}

// 读出一条完整且校验通过的记录. 不完整或校验失败时返回 false
func nextRecord(reader *bytes.Reader) ([]byte, bool) {
	payloadLen, err := binary.ReadUvarint(reader)
	if err != nil || payloadLen > uint64(reader.Len()) || payloadLen+8 > uint64(reader.Len()) {
		return nil, false
	}

	// 负载 + 8 字节校验和
	buf := make([]byte, payloadLen+8)
	if _, err = io.ReadFull(reader, buf); err != nil {
		return nil, false
	}
	payload := buf[:payloadLen]
	if xxhash.Sum64(payload) != binary.LittleEndian.Uint64(buf[payloadLen:]) {
		return nil, false
	}
	return payload, true
}

// 从 from 开始逐字节查找下一条校验通过的记录
func findRecord(body []byte, from int64) (int64, bool) {
	for off := from; off < int64(len(body)); off++ {
		if _, ok := nextRecord(bytes.NewReader(body[off:])); ok {
			return off, true
		}
	}
	return 0, false
}

func (w *WALReader) ValidLen() int64 {
	return w.validLen
}

func (w *WALReader) Torn() bool {
	return w.torn
}

func (w *WALReader) Close() {
	w.reader.Reset(w.src)
	_ = w.src.Close()
}

// 截掉尾部不完整的记录，保证之后的追加写从完整记录之后开始
func Truncate(fs afero.Fs, file string, size int64) error {
	f, err := fs.OpenFile(file, os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrapf(err, "open wal %s", file)
	}
	defer f.Close()
	if err = f.Truncate(size); err != nil {
		return errors.Wrapf(err, "truncate wal %s to %d", file, size)
	}
	return f.Sync()
}
