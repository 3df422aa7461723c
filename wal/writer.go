package wal

import (
	"encoding/binary"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/xiaoxuxiansheng/goindy/memtable"
)

// 预写日志写入口. 每条记录为 uvarint 长度 | msgpack 编码的 update | xxhash64
type WALWriter struct {
	file         string                      // 预写日志文件名，包含目录在内的路径
	dest         afero.File                  // 预写日志文件
	assistBuffer [binary.MaxVarintLen64]byte // 辅助转移数据使用的临时缓冲区
}

// 构造器. 文件不存在则创建，存在则追加写
func NewWALWriter(fs afero.Fs, file string) (*WALWriter, error) {
	dest, err := fs.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open wal %s", file)
	}

	return &WALWriter{
		file: file,
		dest: dest,
	}, nil
}

func (w *WALWriter) File() string {
	return w.file
}

// 写入一个已经分配了序列号的 update
func (w *WALWriter) Write(u *memtable.Update) error {
	payload, err := msgpack.Marshal(newRecord(u))
	if err != nil {
		return errors.Wrapf(err, "encode update %d", u.SequenceNumber())
	}

	// 依次将长度、负载、校验和填充到 buf 中
	n := binary.PutUvarint(w.assistBuffer[0:], uint64(len(payload)))
	buf := make([]byte, 0, n+len(payload)+8)
	buf = append(buf, w.assistBuffer[:n]...)
	buf = append(buf, payload...)
	buf = binary.LittleEndian.AppendUint64(buf, xxhash.Sum64(payload))

	// 一次写入，避免与其他记录交错
	if _, err = w.dest.Write(buf); err != nil {
		return errors.Wrapf(err, "append wal %s", w.file)
	}
	return nil
}

func (w *WALWriter) Sync() error {
	return w.dest.Sync()
}

func (w *WALWriter) Close() {
	_ = w.dest.Close()
}
