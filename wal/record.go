package wal

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/xiaoxuxiansheng/goindy/key"
	"github.com/xiaoxuxiansheng/goindy/memtable"
)

// wal 中一个 update 的编码形式
type record struct {
	Seq      uint64     `msgpack:"seq"`
	Metadata key.Key    `msgpack:"meta"`
	Id       key.Key    `msgpack:"id"`
	Entries  []recEntry `msgpack:"entries"`
}

type recEntry struct {
	Index []byte  `msgpack:"index"`
	Key   key.Key `msgpack:"key"`
	Value key.Key `msgpack:"value"`
}

func newRecord(u *memtable.Update) *record {
	r := record{
		Seq:      u.SequenceNumber(),
		Metadata: u.Metadata(),
		Id:       u.Id(),
		Entries:  make([]recEntry, 0, len(u.Entries())),
	}
	for _, e := range u.Entries() {
		ik := e.IndexKey()
		r.Entries = append(r.Entries, recEntry{
			Index: ik.IndexId[:],
			Key:   ik.Key,
			Value: e.Value(),
		})
	}
	return &r
}

func (r *record) toUpdate() (*memtable.Update, error) {
	ops := make(memtable.OpByKey, 0, len(r.Entries))
	for _, e := range r.Entries {
		id, err := uuid.FromBytes(e.Index)
		if err != nil {
			return nil, err
		}
		ops = append(ops, memtable.Op{Key: key.NewIndexKey(id, e.Key), Value: e.Value})
	}
	u, err := memtable.NewUpdate(ops, r.Metadata, r.Id)
	if err != nil {
		return nil, err
	}
	if err = u.SetSequenceNumber(r.Seq); err != nil {
		return nil, err
	}
	return u, nil
}

// wal 文件命名为 <fileID>_<index>.wal，index 与内存层一一对应
func FileName(dir string, fileID uuid.UUID, index int) string {
	return path.Join(dir, fmt.Sprintf("%s_%d.wal", fileID, index))
}

func ParseFileName(name string) (fileID uuid.UUID, index int, ok bool) {
	name = path.Base(name)
	if !strings.HasSuffix(name, ".wal") {
		return uuid.Nil, 0, false
	}
	splitted := strings.Split(strings.TrimSuffix(name, ".wal"), "_")
	if len(splitted) != 2 {
		return uuid.Nil, 0, false
	}
	fileID, err := uuid.Parse(splitted[0])
	if err != nil {
		return uuid.Nil, 0, false
	}
	index, err = strconv.Atoi(splitted[1])
	if err != nil {
		return uuid.Nil, 0, false
	}
	return fileID, index, true
}
