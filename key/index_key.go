package key

import (
	"bytes"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
)

// IndexKey 定位某个索引中的一个 key. 先按索引 id 排序，再按 key 排序
type IndexKey struct {
	IndexId uuid.UUID
	Key     Key
}

func NewIndexKey(indexId uuid.UUID, k Key) IndexKey {
	return IndexKey{IndexId: indexId, Key: k}
}

func (ik IndexKey) Compare(other IndexKey) Comparison {
	if c := bytes.Compare(ik.IndexId[:], other.IndexId[:]); c != 0 {
		return Comparison(c)
	}
	return Compare(ik.Key, other.Key)
}

func (ik IndexKey) Equal(other IndexKey) bool {
	return ik.IndexId == other.IndexId && EqEq(ik.Key, other.Key)
}

func (ik IndexKey) Hash() uint64 {
	return murmur3.Sum64(ik.IndexId[:]) ^ ik.Key.Hash()
}

func (ik IndexKey) String() string {
	return ik.IndexId.String() + ":" + ik.Key.String()
}

// 按索引 id 比较
func CompareIndexId(a, b uuid.UUID) Comparison {
	return Comparison(bytes.Compare(a[:], b[:]))
}
