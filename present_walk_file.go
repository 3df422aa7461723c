package goindy

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/xiaoxuxiansheng/goindy/key"
	"github.com/xiaoxuxiansheng/goindy/memtable"
)

// generation 上的当前值游标，与内存层的 MemPresentWalker 语义相同.
// generation 中每个 key 只有一个值，因此只需要做前缀匹配
type PresentWalkFile struct {
	cursor  *KeyCursor
	pattern key.Key
	prefix  key.Key
	bounded bool
	upper   *key.Key
	done    bool
}

// 返回与 ik 前缀匹配的每个 key 的值. 索引不存在时游标直接结束
func NewPresentWalkFile(ctx context.Context, f *ReadFile, ik key.IndexKey) *PresentWalkFile {
	w := PresentWalkFile{pattern: ik.Key}
	w.prefix, w.bounded = key.FixedPrefix(ik.Key)

	ix, ok := f.Index(ik.IndexId)
	if !ok {
		w.done = true
		return &w
	}
	w.cursor = ix.NewKeyCursor(ctx)
	w.cursor.Seek(w.prefix)
	w.settle()
	return &w
}

// 返回 [from, to] 内每个 key 的值. from 与 to 必须属于同一个索引
func NewPresentWalkFileRange(ctx context.Context, f *ReadFile, from, to key.IndexKey) (*PresentWalkFile, error) {
	if from.IndexId != to.IndexId {
		return nil, errors.Wrapf(memtable.ErrIndexMismatch, "from %s to %s", from.IndexId, to.IndexId)
	}
	w := PresentWalkFile{pattern: key.Free(), upper: &to.Key}

	ix, ok := f.Index(from.IndexId)
	if !ok {
		w.done = true
		return &w, nil
	}
	w.cursor = ix.NewKeyCursor(ctx)
	w.cursor.Seek(from.Key)
	w.settle()
	return &w, nil
}

// 从游标当前位置开始，跳到下一个满足条件的 key
func (w *PresentWalkFile) settle() {
	for ; w.cursor.Valid(); w.cursor.Next() {
		k := w.cursor.Item().Key
		if w.bounded && !key.WithinPrefix(w.prefix, k) {
			w.done = true
			return
		}
		if w.upper != nil && key.Compare(k, *w.upper) == key.Gt {
			w.done = true
			return
		}
		if key.MatchPrefix(w.pattern, k) != key.NoMatch {
			return
		}
	}
	w.done = true
}

func (w *PresentWalkFile) Valid() bool {
	return !w.done && w.cursor.Valid()
}

func (w *PresentWalkFile) Item() memtable.PresentItem {
	return w.cursor.Item()
}

func (w *PresentWalkFile) Next() {
	if !w.Valid() {
		return
	}
	w.cursor.Next()
	w.settle()
}

func (w *PresentWalkFile) Err() error {
	if w.cursor == nil {
		return nil
	}
	return w.cursor.Err()
}

var _ memtable.PresentWalker = (*PresentWalkFile)(nil)
