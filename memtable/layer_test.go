package memtable

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaoxuxiansheng/goindy/key"
)

var (
	testIndexA = uuid.MustParse("00000000-0000-0000-0000-0000000000a1")
	testIndexB = uuid.MustParse("00000000-0000-0000-0000-0000000000b2")
)

func mustUpdate(t *testing.T, ops ...Op) *Update {
	u, err := NewUpdate(ops, key.String("meta"), key.Uint(uint64(len(ops))))
	require.NoError(t, err)
	return u
}

func op(index uuid.UUID, k, v key.Key) Op {
	return Op{Key: key.NewIndexKey(index, k), Value: v}
}

func Test_NewUpdate_Duplicate(t *testing.T) {
	_, err := NewUpdate(OpByKey{
		op(testIndexA, key.Int(1), key.Int(1)),
		op(testIndexA, key.Int(1), key.Int(2)),
	}, key.Tuple(), key.Tuple())
	assert.ErrorIs(t, err, ErrDuplicateKey)

	u := mustUpdate(t, op(testIndexA, key.Int(2), key.Int(1)))
	require.NoError(t, u.AddEntry(key.NewIndexKey(testIndexA, key.Int(1)), key.Int(0)))
	assert.ErrorIs(t, u.AddEntry(key.NewIndexKey(testIndexA, key.Int(2)), key.Int(0)), ErrDuplicateKey)
	assert.Equal(t, int64(1), u.Entries()[0].IndexKey().Key.Int())
	assert.Same(t, u, u.Entries()[1].Update())
	assert.Same(t, u.Arena(), u.Entries()[0].Value().Arena())
}

func Test_Update_Sequence(t *testing.T) {
	u := mustUpdate(t, op(testIndexA, key.Int(1), key.Int(1)))
	assert.Zero(t, u.SequenceNumber())
	require.NoError(t, u.SetSequenceNumber(9))
	assert.ErrorIs(t, u.SetSequenceNumber(10), ErrSequenceAssigned)
	assert.Equal(t, uint64(9), u.SequenceNumber())
}

func Test_MemoryLayer_Insert(t *testing.T) {
	seq := NewSequencer(0)
	layer := NewMemoryLayer(seq)

	u1 := mustUpdate(t, op(testIndexA, key.Int(1), key.String("v1")), op(testIndexB, key.Int(1), key.String("b1")))
	u2 := mustUpdate(t, op(testIndexA, key.Int(1), key.String("v2")))
	require.NoError(t, layer.Insert(u1))
	require.NoError(t, layer.Insert(u2))

	assert.Equal(t, uint64(1), u1.SequenceNumber())
	assert.Equal(t, uint64(2), u2.SequenceNumber())
	assert.Equal(t, 2, layer.NumUpdates())
	assert.Equal(t, 3, layer.NumEntries())
	assert.Equal(t, uint64(1), layer.LowestSeq())
	assert.Equal(t, uint64(2), layer.HighestSeq())
	assert.Equal(t, []uuid.UUID{testIndexA, testIndexB}, layer.IndexIds())

	// 同一个 update 不能被接纳两次
	assert.ErrorIs(t, layer.Insert(u1), ErrUpdateAdmitted)

	// 显式序列号必须递增
	u3 := mustUpdate(t, op(testIndexA, key.Int(3), key.Int(3)))
	require.NoError(t, u3.SetSequenceNumber(2))
	assert.ErrorIs(t, layer.Insert(u3), ErrSequenceOrder)

	layer.Freeze()
	u4 := mustUpdate(t, op(testIndexA, key.Int(4), key.Int(4)))
	assert.ErrorIs(t, layer.Insert(u4), ErrLayerFrozen)
}

func Test_MemoryLayer_ReverseInsert(t *testing.T) {
	layer := NewMemoryLayer(nil)

	for _, s := range []uint64{30, 20, 10} {
		u := mustUpdate(t, op(testIndexA, key.Int(1), key.Uint(s)))
		require.NoError(t, u.SetSequenceNumber(s))
		require.NoError(t, layer.ReverseInsert(u))
	}

	u := mustUpdate(t, op(testIndexA, key.Int(1), key.Uint(25)))
	require.NoError(t, u.SetSequenceNumber(25))
	assert.ErrorIs(t, layer.ReverseInsert(u), ErrSequenceOrder)

	// 最新值仍然是序列号最大的那一条
	w := layer.NewPresentWalker(key.NewIndexKey(testIndexA, key.Int(1)))
	require.True(t, w.Valid())
	assert.Equal(t, uint64(30), w.Item().Value.Uint())
	assert.Equal(t, uint64(30), w.Item().SequenceNumber)
	w.Next()
	assert.False(t, w.Valid())

	var seqs []uint64
	for uw := layer.NewUpdateWalker(0); uw.Valid(); uw.Next() {
		seqs = append(seqs, uw.Item().SequenceNumber)
	}
	assert.Equal(t, []uint64{10, 20, 30}, seqs)
}

func Test_MemoryLayer_PresentWalker_LastWriteWins(t *testing.T) {
	layer := NewMemoryLayer(NewSequencer(100))
	for i := 0; i < 5; i++ {
		require.NoError(t, layer.Insert(mustUpdate(t,
			op(testIndexA, key.Tuple(key.Int(1), key.String("x")), key.Int(int64(i))),
			op(testIndexA, key.Tuple(key.Int(2), key.String("y")), key.Int(int64(10+i))),
		)))
	}
	require.NoError(t, layer.Insert(mustUpdate(t, op(testIndexB, key.Tuple(key.Int(1), key.String("x")), key.Int(-1)))))

	w := layer.NewPresentWalker(key.NewIndexKey(testIndexA, key.Tuple(key.Int(1), key.String("x"))))
	require.True(t, w.Valid())
	assert.Equal(t, int64(4), w.Item().Value.Int())
	assert.Equal(t, uint64(105), w.Item().SequenceNumber)
	w.Next()
	assert.False(t, w.Valid())

	// 前缀查询
	var got []int64
	for w := layer.NewPresentWalker(key.NewIndexKey(testIndexA, key.Tuple(key.Int(1)))); w.Valid(); w.Next() {
		got = append(got, w.Item().Value.Int())
	}
	assert.Equal(t, []int64{4}, got)

	// Free 元素
	got = got[:0]
	for w := layer.NewPresentWalker(key.NewIndexKey(testIndexA, key.Tuple(key.Free(), key.String("y")))); w.Valid(); w.Next() {
		got = append(got, w.Item().Value.Int())
	}
	assert.Equal(t, []int64{14}, got)

	// 整个索引
	got = got[:0]
	for w := layer.NewPresentWalker(key.NewIndexKey(testIndexA, key.Free())); w.Valid(); w.Next() {
		got = append(got, w.Item().Value.Int())
	}
	assert.Equal(t, []int64{4, 14}, got)

	w = layer.NewPresentWalker(key.NewIndexKey(testIndexA, key.Tuple(key.Int(3))))
	assert.False(t, w.Valid())
}

func Test_MemoryLayer_PresentWalkerRange(t *testing.T) {
	layer := NewMemoryLayer(NewSequencer(0))
	for i := 0; i < 10; i++ {
		require.NoError(t, layer.Insert(mustUpdate(t, op(testIndexA, key.Int(int64(i)), key.Int(int64(i*i))))))
	}

	_, err := layer.NewPresentWalkerRange(key.NewIndexKey(testIndexA, key.Int(0)), key.NewIndexKey(testIndexB, key.Int(0)))
	assert.ErrorIs(t, err, ErrIndexMismatch)

	w, err := layer.NewPresentWalkerRange(key.NewIndexKey(testIndexA, key.Int(3)), key.NewIndexKey(testIndexA, key.Int(6)))
	require.NoError(t, err)
	var got []int64
	for ; w.Valid(); w.Next() {
		got = append(got, w.Item().Key.Int())
	}
	assert.Equal(t, []int64{3, 4, 5, 6}, got)
}

func Test_MemoryLayer_UpdateWalker(t *testing.T) {
	layer := NewMemoryLayer(NewSequencer(0))
	for i := 0; i < 6; i++ {
		require.NoError(t, layer.Insert(mustUpdate(t,
			op(testIndexA, key.Int(int64(i)), key.Int(int64(i))),
			op(testIndexB, key.Int(int64(i)), key.Int(int64(-i))),
		)))
	}

	var seqs []uint64
	for w := layer.NewUpdateWalker(4); w.Valid(); w.Next() {
		item := w.Item()
		seqs = append(seqs, item.SequenceNumber)
		require.Len(t, item.Entries, 2)
		assert.Equal(t, testIndexA, item.Entries[0].Key.IndexId)
		assert.Equal(t, testIndexB, item.Entries[1].Key.IndexId)
		assert.Equal(t, "meta", item.Metadata.Str())
	}
	assert.Equal(t, []uint64{4, 5, 6}, seqs)
}

func Test_MemoryLayer_Notifications(t *testing.T) {
	layer := NewMemoryLayer(NewSequencer(0))

	var results []PersistenceResult
	for i := 0; i < 3; i++ {
		u := mustUpdate(t, op(testIndexA, key.Int(int64(i)), key.Int(0)))
		u.SetNotification(NewPersistenceNotification(func(r PersistenceResult) {
			results = append(results, r)
		}))
		require.NoError(t, layer.Insert(u))
		assert.Nil(t, u.TakeNotification())
	}

	layer.ResolveNotifications(Completed)
	layer.ResolveNotifications(Failed)
	assert.Equal(t, []PersistenceResult{Completed, Completed, Completed}, results)
}

func Test_Sequencer(t *testing.T) {
	s := NewSequencer(5)
	assert.Equal(t, uint64(6), s.Next())
	s.Observe(3)
	assert.Equal(t, uint64(6), s.Last())
	s.Observe(10)
	assert.Equal(t, uint64(11), s.Next())
}
