package goindy

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoxuxiansheng/goindy/key"
	"github.com/xiaoxuxiansheng/goindy/memtable"
	"github.com/xiaoxuxiansheng/goindy/volume"
)

func walkUpdates(t *testing.T, w memtable.UpdateWalker) []*memtable.UpdateItem {
	var items []*memtable.UpdateItem
	for ; w.Valid(); w.Next() {
		items = append(items, w.Item())
	}
	require.NoError(t, w.Err())
	return items
}

func assertSameUpdate(t *testing.T, want, got *memtable.UpdateItem) {
	assert.Equal(t, want.SequenceNumber, got.SequenceNumber)
	assert.True(t, key.EqEq(want.Metadata, got.Metadata))
	assert.True(t, key.EqEq(want.Id, got.Id))
	require.Len(t, got.Entries, len(want.Entries))
	for i := range want.Entries {
		assert.True(t, want.Entries[i].Key.Equal(got.Entries[i].Key), "seq %d entry %d", want.SequenceNumber, i)
		assert.True(t, key.EqEq(want.Entries[i].Value, got.Entries[i].Value), "seq %d entry %d", want.SequenceNumber, i)
	}
}

// 同一组 update 写成两个 generation，合并后每个 update 回放两次
func Test_UpdateWalkFile_Replay(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, newTestConfig(t, afero.NewMemMapFs()))
	fileID := uuid.New()

	var updates []memtable.OpByKey
	for i := 0; i < 6; i++ {
		updates = append(updates, memtable.OpByKey{
			op(testIndexA, key.Int(int64(2*i)), key.String("even")),
			op(testIndexB, key.Int(int64(2*i+1)), key.Tuple(key.Int(int64(i)), key.Bool(i%2 == 0))),
		})
	}
	layer := testLayer(t, e, updates...)
	for gen := uint64(0); gen < 2; gen++ {
		_, err := WriteDataFile(ctx, e, layer, fileID, gen, volume.Medium)
		require.NoError(t, err)
	}
	want := walkUpdates(t, layer.NewUpdateWalker(0))
	require.Len(t, want, 6)

	// 单个 generation
	w, err := NewUpdateWalkFile(ctx, e, fileID, []uint64{0}, 0, volume.RealTime)
	require.NoError(t, err)
	single := walkUpdates(t, w)
	require.NoError(t, w.Close())
	require.Len(t, single, 6)
	for i := range want {
		assertSameUpdate(t, want[i], single[i])
		assert.Len(t, single[i].Entries, 2)
	}

	// 合并之后
	_, err = MergeFiles(ctx, e, fileID, []uint64{0, 1}, 2, volume.Low)
	require.NoError(t, err)
	w, err = NewUpdateWalkFile(ctx, e, fileID, []uint64{2}, 0, volume.RealTime)
	require.NoError(t, err)
	merged := walkUpdates(t, w)
	require.NoError(t, w.Close())
	require.Len(t, merged, 12)
	for i := range merged {
		assertSameUpdate(t, want[i/2], merged[i])
	}

	// 未合并的两个 generation 一起回放，结果与合并后相同
	w, err = NewUpdateWalkFile(ctx, e, fileID, []uint64{1, 0}, 0, volume.RealTime)
	require.NoError(t, err)
	chained := walkUpdates(t, w)
	require.NoError(t, w.Close())
	require.Len(t, chained, 12)
	for i := range chained {
		assertSameUpdate(t, merged[i], chained[i])
	}
}

func Test_UpdateWalkFile_FromSeq(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, newTestConfig(t, afero.NewMemMapFs()))
	fileID := uuid.New()

	first := testLayer(t, e, memtable.OpByKey{op(testIndexA, key.Int(1), key.Int(1))}, memtable.OpByKey{op(testIndexA, key.Int(2), key.Int(2))})
	second := testLayer(t, e, memtable.OpByKey{op(testIndexA, key.Int(3), key.Int(3))}, memtable.OpByKey{op(testIndexA, key.Int(4), key.Int(4))})
	_, err := WriteDataFile(ctx, e, first, fileID, 0, volume.Medium)
	require.NoError(t, err)
	_, err = WriteDataFile(ctx, e, second, fileID, 1, volume.Medium)
	require.NoError(t, err)

	from := first.HighestSeq()
	w, err := NewUpdateWalkFile(ctx, e, fileID, []uint64{0, 1}, from, volume.RealTime)
	require.NoError(t, err)
	defer w.Close()
	items := walkUpdates(t, w)
	require.Len(t, items, 3)
	for i, item := range items {
		assert.Equal(t, from+uint64(i), item.SequenceNumber)
		assert.Equal(t, int64(i+2), item.Entries[0].Key.Key.Int())
	}

	w2, err := NewUpdateWalkFile(ctx, e, fileID, []uint64{0, 1}, second.HighestSeq()+1, volume.RealTime)
	require.NoError(t, err)
	defer w2.Close()
	assert.False(t, w2.Valid())

	_, err = NewUpdateWalkFile(ctx, e, fileID, []uint64{0, 8}, 0, volume.RealTime)
	assert.ErrorIs(t, err, ErrGenerationNotFound)
}
