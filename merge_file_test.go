package goindy

import (
	"context"
	"math/rand"
	"os"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoxuxiansheng/goindy/key"
	"github.com/xiaoxuxiansheng/goindy/memtable"
	"github.com/xiaoxuxiansheng/goindy/volume"
)

// 把一份有序数据轮流分给 n 个内存层，分别落盘后合并成一个 generation
func Test_MergeFiles_RoundRobin(t *testing.T) {
	const (
		numKeys  = 4000
		parts    = 4
		perBatch = 8
	)
	ctx := context.Background()
	e := openTestEngine(t, newTestConfig(t, afero.NewMemMapFs(), WithVolume(4096, 4096)))
	fileID := uuid.New()

	vals := words(numKeys)
	layers := make([][]memtable.OpByKey, parts)
	want := map[uuid.UUID][]kv{}
	for i := 0; i < numKeys; i += perBatch {
		var ops memtable.OpByKey
		for j := i; j < i+perBatch; j++ {
			index := testIndexA
			if j%3 == 0 {
				index = testIndexB
			}
			k := key.Tuple(key.String("k"), key.Int(int64(j)))
			ops = append(ops, op(index, k, vals[j]))
			want[index] = append(want[index], kv{k: k, v: vals[j]})
		}
		p := (i / perBatch) % parts
		layers[p] = append(layers[p], ops)
	}

	var genIDs []uint64
	for p, updates := range layers {
		_, err := WriteDataFile(ctx, e, testLayer(t, e, updates...), fileID, uint64(p), volume.Medium)
		require.NoError(t, err)
		genIDs = append(genIDs, uint64(p))
	}

	info, err := MergeFiles(ctx, e, fileID, genIDs, parts, volume.Low)
	require.NoError(t, err)
	assert.Equal(t, uint64(numKeys), info.NumKeys)
	assert.Equal(t, uint64(numKeys/perBatch), info.NumUpdates)
	assert.Equal(t, 2, info.NumIndexes)

	f, err := OpenReadFile(ctx, e, fileID, parts, volume.RealTime)
	require.NoError(t, err)
	defer f.Close()

	for _, id := range []uuid.UUID{testIndexA, testIndexB} {
		ix, ok := f.Index(id)
		require.True(t, ok)
		for _, p := range want[id] {
			v, ok, err := ix.Get(ctx, p.k)
			require.NoError(t, err)
			require.True(t, ok, "key %s", p.k)
			assert.True(t, key.EqEq(p.v, v))
		}
		assertSameItems(t, want[id], cursorItems(t, ix))
	}
}

// 同一个 key 在两个 generation 中出现，无论输入顺序如何都取序列号大的值
func Test_MergeFiles_NewestWins(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, newTestConfig(t, afero.NewMemMapFs()))
	fileID := uuid.New()

	older := testLayer(t, e, memtable.OpByKey{
		op(testIndexA, key.Int(1), key.String("old")),
		op(testIndexA, key.Int(2), key.String("only-old")),
	})
	newer := testLayer(t, e, memtable.OpByKey{
		op(testIndexA, key.Int(1), key.String("new")),
		op(testIndexA, key.Int(3), key.String("only-new")),
	})

	// generation 号与序列号的顺序相反
	_, err := WriteDataFile(ctx, e, newer, fileID, 5, volume.Medium)
	require.NoError(t, err)
	_, err = WriteDataFile(ctx, e, older, fileID, 9, volume.Medium)
	require.NoError(t, err)

	for out, inputs := range map[uint64][]uint64{10: {5, 9}, 11: {9, 5}} {
		info, err := MergeFiles(ctx, e, fileID, inputs, out, volume.Low)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), info.NumKeys)

		f, err := OpenReadFile(ctx, e, fileID, out, volume.RealTime)
		require.NoError(t, err)
		ix, _ := f.Index(testIndexA)
		for k, want := range map[int64]string{1: "new", 2: "only-old", 3: "only-new"} {
			v, ok, err := ix.Get(ctx, key.Int(k))
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, want, v.Str(), "inputs %v key %d", inputs, k)
		}
		require.NoError(t, f.Close())
	}
}

// 手工指定序列号的内存层
func sequencedLayer(t *testing.T, seq uint64, ops memtable.OpByKey) *memtable.MemoryLayer {
	layer := memtable.NewMemoryLayer(nil)
	u, err := memtable.NewUpdate(ops, key.Tuple(), key.Uint(seq))
	require.NoError(t, err)
	require.NoError(t, u.SetSequenceNumber(seq))
	require.NoError(t, layer.Insert(u))
	return layer
}

func Test_MergeFiles_SameSequence(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, newTestConfig(t, afero.NewMemMapFs()))
	fileID := uuid.New()

	for gen, v := range map[uint64]string{1: "x", 2: "x", 3: "y"} {
		_, err := WriteDataFile(ctx, e, sequencedLayer(t, 100, memtable.OpByKey{op(testIndexA, key.Int(7), key.String(v))}), fileID, gen, volume.Medium)
		require.NoError(t, err)
	}

	// 同一次写入的重复回放
	info, err := MergeFiles(ctx, e, fileID, []uint64{1, 2}, 4, volume.Low)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.NumKeys)
	assert.Equal(t, uint64(2), info.NumUpdates)

	// 序列号相同但值不同
	_, err = MergeFiles(ctx, e, fileID, []uint64{1, 3}, 5, volume.Low)
	require.ErrorIs(t, err, ErrAmbiguousGeneration)
	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.ElementsMatch(t, []uint64{1, 3}, genErr.Gens)
	_, ok := e.catalog.FindFile(fileID, 5)
	assert.False(t, ok)
}

func Test_MergeFiles_Invalid(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, newTestConfig(t, afero.NewMemMapFs()))
	fileID := uuid.New()

	for gen := uint64(0); gen < 2; gen++ {
		_, err := WriteDataFile(ctx, e, testLayer(t, e, memtable.OpByKey{op(testIndexA, key.Uint(gen), key.Uint(gen))}), fileID, gen, volume.Medium)
		require.NoError(t, err)
	}
	free := e.alloc.FreeBlocks()

	cases := []struct {
		name   string
		inputs []uint64
		out    uint64
		want   error
	}{
		{name: "empty", inputs: nil, out: 3, want: ErrAmbiguousGeneration},
		{name: "duplicate", inputs: []uint64{0, 0}, out: 3, want: ErrAmbiguousGeneration},
		{name: "output is input", inputs: []uint64{0, 1}, out: 1, want: ErrAmbiguousGeneration},
		{name: "output exists", inputs: []uint64{0}, out: 1, want: ErrAmbiguousGeneration},
		{name: "missing input", inputs: []uint64{0, 7}, out: 3, want: ErrGenerationNotFound},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := MergeFiles(ctx, e, fileID, c.inputs, c.out, volume.Low)
			assert.ErrorIs(t, err, c.want)
		})
	}
	assert.Equal(t, free, e.alloc.FreeBlocks())
	assert.Equal(t, []uint64{0, 1}, e.catalog.AppendFileGenSet(fileID, nil))
}

func Test_MergeFiles_ReleaseUpTo(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, newTestConfig(t, afero.NewMemMapFs()))
	fileID := uuid.New()

	var updates []memtable.OpByKey
	for i := 0; i < 10; i++ {
		updates = append(updates, memtable.OpByKey{op(testIndexA, key.Int(int64(i)), key.Int(int64(i)))})
	}
	layer := testLayer(t, e, updates...)
	_, err := WriteDataFile(ctx, e, layer, fileID, 0, volume.Medium)
	require.NoError(t, err)

	info, err := MergeFiles(ctx, e, fileID, []uint64{0}, 1, volume.Low, WithReleaseUpTo(layer.LowestSeq()+6))
	require.NoError(t, err)
	assert.Equal(t, uint64(10), info.NumKeys)
	assert.Equal(t, uint64(4), info.NumUpdates)

	w, err := NewUpdateWalkFile(ctx, e, fileID, []uint64{1}, 0, volume.RealTime)
	require.NoError(t, err)
	defer w.Close()
	require.True(t, w.Valid())
	assert.Equal(t, layer.LowestSeq()+6, w.Item().SequenceNumber)
}

// 合并过程中读到损坏的输入页：不注册输出，不占用块，输入保持不变
func Test_MergeFiles_CorruptInput(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	conf := newTestConfig(t, fs)
	fileID := uuid.New()

	e, err := Open(conf)
	require.NoError(t, err)
	rnd := rand.New(rand.NewSource(11))
	for gen := uint64(0); gen < 2; gen++ {
		updates, _ := randomUpdates(50, 4, 300, rnd)
		_, err = WriteDataFile(ctx, e, testLayer(t, e, updates...), fileID, gen, volume.Medium)
		require.NoError(t, err)
	}
	entry, ok := e.catalog.FindFile(fileID, 1)
	require.True(t, ok)
	require.NoError(t, e.Close())

	// 翻转第二个输入第一个数据页中的一个字节
	vf, err := fs.OpenFile(conf.volumePath(), os.O_RDWR, 0644)
	require.NoError(t, err)
	pos := int64(entry.StartingBlockId)*int64(conf.BlockSize) + 5
	b := make([]byte, 1)
	_, err = vf.ReadAt(b, pos)
	require.NoError(t, err)
	b[0] ^= 0x5a
	_, err = vf.WriteAt(b, pos)
	require.NoError(t, err)
	require.NoError(t, vf.Close())

	e = openTestEngine(t, conf)
	free := e.alloc.FreeBlocks()
	_, err = MergeFiles(ctx, e, fileID, []uint64{0, 1}, 2, volume.Low)
	require.ErrorIs(t, err, ErrCorruption)

	_, ok = e.catalog.FindFile(fileID, 2)
	assert.False(t, ok)
	assert.Equal(t, free, e.alloc.FreeBlocks())
	assert.Equal(t, []uint64{0, 1}, e.catalog.AppendFileGenSet(fileID, nil))
	assert.NoError(t, readEverything(ctx, e, fileID, 0))
}

var errWriteFault = errors.New("injected write failure")

// 卷文件的写入可以按需失败
type faultFs struct {
	afero.Fs
	failWrites atomic.Bool
}

func (fs *faultFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	f, err := fs.Fs.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &faultFile{File: f, fs: fs}, nil
}

type faultFile struct {
	afero.File
	fs *faultFs
}

func (f *faultFile) WriteAt(p []byte, off int64) (int, error) {
	if f.fs.failWrites.Load() {
		return 0, errWriteFault
	}
	return f.File.WriteAt(p, off)
}

// 块已经分配之后写入失败：块全部归还，输出不注册，之后的合并不受影响
func Test_MergeFiles_WriteFailure(t *testing.T) {
	ctx := context.Background()
	fs := &faultFs{Fs: afero.NewMemMapFs()}
	e := openTestEngine(t, newTestConfig(t, fs))
	fileID := uuid.New()

	rnd := rand.New(rand.NewSource(5))
	for gen := uint64(0); gen < 2; gen++ {
		updates, _ := randomUpdates(30, 3, 200, rnd)
		_, err := WriteDataFile(ctx, e, testLayer(t, e, updates...), fileID, gen, volume.Medium)
		require.NoError(t, err)
	}
	free := e.alloc.FreeBlocks()

	fs.failWrites.Store(true)
	_, err := MergeFiles(ctx, e, fileID, []uint64{0, 1}, 2, volume.Low)
	fs.failWrites.Store(false)
	require.ErrorIs(t, err, errWriteFault)

	_, ok := e.catalog.FindFile(fileID, 2)
	assert.False(t, ok)
	assert.Equal(t, free, e.alloc.FreeBlocks())

	info, err := MergeFiles(ctx, e, fileID, []uint64{0, 1}, 2, volume.Low)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), info.GenID)
}
