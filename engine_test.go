package goindy

import (
	"context"
	"math/rand"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-faker/faker/v4"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xiaoxuxiansheng/goindy/key"
	"github.com/xiaoxuxiansheng/goindy/memtable"
	"github.com/xiaoxuxiansheng/goindy/volume"
)

var (
	testIndexA = uuid.MustParse("00000000-0000-0000-0000-0000000000a1")
	testIndexB = uuid.MustParse("00000000-0000-0000-0000-0000000000b2")
)

func newTestConfig(t *testing.T, fs afero.Fs, opts ...ConfigOption) *Config {
	opts = append([]ConfigOption{
		WithFs(fs),
		WithLogger(zap.NewNop()),
		WithVolume(4096, 1024),
		WithPageSize(1024),
		WithMergeThreshold(-1),
	}, opts...)
	conf, err := NewConfig("/indy", opts...)
	require.NoError(t, err)
	return conf
}

func openTestEngine(t *testing.T, conf *Config) *Engine {
	e, err := Open(conf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func op(index uuid.UUID, k, v key.Key) memtable.Op {
	return memtable.Op{Key: key.NewIndexKey(index, k), Value: v}
}

// 依次插入 updates，序列号由引擎分配
func testLayer(t *testing.T, e *Engine, updates ...memtable.OpByKey) *memtable.MemoryLayer {
	layer := memtable.NewMemoryLayer(e.seq)
	for i, ops := range updates {
		u, err := memtable.NewUpdate(ops, key.String("meta"), key.Int(int64(i)))
		require.NoError(t, err)
		require.NoError(t, layer.Insert(u))
	}
	return layer
}

// 随机的单词值
func words(n int) []key.Key {
	vals := make([]key.Key, n)
	for i := range vals {
		vals[i] = key.String(faker.Word() + "-" + faker.Word())
	}
	return vals
}

func Test_Engine_CommitGet(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, newTestConfig(t, afero.NewMemMapFs()))
	fileID := uuid.New()

	seq1, err := e.Commit(ctx, fileID, memtable.OpByKey{
		op(testIndexA, key.Int(1), key.String("one")),
		op(testIndexB, key.String("x"), key.Bool(true)),
	}, key.String("first"), key.Int(1), nil)
	require.NoError(t, err)
	seq2, err := e.Commit(ctx, fileID, memtable.OpByKey{
		op(testIndexA, key.Int(1), key.String("uno")),
	}, key.String("second"), key.Int(2), nil)
	require.NoError(t, err)
	assert.Greater(t, seq2, seq1)

	v, ok, err := e.Get(ctx, fileID, key.NewIndexKey(testIndexA, key.Int(1)), volume.RealTime)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "uno", v.Str())

	_, ok, err = e.Get(ctx, fileID, key.NewIndexKey(testIndexA, key.Int(2)), volume.RealTime)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = e.Get(ctx, uuid.New(), key.NewIndexKey(testIndexA, key.Int(1)), volume.RealTime)
	require.NoError(t, err)
	assert.False(t, ok)
}

func Test_Engine_FlushNotifies(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, newTestConfig(t, afero.NewMemMapFs()))
	fileID := uuid.New()

	var (
		mu      sync.Mutex
		results []memtable.PersistenceResult
	)
	notify := func(r memtable.PersistenceResult) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, r)
	}

	for i := 0; i < 10; i++ {
		_, err := e.Commit(ctx, fileID, memtable.OpByKey{
			op(testIndexA, key.Int(int64(i)), key.Int(int64(i*i))),
		}, key.Tuple(), key.Int(int64(i)), notify)
		require.NoError(t, err)
	}
	require.NoError(t, e.Flush(ctx, fileID))

	mu.Lock()
	assert.Len(t, results, 10)
	for _, r := range results {
		assert.Equal(t, memtable.Completed, r)
	}
	mu.Unlock()

	gens := e.Generations(fileID)
	require.Len(t, gens, 1)
	assert.Equal(t, uint64(10), gens[0].NumKeys)

	// 内存层已清空，值来自 generation
	for i := 0; i < 10; i++ {
		v, ok, err := e.Get(ctx, fileID, key.NewIndexKey(testIndexA, key.Int(int64(i))), volume.Medium)
		require.NoError(t, err)
		require.True(t, ok, "key %d", i)
		assert.Equal(t, int64(i*i), v.Int())
	}

	// 空内存层不会产生 generation
	require.NoError(t, e.Flush(ctx, fileID))
	assert.Len(t, e.Generations(fileID), 1)
}

func Test_Engine_NewerLayerWins(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, newTestConfig(t, afero.NewMemMapFs()))
	fileID := uuid.New()
	ik := key.NewIndexKey(testIndexA, key.String("k"))

	for i, v := range []string{"gen0", "gen1", "memory"} {
		_, err := e.Commit(ctx, fileID, memtable.OpByKey{op(testIndexA, key.String("k"), key.String(v))}, key.Tuple(), key.Int(int64(i)), nil)
		require.NoError(t, err)
		if v != "memory" {
			require.NoError(t, e.Flush(ctx, fileID))
		}
	}

	v, ok, err := e.Get(ctx, fileID, ik, volume.RealTime)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "memory", v.Str())

	require.NoError(t, e.Flush(ctx, fileID))
	require.Len(t, e.Generations(fileID), 3)
	v, ok, err = e.Get(ctx, fileID, ik, volume.RealTime)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "memory", v.Str())
}

func Test_Engine_Restart(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	conf := newTestConfig(t, fs)
	fileID := uuid.New()
	vals := words(40)

	e, err := Open(conf)
	require.NoError(t, err)

	// 前一半落盘，后一半只在 wal 中
	for i, v := range vals {
		_, err = e.Commit(ctx, fileID, memtable.OpByKey{op(testIndexA, key.Int(int64(i)), v)}, key.Tuple(), key.Int(int64(i)), nil)
		require.NoError(t, err)
		if i == len(vals)/2-1 {
			require.NoError(t, e.Flush(ctx, fileID))
		}
	}
	lastSeq := e.LastSequenceNumber()
	require.NoError(t, e.Close())

	_, err = e.Commit(ctx, fileID, memtable.OpByKey{op(testIndexA, key.Int(0), key.Int(0))}, key.Tuple(), key.Tuple(), nil)
	assert.ErrorIs(t, err, ErrClosed)

	e = openTestEngine(t, conf)
	assert.Equal(t, lastSeq, e.LastSequenceNumber())
	assert.Len(t, e.Generations(fileID), 1)
	for i, want := range vals {
		v, ok, err := e.Get(ctx, fileID, key.NewIndexKey(testIndexA, key.Int(int64(i))), volume.RealTime)
		require.NoError(t, err)
		require.True(t, ok, "key %d", i)
		assert.True(t, key.EqEq(want, v), "key %d", i)
	}

	// 还原之后继续提交，序列号接着增长
	seq, err := e.Commit(ctx, fileID, memtable.OpByKey{op(testIndexA, key.Int(0), key.String("again"))}, key.Tuple(), key.Tuple(), nil)
	require.NoError(t, err)
	assert.Equal(t, lastSeq+1, seq)

	require.NoError(t, e.Flush(ctx, fileID))
	require.NoError(t, e.Close())

	// 全部落盘之后 wal 目录为空
	left, err := afero.ReadDir(fs, conf.walDir())
	require.NoError(t, err)
	assert.Empty(t, left)

	e = openTestEngine(t, conf)
	v, ok, err := e.Get(ctx, fileID, key.NewIndexKey(testIndexA, key.Int(0)), volume.RealTime)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "again", v.Str())
}

func Test_Engine_TornWAL(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	conf := newTestConfig(t, fs)
	fileID := uuid.New()

	e, err := Open(conf)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = e.Commit(ctx, fileID, memtable.OpByKey{op(testIndexA, key.Int(int64(i)), key.Int(int64(i)))}, key.Tuple(), key.Tuple(), nil)
		require.NoError(t, err)
	}
	require.NoError(t, e.Close())

	// 尾部追加半条记录
	walFile := e.walFile(fileID, 0)
	f, err := fs.OpenFile(walFile, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x40, 1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	e = openTestEngine(t, conf)
	for i := 0; i < 3; i++ {
		_, ok, err := e.Get(ctx, fileID, key.NewIndexKey(testIndexA, key.Int(int64(i))), volume.RealTime)
		require.NoError(t, err)
		assert.True(t, ok, "key %d", i)
	}
	_, err = e.Commit(ctx, fileID, memtable.OpByKey{op(testIndexA, key.Int(3), key.Int(3))}, key.Tuple(), key.Tuple(), nil)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	// 截断后追加的记录可以正常还原
	e = openTestEngine(t, conf)
	_, ok, err := e.Get(ctx, fileID, key.NewIndexKey(testIndexA, key.Int(3)), volume.RealTime)
	require.NoError(t, err)
	assert.True(t, ok)
}

// wal 中间的记录损坏时拒绝打开，不丢弃损坏位置之后的记录
func Test_Engine_CorruptWAL(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	conf := newTestConfig(t, fs)
	fileID := uuid.New()

	e, err := Open(conf)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = e.Commit(ctx, fileID, memtable.OpByKey{op(testIndexA, key.Int(int64(i)), key.Int(int64(i)))}, key.Tuple(), key.Tuple(), nil)
		require.NoError(t, err)
	}
	require.NoError(t, e.Close())

	walFile := e.walFile(fileID, 0)
	data, err := afero.ReadFile(fs, walFile)
	require.NoError(t, err)
	data[3] ^= 0xff
	require.NoError(t, afero.WriteFile(fs, walFile, data, 0644))

	_, err = Open(conf)
	assert.ErrorIs(t, err, ErrCorruption)

	// wal 保持原样
	after, err := afero.ReadFile(fs, walFile)
	require.NoError(t, err)
	assert.Equal(t, data, after)
}

func Test_Engine_AutoFlush(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, newTestConfig(t, afero.NewMemMapFs(), WithMemLayerSize(2048)))
	fileID := uuid.New()

	var wg sync.WaitGroup
	wg.Add(40)
	for i := 0; i < 40; i++ {
		_, err := e.Commit(ctx, fileID, memtable.OpByKey{
			op(testIndexA, key.Int(int64(i)), key.String(strings.Repeat("v", 200))),
		}, key.Tuple(), key.Int(int64(i)), func(memtable.PersistenceResult) { wg.Done() })
		require.NoError(t, err)
	}
	require.NoError(t, e.Flush(ctx, fileID))
	wg.Wait()

	assert.Greater(t, len(e.Generations(fileID)), 1)
	for i := 0; i < 40; i++ {
		_, ok, err := e.Get(ctx, fileID, key.NewIndexKey(testIndexA, key.Int(int64(i))), volume.Low)
		require.NoError(t, err)
		assert.True(t, ok, "key %d", i)
	}
}

func Test_Engine_Merge(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, newTestConfig(t, afero.NewMemMapFs()))
	fileID := uuid.New()

	// 3 个 generation，key i 在第 i%3 轮之后不再被覆盖
	for round := 0; round < 3; round++ {
		for i := round; i < 30; i++ {
			_, err := e.Commit(ctx, fileID, memtable.OpByKey{
				op(testIndexA, key.Int(int64(i)), key.Int(int64(round))),
			}, key.Tuple(), key.Int(int64(i)), nil)
			require.NoError(t, err)
		}
		require.NoError(t, e.Flush(ctx, fileID))
	}
	gens := e.Generations(fileID)
	require.Len(t, gens, 3)
	freeBefore := e.alloc.FreeBlocks()

	// 读者持有的 generation 在合并之后仍然可读
	held, err := OpenReadFile(ctx, e, fileID, gens[2].GenID, volume.RealTime)
	require.NoError(t, err)

	// 不相邻的输入被拒绝
	_, err = e.Merge(ctx, fileID, []uint64{gens[0].GenID, gens[2].GenID}, volume.Low)
	assert.ErrorIs(t, err, ErrAmbiguousGeneration)

	info, err := e.Merge(ctx, fileID, []uint64{gens[2].GenID, gens[1].GenID, gens[0].GenID}, volume.Low)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), info.NumKeys)
	assert.Equal(t, uint64(30+29+28), info.NumUpdates)
	assert.Equal(t, gens[0].HighestSeq, info.HighestSeq)

	after := e.Generations(fileID)
	require.Len(t, after, 1)
	assert.Equal(t, info.GenID, after[0].GenID)

	for i := 0; i < 30; i++ {
		v, ok, err := e.Get(ctx, fileID, key.NewIndexKey(testIndexA, key.Int(int64(i))), volume.RealTime)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(min(i, 2)), v.Int(), "key %d", i)
	}

	_, err = OpenReadFile(ctx, e, fileID, gens[2].GenID, volume.RealTime)
	assert.ErrorIs(t, err, ErrGenerationNotFound)
	ix, ok := held.Index(testIndexA)
	require.True(t, ok)
	v, ok, err := ix.Get(ctx, key.Int(0))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(0), v.Int())

	// 最后一个读者关闭后归还块
	mid := e.alloc.FreeBlocks()
	require.NoError(t, held.Close())
	assert.Equal(t, mid+gens[2].NumBlocks(4096), e.alloc.FreeBlocks())
	assert.Greater(t, e.alloc.FreeBlocks()+info.NumBlocks, freeBefore)
}

// 合并过程中取消 ctx：成功时输入全部退役，失败时输出不存在且输入保持不变
func Test_Engine_MergeCancel(t *testing.T) {
	e := openTestEngine(t, newTestConfig(t, afero.NewMemMapFs(), WithVolume(4096, 4096)))
	rnd := rand.New(rand.NewSource(9))

	for i := 0; i < 60; i++ {
		ctx := context.Background()
		fileID := uuid.New()
		for gen := 0; gen < 2; gen++ {
			_, err := e.Commit(ctx, fileID, memtable.OpByKey{op(testIndexA, key.Int(int64(gen)), key.String(strings.Repeat("m", 1500)))}, key.Tuple(), key.Tuple(), nil)
			require.NoError(t, err)
			require.NoError(t, e.Flush(ctx, fileID))
		}
		require.Equal(t, []uint64{0, 1}, e.catalog.AppendFileGenSet(fileID, nil))

		cctx, cancel := context.WithCancel(ctx)
		timer := time.AfterFunc(time.Duration(rnd.Intn(2000))*time.Microsecond, cancel)
		info, err := e.Merge(cctx, fileID, []uint64{0, 1}, volume.Medium)
		timer.Stop()
		cancel()

		gens := e.catalog.AppendFileGenSet(fileID, nil)
		if err != nil {
			require.ErrorIs(t, err, context.Canceled, "round %d", i)
			assert.Equal(t, []uint64{0, 1}, gens, "round %d", i)
			continue
		}
		assert.Equal(t, []uint64{info.GenID}, gens, "round %d", i)
		for k := int64(0); k < 2; k++ {
			_, ok, err := e.Get(ctx, fileID, key.NewIndexKey(testIndexA, key.Int(k)), volume.RealTime)
			require.NoError(t, err)
			assert.True(t, ok)
		}
	}
}

func Test_Engine_AutoMerge(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, newTestConfig(t, afero.NewMemMapFs(), WithMergeThreshold(2)))
	fileID := uuid.New()

	for round := 0; round < 2; round++ {
		_, err := e.Commit(ctx, fileID, memtable.OpByKey{
			op(testIndexA, key.Int(int64(round)), key.Int(int64(round))),
		}, key.Tuple(), key.Tuple(), nil)
		require.NoError(t, err)
		require.NoError(t, e.Flush(ctx, fileID))
	}

	assert.Eventually(t, func() bool {
		return len(e.Generations(fileID)) == 1
	}, 5*time.Second, 10*time.Millisecond)
	for round := 0; round < 2; round++ {
		_, ok, err := e.Get(ctx, fileID, key.NewIndexKey(testIndexA, key.Int(int64(round))), volume.RealTime)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func Test_Engine_Stats(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, newTestConfig(t, afero.NewMemMapFs()))
	fileID := uuid.New()

	_, err := e.Commit(ctx, fileID, memtable.OpByKey{op(testIndexA, key.Int(1), key.Int(1))}, key.Tuple(), key.Tuple(), nil)
	require.NoError(t, err)
	s := e.Stats()
	assert.Equal(t, 1, s.Files)
	assert.Zero(t, s.Generations)

	require.NoError(t, e.Flush(ctx, fileID))
	s = e.Stats()
	assert.Equal(t, 1, s.Generations)
	assert.Equal(t, uint64(1), s.LastSeq)
	assert.Equal(t, "ready", s.Catalog.String())
	assert.Zero(t, s.PendingRealTime+s.PendingMedium+s.PendingLow)
	assert.Equal(t, []uuid.UUID{fileID}, e.FileIDs())
}
