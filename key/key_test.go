package key

import (
	"math"
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Compare_Order(t *testing.T) {
	sorted := []Key{
		Bool(false),
		Bool(true),
		Int(-5),
		Int(3),
		Uint(1),
		Float(-1.5),
		Float(2),
		Float(math.NaN()),
		String("a"),
		String("ab"),
		String("b"),
		Tuple(),
		Tuple(Int(1)),
		Tuple(Int(1), String("a")),
		Tuple(Int(1), String("b")),
		Tuple(Int(2)),
		Set(Int(1)),
		None(),
		Some(Int(0)),
	}

	for i := 0; i < len(sorted); i++ {
		for j := 0; j < len(sorted); j++ {
			got := Compare(sorted[i], sorted[j])
			switch {
			case i < j:
				assert.Equal(t, Lt, got, "%s vs %s", sorted[i], sorted[j])
			case i > j:
				assert.Equal(t, Gt, got, "%s vs %s", sorted[i], sorted[j])
			default:
				assert.Equal(t, Eq, got, "%s vs %s", sorted[i], sorted[j])
			}
		}
	}
}

func Test_Compare_NeverNe(t *testing.T) {
	keys := []Key{Int(1), String("x"), Tuple(Int(1)), None(), Free()}
	for _, a := range keys {
		for _, b := range keys {
			assert.NotEqual(t, Ne, Compare(a, b))
		}
	}
	assert.Equal(t, Ne, Equality(Int(1), Int(2)))
	assert.Equal(t, Eq, Equality(Int(1), Int(1)))
}

func Test_Float_Normalize(t *testing.T) {
	assert.True(t, EqEq(Float(0), Float(math.Copysign(0, -1))))
	assert.Equal(t, Float(0).Hash(), Float(math.Copysign(0, -1)).Hash())
	assert.True(t, EqEq(Float(math.NaN()), Float(-math.NaN())))
}

func Test_Set_Canonical(t *testing.T) {
	a := Set(Int(3), Int(1), Int(2), Int(1))
	b := Set(Int(1), Int(2), Int(3))
	assert.Equal(t, 3, a.Len())
	assert.True(t, EqEq(a, b))
	assert.Equal(t, Marshal(a), Marshal(b))
}

func Test_Arena_Copy(t *testing.T) {
	src := Tuple(String("hello"), Bytes([]byte{1, 2, 3}), Some(UUID(uuid.New())), Int(7))

	arena1, arena2 := NewArena(), NewArena()
	k1 := arena1.Copy(src)
	k2 := arena2.Copy(src)

	assert.Same(t, arena1, k1.Arena())
	assert.Same(t, arena2, k2.Arena())
	assert.Equal(t, Eq, Compare(k1, k2))
	assert.True(t, EqEq(k1, src))
	assert.Equal(t, src.Hash(), k1.Hash())
	assert.Equal(t, k1.Hash(), k2.Hash())
	assert.Greater(t, arena1.Size(), 0)
}

func Test_Marshal_Unmarshal(t *testing.T) {
	id := uuid.New()
	src := Tuple(
		Bool(true), Int(-42), Uint(42), Float(3.25), String("k"),
		Bytes([]byte("raw")), UUID(id), Set(String("b"), String("a")),
		Some(Tuple()), None(),
	)

	arena := NewArena()
	got, err := Unmarshal(Marshal(src), arena)
	require.NoError(t, err)
	assert.True(t, EqEq(src, got))
	assert.Equal(t, id, got.At(6).UUIDValue())
	assert.Same(t, arena, got.Arena())

	_, err = Unmarshal([]byte{0xff, 0x01}, nil)
	assert.ErrorIs(t, err, ErrInvalidEncoding)
}

func Test_Hash_Cached(t *testing.T) {
	k := Tuple(Int(1), String("x"))
	_, ok := k.cachedHash()
	assert.False(t, ok)

	h := k.Hash()
	cp := k
	got, ok := cp.cachedHash()
	assert.True(t, ok)
	assert.Equal(t, h, got)

	// 哈希不同则直接判定不相等
	other := Tuple(Int(2), String("x"))
	other.Hash()
	assert.True(t, NeEq(k, other))
}

func Test_MatchPrefix(t *testing.T) {
	full := Tuple(Int(1), String("a"), Int(9))

	assert.Equal(t, Unifies, MatchPrefix(full, full))
	assert.Equal(t, PrefixMatch, MatchPrefix(Tuple(Int(1)), full))
	assert.Equal(t, PrefixMatch, MatchPrefix(Tuple(Int(1), String("a")), full))
	assert.Equal(t, Unifies, MatchPrefix(Tuple(Int(1), Free(), Int(9)), full))
	assert.Equal(t, NoMatch, MatchPrefix(Tuple(Int(2)), full))
	assert.Equal(t, NoMatch, MatchPrefix(Tuple(Int(1), String("a"), Int(9), Int(0)), full))
	assert.Equal(t, Unifies, MatchPrefix(Free(), full))
	assert.Equal(t, Unifies, MatchPrefix(Int(5), Int(5)))
	assert.Equal(t, NoMatch, MatchPrefix(Int(5), Int(6)))

	prefix, bounded := FixedPrefix(Tuple(Int(1), Free(), Int(9)))
	assert.True(t, bounded)
	assert.True(t, EqEq(Tuple(Int(1)), prefix))
	_, bounded = FixedPrefix(Free())
	assert.False(t, bounded)
	assert.True(t, HasFree(Tuple(Int(1), Free())))
	assert.True(t, WithinPrefix(Tuple(Int(1)), full))
	assert.False(t, WithinPrefix(Tuple(Int(3)), full))
}

func Test_IndexKey_Order(t *testing.T) {
	idA := uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	idB := uuid.MustParse("00000000-0000-0000-0000-00000000000b")

	iks := []IndexKey{
		NewIndexKey(idB, Int(1)),
		NewIndexKey(idA, Int(2)),
		NewIndexKey(idA, Int(1)),
	}
	sort.Slice(iks, func(i, j int) bool { return iks[i].Compare(iks[j]) == Lt })

	assert.Equal(t, idA, iks[0].IndexId)
	assert.Equal(t, int64(1), iks[0].Key.Int())
	assert.Equal(t, int64(2), iks[1].Key.Int())
	assert.Equal(t, idB, iks[2].IndexId)
	assert.NotEqual(t, iks[0].Hash(), iks[1].Hash())
	assert.True(t, iks[0].Equal(NewIndexKey(idA, Int(1))))
}
