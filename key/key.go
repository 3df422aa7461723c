package key

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// Key 的具体类型. 声明顺序即跨类型比较时的顺序
type Kind uint8

const (
	KindFree Kind = iota // 未绑定的元组槽位，只用于前缀查询，不落盘
	KindBool
	KindInt
	KindUint
	KindFloat
	KindString
	KindBytes
	KindUUID
	KindTuple
	KindSet
	KindOpt
)

var kindNames = [...]string{"free", "bool", "int", "uint", "float", "string", "bytes", "uuid", "tuple", "set", "opt"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Key 是一个自描述、有序、可哈希的值.
// 标量直接内联在 num 中；字符串、字节、子元素属于外部负载，由 arena 持有（arena 为 nil 时由 go 堆持有）
type Key struct {
	kind  Kind
	num   uint64 // bool / int / uint / float 的位表示
	str   string // string / bytes / uuid 负载
	elems []Key  // tuple / set / opt 子元素
	arena *Arena
	hash  *hashCell // 多个副本共享的哈希缓存
}

type hashCell struct {
	ready atomic.Bool
	v     atomic.Uint64
}

func newKey(kind Kind) Key {
	return Key{kind: kind, hash: &hashCell{}}
}

func Free() Key {
	return newKey(KindFree)
}

func Bool(b bool) Key {
	k := newKey(KindBool)
	if b {
		k.num = 1
	}
	return k
}

func Int(i int64) Key {
	k := newKey(KindInt)
	k.num = uint64(i)
	return k
}

func Uint(u uint64) Key {
	k := newKey(KindUint)
	k.num = u
	return k
}

// 浮点数归一化：-0 统一为 +0，NaN 统一为同一个位模式
func Float(f float64) Key {
	k := newKey(KindFloat)
	switch {
	case f == 0:
		f = 0
	case math.IsNaN(f):
		f = math.NaN()
	}
	k.num = math.Float64bits(f)
	return k
}

func String(s string) Key {
	k := newKey(KindString)
	k.str = s
	return k
}

func Bytes(b []byte) Key {
	k := newKey(KindBytes)
	k.str = string(b)
	return k
}

func UUID(id uuid.UUID) Key {
	k := newKey(KindUUID)
	k.str = string(id[:])
	return k
}

func Tuple(elems ...Key) Key {
	k := newKey(KindTuple)
	k.elems = append([]Key(nil), elems...)
	return k
}

// 集合在构造时排序去重，保证结构相等的集合编码一致
func Set(elems ...Key) Key {
	k := newKey(KindSet)
	sorted := append([]Key(nil), elems...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return Compare(sorted[i], sorted[j]) == Lt
	})
	for _, e := range sorted {
		if n := len(k.elems); n > 0 && Compare(k.elems[n-1], e) == Eq {
			continue
		}
		k.elems = append(k.elems, e)
	}
	return k
}

func Some(v Key) Key {
	k := newKey(KindOpt)
	k.elems = []Key{v}
	return k
}

func None() Key {
	return newKey(KindOpt)
}

func (k Key) Kind() Kind {
	return k.kind
}

func (k Key) IsFree() bool {
	return k.kind == KindFree
}

func (k Key) Bool() bool {
	return k.num != 0
}

func (k Key) Int() int64 {
	return int64(k.num)
}

func (k Key) Uint() uint64 {
	return k.num
}

func (k Key) Float() float64 {
	return math.Float64frombits(k.num)
}

func (k Key) Str() string {
	return k.str
}

func (k Key) BytesValue() []byte {
	return []byte(k.str)
}

func (k Key) UUIDValue() uuid.UUID {
	var id uuid.UUID
	copy(id[:], k.str)
	return id
}

// tuple / set 的元素个数
func (k Key) Len() int {
	return len(k.elems)
}

func (k Key) At(i int) Key {
	return k.elems[i]
}

// optional 的取值
func (k Key) Value() (Key, bool) {
	if k.kind != KindOpt || len(k.elems) == 0 {
		return Key{}, false
	}
	return k.elems[0], true
}

// 持有外部负载的 arena. 为 nil 时负载由 go 堆持有
func (k Key) Arena() *Arena {
	return k.arena
}

func (k Key) String() string {
	var sb strings.Builder
	k.format(&sb)
	return sb.String()
}

func (k Key) format(sb *strings.Builder) {
	switch k.kind {
	case KindFree:
		sb.WriteString("*")
	case KindBool:
		fmt.Fprintf(sb, "%t", k.Bool())
	case KindInt:
		fmt.Fprintf(sb, "%d", k.Int())
	case KindUint:
		fmt.Fprintf(sb, "%du", k.Uint())
	case KindFloat:
		fmt.Fprintf(sb, "%g", k.Float())
	case KindString:
		fmt.Fprintf(sb, "%q", k.str)
	case KindBytes:
		fmt.Fprintf(sb, "0x%x", k.str)
	case KindUUID:
		sb.WriteString(k.UUIDValue().String())
	case KindTuple, KindSet:
		open, closing := "(", ")"
		if k.kind == KindSet {
			open, closing = "{", "}"
		}
		sb.WriteString(open)
		for i, e := range k.elems {
			if i > 0 {
				sb.WriteString(", ")
			}
			e.format(sb)
		}
		sb.WriteString(closing)
	case KindOpt:
		if v, ok := k.Value(); ok {
			sb.WriteString("?")
			v.format(sb)
			return
		}
		sb.WriteString("?none")
	}
}
