package key

import (
	"math"
	"strings"
)

// 比较结果. Ne 只作为相等性判断的结果出现，排序比较器永远不会返回 Ne
type Comparison int8

const (
	Lt Comparison = -1
	Eq Comparison = 0
	Gt Comparison = 1
	Ne Comparison = 2
)

func (c Comparison) String() string {
	switch c {
	case Lt:
		return "Lt"
	case Eq:
		return "Eq"
	case Gt:
		return "Gt"
	default:
		return "Ne"
	}
}

// 全序比较：先比较类型，再比较值. 元组逐个元素比较，严格前缀排在前面
func Compare(a, b Key) Comparison {
	if a.kind != b.kind {
		return ordered(a.kind, b.kind)
	}

	switch a.kind {
	case KindFree:
		return Eq
	case KindBool, KindUint:
		return ordered(a.num, b.num)
	case KindInt:
		return ordered(int64(a.num), int64(b.num))
	case KindFloat:
		return compareFloat(a.Float(), b.Float())
	case KindString, KindBytes, KindUUID:
		return Comparison(strings.Compare(a.str, b.str))
	case KindTuple, KindSet:
		return compareElems(a.elems, b.elems)
	case KindOpt:
		// 缺省值排在有值之前
		if len(a.elems) != len(b.elems) {
			return ordered(len(a.elems), len(b.elems))
		}
		return compareElems(a.elems, b.elems)
	}
	return Eq
}

// 相等判断. 两边哈希都已缓存时先用哈希短路，再回落到结构比较
func EqEq(a, b Key) bool {
	if ha, ok := a.cachedHash(); ok {
		if hb, ok := b.cachedHash(); ok && ha != hb {
			return false
		}
	}
	return Compare(a, b) == Eq
}

func NeEq(a, b Key) bool {
	return !EqEq(a, b)
}

// 相等性比较，返回 Eq 或者 Ne
func Equality(a, b Key) Comparison {
	if EqEq(a, b) {
		return Eq
	}
	return Ne
}

func compareElems(a, b []Key) Comparison {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := Compare(a[i], b[i]); c != Eq {
			return c
		}
	}
	return ordered(len(a), len(b))
}

// NaN 排在最后
func compareFloat(a, b float64) Comparison {
	aNaN, bNaN := math.IsNaN(a), math.IsNaN(b)
	switch {
	case aNaN && bNaN:
		return Eq
	case aNaN:
		return Gt
	case bNaN:
		return Lt
	}
	return ordered(a, b)
}

func ordered[T int | int64 | uint64 | float64 | Kind](a, b T) Comparison {
	switch {
	case a < b:
		return Lt
	case a > b:
		return Gt
	default:
		return Eq
	}
}
