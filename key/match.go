package key

// 前缀匹配结果
type Match uint8

const (
	NoMatch     Match = iota
	PrefixMatch       // pattern 是 key 的严格前缀
	Unifies           // pattern 与 key 完全匹配
)

// 判断 key 是否匹配 pattern. pattern 中的 Free 元素可以匹配任意值；
// 元组 pattern 比 key 短且逐元素匹配时返回 PrefixMatch
func MatchPrefix(pattern, k Key) Match {
	if pattern.kind == KindFree {
		return Unifies
	}

	if pattern.kind != KindTuple || k.kind != KindTuple {
		if EqEq(pattern, k) {
			return Unifies
		}
		return NoMatch
	}

	if len(pattern.elems) > len(k.elems) {
		return NoMatch
	}
	for i, p := range pattern.elems {
		if MatchPrefix(p, k.elems[i]) != Unifies {
			return NoMatch
		}
	}
	if len(pattern.elems) < len(k.elems) {
		return PrefixMatch
	}
	return Unifies
}

// pattern 中第一个 Free 元素之前的固定部分，用作扫描的下界.
// bounded 为 false 时 pattern 不约束任何前缀，需要扫描整个索引
func FixedPrefix(pattern Key) (prefix Key, bounded bool) {
	if pattern.kind == KindFree {
		return Key{}, false
	}
	if pattern.kind != KindTuple {
		return pattern, true
	}

	fixed := make([]Key, 0, len(pattern.elems))
	for _, e := range pattern.elems {
		if hasFree(e) {
			break
		}
		fixed = append(fixed, e)
	}
	return Tuple(fixed...), true
}

// pattern 中是否包含 Free 元素
func HasFree(pattern Key) bool {
	return hasFree(pattern)
}

func hasFree(k Key) bool {
	if k.kind == KindFree {
		return true
	}
	for _, e := range k.elems {
		if hasFree(e) {
			return true
		}
	}
	return false
}

// 判断 k 是否落在 prefix 所约束的扫描区间内. 用于有序扫描的终止判断
func WithinPrefix(prefix, k Key) bool {
	if prefix.kind != KindTuple {
		return EqEq(prefix, k)
	}
	return MatchPrefix(prefix, k) != NoMatch
}
