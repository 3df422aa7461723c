package key

import (
	"sync"
	"unsafe"
)

const defaultChunkSize = 4096

// Arena 持有 key 的外部负载（字符串与字节），key 只引用不拷贝.
// 把 key 放入另一个 arena 必须显式调用 Copy 进行深拷贝
type Arena struct {
	mu        sync.Mutex
	chunks    [][]byte
	cur       []byte // 当前可写入的块，len 为已使用字节数
	chunkSize int
	size      int
}

func NewArena() *Arena {
	return &Arena{chunkSize: defaultChunkSize}
}

// arena 已分配的负载字节数
func (a *Arena) Size() int {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}

// 深拷贝 key 到当前 arena 中. 拷贝结果与原 key 结构相等
func (a *Arena) Copy(k Key) Key {
	out := Key{kind: k.kind, num: k.num, arena: a, hash: &hashCell{}}
	if h, ok := k.cachedHash(); ok {
		out.hash.v.Store(h)
		out.hash.ready.Store(true)
	}
	if k.str != "" {
		out.str = a.internString(k.str)
	}
	if len(k.elems) > 0 {
		out.elems = make([]Key, len(k.elems))
		for i, e := range k.elems {
			out.elems[i] = a.Copy(e)
		}
	}
	return out
}

func (a *Arena) internString(s string) string {
	if a == nil || s == "" {
		return s
	}
	buf := a.alloc(len(s))
	copy(buf, s)
	return unsafe.String(&buf[0], len(buf))
}

func (a *Arena) internBytes(b []byte) string {
	if a == nil || len(b) == 0 {
		return string(b)
	}
	buf := a.alloc(len(b))
	copy(buf, b)
	return unsafe.String(&buf[0], len(buf))
}

// 分配 n 字节. 超过块大小的负载单独成块
func (a *Arena) alloc(n int) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.size += n
	if n > a.chunkSize/4 {
		chunk := make([]byte, n)
		a.chunks = append(a.chunks, chunk)
		return chunk
	}

	if cap(a.cur)-len(a.cur) < n {
		a.cur = make([]byte, 0, a.chunkSize)
		a.chunks = append(a.chunks, a.cur[:a.chunkSize])
	}
	start := len(a.cur)
	a.cur = a.cur[:start+n]
	return a.cur[start : start+n : start+n]
}
