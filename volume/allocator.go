package volume

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

var (
	ErrNoSpace   = errors.New("volume: no contiguous free extent")
	ErrBadExtent = errors.New("volume: extent not in expected state")
)

type extent struct {
	start, n uint64
}

// 块分配器. 维护按起始块号有序的空闲区间，首次适配分配连续块
type Allocator struct {
	mu    sync.Mutex
	total uint64
	free  []extent
}

// [0, reserved) 为固定布局的保留块，不参与分配
func NewAllocator(reserved, total uint64) *Allocator {
	a := Allocator{total: total}
	if reserved < total {
		a.free = []extent{{start: reserved, n: total - reserved}}
	}
	return &a
}

// 分配 n 个连续块，返回起始块号
func (a *Allocator) Allocate(n uint64) (uint64, error) {
	if n == 0 {
		return 0, errors.Wrap(ErrBadExtent, "allocate zero blocks")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for i, e := range a.free {
		if e.n < n {
			continue
		}
		start := e.start
		if e.n == n {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = extent{start: e.start + n, n: e.n - n}
		}
		return start, nil
	}
	return 0, errors.Wrapf(ErrNoSpace, "need %d blocks, %d free", n, a.freeLocked())
}

// 归还区间，并与相邻空闲区间合并
func (a *Allocator) Free(start, n uint64) error {
	if n == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if start+n > a.total {
		return errors.Wrapf(ErrBadExtent, "free [%d, %d) beyond %d", start, start+n, a.total)
	}

	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].start >= start })
	if i > 0 && a.free[i-1].start+a.free[i-1].n > start {
		return errors.Wrapf(ErrBadExtent, "double free at block %d", start)
	}
	if i < len(a.free) && start+n > a.free[i].start {
		return errors.Wrapf(ErrBadExtent, "double free at block %d", a.free[i].start)
	}

	a.free = append(a.free, extent{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = extent{start: start, n: n}

	// 与后一个区间合并
	if i+1 < len(a.free) && a.free[i].start+a.free[i].n == a.free[i+1].start {
		a.free[i].n += a.free[i+1].n
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	// 与前一个区间合并
	if i > 0 && a.free[i-1].start+a.free[i-1].n == a.free[i].start {
		a.free[i-1].n += a.free[i].n
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
	return nil
}

// 将区间标记为已使用. 恢复流程中根据 catalog 重建分配状态时使用
func (a *Allocator) MarkUsed(start, n uint64) error {
	if n == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for i, e := range a.free {
		if start < e.start || start+n > e.start+e.n {
			continue
		}
		var split []extent
		if start > e.start {
			split = append(split, extent{start: e.start, n: start - e.start})
		}
		if end := start + n; end < e.start+e.n {
			split = append(split, extent{start: end, n: e.start + e.n - end})
		}
		rest := append(split, a.free[i+1:]...)
		a.free = append(a.free[:i], rest...)
		return nil
	}
	return errors.Wrapf(ErrBadExtent, "mark used [%d, %d) not free", start, start+n)
}

// 空闲块总数
func (a *Allocator) FreeBlocks() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeLocked()
}

func (a *Allocator) freeLocked() uint64 {
	var n uint64
	for _, e := range a.free {
		n += e.n
	}
	return n
}
