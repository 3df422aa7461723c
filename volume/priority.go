package volume

// I/O 优先级. 缓存与调度器据此偏向延迟敏感的前台请求
type Priority uint8

const (
	RealTime Priority = iota // 前台读
	Medium                   // flush、catalog 写入
	Low                      // 合并等后台任务
)

func (p Priority) String() string {
	switch p {
	case RealTime:
		return "realtime"
	case Medium:
		return "medium"
	default:
		return "low"
	}
}

// 缓存控制指令
type CacheInstr uint8

const (
	CacheAll       CacheInstr = iota // 读取结果同时放入页缓存和块缓存
	CachePageOnly                    // 只放入页缓存
	CacheBlockOnly                   // 只放入块缓存
	ClearAll                         // 操作后清除页缓存和块缓存中的对应项
	ClearPageOnly
	ClearBlockOnly
	NoCache // 不读写缓存
)

func (i CacheInstr) cachePage() bool {
	return i == CacheAll || i == CachePageOnly
}

func (i CacheInstr) cacheBlock() bool {
	return i == CacheAll || i == CacheBlockOnly
}

func (i CacheInstr) clearPage() bool {
	return i == ClearAll || i == ClearPageOnly
}

func (i CacheInstr) clearBlock() bool {
	return i == ClearAll || i == ClearBlockOnly
}

// 读取时是否可以命中缓存. 清除类指令与 NoCache 直接访问磁盘
func (i CacheInstr) lookup() bool {
	return i <= CacheBlockOnly
}

// 各优先级的默认缓存策略. 低优先级的顺序扫描不写入缓存，避免挤掉前台热点页
func DefaultCacheInstr(p Priority) CacheInstr {
	if p == Low {
		return NoCache
	}
	return CacheAll
}
