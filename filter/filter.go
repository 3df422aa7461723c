package filter

// 过滤器. 用于辅助 generation 快速判定一个 key 是否存在于某个索引中
type Filter interface {
	Add(hash uint64)                       // 添加 key 的哈希到过滤器
	Exist(bitmap []byte, hash uint64) bool // 是否存在 key
	Hash() []byte                          // 生成过滤器对应的 bitmap
	Reset()                                // 重置过滤器
	KeyLen() int                           // 存在多少个 key
}
