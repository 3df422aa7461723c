package volume

import (
	"github.com/VictoriaMetrics/metrics"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
)

var (
	pageHits    = metrics.GetOrCreateCounter("goindy_page_cache_hits_total")
	pageMisses  = metrics.GetOrCreateCounter("goindy_page_cache_misses_total")
	blockHits   = metrics.GetOrCreateCounter("goindy_block_cache_hits_total")
	blockMisses = metrics.GetOrCreateCounter("goindy_block_cache_misses_total")
)

// 页缓存的键：某个 generation 的第 page 个逻辑页
type PageKey struct {
	FileID uuid.UUID
	Gen    uint64
	Page   uint64
}

// 共享的页缓存与块缓存. 页缓存存放解压后的逻辑页，块缓存存放卷上的原始块
type Cache struct {
	pages  *lru.Cache
	blocks *lru.Cache
}

func NewCache(pageCapacity, blockCapacity int) (*Cache, error) {
	pages, err := lru.New(pageCapacity)
	if err != nil {
		return nil, errors.Wrapf(err, "create page cache of %d", pageCapacity)
	}
	blocks, err := lru.New(blockCapacity)
	if err != nil {
		return nil, errors.Wrapf(err, "create block cache of %d", blockCapacity)
	}
	return &Cache{pages: pages, blocks: blocks}, nil
}

func (c *Cache) GetPage(k PageKey) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.pages.Get(k)
	if !ok {
		pageMisses.Inc()
		return nil, false
	}
	pageHits.Inc()
	return v.([]byte), true
}

// 按指令写入或清除页缓存. 缓存中的页只读，调用方不可修改
func (c *Cache) ApplyPage(k PageKey, page []byte, instr CacheInstr) {
	if c == nil {
		return
	}
	switch {
	case instr.clearPage():
		c.pages.Remove(k)
	case instr.cachePage() && page != nil:
		c.pages.Add(k, page)
	}
}

// 移除某个 generation 的全部页. generation 退役时调用
func (c *Cache) EvictGeneration(fileID uuid.UUID, gen, numPages uint64) {
	if c == nil {
		return
	}
	for p := uint64(0); p < numPages; p++ {
		c.pages.Remove(PageKey{FileID: fileID, Gen: gen, Page: p})
	}
}

func (c *Cache) getBlock(id uint64) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.blocks.Get(id)
	if !ok {
		blockMisses.Inc()
		return nil, false
	}
	blockHits.Inc()
	return v.([]byte), true
}

func (c *Cache) applyBlock(id uint64, block []byte, instr CacheInstr) {
	if c == nil {
		return
	}
	switch {
	case instr.clearBlock():
		c.blocks.Remove(id)
	case instr.cacheBlock() && block != nil:
		cp := make([]byte, len(block))
		copy(cp, block)
		c.blocks.Add(id, cp)
	}
}

// 直接按字节写入卷时，覆盖到的块缓存必须失效
func (c *Cache) invalidateBlocks(first, last uint64) {
	if c == nil {
		return
	}
	for id := first; id <= last; id++ {
		c.blocks.Remove(id)
	}
}

func (c *Cache) Len() (pages, blocks int) {
	if c == nil {
		return 0, 0
	}
	return c.pages.Len(), c.blocks.Len()
}
