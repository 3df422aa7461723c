package goindy

import (
	"path"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/xiaoxuxiansheng/goindy/compression"
)

// 存储引擎配置项聚合
type Config struct {
	Dir    string      // 卷文件与 wal 文件存放的目录
	Fs     afero.Fs    // 文件系统. 默认为操作系统文件系统
	Logger *zap.Logger // 日志. 默认为 zap.L()

	// 卷相关
	BlockSize       int    // 块大小，默认 4KB
	NumBlocks       uint64 // 卷的块数，默认 65536 块
	AppendLogBlocks int    // catalog 追加日志占用的块数，默认 4 块
	SectorSize      int    // catalog 追加日志扇区大小，默认 512B
	// catalog 恢复时追加日志扇区校验失败是否直接失败. 无默认值，由调用方显式给出
	AbortOnAppendLogScanCorruption bool

	// generation 相关
	PageSize        int              // 逻辑页大小，默认 4KB
	Compression     compression.Type // 页压缩算法，默认不压缩
	BloomBitsPerKey int              // 布隆过滤器每个 key 占用的 bit 数，默认 10

	// 缓存相关
	PageCacheSize  int // 页缓存容量，单位页，默认 4096
	BlockCacheSize int // 块缓存容量，单位块，默认 1024

	// 内存层与后台任务
	MemLayerSize           int  // 内存层大小达到阈值后切换并落盘，默认 4MB
	MergeThreshold         int  // 单个逻辑文件的 generation 数达到阈值后自动合并，默认 4，小于 0 表示关闭
	LowPriorityBytesPerSec int  // 低优先级 I/O 限速，0 表示不限速
	Workers                int  // 调度器工作协程数，默认 4
	LowConcurrency         int  // 同时运行的低优先级任务数，默认 Workers-1
	SyncWAL                bool // 每次提交后是否对 wal 执行 sync
}

// 配置文件构造器.
func NewConfig(dir string, opts ...ConfigOption) (*Config, error) {
	c := Config{
		Dir: dir,
	}

	// 加载配置项
	for _, opt := range opts {
		opt(&c)
	}

	// 兜底修复
	repaire(&c)

	return &c, c.check() // 校验配置，并确保数据目录与 wal 目录存在
}

// 校验配置是否合法，并确保数据目录和 wal 目录存在
func (c *Config) check() error {
	if c.PageSize < 512 {
		return errors.Newf("page size %d too small", c.PageSize)
	}
	if c.BlockSize < 512 || c.BlockSize%c.SectorSize != 0 {
		return errors.Newf("block size %d must be a multiple of sector size %d", c.BlockSize, c.SectorSize)
	}

	// 数据目录确保存在
	if err := c.Fs.MkdirAll(c.Dir, 0755); err != nil {
		return errors.Wrapf(err, "create dir %s", c.Dir)
	}

	// wal 文件目录确保存在
	if err := c.Fs.MkdirAll(c.walDir(), 0755); err != nil {
		return errors.Wrapf(err, "create wal dir %s", c.walDir())
	}

	return nil
}

func (c *Config) walDir() string {
	return path.Join(c.Dir, "walfile")
}

func (c *Config) volumePath() string {
	return path.Join(c.Dir, "indy.vol")
}

// 配置项
type ConfigOption func(*Config)

// 注入文件系统. 测试中通常使用 afero.NewMemMapFs().
func WithFs(fs afero.Fs) ConfigOption {
	return func(c *Config) {
		c.Fs = fs
	}
}

func WithLogger(logger *zap.Logger) ConfigOption {
	return func(c *Config) {
		c.Logger = logger
	}
}

// 卷的块大小与块数. 卷一旦创建，块大小不可更改.
func WithVolume(blockSize int, numBlocks uint64) ConfigOption {
	return func(c *Config) {
		c.BlockSize = blockSize
		c.NumBlocks = numBlocks
	}
}

// catalog 追加日志占用的块数.
func WithAppendLogBlocks(n int) ConfigOption {
	return func(c *Config) {
		c.AppendLogBlocks = n
	}
}

// catalog 恢复时追加日志损坏的处理方式.
func WithAbortOnAppendLogScanCorruption(abort bool) ConfigOption {
	return func(c *Config) {
		c.AbortOnAppendLogScanCorruption = abort
	}
}

// generation 的逻辑页大小. 默认为 4KB.
func WithPageSize(pageSize int) ConfigOption {
	return func(c *Config) {
		c.PageSize = pageSize
	}
}

// generation 的页压缩算法. 默认不压缩.
func WithCompression(t compression.Type) ConfigOption {
	return func(c *Config) {
		c.Compression = t
	}
}

// 页缓存与块缓存容量.
func WithCacheSize(pages, blocks int) ConfigOption {
	return func(c *Config) {
		c.PageCacheSize = pages
		c.BlockCacheSize = blocks
	}
}

// 内存层大小阈值，单位 byte. 默认为 4MB.
func WithMemLayerSize(size int) ConfigOption {
	return func(c *Config) {
		c.MemLayerSize = size
	}
}

// 自动合并的 generation 数阈值. 小于 0 关闭自动合并.
func WithMergeThreshold(n int) ConfigOption {
	return func(c *Config) {
		c.MergeThreshold = n
	}
}

// 低优先级 I/O 限速，单位 byte/s.
func WithLowPriorityBytesPerSec(n int) ConfigOption {
	return func(c *Config) {
		c.LowPriorityBytesPerSec = n
	}
}

// 调度器工作协程数与低优先级并发数.
func WithWorkers(workers, lowConcurrency int) ConfigOption {
	return func(c *Config) {
		c.Workers = workers
		c.LowConcurrency = lowConcurrency
	}
}

func WithSyncWAL(sync bool) ConfigOption {
	return func(c *Config) {
		c.SyncWAL = sync
	}
}

func repaire(c *Config) {
	if c.Fs == nil {
		c.Fs = afero.NewOsFs()
	}
	if c.Logger == nil {
		c.Logger = zap.L()
	}

	// 块大小默认 4KB，卷默认 65536 块.
	if c.BlockSize <= 0 {
		c.BlockSize = 4096
	}
	if c.NumBlocks == 0 {
		c.NumBlocks = 64 * 1024
	}
	if c.AppendLogBlocks <= 0 {
		c.AppendLogBlocks = 4
	}
	if c.SectorSize <= 0 {
		c.SectorSize = 512
	}

	// 逻辑页默认 4KB.
	if c.PageSize <= 0 {
		c.PageSize = 4096
	}
	if c.BloomBitsPerKey <= 0 {
		c.BloomBitsPerKey = 10
	}

	if c.PageCacheSize <= 0 {
		c.PageCacheSize = 4096
	}
	if c.BlockCacheSize <= 0 {
		c.BlockCacheSize = 1024
	}

	// 内存层默认 4MB 后切换.
	if c.MemLayerSize <= 0 {
		c.MemLayerSize = 4 * 1024 * 1024
	}
	if c.MergeThreshold == 0 {
		c.MergeThreshold = 4
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
}
