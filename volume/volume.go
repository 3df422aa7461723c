package volume

import (
	"context"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

var ErrOutOfRange = errors.New("volume: access beyond volume end")

const (
	DefaultBlockSize = 4096
	DefaultNumBlocks = 64 * 1024 // 默认 256MB
)

// 卷配置项
type Option func(*Volume)

func WithBlockSize(blockSize int) Option {
	return func(v *Volume) {
		v.blockSize = blockSize
	}
}

func WithNumBlocks(numBlocks uint64) Option {
	return func(v *Volume) {
		v.numBlocks = numBlocks
	}
}

func WithCache(cache *Cache) Option {
	return func(v *Volume) {
		v.cache = cache
	}
}

func WithThrottle(throttle *Throttle) Option {
	return func(v *Volume) {
		v.throttle = throttle
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(v *Volume) {
		v.logger = logger
	}
}

// Volume 是按块寻址的存储卷，底层为 afero 文件系统上的一个定长文件
type Volume struct {
	fs        afero.Fs
	path      string
	file      afero.File
	blockSize int
	numBlocks uint64
	cache     *Cache
	throttle  *Throttle
	logger    *zap.Logger
}

// 打开卷，文件不存在时创建. created 标识本次是否新建
func Open(fs afero.Fs, path string, opts ...Option) (v *Volume, created bool, err error) {
	v = &Volume{fs: fs, path: path}
	for _, opt := range opts {
		opt(v)
	}
	if v.blockSize <= 0 {
		v.blockSize = DefaultBlockSize
	}
	if v.numBlocks == 0 {
		v.numBlocks = DefaultNumBlocks
	}
	if v.logger == nil {
		v.logger = zap.L()
	}

	exists, err := afero.Exists(fs, path)
	if err != nil {
		return nil, false, errors.Wrapf(err, "stat volume %s", path)
	}

	if v.file, err = fs.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644); err != nil {
		return nil, false, errors.Wrapf(err, "open volume %s", path)
	}

	size := int64(v.numBlocks) * int64(v.blockSize)
	if !exists {
		if err = v.file.Truncate(size); err != nil {
			_ = v.file.Close()
			return nil, false, errors.Wrapf(err, "size volume %s to %d", path, size)
		}
		v.logger.Info("volume created", zap.String("path", path), zap.Int("blockSize", v.blockSize), zap.Uint64("numBlocks", v.numBlocks))
		return v, true, nil
	}

	info, err := v.file.Stat()
	if err != nil {
		_ = v.file.Close()
		return nil, false, errors.Wrapf(err, "stat volume %s", path)
	}
	if info.Size() < size {
		// 已有卷比配置小时以实际大小为准
		v.numBlocks = uint64(info.Size()) / uint64(v.blockSize)
	}
	return v, false, nil
}

func (v *Volume) BlockSize() int {
	return v.blockSize
}

func (v *Volume) NumBlocks() uint64 {
	return v.numBlocks
}

func (v *Volume) Cache() *Cache {
	return v.cache
}

// 读取一个完整的块. buf 长度必须等于块大小
func (v *Volume) ReadBlock(ctx context.Context, id uint64, buf []byte, pri Priority, instr CacheInstr) error {
	if len(buf) != v.blockSize {
		return errors.Newf("volume: read block %d into %d byte buffer", id, len(buf))
	}
	if instr.lookup() {
		if cached, ok := v.cache.getBlock(id); ok {
			copy(buf, cached)
			return nil
		}
	}

	if err := v.ReadAt(ctx, buf, int64(id)*int64(v.blockSize), pri); err != nil {
		return err
	}
	v.cache.applyBlock(id, buf, instr)
	return nil
}

// 写入一个完整的块
func (v *Volume) WriteBlock(ctx context.Context, id uint64, buf []byte, pri Priority, instr CacheInstr) error {
	if len(buf) != v.blockSize {
		return errors.Newf("volume: write block %d from %d byte buffer", id, len(buf))
	}
	if err := v.WriteAt(ctx, buf, int64(id)*int64(v.blockSize), pri); err != nil {
		return err
	}
	v.cache.applyBlock(id, buf, instr)
	return nil
}

// 按字节偏移读取，不经过块缓存
func (v *Volume) ReadAt(ctx context.Context, p []byte, off int64, pri Priority) error {
	if err := v.checkRange(off, len(p)); err != nil {
		return err
	}
	if err := v.throttle.Wait(ctx, pri, len(p)); err != nil {
		return err
	}
	if _, err := v.file.ReadAt(p, off); err != nil {
		return errors.Wrapf(err, "read %d bytes at %d", len(p), off)
	}
	return nil
}

// 按字节偏移写入，覆盖到的块缓存失效
func (v *Volume) WriteAt(ctx context.Context, p []byte, off int64, pri Priority) error {
	if err := v.checkRange(off, len(p)); err != nil {
		return err
	}
	if err := v.throttle.Wait(ctx, pri, len(p)); err != nil {
		return err
	}
	if _, err := v.file.WriteAt(p, off); err != nil {
		return errors.Wrapf(err, "write %d bytes at %d", len(p), off)
	}
	if len(p) > 0 {
		bs := int64(v.blockSize)
		v.cache.invalidateBlocks(uint64(off/bs), uint64((off+int64(len(p))-1)/bs))
	}
	return nil
}

func (v *Volume) Sync() error {
	return v.file.Sync()
}

func (v *Volume) Close() error {
	return v.file.Close()
}

func (v *Volume) checkRange(off int64, n int) error {
	if off < 0 || uint64(off)+uint64(n) > v.numBlocks*uint64(v.blockSize) {
		return errors.Wrapf(ErrOutOfRange, "[%d, %d) of %d blocks", off, off+int64(n), v.numBlocks)
	}
	return nil
}
