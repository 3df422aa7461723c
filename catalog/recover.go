package catalog

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/xiaoxuxiansheng/goindy/volume"
)

// 格式化：两个槽位都写入版本 0 的空镜像，追加日志清零
func (s *FileService) format(ctx context.Context) error {
	s.version = 0
	s.ringPos = 0
	s.runnerCopy = make(fileMap)

	for slot := 0; slot < 2; slot++ {
		s.chains[slot] = []uint64{s.layout.imageHead(slot)}
		s.nextSlot = slot
		if err := s.rotate(ctx); err != nil {
			return errors.Wrapf(err, "format image slot %d", slot)
		}
	}
	// 两个槽位版本相同，恢复时选中槽位 0，下一次轮转写槽位 1
	s.nextSlot = 1

	zero := make([]byte, s.vol.BlockSize())
	for _, b := range s.layout.AppendLog {
		if err := s.vol.WriteBlock(ctx, b, zero, volume.Medium, volume.ClearAll); err != nil {
			return errors.Wrapf(err, "zero append log block %d", b)
		}
	}
	if err := s.vol.Sync(); err != nil {
		return errors.Wrap(err, "sync catalog format")
	}
	s.ringPos = 0
	return nil
}

// 加载出的一个基础镜像
type image struct {
	slot    int
	headOK  bool // 头块可解析，version 可信
	version uint64
	chain   []uint64
	entries []Entry
	err     error
}

func (img *image) ok() bool {
	return img.err == nil
}

func (s *FileService) loadImage(ctx context.Context, slot int) *image {
	img := image{slot: slot}
	buf := make([]byte, s.vol.BlockSize())
	id := s.layout.imageHead(slot)
	for {
		if uint64(len(img.chain)) >= s.vol.NumBlocks() {
			img.err = errors.Wrapf(ErrCorruption, "image slot %d chain loops", slot)
			return &img
		}
		if err := s.vol.ReadBlock(ctx, id, buf, volume.Medium, volume.NoCache); err != nil {
			img.err = errors.Wrapf(err, "read image slot %d block %d", slot, id)
			return &img
		}
		version, next, entries, err := decodeImageBlock(buf)
		if err != nil {
			img.err = errors.Mark(errors.Wrapf(err, "image slot %d block %d", slot, id), ErrCorruption)
			return &img
		}
		if len(img.chain) == 0 {
			img.headOK = true
			img.version = version
		} else if version != img.version {
			// 链上的块属于另一个版本：镜像只写了一部分
			img.err = errors.Wrapf(ErrCorruption, "image slot %d block %d has version %d, head has %d", slot, id, version, img.version)
			return &img
		}
		img.chain = append(img.chain, id)
		img.entries = append(img.entries, entries...)

		if next == endOfChain {
			return &img
		}
		if next >= s.vol.NumBlocks() || next < s.layout.Reserved() {
			img.err = errors.Wrapf(ErrCorruption, "image slot %d block %d links to %d", slot, id, next)
			return &img
		}
		id = next
	}
}

// 恢复：选出可用的基础镜像，再回放其后的追加日志
func (s *FileService) recover(ctx context.Context) error {
	ring, err := s.readRing(ctx)
	if err != nil {
		return err
	}

	// 1 选择基础镜像
	images := [2]*image{s.loadImage(ctx, 0), s.loadImage(ctx, 1)}
	base, err := s.pickImage(images, ring)
	if err != nil {
		return err
	}

	s.version = base.version
	s.runnerCopy = make(fileMap)
	for _, e := range base.entries {
		s.runnerCopy.apply(delta{op: opInsert, entry: e})
	}
	s.nextSlot = 1 - base.slot
	for slot, img := range images {
		if img.ok() {
			s.chains[slot] = img.chain
		} else {
			s.chains[slot] = []uint64{s.layout.imageHead(slot)}
		}
		for _, b := range s.chains[slot][1:] {
			if err := s.alloc.MarkUsed(b, 1); err != nil {
				return errors.Mark(errors.Wrapf(err, "image slot %d block %d", slot, b), ErrCorruption)
			}
		}
	}

	// 2 从扇区 0 开始回放版本号连续的扇区
	s.ringPos = 0
	expected := s.version + 1
	for i := 0; i < s.numSectors; i++ {
		deltas, state := decodeSector(s.sector(ring, i), expected)
		if state == sectorCorrupt {
			if s.opts.abortOnAppendLogScanCorruption {
				return errors.Wrapf(ErrCorruption, "append log sector %d version %d fails checksum", i, expected)
			}
			s.logger.Warn("append log scan stopped at corrupt sector",
				zap.Int("sector", i),
				zap.Uint64("version", expected))
			break
		}
		if state != sectorValid {
			break
		}
		for _, d := range deltas {
			s.runnerCopy.apply(d)
		}
		s.version = expected
		s.ringPos++
		expected++
	}

	s.logger.Info("catalog recovered",
		zap.Int("imageSlot", base.slot),
		zap.Uint64("imageVersion", base.version),
		zap.Int("sectorsReplayed", s.ringPos),
		zap.Uint64("version", s.version))
	return nil
}

// 两个镜像都有效时取版本高者. 版本最高的镜像不可用时，
// 只有在追加日志的第一个扇区正好接在另一个镜像之后时才能退回到另一个镜像
func (s *FileService) pickImage(images [2]*image, ring []byte) (*image, error) {
	a, b := images[0], images[1]
	switch {
	case a.ok() && b.ok():
		if b.version > a.version {
			return b, nil
		}
		return a, nil
	case !a.ok() && !b.ok():
		return nil, errors.Wrapf(ErrCorruption, "both base images are irrecoverable: %v; %v", a.err, b.err)
	}

	good, bad := a, b
	if !a.ok() {
		good, bad = b, a
	}
	// 坏镜像的头块可信且版本更低，好镜像本来就是最新的
	if bad.headOK && bad.version < good.version {
		return good, nil
	}

	fvn, written := sectorVersion(s.sector(ring, 0))
	switch {
	case written && fvn == good.version+1:
	case !written && good.version == 0:
	default:
		return nil, errors.Wrapf(ErrCorruption, "current base image (slot %d) is irrecoverable and the append log does not follow slot %d: %v",
			bad.slot, good.slot, bad.err)
	}
	s.logger.Warn("falling back to alternate base image",
		zap.Int("badSlot", bad.slot),
		zap.Int("slot", good.slot),
		zap.Uint64("version", good.version),
		zap.Error(bad.err))
	return good, nil
}

// 一次读入整个追加日志环
func (s *FileService) readRing(ctx context.Context) ([]byte, error) {
	bs := s.vol.BlockSize()
	ring := make([]byte, len(s.layout.AppendLog)*bs)
	for i, b := range s.layout.AppendLog {
		if err := s.vol.ReadBlock(ctx, b, ring[i*bs:(i+1)*bs], volume.Medium, volume.NoCache); err != nil {
			return nil, errors.Wrapf(err, "read append log block %d", b)
		}
	}
	return ring, nil
}

func (s *FileService) sector(ring []byte, i int) []byte {
	off := i * s.opts.sectorSize
	return ring[off : off+s.opts.sectorSize]
}
