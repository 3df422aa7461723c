package catalog

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/xiaoxuxiansheng/goindy/volume"
)

// 后台协程：把排队的变更按扇区批量写入追加日志
func (s *FileService) run() {
	defer close(s.donec)

	ctx := context.Background()
	for {
		select {
		case <-s.stopc:
			return
		case <-s.notifyc:
			s.flushQueue(ctx)
		}
	}
}

func (s *FileService) flushQueue(ctx context.Context) {
	perSector := deltasPerSector(s.opts.sectorSize)
	for {
		// 停止后剩余的操作由 Close 统一回调
		select {
		case <-s.stopc:
			return
		default:
		}

		s.queueMu.Lock()
		n := len(s.queue)
		if n > perSector {
			n = perSector
		}
		batch := make([]pendingOp, n)
		copy(batch, s.queue[:n])
		s.queue = s.queue[n:]
		s.queueMu.Unlock()
		if n == 0 {
			return
		}

		deltas := make([]delta, n)
		for i := range batch {
			deltas[i] = batch[i].delta
		}

		result := Success
		err := s.commitBatch(ctx, deltas)
		if err != nil {
			result = DiskFailure
		}
		for _, op := range batch {
			if op.trigger != nil {
				op.trigger.Callback(result, err)
			}
		}
	}
}

// 一批变更写入一个扇区，版本号加一. 环写满后把完整状态写成新的基础镜像
func (s *FileService) commitBatch(ctx context.Context, deltas []delta) error {
	if s.failed != nil {
		return s.failed
	}

	// 恢复时回放了整个环，先轮转再写
	if s.ringPos == s.numSectors {
		if err := s.rotate(ctx); err != nil {
			s.fail(err)
			return err
		}
	}

	version := s.version + 1
	buf := make([]byte, s.opts.sectorSize)
	encodeSector(buf, version, deltas)
	if err := s.vol.WriteAt(ctx, buf, s.sectorOffset(s.ringPos), volume.Medium); err != nil {
		err = errors.Wrapf(err, "write append log sector %d", s.ringPos)
		s.fail(err)
		return err
	}
	if err := s.vol.Sync(); err != nil {
		err = errors.Wrap(err, "sync append log")
		s.fail(err)
		return err
	}
	sectorsTotal.Inc()

	s.version = version
	s.ringPos++
	for _, d := range deltas {
		s.runnerCopy.apply(d)
	}

	if s.ringPos == s.numSectors {
		// 变更已经落盘，轮转失败留到下一批重试
		if err := s.rotate(ctx); err != nil {
			s.logger.Warn("catalog base image rotation failed", zap.Uint64("version", s.version), zap.Error(err))
		}
	}
	return nil
}

func (s *FileService) fail(err error) {
	s.failed = errors.Mark(err, ErrDiskFailure)
	s.logger.Error("catalog runner failed", zap.Uint64("version", s.version), zap.Error(err))
}

// 把 runnerCopy 写成版本号为 s.version 的基础镜像，写入另一个槽位，然后从扇区 0 重新开始追加日志
func (s *FileService) rotate(ctx context.Context) error {
	slot := s.nextSlot
	bs := s.vol.BlockSize()
	per := entriesPerImageBlock(bs)
	entries := s.runnerCopy.sorted()

	need := (len(entries) + per - 1) / per
	if need < 1 {
		need = 1
	}

	// 1 调整该槽位的镜像链长度. 头块固定，后续块从分配器申请
	chain := s.chains[slot]
	for len(chain) > need {
		if err := s.alloc.Free(chain[len(chain)-1], 1); err != nil {
			return errors.Wrapf(err, "free image block %d", chain[len(chain)-1])
		}
		chain = chain[:len(chain)-1]
	}
	for len(chain) < need {
		b, err := s.alloc.Allocate(1)
		if err != nil {
			s.chains[slot] = chain
			return errors.Wrap(err, "allocate image block")
		}
		chain = append(chain, b)
	}
	s.chains[slot] = chain

	// 2 倒序写入，头块最后写. 头块落盘之前该槽位不会被当作有效镜像
	buf := make([]byte, bs)
	for i := need - 1; i >= 0; i-- {
		next := uint64(endOfChain)
		if i < need-1 {
			next = chain[i+1]
		}
		lo, hi := i*per, (i+1)*per
		if hi > len(entries) {
			hi = len(entries)
		}
		encodeImageBlock(buf, s.version, next, entries[lo:hi])
		if err := s.vol.WriteBlock(ctx, chain[i], buf, volume.Medium, volume.ClearAll); err != nil {
			return errors.Wrapf(err, "write image slot %d block %d", slot, chain[i])
		}
	}
	if err := s.vol.Sync(); err != nil {
		return errors.Wrap(err, "sync base image")
	}

	// 3 切换槽位，追加日志从头开始
	s.nextSlot = 1 - slot
	s.ringPos = 0
	baseImagesTotal.Inc()
	s.logger.Debug("catalog base image written",
		zap.Int("slot", slot),
		zap.Uint64("version", s.version),
		zap.Int("blocks", need),
		zap.Int("entries", len(entries)))
	return nil
}

func (s *FileService) sectorOffset(i int) int64 {
	bs := int64(s.vol.BlockSize())
	block := s.layout.AppendLog[i/s.sectorsPerBlock]
	return int64(block)*bs + int64(i%s.sectorsPerBlock)*int64(s.opts.sectorSize)
}
