package goindy

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/xiaoxuxiansheng/goindy/catalog"
	"github.com/xiaoxuxiansheng/goindy/volume"
	"github.com/xiaoxuxiansheng/goindy/wal"
)

var (
	// 资源耗尽，例如卷上没有足够的连续块. 调用方可以稍后重试
	ErrResourceExhausted = errors.New("goindy: resource exhausted")
	// 数据损坏. 触达损坏数据的操作直接失败，不会继续使用读到的部分数据
	ErrCorruption = errors.New("goindy: corruption")
	// 逻辑错误，例如重复的 generation
	ErrAmbiguousGeneration = errors.New("goindy: ambiguous generation")
	ErrGenerationNotFound  = errors.New("goindy: generation not found")
	ErrIndexNotFound       = errors.New("goindy: index not found")
	ErrClosed              = errors.New("goindy: engine closed")
)

// 页、页目录或 footer 校验失败
var ErrChecksumMismatch = errors.Mark(errors.New("goindy: checksum mismatch"), ErrCorruption)

// 带上冲突 generation 的结构化错误
type GenerationError struct {
	FileID uuid.UUID
	Gens   []uint64
	Reason string
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("file %s gens %v: %s", e.FileID, e.Gens, e.Reason)
}

func newGenerationError(fileID uuid.UUID, reason string, gens ...uint64) error {
	return errors.Mark(&GenerationError{FileID: fileID, Gens: gens, Reason: reason}, ErrAmbiguousGeneration)
}

// 把子包的错误归入根包的错误分类
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, volume.ErrNoSpace):
		return errors.Mark(err, ErrResourceExhausted)
	case errors.Is(err, catalog.ErrCorruption), errors.Is(err, wal.ErrCorruption):
		return errors.Mark(err, ErrCorruption)
	}
	return err
}
