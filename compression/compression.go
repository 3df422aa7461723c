package compression

import (
	"github.com/DataDog/zstd"
	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
)

// 页压缩算法
type Type uint8

const (
	None Type = iota
	Snappy
	Zstd
)

const zstdLevel = 3

var ErrUnknownType = errors.New("compression: unknown type")

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case Zstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// 按名称解析压缩算法，供配置使用
func ParseType(name string) (Type, error) {
	switch name {
	case "", "none":
		return None, nil
	case "snappy":
		return Snappy, nil
	case "zstd":
		return Zstd, nil
	}
	return None, errors.Wrapf(ErrUnknownType, "%q", name)
}

type Compressor interface {
	Type() Type
	// 压缩 src，结果追加到 dst[:0]
	Compress(dst, src []byte) ([]byte, error)
	// 解压 src，结果追加到 dst[:0]
	Decompress(dst, src []byte) ([]byte, error)
}

func NewCompressor(t Type) (Compressor, error) {
	switch t {
	case None:
		return noneCompressor{}, nil
	case Snappy:
		return snappyCompressor{}, nil
	case Zstd:
		return zstdCompressor{}, nil
	}
	return nil, errors.Wrapf(ErrUnknownType, "%d", t)
}

type noneCompressor struct{}

func (noneCompressor) Type() Type {
	return None
}

func (noneCompressor) Compress(dst, src []byte) ([]byte, error) {
	return append(dst[:0], src...), nil
}

func (noneCompressor) Decompress(dst, src []byte) ([]byte, error) {
	return append(dst[:0], src...), nil
}

type snappyCompressor struct{}

func (snappyCompressor) Type() Type {
	return Snappy
}

func (snappyCompressor) Compress(dst, src []byte) ([]byte, error) {
	return snappy.Encode(dst[:cap(dst)], src), nil
}

func (snappyCompressor) Decompress(dst, src []byte) ([]byte, error) {
	n, err := snappy.DecodedLen(src)
	if err != nil {
		return nil, errors.Wrap(err, "snappy decoded len")
	}
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	out, err := snappy.Decode(dst[:n], src)
	if err != nil {
		return nil, errors.Wrap(err, "snappy decode")
	}
	return out, nil
}

type zstdCompressor struct{}

func (zstdCompressor) Type() Type {
	return Zstd
}

func (zstdCompressor) Compress(dst, src []byte) ([]byte, error) {
	out, err := zstd.CompressLevel(dst[:0], src, zstdLevel)
	if err != nil {
		return nil, errors.Wrap(err, "zstd compress")
	}
	return out, nil
}

func (zstdCompressor) Decompress(dst, src []byte) ([]byte, error) {
	out, err := zstd.Decompress(dst[:0], src)
	if err != nil {
		return nil, errors.Wrap(err, "zstd decompress")
	}
	return out, nil
}
