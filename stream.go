package goindy

import (
	"context"
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/xiaoxuxiansheng/goindy/compression"
	"github.com/xiaoxuxiansheng/goindy/key"
	"github.com/xiaoxuxiansheng/goindy/volume"
)

// 把逻辑流切分成定长页，逐页压缩并追加校验和，之后追加页目录与 footer.
// 返回完整的物理字节
func encodePages(logical []byte, pageSize int, comp compression.Compressor, metaOff, metaLen uint64) ([]byte, uint64, error) {
	numPages := (len(logical) + pageSize - 1) / pageSize
	var (
		phys    []byte
		dir     = make([]pageRef, 0, numPages)
		scratch []byte
		err     error
	)
	for p := 0; p < numPages; p++ {
		end := (p + 1) * pageSize
		if end > len(logical) {
			end = len(logical)
		}

		// 1 压缩负载
		if scratch, err = comp.Compress(scratch, logical[p*pageSize:end]); err != nil {
			return nil, 0, errors.Wrapf(err, "compress page %d", p)
		}

		// 2 [codec][payload][xxhash]
		start := len(phys)
		phys = append(phys, byte(comp.Type()))
		phys = append(phys, scratch...)
		phys = binary.LittleEndian.AppendUint64(phys, xxhash.Sum64(phys[start:]))
		dir = append(dir, pageRef{off: uint64(start), len: uint32(len(phys) - start)})
	}

	f := footer{
		codec:    comp.Type(),
		pageSize: uint32(pageSize),
		numPages: uint64(numPages),
		dirOff:   uint64(len(phys)),
		dirLen:   uint64(numPages*dirEntrySize + 8),
		metaOff:  metaOff,
		metaLen:  metaLen,
	}
	phys = append(phys, encodeDirectory(dir)...)
	phys = append(phys, f.encode()...)
	pagesWrittenTotal.Add(numPages)
	return phys, f.dirOff, nil
}

// 按逻辑偏移读取一个 generation. 逻辑页经过页缓存，页缓存中存放校验并解压之后的页
type pagedReader struct {
	vol      *volume.Volume
	cache    *volume.Cache
	fileID   uuid.UUID
	gen      uint64
	base     int64 // generation 起始字节
	footer   footer
	dir      []pageRef
	decomp   compression.Compressor
	pageSize uint64
}

func newPagedReader(vol *volume.Volume, fileID uuid.UUID, gen uint64, base int64, f footer, dir []pageRef) (*pagedReader, error) {
	decomp, err := compression.NewCompressor(f.codec)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "file %s gen %d", fileID, gen), ErrCorruption)
	}
	return &pagedReader{
		vol:      vol,
		cache:    vol.Cache(),
		fileID:   fileID,
		gen:      gen,
		base:     base,
		footer:   f,
		dir:      dir,
		decomp:   decomp,
		pageSize: uint64(f.pageSize),
	}, nil
}

func (r *pagedReader) logicalLen() uint64 {
	return r.footer.logicalLen()
}

// 读取第 p 个逻辑页. 返回的页只读
func (r *pagedReader) page(ctx context.Context, p uint64, pri volume.Priority) ([]byte, error) {
	k := volume.PageKey{FileID: r.fileID, Gen: r.gen, Page: p}
	if page, ok := r.cache.GetPage(k); ok {
		return page, nil
	}

	if p >= uint64(len(r.dir)) {
		return nil, errors.Wrapf(ErrCorruption, "file %s gen %d page %d of %d", r.fileID, r.gen, p, len(r.dir))
	}
	ref := r.dir[p]
	phys := make([]byte, ref.len)
	if err := r.vol.ReadAt(ctx, phys, r.base+int64(ref.off), pri); err != nil {
		return nil, errors.Wrapf(err, "file %s gen %d page %d", r.fileID, r.gen, p)
	}
	pagesReadTotal.Inc()

	// 1 校验
	n := len(phys) - 8
	if binary.LittleEndian.Uint64(phys[n:]) != xxhash.Sum64(phys[:n]) {
		checksumErrorTotal.Inc()
		return nil, errors.Wrapf(ErrChecksumMismatch, "file %s gen %d page %d", r.fileID, r.gen, p)
	}
	if compression.Type(phys[0]) != r.footer.codec {
		return nil, errors.Wrapf(ErrCorruption, "file %s gen %d page %d codec %d", r.fileID, r.gen, p, phys[0])
	}

	// 2 解压，并确认页长度
	page, err := r.decomp.Decompress(nil, phys[1:n])
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "file %s gen %d page %d", r.fileID, r.gen, p), ErrCorruption)
	}
	want := r.pageSize
	if last := r.logicalLen() - p*r.pageSize; last < want {
		want = last
	}
	if uint64(len(page)) != want {
		return nil, errors.Wrapf(ErrCorruption, "file %s gen %d page %d has %d bytes, want %d", r.fileID, r.gen, p, len(page), want)
	}

	r.cache.ApplyPage(k, page, volume.DefaultCacheInstr(pri))
	return page, nil
}

// 读取逻辑区间 [off, off+n). 落在单个页内时直接返回页的切片
func (r *pagedReader) readAt(ctx context.Context, off, n uint64, pri volume.Priority) ([]byte, error) {
	if off+n > r.logicalLen() || off+n < off {
		return nil, errors.Wrapf(ErrCorruption, "file %s gen %d read [%d, +%d) beyond %d", r.fileID, r.gen, off, n, r.logicalLen())
	}
	if n == 0 {
		return nil, nil
	}

	first, last := off/r.pageSize, (off+n-1)/r.pageSize
	if first == last {
		page, err := r.page(ctx, first, pri)
		if err != nil {
			return nil, err
		}
		start := off - first*r.pageSize
		return page[start : start+n], nil
	}

	buf := make([]byte, 0, n)
	for p := first; p <= last; p++ {
		page, err := r.page(ctx, p, pri)
		if err != nil {
			return nil, err
		}
		start, end := uint64(0), uint64(len(page))
		if p == first {
			start = off - p*r.pageSize
		}
		if p == last {
			end = off + n - p*r.pageSize
		}
		buf = append(buf, page[start:end]...)
	}
	return buf, nil
}

// 读取定长记录中的若干个 u64
func (r *pagedReader) readWords(ctx context.Context, off uint64, dst []uint64, pri volume.Priority) error {
	buf, err := r.readAt(ctx, off, uint64(len(dst))*8, pri)
	if err != nil {
		return err
	}
	for i := range dst {
		dst[i] = le.Uint64(buf[i*8:])
	}
	return nil
}

// 反序列化 arena 中 off 处的 key
func (r *pagedReader) readKey(ctx context.Context, off uint64, arena *key.Arena, pri volume.Priority) (key.Key, error) {
	headLen := uint64(binary.MaxVarintLen64)
	if rest := r.logicalLen() - off; off < r.logicalLen() && rest < headLen {
		headLen = rest
	}
	head, err := r.readAt(ctx, off, headLen, pri)
	if err != nil {
		return key.Key{}, err
	}
	l, n := binary.Uvarint(head)
	if n <= 0 {
		return key.Key{}, errors.Wrapf(ErrCorruption, "file %s gen %d key length at %d", r.fileID, r.gen, off)
	}
	body, err := r.readAt(ctx, off+uint64(n), l, pri)
	if err != nil {
		return key.Key{}, err
	}
	k, err := key.Unmarshal(body, arena)
	if err != nil {
		return key.Key{}, errors.Mark(errors.Wrapf(err, "file %s gen %d key at %d", r.fileID, r.gen, off), ErrCorruption)
	}
	return k, nil
}

// 一次性读出 generation 的 footer 与页目录
func readLayout(ctx context.Context, vol *volume.Volume, fileID uuid.UUID, gen uint64, base int64, fileLength uint64, pri volume.Priority) (footer, []pageRef, error) {
	if fileLength < footerSize+8 {
		return footer{}, nil, errors.Wrapf(ErrCorruption, "file %s gen %d length %d", fileID, gen, fileLength)
	}

	buf := make([]byte, footerSize)
	if err := vol.ReadAt(ctx, buf, base+int64(fileLength-footerSize), pri); err != nil {
		return footer{}, nil, errors.Wrapf(err, "read footer of file %s gen %d", fileID, gen)
	}
	f, err := decodeFooter(buf, fileLength)
	if err != nil {
		return footer{}, nil, errors.Wrapf(err, "file %s gen %d", fileID, gen)
	}

	buf = make([]byte, f.dirLen)
	if err := vol.ReadAt(ctx, buf, base+int64(f.dirOff), pri); err != nil {
		return footer{}, nil, errors.Wrapf(err, "read directory of file %s gen %d", fileID, gen)
	}
	dir, err := decodeDirectory(buf, &f)
	if err != nil {
		return footer{}, nil, errors.Wrapf(err, "file %s gen %d", fileID, gen)
	}
	return f, dir, nil
}
