package key

import (
	"bytes"

	"github.com/cockroachdb/errors"
	"github.com/spaolacci/murmur3"
	"github.com/vmihailenco/msgpack/v5"
)

var ErrInvalidEncoding = errors.New("key: invalid encoding")

var (
	_ msgpack.CustomEncoder = (*Key)(nil)
	_ msgpack.CustomDecoder = (*Key)(nil)
)

// 64 位快速哈希，基于规范编码计算，首次使用时缓存
func (k Key) Hash() uint64 {
	if k.hash == nil {
		return murmur3.Sum64(Marshal(k))
	}
	if k.hash.ready.Load() {
		return k.hash.v.Load()
	}
	// 并发计算结果相同，重复写入无害
	h := murmur3.Sum64(Marshal(k))
	k.hash.v.Store(h)
	k.hash.ready.Store(true)
	return h
}

func (k Key) cachedHash() (uint64, bool) {
	if k.hash == nil || !k.hash.ready.Load() {
		return 0, false
	}
	return k.hash.v.Load(), true
}

// 规范编码. 结构相等的 key 编码结果完全一致
func Marshal(k Key) []byte {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	enc.Reset(&buf)
	// 写入 bytes.Buffer 不会失败
	_ = encode(enc, k)
	msgpack.PutEncoder(enc)
	return buf.Bytes()
}

// 从规范编码中解析 key，外部负载拷贝到 arena 中. arena 可以为 nil
func Unmarshal(data []byte, arena *Arena) (Key, error) {
	var r bytes.Reader
	r.Reset(data)
	dec := msgpack.GetDecoder()
	dec.Reset(&r)
	k, err := decode(dec, arena)
	msgpack.PutDecoder(dec)
	if err != nil {
		return Key{}, errors.Mark(errors.Wrapf(err, "decode key of %d bytes", len(data)), ErrInvalidEncoding)
	}
	return k, nil
}

func (k *Key) EncodeMsgpack(enc *msgpack.Encoder) error {
	return encode(enc, *k)
}

func (k *Key) DecodeMsgpack(dec *msgpack.Decoder) error {
	decoded, err := decode(dec, nil)
	if err != nil {
		return err
	}
	*k = decoded
	return nil
}

func encode(enc *msgpack.Encoder, k Key) error {
	if err := enc.EncodeUint8(uint8(k.kind)); err != nil {
		return err
	}

	switch k.kind {
	case KindFree:
		return nil
	case KindBool:
		return enc.EncodeBool(k.Bool())
	case KindInt:
		return enc.EncodeInt(k.Int())
	case KindUint:
		return enc.EncodeUint(k.num)
	case KindFloat:
		return enc.EncodeFloat64(k.Float())
	case KindString:
		return enc.EncodeString(k.str)
	case KindBytes, KindUUID:
		return enc.EncodeBytes([]byte(k.str))
	case KindTuple, KindSet, KindOpt:
		if err := enc.EncodeArrayLen(len(k.elems)); err != nil {
			return err
		}
		for _, e := range k.elems {
			if err := encode(enc, e); err != nil {
				return err
			}
		}
		return nil
	}
	return errors.Newf("key: unknown kind %d", k.kind)
}

func decode(dec *msgpack.Decoder, arena *Arena) (Key, error) {
	rawKind, err := dec.DecodeUint8()
	if err != nil {
		return Key{}, err
	}

	k := newKey(Kind(rawKind))
	k.arena = arena
	switch k.kind {
	case KindFree:
	case KindBool:
		b, err := dec.DecodeBool()
		if err != nil {
			return Key{}, err
		}
		if b {
			k.num = 1
		}
	case KindInt:
		i, err := dec.DecodeInt64()
		if err != nil {
			return Key{}, err
		}
		k.num = uint64(i)
	case KindUint:
		if k.num, err = dec.DecodeUint64(); err != nil {
			return Key{}, err
		}
	case KindFloat:
		f, err := dec.DecodeFloat64()
		if err != nil {
			return Key{}, err
		}
		k = Float(f)
		k.arena = arena
	case KindString:
		s, err := dec.DecodeString()
		if err != nil {
			return Key{}, err
		}
		k.str = arena.internString(s)
	case KindBytes, KindUUID:
		b, err := dec.DecodeBytes()
		if err != nil {
			return Key{}, err
		}
		if k.kind == KindUUID && len(b) != 16 {
			return Key{}, errors.Newf("key: uuid payload of %d bytes", len(b))
		}
		k.str = arena.internBytes(b)
	case KindTuple, KindSet, KindOpt:
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return Key{}, err
		}
		if n < 0 || (k.kind == KindOpt && n > 1) {
			return Key{}, errors.Newf("key: %s with %d elements", k.kind, n)
		}
		if n > 0 {
			k.elems = make([]Key, n)
		}
		for i := 0; i < n; i++ {
			if k.elems[i], err = decode(dec, arena); err != nil {
				return Key{}, err
			}
		}
	default:
		return Key{}, errors.Newf("key: unknown kind %d", rawKind)
	}
	return k, nil
}
