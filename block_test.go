package goindy

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Block_ToBytes(t *testing.T) {
	block := NewBlock()
	// 0 | 1 | 1 | a | b
	block.Append([]byte("a"), []byte("b"))
	// 0 | 1 | 1 | a | b | 0 | 1 | 1 | b | c
	block.Append([]byte("b"), []byte("c"))
	// 0 | 1 | 1 | a | b | 0 | 1 | 1 | b | c | 1 | 2 | 1 | cd | d
	block.Append([]byte("bcd"), []byte("d"))
	// 0 | 1 | 1 | a | b | 0 | 1 | 1 | b | c | 1 | 2 | 1 | cd | d | 2 | 1 | 1 | e | e
	block.Append([]byte("bce"), []byte("e"))

	expect := bytes.NewBuffer([]byte{})
	var recordBuf [8]byte
	put := func(vs ...uint64) {
		for _, v := range vs {
			n := binary.PutUvarint(recordBuf[0:], v)
			expect.Write(recordBuf[:n])
		}
	}
	put(0, 1, 1)
	expect.Write([]byte{'a', 'b'})
	put(0, 1, 1)
	expect.Write([]byte{'b', 'c'})
	put(1, 2, 1)
	expect.Write([]byte{'c', 'd', 'd'})
	put(2, 1, 1)
	expect.Write([]byte{'e', 'e'})

	assert.Equal(t, expect.Bytes(), block.ToBytes())
	assert.Equal(t, 4, block.Len())
}

func Test_Block_ReadBack(t *testing.T) {
	block := NewBlock()
	kvs := [][2]string{{"", "header"}, {"a", "1"}, {"ab", "2"}, {"abc", ""}, {"b", "4"}}
	for _, kv := range kvs {
		block.Append([]byte(kv[0]), []byte(kv[1]))
	}

	var got [][2]string
	err := forEachRecord(block.ToBytes(), func(key, value []byte) error {
		got = append(got, [2]string{string(key), string(value)})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, kvs, got)

	// 截断的记录块必须报错
	data := block.ToBytes()
	err = forEachRecord(data[:len(data)-1], func(key, value []byte) error { return nil })
	assert.Error(t, err)

	var out bytes.Buffer
	n, err := block.FlushTo(&out)
	require.NoError(t, err)
	assert.Equal(t, uint64(out.Len()), n)
	assert.Equal(t, 0, block.Size())
}
