package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_SharedPrefixLen(t *testing.T) {
	assert.Equal(t, SharedPrefixLen([]byte("a"), nil), 0)
	assert.Equal(t, SharedPrefixLen([]byte("ab"), []byte("abc")), 2)
	assert.Equal(t, SharedPrefixLen([]byte("ab"), []byte("c")), 0)
}

func Test_NextPowerOfTwo(t *testing.T) {
	assert.Equal(t, uint64(1), NextPowerOfTwo(0))
	assert.Equal(t, uint64(1), NextPowerOfTwo(1))
	assert.Equal(t, uint64(8), NextPowerOfTwo(5))
	assert.Equal(t, uint64(16), NextPowerOfTwo(16))
}

func Test_AlignUp(t *testing.T) {
	assert.Equal(t, uint64(0), AlignUp(0, 512))
	assert.Equal(t, uint64(512), AlignUp(1, 512))
	assert.Equal(t, uint64(1024), AlignUp(1024, 512))
	assert.Equal(t, uint64(7), AlignUp(7, 0))
}
