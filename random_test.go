package qstore

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystemRandomSource(t *testing.T) {
	source := NewSystemRandomSource()

	b1, err := source.Bytes(32)
	require.NoError(t, err)
	require.Len(t, b1, 32)

	b2, err := source.Bytes(32)
	require.NoError(t, err)
	assert.NotEqual(t, b1, b2)

	empty, err := source.Bytes(0)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = source.Bytes(-1)
	require.Error(t, err)
}

func TestRandomReader(t *testing.T) {
	r := RandomReader(NewSystemRandomSource())

	buf := make([]byte, 64)
	n, err := io.ReadFull(r, buf)
	require.NoError(t, err)
	assert.Equal(t, 64, n)

	zero := make([]byte, 64)
	assert.NotEqual(t, zero, buf)
}

// fixedRandomSource returns a repeating byte for deterministic tests.
type fixedRandomSource struct {
	fill byte
}

func (f fixedRandomSource) Bytes(n int) ([]byte, error) {
	b := make([]byte, n)
	for i := range b {
		b[i] = f.fill
	}
	return b, nil
}

func TestRandomReaderWithInjectedSource(t *testing.T) {
	r := RandomReader(fixedRandomSource{fill: 0xAB})

	buf := make([]byte, 8)
	_, err := io.ReadFull(r, buf)
	require.NoError(t, err)
	for _, b := range buf {
		assert.Equal(t, byte(0xAB), b)
	}
}
