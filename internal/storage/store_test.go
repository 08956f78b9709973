package storage

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var codecs = []Codec{Snappy, Zstd, LZ4}

func fill(t *testing.T, s *IndexedStore, n int) []string {
	t.Helper()
	want := make([]string, n)
	for i := range want {
		want[i] = fmt.Sprintf("message %d %s", i, strings.Repeat("x", i%17))
		idx, err := s.Add(want[i])
		require.NoError(t, err)
		require.Equal(t, i, idx)
	}
	return want
}

func TestIndexedStore_RoundTrip(t *testing.T) {
	for _, c := range codecs {
		for _, n := range []int{0, 1, 399, 400, 401, 1000} {
			t.Run(fmt.Sprintf("%s/%d", c.Name(), n), func(t *testing.T) {
				s := NewIndexedStore(c, DefaultBlockSize)
				want := fill(t, s, n)
				assert.Equal(t, n, s.Count())
				for i, w := range want {
					got, err := s.Get(i)
					require.NoError(t, err)
					require.Equal(t, w, got, "index %d", i)
				}
			})
		}
	}
}

func TestIndexedStore_BlockLayout(t *testing.T) {
	s := NewIndexedStore(nil, 0)
	fill(t, s, 1000)
	st := s.Stats()
	assert.Equal(t, 2, st.SealedBlocks)
	assert.Equal(t, 1000, st.Entries)
	assert.Positive(t, st.PendingBytes)
	assert.Equal(t, "snappy", s.Codec().Name())
}

func TestIndexedStore_RandomAccessAcrossBlocks(t *testing.T) {
	s := NewIndexedStore(Zstd, 10)
	want := fill(t, s, 55)
	for _, i := range []int{54, 3, 47, 12, 12, 0, 29, 50} {
		got, err := s.Get(i)
		require.NoError(t, err)
		assert.Equal(t, want[i], got)
	}
}

func TestIndexedStore_EmptyStrings(t *testing.T) {
	s := NewIndexedStore(LZ4, 3)
	for _, v := range []string{"", "a", "", "", "b"} {
		_, err := s.Add(v)
		require.NoError(t, err)
	}
	for i, v := range []string{"", "a", "", "", "b"} {
		got, err := s.Get(i)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestIndexedStore_Errors(t *testing.T) {
	s := NewIndexedStore(Snappy, 4)
	_, err := s.Add("bad\x00entry")
	assert.ErrorIs(t, err, ErrInvalidEntry)
	assert.Equal(t, 0, s.Count())

	fill(t, s, 2)
	_, err = s.Get(2)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	_, err = s.Get(-1)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestIndexedStore_Corruption(t *testing.T) {
	s := NewIndexedStore(Snappy, 4)
	want := fill(t, s, 10)
	s.sealed[0] = []byte("not snappy")

	_, err := s.Get(1)
	assert.ErrorIs(t, err, ErrStorageCorruption)
	var ce *CorruptionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 0, ce.Block)

	got, err := s.Get(5)
	require.NoError(t, err)
	assert.Equal(t, want[5], got)
	got, err = s.Get(9)
	require.NoError(t, err)
	assert.Equal(t, want[9], got)
}

func TestIndexedStore_WrongEntryCountIsCorruption(t *testing.T) {
	s := NewIndexedStore(Snappy, 2)
	fill(t, s, 2)
	block, err := Snappy.Compress([]byte("only\x00"))
	require.NoError(t, err)
	s.sealed[0] = block
	_, err = s.Get(0)
	assert.ErrorIs(t, err, ErrStorageCorruption)
}

func TestIndexedStore_DropBefore(t *testing.T) {
	s := NewIndexedStore(Snappy, 10)
	want := fill(t, s, 35)

	assert.Equal(t, 0, s.DropBefore(9))
	assert.Equal(t, 20, s.DropBefore(25))
	assert.Equal(t, 35, s.Count())

	_, err := s.Get(19)
	assert.ErrorIs(t, err, ErrEvicted)
	got, err := s.Get(20)
	require.NoError(t, err)
	assert.Equal(t, want[20], got)
	got, err = s.Get(34)
	require.NoError(t, err)
	assert.Equal(t, want[34], got)

	// The write block is never dropped.
	assert.Equal(t, 30, s.DropBefore(1000))
	idx, err := s.Add("next")
	require.NoError(t, err)
	assert.Equal(t, 35, idx)
}

func TestIndexedStore_Clear(t *testing.T) {
	s := NewIndexedStore(Zstd, 4)
	fill(t, s, 9)
	s.DropBefore(4)
	s.Clear()
	assert.Equal(t, 0, s.Count())
	assert.Equal(t, 0, s.First())
	idx, err := s.Add("fresh")
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	got, err := s.Get(0)
	require.NoError(t, err)
	assert.Equal(t, "fresh", got)
}

func TestParseCodec(t *testing.T) {
	for _, name := range []string{"snappy", "zstd", "lz4"} {
		c, err := ParseCodec(name)
		require.NoError(t, err)
		assert.Equal(t, name, c.Name())
	}
	c, err := ParseCodec("")
	require.NoError(t, err)
	assert.Equal(t, DefaultCodec, c)
	_, err = ParseCodec("gzip")
	assert.Error(t, err)
}

func TestLZ4_StoredAndCorrupt(t *testing.T) {
	raw := []byte("ab")
	block, err := LZ4.Compress(raw)
	require.NoError(t, err)
	assert.Equal(t, byte(lz4Stored), block[4])
	out, err := LZ4.Decompress(block)
	require.NoError(t, err)
	assert.Equal(t, raw, out)

	_, err = LZ4.Decompress([]byte{1, 2})
	assert.Error(t, err)
}
