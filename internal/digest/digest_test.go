package digest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContentHashMatchesBlockHash(t *testing.T) {
	for _, size := range []int{0, 1, BlockSize - 1, BlockSize, BlockSize + 1, 2*BlockSize + BlockSize/2} {
		data := bytes.Repeat([]byte{0xAB}, size)
		r := bytes.NewReader(data)
		got, err := ContentHash(r)
		require.NoError(t, err)
		require.Equal(t, BlockHash(data), got, "size %d", size)

		pos, err := r.Seek(0, io.SeekCurrent)
		require.NoError(t, err)
		require.Zero(t, pos, "reader must be rewound")
	}
}

// TestContentHashSingleBlock checks the two-level construction by hand.
func TestContentHashSingleBlock(t *testing.T) {
	data := []byte("hello")
	inner := sha256.Sum256(data)
	outer := sha256.Sum256(inner[:])

	got, err := ContentHash(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, hex.EncodeToString(outer[:]), got)
}

func TestContentHashDiffersFromSHA256(t *testing.T) {
	r := bytes.NewReader([]byte("payload"))
	ch, err := ContentHash(r)
	require.NoError(t, err)
	plain, err := SHA256(r)
	require.NoError(t, err)
	require.NotEqual(t, ch, plain)

	want := sha256.Sum256([]byte("payload"))
	require.Equal(t, hex.EncodeToString(want[:]), plain)
}
