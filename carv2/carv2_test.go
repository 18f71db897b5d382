package carv2

import (
	"bytes"
	"os"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"
)

func TestWriteFile_RoundTripsAndVerifies(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "carv2-*.car")
	require.NoError(t, err)
	defer f.Close()

	content := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 20000)
	result, err := WriteFile(f, bytes.NewReader(content))
	require.NoError(t, err)
	require.NotEqual(t, cid.Undef, result.Root)
	require.Greater(t, result.DataSize, uint64(0))
	require.Greater(t, result.IndexSize, uint64(0))

	_, err = f.Seek(0, 0)
	require.NoError(t, err)
	err = VerifyCid(f, result.Root)
	require.NoError(t, err)
}

func TestWriteFile_SmallSingleLeaf(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "carv2-*.car")
	require.NoError(t, err)
	defer f.Close()

	content := []byte("small file, single leaf, no intermediate nodes needed")
	result, err := WriteFile(f, bytes.NewReader(content))
	require.NoError(t, err)

	_, err = f.Seek(0, 0)
	require.NoError(t, err)
	h, roots, blocks, err := ReadPayload(f)
	require.NoError(t, err)
	require.Equal(t, result.DataOffset, h.DataOffset)
	require.Len(t, roots, 1)
	require.Equal(t, result.Root, roots[0])
	require.NotEmpty(t, blocks)
}

func TestVerifyCid_RejectsWrongRoot(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "carv2-*.car")
	require.NoError(t, err)
	defer f.Close()

	content := bytes.Repeat([]byte{0x42}, 1000)
	_, err = WriteFile(f, bytes.NewReader(content))
	require.NoError(t, err)

	_, err = f.Seek(0, 0)
	require.NoError(t, err)
	err = VerifyCid(f, cid.Undef)
	require.Error(t, err)
}
