package carv2

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestHeader_LoremFixture cross-checks against
// original_source/storage/mater/src/v2/writer.rs's test fixture for
// lorem.txt: Header::new(false, 51, 7661, 7712). data_offset is exactly
// pragma(11) + header(40) = 51, and index_offset = data_offset + data_size.
func TestHeader_LoremFixture(t *testing.T) {
	h := NewHeader(false, 51, 7661, 7712)
	require.False(t, h.FullyIndexed())

	var buf bytes.Buffer
	n, err := h.WriteTo(&buf)
	require.NoError(t, err)
	require.Equal(t, int64(51), n)
	require.Equal(t, 51, buf.Len())

	got, err := ReadHeader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, h, got)
	require.Equal(t, uint64(51), got.DataOffset)
	require.Equal(t, uint64(7661), got.DataSize)
	require.Equal(t, uint64(7712), got.IndexOffset)
	require.Equal(t, got.DataOffset+got.DataSize, got.IndexOffset)
}

func TestReadHeader_RejectsBadPragma(t *testing.T) {
	buf := bytes.Repeat([]byte{0x00}, 51)
	_, err := ReadHeader(bytes.NewReader(buf))
	require.Error(t, err)
}
