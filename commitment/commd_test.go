package commitment

import (
	"encoding/hex"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"
)

func TestComputeUnsealedSectorCommitment_EmptySector2KiB(t *testing.T) {
	want, err := hex.DecodeString("fc7e928296e516faade986b28f92d44a4f24b935485223376a799027bc18f833")
	require.NoError(t, err)

	c, err := ComputeUnsealedSectorCommitment(2048, nil)
	require.NoError(t, err)
	require.Equal(t, want, c.Raw())
	require.Equal(t, KindData, c.Kind)
}

func TestComputeUnsealedSectorCommitment_EmptySector128B(t *testing.T) {
	want, err := hex.DecodeString("3731bb99ac689f66eef5973e4a94da188f4ddcae580724fc6f3fd60dfd488333")
	require.NoError(t, err)

	c, err := ComputeUnsealedSectorCommitment(128, nil)
	require.NoError(t, err)
	require.Equal(t, want, c.Raw())
}

func TestComputeUnsealedSectorCommitment_SinglePieceFillsSector(t *testing.T) {
	piece, err := CalculatePieceCommitment(zeroReader{}, 256)
	require.NoError(t, err)

	direct, err := zeroPieceCommitment(256)
	require.NoError(t, err)

	got, err := ComputeUnsealedSectorCommitment(256, []PieceInfo{{Commitment: piece, Size: 256}})
	require.NoError(t, err)
	require.Equal(t, direct.Raw(), got.Raw())
}

func TestComputeUnsealedSectorCommitment_RejectsOversizedPiece(t *testing.T) {
	piece, err := CalculatePieceCommitment(zeroReader{}, 512)
	require.NoError(t, err)

	_, err = ComputeUnsealedSectorCommitment(256, []PieceInfo{{Commitment: piece, Size: 512}})
	require.ErrorIs(t, err, ErrPieceTooLarge)
}

func TestComputeUnsealedSectorCommitment_RejectsTooManyPieces(t *testing.T) {
	// Minimum PaddedPieceSize is 128, so any piece count beyond
	// sectorSize/128 necessarily also overflows total size — both limits
	// are violated here and the total-size check runs first (so the error
	// is ErrPieceTooLarge), but the important property is that the sector
	// is rejected rather than silently truncated.
	piece, err := CalculatePieceCommitment(zeroReader{}, 128)
	require.NoError(t, err)

	pieces := make([]PieceInfo, 0, 3)
	for i := 0; i < 3; i++ {
		pieces = append(pieces, PieceInfo{Commitment: piece, Size: 128})
	}
	_, err = ComputeUnsealedSectorCommitment(256, pieces)
	require.Error(t, err)
}

func TestPadSector_FillsToSectorSize(t *testing.T) {
	padding, err := PadSector(1024, 384)
	require.NoError(t, err)

	var total uint64
	for _, p := range padding {
		total += uint64(p.Size)
	}
	require.Equal(t, uint64(640), total)
}

// TestComputeUnsealedSectorCommitment_32GiBTenPieceFixture cross-checks
// against original_source/primitives/commitment/src/commd.rs's
// compute_unsealed_sector_cid test: the Filecoin reference fixture of ten
// well-known piece CIDs (256 MiB-1 GiB), padded with two zero pieces (8 GiB,
// 16 GiB) to fill a 32 GiB sector.
func TestComputeUnsealedSectorCommitment_32GiBTenPieceFixture(t *testing.T) {
	pieces := []struct {
		cidStr string
		size   uint64
	}{
		{"baga6ea4seaqknzm22isnhsxt2s4dnw45kfywmhenngqq3nc7jvecakoca6ksyhy", 256 << 20},
		{"baga6ea4seaqnq6o5wuewdpviyoafno4rdpqnokz6ghvg2iyeyfbqxgcwdlj2egi", 1024 << 20},
		{"baga6ea4seaqpixk4ifbkzato3huzycj6ty6gllqwanhdpsvxikawyl5bg2h44mq", 512 << 20},
		{"baga6ea4seaqaxwe5dy6nt3ko5tngtmzvpqxqikw5mdwfjqgaxfwtzenc6bgzajq", 512 << 20},
		{"baga6ea4seaqpy33nbesa4d6ot2ygeuy43y4t7amc4izt52mlotqenwcmn2kyaai", 1024 << 20},
		{"baga6ea4seaqphvv4x2s2v7ykgc3ugs2kkltbdeg7icxstklkrgqvv72m2v3i2aa", 256 << 20},
		{"baga6ea4seaqf5u55znk6jwhdsrhe37emzhmehiyvjxpsww274f6fiy3h4yctady", 512 << 20},
		{"baga6ea4seaqa3qbabsbmvk5er6rhsjzt74beplzgulthamm22jue4zgqcuszofi", 1024 << 20},
		{"baga6ea4seaqiekvf623muj6jpxg6vsqaikyw3r4ob5u7363z7zcaixqvfqsc2ji", 256 << 20},
		{"baga6ea4seaqhsewv65z2d4m5o4vo65vl5o6z4bcegdvgnusvlt7rao44gro36pi", 512 << 20},
	}

	infos := make([]PieceInfo, 0, len(pieces)+2)
	for _, p := range pieces {
		parsed, err := cid.Decode(p.cidStr)
		require.NoError(t, err)
		c, err := FromCID(parsed, KindPiece)
		require.NoError(t, err)
		infos = append(infos, PieceInfo{Commitment: c, Size: PaddedPieceSize(p.size)})
	}
	for _, zeroSize := range []uint64{8 << 30, 16 << 30} {
		zc, err := zeroPieceCommitment(PaddedPieceSize(zeroSize))
		require.NoError(t, err)
		infos = append(infos, PieceInfo{Commitment: zc, Size: PaddedPieceSize(zeroSize)})
	}

	const sectorSize = uint64(32) << 30
	commD, err := ComputeUnsealedSectorCommitment(sectorSize, infos)
	require.NoError(t, err)
	require.Equal(t, KindData, commD.Kind)

	gotCID, err := commD.ToCID()
	require.NoError(t, err)
	require.Equal(t, "baga6ea4seaqiw3gbmstmexb7sqwkc5r23o3i7zcyx5kr76pfobpykes3af62kca", gotCID.String())
}

func TestPadSector_AlreadyFull(t *testing.T) {
	padding, err := PadSector(512, 512)
	require.NoError(t, err)
	require.Empty(t, padding)
}
