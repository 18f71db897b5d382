package commitment

import (
	"io"

	sha256simd "github.com/minio/sha256-simd"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/storage-core/build"
)

// maskedHash compresses two 32-byte Merkle children into a 32-byte parent,
// masking the top two bits of the last byte to 0 so the digest stays a
// valid BLS12-381 scalar field element — the same masking
// go-fil-commp-hashhash applies (`d[31] &= 0x3F`) after every internal-node
// hash.
func maskedHash(left, right []byte) [32]byte {
	h := sha256simd.New()
	h.Write(left)
	h.Write(right)
	var out [32]byte
	h.Sum(out[:0])
	out[31] &= 0x3F
	return out
}

// CalculatePieceCommitment computes CommP for the content read from r,
// which must already be prepared (Fr32-expanded and zero-padded) to yield
// exactly size/32 leaves of 32 bytes each, per spec.md §4.A steps 1-4.
func CalculatePieceCommitment(r io.Reader, size PaddedPieceSize) (Commitment, error) {
	if err := ValidatePadded(size); err != nil {
		return Commitment{}, err
	}

	numLeaves := uint64(size) / build.NodeSize
	leaves := make([][32]byte, numLeaves)
	buf := make([]byte, build.NodeSize)
	for i := uint64(0); i < numLeaves; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return Commitment{}, xerrors.Errorf("reading leaf %d/%d: %w", i, numLeaves, err)
		}
		copy(leaves[i][:], buf)
	}

	root := merkleRoot(leaves)
	return New(KindPiece, root[:])
}

// merkleRoot folds a slice of 32-byte leaves (length a power of two, at
// least one) into a single 32-byte root using maskedHash as the compressor.
func merkleRoot(level [][32]byte) [32]byte {
	for len(level) > 1 {
		next := make([][32]byte, len(level)/2)
		for i := range next {
			next[i] = maskedHash(level[2*i][:], level[2*i+1][:])
		}
		level = next
	}
	return level[0]
}
