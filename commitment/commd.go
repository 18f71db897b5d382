package commitment

import (
	"golang.org/x/xerrors"

	"github.com/filecoin-project/storage-core/build"
)

// ErrPieceTooLarge is returned when a single piece does not fit the target
// sector size.
var ErrPieceTooLarge = xerrors.New("piece size exceeds sector size")

// ErrTooManyPieces is returned when the piece count exceeds the sector's
// minimum-piece-size-derived slot limit.
var ErrTooManyPieces = xerrors.New("too many pieces for sector size")

// PieceInfo pairs a piece commitment with its padded size, per spec.md §3.
type PieceInfo struct {
	Commitment Commitment
	Size       PaddedPieceSize
}

// zeroPieceCommitment returns the commitment of an all-zero piece of the
// given padded size, by running the same Merkle builder used for real
// piece data (CalculatePieceCommitment) over an all-zero byte stream. This
// is mathematically identical to a precomputed zero-leaf table — the zero
// tree is pure function of size — without introducing a second,
// independently-verified code path for the same computation.
func zeroPieceCommitment(size PaddedPieceSize) (Commitment, error) {
	return CalculatePieceCommitment(zeroReader{}, size)
}

// zeroReader is an io.Reader that yields an endless stream of zero bytes.
type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// combine merges two equal-sized PieceInfos into their parent, hashing
// their commitments pairwise with the same masked SHA-256 compressor the
// Merkle tree uses, per spec.md §4.A's combine step.
func combine(left, right PieceInfo) (PieceInfo, error) {
	if left.Size != right.Size {
		return PieceInfo{}, xerrors.Errorf("combine: mismatched sizes %d != %d", left.Size, right.Size)
	}
	parent := maskedHash(left.Commitment.Raw(), right.Commitment.Raw())
	c, err := New(KindData, parent[:])
	if err != nil {
		return PieceInfo{}, err
	}
	return PieceInfo{Commitment: c, Size: left.Size + right.Size}, nil
}

// commdStack implements the left-dense stack reduction spec.md §4.A
// describes, grounded on original_source/primitives/commitment/src/commd.rs's
// CommDPieceReduction: push, pad-with-zero-pieces-until-top-matches, then
// combine equal-sized siblings.
type commdStack struct {
	elems []PieceInfo
}

// push appends p to the stack, first padding with zero pieces sized to the
// current top until the top is no longer smaller than p, then reducing
// equal-sized siblings repeatedly.
func (s *commdStack) push(p PieceInfo) error {
	for len(s.elems) > 0 && s.top().Size < p.Size {
		if err := s.padTop(); err != nil {
			return err
		}
	}
	s.elems = append(s.elems, p)
	return s.reduce()
}

func (s *commdStack) top() PieceInfo {
	return s.elems[len(s.elems)-1]
}

// padTop pushes a zero piece sized to the current top and reduces.
func (s *commdStack) padTop() error {
	zc, err := zeroPieceCommitment(s.top().Size)
	if err != nil {
		return err
	}
	s.elems = append(s.elems, PieceInfo{Commitment: zc, Size: s.top().Size})
	return s.reduce()
}

// reduce repeatedly combines the top two elements while they have equal
// size.
func (s *commdStack) reduce() error {
	for len(s.elems) >= 2 {
		n := len(s.elems)
		a, b := s.elems[n-2], s.elems[n-1]
		if a.Size != b.Size {
			return nil
		}
		combined, err := combine(a, b)
		if err != nil {
			return err
		}
		s.elems = append(s.elems[:n-2], combined)
	}
	return nil
}

// finish pads the remaining stack up to a single element by repeatedly
// appending a zero piece sized to the current top and reducing, per
// spec.md §4.A's final step.
func (s *commdStack) finish() (PieceInfo, error) {
	if len(s.elems) == 0 {
		return PieceInfo{}, xerrors.New("commdStack: empty stack")
	}
	for len(s.elems) > 1 {
		if err := s.padTop(); err != nil {
			return PieceInfo{}, err
		}
	}
	return s.elems[0], nil
}

// ComputeUnsealedSectorCommitment reduces an ordered list of PieceInfos
// placed into a sector of sectorSize to a single CommD, per spec.md §4.A.
// An empty pieces list returns the zero-piece commitment for the whole
// sector.
func ComputeUnsealedSectorCommitment(sectorSize uint64, pieces []PieceInfo) (Commitment, error) {
	if len(pieces) == 0 {
		return zeroPieceCommitment(PaddedPieceSize(sectorSize))
	}

	var total uint64
	for _, p := range pieces {
		if uint64(p.Size) > sectorSize {
			return Commitment{}, ErrPieceTooLarge
		}
		total += uint64(p.Size)
	}
	if total > sectorSize {
		return Commitment{}, ErrPieceTooLarge
	}

	maxPieces := sectorSize / uint64(build.MinPieceSize.Padded())
	if uint64(len(pieces)) > maxPieces {
		return Commitment{}, ErrTooManyPieces
	}

	stack := &commdStack{}
	for _, p := range pieces {
		if err := stack.push(p); err != nil {
			return Commitment{}, err
		}
	}
	root, err := stack.finish()
	if err != nil {
		return Commitment{}, err
	}

	c, err := New(KindData, root.Commitment.Raw())
	if err != nil {
		return Commitment{}, err
	}
	return c, nil
}

// PadSector returns the synthetic zero PieceInfos needed to fill a sector
// of sectorSize that already holds occupiedSpace bytes of real pieces, per
// spec.md §4.D step 2 (pad_sector). It greedily emits the largest possible
// zero piece at each step until the sector is full.
func PadSector(sectorSize uint64, occupiedSpace uint64) ([]PieceInfo, error) {
	remaining := sectorSize - occupiedSpace
	var padding []PieceInfo
	for remaining > 0 {
		padSize := largestPowerOfTwoAtMost(remaining)
		if padSize < uint64(build.MinPieceSize.Padded()) {
			return nil, xerrors.Errorf("remaining space %d smaller than minimum piece size", remaining)
		}
		zc, err := zeroPieceCommitment(PaddedPieceSize(padSize))
		if err != nil {
			return nil, err
		}
		padding = append(padding, PieceInfo{Commitment: zc, Size: PaddedPieceSize(padSize)})
		remaining -= padSize
	}
	return padding, nil
}

func largestPowerOfTwoAtMost(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	p := uint64(1)
	for p<<1 <= n {
		p <<= 1
	}
	return p
}
