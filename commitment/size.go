package commitment

import (
	"math/bits"

	"github.com/filecoin-project/go-padreader"
	"github.com/filecoin-project/go-state-types/abi"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/storage-core/build"
)

// UnpaddedPieceSize and PaddedPieceSize alias the canonical abi types so the
// rest of the module speaks the same vocabulary as the teacher's sealing
// code, while this package owns the validation spec.md §3 requires.
type UnpaddedPieceSize = abi.UnpaddedPieceSize
type PaddedPieceSize = abi.PaddedPieceSize

// ValidateUnpadded checks that size is of the form 127*2^n, n>=0, and at
// least build.MinPieceSize, per spec.md §3.
func ValidateUnpadded(size UnpaddedPieceSize) error {
	if size < build.MinPieceSize {
		return xerrors.Errorf("unpadded piece size %d below minimum %d", size, build.MinPieceSize)
	}
	q := uint64(size) / uint64(build.MinPieceSize)
	if uint64(size)%uint64(build.MinPieceSize) != 0 {
		return xerrors.Errorf("unpadded piece size %d is not a multiple of %d", size, build.MinPieceSize)
	}
	if bits.OnesCount64(q) != 1 {
		return xerrors.Errorf("unpadded piece size %d is not of the form 127*2^n", size)
	}
	return nil
}

// ValidatePadded checks that size is a power of two, a multiple of
// build.NodeSize, and at least 128 bytes.
func ValidatePadded(size PaddedPieceSize) error {
	if size < 128 {
		return xerrors.Errorf("padded piece size %d below minimum 128", size)
	}
	if bits.OnesCount64(uint64(size)) != 1 {
		return xerrors.Errorf("padded piece size %d is not a power of two", size)
	}
	if uint64(size)%build.NodeSize != 0 {
		return xerrors.Errorf("padded piece size %d is not a multiple of node size %d", size, build.NodeSize)
	}
	return nil
}

// ToPadded converts an UnpaddedPieceSize to its PaddedPieceSize, following
// spec.md §3: padded = unpadded + unpadded/127.
func ToPadded(size UnpaddedPieceSize) (PaddedPieceSize, error) {
	if err := ValidateUnpadded(size); err != nil {
		return 0, err
	}
	return size.Padded(), nil
}

// ToUnpadded converts a PaddedPieceSize back to UnpaddedPieceSize, following
// spec.md §3: unpadded = padded - padded/128.
func ToUnpadded(size PaddedPieceSize) (UnpaddedPieceSize, error) {
	if err := ValidatePadded(size); err != nil {
		return 0, err
	}
	return size.Unpadded(), nil
}

// CanonicalPaddedSize computes the smallest valid PaddedPieceSize that can
// hold rawLen bytes of raw content: next_power_of_two(L + L/127), per
// spec.md §3. It reuses go-padreader.PaddedSize, the teacher's own helper
// for exactly this rounding (see sealing.go: `padreader.PaddedSize(uint64(size))`),
// to get the equivalent valid UnpaddedPieceSize and then pads it.
func CanonicalPaddedSize(rawLen uint64) PaddedPieceSize {
	unpadded := padreader.PaddedSize(rawLen)
	return unpadded.Padded()
}
