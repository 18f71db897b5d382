package sealing

import (
	"fmt"

	"golang.org/x/xerrors"
)

// Error kinds per spec.md §7's error table. Each is a sentinel so callers
// can classify failures (and recovery/log behavior) with errors.Is/xerrors.Is.
var (
	// ErrInvalidCid marks a CARv2 verify_cid failure for an uploaded piece.
	ErrInvalidCid = xerrors.New("invalid cid")

	// ErrSealingTooSlow marks a PreCommit that missed every referenced
	// deal's start_block deadline.
	ErrSealingTooSlow = xerrors.New("sealing too slow")

	// ErrNotExistentSector marks a PreCommit/ProveCommit for a sector
	// number with no stored record.
	ErrNotExistentSector = xerrors.New("sector does not exist")

	// ErrChainSubmissionFailed marks a logical (non-transport) chain
	// submission failure — an ExtrinsicFailed event or a rejected call.
	ErrChainSubmissionFailed = xerrors.New("chain submission failed")
)

// InvalidPieceCidError marks an AddPiece whose recomputed CommP doesn't
// match the piece's declared commitment, per spec.md §7/§4.D step 2.
type InvalidPieceCidError struct {
	Index    int
	Expected string
	Got      string
}

func (e *InvalidPieceCidError) Error() string {
	return fmt.Sprintf("invalid piece cid at index %d: expected %s got %s", e.Index, e.Expected, e.Got)
}
