package sealing

import (
	"context"
	"io"

	"github.com/filecoin-project/go-state-types/abi"

	"github.com/filecoin-project/storage-core/commitment"
)

// PreCommitOutput is what the external sealer returns from
// precommit_sector, per spec.md §4.D step 3.
type PreCommitOutput struct {
	CommR commitment.Commitment
	CommD commitment.Commitment
}

// PoStSectorInfo is one sector's replica handle as passed to the prover
// for a windowed PoSt partition, per spec.md §4.D's SubmitWindowedPoSt
// handler step 2.
type PoStSectorInfo struct {
	SectorNumber abi.SectorNumber
	CommR        commitment.Commitment
	CachePath    string
	SealedPath   string
}

// Sealer is the narrow external collaborator spec.md §1 names as
// out-of-scope ("the core consumes an opaque prover"): actual replication
// and SNARK proving happen behind this interface. The pipeline's job is
// orchestration — calling these at the right point with the right
// arguments — never the cryptography itself.
type Sealer interface {
	// AddPiece streams src (already Fr32-expanded and zero-padded to its
	// PaddedPieceSize by the caller) into dst, returning the number of
	// padded bytes written, per spec.md §4.D's AddPiece handler step 2.
	AddPiece(ctx context.Context, dst io.Writer, src io.Reader, pieceInfo commitment.PieceInfo, existing []commitment.PieceInfo) (writtenPaddedBytes uint64, err error)

	// PreCommitSector runs local sealing, producing a PreCommitOutput, per
	// spec.md §4.D's PreCommit handler step 3.
	PreCommitSector(ctx context.Context, cacheDir, unsealedPath, sealedPath string, proverID []byte, sectorNumber abi.SectorNumber, ticket [32]byte, pieceInfos []commitment.PieceInfo) (PreCommitOutput, error)

	// ProveCommit produces PoRep proof bytes over an already-sealed
	// replica, per spec.md §4.D's ProveCommit handler step 3.
	ProveCommit(ctx context.Context, cacheDir, sealedPath string, sectorNumber abi.SectorNumber, randomness [32]byte) ([]byte, error)

	// ProveWindowedPoSt produces a Windowed PoSt proof over a partition of
	// sectors, per spec.md §4.D's SubmitWindowedPoSt handler step 3.
	ProveWindowedPoSt(ctx context.Context, sectors []PoStSectorInfo, randomness [32]byte) ([]byte, error)
}
