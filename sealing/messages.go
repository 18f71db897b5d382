package sealing

import (
	"github.com/filecoin-project/go-state-types/abi"

	"github.com/filecoin-project/storage-core/commitment"
	"github.com/filecoin-project/storage-core/store"
)

// PipelineMessage is the closed set of messages the pipeline's single
// inbox accepts, per spec.md §4.D. CancellationSafe distinguishes
// messages whose handlers may abort cleanly mid-flight (no persistent or
// on-chain effect yet committed) from those that must run to completion
// once started — the same "cancellation-unsafe" distinction
// original_source/pipeline/types.rs marks per variant.
type PipelineMessage interface {
	CancellationSafe() bool
}

// AddPieceMessage requests a new piece be ingested into some sector.
type AddPieceMessage struct {
	Deal       store.DealProposal
	DealID     uint64
	PiecePath  string
	Commitment commitment.Commitment
}

// CancellationSafe is true: AddPiece's only persistent effect is the
// store-write at the very end. Dropping it earlier leaves no on-chain
// mutation and the allocated sector number is simply skipped.
func (AddPieceMessage) CancellationSafe() bool { return true }

// PreCommitMessage requests a sector be locally sealed and pre-committed
// on-chain.
type PreCommitMessage struct {
	SectorNumber abi.SectorNumber
}

// CancellationSafe is false: the on-chain pre_commit_sectors extrinsic
// and the local sector_record update must both happen or neither.
func (PreCommitMessage) CancellationSafe() bool { return false }

// ProveCommitMessage requests PoRep generation and on-chain prove-commit
// for a pre-committed sector.
type ProveCommitMessage struct {
	SectorNumber abi.SectorNumber
}

// CancellationSafe is false for the same reason as PreCommit.
func (ProveCommitMessage) CancellationSafe() bool { return false }

// SubmitWindowedPoStMessage requests a Windowed PoSt be generated and
// submitted for the given deadline.
type SubmitWindowedPoStMessage struct {
	DeadlineIndex uint64
}

// CancellationSafe is false: a late abort leaves the provider missing a
// proving window, which is fatal regardless.
func (SubmitWindowedPoStMessage) CancellationSafe() bool { return false }

// SchedulePoStsMessage starts the background deadline scheduler.
type SchedulePoStsMessage struct{}

// CancellationSafe is false: it is a one-shot startup action, not
// something retried cheaply.
func (SchedulePoStsMessage) CancellationSafe() bool { return false }
