// Package build collects the network-wide constants the rest of
// storage-core is parameterized over, the way lotus keeps them under a
// single build package rather than scattering magic numbers across
// subsystems.
package build

import (
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/specs-actors/v8/actors/builtin/miner"
)

// NodeSize is the width, in bytes, of a single Merkle tree leaf/node used
// throughout the commitment engine (CommP/CommD) and the CARv2 index.
const NodeSize = 32

// MinPieceSize is the smallest UnpaddedPieceSize accepted by the piece
// commitment engine: 127 bytes, one Fr32 input group.
const MinPieceSize = abi.UnpaddedPieceSize(127)

// MaxSectors bounds the sector-number allocator (2^25, per spec.md §3).
const MaxSectors = uint64(1) << 25

// WPoStPeriodDeadlines is the number of non-overlapping windowed-PoSt
// deadlines in one proving period, taken directly from specs-actors/v8's
// miner policy rather than re-declared here.
const WPoStPeriodDeadlines = miner.WPoStPeriodDeadlines

// WPoStChallengeWindow is the number of chain epochs a single deadline stays
// open for, also taken directly from the specs-actors miner policy.
var WPoStChallengeWindow = miner.WPoStChallengeWindow

// WPoStProvingPeriod is the full cycle across all deadlines.
var WPoStProvingPeriod = miner.WPoStProvingPeriod

// PreCommitExpirationMargin is added to the maximum deal end_block when
// computing a sector's pre-commit expiration (spec.md §2: "expiration=max(deal.end_block)+MARGIN").
const PreCommitExpirationMargin = abi.ChainEpoch(20 * WPoStPeriodDeadlines)

// ExtrinsicMortality is the width, in blocks, of the mortality window an
// extrinsic is signed against, per spec.md §4.E.
const ExtrinsicMortality = abi.ChainEpoch(8)

// DealPerSectorLimit returns the maximum number of distinct deals a sector
// of the given size may hold, derived the same way lotus's
// storage-sealing/input.go derives getDealPerSectorLimit: one slot per
// minimum-size piece that could theoretically fit.
func DealPerSectorLimit(sectorSize abi.SectorSize) uint64 {
	return uint64(sectorSize) / uint64(MinPieceSize.Padded())
}
