package sealing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/storage-core/build"
	"github.com/filecoin-project/storage-core/chainclient"
	"github.com/filecoin-project/storage-core/commitment"
	"github.com/filecoin-project/storage-core/store"
)

// handleAddPiece ingests one piece into a freshly allocated sector, per
// spec.md §4.D's AddPiece handler.
func (p *Pipeline) handleAddPiece(ctx context.Context, m AddPieceMessage) error {
	sectorNumber, err := p.store.NextSectorNumber()
	if err != nil {
		return xerrors.Errorf("allocating sector for piece: %w", err)
	}
	unsealedPath := filepath.Join(p.cfg.UnsealedSectorsDir, sectorNumberName(sectorNumber))

	pieceInfo, writtenPadded, err := p.sealPiece(ctx, m, unsealedPath)
	if err != nil {
		return err
	}

	rec := store.UnsealedSector{
		SectorNumber:        sectorNumber,
		OccupiedSectorSpace: writtenPadded,
		PieceInfos:          []commitment.PieceInfo{pieceInfo},
		Deals:               []store.DealRef{{DealID: m.DealID, Proposal: m.Deal}},
		UnsealedPath:        unsealedPath,
	}
	if err := p.store.PutSector(rec); err != nil {
		return xerrors.Errorf("persisting unsealed sector %d: %w", sectorNumber, err)
	}

	log.Infow("piece added", "sector", sectorNumber, "deal", m.DealID)
	p.Enqueue(PreCommitMessage{SectorNumber: sectorNumber})
	return nil
}

// sealPiece performs the blocking-worker half of AddPiece: writing the
// piece through the sealer and verifying its CommP, per spec.md §4.D
// step 2.
func (p *Pipeline) sealPiece(ctx context.Context, m AddPieceMessage, unsealedPath string) (commitment.PieceInfo, uint64, error) {
	src, err := os.Open(m.PiecePath)
	if err != nil {
		return commitment.PieceInfo{}, 0, xerrors.Errorf("opening piece file: %w", err)
	}
	defer src.Close()

	paddedSize := commitment.CanonicalPaddedSize(fileSize(src))
	fr32 := commitment.NewFr32Reader(src)
	padded := commitment.NewZeroPaddingReader(fr32, uint64(paddedSize))

	dst, err := os.OpenFile(unsealedPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return commitment.PieceInfo{}, 0, xerrors.Errorf("opening unsealed sector file: %w", err)
	}
	defer dst.Close()

	pieceInfo := commitment.PieceInfo{Commitment: m.Commitment, Size: paddedSize}
	writtenPadded, err := p.sealer.AddPiece(ctx, dst, padded, pieceInfo, nil)
	if err != nil {
		return commitment.PieceInfo{}, 0, xerrors.Errorf("sealer add_piece: %w", err)
	}

	// Recompute CommP directly from the same padded-domain stream rather
	// than from the sealer's internal state, since this core owns the
	// Merkle builder already exercised by commitment.CalculatePieceCommitment.
	verifySrc, err := os.Open(m.PiecePath)
	if err != nil {
		return commitment.PieceInfo{}, 0, xerrors.Errorf("reopening piece file for verification: %w", err)
	}
	defer verifySrc.Close()
	verifyReader := commitment.NewZeroPaddingReader(commitment.NewFr32Reader(verifySrc), uint64(paddedSize))
	recomputed, err := commitment.CalculatePieceCommitment(verifyReader, paddedSize)
	if err != nil {
		return commitment.PieceInfo{}, 0, xerrors.Errorf("recomputing piece commitment: %w", err)
	}
	if string(recomputed.Raw()) != string(m.Commitment.Raw()) {
		return commitment.PieceInfo{}, 0, &InvalidPieceCidError{
			Index:    0,
			Expected: string(m.Commitment.Raw()),
			Got:      string(recomputed.Raw()),
		}
	}

	return pieceInfo, writtenPadded, nil
}

func fileSize(f *os.File) uint64 {
	info, err := f.Stat()
	if err != nil {
		return 0
	}
	return uint64(info.Size())
}

func sectorNumberName(n abi.SectorNumber) string {
	return fmt.Sprintf("%d", uint64(n))
}

// handlePreCommit seals a sector locally and submits its pre-commit
// on-chain, per spec.md §4.D's PreCommit handler.
func (p *Pipeline) handlePreCommit(ctx context.Context, m PreCommitMessage) error {
	rec, ok, err := p.store.GetSector(m.SectorNumber)
	if err != nil {
		return xerrors.Errorf("loading sector %d: %w", m.SectorNumber, err)
	}
	if !ok {
		return ErrNotExistentSector
	}
	unsealed, isUnsealed := rec.(store.UnsealedSector)
	if !isUnsealed {
		return xerrors.Errorf("sector %d is not in Unsealed state", m.SectorNumber)
	}

	currentBlock, err := p.chain.Height(ctx, false)
	if err != nil {
		return xerrors.Errorf("reading current block: %w", err)
	}
	if minStart, ok := minDealStart(unsealed.Deals); ok && uint64(currentBlock) > minStart {
		return xerrors.Errorf("%w: current=%d deal_start=%d", ErrSealingTooSlow, currentBlock, minStart)
	}

	padding, err := commitment.PadSector(uint64(p.cfg.SectorSize), unsealed.OccupiedSectorSpace)
	if err != nil {
		return xerrors.Errorf("computing sector padding: %w", err)
	}
	pieceInfos := append(append([]commitment.PieceInfo{}, unsealed.PieceInfos...), padding...)

	ticket, err := p.chain.Randomness(ctx, currentBlock)
	if err != nil {
		return xerrors.Errorf("fetching seal randomness: %w", err)
	}

	cachePath := filepath.Join(p.cfg.SealingCacheDir, sectorNumberName(m.SectorNumber))
	sealedPath := filepath.Join(p.cfg.SealedSectorsDir, sectorNumberName(m.SectorNumber))
	out, err := p.sealer.PreCommitSector(ctx, cachePath, unsealed.UnsealedPath, sealedPath, deriveProverID(p.cfg.Signer), m.SectorNumber, ticket, pieceInfos)
	if err != nil {
		return xerrors.Errorf("sealer precommit_sector: %w", err)
	}

	sealedCID, err := out.CommR.ToCID()
	if err != nil {
		return xerrors.Errorf("encoding comm_r as cid: %w", err)
	}
	unsealedCID, err := out.CommD.ToCID()
	if err != nil {
		return xerrors.Errorf("encoding comm_d as cid: %w", err)
	}

	info := chainclient.SectorPreCommitInfo{
		DealIDs:              dealIDs(unsealed.Deals),
		Expiration:           maxDealEnd(unsealed.Deals) + build.PreCommitExpirationMargin,
		SectorNumber:         m.SectorNumber,
		SealProof:            p.cfg.SealProof,
		SealedCID:            sealedCID.String(),
		UnsealedCID:          unsealedCID.String(),
		SealRandomnessHeight: currentBlock,
	}
	res, err := p.chain.PreCommitSectors(ctx, p.cfg.Signer, []chainclient.SectorPreCommitInfo{info}, true)
	if err != nil {
		return xerrors.Errorf("%w: %v", ErrChainSubmissionFailed, err)
	}
	if _, err := chainclient.FindEvent(res, chainclient.EventSectorsPreCommitted); err != nil {
		return xerrors.Errorf("%w: %v", ErrChainSubmissionFailed, err)
	}

	precommitted := store.NewPreCommittedSector(unsealed, cachePath, sealedPath, out.CommR, out.CommD, uint64(currentBlock), uint64(currentBlock))
	if err := p.store.PutSector(precommitted); err != nil {
		return xerrors.Errorf("persisting precommitted sector %d: %w", m.SectorNumber, err)
	}
	if err := os.Remove(unsealed.UnsealedPath); err != nil && !os.IsNotExist(err) {
		log.Warnw("failed to remove unsealed sector file after precommit", "sector", m.SectorNumber, "error", err)
	}

	log.Infow("sector precommitted", "sector", m.SectorNumber)
	p.Enqueue(ProveCommitMessage{SectorNumber: m.SectorNumber})
	return nil
}

// handleProveCommit generates and submits a PoRep proof for a
// pre-committed sector, per spec.md §4.D's ProveCommit handler.
func (p *Pipeline) handleProveCommit(ctx context.Context, m ProveCommitMessage) error {
	rec, ok, err := p.store.GetSector(m.SectorNumber)
	if err != nil {
		return xerrors.Errorf("loading sector %d: %w", m.SectorNumber, err)
	}
	if !ok {
		return ErrNotExistentSector
	}
	precommitted, isPrecommitted := rec.(store.PreCommittedSector)
	if !isPrecommitted {
		return xerrors.Errorf("sector %d is not in Sealed state", m.SectorNumber)
	}

	randomness, err := p.chain.Randomness(ctx, abi.ChainEpoch(precommitted.PrecommitBlock))
	if err != nil {
		return xerrors.Errorf("fetching porep randomness: %w", err)
	}

	proof, err := p.sealer.ProveCommit(ctx, precommitted.CachePath, precommitted.SealedPath, m.SectorNumber, randomness)
	if err != nil {
		return xerrors.Errorf("prover prove_commit: %w", err)
	}

	res, err := p.chain.ProveCommitSectors(ctx, p.cfg.Signer, []chainclient.ProveCommitSector{{SectorNumber: m.SectorNumber, Proof: proof}}, true)
	if err != nil {
		return xerrors.Errorf("%w: %v", ErrChainSubmissionFailed, err)
	}
	if _, err := chainclient.FindEvent(res, chainclient.EventSectorsProven); err != nil {
		return xerrors.Errorf("%w: %v", ErrChainSubmissionFailed, err)
	}

	// Deals reaching ProveCommitted activate here; the content-addressed
	// proposals column is never rewritten (mutating its JSON would change
	// its own key), so the state flip lives only in the sector's own copy
	// of each DealRef, per SPEC_FULL.md §4.
	proven := store.NewProvenSector(precommitted)
	proven.Deals = activateDeals(proven.Deals)
	if err := p.store.PutSector(proven); err != nil {
		return xerrors.Errorf("persisting proven sector %d: %w", m.SectorNumber, err)
	}

	log.Infow("sector proven", "sector", m.SectorNumber)
	return nil
}

// handleSubmitWindowedPoSt generates and submits a Windowed PoSt proof
// over every proven sector assigned to the given deadline, per spec.md
// §4.D's SubmitWindowedPoSt handler.
func (p *Pipeline) handleSubmitWindowedPoSt(ctx context.Context, m SubmitWindowedPoStMessage) error {
	all, err := p.store.ScanSectors()
	if err != nil {
		return xerrors.Errorf("scanning sectors: %w", err)
	}

	var partition []PoStSectorInfo
	for _, rec := range all {
		proven, isProven := rec.(store.ProvenSector)
		if !isProven {
			continue
		}
		if deadlineOf(proven.SectorNumber) != m.DeadlineIndex {
			continue
		}
		partition = append(partition, PoStSectorInfo{
			SectorNumber: proven.SectorNumber,
			CommR:        proven.CommR,
			CachePath:    proven.CachePath,
			SealedPath:   proven.SealedPath,
		})
	}
	if len(partition) == 0 {
		return nil
	}

	currentBlock, err := p.chain.Height(ctx, false)
	if err != nil {
		return xerrors.Errorf("reading current block: %w", err)
	}
	randomness, err := p.chain.Randomness(ctx, currentBlock)
	if err != nil {
		return xerrors.Errorf("fetching post randomness: %w", err)
	}

	proof, err := p.sealer.ProveWindowedPoSt(ctx, partition, randomness)
	if err != nil {
		return xerrors.Errorf("prover windowed post: %w", err)
	}

	params := chainclient.WindowedPoStParams{DeadlineIndex: m.DeadlineIndex, Proof: proof}
	if _, err := p.chain.SubmitWindowedPoSt(ctx, p.cfg.Signer, params, true); err != nil {
		return xerrors.Errorf("%w: %v", ErrChainSubmissionFailed, err)
	}

	log.Infow("windowed post submitted", "deadline", m.DeadlineIndex, "sectors", len(partition))
	return nil
}

// handleSchedulePoSts starts the background deadline scheduler, per
// spec.md §4.D's SchedulePoSts. The loop runs independent of the
// dispatcher's task-tracker semaphore since its lifetime spans the whole
// process rather than one message.
func (p *Pipeline) handleSchedulePoSts(ctx context.Context) error {
	info, err := p.chain.CurrentDeadline(ctx)
	if err != nil {
		return xerrors.Errorf("reading current deadline: %w", err)
	}
	go p.scheduleLoop(info)
	return nil
}

func (p *Pipeline) scheduleLoop(start chainclient.DeadlineInfo) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	next := start
	// lastEnqueued is the most recent deadline-open block already enqueued,
	// so each open deadline yields one SubmitWindowedPoSt across ticks.
	var lastEnqueued uint64
	enqueuedAny := false
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			height, err := p.chain.Height(p.ctx, false)
			if err != nil {
				log.Warnw("schedule loop: reading chain height", "error", err)
				continue
			}
			open := p.cfg.Deadlines.OpenBlocks(height)
			for _, block := range open {
				if uint64(height) >= block && (!enqueuedAny || block > lastEnqueued) {
					p.Enqueue(SubmitWindowedPoStMessage{DeadlineIndex: next.Index})
					next.Index = (next.Index + 1) % build.WPoStPeriodDeadlines
					lastEnqueued = block
					enqueuedAny = true
				}
			}
		}
	}
}

// deriveProverID extracts the 20-byte actor-ID payload the sealer's FFI
// boundary expects, the same maddr.Payload() call the teacher's dispatch
// makes when building a SealPreCommitParam.
func deriveProverID(signer address.Address) []byte {
	return signer.Payload()
}

func deadlineOf(n abi.SectorNumber) uint64 {
	return uint64(n) % build.WPoStPeriodDeadlines
}

func dealIDs(deals []store.DealRef) []uint64 {
	ids := make([]uint64, len(deals))
	for i, d := range deals {
		ids[i] = d.DealID
	}
	return ids
}

func maxDealEnd(deals []store.DealRef) abi.ChainEpoch {
	var max uint64
	for _, d := range deals {
		if d.Proposal.EndBlock > max {
			max = d.Proposal.EndBlock
		}
	}
	return abi.ChainEpoch(max)
}

func minDealStart(deals []store.DealRef) (uint64, bool) {
	var min uint64
	found := false
	for _, d := range deals {
		if !found || d.Proposal.StartBlock < min {
			min = d.Proposal.StartBlock
			found = true
		}
	}
	return min, found
}

func activateDeals(deals []store.DealRef) []store.DealRef {
	out := make([]store.DealRef, len(deals))
	for i, d := range deals {
		d.Proposal.State = store.DealActive
		out[i] = d
	}
	return out
}
