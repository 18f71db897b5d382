// Package rpc implements the core-facing contract spec.md §6 names as
// consumed by the (explicitly out-of-scope, per spec.md §1) JSON-RPC/HTTP
// surface: propose_deal and publish_deal. It owns no transport of its own —
// it is the orchestration glue an RPC handler calls into, wired directly to
// store.Store, chainclient.Client, carv2 and the sector pipeline.
package rpc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/storage-core/carv2"
	"github.com/filecoin-project/storage-core/chainclient"
	"github.com/filecoin-project/storage-core/commitment"
	"github.com/filecoin-project/storage-core/sealing"
	"github.com/filecoin-project/storage-core/store"
)

var log = logging.Logger("rpc")

// Error kinds per spec.md §7's error table; each is surfaced as an RPC
// rejection with no local recovery.
var (
	ErrInvalidProposal    = xerrors.New("invalid deal proposal")
	ErrProposalNotAccepted = xerrors.New("deal proposal not previously accepted")
	ErrPieceMissing       = xerrors.New("piece file missing from piece storage")
)

// Core is the core-facing surface §6 names, holding handles to the three
// collaborators an external RPC layer never talks to directly: the store,
// the chain adapter, and the sector pipeline's inbox.
type Core struct {
	Store        *store.Store
	Chain        *chainclient.Client
	Pipeline     *sealing.Pipeline
	SectorSize   uint64
	Provider     address.Address
	PieceStorage string
}

// ProposeDeal validates an unsigned DealProposal per §6's validation list,
// persists it under its JSON CID, and returns that CID.
func (c *Core) ProposeDeal(ctx context.Context, deal store.DealProposal) (cid.Cid, error) {
	if err := c.validateProposal(ctx, deal); err != nil {
		return cid.Undef, xerrors.Errorf("%w: %v", ErrInvalidProposal, err)
	}
	dealCID, err := c.Store.PutProposal(deal)
	if err != nil {
		return cid.Undef, xerrors.Errorf("storing deal proposal: %w", err)
	}
	log.Infow("deal proposed", "cid", dealCID, "client", deal.Client, "piece_size", deal.PieceSize)
	return dealCID, nil
}

// validateProposal runs every check §6 names for propose_deal: piece_size
// bound by sector size, provider identity, piece_cid codec, power-of-two
// piece size, positive price, and sufficient client/provider balances.
func (c *Core) validateProposal(ctx context.Context, deal store.DealProposal) error {
	if deal.PieceSize > c.SectorSize {
		return xerrors.Errorf("piece_size %d exceeds sector size %d", deal.PieceSize, c.SectorSize)
	}
	if !deal.Provider.Equals(c.Provider) {
		return xerrors.Errorf("proposal provider %s does not match this provider %s", deal.Provider, c.Provider)
	}
	if deal.PieceCID.Prefix().Codec != commitment.KindPiece.Codec() {
		return xerrors.Errorf("piece_cid codec %#x is not fil-commitment-unsealed", deal.PieceCID.Prefix().Codec)
	}
	if err := commitment.ValidatePadded(commitment.PaddedPieceSize(deal.PieceSize)); err != nil {
		return xerrors.Errorf("piece_size is not a valid padded piece size: %w", err)
	}
	if deal.StoragePricePerBlock.Sign() <= 0 {
		return xerrors.Errorf("storage_price_per_block must be positive")
	}
	if deal.EndBlock <= deal.StartBlock {
		return xerrors.Errorf("end_block %d must be after start_block %d", deal.EndBlock, deal.StartBlock)
	}

	duration := big.NewInt(int64(deal.EndBlock - deal.StartBlock))
	totalCost := big.Mul(deal.StoragePricePerBlock, duration)

	clientBalance, err := c.Chain.RetrieveBalance(ctx, deal.Client)
	if err != nil {
		return xerrors.Errorf("retrieving client balance: %w", err)
	}
	if clientBalance == nil {
		return xerrors.Errorf("client %s has no registered balance", deal.Client)
	}
	if clientBalance.Free.LessThan(totalCost) {
		return xerrors.Errorf("client free balance %s below required deal cost %s", clientBalance.Free, totalCost)
	}

	providerBalance, err := c.Chain.RetrieveBalance(ctx, deal.Provider)
	if err != nil {
		return xerrors.Errorf("retrieving provider balance: %w", err)
	}
	if providerBalance == nil {
		return xerrors.Errorf("provider %s has no registered balance", deal.Provider)
	}
	if providerBalance.Free.LessThan(deal.ProviderCollateral) {
		return xerrors.Errorf("provider free balance %s below required collateral %s", providerBalance.Free, deal.ProviderCollateral)
	}
	return nil
}

// PublishDeal verifies the signed proposal was previously accepted by
// ProposeDeal, verifies the client's uploaded CAR is present, submits
// publish_signed_storage_deals on-chain, enqueues AddPiece for the sector
// pipeline, and returns the numeric deal_id, per §6.
func (c *Core) PublishDeal(ctx context.Context, signed store.ClientDealProposal) (uint64, error) {
	dealCID, _, err := store.JSONCID(signed.Proposal)
	if err != nil {
		return 0, xerrors.Errorf("computing proposal cid: %w", err)
	}
	stored, ok, err := c.Store.GetProposal(dealCID)
	if err != nil {
		return 0, xerrors.Errorf("looking up proposal: %w", err)
	}
	if !ok {
		return 0, ErrProposalNotAccepted
	}

	piecePath := filepath.Join(c.PieceStorage, fmt.Sprintf("%s.car", stored.PieceCID))
	if _, err := os.Stat(piecePath); err != nil {
		if os.IsNotExist(err) {
			return 0, ErrPieceMissing
		}
		return 0, xerrors.Errorf("statting piece file: %w", err)
	}

	chainDeal := chainclient.ClientDealProposal{
		PieceCID:             stored.PieceCID.String(),
		PieceSize:            stored.PieceSize,
		Client:               stored.Client,
		Provider:             stored.Provider,
		Label:                stored.Label,
		StartBlock:           stored.StartBlock,
		EndBlock:             stored.EndBlock,
		StoragePricePerBlock: stored.StoragePricePerBlock,
		ProviderCollateral:   stored.ProviderCollateral,
		ClientSignature:      signed.ClientSignature.Data,
	}
	res, err := c.Chain.PublishSignedStorageDeals(ctx, c.Provider, []chainclient.ClientDealProposal{chainDeal}, true)
	if err != nil {
		return 0, xerrors.Errorf("submitting publish_signed_storage_deals: %w", err)
	}
	event, err := chainclient.FindEvent(res, chainclient.EventDealsPublished)
	if err != nil {
		return 0, xerrors.Errorf("extracting DealsPublished event: %w", err)
	}
	dealID, err := chainclient.DecodeDealID(event)
	if err != nil {
		return 0, xerrors.Errorf("decoding deal id: %w", err)
	}

	pieceCommitment, err := carVerifiedCommitment(piecePath, stored.PieceCID)
	if err != nil {
		return 0, err
	}

	c.Pipeline.Enqueue(sealing.AddPieceMessage{
		Deal:       stored,
		DealID:     dealID,
		PiecePath:  piecePath,
		Commitment: pieceCommitment,
	})

	log.Infow("deal published", "deal_id", dealID, "piece", stored.PieceCID)
	return dealID, nil
}

// VerifyPieceCAR is the §2-described step performed between propose_deal
// and publish_deal: the RPC layer calls into the CARv2 engine (Component
// B) to confirm the uploaded CAR's root CID matches the proposal's
// piece_cid before the deal is published.
func (c *Core) VerifyPieceCAR(pieceCID cid.Cid) error {
	piecePath := filepath.Join(c.PieceStorage, fmt.Sprintf("%s.car", pieceCID))
	f, err := os.Open(piecePath)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrPieceMissing
		}
		return xerrors.Errorf("opening piece car: %w", err)
	}
	defer f.Close()
	if err := carv2.VerifyCid(f, pieceCID); err != nil {
		return xerrors.Errorf("%w: %v", carv2.ErrInvalidCid, err)
	}
	return nil
}

// carVerifiedCommitment re-derives the Piece commitment from the proposal's
// piece_cid, so AddPiece can carry a Commitment without recomputing CommP
// here. It only checks that the piece file exists; the CAR's root is not
// compared to piece_cid here (that is VerifyPieceCAR's check, which
// PublishDeal does not call). The pipeline's own AddPiece handler
// recomputes CommP from the piece file and checks it against this
// commitment.
func carVerifiedCommitment(piecePath string, pieceCID cid.Cid) (commitment.Commitment, error) {
	if _, err := os.Stat(piecePath); err != nil {
		return commitment.Commitment{}, xerrors.Errorf("piece file missing at publish time: %w", err)
	}
	return commitment.FromCID(pieceCID, commitment.KindPiece)
}
