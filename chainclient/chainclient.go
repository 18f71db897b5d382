// Package chainclient is the nonce-disciplined wrapper over the external
// chain node (§4.E): a narrow Transport the core drives through a single
// mutex-guarded submission path, so the nonce a submission carries always
// matches the chain's pool view.
package chainclient

import (
	"context"
	"sync"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/storage-core/build"
)

var log = logging.Logger("chainclient")

// ErrExtrinsicFailed marks a submission whose block included an
// ExtrinsicFailed event, per spec.md §4.E's event-extraction rule.
var ErrExtrinsicFailed = xerrors.New("extrinsic failed")

// Balance is an account's free/locked funds, per §6's retrieve_balance.
type Balance struct {
	Free   big.Int
	Locked big.Int
}

// ProviderState is the on-chain registration state for a storage provider
// account, per §6's retrieve_storage_provider.
type ProviderState struct {
	SectorSize abi.SectorSize
}

// Event is a decoded pallet event. Kind encodes "pallet.Name" (e.g.
// "market.DealsPublished"); Data is the event's CBOR-decoded payload,
// left opaque here since each handler decodes the one shape it expects.
type Event struct {
	Kind string
	Data []byte
}

// SubmissionResult is what a chain-client call returns once awaited to
// finalization: the finalized block and any events it carried.
type SubmissionResult struct {
	ExtrinsicHash string
	BlockHash     string
	Events        []Event
}

// SectorPreCommitInfo is the parameter shape for pre_commit_sectors,
// per spec.md §4.D step 4.
type SectorPreCommitInfo struct {
	DealIDs              []uint64
	Expiration            abi.ChainEpoch
	SectorNumber          abi.SectorNumber
	SealProof             abi.RegisteredSealProof
	SealedCID             string
	UnsealedCID           string
	SealRandomnessHeight  abi.ChainEpoch
}

// ProveCommitSector is the parameter shape for prove_commit_sectors.
type ProveCommitSector struct {
	SectorNumber abi.SectorNumber
	Proof        []byte
}

// WindowedPoStParams is the parameter shape for submit_windowed_post.
type WindowedPoStParams struct {
	DeadlineIndex uint64
	Proof         []byte
}

// Transport is the narrow method surface §6 names, implemented by
// whatever RPC client speaks to the chain node. Every method either
// returns immediately (fire-and-forget, giving back an extrinsic hash)
// or blocks until finalization, selected by the wait flag exactly as §6
// describes ("Each returns either Some(SubmissionResult)... or None").
type Transport interface {
	Height(ctx context.Context, waitForFinalization bool) (abi.ChainEpoch, error)
	NextIndex(ctx context.Context, signer address.Address) (uint64, error)
	ChainGetRandomness(ctx context.Context, height abi.ChainEpoch) ([32]byte, error)
	RetrieveStorageProvider(ctx context.Context, account address.Address) (*ProviderState, error)
	RetrieveBalance(ctx context.Context, account address.Address) (*Balance, error)
	CurrentDeadline(ctx context.Context) (DeadlineInfo, error)

	SubmitPreCommitSectors(ctx context.Context, signer address.Address, nonce uint64, mortality abi.ChainEpoch, sectors []SectorPreCommitInfo, wait bool) (*SubmissionResult, error)
	SubmitProveCommitSectors(ctx context.Context, signer address.Address, nonce uint64, mortality abi.ChainEpoch, sectors []ProveCommitSector, wait bool) (*SubmissionResult, error)
	SubmitWindowedPoSt(ctx context.Context, signer address.Address, nonce uint64, mortality abi.ChainEpoch, params WindowedPoStParams, wait bool) (*SubmissionResult, error)
	PublishSignedStorageDeals(ctx context.Context, signer address.Address, nonce uint64, mortality abi.ChainEpoch, deals []ClientDealProposal, wait bool) (*SubmissionResult, error)
}

// ClientDealProposal mirrors store.ClientDealProposal's wire shape without
// importing the store package, keeping chainclient free of a dependency
// on the on-disk data model.
type ClientDealProposal struct {
	PieceCID             string
	PieceSize            uint64
	Client               address.Address
	Provider             address.Address
	Label                []byte
	StartBlock           uint64
	EndBlock             uint64
	StoragePricePerBlock big.Int
	ProviderCollateral   big.Int
	ClientSignature      []byte
}

// DeadlineInfo describes the currently open windowed-PoSt deadline.
type DeadlineInfo struct {
	Index     uint64
	OpenEpoch abi.ChainEpoch
}

// Client wraps a Transport with the nonce-discipline critical section
// spec.md §4.E requires: submission is serialized through a process-wide
// mutex so two overlapping submissions never fetch the same nonce.
type Client struct {
	transport Transport
	mu        sync.Mutex
}

func New(transport Transport) *Client {
	return &Client{transport: transport}
}

func (c *Client) Height(ctx context.Context, waitForFinalization bool) (abi.ChainEpoch, error) {
	return c.transport.Height(ctx, waitForFinalization)
}

func (c *Client) Randomness(ctx context.Context, height abi.ChainEpoch) ([32]byte, error) {
	return c.transport.ChainGetRandomness(ctx, height)
}

func (c *Client) RetrieveStorageProvider(ctx context.Context, account address.Address) (*ProviderState, error) {
	return c.transport.RetrieveStorageProvider(ctx, account)
}

func (c *Client) RetrieveBalance(ctx context.Context, account address.Address) (*Balance, error) {
	return c.transport.RetrieveBalance(ctx, account)
}

func (c *Client) CurrentDeadline(ctx context.Context) (DeadlineInfo, error) {
	return c.transport.CurrentDeadline(ctx)
}

// nextNonce performs the critical-section nonce fetch spec.md §4.E
// mandates: the caller holds the lock from the nonce read through its
// Transport submission call, and releases it (deferred) only once that
// call has returned.
func (c *Client) nextNonce(ctx context.Context, signer address.Address) (uint64, error) {
	nonce, err := c.transport.NextIndex(ctx, signer)
	if err != nil {
		return 0, xerrors.Errorf("fetching next nonce index: %w", err)
	}
	return nonce, nil
}

// PreCommitSectors submits pre_commit_sectors, per §6.
func (c *Client) PreCommitSectors(ctx context.Context, signer address.Address, sectors []SectorPreCommitInfo, wait bool) (*SubmissionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	nonce, err := c.nextNonce(ctx, signer)
	if err != nil {
		return nil, err
	}
	res, err := c.transport.SubmitPreCommitSectors(ctx, signer, nonce, build.ExtrinsicMortality, sectors, wait)
	if err != nil {
		return nil, xerrors.Errorf("submitting pre_commit_sectors: %w", err)
	}
	return res, checkExtrinsicFailed(res)
}

// ProveCommitSectors submits prove_commit_sectors, per §6.
func (c *Client) ProveCommitSectors(ctx context.Context, signer address.Address, sectors []ProveCommitSector, wait bool) (*SubmissionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	nonce, err := c.nextNonce(ctx, signer)
	if err != nil {
		return nil, err
	}
	res, err := c.transport.SubmitProveCommitSectors(ctx, signer, nonce, build.ExtrinsicMortality, sectors, wait)
	if err != nil {
		return nil, xerrors.Errorf("submitting prove_commit_sectors: %w", err)
	}
	return res, checkExtrinsicFailed(res)
}

// SubmitWindowedPoSt submits submit_windowed_post, per §6.
func (c *Client) SubmitWindowedPoSt(ctx context.Context, signer address.Address, params WindowedPoStParams, wait bool) (*SubmissionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	nonce, err := c.nextNonce(ctx, signer)
	if err != nil {
		return nil, err
	}
	res, err := c.transport.SubmitWindowedPoSt(ctx, signer, nonce, build.ExtrinsicMortality, params, wait)
	if err != nil {
		return nil, xerrors.Errorf("submitting submit_windowed_post: %w", err)
	}
	return res, checkExtrinsicFailed(res)
}

// PublishSignedStorageDeals submits publish_signed_storage_deals, per §6.
func (c *Client) PublishSignedStorageDeals(ctx context.Context, signer address.Address, deals []ClientDealProposal, wait bool) (*SubmissionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	nonce, err := c.nextNonce(ctx, signer)
	if err != nil {
		return nil, err
	}
	res, err := c.transport.PublishSignedStorageDeals(ctx, signer, nonce, build.ExtrinsicMortality, deals, wait)
	if err != nil {
		return nil, xerrors.Errorf("submitting publish_signed_storage_deals: %w", err)
	}
	return res, checkExtrinsicFailed(res)
}

// checkExtrinsicFailed converts an ExtrinsicFailed event present in the
// finalized block into a submission error, per §4.E's event-extraction
// rule. A nil result (fire-and-forget, not awaited) carries no events and
// is never a failure at this layer.
func checkExtrinsicFailed(res *SubmissionResult) error {
	if res == nil {
		return nil
	}
	for _, e := range res.Events {
		if e.Kind == "system.ExtrinsicFailed" {
			log.Warnw("extrinsic failed", "block", res.BlockHash)
			return ErrExtrinsicFailed
		}
	}
	return nil
}
