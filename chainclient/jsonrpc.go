package chainclient

import (
	"context"
	"net/http"

	"github.com/filecoin-project/go-address"
	jsonrpc "github.com/filecoin-project/go-jsonrpc"
	"github.com/filecoin-project/go-state-types/abi"
)

// rpcMethods is the struct-of-function-fields go-jsonrpc populates by
// reflection, one field per Transport method, exactly the pattern lotus's
// own api/client package uses to build a typed RPC client without
// hand-written marshaling per method.
type rpcMethods struct {
	Height                    func(ctx context.Context, waitForFinalization bool) (abi.ChainEpoch, error)
	NextIndex                 func(ctx context.Context, signer address.Address) (uint64, error)
	ChainGetRandomness        func(ctx context.Context, height abi.ChainEpoch) ([32]byte, error)
	RetrieveStorageProvider   func(ctx context.Context, account address.Address) (*ProviderState, error)
	RetrieveBalance           func(ctx context.Context, account address.Address) (*Balance, error)
	CurrentDeadline           func(ctx context.Context) (DeadlineInfo, error)
	SubmitPreCommitSectors    func(ctx context.Context, signer address.Address, nonce uint64, mortality abi.ChainEpoch, sectors []SectorPreCommitInfo, wait bool) (*SubmissionResult, error)
	SubmitProveCommitSectors  func(ctx context.Context, signer address.Address, nonce uint64, mortality abi.ChainEpoch, sectors []ProveCommitSector, wait bool) (*SubmissionResult, error)
	SubmitWindowedPoSt        func(ctx context.Context, signer address.Address, nonce uint64, mortality abi.ChainEpoch, params WindowedPoStParams, wait bool) (*SubmissionResult, error)
	PublishSignedStorageDeals func(ctx context.Context, signer address.Address, nonce uint64, mortality abi.ChainEpoch, deals []ClientDealProposal, wait bool) (*SubmissionResult, error)
}

// rpcTransport adapts the reflection-populated rpcMethods struct to the
// Transport interface the rest of this package is written against.
type rpcTransport struct {
	methods rpcMethods
}

func (t *rpcTransport) Height(ctx context.Context, waitForFinalization bool) (abi.ChainEpoch, error) {
	return t.methods.Height(ctx, waitForFinalization)
}
func (t *rpcTransport) NextIndex(ctx context.Context, signer address.Address) (uint64, error) {
	return t.methods.NextIndex(ctx, signer)
}
func (t *rpcTransport) ChainGetRandomness(ctx context.Context, height abi.ChainEpoch) ([32]byte, error) {
	return t.methods.ChainGetRandomness(ctx, height)
}
func (t *rpcTransport) RetrieveStorageProvider(ctx context.Context, account address.Address) (*ProviderState, error) {
	return t.methods.RetrieveStorageProvider(ctx, account)
}
func (t *rpcTransport) RetrieveBalance(ctx context.Context, account address.Address) (*Balance, error) {
	return t.methods.RetrieveBalance(ctx, account)
}
func (t *rpcTransport) CurrentDeadline(ctx context.Context) (DeadlineInfo, error) {
	return t.methods.CurrentDeadline(ctx)
}
func (t *rpcTransport) SubmitPreCommitSectors(ctx context.Context, signer address.Address, nonce uint64, mortality abi.ChainEpoch, sectors []SectorPreCommitInfo, wait bool) (*SubmissionResult, error) {
	return t.methods.SubmitPreCommitSectors(ctx, signer, nonce, mortality, sectors, wait)
}
func (t *rpcTransport) SubmitProveCommitSectors(ctx context.Context, signer address.Address, nonce uint64, mortality abi.ChainEpoch, sectors []ProveCommitSector, wait bool) (*SubmissionResult, error) {
	return t.methods.SubmitProveCommitSectors(ctx, signer, nonce, mortality, sectors, wait)
}
func (t *rpcTransport) SubmitWindowedPoSt(ctx context.Context, signer address.Address, nonce uint64, mortality abi.ChainEpoch, params WindowedPoStParams, wait bool) (*SubmissionResult, error) {
	return t.methods.SubmitWindowedPoSt(ctx, signer, nonce, mortality, params, wait)
}
func (t *rpcTransport) PublishSignedStorageDeals(ctx context.Context, signer address.Address, nonce uint64, mortality abi.ChainEpoch, deals []ClientDealProposal, wait bool) (*SubmissionResult, error) {
	return t.methods.PublishSignedStorageDeals(ctx, signer, nonce, mortality, deals, wait)
}

// DialJSONRPC connects to the external chain node's JSON-RPC endpoint
// using github.com/filecoin-project/go-jsonrpc — the same client library
// lotus's own api/client package uses to build FullNode/StorageMiner API
// clients — and returns a Transport backed by it. The "StorageCore"
// namespace groups every method this package's Transport interface names;
// the chain node is expected to expose them under that namespace.
func DialJSONRPC(ctx context.Context, addr string, headers http.Header) (Transport, jsonrpc.ClientCloser, error) {
	var methods rpcMethods
	closer, err := jsonrpc.NewClient(ctx, addr, "StorageCore", &methods, headers)
	if err != nil {
		return nil, nil, err
	}
	return &rpcTransport{methods: methods}, closer, nil
}
