package sealing

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/storage-core/chainclient"
	"github.com/filecoin-project/storage-core/commitment"
	"github.com/filecoin-project/storage-core/store"
)

// testDealProposal builds a fully populated DealProposal so it round-trips
// through the store's JSON encoding, mirroring store/store_test.go's own
// testProposal helper.
func testDealProposal(t *testing.T, state store.DealState) store.DealProposal {
	t.Helper()
	client, err := address.NewIDAddress(100)
	require.NoError(t, err)
	provider, err := address.NewIDAddress(200)
	require.NoError(t, err)
	pieceCID, err := cid.V1Builder{Codec: cid.Raw, MhType: 0x12}.Sum([]byte("piece-bytes"))
	require.NoError(t, err)
	return store.DealProposal{
		PieceCID:             pieceCID,
		PieceSize:            2048,
		Client:               client,
		Provider:             provider,
		Label:                []byte("a label"),
		StartBlock:           1,
		EndBlock:             100,
		StoragePricePerBlock: big.NewInt(1),
		ProviderCollateral:   big.NewInt(2),
		State:                state,
	}
}

// fakeTransport answers every chainclient.Transport method with a
// well-formed response, mirroring chainclient_test.go's own fakeTransport.
type fakeTransport struct {
	mu    sync.Mutex
	nonce uint64
}

func (f *fakeTransport) Height(ctx context.Context, wait bool) (abi.ChainEpoch, error) {
	return 100, nil
}
func (f *fakeTransport) NextIndex(ctx context.Context, signer address.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.nonce
	f.nonce++
	return n, nil
}
func (f *fakeTransport) ChainGetRandomness(ctx context.Context, height abi.ChainEpoch) ([32]byte, error) {
	return [32]byte{}, nil
}
func (f *fakeTransport) RetrieveStorageProvider(ctx context.Context, account address.Address) (*chainclient.ProviderState, error) {
	return &chainclient.ProviderState{SectorSize: abi.SectorSize(2048)}, nil
}
func (f *fakeTransport) RetrieveBalance(ctx context.Context, account address.Address) (*chainclient.Balance, error) {
	return &chainclient.Balance{Free: big.NewInt(1_000_000), Locked: big.Zero()}, nil
}
func (f *fakeTransport) CurrentDeadline(ctx context.Context) (chainclient.DeadlineInfo, error) {
	return chainclient.DeadlineInfo{Index: 0, OpenEpoch: 100}, nil
}
func (f *fakeTransport) SubmitPreCommitSectors(ctx context.Context, signer address.Address, nonce uint64, mortality abi.ChainEpoch, sectors []chainclient.SectorPreCommitInfo, wait bool) (*chainclient.SubmissionResult, error) {
	return &chainclient.SubmissionResult{Events: []chainclient.Event{{Kind: chainclient.EventSectorsPreCommitted}}}, nil
}
func (f *fakeTransport) SubmitProveCommitSectors(ctx context.Context, signer address.Address, nonce uint64, mortality abi.ChainEpoch, sectors []chainclient.ProveCommitSector, wait bool) (*chainclient.SubmissionResult, error) {
	return &chainclient.SubmissionResult{Events: []chainclient.Event{{Kind: chainclient.EventSectorsProven}}}, nil
}
func (f *fakeTransport) SubmitWindowedPoSt(ctx context.Context, signer address.Address, nonce uint64, mortality abi.ChainEpoch, params chainclient.WindowedPoStParams, wait bool) (*chainclient.SubmissionResult, error) {
	return &chainclient.SubmissionResult{}, nil
}
func (f *fakeTransport) PublishSignedStorageDeals(ctx context.Context, signer address.Address, nonce uint64, mortality abi.ChainEpoch, deals []chainclient.ClientDealProposal, wait bool) (*chainclient.SubmissionResult, error) {
	return &chainclient.SubmissionResult{Events: []chainclient.Event{{Kind: chainclient.EventDealsPublished}}}, nil
}

// blockingSealer is a Sealer whose AddPiece/PreCommitSector calls signal
// Started and then block on Unblock, letting tests observe exactly when a
// handler is in flight and control exactly when it completes.
type blockingSealer struct {
	started chan struct{}
	unblock chan struct{}

	// lastAddPieceCtx/lastPreCommitCtx capture the context each call
	// received, so tests can assert on cancellation-safety wiring.
	mu                sync.Mutex
	lastAddPieceCtx   context.Context
	lastPreCommitCtx  context.Context
}

func newBlockingSealer() *blockingSealer {
	return &blockingSealer{started: make(chan struct{}), unblock: make(chan struct{})}
}

func (s *blockingSealer) AddPiece(ctx context.Context, dst io.Writer, src io.Reader, pieceInfo commitment.PieceInfo, existing []commitment.PieceInfo) (uint64, error) {
	s.mu.Lock()
	s.lastAddPieceCtx = ctx
	s.mu.Unlock()
	close(s.started)
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-s.unblock:
		n, err := io.Copy(dst, src)
		return uint64(n), err
	}
}

func (s *blockingSealer) PreCommitSector(ctx context.Context, cacheDir, unsealedPath, sealedPath string, proverID []byte, sectorNumber abi.SectorNumber, ticket [32]byte, pieceInfos []commitment.PieceInfo) (PreCommitOutput, error) {
	s.mu.Lock()
	s.lastPreCommitCtx = ctx
	s.mu.Unlock()
	close(s.started)
	<-s.unblock
	return PreCommitOutput{}, nil
}

func (s *blockingSealer) ProveCommit(ctx context.Context, cacheDir, sealedPath string, sectorNumber abi.SectorNumber, randomness [32]byte) ([]byte, error) {
	return nil, nil
}

func (s *blockingSealer) ProveWindowedPoSt(ctx context.Context, sectors []PoStSectorInfo, randomness [32]byte) ([]byte, error) {
	return nil, nil
}

func testPipeline(t *testing.T, sealer Sealer) (*Pipeline, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	signer, err := address.NewIDAddress(1)
	require.NoError(t, err)

	chain := chainclient.New(&fakeTransport{})

	p := NewPipeline(Config{
		SectorSize:         abi.SectorSize(2048),
		UnsealedSectorsDir: t.TempDir(),
		SealedSectorsDir:   t.TempDir(),
		SealingCacheDir:    t.TempDir(),
		PieceStorageDir:    t.TempDir(),
		Signer:             signer,
		MaxConcurrentTasks: 4,
	}, st, sealer, chain)
	return p, st
}

// TestStop_DrainsCancellationUnsafeHandler exercises spec.md §5's "shutdown
// drains the task tracker with no timeout": a PreCommit handler (cancellation
// unsafe) keeps running after Stop is called, and Stop only returns once it
// finishes.
func TestStop_DrainsCancellationUnsafeHandler(t *testing.T) {
	sealer := newBlockingSealer()
	p, st := testPipeline(t, sealer)

	unsealed := store.UnsealedSector{
		SectorNumber: abi.SectorNumber(7),
		UnsealedPath: filepath.Join(t.TempDir(), "7"),
	}
	require.NoError(t, st.PutSector(unsealed))

	p.Enqueue(PreCommitMessage{SectorNumber: abi.SectorNumber(7)})
	<-sealer.started

	stopDone := make(chan error, 1)
	go func() { stopDone <- p.Stop(context.Background()) }()

	select {
	case <-stopDone:
		t.Fatal("Stop returned before the in-flight cancellation-unsafe handler finished")
	case <-time.After(100 * time.Millisecond):
	}

	sealer.mu.Lock()
	ctxAtBlock := sealer.lastPreCommitCtx
	sealer.mu.Unlock()
	require.NoError(t, ctxAtBlock.Err(), "cancellation-unsafe handler's context must not be canceled by Stop")

	close(sealer.unblock)

	select {
	case err := <-stopDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the in-flight handler completed")
	}
}

// TestDispatch_CancellationSafeMessageUsesPipelineContext exercises the
// other half of spec.md §5's cancellation-safety split: AddPiece is
// cancellation-safe, so its handler runs under the pipeline's own context
// and observes Stop's cancellation immediately rather than blocking it.
func TestDispatch_CancellationSafeMessageUsesPipelineContext(t *testing.T) {
	sealer := newBlockingSealer()
	p, _ := testPipeline(t, sealer)

	pieceDir := t.TempDir()
	piecePath := filepath.Join(pieceDir, "piece")
	require.NoError(t, os.WriteFile(piecePath, []byte("hello"), 0644))

	p.Enqueue(AddPieceMessage{
		Deal:      store.DealProposal{},
		DealID:    1,
		PiecePath: piecePath,
	})
	<-sealer.started

	stopDone := make(chan error, 1)
	go func() { stopDone <- p.Stop(context.Background()) }()

	select {
	case err := <-stopDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return promptly for a cancellation-safe handler; its context should be canceled immediately")
	}

	sealer.mu.Lock()
	ctxAtBlock := sealer.lastAddPieceCtx
	sealer.mu.Unlock()
	require.Error(t, ctxAtBlock.Err(), "cancellation-safe handler's context should be the pipeline context, canceled by Stop")
}

// TestHandleProveCommit_ActivatesDeals exercises the supplemented
// Published->Active deal-state transition: a sector reaching ProveCommitted
// flips every deal it references from DealPublished to DealActive.
func TestHandleProveCommit_ActivatesDeals(t *testing.T) {
	p, st := testPipeline(t, newBlockingSealer())

	deal := testDealProposal(t, store.DealPublished)
	precommitted := store.PreCommittedSector{
		SectorNumber: abi.SectorNumber(9),
		Deals:        []store.DealRef{{DealID: 55, Proposal: deal}},
		CachePath:    filepath.Join(t.TempDir(), "cache"),
		SealedPath:   filepath.Join(t.TempDir(), "sealed"),
	}
	require.NoError(t, st.PutSector(precommitted))

	err := p.handleProveCommit(context.Background(), ProveCommitMessage{SectorNumber: abi.SectorNumber(9)})
	require.NoError(t, err)

	rec, ok, err := st.GetSector(abi.SectorNumber(9))
	require.NoError(t, err)
	require.True(t, ok)

	proven, isProven := rec.(store.ProvenSector)
	require.True(t, isProven)
	require.Len(t, proven.Deals, 1)
	require.Equal(t, store.DealActive, proven.Deals[0].Proposal.State)
	require.Equal(t, uint64(55), proven.Deals[0].DealID)
}
