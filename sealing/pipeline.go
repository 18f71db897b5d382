// Package sealing implements the sector lifecycle pipeline (Component D):
// a multi-producer/single-consumer message loop driving sector state
// transitions, modeled on the teacher's CommitBatcher dispatcher rather
// than go-statemachine (see DESIGN.md).
package sealing

import (
	"context"
	"fmt"
	"sync"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/storage-core/chainclient"
	"github.com/filecoin-project/storage-core/store"
)

var log = logging.Logger("sealing")

// Config parameterizes a Pipeline's sector policy and on-disk layout, per
// spec.md §6's "On-disk layout" table.
type Config struct {
	SectorSize         abi.SectorSize
	SealProof          abi.RegisteredSealProof
	UnsealedSectorsDir string
	SealedSectorsDir   string
	SealingCacheDir    string
	PieceStorageDir    string
	Signer             address.Address
	MaxConcurrentTasks int
	Deadlines          DeadlineSchedule
}

// DeadlineSchedule abstracts the deadline-cadence arithmetic spec.md §4.D's
// SchedulePoSts leaves as a chain constant outside the core's scope (see
// DESIGN.md's Open Question decision).
type DeadlineSchedule interface {
	// OpenBlocks returns the blocks at which proving deadlines open,
	// starting with the deadline window that contains epoch (so the first
	// block may be at or before epoch).
	OpenBlocks(epoch abi.ChainEpoch) []uint64
}

// Pipeline is the single dispatcher goroutine described by spec.md §4.D:
// one inbox, one consumer, per-message handler goroutines tracked by a
// bounded semaphore so the blocking (sealing-grade CPU) work never
// unboundedly piles up.
type Pipeline struct {
	cfg    Config
	store  *store.Store
	sealer Sealer
	chain  *chainclient.Client

	inbox   chan PipelineMessage
	stop    chan struct{}
	stopped chan struct{}
	sem     chan struct{}
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewPipeline constructs and starts a Pipeline's dispatcher goroutine.
func NewPipeline(cfg Config, st *store.Store, sealer Sealer, chain *chainclient.Client) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	concurrency := cfg.MaxConcurrentTasks
	if concurrency < 1 {
		concurrency = 1
	}
	p := &Pipeline{
		cfg:     cfg,
		store:   st,
		sealer:  sealer,
		chain:   chain,
		inbox:   make(chan PipelineMessage, 64),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		sem:     make(chan struct{}, concurrency),
		ctx:     ctx,
		cancel:  cancel,
	}
	go p.run()
	return p
}

// Enqueue posts a message to the pipeline's inbox. It does not block past
// a Stop in progress.
func (p *Pipeline) Enqueue(msg PipelineMessage) {
	select {
	case p.inbox <- msg:
	case <-p.stop:
	}
}

func (p *Pipeline) run() {
	defer close(p.stopped)
	for {
		select {
		case <-p.stop:
			p.wg.Wait()
			return
		case msg := <-p.inbox:
			p.dispatch(msg)
		}
	}
}

// dispatch spawns a tracked handler goroutine per message, per spec.md
// §4.D ("Each received message spawns a handler task tracked in a bounded
// task-tracker"). Cancellation-unsafe handlers run with a background
// context so a pipeline-wide Stop never interrupts them mid-effect,
// matching spec.md §5's "unsafe handlers ignore the token."
func (p *Pipeline) dispatch(msg PipelineMessage) {
	p.sem <- struct{}{}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.sem }()

		ctx := p.ctx
		if !msg.CancellationSafe() {
			ctx = context.Background()
		}

		if err := p.handle(ctx, msg); err != nil {
			log.Errorw("pipeline handler failed", "message", fmt.Sprintf("%T", msg), "error", err)
		}
	}()
}

func (p *Pipeline) handle(ctx context.Context, msg PipelineMessage) error {
	switch m := msg.(type) {
	case AddPieceMessage:
		return p.handleAddPiece(ctx, m)
	case PreCommitMessage:
		return p.handlePreCommit(ctx, m)
	case ProveCommitMessage:
		return p.handleProveCommit(ctx, m)
	case SubmitWindowedPoStMessage:
		return p.handleSubmitWindowedPoSt(ctx, m)
	case SchedulePoStsMessage:
		return p.handleSchedulePoSts(ctx)
	default:
		return xerrors.Errorf("unknown pipeline message type %T", msg)
	}
}

// Stop requests the dispatcher to exit once all in-flight handler
// goroutines finish, per spec.md §5's "Shutdown drains the task tracker
// with no timeout."
func (p *Pipeline) Stop(ctx context.Context) error {
	close(p.stop)
	p.cancel()
	select {
	case <-p.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
