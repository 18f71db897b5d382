// Package store implements the embedded deal/sector KV store: two
// namespaced column families (proposals, sectors) over an embedded
// engine, plus the sector-number allocator, per spec.md §4.C.
package store

import (
	"encoding/json"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/crypto"
	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/storage-core/commitment"
)

// DealState distinguishes a deal whose sector has not yet been
// prove-committed (Published) from one whose sector has reached
// ProveCommitted (Active), per SPEC_FULL.md §4 (supplemented from original_source's deal
// lifecycle, which spec.md's distillation only names in passing).
type DealState int

const (
	DealPublished DealState = iota
	DealActive
)

func (s DealState) String() string {
	if s == DealActive {
		return "active"
	}
	return "published"
}

// DealProposal is the unsigned deal term sheet, per spec.md §3.
type DealProposal struct {
	PieceCID              cid.Cid
	PieceSize             uint64
	Client                address.Address
	Provider              address.Address
	Label                 []byte
	StartBlock            uint64
	EndBlock              uint64
	StoragePricePerBlock  big.Int
	ProviderCollateral    big.Int
	State                 DealState
}

// ClientDealProposal pairs a DealProposal with the client's signature over
// it, per spec.md §3.
type ClientDealProposal struct {
	Proposal        DealProposal
	ClientSignature crypto.Signature
}

// JSONCID computes the deterministic CIDv1(raw, sha2-256) over the
// canonical JSON encoding of a DealProposal — the key under which unsigned
// proposals are stored, per spec.md §3.
func JSONCID(d DealProposal) (cid.Cid, []byte, error) {
	encoded, err := json.Marshal(jsonDealProposal(d))
	if err != nil {
		return cid.Undef, nil, xerrors.Errorf("encoding deal proposal: %w", err)
	}
	c, err := cid.V1Builder{Codec: cid.Raw, MhType: 0x12 /* sha2-256 */}.Sum(encoded)
	if err != nil {
		return cid.Undef, nil, xerrors.Errorf("computing deal proposal cid: %w", err)
	}
	return c, encoded, nil
}

// jsonDealProposal is the deterministic wire shape: field order here is
// Go struct-field order, which encoding/json always serializes in
// declaration order, giving a stable encoding across runs.
type jsonDealProposal struct {
	PieceCID             string `json:"piece_cid"`
	PieceSize            uint64 `json:"piece_size"`
	Client               string `json:"client"`
	Provider             string `json:"provider"`
	Label                []byte `json:"label"`
	StartBlock           uint64 `json:"start_block"`
	EndBlock             uint64 `json:"end_block"`
	StoragePricePerBlock string `json:"storage_price_per_block"`
	ProviderCollateral   string `json:"provider_collateral"`
	State                string `json:"state"`
}

func toJSONDealProposal(d DealProposal) jsonDealProposal {
	return jsonDealProposal{
		PieceCID:             d.PieceCID.String(),
		PieceSize:            d.PieceSize,
		Client:               d.Client.String(),
		Provider:             d.Provider.String(),
		Label:                d.Label,
		StartBlock:           d.StartBlock,
		EndBlock:             d.EndBlock,
		StoragePricePerBlock: d.StoragePricePerBlock.String(),
		ProviderCollateral:   d.ProviderCollateral.String(),
		State:                d.State.String(),
	}
}

func fromJSONDealProposal(j jsonDealProposal) (DealProposal, error) {
	pieceCID, err := cid.Parse(j.PieceCID)
	if err != nil {
		return DealProposal{}, xerrors.Errorf("parsing piece_cid: %w", err)
	}
	client, err := address.NewFromString(j.Client)
	if err != nil {
		return DealProposal{}, xerrors.Errorf("parsing client: %w", err)
	}
	provider, err := address.NewFromString(j.Provider)
	if err != nil {
		return DealProposal{}, xerrors.Errorf("parsing provider: %w", err)
	}
	price, err := big.FromString(j.StoragePricePerBlock)
	if err != nil {
		return DealProposal{}, xerrors.Errorf("parsing storage_price_per_block: %w", err)
	}
	collateral, err := big.FromString(j.ProviderCollateral)
	if err != nil {
		return DealProposal{}, xerrors.Errorf("parsing provider_collateral: %w", err)
	}
	state := DealPublished
	if j.State == "active" {
		state = DealActive
	}
	return DealProposal{
		PieceCID:             pieceCID,
		PieceSize:            j.PieceSize,
		Client:               client,
		Provider:             provider,
		Label:                j.Label,
		StartBlock:           j.StartBlock,
		EndBlock:             j.EndBlock,
		StoragePricePerBlock: price,
		ProviderCollateral:   collateral,
		State:                state,
	}, nil
}

func (d DealProposal) MarshalJSON() ([]byte, error) {
	return json.Marshal(toJSONDealProposal(d))
}

func (d *DealProposal) UnmarshalJSON(b []byte) error {
	var j jsonDealProposal
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	parsed, err := fromJSONDealProposal(j)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// DealRef pairs an on-chain deal ID with the proposal it refers to, the
// `(deal_id, DealProposal)` pairing spec.md §3 aligns 1:1 with
// piece_infos.
type DealRef struct {
	DealID   uint64
	Proposal DealProposal
}

// RecordKind discriminates the sector-record sum type, per spec.md §3.
type RecordKind int

const (
	KindUnsealed RecordKind = iota
	KindPreCommitted
	KindProven
)

// SectorRecord is the closed sum type sectors progress through: each
// sector-number key holds exactly one of these three shapes at a time, a
// successful transition overwriting the prior one. Grounded on
// original_source/storage-provider/server/src/pipeline/types.rs's
// UnsealedSector/PreCommittedSector/ProvenSector, modeled here as a closed
// Go interface with three concrete structs rather than go-statemachine's
// internal state encoding (see DESIGN.md).
type SectorRecord interface {
	Kind() RecordKind
	Number() abi.SectorNumber
}

// UnsealedSector is accepting pieces.
type UnsealedSector struct {
	SectorNumber         abi.SectorNumber
	OccupiedSectorSpace  uint64
	PieceInfos           []commitment.PieceInfo
	Deals                []DealRef
	UnsealedPath         string
}

func (s UnsealedSector) Kind() RecordKind       { return KindUnsealed }
func (s UnsealedSector) Number() abi.SectorNumber { return s.SectorNumber }

// PreCommittedSector has been locally sealed and pre-committed on-chain.
type PreCommittedSector struct {
	SectorNumber         abi.SectorNumber
	PieceInfos           []commitment.PieceInfo
	Deals                []DealRef
	CachePath            string
	SealedPath           string
	CommR                commitment.Commitment
	CommD                commitment.Commitment
	SealRandomnessHeight uint64
	PrecommitBlock       uint64
}

func (s PreCommittedSector) Kind() RecordKind       { return KindPreCommitted }
func (s PreCommittedSector) Number() abi.SectorNumber { return s.SectorNumber }

// ProvenSector has been proven on-chain (same shape as PreCommittedSector
// minus the randomness/height fields, per spec.md §3).
type ProvenSector struct {
	SectorNumber abi.SectorNumber
	PieceInfos   []commitment.PieceInfo
	Deals        []DealRef
	CachePath    string
	SealedPath   string
	CommR        commitment.Commitment
	CommD        commitment.Commitment
}

func (s ProvenSector) Kind() RecordKind       { return KindProven }
func (s ProvenSector) Number() abi.SectorNumber { return s.SectorNumber }

// NewPreCommittedSector promotes an UnsealedSector, per spec.md §4.D's
// PreCommit handler step 5.
func NewPreCommittedSector(u UnsealedSector, cachePath, sealedPath string, commR, commD commitment.Commitment, sealRandomnessHeight, precommitBlock uint64) PreCommittedSector {
	return PreCommittedSector{
		SectorNumber:         u.SectorNumber,
		PieceInfos:           u.PieceInfos,
		Deals:                u.Deals,
		CachePath:            cachePath,
		SealedPath:           sealedPath,
		CommR:                commR,
		CommD:                commD,
		SealRandomnessHeight: sealRandomnessHeight,
		PrecommitBlock:       precommitBlock,
	}
}

// NewProvenSector promotes a PreCommittedSector, per spec.md §4.D's
// ProveCommit handler step 5.
func NewProvenSector(p PreCommittedSector) ProvenSector {
	return ProvenSector{
		SectorNumber: p.SectorNumber,
		PieceInfos:   p.PieceInfos,
		Deals:        p.Deals,
		CachePath:    p.CachePath,
		SealedPath:   p.SealedPath,
		CommR:        p.CommR,
		CommD:        p.CommD,
	}
}
