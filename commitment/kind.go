package commitment

import (
	commcid "github.com/filecoin-project/go-fil-commcid"
	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"
)

// Kind distinguishes the three commitment flavors spec.md §3 names. Piece
// and Data commitments share a multicodec/multihash pair; Replica
// commitments use a different pair.
type Kind int

const (
	KindPiece Kind = iota
	KindData
	KindReplica
)

func (k Kind) String() string {
	switch k {
	case KindPiece:
		return "piece"
	case KindData:
		return "data"
	case KindReplica:
		return "replica"
	default:
		return "unknown"
	}
}

// Codec returns the multicodec spec.md §3's table assigns to this
// commitment kind (fil-commitment-unsealed for Piece/Data, fil-commitment-sealed
// for Replica).
func (k Kind) Codec() uint64 {
	switch k {
	case KindPiece, KindData:
		return 0xf101
	case KindReplica:
		return 0xf102
	default:
		return 0
	}
}

// Commitment is a 32-byte Merkle digest paired with its Kind, per spec.md §3.
type Commitment struct {
	Kind   Kind
	Digest [32]byte
}

// New wraps a raw 32-byte digest as a Commitment of the given kind.
func New(kind Kind, raw []byte) (Commitment, error) {
	if len(raw) != 32 {
		return Commitment{}, xerrors.Errorf("commitment digest must be 32 bytes, got %d", len(raw))
	}
	var c Commitment
	c.Kind = kind
	copy(c.Digest[:], raw)
	return c, nil
}

// Raw returns the 32-byte digest.
func (c Commitment) Raw() []byte {
	out := make([]byte, 32)
	copy(out, c.Digest[:])
	return out
}

// ToCID converts a Commitment to its CID, using the multicodec/multihash
// table spec.md §3 specifies. This is go-fil-commcid's entire reason to
// exist, so we call directly into it rather than re-deriving the table.
func (c Commitment) ToCID() (cid.Cid, error) {
	switch c.Kind {
	case KindPiece, KindData:
		return commcid.DataCommitmentV1ToCID(c.Raw())
	case KindReplica:
		return commcid.ReplicaCommitmentV1ToCID(c.Raw())
	default:
		return cid.Undef, xerrors.Errorf("unknown commitment kind %d", c.Kind)
	}
}

// FromCID recovers a Commitment of the given kind from a CID, inverting
// ToCID. Per spec.md's invariant, FromCID(c.ToCID(), c.Kind) == c for any
// well-formed commitment.
func FromCID(c cid.Cid, kind Kind) (Commitment, error) {
	var raw []byte
	var err error
	switch kind {
	case KindPiece, KindData:
		raw, err = commcid.CIDToDataCommitmentV1(c)
	case KindReplica:
		raw, err = commcid.CIDToReplicaCommitmentV1(c)
	default:
		return Commitment{}, xerrors.Errorf("unknown commitment kind %d", kind)
	}
	if err != nil {
		return Commitment{}, xerrors.Errorf("decoding commitment from cid: %w", err)
	}
	return New(kind, raw)
}
