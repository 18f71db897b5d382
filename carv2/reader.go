package carv2

import (
	"bufio"
	"io"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"golang.org/x/xerrors"
)

// ErrTruncated marks a CAR file that ended before its declared payload was
// fully read, per spec.md §4.B's failure-mode table.
var ErrTruncated = xerrors.New("truncated car file")

// ErrInvalidCid marks a block whose bytes don't hash to its declared CID.
var ErrInvalidCid = xerrors.New("invalid cid: hash mismatch")

// Block is a single decoded CARv1 block.
type Block struct {
	Cid  cid.Cid
	Data []byte
}

// ReadPayload reads the header, seeks to data_offset, and returns the
// CARv1 roots alongside every block in the payload, per spec.md §4.B.
func ReadPayload(r io.ReadSeeker) (Header, []cid.Cid, []Block, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return Header{}, nil, nil, err
	}
	if _, err := r.Seek(int64(h.DataOffset), io.SeekStart); err != nil {
		return Header{}, nil, nil, xerrors.Errorf("seeking to data_offset: %w", err)
	}

	br := bufio.NewReader(io.LimitReader(r, int64(h.DataSize)))
	roots, err := readV1Header(br)
	if err != nil {
		return Header{}, nil, nil, err
	}

	var blocks []Block
	for {
		c, data, _, err := readBlock(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return Header{}, nil, nil, xerrors.Errorf("%w: %v", ErrTruncated, err)
		}
		blocks = append(blocks, Block{Cid: c, Data: data})
	}
	return h, roots, blocks, nil
}

// VerifyCid implements spec.md §4.B's verify_cid: the CAR must declare
// exactly [expectedRoot] as its roots, and every block's bytes must hash
// to its own declared CID.
func VerifyCid(r io.ReadSeeker, expectedRoot cid.Cid) error {
	_, roots, blocks, err := ReadPayload(r)
	if err != nil {
		return err
	}
	if len(roots) != 1 || !roots[0].Equals(expectedRoot) {
		return xerrors.Errorf("car roots %v do not match expected root %s", roots, expectedRoot)
	}
	for i, b := range blocks {
		if err := verifyBlockHash(b); err != nil {
			return xerrors.Errorf("block %d: %w", i, err)
		}
	}
	return nil
}

func verifyBlockHash(b Block) error {
	decoded, err := mh.Decode(b.Cid.Hash())
	if err != nil {
		return xerrors.Errorf("decoding multihash: %w", err)
	}
	recomputed, err := mh.Sum(b.Data, decoded.Code, decoded.Length)
	if err != nil {
		return xerrors.Errorf("recomputing multihash: %w", err)
	}
	if string(recomputed) != string(b.Cid.Hash()) {
		return ErrInvalidCid
	}
	return nil
}
